package handoff

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func waitPending(t *testing.T, b *Broker, key string) {
	t.Helper()
	require.Eventually(t, func() bool { return b.Pending(key) }, time.Second, time.Millisecond)
}

func TestRequestHandoff_HumanReply(t *testing.T) {
	b := NewBroker()
	type result struct {
		text string
		err  error
	}
	done := make(chan result, 1)
	go func() {
		text, err := b.RequestHandoff(context.Background(), "s1", 2*time.Second)
		done <- result{text, err}
	}()
	waitPending(t, b, "s1")

	left := b.ListPending()["s1"]
	require.GreaterOrEqual(t, left, 0)
	require.LessOrEqual(t, left, 2)

	require.True(t, b.SubmitHumanReply("s1", "Hola, soy Luis del equipo"))
	res := <-done
	require.NoError(t, res.err)
	require.Equal(t, "Hola, soy Luis del equipo", res.text)
	require.False(t, b.Pending("s1"))
	require.Empty(t, b.ListPending())
}

func TestRequestHandoff_TimeoutThenLateSubmitFails(t *testing.T) {
	b := NewBroker()
	_, err := b.RequestHandoff(context.Background(), "s1", 30*time.Millisecond)
	require.ErrorIs(t, err, ErrTimeout)
	require.False(t, b.SubmitHumanReply("s1", "too late"))
	require.NotContains(t, b.ListPending(), "s1")
}

func TestSubmitHumanReply_NothingPending(t *testing.T) {
	b := NewBroker()
	require.False(t, b.SubmitHumanReply("nobody", "hi"))
	require.Empty(t, b.ListPending())
}

func TestRequestHandoff_NewerRequestSupersedes(t *testing.T) {
	b := NewBroker()
	first := make(chan error, 1)
	go func() {
		_, err := b.RequestHandoff(context.Background(), "s1", 5*time.Second)
		first <- err
	}()
	waitPending(t, b, "s1")

	second := make(chan string, 1)
	go func() {
		text, _ := b.RequestHandoff(context.Background(), "s1", 5*time.Second)
		second <- text
	}()

	select {
	case err := <-first:
		require.ErrorIs(t, err, ErrSuperseded)
	case <-time.After(time.Second):
		t.Fatal("first waiter was not released")
	}

	waitPending(t, b, "s1")
	require.Len(t, b.ListPending(), 1)
	require.True(t, b.SubmitHumanReply("s1", "reply"))
	require.Equal(t, "reply", <-second)
}

func TestRequestHandoff_ContextCancel(t *testing.T) {
	b := NewBroker()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := b.RequestHandoff(ctx, "s1", 5*time.Second)
		done <- err
	}()
	waitPending(t, b, "s1")
	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
	require.False(t, b.Pending("s1"))
}

func TestListPending_ExcludesExpired(t *testing.T) {
	b := NewBroker()
	now := time.Now()
	b.now = func() time.Time { return now }
	go func() { _, _ = b.RequestHandoff(context.Background(), "s1", time.Hour) }()
	waitPending(t, b, "s1")
	require.Equal(t, 3600, b.ListPending()["s1"])

	b.mu.Lock()
	b.now = func() time.Time { return now.Add(2 * time.Hour) }
	b.mu.Unlock()
	require.Empty(t, b.ListPending())
	require.False(t, b.SubmitHumanReply("s1", "late"))
}

func TestRegister_PendingBeforeAwait(t *testing.T) {
	b := NewBroker()
	req := b.Register("s1", 2*time.Second)
	require.Equal(t, "s1", req.Key())
	require.NotEmpty(t, req.ID())
	require.True(t, b.Pending("s1"))

	require.True(t, b.SubmitHumanReply("s1", "ya te atiendo"))
	text, err := b.Await(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, "ya te atiendo", text)
	require.False(t, b.Pending("s1"))
}

func TestAwait_ExpiresFromRegistration(t *testing.T) {
	b := NewBroker()
	req := b.Register("s1", 30*time.Millisecond)
	time.Sleep(40 * time.Millisecond)

	start := time.Now()
	_, err := b.Await(context.Background(), req)
	require.ErrorIs(t, err, ErrTimeout)
	require.Less(t, time.Since(start), 500*time.Millisecond)
	require.False(t, b.Pending("s1"))
}
