package session

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// countingRepo wraps a repository and counts writes.
type countingRepo struct {
	Repository
	saves   atomic.Int32
	loadErr error
}

func (c *countingRepo) SaveSlots(ctx context.Context, key string, data []byte, updatedAt time.Time) error {
	c.saves.Add(1)
	return c.Repository.SaveSlots(ctx, key, data, updatedAt)
}

func (c *countingRepo) LoadSlots(ctx context.Context, key string) ([]byte, time.Time, error) {
	if c.loadErr != nil {
		return nil, time.Time{}, c.loadErr
	}
	return c.Repository.LoadSlots(ctx, key)
}

func newCountingStore() (*Store, *countingRepo) {
	repo := &countingRepo{Repository: NewMemoryRepository()}
	return NewStore(repo), repo
}

func TestLoad_UnknownSenderGetsDefaults(t *testing.T) {
	st, _ := newCountingStore()
	sess := st.Load(context.Background(), "5215550001111")
	require.Equal(t, "5215550001111", sess.Key)
	require.Equal(t, DefaultSlots(), sess.Slots)
	require.Equal(t, StageNew, sess.Stage())
	require.Equal(t, "turismo", sess.Slots.Purpose)
}

func TestLoad_StorageErrorDegrades(t *testing.T) {
	st, repo := newCountingStore()
	repo.loadErr = errors.New("disk gone")
	sess := st.Load(context.Background(), "x")
	require.Equal(t, DefaultSlots(), sess.Slots)
}

func TestLoad_OldRecordGetsNewDefaults(t *testing.T) {
	repo := NewMemoryRepository()
	require.NoError(t, repo.SaveSlots(context.Background(), "k", []byte(`{"contact_name":"Karla","stage":"cierre"}`), time.Now()))
	sess := NewStore(repo).Load(context.Background(), "k")
	require.Equal(t, "Karla", sess.Slots.ContactName)
	require.Equal(t, "turismo", sess.Slots.Purpose)
	require.Equal(t, StageClosing, sess.Stage())
}

func TestMerge_NoopDoesNotWrite(t *testing.T) {
	st, repo := newCountingStore()
	ctx := context.Background()

	_, err := st.Merge(ctx, "k", Delta{})
	require.NoError(t, err)
	require.EqualValues(t, 0, repo.saves.Load())

	_, err = st.Merge(ctx, "k", Delta{"purpose": "turismo"})
	require.NoError(t, err)
	require.EqualValues(t, 0, repo.saves.Load())

	_, err = st.Merge(ctx, "k", Delta{"city": "  ", "visa_type": nil, "assets": []any{}})
	require.NoError(t, err)
	require.EqualValues(t, 0, repo.saves.Load())
}

func TestMerge_Idempotent(t *testing.T) {
	st, repo := newCountingStore()
	ctx := context.Background()
	delta := Delta{"contact_name": "Karla", "persons_count": 3}

	first, err := st.Merge(ctx, "k", delta)
	require.NoError(t, err)
	require.EqualValues(t, 1, repo.saves.Load())

	second, err := st.Merge(ctx, "k", delta)
	require.NoError(t, err)
	require.EqualValues(t, 1, repo.saves.Load())
	require.Equal(t, first.Slots, second.Slots)
	require.Equal(t, 3, second.Slots.PersonsCount)
}

func TestMerge_IgnoresStageUnknownAndMistyped(t *testing.T) {
	st, _ := newCountingStore()
	sess, err := st.Merge(context.Background(), "k", Delta{
		"stage":           "dialog",
		"favorite_color":  "blue",
		"persons_count":   "many",
		"city":            "Monterrey",
		"passports_ready": true,
	})
	require.NoError(t, err)
	require.Equal(t, StageNew, sess.Stage())
	require.Equal(t, 0, sess.Slots.PersonsCount)
	require.Equal(t, "Monterrey", sess.Slots.City)
	require.Equal(t, FlagYes, sess.Slots.PassportsReady)
}

func TestMerge_LoadFailureDoesNotOverwrite(t *testing.T) {
	st, repo := newCountingStore()
	ctx := context.Background()
	_, err := st.Merge(ctx, "k", Delta{"contact_name": "Karla"})
	require.NoError(t, err)

	repo.loadErr = errors.New("timeout")
	_, err = st.Merge(ctx, "k", Delta{"city": "Monterrey"})
	require.Error(t, err)
	require.EqualValues(t, 1, repo.saves.Load())
}

func TestMerge_ConcurrentUpdatesAreNotLost(t *testing.T) {
	st, _ := newCountingStore()
	ctx := context.Background()
	fields := []string{"city", "visa_type", "employment_status", "assets", "debts", "travel_month", "contact_email", "last_question"}

	var wg sync.WaitGroup
	for _, f := range fields {
		wg.Add(1)
		go func(f string) {
			defer wg.Done()
			_, err := st.Merge(ctx, "k", Delta{f: "v-" + f})
			assert.NoError(t, err)
		}(f)
	}
	wg.Wait()

	raw, err := json.Marshal(st.Load(ctx, "k").Slots)
	require.NoError(t, err)
	var got map[string]any
	require.NoError(t, json.Unmarshal(raw, &got))
	for _, f := range fields {
		require.Equal(t, "v-"+f, got[f], f)
	}
}

func TestAdvance_ForwardOnly(t *testing.T) {
	st, repo := newCountingStore()
	ctx := context.Background()

	sess, err := st.Advance(ctx, "k", StageAskNeed)
	require.NoError(t, err)
	require.Equal(t, StageAskNeed, sess.Stage())

	sess, err = st.Advance(ctx, "k", StageAskName)
	require.NoError(t, err)
	require.Equal(t, StageAskNeed, sess.Stage())

	_, err = st.Advance(ctx, "k", StageEscalated)
	require.NoError(t, err)
	sess, err = st.Advance(ctx, "k", StageClosing)
	require.NoError(t, err)
	require.Equal(t, StageEscalated, sess.Stage())
	require.EqualValues(t, 2, repo.saves.Load())

	_, err = st.Advance(ctx, "k", Stage("bogus"))
	require.Error(t, err)
}

func TestRecentTurns_OrderAndLimits(t *testing.T) {
	st, _ := newCountingStore()
	ctx := context.Background()
	for i := 1; i <= 5; i++ {
		require.NoError(t, st.AppendTurn(ctx, "k", RoleUser, fmt.Sprintf("m%d", i)))
	}
	require.NoError(t, st.AppendTurn(ctx, "other", RoleUser, "noise"))

	require.Empty(t, st.RecentTurns(ctx, "k", 0))
	require.NotNil(t, st.RecentTurns(ctx, "k", 0))

	got := st.RecentTurns(ctx, "k", 3)
	require.Len(t, got, 3)
	require.Equal(t, []string{"m3", "m4", "m5"}, texts(got))

	require.Len(t, st.RecentTurns(ctx, "k", 50), 5)
	require.Empty(t, st.RecentTurns(ctx, "nobody", 10))
	require.Error(t, st.AppendTurn(ctx, "k", Role("bot"), "x"))
}

func TestSQLiteRepository_RoundTrip(t *testing.T) {
	repo, err := NewSQLiteRepository(filepath.Join(t.TempDir(), "agent.db"))
	require.NoError(t, err)
	defer func() { _ = repo.Close() }()

	st := NewStore(repo)
	ctx := context.Background()

	_, err = st.Merge(ctx, "5218128793882", Delta{"contact_name": "Karla", "monthly_income_mxn": 30000})
	require.NoError(t, err)
	_, err = st.Advance(ctx, "5218128793882", StageDialog)
	require.NoError(t, err)

	sess := st.Load(ctx, "5218128793882")
	require.Equal(t, "Karla", sess.Slots.ContactName)
	require.Equal(t, 30000, sess.Slots.MonthlyIncomeMXN)
	require.Equal(t, StageDialog, sess.Stage())
	require.False(t, sess.UpdatedAt.IsZero())

	for _, txt := range []string{"a", "b", "c"} {
		require.NoError(t, st.AppendTurn(ctx, "5218128793882", RoleAssistant, txt))
	}
	require.Equal(t, []string{"b", "c"}, texts(st.RecentTurns(ctx, "5218128793882", 2)))

	_, _, err = repo.LoadSlots(ctx, "missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestSlots_FlagAcceptsBoolAndString(t *testing.T) {
	s, changed := DefaultSlots().Merge(Delta{"previous_visa": false, "legal_issues": "no"})
	require.ElementsMatch(t, []string{"previous_visa", "legal_issues"}, changed)
	require.Equal(t, FlagNo, s.PreviousVisa)
	require.Equal(t, FlagNo, s.LegalIssues)
}

func texts(turns []Turn) []string {
	out := make([]string, 0, len(turns))
	for _, t := range turns {
		out = append(out, t.Text)
	}
	return out
}
