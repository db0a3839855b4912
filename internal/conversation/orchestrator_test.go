package conversation

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"visa-chatter/internal/agent"
	"visa-chatter/internal/dedup"
	"visa-chatter/internal/handoff"
	"visa-chatter/internal/metrics"
	"visa-chatter/internal/policy"
	"visa-chatter/internal/session"
)

type sent struct {
	to   string
	text string
}

type fakeSender struct {
	mu    sync.Mutex
	sent  []sent
	read  []string
	fails bool
}

func (f *fakeSender) Send(_ context.Context, to, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sent{to, text})
	if f.fails {
		return errors.New("boom")
	}
	return nil
}

func (f *fakeSender) MarkRead(_ context.Context, _, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.read = append(f.read, id)
	return nil
}

func (f *fakeSender) texts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.sent))
	for _, s := range f.sent {
		out = append(out, s.text)
	}
	return out
}

func (f *fakeSender) reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = nil
}

type fakeAgent struct {
	calls atomic.Int32
	out   agent.Output
	err   error
	input string
}

func (f *fakeAgent) Infer(_ context.Context, _, text string, _ session.Slots, _ []session.Turn) (agent.Output, error) {
	f.calls.Add(1)
	f.input = text
	if f.err != nil {
		return agent.SafeOutput(), f.err
	}
	return f.out, nil
}

// blockingAgent answers only when its context ends.
type blockingAgent struct{}

func (blockingAgent) Infer(ctx context.Context, _, _ string, _ session.Slots, _ []session.Turn) (agent.Output, error) {
	<-ctx.Done()
	return agent.SafeOutput(), ctx.Err()
}

type fakeNotifier struct {
	mu   sync.Mutex
	keys []string
}

func (f *fakeNotifier) NotifyHandoff(_ context.Context, key, _ string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.keys = append(f.keys, key)
}

type harness struct {
	orch   *Orchestrator
	store  *session.Store
	sender *fakeSender
	agent  *fakeAgent
	broker *handoff.Broker
	seq    int
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	cache, err := dedup.New(100)
	require.NoError(t, err)
	h := &harness{
		store:  session.NewStore(session.NewMemoryRepository()),
		sender: &fakeSender{},
		agent:  &fakeAgent{out: agent.Output{Reply: "¿En qué más te ayudo?"}},
		broker: handoff.NewBroker(),
	}
	opts := DefaultOptions()
	opts.PacingDelay = 0
	opts.MaxTypingDelay = 0
	opts.FallbackTimeout = time.Second
	opts.HandoffTTL = 2 * time.Second
	h.orch = New(Deps{
		Dedup:    cache,
		Store:    h.store,
		Agent:    h.agent,
		Handoffs: h.broker,
		Sender:   h.sender,
		Metrics:  metrics.New(),
	}, opts)
	return h
}

func (h *harness) text(t *testing.T, sender, text string) {
	t.Helper()
	h.seq++
	ev := Event{ID: fmt.Sprintf("wamid.%d", h.seq), Sender: sender, Kind: KindText, Text: text}
	require.NoError(t, h.orch.Handle(context.Background(), ev))
}

const wa = "5218128793882"

func TestGreetingFromUnknownSenderAsksName(t *testing.T) {
	h := newHarness(t)
	h.text(t, wa, "hola")

	require.Equal(t, []string{policy.NamePrompt}, h.sender.texts())
	require.Equal(t, session.StageAskName, h.store.Load(context.Background(), wa).Stage())
	require.Zero(t, h.agent.calls.Load())
}

func TestSelfIntroductionStoresNameAndAsksNeed(t *testing.T) {
	h := newHarness(t)
	h.text(t, wa, "hola")
	h.sender.reset()
	h.text(t, wa, "Soy Karla")

	require.Equal(t, []string{policy.IntroReply("Karla")}, h.sender.texts())
	sess := h.store.Load(context.Background(), wa)
	require.Equal(t, "Karla", sess.Slots.ContactName)
	require.Equal(t, session.StageAskNeed, sess.Stage())

	turns := h.store.RecentTurns(context.Background(), wa, 10)
	require.Len(t, turns, 4)
	require.Equal(t, "Soy Karla", turns[2].Text)
}

func TestPricingQuestionGetsCannedAnswerWithoutFallback(t *testing.T) {
	h := newHarness(t)
	h.agent.err = errors.New("llm down")
	h.text(t, wa, "hola")
	h.text(t, wa, "Soy Karla")
	h.sender.reset()

	h.text(t, wa, "¿Cuánto cuesta el trámite?")
	require.Equal(t, []string{policy.PricingText + "\n¿Para cuántas personas sería?"}, h.sender.texts())
	require.Zero(t, h.agent.calls.Load())
	sess := h.store.Load(context.Background(), wa)
	require.Equal(t, policy.IntentPricing, sess.Slots.LastIntent)
	require.Equal(t, session.StageDialog, sess.Stage())

	h.sender.reset()
	h.text(t, wa, "hola")
	require.NotContains(t, h.sender.texts(), policy.NamePrompt)
}

func TestPricingOnFirstContactThenGreetingDoesNotAskName(t *testing.T) {
	h := newHarness(t)
	h.text(t, wa, "precio")
	require.Equal(t, session.StageAskName, h.store.Load(context.Background(), wa).Stage())

	h.sender.reset()
	h.text(t, wa, "hola")
	require.Equal(t, []string{"¿En qué más te ayudo?"}, h.sender.texts())
}

func TestDuplicateEventDropped(t *testing.T) {
	h := newHarness(t)
	ev := Event{ID: "wamid.X", Sender: wa, Kind: KindText, Text: "hola"}
	require.NoError(t, h.orch.Handle(context.Background(), ev))
	require.NoError(t, h.orch.Handle(context.Background(), ev))
	require.Len(t, h.sender.texts(), 1)
	require.Len(t, h.store.RecentTurns(context.Background(), wa, 10), 2)
}

func TestProfileNameEnrichment(t *testing.T) {
	h := newHarness(t)
	ev := Event{ID: "1", Sender: wa, Kind: KindText, Text: "hola", ProfileName: "cliente demo"}
	require.NoError(t, h.orch.Handle(context.Background(), ev))

	sess := h.store.Load(context.Background(), wa)
	require.Equal(t, "Cliente", sess.Slots.ContactName)
	require.Equal(t, session.StageDialog, sess.Stage())
	require.Equal(t, []string{"¿En qué más te ayudo?"}, h.sender.texts())
}

func TestMediaWithoutTextIsAcknowledged(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.orch.Handle(context.Background(), Event{ID: "a1", Sender: wa, Kind: KindAudio}))
	require.NoError(t, h.orch.Handle(context.Background(), Event{ID: "a2", Sender: wa, Kind: KindImage}))
	require.Equal(t, []string{policy.MediaAck("audio"), policy.MediaAck("image")}, h.sender.texts())
	require.Empty(t, h.store.RecentTurns(context.Background(), wa, 10))
	require.Zero(t, h.agent.calls.Load())
}

func TestFallbackFailureSendsSafeReply(t *testing.T) {
	h := newHarness(t)
	h.agent.err = agent.ErrMalformedOutput
	h.text(t, wa, "quiero ir a Disney")
	require.Equal(t, []string{policy.SafeReply}, h.sender.texts())
}

func TestSlowFallbackIsCutOffBySafeReply(t *testing.T) {
	h := newHarness(t)
	h.orch.Agent = blockingAgent{}
	h.orch.opts.FallbackTimeout = 50 * time.Millisecond

	start := time.Now()
	h.text(t, wa, "quiero ir a Disney")
	require.Less(t, time.Since(start), time.Second)
	require.Equal(t, []string{policy.SafeReply}, h.sender.texts())
}

func TestFallbackGroundsFollowsUpAndMergesSlots(t *testing.T) {
	h := newHarness(t)
	h.agent.out = agent.Output{
		Reply:     "Todo sale en $20,000 MXN",
		Followups: []string{"¿Cuántas personas viajan?", "ignored"},
		Slots:     map[string]any{"persons_count": float64(3), "stage": "closing", "travel_month": "julio"},
	}
	h.text(t, wa, "somos 3 y queremos ir en julio")

	require.Equal(t, []string{policy.PricingText, "¿Cuántas personas viajan?"}, h.sender.texts())
	sess := h.store.Load(context.Background(), wa)
	require.Equal(t, 3, sess.Slots.PersonsCount)
	require.Equal(t, "julio", sess.Slots.TravelMonth)
	require.Equal(t, session.StageAskName, sess.Stage())
}

func TestOptionIDPreferredForFallback(t *testing.T) {
	h := newHarness(t)
	ev := Event{ID: "i1", Sender: wa, Kind: KindInteractive, Text: "Primera vez", OptionID: "first_time"}
	require.NoError(t, h.orch.Handle(context.Background(), ev))
	require.Equal(t, "first_time", h.agent.input)
}

func TestContactExtraction(t *testing.T) {
	h := newHarness(t)
	h.text(t, wa, "mi correo es karla@example.com y mi cel 81 1234 5678")
	sess := h.store.Load(context.Background(), wa)
	require.Equal(t, "karla@example.com", sess.Slots.ContactEmail)
	require.Equal(t, "528112345678", sess.Slots.ContactPhone)
}

func TestDealClosedAdvancesToClosing(t *testing.T) {
	h := newHarness(t)
	h.agent.out = agent.Output{Reply: "¡Excelente! Te mando los datos de pago.", DealClosed: true}
	h.text(t, wa, "va, lo contrato")
	require.Equal(t, session.StageClosing, h.store.Load(context.Background(), wa).Stage())
}

func TestEscalationWaitsForHumanAndSuspendsBot(t *testing.T) {
	h := newHarness(t)
	h.agent.out = agent.Output{Reply: "Entiendo.", EscalateToHuman: true}
	notifier := &fakeNotifier{}
	h.orch.Notifier = notifier

	done := make(chan struct{})
	go func() {
		defer close(done)
		ev := Event{ID: "esc-1", Sender: wa, Kind: KindText, Text: "tuve una deportación hace años"}
		assert.NoError(t, h.orch.Handle(context.Background(), ev))
	}()
	require.Eventually(t, func() bool { return h.broker.Pending(wa) }, time.Second, time.Millisecond)
	require.Equal(t, []string{"Entiendo.", policy.EscalationAck}, h.sender.texts())
	require.Equal(t, session.StageEscalated, h.store.Load(context.Background(), wa).Stage())
	notifier.mu.Lock()
	require.Equal(t, []string{wa}, notifier.keys)
	notifier.mu.Unlock()

	h.text(t, wa, "¿sigues ahí?")
	require.Len(t, h.sender.texts(), 2)

	require.True(t, h.broker.SubmitHumanReply(wa, "Hola, soy Luis. Te ayudo con tu caso."))
	<-done
	require.Equal(t, "Hola, soy Luis. Te ayudo con tu caso.", h.sender.texts()[2])

	turns := h.store.RecentTurns(context.Background(), wa, 1)
	require.Equal(t, session.RoleAssistant, turns[0].Role)
	require.Equal(t, "Hola, soy Luis. Te ayudo con tu caso.", turns[0].Text)
}

func TestMarkRead(t *testing.T) {
	h := newHarness(t)
	h.text(t, wa, "hola")
	require.Equal(t, []string{"wamid.1"}, h.sender.read)
}

func TestSendFailureIsNotPropagated(t *testing.T) {
	h := newHarness(t)
	h.sender.fails = true
	h.text(t, wa, "hola")
	require.Equal(t, session.StageAskName, h.store.Load(context.Background(), wa).Stage())
}

func TestDifferentSendersDoNotShareState(t *testing.T) {
	h := newHarness(t)
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ev := Event{ID: fmt.Sprintf("m%d", i), Sender: fmt.Sprintf("52155500000%02d", i), Kind: KindText, Text: "hola"}
			_ = h.orch.Handle(context.Background(), ev)
		}(i)
	}
	wg.Wait()
	require.Len(t, h.sender.texts(), 20)
	for _, txt := range h.sender.texts() {
		require.Equal(t, policy.NamePrompt, txt)
	}
}

func TestDispatchAndWait(t *testing.T) {
	h := newHarness(t)
	h.orch.Dispatch(context.Background(), Event{ID: "d1", Sender: wa, Kind: KindText, Text: "hola"})
	h.orch.Wait()
	require.Equal(t, []string{policy.NamePrompt}, h.sender.texts())
}

func TestDispatchKeepsSenderOrder(t *testing.T) {
	for i := 0; i < 50; i++ {
		h := newHarness(t)
		h.orch.Dispatch(context.Background(), Event{ID: "o1", Sender: wa, Kind: KindText, Text: "hola"})
		h.orch.Dispatch(context.Background(), Event{ID: "o2", Sender: wa, Kind: KindText, Text: "Soy Karla"})
		h.orch.Wait()

		require.Equal(t, []string{policy.NamePrompt, policy.IntroReply("Karla")}, h.sender.texts())
		turns := h.store.RecentTurns(context.Background(), wa, 10)
		require.Len(t, turns, 4)
		require.Equal(t, "hola", turns[0].Text)
		require.Equal(t, "Soy Karla", turns[2].Text)
	}
}

func TestEscalatedSenderIsPendingBeforeNextEvent(t *testing.T) {
	h := newHarness(t)
	h.agent.out = agent.Output{Reply: "Entiendo.", EscalateToHuman: true}

	h.orch.Dispatch(context.Background(), Event{ID: "e1", Sender: wa, Kind: KindText, Text: "tuve una deportación"})
	h.orch.Dispatch(context.Background(), Event{ID: "e2", Sender: wa, Kind: KindText, Text: "¿hola?"})
	require.Eventually(t, func() bool {
		return len(h.store.RecentTurns(context.Background(), wa, 10)) == 3
	}, time.Second, time.Millisecond)

	require.Equal(t, []string{"Entiendo.", policy.EscalationAck}, h.sender.texts())
	require.EqualValues(t, 1, h.agent.calls.Load())

	require.True(t, h.broker.SubmitHumanReply(wa, "Soy Luis, te ayudo."))
	h.orch.Wait()
	require.Equal(t, "Soy Luis, te ayudo.", h.sender.texts()[2])
}

func TestChannel(t *testing.T) {
	require.Equal(t, "telegram", Channel("tg:42"))
	require.Equal(t, "whatsapp", Channel(wa))
}
