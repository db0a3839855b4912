package conversation

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"visa-chatter/internal/agent"
	"visa-chatter/internal/handoff"
	"visa-chatter/internal/keylock"
	"visa-chatter/internal/metrics"
	"visa-chatter/internal/policy"
	"visa-chatter/internal/session"
	"visa-chatter/internal/storage"
)

type Admitter interface {
	Admit(ctx context.Context, id string) bool
}

type Inferer interface {
	Infer(ctx context.Context, sender, text string, slots session.Slots, turns []session.Turn) (agent.Output, error)
}

type Handoffs interface {
	Register(key string, ttl time.Duration) *handoff.Request
	Await(ctx context.Context, req *handoff.Request) (string, error)
	Pending(key string) bool
}

// Notifier tells human operators that a sender is waiting for them.
type Notifier interface {
	NotifyHandoff(ctx context.Context, key, lastMessage string)
}

type Deps struct {
	Dedup    Admitter
	Store    *session.Store
	Router   *policy.Router
	Agent    Inferer
	Handoffs Handoffs
	Notifier Notifier
	Sender   Sender
	Recorder storage.Recorder
	Metrics  *metrics.Metrics
}

type Options struct {
	FallbackTimeout time.Duration
	HandoffTTL      time.Duration
	PacingDelay     time.Duration
	MaxTypingDelay  time.Duration
	History         int
}

func DefaultOptions() Options {
	return Options{
		FallbackTimeout: 40 * time.Second,
		HandoffTTL:      handoff.DefaultTTL,
		PacingDelay:     600 * time.Millisecond,
		MaxTypingDelay:  2 * time.Second,
		History:         agent.DefaultHistory,
	}
}

type Orchestrator struct {
	Deps
	opts  Options
	locks *keylock.Locker
	sleep func(ctx context.Context, d time.Duration)
	now   func() time.Time

	qmu    sync.Mutex
	queues map[string][]queued
	wg     sync.WaitGroup
}

type queued struct {
	ctx context.Context
	ev  Event
}

func New(deps Deps, opts Options) *Orchestrator {
	if deps.Router == nil {
		deps.Router = policy.NewRouter()
	}
	return &Orchestrator{
		Deps:   deps,
		opts:   opts,
		locks:  keylock.New(),
		sleep:  sleepCtx,
		now:    func() time.Time { return time.Now().UTC() },
		queues: make(map[string][]queued),
	}
}

func sleepCtx(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}

// Dispatch handles ev in the background so webhook handlers can acknowledge
// delivery immediately. Events from one sender are handled in dispatch order;
// a handoff wait does not hold up the sender's later events. Wait blocks until
// dispatched events finish.
func (o *Orchestrator) Dispatch(ctx context.Context, ev Event) {
	o.wg.Add(1)
	o.qmu.Lock()
	q, running := o.queues[ev.Sender]
	o.queues[ev.Sender] = append(q, queued{ctx: ctx, ev: ev})
	o.qmu.Unlock()
	if !running {
		go o.drain(ev.Sender)
	}
}

// drain handles the sender's queued events one at a time and exits once the
// queue is empty.
func (o *Orchestrator) drain(key string) {
	for {
		o.qmu.Lock()
		q := o.queues[key]
		if len(q) == 0 {
			delete(o.queues, key)
			o.qmu.Unlock()
			return
		}
		next := q[0]
		o.queues[key] = q[1:]
		o.qmu.Unlock()

		o.run(next.ctx, next.ev)
		o.wg.Done()
	}
}

func (o *Orchestrator) run(ctx context.Context, ev Event) {
	req, err := o.process(ctx, ev)
	if err != nil {
		log.Error().Err(err).Str("sender", ev.Sender).Str("event_id", ev.ID).Msg("handle event")
		return
	}
	if req == nil {
		return
	}
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.awaitHuman(ctx, ev.Sender, req)
	}()
}

func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

// turn carries per-event state through the pipeline.
type turn struct {
	ev     Event
	key    string
	sess   session.Session
	logger zerolog.Logger
}

// Handle processes one inbound event. Replays are dropped silently. Send
// failures are logged and counted but never returned.
func (o *Orchestrator) Handle(ctx context.Context, ev Event) error {
	req, err := o.process(ctx, ev)
	if err != nil {
		return err
	}
	if req != nil {
		o.awaitHuman(ctx, ev.Sender, req)
	}
	return nil
}

// process runs everything except the wait for a human reply. A non-nil
// request means the sender was escalated and is already pending.
func (o *Orchestrator) process(ctx context.Context, ev Event) (*handoff.Request, error) {
	if ev.Sender == "" {
		return nil, errors.New("conversation: event without sender")
	}
	if o.Dedup != nil && !o.Dedup.Admit(ctx, ev.ID) {
		o.Metrics.Duplicate()
		log.Debug().Str("sender", ev.Sender).Str("event_id", ev.ID).Msg("duplicate event dropped")
		return nil, nil
	}

	req := o.handleLocked(ctx, ev)
	o.markRead(ctx, ev)
	return req, nil
}

func (o *Orchestrator) handleLocked(ctx context.Context, ev Event) *handoff.Request {
	unlock := o.locks.Lock(ev.Sender)
	defer unlock()

	t := &turn{
		ev:     ev,
		key:    ev.Sender,
		logger: log.With().Str("sender", ev.Sender).Str("event_id", ev.ID).Logger(),
	}
	t.sess = o.Store.Load(ctx, t.key)

	if t.sess.Slots.ContactName == "" && ev.ProfileName != "" {
		if name := policy.FirstName(ev.ProfileName); name != "" {
			o.merge(ctx, t, session.Delta{"contact_name": name})
			if t.sess.Stage() == session.StageNew {
				o.advance(ctx, t, session.StageAskNeed)
			}
		}
	}

	if !ev.HasText() {
		o.reply(ctx, t, policy.MediaAck(string(ev.Kind)), storage.SourceAck, "", false)
		return nil
	}

	o.appendTurn(ctx, t, session.RoleUser, ev.Text)
	if o.Handoffs != nil && o.Handoffs.Pending(t.key) {
		t.logger.Info().Msg("human handoff pending, automated reply suspended")
		return nil
	}

	contacts := session.Delta{}
	if email := policy.ExtractEmail(ev.Text); email != "" {
		contacts["contact_email"] = email
	}
	if phone := policy.ExtractPhone(ev.Text); phone != "" {
		contacts["contact_phone"] = phone
	}
	if len(contacts) > 0 {
		o.merge(ctx, t, contacts)
	}

	if t.sess.Slots.ContactName == "" {
		if name, ok := policy.SelfIntroduction(ev.Text); ok {
			o.merge(ctx, t, session.Delta{"contact_name": name})
			o.advance(ctx, t, session.StageAskNeed)
			o.reply(ctx, t, policy.IntroReply(name), storage.SourceScript, "", true)
			return nil
		}
		if t.sess.Stage() == session.StageNew && policy.IsGreeting(ev.Text) {
			o.advance(ctx, t, session.StageAskName)
			o.reply(ctx, t, policy.NamePrompt, storage.SourceScript, "", true)
			return nil
		}
	}

	if routed, ok := o.Router.Route(ev.Text); ok {
		o.Metrics.Intent(routed.Label)
		t.logger.Info().Str("intent", routed.Label).Msg("deterministic reply")
		o.reply(ctx, t, policy.Ground(routed.Text), storage.SourceRouter, routed.Label, true)
		o.merge(ctx, t, session.Delta{
			"last_intent":      routed.Label,
			"last_answered_at": o.now().Format(time.RFC3339),
		})
		o.afterReply(ctx, t, false)
		return nil
	}

	return o.fallback(ctx, t)
}

func (o *Orchestrator) fallback(ctx context.Context, t *turn) *handoff.Request {
	input := t.ev.Text
	if t.ev.OptionID != "" {
		input = t.ev.OptionID
	}
	turns := o.Store.RecentTurns(ctx, t.key, o.opts.History)

	fctx, cancel := context.WithTimeout(ctx, o.opts.FallbackTimeout)
	out, err := o.infer(fctx, t, input, turns)
	cancel()
	if err != nil {
		t.logger.Warn().Err(err).Msg("fallback unavailable, sending safe reply")
	}

	reply := policy.Ground(out.Reply)
	if reply == "" {
		reply = policy.EmptyReply
	}
	o.sleep(ctx, o.typingDelay(out.AskDelaySeconds))
	o.reply(ctx, t, reply, storage.SourceLLM, "", true)

	if len(out.Followups) > 0 {
		o.sleep(ctx, o.opts.PacingDelay)
		o.reply(ctx, t, policy.Ground(out.Followups[0]), storage.SourceLLM, "", true)
	}

	if len(out.Slots) > 0 {
		o.merge(ctx, t, session.Delta(out.Slots))
	}
	o.afterReply(ctx, t, out.DealClosed)

	if !out.EscalateToHuman {
		return nil
	}
	o.advance(ctx, t, session.StageEscalated)
	o.reply(ctx, t, policy.EscalationAck, storage.SourceScript, "", false)
	t.logger.Info().Str("stage", string(t.sess.Stage())).Msg("escalated to human")
	if o.Handoffs == nil {
		return nil
	}
	req := o.Handoffs.Register(t.key, o.opts.HandoffTTL)
	if o.Notifier != nil {
		o.Notifier.NotifyHandoff(ctx, t.key, t.ev.Text)
	}
	return req
}

func (o *Orchestrator) infer(ctx context.Context, t *turn, input string, turns []session.Turn) (agent.Output, error) {
	if o.Agent == nil {
		return agent.SafeOutput(), agent.ErrUnavailable
	}
	return o.Agent.Infer(ctx, t.key, input, t.sess.Slots, turns)
}

// afterReply advances the stage once an answer went out: unnamed senders are
// asked for their name next, named ones move into the dialog.
func (o *Orchestrator) afterReply(ctx context.Context, t *turn, dealClosed bool) {
	switch {
	case dealClosed:
		o.advance(ctx, t, session.StageClosing)
	case t.sess.Slots.ContactName != "":
		o.advance(ctx, t, session.StageDialog)
	default:
		o.advance(ctx, t, session.StageAskName)
	}
}

func (o *Orchestrator) typingDelay(seconds float64) time.Duration {
	d := time.Duration(seconds * float64(time.Second))
	if d < 0 {
		return 0
	}
	if d > o.opts.MaxTypingDelay {
		return o.opts.MaxTypingDelay
	}
	return d
}

func (o *Orchestrator) awaitHuman(ctx context.Context, key string, req *handoff.Request) {
	text, err := o.Handoffs.Await(ctx, req)
	switch {
	case err == nil:
		o.Metrics.Handoff("reply")
	case errors.Is(err, handoff.ErrTimeout):
		o.Metrics.Handoff("timeout")
		log.Info().Str("sender", key).Msg("handoff expired without human reply")
		return
	case errors.Is(err, handoff.ErrSuperseded):
		o.Metrics.Handoff("superseded")
		return
	default:
		o.Metrics.Handoff("cancelled")
		log.Warn().Err(err).Str("sender", key).Msg("handoff aborted")
		return
	}

	unlock := o.locks.Lock(key)
	defer unlock()
	t := &turn{key: key, logger: log.With().Str("sender", key).Logger()}
	t.sess = o.Store.Load(ctx, key)
	o.reply(ctx, t, text, storage.SourceHuman, "", true)
}

func (o *Orchestrator) reply(ctx context.Context, t *turn, text string, src storage.Source, intent string, logTurn bool) {
	failed := false
	if err := o.Sender.Send(ctx, t.key, text); err != nil {
		failed = true
		reason := "error"
		var c Classified
		if errors.As(err, &c) {
			reason = c.Reason()
		}
		o.Metrics.Send(Channel(t.key), reason)
		t.logger.Error().Err(err).Str("reason", reason).Msg("send failed")
	} else {
		o.Metrics.Send(Channel(t.key), "ok")
	}
	if logTurn {
		o.appendTurn(ctx, t, session.RoleAssistant, text)
	}
	o.record(ctx, t, text, src, intent, failed)
}

func (o *Orchestrator) record(ctx context.Context, t *turn, reply string, src storage.Source, intent string, failed bool) {
	if o.Recorder == nil {
		return
	}
	in := storage.Interaction{
		Timestamp:   o.now(),
		Sender:      t.key,
		Channel:     Channel(t.key),
		UserMessage: t.ev.Text,
		Reply:       reply,
		Source:      src,
		Intent:      intent,
		Stage:       string(t.sess.Stage()),
		Escalated:   t.sess.Stage() == session.StageEscalated,
		SendFailed:  failed,
	}
	if err := o.Recorder.Append(ctx, in); err != nil {
		t.logger.Warn().Err(err).Msg("record interaction")
	}
}

func (o *Orchestrator) appendTurn(ctx context.Context, t *turn, role session.Role, text string) {
	if err := o.Store.AppendTurn(ctx, t.key, role, text); err != nil {
		t.logger.Warn().Err(err).Str("role", string(role)).Msg("append turn")
	}
}

func (o *Orchestrator) merge(ctx context.Context, t *turn, delta session.Delta) {
	sess, err := o.Store.Merge(ctx, t.key, delta)
	if err != nil {
		t.logger.Warn().Err(err).Msg("merge slots")
		return
	}
	t.sess = sess
}

func (o *Orchestrator) advance(ctx context.Context, t *turn, stage session.Stage) {
	sess, err := o.Store.Advance(ctx, t.key, stage)
	if err != nil {
		t.logger.Warn().Err(err).Str("stage", string(stage)).Msg("advance stage")
		return
	}
	t.sess = sess
}

func (o *Orchestrator) markRead(ctx context.Context, ev Event) {
	m, ok := o.Sender.(ReadMarker)
	if !ok || ev.ID == "" {
		return
	}
	if err := m.MarkRead(ctx, ev.Sender, ev.ID); err != nil {
		log.Debug().Err(err).Str("sender", ev.Sender).Str("event_id", ev.ID).Msg("mark read")
	}
}
