// Package handoff lets a human operator answer a sender in place of the bot
// within a bounded window.
package handoff

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const DefaultTTL = 300 * time.Second

var (
	ErrTimeout    = errors.New("handoff: no human reply before expiry")
	ErrSuperseded = errors.New("handoff: replaced by a newer request")
)

// Request is a registered handoff. Its sender counts as pending from
// Register until the request is answered, expires or is replaced.
type Request struct {
	id        string
	key       string
	expiresAt time.Time
	deadline  time.Time
	reply     chan string
	cancel    chan struct{}
}

func (r *Request) ID() string { return r.id }

func (r *Request) Key() string { return r.key }

// Broker holds at most one pending request per sender. A newer request for
// the same sender cancels the older one.
type Broker struct {
	mu      sync.Mutex
	pending map[string]*Request
	now     func() time.Time
}

func NewBroker() *Broker {
	return &Broker{
		pending: make(map[string]*Request),
		now:     time.Now,
	}
}

// RequestHandoff blocks until a human reply arrives for key, ttl elapses,
// a newer request replaces this one, or ctx is done.
func (b *Broker) RequestHandoff(ctx context.Context, key string, ttl time.Duration) (string, error) {
	return b.Await(ctx, b.Register(key, ttl))
}

// Register marks key as pending without blocking. A pending request for the
// same key is cancelled.
func (b *Broker) Register(key string, ttl time.Duration) *Request {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	req := &Request{
		id:       uuid.NewString(),
		key:      key,
		deadline: time.Now().Add(ttl),
		reply:    make(chan string, 1),
		cancel:   make(chan struct{}),
	}

	b.mu.Lock()
	req.expiresAt = b.now().Add(ttl)
	if prev, ok := b.pending[key]; ok {
		close(prev.cancel)
		log.Info().Str("sender", key).Str("replaced", prev.id).Str("request", req.id).Msg("handoff request replaced")
	}
	b.pending[key] = req
	b.mu.Unlock()
	return req
}

// Await blocks until req is answered, expires, is replaced, or ctx is done.
// The request is no longer pending once Await returns.
func (b *Broker) Await(ctx context.Context, req *Request) (string, error) {
	timer := time.NewTimer(time.Until(req.deadline))
	defer timer.Stop()

	select {
	case text := <-req.reply:
		return text, nil
	case <-req.cancel:
		return b.settle(req, ErrSuperseded)
	case <-timer.C:
		return b.settle(req, ErrTimeout)
	case <-ctx.Done():
		return b.settle(req, ctx.Err())
	}
}

// settle removes req if it is still the pending one. A reply that was handed
// over before the lock was taken wins over the exit reason.
func (b *Broker) settle(req *Request, reason error) (string, error) {
	b.mu.Lock()
	if cur, ok := b.pending[req.key]; ok && cur == req {
		delete(b.pending, req.key)
	}
	b.mu.Unlock()

	select {
	case text := <-req.reply:
		return text, nil
	default:
		return "", reason
	}
}

// SubmitHumanReply delivers text to the pending request for key. It reports
// false, with no side effect, when nothing is pending or the request expired.
func (b *Broker) SubmitHumanReply(key, text string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	req, ok := b.pending[key]
	if !ok || !b.now().Before(req.expiresAt) {
		return false
	}
	delete(b.pending, key)
	req.reply <- text
	return true
}

// ListPending maps each sender with a live request to its remaining whole
// seconds.
func (b *Broker) ListPending() map[string]int {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.now()
	out := make(map[string]int, len(b.pending))
	for k, req := range b.pending {
		left := req.expiresAt.Sub(now)
		if left <= 0 {
			continue
		}
		out[k] = int(math.Floor(left.Seconds()))
	}
	return out
}

func (b *Broker) Pending(key string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	req, ok := b.pending[key]
	return ok && b.now().Before(req.expiresAt)
}
