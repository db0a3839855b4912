package session

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"visa-chatter/internal/keylock"
)

const DefaultReadTimeout = 3 * time.Second

// Store is the session layer the orchestrator talks to. Reads degrade to
// defaults on storage errors, writes are serialized per key.
type Store struct {
	repo        Repository
	locks       *keylock.Locker
	readTimeout time.Duration
	now         func() time.Time
}

type Option func(*Store)

func WithReadTimeout(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.readTimeout = d
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

func NewStore(repo Repository, opts ...Option) *Store {
	s := &Store{
		repo:        repo,
		locks:       keylock.New(),
		readTimeout: DefaultReadTimeout,
		now:         func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Load never fails. Unknown senders and unreadable records both come back
// with DefaultSlots.
func (s *Store) Load(ctx context.Context, key string) Session {
	sess, err := s.load(ctx, key)
	if err != nil {
		log.Warn().Err(err).Str("sender", key).Msg("session load degraded to defaults")
		return Session{Key: key, Slots: DefaultSlots()}
	}
	return sess
}

func (s *Store) load(ctx context.Context, key string) (Session, error) {
	ctx, cancel := context.WithTimeout(ctx, s.readTimeout)
	defer cancel()

	data, updatedAt, err := s.repo.LoadSlots(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return Session{Key: key, Slots: DefaultSlots()}, nil
	}
	if err != nil {
		return Session{}, err
	}
	slots, err := decodeSlots(data)
	if err != nil {
		return Session{}, errors.Wrap(err, "decode slots")
	}
	return Session{Key: key, Slots: slots, UpdatedAt: updatedAt}, nil
}

// Merge applies delta atomically for key. Nothing is written when no slot
// changes. A failed read aborts the merge so stored data is never replaced
// by defaults.
func (s *Store) Merge(ctx context.Context, key string, delta Delta) (Session, error) {
	unlock := s.locks.Lock(key)
	defer unlock()

	cur, err := s.load(ctx, key)
	if err != nil {
		return Session{}, errors.Wrap(err, "merge: load")
	}
	next, changed := cur.Slots.Merge(delta)
	if len(changed) == 0 {
		return cur, nil
	}
	return s.save(ctx, key, next)
}

// Advance moves the stage forward. Backward or sideways moves are ignored
// and return the current session.
func (s *Store) Advance(ctx context.Context, key string, stage Stage) (Session, error) {
	if !stage.Valid() {
		return Session{}, errors.Errorf("advance: unknown stage %q", stage)
	}
	unlock := s.locks.Lock(key)
	defer unlock()

	cur, err := s.load(ctx, key)
	if err != nil {
		return Session{}, errors.Wrap(err, "advance: load")
	}
	if !cur.Slots.Stage.Before(stage) {
		return cur, nil
	}
	next := cur.Slots
	next.Stage = stage
	return s.save(ctx, key, next)
}

func (s *Store) save(ctx context.Context, key string, slots Slots) (Session, error) {
	data, err := json.Marshal(slots)
	if err != nil {
		return Session{}, errors.Wrap(err, "encode slots")
	}
	now := s.now()
	if err := s.repo.SaveSlots(ctx, key, data, now); err != nil {
		return Session{}, errors.Wrap(err, "save slots")
	}
	return Session{Key: key, Slots: slots, UpdatedAt: now}, nil
}

func (s *Store) AppendTurn(ctx context.Context, key string, role Role, text string) error {
	if !role.Valid() {
		return errors.Errorf("append turn: unknown role %q", role)
	}
	_, err := s.repo.AppendTurn(ctx, key, Turn{Role: role, Text: text, CreatedAt: s.now()})
	if err != nil {
		return errors.Wrap(err, "append turn")
	}
	return nil
}

// RecentTurns returns up to limit turns, oldest first. Storage errors yield
// an empty history.
func (s *Store) RecentTurns(ctx context.Context, key string, limit int) []Turn {
	if limit <= 0 {
		return []Turn{}
	}
	ctx, cancel := context.WithTimeout(ctx, s.readTimeout)
	defer cancel()

	turns, err := s.repo.RecentTurns(ctx, key, limit)
	if err != nil {
		log.Warn().Err(err).Str("sender", key).Msg("recent turns unavailable")
		return []Turn{}
	}
	if turns == nil {
		return []Turn{}
	}
	return turns
}
