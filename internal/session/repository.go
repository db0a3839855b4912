package session

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
)

var ErrNotFound = errors.New("session: not found")

// Repository persists slot records and the turn log.
// LoadSlots returns ErrNotFound for unknown keys.
// AppendTurn assigns Seq and must never rewrite earlier turns.
// RecentTurns returns the newest limit turns in chronological order.
// Implementations must be safe for concurrent use.
type Repository interface {
	LoadSlots(ctx context.Context, key string) ([]byte, time.Time, error)
	SaveSlots(ctx context.Context, key string, data []byte, updatedAt time.Time) error
	AppendTurn(ctx context.Context, key string, turn Turn) (Turn, error)
	RecentTurns(ctx context.Context, key string, limit int) ([]Turn, error)
}

type slotRecord struct {
	data      []byte
	updatedAt time.Time
}

// MemoryRepository keeps everything in process memory.
type MemoryRepository struct {
	mu    sync.RWMutex
	slots map[string]slotRecord
	turns map[string][]Turn
	seq   int64
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		slots: make(map[string]slotRecord),
		turns: make(map[string][]Turn),
	}
}

func (r *MemoryRepository) LoadSlots(_ context.Context, key string) ([]byte, time.Time, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.slots[key]
	if !ok {
		return nil, time.Time{}, ErrNotFound
	}
	return append([]byte(nil), rec.data...), rec.updatedAt, nil
}

func (r *MemoryRepository) SaveSlots(_ context.Context, key string, data []byte, updatedAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.slots[key] = slotRecord{data: append([]byte(nil), data...), updatedAt: updatedAt}
	return nil
}

func (r *MemoryRepository) AppendTurn(_ context.Context, key string, turn Turn) (Turn, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seq++
	turn.Seq = r.seq
	r.turns[key] = append(r.turns[key], turn)
	return turn, nil
}

func (r *MemoryRepository) RecentTurns(_ context.Context, key string, limit int) ([]Turn, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	all := r.turns[key]
	if limit > len(all) {
		limit = len(all)
	}
	out := make([]Turn, limit)
	copy(out, all[len(all)-limit:])
	return out, nil
}
