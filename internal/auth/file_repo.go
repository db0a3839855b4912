package auth

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// FileRepository stores operators as an indented JSON array.
type FileRepository struct {
	path string
	mu   sync.Mutex
}

func NewFileRepository(path string) (*FileRepository, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, errors.Wrap(err, "ensure dir")
	}
	f, err := os.OpenFile(path, os.O_CREATE, 0o644)
	if err != nil {
		return nil, errors.Wrap(err, "touch file")
	}
	_ = f.Close()
	return &FileRepository{path: path}, nil
}

func (r *FileRepository) LoadAll() ([]Operator, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.loadUnlocked()
}

func (r *FileRepository) Upsert(op Operator) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	ops, err := r.loadUnlocked()
	if err != nil {
		return err
	}
	updated := false
	for i, o := range ops {
		if o.ID == op.ID {
			ops[i] = op
			updated = true
			break
		}
	}
	if !updated {
		ops = append(ops, op)
	}
	return r.saveUnlocked(ops)
}

func (r *FileRepository) Remove(id int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	ops, err := r.loadUnlocked()
	if err != nil {
		return err
	}
	out := ops[:0]
	for _, o := range ops {
		if o.ID != id {
			out = append(out, o)
		}
	}
	return r.saveUnlocked(out)
}

// loadUnlocked treats an empty or corrupt file as an empty allowlist.
func (r *FileRepository) loadUnlocked() ([]Operator, error) {
	data, err := os.ReadFile(r.path)
	if err != nil {
		return nil, errors.Wrap(err, "read operators")
	}
	ops := []Operator{}
	if len(data) == 0 {
		return ops, nil
	}
	if err := json.Unmarshal(data, &ops); err != nil {
		log.Warn().Err(err).Str("path", r.path).Msg("operators file unreadable, starting empty")
		return []Operator{}, nil
	}
	return ops, nil
}

func (r *FileRepository) saveUnlocked(ops []Operator) error {
	data, err := json.MarshalIndent(ops, "", "  ")
	if err != nil {
		return errors.Wrap(err, "encode operators")
	}
	tmp := r.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return errors.Wrap(err, "write operators")
	}
	return errors.Wrap(os.Rename(tmp, r.path), "replace operators")
}
