// Package auth keeps the allowlist of Telegram operators who may answer
// escalated conversations.
package auth

import (
	"sort"
	"sync"

	"github.com/pkg/errors"
)

type Operator struct {
	ID        int64  `json:"id"`
	Username  string `json:"username"`
	FirstName string `json:"first_name"`
}

type Repository interface {
	LoadAll() ([]Operator, error)
	Upsert(op Operator) error
	Remove(id int64) error
}

type Service struct {
	repo Repository

	mu        sync.RWMutex
	operators map[int64]Operator
}

// NewWithRepo preloads operators from repo and merges the ids configured in
// the environment, which carry no profile details.
func NewWithRepo(repo Repository, initial []int64) (*Service, error) {
	s := &Service{repo: repo, operators: make(map[int64]Operator)}
	if repo != nil {
		ops, err := repo.LoadAll()
		if err != nil {
			return nil, errors.Wrap(err, "load operators")
		}
		for _, op := range ops {
			s.operators[op.ID] = op
		}
	}
	for _, id := range initial {
		if _, ok := s.operators[id]; !ok {
			s.operators[id] = Operator{ID: id}
		}
	}
	return s, nil
}

func (s *Service) IsOperator(id int64) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.operators[id]
	return ok
}

func (s *Service) Upsert(op Operator) error {
	s.mu.Lock()
	s.operators[op.ID] = op
	s.mu.Unlock()
	if s.repo != nil {
		return s.repo.Upsert(op)
	}
	return nil
}

func (s *Service) Remove(id int64) error {
	s.mu.Lock()
	delete(s.operators, id)
	s.mu.Unlock()
	if s.repo != nil {
		return s.repo.Remove(id)
	}
	return nil
}

// List returns operators ordered by id.
func (s *Service) List() []Operator {
	s.mu.RLock()
	out := make([]Operator, 0, len(s.operators))
	for _, op := range s.operators {
		out = append(out, op)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// IDs returns the chat ids operators are notified at.
func (s *Service) IDs() []int64 {
	ops := s.List()
	ids := make([]int64, len(ops))
	for i, op := range ops {
		ids[i] = op.ID
	}
	return ids
}
