package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// FileRecorder writes one JSON object per line.
type FileRecorder struct {
	path string
	mu   sync.Mutex
}

var _ Recorder = &FileRecorder{}

func NewFileRecorder(path string) (*FileRecorder, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, errors.Wrap(err, "failed to ensure log dir")
	}
	f, err := os.OpenFile(path, os.O_CREATE, 0o644)
	if err != nil {
		return nil, errors.Wrap(err, "failed to init log file")
	}
	_ = f.Close()
	return &FileRecorder{path: path}, nil
}

func (r *FileRecorder) Append(_ context.Context, in Interaction) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	f, err := os.OpenFile(r.path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return errors.Wrap(err, "open append")
	}
	defer func() { _ = f.Close() }()
	if err := json.NewEncoder(f).Encode(in); err != nil {
		return errors.Wrap(err, "encode append")
	}
	return nil
}

// Load skips lines it cannot decode.
func (r *FileRecorder) Load(_ context.Context) ([]Interaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	f, err := os.Open(r.path)
	if err != nil {
		return nil, errors.Wrap(err, "open read")
	}
	defer func() { _ = f.Close() }()

	s := bufio.NewScanner(f)
	s.Buffer(make([]byte, 0, 64*1024), 10*1024*1024)
	var out []Interaction
	line := 0
	for s.Scan() {
		line++
		b := s.Bytes()
		if len(b) == 0 {
			continue
		}
		var in Interaction
		if err := json.Unmarshal(b, &in); err != nil {
			log.Warn().Err(err).Int("line", line).Str("path", r.path).Msg("skipping corrupt interaction")
			continue
		}
		out = append(out, in)
	}
	if err := s.Err(); err != nil {
		return nil, errors.Wrap(err, "scan")
	}
	return out, nil
}
