package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/cockroachdb/errors"

	logx "cronrelay/pkg/logx"
)

// fileStore is a dependency-free persistence backend.
//
// Files:
//   - <prefix>.executions.jsonl (append-only JSON Lines)
//
// The most recent records per job are kept in memory; the file is
// periodically compacted down to exactly those records.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	path      string
	f         *os.File
	maxPerJob int
	recent    map[string][]Execution // oldest first

	writes       int
	compactEvery int
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	execPath := prefix + ".executions.jsonl"
	st := &fileStore{
		log:          log,
		path:         execPath,
		maxPerJob:    cfg.maxPerJob(),
		recent:       map[string][]Execution{},
		compactEvery: 1000,
	}
	if err := st.replay(); err != nil && !os.IsNotExist(err) {
		log.Warn("execution journal replay failed", logx.String("path", execPath), logx.Err(err))
	}

	f, err := os.OpenFile(execPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	st.f = f
	return st, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return nil
	}
	err := s.f.Close()
	s.f = nil
	return err
}

func (s *fileStore) AppendExecution(ctx context.Context, e Execution) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return errors.New("execution journal closed")
	}
	if err := json.NewEncoder(s.f).Encode(e); err != nil {
		return err
	}
	s.remember(e)

	s.writes++
	if s.writes%s.compactEvery == 0 {
		// Best-effort compact.
		if err := s.compactLocked(); err != nil {
			s.log.Debug("execution journal compact failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) ListExecutions(ctx context.Context, job string, limit int) ([]Execution, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()

	recs := s.recent[job]
	if limit <= 0 || limit > len(recs) {
		limit = len(recs)
	}
	out := make([]Execution, 0, limit)
	for i := len(recs) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, recs[i])
	}
	return out, nil
}

func (s *fileStore) remember(e Execution) {
	recs := append(s.recent[e.Job], e)
	if len(recs) > s.maxPerJob {
		recs = append([]Execution(nil), recs[len(recs)-s.maxPerJob:]...)
	}
	s.recent[e.Job] = recs
}

func (s *fileStore) replay() error {
	f, err := os.Open(s.path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		var e Execution
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			continue
		}
		if e.Job == "" {
			continue
		}
		s.remember(e)
	}
	return sc.Err()
}

// compactLocked rewrites the journal with only the retained records.
func (s *fileStore) compactLocked() error {
	tmp := s.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(f)
	for _, recs := range s.recent {
		for _, e := range recs {
			if err := enc.Encode(e); err != nil {
				_ = f.Close()
				return err
			}
		}
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return err
	}
	// Reopen: the old descriptor points at the replaced inode.
	nf, err := os.OpenFile(s.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	_ = s.f.Close()
	s.f = nf
	return nil
}
