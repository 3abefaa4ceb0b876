package storage

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"reminderd/internal/domain"
	logx "reminderd/pkg/logx"
)

// fileStore is a dependency-free persistence backend.
//
// Files:
//   - <prefix>.state.json  (full snapshot, rewritten via tmp + rename on change)
//   - <prefix>.audit.jsonl (append-only JSON Lines)
type fileStore struct {
	*memStore
	log logx.Logger

	snapshotPath string

	auditMu   sync.Mutex
	auditFile *os.File
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	af, err := os.OpenFile(prefix+".audit.jsonl", os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}

	mem := newMemStore()
	snap := prefix + ".state.json"
	if err := loadSnapshot(snap, &mem.st); err != nil && !errors.Is(err, os.ErrNotExist) {
		_ = af.Close()
		return nil, err
	}

	fs := &fileStore{memStore: mem, log: log, snapshotPath: snap, auditFile: af}
	mem.onChange = fs.writeSnapshotLocked
	return fs, nil
}

func (s *fileStore) Close() error {
	s.auditMu.Lock()
	defer s.auditMu.Unlock()
	if s.auditFile == nil {
		return nil
	}
	err := s.auditFile.Close()
	s.auditFile = nil
	return err
}

func (s *fileStore) AppendAudit(_ context.Context, e domain.AuditEntry) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	s.auditMu.Lock()
	defer s.auditMu.Unlock()
	if s.auditFile == nil {
		return errors.New("audit file closed")
	}
	return json.NewEncoder(s.auditFile).Encode(e)
}

// writeSnapshotLocked runs with memStore.mu held.
func (s *fileStore) writeSnapshotLocked() error {
	tmp := s.snapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(s.st); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.snapshotPath); err != nil {
		s.log.Warn("snapshot rename failed", logx.Err(err))
		return err
	}
	return nil
}

func loadSnapshot(path string, out *memState) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	var st memState
	if err := json.NewDecoder(f).Decode(&st); err != nil {
		return err
	}
	for k, v := range st.Users {
		out.Users[k] = v
	}
	for k, v := range st.Carts {
		out.Carts[k] = v
	}
	for k, v := range st.Notifications {
		out.Notifications[k] = v
	}
	for k, v := range st.Credentials {
		out.Credentials[k] = v
	}
	return nil
}
