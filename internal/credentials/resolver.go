// Package credentials resolves the sender identity for a notification
// category.
//
// The resolver serves an immutable snapshot. Reload builds a new snapshot
// from a Source and swaps it in atomically, so readers never see a partially
// applied reload and never block on the backing store.
package credentials

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"reminderd/internal/domain"
	logx "reminderd/pkg/logx"
)

// Source loads persisted per-category identities.
type Source interface {
	ListCredentials(ctx context.Context) ([]domain.SenderIdentity, error)
}

// Snapshot is one immutable view of the credential configuration.
type Snapshot struct {
	byCategory map[string]domain.SenderIdentity
	fallback   *domain.SenderIdentity
	raw        []domain.SenderIdentity
	loadedAt   time.Time
	version    uint64
}

func (s *Snapshot) LoadedAt() time.Time { return s.loadedAt }
func (s *Snapshot) Version() uint64     { return s.version }

// Entries returns redacted identities sorted by category, default last.
func (s *Snapshot) Entries() []domain.SenderIdentity {
	out := make([]domain.SenderIdentity, 0, len(s.byCategory)+1)
	for _, id := range s.byCategory {
		out = append(out, id.Redacted())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Category < out[j].Category })
	if s.fallback != nil {
		d := s.fallback.Redacted()
		if d.Category == "" {
			d.Category = DefaultCategory
		}
		out = append(out, d)
	}
	return out
}

// DefaultCategory marks the process-wide fallback entry in listings and storage.
const DefaultCategory = "default"

type Resolver struct {
	src Source
	log logx.Logger

	// mu serializes writers; readers only touch snap.
	mu       sync.Mutex
	fallback domain.SenderIdentity

	snap atomic.Pointer[Snapshot]
	seq  atomic.Uint64
}

// New returns a resolver serving an initial snapshot that only holds the
// configured fallback identity (when usable). src may be nil.
func New(src Source, fallback domain.SenderIdentity, log logx.Logger) *Resolver {
	r := &Resolver{src: src, fallback: fallback, log: log.With(logx.String("comp", "credentials"))}
	r.snap.Store(r.build(nil, fallback))
	return r
}

func (r *Resolver) build(entries []domain.SenderIdentity, fallback domain.SenderIdentity) *Snapshot {
	s := &Snapshot{
		byCategory: make(map[string]domain.SenderIdentity, len(entries)),
		raw:        entries,
		loadedAt:   time.Now(),
		version:    r.seq.Add(1),
	}
	for _, e := range entries {
		cat := strings.ToLower(strings.TrimSpace(e.Category))
		if cat == "" || !e.Usable() {
			continue
		}
		if cat == DefaultCategory {
			// A stored default overrides the config-file one.
			cp := e
			s.fallback = &cp
			continue
		}
		e.Category = cat
		s.byCategory[cat] = e
	}
	if s.fallback == nil && fallback.Usable() {
		cp := fallback
		s.fallback = &cp
	}
	return s
}

// Snapshot returns the currently served snapshot.
func (r *Resolver) Snapshot() *Snapshot { return r.snap.Load() }

// Resolve returns the identity for category: the category entry, else the
// process-wide default, else ok=false. It never blocks on the store.
func (r *Resolver) Resolve(category string) (domain.SenderIdentity, bool) {
	s := r.snap.Load()
	if s == nil {
		return domain.SenderIdentity{}, false
	}
	if id, ok := s.byCategory[strings.ToLower(strings.TrimSpace(category))]; ok {
		return id, true
	}
	if s.fallback != nil {
		id := *s.fallback
		return id, true
	}
	return domain.SenderIdentity{}, false
}

// SetFallback replaces the configured default (config reload) and rebuilds
// the snapshot from the last loaded entries.
func (r *Resolver) SetFallback(fallback domain.SenderIdentity) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fallback = fallback
	r.snap.Store(r.build(r.snap.Load().raw, fallback))
}

// Reload reads the source and swaps the snapshot. On error the previous
// snapshot keeps serving.
func (r *Resolver) Reload(ctx context.Context) error {
	if r.src == nil {
		return errors.New("credentials: no source configured")
	}
	entries, err := r.src.ListCredentials(ctx)
	if err != nil {
		r.log.Warn("credential reload failed; keeping previous snapshot", logx.Err(err))
		return fmt.Errorf("credentials: reload: %w", err)
	}
	r.mu.Lock()
	s := r.build(entries, r.fallback)
	r.snap.Store(s)
	r.mu.Unlock()
	r.log.Info("credentials reloaded",
		logx.Int("categories", len(s.byCategory)),
		logx.Bool("has_default", s.fallback != nil),
		logx.Uint64("version", s.version),
	)
	return nil
}

// Run performs the initial load, retrying with backoff until it succeeds or
// ctx ends. Resolve keeps serving the initial snapshot meanwhile.
func (r *Resolver) Run(ctx context.Context) error {
	backoff := 500 * time.Millisecond
	const maxBackoff = 30 * time.Second
	for {
		err := r.Reload(ctx)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		r.log.Debug("credential store not ready", logx.Duration("retry_in", backoff))
		t := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}
