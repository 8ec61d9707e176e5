package gamestore

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mitchellh/mapstructure"

	"github.com/victornm/ebuzz/internal/domain"
	"github.com/victornm/ebuzz/internal/remote"
)

const (
	defaultRoot        = "games"
	remoteWriteTimeout = 10 * time.Second
)

type Config struct {
	Remote remote.Store
	// Root of the key tree the games live under. Defaults to "games".
	Root string
}

// Store is the write-through cache holding the authoritative in-process copy
// of every session. All reads are served from the cache; every mutation is
// mirrored to the remote store best-effort, after the session lock is
// released. A failed mirror write is logged and never surfaced: the serving
// view must stay available when the remote is not.
type Store struct {
	remote remote.Store
	root   string

	mu      sync.Mutex
	entries map[string]*entry

	writes sync.WaitGroup
}

type entry struct {
	mu      sync.Mutex
	fetched bool
	session domain.Session
}

func NewStore(c Config) *Store {
	root := c.Root
	if root == "" {
		root = defaultRoot
	}

	return &Store{
		remote:  c.Remote,
		root:    root,
		entries: make(map[string]*entry),
	}
}

// Get returns a snapshot of the session. On first access it attempts a
// remote fetch to warm the cache; whether or not that succeeds the caller
// gets a usable session, empty-default at worst. Get never fails.
func (s *Store) Get(ctx context.Context, sessionID string) domain.Session {
	e := s.entry(sessionID)

	e.mu.Lock()
	defer e.mu.Unlock()

	s.ensureFetched(ctx, sessionID, e)
	return e.session.Clone()
}

// Update runs fn on the cached session under the per-session lock. fn
// mutates the typed session in place and returns the patch to mirror
// remotely; it must leave the session untouched when returning an error.
// The remote write happens asynchronously after the lock is released.
// Returns the post-mutation snapshot.
func (s *Store) Update(ctx context.Context, sessionID string, fn func(*domain.Session) (remote.Patch, error)) (domain.Session, error) {
	e := s.entry(sessionID)

	e.mu.Lock()
	s.ensureFetched(ctx, sessionID, e)

	patch, err := fn(&e.session)
	if err != nil {
		e.mu.Unlock()
		return domain.Session{}, err
	}

	snapshot := e.session.Clone()
	e.mu.Unlock()

	if len(patch) > 0 {
		s.mirror(ctx, sessionID, func(ctx context.Context) error {
			return s.remote.Update(ctx, s.path(sessionID), patch)
		})
	}

	return snapshot, nil
}

// Put replaces the whole session, cache and remote. Used on session creation.
func (s *Store) Put(ctx context.Context, sessionID string, sess domain.Session) domain.Session {
	e := s.entry(sessionID)

	e.mu.Lock()
	e.session = sess.Clone()
	e.fetched = true
	snapshot := e.session.Clone()
	e.mu.Unlock()

	s.mirror(ctx, sessionID, func(ctx context.Context) error {
		return s.remote.Set(ctx, s.path(sessionID), sess)
	})

	return snapshot
}

// Len reports how many sessions are cached in this process.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Wait blocks until all in-flight remote writes have finished.
func (s *Store) Wait() {
	s.writes.Wait()
}

func (s *Store) entry(sessionID string) *entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[sessionID]
	if !ok {
		e = &entry{session: domain.NewSession()}
		s.entries[sessionID] = e
	}
	return e
}

// ensureFetched warms the cache entry from the remote store, once. It runs
// under the entry lock so concurrent first accesses cannot race the warm-up.
func (s *Store) ensureFetched(ctx context.Context, sessionID string, e *entry) {
	if e.fetched {
		return
	}
	e.fetched = true

	v, err := s.remote.Get(ctx, s.path(sessionID))
	if err != nil {
		slog.WarnContext(ctx, "gamestore: remote fetch failed, serving empty state",
			"session", sessionID,
			"error", err,
		)
		return
	}
	if v == nil {
		return
	}

	sess, err := decodeSession(v)
	if err != nil {
		slog.WarnContext(ctx, "gamestore: remote state malformed, serving empty state",
			"session", sessionID,
			"error", err,
		)
		return
	}

	e.session = sess
}

func (s *Store) mirror(ctx context.Context, sessionID string, write func(ctx context.Context) error) {
	s.writes.Add(1)

	go func() {
		defer s.writes.Done()

		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), remoteWriteTimeout)
		defer cancel()

		if err := write(ctx); err != nil {
			slog.ErrorContext(ctx, "gamestore: remote write failed, cache stays authoritative",
				"session", sessionID,
				"error", err,
			)
		}
	}()
}

func (s *Store) path(sessionID string) string {
	return fmt.Sprintf("%s/%s", s.root, sessionID)
}

func decodeSession(tree any) (domain.Session, error) {
	sess := domain.NewSession()

	d, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "json",
		WeaklyTypedInput: true,
		Result:           &sess,
	})
	if err != nil {
		return domain.Session{}, err
	}

	if err := d.Decode(tree); err != nil {
		return domain.Session{}, err
	}

	if sess.Players == nil {
		sess.Players = map[string]domain.Player{}
	}
	if sess.Questions == nil {
		sess.Questions = map[string][]domain.Question{}
	}
	if sess.BlockedPlayers == nil {
		sess.BlockedPlayers = []string{}
	}
	if sess.Difficulty == "" {
		sess.Difficulty = domain.DifficultyMedium
	}

	return sess, nil
}
