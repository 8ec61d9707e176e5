package score

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/victornm/ebuzz/internal/domain"
	"github.com/victornm/ebuzz/internal/event"
	"github.com/victornm/ebuzz/internal/remote"
)

const (
	defaultRoot        = "games"
	remoteWriteTimeout = 10 * time.Second
)

type Config struct {
	EventBus *event.Bus
	Remote   remote.Store
	// DB is the append-only score history sink. Optional; nil disables it.
	DB   *pgxpool.Pool
	Root string
}

// Ledger tracks per-player score totals. The in-memory counter is applied
// synchronously and is what callers get back; the remote store is brought up
// to date afterwards with a read-modify-write transaction, at least once,
// and failures stay local.
type Ledger struct {
	eb     *event.Bus
	remote remote.Store
	db     *pgxpool.Pool
	root   string

	mu     sync.Mutex
	totals map[string]int

	writes sync.WaitGroup
}

func NewLedger(c Config) *Ledger {
	root := c.Root
	if root == "" {
		root = defaultRoot
	}

	return &Ledger{
		eb:     c.EventBus,
		remote: c.Remote,
		db:     c.DB,
		root:   root,
		totals: make(map[string]int),
	}
}

// Bootstrap seeds the counter for a player whose score is already known,
// typically on join. A counter that already exists is left alone.
func (l *Ledger) Bootstrap(sessionID, playerID string, total int) {
	l.mu.Lock()
	defer l.mu.Unlock()

	k := key(sessionID, playerID)
	if _, ok := l.totals[k]; !ok {
		l.totals[k] = total
	}
}

// AddScore applies delta to the player's counter and returns the new total.
// The remote increment and the history append run asynchronously; the
// returned total is authoritative for the serving path either way.
func (l *Ledger) AddScore(ctx context.Context, sessionID, playerID string, delta int) int {
	l.mu.Lock()
	l.totals[key(sessionID, playerID)] += delta
	total := l.totals[key(sessionID, playerID)]
	l.mu.Unlock()

	now := time.Now()

	if l.eb != nil {
		l.eb.Publish(ctx, domain.EventScoreUpdated{
			Score: domain.Score{
				SessionID:  sessionID,
				PlayerID:   playerID,
				Total:      total,
				UpdateTime: now,
			},
		})
	}

	l.async(ctx, func(ctx context.Context) error {
		return l.incrementRemote(ctx, sessionID, playerID, delta)
	}, "score: remote increment failed", sessionID, playerID)

	if l.db != nil {
		l.async(ctx, func(ctx context.Context) error {
			return l.insertHistory(ctx, sessionID, playerID, delta, total, now)
		}, "score: history append failed", sessionID, playerID)
	}

	return total
}

// Total returns the current counter, zero for an unknown player.
func (l *Ledger) Total(sessionID, playerID string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.totals[key(sessionID, playerID)]
}

// Wait blocks until all in-flight remote and history writes have finished.
func (l *Ledger) Wait() {
	l.writes.Wait()
}

// incrementRemote adds delta on top of whatever the remote currently holds.
// Re-reading inside the transaction resolves conflicts with other writers;
// this is never a blind overwrite.
func (l *Ledger) incrementRemote(ctx context.Context, sessionID, playerID string, delta int) error {
	path := fmt.Sprintf("%s/%s/players/%s/score", l.root, sessionID, playerID)

	return l.remote.Transaction(ctx, path, func(current any) (any, error) {
		cur := 0
		if f, ok := current.(float64); ok {
			cur = int(f)
		}
		return cur + delta, nil
	})
}

type HistoryEntry struct {
	PlayerID   string
	Delta      int
	Total      int
	CreateTime time.Time
}

func (l *Ledger) insertHistory(ctx context.Context, sessionID, playerID string, delta, total int, at time.Time) error {
	const stmt = `
INSERT INTO score_history (session_id, player_id, delta, total, create_time)
VALUES ($1, $2, $3, $4, $5);`

	_, err := l.db.Exec(ctx, stmt, sessionID, playerID, delta, total, at)
	return err
}

// ListHistory returns every score change of a session in order, for
// post-game review.
func (l *Ledger) ListHistory(ctx context.Context, sessionID string) ([]HistoryEntry, error) {
	if l.db == nil {
		return nil, nil
	}

	const stmt = `
SELECT player_id, delta, total, create_time
FROM score_history
WHERE session_id = $1
ORDER BY create_time;`

	rows, err := l.db.Query(ctx, stmt, sessionID)
	if err != nil {
		return nil, err
	}

	return pgx.CollectRows(rows, func(r pgx.CollectableRow) (HistoryEntry, error) {
		var e HistoryEntry
		if err := r.Scan(&e.PlayerID, &e.Delta, &e.Total, &e.CreateTime); err != nil {
			return HistoryEntry{}, err
		}
		return e, nil
	})
}

func (l *Ledger) async(ctx context.Context, write func(ctx context.Context) error, msg, sessionID, playerID string) {
	l.writes.Add(1)

	go func() {
		defer l.writes.Done()

		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), remoteWriteTimeout)
		defer cancel()

		if err := write(ctx); err != nil {
			slog.ErrorContext(ctx, msg,
				"session", sessionID,
				"player", playerID,
				"error", err,
			)
		}
	}()
}

func key(sessionID, playerID string) string {
	return sessionID + "/" + playerID
}
