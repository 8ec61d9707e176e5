package countdown

import (
	"context"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/victornm/ebuzz/internal/arbiter"
	"github.com/victornm/ebuzz/internal/broadcast"
	"github.com/victornm/ebuzz/internal/gamestore"
)

// pollInterval bounds how stale a countdown task's view of the session can
// be: an externally resolved round is noticed within one tick.
const pollInterval = 200 * time.Millisecond

type Broadcaster interface {
	Publish(ctx context.Context, sessionID string, kind broadcast.Kind, payload any)
}

type Config struct {
	Store       *gamestore.Store
	Arbiter     *arbiter.Arbiter
	Broadcaster Broadcaster
	Clock       clockwork.Clock
}

// Scheduler runs one timer task per accepted buzz. A task is bound to the
// (session, winner, deadline) it was started for and cancels itself by
// observing state divergence: as soon as the session's winner is no longer
// ours the round was resolved elsewhere and the task exits silently. No task
// registry, no cancellation signal.
type Scheduler struct {
	store *gamestore.Store
	arb   *arbiter.Arbiter
	bc    Broadcaster
	clock clockwork.Clock

	wg sync.WaitGroup
}

func NewScheduler(c Config) *Scheduler {
	clock := c.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	return &Scheduler{
		store: c.Store,
		arb:   c.Arbiter,
		bc:    c.Broadcaster,
		clock: clock,
	}
}

type TickPayload struct {
	Remaining int `json:"remaining"`
}

type TimeoutPayload struct {
	PlayerID string `json:"player_id"`
}

// StartRound launches the countdown task for an accepted buzz.
func (s *Scheduler) StartRound(sessionID, winner string, deadline time.Time) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.run(sessionID, winner, deadline)
	}()
}

// Wait blocks until every running countdown task has finished.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

func (s *Scheduler) run(sessionID, winner string, deadline time.Time) {
	ctx := context.Background()

	ticker := s.clock.NewTicker(pollInterval)
	defer ticker.Stop()

	last := -1
	for {
		sess := s.store.Get(ctx, sessionID)
		if sess.BuzzerWinner != winner {
			return
		}

		now := s.clock.Now()
		if !now.Before(deadline) {
			break
		}

		if remaining := int(math.Ceil(deadline.Sub(now).Seconds())); remaining != last {
			last = remaining
			s.bc.Publish(ctx, sessionID, broadcast.KindCountdown, TickPayload{Remaining: remaining})
		}

		<-ticker.Chan()
	}

	// Deadline reached. ExpireCountdown re-checks the winner under the
	// session lock, so a resolution racing the last tick still wins.
	expired, err := s.arb.ExpireCountdown(ctx, sessionID, winner)
	if err != nil {
		slog.ErrorContext(ctx, "countdown: expire failed",
			"session", sessionID,
			"winner", winner,
			"error", err,
		)
		return
	}

	if expired {
		s.bc.Publish(ctx, sessionID, broadcast.KindTimeout, TimeoutPayload{PlayerID: winner})
	}
}
