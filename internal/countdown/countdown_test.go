package countdown_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/victornm/ebuzz/internal/arbiter"
	"github.com/victornm/ebuzz/internal/broadcast"
	"github.com/victornm/ebuzz/internal/countdown"
	"github.com/victornm/ebuzz/internal/domain"
	"github.com/victornm/ebuzz/internal/gamestore"
	"github.com/victornm/ebuzz/internal/remote"
)

func TestScheduler_Timeout(t *testing.T) {
	f := makeFixture(t)
	ctx := context.Background()

	f.seed(t, "ABC123", func(sess *domain.Session) {
		sess.BuzzerWinner = "p1"
		sess.Players["p1"] = domain.Player{ID: "p1", Score: 2, BuzzerActive: true}
	})

	// Deadline already reached: the task must expire the round immediately.
	f.scheduler.StartRound("ABC123", "p1", time.Now())
	f.scheduler.Wait()

	timeouts := f.recorder.byKind(broadcast.KindTimeout)
	require.Len(t, timeouts, 1, "timeout should fire exactly once")
	require.Equal(t, countdown.TimeoutPayload{PlayerID: "p1"}, timeouts[0].Data)

	got := f.store.Get(ctx, "ABC123")
	require.Empty(t, got.BuzzerWinner)
	require.Zero(t, got.CountdownDeadline)
	require.False(t, got.BuzzerEnabled, "a timeout should leave the buzzer locked")
	require.Equal(t, 2, got.Players["p1"].Score, "a timeout must not touch the score")
}

func TestScheduler_TicksThenTimesOut(t *testing.T) {
	f := makeFixture(t)

	f.seed(t, "ABC123", func(sess *domain.Session) {
		sess.BuzzerWinner = "p1"
		sess.Players["p1"] = domain.Player{ID: "p1", BuzzerActive: true}
	})

	f.scheduler.StartRound("ABC123", "p1", time.Now().Add(300*time.Millisecond))
	f.scheduler.Wait()

	ticks := f.recorder.byKind(broadcast.KindCountdown)
	require.NotEmpty(t, ticks, "the task should announce remaining seconds")
	require.Equal(t, countdown.TickPayload{Remaining: 1}, ticks[0].Data)

	require.Len(t, f.recorder.byKind(broadcast.KindTimeout), 1)
}

func TestScheduler_CancelsWhenWinnerDiverges(t *testing.T) {
	f := makeFixture(t)

	f.seed(t, "ABC123", func(sess *domain.Session) {
		sess.BuzzerWinner = "p2"
		sess.Players["p1"] = domain.Player{ID: "p1", BuzzerActive: true}
		sess.Players["p2"] = domain.Player{ID: "p2", BuzzerActive: true}
	})

	// The session's round already belongs to someone else; the task for p1
	// must exit without publishing anything.
	f.scheduler.StartRound("ABC123", "p1", time.Now().Add(10*time.Second))
	f.scheduler.Wait()

	require.Empty(t, f.recorder.events())
	require.Equal(t, "p2", f.store.Get(context.Background(), "ABC123").BuzzerWinner)
}

func TestScheduler_NoTimeoutAfterExternalResolution(t *testing.T) {
	f := makeFixture(t)

	f.seed(t, "ABC123", func(sess *domain.Session) {
		sess.BuzzerWinner = "p1"
		sess.Players["p1"] = domain.Player{ID: "p1", BuzzerActive: true}
	})

	f.scheduler.StartRound("ABC123", "p1", time.Now().Add(300*time.Millisecond))

	// Resolve the round while the countdown is running.
	f.seed(t, "ABC123", func(sess *domain.Session) {
		sess.BuzzerWinner = ""
		sess.CountdownDeadline = 0
	})

	f.scheduler.Wait()

	require.Empty(t, f.recorder.byKind(broadcast.KindTimeout), "a resolved round must not time out")
}

type fixture struct {
	store     *gamestore.Store
	scheduler *countdown.Scheduler
	recorder  *recorder
}

func makeFixture(t *testing.T) *fixture {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	rs := miniredis.RunT(t)
	rc := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs: []string{rs.Addr()},
	})
	require.NoError(t, rc.Ping(ctx).Err(), "should be able to ping redis")

	store := gamestore.NewStore(gamestore.Config{Remote: remote.NewRedis(rc, "test")})
	arb := arbiter.New(arbiter.Config{Store: store})
	rec := &recorder{}

	return &fixture{
		store: store,
		scheduler: countdown.NewScheduler(countdown.Config{
			Store:       store,
			Arbiter:     arb,
			Broadcaster: rec,
		}),
		recorder: rec,
	}
}

func (f *fixture) seed(t *testing.T, sessionID string, fn func(sess *domain.Session)) {
	_, err := f.store.Update(context.Background(), sessionID, func(sess *domain.Session) (remote.Patch, error) {
		fn(sess)
		return nil, nil
	})
	require.NoError(t, err)
}

type recorder struct {
	mu     sync.Mutex
	record []broadcast.Event
}

func (r *recorder) Publish(_ context.Context, _ string, kind broadcast.Kind, payload any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.record = append(r.record, broadcast.Event{Kind: kind, Data: payload})
}

func (r *recorder) events() []broadcast.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]broadcast.Event(nil), r.record...)
}

func (r *recorder) byKind(kind broadcast.Kind) []broadcast.Event {
	var out []broadcast.Event
	for _, e := range r.events() {
		if e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}
