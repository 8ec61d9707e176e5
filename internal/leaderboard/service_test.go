package leaderboard_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/victornm/ebuzz/internal/domain"
	"github.com/victornm/ebuzz/internal/errors"
	"github.com/victornm/ebuzz/internal/event"
	"github.com/victornm/ebuzz/internal/leaderboard"
)

func TestService_UpdateLeaderboard(t *testing.T) {
	s := makeService(t)

	err := s.UpdateLeaderboard(context.Background(), domain.EventScoreUpdated{
		Score: domain.Score{
			SessionID:  "s1",
			PlayerID:   "p1",
			Total:      3,
			UpdateTime: time.Now(),
		},
	})
	require.NoError(t, err)

	resp, err := s.GetLeaderboard(context.Background(), leaderboard.GetLeaderboardRequest{
		SessionID: "s1",
	})
	require.NoError(t, err)

	want := &domain.Leaderboard{
		SessionID: "s1",
		Entries: []domain.LeaderboardEntry{
			{PlayerID: "p1", Score: 3},
		},
	}
	require.Equal(t, want, resp)
}

func TestService_RanksBestFirst(t *testing.T) {
	s := makeService(t)
	ctx := context.Background()

	for _, sc := range []domain.Score{
		{SessionID: "s1", PlayerID: "p1", Total: 1, UpdateTime: time.Now()},
		{SessionID: "s1", PlayerID: "p2", Total: 5, UpdateTime: time.Now()},
		{SessionID: "s1", PlayerID: "p3", Total: 3, UpdateTime: time.Now()},
	} {
		require.NoError(t, s.UpdateLeaderboard(ctx, domain.EventScoreUpdated{Score: sc}))
	}

	resp, err := s.GetLeaderboard(ctx, leaderboard.GetLeaderboardRequest{SessionID: "s1"})
	require.NoError(t, err)

	require.Equal(t, []domain.LeaderboardEntry{
		{PlayerID: "p2", Score: 5},
		{PlayerID: "p3", Score: 3},
		{PlayerID: "p1", Score: 1},
	}, resp.Entries)
}

func TestService_GetLeaderboardNotFound(t *testing.T) {
	s := makeService(t)

	_, err := s.GetLeaderboard(context.Background(), leaderboard.GetLeaderboardRequest{
		SessionID: "NOSUCH",
	})
	require.True(t, errors.IsCode(err, errors.CodeNotFound))
}

func TestService_PublishLeaderboardUpdated(t *testing.T) {
	type (
		inputs struct {
			receivedEvents []domain.EventScoreUpdated
		}

		outputs struct {
			publishedEvents []domain.EventLeaderboardUpdated
		}
	)

	tests := map[string]struct {
		arrange func() inputs
		assert  func(t *testing.T, out outputs)
	}{
		"should publish leaderboard.updated after receiving score.updated": {
			arrange: func() inputs {
				return inputs{
					receivedEvents: []domain.EventScoreUpdated{
						{
							Score: domain.Score{
								SessionID:  "s1",
								PlayerID:   "p1",
								Total:      1,
								UpdateTime: time.Now(),
							},
						},
					},
				}
			},

			assert: func(t *testing.T, out outputs) {
				require.Len(t, out.publishedEvents, 1, "should receive 1 leaderboard updated event")
				require.Equal(t, domain.Leaderboard{
					SessionID: "s1",
					Entries: []domain.LeaderboardEntry{
						{PlayerID: "p1", Score: 1},
					},
				}, out.publishedEvents[0].Leaderboard)
			},
		},

		"should publish 2 events after score updates in 2 different sessions": {
			arrange: func() inputs {
				return inputs{
					receivedEvents: []domain.EventScoreUpdated{
						{
							Score: domain.Score{
								SessionID:  "s1",
								PlayerID:   "p1",
								Total:      1,
								UpdateTime: time.Now(),
							},
						},
						{
							Score: domain.Score{
								SessionID:  "s2",
								PlayerID:   "p2",
								Total:      2,
								UpdateTime: time.Now(),
							},
						},
					},
				}
			},

			assert: func(t *testing.T, out outputs) {
				require.Len(t, out.publishedEvents, 2, "should receive 2 leaderboard updated events")
			},
		},

		"should publish 1 event for score updates in the same session within the publish interval": {
			arrange: func() inputs {
				return inputs{
					receivedEvents: []domain.EventScoreUpdated{
						{
							Score: domain.Score{
								SessionID:  "s1",
								PlayerID:   "p1",
								Total:      1,
								UpdateTime: time.Now(),
							},
						},
						{
							Score: domain.Score{
								SessionID:  "s1",
								PlayerID:   "p2",
								Total:      2,
								UpdateTime: time.Now(),
							},
						},
					},
				}
			},

			assert: func(t *testing.T, out outputs) {
				require.Len(t, out.publishedEvents, 1, "should receive 1 leaderboard updated event")
			},
		},
	}

	for name, tt := range tests {
		tt := tt
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			in, out := tt.arrange(), outputs{}

			eb := event.NewBus()

			var mu sync.Mutex
			eb.Subscribe(domain.EventNameLeaderboardUpdated, func(ctx context.Context, e event.Event) error {
				mu.Lock()
				out.publishedEvents = append(out.publishedEvents, e.(domain.EventLeaderboardUpdated))
				mu.Unlock()
				return nil
			})

			s := makeService(t,
				withEventBus(eb),
			)

			for _, e := range in.receivedEvents {
				err := s.UpdateLeaderboard(context.Background(), e)
				require.NoError(t, err)
			}

			eb.Stop()

			tt.assert(t, out)
		})
	}
}

func makeService(t *testing.T, opts ...options) *leaderboard.Service {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	rs := miniredis.RunT(t)
	rc := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs: []string{rs.Addr()},
	})
	require.NoError(t, rc.Ping(ctx).Err(), "should be able to ping redis")

	c := leaderboard.Config{
		EventBus: event.NewBus(),
		Redis:    rc,
		Prefix:   "test",
	}

	for _, opt := range opts {
		opt(&c)
	}

	return leaderboard.NewService(c)
}

type options func(c *leaderboard.Config)

func withEventBus(eb *event.Bus) options {
	return func(c *leaderboard.Config) {
		c.EventBus = eb
	}
}
