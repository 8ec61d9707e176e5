package leaderboard

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/victornm/ebuzz/internal/domain"
	"github.com/victornm/ebuzz/internal/errors"
	"github.com/victornm/ebuzz/internal/event"
)

const (
	publishInterval = 200 * time.Millisecond
)

type Config struct {
	EventBus *event.Bus
	Redis    redis.UniversalClient
	Prefix   string
}

// Service keeps a per-game ranking of players in a redis sorted set, updated
// from score events and republished at a throttled interval.
type Service struct {
	eb     *event.Bus
	redis  redis.UniversalClient
	prefix string
}

func NewService(c Config) *Service {
	s := &Service{
		eb:     c.EventBus,
		redis:  c.Redis,
		prefix: c.Prefix,
	}

	s.eb.Subscribe(domain.EventNameScoreUpdated, func(ctx context.Context, e event.Event) error {
		return s.UpdateLeaderboard(ctx, e.(domain.EventScoreUpdated))
	})

	return s
}

type GetLeaderboardRequest struct {
	SessionID string
}

// GetLeaderboard returns the ranking for a game, all players, best first.
func (s *Service) GetLeaderboard(ctx context.Context, req GetLeaderboardRequest) (*domain.Leaderboard, error) {
	res, err := s.redis.ZRevRangeWithScores(ctx, s.getLeaderboardKey(req.SessionID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("get leaderboard: %w", err)
	}

	if len(res) == 0 {
		return nil, errors.New(errors.CodeNotFound, errors.WithMessagef("leaderboard not found: session=%s", req.SessionID))
	}

	entries := make([]domain.LeaderboardEntry, 0, len(res))
	for _, z := range res {
		entries = append(entries, domain.LeaderboardEntry{
			PlayerID: z.Member.(string),
			Score:    z.Score,
		})
	}

	return &domain.Leaderboard{
		SessionID: req.SessionID,
		Entries:   entries,
	}, nil
}

// UpdateLeaderboard overwrites the player's score in the ranking.
func (s *Service) UpdateLeaderboard(ctx context.Context, e domain.EventScoreUpdated) error {
	sc := e.Score

	if err := s.redis.ZAdd(ctx, s.getLeaderboardKey(sc.SessionID), redis.Z{
		Score:  float64(sc.Total),
		Member: sc.PlayerID,
	}).Err(); err != nil {
		return fmt.Errorf("update leaderboard: %w", err)
	}

	return s.schedulePublishLeaderboard(ctx, sc)
}

// schedulePublishLeaderboard publishes leaderboard changes at most once per
// interval. Many scores change in a short burst when a round resolves; the
// throttle collapses them into one event.
func (s *Service) schedulePublishLeaderboard(ctx context.Context, sc domain.Score) error {
	ok, err := s.redis.SetNX(ctx, s.getLeaderboardTimeKey(sc.SessionID), sc.UpdateTime.UnixMilli(), publishInterval).Result()
	if err != nil {
		return fmt.Errorf("setnx: %w", err)
	}

	if !ok {
		return nil
	}

	return s.publishLeaderboard(ctx, sc)
}

func (s *Service) publishLeaderboard(ctx context.Context, sc domain.Score) error {
	l, err := s.GetLeaderboard(ctx, GetLeaderboardRequest{
		SessionID: sc.SessionID,
	})
	if err != nil {
		return fmt.Errorf("get leaderboard failed: session=%s: %w", sc.SessionID, err)
	}

	s.eb.Publish(ctx, domain.EventLeaderboardUpdated{
		Leaderboard: *l,
	})

	return s.redis.Set(ctx, s.getLeaderboardTimeKey(sc.SessionID), sc.UpdateTime.UnixMilli(), publishInterval).Err()
}

func (s *Service) getLeaderboardKey(session string) string {
	return fmt.Sprintf("%s:%s:leaderboard", s.prefix, session)
}

func (s *Service) getLeaderboardTimeKey(session string) string {
	return fmt.Sprintf("%s:%s:time", s.prefix, session)
}
