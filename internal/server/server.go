package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-contrib/pprof"
	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/victornm/ebuzz/internal/api"
	"github.com/victornm/ebuzz/internal/arbiter"
	"github.com/victornm/ebuzz/internal/broadcast"
	"github.com/victornm/ebuzz/internal/countdown"
	"github.com/victornm/ebuzz/internal/event"
	"github.com/victornm/ebuzz/internal/game"
	"github.com/victornm/ebuzz/internal/gamestore"
	"github.com/victornm/ebuzz/internal/leaderboard"
	"github.com/victornm/ebuzz/internal/questions"
	remotestore "github.com/victornm/ebuzz/internal/remote"
	"github.com/victornm/ebuzz/internal/score"
	"github.com/victornm/ebuzz/internal/telemetry"
)

type Config struct {
	HTTP struct {
		Port int32
	}

	Redis struct {
		Addrs  []string
		Pass   string
		Prefix string
	}

	Postgres struct {
		History struct {
			Enabled bool
			Addr    string
			User    string
			Pass    string
			Name    string
		}
	}

	OpenRouter struct {
		APIKey  string
		Model   string
		BaseURL string
	}
}

type Server struct {
	c Config

	eb *event.Bus

	infra struct {
		redis    redis.UniversalClient
		postgres *pgxpool.Pool
	}

	service struct {
		store       *gamestore.Store
		scores      *score.Ledger
		leaderboard *leaderboard.Service
		dispatcher  *broadcast.Dispatcher
		arbiter     *arbiter.Arbiter
		countdown   *countdown.Scheduler
		game        *game.Service
	}

	http *http.Server
}

func Init(c Config) (*Server, error) {
	s := &Server{c: c}

	s.eb = event.NewBus()

	if err := s.initInfra(); err != nil {
		return nil, fmt.Errorf("server: init infra: %w", err)
	}

	s.initService()
	s.initAPI()
	return s, nil
}

func (s *Server) initInfra() error {
	if err := s.initRedis(); err != nil {
		return fmt.Errorf("redis: %w", err)
	}

	if s.c.Postgres.History.Enabled {
		if err := s.initPostgres(); err != nil {
			return fmt.Errorf("postgres: %w", err)
		}
	}

	return nil
}

func (s *Server) initRedis() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	r := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:    s.c.Redis.Addrs,
		Password: s.c.Redis.Pass,
	})

	if err := telemetry.MonitorRedis(r); err != nil {
		return err
	}

	if err := r.Ping(ctx).Err(); err != nil {
		return err
	}

	s.infra.redis = r
	return nil
}

func (s *Server) initPostgres() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	h := s.c.Postgres.History
	cc, err := pgxpool.ParseConfig(fmt.Sprintf("postgres://%s:%s@%s/%s", h.User, h.Pass, h.Addr, h.Name))
	if err != nil {
		return err
	}

	db, err := pgxpool.NewWithConfig(ctx, cc)
	if err != nil {
		return err
	}

	if err := db.Ping(ctx); err != nil {
		return err
	}

	s.infra.postgres = db
	return nil
}

func (s *Server) initService() {
	clock := clockwork.NewRealClock()
	remote := remotestore.NewRedis(s.infra.redis, s.c.Redis.Prefix)

	s.service.store = gamestore.NewStore(gamestore.Config{
		Remote: remote,
	})

	s.service.scores = score.NewLedger(score.Config{
		EventBus: s.eb,
		Remote:   remote,
		DB:       s.infra.postgres,
	})

	s.service.leaderboard = leaderboard.NewService(leaderboard.Config{
		EventBus: s.eb,
		Redis:    s.infra.redis,
		Prefix:   s.c.Redis.Prefix,
	})

	s.service.dispatcher = broadcast.NewDispatcher(broadcast.Config{
		Redis:  s.infra.redis,
		Prefix: s.c.Redis.Prefix,
	})

	s.service.arbiter = arbiter.New(arbiter.Config{
		Store: s.service.store,
		Clock: clock,
	})

	s.service.countdown = countdown.NewScheduler(countdown.Config{
		Store:       s.service.store,
		Arbiter:     s.service.arbiter,
		Broadcaster: s.service.dispatcher,
		Clock:       clock,
	})

	generator := questions.WithRetry(questions.NewOpenRouter(questions.OpenRouterConfig{
		APIKey:  s.c.OpenRouter.APIKey,
		Model:   s.c.OpenRouter.Model,
		BaseURL: s.c.OpenRouter.BaseURL,
	}), 0)

	s.service.game = game.NewService(game.Config{
		Store:      s.service.store,
		Arbiter:    s.service.arbiter,
		Scores:     s.service.scores,
		Countdown:  s.service.countdown,
		Dispatcher: s.service.dispatcher,
		Generator:  generator,
	})
}

func (s *Server) initAPI() {
	e := gin.New()
	e.GET("/metrics", gin.WrapH(promhttp.Handler()))
	pprof.Register(e, "/debug/pprof")
	e.Use(gin.Recovery())

	api.New(api.Config{
		Engine:      e,
		EventBus:    s.eb,
		Game:        s.service.game,
		Scores:      s.service.scores,
		Leaderboard: s.service.leaderboard,
		Dispatcher:  s.service.dispatcher,
		Store:       s.service.store,
	})

	s.http = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.c.HTTP.Port),
		Handler:           e,
		ReadHeaderTimeout: 60 * time.Second,
	}
}

func (s *Server) Start() {
	ctx := context.TODO()

	slog.InfoContext(ctx, fmt.Sprintf("server: HTTP listening on port %d", s.c.HTTP.Port))
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.ErrorContext(ctx, "server: shutdown with error", "error", err)
	}
}

func (s *Server) Shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.http.Shutdown(ctx); err != nil {
		slog.ErrorContext(ctx, "server: shutdown HTTP failed", "error", err)
	}

	s.service.dispatcher.Stop()
	s.eb.Stop()
	s.service.store.Wait()
	s.service.scores.Wait()

	slog.InfoContext(ctx, "server: shutdown completed")
}
