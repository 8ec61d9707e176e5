package game

import (
	"context"
	"crypto/rand"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/victornm/ebuzz/internal/arbiter"
	"github.com/victornm/ebuzz/internal/broadcast"
	"github.com/victornm/ebuzz/internal/countdown"
	"github.com/victornm/ebuzz/internal/domain"
	"github.com/victornm/ebuzz/internal/errors"
	"github.com/victornm/ebuzz/internal/gamestore"
	"github.com/victornm/ebuzz/internal/questions"
	"github.com/victornm/ebuzz/internal/remote"
	"github.com/victornm/ebuzz/internal/score"
)

type Config struct {
	Store      *gamestore.Store
	Arbiter    *arbiter.Arbiter
	Scores     *score.Ledger
	Countdown  *countdown.Scheduler
	Dispatcher *broadcast.Dispatcher
	Generator  questions.Generator
}

// Service is the public operation surface of one game engine instance. It
// composes the arbiter, ledger, countdown and dispatcher; the transport
// layer calls it and never touches session state directly.
type Service struct {
	store      *gamestore.Store
	arb        *arbiter.Arbiter
	scores     *score.Ledger
	cd         *countdown.Scheduler
	dispatcher *broadcast.Dispatcher
	generator  questions.Generator
}

func NewService(c Config) *Service {
	return &Service{
		store:      c.Store,
		arb:        c.Arbiter,
		scores:     c.Scores,
		cd:         c.Countdown,
		dispatcher: c.Dispatcher,
		generator:  c.Generator,
	}
}

const (
	sessionCodeLen     = 6
	sessionCodeCharset = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

	defaultQuestionCount = 5
)

// CreateSession starts a new game with an all-default state and returns its
// join code.
func (s *Service) CreateSession(ctx context.Context) (string, domain.Session, error) {
	code, err := newSessionCode()
	if err != nil {
		return "", domain.Session{}, fmt.Errorf("game: generate session code: %w", err)
	}

	snapshot := s.store.Put(ctx, code, domain.NewSession())
	return code, snapshot, nil
}

type JoinRequest struct {
	SessionID string
	// PlayerID is kept across reconnects by the client; empty means a brand
	// new player and the service assigns one.
	PlayerID string
	Name     string
}

type JoinResponse struct {
	PlayerID string
	Session  domain.Session
}

// Join adds the player to the game, or refreshes their name and buzzer flag
// when they reconnect. Score survives reconnects; a blocked player rejoins
// blocked.
func (s *Service) Join(ctx context.Context, req JoinRequest) (*JoinResponse, error) {
	playerID := req.PlayerID
	if playerID == "" {
		playerID = uuid.NewString()
	}

	name := req.Name
	if name == "" {
		name = "Player " + shortID(playerID)
	}

	var total int
	snapshot, err := s.store.Update(ctx, req.SessionID, func(sess *domain.Session) (remote.Patch, error) {
		p, existed := sess.Players[playerID]
		p.ID = playerID
		p.Name = name
		p.BuzzerActive = !sess.IsBlocked(playerID)
		if !existed {
			p.Score = 0
		}
		sess.Players[playerID] = p
		total = p.Score

		prefix := "players/" + playerID + "/"
		patch := remote.Patch{
			prefix + "id":            playerID,
			prefix + "name":          name,
			prefix + "buzzer_active": p.BuzzerActive,
		}
		if !existed {
			patch[prefix+"score"] = 0
		}
		return patch, nil
	})
	if err != nil {
		return nil, err
	}

	s.scores.Bootstrap(req.SessionID, playerID, total)
	s.publishState(ctx, req.SessionID, snapshot)

	return &JoinResponse{PlayerID: playerID, Session: snapshot}, nil
}

// PostQuestion poses questionBank[theme][index] and opens a fresh round.
func (s *Service) PostQuestion(ctx context.Context, sessionID, theme string, index int) (domain.Session, error) {
	snapshot, err := s.arb.PostQuestion(ctx, sessionID, theme, index)
	if err != nil {
		return domain.Session{}, err
	}

	s.dispatcher.Publish(ctx, sessionID, broadcast.KindNewQuestion, nil)
	s.publishState(ctx, sessionID, snapshot)
	return snapshot, nil
}

// SetBuzzerEnabled toggles the buzzer for the whole game.
func (s *Service) SetBuzzerEnabled(ctx context.Context, sessionID string, enabled bool) (domain.Session, error) {
	snapshot, err := s.arb.SetBuzzerEnabled(ctx, sessionID, enabled)
	if err != nil {
		return domain.Session{}, err
	}

	s.publishState(ctx, sessionID, snapshot)
	return snapshot, nil
}

// ResetBuzzer disables the buzzer and clears the current winner.
func (s *Service) ResetBuzzer(ctx context.Context, sessionID string) (domain.Session, error) {
	snapshot, err := s.arb.Reset(ctx, sessionID)
	if err != nil {
		return domain.Session{}, err
	}

	s.publishState(ctx, sessionID, snapshot)
	return snapshot, nil
}

type BuzzedPayload struct {
	PlayerID   string `json:"player_id"`
	PlayerName string `json:"player_name"`
}

// Buzz races the player against everyone else in the round. On acceptance
// the countdown starts and the win is broadcast; on rejection nothing
// happens at all.
func (s *Service) Buzz(ctx context.Context, sessionID, playerID string) (arbiter.BuzzResult, error) {
	res, err := s.arb.Buzz(ctx, sessionID, playerID)
	if err != nil {
		return arbiter.BuzzResult{}, err
	}

	if res.Accepted {
		s.dispatcher.Publish(ctx, sessionID, broadcast.KindPlayerBuzzed, BuzzedPayload{
			PlayerID:   res.PlayerID,
			PlayerName: res.PlayerName,
		})
		s.publishState(ctx, sessionID, res.Session)
		s.cd.StartRound(sessionID, res.PlayerID, res.Deadline)
	}

	return res, nil
}

type ResolvedPayload struct {
	PlayerID string `json:"player_id"`
}

// ResolveAnswer closes the round for playerID: a correct answer credits one
// point and unblocks everyone, an incorrect one blocks the player until the
// next correct resolution.
func (s *Service) ResolveAnswer(ctx context.Context, sessionID, playerID string, correct bool) (domain.Session, error) {
	if correct {
		total := s.scores.AddScore(ctx, sessionID, playerID, 1)
		s.syncScore(ctx, sessionID, playerID, total)
	}

	snapshot, err := s.arb.ResolveAnswer(ctx, sessionID, playerID, correct)
	if err != nil {
		return domain.Session{}, err
	}

	kind := broadcast.KindAnswerCorrect
	if !correct {
		kind = broadcast.KindAnswerIncorrect
	}
	s.dispatcher.Publish(ctx, sessionID, kind, ResolvedPayload{PlayerID: playerID})
	s.publishState(ctx, sessionID, snapshot)

	return snapshot, nil
}

// BlockPlayer is the moderator override for excluding a player mid-question.
func (s *Service) BlockPlayer(ctx context.Context, sessionID, playerID string) (domain.Session, error) {
	snapshot, err := s.arb.BlockPlayer(ctx, sessionID, playerID)
	if err != nil {
		return domain.Session{}, err
	}

	s.publishState(ctx, sessionID, snapshot)
	return snapshot, nil
}

// UnblockAll clears the blocked set and re-arms everyone.
func (s *Service) UnblockAll(ctx context.Context, sessionID string) (domain.Session, error) {
	snapshot, err := s.arb.UnblockAll(ctx, sessionID)
	if err != nil {
		return domain.Session{}, err
	}

	s.publishState(ctx, sessionID, snapshot)
	return snapshot, nil
}

// AddScore applies a manual score adjustment and returns the new total.
func (s *Service) AddScore(ctx context.Context, sessionID, playerID string, delta int) (int, domain.Session, error) {
	total := s.scores.AddScore(ctx, sessionID, playerID, delta)
	snapshot := s.syncScore(ctx, sessionID, playerID, total)

	s.publishState(ctx, sessionID, snapshot)
	return total, snapshot, nil
}

// GetState returns the current snapshot of the game.
func (s *Service) GetState(ctx context.Context, sessionID string) domain.Session {
	return s.store.Get(ctx, sessionID)
}

type GenerateQuestionsRequest struct {
	SessionID  string
	Themes     []string
	Difficulty domain.Difficulty
	Count      int
}

type GenerateQuestionsResponse struct {
	Session domain.Session
	// Failed lists the themes that yielded no questions after retries.
	Failed []string
}

// GenerateQuestions fills the question bank, one batch per theme, themes
// generated concurrently. Themes that fail after retries are reported, not
// fatal; only all of them failing is an error.
func (s *Service) GenerateQuestions(ctx context.Context, req GenerateQuestionsRequest) (*GenerateQuestionsResponse, error) {
	difficulty := req.Difficulty
	if difficulty == "" {
		difficulty = domain.DifficultyMedium
	}
	count := req.Count
	if count <= 0 {
		count = defaultQuestionCount
	}
	if len(req.Themes) == 0 {
		return nil, errors.New(errors.CodeInvalidArgument, errors.WithMessagef("no themes given"))
	}

	results := make([][]domain.Question, len(req.Themes))

	var eg errgroup.Group
	eg.SetLimit(4)
	for i, theme := range req.Themes {
		eg.Go(func() error {
			qs, err := s.generator.Generate(ctx, theme, difficulty, count)
			if err != nil {
				slog.WarnContext(ctx, "game: theme yielded no questions",
					"session", req.SessionID,
					"theme", theme,
					"error", err,
				)
				return nil
			}
			results[i] = qs
			return nil
		})
	}
	_ = eg.Wait()

	var (
		themes []string
		failed []string
	)
	for i, theme := range req.Themes {
		if len(results[i]) == 0 {
			failed = append(failed, theme)
			continue
		}
		themes = append(themes, theme)
	}
	if len(themes) == 0 {
		return nil, errors.New(errors.CodeUnavailable, errors.WithMessagef("question generation failed for every theme"))
	}

	snapshot, err := s.store.Update(ctx, req.SessionID, func(sess *domain.Session) (remote.Patch, error) {
		sess.Themes = append([]string(nil), themes...)
		sess.Difficulty = difficulty

		patch := remote.Patch{
			"themes":     themes,
			"difficulty": difficulty,
		}
		for i, theme := range req.Themes {
			if len(results[i]) == 0 {
				continue
			}
			sess.Questions[theme] = results[i]
			patch["questions/"+theme] = results[i]
		}
		return patch, nil
	})
	if err != nil {
		return nil, err
	}

	s.publishState(ctx, req.SessionID, snapshot)
	return &GenerateQuestionsResponse{Session: snapshot, Failed: failed}, nil
}

// syncScore brings the cached session copy of a player's score in line with
// the ledger. The remote copy is the ledger's transaction to make, so no
// patch is produced here.
func (s *Service) syncScore(ctx context.Context, sessionID, playerID string, total int) domain.Session {
	snapshot, err := s.store.Update(ctx, sessionID, func(sess *domain.Session) (remote.Patch, error) {
		p, ok := sess.Players[playerID]
		if !ok {
			p.ID = playerID
		}
		p.Score = total
		sess.Players[playerID] = p
		return nil, nil
	})
	if err != nil {
		// Update without a validating mutation cannot fail; keep the
		// signature honest anyway.
		slog.ErrorContext(ctx, "game: sync score failed", "session", sessionID, "error", err)
	}
	return snapshot
}

func (s *Service) publishState(ctx context.Context, sessionID string, snapshot domain.Session) {
	s.dispatcher.Publish(ctx, sessionID, broadcast.KindGameState, snapshot)
}

func newSessionCode() (string, error) {
	b := make([]byte, sessionCodeLen)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}

	for i := range b {
		b[i] = sessionCodeCharset[int(b[i])%len(sessionCodeCharset)]
	}
	return string(b), nil
}

func shortID(id string) string {
	if len(id) > 4 {
		return id[:4]
	}
	return id
}
