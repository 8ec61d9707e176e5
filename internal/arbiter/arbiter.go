package arbiter

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/victornm/ebuzz/internal/domain"
	"github.com/victornm/ebuzz/internal/errors"
	"github.com/victornm/ebuzz/internal/gamestore"
	"github.com/victornm/ebuzz/internal/remote"
)

// BuzzCountdown is how long a winner has to answer before the round reopens.
const BuzzCountdown = 15 * time.Second

type Config struct {
	Store *gamestore.Store
	Clock clockwork.Clock
}

// Arbiter owns the buzzer state machine of a session: arming, the buzz race,
// and the blocked-player set. Every transition is a typed mutation applied
// under the per-session lock of the game store, so concurrent buzzes are
// strictly ordered and exactly the first one observing an armed round wins.
type Arbiter struct {
	store *gamestore.Store
	clock clockwork.Clock
}

func New(c Config) *Arbiter {
	clock := c.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	return &Arbiter{store: c.Store, clock: clock}
}

// BuzzResult reports the outcome of a buzz attempt. A rejected buzz is not
// an error: losing the race is a defined no-op.
type BuzzResult struct {
	Accepted   bool
	PlayerID   string
	PlayerName string
	Deadline   time.Time
	Session    domain.Session
}

// PostQuestion makes questionBank[theme][index] the current question and
// starts a fresh round: winner, countdown and blocked set cleared, every
// player armed.
func (a *Arbiter) PostQuestion(ctx context.Context, sessionID, theme string, index int) (domain.Session, error) {
	return a.store.Update(ctx, sessionID, func(s *domain.Session) (remote.Patch, error) {
		bank, ok := s.Questions[theme]
		if !ok || index < 0 || index >= len(bank) {
			return nil, errors.New(errors.CodeNotFound,
				errors.WithMessagef("unknown question: theme=%s index=%d", theme, index))
		}

		q := bank[index].Clone()
		s.CurrentQuestion = &q
		s.BuzzerEnabled = true
		s.BuzzerWinner = ""
		s.CountdownDeadline = 0
		s.BlockedPlayers = []string{}

		patch := remote.Patch{
			"current_question": q,
			"buzzer_enabled":   true,
			"buzzer_winner":    nil,
			"countdown":        0,
			"blocked_players":  []string{},
		}
		for id := range s.Players {
			setBuzzerActive(s, patch, id, true)
		}
		return patch, nil
	})
}

// SetBuzzerEnabled toggles the buzzer. Enabling arms every player that is
// not blocked; either way the current winner and countdown are cleared.
// Idempotent.
func (a *Arbiter) SetBuzzerEnabled(ctx context.Context, sessionID string, enabled bool) (domain.Session, error) {
	return a.store.Update(ctx, sessionID, func(s *domain.Session) (remote.Patch, error) {
		s.BuzzerEnabled = enabled
		s.BuzzerWinner = ""
		s.CountdownDeadline = 0

		patch := remote.Patch{
			"buzzer_enabled": enabled,
			"buzzer_winner":  nil,
			"countdown":      0,
		}
		if enabled {
			for id := range s.Players {
				if !s.IsBlocked(id) {
					setBuzzerActive(s, patch, id, true)
				}
			}
		}
		return patch, nil
	})
}

// Reset disables the buzzer and clears the winner and countdown, leaving
// players and the blocked set as they are.
func (a *Arbiter) Reset(ctx context.Context, sessionID string) (domain.Session, error) {
	return a.SetBuzzerEnabled(ctx, sessionID, false)
}

// Buzz is the race resolution point. The first call that observes an armed
// round with no winner commits playerID as the winner, disables the buzzer,
// deactivates everyone else and stamps the countdown deadline. Every later
// call for the same round is silently rejected.
func (a *Arbiter) Buzz(ctx context.Context, sessionID, playerID string) (BuzzResult, error) {
	var res BuzzResult

	snapshot, err := a.store.Update(ctx, sessionID, func(s *domain.Session) (remote.Patch, error) {
		if !s.BuzzerEnabled || s.BuzzerWinner != "" {
			return nil, nil
		}

		p, ok := s.Players[playerID]
		if !ok || !p.BuzzerActive {
			return nil, nil
		}

		deadline := a.clock.Now().Add(BuzzCountdown)
		s.BuzzerWinner = playerID
		s.BuzzerEnabled = false
		s.CountdownDeadline = deadline.UnixMilli()

		patch := remote.Patch{
			"buzzer_winner":  playerID,
			"buzzer_enabled": false,
			"countdown":      deadline.UnixMilli(),
		}
		for id := range s.Players {
			if id != playerID {
				setBuzzerActive(s, patch, id, false)
			}
		}

		res = BuzzResult{
			Accepted:   true,
			PlayerID:   playerID,
			PlayerName: p.Name,
			Deadline:   deadline,
		}
		return patch, nil
	})
	if err != nil {
		return BuzzResult{}, err
	}

	res.Session = snapshot
	return res, nil
}

// ResolveAnswer closes the round for playerID. Correct: blocked set cleared
// and everyone re-armed. Incorrect: the player joins the blocked set and
// stays deactivated while the rest re-arm. The score credit for a correct
// answer is the ledger's job, not the arbiter's.
//
// playerID is not required to be the current winner; the moderator may
// resolve on anyone's behalf.
func (a *Arbiter) ResolveAnswer(ctx context.Context, sessionID, playerID string, correct bool) (domain.Session, error) {
	return a.store.Update(ctx, sessionID, func(s *domain.Session) (remote.Patch, error) {
		s.BuzzerWinner = ""
		s.BuzzerEnabled = true
		s.CountdownDeadline = 0

		patch := remote.Patch{
			"buzzer_winner":  nil,
			"buzzer_enabled": true,
			"countdown":      0,
		}

		if correct {
			s.BlockedPlayers = []string{}
			patch["blocked_players"] = []string{}
			for id := range s.Players {
				setBuzzerActive(s, patch, id, true)
			}
			return patch, nil
		}

		if !s.IsBlocked(playerID) {
			s.BlockedPlayers = append(s.BlockedPlayers, playerID)
			patch["blocked_players"] = append([]string(nil), s.BlockedPlayers...)
		}
		if _, ok := s.Players[playerID]; ok {
			setBuzzerActive(s, patch, playerID, false)
		}
		for id := range s.Players {
			if id != playerID && !s.IsBlocked(id) {
				setBuzzerActive(s, patch, id, true)
			}
		}
		return patch, nil
	})
}

// BlockPlayer excludes a player from buzzing for the rest of the current
// question. Blocking an already blocked player changes nothing.
func (a *Arbiter) BlockPlayer(ctx context.Context, sessionID, playerID string) (domain.Session, error) {
	return a.store.Update(ctx, sessionID, func(s *domain.Session) (remote.Patch, error) {
		if s.IsBlocked(playerID) {
			return nil, nil
		}

		s.BlockedPlayers = append(s.BlockedPlayers, playerID)
		patch := remote.Patch{
			"blocked_players": append([]string(nil), s.BlockedPlayers...),
		}
		if _, ok := s.Players[playerID]; ok {
			setBuzzerActive(s, patch, playerID, false)
		}
		return patch, nil
	})
}

// UnblockAll clears the blocked set, enables the buzzer and re-arms everyone.
func (a *Arbiter) UnblockAll(ctx context.Context, sessionID string) (domain.Session, error) {
	return a.store.Update(ctx, sessionID, func(s *domain.Session) (remote.Patch, error) {
		s.BlockedPlayers = []string{}
		s.BuzzerEnabled = true

		patch := remote.Patch{
			"blocked_players": []string{},
			"buzzer_enabled":  true,
		}
		for id := range s.Players {
			setBuzzerActive(s, patch, id, true)
		}
		return patch, nil
	})
}

// ExpireCountdown clears the winner and countdown iff the given winner is
// still current. Reports whether it expired the round; a stale call after an
// external resolution is a no-op.
func (a *Arbiter) ExpireCountdown(ctx context.Context, sessionID, winner string) (bool, error) {
	expired := false

	_, err := a.store.Update(ctx, sessionID, func(s *domain.Session) (remote.Patch, error) {
		if s.BuzzerWinner != winner {
			return nil, nil
		}

		s.BuzzerWinner = ""
		s.CountdownDeadline = 0
		expired = true

		return remote.Patch{
			"buzzer_winner": nil,
			"countdown":     0,
		}, nil
	})
	return expired, err
}

func setBuzzerActive(s *domain.Session, patch remote.Patch, playerID string, active bool) {
	p := s.Players[playerID]
	p.BuzzerActive = active
	s.Players[playerID] = p
	patch["players/"+playerID+"/buzzer_active"] = active
}
