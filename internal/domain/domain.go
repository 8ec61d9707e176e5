package domain

// Difficulty of the questions generated for a game.
type Difficulty string

const (
	DifficultyEasy   Difficulty = "easy"
	DifficultyMedium Difficulty = "medium"
	DifficultyHard   Difficulty = "hard"
)

// Session represents one live buzzer game, keyed by a short join code.
// The JSON tags double as the field paths used in the remote key tree.
type Session struct {
	Active            bool                  `json:"active"`
	Themes            []string              `json:"themes"`
	Difficulty        Difficulty            `json:"difficulty"`
	CurrentQuestion   *Question             `json:"current_question"`
	BuzzerEnabled     bool                  `json:"buzzer_enabled"`
	BuzzerWinner      string                `json:"buzzer_winner"`
	CountdownDeadline int64                 `json:"countdown"` // unix millis, 0 when no countdown is running
	Players           map[string]Player     `json:"players"`
	Questions         map[string][]Question `json:"questions"`
	BlockedPlayers    []string              `json:"blocked_players"`
}

// NewSession returns the all-default state a game starts in.
func NewSession() Session {
	return Session{
		Difficulty:     DifficultyMedium,
		Players:        map[string]Player{},
		Questions:      map[string][]Question{},
		BlockedPlayers: []string{},
	}
}

// IsBlocked reports whether the player sits out the rest of the current
// question after an incorrect answer.
func (s *Session) IsBlocked(playerID string) bool {
	for _, id := range s.BlockedPlayers {
		if id == playerID {
			return true
		}
	}
	return false
}

// Clone returns a deep copy, safe to hand out while the original keeps mutating.
func (s *Session) Clone() Session {
	c := *s

	c.Themes = append([]string(nil), s.Themes...)
	c.BlockedPlayers = append([]string(nil), s.BlockedPlayers...)

	if s.CurrentQuestion != nil {
		q := s.CurrentQuestion.Clone()
		c.CurrentQuestion = &q
	}

	c.Players = make(map[string]Player, len(s.Players))
	for id, p := range s.Players {
		c.Players[id] = p
	}

	c.Questions = make(map[string][]Question, len(s.Questions))
	for theme, qs := range s.Questions {
		cqs := make([]Question, len(qs))
		for i, q := range qs {
			cqs[i] = q.Clone()
		}
		c.Questions[theme] = cqs
	}

	return c
}

// Player is one connected participant. Entries are created on first join and
// never removed; a disconnected player keeps their seat and score.
type Player struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	Score        int    `json:"score"`
	BuzzerActive bool   `json:"buzzer_active"`
}

// Question is a single multiple-choice question with exactly 4 answers.
type Question struct {
	Text       string     `json:"text"`
	Answers    []string   `json:"answers"`
	Correct    int        `json:"correct"` // index into Answers, 0..3
	Difficulty Difficulty `json:"difficulty"`
	Theme      string     `json:"theme"`
}

func (q Question) Clone() Question {
	q.Answers = append([]string(nil), q.Answers...)
	return q
}
