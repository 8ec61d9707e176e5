package domain

import "time"

const (
	EventNameScoreUpdated       = "score.updated"
	EventNameLeaderboardUpdated = "leaderboard.updated"
)

// Score is a player's running total within one game.
type Score struct {
	SessionID  string
	PlayerID   string
	Total      int
	UpdateTime time.Time
}

type EventScoreUpdated struct {
	Score Score
}

func (EventScoreUpdated) Name() string { return EventNameScoreUpdated }

// Leaderboard lists the players of a game sorted by score, descending.
type Leaderboard struct {
	SessionID string
	Entries   []LeaderboardEntry
}

type LeaderboardEntry struct {
	PlayerID string
	Score    float64
}

type EventLeaderboardUpdated struct {
	Leaderboard Leaderboard
}

func (EventLeaderboardUpdated) Name() string { return EventNameLeaderboardUpdated }
