package api

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/victornm/ebuzz/internal/broadcast"
	"github.com/victornm/ebuzz/internal/domain"
	"github.com/victornm/ebuzz/internal/errors"
	"github.com/victornm/ebuzz/internal/event"
	"github.com/victornm/ebuzz/internal/game"
	"github.com/victornm/ebuzz/internal/gamestore"
	"github.com/victornm/ebuzz/internal/leaderboard"
	"github.com/victornm/ebuzz/internal/score"
)

type Config struct {
	Engine      *gin.Engine
	EventBus    *event.Bus
	Game        *game.Service
	Scores      *score.Ledger
	Leaderboard *leaderboard.Service
	Dispatcher  *broadcast.Dispatcher
	Store       *gamestore.Store
}

type API struct {
	game       *game.Service
	scores     *score.Ledger
	lb         *leaderboard.Service
	dispatcher *broadcast.Dispatcher
	store      *gamestore.Store

	upgrader websocket.Upgrader
}

func New(c Config) *API {
	a := &API{
		game:       c.Game,
		scores:     c.Scores,
		lb:         c.Leaderboard,
		dispatcher: c.Dispatcher,
		store:      c.Store,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}

	a.registerRoutes(c.Engine)

	// Relay leaderboard updates from the bus to the session's clients.
	c.EventBus.Subscribe(domain.EventNameLeaderboardUpdated, func(ctx context.Context, e event.Event) error {
		lb := e.(domain.EventLeaderboardUpdated).Leaderboard
		a.dispatcher.Publish(ctx, lb.SessionID, broadcast.KindLeaderboard, lb.Entries)
		return nil
	})

	return a
}

func (a *API) registerRoutes(e *gin.Engine) {
	e.GET("/healthz", a.health)
	e.GET("/ws", a.handleWS)

	g := e.Group("/api")
	g.POST("/create_game", a.createGame)
	g.POST("/generate_questions", a.generateQuestions)
	g.POST("/ask_question", a.askQuestion)
	g.POST("/activate_buzzer", a.activateBuzzer)
	g.POST("/reset_buzzer", a.resetBuzzer)
	g.POST("/update_score", a.updateScore)
	g.POST("/block_player", a.blockPlayer)
	g.POST("/unblock_all", a.unblockAll)
	g.POST("/answer_result", a.answerResult)
	g.GET("/get_game", a.getGame)
	g.GET("/leaderboard", a.getLeaderboard)
	g.GET("/score_history", a.getScoreHistory)
}

func (a *API) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":         "healthy",
		"games_in_cache": a.store.Len(),
	})
}

func (a *API) createGame(c *gin.Context) {
	code, snapshot, err := a.game.CreateSession(c.Request.Context())
	if err != nil {
		respondErr(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "success", "game_id": code, "game": snapshot})
}

func (a *API) generateQuestions(c *gin.Context) {
	var req struct {
		GameID     string `json:"game_id" binding:"required"`
		Themes     string `json:"themes" binding:"required"`
		Difficulty string `json:"difficulty"`
		Count      int    `json:"count"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		respondErr(c, errors.New(errors.CodeInvalidArgument, errors.WithCause(err)))
		return
	}

	var themes []string
	for _, t := range strings.Split(req.Themes, ",") {
		if t = strings.TrimSpace(t); t != "" {
			themes = append(themes, t)
		}
	}

	resp, err := a.game.GenerateQuestions(c.Request.Context(), game.GenerateQuestionsRequest{
		SessionID:  req.GameID,
		Themes:     themes,
		Difficulty: domain.Difficulty(req.Difficulty),
		Count:      req.Count,
	})
	if err != nil {
		respondErr(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":        "success",
		"questions":     resp.Session.Questions,
		"failed_themes": resp.Failed,
	})
}

func (a *API) askQuestion(c *gin.Context) {
	var req struct {
		GameID        string `json:"game_id" binding:"required"`
		Theme         string `json:"theme" binding:"required"`
		QuestionIndex int    `json:"question_index"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		respondErr(c, errors.New(errors.CodeInvalidArgument, errors.WithCause(err)))
		return
	}

	snapshot, err := a.game.PostQuestion(c.Request.Context(), req.GameID, req.Theme, req.QuestionIndex)
	if err != nil {
		respondErr(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "success", "game": snapshot})
}

func (a *API) activateBuzzer(c *gin.Context) {
	var req struct {
		GameID string `json:"game_id" binding:"required"`
		State  bool   `json:"state"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		respondErr(c, errors.New(errors.CodeInvalidArgument, errors.WithCause(err)))
		return
	}

	snapshot, err := a.game.SetBuzzerEnabled(c.Request.Context(), req.GameID, req.State)
	if err != nil {
		respondErr(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "success", "game": snapshot})
}

func (a *API) resetBuzzer(c *gin.Context) {
	var req struct {
		GameID string `json:"game_id" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		respondErr(c, errors.New(errors.CodeInvalidArgument, errors.WithCause(err)))
		return
	}

	if _, err := a.game.ResetBuzzer(c.Request.Context(), req.GameID); err != nil {
		respondErr(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "success"})
}

func (a *API) updateScore(c *gin.Context) {
	var req struct {
		GameID   string `json:"game_id" binding:"required"`
		PlayerID string `json:"player_id" binding:"required"`
		Delta    *int   `json:"delta"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		respondErr(c, errors.New(errors.CodeInvalidArgument, errors.WithCause(err)))
		return
	}

	delta := 1
	if req.Delta != nil {
		delta = *req.Delta
	}

	total, _, err := a.game.AddScore(c.Request.Context(), req.GameID, req.PlayerID, delta)
	if err != nil {
		respondErr(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "success", "new_score": total})
}

func (a *API) blockPlayer(c *gin.Context) {
	var req struct {
		GameID   string `json:"game_id" binding:"required"`
		PlayerID string `json:"player_id" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		respondErr(c, errors.New(errors.CodeInvalidArgument, errors.WithCause(err)))
		return
	}

	if _, err := a.game.BlockPlayer(c.Request.Context(), req.GameID, req.PlayerID); err != nil {
		respondErr(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "success"})
}

func (a *API) unblockAll(c *gin.Context) {
	var req struct {
		GameID string `json:"game_id" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		respondErr(c, errors.New(errors.CodeInvalidArgument, errors.WithCause(err)))
		return
	}

	if _, err := a.game.UnblockAll(c.Request.Context(), req.GameID); err != nil {
		respondErr(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "success"})
}

func (a *API) answerResult(c *gin.Context) {
	var req struct {
		GameID    string `json:"game_id" binding:"required"`
		PlayerID  string `json:"player_id" binding:"required"`
		IsCorrect bool   `json:"is_correct"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		respondErr(c, errors.New(errors.CodeInvalidArgument, errors.WithCause(err)))
		return
	}

	snapshot, err := a.game.ResolveAnswer(c.Request.Context(), req.GameID, req.PlayerID, req.IsCorrect)
	if err != nil {
		respondErr(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "success", "game": snapshot})
}

func (a *API) getGame(c *gin.Context) {
	gameID := c.Query("game_id")
	if gameID == "" {
		respondErr(c, errors.New(errors.CodeInvalidArgument, errors.WithMessagef("game_id is required")))
		return
	}

	c.JSON(http.StatusOK, a.game.GetState(c.Request.Context(), gameID))
}

func (a *API) getLeaderboard(c *gin.Context) {
	gameID := c.Query("game_id")
	if gameID == "" {
		respondErr(c, errors.New(errors.CodeInvalidArgument, errors.WithMessagef("game_id is required")))
		return
	}

	l, err := a.lb.GetLeaderboard(c.Request.Context(), leaderboard.GetLeaderboardRequest{SessionID: gameID})
	if err != nil {
		respondErr(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "success", "leaderboard": l.Entries})
}

func (a *API) getScoreHistory(c *gin.Context) {
	gameID := c.Query("game_id")
	if gameID == "" {
		respondErr(c, errors.New(errors.CodeInvalidArgument, errors.WithMessagef("game_id is required")))
		return
	}

	entries, err := a.scores.ListHistory(c.Request.Context(), gameID)
	if err != nil {
		respondErr(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "success", "history": entries})
}

func respondErr(c *gin.Context, err error) {
	e := errors.Convert(err)
	c.JSON(e.HTTPStatusCode(), gin.H{"status": "error", "message": e.Message})
}
