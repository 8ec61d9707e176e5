package api

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/victornm/ebuzz/internal/broadcast"
	"github.com/victornm/ebuzz/internal/game"
)

const wsWriteTimeout = 10 * time.Second

type wsMessage struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// wsConn serializes writes: the read loop's acks and the broadcast relay
// goroutine share one underlying connection.
type wsConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (w *wsConn) send(e broadcast.Event) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	_ = w.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return w.conn.WriteJSON(e)
}

// handleWS serves one client connection. The client drives join_game, buzz
// and answer_result; the server pushes every dispatcher event of the joined
// game back over the same connection.
func (a *API) handleWS(c *gin.Context) {
	conn, err := a.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		slog.ErrorContext(c.Request.Context(), "api: websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	w := &wsConn{conn: conn}

	var cancel func()
	defer func() {
		if cancel != nil {
			cancel()
		}
	}()

	ctx := c.Request.Context()

	for {
		var msg wsMessage
		if err := conn.ReadJSON(&msg); err != nil {
			return
		}

		switch msg.Event {
		case "join_game":
			var req struct {
				GameID   string `json:"game_id"`
				PlayerID string `json:"player_id"`
				Name     string `json:"name"`
			}
			if err := json.Unmarshal(msg.Data, &req); err != nil || req.GameID == "" {
				continue
			}

			resp, err := a.game.Join(ctx, game.JoinRequest{
				SessionID: req.GameID,
				PlayerID:  req.PlayerID,
				Name:      req.Name,
			})
			if err != nil {
				slog.WarnContext(ctx, "api: join failed", "game", req.GameID, "error", err)
				continue
			}

			if cancel == nil {
				events, stop := a.dispatcher.Subscribe(req.GameID)
				cancel = stop
				go relay(w, events)
			}

			_ = w.send(broadcast.Event{Kind: "joined", Data: gin.H{"player_id": resp.PlayerID}})

		case "buzz":
			var req struct {
				GameID   string `json:"game_id"`
				PlayerID string `json:"player_id"`
			}
			if err := json.Unmarshal(msg.Data, &req); err != nil {
				continue
			}

			// A lost race is a silent no-op; the winner is announced through
			// the dispatcher.
			if _, err := a.game.Buzz(ctx, req.GameID, req.PlayerID); err != nil {
				slog.WarnContext(ctx, "api: buzz failed", "game", req.GameID, "error", err)
			}

		case "answer_result":
			var req struct {
				GameID    string `json:"game_id"`
				PlayerID  string `json:"player_id"`
				IsCorrect bool   `json:"is_correct"`
			}
			if err := json.Unmarshal(msg.Data, &req); err != nil {
				continue
			}

			if _, err := a.game.ResolveAnswer(ctx, req.GameID, req.PlayerID, req.IsCorrect); err != nil {
				slog.WarnContext(ctx, "api: resolve answer failed", "game", req.GameID, "error", err)
			}
		}
	}
}

func relay(w *wsConn, events <-chan broadcast.Event) {
	for e := range events {
		if err := w.send(e); err != nil {
			// Reader will notice the broken connection and cancel the
			// subscription; just drain until then.
			return
		}
	}
}
