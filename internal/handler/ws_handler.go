package handler

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-engine/internal/session"
	ws "github.com/stemsi/exstem-engine/internal/websocket"
)

// buildUpgrader creates a WebSocket upgrader with origin validation.
// allowedOrigins comes from config.Config.AllowedOrigins.
// An empty slice permits all origins (development mode).
func buildUpgrader(allowedOrigins []string) websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			if len(allowedOrigins) == 0 {
				return true
			}
			origin := r.Header.Get("Origin")
			for _, allowed := range allowedOrigins {
				if strings.EqualFold(allowed, origin) {
					return true
				}
			}
			return false
		},
	}
}

// WSHandler streams a live session over WebSocket.
type WSHandler struct {
	sessions Sessions
	log      zerolog.Logger
	upgrader websocket.Upgrader
}

// NewWSHandler creates a new WSHandler.
func NewWSHandler(sessions Sessions, log zerolog.Logger, allowedOrigins []string) *WSHandler {
	return &WSHandler{
		sessions: sessions,
		log:      log.With().Str("component", "ws_handler").Logger(),
		upgrader: buildUpgrader(allowedOrigins),
	}
}

// SessionStream godoc
// WS /ws/v1/tests/:test_id/stream
// Pushes countdown ticks, questions, violations and the final result of a
// session started over REST, and accepts answers, violations and submit.
func (h *WSHandler) SessionStream(c *gin.Context) {
	userID, testID, ok := identify(c)
	if !ok {
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Error().Err(err).Msg("WebSocket upgrade failed")
		return
	}
	defer conn.Close()

	wsLog := h.log.With().Str("user_id", userID).Str("test_id", testID.String()).Logger()
	ctx := context.Background()

	view, err := h.sessions.View(ctx, userID, testID)
	if err != nil {
		_, code := classify(err)
		ws.WriteError(conn, string(code), err.Error())
		return
	}
	if view.Finished() {
		ws.WriteTyped(conn, ws.FinishedResponse{Event: ws.EventFinished, Response: view.Response})
		return
	}

	updates, unsubscribe, err := h.sessions.Subscribe(userID, testID)
	if err != nil {
		_, code := classify(err)
		ws.WriteError(conn, string(code), err.Error())
		return
	}

	if err := ws.WriteTyped(conn, ws.StateResponse{
		Event:            ws.EventState,
		RemainingSeconds: view.RemainingSeconds,
		Question:         view.Question,
		Answered:         view.Answered,
		TotalQuestions:   view.TotalQuestions,
		Violations:       view.Violations,
	}); err != nil {
		unsubscribe()
		return
	}

	wsLog.Info().Msg("Client connected")

	// gorilla allows one concurrent writer; every write goes through writeLoop.
	replies := make(chan interface{}, 8)
	done := make(chan struct{})
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		h.writeLoop(conn, updates, replies, done)
	}()

	for {
		var msg ws.RequestPayload
		if err := ws.ReadJSON(conn, &msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				wsLog.Warn().Err(err).Msg("Unexpected close")
			} else {
				wsLog.Debug().Msg("Connection closed")
			}
			break
		}

		if reply := h.dispatch(ctx, userID, testID, &msg); reply != nil {
			select {
			case replies <- reply:
			case <-writerDone:
			}
		}
	}

	unsubscribe()
	close(done)
	<-writerDone
}

// dispatch runs one client action. Successful actions reply through the
// subscription, so only pongs and errors are returned here.
func (h *WSHandler) dispatch(ctx context.Context, userID string, testID uuid.UUID, msg *ws.RequestPayload) interface{} {
	var err error
	switch msg.Action {
	case ws.ActionPing:
		return ws.PongResponse{Event: ws.EventPong}
	case ws.ActionAnswer:
		if msg.QuestionID == uuid.Nil {
			return ws.ErrorResponse{Event: ws.EventError, Error: "question_id is required"}
		}
		_, err = h.sessions.Answer(ctx, userID, testID, session.AnswerInput{
			QuestionID:    msg.QuestionID,
			SelectedIndex: msg.SelectedIndex,
			ResponseTime:  time.Duration(msg.ResponseTimeMs) * time.Millisecond,
		})
	case ws.ActionViolation:
		if msg.Type == "" {
			return ws.ErrorResponse{Event: ws.EventError, Error: "type is required"}
		}
		_, err = h.sessions.ReportViolation(ctx, userID, testID, msg.Type, msg.Count)
	case ws.ActionSubmit:
		_, err = h.sessions.Submit(ctx, userID, testID)
	default:
		h.log.Warn().Str("action", string(msg.Action)).Msg("Unknown action")
		return ws.ErrorResponse{Event: ws.EventError, Error: "unknown action: " + string(msg.Action)}
	}

	if err != nil {
		status, code := classify(err)
		if status >= http.StatusInternalServerError {
			h.log.Error().Err(err).Str("action", string(msg.Action)).Msg("Action failed")
		}
		return ws.ErrorResponse{Event: ws.EventError, Code: string(code), Error: err.Error()}
	}
	return nil
}

func (h *WSHandler) writeLoop(conn *websocket.Conn, updates <-chan session.Update, replies <-chan interface{}, done <-chan struct{}) {
	for {
		select {
		case <-done:
			return
		case reply := <-replies:
			if err := ws.WriteTyped(conn, reply); err != nil {
				return
			}
		case u, ok := <-updates:
			if !ok {
				// Session finalized. Let the client know the stream is over.
				conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session finished"),
					time.Now().Add(time.Second))
				conn.Close()
				return
			}
			if err := ws.WriteTyped(conn, toEvent(u)); err != nil {
				return
			}
		}
	}
}

func toEvent(u session.Update) interface{} {
	switch u.Kind {
	case session.UpdateTick:
		return ws.TickResponse{Event: ws.EventTick, RemainingSeconds: u.RemainingSeconds}
	case session.UpdateQuestion:
		return ws.QuestionResponse{Event: ws.EventQuestion, RemainingSeconds: u.RemainingSeconds, Question: u.Question}
	case session.UpdateViolation:
		return ws.ViolationResponse{Event: ws.EventViolation, Violations: u.Violations}
	case session.UpdateFinished:
		return ws.FinishedResponse{Event: ws.EventFinished, Response: u.Response}
	default:
		return ws.ErrorResponse{Event: ws.EventError, Error: u.Error}
	}
}
