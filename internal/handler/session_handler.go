package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-engine/internal/middleware"
	"github.com/stemsi/exstem-engine/internal/model"
	"github.com/stemsi/exstem-engine/internal/response"
	"github.com/stemsi/exstem-engine/internal/session"
	"github.com/stemsi/exstem-engine/internal/validator"
)

// Sessions is the session engine as seen by the transport layer.
type Sessions interface {
	Start(ctx context.Context, userID string, testID uuid.UUID, forceRestart bool) (*session.View, error)
	View(ctx context.Context, userID string, testID uuid.UUID) (*session.View, error)
	Answer(ctx context.Context, userID string, testID uuid.UUID, in session.AnswerInput) (*session.View, error)
	Submit(ctx context.Context, userID string, testID uuid.UUID) (*model.Response, error)
	ReportViolation(ctx context.Context, userID string, testID uuid.UUID, violationType string, cumulative int) (*session.View, error)
	Result(ctx context.Context, userID string, testID uuid.UUID) (*model.Response, error)
	Subscribe(userID string, testID uuid.UUID) (<-chan session.Update, func(), error)
}

// StartSessionRequest optionally discards any previous attempt.
type StartSessionRequest struct {
	ForceRestart bool `json:"force_restart"`
}

// AnswerRequest answers the question currently being served.
type AnswerRequest struct {
	QuestionID     string `json:"question_id" binding:"required,uuid"`
	SelectedIndex  *int   `json:"selected_index" binding:"required,min=0,max=4"`
	ResponseTimeMs int64  `json:"response_time_ms" binding:"min=0"`
}

// ViolationRequest reports one integrity event.
type ViolationRequest struct {
	Type  string `json:"type" binding:"required,slug"`
	Count int    `json:"count" binding:"min=0"`
}

// SessionHandler serves the test-taking REST endpoints.
type SessionHandler struct {
	sessions Sessions
	log      zerolog.Logger
}

// NewSessionHandler creates a new SessionHandler.
func NewSessionHandler(sessions Sessions, log zerolog.Logger) *SessionHandler {
	return &SessionHandler{
		sessions: sessions,
		log:      log.With().Str("component", "session_handler").Logger(),
	}
}

// StartSession godoc
// POST /api/v1/tests/:test_id/session
// Starts or resumes the caller's session. Returns the finished view when a
// complete Response already exists.
func (h *SessionHandler) StartSession(c *gin.Context) {
	userID, testID, ok := identify(c)
	if !ok {
		return
	}

	var req StartSessionRequest
	if c.Request.ContentLength > 0 {
		if fields := validator.Bind(c, &req); fields != nil {
			response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
			return
		}
	}

	view, err := h.sessions.Start(c.Request.Context(), userID, testID, req.ForceRestart)
	if err != nil {
		fail(c, h.log, err)
		return
	}
	response.Success(c, http.StatusOK, view)
}

// GetSession godoc
// GET /api/v1/tests/:test_id/session
func (h *SessionHandler) GetSession(c *gin.Context) {
	userID, testID, ok := identify(c)
	if !ok {
		return
	}

	view, err := h.sessions.View(c.Request.Context(), userID, testID)
	if err != nil {
		fail(c, h.log, err)
		return
	}
	response.Success(c, http.StatusOK, view)
}

// SubmitAnswer godoc
// POST /api/v1/tests/:test_id/session/answers
// Grades the answer and returns the next question or the finished view.
func (h *SessionHandler) SubmitAnswer(c *gin.Context) {
	userID, testID, ok := identify(c)
	if !ok {
		return
	}

	var req AnswerRequest
	if fields := validator.Bind(c, &req); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}

	view, err := h.sessions.Answer(c.Request.Context(), userID, testID, session.AnswerInput{
		QuestionID:    uuid.MustParse(req.QuestionID),
		SelectedIndex: *req.SelectedIndex,
		ResponseTime:  time.Duration(req.ResponseTimeMs) * time.Millisecond,
	})
	if err != nil {
		fail(c, h.log, err)
		return
	}
	response.Success(c, http.StatusOK, view)
}

// Submit godoc
// POST /api/v1/tests/:test_id/session/submit
func (h *SessionHandler) Submit(c *gin.Context) {
	userID, testID, ok := identify(c)
	if !ok {
		return
	}

	resp, err := h.sessions.Submit(c.Request.Context(), userID, testID)
	if err != nil {
		fail(c, h.log, err)
		return
	}
	response.Success(c, http.StatusOK, resp)
}

// ReportViolation godoc
// POST /api/v1/tests/:test_id/session/violations
func (h *SessionHandler) ReportViolation(c *gin.Context) {
	userID, testID, ok := identify(c)
	if !ok {
		return
	}

	var req ViolationRequest
	if fields := validator.Bind(c, &req); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}

	view, err := h.sessions.ReportViolation(c.Request.Context(), userID, testID, req.Type, req.Count)
	if err != nil {
		fail(c, h.log, err)
		return
	}
	response.Success(c, http.StatusOK, view)
}

// GetResponse godoc
// GET /api/v1/tests/:test_id/response
func (h *SessionHandler) GetResponse(c *gin.Context) {
	userID, testID, ok := identify(c)
	if !ok {
		return
	}

	resp, err := h.sessions.Result(c.Request.Context(), userID, testID)
	if err != nil {
		fail(c, h.log, err)
		return
	}
	response.Success(c, http.StatusOK, resp)
}

// identify reads the caller and the test id, failing the request when either is missing.
func identify(c *gin.Context) (string, uuid.UUID, bool) {
	userID := middleware.GetUserID(c)
	if userID == "" {
		response.Fail(c, http.StatusUnauthorized, response.ErrTokenRequired)
		return "", uuid.Nil, false
	}

	testID, err := uuid.Parse(c.Param("test_id"))
	if err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidID)
		return "", uuid.Nil, false
	}
	return userID, testID, true
}
