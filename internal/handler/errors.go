package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-engine/internal/catalog"
	"github.com/stemsi/exstem-engine/internal/response"
	"github.com/stemsi/exstem-engine/internal/selector"
	"github.com/stemsi/exstem-engine/internal/session"
	"github.com/stemsi/exstem-engine/internal/store"
	"github.com/stemsi/exstem-engine/internal/submission"
)

// classify maps an engine error to an HTTP status and an API error code.
func classify(err error) (int, response.ErrCode) {
	switch {
	case errors.Is(err, catalog.ErrTestNotFound), errors.Is(err, session.ErrNoResponse):
		return http.StatusNotFound, response.ErrNotFound
	case errors.Is(err, session.ErrNoActiveSession):
		return http.StatusNotFound, response.ErrNoActiveSession
	case errors.Is(err, session.ErrTestNotAvailable):
		return http.StatusForbidden, response.ErrTestNotAvailable
	case errors.Is(err, selector.ErrExhausted):
		return http.StatusConflict, response.ErrNoQuestions
	case errors.Is(err, session.ErrSessionClosed):
		return http.StatusConflict, response.ErrSessionClosed
	case errors.Is(err, session.ErrSessionLocked):
		return http.StatusConflict, response.ErrSessionLocked
	case errors.Is(err, session.ErrQuestionMismatch):
		return http.StatusConflict, response.ErrQuestionMismatch
	case errors.Is(err, session.ErrInvalidOption):
		return http.StatusBadRequest, response.ErrInvalidOption
	case errors.Is(err, submission.ErrNoAnswers):
		return http.StatusBadRequest, response.ErrNoAnswers
	case errors.Is(err, store.ErrPersistence):
		return http.StatusServiceUnavailable, response.ErrPersistenceFailed
	default:
		return http.StatusInternalServerError, response.ErrInternal
	}
}

// fail writes the envelope for err. Unclassified errors are logged.
func fail(c *gin.Context, log zerolog.Logger, err error) {
	status, code := classify(err)
	if status >= http.StatusInternalServerError {
		log.Error().Err(err).Str("path", c.FullPath()).Msg("Request failed")
	}
	response.Fail(c, status, code)
}
