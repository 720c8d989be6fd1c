package response

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequestID(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(RequestIDMiddleware())
	r.GET("/fail", func(c *gin.Context) {
		FailWithFields(c, http.StatusBadRequest, ErrValidation, map[string]string{"type": "required"})
	})

	send := func(id string) (*httptest.ResponseRecorder, Response) {
		req := httptest.NewRequest(http.MethodGet, "/fail", nil)
		if id != "" {
			req.Header.Set(HeaderRequestID, id)
		}
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, req)
		var body Response
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		return rec, body
	}

	rec, body := send("trace-1")
	assert.Equal(t, "trace-1", rec.Header().Get(HeaderRequestID))
	assert.Equal(t, "trace-1", body.Metadata.RequestID)
	require.NotNil(t, body.Error)
	assert.Equal(t, ErrValidation, body.Error.Code)
	assert.Equal(t, GetMessage(ErrValidation), body.Error.Message)
	assert.Equal(t, "required", body.Error.Fields["type"])

	long := strings.Repeat("x", 200)
	rec, body = send(long)
	assert.NotEqual(t, long, rec.Header().Get(HeaderRequestID))
	assert.Len(t, body.Metadata.RequestID, 36)
}
