package response

import (
	"time"

	"github.com/gin-gonic/gin"
)

// Response is the envelope of every REST reply.
type Response struct {
	Data     interface{} `json:"data"`
	Error    *ErrorBody  `json:"error,omitempty"`
	Metadata Metadata    `json:"metadata"`
}

// ErrorBody carries an error code, its message and optional per-field details.
type ErrorBody struct {
	Code    ErrCode           `json:"code"`
	Message string            `json:"message"`
	Fields  map[string]string `json:"fields,omitempty"`
}

type Metadata struct {
	RequestID string `json:"request_id"`
	Timestamp string `json:"timestamp"`
}

// Success writes data with the given status.
func Success(c *gin.Context, status int, data interface{}) {
	c.JSON(status, Response{Data: data, Metadata: metadata(c)})
}

// Fail writes the error envelope for code.
func Fail(c *gin.Context, status int, code ErrCode) {
	c.JSON(status, errorEnvelope(c, code, nil))
}

// FailWithFields writes the error envelope with validation details.
func FailWithFields(c *gin.Context, status int, code ErrCode, fields map[string]string) {
	c.JSON(status, errorEnvelope(c, code, fields))
}

// AbortFail stops the middleware chain with the error envelope for code.
func AbortFail(c *gin.Context, status int, code ErrCode) {
	c.AbortWithStatusJSON(status, errorEnvelope(c, code, nil))
}

func errorEnvelope(c *gin.Context, code ErrCode, fields map[string]string) Response {
	return Response{
		Error:    &ErrorBody{Code: code, Message: GetMessage(code), Fields: fields},
		Metadata: metadata(c),
	}
}

func metadata(c *gin.Context) Metadata {
	return Metadata{
		RequestID: RequestID(c),
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
}
