package model

import (
	"time"

	"github.com/google/uuid"
)

// ResponseAudit preserves a stored Response that failed the completeness
// check before it is wiped.
type ResponseAudit struct {
	TestID      uuid.UUID `json:"test_id"`
	UserID      string    `json:"user_id"`
	Reason      string    `json:"reason"`
	Response    *Response `json:"response"`
	DiscardedAt time.Time `json:"discarded_at"`
}
