package resilience

import (
	"time"
)

// Dead letter error types.
const (
	ErrorTypeTransient = "transient"
	ErrorTypePermanent = "permanent"
)

// DLQEntry records a batch that exhausted its retry budget so its posts can
// be analyzed again later.
type DLQEntry struct {
	ID           string    `json:"id"`
	PostIDs      []string  `json:"post_ids"`
	Error        string    `json:"error"`
	ErrorType    string    `json:"error_type"`
	RetryCount   int       `json:"retry_count"`
	MaxRetries   int       `json:"max_retries"`
	CreatedAt    time.Time `json:"created_at"`
	LastFailedAt time.Time `json:"last_failed_at"`
}

// DLQFilter specifies criteria for querying the dead letter queue.
type DLQFilter struct {
	ErrorType string `json:"error_type,omitempty"` // "transient", "permanent", or "" for all
	Limit     int    `json:"limit,omitempty"`
}

// CanRetry reports whether the entry is worth another run.
func (e *DLQEntry) CanRetry() bool {
	return e.ErrorType != ErrorTypePermanent && e.RetryCount < e.MaxRetries
}
