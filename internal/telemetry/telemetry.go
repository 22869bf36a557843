// Package telemetry uploads sensor reading pairs to the ThingSpeak IoT
// service. Each upload is a single attempt: nothing is batched, buffered or
// retried, and every failure is reported to the caller.
package telemetry

import (
	"context"
	"fmt"
	"strings"
)

// Result describes a successful upload.
type Result struct {
	// StatusCode is the HTTP status, or 0 for transports without one.
	StatusCode int `json:"status_code"`
	// EntryID is the channel entry ThingSpeak created; 0 when unknown.
	EntryID int64 `json:"entry_id"`
}

// Uploader sends one pair of field values.
type Uploader interface {
	Upload(ctx context.Context, field1, field2 string) (Result, error)
}

// StatusError reports a non-2xx response.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d", e.Code)
}

// CleanAPIKey strips the whitespace and line breaks that often sneak into
// copied write keys.
func CleanAPIKey(key string) string {
	return strings.Join(strings.Fields(key), "")
}
