// Package syncer implements the job synchronization engine. It keeps a local
// mirror of server-side prompt jobs consistent with push summaries delivered
// over the websocket channel, on-demand detail fetches and periodic polling,
// and dispatches user mutations (delete, resubmit, feedback) with queued retry
// when the channel is down.
package syncer

import (
	"encoding/json"
	"fmt"
	"time"
)

// Status is the server-assigned job state. Unknown values are carried as-is
// and treated as neutral by consumers.
type Status string

// known job statuses
const (
	StatusCreated  Status = "created"
	StatusRunning  Status = "running"
	StatusComplete Status = "complete"
	StatusError    Status = "error"
	StatusHidden   Status = "hidden"
)

// Known reports if the status is one of the recognized values
func (s Status) Known() bool {
	switch s {
	case StatusCreated, StatusRunning, StatusComplete, StatusError, StatusHidden:
		return true
	}
	return false
}

// Terminal reports if the status indicates the job finished processing
func (s Status) Terminal() bool {
	return s == StatusComplete || s == StatusError
}

// request types the backend accepts for new jobs
var requestTypes = map[string]struct{}{
	"plain":                {},
	"dos":                  {},
	"prompt_injection":     {},
	"sensitive_disclosure": {},
	"insecure_output":      {},
}

// ValidRequestType reports if the backend accepts this request type
func ValidRequestType(s string) bool {
	_, ok := requestTypes[s]
	return ok
}

// Job is the full job record as mirrored locally. Updated is nil until the
// server touched the job after creation. Metadata is an opaque JSON string
// which may embed a "usage" sub-object of numeric counters.
type Job struct {
	ID              string     `json:"id"`
	UserID          string     `json:"userid,omitempty"`
	Status          Status     `json:"status"`
	Created         time.Time  `json:"created"`
	Updated         *time.Time `json:"updated,omitempty"`
	RequestType     string     `json:"request_type,omitempty"`
	Prompt          string     `json:"prompt,omitempty"`
	Response        string     `json:"response,omitempty"`
	Runtime         float64    `json:"runtime,omitempty"`
	Metadata        string     `json:"metadata,omitempty"`
	FeedbackComment string     `json:"feedback_comment,omitempty"`
	FeedbackResult  int        `json:"feedback_result,omitempty"`
}

// EffectiveTime is the timestamp used for display ordering, Updated if the
// server ever touched the job and Created otherwise.
func (j *Job) EffectiveTime() time.Time {
	if j.Updated != nil {
		return *j.Updated
	}
	return j.Created
}

// Usage extracts the numeric counters from the "usage" sub-object of the job
// metadata. Returns nil with no error if metadata is empty or has no usage.
func (j *Job) Usage() (map[string]float64, error) {
	if j.Metadata == "" {
		return nil, nil
	}
	var meta struct {
		Usage map[string]float64 `json:"usage"`
	}
	if err := json.Unmarshal([]byte(j.Metadata), &meta); err != nil {
		return nil, fmt.Errorf("failed to parse job metadata: %w", err)
	}
	return meta.Usage, nil
}

// timestamp layouts the backend is known to emit. The REST surface produces
// ISO8601, the websocket path stringifies timestamps with a space separator.
var serverTimeLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04:05.999999999",
}

// ParseServerTime parses a timestamp string in any of the formats the backend
// emits. Empty and literal null-ish values parse to a nil time.
func ParseServerTime(s string) (*time.Time, error) {
	if s == "" || s == "null" || s == "None" {
		return nil, nil
	}
	for _, layout := range serverTimeLayouts {
		if ts, err := time.Parse(layout, s); err == nil {
			return &ts, nil
		}
	}
	return nil, fmt.Errorf("unsupported timestamp format %q", s)
}

// sameInstant compares two optional timestamps at second precision, the
// granularity job updates are reported with. Both nil is a match.
func sameInstant(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Unix() == b.Unix()
}
