package alerting

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/Unified-Projects/uni-status-sub002/internal/checks"
	"github.com/Unified-Projects/uni-status-sub002/internal/db"
)

// Conditions is a policy's fire and recover tuning, stored as JSON on the
// policy row. Fire kinds are OR-ed: the policy fires when any configured
// kind matches. A policy with no fire kind configured never fires.
// ConsecutiveSuccesses tunes the recover path only.
type Conditions struct {
	// ConsecutiveFailures fires when the last N results are all failures.
	ConsecutiveFailures int `json:"consecutiveFailures,omitempty"`

	// FailuresInWindow fires when at least Count failures landed inside
	// the trailing window.
	FailuresInWindow *WindowCondition `json:"failuresInWindow,omitempty"`

	// DegradedDuration fires on a degraded result when every result in
	// the trailing M minutes was degraded.
	DegradedDuration int `json:"degradedDuration,omitempty"`

	// ConsecutiveSuccesses is how many successes in a row resolve an open
	// alert. Zero means one.
	ConsecutiveSuccesses int `json:"consecutiveSuccesses,omitempty"`
}

// WindowCondition is the failuresInWindow parameter pair.
type WindowCondition struct {
	Count         int `json:"count"`
	WindowMinutes int `json:"windowMinutes"`
}

func parseConditions(raw string) (Conditions, error) {
	var conds Conditions
	if raw == "" {
		return conds, nil
	}
	if err := json.Unmarshal([]byte(raw), &conds); err != nil {
		return conds, fmt.Errorf("alerting: parse conditions: %w", err)
	}
	return conds, nil
}

// maxFailureTimestamps caps the coalescing timestamp ring so a week-long
// outage cannot grow the metadata column without bound.
const maxFailureTimestamps = 20

// Metadata is an open alert's coalescing state plus the latest offending
// check's details, stored as JSON on the alert row.
type Metadata struct {
	CheckResultID     string      `json:"checkResultId,omitempty"`
	ErrorMessage      string      `json:"errorMessage,omitempty"`
	ResponseTimeMs    *int64      `json:"responseTimeMs,omitempty"`
	StatusCode        *int        `json:"statusCode,omitempty"`
	FailureCount      int         `json:"failureCount"`
	FailureTimestamps []time.Time `json:"failureTimestamps"`
}

// parseMetadata is tolerant: a missing or corrupt column yields the zero
// value so coalescing restarts its counters instead of wedging the alert.
func parseMetadata(raw string) Metadata {
	var meta Metadata
	if raw == "" {
		return meta
	}
	_ = json.Unmarshal([]byte(raw), &meta)
	return meta
}

func marshalMetadata(meta Metadata) string {
	raw, err := json.Marshal(meta)
	if err != nil {
		return "{}"
	}
	return string(raw)
}

func isFailureStatus(status string) bool {
	switch status {
	case checks.StatusFailure, checks.StatusTimeout, checks.StatusError:
		return true
	}
	return false
}

func allFailures(results []db.CheckResult) bool {
	for _, r := range results {
		if !isFailureStatus(r.Status) {
			return false
		}
	}
	return true
}

func allDegraded(results []db.CheckResult) bool {
	for _, r := range results {
		if r.Status != checks.StatusDegraded {
			return false
		}
	}
	return true
}

func allSuccess(results []db.CheckResult) bool {
	for _, r := range results {
		if r.Status != checks.StatusSuccess {
			return false
		}
	}
	return true
}
