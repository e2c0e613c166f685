package validator

import (
	"time"

	"github.com/BrendanShields/spec-flow/internal/workflow"
)

// parseOptional parses *ts when present. ok is false for nil, empty or
// unparseable input.
func parseOptional(ts *string) (time.Time, bool) {
	if ts == nil || *ts == "" {
		return time.Time{}, false
	}
	t, err := workflow.ParseTimestamp(*ts)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}
