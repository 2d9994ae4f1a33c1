package dispatch

import (
	"encoding/json"

	"calsync/internal/resource"

	"github.com/yanun0323/logs"
)

// Target is the refresh boundary: one call per resource per debounce window.
// It has the same shape as the router's dispatcher.
type Target interface {
	Flush(id string, payload json.RawMessage, hint resource.CalendarContext)
}

// Log writes every refresh instruction to the log.
type Log struct{}

func (Log) Flush(id string, payload json.RawMessage, hint resource.CalendarContext) {
	logs.Infof("dispatch: refresh %s (owner: %q, temporary: %v), hint: %s", id, hint.Owner, hint.Temporary, payload)
}

// Multi hands every refresh to each target in order.
type Multi []Target

func (m Multi) Flush(id string, payload json.RawMessage, hint resource.CalendarContext) {
	for _, target := range m {
		target.Flush(id, payload, hint)
	}
}
