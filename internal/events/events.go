// Package events is the structured audit sink. Every public engine
// operation records a start and a completion event in <home>/events.db.
// Emission is best-effort: a broken sink never fails the primary operation.
package events

import (
	"encoding/json"
	"time"
)

// Source classifies who produced an event.
type Source string

const (
	SourceCore   Source = "core"
	SourceServer Source = "server"
	SourceCLI    Source = "cli"
)

// Level is the event severity.
type Level string

const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// Event is a single audit record.
type Event struct {
	ID         int64             `json:"id"`
	Timestamp  time.Time         `json:"timestamp"`
	CaseID     string            `json:"case_id"`
	Activity   string            `json:"activity"`
	Source     Source            `json:"source"`
	Level      Level             `json:"level"`
	Message    string            `json:"message,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// Filter narrows a Query. Zero values mean "no constraint".
type Filter struct {
	Source   Source
	Activity string
	Level    Level
	Since    time.Time
	Limit    int
}

func (e Event) attrsJSON() ([]byte, error) {
	if len(e.Attributes) == 0 {
		return nil, nil
	}
	return json.Marshal(e.Attributes)
}
