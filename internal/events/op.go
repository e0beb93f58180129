package events

import (
	"context"
	"fmt"
	"math/rand"
	"time"
)

// TryEmit writes one event, swallowing all failures. The sink must never
// take the primary operation down with it.
func TryEmit(home string, e Event) {
	store, err := Open(home)
	if err != nil {
		return
	}
	defer func() { _ = store.Close() }()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, _ = store.Emit(ctx, e)
}

// Operation brackets a single engine operation with start and completion
// events that share a case id.
type Operation struct {
	home     string
	source   Source
	activity string
	caseID   string
	attrs    map[string]string
}

// NewOperation prepares an operation record. activity follows the
// "area.verb" convention, e.g. "version.install" or "runtime.up".
func NewOperation(home string, source Source, activity string) *Operation {
	return &Operation{
		home:     home,
		source:   source,
		activity: activity,
		caseID:   fmt.Sprintf("session_%08x", rand.Uint32()),
	}
}

// Attr attaches a key/value pair carried by both bracket events.
func (o *Operation) Attr(key, value string) *Operation {
	if o.attrs == nil {
		o.attrs = make(map[string]string)
	}
	o.attrs[key] = value
	return o
}

// Start records the beginning of the operation.
func (o *Operation) Start() {
	TryEmit(o.home, o.event(LevelInfo, "START"))
}

// Done records the outcome. A nil err emits an info "OK" event, otherwise
// an error event carrying err's message.
func (o *Operation) Done(err error) {
	if err == nil {
		TryEmit(o.home, o.event(LevelInfo, "OK"))
		return
	}
	TryEmit(o.home, o.event(LevelError, err.Error()))
}

func (o *Operation) event(level Level, msg string) Event {
	return Event{
		CaseID:     o.caseID,
		Activity:   o.activity,
		Source:     o.source,
		Level:      level,
		Message:    msg,
		Attributes: o.attrs,
	}
}
