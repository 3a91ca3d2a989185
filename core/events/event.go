package events

import "escrowchain/core/types"

// Event represents a structured state change emitted by the host or one of
// its programs.
type Event interface {
	EventType() string
}

// Typed is implemented by events that can render themselves as the generic
// attribute map used by RPC, the indexer and logs.
type Typed interface {
	Event
	Event() *types.Event
}

// Emitter broadcasts events to downstream subscribers (e.g. RPC, indexers).
type Emitter interface {
	Emit(Event)
}

// NoopEmitter is a helper that satisfies the Emitter interface while discarding
// all events. It is useful when a component wants to optionally expose events.
type NoopEmitter struct{}

// Emit implements the Emitter interface.
func (NoopEmitter) Emit(Event) {}

// Multi fans every event out to each non-nil emitter in order.
type Multi []Emitter

// Emit implements the Emitter interface.
func (m Multi) Emit(evt Event) {
	for _, emitter := range m {
		if emitter == nil {
			continue
		}
		emitter.Emit(evt)
	}
}

// Render converts any event to its generic form. Events that do not implement
// Typed are rendered with their type and no attributes.
func Render(evt Event) *types.Event {
	if evt == nil {
		return nil
	}
	if typed, ok := evt.(Typed); ok {
		if rendered := typed.Event(); rendered != nil {
			return rendered
		}
	}
	return &types.Event{Type: evt.EventType(), Attributes: map[string]string{}}
}

// Generic adapts a *types.Event to the Event interface.
type Generic struct {
	Evt *types.Event
}

func (g Generic) EventType() string {
	if g.Evt == nil {
		return ""
	}
	return g.Evt.Type
}

func (g Generic) Event() *types.Event { return g.Evt }
