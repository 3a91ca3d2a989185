package events

import (
	"sync"

	"escrowchain/core/types"
)

// Recorded couples a rendered event with its position in the recorder.
type Recorded struct {
	Sequence uint64       `json:"sequence"`
	Event    *types.Event `json:"event"`
}

// Recorder keeps emitted events in memory and fans them out to subscribers.
// Slow subscribers drop events instead of blocking the emitter.
type Recorder struct {
	mu      sync.Mutex
	seq     uint64
	history []Recorded
	limit   int
	subs    map[int]chan Recorded
	nextSub int
}

// NewRecorder creates a recorder retaining at most limit events. A limit of
// zero keeps everything.
func NewRecorder(limit int) *Recorder {
	return &Recorder{limit: limit, subs: make(map[int]chan Recorded)}
}

// Emit implements the Emitter interface.
func (r *Recorder) Emit(evt Event) {
	if r == nil || evt == nil {
		return
	}
	rendered := Render(evt).Clone()
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seq++
	rec := Recorded{Sequence: r.seq, Event: rendered}
	r.history = append(r.history, rec)
	if r.limit > 0 && len(r.history) > r.limit {
		r.history = append([]Recorded(nil), r.history[len(r.history)-r.limit:]...)
	}
	for _, ch := range r.subs {
		select {
		case ch <- rec:
		default:
		}
	}
}

// Events returns a copy of the retained events.
func (r *Recorder) Events() []Recorded {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Recorded, len(r.history))
	for i, rec := range r.history {
		out[i] = Recorded{Sequence: rec.Sequence, Event: rec.Event.Clone()}
	}
	return out
}

// OfType filters the retained events by type.
func (r *Recorder) OfType(eventType string) []*types.Event {
	var out []*types.Event
	for _, rec := range r.Events() {
		if rec.Event != nil && rec.Event.Type == eventType {
			out = append(out, rec.Event)
		}
	}
	return out
}

// Subscribe registers a buffered channel receiving every future event. The
// returned cancel function must be called to release it.
func (r *Recorder) Subscribe(buffer int) (<-chan Recorded, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Recorded, buffer)
	r.mu.Lock()
	id := r.nextSub
	r.nextSub++
	r.subs[id] = ch
	r.mu.Unlock()
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			r.mu.Lock()
			delete(r.subs, id)
			r.mu.Unlock()
			close(ch)
		})
	}
}
