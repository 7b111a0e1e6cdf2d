package audit

import (
	"encoding/json"
	"io"
	"os"
	"sync"
)

// Recorder keeps every event it receives in memory. When a writer is set,
// events are also streamed to it as newline-delimited JSON.
type Recorder struct {
	mu     sync.Mutex
	events []Event
	writer io.Writer
}

// NewRecorder creates a Recorder. w may be nil.
func NewRecorder(w io.Writer) *Recorder {
	return &Recorder{writer: w}
}

// Write records e. It satisfies Sink.
func (r *Recorder) Write(e Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.events = append(r.events, e)
	if r.writer != nil {
		return json.NewEncoder(r.writer).Encode(e)
	}
	return nil
}

// Emit records e synchronously. It lets a Recorder stand in for a
// Dispatcher in tests and in the simulate command.
func (r *Recorder) Emit(e Event) { _ = r.Write(e) }

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// Count returns how many recorded events have type t.
func (r *Recorder) Count(t Type) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for _, e := range r.events {
		if e.Event == t {
			n++
		}
	}
	return n
}

func (r *Recorder) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

// ExportJSON writes all events to w as an indented JSON array.
func (r *Recorder) ExportJSON(w io.Writer) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(r.events)
}

// ExportFile writes all events to path as a JSON array.
func (r *Recorder) ExportFile(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return r.ExportJSON(f)
}

// LoadJSON reads events exported by ExportJSON.
func LoadJSON(r io.Reader) ([]Event, error) {
	var events []Event
	if err := json.NewDecoder(r).Decode(&events); err != nil {
		return nil, err
	}
	return events, nil
}
