package stream

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
)

// Encoder writes events as server-sent events ("data: {json}\n\n") and
// flushes after each one when the writer supports it. It is safe for
// concurrent use so keepalive comments can interleave with events.
type Encoder struct {
	mu      sync.Mutex
	w       io.Writer
	flusher http.Flusher
}

// NewEncoder returns an Encoder writing to w.
func NewEncoder(w io.Writer) *Encoder {
	enc := &Encoder{w: w}
	if f, ok := w.(http.Flusher); ok {
		enc.flusher = f
	}
	return enc
}

// Encode writes one event.
func (e *Encoder) Encode(ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal stream event: %w", err)
	}
	return e.write("data: %s\n\n", data)
}

// Comment writes an SSE comment line, used as a keepalive.
func (e *Encoder) Comment(text string) error {
	return e.write(": %s\n\n", text)
}

// Retry advises the client how long to wait before reconnecting.
func (e *Encoder) Retry(ms int64) error {
	return e.write("retry: %d\n\n", ms)
}

func (e *Encoder) write(format string, arg any) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, err := fmt.Fprintf(e.w, format, arg); err != nil {
		return err
	}
	if e.flusher != nil {
		e.flusher.Flush()
	}
	return nil
}
