package stream

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
)

const maxEventSize = 1 << 20

// Decoder reads events from an SSE body. Bare JSON lines are also accepted,
// so the same decoder reads newline-delimited JSON transcripts.
type Decoder struct {
	scanner *bufio.Scanner
}

// NewDecoder returns a Decoder reading from r.
func NewDecoder(r io.Reader) *Decoder {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxEventSize)
	return &Decoder{scanner: scanner}
}

// Next returns the next event, or io.EOF when the stream ends.
func (d *Decoder) Next() (Event, error) {
	for d.scanner.Scan() {
		line := bytes.TrimRight(d.scanner.Bytes(), "\r")
		payload, ok := eventPayload(line)
		if !ok {
			continue
		}
		var ev Event
		if err := json.Unmarshal(payload, &ev); err != nil {
			return Event{}, fmt.Errorf("decode stream event: %w", err)
		}
		if ev.Type == "" {
			return Event{}, fmt.Errorf("decode stream event: missing type in %q", payload)
		}
		return ev, nil
	}
	if err := d.scanner.Err(); err != nil {
		return Event{}, err
	}
	return Event{}, io.EOF
}

// Events iterates over the remaining events. Iteration ends after a decode
// error or at end of stream.
func (d *Decoder) Events() iter.Seq2[Event, error] {
	return func(yield func(Event, error) bool) {
		for {
			ev, err := d.Next()
			if errors.Is(err, io.EOF) {
				return
			}
			if !yield(ev, err) || err != nil {
				return
			}
		}
	}
}

// eventPayload extracts the JSON of a data line. Comments, blank lines and
// other SSE fields are skipped.
func eventPayload(line []byte) ([]byte, bool) {
	if len(line) == 0 || line[0] == ':' {
		return nil, false
	}
	if rest, ok := bytes.CutPrefix(line, []byte("data:")); ok {
		rest = bytes.TrimSpace(rest)
		return rest, len(rest) > 0
	}
	trimmed := bytes.TrimSpace(line)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		return trimmed, true
	}
	return nil, false
}
