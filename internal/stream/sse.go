package stream

import (
	"bufio"
	"io"
	"strings"
)

// Event is one dispatched server-sent event.
type Event struct {
	Name string
	ID   string
	Data string
}

const maxEventLine = 4 << 20

// eventReader splits a text/event-stream body into events. Comment lines and unknown
// fields are skipped; an event without a name defaults to "message".
type eventReader struct {
	scanner *bufio.Scanner
}

func newEventReader(r io.Reader) *eventReader {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxEventLine)
	return &eventReader{scanner: scanner}
}

// Next blocks until a full event is read. A final event not followed by a blank line is
// still dispatched when the stream ends cleanly; after that Next returns io.EOF.
func (r *eventReader) Next() (Event, error) {
	var (
		ev      Event
		data    []string
		pending bool
	)

	for r.scanner.Scan() {
		line := r.scanner.Text()

		if line == "" {
			if !pending {
				continue
			}
			ev.Data = strings.Join(data, "\n")
			if ev.Name == "" {
				ev.Name = "message"
			}
			return ev, nil
		}

		if strings.HasPrefix(line, ":") {
			continue
		}

		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")

		switch field {
		case "event":
			ev.Name = value
			pending = true
		case "data":
			data = append(data, value)
			pending = true
		case "id":
			ev.ID = value
			pending = true
		}
	}

	if err := r.scanner.Err(); err != nil {
		return Event{}, err
	}
	if pending {
		ev.Data = strings.Join(data, "\n")
		if ev.Name == "" {
			ev.Name = "message"
		}
		return ev, nil
	}
	return Event{}, io.EOF
}
