package sse

import (
	"bufio"
	"io"
	"strings"
)

// maxEventSize is the maximum buffer size for a single stream line.
const maxEventSize = 1024 * 1024 // 1MB

// event is one server-sent event. Name defaults to "message" when the
// stream omits the event field.
type event struct {
	name string
	data string
}

// scanEvents incrementally parses a text/event-stream body, invoking emit
// for every complete event. Comment lines (":ping" keep-alives and friends)
// are ignored. Multiple data lines within one event join with a newline, per
// the stream format.
//
// Returns the scanner error, or nil when the stream ends cleanly.
func scanEvents(r io.Reader, emit func(event)) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, maxEventSize), maxEventSize)

	var (
		name string
		data []string
	)

	for scanner.Scan() {
		line := scanner.Text()

		// Blank line dispatches the accumulated event.
		if line == "" {
			if len(data) > 0 {
				ev := event{name: name, data: strings.Join(data, "\n")}
				if ev.name == "" {
					ev.name = "message"
				}

				emit(ev)
			}

			name = ""
			data = nil

			continue
		}

		if strings.HasPrefix(line, ":") {
			continue
		}

		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")

		switch field {
		case "event":
			name = value
		case "data":
			data = append(data, value)
		}
		// id and retry fields are not used by this protocol.
	}

	return scanner.Err()
}
