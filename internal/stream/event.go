// Package stream handles server-sent event plumbing for streamed completions:
// framing raw response bytes into events and rewriting events between
// upstream and client dialects on the fly.
package stream

import (
	"bytes"
	"strings"
)

// doneData is the OpenAI stream terminator payload.
const doneData = "[DONE]"

// Event is one server-sent event. Only the fields the completion streams
// use are modeled; id and retry lines are dropped during decode.
type Event struct {
	Name string // the event: field, empty for bare data events
	Data string // the data: field, multi-line data joined with \n
}

// Done is the OpenAI-style stream terminator.
var Done = Event{Data: doneData}

// IsDone reports whether the event is the stream terminator.
func (e Event) IsDone() bool {
	return e.Name == "" && e.Data == doneData
}

// Encode renders the event back to the wire format.
func (e Event) Encode() []byte {
	var sb strings.Builder
	if e.Name != "" {
		sb.WriteString("event: ")
		sb.WriteString(e.Name)
		sb.WriteString("\n")
	}
	for _, line := range strings.Split(e.Data, "\n") {
		sb.WriteString("data: ")
		sb.WriteString(line)
		sb.WriteString("\n")
	}
	sb.WriteString("\n")
	return []byte(sb.String())
}

// Decode appends chunk to buf and extracts every complete event. An event is
// complete once its blank-line delimiter has arrived; the tail of a partial
// event stays in the returned buffer for the next call. Decode is pure with
// respect to its inputs, so transport reads and parsing stay separable.
func Decode(buf, chunk []byte) ([]byte, []Event) {
	buf = append(buf, chunk...)

	var events []Event
	for {
		i := delimiterIndex(buf)
		if i < 0 {
			return buf, events
		}
		block := buf[:i]
		buf = skipDelimiter(buf[i:])
		if ev, ok := parseBlock(block); ok {
			events = append(events, ev)
		}
	}
}

// delimiterIndex finds the first blank line separating two events.
func delimiterIndex(buf []byte) int {
	lf := bytes.Index(buf, []byte("\n\n"))
	crlf := bytes.Index(buf, []byte("\r\n\r\n"))
	switch {
	case lf < 0:
		return crlf
	case crlf < 0:
		return lf
	case crlf < lf:
		return crlf
	default:
		return lf
	}
}

func skipDelimiter(buf []byte) []byte {
	if bytes.HasPrefix(buf, []byte("\r\n\r\n")) {
		return buf[4:]
	}
	return buf[2:]
}

// parseBlock parses one event block. Comment-only blocks (the keepalives
// some upstreams send) report ok=false.
func parseBlock(block []byte) (Event, bool) {
	var ev Event
	var dataLines []string

	for _, raw := range bytes.Split(block, []byte("\n")) {
		line := strings.TrimSuffix(string(raw), "\r")
		switch {
		case strings.HasPrefix(line, "event:"):
			ev.Name = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			dataLines = append(dataLines, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
	if ev.Name == "" && dataLines == nil {
		return Event{}, false
	}
	ev.Data = strings.Join(dataLines, "\n")
	return ev, true
}
