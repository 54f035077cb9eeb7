// Package sse implements an incremental Server-Sent Events parser that
// tolerates arbitrary chunk boundaries in the input stream.
package sse

import (
	"bytes"
	"log/slog"
	"strings"
	"unicode"

	"github.com/tidwall/gjson"
)

// DoneSentinel is the terminal data payload used by OpenAI-compatible streams.
const DoneSentinel = "[DONE]"

var (
	delimLF   = []byte("\n\n")
	delimCRLF = []byte("\r\n\r\n")
)

// Event is one parsed SSE event. Data holds the joined data lines, which are
// always valid JSON.
type Event struct {
	Type string
	Data []byte
}

// Get returns the value at a gjson path inside the event payload.
func (e Event) Get(path string) gjson.Result {
	return gjson.GetBytes(e.Data, path)
}

// Parser accumulates raw stream bytes and emits complete events.
//
// The buffer holds undecoded bytes. Both delimiters are ASCII, so a UTF-8
// sequence split across two chunks is reassembled before any event text is
// decoded. A Parser is not safe for concurrent use.
type Parser struct {
	buf       []byte
	logger    *slog.Logger
	malformed int
}

// NewParser creates a Parser. Malformed events are reported to logger at debug level.
func NewParser(logger *slog.Logger) *Parser {
	return &Parser{logger: logger}
}

// Feed appends chunk to the buffer and returns every event completed by it.
func (p *Parser) Feed(chunk []byte) []Event {
	p.buf = append(p.buf, chunk...)
	return p.drain()
}

// Flush parses whatever remains after end of stream, including a final event
// with no trailing blank line. The parser is empty afterwards.
func (p *Parser) Flush() []Event {
	events := p.drain()
	rest := p.buf
	p.buf = nil
	if len(bytes.TrimSpace(rest)) == 0 {
		return events
	}
	if ev, ok := p.parse(rest); ok {
		events = append(events, ev)
	}
	return events
}

// Malformed reports how many events carried data that was not valid JSON.
func (p *Parser) Malformed() int {
	return p.malformed
}

// Buffered reports how many bytes are waiting for a delimiter.
func (p *Parser) Buffered() int {
	return len(p.buf)
}

func (p *Parser) drain() []Event {
	var events []Event
	start := 0
	for {
		idx, size := nextDelimiter(p.buf[start:])
		if idx < 0 {
			break
		}
		raw := p.buf[start : start+idx]
		start += idx + size
		if ev, ok := p.parse(raw); ok {
			events = append(events, ev)
		}
	}
	if start > 0 {
		n := copy(p.buf, p.buf[start:])
		p.buf = p.buf[:n]
	}
	return events
}

// nextDelimiter returns the index and length of the earliest event delimiter.
func nextDelimiter(b []byte) (int, int) {
	lf := bytes.Index(b, delimLF)
	crlf := bytes.Index(b, delimCRLF)
	switch {
	case lf < 0 && crlf < 0:
		return -1, 0
	case crlf < 0 || (lf >= 0 && lf < crlf):
		return lf, len(delimLF)
	default:
		return crlf, len(delimCRLF)
	}
}

// parse turns one delimited slice into an event. Slices without data lines,
// the [DONE] sentinel and non-JSON payloads yield ok == false.
func (p *Parser) parse(raw []byte) (Event, bool) {
	text := strings.ToValidUTF8(string(raw), "\uFFFD")

	var (
		eventType string
		data      []string
	)
	for line := range strings.SplitSeq(text, "\n") {
		line = strings.TrimSuffix(line, "\r")
		switch {
		case strings.HasPrefix(line, "event:"):
			eventType = strings.TrimSpace(line[len("event:"):])
		case strings.HasPrefix(line, "data:"):
			data = append(data, strings.TrimLeftFunc(line[len("data:"):], unicode.IsSpace))
		}
	}
	if len(data) == 0 {
		return Event{}, false
	}

	payload := strings.Join(data, "\n")
	if payload == DoneSentinel {
		return Event{}, false
	}
	if !gjson.Valid(payload) {
		p.malformed++
		if p.logger != nil {
			p.logger.Debug("skipping malformed sse event",
				"event", eventType,
				"bytes", len(payload),
			)
		}
		return Event{}, false
	}
	return Event{Type: eventType, Data: []byte(payload)}, true
}
