package stream

import (
	"bytes"
	"fmt"
)

// Event is one server-sent event record: optional event name plus the
// data lines joined with newlines.
type Event struct {
	Name string
	Data []byte
}

// maxRecordBytes bounds the partial record carried across chunk
// boundaries. A record growing past this is framing corruption, not a
// slow stream.
const maxRecordBytes = 1 << 20

// Decoder incrementally splits provider output into events. An
// unterminated record is retained across Decode calls, so memory stays
// bounded by the largest single record, not the stream length.
type Decoder struct {
	buf []byte
}

// Decode appends chunk and returns every event completed by it. An
// event ends at a blank line. The error is framing-level corruption:
// the session owning this decoder must be terminated.
func (d *Decoder) Decode(chunk []byte) ([]Event, error) {
	d.buf = append(d.buf, chunk...)
	if len(d.buf) > maxRecordBytes {
		d.buf = nil
		return nil, fmt.Errorf("stream: record exceeds %d bytes", maxRecordBytes)
	}

	var events []Event
	for {
		end, skip := recordEnd(d.buf)
		if end < 0 {
			break
		}
		record := d.buf[:end]
		d.buf = d.buf[end+skip:]
		if ev, ok := parseRecord(record); ok {
			events = append(events, ev)
		}
	}
	return events, nil
}

// Buffered reports the bytes of unterminated record currently held.
func (d *Decoder) Buffered() []byte { return d.buf }

// Reset drops any partial record.
func (d *Decoder) Reset() { d.buf = nil }

// recordEnd finds the first blank-line boundary ("\n\n" or "\r\n\r\n").
// Returns the record end offset and the boundary width, or -1.
func recordEnd(b []byte) (int, int) {
	lf := bytes.Index(b, []byte("\n\n"))
	crlf := bytes.Index(b, []byte("\r\n\r\n"))
	switch {
	case lf < 0 && crlf < 0:
		return -1, 0
	case crlf < 0:
		return lf, 2
	case lf >= 0 && lf < crlf:
		return lf, 2
	default:
		return crlf, 4
	}
}

// parseRecord splits a record into "field: value" lines. Multiple data
// lines are joined with a newline, per the SSE convention. Comment lines
// (leading colon) and unknown fields are ignored.
func parseRecord(record []byte) (Event, bool) {
	var ev Event
	var dataParts [][]byte
	for _, line := range bytes.Split(record, []byte("\n")) {
		line = bytes.TrimSuffix(line, []byte("\r"))
		if len(line) == 0 || line[0] == ':' {
			continue
		}
		field, value, found := bytes.Cut(line, []byte(":"))
		if !found {
			continue
		}
		value = bytes.TrimPrefix(value, []byte(" "))
		switch string(field) {
		case "event":
			ev.Name = string(value)
		case "data":
			dataParts = append(dataParts, value)
		}
	}
	if ev.Name == "" && len(dataParts) == 0 {
		return Event{}, false
	}
	ev.Data = bytes.Join(dataParts, []byte("\n"))
	return ev, true
}
