package stream

import (
	"bytes"
	"testing"
)

func TestDecodeSingleEvent(t *testing.T) {
	var d Decoder
	events, err := d.Decode([]byte("event: delta\ndata: {\"text\":\"hi\"}\n\n"))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("events: %d", len(events))
	}
	if events[0].Name != "delta" || string(events[0].Data) != `{"text":"hi"}` {
		t.Fatalf("event: %+v", events[0])
	}
}

func TestPartialRecordCarriedAcrossChunks(t *testing.T) {
	var d Decoder
	events, err := d.Decode([]byte("data: {\"text\":\"Hel"))
	if err != nil {
		t.Fatalf("chunk 1: %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("incomplete record produced events: %+v", events)
	}
	events, err = d.Decode([]byte("lo\"}\n\n"))
	if err != nil {
		t.Fatalf("chunk 2: %v", err)
	}
	if len(events) != 1 || string(events[0].Data) != `{"text":"Hello"}` {
		t.Fatalf("events: %+v", events)
	}
	if len(d.Buffered()) != 0 {
		t.Fatalf("decoder retained %d bytes after complete record", len(d.Buffered()))
	}
}

func TestMultiLineDataJoined(t *testing.T) {
	var d Decoder
	events, err := d.Decode([]byte("data: line1\ndata: line2\n\n"))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(events) != 1 || string(events[0].Data) != "line1\nline2" {
		t.Fatalf("events: %+v", events)
	}
}

func TestCRLFBoundaries(t *testing.T) {
	var d Decoder
	events, err := d.Decode([]byte("event: done\r\ndata: {}\r\n\r\n"))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(events) != 1 || events[0].Name != "done" {
		t.Fatalf("events: %+v", events)
	}
}

func TestCommentsAndUnknownFieldsIgnored(t *testing.T) {
	var d Decoder
	events, err := d.Decode([]byte(": keepalive\nretry: 100\n\n"))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("comment record produced events: %+v", events)
	}
}

func TestMultipleEventsInOneChunk(t *testing.T) {
	var d Decoder
	events, err := d.Decode([]byte("data: a\n\ndata: b\n\ndata: c"))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("events: %d", len(events))
	}
	if string(events[0].Data) != "a" || string(events[1].Data) != "b" {
		t.Fatalf("events: %+v", events)
	}
	if string(d.Buffered()) != "data: c" {
		t.Fatalf("buffered: %q", d.Buffered())
	}
}

func TestRecordBoundExceededIsCorruption(t *testing.T) {
	var d Decoder
	if _, err := d.Decode(bytes.Repeat([]byte{'x'}, maxRecordBytes+1)); err == nil {
		t.Fatalf("unbounded record accepted")
	}
	if len(d.Buffered()) != 0 {
		t.Fatalf("corrupted decoder retained buffer")
	}
}
