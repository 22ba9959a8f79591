package termio

import (
	"bytes"
	"encoding/binary"
	"testing"
)

func frame(kind byte, payload string) []byte {
	buf := make([]byte, headerLen+len(payload))
	buf[0] = kind
	binary.BigEndian.PutUint32(buf[4:8], uint32(len(payload)))
	copy(buf[headerLen:], payload)
	return buf
}

func TestDemuxFramedStream(t *testing.T) {
	d := NewDemuxer(false)
	in := append(frame(streamStdout, "hello "), frame(streamStderr, "world")...)
	chunks := d.Feed(in)
	if len(chunks) != 2 {
		t.Fatalf("expected 2 chunks, got %d", len(chunks))
	}
	if string(chunks[0]) != "hello " || string(chunks[1]) != "world" {
		t.Fatalf("payloads wrong: %q %q", chunks[0], chunks[1])
	}
	if d.Raw() {
		t.Fatal("framed stream misclassified as raw")
	}
}

func TestDemuxPartialFrames(t *testing.T) {
	d := NewDemuxer(false)
	full := frame(streamStdout, "abcdef")

	// Header split across reads.
	if chunks := d.Feed(full[:3]); chunks != nil {
		t.Fatalf("incomplete header should yield nothing, got %v", chunks)
	}
	if chunks := d.Feed(full[3:10]); chunks != nil {
		t.Fatalf("incomplete payload should yield nothing, got %v", chunks)
	}
	chunks := d.Feed(full[10:])
	if len(chunks) != 1 || string(chunks[0]) != "abcdef" {
		t.Fatalf("reassembly failed: %v", chunks)
	}
}

func TestDemuxFrameSpanningReads(t *testing.T) {
	d := NewDemuxer(false)
	in := append(frame(streamStdout, "one"), frame(streamStdout, "two")...)
	var got []byte
	// Feed one byte at a time.
	for i := range in {
		for _, chunk := range d.Feed(in[i : i+1]) {
			got = append(got, chunk...)
		}
	}
	if string(got) != "onetwo" {
		t.Fatalf("byte-at-a-time reassembly failed: %q", got)
	}
}

func TestDemuxSkipsStdinFrames(t *testing.T) {
	d := NewDemuxer(false)
	in := append(frame(streamStdin, "typed"), frame(streamStdout, "echoed")...)
	chunks := d.Feed(in)
	if len(chunks) != 1 || string(chunks[0]) != "echoed" {
		t.Fatalf("stdin frames should be dropped: %v", chunks)
	}
}

func TestDemuxRawFallback(t *testing.T) {
	d := NewDemuxer(false)
	// A TTY stream opening with printable output, no header.
	in := []byte("user@host:~$ ")
	chunks := d.Feed(in)
	if len(chunks) != 1 || !bytes.Equal(chunks[0], in) {
		t.Fatalf("raw stream should pass through: %v", chunks)
	}
	if !d.Raw() {
		t.Fatal("stream should be classified raw")
	}

	// The decision sticks even if later bytes look like a header.
	header := frame(streamStdout, "x")
	chunks = d.Feed(header)
	if len(chunks) != 1 || !bytes.Equal(chunks[0], header) {
		t.Fatalf("raw mode must be sticky: %v", chunks)
	}
}

func TestDemuxForcedRaw(t *testing.T) {
	d := NewDemuxer(true)
	in := frame(streamStdout, "not parsed")
	chunks := d.Feed(in)
	if len(chunks) != 1 || !bytes.Equal(chunks[0], in) {
		t.Fatalf("forced raw should never parse headers: %v", chunks)
	}
}

func TestDemuxEmptyFeed(t *testing.T) {
	d := NewDemuxer(false)
	if chunks := d.Feed(nil); chunks != nil {
		t.Fatalf("empty feed should yield nothing, got %v", chunks)
	}
	// Classification must not happen on an empty read.
	chunks := d.Feed(frame(streamStdout, "ok"))
	if len(chunks) != 1 || string(chunks[0]) != "ok" {
		t.Fatalf("framed parse after empty feed failed: %v", chunks)
	}
}

func TestDemuxCopiesPayloads(t *testing.T) {
	d := NewDemuxer(false)
	in := frame(streamStdout, "immutable")
	chunks := d.Feed(in)
	in[headerLen] = 'X'
	if string(chunks[0]) != "immutable" {
		t.Fatalf("payload must be copied out of the read buffer: %q", chunks[0])
	}
}
