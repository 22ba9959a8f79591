package broker

import (
	"bytes"
	"fmt"
	"testing"
)

func TestBufferAppendAndSnapshot(t *testing.T) {
	buf := NewOutputBuffer(10, 1024)
	buf.Append([]byte("one"))
	buf.Append([]byte("two"))
	buf.Append([]byte("three"))

	got := buf.Snapshot(2)
	if len(got) != 2 {
		t.Fatalf("expected 2 chunks, got %d", len(got))
	}
	if !bytes.Equal(got[0], []byte("two")) || !bytes.Equal(got[1], []byte("three")) {
		t.Fatalf("unexpected snapshot: %q %q", got[0], got[1])
	}

	if got := buf.Snapshot(100); len(got) != 3 {
		t.Fatalf("over-sized snapshot should return all 3 chunks, got %d", len(got))
	}
	if got := buf.Snapshot(0); got != nil {
		t.Fatalf("zero snapshot should be nil, got %v", got)
	}
}

func TestBufferChunkCap(t *testing.T) {
	buf := NewOutputBuffer(3, 1024)
	for i := 0; i < 5; i++ {
		buf.Append([]byte{byte('a' + i)})
	}
	count, _ := buf.Size()
	if count != 3 {
		t.Fatalf("expected 3 chunks after cap, got %d", count)
	}
	got := buf.Snapshot(3)
	if !bytes.Equal(got[0], []byte("c")) || !bytes.Equal(got[2], []byte("e")) {
		t.Fatalf("oldest chunks should be dropped first: %q..%q", got[0], got[2])
	}
}

func TestBufferByteCap(t *testing.T) {
	buf := NewOutputBuffer(100, 10)
	buf.Append([]byte("aaaa"))
	buf.Append([]byte("bbbb"))
	buf.Append([]byte("cccc"))

	count, size := buf.Size()
	if size > 10 {
		t.Fatalf("byte cap exceeded: %d", size)
	}
	if count != 2 {
		t.Fatalf("expected 2 chunks, got %d", count)
	}
	got := buf.Snapshot(2)
	if !bytes.Equal(got[0], []byte("bbbb")) {
		t.Fatalf("head should be dropped to satisfy byte cap, got %q", got[0])
	}
}

func TestBufferOversizedChunkStillRetained(t *testing.T) {
	// A single chunk bigger than the byte cap evicts everything before it
	// but stays buffered itself; the caps bound memory, they do not reject
	// output.
	buf := NewOutputBuffer(100, 8)
	buf.Append([]byte("aa"))
	buf.Append([]byte("0123456789"))

	count, _ := buf.Size()
	if count != 1 {
		t.Fatalf("expected only the oversized chunk, got %d chunks", count)
	}
	got := buf.Snapshot(1)
	if !bytes.Equal(got[0], []byte("0123456789")) {
		t.Fatalf("unexpected survivor: %q", got[0])
	}
}

func TestBufferCopiesChunks(t *testing.T) {
	buf := NewOutputBuffer(10, 1024)
	chunk := []byte("hello")
	buf.Append(chunk)
	chunk[0] = 'X'
	got := buf.Snapshot(1)
	if !bytes.Equal(got[0], []byte("hello")) {
		t.Fatalf("buffer must copy on append, got %q", got[0])
	}
}

func TestBufferOrderPreserved(t *testing.T) {
	buf := NewOutputBuffer(DefaultMaxChunks, DefaultMaxBytes)
	for i := 0; i < 100; i++ {
		buf.Append([]byte(fmt.Sprintf("chunk-%03d;", i)))
	}
	got := buf.Snapshot(100)
	for i, chunk := range got {
		want := fmt.Sprintf("chunk-%03d;", i)
		if string(chunk) != want {
			t.Fatalf("chunk %d out of order: got %q want %q", i, chunk, want)
		}
	}
}
