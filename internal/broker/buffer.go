package broker

import (
	"sync"
)

// Default caps for the per-session output buffer.
const (
	DefaultMaxChunks = 5000
	DefaultMaxBytes  = 5 * 1024 * 1024
	DefaultReplayK   = 500
)

// OutputBuffer is a bounded ring of raw output chunks. It keeps the most
// recent shell output for replay on reconnect. Two caps are enforced on
// every append: chunk count and total byte size. Chunks are stored verbatim,
// escape sequences included, and are never rewritten after append.
type OutputBuffer struct {
	mu        sync.Mutex
	chunks    [][]byte
	bytes     int
	maxChunks int
	maxBytes  int
}

// NewOutputBuffer creates a buffer with the given caps. Non-positive caps
// fall back to the defaults.
func NewOutputBuffer(maxChunks, maxBytes int) *OutputBuffer {
	if maxChunks <= 0 {
		maxChunks = DefaultMaxChunks
	}
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	return &OutputBuffer{
		maxChunks: maxChunks,
		maxBytes:  maxBytes,
	}
}

// Append pushes a chunk to the tail, then drops from the head until both
// caps hold. The chunk is copied; callers may reuse their slice.
func (b *OutputBuffer) Append(chunk []byte) {
	if len(chunk) == 0 {
		return
	}
	data := make([]byte, len(chunk))
	copy(data, chunk)

	b.mu.Lock()
	defer b.mu.Unlock()

	b.chunks = append(b.chunks, data)
	b.bytes += len(data)

	// The newest chunk always survives, even when it alone exceeds the
	// byte cap: the caps bound memory, they do not reject output.
	drop := 0
	for (len(b.chunks)-drop > b.maxChunks || b.bytes > b.maxBytes) && drop < len(b.chunks)-1 {
		b.bytes -= len(b.chunks[drop])
		drop++
	}
	if drop > 0 {
		// Reallocate so dropped heads can be collected.
		rest := make([][]byte, len(b.chunks)-drop)
		copy(rest, b.chunks[drop:])
		b.chunks = rest
	}
}

// Snapshot returns the newest min(k, count) chunks in append order. The
// returned slice is freshly allocated; the chunks themselves are shared but
// never mutated after append.
func (b *OutputBuffer) Snapshot(k int) [][]byte {
	b.mu.Lock()
	defer b.mu.Unlock()

	if k > b.maxChunks {
		k = b.maxChunks
	}
	if k <= 0 || len(b.chunks) == 0 {
		return nil
	}
	if k > len(b.chunks) {
		k = len(b.chunks)
	}
	out := make([][]byte, k)
	copy(out, b.chunks[len(b.chunks)-k:])
	return out
}

// Size returns the current chunk count and total byte size.
func (b *OutputBuffer) Size() (count, bytes int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.chunks), b.bytes
}
