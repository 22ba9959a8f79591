// Package termio provides the concrete terminal endpoints the broker drives:
// host shell PTYs, container exec streams, and the stream demultiplexer and
// working-directory probes that go with them.
package termio

import "encoding/binary"

// Stream kinds used by the multiplexed container exec framing.
const (
	streamStdin  = 0
	streamStdout = 1
	streamStderr = 2
)

const headerLen = 8

// Demuxer splits a container exec stream into payload chunks. The framed
// format carries an 8-byte header per frame: byte 0 is the stream kind,
// bytes 4..7 are the big-endian payload length. A stream that does not open
// with a valid header is treated as a raw TTY byte stream, and the decision
// sticks for the life of the demuxer either way.
type Demuxer struct {
	raw     bool
	sniffed bool
	pending []byte
}

// NewDemuxer returns a demuxer. With raw set, sniffing is skipped and every
// byte passes through untouched.
func NewDemuxer(raw bool) *Demuxer {
	return &Demuxer{raw: raw, sniffed: raw}
}

// Raw reports whether the stream was classified as unframed.
func (d *Demuxer) Raw() bool { return d.raw }

// Feed consumes the next read from the wire and returns zero or more
// complete payload chunks in stream order. Partial frames are buffered
// until the remainder arrives.
func (d *Demuxer) Feed(p []byte) [][]byte {
	if len(p) == 0 {
		return nil
	}
	if !d.sniffed {
		d.sniffed = true
		if !validHeaderStart(p[0]) {
			d.raw = true
		}
	}
	if d.raw {
		out := make([]byte, len(p))
		copy(out, p)
		return [][]byte{out}
	}

	d.pending = append(d.pending, p...)
	var chunks [][]byte
	for {
		if len(d.pending) < headerLen {
			return chunks
		}
		size := int(binary.BigEndian.Uint32(d.pending[4:8]))
		if len(d.pending) < headerLen+size {
			return chunks
		}
		kind := d.pending[0]
		payload := d.pending[headerLen : headerLen+size]
		if kind != streamStdin && size > 0 {
			chunk := make([]byte, size)
			copy(chunk, payload)
			chunks = append(chunks, chunk)
		}
		rest := make([]byte, len(d.pending)-headerLen-size)
		copy(rest, d.pending[headerLen+size:])
		d.pending = rest
	}
}

func validHeaderStart(b byte) bool {
	return b == streamStdin || b == streamStdout || b == streamStderr
}
