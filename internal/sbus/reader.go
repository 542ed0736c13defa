package sbus

import (
	"fmt"
	"io"
)

// FrameReader decodes frames from a byte source that satisfies
// fixed-size reads, such as a serial port delivering frame-aligned
// data on demand. Each call collects exactly one frame's worth of
// bytes. Sources that deliver an arbitrary trickle, or that can lose
// sync, should be fed to a Reassembler instead.
type FrameReader struct {
	r   io.Reader
	buf [FrameLength]byte
}

func NewFrameReader(r io.Reader) *FrameReader {
	return &FrameReader{r: r}
}

// ReadFrame blocks until a full frame has been read, then decodes it.
// Source failures (disconnect, timeout, short read) are wrapped with
// ErrReadFailed so callers can tell I/O loss from structural
// corruption, which surfaces as the codec's own errors. No retry is
// attempted; retry policy belongs to the caller.
func (fr *FrameReader) ReadFrame() (Packet, error) {
	if _, err := io.ReadFull(fr.r, fr.buf[:]); err != nil {
		return Packet{}, fmt.Errorf("%w: %w", ErrReadFailed, err)
	}
	return DecodeFrame(fr.buf[:])
}
