package sbus

import (
	"fmt"
	"iter"
)

// LinkStats counts reassembler activity since construction. Counters
// survive a Reset so long-running links keep a full history.
type LinkStats struct {
	FramesDecoded  uint64 `json:"frames_decoded"`
	SyncLosses     uint64 `json:"sync_losses"`
	BytesDiscarded uint64 `json:"bytes_discarded"`
}

// Reassembler converts an arbitrarily fragmented byte stream into
// decoded packets, resynchronising automatically after noise, partial
// frames, or a mid-stream start. It owns a single fixed frame buffer:
// a fill position of zero means it is still seeking a start byte, and
// anything else means a frame is accumulating.
//
// A reassembler is single-owner: one goroutine feeds it bytes in order.
// It holds no locks.
type Reassembler struct {
	buf   [FrameLength]byte
	n     int
	stats LinkStats
}

func NewReassembler() *Reassembler {
	return &Reassembler{}
}

// Feed ingests one byte. It returns a non-nil packet when the byte
// completes a valid frame and a non-nil error when the byte completes a
// window that fails validation; (nil, nil) means more bytes are needed.
// Errors are reported exactly once and never halt the stream: the
// rejected window is rescanned for another start byte so a legitimate
// frame beginning mid-window is not lost.
func (r *Reassembler) Feed(b byte) (*Packet, error) {
	if r.n == 0 {
		if b != StartByte {
			r.stats.BytesDiscarded++
			return nil, nil
		}
		r.buf[0] = b
		r.n = 1
		return nil, nil
	}

	if r.n >= FrameLength {
		// Cannot happen while Feed is the only mutator; guarded so a
		// corrupted fill position can never index past the buffer.
		r.resync()
		return nil, ErrBufferOverflow
	}

	r.buf[r.n] = b
	r.n++
	if r.n < FrameLength {
		return nil, nil
	}

	if r.buf[FrameLength-1] != EndByte {
		err := fmt.Errorf("%w: 0x%02x", ErrInvalidEndByte, r.buf[FrameLength-1])
		r.resync()
		return nil, err
	}

	p, err := DecodeFrame(r.buf[:])
	if err != nil {
		r.resync()
		return nil, err
	}
	r.stats.FramesDecoded++
	r.n = 0
	return &p, nil
}

// FeedBytes ingests a chunk, lazily yielding each decoded packet or
// reported error in arrival order. Quiet bytes yield nothing. The
// iterator is single use and consumes the chunk as it is pulled;
// breaking early leaves the remaining bytes unfed. Calling FeedBytes
// again with more data continues from the current internal state, so
// frames may span chunk boundaries freely.
func (r *Reassembler) FeedBytes(data []byte) iter.Seq2[*Packet, error] {
	return func(yield func(*Packet, error) bool) {
		for _, b := range data {
			p, err := r.Feed(b)
			if p == nil && err == nil {
				continue
			}
			if !yield(p, err) {
				return
			}
		}
	}
}

// Reset discards any partially accumulated frame and returns to seeking
// a start byte. Statistics are preserved.
func (r *Reassembler) Reset() {
	r.n = 0
}

// Stats returns a snapshot of the reassembler's counters.
func (r *Reassembler) Stats() LinkStats {
	return r.stats
}

// resync searches the current window for another start byte and shifts
// the tail down so accumulation restarts from it. Discarding the window
// wholesale would lose a frame that begins inside it.
func (r *Reassembler) resync() {
	r.stats.SyncLosses++
	for i := 1; i < r.n; i++ {
		if r.buf[i] == StartByte {
			remaining := r.n - i
			r.stats.BytesDiscarded += uint64(i)
			copy(r.buf[:remaining], r.buf[i:r.n])
			r.n = remaining
			return
		}
	}
	r.stats.BytesDiscarded += uint64(r.n)
	r.n = 0
}
