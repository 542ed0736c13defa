// Package sbus implements the SBUS RC receiver protocol: fixed 25-byte
// frames carrying 16 proportional 11-bit channels plus status flags,
// sent over an inverted UART byte stream at 100000 baud 8E2.
package sbus

import "fmt"

const (
	// FrameLength is the fixed size of an SBUS frame in bytes.
	FrameLength = 25
	// StartByte marks the beginning of every frame.
	StartByte byte = 0x0F
	// EndByte marks the end of every frame.
	EndByte byte = 0x00
	// NumChannels is the number of proportional channels carried per frame.
	NumChannels = 16
	// ChannelMax is the largest representable channel value (11 bits).
	ChannelMax uint16 = 0x07FF
)

// Flag byte bit positions, from the least significant bit.
const (
	flagD1        byte = 1 << 0
	flagD2        byte = 1 << 1
	flagFrameLost byte = 1 << 2
	flagFailsafe  byte = 1 << 3
)

var (
	ErrFrameLength      = fmt.Errorf("frame length is not %d bytes", FrameLength)
	ErrInvalidStartByte = fmt.Errorf("invalid start byte")
	ErrInvalidEndByte   = fmt.Errorf("invalid end byte")
	ErrBufferOverflow   = fmt.Errorf("reassembly buffer overflow")
	ErrReadFailed       = fmt.Errorf("failed to read from byte source")
)

// Flags holds the decoded flag byte of a frame: two digital channels,
// the frame-lost indicator, and the failsafe indicator.
type Flags struct {
	D1        bool `json:"d1"`
	D2        bool `json:"d2"`
	FrameLost bool `json:"frame_lost"`
	Failsafe  bool `json:"failsafe"`
}

// Packet is one decoded SBUS frame: 16 channel values, each in
// [0, ChannelMax], plus the status flags. Packets are plain values with
// no shared state; they compare with ==.
type Packet struct {
	Channels [NumChannels]uint16 `json:"channels"`
	Flags    Flags               `json:"flags"`
}

func (p Packet) String() string {
	return fmt.Sprintf("channels=%v d1=%t d2=%t frame_lost=%t failsafe=%t",
		p.Channels, p.Flags.D1, p.Flags.D2, p.Flags.FrameLost, p.Flags.Failsafe)
}

// DecodeFrame parses one complete frame. The input must be exactly
// FrameLength bytes beginning with StartByte and ending with EndByte.
// Channel values are in range by construction: exactly 11 bits are
// extracted per channel, so no separate bounds check is performed.
// Reserved bits of the flag byte are ignored.
func DecodeFrame(frame []byte) (Packet, error) {
	var p Packet
	if len(frame) != FrameLength {
		return p, fmt.Errorf("%w: got %d", ErrFrameLength, len(frame))
	}
	if frame[0] != StartByte {
		return p, fmt.Errorf("%w: 0x%02x", ErrInvalidStartByte, frame[0])
	}
	if frame[FrameLength-1] != EndByte {
		return p, fmt.Errorf("%w: 0x%02x", ErrInvalidEndByte, frame[FrameLength-1])
	}

	// Bytes 1..22 carry the 16 channels as a dense little-endian
	// bitfield: channel 0 starts at the low bits of byte 1 and each
	// channel occupies the next 11 bits. A shift register wide enough
	// for one byte of carry plus a full channel is all the state needed.
	var acc uint32
	bits := 0
	next := 1
	for ch := range p.Channels {
		for bits < 11 {
			acc |= uint32(frame[next]) << bits
			next++
			bits += 8
		}
		p.Channels[ch] = uint16(acc) & ChannelMax
		acc >>= 11
		bits -= 11
	}

	p.Flags = decodeFlags(frame[23])
	return p, nil
}

// EncodeFrame produces the canonical wire form of a packet: channel
// values masked to 11 bits, reserved flag bits zero. For every valid
// packet p, DecodeFrame(EncodeFrame(p)) returns p unchanged; a raw frame
// with nonzero reserved flag bits round-trips in meaning but not
// bit-for-bit.
func EncodeFrame(p Packet) [FrameLength]byte {
	var frame [FrameLength]byte
	frame[0] = StartByte

	// The 16 channels flush to exactly 22 bytes (176 bits), leaving the
	// accumulator empty.
	var acc uint32
	bits := 0
	next := 1
	for _, ch := range p.Channels {
		acc |= uint32(ch&ChannelMax) << bits
		bits += 11
		for bits >= 8 {
			frame[next] = byte(acc)
			next++
			acc >>= 8
			bits -= 8
		}
	}

	frame[23] = encodeFlags(p.Flags)
	frame[FrameLength-1] = EndByte
	return frame
}

func decodeFlags(b byte) Flags {
	return Flags{
		D1:        b&flagD1 != 0,
		D2:        b&flagD2 != 0,
		FrameLost: b&flagFrameLost != 0,
		Failsafe:  b&flagFailsafe != 0,
	}
}

func encodeFlags(f Flags) byte {
	var b byte
	if f.D1 {
		b |= flagD1
	}
	if f.D2 {
		b |= flagD2
	}
	if f.FrameLost {
		b |= flagFrameLost
	}
	if f.Failsafe {
		b |= flagFailsafe
	}
	return b
}
