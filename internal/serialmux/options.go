package serialmux

import (
	"fmt"
	"strings"

	"go.bug.st/serial"
)

// PortOptions describes the serial connection parameters used when opening a real
// serial port. The fields intentionally mirror the database configuration used by
// the API layer so that the options can be passed through without additional
// translation.
type PortOptions struct {
	BaudRate int    `json:"baud_rate"`
	DataBits int    `json:"data_bits"`
	StopBits int    `json:"stop_bits"`
	Parity   string `json:"parity"`
}

// Normalise validates the options and applies SBUS defaults (100000 baud,
// 8 data bits, even parity, two stop bits) for any unset values. The baud
// rate is not checked against the usual standard rates because SBUS runs
// at the non-standard 100000.
func (o PortOptions) Normalise() (PortOptions, error) {
	opts := o

	if opts.BaudRate < 0 {
		return opts, fmt.Errorf("invalid baud rate %d: must be positive", opts.BaudRate)
	}
	if opts.BaudRate == 0 {
		opts.BaudRate = 100000
	}

	if opts.DataBits == 0 {
		opts.DataBits = 8
	}
	if opts.DataBits < 5 || opts.DataBits > 8 {
		return opts, fmt.Errorf("invalid data bits %d: must be between 5 and 8", opts.DataBits)
	}

	if opts.StopBits == 0 {
		opts.StopBits = 2
	}
	if opts.StopBits != 1 && opts.StopBits != 2 {
		return opts, fmt.Errorf("invalid stop bits %d: supported values are 1 or 2", opts.StopBits)
	}

	parity := strings.TrimSpace(strings.ToUpper(opts.Parity))
	if parity == "" {
		parity = "E"
	}

	switch parity {
	case "N", "NONE":
		parity = "N"
	case "E", "EVEN":
		parity = "E"
	case "O", "ODD":
		parity = "O"
	default:
		return opts, fmt.Errorf("unsupported parity %q: expected N, E, or O", opts.Parity)
	}

	opts.Parity = parity
	return opts, nil
}

// Equal reports whether two PortOptions describe the same serial configuration
// once both have been normalised.
func (o PortOptions) Equal(other PortOptions) (bool, error) {
	normalisedA, err := o.Normalise()
	if err != nil {
		return false, err
	}
	normalisedB, err := other.Normalise()
	if err != nil {
		return false, err
	}

	return normalisedA.BaudRate == normalisedB.BaudRate &&
		normalisedA.DataBits == normalisedB.DataBits &&
		normalisedA.StopBits == normalisedB.StopBits &&
		normalisedA.Parity == normalisedB.Parity, nil
}

// PortMode converts the port options into the SerialPortMode consumed by
// SerialPortFactory implementations.
func (o PortOptions) PortMode() (*SerialPortMode, error) {
	opts, err := o.Normalise()
	if err != nil {
		return nil, err
	}

	mode := &SerialPortMode{
		BaudRate: opts.BaudRate,
		DataBits: opts.DataBits,
	}

	switch opts.StopBits {
	case 1:
		mode.StopBits = OneStopBit
	case 2:
		mode.StopBits = TwoStopBits
	}

	switch opts.Parity {
	case "N":
		mode.Parity = NoParity
	case "E":
		mode.Parity = EvenParity
	case "O":
		mode.Parity = OddParity
	default:
		return nil, fmt.Errorf("unsupported parity %q", opts.Parity)
	}

	return mode, nil
}

// SerialMode converts the port options into the serial.Mode structure required by
// go.bug.st/serial when opening a port.
func (o PortOptions) SerialMode() (*serial.Mode, error) {
	opts, err := o.Normalise()
	if err != nil {
		return nil, err
	}

	mode := &serial.Mode{
		BaudRate: opts.BaudRate,
		DataBits: opts.DataBits,
	}

	// serial.StopBits is an enum, not a count, so the integer field cannot
	// be cast directly.
	switch opts.StopBits {
	case 1:
		mode.StopBits = serial.OneStopBit
	case 2:
		mode.StopBits = serial.TwoStopBits
	}

	switch opts.Parity {
	case "N":
		mode.Parity = serial.NoParity
	case "E":
		mode.Parity = serial.EvenParity
	case "O":
		mode.Parity = serial.OddParity
	default:
		return nil, fmt.Errorf("unsupported parity %q", opts.Parity)
	}

	return mode, nil
}
