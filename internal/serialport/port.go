// Package serialport opens the RFID and UWB module serial links.
package serialport

import (
	"fmt"
	"io"
	"strings"
	"time"

	"go.bug.st/serial"

	"shelftag/internal/config"
)

// Port is what the drivers need from a serial link. Tests substitute an
// in-memory implementation.
type Port interface {
	io.ReadWriter
	io.Closer
}

// Opener opens a port by path.
type Opener func(path string, opts Options) (Port, error)

// Options are the line settings for one port. ReadTimeout bounds every
// Read so reader loops notice shutdown.
type Options struct {
	BaudRate    int
	DataBits    int
	StopBits    int
	Parity      string
	ReadTimeout time.Duration
}

func FromConfig(c config.SerialConfig, readTimeout time.Duration) Options {
	return Options{
		BaudRate:    c.BaudRate,
		DataBits:    c.DataBits,
		StopBits:    c.StopBits,
		Parity:      c.Parity,
		ReadTimeout: readTimeout,
	}
}

// Normalize validates the options and applies defaults for any unset values.
func (o Options) Normalize() (Options, error) {
	opts := o
	if opts.BaudRate <= 0 {
		opts.BaudRate = 115200
	}
	if opts.DataBits == 0 {
		opts.DataBits = 8
	}
	if opts.DataBits < 5 || opts.DataBits > 8 {
		return opts, fmt.Errorf("invalid data bits %d: must be between 5 and 8", opts.DataBits)
	}
	if opts.StopBits == 0 {
		opts.StopBits = 1
	}
	if opts.StopBits != 1 && opts.StopBits != 2 {
		return opts, fmt.Errorf("invalid stop bits %d: supported values are 1 or 2", opts.StopBits)
	}
	switch strings.TrimSpace(strings.ToUpper(opts.Parity)) {
	case "", "N", "NONE":
		opts.Parity = "N"
	case "E", "EVEN":
		opts.Parity = "E"
	case "O", "ODD":
		opts.Parity = "O"
	default:
		return opts, fmt.Errorf("unsupported parity %q: expected N, E, or O", opts.Parity)
	}
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = 100 * time.Millisecond
	}
	return opts, nil
}

// Mode converts the options into the go.bug.st/serial mode.
func (o Options) Mode() (*serial.Mode, error) {
	opts, err := o.Normalize()
	if err != nil {
		return nil, err
	}
	mode := &serial.Mode{
		BaudRate: opts.BaudRate,
		DataBits: opts.DataBits,
		StopBits: serial.OneStopBit,
		Parity:   serial.NoParity,
	}
	if opts.StopBits == 2 {
		mode.StopBits = serial.TwoStopBits
	}
	switch opts.Parity {
	case "E":
		mode.Parity = serial.EvenParity
	case "O":
		mode.Parity = serial.OddParity
	}
	return mode, nil
}

// Open opens a real serial port with a bounded read timeout. A path of the
// form tcp://host:port dials a network serial bridge instead.
func Open(path string, opts Options) (Port, error) {
	if path == "" {
		return nil, fmt.Errorf("serial port path is empty")
	}
	if addr, ok := isTCP(path); ok {
		return openTCP(addr, opts)
	}
	normalized, err := opts.Normalize()
	if err != nil {
		return nil, err
	}
	mode, err := normalized.Mode()
	if err != nil {
		return nil, err
	}
	port, err := serial.Open(path, mode)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	if err := port.SetReadTimeout(normalized.ReadTimeout); err != nil {
		port.Close()
		return nil, fmt.Errorf("set read timeout on %s: %w", path, err)
	}
	return port, nil
}
