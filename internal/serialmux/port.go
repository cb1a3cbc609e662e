package serialmux

import (
	"io"
)

// SerialPorter defines the minimal interface needed for a serial port.
// This abstraction enables unit testing without real serial hardware.
type SerialPorter interface {
	io.ReadWriter
	io.Closer
}

// SerialPortFactory defines an interface for creating serial ports.
// This abstraction enables dependency injection of serial port creation.
type SerialPortFactory interface {
	// Open opens a serial port at the specified path with the given options.
	Open(path string, opts PortOptions) (SerialPorter, error)
}

// SerialPortOpener is a function type for opening serial ports.
type SerialPortOpener func(path string, opts PortOptions) (SerialPorter, error)

// Open implements SerialPortFactory.
func (f SerialPortOpener) Open(path string, opts PortOptions) (SerialPorter, error) {
	return f(path, opts)
}
