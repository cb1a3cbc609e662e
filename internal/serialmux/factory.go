package serialmux

import (
	"go.bug.st/serial"
)

// RealPortFactory opens hardware ports through go.bug.st/serial.
var RealPortFactory SerialPortFactory = SerialPortOpener(func(path string, opts PortOptions) (SerialPorter, error) {
	mode, err := opts.SerialMode()
	if err != nil {
		return nil, err
	}
	return serial.Open(path, mode)
})
