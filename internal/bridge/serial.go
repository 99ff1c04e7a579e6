package bridge

import (
	"fmt"

	"go.bug.st/serial"
)

// DefaultBaudRate matches the co-processor UART
const DefaultBaudRate = 115200

// OpenSerial opens the UART device as a Port (8N1)
func OpenSerial(name string, baudRate int) (serial.Port, error) {
	if baudRate <= 0 {
		baudRate = DefaultBaudRate
	}
	mode := &serial.Mode{
		BaudRate: baudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}

	port, err := serial.Open(name, mode)
	if err != nil {
		return nil, fmt.Errorf("failed to open serial port %s: %w", name, err)
	}
	return port, nil
}
