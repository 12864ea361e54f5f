package fep

import (
	"time"

	"github.com/tarm/serial"
)

// DefaultBaud is the factory UART rate of the radio module.
const DefaultBaud = 9600

// Port abstracts tarm/serial for testability.
type Port interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Close() error
}

func Open(name string, baud int, readTimeout time.Duration) (Port, error) {
	if baud <= 0 {
		baud = DefaultBaud
	}
	cfg := &serial.Config{Name: name, Baud: baud, ReadTimeout: readTimeout}
	return serial.OpenPort(cfg)
}
