//go:build !linux

package socketcan

import (
	"errors"

	"github.com/kstaniek/go-can-debugger/internal/can"
)

var errNoSocketCAN = errors.New("socketcan: only available on linux")

// Device is unavailable outside Linux; Open always fails.
type Device struct{}

func Open(string) (*Device, error) { return nil, errNoSocketCAN }

func (*Device) Close() error { return nil }
func (*Device) ReadFrame(*can.Frame) error { return errNoSocketCAN }
func (*Device) WriteFrame(can.Frame) error { return errNoSocketCAN }
