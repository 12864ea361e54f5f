//go:build linux

package socketcan

import (
	"encoding/binary"
	"fmt"
	"net"
	"time"

	"golang.org/x/sys/unix"

	"github.com/kstaniek/go-can-debugger/internal/can"
)

// readPoll bounds a blocking read so Forward can observe cancellation.
const readPoll = 250 * time.Millisecond

// Device is a raw CAN_RAW socket bound to one interface.
type Device struct {
	fd int
}

func Open(iface string) (*Device, error) {
	fd, err := unix.Socket(unix.AF_CAN, unix.SOCK_RAW, unix.CAN_RAW)
	if err != nil {
		return nil, fmt.Errorf("socket(AF_CAN): %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_CAN_RAW, unix.CAN_RAW_FD_FRAMES, 0); err != nil {
		// ENOPROTOOPT on older kernels
		if err != unix.ENOPROTOOPT {
			_ = unix.Close(fd)
			return nil, fmt.Errorf("disable CAN FD: %w", err)
		}
	}
	ifi, err := net.InterfaceByName(iface)
	if err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("if %q: %w", iface, err)
	}
	tv := unix.NsecToTimeval(readPoll.Nanoseconds())
	if err := unix.SetsockoptTimeval(fd, unix.SOL_SOCKET, unix.SO_RCVTIMEO, &tv); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("set read timeout: %w", err)
	}
	if err := unix.Bind(fd, &unix.SockaddrCAN{Ifindex: ifi.Index}); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("bind(can@%s): %w", iface, err)
	}
	return &Device{fd: fd}, nil
}

func (d *Device) Close() error { return unix.Close(d.fd) }

// ReadFrame reads one classic frame. Extended, RTR and error frames are
// reported as ErrUnsupportedFrame since the debugger only carries 11-bit ids.
func (d *Device) ReadFrame(fr *can.Frame) error {
	var buf [unix.CAN_MTU]byte
	n, err := unix.Read(d.fd, buf[:])
	if err != nil {
		if err == unix.EAGAIN || err == unix.EINTR {
			return ErrReadTimeout
		}
		return err
	}
	if n != unix.CAN_MTU {
		return fmt.Errorf("short read: %d", n)
	}
	// struct can_frame: can_id u32 [0:4], can_dlc u8 [4], pad [5:8], data [8:16]; host byte order.
	return decodeRaw(buf[:], fr)
}

// WriteFrame writes one standard-id frame.
func (d *Device) WriteFrame(fr can.Frame) error {
	var buf [unix.CAN_MTU]byte
	encodeRaw(fr, buf[:])
	_, err := unix.Write(d.fd, buf[:])
	return err
}

func decodeRaw(buf []byte, fr *can.Frame) error {
	id := binary.LittleEndian.Uint32(buf[0:4])
	if id&(unix.CAN_EFF_FLAG|unix.CAN_RTR_FLAG|unix.CAN_ERR_FLAG) != 0 {
		return fmt.Errorf("%w: can_id 0x%08X", ErrUnsupportedFrame, id)
	}
	dlc := int(buf[4])
	if dlc > can.MaxDataLen {
		dlc = can.MaxDataLen
	}
	fr.ID = uint16(id & can.SFFMask)
	fr.Len = uint8(dlc)
	copy(fr.Data[:], buf[8:8+dlc])
	return nil
}

func encodeRaw(fr can.Frame, buf []byte) {
	binary.LittleEndian.PutUint32(buf[0:4], uint32(fr.ID&can.SFFMask))
	n := fr.Len
	if n > can.MaxDataLen {
		n = can.MaxDataLen
	}
	buf[4] = n
	copy(buf[8:], fr.Data[:n])
}
