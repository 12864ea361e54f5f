package frame

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/kstaniek/go-can-debugger/internal/can"
	"github.com/kstaniek/go-can-debugger/internal/metrics"
)

// FrameSize is the fixed wire size of a debugger CAN frame:
// 2-byte LE signed id, 1-byte length, 8-byte zero-padded payload.
const FrameSize = 2 + 1 + can.MaxDataLen

// Codec encodes/decodes debugger frames. Stateless and safe for concurrent use.
type Codec struct{}

var (
	// ErrInvalidID is returned when an id is outside 0..0x7FF, or by Pack
	// when it does not fit the wire field.
	ErrInvalidID = errors.New("frame: invalid id")
	// ErrInvalidLength is returned when the payload is longer than 8 bytes.
	ErrInvalidLength = errors.New("frame: invalid length")
	// ErrMalformedFrame is returned for raw input that is not a well-formed frame.
	ErrMalformedFrame = errors.New("frame: malformed frame")
)

// Validate checks the encoder preconditions without building a frame.
func Validate(id int, data []byte) error {
	if id < 0 || id > can.SFFMask {
		return fmt.Errorf("%w: 0x%X (want 0..0x%X)", ErrInvalidID, id, can.SFFMask)
	}
	if len(data) > can.MaxDataLen {
		return fmt.Errorf("%w: %d (want <= %d)", ErrInvalidLength, len(data), can.MaxDataLen)
	}
	return nil
}

// Encode packs id and data into an 11-byte frame.
func (c Codec) Encode(id int, data []byte) ([]byte, error) {
	if err := Validate(id, data); err != nil {
		return nil, err
	}
	return c.Pack(id, data)
}

// Pack builds a frame for a message received from the device. Unlike Encode
// the id is only required to fit the signed 16-bit wire field.
func (Codec) Pack(id int, data []byte) ([]byte, error) {
	if id < math.MinInt16 || id > math.MaxInt16 {
		return nil, fmt.Errorf("%w: %d does not fit the 16-bit id field", ErrInvalidID, id)
	}
	if len(data) > can.MaxDataLen {
		return nil, fmt.Errorf("%w: %d (want <= %d)", ErrInvalidLength, len(data), can.MaxDataLen)
	}
	out := make([]byte, FrameSize)
	binary.LittleEndian.PutUint16(out[0:2], uint16(int16(id)))
	out[2] = byte(len(data))
	copy(out[3:], data)
	return out, nil
}

// EncodeFrame packs an already-built can.Frame.
func (c Codec) EncodeFrame(f can.Frame) ([]byte, error) {
	if int(f.Len) > can.MaxDataLen {
		return nil, fmt.Errorf("%w: %d (want <= %d)", ErrInvalidLength, f.Len, can.MaxDataLen)
	}
	return c.Encode(int(f.ID), f.Data[:f.Len])
}

// Decode unpacks an 11-byte frame and returns the id and the first length payload bytes.
// The id is not range checked: the device is trusted.
func (Codec) Decode(raw []byte) (int, []byte, error) {
	if len(raw) != FrameSize {
		metrics.IncMalformed()
		return 0, nil, fmt.Errorf("%w: size %d (want %d)", ErrMalformedFrame, len(raw), FrameSize)
	}
	id := int(int16(binary.LittleEndian.Uint16(raw[0:2])))
	ln := int(raw[2])
	if ln > can.MaxDataLen {
		metrics.IncMalformed()
		return 0, nil, fmt.Errorf("%w: length %d", ErrMalformedFrame, ln)
	}
	payload := make([]byte, ln)
	copy(payload, raw[3:3+ln])
	return id, payload, nil
}
