package can

// Classic CAN limits for the standard (11-bit) identifier space used by the debugger.
const (
	SFFMask    = 0x7FF
	MaxDataLen = 8
)

// Frame is a classic CAN frame as exchanged with the debugger device.
// Only the first Len bytes of Data are valid; the rest is padding.
type Frame struct {
	ID   uint16
	Len  uint8
	Data [MaxDataLen]byte
}

// NewFrame copies data into a Frame. Callers validate id and len(data) first.
func NewFrame(id uint16, data []byte) Frame {
	f := Frame{ID: id, Len: uint8(len(data))}
	copy(f.Data[:], data)
	return f
}

// Payload returns a copy of the significant payload bytes.
func (f Frame) Payload() []byte {
	n := int(f.Len)
	if n > MaxDataLen {
		n = MaxDataLen
	}
	out := make([]byte, n)
	copy(out, f.Data[:n])
	return out
}
