package fep

import (
	"bytes"
	"encoding/hex"
	"fmt"
)

// repMagic opens a REP envelope inside an RBN payload.
var repMagic = []byte{0x55, 0xAA, 0xCC}

// Message is one item from the receive stream.
type Message struct {
	From  int
	Data  []byte
	Other string
}

// REP is the envelope: magic, key, length, body, 2-byte checksum.
type REP struct {
	Key      byte
	Length   byte
	Body     []byte
	Checksum [2]byte
}

// ParseREP recognizes a REP envelope; the checksum is carried, not verified.
func ParseREP(data []byte) (REP, bool) {
	if len(data) < len(repMagic)+4 || !bytes.HasPrefix(data, repMagic) {
		return REP{}, false
	}
	r := REP{
		Key:    data[3],
		Length: data[4],
		Body:   data[5 : len(data)-2],
	}
	copy(r.Checksum[:], data[len(data)-2:])
	return r, true
}

func (m Message) String() string {
	if m.From < 0 {
		return m.Other
	}
	if rep, ok := ParseREP(m.Data); ok {
		return fmt.Sprintf("%3d: [REP] %s (key=%#02x, checksum=%s)", m.From, hex.EncodeToString(rep.Body), rep.Key, hex.EncodeToString(rep.Checksum[:]))
	}
	return fmt.Sprintf("%3d: %q", m.From, m.Data)
}
