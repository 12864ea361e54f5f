package tcpjson

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// Wire constants of the newline-delimited JSON protocol.
const (
	ServiceName   = "CAN Debugger"
	MethodCANRx   = "can_rx"
	MethodCANTx   = "can_tx"
	MethodBusLoad = "bus_load"
)

// ErrBadMessage is returned for a line that is not a well-formed message.
var ErrBadMessage = errors.New("tcpjson: bad message")

// Message is one decoded line. Data is the raw JSON object under "data".
type Message struct {
	Service string
	Method  string
	Data    json.RawMessage
}

type wireMessage struct {
	Service *string         `json:"service"`
	Method  *string         `json:"method"`
	Data    json.RawMessage `json:"data"`
}

// ParseMessage decodes a line and checks that service, method and an object
// valued data are all present.
func ParseMessage(line []byte) (Message, error) {
	var w wireMessage
	if err := json.Unmarshal(line, &w); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrBadMessage, err)
	}
	switch {
	case w.Service == nil:
		return Message{}, fmt.Errorf("%w: missing service", ErrBadMessage)
	case w.Method == nil:
		return Message{}, fmt.Errorf("%w: missing method", ErrBadMessage)
	}
	data := bytes.TrimSpace(w.Data)
	if len(data) == 0 || data[0] != '{' {
		return Message{}, fmt.Errorf("%w: data is not an object", ErrBadMessage)
	}
	return Message{Service: *w.Service, Method: *w.Method, Data: data}, nil
}

// canData is the data object of can_rx and can_tx.
type canData struct {
	ID      *int      `json:"id"`
	Payload *byteList `json:"payload"`
}

type outCANData struct {
	ID      int      `json:"id"`
	Payload byteList `json:"payload"`
}

type outMessage struct {
	Service string     `json:"service"`
	Method  string     `json:"method"`
	Data    outCANData `json:"data"`
}

// byteList is a byte slice carried as a JSON array of integers.
type byteList []byte

func (b byteList) MarshalJSON() ([]byte, error) {
	ints := make([]int, len(b))
	for i, v := range b {
		ints[i] = int(v)
	}
	return json.Marshal(ints)
}

func (b *byteList) UnmarshalJSON(p []byte) error {
	var ints []int
	if err := json.Unmarshal(p, &ints); err != nil {
		return err
	}
	out := make([]byte, len(ints))
	for i, v := range ints {
		if v < 0 || v > 0xFF {
			return fmt.Errorf("payload[%d]=%d out of byte range", i, v)
		}
		out[i] = byte(v)
	}
	*b = out
	return nil
}

// decodeCAN extracts id and payload from a can_rx data object.
func decodeCAN(data json.RawMessage) (int, []byte, error) {
	var d canData
	if err := json.Unmarshal(data, &d); err != nil {
		return 0, nil, fmt.Errorf("%w: %v", ErrBadMessage, err)
	}
	if d.ID == nil {
		return 0, nil, fmt.Errorf("%w: missing id", ErrBadMessage)
	}
	if d.Payload == nil {
		return 0, nil, fmt.Errorf("%w: missing payload", ErrBadMessage)
	}
	return *d.ID, []byte(*d.Payload), nil
}

// encodeCANTx builds one newline-terminated can_tx line.
func encodeCANTx(id int, payload []byte) ([]byte, error) {
	b, err := json.Marshal(outMessage{
		Service: ServiceName,
		Method:  MethodCANTx,
		Data:    outCANData{ID: id, Payload: byteList(payload)},
	})
	if err != nil {
		return nil, err
	}
	return append(b, '\n'), nil
}
