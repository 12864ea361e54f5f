package tcpjson

import (
	"bytes"
	"errors"
	"strings"
	"testing"
)

func TestParseMessage_Rejects(t *testing.T) {
	bad := []string{
		``,
		`[]`,
		`null`,
		`{"method":"can_rx","data":{}}`,
		`{"service":"CAN Debugger","data":{}}`,
		`{"service":"CAN Debugger","method":"can_rx"}`,
		`{"service":"CAN Debugger","method":"can_rx","data":[1,2]}`,
		`{"service":"CAN Debugger","method":"can_rx","data":null}`,
		`{"service":5,"method":"can_rx","data":{}}`,
	}
	for _, in := range bad {
		if _, err := ParseMessage([]byte(in)); !errors.Is(err, ErrBadMessage) {
			t.Fatalf("ParseMessage(%q) err=%v want ErrBadMessage", in, err)
		}
	}
}

func TestDecodeCAN(t *testing.T) {
	msg, err := ParseMessage([]byte(`{"service":"CAN Debugger","method":"can_rx","data":{"id":1346,"payload":[85, 0, 255]}}`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	id, p, err := decodeCAN(msg.Data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if id != 0x542 || !bytes.Equal(p, []byte{0x55, 0x00, 0xFF}) {
		t.Fatalf("got id=%d payload=%v", id, p)
	}
	for _, data := range []string{
		`{"payload":[1]}`,
		`{"id":1}`,
		`{"id":1,"payload":[256]}`,
		`{"id":1,"payload":[-1]}`,
		`{"id":"x","payload":[]}`,
	} {
		if _, _, err := decodeCAN([]byte(data)); err == nil {
			t.Fatalf("decodeCAN(%s) expected error", data)
		}
	}
}

func TestEncodeCANTx_EmptyPayload(t *testing.T) {
	line, err := encodeCANTx(0x100, nil)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if !strings.HasSuffix(string(line), `"data":{"id":256,"payload":[]}}`+"\n") {
		t.Fatalf("unexpected line %q", line)
	}
}
