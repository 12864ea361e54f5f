package fep

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"testing"
)

// scriptPort replays canned device output and records what was written.
type scriptPort struct {
	in  *bytes.Reader
	out bytes.Buffer
}

func newScriptPort(device string) *scriptPort {
	return &scriptPort{in: bytes.NewReader([]byte(device))}
}

func (p *scriptPort) Read(b []byte) (int, error) { return p.in.Read(b) }
func (p *scriptPort) Write(b []byte) (int, error) { return p.out.Write(b) }
func (p *scriptPort) Close() error { return nil }

func TestRegisterSequence(t *testing.T) {
	p := newScriptPort("8F\r\nOK\r\nOK\r\n")
	s := NewSession(p)
	v, err := s.ReadRegister(18)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if v != 0x8F {
		t.Fatalf("REG18=%02x want 8f", v)
	}
	if _, err := s.WriteRegister(18, v&0xFC); err != nil {
		t.Fatalf("write reg18: %v", err)
	}
	if _, err := s.WriteRegister(0, 200); err != nil {
		t.Fatalf("write reg00: %v", err)
	}
	want := "@REG18\r\n@REG18:140\r\n@REG00:200\r\n"
	if got := p.out.String(); got != want {
		t.Fatalf("written %q want %q", got, want)
	}
}

func TestBroadcastFraming(t *testing.T) {
	p := newScriptPort("OK\r\nOK\r\n")
	s := NewSession(p)
	payload := []byte{0x55, 0xAA, 0xCC, 0x00, 0x01, '@', 0x34, 0xCB}
	lines, err := s.Broadcast(240, payload)
	if err != nil {
		t.Fatalf("broadcast: %v", err)
	}
	if len(lines) != 2 {
		t.Fatalf("replies=%v", lines)
	}
	want := append([]byte("@TBN240008"), payload...)
	want = append(want, '\r', '\n')
	if !bytes.Equal(p.out.Bytes(), want) {
		t.Fatalf("written %q want %q", p.out.Bytes(), want)
	}
}

func TestCommandErrors(t *testing.T) {
	s := NewSession(newScriptPort("NG\r\n"))
	if _, err := s.Reset(); !errors.Is(err, ErrRejected) {
		t.Fatalf("expected ErrRejected, got %v", err)
	}
	s = NewSession(newScriptPort("Z\r\n"))
	if _, err := s.ReadRegister(1); !errors.Is(err, ErrBadReply) {
		t.Fatalf("expected ErrBadReply, got %v", err)
	}
	s = NewSession(newScriptPort(""))
	if _, err := s.ReadRegister(100); !errors.Is(err, ErrBadRequest) {
		t.Fatalf("expected ErrBadRequest, got %v", err)
	}
	if _, err := s.Broadcast(1000, nil); !errors.Is(err, ErrBadRequest) {
		t.Fatalf("expected ErrBadRequest, got %v", err)
	}
	if _, err := s.Reset(); !errors.Is(err, io.EOF) {
		t.Fatalf("expected EOF on silent device, got %v", err)
	}
}

func TestReadMessage(t *testing.T) {
	rep := "\x55\xaa\xcc\x07\x02\x01\x02\xab\xcd"
	stream := "RBN012009" + rep + "\r\n" +
		"RBN003004a\r\nb\r\n" +
		"GRNOISE\r\n"
	s := NewSession(newScriptPort(stream))

	m, err := s.ReadMessage()
	if err != nil {
		t.Fatalf("read rep: %v", err)
	}
	r, ok := ParseREP(m.Data)
	if m.From != 12 || !ok || r.Key != 0x07 || r.Length != 2 || !bytes.Equal(r.Body, []byte{1, 2}) || r.Checksum != [2]byte{0xAB, 0xCD} {
		t.Fatalf("unexpected rep message %+v %+v", m, r)
	}
	if !strings.Contains(m.String(), "[REP] 0102") {
		t.Fatalf("render %q", m.String())
	}

	m, err = s.ReadMessage()
	if err != nil {
		t.Fatalf("read raw: %v", err)
	}
	if m.From != 3 || string(m.Data) != "a\r\nb" {
		t.Fatalf("payload with embedded CRLF not kept: %+v", m)
	}
	if _, ok := ParseREP(m.Data); ok {
		t.Fatalf("plain payload parsed as REP")
	}

	m, err = s.ReadMessage()
	if err != nil {
		t.Fatalf("read other: %v", err)
	}
	if m.From != -1 || m.Other != "GRNOISE" || m.String() != "GRNOISE" {
		t.Fatalf("unexpected other line %+v", m)
	}
	if _, err := s.ReadMessage(); !errors.Is(err, io.EOF) {
		t.Fatalf("expected EOF, got %v", err)
	}
}

func TestReadMessage_BadLength(t *testing.T) {
	s := NewSession(newScriptPort("RBN001xyz"))
	if _, err := s.ReadMessage(); !errors.Is(err, ErrBadReply) {
		t.Fatalf("expected ErrBadReply, got %v", err)
	}
}
