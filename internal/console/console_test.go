package console

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/fatih/color"

	"github.com/kstaniek/go-can-debugger/internal/command"
	"github.com/kstaniek/go-can-debugger/internal/transport"
)

func init() { color.NoColor = true }

type recSender struct {
	ids  []int
	data [][]byte
	err  error
}

func (r *recSender) SendCANPacket(id int, data []byte) error {
	if r.err != nil {
		return r.err
	}
	r.ids = append(r.ids, id)
	r.data = append(r.data, data)
	return nil
}

func TestFormatRx(t *testing.T) {
	if got := FormatRx(0x42, []byte{0xAA, 0xBB}); got != "042: aabb (2)" {
		t.Fatalf("got %q", got)
	}
	if got := FormatRx(0x542, nil); got != "542:  (0)" {
		t.Fatalf("got %q", got)
	}
}

func TestSubmit(t *testing.T) {
	s := &recSender{}
	c := New(io.Discard, s)
	if err := c.Submit("5 42 : 55 AA"); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if len(s.ids) != 1 || s.ids[0] != 0x542 || !bytes.Equal(s.data[0], []byte{0x55, 0xAA}) {
		t.Fatalf("sent %v %v", s.ids, s.data)
	}
	if err := c.Submit("1234:00"); !errors.Is(err, command.RejectIDLength) {
		t.Fatalf("expected RejectIDLength, got %v", err)
	}
	if c.LastError() != "Invalid ID Length" {
		t.Fatalf("last error %q", c.LastError())
	}
	s.err = transport.ErrNotConnected
	if err := c.Submit("100:"); !errors.Is(err, transport.ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
	if c.LastError() != "Failed to send CAN message: not connected" {
		t.Fatalf("last error %q", c.LastError())
	}
	s.err = nil
	if err := c.Submit("100:"); err != nil || c.LastError() != "" {
		t.Fatalf("success did not clear error: %v %q", err, c.LastError())
	}
}

func TestRun_ScriptedInput(t *testing.T) {
	s := &recSender{}
	var out bytes.Buffer
	c := New(&out, s)
	inputs := []string{"100:01", "zz:00"}
	c.readLine = func(label string, validate func(string) error) (string, error) {
		if label != PromptLabel {
			t.Errorf("label %q", label)
		}
		if len(inputs) == 0 {
			return "", io.EOF
		}
		in := inputs[0]
		inputs = inputs[1:]
		return in, nil
	}
	if err := c.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(s.ids) != 1 || s.ids[0] != 0x100 {
		t.Fatalf("sent %v", s.ids)
	}
	if !strings.Contains(out.String(), "Invalid ID") {
		t.Fatalf("rejection not shown: %q", out.String())
	}
}

func TestPrintRx(t *testing.T) {
	var out bytes.Buffer
	c := New(&out, &recSender{})
	if err := c.PrintRx(0x502, []byte{0xAA}); err != nil {
		t.Fatalf("print: %v", err)
	}
	if out.String() != "502: aa (1)\n" {
		t.Fatalf("got %q", out.String())
	}
}
