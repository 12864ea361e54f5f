// Package fep drives a FEP-style radio module over its ASCII command set:
// register access, reset, broadcast and the RBN receive stream.
package fep

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"sync"

	"github.com/kstaniek/go-can-debugger/internal/logging"
	"github.com/kstaniek/go-can-debugger/internal/metrics"
)

const (
	MaxRegister = 99
	MaxAddress  = 999
	MaxPayload  = 999
)

var (
	ErrRejected   = errors.New("fep: command rejected")
	ErrBadReply   = errors.New("fep: malformed reply")
	ErrBadRequest = errors.New("fep: invalid request")
)

// Session serializes commands on one port. Reads of the receive stream
// share the same lock so replies are never interleaved with messages.
type Session struct {
	port   Port
	r      *bufio.Reader
	mu     sync.Mutex
	logger *slog.Logger
}

func NewSession(p Port) *Session {
	return &Session{port: p, r: bufio.NewReader(p), logger: logging.L()}
}

func (s *Session) Close() error { return s.port.Close() }

// ReadRegister returns the value of register reg (reply "XX" in hex).
func (s *Session) ReadRegister(reg int) (byte, error) {
	if reg < 0 || reg > MaxRegister {
		return 0, fmt.Errorf("%w: register %d", ErrBadRequest, reg)
	}
	lines, err := s.command([]byte(fmt.Sprintf("@REG%02d", reg)), 1)
	if err != nil {
		return 0, err
	}
	if len(lines[0]) < 2 {
		return 0, fmt.Errorf("%w: %q", ErrBadReply, lines[0])
	}
	v, err := strconv.ParseUint(lines[0][:2], 16, 8)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrBadReply, lines[0])
	}
	return byte(v), nil
}

// WriteRegister sets register reg to v (sent as three decimal digits).
func (s *Session) WriteRegister(reg int, v byte) (string, error) {
	if reg < 0 || reg > MaxRegister {
		return "", fmt.Errorf("%w: register %d", ErrBadRequest, reg)
	}
	lines, err := s.command([]byte(fmt.Sprintf("@REG%02d:%03d", reg, v)), 1)
	if err != nil {
		return "", err
	}
	return lines[0], nil
}

// Reset restarts the module.
func (s *Session) Reset() (string, error) {
	lines, err := s.command([]byte("@RST"), 1)
	if err != nil {
		return "", err
	}
	return lines[0], nil
}

// Broadcast sends payload to addr; the module answers with two lines.
func (s *Session) Broadcast(addr int, payload []byte) ([]string, error) {
	if addr < 0 || addr > MaxAddress {
		return nil, fmt.Errorf("%w: address %d", ErrBadRequest, addr)
	}
	if len(payload) > MaxPayload {
		return nil, fmt.Errorf("%w: payload length %d", ErrBadRequest, len(payload))
	}
	cmd := append([]byte(fmt.Sprintf("@TBN%03d%03d", addr, len(payload))), payload...)
	return s.command(cmd, 2)
}

func (s *Session) command(cmd []byte, replies int) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.port.Write(append(cmd, '\r', '\n')); err != nil {
		metrics.IncError(metrics.ErrSerialCommand)
		return nil, fmt.Errorf("fep write: %w", err)
	}
	out := make([]string, 0, replies)
	for i := 0; i < replies; i++ {
		line, err := s.r.ReadString('\n')
		if err != nil {
			metrics.IncError(metrics.ErrSerialCommand)
			return out, fmt.Errorf("fep read: %w", err)
		}
		line = strings.TrimRight(line, "\r\n")
		out = append(out, line)
		if strings.HasPrefix(line, "NG") {
			metrics.IncError(metrics.ErrSerialCommand)
			return out, fmt.Errorf("%w: %s -> %s", ErrRejected, printable(cmd), line)
		}
	}
	s.logger.Debug("fep_command", "cmd", printable(cmd), "reply", strings.Join(out, " | "))
	return out, nil
}

// ReadMessage blocks for the next item on the receive stream. Lines that are
// not RBN messages come back with From = -1 and the text in Other.
func (s *Session) ReadMessage() (Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var head [3]byte
	if _, err := io.ReadFull(s.r, head[:]); err != nil {
		return Message{}, err
	}
	if string(head[:]) != "RBN" {
		rest, err := s.r.ReadString('\n')
		msg := Message{From: -1, Other: strings.TrimRight(string(head[:])+rest, "\r\n")}
		if err != nil && !(errors.Is(err, io.EOF) && rest != "") {
			return msg, err
		}
		return msg, nil
	}
	from, err := s.number()
	if err != nil {
		return Message{}, err
	}
	n, err := s.number()
	if err != nil {
		return Message{}, err
	}
	data := make([]byte, n)
	if _, err := io.ReadFull(s.r, data); err != nil {
		return Message{}, err
	}
	var crlf [2]byte
	if _, err := io.ReadFull(s.r, crlf[:]); err != nil {
		return Message{}, err
	}
	return Message{From: from, Data: data}, nil
}

func (s *Session) number() (int, error) {
	var b [3]byte
	if _, err := io.ReadFull(s.r, b[:]); err != nil {
		return 0, err
	}
	v, err := strconv.Atoi(strings.TrimSpace(string(b[:])))
	if err != nil || v < 0 {
		return 0, fmt.Errorf("%w: field %q", ErrBadReply, b[:])
	}
	return v, nil
}

func printable(b []byte) string { return strconv.QuoteToASCII(string(b)) }
