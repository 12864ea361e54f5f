// Package console is the terminal front end: a colored receive log, state
// and bus-load lines, and an interactive send prompt.
package console

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/fatih/color"
	"github.com/manifoldco/promptui"

	"github.com/kstaniek/go-can-debugger/internal/command"
	"github.com/kstaniek/go-can-debugger/internal/debugger"
)

const PromptLabel = "CAN message (ID: Data)"

var (
	rxColor    = color.New(color.FgGreen).SprintfFunc()
	stateColor = color.New(color.FgHiBlue).SprintfFunc()
	loadColor  = color.New(color.FgYellow).SprintfFunc()
	errColor   = color.New(color.FgRed).SprintfFunc()
)

// Sender is the part of the client the prompt needs.
type Sender interface {
	SendCANPacket(id int, data []byte) error
}

type Console struct {
	out    io.Writer
	sender Sender

	mu      sync.Mutex
	lastErr string

	// readLine is replaced in tests.
	readLine func(label string, validate func(string) error) (string, error)
}

func New(out io.Writer, s Sender) *Console {
	return &Console{out: out, sender: s, readLine: promptLine}
}

func promptLine(label string, validate func(string) error) (string, error) {
	p := promptui.Prompt{Label: label, Validate: validate}
	return p.Run()
}

// FormatRx renders a received message as "iii: hexdata (len)".
func FormatRx(id int, payload []byte) string {
	return fmt.Sprintf("%03x: %s (%d)", id, hex.EncodeToString(payload), len(payload))
}

// Attach wires the console to the client's observers.
func (c *Console) Attach(cl *debugger.Client) {
	cl.OnCANRx(c.PrintRx)
	cl.OnStateChange(c.PrintState)
	cl.OnBusLoad(func([]byte) { c.PrintBusLoad(cl.BusLoad()) })
}

func (c *Console) PrintRx(id int, payload []byte) error {
	return c.println(rxColor("%s", FormatRx(id, payload)))
}

func (c *Console) PrintState(s debugger.State) { _ = c.println(stateColor("[%s]", s)) }

func (c *Console) PrintBusLoad(v string) { _ = c.println(loadColor("bus load: %s", v)) }

func (c *Console) PrintError(msg string) { _ = c.println(errColor("%s", msg)) }

func (c *Console) println(s string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, err := fmt.Fprintln(c.out, s)
	return err
}

// Submit parses text and sends it. The user-facing reason for a failure is
// kept in LastError and cleared by the next success.
func (c *Console) Submit(text string) error {
	cmd, err := command.Parse(text)
	if err != nil {
		c.setLastErr(err.Error())
		return err
	}
	if err := c.sender.SendCANPacket(cmd.ID, cmd.Data); err != nil {
		c.setLastErr("Failed to send CAN message: " + err.Error())
		return fmt.Errorf("send 0x%03x: %w", cmd.ID, err)
	}
	c.setLastErr("")
	return nil
}

func (c *Console) LastError() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

func (c *Console) setLastErr(s string) {
	c.mu.Lock()
	c.lastErr = s
	c.mu.Unlock()
}

// Run prompts for messages until ctx ends or the user interrupts.
func (c *Console) Run(ctx context.Context) error {
	for ctx.Err() == nil {
		text, err := c.readLine(PromptLabel, command.Validate)
		if err != nil {
			if errors.Is(err, promptui.ErrInterrupt) || errors.Is(err, promptui.ErrEOF) || errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		if err := c.Submit(text); err != nil {
			c.PrintError(c.LastError())
		}
	}
	return nil
}
