package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/cobra"
)

const sampleIni = `
[log]
level = debug

[client]
heartbeat = 2s
reconnect = true
mirror_if = vcan0

[tcp]
server = 10.0.0.5
max_line = 4096

[fep]
baud = 19200
`

func writeIni(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "can-debugger.ini")
	if err := os.WriteFile(p, []byte(body), 0o600); err != nil {
		t.Fatalf("write ini: %v", err)
	}
	return p
}

func TestApplyIniFile(t *testing.T) {
	c := defaultConfig()
	if err := applyIniFile(c, writeIni(t, sampleIni), map[string]struct{}{}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if c.logLevel != "debug" || c.heartbeat != 2*time.Second || !c.reconnect {
		t.Fatalf("unexpected config %+v", c)
	}
	if c.mirrorIf != "vcan0" || c.tcpServer != "10.0.0.5" || c.maxLine != 4096 || c.baud != 19200 {
		t.Fatalf("unexpected config %+v", c)
	}
}

func TestApplyIniFile_FlagWins(t *testing.T) {
	c := defaultConfig()
	c.baud = 57600
	if err := applyIniFile(c, writeIni(t, sampleIni), map[string]struct{}{"baud": {}}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if c.baud != 57600 {
		t.Fatalf("flag should win, got %d", c.baud)
	}
}

func TestApplyIniFile_BadValue(t *testing.T) {
	c := defaultConfig()
	if err := applyIniFile(c, writeIni(t, "[client]\nretry_attempts = many\n"), map[string]struct{}{}); err == nil {
		t.Fatalf("expected error")
	}
}

func TestApplyIniFile_Missing(t *testing.T) {
	if err := applyIniFile(defaultConfig(), filepath.Join(t.TempDir(), "nope.ini"), nil); err == nil {
		t.Fatalf("expected load error")
	}
}

func TestLoadConfig_Precedence(t *testing.T) {
	path := writeIni(t, sampleIni)
	t.Setenv("CAN_DEBUGGER_HEARTBEAT", "3s")
	t.Setenv("CAN_DEBUGGER_BAUD", "38400")

	root := newRootCmd()
	root.SetArgs([]string{"--config", path, "version"})
	var cfg *appConfig
	for _, sub := range root.Commands() {
		if sub.Name() == "version" {
			sub.Run = func(cmd *cobra.Command, args []string) {}
		}
	}
	root.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		cfg = defaultConfig()
		cfg.configFile = path
		return loadConfig(cmd, cfg)
	}
	if err := root.Execute(); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if cfg.heartbeat != 3*time.Second {
		t.Fatalf("env should beat ini, got %v", cfg.heartbeat)
	}
	if cfg.baud != 38400 {
		t.Fatalf("env should apply, got %d", cfg.baud)
	}
	if cfg.logLevel != "debug" {
		t.Fatalf("ini should apply, got %q", cfg.logLevel)
	}
}
