package main

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"gopkg.in/ini.v1"

	"github.com/kstaniek/go-can-debugger/internal/tcpjson"
)

const envPrefix = "CAN_DEBUGGER_"

type appConfig struct {
	configFile      string
	logFormat       string
	logLevel        string
	metricsAddr     string
	logMetricsEvery time.Duration
	heartbeat       time.Duration
	connectTO       time.Duration
	retryAttempts   int
	reconnect       bool
	noPrompt        bool
	mirrorIf        string
	forward         bool
	bleAddress      string
	tcpServer       string
	maxLine         int
	mdnsTimeout     time.Duration
	serialDev       string
	baud            int
	serialReadTO    time.Duration
}

func defaultConfig() *appConfig {
	return &appConfig{
		logFormat:     "text",
		logLevel:      "info",
		heartbeat:     time.Second,
		connectTO:     10 * time.Second,
		retryAttempts: 1,
		maxLine:       tcpjson.DefaultMaxLineLength,
		mdnsTimeout:   3 * time.Second,
		serialDev:     "/dev/ttyUSB0",
		baud:          9600,
		serialReadTO:  500 * time.Millisecond,
	}
}

// setting ties one flag to its ini location; the environment name is
// derived from the flag name.
type setting struct {
	flag    string
	section string
	key     string
	apply   func(c *appConfig, v string) error
}

var settings = []setting{
	{"log-format", "log", "format", str(func(c *appConfig) *string { return &c.logFormat })},
	{"log-level", "log", "level", str(func(c *appConfig) *string { return &c.logLevel })},
	{"log-metrics-interval", "log", "metrics_interval", dur(func(c *appConfig) *time.Duration { return &c.logMetricsEvery })},
	{"metrics-addr", "client", "metrics_addr", str(func(c *appConfig) *string { return &c.metricsAddr })},
	{"heartbeat", "client", "heartbeat", dur(func(c *appConfig) *time.Duration { return &c.heartbeat })},
	{"connect-timeout", "client", "connect_timeout", dur(func(c *appConfig) *time.Duration { return &c.connectTO })},
	{"retry", "client", "retry_attempts", num(func(c *appConfig) *int { return &c.retryAttempts })},
	{"reconnect", "client", "reconnect", boolean(func(c *appConfig) *bool { return &c.reconnect })},
	{"no-prompt", "client", "no_prompt", boolean(func(c *appConfig) *bool { return &c.noPrompt })},
	{"mirror-if", "client", "mirror_if", str(func(c *appConfig) *string { return &c.mirrorIf })},
	{"forward", "client", "forward", boolean(func(c *appConfig) *bool { return &c.forward })},
	{"address", "ble", "address", str(func(c *appConfig) *string { return &c.bleAddress })},
	{"server", "tcp", "server", str(func(c *appConfig) *string { return &c.tcpServer })},
	{"max-line", "tcp", "max_line", num(func(c *appConfig) *int { return &c.maxLine })},
	{"mdns-timeout", "tcp", "mdns_timeout", dur(func(c *appConfig) *time.Duration { return &c.mdnsTimeout })},
	{"serial", "fep", "serial", str(func(c *appConfig) *string { return &c.serialDev })},
	{"baud", "fep", "baud", num(func(c *appConfig) *int { return &c.baud })},
	{"serial-read-timeout", "fep", "read_timeout", dur(func(c *appConfig) *time.Duration { return &c.serialReadTO })},
}

func str(field func(*appConfig) *string) func(*appConfig, string) error {
	return func(c *appConfig, v string) error { *field(c) = v; return nil }
}

func dur(field func(*appConfig) *time.Duration) func(*appConfig, string) error {
	return func(c *appConfig, v string) error {
		d, err := time.ParseDuration(v)
		if err != nil {
			return err
		}
		if d < 0 {
			return fmt.Errorf("negative duration %s", v)
		}
		*field(c) = d
		return nil
	}
}

func num(field func(*appConfig) *int) func(*appConfig, string) error {
	return func(c *appConfig, v string) error {
		n, err := strconv.Atoi(v)
		if err != nil {
			return err
		}
		*field(c) = n
		return nil
	}
}

func boolean(field func(*appConfig) *bool) func(*appConfig, string) error {
	return func(c *appConfig, v string) error {
		switch strings.ToLower(v) {
		case "1", "true", "yes", "on":
			*field(c) = true
		case "0", "false", "no", "off":
			*field(c) = false
		default:
			return fmt.Errorf("not a boolean: %q", v)
		}
		return nil
	}
}

func envName(flag string) string {
	return envPrefix + strings.ToUpper(strings.ReplaceAll(flag, "-", "_"))
}

// changedFlags lists flags set explicitly on the command line.
func changedFlags(fs *pflag.FlagSet) map[string]struct{} {
	set := map[string]struct{}{}
	fs.Visit(func(f *pflag.Flag) { set[f.Name] = struct{}{} })
	return set
}

// applyIniFile loads path and applies keys whose flag was not set.
func applyIniFile(c *appConfig, path string, set map[string]struct{}) error {
	f, err := ini.Load(path)
	if err != nil {
		return fmt.Errorf("load config %s: %w", path, err)
	}
	for _, s := range settings {
		if _, ok := set[s.flag]; ok {
			continue
		}
		sec := f.Section(s.section)
		if !sec.HasKey(s.key) {
			continue
		}
		v := strings.TrimSpace(sec.Key(s.key).String())
		if v == "" {
			continue
		}
		if err := s.apply(c, v); err != nil {
			return fmt.Errorf("config [%s] %s: %w", s.section, s.key, err)
		}
	}
	return nil
}

// applyEnvOverrides maps CAN_DEBUGGER_* variables onto c unless the flag was
// set. Empty values are ignored; the first bad value is reported.
func applyEnvOverrides(c *appConfig, set map[string]struct{}) error {
	var firstErr error
	for _, s := range settings {
		if _, ok := set[s.flag]; ok {
			continue
		}
		name := envName(s.flag)
		v, ok := os.LookupEnv(name)
		v = strings.TrimSpace(v)
		if !ok || (v == "" && s.flag != "metrics-addr") {
			continue
		}
		if err := s.apply(c, v); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("invalid %s: %w", name, err)
		}
	}
	return firstErr
}

// validate checks values and ranges without opening devices or sockets.
func (c *appConfig) validate() error {
	if c == nil {
		return errors.New("nil config")
	}
	switch c.logFormat {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log-format: %s", c.logFormat)
	}
	switch c.logLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log-level: %s", c.logLevel)
	}
	if c.heartbeat <= 0 {
		return fmt.Errorf("heartbeat must be > 0")
	}
	if c.connectTO < 0 {
		return fmt.Errorf("connect-timeout must be >= 0")
	}
	if c.retryAttempts < 1 {
		return fmt.Errorf("retry must be >= 1 (got %d)", c.retryAttempts)
	}
	if c.maxLine < 64 {
		return fmt.Errorf("max-line must be >= 64 (got %d)", c.maxLine)
	}
	if c.mdnsTimeout <= 0 {
		return fmt.Errorf("mdns-timeout must be > 0")
	}
	if c.baud <= 0 {
		return fmt.Errorf("baud must be > 0 (got %d)", c.baud)
	}
	if c.serialReadTO < 0 {
		return fmt.Errorf("serial-read-timeout must be >= 0")
	}
	if c.logMetricsEvery < 0 {
		return fmt.Errorf("log-metrics-interval must be >= 0")
	}
	if c.forward && c.mirrorIf == "" {
		return fmt.Errorf("forward requires mirror-if")
	}
	return nil
}
