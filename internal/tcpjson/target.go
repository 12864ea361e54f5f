package tcpjson

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
)

// DefaultPort is used when the target carries no port.
const DefaultPort = 8900

var (
	// ErrTargetRequired is returned for an empty target or host.
	ErrTargetRequired = errors.New("tcpjson: target host is required")
	// ErrBadPort is returned when the port part is not a decimal port number.
	ErrBadPort = errors.New("tcpjson: invalid port")
)

// ParseTarget turns "host", "host:port", "[v6]:port" or a bare IPv6 literal
// into a dialable address. Validation happens before any I/O.
func ParseTarget(target string) (string, error) {
	target = strings.TrimSpace(target)
	if target == "" {
		return "", ErrTargetRequired
	}
	var host, port string
	switch {
	case strings.HasPrefix(target, "["):
		end := strings.IndexByte(target, ']')
		if end < 0 {
			return "", fmt.Errorf("%w: unterminated bracket in %q", ErrTargetRequired, target)
		}
		host = target[1:end]
		rest := target[end+1:]
		if rest != "" {
			if rest[0] != ':' {
				return "", fmt.Errorf("%w: %q", ErrBadPort, rest)
			}
			port = rest[1:]
			if port == "" {
				return "", fmt.Errorf("%w: empty port", ErrBadPort)
			}
		}
	case strings.Count(target, ":") > 1:
		if ip := net.ParseIP(target); ip == nil {
			return "", fmt.Errorf("%w: %q (write IPv6 literals as [addr]:port)", ErrBadPort, target)
		}
		host = target
	default:
		h, p, ok := strings.Cut(target, ":")
		host = h
		if ok {
			if p == "" {
				return "", fmt.Errorf("%w: empty port", ErrBadPort)
			}
			port = p
		}
	}
	if host == "" {
		return "", ErrTargetRequired
	}
	n := DefaultPort
	if port != "" {
		for _, r := range port {
			if r < '0' || r > '9' {
				return "", fmt.Errorf("%w: %q", ErrBadPort, port)
			}
		}
		v, err := strconv.Atoi(port)
		if err != nil || v < 1 || v > 65535 {
			return "", fmt.Errorf("%w: %q", ErrBadPort, port)
		}
		n = v
	}
	return net.JoinHostPort(host, strconv.Itoa(n)), nil
}
