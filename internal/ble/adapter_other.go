//go:build !linux

package ble

import "context"

type unsupportedDialer struct{}

// DefaultDialer returns a dialer that always fails on non-Linux builds.
func DefaultDialer() Dialer { return unsupportedDialer{} }

func (unsupportedDialer) Dial(context.Context, string) (Link, error) { return nil, ErrUnsupported }
