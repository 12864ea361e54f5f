//go:build linux

package ble

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"tinygo.org/x/bluetooth"
)

var (
	adapter     = bluetooth.DefaultAdapter
	enableOnce  sync.Once
	enableErr   error
	bluezDialer = &adapterDialer{links: make(map[string]*adapterLink)}
)

// DefaultDialer returns the BlueZ-backed dialer for the default adapter.
func DefaultDialer() Dialer { return bluezDialer }

type adapterDialer struct {
	mu    sync.Mutex
	links map[string]*adapterLink
}

func (d *adapterDialer) Dial(ctx context.Context, address string) (Link, error) {
	enableOnce.Do(func() {
		enableErr = adapter.Enable()
		if enableErr == nil {
			adapter.SetConnectHandler(d.onConnect)
		}
	})
	if enableErr != nil {
		return nil, fmt.Errorf("enable adapter: %w", enableErr)
	}
	mac, err := bluetooth.ParseMAC(address)
	if err != nil {
		return nil, fmt.Errorf("parse address %q: %w", address, err)
	}
	addr := bluetooth.Address{MACAddress: bluetooth.MACAddress{MAC: mac}}

	type result struct {
		dev bluetooth.Device
		err error
	}
	res := make(chan result, 1)
	go func() {
		dev, err := adapter.Connect(addr, bluetooth.ConnectionParams{})
		res <- result{dev, err}
	}()
	var r result
	select {
	case <-ctx.Done():
		go func() {
			if r := <-res; r.err == nil {
				_ = r.dev.Disconnect()
			}
		}()
		return nil, ctx.Err()
	case r = <-res:
	}
	if r.err != nil {
		return nil, r.err
	}
	l := &adapterLink{dev: r.dev, key: addr.String(), lost: make(chan struct{})}
	d.mu.Lock()
	d.links[l.key] = l
	d.mu.Unlock()
	return l, nil
}

func (d *adapterDialer) onConnect(dev bluetooth.Device, connected bool) {
	if connected {
		return
	}
	key := dev.Address.String()
	d.mu.Lock()
	l := d.links[key]
	delete(d.links, key)
	d.mu.Unlock()
	if l != nil {
		l.markLost()
	}
}

type adapterLink struct {
	dev      bluetooth.Device
	key      string
	lost     chan struct{}
	lostOnce sync.Once
}

func (l *adapterLink) Characteristics(uuids ...string) (map[string]Characteristic, error) {
	want := make(map[string]bool, len(uuids))
	for _, u := range uuids {
		want[strings.ToLower(u)] = true
	}
	svcs, err := l.dev.DiscoverServices(nil)
	if err != nil {
		return nil, fmt.Errorf("discover services: %w", err)
	}
	out := make(map[string]Characteristic, len(uuids))
	for _, svc := range svcs {
		chars, err := svc.DiscoverCharacteristics(nil)
		if err != nil {
			return nil, fmt.Errorf("discover characteristics of %s: %w", svc.UUID().String(), err)
		}
		for _, c := range chars {
			if u := strings.ToLower(c.UUID().String()); want[u] {
				out[u] = c
			}
		}
	}
	return out, nil
}

func (l *adapterLink) Disconnect() error {
	l.markLost()
	return l.dev.Disconnect()
}

func (l *adapterLink) Lost() <-chan struct{} { return l.lost }

func (l *adapterLink) markLost() { l.lostOnce.Do(func() { close(l.lost) }) }
