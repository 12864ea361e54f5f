package transport

import "testing"

func TestSubscriptions_DeliverPerChannel(t *testing.T) {
	var s Subscriptions
	var rx, load [][]byte
	s.Subscribe(ChannelCANRx, func(b []byte) { rx = append(rx, b) })
	s.Subscribe(ChannelBusLoad, func(b []byte) { load = append(load, b) })
	s.Subscribe(ChannelCANRx, nil)

	s.Deliver(ChannelCANRx, []byte{1})
	s.Deliver(ChannelCANRx, []byte{2})
	s.Deliver(ChannelBusLoad, []byte{3})
	s.Deliver(ChannelCANTx, []byte{4}) // nobody listens

	if len(rx) != 2 || rx[0][0] != 1 || rx[1][0] != 2 {
		t.Fatalf("unexpected rx deliveries %v", rx)
	}
	if len(load) != 1 || load[0][0] != 3 {
		t.Fatalf("unexpected bus-load deliveries %v", load)
	}
	if !s.Has(ChannelCANRx) || s.Has(ChannelCANTx) {
		t.Fatalf("Has mismatch")
	}
}
