package net

import (
	"net"
	"time"
)

// StreamLayer is the low level connection abstraction underneath a
// NetworkTransport.
type StreamLayer interface {
	net.Listener

	// Dial creates a new outgoing connection
	Dial(address string, timeout time.Duration) (net.Conn, error)

	// AdvertiseAddr returns the publicly-reachable address of the stream
	AdvertiseAddr() string
}
