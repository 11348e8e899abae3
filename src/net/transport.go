package net

// Transport provides an interface for network transports to allow a node to
// exchange operations with other nodes.
type Transport interface {

	// Listen starts the transport listening
	Listen()

	// Consumer returns a channel that can be used to
	// consume and respond to RPC requests.
	Consumer() <-chan RPC

	// LocalAddr is used to return our local address
	LocalAddr() string

	// AdvertiseAddr is used to return our advertise address where other peers
	// can reach us
	AdvertiseAddr() string

	// Sync sends an anti-entropy pull request to the target node.
	Sync(target string, args *SyncRequest, resp *SyncResponse) error

	// Push actively sends operations to the target node without them being
	// requested.
	Push(target string, args *PushRequest, resp *PushResponse) error

	// Close permanently closes a transport, stopping
	// any associated goroutines and freeing other resources.
	Close() error
}
