// Package net implements different transports to communicate between veritas
// nodes.
//
// This package contains implementations of the Transport interface, which is
// used by veritas nodes to send and receive RPC requests (SyncRequest,
// PushRequest). There are two implementations:
//
// - Inmem: in-memory transport used only for testing
//
// - TCP: communicating over plain TCP
//
// The TCP transport is suitable when nodes are in the same local network, or
// when users are able to configure their connections appropriately to avoid
// NAT issues.
//
// To use a TCP transport, set the following configuration options in the
// veritas Config object (cf config package):
//
// - BindAddr: the IP:PORT of the TCP socket that veritas binds to.
//
// - AdvertiseAddr: (optional) The address that is advertised to other nodes.
// If BindAddr is a local address not reachable by other peers, it is useful
// to set AdvertiseAddr to the reachable public address.
package net
