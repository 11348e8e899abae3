// Package node implements the veritas run loop.
//
// A node drives four concerns from a single state machine: it gossips
// operations with its peers over a pull-push anti-entropy protocol, it
// ingests operations through one serialized write path, it closes rumor
// voting windows and finalizes their vote sets, and it runs the periodic
// trust and ledger maintenance cycles.
//
// The state machine moves between four states. A node with configured peers
// starts in Syncing and pulls from them until its operation log converges;
// it then moves to Running, where heartbeats trigger gossip and
// finalization. Suspended keeps the node alive but inert, and Shutdown
// tears everything down in order: run loop, background routines, transport,
// store.
package node
