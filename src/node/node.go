package node

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/veritas-net/veritas/src/antientropy"
	"github.com/veritas-net/veritas/src/net"
	"github.com/veritas-net/veritas/src/oplog"
	"github.com/veritas-net/veritas/src/peers"
)

//Node defines a veritas node
type Node struct {
	state

	conf   *Config
	logger *logrus.Entry

	validator *Validator

	core *Core

	trans net.Transport
	netCh <-chan net.RPC

	sigintCh   chan os.Signal
	shutdownCh chan struct{}

	controlTimer *ControlTimer

	start        time.Time
	syncRequests int
	syncErrors   int
}

//NewNode is a factory method that returns a Node instance
func NewNode(conf *Config,
	validator *Validator,
	peerSet *peers.PeerSet,
	store oplog.Store,
	trans net.Transport,
) *Node {
	//Prepare sigintCh to relay SIGINT system calls
	sigintCh := make(chan os.Signal, 1)
	signal.Notify(sigintCh, os.Interrupt, syscall.SIGINT)

	logger := conf.Logger.WithField("this_id", validator.ID())

	node := Node{
		validator:    validator,
		conf:         conf,
		logger:       logger,
		core:         NewCore(validator, peerSet, store, conf, logger),
		trans:        trans,
		netCh:        trans.Consumer(),
		sigintCh:     sigintCh,
		shutdownCh:   make(chan struct{}),
		controlTimer: NewRandomControlTimer(),
	}

	return &node
}

//Init initialises the node: replay whatever the store already holds, make
//sure our own identity is registered, and decide the starting state.
func (n *Node) Init() error {
	if err := n.core.Bootstrap(); err != nil {
		return err
	}

	if _, ok := n.core.State().Users[n.validator.Nullifier()]; !ok {
		join, err := n.core.JoinOperation()
		if err != nil {
			return err
		}
		if _, err := n.core.AddOperation(join); err != nil {
			return err
		}
		n.logger.Debug("Registered own identity")
	}

	if n.core.peerSelector.Next() != nil {
		n.logger.Debug("Peers configured => Syncing")
		n.setState(Syncing)
	} else {
		n.logger.Debug("No peers => Running")
		n.setState(Running)
	}

	return nil
}

//RunAsync calls Run as a separate thread
func (n *Node) RunAsync(gossip bool) {
	n.logger.WithField("gossip", gossip).Debug("runasync")

	go n.Run(gossip)
}

//Run invokes the main loop of the node
func (n *Node) Run(gossip bool) {
	n.start = time.Now()

	//The ControlTimer allows the background routines to control the
	//heartbeat timer.
	go n.controlTimer.Run(n.conf.HeartbeatTimeout)

	//Execute some background work regardless of the state of the node.
	go n.doBackgroundWork()

	//Execute Node State Machine
	for {
		//Run different routines depending on node state
		state := n.getState()

		n.logger.WithField("state", state.String()).Debug("Run loop")

		switch state {
		case Running:
			n.running(gossip)
		case Syncing:
			n.catchUp()
		case Suspended:
			n.lounge()
		case Shutdown:
			return
		}
	}
}

func (n *Node) resetTimer() {
	if !n.controlTimer.set {
		n.controlTimer.resetCh <- n.conf.HeartbeatTimeout
	}
}

func (n *Node) doBackgroundWork() {
	trustTicker := time.NewTicker(n.conf.TrustInterval)
	defer trustTicker.Stop()

	maintenanceTicker := time.NewTicker(n.conf.MaintenanceInterval)
	defer maintenanceTicker.Stop()

	for {
		select {
		case rpc := <-n.netCh:
			n.goFunc(func() {
				n.logger.Debug("Processing RPC")
				n.processRPC(rpc)
				n.resetTimer()
			})
		case <-trustTicker.C:
			n.goFunc(func() { n.core.RecomputeTrust() })
		case <-maintenanceTicker.C:
			n.goFunc(func() { n.core.RunMaintenance() })
		case <-n.shutdownCh:
			return
		case <-n.sigintCh:
			n.logger.Debug("Reacting to SIGINT")
			n.Shutdown()
			os.Exit(0)
		}
	}
}

// running processes heartbeats: gossip with a random peer and finalize the
// rumors whose voting window closed.
func (n *Node) running(gossip bool) {
	n.logger.Debug("RUNNING")

	for {
		select {
		case <-n.controlTimer.tickCh:
			if gossip {
				peer := n.nextPeer()
				if peer != nil {
					n.goFunc(func() { n.gossip(peer) })
				}
			}

			n.finalizeDue()
			n.resetTimer()
		case <-n.shutdownCh:
			return
		}
	}
}

// catchUp enacts "Syncing": pull from peers until a round merges nothing
// new, then transition to Running.
func (n *Node) catchUp() {
	n.logger.Debug("CATCHING-UP")

	//wait until sync routines finish
	n.waitRoutines()

	for _, peer := range n.core.peerSelector.Peers().Peers {
		if peer.ID() == n.validator.ID() {
			continue
		}

		res, err := n.pull(peer)
		if err != nil {
			n.logger.WithError(err).WithField("peer", peer.NetAddr).Error("catchUp pull")
			continue
		}

		if res.Converged {
			break
		}
	}

	n.logger.Debug("CatchUp complete => Running")
	n.setState(Running)
}

// lounge keeps a Suspended node responsive to shutdown without gossipping.
func (n *Node) lounge() {
	n.logger.Debug("SUSPENDED")

	for n.getState() == Suspended {
		select {
		case <-n.controlTimer.tickCh:
			n.resetTimer()
		case <-n.shutdownCh:
			return
		}
	}
}

func (n *Node) nextPeer() *peers.Peer {
	n.core.selectorLock.Lock()
	defer n.core.selectorLock.Unlock()
	return n.core.peerSelector.Next()
}

//gossip performs a pull-push gossip operation with the selected peer.
func (n *Node) gossip(peer *peers.Peer) error {
	//pull
	res, err := n.pull(peer)
	if err != nil {
		n.logger.WithError(err).Error("gossip pull")
		return err
	}

	//push
	if err := n.push(peer, res); err != nil {
		n.logger.WithError(err).Error("gossip push")
		return err
	}

	//update peer selector
	n.core.selectorLock.Lock()
	n.core.peerSelector.UpdateLast(peer.ID())
	n.core.selectorLock.Unlock()

	n.logStats()

	return nil
}

// pull sends a SyncRequest to the peer and merges the response.
func (n *Node) pull(peer *peers.Peer) (*mergeOutcome, error) {
	req, err := n.core.Syncer().CreateSyncRequest()
	if err != nil {
		return nil, err
	}

	var resp net.SyncResponse

	start := time.Now()
	err = n.trans.Sync(peer.NetAddr, req, &resp)
	elapsed := time.Since(start)
	n.logger.WithField("duration", elapsed.Nanoseconds()).Debug("requestSync()")

	n.syncRequests++
	if err != nil {
		n.syncErrors++
		return nil, err
	}

	res, err := n.core.MergeResponse(&resp)
	if err != nil {
		n.syncErrors++
		return nil, err
	}

	return &mergeOutcome{
		Converged: res.Converged,
		PeerRoot:  resp.Roots[antientropy.OplogStore],
		PeerKnown: resp.KnownOps,
	}, nil
}

type mergeOutcome struct {
	Converged bool
	PeerRoot  string
	PeerKnown int
}

// push sends the peer the operations it is missing, according to the root
// and known count it reported during the pull. Push failures are logged,
// never surfaced; the next anti-entropy round repairs whatever was missed.
func (n *Node) push(peer *peers.Peer, outcome *mergeOutcome) error {
	ops, err := n.core.Syncer().MissingFor(outcome.PeerRoot, outcome.PeerKnown)
	if err != nil {
		return err
	}
	if len(ops) == 0 {
		return nil
	}

	args := &net.PushRequest{FromID: n.validator.Moniker, Ops: ops}
	var resp net.PushResponse

	if err := n.trans.Push(peer.NetAddr, args, &resp); err != nil {
		n.logger.WithError(err).WithField("peer", peer.NetAddr).Debug("push")
	}

	return nil
}

// finalizeDue launches a finalization for every rumor whose voting window
// has closed. Distinct rumors finalize concurrently.
func (n *Node) finalizeDue() {
	for _, rumorID := range n.core.CheckWindows(time.Now().Unix()) {
		id := rumorID
		n.goFunc(func() {
			if _, err := n.core.FinalizeRumor(id); err != nil {
				n.logger.WithError(err).WithField("rumor_id", id).Debug("finalize")
			}
		})
	}
}

// Submit signs and ingests an operation originating from this node's UI,
// then broadcasts it to the peers. This is the only write path exposed to
// the service layer.
func (n *Node) Submit(op *oplog.Operation) (int, error) {
	index, err := n.core.AddOperation(op)
	if err != nil {
		return -1, err
	}

	n.goFunc(n.broadcast)

	return index, nil
}

// broadcast fire-and-forgets the log to every peer. Receivers merge by
// content hash, so resending operations they already hold costs nothing but
// bandwidth.
func (n *Node) broadcast() {
	ops, err := n.core.Syncer().MissingFor("", 0)
	if err != nil {
		return
	}

	args := &net.PushRequest{FromID: n.validator.Moniker, Ops: ops}

	for _, peer := range n.core.peerSelector.Peers().Peers {
		if peer.ID() == n.validator.ID() {
			continue
		}
		var resp net.PushResponse
		if err := n.trans.Push(peer.NetAddr, args, &resp); err != nil {
			n.logger.WithError(err).WithField("peer", peer.NetAddr).Debug("broadcast")
		}
	}
}

// Suspend stops gossip and finalization but keeps the node responsive.
func (n *Node) Suspend() {
	n.logger.Debug("SUSPEND")
	n.setState(Suspended)
}

// Resume returns a suspended node to the Running state.
func (n *Node) Resume() {
	if n.getState() == Suspended {
		n.setState(Running)
	}
}

//Shutdown closes the node down
func (n *Node) Shutdown() {
	if n.getState() != Shutdown {
		n.logger.Debug("SHUTDOWN")

		//Exit state machine loop and background work
		n.setState(Shutdown)
		close(n.shutdownCh)

		//Stop and wait for concurrent operations
		n.controlTimer.Shutdown()
		n.waitRoutines()

		//transport and store should only be closed once all concurrent
		//operations are finished, otherwise they will panic with errors about
		//closed channels
		n.trans.Close()
		n.core.Materializer().Log().Store().Close()
	}
}

//GetID returns the numeric ID of the node's validator
func (n *Node) GetID() uint32 {
	return n.validator.ID()
}

//GetState returns the current state of the node
func (n *Node) GetState() State {
	return n.getState()
}

//Core exposes the node's core to the service layer.
func (n *Node) Core() *Core {
	return n.core
}

//GetPeers returns the node's peers
func (n *Node) GetPeers() []*peers.Peer {
	return n.core.peerSelector.Peers().Peers
}

//GetStats returns operational statistics
func (n *Node) GetStats() map[string]string {
	state := n.core.State()

	stats := map[string]string{
		"id":                fmt.Sprint(n.validator.ID()),
		"moniker":           n.validator.Moniker,
		"state":             n.getState().String(),
		"uptime":            time.Since(n.start).String(),
		"last_index":        fmt.Sprint(n.core.Materializer().Log().LastIndex()),
		"registered_users":  fmt.Sprint(len(state.Users)),
		"active_rumors":     fmt.Sprint(state.ActiveRumors()),
		"tombstoned_rumors": fmt.Sprint(state.TombstonedRumors()),
		"total_votes":       fmt.Sprint(state.TotalVotes()),
		"finalized_rumors":  fmt.Sprint(n.core.FinalizedCount()),
		"membership_size":   fmt.Sprint(n.core.Accumulator().Size()),
		"membership_root":   n.core.Accumulator().Root(),
		"sync_requests":     fmt.Sprint(n.syncRequests),
		"sync_errors":       fmt.Sprint(n.syncErrors),
	}

	return stats
}

func (n *Node) logStats() {
	stats := n.GetStats()

	n.logger.WithFields(logrus.Fields{
		"last_index":       stats["last_index"],
		"registered_users": stats["registered_users"],
		"active_rumors":    stats["active_rumors"],
		"finalized_rumors": stats["finalized_rumors"],
		"sync_requests":    stats["sync_requests"],
		"sync_errors":      stats["sync_errors"],
	}).Debug("Stats")
}
