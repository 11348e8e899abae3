package node

import (
	"testing"
	"time"

	"github.com/veritas-net/veritas/src/crypto/keys"
	"github.com/veritas-net/veritas/src/net"
	"github.com/veritas-net/veritas/src/oplog"
	"github.com/veritas-net/veritas/src/peers"
)

// newTestNodes creates n initialised nodes wired together over in-memory
// transports. The nodes are not running; tests drive gossip by hand.
func newTestNodes(t *testing.T, n int) []*Node {
	validators := make([]*Validator, n)
	transports := make([]*net.InmemTransport, n)
	addresses := make([]string, n)
	peerList := make([]*peers.Peer, n)

	for i := 0; i < n; i++ {
		key, err := keys.GenerateECDSAKey()
		if err != nil {
			t.Fatal(err)
		}
		validators[i] = NewValidator(key, "node"+string(rune('0'+i)))
		addresses[i], transports[i] = net.NewInmemTransport("")
		peerList[i] = peers.NewPeer(validators[i].PublicKeyHex(), addresses[i], validators[i].Moniker)
	}

	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			if i != j {
				transports[i].Connect(addresses[j], transports[j])
			}
		}
	}

	nodes := make([]*Node, n)
	for i := 0; i < n; i++ {
		conf := TestConfig(t)
		nodes[i] = NewNode(conf,
			validators[i],
			peers.NewPeerSet(peerList),
			oplog.NewInmemStore(conf.CacheSize),
			transports[i],
		)
		if err := nodes[i].Init(); err != nil {
			t.Fatal(err)
		}
	}

	return nodes
}

// serve answers RPC requests on a node's transport until the returned stop
// function is called.
func serve(n *Node) (stop func()) {
	done := make(chan struct{})
	go func() {
		for {
			select {
			case rpc := <-n.trans.Consumer():
				n.processRPC(rpc)
			case <-done:
				return
			}
		}
	}()
	return func() { close(done) }
}

func peerOf(n *Node) *peers.Peer {
	return n.nextPeer()
}

func TestInitRegistersOwnIdentity(t *testing.T) {
	nodes := newTestNodes(t, 1)
	node := nodes[0]
	defer node.Shutdown()

	nullifier := node.validator.Nullifier()
	if _, ok := node.core.State().Users[nullifier]; !ok {
		t.Fatal("Init should register the node's own identity")
	}
	if !node.core.Accumulator().Contains(node.validator.Commitment()) {
		t.Fatal("Init should add the node's commitment to the accumulator")
	}

	// single node has no peers to sync with
	if node.GetState() != Running {
		t.Fatalf("peerless node should be Running, got %s", node.GetState())
	}
}

func TestPullConvergence(t *testing.T) {
	nodes := newTestNodes(t, 2)
	defer nodes[0].Shutdown()
	defer nodes[1].Shutdown()

	// node 0 knows a rumor that node 1 has never seen
	author := nodes[0].validator.Nullifier()
	if _, err := nodes[0].Submit(rumorOp("r1", author)); err != nil {
		t.Fatal(err)
	}

	stop := serve(nodes[0])
	defer stop()

	outcome, err := nodes[1].pull(peerOf(nodes[1]))
	if err != nil {
		t.Fatal(err)
	}
	_ = outcome

	// pull until roots converge; each side registered its own join, so one
	// round in each direction is not enough for full convergence, but node 1
	// must now hold the rumor
	if _, ok := nodes[1].core.State().Rumors["r1"]; !ok {
		t.Fatal("pull should transfer the rumor")
	}
	if _, ok := nodes[1].core.State().Users[author]; !ok {
		t.Fatal("pull should transfer the author's join")
	}
}

func TestGossipRoundTripConverges(t *testing.T) {
	nodes := newTestNodes(t, 2)
	defer nodes[0].Shutdown()
	defer nodes[1].Shutdown()

	author := nodes[0].validator.Nullifier()
	if _, err := nodes[0].Submit(rumorOp("r1", author)); err != nil {
		t.Fatal(err)
	}

	stop0 := serve(nodes[0])
	defer stop0()
	stop1 := serve(nodes[1])
	defer stop1()

	// a pull-push round from each side settles both logs
	if err := nodes[1].gossip(peerOf(nodes[1])); err != nil {
		t.Fatal(err)
	}
	if err := nodes[0].gossip(peerOf(nodes[0])); err != nil {
		t.Fatal(err)
	}

	roots0, err := nodes[0].core.Syncer().Roots()
	if err != nil {
		t.Fatal(err)
	}
	roots1, err := nodes[1].core.Syncer().Roots()
	if err != nil {
		t.Fatal(err)
	}

	if roots0["oplog"] != roots1["oplog"] {
		t.Fatalf("oplog roots should converge: %s != %s", roots0["oplog"], roots1["oplog"])
	}
	if roots0["tombstones"] != roots1["tombstones"] {
		t.Fatal("tombstone roots should converge")
	}
}

func TestPushDeliversSubmission(t *testing.T) {
	nodes := newTestNodes(t, 2)
	defer nodes[0].Shutdown()
	defer nodes[1].Shutdown()

	stop := serve(nodes[1])
	defer stop()

	author := nodes[0].validator.Nullifier()
	if _, err := nodes[0].Submit(rumorOp("r1", author)); err != nil {
		t.Fatal(err)
	}

	// broadcast runs in a goroutine; wait for the push to land
	deadline := time.After(2 * time.Second)
	for {
		if _, ok := nodes[1].core.State().Rumors["r1"]; ok {
			break
		}
		select {
		case <-deadline:
			t.Fatal("broadcast never reached the peer")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestSuspendAndResume(t *testing.T) {
	nodes := newTestNodes(t, 1)
	node := nodes[0]
	defer node.Shutdown()

	node.Suspend()
	if node.GetState() != Suspended {
		t.Fatalf("expected Suspended, got %s", node.GetState())
	}

	node.Resume()
	if node.GetState() != Running {
		t.Fatalf("expected Running, got %s", node.GetState())
	}
}

func TestShutdownIsIdempotent(t *testing.T) {
	nodes := newTestNodes(t, 1)
	node := nodes[0]

	node.Shutdown()
	if node.GetState() != Shutdown {
		t.Fatalf("expected Shutdown, got %s", node.GetState())
	}

	// a second shutdown must not panic on closed channels
	node.Shutdown()
}

func TestStats(t *testing.T) {
	nodes := newTestNodes(t, 1)
	node := nodes[0]
	defer node.Shutdown()

	author := node.validator.Nullifier()
	if _, err := node.Submit(rumorOp("r1", author)); err != nil {
		t.Fatal(err)
	}

	stats := node.GetStats()
	if stats["active_rumors"] != "1" {
		t.Fatalf("expected 1 active rumor, got %s", stats["active_rumors"])
	}
	if stats["registered_users"] != "1" {
		t.Fatalf("expected 1 registered user, got %s", stats["registered_users"])
	}
	if stats["state"] != "Running" {
		t.Fatalf("expected Running, got %s", stats["state"])
	}
}
