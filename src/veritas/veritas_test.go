package veritas

import (
	"net"
	"os"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/veritas-net/veritas/src/config"
	"github.com/veritas-net/veritas/src/node"
	"github.com/veritas-net/veritas/src/oplog"
	"github.com/veritas-net/veritas/src/peers"
)

func testConfig(t *testing.T, dataDir string) *config.Config {
	conf := config.NewTestConfig(t, logrus.DebugLevel)
	conf.SetDataDir(dataDir)
	conf.BindAddr = "127.0.0.1:0"
	conf.NoService = true
	conf.Moniker = "test_engine"
	return conf
}

func TestInitSolo(t *testing.T) {
	conf := testConfig(t, t.TempDir())

	engine := NewVeritas(conf)

	if err := engine.Init(); err != nil {
		t.Fatal(err)
	}
	defer engine.Node.Shutdown()

	// no peers.json, so the engine generated a key and runs solo
	if _, err := os.Stat(conf.Keyfile()); err != nil {
		t.Fatal(err)
	}

	if engine.Peers.Len() != 1 {
		t.Fatalf("solo engine should have 1 peer, not %d", engine.Peers.Len())
	}

	if state := engine.Node.GetState(); state != node.Running {
		t.Fatalf("solo engine should be Running, not %s", state)
	}

	stats := engine.Node.GetStats()

	if stats["registered_users"] != "1" {
		t.Fatalf("registered_users should be 1, not %s", stats["registered_users"])
	}

	if stats["moniker"] != "test_engine" {
		t.Fatalf("moniker should be test_engine, not %s", stats["moniker"])
	}
}

func TestInitStoreBootstrap(t *testing.T) {
	dataDir := t.TempDir()

	conf := testConfig(t, dataDir)
	conf.Store = true

	engine := NewVeritas(conf)

	if err := engine.Init(); err != nil {
		t.Fatal(err)
	}

	if engine.Store.(*oplog.BadgerStore).NeedBootstrap() {
		t.Fatal("fresh database should not need bootstrap")
	}

	engine.Node.Shutdown()

	// a second engine over the same datadir reloads the key and replays the
	// existing log instead of appending a second join
	conf2 := testConfig(t, dataDir)
	conf2.Store = true

	engine2 := NewVeritas(conf2)

	if err := engine2.Init(); err != nil {
		t.Fatal(err)
	}
	defer engine2.Node.Shutdown()

	stats := engine2.Node.GetStats()

	if stats["registered_users"] != "1" {
		t.Fatalf("registered_users should be 1, not %s", stats["registered_users"])
	}

	if stats["last_index"] != "0" {
		t.Fatalf("last_index should still be 0, not %s", stats["last_index"])
	}
}

func TestBootstrapRequiresExistingDatabase(t *testing.T) {
	conf := testConfig(t, t.TempDir())
	conf.Bootstrap = true

	engine := NewVeritas(conf)

	if err := engine.Init(); err == nil {
		engine.Node.Shutdown()
		t.Fatal("bootstrap over a missing database should fail")
	}
}

func TestBootstrapRecoversFromDatabase(t *testing.T) {
	dataDir := t.TempDir()

	conf := testConfig(t, dataDir)
	conf.Store = true

	engine := NewVeritas(conf)

	if err := engine.Init(); err != nil {
		t.Fatal(err)
	}

	engine.Node.Shutdown()

	conf2 := testConfig(t, dataDir)
	conf2.Bootstrap = true

	engine2 := NewVeritas(conf2)

	if err := engine2.Init(); err != nil {
		t.Fatal(err)
	}
	defer engine2.Node.Shutdown()

	if !engine2.Config.Store {
		t.Fatal("bootstrap should force the persistent store")
	}

	stats := engine2.Node.GetStats()

	if stats["registered_users"] != "1" {
		t.Fatalf("registered_users should be 1, not %s", stats["registered_users"])
	}

	if stats["last_index"] != "0" {
		t.Fatalf("last_index should still be 0, not %s", stats["last_index"])
	}
}

// reserveAddr grabs a free localhost port for an engine to bind.
func reserveAddr(t *testing.T) string {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := l.Addr().String()
	l.Close()
	return addr
}

func TestTwoEnginesConvergeOverTCP(t *testing.T) {
	dirs := []string{t.TempDir(), t.TempDir()}
	addrs := []string{reserveAddr(t), reserveAddr(t)}

	// keys first, so both peers.json files can name both members
	peerList := make([]*peers.Peer, 2)
	validators := make([]*node.Validator, 2)
	for i, dir := range dirs {
		key, err := Keygen(dir + "/" + config.DefaultKeyfile)
		if err != nil {
			t.Fatal(err)
		}
		validators[i] = node.NewValidator(key, "engine"+string(rune('0'+i)))
		peerList[i] = peers.NewPeer(validators[i].PublicKeyHex(), addrs[i], validators[i].Moniker)
	}

	engines := make([]*Veritas, 2)
	for i, dir := range dirs {
		if err := peers.NewJSONPeerSet(dir).Write(peerList); err != nil {
			t.Fatal(err)
		}

		conf := testConfig(t, dir)
		conf.BindAddr = addrs[i]
		conf.HeartbeatTimeout = 10 * time.Millisecond

		engines[i] = NewVeritas(conf)
		if err := engines[i].Init(); err != nil {
			t.Fatal(err)
		}
		defer engines[i].Node.Shutdown()

		go engines[i].Run()
	}

	rumor := &oplog.Operation{
		Type: oplog.OpRumor,
		Rumor: &oplog.RumorPayload{
			ID:              "r1",
			Text:            "engines gossip over real sockets",
			Topic:           "general",
			AuthorNullifier: validators[0].Nullifier(),
		},
		Timestamp: time.Now().Unix(),
	}

	if _, err := engines[0].Node.Submit(rumor); err != nil {
		t.Fatal(err)
	}

	// gossip is periodic, so poll until the rumor shows up on engine 1
	deadline := time.Now().Add(10 * time.Second)
	for {
		if _, ok := engines[1].Node.Core().State().Rumors["r1"]; ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("engine 1 never received the rumor over TCP")
		}
		time.Sleep(20 * time.Millisecond)
	}

	if stats := engines[1].Node.GetStats(); stats["registered_users"] != "2" {
		t.Fatalf("engine 1 should know both users, got %s", stats["registered_users"])
	}
}

func TestKeygen(t *testing.T) {
	dataDir := t.TempDir()
	keyfile := dataDir + "/priv_key"

	key, err := Keygen(keyfile)
	if err != nil {
		t.Fatal(err)
	}

	if key == nil {
		t.Fatal("Keygen should return a key")
	}

	if _, err := Keygen(keyfile); err == nil {
		t.Fatal("Keygen should refuse to overwrite an existing key")
	}
}
