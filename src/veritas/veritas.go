package veritas

import (
	"crypto/ecdsa"
	"fmt"
	"os"

	"github.com/veritas-net/veritas/src/config"
	"github.com/veritas-net/veritas/src/crypto/keys"
	"github.com/veritas-net/veritas/src/net"
	"github.com/veritas-net/veritas/src/node"
	"github.com/veritas-net/veritas/src/oplog"
	"github.com/veritas-net/veritas/src/peers"
	"github.com/veritas-net/veritas/src/service"
)

// Veritas is the top-level object which wires the transport, the store, the
// node and the HTTP API service from a single configuration object.
type Veritas struct {
	Config    *config.Config
	Node      *node.Node
	Transport net.Transport
	Store     oplog.Store
	Peers     *peers.PeerSet
	Service   *service.Service
}

// NewVeritas instantiates an engine from a config object. Call Init before
// Run.
func NewVeritas(config *config.Config) *Veritas {
	engine := &Veritas{
		Config: config,
	}

	return engine
}

func (v *Veritas) initKey() error {
	if v.Config.Key == nil {
		keyfile := keys.NewSimpleKeyfile(v.Config.Keyfile())

		privKey, err := keyfile.ReadKey()

		if err != nil {
			v.Config.Logger().Warn("Cannot read private key from file", err)

			privKey, err = Keygen(v.Config.Keyfile())

			if err != nil {
				v.Config.Logger().Error("Cannot generate a new private key", err)

				return err
			}

			v.Config.Logger().Info("Created a new key:", keys.PublicKeyHex(&privKey.PublicKey))
		}

		v.Config.Key = privKey
	}
	return nil
}

func (v *Veritas) initPeers() error {
	if v.Peers != nil {
		return nil
	}

	peerStore := peers.NewJSONPeerSet(v.Config.DataDir)

	participants, err := peerStore.PeerSet()

	if err != nil {
		// A node without a peers.json runs solo until other operators copy
		// its address and public key into theirs.
		v.Config.Logger().WithError(err).Warn("Cannot load peers.json, running solo")

		participants = peers.NewPeerSet([]*peers.Peer{
			peers.NewPeer(
				keys.PublicKeyHex(&v.Config.Key.PublicKey),
				v.advertiseAddr(),
				v.Config.Moniker,
			),
		})
	}

	v.Peers = participants

	return nil
}

func (v *Veritas) initStore() error {
	if !v.Config.Store {
		v.Store = oplog.NewInmemStore(v.Config.CacheSize)

		v.Config.Logger().Debug("created new in-mem store")
	} else if v.Config.Bootstrap {
		// recover strictly from an existing database; a missing database is
		// an error rather than a silent fresh start
		v.Config.Logger().WithField("path", v.Config.DatabaseDir).Debug("Attempting to load database")

		store, err := oplog.LoadBadgerStore(v.Config.CacheSize, v.Config.DatabaseDir)

		if err != nil {
			return err
		}

		v.Store = store

		v.Config.Logger().Debug("loaded badger store from existing database")
	} else {
		var err error

		v.Config.Logger().WithField("path", v.Config.DatabaseDir).Debug("Attempting to load or create database")

		v.Store, err = oplog.LoadOrCreateBadgerStore(v.Config.CacheSize, v.Config.DatabaseDir)

		if err != nil {
			return err
		}

		if v.Store.(*oplog.BadgerStore).NeedBootstrap() {
			v.Config.Logger().Debug("loaded badger store from existing database")
		} else {
			v.Config.Logger().Debug("created new badger store from fresh database")
		}
	}

	return nil
}

func (v *Veritas) initTransport() error {
	transport, err := net.NewTCPTransport(
		v.Config.BindAddr,
		v.Config.AdvertiseAddr,
		v.Config.MaxPool,
		v.Config.TCPTimeout,
		v.Config.Logger(),
	)

	if err != nil {
		return err
	}

	v.Transport = transport

	return nil
}

func (v *Veritas) initNode() error {
	validator := node.NewValidator(v.Config.Key, v.moniker())

	v.Config.Logger().WithField("id", validator.ID()).Debug("PARTICIPANTS")

	v.Node = node.NewNode(
		v.Config.NodeConfig(),
		validator,
		v.Peers,
		v.Store,
		v.Transport,
	)

	if err := v.Node.Init(); err != nil {
		return fmt.Errorf("failed to initialize node: %s", err)
	}

	if v.Config.MaintenanceMode {
		v.Config.Logger().Debug("Maintenance mode, suspending node")
		v.Node.Suspend()
	}

	return nil
}

func (v *Veritas) initService() error {
	if !v.Config.NoService && v.Config.ServiceAddr != "" {
		v.Service = service.NewService(v.Config.ServiceAddr, v.Node, v.Config.Logger())
	}
	return nil
}

// Init instantiates and wires all the components in dependency order. The
// engine is left fully assembled but not running.
func (v *Veritas) Init() error {
	// MaintenanceMode forces Bootstrap, which itself forces Store; both only
	// make sense over a persistent database.
	if v.Config.MaintenanceMode {
		v.Config.Bootstrap = true
	}
	if v.Config.Bootstrap {
		v.Config.Store = true
	}

	if err := v.initKey(); err != nil {
		return err
	}

	if err := v.initPeers(); err != nil {
		return err
	}

	if err := v.initStore(); err != nil {
		return err
	}

	if err := v.initTransport(); err != nil {
		return err
	}

	if err := v.initNode(); err != nil {
		return err
	}

	if err := v.initService(); err != nil {
		return err
	}

	return nil
}

// Run starts the transport listener, the HTTP API service, and the node's
// main loop. This is a blocking call.
func (v *Veritas) Run() {
	if v.Service != nil {
		go v.Service.Serve()
	}

	// The transport only dials on demand; the accept loop has to be started
	// explicitly or inbound sync requests would never reach the node.
	go v.Transport.Listen()

	v.Node.Run(true)
}

func (v *Veritas) moniker() string {
	if v.Config.Moniker != "" {
		return v.Config.Moniker
	}
	return fmt.Sprintf("node_%d", keys.PublicKeyID(keys.FromPublicKey(&v.Config.Key.PublicKey)))
}

func (v *Veritas) advertiseAddr() string {
	if v.Config.AdvertiseAddr != "" {
		return v.Config.AdvertiseAddr
	}
	return v.Config.BindAddr
}

// Keygen generates a new key pair and stores the private key in keyfile.
func Keygen(keyfile string) (*ecdsa.PrivateKey, error) {
	if _, err := os.Stat(keyfile); err == nil {
		return nil, fmt.Errorf("Another key already lives under %s", keyfile)
	}

	privKey, err := keys.GenerateECDSAKey()

	if err != nil {
		return nil, err
	}

	simpleKeyfile := keys.NewSimpleKeyfile(keyfile)

	if err := simpleKeyfile.WriteKey(privKey); err != nil {
		return nil, err
	}

	return privKey, nil
}
