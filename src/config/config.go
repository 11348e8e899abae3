package config

import (
	"crypto/ecdsa"
	"os"
	"os/user"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/rifflock/lfshook"
	"github.com/sirupsen/logrus"
	"github.com/veritas-net/veritas/src/common"
	"github.com/veritas-net/veritas/src/node"
	prefixed "github.com/x-cray/logrus-prefixed-formatter"
)

// Default filenames.
const (
	// DefaultKeyfile is the default name of the file containing the
	// validator's private key
	DefaultKeyfile = "priv_key"

	// DefaultBadgerFile is the default name of the folder containing the
	// Badger database
	DefaultBadgerFile = "badger_db"

	// DefaultLogFile is the default name of the file receiving log output
	// when file logging is enabled.
	DefaultLogFile = "veritas.log"
)

// Default configuration values.
const (
	DefaultLogLevel            = "debug"
	DefaultBindAddr            = "127.0.0.1:1337"
	DefaultServiceAddr         = "127.0.0.1:8000"
	DefaultHeartbeatTimeout    = 100 * time.Millisecond
	DefaultTCPTimeout          = 1000 * time.Millisecond
	DefaultVotingWindow        = 1 * time.Hour
	DefaultTrustInterval       = 1 * time.Minute
	DefaultMaintenanceInterval = 1 * time.Hour
	DefaultDecayRate           = 0.99
	DefaultRecoveryRate        = 0.5
	DefaultSlashBasePenalty    = 25.0
	DefaultCacheSize           = 5000
	DefaultSyncLimit           = 500
	DefaultSnapshotInterval    = 100
	DefaultMaxPool             = 2
	DefaultStore               = false
	DefaultMaintenanceMode     = false
)

// Config contains all the configuration properties of a Veritas node.
type Config struct {
	// DataDir is the top-level directory containing Veritas configuration
	// and data
	DataDir string `mapstructure:"datadir"`

	// LogLevel determines the chattiness of the log output.
	LogLevel string `mapstructure:"log"`

	// LogFile, when set, duplicates log output above debug level to a file.
	LogFile string `mapstructure:"log-file"`

	// BindAddr is the local address:port where this node gossips with other
	// nodes. In some cases, there may be a routable address that cannot be
	// bound. Use AdvertiseAddr to advertise a different address to support
	// this.
	BindAddr string `mapstructure:"listen"`

	// AdvertiseAddr is used to change the address that we advertise to other
	// nodes.
	AdvertiseAddr string `mapstructure:"advertise"`

	// NoService disables the HTTP API service.
	NoService bool `mapstructure:"no-service"`

	// ServiceAddr is the address:port of the HTTP API service.
	ServiceAddr string `mapstructure:"service-listen"`

	// HeartbeatTimeout is the frequency of the gossip timer.
	HeartbeatTimeout time.Duration `mapstructure:"heartbeat"`

	// MaxPool controls how many connections are pooled per target in the
	// gossip routines.
	MaxPool int `mapstructure:"max-pool"`

	// TCPTimeout is the timeout of gossip RPC connections.
	TCPTimeout time.Duration `mapstructure:"timeout"`

	// VotingWindow is how long a rumor accepts votes before it becomes due
	// for finalization.
	VotingWindow time.Duration `mapstructure:"voting-window"`

	// TrustInterval is the period of the background trust propagation.
	TrustInterval time.Duration `mapstructure:"trust-interval"`

	// MaintenanceInterval is the period of ledger decay and recovery.
	MaintenanceInterval time.Duration `mapstructure:"maintenance-interval"`

	// DecayRate is the multiplicative score decay applied every maintenance
	// run.
	DecayRate float64 `mapstructure:"decay-rate"`

	// RecoveryRate is the additive score recovery applied every maintenance
	// run to accounts below the initial score.
	RecoveryRate float64 `mapstructure:"recovery-rate"`

	// SlashBasePenalty is the base penalty applied to members of a detected
	// collusion cluster.
	SlashBasePenalty float64 `mapstructure:"slash-penalty"`

	// SyncLimit caps the number of operations included in a SyncResponse or
	// a push.
	SyncLimit int `mapstructure:"sync-limit"`

	// SnapshotInterval is the number of ingested operations between
	// materializer checkpoints.
	SnapshotInterval int `mapstructure:"snapshot-interval"`

	// Store activates persistant storage.
	Store bool `mapstructure:"store"`

	// DatabaseDir is the directory containing database files.
	DatabaseDir string `mapstructure:"db"`

	// Bootstrap determines whether to load the node from an existing
	// database file. Forces Store.
	Bootstrap bool `mapstructure:"bootstrap"`

	// MaintenanceMode when set to true causes the node to initialise in a
	// suspended state. I.e. it does not start gossipping. Forces Bootstrap,
	// which itself forces Store.
	MaintenanceMode bool `mapstructure:"maintenance-mode"`

	// CacheSize is the max number of items in in-memory caches.
	CacheSize int `mapstructure:"cache-size"`

	// Moniker defines the friendly name of this node
	Moniker string `mapstructure:"moniker"`

	// Key is the private key of the validator.
	Key *ecdsa.PrivateKey

	logger *logrus.Logger
}

// NewDefaultConfig returns a config object with default values.
func NewDefaultConfig() *Config {
	config := &Config{
		DataDir:             DefaultDataDir(),
		LogLevel:            DefaultLogLevel,
		BindAddr:            DefaultBindAddr,
		ServiceAddr:         DefaultServiceAddr,
		HeartbeatTimeout:    DefaultHeartbeatTimeout,
		TCPTimeout:          DefaultTCPTimeout,
		VotingWindow:        DefaultVotingWindow,
		TrustInterval:       DefaultTrustInterval,
		MaintenanceInterval: DefaultMaintenanceInterval,
		DecayRate:           DefaultDecayRate,
		RecoveryRate:        DefaultRecoveryRate,
		SlashBasePenalty:    DefaultSlashBasePenalty,
		CacheSize:           DefaultCacheSize,
		SyncLimit:           DefaultSyncLimit,
		SnapshotInterval:    DefaultSnapshotInterval,
		MaxPool:             DefaultMaxPool,
		Store:               DefaultStore,
		MaintenanceMode:     DefaultMaintenanceMode,
		DatabaseDir:         DefaultDatabaseDir(),
	}

	return config
}

// NewTestConfig returns a config object with default values and a special
// logger for debugging tests.
func NewTestConfig(t testing.TB, level logrus.Level) *Config {
	config := NewDefaultConfig()
	config.logger = common.NewTestLogger(t, level)
	return config
}

// SetDataDir sets the top-level Veritas directory, and updates the database
// directory if it is currently set to the default value. If the database
// directory is not currently the default, it means the user has explicitely
// set it to something else, so avoid changing it again here.
func (c *Config) SetDataDir(dataDir string) {
	c.DataDir = dataDir
	if c.DatabaseDir == DefaultDatabaseDir() {
		c.DatabaseDir = filepath.Join(dataDir, DefaultBadgerFile)
	}
}

// Keyfile returns the full path of the file containing the private key.
func (c *Config) Keyfile() string {
	return filepath.Join(c.DataDir, DefaultKeyfile)
}

// NodeConfig derives the node configuration carried inside this object.
func (c *Config) NodeConfig() *node.Config {
	nodeConfig := node.DefaultConfig()

	nodeConfig.HeartbeatTimeout = c.HeartbeatTimeout
	nodeConfig.TCPTimeout = c.TCPTimeout
	nodeConfig.VotingWindow = c.VotingWindow
	nodeConfig.TrustInterval = c.TrustInterval
	nodeConfig.MaintenanceInterval = c.MaintenanceInterval
	nodeConfig.DecayRate = c.DecayRate
	nodeConfig.RecoveryRate = c.RecoveryRate
	nodeConfig.SlashBasePenalty = c.SlashBasePenalty
	nodeConfig.SyncLimit = c.SyncLimit
	nodeConfig.CacheSize = c.CacheSize
	nodeConfig.SnapshotInterval = c.SnapshotInterval
	nodeConfig.Logger = c.RawLogger()

	return nodeConfig
}

// RawLogger returns the underlying logrus Logger, creating it on first use.
// The logger writes through a prefixed text formatter, and duplicates output
// to LogFile when one is configured.
func (c *Config) RawLogger() *logrus.Logger {
	if c.logger == nil {
		c.logger = logrus.New()
		c.logger.Level = LogLevel(c.LogLevel)
		c.logger.Formatter = new(prefixed.TextFormatter)

		if c.LogFile != "" {
			c.logger.Hooks.Add(lfshook.NewHook(
				lfshook.PathMap{
					logrus.InfoLevel:  c.LogFile,
					logrus.WarnLevel:  c.LogFile,
					logrus.ErrorLevel: c.LogFile,
					logrus.FatalLevel: c.LogFile,
				},
				&logrus.TextFormatter{},
			))
		}
	}
	return c.logger
}

// Logger returns a formatted logrus Entry, with prefix set to "veritas".
func (c *Config) Logger() *logrus.Entry {
	return c.RawLogger().WithField("prefix", "veritas")
}

// DefaultDatabaseDir returns the default path for the badger database files.
func DefaultDatabaseDir() string {
	return filepath.Join(DefaultDataDir(), DefaultBadgerFile)
}

// DefaultDataDir return the default directory name for top-level Veritas
// config based on the underlying OS, attempting to respect conventions.
func DefaultDataDir() string {
	// Try to place the data folder in the user's home dir
	home := HomeDir()
	if home != "" {
		if runtime.GOOS == "darwin" {
			return filepath.Join(home, ".Veritas")
		} else if runtime.GOOS == "windows" {
			return filepath.Join(home, "AppData", "Roaming", "Veritas")
		} else {
			return filepath.Join(home, ".veritas")
		}
	}
	// As we cannot guess a stable location, return empty and handle later
	return ""
}

// HomeDir returns the user's home directory.
func HomeDir() string {
	if home := os.Getenv("HOME"); home != "" {
		return home
	}
	if usr, err := user.Current(); err == nil {
		return usr.HomeDir
	}
	return ""
}

// LogLevel parses a string into a Logrus log level.
func LogLevel(l string) logrus.Level {
	switch l {
	case "debug":
		return logrus.DebugLevel
	case "info":
		return logrus.InfoLevel
	case "warn":
		return logrus.WarnLevel
	case "error":
		return logrus.ErrorLevel
	case "fatal":
		return logrus.FatalLevel
	case "panic":
		return logrus.PanicLevel
	default:
		return logrus.DebugLevel
	}
}
