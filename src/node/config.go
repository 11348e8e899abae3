package node

import (
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/veritas-net/veritas/src/common"
)

type Config struct {
	HeartbeatTimeout    time.Duration `mapstructure:"heartbeat"`
	TCPTimeout          time.Duration `mapstructure:"timeout"`
	VotingWindow        time.Duration `mapstructure:"voting-window"`
	TrustInterval       time.Duration `mapstructure:"trust-interval"`
	MaintenanceInterval time.Duration `mapstructure:"maintenance-interval"`
	DecayRate           float64       `mapstructure:"decay-rate"`
	RecoveryRate        float64       `mapstructure:"recovery-rate"`
	SlashBasePenalty    float64       `mapstructure:"slash-penalty"`
	SyncLimit           int           `mapstructure:"sync-limit"`
	CacheSize           int           `mapstructure:"cache-size"`
	SnapshotInterval    int           `mapstructure:"snapshot-interval"`
	Logger              *logrus.Logger
}

func NewConfig(heartbeat time.Duration,
	timeout time.Duration,
	votingWindow time.Duration,
	cacheSize int,
	syncLimit int,
	logger *logrus.Logger) *Config {

	config := DefaultConfig()

	config.HeartbeatTimeout = heartbeat
	config.TCPTimeout = timeout
	config.VotingWindow = votingWindow
	config.CacheSize = cacheSize
	config.SyncLimit = syncLimit
	config.Logger = logger

	return config
}

func DefaultConfig() *Config {
	logger := logrus.New()
	logger.Level = logrus.DebugLevel

	return &Config{
		HeartbeatTimeout:    100 * time.Millisecond,
		TCPTimeout:          1000 * time.Millisecond,
		VotingWindow:        1 * time.Hour,
		TrustInterval:       1 * time.Minute,
		MaintenanceInterval: 1 * time.Hour,
		DecayRate:           0.99,
		RecoveryRate:        0.5,
		SlashBasePenalty:    25,
		SyncLimit:           500,
		CacheSize:           5000,
		SnapshotInterval:    100,
		Logger:              logger,
	}
}

func TestConfig(t *testing.T) *Config {
	config := DefaultConfig()
	config.Logger = common.NewTestLogger(t, logrus.DebugLevel)
	return config
}
