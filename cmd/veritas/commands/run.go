package commands

import (
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/veritas-net/veritas/src/veritas"
)

//NewRunCmd returns the command that starts a Veritas node
func NewRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "run",
		Short:   "Run node",
		PreRunE: loadConfig,
		RunE:    runVeritas,
	}
	AddRunFlags(cmd)
	return cmd
}

/*******************************************************************************
* RUN
*******************************************************************************/

func runVeritas(cmd *cobra.Command, args []string) error {
	engine := veritas.NewVeritas(_config)

	if err := engine.Init(); err != nil {
		_config.Logger().Error("Cannot initialize engine:", err)
		return err
	}

	engine.Run()

	return nil
}

/*******************************************************************************
* CONFIG
*******************************************************************************/

//AddRunFlags adds flags to the Run command
func AddRunFlags(cmd *cobra.Command) {

	cmd.Flags().String("datadir", _config.DataDir, "Top-level directory for configuration and data")
	cmd.Flags().String("log", _config.LogLevel, "debug, info, warn, error, fatal, panic")
	cmd.Flags().String("log-file", _config.LogFile, "File receiving a copy of log output")
	cmd.Flags().String("moniker", _config.Moniker, "Optional name")

	// Network
	cmd.Flags().StringP("listen", "l", _config.BindAddr, "Listen IP:Port for veritas node")
	cmd.Flags().StringP("advertise", "a", _config.AdvertiseAddr, "Advertise IP:Port for veritas node")
	cmd.Flags().DurationP("timeout", "t", _config.TCPTimeout, "TCP Timeout")
	cmd.Flags().Int("max-pool", _config.MaxPool, "Connection pool size max")

	// Service
	cmd.Flags().StringP("service-listen", "s", _config.ServiceAddr, "Listen IP:Port for HTTP service")
	cmd.Flags().Bool("no-service", _config.NoService, "Disable the HTTP service")

	// Store
	cmd.Flags().Bool("store", _config.Store, "Use badgerDB instead of in-mem DB")
	cmd.Flags().String("db", _config.DatabaseDir, "Database directory")
	cmd.Flags().Bool("bootstrap", _config.Bootstrap, "Load from database")
	cmd.Flags().Int("cache-size", _config.CacheSize, "Number of items in LRU caches")
	cmd.Flags().Bool("maintenance-mode", _config.MaintenanceMode, "Start the node in a suspended state")

	// Node configuration
	cmd.Flags().Duration("heartbeat", _config.HeartbeatTimeout, "Time between gossips")
	cmd.Flags().Int("sync-limit", _config.SyncLimit, "Max number of operations per sync")
	cmd.Flags().Duration("voting-window", _config.VotingWindow, "Time a rumor accepts votes before finalization")
	cmd.Flags().Duration("trust-interval", _config.TrustInterval, "Period of background trust propagation")
	cmd.Flags().Duration("maintenance-interval", _config.MaintenanceInterval, "Period of score decay and recovery")
	cmd.Flags().Float64("decay-rate", _config.DecayRate, "Multiplicative score decay per maintenance run")
	cmd.Flags().Float64("recovery-rate", _config.RecoveryRate, "Additive score recovery per maintenance run")
	cmd.Flags().Float64("slash-penalty", _config.SlashBasePenalty, "Base penalty for collusion clusters")
	cmd.Flags().Int("snapshot-interval", _config.SnapshotInterval, "Operations between state checkpoints")
}

func loadConfig(cmd *cobra.Command, args []string) error {

	err := bindFlagsLoadViper(cmd)
	if err != nil {
		return err
	}

	// If --datadir was explicitely set, but not --db, this will update the
	// default database dir to be inside the new datadir
	_config.SetDataDir(_config.DataDir)

	logFields := logrus.Fields{
		"veritas.DataDir":             _config.DataDir,
		"veritas.BindAddr":            _config.BindAddr,
		"veritas.AdvertiseAddr":       _config.AdvertiseAddr,
		"veritas.ServiceAddr":         _config.ServiceAddr,
		"veritas.NoService":           _config.NoService,
		"veritas.MaxPool":             _config.MaxPool,
		"veritas.Store":               _config.Store,
		"veritas.LogLevel":            _config.LogLevel,
		"veritas.Moniker":             _config.Moniker,
		"veritas.HeartbeatTimeout":    _config.HeartbeatTimeout,
		"veritas.TCPTimeout":          _config.TCPTimeout,
		"veritas.CacheSize":           _config.CacheSize,
		"veritas.SyncLimit":           _config.SyncLimit,
		"veritas.VotingWindow":        _config.VotingWindow,
		"veritas.TrustInterval":       _config.TrustInterval,
		"veritas.MaintenanceInterval": _config.MaintenanceInterval,
	}

	if _config.Store {
		logFields["veritas.DatabaseDir"] = _config.DatabaseDir
		logFields["veritas.Bootstrap"] = _config.Bootstrap
	}

	_config.Logger().WithFields(logFields).Debug("RUN")

	return nil
}

// Bind all flags and read the config into viper
func bindFlagsLoadViper(cmd *cobra.Command) error {
	// Register flags with viper. Include flags from this command and all
	// other persistent flags from the parent
	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		return err
	}

	// first unmarshal to read from CLI flags
	if err := viper.Unmarshal(_config); err != nil {
		return err
	}

	// look for config file in [datadir]/veritas.toml (.json, .yaml also work)
	viper.SetConfigName("veritas")
	viper.AddConfigPath(_config.DataDir)

	// If a config file is found, read it in.
	if err := viper.ReadInConfig(); err == nil {
		_config.Logger().Debugf("Using config file: %s", viper.ConfigFileUsed())
	} else if _, ok := err.(viper.ConfigFileNotFoundError); ok {
		_config.Logger().Debugf("No config file found in: %s", _config.DataDir)
	} else {
		return err
	}

	// second unmarshal to read from config file
	return viper.Unmarshal(_config)
}
