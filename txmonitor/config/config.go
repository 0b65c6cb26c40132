// Package config defines the transaction monitor's configuration surface:
// a flat struct parsed with github.com/jessevdk/go-flags, the same way
// daemon's loadConfig layers command-line flags over an ini file found in
// the app's default data directory (github.com/btcsuite/btcutil.AppDataDir).
package config

import (
	"os"
	"path/filepath"

	"github.com/btcsuite/btcutil"
	flags "github.com/jessevdk/go-flags"

	"github.com/fairgatelabs/bitcoin-tx-monitor/txmonitor/errors"
	"github.com/fairgatelabs/bitcoin-tx-monitor/txmonitor/types"
)

const (
	defaultConfigFilename   = "txmonitord.conf"
	defaultDBFilename       = "txmonitor.db"
	defaultRPCPort          = "8332"
	defaultConfirmationGoal = uint32(6)
	defaultMaxConfirmations = uint32(100)
	defaultPollIntervalSecs = uint32(10)
)

// appName names the default app data directory, following
// btcutil.AppDataDir's convention of taking the binary's own name.
var appName = "txmonitord"

// DefaultConfigFile is the ini file LoadConfig looks for in the default
// app data directory before applying command-line overrides.
func DefaultConfigFile() string {
	return filepath.Join(defaultDataDir(), defaultConfigFilename)
}

func defaultDataDir() string {
	return btcutil.AppDataDir(appName, false)
}

// StorageConfig describes where and how the bbolt-backed Monitor Store
// is opened.
type StorageConfig struct {
	Path    string `long:"path" description:"Path to the bbolt database file"`
	Encrypt bool   `long:"encrypt" description:"Reserved for at-rest encryption of the store (not yet implemented)"`
}

// BitcoinConfig describes how to reach the node backing the production
// Chain View (btcdview).
type BitcoinConfig struct {
	RPCHost string `long:"rpchost" description:"Host:port of the btcd/bitcoind RPC endpoint"`
	RPCUser string `long:"rpcuser" description:"Username for RPC authentication"`
	RPCPass string `long:"rpcpass" description:"Password for RPC authentication"`
	RPCCert string `long:"rpccert" description:"Path to the RPC server's TLS certificate"`
	Network string `long:"network" description:"One of mainnet, testnet3, regtest, simnet"`
}

// SettingsConfig describes the monitor's own tick/engine behavior.
type SettingsConfig struct {
	ConfirmationThreshold      uint32            `long:"confthreshold" description:"Confirmations considered final for monitoring purposes"`
	MaxMonitoringConfirmations uint32            `long:"maxconfirmations" description:"Stop emitting news for a transaction past this many confirmations"`
	PollIntervalSeconds        uint32            `long:"pollinterval" description:"Seconds to sleep between ticks once caught up"`
	IndexerSettings            map[string]string `long:"indexersetting" description:"Opaque key=value settings for the chain view backend (not read by the btcdview backend)"`
}

// Config is the full, parsed configuration of the transaction monitor
// daemon.
type Config struct {
	ConfigFile string `short:"C" long:"configfile" description:"Path to configuration file"`
	DataDir    string `short:"d" long:"datadir" description:"Directory for the daemon's log file (the database location is set by --path)"`
	DebugLevel string `long:"debuglevel" description:"Logging level for all subsystems"`

	// CheckpointHeight, when set, is the starting height on a fresh
	// database (clamped to the chain view's tip), and a floor the persisted
	// height is raised to on later runs, per spec.md §6's startup height
	// selection rule.
	CheckpointHeight *int32 `long:"checkpointheight" description:"Earliest block height to start monitoring from on first run"`

	Storage  StorageConfig  `group:"Storage"`
	Bitcoin  BitcoinConfig  `group:"Bitcoin"`
	Settings SettingsConfig `group:"Settings"`
}

// DefaultConfig returns a Config populated with the same defaults
// loadConfig seeds before parsing flags, so that an empty invocation
// still produces a usable configuration against a local mainnet node.
func DefaultConfig() Config {
	dataDir := defaultDataDir()

	return Config{
		DataDir:    dataDir,
		DebugLevel: "info",
		Storage: StorageConfig{
			Path: filepath.Join(dataDir, defaultDBFilename),
		},
		Bitcoin: BitcoinConfig{
			RPCHost: "localhost:" + defaultRPCPort,
			Network: "mainnet",
		},
		Settings: SettingsConfig{
			ConfirmationThreshold:      defaultConfirmationGoal,
			MaxMonitoringConfirmations: defaultMaxConfirmations,
			PollIntervalSeconds:        defaultPollIntervalSecs,
		},
	}
}

// LoadConfig parses args over DefaultConfig, first loading an ini file
// (the default config file unless overridden by -C) if one exists, the
// same two-pass flags.IniParse-then-flags.Parse shape daemon's loadConfig
// uses.
func LoadConfig(args []string) (*Config, error) {
	cfg := DefaultConfig()

	preCfg := cfg
	preParser := flags.NewParser(&preCfg, flags.Default)
	if _, err := preParser.ParseArgs(args); err != nil {
		return nil, err
	}

	configFile := preCfg.ConfigFile
	if configFile == "" {
		configFile = DefaultConfigFile()
	}

	if _, err := os.Stat(configFile); err == nil {
		iniParser := flags.NewParser(&cfg, flags.Default)
		if err := flags.NewIniParser(iniParser).ParseFile(configFile); err != nil {
			return nil, errors.NewConfigurationError(err)
		}
	}

	parser := flags.NewParser(&cfg, flags.Default)
	if _, err := parser.ParseArgs(args); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks the configuration for internal consistency, returning a
// ConfigurationError describing the first problem found.
func (c *Config) Validate() error {
	if c.Storage.Path == "" {
		return errors.NewConfigurationErrorf("storage path must not be empty")
	}

	if c.Bitcoin.RPCHost == "" {
		return errors.NewConfigurationErrorf("bitcoin rpc host must not be empty")
	}

	if _, err := types.NetParamsForName(c.Bitcoin.Network); err != nil {
		return errors.NewConfigurationErrorf("invalid network %q: %v", c.Bitcoin.Network, err)
	}

	if c.Settings.MaxMonitoringConfirmations < c.Settings.ConfirmationThreshold {
		return errors.NewConfigurationErrorf("maxconfirmations must be >= confthreshold")
	}

	return nil
}
