package lnnode

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/jessevdk/go-flags"
	"github.com/lightningnetwork/lnd/build"
	"github.com/nodecore/lnnode/lncfg"
	"github.com/nodecore/lnnode/monitoring"
)

const (
	defaultLogLevel = "info"
)

var (
	// DefaultNodeDir is the default directory where the node keeps its
	// state and logs.
	DefaultNodeDir = btcutil.AppDataDir("lnnode", false)

	// DefaultConfigFile is the default full path of the config file.
	DefaultConfigFile = filepath.Join(
		DefaultNodeDir, lncfg.DefaultConfigFilename,
	)
)

// Config defines the configuration options of the node.
//
// See DefaultConfig for the default values.
//
//nolint:lll
type Config struct {
	ConfigFile string `short:"C" long:"configfile" description:"Path to configuration file"`
	NodeDir    string `long:"nodedir" description:"The base directory that contains the node's data, logs, configuration file, etc."`
	DataDir    string `short:"b" long:"datadir" description:"The directory to store the node's data within"`
	LogDir     string `long:"logdir" description:"Directory to log output."`
	Network    string `long:"network" description:"The bitcoin network to run on" choice:"mainnet" choice:"testnet" choice:"testnet3" choice:"signet" choice:"regtest" choice:"simnet"`
	DebugLevel string `short:"d" long:"debuglevel" description:"Logging level for all subsystems {trace, debug, info, warn, error, critical} -- You may also specify <global-level>,<subsystem>=<level>,<subsystem2>=<level>,... to set the log level for individual subsystems"`

	LogConfig *build.LogConfig `group:"logging" namespace:"logging"`

	Esplora *lncfg.Esplora `group:"esplora" namespace:"esplora"`

	Wallet *lncfg.Wallet `group:"wallet" namespace:"wallet"`

	BgProc *lncfg.BgProc `group:"bgproc" namespace:"bgproc"`

	Sync *lncfg.Sync `group:"sync" namespace:"sync"`

	Writeback *lncfg.Writeback `group:"writeback" namespace:"writeback"`

	Broadcast *lncfg.Broadcast `group:"broadcast" namespace:"broadcast"`

	Prometheus monitoring.Config `group:"prometheus" namespace:"prometheus"`

	HealthChecks *lncfg.HealthCheckConfig `group:"healthcheck" namespace:"healthcheck"`

	// ActiveNetParams are the parameters of Network, set by
	// ValidateConfig.
	ActiveNetParams *chaincfg.Params
}

// DefaultConfig returns all default values for the Config struct.
func DefaultConfig() Config {
	return Config{
		ConfigFile:   DefaultConfigFile,
		NodeDir:      DefaultNodeDir,
		Network:      lncfg.DefaultNetwork,
		DebugLevel:   defaultLogLevel,
		LogConfig:    build.DefaultLogConfig(),
		Esplora:      lncfg.DefaultEsploraConfig(),
		Wallet:       &lncfg.Wallet{},
		BgProc:       lncfg.DefaultBgProcConfig(),
		Sync:         lncfg.DefaultSyncConfig(),
		Writeback:    lncfg.DefaultWritebackConfig(),
		Broadcast:    lncfg.DefaultBroadcastConfig(),
		Prometheus:   monitoring.DefaultConfig(),
		HealthChecks: lncfg.DefaultHealthCheckConfig(),
	}
}

// LoadConfig initializes and parses the config using a config file and command
// line options.
//
// The configuration proceeds as follows:
//  1. Start with a default config with sane settings
//  2. Pre-parse the command line to check for an alternative config file
//  3. Load configuration file overwriting defaults with any specified options
//  4. Parse CLI options and overwrite/add any specified options
func LoadConfig(args []string) (*Config, error) {
	// Pre-parse the command line options to pick up an alternative config
	// file.
	preCfg := DefaultConfig()
	if _, err := flags.ParseArgs(&preCfg, args); err != nil {
		return nil, err
	}

	// If the node directory was changed but the config file was not, the
	// config file lives in the new node directory.
	cfg := preCfg
	configFile := lncfg.CleanAndExpandPath(preCfg.ConfigFile)
	if preCfg.NodeDir != DefaultNodeDir &&
		configFile == DefaultConfigFile {

		configFile = filepath.Join(
			lncfg.CleanAndExpandPath(preCfg.NodeDir),
			lncfg.DefaultConfigFilename,
		)
	}

	// Next, load any additional configuration options from the file. A
	// missing file is fine as long as it wasn't asked for explicitly.
	var configFileError error
	err := flags.NewIniParser(flags.NewParser(&cfg, flags.Default)).
		ParseFile(configFile)
	if err != nil {
		var pathErr *os.PathError
		if !errors.As(err, &pathErr) {
			return nil, fmt.Errorf("unable to parse %v: %w",
				configFile, err)
		}

		configFileError = err
	}

	// Finally, parse the remaining command line options again to ensure
	// they take precedence.
	if _, err := flags.ParseArgs(&cfg, args); err != nil {
		return nil, err
	}

	cleanCfg, err := ValidateConfig(cfg)
	if err != nil {
		return nil, err
	}

	// Warn about missing config file only after all other configuration
	// is done. This prevents the warning on help messages and invalid
	// options.
	if configFileError != nil {
		log.Warnf("%v", configFileError)
	}

	return cleanCfg, nil
}

// ValidateConfig check the given configuration to be sane. This makes sure no
// illegal values or combination of values are set. All file system paths are
// normalized. The cleaned up config is returned on success.
func ValidateConfig(cfg Config) (*Config, error) {
	cfg.NodeDir = lncfg.CleanAndExpandPath(cfg.NodeDir)
	if cfg.NodeDir == "" {
		return nil, errors.New("nodedir must be set")
	}

	netParams, err := lncfg.ChainParams(cfg.Network)
	if err != nil {
		return nil, err
	}
	cfg.ActiveNetParams = netParams

	// The data and log directories default to per-network directories
	// under the node directory.
	network := lncfg.NormalizeNetwork(netParams.Name)
	if cfg.DataDir == "" {
		cfg.DataDir = filepath.Join(
			cfg.NodeDir, lncfg.DefaultDataDirname, network,
		)
	}
	cfg.DataDir = lncfg.CleanAndExpandPath(cfg.DataDir)

	if cfg.LogDir == "" {
		cfg.LogDir = filepath.Join(
			cfg.NodeDir, lncfg.DefaultLogDirname, network,
		)
	}
	cfg.LogDir = lncfg.CleanAndExpandPath(cfg.LogDir)

	if err := cfg.LogConfig.Validate(); err != nil {
		return nil, err
	}

	err = lncfg.Validate(
		cfg.Esplora, cfg.BgProc, cfg.Sync, cfg.Writeback,
		cfg.Broadcast, cfg.HealthChecks,
	)
	if err != nil {
		return nil, err
	}

	// A broadcast must be able to observe the chain client's own timeout,
	// so it has to wait strictly longer.
	if cfg.Broadcast.ResponseTimeout <= cfg.Esplora.RequestTimeout {
		return nil, fmt.Errorf("broadcast.responsetimeout (%v) must "+
			"be greater than esplora.requesttimeout (%v)",
			cfg.Broadcast.ResponseTimeout,
			cfg.Esplora.RequestTimeout)
	}

	if _, err := cfg.Wallet.ParseAddresses(netParams); err != nil {
		return nil, err
	}

	if cfg.Prometheus.Enable && cfg.Prometheus.Listen == "" {
		return nil, errors.New("prometheus.listen must be set when " +
			"prometheus.enable is set")
	}

	return &cfg, nil
}

// LogFile returns the path of the node's log file.
func (c *Config) LogFile() string {
	return filepath.Join(c.LogDir, lncfg.DefaultLogFilename)
}
