package lnnode

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/stretchr/testify/require"
)

// testConfig returns a default config for regtest rooted in a temp dir.
func testConfig(t *testing.T) Config {
	cfg := DefaultConfig()
	cfg.NodeDir = t.TempDir()
	cfg.Network = "regtest"
	cfg.LogConfig.File.Disable = true

	return cfg
}

// TestValidateConfig checks the cross-field rules of the node config.
func TestValidateConfig(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mutate func(*Config)
		valid  bool
	}{
		{
			name:  "defaults",
			valid: true,
		},
		{
			name: "unknown network",
			mutate: func(c *Config) {
				c.Network = "dogecoin"
			},
		},
		{
			name: "broadcast timeout equals esplora timeout",
			mutate: func(c *Config) {
				c.Broadcast.ResponseTimeout =
					c.Esplora.RequestTimeout
			},
		},
		{
			name: "broadcast timeout just above esplora timeout",
			mutate: func(c *Config) {
				c.Broadcast.ResponseTimeout =
					c.Esplora.RequestTimeout + time.Millisecond
			},
			valid: true,
		},
		{
			name: "zero process events interval",
			mutate: func(c *Config) {
				c.BgProc.ProcessEventsInterval = 0
			},
		},
		{
			name: "prometheus without listen address",
			mutate: func(c *Config) {
				c.Prometheus.Enable = true
				c.Prometheus.Listen = ""
			},
		},
		{
			name: "invalid wallet address",
			mutate: func(c *Config) {
				c.Wallet.Addresses = []string{"bogus"}
			},
		},
		{
			name: "unknown log compressor",
			mutate: func(c *Config) {
				c.LogConfig.File.Compressor = "lz4"
			},
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			t.Parallel()

			cfg := testConfig(t)
			if test.mutate != nil {
				test.mutate(&cfg)
			}

			_, err := ValidateConfig(cfg)
			if test.valid {
				require.NoError(t, err)
			} else {
				require.Error(t, err)
			}
		})
	}
}

// TestValidateConfigPaths checks that the data and log directories default
// to per-network directories under the node directory.
func TestValidateConfigPaths(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	nodeDir := cfg.NodeDir

	cleanCfg, err := ValidateConfig(cfg)
	require.NoError(t, err)

	require.Equal(t, &chaincfg.RegressionNetParams,
		cleanCfg.ActiveNetParams)
	require.Equal(t, filepath.Join(nodeDir, "data", "regtest"),
		cleanCfg.DataDir)
	require.Equal(t, filepath.Join(nodeDir, "logs", "regtest", "lnnode.log"),
		cleanCfg.LogFile())
}

// TestLoadConfig checks that the config file overrides the defaults and the
// command line overrides the config file.
func TestLoadConfig(t *testing.T) {
	t.Parallel()

	nodeDir := t.TempDir()
	configFile := filepath.Join(nodeDir, "lnnode.conf")

	const conf = `
[Application Options]
network=regtest

[esplora]
esplora.url=http://127.0.0.1:3002
esplora.requesttimeout=5s

[bgproc]
bgproc.peertick=30s
`
	require.NoError(t, os.WriteFile(configFile, []byte(conf), 0600))

	cfg, err := LoadConfig([]string{
		"--nodedir=" + nodeDir,
		"--esplora.requesttimeout=7s",
	})
	require.NoError(t, err)

	require.Equal(t, "regtest", cfg.Network)
	require.Equal(t, "http://127.0.0.1:3002", cfg.Esplora.URL)
	require.Equal(t, 7*time.Second, cfg.Esplora.RequestTimeout)
	require.Equal(t, 30*time.Second, cfg.BgProc.PeerTickInterval)
	require.Equal(t, DefaultConfig().BgProc.ChannelManagerTickInterval,
		cfg.BgProc.ChannelManagerTickInterval)
}

// TestLoadConfigMissingFile checks that a missing config file is not an
// error.
func TestLoadConfigMissingFile(t *testing.T) {
	t.Parallel()

	cfg, err := LoadConfig([]string{
		"--nodedir=" + t.TempDir(), "--network=signet",
	})
	require.NoError(t, err)
	require.Equal(t, &chaincfg.SigNetParams, cfg.ActiveNetParams)
}
