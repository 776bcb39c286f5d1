package lncfg_test

import (
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/nodecore/lnnode/lncfg"
	"github.com/stretchr/testify/require"
)

// TestValidate asserts that the defaults pass validation and that each
// out-of-range option is rejected.
func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*lncfg.Esplora, *lncfg.BgProc, *lncfg.Sync,
			*lncfg.Writeback, *lncfg.Broadcast,
			*lncfg.HealthCheckConfig)
		valid bool
	}{
		{
			name:  "defaults",
			valid: true,
		},
		{
			name: "no esplora url",
			mutate: func(e *lncfg.Esplora, _ *lncfg.BgProc,
				_ *lncfg.Sync, _ *lncfg.Writeback,
				_ *lncfg.Broadcast, _ *lncfg.HealthCheckConfig) {

				e.URL = ""
			},
		},
		{
			name: "esplora timeout too small",
			mutate: func(e *lncfg.Esplora, _ *lncfg.BgProc,
				_ *lncfg.Sync, _ *lncfg.Writeback,
				_ *lncfg.Broadcast, _ *lncfg.HealthCheckConfig) {

				e.RequestTimeout = time.Millisecond
			},
		},
		{
			name: "zero peer tick",
			mutate: func(_ *lncfg.Esplora, b *lncfg.BgProc,
				_ *lncfg.Sync, _ *lncfg.Writeback,
				_ *lncfg.Broadcast, _ *lncfg.HealthCheckConfig) {

				b.PeerTickInterval = 0
			},
		},
		{
			name: "first sync shorter than a pass",
			mutate: func(_ *lncfg.Esplora, _ *lncfg.BgProc,
				s *lncfg.Sync, _ *lncfg.Writeback,
				_ *lncfg.Broadcast, _ *lncfg.HealthCheckConfig) {

				s.FirstSyncTimeout = s.Timeout / 2
			},
		},
		{
			name: "negative writeback spacing",
			mutate: func(_ *lncfg.Esplora, _ *lncfg.BgProc,
				_ *lncfg.Sync, w *lncfg.Writeback,
				_ *lncfg.Broadcast, _ *lncfg.HealthCheckConfig) {

				w.MinSpacing = -time.Second
			},
		},
		{
			name: "empty broadcast queue",
			mutate: func(_ *lncfg.Esplora, _ *lncfg.BgProc,
				_ *lncfg.Sync, _ *lncfg.Writeback,
				b *lncfg.Broadcast, _ *lncfg.HealthCheckConfig) {

				b.QueueSize = 0
			},
		},
		{
			name: "health check interval too small",
			mutate: func(_ *lncfg.Esplora, _ *lncfg.BgProc,
				_ *lncfg.Sync, _ *lncfg.Writeback,
				_ *lncfg.Broadcast, h *lncfg.HealthCheckConfig) {

				h.ChainCheck.Interval = time.Second
			},
		},
		{
			name: "disabled health check is not validated",
			mutate: func(_ *lncfg.Esplora, _ *lncfg.BgProc,
				_ *lncfg.Sync, _ *lncfg.Writeback,
				_ *lncfg.Broadcast, h *lncfg.HealthCheckConfig) {

				h.ChainCheck.Attempts = 0
				h.ChainCheck.Interval = 0
			},
			valid: true,
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			var (
				esplora   = lncfg.DefaultEsploraConfig()
				bgProc    = lncfg.DefaultBgProcConfig()
				sync      = lncfg.DefaultSyncConfig()
				writeback = lncfg.DefaultWritebackConfig()
				broadcast = lncfg.DefaultBroadcastConfig()
				health    = lncfg.DefaultHealthCheckConfig()
			)
			if test.mutate != nil {
				test.mutate(
					esplora, bgProc, sync, writeback,
					broadcast, health,
				)
			}

			err := lncfg.Validate(
				esplora, bgProc, sync, writeback, broadcast,
				health,
			)
			switch {
			case test.valid && err != nil:
				t.Fatalf("valid config was invalid: %v", err)
			case !test.valid && err == nil:
				t.Fatalf("invalid config was valid")
			}
		})
	}
}

// TestParseAddresses checks that watched addresses must belong to the
// configured network.
func TestParseAddresses(t *testing.T) {
	t.Parallel()

	addr, err := btcutil.NewAddressWitnessPubKeyHash(
		make([]byte, 20), &chaincfg.RegressionNetParams,
	)
	require.NoError(t, err)
	regtestAddr := addr.EncodeAddress()

	w := &lncfg.Wallet{Addresses: []string{regtestAddr}}

	addrs, err := w.ParseAddresses(&chaincfg.RegressionNetParams)
	require.NoError(t, err)
	require.Len(t, addrs, 1)
	require.Equal(t, regtestAddr, addrs[0].EncodeAddress())

	_, err = w.ParseAddresses(&chaincfg.MainNetParams)
	require.Error(t, err)

	w.Addresses = []string{"not an address"}
	_, err = w.ParseAddresses(&chaincfg.RegressionNetParams)
	require.Error(t, err)
}

// TestChainParams checks the supported network names.
func TestChainParams(t *testing.T) {
	t.Parallel()

	for _, network := range []string{
		"mainnet", "testnet", "testnet3", "signet", "regtest", "simnet",
	} {
		params, err := lncfg.ChainParams(network)
		require.NoError(t, err, network)
		require.NotNil(t, params)
	}

	_, err := lncfg.ChainParams("litecoin")
	require.Error(t, err)

	require.Equal(t, "testnet", lncfg.NormalizeNetwork("testnet3"))
}
