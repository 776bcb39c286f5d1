package lncfg

import (
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
)

// Wallet holds the options of the onchain wallet view.
//
//nolint:lll
type Wallet struct {
	Addresses []string `long:"address" description:"An address the wallet watches. Can be specified multiple times."`
}

// ParseAddresses decodes the watched addresses for the given network.
func (w *Wallet) ParseAddresses(
	params *chaincfg.Params) ([]btcutil.Address, error) {

	addrs := make([]btcutil.Address, 0, len(w.Addresses))
	for _, s := range w.Addresses {
		addr, err := btcutil.DecodeAddress(s, params)
		if err != nil {
			return nil, fmt.Errorf("invalid wallet.address %v: %w", s,
				err)
		}

		if !addr.IsForNet(params) {
			return nil, fmt.Errorf("wallet.address %v is not for "+
				"network %v", s, params.Name)
		}

		addrs = append(addrs, addr)
	}

	return addrs, nil
}
