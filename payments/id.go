package payments

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/lightningnetwork/lnd/lntypes"
)

// IDKind tells onchain and lightning payment ids apart.
type IDKind uint8

const (
	// IDLightning ids are keyed by payment hash.
	IDLightning IDKind = 0

	// IDOnchain ids are keyed by txid.
	IDOnchain IDKind = 1
)

const (
	lightningPrefix = "ln_"
	onchainPrefix   = "oc_"

	// idLen is the length of a serialized ID.
	idLen = 1 + 32
)

// ID uniquely identifies a payment.
type ID struct {
	Kind IDKind
	Hash [32]byte
}

// LightningID returns the id of a lightning payment.
func LightningID(hash lntypes.Hash) ID {
	return ID{Kind: IDLightning, Hash: hash}
}

// OnchainID returns the id of an onchain payment.
func OnchainID(txid chainhash.Hash) ID {
	return ID{Kind: IDOnchain, Hash: txid}
}

// String returns the id as "ln_<payment hash>" or "oc_<txid>".
func (id ID) String() string {
	if id.Kind == IDOnchain {
		return onchainPrefix + chainhash.Hash(id.Hash).String()
	}

	return lightningPrefix + hex.EncodeToString(id.Hash[:])
}

// ParseID parses the output of ID.String.
func ParseID(s string) (ID, error) {
	switch {
	case strings.HasPrefix(s, onchainPrefix):
		txid, err := chainhash.NewHashFromStr(
			strings.TrimPrefix(s, onchainPrefix),
		)
		if err != nil {
			return ID{}, fmt.Errorf("invalid onchain id %q: %w", s,
				err)
		}

		return OnchainID(*txid), nil

	case strings.HasPrefix(s, lightningPrefix):
		hash, err := lntypes.MakeHashFromStr(
			strings.TrimPrefix(s, lightningPrefix),
		)
		if err != nil {
			return ID{}, fmt.Errorf("invalid lightning id %q: %w",
				s, err)
		}

		return LightningID(hash), nil

	default:
		return ID{}, fmt.Errorf("unknown payment id prefix: %q", s)
	}
}

// MarshalText implements encoding.TextMarshaler.
func (id ID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (id *ID) UnmarshalText(text []byte) error {
	parsed, err := ParseID(string(text))
	if err != nil {
		return err
	}
	*id = parsed

	return nil
}

// key returns the database key of the id.
func (id ID) key() []byte {
	var k [idLen]byte
	k[0] = byte(id.Kind)
	copy(k[1:], id.Hash[:])

	return k[:]
}

// idFromKey is the inverse of key.
func idFromKey(k []byte) (ID, error) {
	if len(k) != idLen {
		return ID{}, fmt.Errorf("invalid payment key length %d",
			len(k))
	}

	var id ID
	id.Kind = IDKind(k[0])
	copy(id.Hash[:], k[1:])

	if id.Kind != IDLightning && id.Kind != IDOnchain {
		return ID{}, fmt.Errorf("unknown payment id kind %d", id.Kind)
	}

	return id, nil
}
