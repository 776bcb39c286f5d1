package writeback

import (
	"time"
)

// NodeStateSchema is the current layout version of NodeState.
const NodeStateSchema SchemaVersion = 1

// ChainTip is the best block the node has synced to. It is replaced as a
// whole.
type ChainTip struct {
	Height int64  `json:"height"`
	Hash   string `json:"hash"`
}

// Settings are user preferences kept alongside the node state. Each field is
// merged independently.
type Settings struct {
	Locale       *string `json:"locale,omitempty"`
	FiatCurrency *string `json:"fiat_currency,omitempty"`
	ShowSats     *bool   `json:"show_sats,omitempty"`
}

// Merge applies the fields set in patch.
func (s *Settings) Merge(patch *Settings) error {
	if err := MergeField(&s.Locale, patch.Locale); err != nil {
		return err
	}
	if err := MergeField(&s.FiatCurrency, patch.FiatCurrency); err != nil {
		return err
	}

	return MergeField(&s.ShowSats, patch.ShowSats)
}

// Clone returns a deep copy of the settings.
func (s *Settings) Clone() *Settings {
	return &Settings{
		Locale:       CloneField(s.Locale),
		FiatCurrency: CloneField(s.FiatCurrency),
		ShowSats:     CloneField(s.ShowSats),
	}
}

// NodeState is the small document the node writes back to disk. It is also
// used as the patch type: unset fields in a patch keep their old value.
type NodeState struct {
	Schema SchemaVersion `json:"schema"`

	ChainTip *ChainTip `json:"chain_tip,omitempty"`

	LastOnchainSync *time.Time `json:"last_onchain_sync,omitempty"`

	LastChainSync *time.Time `json:"last_chain_sync,omitempty"`

	Settings *Settings `json:"settings,omitempty"`
}

// DefaultNodeState returns an empty NodeState at the current schema.
func DefaultNodeState() *NodeState {
	return &NodeState{
		Schema: NodeStateSchema,
	}
}

// NewNodeStatePatch returns an empty patch at the current schema.
func NewNodeStatePatch() *NodeState {
	return DefaultNodeState()
}

// Merge applies patch field by field. The patch must be at the same schema.
func (n *NodeState) Merge(patch *NodeState) error {
	if err := n.Schema.EnsureMatches(patch.Schema); err != nil {
		return err
	}

	if err := MergeField(&n.ChainTip, patch.ChainTip); err != nil {
		return err
	}
	err := MergeField(&n.LastOnchainSync, patch.LastOnchainSync)
	if err != nil {
		return err
	}
	err = MergeField(&n.LastChainSync, patch.LastChainSync)
	if err != nil {
		return err
	}

	return MergeField(&n.Settings, patch.Settings)
}

// Clone returns a deep copy of the state.
func (n *NodeState) Clone() *NodeState {
	c := &NodeState{
		Schema:          n.Schema,
		ChainTip:        CloneField(n.ChainTip),
		LastOnchainSync: CloneField(n.LastOnchainSync),
		LastChainSync:   CloneField(n.LastChainSync),
	}
	if n.Settings != nil {
		c.Settings = n.Settings.Clone()
	}

	return c
}

// Validate checks the schema of a decoded state.
func (n *NodeState) Validate() error {
	return NodeStateSchema.EnsureMatches(n.Schema)
}
