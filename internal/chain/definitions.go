package chain

import (
	"fmt"
	"math/big"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Chain kinds understood by the message builder.
const (
	KindRelay     = "relay"
	KindParachain = "parachain"
)

// Definitions models the chains.yaml topology file: the set of reachable
// chains plus the statically known direct routes between them.
type Definitions struct {
	Chains map[string]Definition `yaml:"chains"`
	Routes []RouteDefinition     `yaml:"routes"`
}

// Definition describes a single chain endpoint and its native asset.
type Definition struct {
	Kind             string          `yaml:"kind"`
	ParaID           uint32          `yaml:"para_id"`
	Hub              bool            `yaml:"hub"`
	RPCURL           string          `yaml:"rpc_url"`
	SS58Prefix       uint16          `yaml:"ss58_prefix"`
	BlockTimeSeconds int             `yaml:"block_time_seconds"`
	NativeAsset      AssetDefinition `yaml:"native_asset"`
	Description      string          `yaml:"description"`
}

// AssetDefinition describes an asset known to a chain.
type AssetDefinition struct {
	Symbol     string `yaml:"symbol"`
	Decimals   uint8  `yaml:"decimals"`
	MinBalance string `yaml:"min_balance"`
}

// MinBalanceAmount parses the configured existential deposit.
func (a AssetDefinition) MinBalanceAmount() *big.Int {
	if strings.TrimSpace(a.MinBalance) == "" {
		return big.NewInt(0)
	}
	value, ok := new(big.Int).SetString(a.MinBalance, 10)
	if !ok {
		return big.NewInt(0)
	}
	return value
}

// RouteDefinition is one statically configured direct hop.
type RouteDefinition struct {
	Source          string  `yaml:"source"`
	Destination     string  `yaml:"destination"`
	Asset           string  `yaml:"asset"`
	EstimatedFee    int64   `yaml:"estimated_fee"`
	DurationSeconds int     `yaml:"duration_seconds"`
	Confidence      float64 `yaml:"confidence"`
}

// LoadDefinitions parses the YAML topology file.
func LoadDefinitions(path string) (Definitions, error) {
	if strings.TrimSpace(path) == "" {
		return Definitions{Chains: map[string]Definition{}}, nil
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return Definitions{}, fmt.Errorf("read chain definitions: %w", err)
	}
	var defs Definitions
	if err := yaml.Unmarshal(content, &defs); err != nil {
		return Definitions{}, fmt.Errorf("parse chain definitions: %w", err)
	}
	if defs.Chains == nil {
		defs.Chains = map[string]Definition{}
	}
	return defs.normalize()
}

func (d Definitions) normalize() (Definitions, error) {
	for name, def := range d.Chains {
		kind := strings.ToLower(strings.TrimSpace(def.Kind))
		switch kind {
		case "":
			kind = KindParachain
		case KindRelay, KindParachain:
		default:
			return Definitions{}, fmt.Errorf("chain %s has unsupported kind %q", name, def.Kind)
		}
		def.Kind = kind
		if def.BlockTimeSeconds <= 0 {
			def.BlockTimeSeconds = 6
		}
		d.Chains[name] = def
	}
	for i, route := range d.Routes {
		if _, ok := d.Chains[route.Source]; !ok {
			return Definitions{}, fmt.Errorf("route %d references unknown source %q", i, route.Source)
		}
		if _, ok := d.Chains[route.Destination]; !ok {
			return Definitions{}, fmt.Errorf("route %d references unknown destination %q", i, route.Destination)
		}
		if route.Confidence <= 0 || route.Confidence > 1 {
			d.Routes[i].Confidence = 0.9
		}
	}
	return d, nil
}

// IsRelay reports whether the named chain is the relay chain.
func (d Definitions) IsRelay(chainID string) bool {
	def, ok := d.Chains[chainID]
	return ok && def.Kind == KindRelay
}

// Hubs returns the chain ids flagged as routing hubs, sorted for determinism.
func (d Definitions) Hubs() []string {
	hubs := make([]string, 0, len(d.Chains))
	for name, def := range d.Chains {
		if def.Hub {
			hubs = append(hubs, name)
		}
	}
	sort.Strings(hubs)
	return hubs
}

// Names returns every configured chain id, sorted.
func (d Definitions) Names() []string {
	names := make([]string, 0, len(d.Chains))
	for name := range d.Chains {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
