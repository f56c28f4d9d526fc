package xcm

import (
	"fmt"
	"math/big"
	"strings"

	"XCMFlow/internal/chain"
)

// Priority expresses how a caller wants a transfer optimized.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
)

// NormalizePriority maps unknown values to the default.
func NormalizePriority(p Priority) Priority {
	switch p {
	case PriorityLow, PriorityNormal, PriorityHigh:
		return p
	default:
		return PriorityNormal
	}
}

// Asset describes the asset being moved.
type Asset struct {
	Symbol   string `json:"symbol"`
	Decimals uint8  `json:"decimals"`
	Native   bool   `json:"native"`
	Location string `json:"location,omitempty"`
}

// TransferParams are immutable once accepted by the orchestrator.
type TransferParams struct {
	SourceChain      string   `json:"source_chain"`
	DestinationChain string   `json:"destination_chain"`
	Asset            Asset    `json:"asset"`
	Amount           *big.Int `json:"amount"`
	Sender           string   `json:"sender"`
	Recipient        string   `json:"recipient"`
	RouteID          string   `json:"route_id,omitempty"`
	FeeCeiling       *big.Int `json:"fee_ceiling,omitempty"`
	Priority         Priority `json:"priority,omitempty"`
}

// Validation is the outcome of parameter validation. Errors lists every
// problem found, not just the first.
type Validation struct {
	OK     bool     `json:"is_valid"`
	Errors []string `json:"errors,omitempty"`
}

// ValidateTransferParams checks a transfer request against the static chain
// topology. It never touches the network.
func ValidateTransferParams(defs chain.Definitions, params TransferParams) Validation {
	var errs []string

	source, sourceOK := defs.Chains[params.SourceChain]
	if !sourceOK {
		errs = append(errs, fmt.Sprintf("unknown source chain %q", params.SourceChain))
	}
	if _, ok := defs.Chains[params.DestinationChain]; !ok {
		errs = append(errs, fmt.Sprintf("unknown destination chain %q", params.DestinationChain))
	}
	if sourceOK && params.SourceChain == params.DestinationChain {
		errs = append(errs, "source and destination chains must differ")
	}

	if strings.TrimSpace(params.Asset.Symbol) == "" {
		errs = append(errs, "asset symbol is required")
	}

	if params.Amount == nil || params.Amount.Sign() <= 0 {
		errs = append(errs, "amount must be a positive integer")
	} else if sourceOK && params.Asset.Native &&
		strings.EqualFold(params.Asset.Symbol, source.NativeAsset.Symbol) {
		min := source.NativeAsset.MinBalanceAmount()
		if min.Sign() > 0 && params.Amount.Cmp(min) < 0 {
			errs = append(errs, fmt.Sprintf("amount %s is below the minimum balance %s", params.Amount, min))
		}
	}

	if !validAddress(params.Sender) {
		errs = append(errs, fmt.Sprintf("malformed sender address %q", params.Sender))
	}
	if !validAddress(params.Recipient) {
		errs = append(errs, fmt.Sprintf("malformed recipient address %q", params.Recipient))
	}

	if params.FeeCeiling != nil && params.FeeCeiling.Sign() < 0 {
		errs = append(errs, "fee ceiling cannot be negative")
	}

	return Validation{OK: len(errs) == 0, Errors: errs}
}

const base58Alphabet = "123456789ABCDEFGHJKLMNPQRSTUVWXYZabcdefghijkmnopqrstuvwxyz"

// validAddress accepts SS58 account strings and 32-byte hex public keys.
func validAddress(addr string) bool {
	addr = strings.TrimSpace(addr)
	if strings.HasPrefix(addr, "0x") {
		hex := addr[2:]
		if len(hex) != 64 {
			return false
		}
		for _, r := range hex {
			if !strings.ContainsRune("0123456789abcdefABCDEF", r) {
				return false
			}
		}
		return true
	}
	if len(addr) < 46 || len(addr) > 50 {
		return false
	}
	for _, r := range addr {
		if !strings.ContainsRune(base58Alphabet, r) {
			return false
		}
	}
	return true
}

// CacheKey identifies the (source, destination, asset) tuple used by the fee
// cache.
func (p TransferParams) CacheKey() string {
	return p.SourceChain + "/" + p.DestinationChain + "/" + strings.ToUpper(p.Asset.Symbol)
}
