package xcm

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"XCMFlow/internal/chain"
	xerrors "XCMFlow/internal/errors"
)

// Kind is the closed set of message shapes. The shape is decided once, at
// build time, from the (source, destination) chain pair.
type Kind string

const (
	// KindReserveTransfer moves assets down from the relay chain.
	KindReserveTransfer Kind = "reserve_transfer"
	// KindTeleport moves assets up to the relay chain.
	KindTeleport Kind = "teleport"
	// KindLimitedReserveTransfer moves assets between two parachains.
	KindLimitedReserveTransfer Kind = "limited_reserve_transfer"
)

// Message is a constructed cross-chain message ready for submission.
type Message struct {
	Kind    Kind        `json:"kind"`
	Payload []byte      `json:"payload"`
	Hash    common.Hash `json:"hash"`
}

// messageBody is the encoded wire form. Encoding is deterministic for a
// given nonce so the hash can be matched against included extrinsics.
type messageBody struct {
	Nonce            string `json:"nonce"`
	Kind             Kind   `json:"kind"`
	SourceChain      string `json:"source_chain"`
	DestinationChain string `json:"destination_chain"`
	DestinationPara  uint32 `json:"destination_para,omitempty"`
	Asset            Asset  `json:"asset"`
	Amount           string `json:"amount"`
	Sender           string `json:"sender"`
	Recipient        string `json:"recipient"`
	BuiltAt          int64  `json:"built_at"`
}

// Builder validates transfer parameters and constructs the protocol message
// appropriate to the chain pair.
type Builder struct {
	manager *chain.Manager
}

// NewBuilder creates a Builder backed by the connection manager.
func NewBuilder(manager *chain.Manager) *Builder {
	return &Builder{manager: manager}
}

// Validate checks the parameters against the configured topology.
func (b *Builder) Validate(params TransferParams) Validation {
	return ValidateTransferParams(b.manager.Definitions(), params)
}

// SelectKind returns the message shape for a chain pair.
func SelectKind(defs chain.Definitions, source, destination string) Kind {
	switch {
	case defs.IsRelay(source):
		return KindReserveTransfer
	case defs.IsRelay(destination):
		return KindTeleport
	default:
		return KindLimitedReserveTransfer
	}
}

// BuildTransferMessage constructs the message for the given parameters. It
// fails with VALIDATION_FAILED on bad input and CONNECTION_FAILURE when the
// source chain has no live connection.
func (b *Builder) BuildTransferMessage(ctx context.Context, params TransferParams) (*Message, error) {
	if validation := b.Validate(params); !validation.OK {
		return nil, xerrors.New(xerrors.CodeValidationFailed,
			"invalid transfer parameters: "+strings.Join(validation.Errors, "; "))
	}
	if _, err := b.manager.ClientFor(params.SourceChain); err != nil {
		return nil, err
	}

	defs := b.manager.Definitions()
	kind := SelectKind(defs, params.SourceChain, params.DestinationChain)

	body := messageBody{
		Nonce:            uuid.NewString(),
		Kind:             kind,
		SourceChain:      params.SourceChain,
		DestinationChain: params.DestinationChain,
		Asset:            params.Asset,
		Amount:           params.Amount.String(),
		Sender:           params.Sender,
		Recipient:        params.Recipient,
		BuiltAt:          time.Now().Unix(),
	}
	if destination, ok := defs.Chains[params.DestinationChain]; ok {
		body.DestinationPara = destination.ParaID
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeUnknown, err, "encode transfer message")
	}

	return &Message{Kind: kind, Payload: payload, Hash: chain.MessageHash(payload)}, nil
}
