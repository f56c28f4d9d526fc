package chain

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	gethrpc "github.com/ethereum/go-ethereum/rpc"
)

// Header is the subset of a chain header the engine cares about.
type Header struct {
	Number     uint64
	Hash       common.Hash
	ParentHash common.Hash
}

// SystemEvent is one decoded entry from a chain's system event storage.
type SystemEvent struct {
	ChainID     string          `json:"chain_id"`
	BlockNumber uint64          `json:"block_number"`
	BlockHash   common.Hash     `json:"block_hash"`
	Index       uint32          `json:"index"`
	Section     string          `json:"section"`
	Method      string          `json:"method"`
	Data        json.RawMessage `json:"data,omitempty"`
	ReceivedAt  time.Time       `json:"received_at"`
}

// HeadSubscription delivers new chain heads until closed.
type HeadSubscription struct {
	ch    <-chan Header
	errs  <-chan error
	close func()
}

// Heads returns the channel carrying incoming headers.
func (s *HeadSubscription) Heads() <-chan Header { return s.ch }

// Err surfaces the underlying subscription failure, if any.
func (s *HeadSubscription) Err() <-chan error { return s.errs }

// Close terminates the subscription.
func (s *HeadSubscription) Close() {
	if s != nil && s.close != nil {
		s.close()
	}
}

// EventSubscription delivers system events until closed.
type EventSubscription struct {
	ch    <-chan SystemEvent
	errs  <-chan error
	close func()
}

// Events returns the channel carrying incoming events.
func (s *EventSubscription) Events() <-chan SystemEvent { return s.ch }

// Err surfaces the underlying subscription failure, if any.
func (s *EventSubscription) Err() <-chan error { return s.errs }

// Close terminates the subscription.
func (s *EventSubscription) Close() {
	if s != nil && s.close != nil {
		s.close()
	}
}

// NewHeadSubscription wraps already constructed channels, used by fakes.
func NewHeadSubscription(ch <-chan Header, errs <-chan error, close func()) *HeadSubscription {
	return &HeadSubscription{ch: ch, errs: errs, close: close}
}

// NewEventSubscription wraps already constructed channels, used by fakes.
func NewEventSubscription(ch <-chan SystemEvent, errs <-chan error, close func()) *EventSubscription {
	return &EventSubscription{ch: ch, errs: errs, close: close}
}

// Client is the chain RPC surface every connected chain must provide. The
// engine never talks to a node except through this interface.
type Client interface {
	// Header returns the current best header.
	Header(ctx context.Context) (Header, error)
	// FinalizedHead returns the hash of the latest finalized block.
	FinalizedHead(ctx context.Context) (common.Hash, error)
	// HeaderByHash resolves a header from its hash.
	HeaderByHash(ctx context.Context, hash common.Hash) (Header, error)
	// BlockHash resolves the canonical hash at the given height.
	BlockHash(ctx context.Context, number uint64) (common.Hash, error)
	// BlockMessages lists the hashes of the messages included in a block.
	BlockMessages(ctx context.Context, hash common.Hash) ([]common.Hash, error)
	// BlockEvents lists the system events emitted by a block.
	BlockEvents(ctx context.Context, hash common.Hash) ([]SystemEvent, error)
	// SubmitMessage broadcasts a signed message and returns its hash.
	SubmitMessage(ctx context.Context, payload []byte) (common.Hash, error)
	// PaymentInfo returns the weight fee a payload would be charged.
	PaymentInfo(ctx context.Context, payload []byte) (*big.Int, error)
	// MinBalance returns the existential deposit for the given asset.
	MinBalance(ctx context.Context, asset string) (*big.Int, error)
	// SubscribeNewHeads streams best headers.
	SubscribeNewHeads(ctx context.Context) (*HeadSubscription, error)
	// SubscribeSystemEvents streams decoded system events.
	SubscribeSystemEvents(ctx context.Context) (*EventSubscription, error)
	Close()
}

// rpcClient implements Client over a websocket JSON-RPC connection.
type rpcClient struct {
	chainID string
	def     Definition
	rpc     *gethrpc.Client
}

// Dial connects to the chain's RPC endpoint and returns a ready client.
func Dial(ctx context.Context, chainID string, def Definition) (Client, error) {
	url := strings.TrimSpace(def.RPCURL)
	if url == "" {
		return nil, fmt.Errorf("chain %s has no rpc_url configured", chainID)
	}
	conn, err := gethrpc.DialContext(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("dial chain %s: %w", chainID, err)
	}
	return &rpcClient{chainID: chainID, def: def, rpc: conn}, nil
}

// rawHeader mirrors the JSON header shape returned by the node.
type rawHeader struct {
	Number     hexutil.Uint64 `json:"number"`
	ParentHash common.Hash    `json:"parentHash"`
}

func (c *rpcClient) Header(ctx context.Context) (Header, error) {
	var raw rawHeader
	if err := c.rpc.CallContext(ctx, &raw, "chain_getHeader"); err != nil {
		return Header{}, fmt.Errorf("chain %s: get header: %w", c.chainID, err)
	}
	hash, err := c.BlockHash(ctx, uint64(raw.Number))
	if err != nil {
		return Header{}, err
	}
	return Header{Number: uint64(raw.Number), Hash: hash, ParentHash: raw.ParentHash}, nil
}

func (c *rpcClient) FinalizedHead(ctx context.Context) (common.Hash, error) {
	var hash common.Hash
	if err := c.rpc.CallContext(ctx, &hash, "chain_getFinalizedHead"); err != nil {
		return common.Hash{}, fmt.Errorf("chain %s: get finalized head: %w", c.chainID, err)
	}
	return hash, nil
}

func (c *rpcClient) HeaderByHash(ctx context.Context, hash common.Hash) (Header, error) {
	var raw rawHeader
	if err := c.rpc.CallContext(ctx, &raw, "chain_getHeader", hash); err != nil {
		return Header{}, fmt.Errorf("chain %s: get header %s: %w", c.chainID, hash, err)
	}
	return Header{Number: uint64(raw.Number), Hash: hash, ParentHash: raw.ParentHash}, nil
}

func (c *rpcClient) BlockHash(ctx context.Context, number uint64) (common.Hash, error) {
	var hash common.Hash
	if err := c.rpc.CallContext(ctx, &hash, "chain_getBlockHash", hexutil.Uint64(number)); err != nil {
		return common.Hash{}, fmt.Errorf("chain %s: get block hash %d: %w", c.chainID, number, err)
	}
	return hash, nil
}

// rawBlock carries only the extrinsic payloads of a block body.
type rawBlock struct {
	Block struct {
		Extrinsics []hexutil.Bytes `json:"extrinsics"`
	} `json:"block"`
}

func (c *rpcClient) BlockMessages(ctx context.Context, hash common.Hash) ([]common.Hash, error) {
	var raw rawBlock
	if err := c.rpc.CallContext(ctx, &raw, "chain_getBlock", hash); err != nil {
		return nil, fmt.Errorf("chain %s: get block %s: %w", c.chainID, hash, err)
	}
	hashes := make([]common.Hash, 0, len(raw.Block.Extrinsics))
	for _, extrinsic := range raw.Block.Extrinsics {
		hashes = append(hashes, MessageHash(extrinsic))
	}
	return hashes, nil
}

// rawEvent mirrors the decoded event entries exposed by the node's state API.
type rawEvent struct {
	Index   uint32          `json:"index"`
	Section string          `json:"section"`
	Method  string          `json:"method"`
	Data    json.RawMessage `json:"data"`
}

func (c *rpcClient) BlockEvents(ctx context.Context, hash common.Hash) ([]SystemEvent, error) {
	header, err := c.HeaderByHash(ctx, hash)
	if err != nil {
		return nil, err
	}
	var raw []rawEvent
	if err := c.rpc.CallContext(ctx, &raw, "state_getEvents", hash); err != nil {
		return nil, fmt.Errorf("chain %s: get events %s: %w", c.chainID, hash, err)
	}
	events := make([]SystemEvent, 0, len(raw))
	now := time.Now()
	for _, entry := range raw {
		events = append(events, SystemEvent{
			ChainID:     c.chainID,
			BlockNumber: header.Number,
			BlockHash:   hash,
			Index:       entry.Index,
			Section:     entry.Section,
			Method:      entry.Method,
			Data:        entry.Data,
			ReceivedAt:  now,
		})
	}
	return events, nil
}

func (c *rpcClient) SubmitMessage(ctx context.Context, payload []byte) (common.Hash, error) {
	if len(payload) == 0 {
		return common.Hash{}, errors.New("empty message payload")
	}
	var hash common.Hash
	if err := c.rpc.CallContext(ctx, &hash, "author_submitExtrinsic", hexutil.Bytes(payload)); err != nil {
		return common.Hash{}, fmt.Errorf("chain %s: submit message: %w", c.chainID, err)
	}
	return hash, nil
}

// rawPaymentInfo carries the node's fee prediction for a payload.
type rawPaymentInfo struct {
	PartialFee *hexutil.Big `json:"partialFee"`
}

func (c *rpcClient) PaymentInfo(ctx context.Context, payload []byte) (*big.Int, error) {
	var raw rawPaymentInfo
	if err := c.rpc.CallContext(ctx, &raw, "payment_queryInfo", hexutil.Bytes(payload)); err != nil {
		return nil, fmt.Errorf("chain %s: payment info: %w", c.chainID, err)
	}
	if raw.PartialFee == nil {
		return big.NewInt(0), nil
	}
	return raw.PartialFee.ToInt(), nil
}

func (c *rpcClient) MinBalance(ctx context.Context, asset string) (*big.Int, error) {
	// The native asset's existential deposit is part of the static chain
	// definition; anything else would need an on-chain assets query.
	if strings.EqualFold(asset, c.def.NativeAsset.Symbol) {
		return c.def.NativeAsset.MinBalanceAmount(), nil
	}
	var raw *hexutil.Big
	if err := c.rpc.CallContext(ctx, &raw, "assets_minBalance", asset); err != nil {
		return nil, fmt.Errorf("chain %s: min balance %s: %w", c.chainID, asset, err)
	}
	if raw == nil {
		return big.NewInt(0), nil
	}
	return raw.ToInt(), nil
}

func (c *rpcClient) SubscribeNewHeads(ctx context.Context) (*HeadSubscription, error) {
	rawCh := make(chan rawHeader, 16)
	sub, err := c.rpc.Subscribe(ctx, "chain", rawCh, "newHeads")
	if err != nil {
		return nil, fmt.Errorf("chain %s: subscribe heads: %w", c.chainID, err)
	}
	out := make(chan Header, 16)
	go func() {
		defer close(out)
		for raw := range rawCh {
			out <- Header{Number: uint64(raw.Number), ParentHash: raw.ParentHash}
		}
	}()
	return NewHeadSubscription(out, sub.Err(), func() {
		sub.Unsubscribe()
		// rawCh is closed by the rpc client once unsubscribed.
	}), nil
}

func (c *rpcClient) SubscribeSystemEvents(ctx context.Context) (*EventSubscription, error) {
	rawCh := make(chan []rawEvent, 16)
	sub, err := c.rpc.Subscribe(ctx, "state", rawCh, "events")
	if err != nil {
		return nil, fmt.Errorf("chain %s: subscribe events: %w", c.chainID, err)
	}
	out := make(chan SystemEvent, 64)
	go func() {
		defer close(out)
		for batch := range rawCh {
			now := time.Now()
			for _, entry := range batch {
				out <- SystemEvent{
					ChainID:    c.chainID,
					Index:      entry.Index,
					Section:    entry.Section,
					Method:     entry.Method,
					Data:       entry.Data,
					ReceivedAt: now,
				}
			}
		}
	}()
	return NewEventSubscription(out, sub.Err(), sub.Unsubscribe), nil
}

func (c *rpcClient) Close() {
	if c.rpc != nil {
		c.rpc.Close()
	}
}

var _ Client = (*rpcClient)(nil)
