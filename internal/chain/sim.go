package chain

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// SimClient is an in-memory chain used by tests and local development. Blocks
// are produced by the caller; subscriptions observe whatever is appended.
type SimClient struct {
	chainID string

	mu          sync.Mutex
	height      uint64
	finalized   uint64
	blocks      map[uint64]*simBlock
	minBalances map[string]*big.Int
	fee         *big.Int
	submitErr   error
	headSubs    []chan Header
	eventSubs   []chan SystemEvent
	closed      bool
}

type simBlock struct {
	hash     common.Hash
	messages []common.Hash
	events   []SystemEvent
}

// NewSimClient creates an empty simulated chain with a genesis block.
func NewSimClient(chainID string) *SimClient {
	c := &SimClient{
		chainID:     chainID,
		blocks:      map[uint64]*simBlock{},
		minBalances: map[string]*big.Int{},
		fee:         big.NewInt(1_000_000),
	}
	c.blocks[0] = &simBlock{hash: c.hashAt(0)}
	return c
}

func (c *SimClient) hashAt(number uint64) common.Hash {
	return MessageHash([]byte(fmt.Sprintf("%s/%d", c.chainID, number)))
}

// SetFee fixes the fee returned by PaymentInfo.
func (c *SimClient) SetFee(fee *big.Int) {
	c.mu.Lock()
	c.fee = new(big.Int).Set(fee)
	c.mu.Unlock()
}

// SetMinBalance fixes the existential deposit for an asset.
func (c *SimClient) SetMinBalance(asset string, min *big.Int) {
	c.mu.Lock()
	c.minBalances[asset] = new(big.Int).Set(min)
	c.mu.Unlock()
}

// FailSubmissions makes SubmitMessage return the given error.
func (c *SimClient) FailSubmissions(err error) {
	c.mu.Lock()
	c.submitErr = err
	c.mu.Unlock()
}

// AddBlock appends a block containing the given message hashes and events
// and notifies head subscribers.
func (c *SimClient) AddBlock(messages []common.Hash, events []SystemEvent) Header {
	c.mu.Lock()
	c.height++
	number := c.height
	block := &simBlock{hash: c.hashAt(number), messages: messages}
	for _, event := range events {
		event.ChainID = c.chainID
		event.BlockNumber = number
		event.BlockHash = block.hash
		if event.ReceivedAt.IsZero() {
			event.ReceivedAt = time.Now()
		}
		block.events = append(block.events, event)
	}
	c.blocks[number] = block
	header := Header{Number: number, Hash: block.hash, ParentHash: c.hashAt(number - 1)}
	headSubs := append([]chan Header(nil), c.headSubs...)
	eventSubs := append([]chan SystemEvent(nil), c.eventSubs...)
	emitted := append([]SystemEvent(nil), block.events...)
	c.mu.Unlock()

	for _, ch := range headSubs {
		select {
		case ch <- header:
		default:
		}
	}
	for _, event := range emitted {
		for _, ch := range eventSubs {
			select {
			case ch <- event:
			default:
			}
		}
	}
	return header
}

// FinalizeUpTo marks every block at or below number as finalized.
func (c *SimClient) FinalizeUpTo(number uint64) {
	c.mu.Lock()
	if number > c.height {
		number = c.height
	}
	c.finalized = number
	c.mu.Unlock()
}

func (c *SimClient) Header(_ context.Context) (Header, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return Header{}, fmt.Errorf("sim chain %s is closed", c.chainID)
	}
	return Header{Number: c.height, Hash: c.hashAt(c.height), ParentHash: c.hashAt(c.height - 1)}, nil
}

func (c *SimClient) FinalizedHead(_ context.Context) (common.Hash, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hashAt(c.finalized), nil
}

func (c *SimClient) HeaderByHash(_ context.Context, hash common.Hash) (Header, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for number, block := range c.blocks {
		if block.hash == hash {
			return Header{Number: number, Hash: hash, ParentHash: c.hashAt(number - 1)}, nil
		}
	}
	return Header{}, fmt.Errorf("sim chain %s: unknown block %s", c.chainID, hash)
}

func (c *SimClient) BlockHash(_ context.Context, number uint64) (common.Hash, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	block, ok := c.blocks[number]
	if !ok {
		return common.Hash{}, fmt.Errorf("sim chain %s: no block %d", c.chainID, number)
	}
	return block.hash, nil
}

func (c *SimClient) BlockMessages(_ context.Context, hash common.Hash) ([]common.Hash, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, block := range c.blocks {
		if block.hash == hash {
			return append([]common.Hash(nil), block.messages...), nil
		}
	}
	return nil, fmt.Errorf("sim chain %s: unknown block %s", c.chainID, hash)
}

func (c *SimClient) BlockEvents(_ context.Context, hash common.Hash) ([]SystemEvent, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, block := range c.blocks {
		if block.hash == hash {
			return append([]SystemEvent(nil), block.events...), nil
		}
	}
	return nil, fmt.Errorf("sim chain %s: unknown block %s", c.chainID, hash)
}

func (c *SimClient) SubmitMessage(_ context.Context, payload []byte) (common.Hash, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.submitErr != nil {
		return common.Hash{}, c.submitErr
	}
	return MessageHash(payload), nil
}

func (c *SimClient) PaymentInfo(_ context.Context, _ []byte) (*big.Int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return new(big.Int).Set(c.fee), nil
}

func (c *SimClient) MinBalance(_ context.Context, asset string) (*big.Int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if min, ok := c.minBalances[asset]; ok {
		return new(big.Int).Set(min), nil
	}
	return big.NewInt(0), nil
}

func (c *SimClient) SubscribeNewHeads(_ context.Context) (*HeadSubscription, error) {
	ch := make(chan Header, 64)
	errs := make(chan error, 1)
	c.mu.Lock()
	c.headSubs = append(c.headSubs, ch)
	c.mu.Unlock()
	return NewHeadSubscription(ch, errs, func() {
		c.dropHeadSub(ch)
	}), nil
}

func (c *SimClient) SubscribeSystemEvents(_ context.Context) (*EventSubscription, error) {
	ch := make(chan SystemEvent, 256)
	errs := make(chan error, 1)
	c.mu.Lock()
	c.eventSubs = append(c.eventSubs, ch)
	c.mu.Unlock()
	return NewEventSubscription(ch, errs, func() {
		c.dropEventSub(ch)
	}), nil
}

func (c *SimClient) dropHeadSub(target chan Header) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, ch := range c.headSubs {
		if ch == target {
			c.headSubs = append(c.headSubs[:i], c.headSubs[i+1:]...)
			return
		}
	}
}

func (c *SimClient) dropEventSub(target chan SystemEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, ch := range c.eventSubs {
		if ch == target {
			c.eventSubs = append(c.eventSubs[:i], c.eventSubs[i+1:]...)
			return
		}
	}
}

func (c *SimClient) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
}

var _ Client = (*SimClient)(nil)
