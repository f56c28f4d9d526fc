package events

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"XCMFlow/internal/chain"
	"XCMFlow/internal/monitor"
	"XCMFlow/internal/xcm"
)

func TestQueueEvictsOldestWhenFull(t *testing.T) {
	q := newQueue(1000)
	for i := 0; i < 1001; i++ {
		evicted := q.push(chain.SystemEvent{Index: uint32(i)})
		if i < 1000 && evicted {
			t.Fatalf("event %d must not trigger eviction", i)
		}
		if i == 1000 && !evicted {
			t.Fatal("event 1000 must evict the oldest entry")
		}
	}
	if q.len() != 1000 {
		t.Fatalf("queue length = %d, want 1000", q.len())
	}

	drained := q.drain()
	if len(drained) != 1000 {
		t.Fatalf("drained %d events, want 1000", len(drained))
	}
	if drained[0].Index != 1 {
		t.Fatalf("oldest surviving event index = %d, want 1", drained[0].Index)
	}
	if drained[999].Index != 1000 {
		t.Fatalf("newest event index = %d, want 1000", drained[999].Index)
	}
}

func TestFilterSetSemantics(t *testing.T) {
	event := chain.SystemEvent{ChainID: "polkadot", Section: "xcmpQueue", Method: "Success"}

	var empty FilterSet
	if !empty.Accepts(event) {
		t.Fatal("empty filter set must accept everything")
	}

	// Empty dimension matches all values of that dimension.
	set := FilterSet{{Sections: []string{"xcmpQueue"}}}
	if !set.Accepts(event) {
		t.Fatal("section-only filter must accept a matching event")
	}
	if set.Accepts(chain.SystemEvent{ChainID: "polkadot", Section: "balances", Method: "Transfer"}) {
		t.Fatal("non-matching section must be rejected")
	}

	// Any member filter matching is enough.
	set = FilterSet{
		{Chains: []string{"kusama"}},
		{Methods: []string{"success"}},
	}
	if !set.Accepts(event) {
		t.Fatal("second filter matches case-insensitively, event must pass")
	}
}

func TestClassify(t *testing.T) {
	cases := []struct {
		section, method string
		want            Class
		critical        bool
	}{
		{"xcmpQueue", "Success", ClassXCMSuccess, false},
		{"messageQueue", "ProcessingFailed", ClassXCMFailed, false},
		{"polkadotXcm", "Sent", ClassXCMSent, false},
		{"xcmpQueue", "XcmpMessageReceived", ClassXCMReceived, false},
		{"polkadotXcm", "AssetsTrapped", ClassAssetsTrapped, true},
		{"balances", "Transfer", ClassBalanceTransfer, false},
		{"assets", "Issued", ClassAssetIssued, false},
		{"tokens", "Burned", ClassAssetBurned, false},
		{"system", "ExtrinsicSuccess", ClassOther, false},
	}
	for _, tc := range cases {
		got := Classify(chain.SystemEvent{Section: tc.section, Method: tc.method})
		if got.Class != tc.want {
			t.Fatalf("%s.%s classified as %s, want %s", tc.section, tc.method, got.Class, tc.want)
		}
		if got.Critical != tc.critical {
			t.Fatalf("%s.%s critical = %v, want %v", tc.section, tc.method, got.Critical, tc.critical)
		}
	}
}

func TestEventMessageHashExtraction(t *testing.T) {
	hash := chain.MessageHash([]byte("payload"))
	event := Classify(chain.SystemEvent{
		Section: "xcmpQueue",
		Method:  "Success",
		Data:    []byte(fmt.Sprintf(`{"message_hash":%q,"weight":12345}`, hash.Hex())),
	})
	got, ok := event.MessageHash()
	if !ok {
		t.Fatal("hash must be extracted from the payload")
	}
	if got != hash {
		t.Fatalf("extracted %s, want %s", got.Hex(), hash.Hex())
	}

	if _, ok := Classify(chain.SystemEvent{Data: []byte(`{"weight":1}`)}).MessageHash(); ok {
		t.Fatal("payload without a hash must not correlate")
	}

	// All-zero hashes are filler values in failure payloads, not identities.
	zero := Classify(chain.SystemEvent{
		Section: "xcmpQueue",
		Method:  "Fail",
		Data:    []byte(`{"message_hash":"` + common.Hash{}.Hex() + `","error":"Unroutable"}`),
	})
	if _, ok := zero.MessageHash(); ok {
		t.Fatal("zero hash must not correlate")
	}
}

type collectingSink struct {
	mu     sync.Mutex
	events []Event
}

func (s *collectingSink) EventObserved(event Event) {
	s.mu.Lock()
	s.events = append(s.events, event)
	s.mu.Unlock()
}

func (s *collectingSink) all() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Event(nil), s.events...)
}

func TestListenerResolvesTransferFromDeliveryEvent(t *testing.T) {
	defs := chain.Definitions{
		Chains: map[string]chain.Definition{
			"polkadot": {Kind: chain.KindRelay},
			"assetHub": {Kind: chain.KindParachain, ParaID: 1000, Hub: true},
		},
	}
	sims := map[string]*chain.SimClient{}
	manager := chain.NewManager(defs, chain.WithDialFunc(func(_ context.Context, chainID string, _ chain.Definition) (chain.Client, error) {
		sim := chain.NewSimClient(chainID)
		sims[chainID] = sim
		return sim, nil
	}))
	ctx := context.Background()
	for _, chainID := range []string{"polkadot", "assetHub"} {
		if err := manager.Connect(ctx, chainID); err != nil {
			t.Fatalf("connect %s: %v", chainID, err)
		}
	}

	mon := monitor.NewMonitor(manager, monitor.NewMemoryStore(), monitor.Config{})
	tx, err := mon.Begin(ctx, xcm.TransferParams{
		SourceChain:      "polkadot",
		DestinationChain: "assetHub",
		Asset:            xcm.Asset{Symbol: "DOT"},
		Amount:           big.NewInt(1),
	}, "")
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	hash := chain.MessageHash([]byte(tx.ID))
	if err := mon.MarkSubmitted(ctx, tx.ID, xcm.KindReserveTransfer, hash); err != nil {
		t.Fatalf("submit: %v", err)
	}

	listener := NewListener(manager, mon, Config{DrainInterval: 10 * time.Millisecond})
	sink := &collectingSink{}
	listener.AddSink(sink)
	listener.Start(ctx)
	defer listener.Stop()

	if !listener.HasSubscription("assetHub") {
		t.Fatal("listener must subscribe to connected chains at startup")
	}

	sims["assetHub"].AddBlock(nil, []chain.SystemEvent{{
		ChainID: "assetHub",
		Section: "xcmpQueue",
		Method:  "Success",
		Data:    []byte(`{"message_hash":"` + hash.Hex() + `"}`),
	}})

	deadline := time.After(2 * time.Second)
	for {
		current, err := mon.TransactionStatus(ctx, tx.ID)
		if err != nil {
			t.Fatalf("status: %v", err)
		}
		if current.Status == monitor.StatusSuccess {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("transfer never resolved, status %s", current.Status)
		case <-time.After(20 * time.Millisecond):
		}
	}

	forwarded := sink.all()
	if len(forwarded) == 0 {
		t.Fatal("accepted events must be forwarded to sinks")
	}
	if forwarded[0].Class != ClassXCMSuccess {
		t.Fatalf("forwarded class = %s", forwarded[0].Class)
	}

	stats := listener.Stats()
	if stats.Resolved != 1 {
		t.Fatalf("resolved = %d, want 1", stats.Resolved)
	}
}

func TestListenerIgnoresUncorrelatedDeliveries(t *testing.T) {
	listener := NewListener(nil, nil, Config{})
	// No monitor wired: correlation must be a no-op, not a panic.
	listener.correlate(context.Background(), Classify(chain.SystemEvent{
		Section: "xcmpQueue",
		Method:  "Success",
		Data:    []byte(`{"message_hash":"` + common.Hash{}.Hex() + `"}`),
	}))
}
