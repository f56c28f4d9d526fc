package xcm

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"XCMFlow/internal/chain"
	xerrors "XCMFlow/internal/errors"
)

const (
	testSender    = "15oF4uVJwmo4TdGW7VfQxNLavjCXviqxT9S1MgbjMNHr6Sp5"
	testRecipient = "14E5nqKAp3oAJcmzgZhUD2RcptBeUBScxKHgJKU4HPNcKVf3"
)

func testManager(t *testing.T, connected ...string) (*chain.Manager, map[string]*chain.SimClient) {
	t.Helper()
	defs := chain.Definitions{
		Chains: map[string]chain.Definition{
			"polkadot": {
				Kind: chain.KindRelay,
				NativeAsset: chain.AssetDefinition{
					Symbol: "DOT", Decimals: 10, MinBalance: "10000000000",
				},
			},
			"assetHub":  {Kind: chain.KindParachain, ParaID: 1000, Hub: true, NativeAsset: chain.AssetDefinition{Symbol: "DOT", Decimals: 10}},
			"hydration": {Kind: chain.KindParachain, ParaID: 2034, NativeAsset: chain.AssetDefinition{Symbol: "HDX", Decimals: 12}},
		},
	}
	sims := map[string]*chain.SimClient{}
	manager := chain.NewManager(defs, chain.WithDialFunc(func(_ context.Context, chainID string, _ chain.Definition) (chain.Client, error) {
		sim := chain.NewSimClient(chainID)
		sims[chainID] = sim
		return sim, nil
	}))
	for _, chainID := range connected {
		if err := manager.Connect(context.Background(), chainID); err != nil {
			t.Fatalf("connect %s: %v", chainID, err)
		}
	}
	return manager, sims
}

func dotTransfer(amount int64) TransferParams {
	return TransferParams{
		SourceChain:      "polkadot",
		DestinationChain: "assetHub",
		Asset:            Asset{Symbol: "DOT", Decimals: 10, Native: true},
		Amount:           big.NewInt(amount),
		Sender:           testSender,
		Recipient:        testRecipient,
	}
}

func TestValidateTransferParamsRejectsZeroAmount(t *testing.T) {
	manager, _ := testManager(t)
	params := dotTransfer(0)

	validation := ValidateTransferParams(manager.Definitions(), params)
	if validation.OK {
		t.Fatal("zero amount must not validate")
	}
	if len(validation.Errors) == 0 {
		t.Fatal("expected a non-empty errors list")
	}
}

func TestValidateTransferParamsRejectsDustAndBadAddresses(t *testing.T) {
	manager, _ := testManager(t)

	dust := dotTransfer(5) // far below the 10^10 plancks existential deposit
	if v := ValidateTransferParams(manager.Definitions(), dust); v.OK {
		t.Fatal("dust amount must not validate")
	}

	badAddr := dotTransfer(50_000_000_000)
	badAddr.Recipient = "not-an-address"
	if v := ValidateTransferParams(manager.Definitions(), badAddr); v.OK {
		t.Fatal("malformed recipient must not validate")
	}

	sameChain := dotTransfer(50_000_000_000)
	sameChain.DestinationChain = sameChain.SourceChain
	if v := ValidateTransferParams(manager.Definitions(), sameChain); v.OK {
		t.Fatal("same source and destination must not validate")
	}

	good := dotTransfer(50_000_000_000)
	if v := ValidateTransferParams(manager.Definitions(), good); !v.OK {
		t.Fatalf("expected valid params, got %v", v.Errors)
	}
}

func TestSelectKindCoversAllPairs(t *testing.T) {
	manager, _ := testManager(t)
	defs := manager.Definitions()

	cases := []struct {
		source, destination string
		want                Kind
	}{
		{"polkadot", "assetHub", KindReserveTransfer},
		{"assetHub", "polkadot", KindTeleport},
		{"assetHub", "hydration", KindLimitedReserveTransfer},
	}
	for _, tc := range cases {
		if got := SelectKind(defs, tc.source, tc.destination); got != tc.want {
			t.Fatalf("%s->%s: expected %s, got %s", tc.source, tc.destination, tc.want, got)
		}
	}
}

func TestBuildTransferMessageRequiresConnection(t *testing.T) {
	manager, _ := testManager(t) // nothing connected
	builder := NewBuilder(manager)

	_, err := builder.BuildTransferMessage(context.Background(), dotTransfer(50_000_000_000))
	if err == nil {
		t.Fatal("expected connection error")
	}
	if !errors.Is(err, xerrors.New(xerrors.CodeConnectionFailure, "")) {
		t.Fatalf("expected CONNECTION_FAILURE, got %v", err)
	}
}

func TestBuildTransferMessageProducesUniqueHashes(t *testing.T) {
	manager, _ := testManager(t, "polkadot")
	builder := NewBuilder(manager)

	first, err := builder.BuildTransferMessage(context.Background(), dotTransfer(50_000_000_000))
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if first.Kind != KindReserveTransfer {
		t.Fatalf("expected reserve transfer from relay, got %s", first.Kind)
	}
	if len(first.Payload) == 0 {
		t.Fatal("payload must not be empty")
	}

	second, err := builder.BuildTransferMessage(context.Background(), dotTransfer(50_000_000_000))
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if first.Hash == second.Hash {
		t.Fatal("two builds of the same transfer must not collide")
	}
	if first.Hash != chain.MessageHash(first.Payload) {
		t.Fatal("hash must commit to the payload")
	}
}

func TestBuildTransferMessageRejectsInvalidParams(t *testing.T) {
	manager, _ := testManager(t, "polkadot")
	builder := NewBuilder(manager)

	_, err := builder.BuildTransferMessage(context.Background(), dotTransfer(0))
	if err == nil {
		t.Fatal("expected validation error")
	}
	if xerrors.CodeOf(err) != xerrors.CodeValidationFailed {
		t.Fatalf("expected VALIDATION_FAILED, got %s", xerrors.CodeOf(err))
	}
}
