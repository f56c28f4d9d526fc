package chain

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func testDefinitions() Definitions {
	return Definitions{
		Chains: map[string]Definition{
			"polkadot": {Kind: KindRelay, NativeAsset: AssetDefinition{Symbol: "DOT", Decimals: 10}},
			"assetHub": {Kind: KindParachain, ParaID: 1000, Hub: true},
			"hydration": {Kind: KindParachain, ParaID: 2034},
		},
	}
}

type recordingListener struct {
	connected    []string
	disconnected []string
}

func (l *recordingListener) ChainConnected(chainID string) {
	l.connected = append(l.connected, chainID)
}

func (l *recordingListener) ChainDisconnected(chainID string, _ error) {
	l.disconnected = append(l.disconnected, chainID)
}

func TestManagerConnectAndHealth(t *testing.T) {
	ctx := context.Background()
	sims := map[string]*SimClient{}
	manager := NewManager(testDefinitions(), WithDialFunc(func(_ context.Context, chainID string, _ Definition) (Client, error) {
		if chainID == "hydration" {
			return nil, errors.New("endpoint unreachable")
		}
		sim := NewSimClient(chainID)
		sims[chainID] = sim
		return sim, nil
	}))
	listener := &recordingListener{}
	manager.AddListener(listener)

	manager.ConnectAll(ctx)

	if got := manager.ConnectedChains(); len(got) != 2 || got[0] != "assetHub" || got[1] != "polkadot" {
		t.Fatalf("unexpected connected chains: %v", got)
	}
	if manager.IsConnected("hydration") {
		t.Fatal("hydration should not be connected")
	}

	health := manager.HealthStatus()
	if len(health) != 3 {
		t.Fatalf("expected health entry per configured chain, got %d", len(health))
	}
	if !health["polkadot"] || !health["assetHub"] || health["hydration"] {
		t.Fatalf("unexpected health map: %v", health)
	}
	if len(listener.connected) != 2 {
		t.Fatalf("expected 2 connected signals, got %d", len(listener.connected))
	}
}

func TestManagerFailureIsolatedPerChain(t *testing.T) {
	ctx := context.Background()
	manager := NewManager(testDefinitions(), WithDialFunc(func(_ context.Context, chainID string, _ Definition) (Client, error) {
		if chainID == "polkadot" {
			return nil, errors.New("boom")
		}
		return NewSimClient(chainID), nil
	}))

	if err := manager.Connect(ctx, "polkadot"); err == nil {
		t.Fatal("expected connect error for polkadot")
	}
	if err := manager.Connect(ctx, "assetHub"); err != nil {
		t.Fatalf("assetHub connect should not be affected: %v", err)
	}
	if _, err := manager.ClientFor("polkadot"); err == nil {
		t.Fatal("expected no live connection error")
	}
	if _, err := manager.ClientFor("assetHub"); err != nil {
		t.Fatalf("assetHub client: %v", err)
	}
}

func TestManagerRestartAndDisconnectSignals(t *testing.T) {
	ctx := context.Background()
	dials := 0
	manager := NewManager(testDefinitions(), WithDialFunc(func(_ context.Context, chainID string, _ Definition) (Client, error) {
		dials++
		return NewSimClient(chainID), nil
	}))
	listener := &recordingListener{}
	manager.AddListener(listener)

	if err := manager.Connect(ctx, "polkadot"); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if err := manager.Connect(ctx, "polkadot"); err != nil {
		t.Fatalf("idempotent connect: %v", err)
	}
	if dials != 1 {
		t.Fatalf("expected a single dial, got %d", dials)
	}

	if err := manager.Restart(ctx, "polkadot"); err != nil {
		t.Fatalf("restart: %v", err)
	}
	if dials != 2 {
		t.Fatalf("expected redial on restart, got %d dials", dials)
	}
	if len(listener.disconnected) != 1 {
		t.Fatalf("expected a disconnect signal on restart, got %d", len(listener.disconnected))
	}

	manager.DisconnectAll()
	if chains := manager.ConnectedChains(); len(chains) != 0 {
		t.Fatalf("expected no connected chains after shutdown, got %v", chains)
	}
}

func TestLoadDefinitions(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "chains.yaml")
	content := `
chains:
  polkadot:
    kind: relay
    rpc_url: wss://rpc.polkadot.io
    native_asset:
      symbol: DOT
      decimals: 10
      min_balance: "10000000000"
  assetHub:
    kind: parachain
    para_id: 1000
    hub: true
    rpc_url: wss://asset-hub.example
  hydration:
    para_id: 2034
    rpc_url: wss://hydration.example
routes:
  - source: polkadot
    destination: assetHub
    asset: DOT
    estimated_fee: 1000000
    duration_seconds: 60
    confidence: 0.95
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write yaml: %v", err)
	}

	defs, err := LoadDefinitions(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !defs.IsRelay("polkadot") {
		t.Fatal("polkadot should be the relay chain")
	}
	if defs.Chains["hydration"].Kind != KindParachain {
		t.Fatalf("empty kind should default to parachain, got %q", defs.Chains["hydration"].Kind)
	}
	if hubs := defs.Hubs(); len(hubs) != 1 || hubs[0] != "assetHub" {
		t.Fatalf("unexpected hubs: %v", hubs)
	}
	if got := defs.Chains["polkadot"].NativeAsset.MinBalanceAmount().String(); got != "10000000000" {
		t.Fatalf("unexpected min balance: %s", got)
	}
	if len(defs.Routes) != 1 || defs.Routes[0].Destination != "assetHub" {
		t.Fatalf("unexpected routes: %+v", defs.Routes)
	}
}

func TestLoadDefinitionsRejectsUnknownRouteEndpoint(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "chains.yaml")
	content := `
chains:
  polkadot:
    kind: relay
routes:
  - source: polkadot
    destination: nowhere
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write yaml: %v", err)
	}
	if _, err := LoadDefinitions(path); err == nil {
		t.Fatal("expected error for unknown route destination")
	}
}
