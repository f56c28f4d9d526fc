package route

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"XCMFlow/internal/cache"
	"XCMFlow/internal/chain"
	xerrors "XCMFlow/internal/errors"
	"XCMFlow/internal/observability/metrics"
	"XCMFlow/internal/xcm"
)

func topology() chain.Definitions {
	return chain.Definitions{
		Chains: map[string]chain.Definition{
			"polkadot":  {Kind: chain.KindRelay},
			"assetHub":  {Kind: chain.KindParachain, ParaID: 1000, Hub: true},
			"hydration": {Kind: chain.KindParachain, ParaID: 2034},
		},
		Routes: []chain.RouteDefinition{
			{Source: "polkadot", Destination: "assetHub", Asset: "DOT", EstimatedFee: 10, DurationSeconds: 30, Confidence: 0.98},
			{Source: "assetHub", Destination: "hydration", Asset: "DOT", EstimatedFee: 15, DurationSeconds: 45, Confidence: 0.95},
		},
	}
}

func newOptimizer(defs chain.Definitions) *Optimizer {
	return NewOptimizer(defs, cache.NewMemory(), Options{})
}

func TestFindBestRoutePriorityWeighting(t *testing.T) {
	// Route A is cheap and slow, route B is expensive and fast.
	defs := chain.Definitions{
		Chains: map[string]chain.Definition{
			"polkadot": {Kind: chain.KindRelay},
			"acala":    {Kind: chain.KindParachain, ParaID: 2000},
		},
		Routes: []chain.RouteDefinition{
			{Source: "polkadot", Destination: "acala", Asset: "DOT", EstimatedFee: 10, DurationSeconds: 600, Confidence: 0.9},
			{Source: "polkadot", Destination: "acala", Asset: "dot", EstimatedFee: 15, DurationSeconds: 120, Confidence: 0.9},
		},
	}

	high, err := newOptimizer(defs).FindBestRoute(context.Background(), "polkadot", "acala", "DOT", xcm.PriorityHigh)
	if err != nil {
		t.Fatalf("high priority: %v", err)
	}
	if high.EstimatedDuration != 120*time.Second {
		t.Fatalf("high priority must take the fast route, got duration %s", high.EstimatedDuration)
	}

	low, err := newOptimizer(defs).FindBestRoute(context.Background(), "polkadot", "acala", "DOT", xcm.PriorityLow)
	if err != nil {
		t.Fatalf("low priority: %v", err)
	}
	if low.EstimatedFee.Cmp(big.NewInt(10)) != 0 {
		t.Fatalf("low priority must take the cheap route, got fee %s", low.EstimatedFee)
	}
}

func TestAnalyzeRanksCandidates(t *testing.T) {
	defs := chain.Definitions{
		Chains: map[string]chain.Definition{
			"polkadot": {Kind: chain.KindRelay},
			"acala":    {Kind: chain.KindParachain, ParaID: 2000},
		},
		Routes: []chain.RouteDefinition{
			{Source: "polkadot", Destination: "acala", Asset: "DOT", EstimatedFee: 10, DurationSeconds: 600, Confidence: 0.9},
			{Source: "polkadot", Destination: "acala", Asset: "DOT", EstimatedFee: 15, DurationSeconds: 120, Confidence: 0.9},
		},
	}

	analysis, err := newOptimizer(defs).Analyze("polkadot", "acala", "DOT", xcm.PriorityHigh)
	if err != nil {
		t.Fatalf("analyze: %v", err)
	}
	if len(analysis.Routes) != 2 {
		t.Fatalf("routes = %d, want 2", len(analysis.Routes))
	}
	if analysis.BestRoute.EstimatedDuration != 120*time.Second {
		t.Fatalf("high priority best must be the fast route, got %s", analysis.BestRoute.EstimatedDuration)
	}
	if len(analysis.Alternatives) != 1 || analysis.Alternatives[0].EstimatedDuration != 600*time.Second {
		t.Fatalf("alternatives = %+v, want the slow route only", analysis.Alternatives)
	}
	if analysis.Routes[0].Score < analysis.Routes[1].Score {
		t.Fatalf("routes not ordered best first: %v < %v", analysis.Routes[0].Score, analysis.Routes[1].Score)
	}
	if len(analysis.Rankings) != 2 || analysis.Rankings[0] != analysis.BestRoute.ID {
		t.Fatalf("rankings = %v, want best route %s first", analysis.Rankings, analysis.BestRoute.ID)
	}

	_, err = newOptimizer(defs).Analyze("acala", "polkadot", "DOT", xcm.PriorityNormal)
	if xerrors.CodeOf(err) != xerrors.CodeRouteNotFound {
		t.Fatalf("expected ROUTE_NOT_FOUND, got %v", err)
	}
}

func TestScoringNormalizesConfidence(t *testing.T) {
	// Equal durations, a small fee gap, a large confidence gap. High priority
	// weights reliability above cost, so the more reliable route must win
	// even though it is more expensive.
	defs := chain.Definitions{
		Chains: map[string]chain.Definition{
			"polkadot": {Kind: chain.KindRelay},
			"acala":    {Kind: chain.KindParachain, ParaID: 2000},
		},
		Routes: []chain.RouteDefinition{
			{Source: "polkadot", Destination: "acala", Asset: "DOT", EstimatedFee: 10, DurationSeconds: 120, Confidence: 0.7},
			{Source: "polkadot", Destination: "acala", Asset: "DOT", EstimatedFee: 12, DurationSeconds: 120, Confidence: 0.9},
		},
	}

	analysis, err := newOptimizer(defs).Analyze("polkadot", "acala", "DOT", xcm.PriorityHigh)
	if err != nil {
		t.Fatalf("analyze: %v", err)
	}
	if analysis.BestRoute.Confidence != 0.9 {
		t.Fatalf("best confidence = %v, want the reliable route", analysis.BestRoute.Confidence)
	}

	// A lone candidate gets full credit on every dimension.
	solo, err := newOptimizer(topology()).Analyze("polkadot", "assetHub", "DOT", xcm.PriorityNormal)
	if err != nil {
		t.Fatalf("analyze: %v", err)
	}
	if solo.BestRoute.Score < 0.999 {
		t.Fatalf("single candidate score = %v, want full credit on every dimension", solo.BestRoute.Score)
	}
}

func TestFindBestRouteViaHub(t *testing.T) {
	// No direct polkadot->hydration route exists, so the optimizer must
	// compose one through the hub.
	optimizer := newOptimizer(topology())

	route, err := optimizer.FindBestRoute(context.Background(), "polkadot", "hydration", "DOT", xcm.PriorityNormal)
	if err != nil {
		t.Fatalf("find: %v", err)
	}

	wantHops := []string{"polkadot", "assetHub", "hydration"}
	if len(route.Hops) != len(wantHops) {
		t.Fatalf("hops = %v, want %v", route.Hops, wantHops)
	}
	for i, hop := range wantHops {
		if route.Hops[i] != hop {
			t.Fatalf("hops = %v, want %v", route.Hops, wantHops)
		}
	}
	if route.EstimatedFee.Cmp(big.NewInt(25)) != 0 {
		t.Fatalf("hub route fee = %s, want the sum of both legs (25)", route.EstimatedFee)
	}
	if route.EstimatedDuration <= 75*time.Second {
		t.Fatalf("hub route duration %s must include the hub dwell time", route.EstimatedDuration)
	}
	if route.Confidence >= 0.95 {
		t.Fatalf("hub route confidence %v must be penalized below either leg", route.Confidence)
	}
}

func TestFindBestRouteConfidenceThreshold(t *testing.T) {
	defs := topology()
	for i := range defs.Routes {
		defs.Routes[i].Confidence = 0.3
	}
	optimizer := newOptimizer(defs)

	_, err := optimizer.FindBestRoute(context.Background(), "polkadot", "assetHub", "DOT", xcm.PriorityNormal)
	if err == nil {
		t.Fatal("expected no viable route")
	}
	if !errors.Is(err, xerrors.New(xerrors.CodeRouteNotFound, "")) {
		t.Fatalf("expected ROUTE_NOT_FOUND, got %v", err)
	}
}

func TestFindBestRouteUnknownPair(t *testing.T) {
	optimizer := newOptimizer(topology())
	_, err := optimizer.FindBestRoute(context.Background(), "hydration", "polkadot", "DOT", xcm.PriorityNormal)
	if xerrors.CodeOf(err) != xerrors.CodeRouteNotFound {
		t.Fatalf("expected ROUTE_NOT_FOUND, got %v", err)
	}
}

func TestFindBestRouteCacheIsStable(t *testing.T) {
	optimizer := newOptimizer(topology())
	ctx := context.Background()

	before := metrics.TakeSnapshot()
	first, err := optimizer.FindBestRoute(ctx, "polkadot", "hydration", "DOT", xcm.PriorityNormal)
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	second, err := optimizer.FindBestRoute(ctx, "polkadot", "hydration", "DOT", xcm.PriorityNormal)
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	after := metrics.TakeSnapshot()
	if got := after.CacheMisses["routes"] - before.CacheMisses["routes"]; got != 1 {
		t.Fatalf("route cache misses = %d, want 1", got)
	}
	if got := after.CacheHits["routes"] - before.CacheHits["routes"]; got != 1 {
		t.Fatalf("route cache hits = %d, want 1", got)
	}
	if first.ID != second.ID {
		t.Fatalf("route id changed across calls: %s vs %s", first.ID, second.ID)
	}
	if first.EstimatedFee.Cmp(second.EstimatedFee) != 0 {
		t.Fatalf("cached fee %s != %s", second.EstimatedFee, first.EstimatedFee)
	}

	optimizer.Invalidate(ctx, "polkadot", "hydration", "DOT")
	third, err := optimizer.FindBestRoute(ctx, "polkadot", "hydration", "DOT", xcm.PriorityNormal)
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if third.ID != first.ID {
		t.Fatalf("recomputed route id %s differs from %s", third.ID, first.ID)
	}
}

func TestCandidatesPreferDirectOverMissingLegs(t *testing.T) {
	defs := topology()
	optimizer := newOptimizer(defs)

	// assetHub->hydration has a direct leg only; the hub composition is not
	// applicable because assetHub is itself the hub.
	candidates := optimizer.Candidates("assetHub", "hydration", "DOT")
	if len(candidates) != 1 {
		t.Fatalf("expected a single direct candidate, got %d", len(candidates))
	}
	if len(candidates[0].Hops) != 2 {
		t.Fatalf("direct candidate hops = %v", candidates[0].Hops)
	}
}
