package xcm

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"XCMFlow/internal/cache"
	"XCMFlow/internal/observability/metrics"
)

func TestEstimateFeesSplitsBaseAndDelivery(t *testing.T) {
	manager, sims := testManager(t, "polkadot")
	sims["polkadot"].SetFee(big.NewInt(1_000_000))

	estimator := NewEstimator(manager, cache.NewMemory(), 5*time.Minute)
	estimate, err := estimator.EstimateFees(context.Background(), dotTransfer(50_000_000_000))
	if err != nil {
		t.Fatalf("estimate: %v", err)
	}

	if estimate.BaseFee.Cmp(big.NewInt(1_000_000)) != 0 {
		t.Fatalf("base fee = %s, want 1000000", estimate.BaseFee)
	}
	if estimate.DeliveryFee.Cmp(big.NewInt(250_000)) != 0 {
		t.Fatalf("delivery fee = %s, want 250000", estimate.DeliveryFee)
	}
	if estimate.TotalFee.Cmp(big.NewInt(1_250_000)) != 0 {
		t.Fatalf("total fee = %s, want 1250000", estimate.TotalFee)
	}
	if estimate.FeeAsset != "DOT" {
		t.Fatalf("fee asset = %s, want DOT", estimate.FeeAsset)
	}
}

func TestEstimateFeesServesFromCache(t *testing.T) {
	manager, sims := testManager(t, "polkadot")
	sims["polkadot"].SetFee(big.NewInt(1_000_000))

	estimator := NewEstimator(manager, cache.NewMemory(), 5*time.Minute)
	first, err := estimator.EstimateFees(context.Background(), dotTransfer(50_000_000_000))
	if err != nil {
		t.Fatalf("estimate: %v", err)
	}

	// A changed on-chain fee must not surface while the cache entry lives.
	sims["polkadot"].SetFee(big.NewInt(9_000_000))
	second, err := estimator.EstimateFees(context.Background(), dotTransfer(50_000_000_000))
	if err != nil {
		t.Fatalf("estimate: %v", err)
	}
	if first.TotalFee.Cmp(second.TotalFee) != 0 {
		t.Fatalf("cached total %s != %s", second.TotalFee, first.TotalFee)
	}
}

func TestEstimateFeesRecordsCacheOutcomes(t *testing.T) {
	manager, sims := testManager(t, "polkadot")
	sims["polkadot"].SetFee(big.NewInt(1_000_000))
	estimator := NewEstimator(manager, cache.NewMemory(), 5*time.Minute)

	// The collector is process-wide and monotonic, so assert on deltas.
	before := metrics.TakeSnapshot()
	if _, err := estimator.EstimateFees(context.Background(), dotTransfer(50_000_000_000)); err != nil {
		t.Fatalf("estimate: %v", err)
	}
	if _, err := estimator.EstimateFees(context.Background(), dotTransfer(50_000_000_000)); err != nil {
		t.Fatalf("estimate: %v", err)
	}
	after := metrics.TakeSnapshot()

	if got := after.CacheMisses["fees"] - before.CacheMisses["fees"]; got != 1 {
		t.Fatalf("fee cache misses = %d, want 1", got)
	}
	if got := after.CacheHits["fees"] - before.CacheHits["fees"]; got != 1 {
		t.Fatalf("fee cache hits = %d, want 1", got)
	}
}

func TestEstimateConfidenceTracksPriceFreshness(t *testing.T) {
	manager, sims := testManager(t, "polkadot")
	sims["polkadot"].SetFee(big.NewInt(1_000_000))

	estimator := NewEstimator(manager, cache.NewMemory(), 5*time.Minute)

	// Never refreshed: degraded confidence.
	estimate, err := estimator.EstimateFees(context.Background(), dotTransfer(50_000_000_000))
	if err != nil {
		t.Fatalf("estimate: %v", err)
	}
	if estimate.Confidence != 0.6 {
		t.Fatalf("stale confidence = %v, want 0.6", estimate.Confidence)
	}

	if err := estimator.RefreshPrices(context.Background()); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if _, ok := estimator.Price("DOT"); !ok {
		t.Fatal("DOT price missing after refresh")
	}

	// New cache so the fresh confidence is recomputed.
	estimator2 := NewEstimator(manager, cache.NewMemory(), 5*time.Minute)
	if err := estimator2.RefreshPrices(context.Background()); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	estimate, err = estimator2.EstimateFees(context.Background(), dotTransfer(50_000_000_000))
	if err != nil {
		t.Fatalf("estimate: %v", err)
	}
	if estimate.Confidence != 0.95 {
		t.Fatalf("fresh confidence = %v, want 0.95", estimate.Confidence)
	}
}

func TestRefreshPricesPropagatesSourceFailure(t *testing.T) {
	manager, _ := testManager(t, "polkadot")
	feedErr := errors.New("feed offline")
	estimator := NewEstimator(manager, cache.NewMemory(), 5*time.Minute,
		WithPriceSource(func(context.Context) (map[string]float64, error) {
			return nil, feedErr
		}))

	if err := estimator.RefreshPrices(context.Background()); !errors.Is(err, feedErr) {
		t.Fatalf("expected feed error, got %v", err)
	}
}
