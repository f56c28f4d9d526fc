package xcm

import (
	"context"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"

	"XCMFlow/internal/cache"
	"XCMFlow/internal/chain"
	xerrors "XCMFlow/internal/errors"
	"XCMFlow/internal/observability/metrics"
	"XCMFlow/pkg/logger"
)

// Estimate is a fee prediction for one transfer.
type Estimate struct {
	BaseFee     *big.Int  `json:"base_fee"`
	DeliveryFee *big.Int  `json:"delivery_fee"`
	TotalFee    *big.Int  `json:"total_fee"`
	FeeAsset    string    `json:"fee_asset"`
	Confidence  float64   `json:"confidence"`
	Timestamp   time.Time `json:"timestamp"`
}

// cachedEstimate is the JSON round-trippable cache form.
type cachedEstimate struct {
	BaseFee     string    `json:"base_fee"`
	DeliveryFee string    `json:"delivery_fee"`
	FeeAsset    string    `json:"fee_asset"`
	Confidence  float64   `json:"confidence"`
	Timestamp   time.Time `json:"timestamp"`
}

// PriceSource returns reference prices per asset symbol. Wired to an
// external feed in production; tests inject a static table.
type PriceSource func(ctx context.Context) (map[string]float64, error)

// deliveryFeeNumerator/Denominator approximate the cross-chain delivery
// surcharge as a fraction of the execution fee.
const (
	deliveryFeeNumerator   = 25
	deliveryFeeDenominator = 100
)

// Estimator computes transfer fees from live payment queries plus cached
// reference prices.
type Estimator struct {
	manager *chain.Manager
	store   cache.Store
	ttl     time.Duration
	source  PriceSource
	log     *slog.Logger

	priceMu   sync.RWMutex
	prices    map[string]float64
	refreshed time.Time
}

// EstimatorOption customizes an Estimator.
type EstimatorOption func(*Estimator)

// WithPriceSource overrides where reference prices come from.
func WithPriceSource(source PriceSource) EstimatorOption {
	return func(e *Estimator) {
		if source != nil {
			e.source = source
		}
	}
}

// NewEstimator builds a fee estimator with the given cache TTL.
func NewEstimator(manager *chain.Manager, store cache.Store, ttl time.Duration, opts ...EstimatorOption) *Estimator {
	e := &Estimator{
		manager: manager,
		store:   store,
		ttl:     ttl,
		source:  staticPrices,
		log:     logger.Named("xcm.fees"),
		prices:  map[string]float64{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// staticPrices is the fallback feed used until the first refresh succeeds.
func staticPrices(context.Context) (map[string]float64, error) {
	return map[string]float64{
		"DOT":  6.50,
		"KSM":  28.00,
		"USDT": 1.00,
		"USDC": 1.00,
		"HDX":  0.012,
	}, nil
}

// RefreshPrices pulls the latest reference prices. Invoked by the
// orchestrator's 15-minute maintenance job, never by request handlers.
func (e *Estimator) RefreshPrices(ctx context.Context) error {
	prices, err := e.source(ctx)
	if err != nil {
		e.log.Warn("price refresh failed", slog.Any("error", err))
		return err
	}
	e.priceMu.Lock()
	for symbol, price := range prices {
		e.prices[strings.ToUpper(symbol)] = price
	}
	e.refreshed = time.Now()
	e.priceMu.Unlock()
	e.log.Debug("price feed refreshed", slog.Int("assets", len(prices)))
	return nil
}

// Price returns the cached reference price for an asset, if known.
func (e *Estimator) Price(symbol string) (float64, bool) {
	e.priceMu.RLock()
	defer e.priceMu.RUnlock()
	price, ok := e.prices[strings.ToUpper(symbol)]
	return price, ok
}

// EstimateFees returns the fee estimate for a transfer, served from cache
// within the TTL window.
func (e *Estimator) EstimateFees(ctx context.Context, params TransferParams) (*Estimate, error) {
	key := "fees:" + params.CacheKey()
	var cached cachedEstimate
	if hit, err := e.store.Get(ctx, key, &cached); err == nil && hit {
		metrics.ObserveCache("fees", true)
		return cached.toEstimate(), nil
	}
	metrics.ObserveCache("fees", false)

	client, err := e.manager.ClientFor(params.SourceChain)
	if err != nil {
		return nil, err
	}

	probe := []byte(params.CacheKey())
	baseFee, err := client.PaymentInfo(ctx, probe)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeConnectionFailure, err, "query payment info",
			xerrors.WithMetadata("chain_id", params.SourceChain))
	}

	deliveryFee := new(big.Int).Mul(baseFee, big.NewInt(deliveryFeeNumerator))
	deliveryFee.Div(deliveryFee, big.NewInt(deliveryFeeDenominator))

	feeAsset := params.Asset.Symbol
	if def, ok := e.manager.Definitions().Chains[params.SourceChain]; ok && def.NativeAsset.Symbol != "" {
		feeAsset = def.NativeAsset.Symbol
	}

	estimate := &Estimate{
		BaseFee:     baseFee,
		DeliveryFee: deliveryFee,
		TotalFee:    new(big.Int).Add(baseFee, deliveryFee),
		FeeAsset:    feeAsset,
		Confidence:  e.confidence(feeAsset),
		Timestamp:   time.Now(),
	}

	entry := cachedEstimate{
		BaseFee:     estimate.BaseFee.String(),
		DeliveryFee: estimate.DeliveryFee.String(),
		FeeAsset:    estimate.FeeAsset,
		Confidence:  estimate.Confidence,
		Timestamp:   estimate.Timestamp,
	}
	if err := e.store.Set(ctx, key, entry, e.ttl); err != nil {
		e.log.Warn("fee cache write failed", slog.Any("error", err))
	}
	return estimate, nil
}

// confidence degrades with price feed staleness: fresh prices score 0.95,
// unknown assets or a never-refreshed feed score 0.6.
func (e *Estimator) confidence(feeAsset string) float64 {
	e.priceMu.RLock()
	defer e.priceMu.RUnlock()
	if _, ok := e.prices[strings.ToUpper(feeAsset)]; !ok {
		return 0.6
	}
	age := time.Since(e.refreshed)
	switch {
	case e.refreshed.IsZero():
		return 0.6
	case age < 30*time.Minute:
		return 0.95
	case age < 2*time.Hour:
		return 0.8
	default:
		return 0.65
	}
}

// ClearExpiredCache drops expired fee entries. Invoked by the maintenance
// job.
func (e *Estimator) ClearExpiredCache(ctx context.Context) error {
	return e.store.ClearExpired(ctx)
}

func (c cachedEstimate) toEstimate() *Estimate {
	base, _ := new(big.Int).SetString(c.BaseFee, 10)
	delivery, _ := new(big.Int).SetString(c.DeliveryFee, 10)
	if base == nil {
		base = big.NewInt(0)
	}
	if delivery == nil {
		delivery = big.NewInt(0)
	}
	return &Estimate{
		BaseFee:     base,
		DeliveryFee: delivery,
		TotalFee:    new(big.Int).Add(base, delivery),
		FeeAsset:    c.FeeAsset,
		Confidence:  c.Confidence,
		Timestamp:   c.Timestamp,
	}
}
