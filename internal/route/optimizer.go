package route

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"sort"
	"strings"
	"time"

	"XCMFlow/internal/cache"
	"XCMFlow/internal/chain"
	xerrors "XCMFlow/internal/errors"
	"XCMFlow/internal/observability/metrics"
	"XCMFlow/internal/xcm"
	"XCMFlow/pkg/logger"
)

// Route is one viable path from source to destination for an asset. Hops
// lists every chain on the path including the endpoints.
type Route struct {
	ID                string        `json:"id"`
	SourceChain       string        `json:"source_chain"`
	DestinationChain  string        `json:"destination_chain"`
	Asset             string        `json:"asset"`
	Hops              []string      `json:"hops"`
	EstimatedFee      *big.Int      `json:"estimated_fee"`
	EstimatedDuration time.Duration `json:"estimated_duration"`
	Confidence        float64       `json:"confidence"`
	Score             float64       `json:"score"`
	ComputedAt        time.Time     `json:"computed_at"`
}

// Analysis is the full scoring result for a tuple: every viable candidate
// scored under the priority's weights and ranked best first.
type Analysis struct {
	Routes       []*Route `json:"routes"`
	BestRoute    *Route   `json:"best_route"`
	Alternatives []*Route `json:"alternatives"`
	// Rankings lists the route ids in rank order.
	Rankings []string `json:"rankings"`
}

// cachedRoute is the JSON round-trippable cache form.
type cachedRoute struct {
	ID              string    `json:"id"`
	Source          string    `json:"source"`
	Destination     string    `json:"destination"`
	Asset           string    `json:"asset"`
	Hops            []string  `json:"hops"`
	Fee             string    `json:"fee"`
	DurationSeconds int64     `json:"duration_seconds"`
	Confidence      float64   `json:"confidence"`
	Score           float64   `json:"score"`
	ComputedAt      time.Time `json:"computed_at"`
}

// weights are the scoring coefficients for one priority level. They sum to 1.
type weights struct {
	cost        float64
	speed       float64
	reliability float64
}

var priorityWeights = map[xcm.Priority]weights{
	xcm.PriorityNormal: {cost: 0.4, speed: 0.3, reliability: 0.3},
	xcm.PriorityHigh:   {cost: 0.2, speed: 0.5, reliability: 0.3},
	xcm.PriorityLow:    {cost: 0.6, speed: 0.2, reliability: 0.2},
}

// Options tune candidate generation and caching.
type Options struct {
	// TTL bounds how long a computed route is served from cache.
	TTL time.Duration
	// ConfidenceThreshold filters out candidates below this confidence.
	ConfidenceThreshold float64
	// HubPenalty multiplies the combined confidence of a hub-mediated route.
	HubPenalty float64
	// HubDelay is the extra dwell time added per intermediate hop.
	HubDelay time.Duration
}

// Optimizer selects the best route for a transfer from the configured
// topology, scored by the caller's priority.
type Optimizer struct {
	defs  chain.Definitions
	store cache.Store
	opts  Options
	log   *slog.Logger
}

// NewOptimizer builds an optimizer over the static topology.
func NewOptimizer(defs chain.Definitions, store cache.Store, opts Options) *Optimizer {
	if opts.TTL <= 0 {
		opts.TTL = 5 * time.Minute
	}
	if opts.ConfidenceThreshold <= 0 {
		opts.ConfidenceThreshold = 0.5
	}
	if opts.HubPenalty <= 0 || opts.HubPenalty > 1 {
		opts.HubPenalty = 0.9
	}
	if opts.HubDelay <= 0 {
		opts.HubDelay = time.Minute
	}
	return &Optimizer{defs: defs, store: store, opts: opts, log: logger.Named("route")}
}

// FindBestRoute returns the highest scoring viable route, served from cache
// within the TTL window. It fails with ROUTE_NOT_FOUND when no candidate
// clears the confidence threshold.
func (o *Optimizer) FindBestRoute(ctx context.Context, source, destination, asset string, priority xcm.Priority) (*Route, error) {
	priority = xcm.NormalizePriority(priority)
	key := cacheKey(source, destination, asset, priority)

	var cached cachedRoute
	if hit, err := o.store.Get(ctx, key, &cached); err == nil && hit {
		metrics.ObserveCache("routes", true)
		return cached.toRoute(), nil
	}
	metrics.ObserveCache("routes", false)

	analysis, err := o.Analyze(source, destination, asset, priority)
	if err != nil {
		return nil, err
	}
	best := analysis.BestRoute
	if err := o.store.Set(ctx, key, best.toCached(), o.opts.TTL); err != nil {
		o.log.Warn("route cache write failed", slog.Any("error", err))
	}
	o.log.Debug("route selected",
		slog.String("route_id", best.ID),
		slog.String("priority", string(priority)),
		slog.Float64("score", best.Score))
	return best, nil
}

// Analyze scores every viable route for the tuple and ranks them best first.
// It fails with ROUTE_NOT_FOUND when no candidate clears the confidence
// threshold.
func (o *Optimizer) Analyze(source, destination, asset string, priority xcm.Priority) (*Analysis, error) {
	priority = xcm.NormalizePriority(priority)

	candidates := o.Candidates(source, destination, asset)
	viable := candidates[:0]
	for _, candidate := range candidates {
		if candidate.Confidence >= o.opts.ConfidenceThreshold {
			viable = append(viable, candidate)
		}
	}
	if len(viable) == 0 {
		return nil, xerrors.New(xerrors.CodeRouteNotFound,
			fmt.Sprintf("no viable route from %s to %s for %s", source, destination, asset),
			xerrors.WithMetadata("source_chain", source),
			xerrors.WithMetadata("destination_chain", destination))
	}

	ranked := rankRoutes(viable, priority)
	rankings := make([]string, len(ranked))
	for i, r := range ranked {
		rankings[i] = r.ID
	}
	return &Analysis{
		Routes:       ranked,
		BestRoute:    ranked[0],
		Alternatives: ranked[1:],
		Rankings:     rankings,
	}, nil
}

// Candidates enumerates direct and hub-mediated routes for the tuple. The
// result is unscored and unfiltered.
func (o *Optimizer) Candidates(source, destination, asset string) []*Route {
	var routes []*Route

	for _, def := range o.defs.Routes {
		if def.Source == source && def.Destination == destination && assetMatches(def.Asset, asset) {
			routes = append(routes, o.directRoute(def))
		}
	}

	for _, hub := range o.defs.Hubs() {
		if hub == source || hub == destination {
			continue
		}
		first := o.findLeg(source, hub, asset)
		second := o.findLeg(hub, destination, asset)
		if first == nil || second == nil {
			continue
		}
		routes = append(routes, o.hubRoute(*first, *second))
	}
	return routes
}

// Invalidate drops every cached priority variant for the tuple.
func (o *Optimizer) Invalidate(ctx context.Context, source, destination, asset string) {
	for priority := range priorityWeights {
		_ = o.store.Delete(ctx, cacheKey(source, destination, asset, priority))
	}
}

// ClearExpiredCache drops expired route entries. Invoked by the maintenance
// job.
func (o *Optimizer) ClearExpiredCache(ctx context.Context) error {
	return o.store.ClearExpired(ctx)
}

func (o *Optimizer) findLeg(source, destination, asset string) *chain.RouteDefinition {
	for i, def := range o.defs.Routes {
		if def.Source == source && def.Destination == destination && assetMatches(def.Asset, asset) {
			return &o.defs.Routes[i]
		}
	}
	return nil
}

func (o *Optimizer) directRoute(def chain.RouteDefinition) *Route {
	hops := []string{def.Source, def.Destination}
	return &Route{
		ID:                routeID(hops),
		SourceChain:       def.Source,
		DestinationChain:  def.Destination,
		Asset:             strings.ToUpper(def.Asset),
		Hops:              hops,
		EstimatedFee:      big.NewInt(def.EstimatedFee),
		EstimatedDuration: time.Duration(def.DurationSeconds) * time.Second,
		Confidence:        def.Confidence,
		ComputedAt:        time.Now(),
	}
}

func (o *Optimizer) hubRoute(first, second chain.RouteDefinition) *Route {
	hops := []string{first.Source, first.Destination, second.Destination}
	duration := time.Duration(first.DurationSeconds+second.DurationSeconds)*time.Second + o.opts.HubDelay
	return &Route{
		ID:                routeID(hops),
		SourceChain:       first.Source,
		DestinationChain:  second.Destination,
		Asset:             strings.ToUpper(first.Asset),
		Hops:              hops,
		EstimatedFee:      big.NewInt(first.EstimatedFee + second.EstimatedFee),
		EstimatedDuration: duration,
		Confidence:        (first.Confidence + second.Confidence) / 2 * o.opts.HubPenalty,
		ComputedAt:        time.Now(),
	}
}

// rankRoutes scores candidates with min-max normalized fee, duration and
// confidence, then orders them best first. Cheaper, faster and more reliable
// all raise the score.
func rankRoutes(candidates []*Route, priority xcm.Priority) []*Route {
	w := priorityWeights[priority]

	minFee, maxFee := candidates[0].EstimatedFee, candidates[0].EstimatedFee
	minDur, maxDur := candidates[0].EstimatedDuration, candidates[0].EstimatedDuration
	minConf, maxConf := candidates[0].Confidence, candidates[0].Confidence
	for _, c := range candidates[1:] {
		if c.EstimatedFee.Cmp(minFee) < 0 {
			minFee = c.EstimatedFee
		}
		if c.EstimatedFee.Cmp(maxFee) > 0 {
			maxFee = c.EstimatedFee
		}
		if c.EstimatedDuration < minDur {
			minDur = c.EstimatedDuration
		}
		if c.EstimatedDuration > maxDur {
			maxDur = c.EstimatedDuration
		}
		if c.Confidence < minConf {
			minConf = c.Confidence
		}
		if c.Confidence > maxConf {
			maxConf = c.Confidence
		}
	}

	for _, c := range candidates {
		costScore := 1 - normalizeFee(c.EstimatedFee, minFee, maxFee)
		speedScore := 1 - normalizeDuration(c.EstimatedDuration, minDur, maxDur)
		reliabilityScore := normalizeConfidence(c.Confidence, minConf, maxConf)
		c.Score = w.cost*costScore + w.speed*speedScore + w.reliability*reliabilityScore
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].Score == candidates[j].Score {
			return candidates[i].ID < candidates[j].ID
		}
		return candidates[i].Score > candidates[j].Score
	})
	return candidates
}

func normalizeFee(fee, min, max *big.Int) float64 {
	span := new(big.Int).Sub(max, min)
	if span.Sign() == 0 {
		return 0
	}
	offset := new(big.Int).Sub(fee, min)
	num, _ := new(big.Float).SetInt(offset).Float64()
	den, _ := new(big.Float).SetInt(span).Float64()
	return num / den
}

func normalizeDuration(d, min, max time.Duration) float64 {
	if max == min {
		return 0
	}
	return float64(d-min) / float64(max-min)
}

func normalizeConfidence(c, min, max float64) float64 {
	// A collapsed span means every candidate is equally reliable; full
	// credit keeps the reliability term from vanishing.
	if max == min {
		return 1
	}
	return (c - min) / (max - min)
}

// routeID is deterministic for a hop sequence so repeated computations and
// cache round-trips agree.
func routeID(hops []string) string {
	return strings.Join(hops, ">")
}

func cacheKey(source, destination, asset string, priority xcm.Priority) string {
	return "route:" + source + "/" + destination + "/" + strings.ToUpper(asset) + "/" + string(priority)
}

func assetMatches(declared, requested string) bool {
	return strings.EqualFold(declared, requested)
}

func (r *Route) toCached() cachedRoute {
	return cachedRoute{
		ID:              r.ID,
		Source:          r.SourceChain,
		Destination:     r.DestinationChain,
		Asset:           r.Asset,
		Hops:            r.Hops,
		Fee:             r.EstimatedFee.String(),
		DurationSeconds: int64(r.EstimatedDuration / time.Second),
		Confidence:      r.Confidence,
		Score:           r.Score,
		ComputedAt:      r.ComputedAt,
	}
}

func (c cachedRoute) toRoute() *Route {
	fee, _ := new(big.Int).SetString(c.Fee, 10)
	if fee == nil {
		fee = big.NewInt(0)
	}
	return &Route{
		ID:                c.ID,
		SourceChain:       c.Source,
		DestinationChain:  c.Destination,
		Asset:             c.Asset,
		Hops:              c.Hops,
		EstimatedFee:      fee,
		EstimatedDuration: time.Duration(c.DurationSeconds) * time.Second,
		Confidence:        c.Confidence,
		Score:             c.Score,
		ComputedAt:        c.ComputedAt,
	}
}
