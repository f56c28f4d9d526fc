package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"XCMFlow/internal/cache"
	"XCMFlow/internal/chain"
	"XCMFlow/internal/config"
	xerrors "XCMFlow/internal/errors"
	"XCMFlow/internal/events"
	"XCMFlow/internal/monitor"
	"XCMFlow/internal/notify"
	"XCMFlow/internal/observability/metrics"
	"XCMFlow/internal/route"
	"XCMFlow/internal/stream"
	"XCMFlow/internal/xcm"
	"XCMFlow/pkg/logger"
)

// completedRetention is how long terminal transactions are kept before the
// cleanup job prunes them.
const completedRetention = 24 * time.Hour

// Analytics aggregates the engine's component statistics.
type Analytics struct {
	Transactions  monitor.Stats    `json:"transactions"`
	Events        events.Stats     `json:"events"`
	Notifications notify.Stats     `json:"notifications"`
	Snapshot      metrics.Snapshot `json:"snapshot"`
}

// Orchestrator wires every component together and owns the public transfer
// operations.
type Orchestrator struct {
	cfg       *config.Config
	manager   *chain.Manager
	builder   *xcm.Builder
	estimator *xcm.Estimator
	optimizer *route.Optimizer
	monitor   *monitor.Monitor
	listener  *events.Listener
	notifier  *notify.Service
	publisher stream.Publisher
	log       *slog.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	started bool
	wg      sync.WaitGroup
}

// Deps are the externally constructed backends.
type Deps struct {
	Definitions chain.Definitions
	Store       monitor.Store
	Cache       cache.Store
	Publisher   stream.Publisher
	Notifiers   []notify.Notifier
	DialFunc    chain.DialFunc
	PriceSource xcm.PriceSource
}

// New assembles the engine from config and backends.
func New(cfg *config.Config, deps Deps) *Orchestrator {
	if deps.Publisher == nil {
		deps.Publisher = stream.Nop{}
	}
	if deps.Store == nil {
		deps.Store = monitor.NewMemoryStore()
	}
	if deps.Cache == nil {
		deps.Cache = cache.NewMemory()
	}

	var managerOpts []chain.ManagerOption
	if deps.DialFunc != nil {
		managerOpts = append(managerOpts, chain.WithDialFunc(deps.DialFunc))
	}
	manager := chain.NewManager(deps.Definitions, managerOpts...)

	var estimatorOpts []xcm.EstimatorOption
	if deps.PriceSource != nil {
		estimatorOpts = append(estimatorOpts, xcm.WithPriceSource(deps.PriceSource))
	}

	o := &Orchestrator{
		cfg:     cfg,
		manager: manager,
		builder: xcm.NewBuilder(manager),
		estimator: xcm.NewEstimator(manager, deps.Cache, cfg.Fees.CacheTTL(),
			estimatorOpts...),
		optimizer: route.NewOptimizer(deps.Definitions, deps.Cache, route.Options{
			TTL:                 cfg.Routing.CacheTTL(),
			ConfidenceThreshold: cfg.Routing.ConfidenceThreshold,
			HubPenalty:          cfg.Routing.MultiHopPenalty,
			HubDelay:            cfg.Routing.HubDelay(),
		}),
		notifier:  notify.NewService(notify.Config{RateLimit: cfg.Notify.RatePerMinute, SendTimeout: cfg.Notify.Timeout()}, deps.Notifiers...),
		publisher: deps.Publisher,
		log:       logger.Named("orchestrator"),
	}
	o.monitor = monitor.NewMonitor(manager, deps.Store, monitor.Config{
		PollInterval:     cfg.Monitor.PollInterval(),
		LifecycleTimeout: cfg.Monitor.LifecycleTimeout(),
		RetryDelay:       cfg.Monitor.RetryDelay(),
		MaxRetries:       cfg.Monitor.MaxRetries,
		ScanDepth:        uint64(cfg.Monitor.BlockScanDepth),
	})
	o.listener = events.NewListener(manager, o.monitor, events.Config{
		QueueCapacity: cfg.Events.QueueCapacity,
		DrainInterval: cfg.Events.DrainInterval(),
	})

	// Lifecycle signals feed notifications, metrics and the push surface.
	o.monitor.AddListener(o.notifier)
	o.monitor.AddListener(&lifecycleRecorder{publisher: o.publisher, log: o.log})
	o.monitor.SetRetryHandler(o.resubmit)
	o.monitor.SetFallbackCheck(func(chainID string) bool {
		return !o.listener.HasSubscription(chainID)
	})

	// Accepted chain events feed the same three surfaces.
	o.listener.AddSink(o.notifier)
	o.listener.AddSink(events.SinkFunc(func(event events.Event) {
		metrics.ObserveChainEvent(event.ChainID, string(event.Class))
		o.publish("event."+event.ChainID, event)
	}))

	// Connection churn drives subscriptions and alerting.
	manager.AddListener(o.listener)
	manager.AddListener(&connectionWatcher{notifier: o.notifier, manager: manager})

	return o
}

// Manager exposes the connection manager for the API health surface.
func (o *Orchestrator) Manager() *chain.Manager { return o.manager }

// Start connects every configured chain and launches the background loops.
// Chains that fail to connect are left to the health job; a start with zero
// live chains is still a successful start.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	if o.started {
		o.mu.Unlock()
		return xerrors.New(xerrors.CodeConflict, "orchestrator already started")
	}
	runCtx, cancel := context.WithCancel(ctx)
	o.cancel = cancel
	o.started = true
	o.mu.Unlock()

	o.manager.ConnectAll(runCtx)
	metrics.SetConnectedChains(len(o.manager.ConnectedChains()))

	if err := o.estimator.RefreshPrices(runCtx); err != nil {
		o.log.Warn("initial price refresh failed", slog.Any("error", err))
	}

	o.monitor.Start(runCtx)
	o.listener.Start(runCtx)
	o.startMaintenance(runCtx)

	o.log.Info("orchestrator started",
		slog.Int("configured_chains", len(o.manager.Definitions().Chains)),
		slog.Int("connected_chains", len(o.manager.ConnectedChains())))
	return nil
}

// Shutdown stops event intake, then the timers, then drops every chain
// connection. Partial failures are logged, never fatal.
func (o *Orchestrator) Shutdown() {
	o.mu.Lock()
	cancel := o.cancel
	o.started = false
	o.cancel = nil
	o.mu.Unlock()
	if cancel == nil {
		return
	}

	o.listener.Stop()
	cancel()
	o.wg.Wait()
	o.monitor.Wait()
	o.notifier.Wait()
	o.manager.DisconnectAll()
	o.log.Info("orchestrator stopped")
}

// ExecuteTransfer validates, routes, prices and submits one transfer. It
// returns the transaction id as soon as the transfer is registered; delivery
// is tracked asynchronously. Failures after registration flow through the
// retry machinery rather than this return value.
func (o *Orchestrator) ExecuteTransfer(ctx context.Context, params xcm.TransferParams) (string, error) {
	params.Priority = xcm.NormalizePriority(params.Priority)

	if validation := o.builder.Validate(params); !validation.OK {
		return "", xerrors.New(xerrors.CodeValidationFailed,
			"invalid transfer parameters: "+strings.Join(validation.Errors, "; "))
	}

	if params.RouteID == "" {
		best, err := o.FindOptimalRoute(ctx, params.SourceChain, params.DestinationChain,
			params.Asset.Symbol, params.Priority)
		if err != nil {
			return "", err
		}
		params.RouteID = best.ID
	}

	if params.FeeCeiling != nil {
		estimate, err := o.estimator.EstimateFees(ctx, params)
		if err != nil {
			return "", err
		}
		if estimate.TotalFee.Cmp(params.FeeCeiling) > 0 {
			return "", xerrors.New(xerrors.CodeValidationFailed,
				fmt.Sprintf("estimated fee %s exceeds ceiling %s", estimate.TotalFee, params.FeeCeiling))
		}
	}

	tx, err := o.monitor.Begin(ctx, params, params.RouteID)
	if err != nil {
		return "", err
	}
	metrics.ObserveTransfer("initiated")

	if err := o.submit(ctx, tx); err != nil {
		// Registered transfers are retried, not rejected.
		o.log.Warn("initial submission failed, transfer queued for retry",
			slog.String("transaction_id", tx.ID), slog.Any("error", err))
		if recErr := o.monitor.RecordFailure(ctx, tx.ID, err); recErr != nil {
			o.log.Error("record submission failure", slog.Any("error", recErr))
		}
		return tx.ID, nil
	}

	logger.Audit().Info("transfer submitted",
		slog.String("transaction_id", tx.ID),
		slog.String("source_chain", params.SourceChain),
		slog.String("destination_chain", params.DestinationChain),
		slog.String("asset", params.Asset.Symbol),
		slog.String("amount", params.Amount.String()),
		slog.String("route_id", params.RouteID))
	return tx.ID, nil
}

// submit builds the message and hands it to the source chain.
func (o *Orchestrator) submit(ctx context.Context, tx *monitor.Transaction) error {
	if err := o.monitor.MarkBuilding(ctx, tx.ID); err != nil {
		return err
	}
	message, err := o.builder.BuildTransferMessage(ctx, tx.Params)
	if err != nil {
		return err
	}
	client, err := o.manager.ClientFor(tx.Params.SourceChain)
	if err != nil {
		return err
	}
	if _, err := client.SubmitMessage(ctx, message.Payload); err != nil {
		return xerrors.Wrap(xerrors.CodeConnectionFailure, err, "submit message",
			xerrors.WithMetadata("chain_id", tx.Params.SourceChain))
	}
	return o.monitor.MarkSubmitted(ctx, tx.ID, message.Kind, message.Hash)
}

// resubmit is the monitor's retry handler: rebuild and submit again.
func (o *Orchestrator) resubmit(ctx context.Context, tx *monitor.Transaction) error {
	metrics.ObserveTransfer("retried")
	return o.submit(ctx, tx)
}

// TransactionStatus returns the current state of a transfer.
func (o *Orchestrator) TransactionStatus(ctx context.Context, id string) (*monitor.Transaction, error) {
	return o.monitor.TransactionStatus(ctx, id)
}

// ActiveTransactions lists in-flight transfers.
func (o *Orchestrator) ActiveTransactions(ctx context.Context, opts monitor.ListOptions) ([]*monitor.Transaction, error) {
	return o.monitor.ActiveTransactions(ctx, opts)
}

// CompletedTransactions lists settled transfers.
func (o *Orchestrator) CompletedTransactions(ctx context.Context, opts monitor.ListOptions) ([]*monitor.Transaction, error) {
	return o.monitor.CompletedTransactions(ctx, opts)
}

// EstimateFees prices a prospective transfer.
func (o *Orchestrator) EstimateFees(ctx context.Context, params xcm.TransferParams) (*xcm.Estimate, error) {
	return o.estimator.EstimateFees(ctx, params)
}

// FindOptimalRoute returns the best route for the tuple and priority.
func (o *Orchestrator) FindOptimalRoute(ctx context.Context, source, destination, asset string, priority xcm.Priority) (*route.Route, error) {
	return o.optimizer.FindBestRoute(ctx, source, destination, asset, priority)
}

// AnalyzeRoutes scores and ranks every viable route for the tuple.
func (o *Orchestrator) AnalyzeRoutes(source, destination, asset string, priority xcm.Priority) (*route.Analysis, error) {
	return o.optimizer.Analyze(source, destination, asset, priority)
}

// HealthStatus reports per-chain connectivity.
func (o *Orchestrator) HealthStatus() map[string]bool {
	return o.manager.HealthStatus()
}

// Metrics aggregates component statistics.
func (o *Orchestrator) Metrics(ctx context.Context) Analytics {
	return Analytics{
		Transactions:  o.monitor.Stats(ctx),
		Events:        o.listener.Stats(),
		Notifications: o.notifier.Stats(),
		Snapshot:      metrics.TakeSnapshot(),
	}
}

// startMaintenance launches the periodic jobs: cache cleanup, price refresh,
// health check and metrics snapshot.
func (o *Orchestrator) startMaintenance(ctx context.Context) {
	o.spawn(ctx, o.cfg.Monitor.CacheCleanupInterval(), o.runCleanup)
	o.spawn(ctx, o.cfg.Fees.PriceRefreshInterval(), func(ctx context.Context) {
		if err := o.estimator.RefreshPrices(ctx); err != nil {
			o.log.Warn("scheduled price refresh failed", slog.Any("error", err))
		}
	})
	o.spawn(ctx, o.cfg.Monitor.HealthCheckInterval(), o.runHealthCheck)
	o.spawn(ctx, o.cfg.Metrics.Snapshot(), func(ctx context.Context) {
		o.publish("metrics.snapshot", metrics.TakeSnapshot())
	})
}

func (o *Orchestrator) spawn(ctx context.Context, interval time.Duration, job func(context.Context)) {
	if interval <= 0 {
		return
	}
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				job(ctx)
			}
		}
	}()
}

func (o *Orchestrator) runCleanup(ctx context.Context) {
	if err := o.estimator.ClearExpiredCache(ctx); err != nil {
		o.log.Warn("fee cache cleanup failed", slog.Any("error", err))
	}
	if err := o.optimizer.ClearExpiredCache(ctx); err != nil {
		o.log.Warn("route cache cleanup failed", slog.Any("error", err))
	}
	pruned, err := o.monitor.PruneCompleted(ctx, completedRetention)
	if err != nil {
		o.log.Warn("transaction prune failed", slog.Any("error", err))
		return
	}
	if pruned > 0 {
		o.log.Info("completed transactions pruned", slog.Int("count", pruned))
	}
}

func (o *Orchestrator) runHealthCheck(ctx context.Context) {
	health := o.manager.HealthStatus()
	connected := 0
	for chainID, ok := range health {
		if ok {
			connected++
			continue
		}
		if err := o.manager.Restart(ctx, chainID); err != nil {
			o.log.Warn("chain reconnect failed",
				slog.String("chain_id", chainID), slog.Any("error", err))
		} else {
			connected++
		}
	}
	metrics.SetConnectedChains(connected)
	if connected == 0 && len(health) > 0 {
		o.notifier.SendAlert(notify.PriorityCritical, "all chains disconnected",
			"the engine has no live chain connection; transfers cannot progress", nil)
	}
}

func (o *Orchestrator) publish(routingKey string, payload any) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := o.publisher.Publish(ctx, routingKey, payload); err != nil {
		o.log.Warn("stream publish failed",
			slog.String("routing_key", routingKey), slog.Any("error", err))
	}
}

// lifecycleRecorder mirrors transaction transitions into metrics and the
// push surface.
type lifecycleRecorder struct {
	publisher stream.Publisher
	log       *slog.Logger
}

func (r *lifecycleRecorder) TransactionInBlock(tx *monitor.Transaction)   { r.record(tx) }
func (r *lifecycleRecorder) TransactionFinalized(tx *monitor.Transaction) { r.record(tx) }
func (r *lifecycleRecorder) TransactionRetrying(tx *monitor.Transaction)  { r.record(tx) }

func (r *lifecycleRecorder) TransactionSucceeded(tx *monitor.Transaction) {
	metrics.ObserveTransfer("succeeded")
	r.record(tx)
}

func (r *lifecycleRecorder) TransactionFailed(tx *monitor.Transaction) {
	metrics.ObserveTransfer("failed")
	r.record(tx)
}

func (r *lifecycleRecorder) record(tx *monitor.Transaction) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := r.publisher.Publish(ctx, "tx."+string(tx.Status), tx); err != nil {
		r.log.Warn("transaction stream publish failed",
			slog.String("transaction_id", tx.ID), slog.Any("error", err))
	}
}

// connectionWatcher raises alerts on connection churn.
type connectionWatcher struct {
	notifier *notify.Service
	manager  *chain.Manager
}

func (w *connectionWatcher) ChainConnected(chainID string) {
	metrics.SetConnectedChains(len(w.manager.ConnectedChains()))
}

func (w *connectionWatcher) ChainDisconnected(chainID string, cause error) {
	metrics.SetConnectedChains(len(w.manager.ConnectedChains()))
	body := "connection lost"
	if cause != nil {
		body = cause.Error()
	}
	w.notifier.SendAlert(notify.PriorityHigh, "chain disconnected: "+chainID, body,
		map[string]string{"chain_id": chainID})
}
