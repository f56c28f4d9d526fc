package events

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"XCMFlow/internal/chain"
	xerrors "XCMFlow/internal/errors"
	"XCMFlow/internal/monitor"
	"XCMFlow/pkg/logger"
)

// Sink receives classified events after correlation. Implementations must
// not block; they are invoked from the drain goroutine.
type Sink interface {
	EventObserved(event Event)
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(event Event)

func (f SinkFunc) EventObserved(event Event) { f(event) }

// Config tunes the listener.
type Config struct {
	// QueueCapacity bounds the intake queue; the oldest entry is evicted
	// when full.
	QueueCapacity int
	// DrainInterval is how often queued events are processed.
	DrainInterval time.Duration
	// Filters is the accept allow-list. Empty accepts everything.
	Filters FilterSet
}

func (c Config) withDefaults() Config {
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = 1000
	}
	if c.DrainInterval <= 0 {
		c.DrainInterval = time.Second
	}
	return c
}

// Stats is the listener's aggregate view.
type Stats struct {
	Received  uint64 `json:"received"`
	Accepted  uint64 `json:"accepted"`
	Evicted   uint64 `json:"evicted"`
	Processed uint64 `json:"processed"`
	Resolved  uint64 `json:"resolved"`
	Queued    int    `json:"queued"`
}

// Listener subscribes to system events on every connected chain, queues
// them, and resolves transfer completion from correlated delivery events.
// It is the authoritative completion source; the monitor only scans
// destinations the listener does not cover.
type Listener struct {
	manager *chain.Manager
	monitor *monitor.Monitor
	cfg     Config
	log     *slog.Logger
	queue   *queue

	mu        sync.Mutex
	sinks     []Sink
	subs      map[string]*chain.EventSubscription
	cancel    context.CancelFunc
	received  uint64
	accepted  uint64
	processed uint64
	resolved  uint64

	wg sync.WaitGroup
}

// NewListener creates a listener over the manager's chains.
func NewListener(manager *chain.Manager, mon *monitor.Monitor, cfg Config) *Listener {
	return &Listener{
		manager: manager,
		monitor: mon,
		cfg:     cfg.withDefaults(),
		log:     logger.Named("events"),
		queue:   newQueue(cfg.QueueCapacity),
		subs:    make(map[string]*chain.EventSubscription),
	}
}

// AddSink registers a downstream consumer of classified events.
func (l *Listener) AddSink(sink Sink) {
	if sink == nil {
		return
	}
	l.mu.Lock()
	l.sinks = append(l.sinks, sink)
	l.mu.Unlock()
}

// Start subscribes to every currently connected chain and begins draining.
// New connections are picked up via the ChainConnected signal.
func (l *Listener) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	l.mu.Lock()
	l.cancel = cancel
	l.mu.Unlock()

	for _, chainID := range l.manager.ConnectedChains() {
		l.subscribe(runCtx, chainID)
	}

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		ticker := time.NewTicker(l.cfg.DrainInterval)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				l.Drain(runCtx)
			}
		}
	}()
	l.log.Info("event listener started",
		slog.Int("queue_capacity", l.cfg.QueueCapacity),
		slog.Duration("drain_interval", l.cfg.DrainInterval))
}

// Stop unsubscribes from every chain and waits for the drain loop to exit.
func (l *Listener) Stop() {
	l.mu.Lock()
	cancel := l.cancel
	subs := l.subs
	l.subs = make(map[string]*chain.EventSubscription)
	l.mu.Unlock()
	for _, sub := range subs {
		sub.Close()
	}
	if cancel != nil {
		cancel()
	}
	l.wg.Wait()
	l.log.Info("event listener stopped")
}

// ChainConnected implements chain.Listener.
func (l *Listener) ChainConnected(chainID string) {
	l.mu.Lock()
	cancel := l.cancel
	l.mu.Unlock()
	if cancel == nil {
		// Not started yet; Start will subscribe.
		return
	}
	l.subscribe(context.Background(), chainID)
}

// ChainDisconnected implements chain.Listener.
func (l *Listener) ChainDisconnected(chainID string, _ error) {
	l.mu.Lock()
	sub, ok := l.subs[chainID]
	delete(l.subs, chainID)
	l.mu.Unlock()
	if ok {
		sub.Close()
	}
}

// HasSubscription reports whether the listener covers the chain. Wired into
// the monitor so it only falls back to destination scans for uncovered
// chains.
func (l *Listener) HasSubscription(chainID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.subs[chainID]
	return ok
}

func (l *Listener) subscribe(ctx context.Context, chainID string) {
	client, err := l.manager.ClientFor(chainID)
	if err != nil {
		l.log.Warn("cannot subscribe to chain", slog.String("chain_id", chainID), slog.Any("error", err))
		return
	}
	sub, err := client.SubscribeSystemEvents(ctx)
	if err != nil {
		l.log.Warn("event subscription failed", slog.String("chain_id", chainID), slog.Any("error", err))
		return
	}

	l.mu.Lock()
	if old, ok := l.subs[chainID]; ok {
		old.Close()
	}
	l.subs[chainID] = sub
	l.mu.Unlock()

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case err, ok := <-sub.Err():
				if !ok {
					return
				}
				l.log.Warn("event subscription error",
					slog.String("chain_id", chainID), slog.Any("error", err))
			case event, ok := <-sub.Events():
				if !ok {
					return
				}
				l.intake(event)
			}
		}
	}()
	l.log.Info("subscribed to chain events", slog.String("chain_id", chainID))
}

// intake filters and queues a raw event.
func (l *Listener) intake(event chain.SystemEvent) {
	l.mu.Lock()
	l.received++
	accepted := l.cfg.Filters.Accepts(event)
	if accepted {
		l.accepted++
	}
	l.mu.Unlock()
	if !accepted {
		return
	}
	if event.ReceivedAt.IsZero() {
		event.ReceivedAt = time.Now()
	}
	if l.queue.push(event) {
		l.log.Warn("event queue full, oldest event evicted",
			slog.String("chain_id", event.ChainID))
	}
}

// Drain processes everything currently queued: classify, correlate, resolve,
// and forward. The ticker calls this every DrainInterval; tests call it
// directly.
func (l *Listener) Drain(ctx context.Context) {
	for _, raw := range l.queue.drain() {
		event := Classify(raw)
		l.correlate(ctx, event)
		l.forward(event)
		l.mu.Lock()
		l.processed++
		l.mu.Unlock()
	}
}

// correlate resolves transfer completion from delivery events. Events that
// reference no known transaction are ignored.
func (l *Listener) correlate(ctx context.Context, event Event) {
	success, settles := event.Outcome()
	if !settles || l.monitor == nil {
		return
	}
	hash, ok := event.MessageHash()
	if !ok {
		return
	}
	outcome := monitor.OutcomeFailed
	detail := event.Section + "." + event.Method + " on " + event.ChainID
	if success {
		outcome = monitor.OutcomeSuccess
		detail = ""
	}
	err := l.monitor.ResolveCompletion(ctx, hash, outcome, detail)
	if err != nil {
		if xerrors.CodeOf(err) != xerrors.CodeNotFound {
			l.log.Warn("completion resolution failed",
				slog.String("message_hash", hash.Hex()), slog.Any("error", err))
		}
		return
	}
	l.mu.Lock()
	l.resolved++
	l.mu.Unlock()
}

func (l *Listener) forward(event Event) {
	l.mu.Lock()
	sinks := make([]Sink, len(l.sinks))
	copy(sinks, l.sinks)
	l.mu.Unlock()
	for _, sink := range sinks {
		sink.EventObserved(event)
	}
}

// Stats reports intake and processing counters.
func (l *Listener) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	return Stats{
		Received:  l.received,
		Accepted:  l.accepted,
		Evicted:   l.queue.evictions(),
		Processed: l.processed,
		Resolved:  l.resolved,
		Queued:    l.queue.len(),
	}
}

var _ chain.Listener = (*Listener)(nil)
