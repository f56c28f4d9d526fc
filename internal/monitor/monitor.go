package monitor

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"XCMFlow/internal/chain"
	xerrors "XCMFlow/internal/errors"
	"XCMFlow/internal/xcm"
	"XCMFlow/pkg/logger"
)

// Config tunes the polling loop and the retry policy.
type Config struct {
	// PollInterval is how often active transactions are re-examined.
	PollInterval time.Duration
	// LifecycleTimeout bounds how long a transaction may sit in a
	// non-terminal state before the retry policy kicks in.
	LifecycleTimeout time.Duration
	// RetryDelay is the dwell time in RETRYING before re-entering PENDING.
	RetryDelay time.Duration
	// MaxRetries caps how many times a transaction is retried before it is
	// failed permanently.
	MaxRetries int
	// ScanDepth is how many recent blocks are searched for inclusion.
	ScanDepth uint64
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = 5 * time.Second
	}
	if c.LifecycleTimeout <= 0 {
		c.LifecycleTimeout = 5 * time.Minute
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = 30 * time.Second
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.ScanDepth == 0 {
		c.ScanDepth = 20
	}
	return c
}

// Listener receives transaction lifecycle signals. Implementations must not
// block; they are invoked from the polling goroutine.
type Listener interface {
	TransactionInBlock(tx *Transaction)
	TransactionFinalized(tx *Transaction)
	TransactionSucceeded(tx *Transaction)
	TransactionFailed(tx *Transaction)
	TransactionRetrying(tx *Transaction)
}

// RetryFunc rebuilds and resubmits a transaction whose backoff has elapsed.
type RetryFunc func(ctx context.Context, tx *Transaction) error

// FallbackCheck reports whether the monitor itself must scan the destination
// chain for the delivery outcome. When a live event subscription covers the
// chain, the event listener resolves completion instead.
type FallbackCheck func(chainID string) bool

// Stats is the aggregate view over everything the monitor has tracked.
type Stats struct {
	Total                int     `json:"total"`
	Active               int     `json:"active"`
	Succeeded            int     `json:"succeeded"`
	Failed               int     `json:"failed"`
	Retries              int     `json:"retries"`
	AvgCompletionSeconds float64 `json:"avg_completion_seconds"`
}

// Monitor drives transactions through their lifecycle by polling source
// chains for inclusion and finality.
type Monitor struct {
	manager *chain.Manager
	store   Store
	cfg     Config
	log     *slog.Logger

	mu        sync.Mutex
	listeners []Listener
	retry     RetryFunc
	fallback  FallbackCheck
	now       func() time.Time

	total         int
	succeeded     int
	failed        int
	retries       int
	completionSum time.Duration

	wg sync.WaitGroup
}

// NewMonitor creates a monitor over the given store.
func NewMonitor(manager *chain.Manager, store Store, cfg Config) *Monitor {
	return &Monitor{
		manager:  manager,
		store:    store,
		cfg:      cfg.withDefaults(),
		log:      logger.Named("monitor"),
		fallback: func(string) bool { return true },
		now:      time.Now,
	}
}

// AddListener registers a lifecycle listener.
func (m *Monitor) AddListener(l Listener) {
	if l == nil {
		return
	}
	m.mu.Lock()
	m.listeners = append(m.listeners, l)
	m.mu.Unlock()
}

// SetRetryHandler installs the function that re-executes a transaction after
// its backoff. Without one, due retries fail permanently.
func (m *Monitor) SetRetryHandler(fn RetryFunc) {
	m.mu.Lock()
	m.retry = fn
	m.mu.Unlock()
}

// SetFallbackCheck overrides when the monitor scans destinations itself.
func (m *Monitor) SetFallbackCheck(fn FallbackCheck) {
	if fn == nil {
		return
	}
	m.mu.Lock()
	m.fallback = fn
	m.mu.Unlock()
}

// SetClock overrides the clock, used by tests to force timeouts.
func (m *Monitor) SetClock(now func() time.Time) {
	m.mu.Lock()
	m.now = now
	m.mu.Unlock()
}

// Start launches the polling loop. It returns immediately; the loop stops
// when ctx is cancelled.
func (m *Monitor) Start(ctx context.Context) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.cfg.PollInterval)
		defer ticker.Stop()
		m.log.Info("transaction monitor started",
			slog.Duration("poll_interval", m.cfg.PollInterval))
		for {
			select {
			case <-ctx.Done():
				m.log.Info("transaction monitor stopped")
				return
			case <-ticker.C:
				m.Poll(ctx)
			}
		}
	}()
}

// Wait blocks until the polling loop has exited.
func (m *Monitor) Wait() { m.wg.Wait() }

// Begin registers a new PENDING transaction.
func (m *Monitor) Begin(ctx context.Context, params xcm.TransferParams, routeID string) (*Transaction, error) {
	tx := NewTransaction(params, routeID)
	if err := m.store.Insert(ctx, tx); err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.total++
	m.mu.Unlock()
	m.log.Info("transaction registered",
		slog.String("transaction_id", tx.ID),
		slog.String("source_chain", params.SourceChain),
		slog.String("destination_chain", params.DestinationChain))
	return tx.Clone(), nil
}

// MarkBuilding moves a transaction into BUILDING.
func (m *Monitor) MarkBuilding(ctx context.Context, id string) error {
	_, err := m.transition(ctx, id, func(tx *Transaction) error {
		if tx.Status != StatusPending {
			return xerrors.New(xerrors.CodeConflict,
				fmt.Sprintf("cannot build from status %s", tx.Status))
		}
		tx.Status = StatusBuilding
		return nil
	})
	return err
}

// MarkSubmitted records the submission and starts the lifecycle clock.
func (m *Monitor) MarkSubmitted(ctx context.Context, id string, kind xcm.Kind, hash common.Hash) error {
	tx, err := m.transition(ctx, id, func(tx *Transaction) error {
		if tx.Status != StatusBuilding && tx.Status != StatusPending {
			return xerrors.New(xerrors.CodeConflict,
				fmt.Sprintf("cannot submit from status %s", tx.Status))
		}
		tx.Status = StatusSubmitted
		tx.MessageKind = kind
		tx.MessageHash = hash
		tx.SubmittedAt = m.clock()
		return nil
	})
	if err != nil {
		return err
	}
	m.log.Info("transaction submitted",
		slog.String("transaction_id", tx.ID),
		slog.String("message_hash", hash.Hex()))
	return nil
}

// RecordFailure applies the retry policy to a failed build or submission.
func (m *Monitor) RecordFailure(ctx context.Context, id string, cause error) error {
	tx, err := m.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if tx.Status.Terminal() {
		return nil
	}
	if !xerrors.RetryableError(cause) {
		return m.fail(ctx, tx, cause.Error())
	}
	return m.scheduleRetry(ctx, tx, cause.Error())
}

// ResolveCompletion settles the transaction identified by its message hash.
// Terminal transactions are left untouched, making resolution idempotent
// between the event listener and the destination scan.
func (m *Monitor) ResolveCompletion(ctx context.Context, hash common.Hash, outcome Outcome, detail string) error {
	tx, err := m.store.GetByMessageHash(ctx, hash)
	if err != nil {
		return err
	}
	if tx.Status.Terminal() {
		return nil
	}
	if outcome == OutcomeSuccess {
		return m.succeed(ctx, tx)
	}
	return m.fail(ctx, tx, detail)
}

// TransactionStatus returns a clone of the transaction.
func (m *Monitor) TransactionStatus(ctx context.Context, id string) (*Transaction, error) {
	return m.store.Get(ctx, id)
}

// ActiveTransactions lists non-terminal transactions.
func (m *Monitor) ActiveTransactions(ctx context.Context, opts ListOptions) ([]*Transaction, error) {
	return m.store.Active(ctx, opts)
}

// CompletedTransactions lists terminal transactions.
func (m *Monitor) CompletedTransactions(ctx context.Context, opts ListOptions) ([]*Transaction, error) {
	return m.store.Completed(ctx, opts)
}

// PruneCompleted drops completed transactions older than the retention
// window. Invoked by the maintenance job.
func (m *Monitor) PruneCompleted(ctx context.Context, retention time.Duration) (int, error) {
	return m.store.PruneCompleted(ctx, m.clock().Add(-retention))
}

// Stats reports aggregate counters for this process lifetime.
func (m *Monitor) Stats(ctx context.Context) Stats {
	active, _ := m.store.Active(ctx, ListOptions{})
	m.mu.Lock()
	defer m.mu.Unlock()
	stats := Stats{
		Total:     m.total,
		Active:    len(active),
		Succeeded: m.succeeded,
		Failed:    m.failed,
		Retries:   m.retries,
	}
	if done := m.succeeded + m.failed; done > 0 {
		stats.AvgCompletionSeconds = m.completionSum.Seconds() / float64(done)
	}
	return stats
}

// Poll runs one pass over the active set. The loop calls this every
// PollInterval; tests call it directly.
func (m *Monitor) Poll(ctx context.Context) {
	active, err := m.store.Active(ctx, ListOptions{})
	if err != nil {
		m.log.Error("list active transactions", slog.Any("error", err))
		return
	}
	for _, tx := range active {
		select {
		case <-ctx.Done():
			return
		default:
		}
		m.step(ctx, tx)
	}
}

func (m *Monitor) step(ctx context.Context, tx *Transaction) {
	switch tx.Status {
	case StatusRetrying:
		if !m.clock().Before(tx.NextRetryAt) {
			m.runRetry(ctx, tx)
		}
	case StatusPending, StatusBuilding:
		// A transfer stuck before submission still burns wall clock.
		m.checkTimeout(ctx, tx)
	case StatusSubmitted:
		if m.checkInclusion(ctx, tx) {
			return
		}
		m.checkTimeout(ctx, tx)
	case StatusInBlock:
		if m.checkFinality(ctx, tx) {
			return
		}
		m.checkTimeout(ctx, tx)
	case StatusFinalized:
		if m.fallbackCheck()(tx.Params.DestinationChain) && m.scanDestination(ctx, tx) {
			return
		}
		m.checkTimeout(ctx, tx)
	}
}

// checkInclusion scans recent source blocks for the message hash and reports
// whether the transaction advanced.
func (m *Monitor) checkInclusion(ctx context.Context, tx *Transaction) bool {
	client, err := m.manager.ClientFor(tx.Params.SourceChain)
	if err != nil {
		return false
	}
	head, err := client.Header(ctx)
	if err != nil {
		return false
	}
	lowest := uint64(0)
	if head.Number > m.cfg.ScanDepth {
		lowest = head.Number - m.cfg.ScanDepth
	}
	for number := head.Number; number > lowest; number-- {
		blockHash, err := client.BlockHash(ctx, number)
		if err != nil {
			continue
		}
		messages, err := client.BlockMessages(ctx, blockHash)
		if err != nil {
			continue
		}
		for _, hash := range messages {
			if hash != tx.MessageHash {
				continue
			}
			updated, err := m.transition(ctx, tx.ID, func(tx *Transaction) error {
				tx.Status = StatusInBlock
				tx.BlockNumber = number
				tx.BlockHash = blockHash
				return nil
			})
			if err != nil {
				return false
			}
			m.log.Info("transaction in block",
				slog.String("transaction_id", tx.ID),
				slog.Uint64("block_number", number))
			m.emit(func(l Listener) { l.TransactionInBlock(updated) })
			return true
		}
	}
	return false
}

// checkFinality compares the inclusion block against the finalized head.
func (m *Monitor) checkFinality(ctx context.Context, tx *Transaction) bool {
	client, err := m.manager.ClientFor(tx.Params.SourceChain)
	if err != nil {
		return false
	}
	finalizedHash, err := client.FinalizedHead(ctx)
	if err != nil {
		return false
	}
	finalized, err := client.HeaderByHash(ctx, finalizedHash)
	if err != nil {
		return false
	}
	if tx.BlockNumber > finalized.Number {
		return false
	}
	updated, err := m.transition(ctx, tx.ID, func(tx *Transaction) error {
		tx.Status = StatusFinalized
		tx.FinalizedAt = m.clock()
		return nil
	})
	if err != nil {
		return false
	}
	m.log.Info("transaction finalized", slog.String("transaction_id", tx.ID))
	m.emit(func(l Listener) { l.TransactionFinalized(updated) })
	return true
}

// scanDestination looks for the delivery outcome in recent destination
// events. Used only when no event subscription covers the chain.
func (m *Monitor) scanDestination(ctx context.Context, tx *Transaction) bool {
	client, err := m.manager.ClientFor(tx.Params.DestinationChain)
	if err != nil {
		return false
	}
	head, err := client.Header(ctx)
	if err != nil {
		return false
	}
	lowest := uint64(0)
	if head.Number > m.cfg.ScanDepth {
		lowest = head.Number - m.cfg.ScanDepth
	}
	needle := []byte(tx.MessageHash.Hex())
	for number := head.Number; number > lowest; number-- {
		blockHash, err := client.BlockHash(ctx, number)
		if err != nil {
			continue
		}
		events, err := client.BlockEvents(ctx, blockHash)
		if err != nil {
			continue
		}
		for _, event := range events {
			if !bytes.Contains(event.Data, needle) {
				continue
			}
			switch outcomeOfEvent(event) {
			case OutcomeSuccess:
				return m.succeed(ctx, tx) == nil
			case OutcomeFailed:
				return m.fail(ctx, tx, fmt.Sprintf("%s.%s on destination", event.Section, event.Method)) == nil
			}
		}
	}
	return false
}

// outcomeOfEvent maps a destination event to a delivery outcome, or "" when
// the event says nothing about delivery.
func outcomeOfEvent(event chain.SystemEvent) Outcome {
	switch event.Section {
	case "xcmpQueue", "messageQueue", "dmpQueue", "ump":
		switch event.Method {
		case "Success", "Processed", "ExecutedDownward":
			return OutcomeSuccess
		case "Fail", "ProcessingFailed", "OverweightEnqueued":
			return OutcomeFailed
		}
	}
	return ""
}

func (m *Monitor) checkTimeout(ctx context.Context, tx *Transaction) {
	// The budget covers the whole lifecycle from registration, not just the
	// time since submission.
	if m.clock().Sub(tx.CreatedAt) < m.cfg.LifecycleTimeout {
		return
	}
	m.log.Warn("transaction timed out",
		slog.String("transaction_id", tx.ID),
		slog.String("status", string(tx.Status)))
	if err := m.scheduleRetry(ctx, tx, "lifecycle timeout in "+string(tx.Status)); err != nil {
		m.log.Error("schedule retry", slog.Any("error", err))
	}
}

// scheduleRetry moves the transaction into RETRYING, or fails it permanently
// once the retry budget is spent.
func (m *Monitor) scheduleRetry(ctx context.Context, tx *Transaction, cause string) error {
	if tx.RetryCount >= m.cfg.MaxRetries {
		return m.fail(ctx, tx, "retries exhausted: "+cause)
	}
	updated, err := m.transition(ctx, tx.ID, func(tx *Transaction) error {
		tx.Status = StatusRetrying
		tx.RetryCount++
		tx.LastError = cause
		tx.NextRetryAt = m.clock().Add(m.cfg.RetryDelay)
		return nil
	})
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.retries++
	m.mu.Unlock()
	m.log.Info("transaction retry scheduled",
		slog.String("transaction_id", tx.ID),
		slog.Int("retry_count", updated.RetryCount))
	m.emit(func(l Listener) { l.TransactionRetrying(updated) })
	return nil
}

// runRetry re-enters PENDING and hands the transaction to the retry handler.
func (m *Monitor) runRetry(ctx context.Context, tx *Transaction) {
	updated, err := m.transition(ctx, tx.ID, func(tx *Transaction) error {
		tx.Status = StatusPending
		tx.NextRetryAt = time.Time{}
		return nil
	})
	if err != nil {
		return
	}
	m.mu.Lock()
	handler := m.retry
	m.mu.Unlock()
	if handler == nil {
		_ = m.fail(ctx, updated, "no retry handler installed")
		return
	}
	if err := handler(ctx, updated); err != nil {
		m.log.Warn("retry attempt failed",
			slog.String("transaction_id", updated.ID),
			slog.Any("error", err))
		if current, getErr := m.store.Get(ctx, updated.ID); getErr == nil && !current.Status.Terminal() {
			_ = m.scheduleRetry(ctx, current, err.Error())
		}
	}
}

func (m *Monitor) succeed(ctx context.Context, tx *Transaction) error {
	updated, err := m.complete(ctx, tx, StatusSuccess, "")
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.succeeded++
	m.completionSum += updated.CompletionDuration()
	m.mu.Unlock()
	m.log.Info("transaction succeeded", slog.String("transaction_id", updated.ID))
	m.emit(func(l Listener) { l.TransactionSucceeded(updated) })
	return nil
}

func (m *Monitor) fail(ctx context.Context, tx *Transaction, cause string) error {
	updated, err := m.complete(ctx, tx, StatusFailed, cause)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.failed++
	m.completionSum += updated.CompletionDuration()
	m.mu.Unlock()
	m.log.Warn("transaction failed",
		slog.String("transaction_id", updated.ID),
		slog.String("cause", cause))
	m.emit(func(l Listener) { l.TransactionFailed(updated) })
	return nil
}

func (m *Monitor) complete(ctx context.Context, tx *Transaction, status Status, cause string) (*Transaction, error) {
	current, err := m.store.Get(ctx, tx.ID)
	if err != nil {
		return nil, err
	}
	if current.Status.Terminal() {
		return nil, xerrors.New(xerrors.CodeConflict, "transaction already completed")
	}
	current.Status = status
	current.LastError = cause
	current.CompletedAt = m.clock()
	current.UpdatedAt = current.CompletedAt
	if err := m.store.Complete(ctx, current); err != nil {
		return nil, err
	}
	return current, nil
}

// transition applies mutate to the current stored transaction and persists
// it. Terminal transactions are never modified.
func (m *Monitor) transition(ctx context.Context, id string, mutate func(*Transaction) error) (*Transaction, error) {
	tx, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if tx.Status.Terminal() {
		return nil, xerrors.New(xerrors.CodeConflict, "transaction already completed",
			xerrors.WithMetadata("transaction_id", id))
	}
	if err := mutate(tx); err != nil {
		return nil, err
	}
	tx.UpdatedAt = m.clock()
	if err := m.store.Update(ctx, tx); err != nil {
		return nil, err
	}
	return tx, nil
}

func (m *Monitor) emit(fn func(Listener)) {
	m.mu.Lock()
	listeners := make([]Listener, len(m.listeners))
	copy(listeners, m.listeners)
	m.mu.Unlock()
	for _, l := range listeners {
		fn(l)
	}
}

func (m *Monitor) clock() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now()
}

func (m *Monitor) fallbackCheck() FallbackCheck {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.fallback
}
