package notify

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"XCMFlow/internal/events"
	"XCMFlow/internal/monitor"
	"XCMFlow/pkg/logger"
)

// Config tunes delivery and rate limiting.
type Config struct {
	// RateLimit is the per-channel sliding-window cap.
	RateLimit int
	// RateWindow is the width of the sliding window.
	RateWindow time.Duration
	// SendTimeout bounds each delivery attempt.
	SendTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.RateLimit <= 0 {
		c.RateLimit = 10
	}
	if c.RateWindow <= 0 {
		c.RateWindow = time.Minute
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = defaultSendTimeout
	}
	return c
}

// Stats counts deliveries and rate-limit drops.
type Stats struct {
	Sent    uint64 `json:"sent"`
	Dropped uint64 `json:"dropped"`
	Failed  uint64 `json:"failed"`
}

// Service fans notifications out to every configured channel. Deliveries
// run concurrently and never block the caller.
type Service struct {
	cfg     Config
	limiter *rateLimiter
	log     *slog.Logger

	mu        sync.Mutex
	notifiers []Notifier
	sent      uint64
	dropped   uint64
	failed    uint64

	wg sync.WaitGroup
}

// NewService creates the notification service.
func NewService(cfg Config, notifiers ...Notifier) *Service {
	cfg = cfg.withDefaults()
	s := &Service{
		cfg:     cfg,
		limiter: newRateLimiter(cfg.RateLimit, cfg.RateWindow),
		log:     logger.Named("notify"),
	}
	for _, n := range notifiers {
		if n != nil {
			s.notifiers = append(s.notifiers, n)
		}
	}
	return s
}

// AddNotifier registers an additional channel.
func (s *Service) AddNotifier(n Notifier) {
	if n == nil {
		return
	}
	s.mu.Lock()
	s.notifiers = append(s.notifiers, n)
	s.mu.Unlock()
}

// NotifyEvent publishes a classified chain event.
func (s *Service) NotifyEvent(event events.Event) {
	n := newNotification("event", eventPriority(event),
		fmt.Sprintf("%s.%s on %s", event.Section, event.Method, event.ChainID),
		string(event.Class))
	n.ChainID = event.ChainID
	n.Metadata = map[string]string{
		"block_number": fmt.Sprintf("%d", event.BlockNumber),
	}
	s.dispatch(n)
}

// EventObserved implements events.Sink.
func (s *Service) EventObserved(event events.Event) { s.NotifyEvent(event) }

// NotifyTransaction publishes a lifecycle change.
func (s *Service) NotifyTransaction(tx *monitor.Transaction) {
	n := newNotification("transaction", transactionPriority(tx.Status),
		fmt.Sprintf("transfer %s is %s", tx.ID, tx.Status),
		fmt.Sprintf("%s %s from %s to %s",
			tx.Params.Amount, tx.Params.Asset.Symbol,
			tx.Params.SourceChain, tx.Params.DestinationChain))
	n.ChainID = tx.Params.SourceChain
	n.Metadata = map[string]string{
		"transaction_id": tx.ID,
		"status":         string(tx.Status),
	}
	if tx.LastError != "" {
		n.Metadata["error"] = tx.LastError
	}
	if tx.RetryCount > 0 {
		n.Metadata["retry_count"] = fmt.Sprintf("%d", tx.RetryCount)
	}
	s.dispatch(n)
}

// SendAlert publishes an operator alert at the given priority.
func (s *Service) SendAlert(priority Priority, title, body string, metadata map[string]string) {
	n := newNotification("alert", priority, title, body)
	n.Metadata = metadata
	s.dispatch(n)
}

// Monitor lifecycle signals map straight onto transaction notifications.

func (s *Service) TransactionInBlock(tx *monitor.Transaction)   { s.NotifyTransaction(tx) }
func (s *Service) TransactionFinalized(tx *monitor.Transaction) { s.NotifyTransaction(tx) }
func (s *Service) TransactionSucceeded(tx *monitor.Transaction) { s.NotifyTransaction(tx) }
func (s *Service) TransactionFailed(tx *monitor.Transaction)    { s.NotifyTransaction(tx) }
func (s *Service) TransactionRetrying(tx *monitor.Transaction)  { s.NotifyTransaction(tx) }

// dispatch fans the notification out, one goroutine per channel, each with
// its own timeout.
func (s *Service) dispatch(n Notification) {
	s.mu.Lock()
	notifiers := make([]Notifier, len(s.notifiers))
	copy(notifiers, s.notifiers)
	s.mu.Unlock()

	for _, notifier := range notifiers {
		if !s.limiter.allow(notifier.Channel(), n.Priority) {
			s.mu.Lock()
			s.dropped++
			s.mu.Unlock()
			s.log.Debug("notification rate limited",
				slog.String("channel", string(notifier.Channel())),
				slog.String("priority", string(n.Priority)))
			continue
		}
		s.wg.Add(1)
		go func(notifier Notifier) {
			defer s.wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), s.cfg.SendTimeout)
			defer cancel()
			if err := notifier.Notify(ctx, n); err != nil {
				s.mu.Lock()
				s.failed++
				s.mu.Unlock()
				s.log.Warn("notification delivery failed",
					slog.String("channel", string(notifier.Channel())),
					slog.String("notification_id", n.ID),
					slog.Any("error", err))
				return
			}
			s.mu.Lock()
			s.sent++
			s.mu.Unlock()
		}(notifier)
	}
}

// Stats reports delivery counters.
func (s *Service) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{Sent: s.sent, Dropped: s.dropped, Failed: s.failed}
}

// Wait blocks until every in-flight delivery has finished. Used during
// shutdown and by tests.
func (s *Service) Wait() { s.wg.Wait() }

var (
	_ events.Sink      = (*Service)(nil)
	_ monitor.Listener = (*Service)(nil)
)
