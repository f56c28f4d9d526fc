package notify

import (
	"context"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"XCMFlow/internal/chain"
	"XCMFlow/internal/events"
	"XCMFlow/internal/monitor"
	"XCMFlow/internal/xcm"
)

type fakeNotifier struct {
	channel Channel
	mu      sync.Mutex
	got     []Notification
	err     error
}

func (f *fakeNotifier) Channel() Channel { return f.channel }

func (f *fakeNotifier) Notify(_ context.Context, n Notification) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.got = append(f.got, n)
	return nil
}

func (f *fakeNotifier) received() []Notification {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Notification(nil), f.got...)
}

func TestRateLimiterNeverDropsCriticalOrHigh(t *testing.T) {
	limiter := newRateLimiter(10, time.Minute)
	base := time.Now()
	limiter.now = func() time.Time { return base }

	for i := 0; i < 15; i++ {
		if !limiter.allow(ChannelSlack, PriorityCritical) {
			t.Fatalf("critical notification %d was dropped", i)
		}
	}
	for i := 0; i < 5; i++ {
		if !limiter.allow(ChannelSlack, PriorityHigh) {
			t.Fatalf("high notification %d was dropped", i)
		}
	}
	// The window is far past the cap: normal traffic must be shed.
	if limiter.allow(ChannelSlack, PriorityNormal) {
		t.Fatal("normal notification must be dropped over the cap")
	}
}

func TestRateLimiterWindowSlides(t *testing.T) {
	limiter := newRateLimiter(10, time.Minute)
	base := time.Now()
	limiter.now = func() time.Time { return base }

	for i := 0; i < 10; i++ {
		if !limiter.allow(ChannelWebhook, PriorityNormal) {
			t.Fatalf("notification %d under the cap was dropped", i)
		}
	}
	if limiter.allow(ChannelWebhook, PriorityNormal) {
		t.Fatal("cap reached, notification must be dropped")
	}

	// Channels are limited independently.
	if !limiter.allow(ChannelDiscord, PriorityNormal) {
		t.Fatal("a different channel must have its own window")
	}

	base = base.Add(61 * time.Second)
	if !limiter.allow(ChannelWebhook, PriorityNormal) {
		t.Fatal("window slid past old entries, notification must pass")
	}
}

func TestRateLimiterShedsLowUnderPressure(t *testing.T) {
	limiter := newRateLimiter(10, time.Minute)
	base := time.Now()
	limiter.now = func() time.Time { return base }
	limiter.chance = func() float64 { return 0.99 } // always unlucky

	// Fill half the window so pressure kicks in.
	for i := 0; i < 5; i++ {
		limiter.allow(ChannelSlack, PriorityNormal)
	}
	if limiter.allow(ChannelSlack, PriorityLow) {
		t.Fatal("low priority must be shed under pressure when unlucky")
	}

	limiter.chance = func() float64 { return 0.01 } // always lucky
	if !limiter.allow(ChannelSlack, PriorityLow) {
		t.Fatal("low priority must pass under pressure when lucky")
	}
}

func TestServiceFansOutToEveryChannel(t *testing.T) {
	slack := &fakeNotifier{channel: ChannelSlack}
	discord := &fakeNotifier{channel: ChannelDiscord}
	service := NewService(Config{}, slack, discord)

	service.SendAlert(PriorityHigh, "chain offline", "polkadot lost its connection", nil)
	service.Wait()

	for _, notifier := range []*fakeNotifier{slack, discord} {
		got := notifier.received()
		if len(got) != 1 {
			t.Fatalf("%s received %d notifications, want 1", notifier.channel, len(got))
		}
		if got[0].Priority != PriorityHigh || got[0].Title != "chain offline" {
			t.Fatalf("unexpected notification %+v", got[0])
		}
	}
}

func TestServicePriorityDerivation(t *testing.T) {
	sink := &fakeNotifier{channel: ChannelWebhook}
	service := NewService(Config{RateLimit: 100}, sink)

	trapped := events.Classify(chain.SystemEvent{
		ChainID: "assetHub", Section: "polkadotXcm", Method: "AssetsTrapped",
	})
	service.NotifyEvent(trapped)

	failedTx := &monitor.Transaction{
		ID:     "tx-1",
		Status: monitor.StatusFailed,
		Params: xcm.TransferParams{
			SourceChain:      "polkadot",
			DestinationChain: "assetHub",
			Asset:            xcm.Asset{Symbol: "DOT"},
			Amount:           big.NewInt(1),
		},
		LastError: "retries exhausted",
	}
	service.NotifyTransaction(failedTx)
	service.Wait()

	got := sink.received()
	if len(got) != 2 {
		t.Fatalf("received %d notifications, want 2", len(got))
	}
	byKind := map[string]Notification{}
	for _, n := range got {
		byKind[n.Kind] = n
	}
	if byKind["event"].Priority != PriorityCritical {
		t.Fatalf("assetsTrapped priority = %s, want critical", byKind["event"].Priority)
	}
	if byKind["transaction"].Priority != PriorityHigh {
		t.Fatalf("failed transfer priority = %s, want high", byKind["transaction"].Priority)
	}
	if byKind["transaction"].Metadata["error"] != "retries exhausted" {
		t.Fatal("failure cause must be carried in metadata")
	}
}

func TestWebhookNotifierPostsJSON(t *testing.T) {
	var (
		mu       sync.Mutex
		auth     string
		received Notification
	)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		auth = r.Header.Get("Authorization")
		json.NewDecoder(r.Body).Decode(&received)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	notifier := NewWebhookNotifier(server.URL, "secret-token", time.Second)
	n := newNotification("alert", PriorityCritical, "assets trapped", "manual recovery required")
	if err := notifier.Notify(context.Background(), n); err != nil {
		t.Fatalf("notify: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if auth != "Bearer secret-token" {
		t.Fatalf("authorization header = %q", auth)
	}
	if received.Title != "assets trapped" || received.Priority != PriorityCritical {
		t.Fatalf("received %+v", received)
	}
}

func TestSlackNotifierRejectsServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	notifier := NewSlackNotifier(server.URL, time.Second)
	err := notifier.Notify(context.Background(), newNotification("alert", PriorityHigh, "t", "b"))
	if err == nil {
		t.Fatal("a 5xx response must surface as an error")
	}
}

func TestTelegramNotifierTargetsBotAPI(t *testing.T) {
	var path string
	var payload map[string]string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		json.NewDecoder(r.Body).Decode(&payload)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	notifier := NewTelegramNotifier("bot-token", "chat-42", time.Second)
	notifier.baseURL = server.URL
	if err := notifier.Notify(context.Background(), newNotification("alert", PriorityNormal, "title", "body")); err != nil {
		t.Fatalf("notify: %v", err)
	}
	if path != "/botbot-token/sendMessage" {
		t.Fatalf("path = %s", path)
	}
	if payload["chat_id"] != "chat-42" {
		t.Fatalf("chat_id = %s", payload["chat_id"])
	}
}
