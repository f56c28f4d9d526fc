package stream

import (
	"context"
	"testing"
)

func TestNopPublisherIsSilent(t *testing.T) {
	var p Publisher = Nop{}
	if err := p.Publish(context.Background(), "tx.SUCCESS", map[string]string{"id": "x"}); err != nil {
		t.Fatalf("nop publish: %v", err)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("nop close: %v", err)
	}
}

func TestKindOfRoutingKey(t *testing.T) {
	cases := map[string]string{
		"event.polkadot":   "event",
		"tx.FINALIZED":     "tx",
		"metrics.snapshot": "metrics",
		"heartbeat":        "heartbeat",
	}
	for key, want := range cases {
		if got := kindOf(key); got != want {
			t.Fatalf("kindOf(%q) = %q, want %q", key, got, want)
		}
	}
}
