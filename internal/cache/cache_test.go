package cache

import (
	"context"
	"testing"
	"time"
)

type payload struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

func TestMemoryRoundTrip(t *testing.T) {
	store := NewMemory()
	ctx := context.Background()

	if err := store.Set(ctx, "k", payload{Name: "route", Count: 3}, time.Minute); err != nil {
		t.Fatalf("set: %v", err)
	}

	var got payload
	hit, err := store.Get(ctx, "k", &got)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !hit {
		t.Fatal("expected a cache hit")
	}
	if got.Name != "route" || got.Count != 3 {
		t.Fatalf("unexpected value %+v", got)
	}

	if err := store.Delete(ctx, "k"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if hit, _ = store.Get(ctx, "k", &got); hit {
		t.Fatal("deleted key must miss")
	}
}

func TestMemoryExpiry(t *testing.T) {
	store := NewMemory()
	ctx := context.Background()
	base := time.Now()
	store.SetClock(func() time.Time { return base })

	if err := store.Set(ctx, "k", payload{Name: "fees"}, 5*time.Minute); err != nil {
		t.Fatalf("set: %v", err)
	}

	var got payload
	if hit, _ := store.Get(ctx, "k", &got); !hit {
		t.Fatal("entry must be live inside the TTL")
	}

	store.SetClock(func() time.Time { return base.Add(6 * time.Minute) })
	if hit, _ := store.Get(ctx, "k", &got); hit {
		t.Fatal("entry must miss after the TTL")
	}

	if store.Len() != 1 {
		t.Fatalf("expired entry should still occupy a slot, len=%d", store.Len())
	}
	if err := store.ClearExpired(ctx); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if store.Len() != 0 {
		t.Fatalf("clear must drop expired entries, len=%d", store.Len())
	}
}
