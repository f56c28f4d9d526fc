package metrics

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

type chainEventKey struct {
	chain string
	class string
}

// engineCollector tracks transfer and event counters for the whole process.
type engineCollector struct {
	mu              sync.Mutex
	transfers       map[string]uint64
	chainEvents     map[chainEventKey]uint64
	cacheHits       map[string]uint64
	cacheMisses     map[string]uint64
	connectedChains int
	startedAt       time.Time
}

var engine = &engineCollector{
	transfers:   make(map[string]uint64),
	chainEvents: make(map[chainEventKey]uint64),
	cacheHits:   make(map[string]uint64),
	cacheMisses: make(map[string]uint64),
	startedAt:   time.Now(),
}

// ObserveTransfer counts a transfer lifecycle outcome: initiated, succeeded,
// failed or retried.
func ObserveTransfer(outcome string) {
	engine.mu.Lock()
	engine.transfers[outcome]++
	engine.mu.Unlock()
}

// ObserveChainEvent counts a classified event per chain.
func ObserveChainEvent(chainID, class string) {
	engine.mu.Lock()
	engine.chainEvents[chainEventKey{chain: chainID, class: class}]++
	engine.mu.Unlock()
}

// ObserveCache counts a cache lookup for the named cache.
func ObserveCache(cache string, hit bool) {
	engine.mu.Lock()
	if hit {
		engine.cacheHits[cache]++
	} else {
		engine.cacheMisses[cache]++
	}
	engine.mu.Unlock()
}

// SetConnectedChains records the current connection gauge.
func SetConnectedChains(count int) {
	engine.mu.Lock()
	engine.connectedChains = count
	engine.mu.Unlock()
}

// Snapshot is the periodic state pushed to the stream surface.
type Snapshot struct {
	Transfers       map[string]uint64 `json:"transfers"`
	ChainEvents     map[string]uint64 `json:"chain_events"`
	CacheHits       map[string]uint64 `json:"cache_hits"`
	CacheMisses     map[string]uint64 `json:"cache_misses"`
	ConnectedChains int               `json:"connected_chains"`
	UptimeSeconds   float64           `json:"uptime_seconds"`
	TakenAt         time.Time         `json:"taken_at"`
}

// TakeSnapshot copies the current counters.
func TakeSnapshot() Snapshot {
	engine.mu.Lock()
	defer engine.mu.Unlock()
	snapshot := Snapshot{
		Transfers:       make(map[string]uint64, len(engine.transfers)),
		ChainEvents:     make(map[string]uint64, len(engine.chainEvents)),
		CacheHits:       make(map[string]uint64, len(engine.cacheHits)),
		CacheMisses:     make(map[string]uint64, len(engine.cacheMisses)),
		ConnectedChains: engine.connectedChains,
		UptimeSeconds:   time.Since(engine.startedAt).Seconds(),
		TakenAt:         time.Now(),
	}
	for outcome, value := range engine.transfers {
		snapshot.Transfers[outcome] = value
	}
	for key, value := range engine.chainEvents {
		snapshot.ChainEvents[key.chain+"/"+key.class] = value
	}
	for cache, value := range engine.cacheHits {
		snapshot.CacheHits[cache] = value
	}
	for cache, value := range engine.cacheMisses {
		snapshot.CacheMisses[cache] = value
	}
	return snapshot
}

func (c *engineCollector) render() string {
	c.mu.Lock()
	defer c.mu.Unlock()

	var builder strings.Builder
	builder.Grow(1024)

	builder.WriteString("# HELP xcmflow_transfers_total Transfers counted per lifecycle outcome.\n")
	builder.WriteString("# TYPE xcmflow_transfers_total counter\n")
	for _, outcome := range sortedKeys(c.transfers) {
		builder.WriteString(fmt.Sprintf("xcmflow_transfers_total{outcome=%q} %d\n", outcome, c.transfers[outcome]))
	}

	builder.WriteString("# HELP xcmflow_chain_events_total Classified chain events observed.\n")
	builder.WriteString("# TYPE xcmflow_chain_events_total counter\n")
	eventKeys := make([]chainEventKey, 0, len(c.chainEvents))
	for key := range c.chainEvents {
		eventKeys = append(eventKeys, key)
	}
	sort.Slice(eventKeys, func(i, j int) bool {
		if eventKeys[i].chain == eventKeys[j].chain {
			return eventKeys[i].class < eventKeys[j].class
		}
		return eventKeys[i].chain < eventKeys[j].chain
	})
	for _, key := range eventKeys {
		builder.WriteString(fmt.Sprintf("xcmflow_chain_events_total{chain=%q,class=%q} %d\n",
			key.chain, key.class, c.chainEvents[key]))
	}

	builder.WriteString("# HELP xcmflow_cache_lookups_total Cache lookups per cache and result.\n")
	builder.WriteString("# TYPE xcmflow_cache_lookups_total counter\n")
	for _, cache := range sortedKeys(c.cacheHits) {
		builder.WriteString(fmt.Sprintf("xcmflow_cache_lookups_total{cache=%q,result=\"hit\"} %d\n", cache, c.cacheHits[cache]))
	}
	for _, cache := range sortedKeys(c.cacheMisses) {
		builder.WriteString(fmt.Sprintf("xcmflow_cache_lookups_total{cache=%q,result=\"miss\"} %d\n", cache, c.cacheMisses[cache]))
	}

	builder.WriteString("# HELP xcmflow_connected_chains Currently connected chains.\n")
	builder.WriteString("# TYPE xcmflow_connected_chains gauge\n")
	builder.WriteString(fmt.Sprintf("xcmflow_connected_chains %d\n", c.connectedChains))

	return builder.String()
}

func sortedKeys(m map[string]uint64) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
