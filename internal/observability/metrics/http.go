package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

type requestKey struct {
	handler string
	method  string
	code    string
}

type latencyKey struct {
	handler string
	method  string
}

type histogram struct {
	buckets []float64
	counts  []uint64
	sum     float64
	count   uint64
}

type httpCollectorState struct {
	mu       sync.Mutex
	requests map[requestKey]uint64
	errors   map[latencyKey]uint64
	latency  map[latencyKey]*histogram
}

var httpCollector = &httpCollectorState{
	requests: make(map[requestKey]uint64),
	errors:   make(map[latencyKey]uint64),
	latency:  make(map[latencyKey]*histogram),
}

// ObserveHTTPRequest records one handled API request.
func ObserveHTTPRequest(handler, method string, status int, duration time.Duration) {
	httpCollector.observe(handler, method, status, duration)
}

func (c *httpCollectorState) observe(handler, method string, status int, duration time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.requests[requestKey{handler: handler, method: method, code: strconv.Itoa(status)}]++
	key := latencyKey{handler: handler, method: method}
	if status >= 500 {
		c.errors[key]++
	}
	hist := c.latency[key]
	if hist == nil {
		hist = newHistogram()
		c.latency[key] = hist
	}
	hist.observe(duration.Seconds())
}

func newHistogram() *histogram {
	buckets := []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
	return &histogram{buckets: buckets, counts: make([]uint64, len(buckets))}
}

func (h *histogram) observe(value float64) {
	h.count++
	h.sum += value
	for idx, bound := range h.buckets {
		if value <= bound {
			for i := idx; i < len(h.counts); i++ {
				h.counts[i]++
			}
			return
		}
	}
	// Values above the last bound only land in the implicit +Inf bucket.
}

// Handler exposes every collector in Prometheus text exposition format.
func Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		_, _ = fmt.Fprint(w, httpCollector.render())
		_, _ = fmt.Fprint(w, engine.render())
	})
}

func (c *httpCollectorState) render() string {
	c.mu.Lock()
	defer c.mu.Unlock()

	reqKeys := make([]requestKey, 0, len(c.requests))
	for key := range c.requests {
		reqKeys = append(reqKeys, key)
	}
	sort.Slice(reqKeys, func(i, j int) bool {
		if reqKeys[i].handler == reqKeys[j].handler {
			if reqKeys[i].method == reqKeys[j].method {
				return reqKeys[i].code < reqKeys[j].code
			}
			return reqKeys[i].method < reqKeys[j].method
		}
		return reqKeys[i].handler < reqKeys[j].handler
	})

	latKeys := make([]latencyKey, 0, len(c.latency))
	for key := range c.latency {
		latKeys = append(latKeys, key)
	}
	sort.Slice(latKeys, func(i, j int) bool {
		if latKeys[i].handler == latKeys[j].handler {
			return latKeys[i].method < latKeys[j].method
		}
		return latKeys[i].handler < latKeys[j].handler
	})

	var builder strings.Builder
	builder.Grow(1024)

	builder.WriteString("# HELP xcmflow_http_requests_total Total number of HTTP requests processed.\n")
	builder.WriteString("# TYPE xcmflow_http_requests_total counter\n")
	for _, key := range reqKeys {
		builder.WriteString(fmt.Sprintf("xcmflow_http_requests_total{handler=%q,method=%q,code=%q} %d\n",
			key.handler, key.method, key.code, c.requests[key]))
	}

	builder.WriteString("# HELP xcmflow_http_request_errors_total HTTP requests that ended in a server error.\n")
	builder.WriteString("# TYPE xcmflow_http_request_errors_total counter\n")
	for _, key := range latKeys {
		if value, ok := c.errors[key]; ok {
			builder.WriteString(fmt.Sprintf("xcmflow_http_request_errors_total{handler=%q,method=%q} %d\n",
				key.handler, key.method, value))
		}
	}

	builder.WriteString("# HELP xcmflow_http_request_duration_seconds HTTP request duration in seconds.\n")
	builder.WriteString("# TYPE xcmflow_http_request_duration_seconds histogram\n")
	for _, key := range latKeys {
		hist := c.latency[key]
		for idx, bound := range hist.buckets {
			builder.WriteString(fmt.Sprintf("xcmflow_http_request_duration_seconds_bucket{handler=%q,method=%q,le=%q} %d\n",
				key.handler, key.method, formatFloat(bound), hist.counts[idx]))
		}
		builder.WriteString(fmt.Sprintf("xcmflow_http_request_duration_seconds_bucket{handler=%q,method=%q,le=\"+Inf\"} %d\n",
			key.handler, key.method, hist.count))
		builder.WriteString(fmt.Sprintf("xcmflow_http_request_duration_seconds_sum{handler=%q,method=%q} %s\n",
			key.handler, key.method, formatFloat(hist.sum)))
		builder.WriteString(fmt.Sprintf("xcmflow_http_request_duration_seconds_count{handler=%q,method=%q} %d\n",
			key.handler, key.method, hist.count))
	}

	return builder.String()
}

func formatFloat(value float64) string {
	return strconv.FormatFloat(value, 'f', -1, 64)
}

// StartServer launches a standalone HTTP server exposing /metrics. It blocks
// until ctx is cancelled or the listener fails.
func StartServer(ctx context.Context, addr string) error {
	if addr == "" {
		return errors.New("metrics address is empty")
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())

	srv := &http.Server{Addr: addr, Handler: mux}
	errCh := make(chan error, 1)
	go func() {
		defer close(errCh)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err, ok := <-errCh:
		if !ok {
			return nil
		}
		return err
	}
}
