package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestHandlerRendersCounters(t *testing.T) {
	ObserveHTTPRequest("/api/v1/transfers", "POST", 201, 42*time.Millisecond)
	ObserveHTTPRequest("/api/v1/transfers", "POST", 500, 10*time.Millisecond)
	ObserveTransfer("initiated")
	ObserveChainEvent("polkadot", "xcm_success")
	ObserveCache("fees", true)
	ObserveCache("fees", false)
	SetConnectedChains(3)

	recorder := httptest.NewRecorder()
	Handler().ServeHTTP(recorder, httptest.NewRequest("GET", "/metrics", nil))
	body := recorder.Body.String()

	for _, want := range []string{
		`xcmflow_http_requests_total{handler="/api/v1/transfers",method="POST",code="201"} 1`,
		`xcmflow_http_request_errors_total{handler="/api/v1/transfers",method="POST"} 1`,
		`xcmflow_transfers_total{outcome="initiated"}`,
		`xcmflow_chain_events_total{chain="polkadot",class="xcm_success"}`,
		`xcmflow_cache_lookups_total{cache="fees",result="hit"}`,
		`xcmflow_cache_lookups_total{cache="fees",result="miss"}`,
		`xcmflow_connected_chains 3`,
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("exposition missing %q\n%s", want, body)
		}
	}
	if recorder.Header().Get("Content-Type") != "text/plain; version=0.0.4" {
		t.Fatalf("content type = %s", recorder.Header().Get("Content-Type"))
	}
}

func TestSnapshotCopiesState(t *testing.T) {
	ObserveTransfer("succeeded")
	snapshot := TakeSnapshot()
	if snapshot.Transfers["succeeded"] == 0 {
		t.Fatal("snapshot must include transfer counters")
	}
	if snapshot.TakenAt.IsZero() {
		t.Fatal("snapshot must be timestamped")
	}

	// Mutating the snapshot must not leak back into the collector.
	snapshot.Transfers["succeeded"] = 999
	if TakeSnapshot().Transfers["succeeded"] == 999 {
		t.Fatal("snapshot must be an independent copy")
	}
}
