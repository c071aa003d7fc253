package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecordTxSubmission(t *testing.T) {
	before := testutil.ToFloat64(txSubmitted.WithLabelValues("donateToPool", "error"))
	RecordTxSubmission("donateToPool", errors.New("nonce too low"))
	after := testutil.ToFloat64(txSubmitted.WithLabelValues("donateToPool", "error"))
	if after-before != 1 {
		t.Fatalf("error submissions delta = %v, want 1", after-before)
	}
}

func TestRecordTxWaitOutcome(t *testing.T) {
	before := testutil.ToFloat64(txConfirmations.WithLabelValues("reverted"))
	RecordTxWait("reverted", 0)
	if got := testutil.ToFloat64(txConfirmations.WithLabelValues("reverted")) - before; got != 1 {
		t.Fatalf("reverted delta = %v, want 1", got)
	}
}

func TestHandlerExposesCollectors(t *testing.T) {
	RecordHTTPRequest("GET", "/health", "200", 3*time.Millisecond)
	RecordCacheLookup(true)
	SetIndexerLag(7)

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	body := rec.Body.String()
	for _, name := range []string{
		"githunters_http_requests_total",
		"githunters_cache_lookups_total",
		"githunters_indexer_lag_blocks 7",
	} {
		if !strings.Contains(body, name) {
			t.Errorf("metrics output missing %q", name)
		}
	}
}
