package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCountersAndGauges(t *testing.T) {
	Register()
	Register()

	before := testutil.ToFloat64(transportSends.WithLabelValues("metrics-test", "failure"))
	ObserveSend("metrics-test", false, 20*time.Millisecond)
	if got := testutil.ToFloat64(transportSends.WithLabelValues("metrics-test", "failure")); got != before+1 {
		t.Fatalf("send counter = %v, want %v", got, before+1)
	}

	SetTransportHealth("metrics-test", 72.5, false)
	if got := testutil.ToFloat64(transportHealth.WithLabelValues("metrics-test")); got != 72.5 {
		t.Fatalf("health gauge = %v", got)
	}
	if got := testutil.ToFloat64(transportActive.WithLabelValues("metrics-test")); got != 0 {
		t.Fatalf("active gauge = %v", got)
	}

	dropped := testutil.ToFloat64(queueDropped)
	IncQueueDropped()
	if got := testutil.ToFloat64(queueDropped); got != dropped+1 {
		t.Fatalf("dropped counter = %v", got)
	}
}

func TestInstrumentAndHandler(t *testing.T) {
	Register()

	handler := Instrument(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/alerts", nil))
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d", rec.Code)
	}
	if got := testutil.ToFloat64(httpRequests.WithLabelValues(http.MethodPost, "/alerts", "202")); got < 1 {
		t.Fatalf("request counter = %v", got)
	}

	server := httptest.NewServer(Handler())
	defer server.Close()
	resp, err := http.Get(server.URL)
	if err != nil {
		t.Fatalf("scrape: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "meshalert_http_requests_total") {
		t.Fatalf("exposition missing collector")
	}
}
