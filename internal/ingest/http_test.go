package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"meshalert/internal/domain"
)

type httpTestSink struct {
	submitCalls int
	batchCalls  int
	alerts      []domain.AlertRequest
	err         error
}

func (s *httpTestSink) Submit(_ context.Context, req domain.AlertRequest) (string, error) {
	s.submitCalls++
	if s.err != nil {
		return "", s.err
	}
	s.alerts = append(s.alerts, req)
	return fmt.Sprintf("id-%d", len(s.alerts)), nil
}

type batchTestSink struct {
	httpTestSink
}

func (s *batchTestSink) SubmitBatch(_ context.Context, reqs []domain.AlertRequest) ([]string, error) {
	s.batchCalls++
	if s.err != nil {
		return nil, s.err
	}
	ids := make([]string, 0, len(reqs))
	for _, req := range reqs {
		s.alerts = append(s.alerts, req)
		ids = append(ids, fmt.Sprintf("id-%d", len(s.alerts)))
	}
	return ids, nil
}

func postAlert(handler http.Handler, body string) *httptest.ResponseRecorder {
	request := httptest.NewRequest(http.MethodPost, "/alerts", strings.NewReader(body))
	response := httptest.NewRecorder()
	handler.ServeHTTP(response, request)
	return response
}

func TestHTTPHandlerAcceptsSingleAlert(t *testing.T) {
	t.Parallel()

	sink := &httpTestSink{}
	response := postAlert(NewHTTPHandler(sink, 1<<20), testAlertJSON("ABC123", "high"))
	if response.Code != http.StatusAccepted {
		t.Fatalf("expected status %d, got %d", http.StatusAccepted, response.Code)
	}
	if sink.submitCalls != 1 || len(sink.alerts) != 1 {
		t.Fatalf("unexpected sink calls submit=%d alerts=%d", sink.submitCalls, len(sink.alerts))
	}
	var body acceptedResponse
	if err := json.Unmarshal(response.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(body.Accepted) != 1 || body.Accepted[0] != "id-1" {
		t.Fatalf("unexpected response: %+v", body)
	}
	if sink.alerts[0].SourceID != "ABC123" || sink.alerts[0].Priority != "high" {
		t.Fatalf("unexpected alert: %+v", sink.alerts[0])
	}
}

func TestHTTPHandlerAcceptsBatchAlerts(t *testing.T) {
	t.Parallel()

	sink := &batchTestSink{}
	payload := fmt.Sprintf("[%s,%s]", testAlertJSON("A1", "low"), testAlertJSON("B2", "critical"))
	response := postAlert(NewHTTPHandler(sink, 1<<20), payload)
	if response.Code != http.StatusAccepted {
		t.Fatalf("expected status %d, got %d", http.StatusAccepted, response.Code)
	}
	if sink.submitCalls != 0 || sink.batchCalls != 1 || len(sink.alerts) != 2 {
		t.Fatalf("unexpected sink calls submit=%d batch=%d", sink.submitCalls, sink.batchCalls)
	}
}

func TestHTTPHandlerRejectsInvalidInput(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		body string
	}{
		{name: "empty batch", body: "[]"},
		{name: "empty body", body: "  "},
		{name: "missing content", body: `{"channel":"Secure"}`},
		{name: "bad priority", body: `{"content":"x","priority":"urgent"}`},
		{name: "trailing tokens", body: `{"content":"x"} {"content":"y"}`},
		{name: "malformed", body: `{"content":`},
	}
	for _, tt := range tests {
		sink := &httpTestSink{}
		response := postAlert(NewHTTPHandler(sink, 1<<20), tt.body)
		if response.Code != http.StatusBadRequest {
			t.Fatalf("%s: expected status %d, got %d", tt.name, http.StatusBadRequest, response.Code)
		}
		if sink.submitCalls != 0 {
			t.Fatalf("%s: sink must not be called", tt.name)
		}
	}
}

func TestHTTPHandlerMapsSinkErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		err  error
		want int
	}{
		{err: errors.New("queue full"), want: http.StatusServiceUnavailable},
		{err: domain.Errorf(domain.KindConfig, "compose", "unknown channel"), want: http.StatusUnprocessableEntity},
		{err: domain.Errorf(domain.KindValidation, "compose", "content too long"), want: http.StatusBadRequest},
	}
	for _, tt := range tests {
		sink := &httpTestSink{err: tt.err}
		response := postAlert(NewHTTPHandler(sink, 1<<20), testAlertJSON("A1", "low"))
		if response.Code != tt.want {
			t.Fatalf("%v: expected status %d, got %d", tt.err, tt.want, response.Code)
		}
	}
}

func TestHTTPHandlerRejectsWrongMethodAndOversizedBody(t *testing.T) {
	t.Parallel()

	handler := NewHTTPHandler(&httpTestSink{}, 16)
	request := httptest.NewRequest(http.MethodGet, "/alerts", nil)
	response := httptest.NewRecorder()
	handler.ServeHTTP(response, request)
	if response.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected status %d, got %d", http.StatusMethodNotAllowed, response.Code)
	}

	if response := postAlert(handler, testAlertJSON("A1", "low")); response.Code != http.StatusBadRequest {
		t.Fatalf("expected oversized body rejection, got %d", response.Code)
	}
}

func TestReleaseDecodeScratchDropsOversizedBuffer(t *testing.T) {
	t.Parallel()

	scratch := &decodeScratch{alerts: make([]domain.AlertRequest, 3, maxPooledBatchCapacity+1)}
	releaseDecodeScratch(scratch)
	if cap(scratch.alerts) > maxPooledBatchCapacity {
		t.Fatalf("oversized scratch must be replaced, cap=%d", cap(scratch.alerts))
	}
}

func testAlertJSON(sourceID, priority string) string {
	return fmt.Sprintf(`{"content":"WATCHLIST: %s","channel":"Secure","priority":"%s","source_id":"%s","position":{"lat":51.47,"lon":-0.45}}`, sourceID, priority, sourceID)
}
