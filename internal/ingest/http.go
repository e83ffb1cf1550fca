// Package ingest accepts alert requests over HTTP and NATS JetStream.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"meshalert/internal/domain"
	"meshalert/internal/metrics"
)

// AlertSink receives validated alert requests.
// Params: context and request.
// Returns: accepted message id or processing error.
type AlertSink interface {
	Submit(ctx context.Context, req domain.AlertRequest) (string, error)
}

type batchAlertSink interface {
	SubmitBatch(ctx context.Context, reqs []domain.AlertRequest) ([]string, error)
}

type acceptedResponse struct {
	Accepted []string `json:"accepted"`
}

type errorResponse struct {
	Error    string   `json:"error"`
	Accepted []string `json:"accepted,omitempty"`
}

// HTTPHandler decodes JSON alerts and forwards them to sink.
// Params: sink receives validated requests, max body limits payload size.
// Returns: HTTP handler for alerts endpoint.
type HTTPHandler struct {
	sink        AlertSink
	maxBodySize int64
}

// NewHTTPHandler creates ingest HTTP handler.
// Params: sink and max request body size in bytes.
// Returns: configured handler.
func NewHTTPHandler(sink AlertSink, maxBodySize int64) *HTTPHandler {
	return &HTTPHandler{sink: sink, maxBodySize: maxBodySize}
}

// ServeHTTP handles one alert or alert batch.
// Params: HTTP request/response writer pair.
// Returns: 202 with message ids, 400 for bad input, 422 for unroutable input, 503 when sink is saturated.
func (h *HTTPHandler) ServeHTTP(writer http.ResponseWriter, request *http.Request) {
	if request.Method != http.MethodPost {
		writer.Header().Set("Allow", http.MethodPost)
		writer.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	request.Body = http.MaxBytesReader(writer, request.Body, h.maxBodySize)
	defer request.Body.Close()
	body, err := io.ReadAll(request.Body)
	if err != nil {
		metrics.IncIngest("http", false)
		writeJSON(writer, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}

	scratch := acquireDecodeScratch()
	defer releaseDecodeScratch(scratch)
	alerts, err := decodeAlertPayload(body, scratch)
	if err != nil {
		metrics.IncIngest("http", false)
		writeJSON(writer, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}

	ids, err := submitAlerts(request.Context(), h.sink, alerts)
	for range ids {
		metrics.IncIngest("http", true)
	}
	if err != nil {
		metrics.IncIngest("http", false)
		writeJSON(writer, statusForError(err), errorResponse{Error: err.Error(), Accepted: ids})
		return
	}
	writeJSON(writer, http.StatusAccepted, acceptedResponse{Accepted: ids})
}

// statusForError maps sink errors to HTTP status.
func statusForError(err error) int {
	switch {
	case errors.Is(err, domain.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrConfig), errors.Is(err, domain.ErrEncryption):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusServiceUnavailable
	}
}

func writeJSON(writer http.ResponseWriter, status int, payload any) {
	writer.Header().Set("Content-Type", "application/json")
	writer.WriteHeader(status)
	_ = json.NewEncoder(writer).Encode(payload)
}
