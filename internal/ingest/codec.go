package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"

	"meshalert/internal/domain"
)

const maxPooledBatchCapacity = 1024

type decodeScratch struct {
	alerts []domain.AlertRequest
}

var decodeScratchPool = sync.Pool{
	New: func() any {
		return &decodeScratch{alerts: make([]domain.AlertRequest, 0, 8)}
	},
}

// decodeAlertPayload auto-detects batch vs single payload.
// Params: raw JSON bytes with one object or array, and scratch buffer.
// Returns: validated requests backed by scratch.
func decodeAlertPayload(raw []byte, scratch *decodeScratch) ([]domain.AlertRequest, error) {
	payload := bytes.TrimSpace(raw)
	if len(payload) == 0 {
		return nil, domain.Errorf(domain.KindValidation, "decode alert", "empty payload")
	}
	decoder := json.NewDecoder(bytes.NewReader(payload))

	alerts := scratch.alerts[:0]
	if payload[0] == '[' {
		batch, err := domain.DecodeAlertRequestsReader(decoder)
		if err != nil {
			return nil, err
		}
		alerts = append(alerts, batch...)
	} else {
		req, err := domain.DecodeAlertRequestReader(decoder)
		if err != nil {
			return nil, err
		}
		alerts = append(alerts, req)
	}
	if err := ensureJSONEOF(decoder); err != nil {
		return nil, err
	}
	scratch.alerts = alerts
	return alerts, nil
}

func acquireDecodeScratch() *decodeScratch {
	return decodeScratchPool.Get().(*decodeScratch)
}

func releaseDecodeScratch(scratch *decodeScratch) {
	if scratch == nil {
		return
	}
	for i := range scratch.alerts {
		scratch.alerts[i] = domain.AlertRequest{}
	}
	if cap(scratch.alerts) > maxPooledBatchCapacity {
		scratch.alerts = make([]domain.AlertRequest, 0, 8)
	} else {
		scratch.alerts = scratch.alerts[:0]
	}
	decodeScratchPool.Put(scratch)
}

// ensureJSONEOF rejects trailing tokens after a decoded JSON payload.
func ensureJSONEOF(decoder *json.Decoder) error {
	var extra json.RawMessage
	err := decoder.Decode(&extra)
	if err == io.EOF {
		return nil
	}
	if err != nil {
		return domain.Wrap(domain.KindValidation, "decode trailing json", err)
	}
	return domain.Wrap(domain.KindValidation, "decode alert", errors.New("unexpected trailing json tokens"))
}

// submitAlerts hands requests to sink, batch-aware.
// Params: context, sink, and validated requests.
// Returns: accepted message ids and first error.
func submitAlerts(ctx context.Context, sink AlertSink, alerts []domain.AlertRequest) ([]string, error) {
	if len(alerts) == 0 {
		return nil, nil
	}
	if batchSink, ok := sink.(batchAlertSink); ok {
		return batchSink.SubmitBatch(ctx, alerts)
	}
	ids := make([]string, 0, len(alerts))
	for _, req := range alerts {
		id, err := sink.Submit(ctx, req)
		if err != nil {
			return ids, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func marshalAlert(req domain.AlertRequest) ([]byte, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode alert: %w", err)
	}
	return body, nil
}
