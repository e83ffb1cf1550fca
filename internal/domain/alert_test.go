package domain

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"
)

func TestDecodeAlertRequest(t *testing.T) {
	t.Parallel()

	req, err := DecodeAlertRequest([]byte(`{"content":"WATCHLIST: ABC123","channel":"Secure","priority":"high","source_id":"abc123","position":{"lat":51.5,"lon":-0.12,"alt_ft":3500}}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	meta := req.AlertMetadata()
	if meta == nil || meta.SourceID != "abc123" || meta.Position == nil || *meta.Position.AltFt != 3500 {
		t.Fatalf("unexpected metadata: %+v", meta)
	}
}

func TestAlertRequestValidate(t *testing.T) {
	t.Parallel()

	negative := -1
	tests := []struct {
		name string
		req  AlertRequest
	}{
		{name: "empty content", req: AlertRequest{Content: "  "}},
		{name: "bad priority", req: AlertRequest{Content: "x", Priority: "urgent"}},
		{name: "negative retries", req: AlertRequest{Content: "x", MaxRetries: &negative}},
		{name: "lat out of range", req: AlertRequest{Content: "x", Position: &Position{Lat: 91}}},
		{name: "lon out of range", req: AlertRequest{Content: "x", Position: &Position{Lon: -181}}},
	}
	for _, tt := range tests {
		if err := tt.req.Validate(); !errors.Is(err, ErrValidation) {
			t.Fatalf("%s: expected validation error, got %v", tt.name, err)
		}
	}
	if (AlertRequest{Content: "plain"}).AlertMetadata() != nil {
		t.Fatalf("request without correlation data must have nil metadata")
	}
}

func TestDecodeAlertRequestsReader(t *testing.T) {
	t.Parallel()

	reqs, err := DecodeAlertRequestsReader(json.NewDecoder(bytes.NewReader([]byte(`[{"content":"a"},{"content":"b","priority":"critical"}]`))))
	if err != nil || len(reqs) != 2 {
		t.Fatalf("decode batch: %v %v", reqs, err)
	}
	if _, err := DecodeAlertRequestsReader(json.NewDecoder(bytes.NewReader([]byte(`[]`)))); !errors.Is(err, ErrValidation) {
		t.Fatalf("empty batch must fail validation, got %v", err)
	}
	if _, err := DecodeAlertRequestsReader(json.NewDecoder(bytes.NewReader([]byte(`[{"content":"a"},{"content":""}]`)))); !errors.Is(err, ErrValidation) {
		t.Fatalf("bad element must fail validation, got %v", err)
	}
}
