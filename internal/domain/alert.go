package domain

import (
	"encoding/json"
	"strings"
)

// AlertRequest is message production contract accepted from ingest.
// Params: content, optional channel/priority, correlation data, and retry override.
// Returns: input for message composition.
type AlertRequest struct {
	Content    string            `json:"content"`
	Channel    string            `json:"channel,omitempty"`
	Priority   string            `json:"priority,omitempty"`
	SourceID   string            `json:"source_id,omitempty"`
	Category   string            `json:"category,omitempty"`
	Position   *Position         `json:"position,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	MaxRetries *int              `json:"max_retries,omitempty"`
}

// DecodeAlertRequest decodes and validates one alert payload.
// Params: JSON document bytes.
// Returns: validated request or ErrValidation-kind error.
func DecodeAlertRequest(raw []byte) (AlertRequest, error) {
	var req AlertRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return AlertRequest{}, Wrap(KindValidation, "decode alert", err)
	}
	if err := req.Validate(); err != nil {
		return AlertRequest{}, err
	}
	return req, nil
}

// DecodeAlertRequestReader decodes and validates one alert payload from stream.
// Params: decoder positioned at one JSON object.
// Returns: validated request or ErrValidation-kind error.
func DecodeAlertRequestReader(reader *json.Decoder) (AlertRequest, error) {
	var req AlertRequest
	if err := reader.Decode(&req); err != nil {
		return AlertRequest{}, Wrap(KindValidation, "decode alert", err)
	}
	if err := req.Validate(); err != nil {
		return AlertRequest{}, err
	}
	return req, nil
}

// DecodeAlertRequestsReader decodes and validates one batch from stream.
// Params: decoder positioned at one JSON array.
// Returns: validated requests or ErrValidation-kind error naming the bad index.
func DecodeAlertRequestsReader(reader *json.Decoder) ([]AlertRequest, error) {
	var reqs []AlertRequest
	if err := reader.Decode(&reqs); err != nil {
		return nil, Wrap(KindValidation, "decode alert batch", err)
	}
	if len(reqs) == 0 {
		return nil, Errorf(KindValidation, "decode alert batch", "batch must contain at least one alert")
	}
	for i := range reqs {
		if err := reqs[i].Validate(); err != nil {
			return nil, Errorf(KindValidation, "decode alert batch", "alert[%d]: %v", i, err)
		}
	}
	return reqs, nil
}

// Validate checks request against production contract.
// Params: request fields.
// Returns: ErrValidation-kind error when contract is violated.
func (r AlertRequest) Validate() error {
	if strings.TrimSpace(r.Content) == "" {
		return Errorf(KindValidation, "validate alert", "content is required")
	}
	if _, err := ParsePriority(r.Priority); err != nil {
		return err
	}
	if r.MaxRetries != nil && *r.MaxRetries < 0 {
		return Errorf(KindValidation, "validate alert", "max_retries must be >=0")
	}
	if r.Position != nil {
		if r.Position.Lat < -90 || r.Position.Lat > 90 {
			return Errorf(KindValidation, "validate alert", "position.lat %v out of range", r.Position.Lat)
		}
		if r.Position.Lon < -180 || r.Position.Lon > 180 {
			return Errorf(KindValidation, "validate alert", "position.lon %v out of range", r.Position.Lon)
		}
	}
	return nil
}

// AlertMetadata builds message metadata, nil when request carries none.
func (r AlertRequest) AlertMetadata() *AlertMetadata {
	if r.SourceID == "" && r.Category == "" && r.Position == nil && len(r.Metadata) == 0 {
		return nil
	}
	meta := &AlertMetadata{
		SourceID: strings.TrimSpace(r.SourceID),
		Category: strings.TrimSpace(r.Category),
		Position: r.Position,
	}
	if len(r.Metadata) > 0 {
		meta.Extra = make(map[string]string, len(r.Metadata))
		for k, v := range r.Metadata {
			meta.Extra[k] = v
		}
	}
	return meta
}
