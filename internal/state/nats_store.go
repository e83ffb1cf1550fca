package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"meshalert/internal/config"
	"meshalert/internal/domain"

	"github.com/nats-io/nats.go"
)

// NATSStore persists delivery records in JetStream KV bucket.
// Params: NATS connection, JetStream context, and KV bucket handle.
// Returns: KV-backed history store implementation.
type NATSStore struct {
	nc            *nats.Conn
	js            nats.JetStreamContext
	kv            nats.KeyValue
	settings      config.HistoryNATSConfig
	subjectPrefix string
}

// NewNATSStore opens or creates history bucket and returns NATS backend.
// Params: NATS/JetStream settings from config.
// Returns: initialized NATS store or setup error.
func NewNATSStore(settings config.HistoryNATSConfig) (*NATSStore, error) {
	nc, err := nats.Connect(strings.Join(settings.URL, ","), nats.Name("meshalert-history"))
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream init: %w", err)
	}

	kv, err := js.KeyValue(settings.Bucket)
	if err != nil {
		if !settings.AllowCreateBuckets {
			nc.Close()
			return nil, fmt.Errorf("open history bucket %q: %w", settings.Bucket, err)
		}
		kv, err = js.CreateKeyValue(&nats.KeyValueConfig{
			Bucket:      settings.Bucket,
			Description: "meshalert delivery history",
		})
		if err != nil {
			nc.Close()
			return nil, fmt.Errorf("create history bucket %q: %w", settings.Bucket, err)
		}
	}
	if settings.TTL > 0 {
		if err := enableBucketPerMessageTTL(js, settings.Bucket); err != nil {
			nc.Close()
			return nil, fmt.Errorf("enable per-message ttl on history bucket: %w", err)
		}
	}

	return &NATSStore{
		nc:            nc,
		js:            js,
		kv:            kv,
		settings:      settings,
		subjectPrefix: "$KV." + settings.Bucket + ".",
	}, nil
}

// enableBucketPerMessageTTL ensures underlying KV stream allows Nats-TTL header.
// Params: JetStream context and KV bucket name.
// Returns: stream update error when config cannot be applied.
func enableBucketPerMessageTTL(js nats.JetStreamContext, bucket string) error {
	info, err := js.StreamInfo("KV_" + bucket)
	if err != nil {
		return err
	}
	if info.Config.AllowMsgTTL {
		return nil
	}
	cfg := info.Config
	cfg.AllowMsgTTL = true
	if cfg.SubjectDeleteMarkerTTL == 0 {
		cfg.SubjectDeleteMarkerTTL = 5 * time.Minute
	}
	_, err = js.UpdateStream(&cfg)
	return err
}

// PutRecord publishes record into history bucket with per-record TTL.
// Params: delivery record keyed by message id.
// Returns: KV revision (stream sequence).
func (s *NATSStore) PutRecord(ctx context.Context, record domain.DeliveryRecord) (uint64, error) {
	key, err := recordKey(record.MessageID)
	if err != nil {
		return 0, err
	}
	body, err := json.Marshal(record)
	if err != nil {
		return 0, fmt.Errorf("encode record: %w", err)
	}
	msg := nats.NewMsg(s.subjectPrefix + key)
	msg.Data = body
	if s.settings.TTL > 0 {
		msg.Header = nats.Header{
			"Nats-TTL": []string{strconv.FormatInt(s.settings.TTL.Milliseconds(), 10) + "ms"},
		}
	}
	ack, err := s.js.PublishMsg(msg, nats.Context(ctx))
	if err != nil {
		return 0, fmt.Errorf("put record: %w", err)
	}
	return ack.Sequence, nil
}

// GetRecord reads one record and its KV revision.
// Params: message id.
// Returns: record, revision, or ErrNotFound.
func (s *NATSStore) GetRecord(_ context.Context, messageID string) (domain.DeliveryRecord, uint64, error) {
	key, err := recordKey(messageID)
	if err != nil {
		return domain.DeliveryRecord{}, 0, err
	}
	entry, err := s.kv.Get(key)
	if err != nil {
		if errors.Is(err, nats.ErrKeyNotFound) {
			return domain.DeliveryRecord{}, 0, ErrNotFound
		}
		return domain.DeliveryRecord{}, 0, fmt.Errorf("get record: %w", err)
	}

	var record domain.DeliveryRecord
	if err := json.Unmarshal(entry.Value(), &record); err != nil {
		return domain.DeliveryRecord{}, 0, fmt.Errorf("decode record: %w", err)
	}
	return record, entry.Revision(), nil
}

// DeleteRecord deletes record key.
// Params: message id.
// Returns: delete error.
func (s *NATSStore) DeleteRecord(_ context.Context, messageID string) error {
	key, err := recordKey(messageID)
	if err != nil {
		return err
	}
	if err := s.kv.Delete(key); err != nil && !errors.Is(err, nats.ErrKeyNotFound) {
		return fmt.Errorf("delete record: %w", err)
	}
	return nil
}

// ListRecordIDs lists stored record ids, optionally filtered by outcome.
// Params: outcome filter (empty matches all).
// Returns: matching ids from history bucket.
func (s *NATSStore) ListRecordIDs(ctx context.Context, outcome domain.DeliveryOutcome) ([]string, error) {
	keys, err := s.kv.Keys(nats.Context(ctx))
	if err != nil {
		if errors.Is(err, nats.ErrNoKeysFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("list keys: %w", err)
	}
	if outcome == "" {
		return keys, nil
	}
	ids := make([]string, 0, len(keys))
	for _, key := range keys {
		record, _, err := s.GetRecord(ctx, key)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return nil, err
		}
		if record.Outcome == outcome {
			ids = append(ids, key)
		}
	}
	return ids, nil
}

// Close closes underlying NATS connection.
// Params: none.
// Returns: nil after connection close.
func (s *NATSStore) Close() error {
	s.nc.Close()
	return nil
}

// recordKey validates message id as KV key token.
func recordKey(messageID string) (string, error) {
	key := strings.TrimSpace(messageID)
	if key == "" || strings.ContainsAny(key, " \t\r\n*>") {
		return "", fmt.Errorf("invalid history key %q", messageID)
	}
	return key, nil
}
