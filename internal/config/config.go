package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"regexp"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/pelletier/go-toml/v2"
)

const (
	defaultServiceName         = "meshalert"
	defaultMaxMessageLength    = 228
	minMaxMessageLength        = utf8.UTFMax
	defaultShutdownTimeoutSec  = 10
	defaultHTTPListen          = ":8080"
	defaultHealthPath          = "/healthz"
	defaultReadyPath           = "/readyz"
	defaultAlertsPath          = "/alerts"
	defaultStatsPath           = "/stats"
	defaultMetricsPath         = "/metrics"
	defaultMaxBodyBytes        = 1 << 20
	defaultNATSURL             = "nats://127.0.0.1:4222"
	defaultNATSSubject         = "meshalert.alerts"
	defaultNATSIngestStream    = "MESHALERT_ALERTS"
	defaultNATSIngestConsumer  = "meshalert-ingest"
	defaultNATSIngestGroup     = "meshalert-workers"
	defaultNATSIngestWorkers   = 1
	defaultNATSIngestDLQStream = "MESHALERT_ALERTS_DLQ"
	defaultNATSAckWaitSec      = 30
	defaultNATSNackDelayMS     = 1000
	defaultNATSMaxDeliver      = -1
	defaultNATSMaxAckPending   = 256
	defaultHistoryBucket       = "meshalert_history"
	defaultHistoryTTLSec       = 86400
	defaultMeshCheckSec        = 30
	defaultResponseWindow      = 100
	defaultErrorLogSize        = 20
	defaultRouterCheckSec      = 30
	defaultRouterHistory       = 100
	defaultUnhealthyAfter      = 3
	defaultQueueCapacity       = 1000
	defaultQueueWorkers        = 2
	defaultDequeueTimeoutMS    = 1000
	defaultTrackerMaxRetries   = 3
	defaultTrackerBaseDelayMS  = 2000
	defaultTrackerMaxDelayMS   = 300000
	defaultTrackerSweepSec     = 10
	defaultTrackerRetentionSec = 3600
	defaultTrackerStaleSec     = 7200
	defaultTrackerHistory      = 1000
	defaultHopLimit            = 3
	defaultTxPower             = 20
	defaultMeshSubjectPrefix   = "meshalert.mesh"
	defaultKafkaTopic          = "meshalert.mesh"
	defaultKafkaBatchTimeoutMS = 50
	defaultWebhookTimeoutSec   = 10
	defaultTelegramAPIBase     = "https://api.telegram.org"
	defaultConnectTimeoutSec   = 5

	// PolicyAll sends to every healthy transport.
	PolicyAll = "all"
	// PolicyPrimary sends to primary only.
	PolicyPrimary = "primary"
	// PolicyFallback sends to primary or every healthy backup.
	PolicyFallback = "fallback"
	// PolicyLoadBalance sends to one content-hashed transport.
	PolicyLoadBalance = "load_balance"

	// StoreMemory keeps delivery history in process memory.
	StoreMemory = "memory"
	// StoreNATS keeps delivery history in JetStream KV.
	StoreNATS = "nats"

	// TransportLoopback identifies in-process loopback link.
	TransportLoopback = "loopback"
	// TransportNATS identifies NATS broker link.
	TransportNATS = "nats"
	// TransportKafka identifies Kafka broker link.
	TransportKafka = "kafka"
	// TransportWebhook identifies HTTP webhook link.
	TransportWebhook = "webhook"
	// TransportTelegram identifies Telegram bot link.
	TransportTelegram = "telegram"
)

var (
	// TransportOrder lists transport kinds in registration order.
	TransportOrder = []string{
		TransportLoopback,
		TransportNATS,
		TransportKafka,
		TransportWebhook,
		TransportTelegram,
	}
	supportedPolicies = map[string]struct{}{
		PolicyAll:         {},
		PolicyPrimary:     {},
		PolicyFallback:    {},
		PolicyLoadBalance: {},
	}
	supportedPriorities = map[string]struct{}{
		"":         {},
		"low":      {},
		"medium":   {},
		"normal":   {},
		"high":     {},
		"critical": {},
	}
	legacyChannelArrayPattern = regexp.MustCompile(`(?m)^\s*\[\[\s*channel\s*\]\]`)
)

// Config holds service runtime settings.
// Params: TOML sections from file or merged directory snapshot.
// Returns: validated runtime configuration.
type Config struct {
	Service   ServiceConfig   `toml:"service"`
	Log       LogConfig       `toml:"log"`
	Mesh      MeshConfig      `toml:"mesh"`
	Router    RouterConfig    `toml:"router"`
	Queue     QueueConfig     `toml:"queue"`
	Tracker   TrackerConfig   `toml:"tracker"`
	Channel   []ChannelConfig `toml:"-"`
	Transport TransportConfig `toml:"transport"`
	Ingest    IngestConfig    `toml:"ingest"`
}

// rawConfig mirrors TOML model before runtime normalization.
// Params: decoded sections from one TOML source.
// Returns: raw channel map keyed by channel name.
type rawConfig struct {
	Service   ServiceConfig               `toml:"service"`
	Log       LogConfig                   `toml:"log"`
	Mesh      MeshConfig                  `toml:"mesh"`
	Router    RouterConfig                `toml:"router"`
	Queue     QueueConfig                 `toml:"queue"`
	Tracker   TrackerConfig               `toml:"tracker"`
	Channel   map[string]rawChannelConfig `toml:"channel"`
	Transport TransportConfig             `toml:"transport"`
	Ingest    IngestConfig                `toml:"ingest"`
}

// rawChannelConfig stores one channel body from `[channel.<name>]` table.
// Params: channel fields except key-derived name.
// Returns: intermediate channel body used for normalization.
type rawChannelConfig struct {
	Name     string `toml:"name"`
	Slot     int    `toml:"slot"`
	PSK      string `toml:"psk"`
	Uplink   *bool  `toml:"uplink"`
	Downlink *bool  `toml:"downlink"`
	HopLimit int    `toml:"hop_limit"`
	TxPower  *int   `toml:"tx_power"`
	Default  bool   `toml:"default"`
}

// ServiceConfig contains process-level settings.
// Params: name, outbound message length limit, and shutdown wait.
// Returns: service behavior defaults.
type ServiceConfig struct {
	Name               string `toml:"name"`
	MaxMessageLength   int    `toml:"max_message_length"`
	ShutdownTimeoutSec int    `toml:"shutdown_timeout_sec"`
}

// LogConfig contains console/file logging sinks.
// Params: sink settings for each output target.
// Returns: logger setup options.
type LogConfig struct {
	Console LogSinkConfig `toml:"console"`
	File    LogSinkConfig `toml:"file"`
}

// LogSinkConfig defines one logging sink.
// Params: sink enable flag, level, format, path, and file rotation limits.
// Returns: sink-specific behavior.
type LogSinkConfig struct {
	Enabled    bool   `toml:"enabled"`
	Level      string `toml:"level"`
	Format     string `toml:"format"`
	Path       string `toml:"path"`
	MaxSizeMB  int    `toml:"max_size_mb"`
	MaxBackups int    `toml:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days"`
	Compress   bool   `toml:"compress"`
}

// MeshConfig controls connection manager health checks and failover.
// Params: failover toggle, check interval, reconnect toggle, and window sizes.
// Returns: connection manager options.
type MeshConfig struct {
	FailoverEnabled        *bool `toml:"failover_enabled"`
	HealthCheckIntervalSec int   `toml:"health_check_interval_sec"`
	AutoReconnect          bool  `toml:"auto_reconnect"`
	ResponseWindow         int   `toml:"response_window"`
	ErrorLogSize           int   `toml:"error_log_size"`
}

// Failover reports whether automatic failover is enabled (default true).
func (m MeshConfig) Failover() bool {
	return m.FailoverEnabled == nil || *m.FailoverEnabled
}

// RouterConfig controls message router policy and probes.
// Params: default policy, probe interval, history size, and unhealthy threshold.
// Returns: router options.
type RouterConfig struct {
	Policy                 string `toml:"policy"`
	HealthCheckIntervalSec int    `toml:"health_check_interval_sec"`
	HistorySize            int    `toml:"history_size"`
	UnhealthyAfter         int    `toml:"unhealthy_after"`
}

// QueueConfig controls outbound priority queue and workers.
// Params: bounded capacity, worker count, and dequeue wait.
// Returns: queue options.
type QueueConfig struct {
	Capacity         int `toml:"capacity"`
	Workers          int `toml:"workers"`
	DequeueTimeoutMS int `toml:"dequeue_timeout_ms"`
}

// TrackerConfig controls delivery tracking, retries, and history persistence.
// Params: retry budget, backoff bounds, sweep/retention windows, and history store.
// Returns: tracker options.
type TrackerConfig struct {
	MaxRetries       int    `toml:"max_retries"`
	BaseDelayMS      int    `toml:"base_delay_ms"`
	MaxDelayMS       int    `toml:"max_delay_ms"`
	SweepIntervalSec int    `toml:"sweep_interval_sec"`
	RetentionSec     int    `toml:"retention_sec"`
	StaleSec         int    `toml:"stale_sec"`
	HistorySize      int    `toml:"history_size"`
	Store            string `toml:"store"`
	StoreBucket      string `toml:"store_bucket"`
	StoreTTLSec      int    `toml:"store_ttl_sec"`
}

// ChannelConfig describes one mesh channel.
// Params: table key name, slot, PSK, link flags, hop and power limits.
// Returns: channel definition applied to the registry.
type ChannelConfig struct {
	Name     string
	Slot     int
	PSK      string
	Uplink   bool
	Downlink bool
	HopLimit int
	TxPower  int
	Default  bool
}

// LinkConfig holds settings shared by every transport kind.
// Params: enable flag, priority tier, primary flag, and rate limit.
// Returns: common transport registration options.
type LinkConfig struct {
	Enabled           bool    `toml:"enabled"`
	Priority          string  `toml:"priority"`
	Primary           bool    `toml:"primary"`
	RatePerSec        float64 `toml:"rate_per_sec"`
	Burst             int     `toml:"burst"`
	ConnectTimeoutSec int     `toml:"connect_timeout_sec"`
}

// TransportConfig defines concrete transports.
// Params: one table per transport kind.
// Returns: transport set options.
type TransportConfig struct {
	Loopback LoopbackTransport `toml:"loopback"`
	NATS     NATSTransport     `toml:"nats"`
	Kafka    KafkaTransport    `toml:"kafka"`
	Webhook  WebhookTransport  `toml:"webhook"`
	Telegram TelegramTransport `toml:"telegram"`
}

// LoopbackTransport configures in-process link.
// Params: common link settings and initial connectivity.
// Returns: loopback options.
type LoopbackTransport struct {
	LinkConfig
	StartDisconnected bool `toml:"start_disconnected"`
}

// NATSTransport configures NATS broker link.
// Params: server URLs, subject prefix, and JetStream publish toggle.
// Returns: natslink options.
type NATSTransport struct {
	LinkConfig
	URL           []string `toml:"url"`
	SubjectPrefix string   `toml:"subject_prefix"`
	JetStream     bool     `toml:"jetstream"`
}

// KafkaTransport configures Kafka broker link.
// Params: brokers, topic, and writer batch timeout.
// Returns: kafkalink options.
type KafkaTransport struct {
	LinkConfig
	Brokers        []string `toml:"brokers"`
	Topic          string   `toml:"topic"`
	BatchTimeoutMS int      `toml:"batch_timeout_ms"`
}

// WebhookTransport configures HTTP webhook link.
// Params: endpoint URL, request timeout, and extra headers.
// Returns: webhook options.
type WebhookTransport struct {
	LinkConfig
	URL        string            `toml:"url"`
	TimeoutSec int               `toml:"timeout_sec"`
	Headers    map[string]string `toml:"headers"`
}

// TelegramTransport configures Telegram bot link.
// Params: bot token, chat ID, API base URL, and message template.
// Returns: telegram options.
type TelegramTransport struct {
	LinkConfig
	BotToken string `toml:"bot_token"`
	ChatID   string `toml:"chat_id"`
	APIBase  string `toml:"api_base"`
	Template string `toml:"template"`
}

// IngestConfig defines inbound alert interfaces.
// Params: embedded HTTP and NATS subscription controls.
// Returns: ingestion runtime options.
type IngestConfig struct {
	HTTP HTTPIngestConfig `toml:"http"`
	NATS NATSIngestConfig `toml:"nats"`
}

// HTTPIngestConfig configures HTTP server endpoints.
// Params: enable flag, listen address, endpoint paths, and body size limit.
// Returns: HTTP ingest behavior.
type HTTPIngestConfig struct {
	Enabled      bool   `toml:"enabled"`
	Listen       string `toml:"listen"`
	HealthPath   string `toml:"health_path"`
	ReadyPath    string `toml:"ready_path"`
	AlertsPath   string `toml:"alerts_path"`
	StatsPath    string `toml:"stats_path"`
	MetricsPath  string `toml:"metrics_path"`
	MaxBodyBytes int64  `toml:"max_body_bytes"`
}

// NATSIngestConfig configures JetStream queue-consumer ingestion.
// Params: connection, routing keys, and worker/ack/redelivery policy.
// Returns: NATS ingest behavior.
type NATSIngestConfig struct {
	Enabled       bool     `toml:"enabled"`
	URL           []string `toml:"url"`
	Subject       string   `toml:"subject"`
	Stream        string   `toml:"stream"`
	ConsumerName  string   `toml:"consumer_name"`
	DeliverGroup  string   `toml:"deliver_group"`
	Workers       int      `toml:"workers"`
	AckWaitSec    int      `toml:"ack_wait_sec"`
	NackDelayMS   int      `toml:"nack_delay_ms"`
	MaxDeliver    int      `toml:"max_deliver"`
	MaxAckPending int      `toml:"max_ack_pending"`
	DLQSubject    string   `toml:"dlq_subject"`
	DLQStream     string   `toml:"dlq_stream"`
}

// HistoryNATSConfig contains JetStream KV settings for delivery history.
// Params: URL list, bucket name, and record TTL.
// Returns: NATS history store options.
type HistoryNATSConfig struct {
	URL                []string
	Bucket             string
	TTL                time.Duration
	AllowCreateBuckets bool
}

// DeriveHistoryNATSConfig builds history store settings from runtime config.
// Params: full runtime configuration snapshot.
// Returns: NATS KV settings reusing ingest NATS URLs when tracker has none.
func DeriveHistoryNATSConfig(cfg Config) HistoryNATSConfig {
	urls := normalizeNATSURLs(cfg.Ingest.NATS.URL)
	if len(urls) == 0 {
		urls = normalizeNATSURLs(cfg.Transport.NATS.URL)
	}
	if len(urls) == 0 {
		urls = []string{defaultNATSURL}
	}
	return HistoryNATSConfig{
		URL:                urls,
		Bucket:             cfg.Tracker.StoreBucket,
		TTL:                time.Duration(cfg.Tracker.StoreTTLSec) * time.Second,
		AllowCreateBuckets: true,
	}
}

// ConfigSource selects file or directory config mode.
// Params: exactly one of file path or directory path.
// Returns: source descriptor for LoadSnapshot.
type ConfigSource struct {
	File string
	Dir  string
}

// FromCLI builds config source from command-line flags.
// Params: file path and directory path (only one may be set).
// Returns: config source or flag validation error.
func FromCLI(filePath, dirPath string) (ConfigSource, error) {
	filePath = strings.TrimSpace(filePath)
	dirPath = strings.TrimSpace(dirPath)

	if filePath == "" && dirPath == "" {
		return ConfigSource{}, errors.New("either --config-file or --config-dir must be provided")
	}
	if filePath != "" && dirPath != "" {
		return ConfigSource{}, errors.New("config source must be either file or dir")
	}

	if filePath != "" {
		return ConfigSource{File: filePath}, nil
	}
	return ConfigSource{Dir: dirPath}, nil
}

// LoadSnapshot loads and validates configuration from one source.
// Params: source selects file or directory mode.
// Returns: validated config or load/validation error.
func LoadSnapshot(src ConfigSource) (Config, error) {
	var cfg Config
	var err error
	if src.File != "" {
		cfg, err = loadFile(src.File)
	} else {
		cfg, err = loadDir(src.Dir)
	}
	if err != nil {
		return Config{}, err
	}
	applyDefaults(&cfg)
	if err := validateConfig(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// BaseDelay returns first retry delay.
func (c TrackerConfig) BaseDelay() time.Duration {
	return time.Duration(c.BaseDelayMS) * time.Millisecond
}

// MaxDelay returns backoff cap.
func (c TrackerConfig) MaxDelay() time.Duration {
	return time.Duration(c.MaxDelayMS) * time.Millisecond
}

// normalizeRawConfig converts raw TOML model to runtime config.
// Params: decoded raw config from file fragment.
// Returns: normalized config snapshot with channels sorted by slot.
func normalizeRawConfig(raw rawConfig) (Config, error) {
	cfg := Config{
		Service:   raw.Service,
		Log:       raw.Log,
		Mesh:      raw.Mesh,
		Router:    raw.Router,
		Queue:     raw.Queue,
		Tracker:   raw.Tracker,
		Transport: raw.Transport,
		Ingest:    raw.Ingest,
	}
	if len(raw.Channel) == 0 {
		return cfg, nil
	}

	names := make([]string, 0, len(raw.Channel))
	for name := range raw.Channel {
		names = append(names, name)
	}
	sort.Strings(names)
	cfg.Channel = make([]ChannelConfig, 0, len(names))
	for _, name := range names {
		body := raw.Channel[name]
		if strings.TrimSpace(body.Name) != "" {
			return Config{}, fmt.Errorf("channel.%s.name is not supported; use [channel.%s] key as channel name", name, name)
		}
		ch := ChannelConfig{
			Name:     name,
			Slot:     body.Slot,
			PSK:      strings.TrimSpace(body.PSK),
			Uplink:   true,
			Downlink: true,
			HopLimit: body.HopLimit,
			TxPower:  defaultTxPower,
			Default:  body.Default,
		}
		if body.Uplink != nil {
			ch.Uplink = *body.Uplink
		}
		if body.Downlink != nil {
			ch.Downlink = *body.Downlink
		}
		if body.TxPower != nil {
			ch.TxPower = *body.TxPower
		}
		cfg.Channel = append(cfg.Channel, ch)
	}
	sort.SliceStable(cfg.Channel, func(i, j int) bool {
		return cfg.Channel[i].Slot < cfg.Channel[j].Slot
	})
	return cfg, nil
}

// rejectUnsupportedSyntax checks forbidden TOML syntax and returns explicit error.
// Params: raw TOML file body.
// Returns: error when unsupported syntax is detected.
func rejectUnsupportedSyntax(body []byte) error {
	if legacyChannelArrayPattern.Match(body) {
		return errors.New("[[channel]] array format is not supported; use [channel.<name>] tables")
	}
	return nil
}

// loadFile reads one TOML configuration file.
// Params: file path to config snapshot.
// Returns: decoded config or read/decode error.
func loadFile(path string) (Config, error) {
	body, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config file %q: %w", path, err)
	}
	if err := rejectUnsupportedSyntax(body); err != nil {
		return Config{}, fmt.Errorf("decode config file %q: %w", path, err)
	}
	var raw rawConfig
	if err := toml.Unmarshal(body, &raw); err != nil {
		return Config{}, fmt.Errorf("decode config file %q: %w", path, err)
	}
	cfg, err := normalizeRawConfig(raw)
	if err != nil {
		return Config{}, fmt.Errorf("decode config file %q: %w", path, err)
	}
	return cfg, nil
}

// loadDir reads and merges TOML files from one directory.
// Params: directory containing config fragments.
// Returns: merged config snapshot or load/decode error.
func loadDir(dir string) (Config, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return Config{}, fmt.Errorf("read config dir %q: %w", dir, err)
	}

	files := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if strings.ToLower(filepath.Ext(name)) != ".toml" {
			continue
		}
		files = append(files, filepath.Join(dir, name))
	}
	if len(files) == 0 {
		return Config{}, fmt.Errorf("no .toml files found in %q", dir)
	}
	sort.Strings(files)

	var merged Config
	for _, file := range files {
		fragment, err := loadFile(file)
		if err != nil {
			return Config{}, err
		}
		if err := mergeConfig(&merged, fragment); err != nil {
			return Config{}, fmt.Errorf("merge config file %q: %w", file, err)
		}
	}
	return merged, nil
}

// mergeConfig overlays source onto destination.
// Params: destination config and next fragment.
// Returns: error when fragments declare the same channel twice.
func mergeConfig(dst *Config, src Config) error {
	overlay(&dst.Service, src.Service)
	overlay(&dst.Log, src.Log)
	overlay(&dst.Mesh, src.Mesh)
	overlay(&dst.Router, src.Router)
	overlay(&dst.Queue, src.Queue)
	overlay(&dst.Tracker, src.Tracker)
	overlay(&dst.Transport.Loopback, src.Transport.Loopback)
	overlay(&dst.Transport.NATS, src.Transport.NATS)
	overlay(&dst.Transport.Kafka, src.Transport.Kafka)
	overlay(&dst.Transport.Webhook, src.Transport.Webhook)
	overlay(&dst.Transport.Telegram, src.Transport.Telegram)
	overlay(&dst.Ingest.HTTP, src.Ingest.HTTP)
	overlay(&dst.Ingest.NATS, src.Ingest.NATS)

	seen := make(map[string]struct{}, len(dst.Channel))
	for _, ch := range dst.Channel {
		seen[ch.Name] = struct{}{}
	}
	for _, ch := range src.Channel {
		if _, dup := seen[ch.Name]; dup {
			return fmt.Errorf("channel %q declared in more than one fragment", ch.Name)
		}
		seen[ch.Name] = struct{}{}
		dst.Channel = append(dst.Channel, ch)
	}
	sort.SliceStable(dst.Channel, func(i, j int) bool {
		return dst.Channel[i].Slot < dst.Channel[j].Slot
	})
	return nil
}

// overlay replaces whole section when fragment declares it.
// Params: destination section pointer and fragment section.
// Returns: none.
func overlay[T any](dst *T, src T) {
	if reflect.ValueOf(src).IsZero() {
		return
	}
	*dst = src
}

// applyDefaults fills omitted settings.
// Params: config pointer to mutate.
// Returns: none.
func applyDefaults(cfg *Config) {
	if strings.TrimSpace(cfg.Service.Name) == "" {
		cfg.Service.Name = defaultServiceName
	}
	if cfg.Service.MaxMessageLength == 0 {
		cfg.Service.MaxMessageLength = defaultMaxMessageLength
	}
	if cfg.Service.ShutdownTimeoutSec <= 0 {
		cfg.Service.ShutdownTimeoutSec = defaultShutdownTimeoutSec
	}

	if cfg.Log.Console.Level == "" {
		cfg.Log.Console.Level = "info"
	}
	if cfg.Log.Console.Format == "" {
		cfg.Log.Console.Format = "line"
	}
	if cfg.Log.File.Level == "" {
		cfg.Log.File.Level = "info"
	}
	if cfg.Log.File.Format == "" {
		cfg.Log.File.Format = "json"
	}
	if !cfg.Log.Console.Enabled && !cfg.Log.File.Enabled {
		cfg.Log.Console.Enabled = true
	}

	if cfg.Mesh.HealthCheckIntervalSec <= 0 {
		cfg.Mesh.HealthCheckIntervalSec = defaultMeshCheckSec
	}
	if cfg.Mesh.ResponseWindow <= 0 {
		cfg.Mesh.ResponseWindow = defaultResponseWindow
	}
	if cfg.Mesh.ErrorLogSize <= 0 {
		cfg.Mesh.ErrorLogSize = defaultErrorLogSize
	}

	cfg.Router.Policy = NormalizePolicy(cfg.Router.Policy)
	if cfg.Router.Policy == "" {
		cfg.Router.Policy = PolicyAll
	}
	if cfg.Router.HealthCheckIntervalSec <= 0 {
		cfg.Router.HealthCheckIntervalSec = defaultRouterCheckSec
	}
	if cfg.Router.HistorySize <= 0 {
		cfg.Router.HistorySize = defaultRouterHistory
	}
	if cfg.Router.UnhealthyAfter <= 0 {
		cfg.Router.UnhealthyAfter = defaultUnhealthyAfter
	}

	if cfg.Queue.Capacity <= 0 {
		cfg.Queue.Capacity = defaultQueueCapacity
	}
	if cfg.Queue.Workers <= 0 {
		cfg.Queue.Workers = defaultQueueWorkers
	}
	if cfg.Queue.DequeueTimeoutMS <= 0 {
		cfg.Queue.DequeueTimeoutMS = defaultDequeueTimeoutMS
	}

	if cfg.Tracker.MaxRetries == 0 {
		cfg.Tracker.MaxRetries = defaultTrackerMaxRetries
	}
	if cfg.Tracker.BaseDelayMS <= 0 {
		cfg.Tracker.BaseDelayMS = defaultTrackerBaseDelayMS
	}
	if cfg.Tracker.MaxDelayMS <= 0 {
		cfg.Tracker.MaxDelayMS = defaultTrackerMaxDelayMS
	}
	if cfg.Tracker.SweepIntervalSec <= 0 {
		cfg.Tracker.SweepIntervalSec = defaultTrackerSweepSec
	}
	if cfg.Tracker.RetentionSec <= 0 {
		cfg.Tracker.RetentionSec = defaultTrackerRetentionSec
	}
	if cfg.Tracker.StaleSec <= 0 {
		cfg.Tracker.StaleSec = defaultTrackerStaleSec
	}
	if cfg.Tracker.HistorySize <= 0 {
		cfg.Tracker.HistorySize = defaultTrackerHistory
	}
	cfg.Tracker.Store = strings.ToLower(strings.TrimSpace(cfg.Tracker.Store))
	if cfg.Tracker.Store == "" {
		cfg.Tracker.Store = StoreMemory
	}
	if strings.TrimSpace(cfg.Tracker.StoreBucket) == "" {
		cfg.Tracker.StoreBucket = defaultHistoryBucket
	}
	if cfg.Tracker.StoreTTLSec <= 0 {
		cfg.Tracker.StoreTTLSec = defaultHistoryTTLSec
	}

	for i := range cfg.Channel {
		if cfg.Channel[i].HopLimit == 0 {
			cfg.Channel[i].HopLimit = defaultHopLimit
		}
	}

	fillLinkDefaults(&cfg.Transport.Loopback.LinkConfig)
	fillLinkDefaults(&cfg.Transport.NATS.LinkConfig)
	fillLinkDefaults(&cfg.Transport.Kafka.LinkConfig)
	fillLinkDefaults(&cfg.Transport.Webhook.LinkConfig)
	fillLinkDefaults(&cfg.Transport.Telegram.LinkConfig)
	cfg.Transport.NATS.URL = normalizeNATSURLs(cfg.Transport.NATS.URL)
	if len(cfg.Transport.NATS.URL) == 0 {
		cfg.Transport.NATS.URL = []string{defaultNATSURL}
	}
	if strings.TrimSpace(cfg.Transport.NATS.SubjectPrefix) == "" {
		cfg.Transport.NATS.SubjectPrefix = defaultMeshSubjectPrefix
	}
	if strings.TrimSpace(cfg.Transport.Kafka.Topic) == "" {
		cfg.Transport.Kafka.Topic = defaultKafkaTopic
	}
	if cfg.Transport.Kafka.BatchTimeoutMS <= 0 {
		cfg.Transport.Kafka.BatchTimeoutMS = defaultKafkaBatchTimeoutMS
	}
	if cfg.Transport.Webhook.TimeoutSec <= 0 {
		cfg.Transport.Webhook.TimeoutSec = defaultWebhookTimeoutSec
	}
	if strings.TrimSpace(cfg.Transport.Telegram.APIBase) == "" {
		cfg.Transport.Telegram.APIBase = defaultTelegramAPIBase
	}

	if strings.TrimSpace(cfg.Ingest.HTTP.Listen) == "" {
		cfg.Ingest.HTTP.Listen = defaultHTTPListen
	}
	if strings.TrimSpace(cfg.Ingest.HTTP.HealthPath) == "" {
		cfg.Ingest.HTTP.HealthPath = defaultHealthPath
	}
	if strings.TrimSpace(cfg.Ingest.HTTP.ReadyPath) == "" {
		cfg.Ingest.HTTP.ReadyPath = defaultReadyPath
	}
	if strings.TrimSpace(cfg.Ingest.HTTP.AlertsPath) == "" {
		cfg.Ingest.HTTP.AlertsPath = defaultAlertsPath
	}
	if strings.TrimSpace(cfg.Ingest.HTTP.StatsPath) == "" {
		cfg.Ingest.HTTP.StatsPath = defaultStatsPath
	}
	if strings.TrimSpace(cfg.Ingest.HTTP.MetricsPath) == "" {
		cfg.Ingest.HTTP.MetricsPath = defaultMetricsPath
	}
	if cfg.Ingest.HTTP.MaxBodyBytes <= 0 {
		cfg.Ingest.HTTP.MaxBodyBytes = defaultMaxBodyBytes
	}

	cfg.Ingest.NATS.URL = normalizeNATSURLs(cfg.Ingest.NATS.URL)
	if cfg.Ingest.NATS.Enabled && len(cfg.Ingest.NATS.URL) == 0 {
		cfg.Ingest.NATS.URL = []string{defaultNATSURL}
	}
	if strings.TrimSpace(cfg.Ingest.NATS.Subject) == "" {
		cfg.Ingest.NATS.Subject = defaultNATSSubject
	}
	if strings.TrimSpace(cfg.Ingest.NATS.Stream) == "" {
		cfg.Ingest.NATS.Stream = defaultNATSIngestStream
	}
	if strings.TrimSpace(cfg.Ingest.NATS.ConsumerName) == "" {
		cfg.Ingest.NATS.ConsumerName = defaultNATSIngestConsumer
	}
	if strings.TrimSpace(cfg.Ingest.NATS.DeliverGroup) == "" {
		cfg.Ingest.NATS.DeliverGroup = defaultNATSIngestGroup
	}
	if cfg.Ingest.NATS.Workers <= 0 {
		cfg.Ingest.NATS.Workers = defaultNATSIngestWorkers
	}
	if cfg.Ingest.NATS.AckWaitSec <= 0 {
		cfg.Ingest.NATS.AckWaitSec = defaultNATSAckWaitSec
	}
	if cfg.Ingest.NATS.NackDelayMS == 0 {
		cfg.Ingest.NATS.NackDelayMS = defaultNATSNackDelayMS
	}
	if cfg.Ingest.NATS.MaxDeliver == 0 {
		cfg.Ingest.NATS.MaxDeliver = defaultNATSMaxDeliver
	}
	if cfg.Ingest.NATS.MaxAckPending <= 0 {
		cfg.Ingest.NATS.MaxAckPending = defaultNATSMaxAckPending
	}
	cfg.Ingest.NATS.DLQSubject = strings.TrimSpace(cfg.Ingest.NATS.DLQSubject)
	if cfg.Ingest.NATS.DLQSubject != "" && strings.TrimSpace(cfg.Ingest.NATS.DLQStream) == "" {
		cfg.Ingest.NATS.DLQStream = defaultNATSIngestDLQStream
	}
}

// fillLinkDefaults fills shared transport defaults.
// Params: link settings pointer.
// Returns: none.
func fillLinkDefaults(link *LinkConfig) {
	link.Priority = strings.ToLower(strings.TrimSpace(link.Priority))
	if link.Priority == "" {
		link.Priority = "medium"
	}
	if link.ConnectTimeoutSec <= 0 {
		link.ConnectTimeoutSec = defaultConnectTimeoutSec
	}
	if link.RatePerSec > 0 && link.Burst <= 0 {
		link.Burst = 1
	}
}

// validateConfig checks cross-field invariants.
// Params: config after defaults.
// Returns: first validation error.
func validateConfig(cfg Config) error {
	if len(cfg.Channel) == 0 {
		return errors.New("at least one [channel.<name>] table is required")
	}
	if cfg.Service.MaxMessageLength < minMaxMessageLength {
		return fmt.Errorf("service.max_message_length must be >=%d", minMaxMessageLength)
	}
	defaults := 0
	for _, ch := range cfg.Channel {
		if ch.Default {
			defaults++
		}
	}
	if defaults > 1 {
		return errors.New("at most one channel may set default = true")
	}

	if _, ok := supportedPolicies[cfg.Router.Policy]; !ok {
		return fmt.Errorf("router.policy has unsupported value %q", cfg.Router.Policy)
	}
	if cfg.Tracker.MaxRetries < 0 {
		return errors.New("tracker.max_retries must be >=0")
	}
	if cfg.Tracker.MaxDelayMS < cfg.Tracker.BaseDelayMS {
		return errors.New("tracker.max_delay_ms must be >= tracker.base_delay_ms")
	}
	if cfg.Tracker.StaleSec < cfg.Tracker.RetentionSec {
		return errors.New("tracker.stale_sec must be >= tracker.retention_sec")
	}
	switch cfg.Tracker.Store {
	case StoreMemory, StoreNATS:
	default:
		return fmt.Errorf("tracker.store has unsupported value %q", cfg.Tracker.Store)
	}

	enabled := 0
	primaries := 0
	for _, kind := range TransportOrder {
		link := cfg.Transport.Link(kind)
		if !link.Enabled {
			continue
		}
		enabled++
		if link.Primary {
			primaries++
		}
		if _, ok := supportedPriorities[link.Priority]; !ok {
			return fmt.Errorf("transport.%s.priority has unsupported value %q", kind, link.Priority)
		}
		if link.RatePerSec < 0 {
			return fmt.Errorf("transport.%s.rate_per_sec must be >=0", kind)
		}
	}
	if enabled == 0 {
		return errors.New("at least one transport must be enabled")
	}
	if primaries > 1 {
		return errors.New("at most one transport may set primary = true")
	}
	if cfg.Transport.Kafka.Enabled && len(cfg.Transport.Kafka.Brokers) == 0 {
		return errors.New("transport.kafka.brokers is required when transport.kafka.enabled=true")
	}
	if cfg.Transport.Webhook.Enabled && strings.TrimSpace(cfg.Transport.Webhook.URL) == "" {
		return errors.New("transport.webhook.url is required when transport.webhook.enabled=true")
	}
	if cfg.Transport.Telegram.Enabled {
		if strings.TrimSpace(cfg.Transport.Telegram.BotToken) == "" {
			return errors.New("transport.telegram.bot_token is required when transport.telegram.enabled=true")
		}
		if strings.TrimSpace(cfg.Transport.Telegram.ChatID) == "" {
			return errors.New("transport.telegram.chat_id is required when transport.telegram.enabled=true")
		}
	}

	if cfg.Ingest.HTTP.Enabled && strings.TrimSpace(cfg.Ingest.HTTP.Listen) == "" {
		return errors.New("ingest.http.listen is required")
	}
	if cfg.Ingest.NATS.Enabled {
		if cfg.Ingest.NATS.NackDelayMS < 0 {
			return errors.New("ingest.nats.nack_delay_ms must be >=0")
		}
		if cfg.Ingest.NATS.MaxDeliver == 0 || cfg.Ingest.NATS.MaxDeliver < -1 {
			return errors.New("ingest.nats.max_deliver must be -1 or >0")
		}
		if cfg.Ingest.NATS.DLQSubject != "" && cfg.Ingest.NATS.DLQSubject == cfg.Ingest.NATS.Subject {
			return errors.New("ingest.nats.dlq_subject must differ from ingest.nats.subject")
		}
	}
	return nil
}

// Link returns shared settings for transport kind.
// Params: transport kind name.
// Returns: link settings (zero value for unknown kind).
func (t TransportConfig) Link(kind string) LinkConfig {
	switch kind {
	case TransportLoopback:
		return t.Loopback.LinkConfig
	case TransportNATS:
		return t.NATS.LinkConfig
	case TransportKafka:
		return t.Kafka.LinkConfig
	case TransportWebhook:
		return t.Webhook.LinkConfig
	case TransportTelegram:
		return t.Telegram.LinkConfig
	default:
		return LinkConfig{}
	}
}

// NormalizePolicy lower-cases routing policy names.
// Params: raw policy value.
// Returns: normalized value (dashes become underscores).
func NormalizePolicy(value string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimSpace(value)), "-", "_")
}

// normalizeNATSURLs trims spaces and drops empty NATS URLs.
// Params: raw URL list from config.
// Returns: normalized URL list.
func normalizeNATSURLs(urls []string) []string {
	if len(urls) == 0 {
		return nil
	}
	out := make([]string, 0, len(urls))
	for i := range urls {
		trimmed := strings.TrimSpace(urls[i])
		if trimmed == "" {
			continue
		}
		out = append(out, trimmed)
	}
	return out
}
