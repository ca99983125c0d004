package config

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

const (
	defaultLogLevel          = "info"
	defaultLogFormat         = "line"
	defaultMaxStringLength   = 1000
	defaultDedupWindow       = time.Hour
	defaultDedupCapacity     = 100
	defaultSampleEvery       = 10
	defaultGateThreshold     = 0.5
	defaultQueueThreshold    = 0.6
	defaultDisableThreshold  = 0.8
	defaultTokenTTL          = time.Hour
	defaultControlTokenTTL   = 24 * time.Hour
	defaultIssuer            = "beacon"
	defaultAudience          = "telemetry-ingest"
	defaultControlScope      = "telemetry:read telemetry:write"
	defaultSendTimeout       = 5 * time.Second
	defaultBackgroundTimeout = 30 * time.Second
	defaultMaxRetries        = 3
	defaultBackoffBase       = time.Second
	defaultBackoffMax        = 30 * time.Second
	defaultMaxConcurrent     = 4
	defaultScheduleDelay     = time.Second
	defaultMaxScheduled      = 256
	defaultAsyncWait         = 10 * time.Millisecond
	defaultBatchSize         = 2
	defaultFlushInterval     = 5 * time.Second
	defaultMaxAttempts       = 3
	defaultSweepEvery        = time.Minute
	defaultSweepBatch        = 5
	defaultFallbackMaxItems  = 10000
	defaultRedisDialTimeout  = 3 * time.Second
	defaultRedisKeyPrefix    = "beacon:"
	defaultControlListen     = "127.0.0.1:9470"
)

// Known delivery channel names in default preference order.
const (
	ChannelScheduled = "scheduled"
	ChannelAsync     = "async"
	ChannelFallback  = "fallback"
)

// Duration wraps time.Duration for TOML parsing.
// Params: text duration string (e.g. "5s", "1m").
// Returns: parse error on invalid duration.
type Duration struct {
	time.Duration
}

// UnmarshalText parses TOML duration values.
// Params: text is raw duration bytes from TOML.
// Returns: error when value is not a valid Go duration.
func (d *Duration) UnmarshalText(text []byte) error {
	value := strings.TrimSpace(string(text))
	if value == "" {
		d.Duration = 0
		return nil
	}

	parsed, err := time.ParseDuration(value)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", value, err)
	}

	d.Duration = parsed
	return nil
}

// Config represents the root agent configuration.
// Params: TOML document sections.
// Returns: validated runtime configuration.
type Config struct {
	Global       GlobalConfig       `toml:"global"`
	Log          LogConfig          `toml:"log"`
	Telemetry    TelemetryConfig    `toml:"telemetry"`
	Dedup        DedupConfig        `toml:"dedup"`
	Backpressure BackpressureConfig `toml:"backpressure"`
	Auth         AuthConfig         `toml:"auth"`
	Sender       SenderConfig       `toml:"sender"`
	Delivery     DeliveryConfig     `toml:"delivery"`
	Fallback     FallbackConfig     `toml:"fallback"`
	State        StateConfig        `toml:"state"`
	Filter       FilterConfig       `toml:"filter"`
	Control      ControlConfig      `toml:"control"`
}

// GlobalConfig contains process-wide identity attached to every event.
// Params: configured release/environment/host identity.
// Returns: static event identity settings.
type GlobalConfig struct {
	Release     string `toml:"release"`
	Environment string `toml:"environment"`
	ServerName  string `toml:"server_name"`
	Component   string `toml:"component"`
}

// LogConfig contains console/file logging configuration.
// Params: console and file sink options.
// Returns: logger sink settings.
type LogConfig struct {
	Console LogSinkConfig `toml:"console"`
	File    LogSinkConfig `toml:"file"`
}

// LogSinkConfig defines one logging sink.
// Params: sink options from TOML.
// Returns: sink setup.
type LogSinkConfig struct {
	Enabled bool   `toml:"enabled"`
	Level   string `toml:"level"`
	Format  string `toml:"format"`
	Path    string `toml:"path"`
}

// TelemetryConfig holds the master switch and ingestion endpoint identity.
// Params: enable flags, endpoint URL and outbound identification headers.
// Returns: telemetry runtime settings.
type TelemetryConfig struct {
	Enabled           *bool  `toml:"enabled"`
	DisableOnLocalDev bool   `toml:"disable_on_local_dev"`
	Endpoint          string `toml:"endpoint"`
	SourceIdentity    string `toml:"source_identity"`
	PluginVersion     string `toml:"plugin_version"`
	MaxStringLength   int    `toml:"max_string_length"`
}

// IsEnabled reports the effective telemetry switch.
// Params: none.
// Returns: true unless telemetry.enabled is explicitly false.
func (t TelemetryConfig) IsEnabled() bool {
	return t.Enabled == nil || *t.Enabled
}

// DedupConfig defines the duplicate suppression window and store.
// Params: window, bounded capacity and backend selector.
// Returns: dedup gate settings.
type DedupConfig struct {
	Window   Duration `toml:"window"`
	Capacity int      `toml:"capacity"`
	Backend  string   `toml:"backend"`
}

// BackpressureConfig defines memory sampling and gating thresholds.
// Params: sampler source, sampling stride and usage fractions.
// Returns: backpressure monitor settings.
type BackpressureConfig struct {
	Source           string  `toml:"source"`
	SampleEvery      uint64  `toml:"sample_every"`
	GateThreshold    float64 `toml:"gate_threshold"`
	QueueThreshold   float64 `toml:"queue_threshold"`
	DisableThreshold float64 `toml:"disable_threshold"`
	MemoryLimit      uint64  `toml:"memory_limit"`
}

// AuthConfig defines bearer token signing and the control-plane key exchange.
// Params: signing secret, claims identity, token lifetimes and static API key.
// Returns: authenticator settings.
type AuthConfig struct {
	Secret          string   `toml:"secret"`
	Issuer          string   `toml:"issuer"`
	Audience        string   `toml:"audience"`
	TokenTTL        Duration `toml:"token_ttl"`
	ControlTokenTTL Duration `toml:"control_token_ttl"`
	ControlAPIKey   string   `toml:"control_api_key"`
	ControlScope    string   `toml:"control_scope"`
}

// SenderConfig defines outbound HTTP delivery behavior.
// Params: timeouts, retry/backoff policy, concurrency cap and compression.
// Returns: sender settings.
type SenderConfig struct {
	Timeout           Duration `toml:"timeout"`
	BackgroundTimeout Duration `toml:"background_timeout"`
	MaxRetries        uint     `toml:"max_retries"`
	BackoffBase       Duration `toml:"backoff_base"`
	BackoffMax        Duration `toml:"backoff_max"`
	Jitter            float64  `toml:"jitter"`
	MaxConcurrent     int64    `toml:"max_concurrent"`
	Compression       string   `toml:"compression"`
}

// DeliveryConfig defines channel preference and in-memory batching.
// Params: ordered channel list, scheduler/async knobs and batch limits.
// Returns: delivery settings.
type DeliveryConfig struct {
	Channels      []string `toml:"channels"`
	ScheduleDelay Duration `toml:"schedule_delay"`
	MaxScheduled  int      `toml:"max_scheduled"`
	AsyncWait     Duration `toml:"async_wait"`
	BatchSize     int      `toml:"batch_size"`
	FlushInterval Duration `toml:"flush_interval"`
	MaxAttempts   int      `toml:"max_attempts"`
}

// FallbackConfig defines the durable on-disk fallback queue.
// Params: directory, sweep cadence/batch and queue limits.
// Returns: fallback queue settings.
type FallbackConfig struct {
	Enabled    bool     `toml:"enabled"`
	Dir        string   `toml:"dir"`
	SweepEvery Duration `toml:"sweep_every"`
	SweepBatch int      `toml:"sweep_batch"`
	MaxRecords uint64   `toml:"max_records"`
	MaxAge     Duration `toml:"max_age"`
	Requeue    bool     `toml:"requeue"`
}

// StateConfig selects the key-value store used for shared transient state.
// Params: backend name and redis connection settings.
// Returns: state store settings.
type StateConfig struct {
	Backend string      `toml:"backend"`
	Redis   RedisConfig `toml:"redis"`
}

// RedisConfig contains Redis connection options.
// Params: address, credentials, database index and key prefix.
// Returns: redis endpoint settings.
type RedisConfig struct {
	Addr        string   `toml:"addr"`
	Password    string   `toml:"password"`
	DB          int      `toml:"db"`
	KeyPrefix   string   `toml:"key_prefix"`
	DialTimeout Duration `toml:"dial_timeout"`
}

// FilterConfig holds drop_event expressions evaluated before dedup.
// Params: list of expressions in format <field><op><value>.
// Returns: filter settings.
type FilterConfig struct {
	DropEvent []string `toml:"drop_event"`
}

// ControlConfig defines the local control-plane listeners.
// Params: HTTP/gRPC listen addresses and optional debug surfaces.
// Returns: control plane settings.
type ControlConfig struct {
	Enabled    bool   `toml:"enabled"`
	Listen     string `toml:"listen"`
	GRPCListen string `toml:"grpc_listen"`
	Pprof      bool   `toml:"pprof"`
	Metrics    bool   `toml:"metrics"`
}

// Load reads, expands, validates, and returns config from path.
// Params: path to TOML config file or directory with *.toml files.
// Returns: validated config pointer or error.
func Load(path string) (*Config, error) {
	raw, err := readConfigSource(path)
	if err != nil {
		return nil, err
	}

	expanded := os.ExpandEnv(string(raw))

	var cfg Config
	if err := toml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("decode TOML %q: %w", path, err)
	}

	if err := cfg.applyDefaults(); err != nil {
		return nil, err
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// readConfigSource reads one TOML file or concatenates *.toml files from directory.
// Params: path to config file or directory.
// Returns: raw TOML bytes or error.
func readConfigSource(path string) ([]byte, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat config %q: %w", path, err)
	}

	if !info.IsDir() {
		raw, readErr := os.ReadFile(path)
		if readErr != nil {
			return nil, fmt.Errorf("read config %q: %w", path, readErr)
		}
		return raw, nil
	}

	return readConfigDir(path)
}

// readConfigDir concatenates config snippets from one directory.
// Params: path to directory that contains *.toml files.
// Returns: concatenated TOML content or error.
func readConfigDir(path string) ([]byte, error) {
	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, fmt.Errorf("read config dir %q: %w", path, err)
	}

	files := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if strings.EqualFold(filepath.Ext(entry.Name()), ".toml") {
			files = append(files, entry.Name())
		}
	}

	sort.Strings(files)
	if len(files) == 0 {
		return nil, fmt.Errorf("read config dir %q: no *.toml files", path)
	}

	var builder strings.Builder
	for _, name := range files {
		filePath := filepath.Join(path, name)
		raw, readErr := os.ReadFile(filePath)
		if readErr != nil {
			return nil, fmt.Errorf("read config %q: %w", filePath, readErr)
		}
		builder.Write(raw)
		if len(raw) == 0 || raw[len(raw)-1] != '\n' {
			builder.WriteByte('\n')
		}
		builder.WriteByte('\n')
	}

	return []byte(builder.String()), nil
}

// applyDefaults fills defaults for optional configuration fields.
// Params: receiver config pointer.
// Returns: error if defaulting needs host lookup and it fails.
func (c *Config) applyDefaults() error {
	c.Log.Console.Level = lowerOrDefault(c.Log.Console.Level, defaultLogLevel)
	c.Log.Console.Format = lowerOrDefault(c.Log.Console.Format, defaultLogFormat)
	c.Log.File.Level = lowerOrDefault(c.Log.File.Level, defaultLogLevel)
	c.Log.File.Format = lowerOrDefault(c.Log.File.Format, "json")

	if !c.Log.Console.Enabled && !c.Log.File.Enabled {
		c.Log.Console.Enabled = true
	}

	if strings.TrimSpace(c.Global.ServerName) == "" {
		host, err := os.Hostname()
		if err != nil {
			return fmt.Errorf("resolve hostname: %w", err)
		}
		c.Global.ServerName = host
	}
	c.Global.Environment = lowerOrDefault(c.Global.Environment, "production")

	if c.Telemetry.Enabled == nil {
		c.Telemetry.Enabled = boolPtr(true)
	}
	if c.Telemetry.MaxStringLength <= 0 {
		c.Telemetry.MaxStringLength = defaultMaxStringLength
	}

	if c.Dedup.Window.Duration <= 0 {
		c.Dedup.Window.Duration = defaultDedupWindow
	}
	if c.Dedup.Capacity <= 0 {
		c.Dedup.Capacity = defaultDedupCapacity
	}
	c.Dedup.Backend = lowerOrDefault(c.Dedup.Backend, "memory")

	c.Backpressure.Source = lowerOrDefault(c.Backpressure.Source, "process")
	if c.Backpressure.SampleEvery == 0 {
		c.Backpressure.SampleEvery = defaultSampleEvery
	}
	if c.Backpressure.GateThreshold == 0 {
		c.Backpressure.GateThreshold = defaultGateThreshold
	}
	if c.Backpressure.QueueThreshold == 0 {
		c.Backpressure.QueueThreshold = defaultQueueThreshold
	}
	if c.Backpressure.DisableThreshold == 0 {
		c.Backpressure.DisableThreshold = defaultDisableThreshold
	}

	if strings.TrimSpace(c.Auth.Issuer) == "" {
		c.Auth.Issuer = defaultIssuer
	}
	if strings.TrimSpace(c.Auth.Audience) == "" {
		c.Auth.Audience = defaultAudience
	}
	if c.Auth.TokenTTL.Duration <= 0 {
		c.Auth.TokenTTL.Duration = defaultTokenTTL
	}
	if c.Auth.ControlTokenTTL.Duration <= 0 {
		c.Auth.ControlTokenTTL.Duration = defaultControlTokenTTL
	}
	if strings.TrimSpace(c.Auth.ControlScope) == "" {
		c.Auth.ControlScope = defaultControlScope
	}

	if c.Sender.Timeout.Duration <= 0 {
		c.Sender.Timeout.Duration = defaultSendTimeout
	}
	if c.Sender.BackgroundTimeout.Duration <= 0 {
		c.Sender.BackgroundTimeout.Duration = defaultBackgroundTimeout
	}
	if c.Sender.MaxRetries == 0 {
		c.Sender.MaxRetries = defaultMaxRetries
	}
	if c.Sender.BackoffBase.Duration <= 0 {
		c.Sender.BackoffBase.Duration = defaultBackoffBase
	}
	if c.Sender.BackoffMax.Duration <= 0 {
		c.Sender.BackoffMax.Duration = defaultBackoffMax
	}
	if c.Sender.MaxConcurrent <= 0 {
		c.Sender.MaxConcurrent = defaultMaxConcurrent
	}
	c.Sender.Compression = lowerOrDefault(c.Sender.Compression, "none")

	if len(c.Delivery.Channels) == 0 {
		c.Delivery.Channels = []string{ChannelScheduled, ChannelAsync, ChannelFallback}
	}
	for idx := range c.Delivery.Channels {
		c.Delivery.Channels[idx] = strings.ToLower(strings.TrimSpace(c.Delivery.Channels[idx]))
	}
	if c.Delivery.ScheduleDelay.Duration <= 0 {
		c.Delivery.ScheduleDelay.Duration = defaultScheduleDelay
	}
	if c.Delivery.MaxScheduled <= 0 {
		c.Delivery.MaxScheduled = defaultMaxScheduled
	}
	if c.Delivery.AsyncWait.Duration <= 0 {
		c.Delivery.AsyncWait.Duration = defaultAsyncWait
	}
	if c.Delivery.BatchSize <= 0 {
		c.Delivery.BatchSize = defaultBatchSize
	}
	if c.Delivery.FlushInterval.Duration <= 0 {
		c.Delivery.FlushInterval.Duration = defaultFlushInterval
	}
	if c.Delivery.MaxAttempts <= 0 {
		c.Delivery.MaxAttempts = defaultMaxAttempts
	}

	if c.Fallback.SweepEvery.Duration <= 0 {
		c.Fallback.SweepEvery.Duration = defaultSweepEvery
	}
	if c.Fallback.SweepBatch <= 0 {
		c.Fallback.SweepBatch = defaultSweepBatch
	}
	if c.Fallback.MaxRecords == 0 && c.Fallback.MaxAge.Duration <= 0 {
		c.Fallback.MaxRecords = defaultFallbackMaxItems
	}

	c.State.Backend = lowerOrDefault(c.State.Backend, "memory")
	if c.State.Redis.DialTimeout.Duration <= 0 {
		c.State.Redis.DialTimeout.Duration = defaultRedisDialTimeout
	}
	if strings.TrimSpace(c.State.Redis.KeyPrefix) == "" {
		c.State.Redis.KeyPrefix = defaultRedisKeyPrefix
	}

	if c.Control.Enabled && strings.TrimSpace(c.Control.Listen) == "" {
		c.Control.Listen = defaultControlListen
	}

	return nil
}

// validate checks config consistency and required fields.
// Params: receiver config pointer.
// Returns: validation error for invalid or incomplete config.
func (c *Config) validate() error {
	if strings.TrimSpace(c.Global.ServerName) == "" {
		return fmt.Errorf("global.server_name resolved to empty value")
	}

	if err := validateSink("log.console", c.Log.Console, false); err != nil {
		return err
	}
	if err := validateSink("log.file", c.Log.File, true); err != nil {
		return err
	}

	if c.Telemetry.IsEnabled() {
		if err := validateEndpoint("telemetry.endpoint", c.Telemetry.Endpoint); err != nil {
			return err
		}
	}

	switch c.Dedup.Backend {
	case "memory", "state":
	default:
		return fmt.Errorf("dedup.backend: unsupported value %q", c.Dedup.Backend)
	}

	switch c.Backpressure.Source {
	case "process", "host":
	default:
		return fmt.Errorf("backpressure.source: unsupported value %q", c.Backpressure.Source)
	}
	if err := validateFraction("backpressure.gate_threshold", c.Backpressure.GateThreshold); err != nil {
		return err
	}
	if err := validateFraction("backpressure.queue_threshold", c.Backpressure.QueueThreshold); err != nil {
		return err
	}
	if err := validateFraction("backpressure.disable_threshold", c.Backpressure.DisableThreshold); err != nil {
		return err
	}

	if c.Auth.ControlTokenTTL.Duration < c.Auth.TokenTTL.Duration {
		return fmt.Errorf("auth.control_token_ttl must be >= auth.token_ttl")
	}

	switch c.Sender.Compression {
	case "none", "gzip", "zstd":
	default:
		return fmt.Errorf("sender.compression: unsupported value %q", c.Sender.Compression)
	}
	if c.Sender.Jitter < 0 || c.Sender.Jitter >= 1 {
		return fmt.Errorf("sender.jitter must be in range [0,1)")
	}

	usesFallback := false
	seen := make(map[string]struct{}, len(c.Delivery.Channels))
	for idx, name := range c.Delivery.Channels {
		switch name {
		case ChannelScheduled, ChannelAsync:
		case ChannelFallback:
			usesFallback = true
		default:
			return fmt.Errorf("delivery.channels[%d]: unsupported value %q", idx, name)
		}
		if _, dup := seen[name]; dup {
			return fmt.Errorf("delivery.channels[%d]: duplicate channel %q", idx, name)
		}
		seen[name] = struct{}{}
	}

	if usesFallback && c.Fallback.Enabled && strings.TrimSpace(c.Fallback.Dir) == "" {
		return fmt.Errorf("fallback.dir is required when fallback is enabled")
	}

	switch c.State.Backend {
	case "memory":
		if c.Dedup.Backend == "state" {
			return fmt.Errorf("dedup.backend=state requires a shared state.backend, got %q", c.State.Backend)
		}
	case "redis":
		if err := validateHostPort("state.redis.addr", c.State.Redis.Addr); err != nil {
			return err
		}
	default:
		return fmt.Errorf("state.backend: unsupported value %q", c.State.Backend)
	}

	if c.Control.Enabled {
		if err := validateHostPort("control.listen", c.Control.Listen); err != nil {
			return err
		}
		if strings.TrimSpace(c.Control.GRPCListen) != "" {
			if err := validateHostPort("control.grpc_listen", c.Control.GRPCListen); err != nil {
				return err
			}
		}
	}

	for idx, expression := range c.Filter.DropEvent {
		if strings.TrimSpace(expression) == "" {
			return fmt.Errorf("filter.drop_event[%d] cannot be empty", idx)
		}
	}

	return nil
}

// validateSink validates one logging sink configuration.
// Params: name is sink path for errors; sink is sink config; requirePath means path required when enabled.
// Returns: validation error or nil.
func validateSink(name string, sink LogSinkConfig, requirePath bool) error {
	if sink.Enabled && requirePath && strings.TrimSpace(sink.Path) == "" {
		return fmt.Errorf("%s.path is required when sink is enabled", name)
	}

	if err := validateLogLevel(sink.Level); err != nil {
		return fmt.Errorf("%s.level: %w", name, err)
	}
	if err := validateLogFormat(sink.Format); err != nil {
		return fmt.Errorf("%s.format: %w", name, err)
	}

	return nil
}

// validateLogLevel validates known log levels.
// Params: level is lower-case level name.
// Returns: error when level is unsupported.
func validateLogLevel(level string) error {
	switch strings.TrimSpace(strings.ToLower(level)) {
	case "info", "warn", "error", "debug":
		return nil
	default:
		return fmt.Errorf("unsupported value %q", level)
	}
}

// validateLogFormat validates supported sink formats.
// Params: format is lower-case format name.
// Returns: error when format is unsupported.
func validateLogFormat(format string) error {
	switch strings.TrimSpace(strings.ToLower(format)) {
	case "line", "json":
		return nil
	default:
		return fmt.Errorf("unsupported value %q", format)
	}
}

// validateEndpoint validates the ingestion endpoint URL.
// Params: fieldPath full config field path; raw configured URL.
// Returns: validation error or nil.
func validateEndpoint(fieldPath string, raw string) error {
	value := strings.TrimSpace(raw)
	if value == "" {
		return fmt.Errorf("%s is required when telemetry is enabled", fieldPath)
	}
	parsed, err := url.Parse(value)
	if err != nil {
		return fmt.Errorf("%s: %w", fieldPath, err)
	}
	if parsed.Scheme != "https" && parsed.Scheme != "http" {
		return fmt.Errorf("%s: scheme must be http or https, got %q", fieldPath, parsed.Scheme)
	}
	if parsed.Host == "" {
		return fmt.Errorf("%s: host is empty", fieldPath)
	}
	return nil
}

// validateHostPort validates host:port listen or dial addresses.
// Params: fieldPath full config field path; value address.
// Returns: validation error or nil.
func validateHostPort(fieldPath string, value string) error {
	if strings.TrimSpace(value) == "" {
		return fmt.Errorf("%s is required", fieldPath)
	}
	if _, _, err := net.SplitHostPort(value); err != nil {
		return fmt.Errorf("%s: %w", fieldPath, err)
	}
	return nil
}

// validateFraction validates usage threshold values in range (0,1].
// Params: fieldPath full config field path; value threshold.
// Returns: validation error or nil.
func validateFraction(fieldPath string, value float64) error {
	if value <= 0 || value > 1 {
		return fmt.Errorf("%s must be in range (0,1], got %v", fieldPath, value)
	}
	return nil
}

// lowerOrDefault returns a trimmed lower-case value or default fallback.
// Params: value to normalize; fallback value when empty.
// Returns: normalized value.
func lowerOrDefault(value, fallback string) string {
	normalized := strings.ToLower(strings.TrimSpace(value))
	if normalized == "" {
		return fallback
	}
	return normalized
}

// boolPtr returns pointer to provided bool value.
// Params: value to allocate.
// Returns: pointer to copied value.
func boolPtr(value bool) *bool {
	copied := value
	return &copied
}
