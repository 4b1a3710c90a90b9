package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/telekom/audit-relay/pkg/audit"
)

// EnvConfigPath overrides the default config file location.
const EnvConfigPath = "AUDIT_RELAY_CONFIG_PATH"

const defaultConfigPath = "./config.yaml"

type Server struct {
	ListenAddress  string   `yaml:"listenAddress"`
	TrustedProxies []string `yaml:"trustedProxies"` // IPs/CIDRs to trust for X-Forwarded-For headers
	// AllowedOrigins enables CORS for browser-based producers. Empty disables CORS.
	AllowedOrigins []string  `yaml:"allowedOrigins"`
	RateLimit      RateLimit `yaml:"rateLimit"`
	// Durations, e.g. "15s".
	ReadTimeout     string `yaml:"readTimeout"`
	WriteTimeout    string `yaml:"writeTimeout"`
	ShutdownTimeout string `yaml:"shutdownTimeout"`
}

type RateLimit struct {
	Enabled bool    `yaml:"enabled"`
	Rate    float64 `yaml:"rate"`
	Burst   int     `yaml:"burst"`
	// KeyHeader buckets by this header (e.g. "X-Branch-ID") instead of client IP.
	KeyHeader string `yaml:"keyHeader"`
}

// Delivery tunes batching, retry and recovery. Pointers distinguish "unset"
// from an explicit zero where zero is meaningful.
type Delivery struct {
	BatchSize             int    `yaml:"batchSize"`
	MaxRetries            *int   `yaml:"maxRetries"`
	BaseDelay             string `yaml:"baseDelay"`
	MaxBackoff            string `yaml:"maxBackoff"`
	DebounceDelay         string `yaml:"debounceDelay"`
	PeriodicFlushInterval string `yaml:"periodicFlushInterval"`
	RecoveryWindow        string `yaml:"recoveryWindow"`
	SendTimeout           string `yaml:"sendTimeout"`
	// RetryScope is "queue" (every queued entry after a failure) or "batch".
	RetryScope  string `yaml:"retryScope"`
	FlushOnStop *bool  `yaml:"flushOnStop"`
	// DeviceInfo replaces the host descriptor stamped on events without an origin.
	DeviceInfo string `yaml:"deviceInfo"`
}

type Store struct {
	// Type is one of memory, file, sqlite, redis, postgres.
	Type        string        `yaml:"type"`
	SnapshotKey string        `yaml:"snapshotKey"`
	File        FileStore     `yaml:"file"`
	SQLite      SQLiteStore   `yaml:"sqlite"`
	Redis       RedisStore    `yaml:"redis"`
	Postgres    PostgresStore `yaml:"postgres"`
}

type FileStore struct {
	Dir string `yaml:"dir"`
}

type SQLiteStore struct {
	Path string `yaml:"path"`
}

type RedisStore struct {
	URL       string `yaml:"url"`
	KeyPrefix string `yaml:"keyPrefix"`
	TTL       string `yaml:"ttl"`
}

type PostgresStore struct {
	DSN   string `yaml:"dsn"`
	Table string `yaml:"table"`
}

type Transport struct {
	// Type is one of log, webhook, kafka.
	Type           string         `yaml:"type"`
	Webhook        Webhook        `yaml:"webhook"`
	Kafka          Kafka          `yaml:"kafka"`
	CircuitBreaker CircuitBreaker `yaml:"circuitBreaker"`
}

type Webhook struct {
	URL     string            `yaml:"url"`
	Headers map[string]string `yaml:"headers"`
	Timeout string            `yaml:"timeout"`
}

type Kafka struct {
	Brokers      []string  `yaml:"brokers"`
	Topic        string    `yaml:"topic"`
	BatchTimeout string    `yaml:"batchTimeout"`
	WriteTimeout string    `yaml:"writeTimeout"`
	RequiredAcks int       `yaml:"requiredAcks"`
	Compression  string    `yaml:"compression"`
	TLS          KafkaTLS  `yaml:"tls"`
	SASL         KafkaSASL `yaml:"sasl"`
}

type KafkaTLS struct {
	Enabled            bool   `yaml:"enabled"`
	CAFile             string `yaml:"caFile"`
	CertFile           string `yaml:"certFile"`
	KeyFile            string `yaml:"keyFile"`
	InsecureSkipVerify bool   `yaml:"insecureSkipVerify"`
}

type KafkaSASL struct {
	Mechanism string `yaml:"mechanism"`
	Username  string `yaml:"username"`
	// PasswordEnv names the environment variable holding the password.
	PasswordEnv string `yaml:"passwordEnv"`
}

type CircuitBreaker struct {
	Enabled             bool   `yaml:"enabled"`
	FailureThreshold    int    `yaml:"failureThreshold"`
	SuccessThreshold    int    `yaml:"successThreshold"`
	OpenTimeout         string `yaml:"openTimeout"`
	HalfOpenMaxRequests int    `yaml:"halfOpenMaxRequests"`
}

type Telemetry struct {
	Enabled      bool    `yaml:"enabled"`
	Exporter     string  `yaml:"exporter"`
	Endpoint     string  `yaml:"endpoint"`
	Insecure     bool    `yaml:"insecure"`
	SamplingRate float64 `yaml:"samplingRate"`
}

type Config struct {
	Server    Server    `yaml:"server"`
	Delivery  Delivery  `yaml:"delivery"`
	Store     Store     `yaml:"store"`
	Transport Transport `yaml:"transport"`
	Telemetry Telemetry `yaml:"telemetry"`
}

// Path resolves the config file location: explicit path, then
// AUDIT_RELAY_CONFIG_PATH, then ./config.yaml.
func Path(explicit string) string {
	if explicit != "" {
		return explicit
	}
	if env := os.Getenv(EnvConfigPath); env != "" {
		return env
	}
	return defaultConfigPath
}

// Load reads, defaults and validates the configuration at path (see Path).
func Load(path string) (Config, error) {
	path = Path(path)

	var cfg Config
	content, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("trying to open audit-relay config file %s: %w", path, err)
	}
	if err := yaml.UnmarshalStrict(content, &cfg); err != nil {
		return cfg, fmt.Errorf("error unmarshaling YAML %s: %w", path, err)
	}
	cfg.Defaults()
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Defaults fills unset fields in place.
func (c *Config) Defaults() {
	if c.Server.ListenAddress == "" {
		c.Server.ListenAddress = ":8080"
	}
	if c.Server.ReadTimeout == "" {
		c.Server.ReadTimeout = "15s"
	}
	if c.Server.WriteTimeout == "" {
		c.Server.WriteTimeout = "30s"
	}
	if c.Server.ShutdownTimeout == "" {
		c.Server.ShutdownTimeout = "30s"
	}
	if c.Server.RateLimit.Rate == 0 {
		c.Server.RateLimit.Rate = 50
	}
	if c.Server.RateLimit.Burst == 0 {
		c.Server.RateLimit.Burst = 200
	}

	d := &c.Delivery
	if d.BatchSize == 0 {
		d.BatchSize = audit.DefaultBatchSize
	}
	if d.MaxRetries == nil {
		n := audit.DefaultMaxRetries
		d.MaxRetries = &n
	}
	setDuration(&d.BaseDelay, audit.DefaultBaseDelay)
	setDuration(&d.MaxBackoff, audit.DefaultMaxBackoff)
	setDuration(&d.DebounceDelay, audit.DefaultDebounceDelay)
	setDuration(&d.PeriodicFlushInterval, audit.DefaultPeriodicFlushInterval)
	setDuration(&d.RecoveryWindow, audit.DefaultRecoveryWindow)
	setDuration(&d.SendTimeout, audit.DefaultSendTimeout)
	if d.RetryScope == "" {
		d.RetryScope = string(audit.RetryScopeQueue)
	}
	if d.FlushOnStop == nil {
		t := true
		d.FlushOnStop = &t
	}

	if c.Store.Type == "" {
		c.Store.Type = "file"
	}
	if c.Store.SnapshotKey == "" {
		c.Store.SnapshotKey = audit.DefaultSnapshotKey
	}
	if c.Store.File.Dir == "" {
		c.Store.File.Dir = "./data"
	}
	if c.Store.SQLite.Path == "" {
		c.Store.SQLite.Path = "./data/audit-relay.db"
	}

	if c.Transport.Type == "" {
		c.Transport.Type = "log"
	}
	if c.Transport.Webhook.Timeout == "" {
		c.Transport.Webhook.Timeout = "10s"
	}
	if c.Transport.Kafka.Compression == "" {
		c.Transport.Kafka.Compression = "snappy"
	}
	if c.Transport.CircuitBreaker.OpenTimeout == "" {
		c.Transport.CircuitBreaker.OpenTimeout = "30s"
	}

	if c.Telemetry.Exporter == "" {
		c.Telemetry.Exporter = "otlp"
	}
	if c.Telemetry.SamplingRate == 0 {
		c.Telemetry.SamplingRate = 1
	}
}

func setDuration(field *string, def time.Duration) {
	if *field == "" {
		*field = def.String()
	}
}

// Validate reports every problem at once.
func (c *Config) Validate() error {
	var errs []error
	check := func(name, value string) {
		if value == "" {
			return
		}
		if d, err := time.ParseDuration(value); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		} else if d < 0 {
			errs = append(errs, fmt.Errorf("%s must not be negative", name))
		}
	}

	check("server.readTimeout", c.Server.ReadTimeout)
	check("server.writeTimeout", c.Server.WriteTimeout)
	check("server.shutdownTimeout", c.Server.ShutdownTimeout)
	if c.Server.RateLimit.Enabled && (c.Server.RateLimit.Rate <= 0 || c.Server.RateLimit.Burst <= 0) {
		errs = append(errs, errors.New("server.rateLimit: rate and burst must be positive"))
	}

	d := c.Delivery
	if d.BatchSize < 0 {
		errs = append(errs, errors.New("delivery.batchSize must not be negative"))
	}
	if d.MaxRetries != nil && *d.MaxRetries < 0 {
		errs = append(errs, errors.New("delivery.maxRetries must not be negative"))
	}
	check("delivery.baseDelay", d.BaseDelay)
	check("delivery.maxBackoff", d.MaxBackoff)
	check("delivery.debounceDelay", d.DebounceDelay)
	check("delivery.periodicFlushInterval", d.PeriodicFlushInterval)
	check("delivery.recoveryWindow", d.RecoveryWindow)
	check("delivery.sendTimeout", d.SendTimeout)
	if d.RetryScope != "" && !audit.RetryScope(d.RetryScope).Valid() {
		errs = append(errs, fmt.Errorf("delivery.retryScope %q: want queue or batch", d.RetryScope))
	}

	switch c.Store.Type {
	case "memory", "file", "sqlite":
	case "redis":
		if c.Store.Redis.URL == "" {
			errs = append(errs, errors.New("store.redis.url is required"))
		}
		check("store.redis.ttl", c.Store.Redis.TTL)
	case "postgres":
		if c.Store.Postgres.DSN == "" {
			errs = append(errs, errors.New("store.postgres.dsn is required"))
		}
	default:
		errs = append(errs, fmt.Errorf("store.type %q: want one of memory, file, sqlite, redis, postgres", c.Store.Type))
	}

	switch c.Transport.Type {
	case "log":
	case "webhook":
		if c.Transport.Webhook.URL == "" {
			errs = append(errs, errors.New("transport.webhook.url is required"))
		}
		check("transport.webhook.timeout", c.Transport.Webhook.Timeout)
	case "kafka":
		k := c.Transport.Kafka
		if len(k.Brokers) == 0 {
			errs = append(errs, errors.New("transport.kafka.brokers is required"))
		}
		if k.Topic == "" {
			errs = append(errs, errors.New("transport.kafka.topic is required"))
		}
		check("transport.kafka.batchTimeout", k.BatchTimeout)
		check("transport.kafka.writeTimeout", k.WriteTimeout)
		if k.SASL.Mechanism != "" && k.SASL.PasswordEnv == "" {
			errs = append(errs, errors.New("transport.kafka.sasl.passwordEnv is required with a SASL mechanism"))
		}
	default:
		errs = append(errs, fmt.Errorf("transport.type %q: want one of log, webhook, kafka", c.Transport.Type))
	}
	check("transport.circuitBreaker.openTimeout", c.Transport.CircuitBreaker.OpenTimeout)

	switch c.Telemetry.Exporter {
	case "", "otlp", "stdout", "none":
	default:
		errs = append(errs, fmt.Errorf("telemetry.exporter %q: want otlp, stdout or none", c.Telemetry.Exporter))
	}

	if len(errs) == 0 {
		if ac, err := c.AuditConfig(); err == nil {
			if err := ac.Validate(); err != nil {
				errs = append(errs, fmt.Errorf("delivery: %w", err))
			}
		}
	}
	return errors.Join(errs...)
}

// AuditConfig converts the delivery section into the library configuration.
func (c *Config) AuditConfig() (audit.Config, error) {
	d := c.Delivery
	out := audit.DefaultConfig()
	out.BatchSize = d.BatchSize
	if d.MaxRetries != nil {
		out.MaxRetries = *d.MaxRetries
	}
	if d.FlushOnStop != nil {
		out.FlushOnStop = *d.FlushOnStop
	}
	out.RetryScope = audit.RetryScope(d.RetryScope)
	out.SnapshotKey = c.Store.SnapshotKey

	for _, f := range []struct {
		name  string
		value string
		dst   *time.Duration
	}{
		{"baseDelay", d.BaseDelay, &out.BaseDelay},
		{"maxBackoff", d.MaxBackoff, &out.MaxBackoff},
		{"debounceDelay", d.DebounceDelay, &out.DebounceDelay},
		{"periodicFlushInterval", d.PeriodicFlushInterval, &out.PeriodicFlushInterval},
		{"recoveryWindow", d.RecoveryWindow, &out.RecoveryWindow},
		{"sendTimeout", d.SendTimeout, &out.SendTimeout},
	} {
		if f.value == "" {
			continue
		}
		v, err := time.ParseDuration(f.value)
		if err != nil {
			return audit.Config{}, fmt.Errorf("delivery.%s: %w", f.name, err)
		}
		*f.dst = v
	}
	return out, nil
}

// Duration parses an already validated duration field; empty yields 0.
func Duration(value string) time.Duration {
	d, _ := time.ParseDuration(strings.TrimSpace(value))
	return d
}
