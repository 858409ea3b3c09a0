// Package config loads the agent's configuration: compiled-in
// defaults, optionally overlaid by a YAML file, optionally overlaid
// again by environment variables (highest priority), then validated.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// BrokerConfig configures the Kafka-compatible broker client.
type BrokerConfig struct {
	Bootstrap         []string      `yaml:"bootstrap"`
	SASLMechanism     string        `yaml:"sasl_mechanism"`
	SASLUsername      string        `yaml:"sasl_username"`
	SASLPassword      string        `yaml:"sasl_password"`
	RequestTimeout    time.Duration `yaml:"request_timeout"`
	DefaultAPITimeout time.Duration `yaml:"default_api_timeout"`
}

// IdPConfig configures the user enumerator's IdP admin client.
type IdPConfig struct {
	BaseURL                string        `yaml:"base_url"`
	Realm                  string        `yaml:"realm"`
	ClientID               string        `yaml:"client_id"`
	ClientSecret           string        `yaml:"client_secret"`
	ConnectTimeout         time.Duration `yaml:"connect_timeout"`
	ReadTimeout            time.Duration `yaml:"read_timeout"`
	PageSize               int           `yaml:"page_size"`
	ServiceAccountPrefixes []string      `yaml:"service_account_prefixes"`
}

// ReconcileConfig controls reconciliation scope and cadence.
type ReconcileConfig struct {
	ClusterID          string        `yaml:"cluster_id"`
	Mechanisms         []string      `yaml:"mechanisms"`
	Iterations         int           `yaml:"iterations"`
	Interval           time.Duration `yaml:"interval"`
	AlwaysUpsert       bool          `yaml:"always_upsert"`
	ExcludedPrincipals []string      `yaml:"excluded_principals"`
}

// RetentionConfig controls the audit history retention purger.
type RetentionConfig struct {
	CheckInterval      time.Duration `yaml:"check_interval"`
	DefaultMaxAgeDays  int64         `yaml:"default_max_age_days"`
	MaxBytes           int64         `yaml:"max_bytes"`
	SizePurgeBatchRows int           `yaml:"size_purge_batch_rows"`
}

// QueueConfig controls the bounded event queue and its retry policy.
type QueueConfig struct {
	Capacity    int           `yaml:"capacity"`
	Overflow    string        `yaml:"overflow"`
	Workers     int           `yaml:"workers"`
	MaxRetries  int           `yaml:"max_retries"`
	BaseBackoff time.Duration `yaml:"base_backoff"`
	MaxBackoff  time.Duration `yaml:"max_backoff"`
}

// PluginConfig controls the in-IdP plug-in's subscriber.
type PluginConfig struct {
	Mechanisms []string `yaml:"mechanisms"`
	Iterations int32    `yaml:"iterations"`
}

// CORSConfig mirrors the control API's CORS middleware options.
type CORSConfig struct {
	AllowedOrigins   []string `yaml:"allowed_origins"`
	AllowedMethods   []string `yaml:"allowed_methods"`
	AllowedHeaders   []string `yaml:"allowed_headers"`
	AllowCredentials bool     `yaml:"allow_credentials"`
}

// ControlAPIConfig controls the HTTP control surface.
type ControlAPIConfig struct {
	ListenAddr    string        `yaml:"listen_addr"`
	CORS          CORSConfig    `yaml:"cors"`
	BasicAuthUser string        `yaml:"basic_auth_user"`
	BasicAuthPass string        `yaml:"basic_auth_pass"`
	SummaryWindow time.Duration `yaml:"summary_window"`
}

// Config is the agent's full configuration tree.
type Config struct {
	Broker         BrokerConfig     `yaml:"broker"`
	IdP            IdPConfig        `yaml:"idp"`
	Reconcile      ReconcileConfig  `yaml:"reconcile"`
	Retention      RetentionConfig  `yaml:"retention"`
	Queue          QueueConfig      `yaml:"queue"`
	Plugin         PluginConfig     `yaml:"plugin"`
	ControlAPI     ControlAPIConfig `yaml:"control_api"`
	RealmAllowlist []string         `yaml:"realm_allowlist"`
	LogLevel       string           `yaml:"log_level"`
	ShutdownGrace  time.Duration    `yaml:"shutdown_grace"`
}

// Defaults returns compiled-in defaults for every knob Load doesn't
// otherwise populate.
func Defaults() *Config {
	return &Config{
		Broker: BrokerConfig{
			RequestTimeout:    30 * time.Second,
			DefaultAPITimeout: 60 * time.Second,
		},
		IdP: IdPConfig{
			ConnectTimeout: 10 * time.Second,
			ReadTimeout:    30 * time.Second,
			PageSize:       500,
		},
		Reconcile: ReconcileConfig{
			Mechanisms: []string{"SCRAM-SHA-256"},
			Iterations: 4096,
			Interval:   120 * time.Second,
		},
		Retention: RetentionConfig{
			CheckInterval:      300 * time.Second,
			DefaultMaxAgeDays:  90,
			SizePurgeBatchRows: 5000,
		},
		Queue: QueueConfig{
			Capacity:    1000,
			Overflow:    "reject",
			Workers:     2,
			MaxRetries:  3,
			BaseBackoff: time.Second,
			MaxBackoff:  30 * time.Second,
		},
		Plugin: PluginConfig{
			Mechanisms: []string{"SCRAM-SHA-256"},
			Iterations: 4096,
		},
		ControlAPI: ControlAPIConfig{
			ListenAddr:    ":8080",
			SummaryWindow: time.Hour,
		},
		LogLevel:      "info",
		ShutdownGrace: 30 * time.Second,
	}
}

// Load builds a Config from Defaults, overlaid by the YAML file at
// path (skipped when path is empty — the overlay is optional), then
// overlaid by environment variables, then validated.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	if err := loadFromEnv(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse environment overrides: %w", err)
	}

	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Watch reloads the file at path on every write event and invokes
// onReload with the newly loaded Config. Parse/validation failures are
// logged to onError and leave the previously loaded Config in effect;
// a bad edit never takes a running agent down.
func Watch(path string, onReload func(*Config), onError func(error)) (*fsnotify.Watcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("config watch: %w", err)
	}
	if err := watcher.Add(path); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("config watch: %w", err)
	}

	go func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				cfg, err := Load(path)
				if err != nil {
					onError(err)
					continue
				}
				onReload(cfg)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				onError(err)
			}
		}
	}()

	return watcher, nil
}

func loadFromEnv(cfg *Config) error {
	setStringSlice(&cfg.Broker.Bootstrap, "BROKER_BOOTSTRAP")
	setString(&cfg.Broker.SASLMechanism, "BROKER_SASL_MECHANISM")
	setString(&cfg.Broker.SASLUsername, "BROKER_SASL_USERNAME")
	setString(&cfg.Broker.SASLPassword, "BROKER_SASL_PASSWORD")
	if err := setDurationMillis(&cfg.Broker.RequestTimeout, "BROKER_REQUEST_TIMEOUT_MS"); err != nil {
		return err
	}
	if err := setDuration(&cfg.Broker.DefaultAPITimeout, "BROKER_DEFAULT_API_TIMEOUT"); err != nil {
		return err
	}

	setString(&cfg.IdP.BaseURL, "IDP_BASE_URL")
	setString(&cfg.IdP.Realm, "IDP_REALM")
	setString(&cfg.IdP.ClientID, "IDP_CLIENT_ID")
	setString(&cfg.IdP.ClientSecret, "IDP_CLIENT_SECRET")
	if err := setDuration(&cfg.IdP.ConnectTimeout, "IDP_CONNECT_TIMEOUT"); err != nil {
		return err
	}
	if err := setDuration(&cfg.IdP.ReadTimeout, "IDP_READ_TIMEOUT"); err != nil {
		return err
	}
	if err := setInt(&cfg.IdP.PageSize, "RECONCILE_PAGE_SIZE"); err != nil {
		return err
	}
	setStringSlice(&cfg.IdP.ServiceAccountPrefixes, "IDP_SERVICE_ACCOUNT_PREFIXES")

	setString(&cfg.Reconcile.ClusterID, "RECONCILE_CLUSTER_ID")
	setStringSlice(&cfg.Reconcile.Mechanisms, "RECONCILE_MECHANISMS")
	if err := setInt(&cfg.Reconcile.Iterations, "RECONCILE_ITERATIONS"); err != nil {
		return err
	}
	if err := setDuration(&cfg.Reconcile.Interval, "RECONCILE_INTERVAL"); err != nil {
		return err
	}
	if err := setBool(&cfg.Reconcile.AlwaysUpsert, "RECONCILE_ALWAYS_UPSERT"); err != nil {
		return err
	}
	setStringSlice(&cfg.Reconcile.ExcludedPrincipals, "RECONCILE_EXCLUDED_PRINCIPALS")

	if err := setDuration(&cfg.Retention.CheckInterval, "RETENTION_CHECK_INTERVAL"); err != nil {
		return err
	}
	if err := setInt64(&cfg.Retention.DefaultMaxAgeDays, "RETENTION_MAX_AGE_DAYS"); err != nil {
		return err
	}
	if err := setInt64(&cfg.Retention.MaxBytes, "RETENTION_MAX_BYTES"); err != nil {
		return err
	}
	if err := setInt(&cfg.Retention.SizePurgeBatchRows, "RETENTION_SIZE_PURGE_BATCH_ROWS"); err != nil {
		return err
	}

	if err := setInt(&cfg.Queue.Capacity, "EVENT_QUEUE_CAPACITY"); err != nil {
		return err
	}
	setString(&cfg.Queue.Overflow, "EVENT_QUEUE_OVERFLOW")
	if err := setInt(&cfg.Queue.Workers, "EVENT_WORKERS"); err != nil {
		return err
	}
	if err := setInt(&cfg.Queue.MaxRetries, "EVENT_QUEUE_MAX_RETRIES"); err != nil {
		return err
	}
	if err := setDuration(&cfg.Queue.BaseBackoff, "EVENT_QUEUE_BASE_BACKOFF"); err != nil {
		return err
	}
	if err := setDuration(&cfg.Queue.MaxBackoff, "EVENT_QUEUE_MAX_BACKOFF"); err != nil {
		return err
	}

	setStringSlice(&cfg.Plugin.Mechanisms, "PLUGIN_SCRAM_MECHANISMS")
	if v := os.Getenv("PLUGIN_SCRAM_ITERATIONS"); v != "" {
		n, err := strconv.ParseInt(v, 10, 32)
		if err != nil {
			return fmt.Errorf("PLUGIN_SCRAM_ITERATIONS: %w", err)
		}
		cfg.Plugin.Iterations = int32(n)
	}

	setString(&cfg.ControlAPI.ListenAddr, "CONTROL_API_LISTEN_ADDR")
	setStringSlice(&cfg.ControlAPI.CORS.AllowedOrigins, "CORS_ALLOWED_ORIGINS")
	setStringSlice(&cfg.ControlAPI.CORS.AllowedMethods, "CORS_ALLOWED_METHODS")
	setStringSlice(&cfg.ControlAPI.CORS.AllowedHeaders, "CORS_ALLOWED_HEADERS")
	if err := setBool(&cfg.ControlAPI.CORS.AllowCredentials, "CORS_ALLOW_CREDENTIALS"); err != nil {
		return err
	}
	setString(&cfg.ControlAPI.BasicAuthUser, "CONTROL_API_BASIC_AUTH_USER")
	setString(&cfg.ControlAPI.BasicAuthPass, "CONTROL_API_BASIC_AUTH_PASS")
	if err := setDuration(&cfg.ControlAPI.SummaryWindow, "CONTROL_API_SUMMARY_WINDOW"); err != nil {
		return err
	}

	setStringSlice(&cfg.RealmAllowlist, "REALM_ALLOWLIST")
	setString(&cfg.LogLevel, "LOG_LEVEL")
	if err := setDuration(&cfg.ShutdownGrace, "SHUTDOWN_GRACE"); err != nil {
		return err
	}

	return nil
}

var validOverflowPolicies = map[string]bool{"reject": true, "drop_oldest": true}

func validate(cfg *Config) error {
	if len(cfg.Broker.Bootstrap) == 0 {
		return fmt.Errorf("BROKER_BOOTSTRAP is required")
	}
	if cfg.IdP.BaseURL == "" {
		return fmt.Errorf("IDP_BASE_URL is required")
	}
	if cfg.IdP.Realm == "" {
		return fmt.Errorf("IDP_REALM is required")
	}
	if cfg.Reconcile.Iterations < 4096 {
		return fmt.Errorf("RECONCILE_ITERATIONS must be at least 4096")
	}
	if !validOverflowPolicies[cfg.Queue.Overflow] {
		return fmt.Errorf("EVENT_QUEUE_OVERFLOW must be one of reject, drop_oldest, got %q", cfg.Queue.Overflow)
	}
	if cfg.Queue.Workers <= 0 {
		return fmt.Errorf("EVENT_WORKERS must be greater than 0")
	}
	if cfg.Retention.DefaultMaxAgeDays < 0 {
		return fmt.Errorf("RETENTION_MAX_AGE_DAYS must be non-negative")
	}
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setStringSlice(dst *[]string, key string) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	*dst = out
}

func setBool(dst *bool, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = b
	return nil
}

func setInt(dst *int, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = n
	return nil
}

func setInt64(dst *int64, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = n
	return nil
}

func setDuration(dst *time.Duration, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = d
	return nil
}

// setDurationMillis parses key as a plain integer count of milliseconds,
// for the env vars spec §6 documents with an explicit _MS suffix.
func setDurationMillis(dst *time.Duration, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = time.Duration(n) * time.Millisecond
	return nil
}
