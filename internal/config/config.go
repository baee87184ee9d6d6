// Package config provides configuration management for runsift.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog/log"

	"github.com/thebtf/runsift/internal/similarity"
)

// Defaults.
const (
	DefaultStatusPort      = 37790
	DefaultDBDriver        = "sqlite"
	DefaultEmbeddingURL    = "http://127.0.0.1:8080"
	DefaultEmbeddingModel  = "sentence-transformers/all-MiniLM-L6-v2"
	DefaultMaxTokens       = 256
	DefaultMaxConns        = 4
	DefaultRefreshInterval = 2 * time.Second
	DefaultClaimTimeout    = 10 * time.Minute
	DefaultCacheTTL        = 24 * time.Hour
	DefaultLogLevel        = "info"
)

// Settings keys. The same names are read from settings.json and the environment.
const (
	KeyDBDriver          = "RUNSIFT_DB_DRIVER"
	KeyDBDSN             = "RUNSIFT_DB_DSN"
	KeyMaxConns          = "RUNSIFT_DB_MAX_CONNS"
	KeyEmbeddingURL      = "RUNSIFT_EMBEDDING_URL"
	KeyEmbeddingModel    = "RUNSIFT_EMBEDDING_MODEL"
	KeyMaxTokens         = "RUNSIFT_EMBEDDING_MAX_TOKENS"
	KeyRedisAddr         = "RUNSIFT_REDIS_ADDR"
	KeyCacheTTL          = "RUNSIFT_EMBEDDING_CACHE_TTL"
	KeyRulesFiles        = "RUNSIFT_SANITIZE_RULES"
	KeyInstanceID        = "RUNSIFT_INSTANCE_ID"
	KeyStatusPort        = "RUNSIFT_STATUS_PORT"
	KeyLogLevel          = "RUNSIFT_LOG_LEVEL"
	KeyDuplicateDistance = "RUNSIFT_DUPLICATE_DISTANCE"
	KeyBridgeWindow      = "RUNSIFT_BRIDGE_WINDOW"
	KeySearchLimit       = "RUNSIFT_SEARCH_LIMIT"
	KeyBatchSize         = "RUNSIFT_BATCH_SIZE"
	KeyIdleInterval      = "RUNSIFT_IDLE_INTERVAL"
	KeySweepInterval     = "RUNSIFT_SWEEP_INTERVAL"
	KeyRefreshInterval   = "RUNSIFT_INDEX_REFRESH_INTERVAL"
	KeyClaimTimeout      = "RUNSIFT_CLAIM_TIMEOUT"
)

// Config holds runsift configuration.
type Config struct {
	DBDriver          string        `json:"db_driver"`
	DBDSN             string        `json:"db_dsn"`
	EmbeddingURL      string        `json:"embedding_url"`
	EmbeddingModel    string        `json:"embedding_model"`
	RedisAddr         string        `json:"redis_addr,omitempty"`
	InstanceID        string        `json:"instance_id,omitempty"`
	LogLevel          string        `json:"log_level"`
	RulesFiles        []string      `json:"rules_files,omitempty"`
	DuplicateDistance float64       `json:"duplicate_distance"`
	BridgeWindow      time.Duration `json:"bridge_window"`
	IdleInterval      time.Duration `json:"idle_interval"`
	SweepInterval     time.Duration `json:"sweep_interval"`
	RefreshInterval   time.Duration `json:"refresh_interval"`
	ClaimTimeout      time.Duration `json:"claim_timeout"`
	CacheTTL          time.Duration `json:"cache_ttl"`
	StatusPort        int           `json:"status_port"`
	MaxConns          int           `json:"max_conns"`
	MaxTokens         int           `json:"max_tokens"`
	SearchLimit       int           `json:"search_limit"`
	BatchSize         int           `json:"batch_size"`
}

var (
	globalConfig *Config
	configOnce   sync.Once
)

// DataDir returns the data directory path.
func DataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return filepath.Join(home, ".runsift")
}

// DBPath returns the default SQLite database path.
func DBPath() string {
	return filepath.Join(DataDir(), "runsift.db")
}

// SettingsPath returns the settings file path.
func SettingsPath() string {
	return filepath.Join(DataDir(), "settings.json")
}

// Default returns the default configuration.
func Default() *Config {
	proc := similarity.DefaultConfig()
	return &Config{
		DBDriver:          DefaultDBDriver,
		EmbeddingURL:      DefaultEmbeddingURL,
		EmbeddingModel:    DefaultEmbeddingModel,
		LogLevel:          DefaultLogLevel,
		DuplicateDistance: proc.DuplicateDistance,
		BridgeWindow:      proc.BridgeWindow,
		IdleInterval:      proc.IdleInterval,
		SweepInterval:     proc.SweepInterval,
		RefreshInterval:   DefaultRefreshInterval,
		ClaimTimeout:      DefaultClaimTimeout,
		CacheTTL:          DefaultCacheTTL,
		StatusPort:        DefaultStatusPort,
		MaxConns:          DefaultMaxConns,
		MaxTokens:         DefaultMaxTokens,
		SearchLimit:       proc.SearchLimit,
		BatchSize:         proc.BatchSize,
	}
}

// defaultSettings is the content written to a fresh settings.json.
func defaultSettings() map[string]any {
	d := Default()
	return map[string]any{
		KeyDBDriver:          d.DBDriver,
		KeyEmbeddingURL:      d.EmbeddingURL,
		KeyEmbeddingModel:    d.EmbeddingModel,
		KeyLogLevel:          d.LogLevel,
		KeyDuplicateDistance: d.DuplicateDistance,
		KeyBridgeWindow:      d.BridgeWindow.String(),
		KeyRefreshInterval:   d.RefreshInterval.String(),
		KeyBatchSize:         d.BatchSize,
		KeyStatusPort:        d.StatusPort,
	}
}

// EnsureDataDir creates the data directory if it doesn't exist.
func EnsureDataDir() error {
	return os.MkdirAll(DataDir(), 0750)
}

// EnsureSettings writes a default settings file if none exists.
func EnsureSettings() error {
	path := SettingsPath()
	if _, err := os.Stat(path); err == nil {
		return nil
	}

	data, err := json.MarshalIndent(defaultSettings(), "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}

// EnsureAll creates the data directory and default settings.
func EnsureAll() error {
	if err := EnsureDataDir(); err != nil {
		return err
	}
	return EnsureSettings()
}

// Load reads settings.json and applies environment overrides on top of the defaults.
// An unreadable or malformed settings file is logged and ignored.
func Load() (*Config, error) {
	cfg := Default()
	values := make(map[string]string)

	data, err := os.ReadFile(SettingsPath())
	switch {
	case err == nil:
		var settings map[string]any
		if err := json.Unmarshal(data, &settings); err != nil {
			log.Warn().Err(err).Str("path", SettingsPath()).Msg("Ignoring malformed settings file")
			break
		}
		for k, v := range settings {
			values[k] = stringify(v)
		}
	case !os.IsNotExist(err):
		log.Warn().Err(err).Str("path", SettingsPath()).Msg("Failed to read settings file")
	}

	for _, key := range allKeys {
		if v, ok := os.LookupEnv(key); ok {
			values[key] = v
		}
	}

	cfg.apply(values)
	if cfg.DBDriver == "sqlite" && cfg.DBDSN == "" {
		cfg.DBDSN = DBPath()
	}
	return cfg, nil
}

// Get returns the process-wide configuration, loading it on first use.
func Get() *Config {
	configOnce.Do(func() {
		cfg, err := Load()
		if err != nil {
			cfg = Default()
		}
		globalConfig = cfg
	})
	return globalConfig
}

// GetStatusPort returns the status server port, preferring RUNSIFT_STATUS_PORT.
func GetStatusPort() int {
	if v := os.Getenv(KeyStatusPort); v != "" {
		if port, err := strconv.Atoi(v); err == nil && port > 0 {
			return port
		}
	}
	return Get().StatusPort
}

// Processor returns the similarity processor configuration.
func (c *Config) Processor() similarity.Config {
	return similarity.Config{
		DuplicateDistance: c.DuplicateDistance,
		BridgeWindow:      c.BridgeWindow,
		IdleInterval:      c.IdleInterval,
		SweepInterval:     c.SweepInterval,
		SearchLimit:       c.SearchLimit,
		BatchSize:         c.BatchSize,
	}
}

// Validate checks settings needed by the worker.
func (c *Config) Validate() error {
	switch c.DBDriver {
	case "postgres", "sqlite":
	default:
		return fmt.Errorf("%s: unsupported driver %q", KeyDBDriver, c.DBDriver)
	}
	if c.DBDSN == "" {
		return fmt.Errorf("%s is required", KeyDBDSN)
	}
	if c.EmbeddingURL == "" {
		return fmt.Errorf("%s is required", KeyEmbeddingURL)
	}
	if c.StatusPort < 0 || c.StatusPort > 65535 {
		return fmt.Errorf("%s: invalid port %d", KeyStatusPort, c.StatusPort)
	}
	if c.RefreshInterval <= 0 {
		return fmt.Errorf("%s must be positive", KeyRefreshInterval)
	}
	// Cache entries must outlive the index catch-up or bridged duplicates are missed.
	if c.BridgeWindow <= c.RefreshInterval {
		return fmt.Errorf("%s (%s) must be larger than %s (%s)",
			KeyBridgeWindow, c.BridgeWindow, KeyRefreshInterval, c.RefreshInterval)
	}
	return c.Processor().Validate()
}

var allKeys = []string{
	KeyDBDriver, KeyDBDSN, KeyMaxConns, KeyEmbeddingURL, KeyEmbeddingModel, KeyMaxTokens,
	KeyRedisAddr, KeyCacheTTL, KeyRulesFiles, KeyInstanceID, KeyStatusPort, KeyLogLevel,
	KeyDuplicateDistance, KeyBridgeWindow, KeySearchLimit, KeyBatchSize, KeyIdleInterval,
	KeySweepInterval, KeyRefreshInterval, KeyClaimTimeout,
}

func (c *Config) apply(values map[string]string) {
	setString(values, KeyDBDriver, &c.DBDriver)
	setString(values, KeyDBDSN, &c.DBDSN)
	setString(values, KeyEmbeddingURL, &c.EmbeddingURL)
	setString(values, KeyEmbeddingModel, &c.EmbeddingModel)
	setString(values, KeyRedisAddr, &c.RedisAddr)
	setString(values, KeyInstanceID, &c.InstanceID)
	setString(values, KeyLogLevel, &c.LogLevel)

	if v, ok := values[KeyRulesFiles]; ok {
		c.RulesFiles = splitTrim(v)
	}

	setInt(values, KeyMaxConns, &c.MaxConns)
	setInt(values, KeyMaxTokens, &c.MaxTokens)
	setInt(values, KeyStatusPort, &c.StatusPort)
	setInt(values, KeySearchLimit, &c.SearchLimit)
	setInt(values, KeyBatchSize, &c.BatchSize)

	if v, ok := values[KeyDuplicateDistance]; ok {
		if f, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil {
			c.DuplicateDistance = f
		} else {
			log.Warn().Str("key", KeyDuplicateDistance).Str("value", v).Msg("Ignoring invalid setting")
		}
	}

	setDuration(values, KeyBridgeWindow, &c.BridgeWindow)
	setDuration(values, KeyIdleInterval, &c.IdleInterval)
	setDuration(values, KeySweepInterval, &c.SweepInterval)
	setDuration(values, KeyRefreshInterval, &c.RefreshInterval)
	setDuration(values, KeyClaimTimeout, &c.ClaimTimeout)
	setDuration(values, KeyCacheTTL, &c.CacheTTL)
}

func setString(values map[string]string, key string, dst *string) {
	if v, ok := values[key]; ok && strings.TrimSpace(v) != "" {
		*dst = strings.TrimSpace(v)
	}
}

func setInt(values map[string]string, key string, dst *int) {
	v, ok := values[key]
	if !ok {
		return
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		log.Warn().Str("key", key).Str("value", v).Msg("Ignoring invalid setting")
		return
	}
	*dst = n
}

// setDuration accepts Go duration strings ("90s") or a plain number of seconds.
func setDuration(values map[string]string, key string, dst *time.Duration) {
	v, ok := values[key]
	if !ok {
		return
	}
	v = strings.TrimSpace(v)
	if d, err := time.ParseDuration(v); err == nil {
		*dst = d
		return
	}
	if secs, err := strconv.ParseFloat(v, 64); err == nil {
		*dst = time.Duration(secs * float64(time.Second))
		return
	}
	log.Warn().Str("key", key).Str("value", v).Msg("Ignoring invalid setting")
}

func stringify(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	case []any:
		parts := make([]string, 0, len(t))
		for _, p := range t {
			parts = append(parts, stringify(p))
		}
		return strings.Join(parts, ",")
	case nil:
		return ""
	default:
		return fmt.Sprint(t)
	}
}

// splitTrim splits a comma-separated string and trims whitespace from each part.
func splitTrim(s string) []string {
	parts := strings.Split(s, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}
