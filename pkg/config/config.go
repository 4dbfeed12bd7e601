package config

import (
	"errors"
	"sync"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Defaults and limits for client configuration.
const (
	DefaultServerURL     = "https://api.mixpanel.com"
	DefaultFlushInterval = 60 * time.Second
	// MaxFlushBatchSize is the hard cap on items per delivery request.
	MaxFlushBatchSize = 50
)

// ErrParsingConfig is returned when environment variables cannot be parsed.
var ErrParsingConfig = errors.New("failed to parse environment variables into config")

var loadDotEnv sync.Once

// envConfig is the environment-variable surface for defaults.
type envConfig struct {
	ServerURL           string        `env:"MIXPANEL_SERVER_URL" envDefault:"https://api.mixpanel.com"`
	FlushInterval       time.Duration `env:"MIXPANEL_FLUSH_INTERVAL" envDefault:"60s"`
	FlushBatchSize      int           `env:"MIXPANEL_FLUSH_BATCH_SIZE" envDefault:"50"`
	UseIPForGeolocation bool          `env:"MIXPANEL_USE_IP_FOR_GEOLOCATION" envDefault:"true"`
	LoggingEnabled      bool          `env:"MIXPANEL_LOGGING_ENABLED" envDefault:"false"`
}

// Config holds one client's runtime settings. Safe for concurrent use; the
// flush engine reads settings on every cycle while the application may
// adjust them.
type Config struct {
	mu                  sync.RWMutex
	serverURL           string
	flushInterval       time.Duration
	flushBatchSize      int
	useIPForGeolocation bool
	loggingEnabled      bool
}

// Load builds a Config from environment defaults. A .env file, when present,
// is loaded once per process.
func Load() (*Config, error) {
	loadDotEnv.Do(func() {
		// The .env file is optional.
		_ = godotenv.Load()
	})

	var e envConfig
	if err := env.Parse(&e); err != nil {
		return nil, errors.Join(ErrParsingConfig, err)
	}

	c := New()
	c.SetServerURL(e.ServerURL)
	c.SetFlushInterval(e.FlushInterval)
	c.SetFlushBatchSize(e.FlushBatchSize)
	c.SetUseIPForGeolocation(e.UseIPForGeolocation)
	c.SetLoggingEnabled(e.LoggingEnabled)
	return c, nil
}

// New returns a Config with compiled-in defaults, ignoring the environment.
func New() *Config {
	return &Config{
		serverURL:           DefaultServerURL,
		flushInterval:       DefaultFlushInterval,
		flushBatchSize:      MaxFlushBatchSize,
		useIPForGeolocation: true,
	}
}

// ServerURL returns the ingestion server base URL.
func (c *Config) ServerURL() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.serverURL
}

// SetServerURL replaces the ingestion server base URL. Empty values are
// ignored.
func (c *Config) SetServerURL(u string) {
	if u == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.serverURL = u
}

// FlushInterval returns the delay between flush cycles.
func (c *Config) FlushInterval() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.flushInterval
}

// SetFlushInterval replaces the flush cadence. Non-positive values are
// ignored.
func (c *Config) SetFlushInterval(d time.Duration) {
	if d <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.flushInterval = d
}

// FlushBatchSize returns the number of items per delivery batch.
func (c *Config) FlushBatchSize() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.flushBatchSize
}

// SetFlushBatchSize replaces the batch size, clamped to [1, 50].
func (c *Config) SetFlushBatchSize(n int) {
	if n <= 0 {
		return
	}
	if n > MaxFlushBatchSize {
		n = MaxFlushBatchSize
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.flushBatchSize = n
}

// UseIPForGeolocation reports whether the ingestion API should resolve
// geolocation from the request IP.
func (c *Config) UseIPForGeolocation() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.useIPForGeolocation
}

// SetUseIPForGeolocation toggles IP-based geolocation.
func (c *Config) SetUseIPForGeolocation(v bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.useIPForGeolocation = v
}

// LoggingEnabled reports whether verbose SDK logging is on.
func (c *Config) LoggingEnabled() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.loggingEnabled
}

// SetLoggingEnabled toggles verbose SDK logging.
func (c *Config) SetLoggingEnabled(v bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.loggingEnabled = v
}
