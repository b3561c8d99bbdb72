// Package config reads runtime settings from the environment and optional
// .env files. Command-line flags override these values in cmd/imgbatch.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/manash/imgbatch/internal/auth"
	"github.com/manash/imgbatch/internal/batch"
	"github.com/manash/imgbatch/internal/history"
	"github.com/manash/imgbatch/internal/retry"
	"github.com/manash/imgbatch/internal/transport"
)

const (
	EnvCookie      = "IMGBATCH_COOKIE"
	EnvAccount     = "IMGBATCH_ACCOUNT"
	EnvProxyHTTP   = "IMGBATCH_PROXY_HTTP"
	EnvProxyHTTPS  = "IMGBATCH_PROXY_HTTPS"
	EnvProxyFile   = "IMGBATCH_PROXY_FILE"
	EnvWorkers     = "IMGBATCH_WORKERS"
	EnvSeed        = "IMGBATCH_SEED"
	EnvOutputDir   = "IMGBATCH_OUTPUT_DIR"
	EnvMaxRetries  = "IMGBATCH_MAX_RETRIES"
	EnvRPS         = "IMGBATCH_RPS"
	EnvTZOffset    = "IMGBATCH_TZ_OFFSET"
	EnvLogLevel    = "IMGBATCH_LOG_LEVEL"
	EnvLogJSON     = "IMGBATCH_LOG_JSON"
	EnvHistoryDB   = "IMGBATCH_HISTORY_DB"
	EnvAspectRatio = "IMGBATCH_ASPECT_RATIO"
)

const (
	DefaultOutputDir = "generated_images"
	DefaultLogLevel  = "info"
)

var ErrInvalidConfig = errors.New("invalid configuration")

// DotEnvFiles are loaded in order. Variables already set are never
// overridden, so earlier files win over later ones.
var DotEnvFiles = []string{".env.local", ".env"}

type Config struct {
	Cookie            string
	Account           string
	ProxyHTTP         string
	ProxyHTTPS        string
	ProxyFile         string
	Workers           int
	Seed              int64
	OutputDir         string
	MaxRetries        int
	RequestsPerSecond float64
	TZOffset          string
	LogLevel          string
	LogJSON           bool
	HistoryDB         string
	AspectRatio       string
}

// LoadDotEnv loads whichever of files exist into the process environment.
func LoadDotEnv(files ...string) error {
	for _, f := range files {
		if _, err := os.Stat(f); err != nil {
			continue
		}
		if err := godotenv.Load(f); err != nil {
			return fmt.Errorf("failed to load %s: %w", f, err)
		}
	}
	return nil
}

// Load builds a Config from getenv, applying defaults for unset keys.
func Load(getenv func(string) string) (*Config, error) {
	c := &Config{
		Cookie:      strings.TrimSpace(getenv(EnvCookie)),
		Account:     getenv(EnvAccount),
		ProxyHTTP:   getenv(EnvProxyHTTP),
		ProxyHTTPS:  getenv(EnvProxyHTTPS),
		ProxyFile:   getenv(EnvProxyFile),
		OutputDir:   orDefault(getenv(EnvOutputDir), DefaultOutputDir),
		TZOffset:    getenv(EnvTZOffset),
		LogLevel:    orDefault(getenv(EnvLogLevel), DefaultLogLevel),
		HistoryDB:   getenv(EnvHistoryDB),
		AspectRatio: getenv(EnvAspectRatio),
	}

	var errs []error
	c.Workers = intVar(getenv, EnvWorkers, batch.DefaultWorkers, &errs)
	c.MaxRetries = intVar(getenv, EnvMaxRetries, retry.DefaultMaxAttempts, &errs)

	if v := getenv(EnvSeed); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", EnvSeed, err))
		}
		c.Seed = n
	}
	if v := getenv(EnvRPS); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", EnvRPS, err))
		}
		c.RequestsPerSecond = f
	}
	if v := getenv(EnvLogJSON); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", EnvLogJSON, err))
		}
		c.LogJSON = b
	}

	if c.HistoryDB == "" {
		if path, err := history.DefaultDBPath(); err == nil {
			c.HistoryDB = path
		}
	}

	if len(errs) > 0 {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
	}
	return c, nil
}

func (c *Config) Validate() error {
	var errs []error
	if c.Workers < 1 || c.Workers > batch.MaxWorkers {
		errs = append(errs, fmt.Errorf("workers must be between 1 and %d, got %d", batch.MaxWorkers, c.Workers))
	}
	if c.MaxRetries < 1 {
		errs = append(errs, fmt.Errorf("max retries must be at least 1, got %d", c.MaxRetries))
	}
	if c.RequestsPerSecond < 0 {
		errs = append(errs, fmt.Errorf("requests per second must not be negative, got %g", c.RequestsPerSecond))
	}
	if c.OutputDir == "" {
		errs = append(errs, errors.New("output directory is empty"))
	}
	if c.TZOffset != "" {
		if _, err := auth.FixedZone(c.TZOffset); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
	}
	return nil
}

// Proxy returns the proxy to use: the proxy file when one is set, otherwise
// the per-scheme environment values. It returns nil for direct connections.
func (c *Config) Proxy() (*transport.ProxyConfig, error) {
	if c.ProxyFile != "" {
		return transport.LoadProxyFile(c.ProxyFile)
	}
	p := &transport.ProxyConfig{HTTP: c.ProxyHTTP, HTTPS: c.ProxyHTTPS}
	if p.IsZero() {
		return nil, nil
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

// Location is the zone bare expiry timestamps are read in.
func (c *Config) Location() (*time.Location, error) {
	if c.TZOffset == "" {
		return time.Local, nil
	}
	return auth.FixedZone(c.TZOffset)
}

func intVar(getenv func(string) string, key string, def int, errs *[]error) int {
	v := getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return n
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
