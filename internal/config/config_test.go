package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/manash/imgbatch/internal/history"
	"github.com/manash/imgbatch/internal/retry"
)

func envFrom(m map[string]string) func(string) string {
	return func(k string) string { return m[k] }
}

func TestLoad_Defaults(t *testing.T) {
	c, err := Load(envFrom(map[string]string{EnvHistoryDB: "/tmp/h.db"}))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if c.Workers != 3 || c.MaxRetries != 3 || c.Seed != 0 || c.OutputDir != DefaultOutputDir || c.LogLevel != "info" {
		t.Errorf("defaults = %+v", c)
	}
	if err := c.Validate(); err != nil {
		t.Errorf("Validate() error = %v", err)
	}
	loc, err := c.Location()
	if err != nil || loc != time.Local {
		t.Errorf("Location() = %v, %v", loc, err)
	}
}

func TestLoad_DefaultHistoryDB(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	want, err := history.DefaultDBPath()
	if err != nil {
		t.Fatal(err)
	}

	c, err := Load(envFrom(nil))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if c.HistoryDB != want {
		t.Errorf("HistoryDB = %q, want %q", c.HistoryDB, want)
	}
}

func TestLoad_MaxRetriesFollowsGenerationBudget(t *testing.T) {
	c, err := Load(envFrom(map[string]string{EnvHistoryDB: "/tmp/h.db"}))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if c.MaxRetries != retry.DefaultMaxAttempts || c.MaxRetries != retry.DefaultPolicy().MaxAttempts {
		t.Errorf("MaxRetries = %d, want %d", c.MaxRetries, retry.DefaultMaxAttempts)
	}
}

func TestLoad_Values(t *testing.T) {
	c, err := Load(envFrom(map[string]string{
		EnvCookie:     "  SID=1  ",
		EnvWorkers:    "5",
		EnvSeed:       "424242",
		EnvMaxRetries: "4",
		EnvRPS:        "2.5",
		EnvTZOffset:   "+07:00",
		EnvLogJSON:    "true",
		EnvOutputDir:  "out",
	}))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if c.Cookie != "SID=1" || c.Workers != 5 || c.Seed != 424242 || c.MaxRetries != 4 || c.RequestsPerSecond != 2.5 || !c.LogJSON {
		t.Errorf("Load() = %+v", c)
	}
	loc, err := c.Location()
	if err != nil {
		t.Fatalf("Location() error = %v", err)
	}
	if _, off := time.Date(2025, 1, 1, 0, 0, 0, 0, loc).Zone(); off != 7*3600 {
		t.Errorf("offset = %d, want 25200", off)
	}
}

func TestLoad_ParseErrors(t *testing.T) {
	_, err := Load(envFrom(map[string]string{EnvWorkers: "many", EnvSeed: "x"}))
	if !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("Load() error = %v, want ErrInvalidConfig", err)
	}
	for _, key := range []string{EnvWorkers, EnvSeed} {
		if !strings.Contains(err.Error(), key) {
			t.Errorf("error %q does not name %s", err, key)
		}
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(c *Config)
	}{
		{"zero workers", func(c *Config) { c.Workers = 0 }},
		{"too many workers", func(c *Config) { c.Workers = 11 }},
		{"no retries", func(c *Config) { c.MaxRetries = 0 }},
		{"negative rps", func(c *Config) { c.RequestsPerSecond = -1 }},
		{"bad tz", func(c *Config) { c.TZOffset = "+25:00" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := Load(envFrom(nil))
			if err != nil {
				t.Fatal(err)
			}
			tt.modify(c)
			if err := c.Validate(); !errors.Is(err, ErrInvalidConfig) {
				t.Errorf("Validate() error = %v, want ErrInvalidConfig", err)
			}
		})
	}
}

func TestProxy(t *testing.T) {
	c := &Config{}
	if p, err := c.Proxy(); err != nil || p != nil {
		t.Errorf("Proxy() with nothing = %v, %v", p, err)
	}

	c.ProxyHTTPS = "http://127.0.0.1:8080"
	p, err := c.Proxy()
	if err != nil || p.HTTPS != "http://127.0.0.1:8080" || p.HTTP != "" {
		t.Errorf("Proxy() from env = %+v, %v", p, err)
	}

	c.ProxyHTTP = "ftp://nope"
	if _, err := c.Proxy(); err == nil {
		t.Error("Proxy() with ftp scheme error = nil")
	}

	file := filepath.Join(t.TempDir(), "proxy.txt")
	if err := os.WriteFile(file, []byte("10.0.0.1:3128\n"), 0600); err != nil {
		t.Fatal(err)
	}
	c.ProxyFile = file
	p, err = c.Proxy()
	if err != nil {
		t.Fatalf("Proxy() from file error = %v", err)
	}
	if p.HTTP != p.HTTPS || !strings.Contains(p.HTTP, "10.0.0.1:3128") {
		t.Errorf("Proxy() from file = %+v", p)
	}
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	local := filepath.Join(dir, ".env.local")
	base := filepath.Join(dir, ".env")
	os.WriteFile(local, []byte("IMGBATCH_TEST_A=local\n"), 0600)
	os.WriteFile(base, []byte("IMGBATCH_TEST_A=base\nIMGBATCH_TEST_B=base\n"), 0600)
	t.Setenv("IMGBATCH_TEST_A", "")
	t.Setenv("IMGBATCH_TEST_B", "")
	os.Unsetenv("IMGBATCH_TEST_A")
	os.Unsetenv("IMGBATCH_TEST_B")

	if err := LoadDotEnv(local, filepath.Join(dir, "missing"), base); err != nil {
		t.Fatalf("LoadDotEnv() error = %v", err)
	}
	if got := os.Getenv("IMGBATCH_TEST_A"); got != "local" {
		t.Errorf("A = %q, want local", got)
	}
	if got := os.Getenv("IMGBATCH_TEST_B"); got != "base" {
		t.Errorf("B = %q, want base", got)
	}
}
