package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"cronkeeper/internal/launch"
	"cronkeeper/internal/mutex"
)

// EnvMutex overrides mutex.kind.
const EnvMutex = "CRONKEEPER_MUTEX"

const (
	DefaultMetricsAddr    = "127.0.0.1:9464"
	DefaultSweepThreshold = 24 * time.Hour
	DefaultPollInterval   = time.Second
)

// DefaultDataDir is where the store lives when storage.path is not set.
func DefaultDataDir() string {
	if d, err := os.UserCacheDir(); err == nil && d != "" {
		return filepath.Join(d, "cronkeeper")
	}
	return filepath.Join(os.TempDir(), "cronkeeper")
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if strings.TrimSpace(c.Storage.Path) == "" {
		c.Storage.Path = filepath.Join(DefaultDataDir(), "tasks.db")
	}
	if strings.TrimSpace(c.Mutex.Kind) == "" {
		c.Mutex.Kind = string(mutex.KindFile)
	}
	if strings.TrimSpace(c.Mutex.Dir) == "" {
		c.Mutex.Dir = filepath.Join(filepath.Dir(c.Storage.Path), "locks")
	}
	if strings.TrimSpace(c.Launcher.Mode) == "" {
		c.Launcher.Mode = launch.ModeSetsid
	}
	if strings.TrimSpace(c.Wrapper.LogFile) == "" {
		c.Wrapper.LogFile = filepath.Join(filepath.Dir(c.Storage.Path), "wrapper.log")
	}
	if strings.TrimSpace(c.Logging.Level) == "" {
		c.Logging.Level = "info"
		c.Logging.Console = true
	}
	if strings.TrimSpace(c.Metrics.Addr) == "" {
		c.Metrics.Addr = DefaultMetricsAddr
	}
}

func (c *Config) applyEnv() {
	if v := strings.TrimSpace(os.Getenv(EnvMutex)); v != "" {
		c.Mutex.Kind = v
	}
}

// Validate checks values that cannot be defaulted.
func (c *Config) Validate() error {
	var errs []error
	if _, err := mutex.ParseKind(c.Mutex.Kind); err != nil {
		errs = append(errs, fmt.Errorf("mutex.kind: %w", err))
	}
	switch strings.ToLower(strings.TrimSpace(c.Mutex.Provider)) {
	case "", mutex.ProviderFlock:
	case mutex.ProviderRedis:
		if strings.TrimSpace(c.Mutex.RedisAddr) == "" {
			errs = append(errs, errors.New("mutex.redis_addr is required for the redis provider"))
		}
	default:
		errs = append(errs, fmt.Errorf("mutex.provider: unknown provider %q", c.Mutex.Provider))
	}
	switch strings.ToLower(strings.TrimSpace(c.Launcher.Mode)) {
	case launch.ModeSetsid, launch.ModeSystemd:
	default:
		errs = append(errs, fmt.Errorf("launcher.mode: unknown mode %q", c.Launcher.Mode))
	}
	if _, err := c.Location(); err != nil {
		errs = append(errs, err)
	}
	if c.Dispatch.SpawnRatePerSec < 0 || c.Dispatch.SpawnBurst < 0 {
		errs = append(errs, errors.New("dispatch: spawn_rate_per_sec and spawn_burst must be >= 0"))
	}
	for path, raw := range map[string]string{
		"storage.busy_timeout":  c.Storage.BusyTimeout,
		"mutex.ttl":             c.Mutex.TTL,
		"wrapper.poll_interval": c.Wrapper.PollInterval,
		"sweep.threshold":       c.Sweep.Threshold,
		"sweep.interval":        c.Sweep.Interval,
		"metrics.read_timeout":  c.Metrics.ReadTimeout,
		"metrics.write_timeout": c.Metrics.WriteTimeout,
		"metrics.idle_timeout":  c.Metrics.IdleTimeout,
	} {
		if _, err := ParseDurationField(path, raw); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Location resolves dispatch.timezone.
func (c *Config) Location() (*time.Location, error) {
	tz := strings.TrimSpace(c.Dispatch.Timezone)
	if tz == "" || strings.EqualFold(tz, "local") {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("dispatch.timezone: %w", err)
	}
	return loc, nil
}

// MutexKind is the resolved mutex.kind.
func (c *Config) MutexKind() mutex.Kind {
	k, err := mutex.ParseKind(c.Mutex.Kind)
	if err != nil {
		return mutex.KindFile
	}
	return k
}

func (c *Config) SweepThreshold() time.Duration {
	d, _ := ParseDurationOrDefault("sweep.threshold", c.Sweep.Threshold, DefaultSweepThreshold)
	return d
}

func (c *Config) SweepInterval() time.Duration {
	d, _ := ParseDurationField("sweep.interval", c.Sweep.Interval)
	return d
}

func (c *Config) PollInterval() time.Duration {
	d, _ := ParseDurationOrDefault("wrapper.poll_interval", c.Wrapper.PollInterval, DefaultPollInterval)
	return d
}
