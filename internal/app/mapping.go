package app

import (
	"path/filepath"
	"strings"
	"time"

	"cronkeeper/internal/config"
	"cronkeeper/internal/launch"
	"cronkeeper/internal/mutex"
	"cronkeeper/internal/observability/httpserver"
	"cronkeeper/internal/storage"
	logx "cronkeeper/pkg/logx"
)

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	busy, err := config.ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{Path: strings.TrimSpace(cfg.Storage.Path), BusyTimeout: busy}, nil
}

func mapMutexOptions(cfg *config.Config, st *storage.Store, log logx.Logger) (mutex.Options, error) {
	ttl, err := config.ParseDurationField("mutex.ttl", cfg.Mutex.TTL)
	if err != nil {
		return mutex.Options{}, err
	}
	return mutex.Options{
		Dir:       cfg.Mutex.Dir,
		DB:        st.DB(),
		Provider:  cfg.Mutex.Provider,
		RedisAddr: cfg.Mutex.RedisAddr,
		RedisDB:   cfg.Mutex.RedisDB,
		KeyPrefix: cfg.Mutex.KeyPrefix,
		TTL:       ttl,
		Log:       log,
	}, nil
}

// mapLauncherConfig forwards an absolute config path; systemd units start in /.
func mapLauncherConfig(cfg *config.Config, cfgPath string) launch.Config {
	if cfgPath != "" {
		if abs, err := filepath.Abs(cfgPath); err == nil {
			cfgPath = abs
		}
	}
	return launch.Config{
		Mode:       cfg.Launcher.Mode,
		Executable: cfg.Launcher.Executable,
		ConfigPath: cfgPath,
		UserBus:    cfg.Launcher.UserBus,
		UnitPrefix: cfg.Launcher.UnitPrefix,
	}
}

func mapMetricsConfig(cfg *config.Config) (httpserver.Config, error) {
	mc := cfg.Metrics
	read, err := config.ParseDurationOrDefault("metrics.read_timeout", mc.ReadTimeout, 5*time.Second)
	if err != nil {
		return httpserver.Config{}, err
	}
	write, err := config.ParseDurationOrDefault("metrics.write_timeout", mc.WriteTimeout, 30*time.Second)
	if err != nil {
		return httpserver.Config{}, err
	}
	idle, err := config.ParseDurationOrDefault("metrics.idle_timeout", mc.IdleTimeout, 60*time.Second)
	if err != nil {
		return httpserver.Config{}, err
	}
	return httpserver.Config{
		Addr:         mc.Addr,
		Token:        mc.Token,
		Pprof:        mc.Pprof,
		ReadTimeout:  read,
		WriteTimeout: write,
		IdleTimeout:  idle,
	}, nil
}

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

// wrapperLogConfig sends wrapper logs to a JSON file; the wrapper has no terminal.
func wrapperLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level: cfg.Logging.Level,
		File:  logx.FileConfig{Enabled: true, Path: cfg.Wrapper.LogFile},
	}
}
