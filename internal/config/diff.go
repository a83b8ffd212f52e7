package config

import (
	"strings"

	logx "cronkeeper/pkg/logx"
)

// SummarizeConfigChange returns the changed sections and safe structured
// attrs for the reload log line. Secrets (metrics token) are never included.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 16)

	if oldCfg.Storage != newCfg.Storage {
		changed = append(changed, "storage")
		attrs = append(attrs, logx.String("storage.path", newCfg.Storage.Path))
	}

	if oldCfg.Mutex != newCfg.Mutex {
		changed = append(changed, "mutex")
		attrs = append(attrs,
			logx.String("mutex.kind", newCfg.Mutex.Kind),
			logx.String("mutex.provider", newCfg.Mutex.Provider),
		)
	}

	if oldCfg.Launcher != newCfg.Launcher {
		changed = append(changed, "launcher")
		attrs = append(attrs, logx.String("launcher.mode", newCfg.Launcher.Mode))
	}

	if oldCfg.Wrapper != newCfg.Wrapper {
		changed = append(changed, "wrapper")
		attrs = append(attrs, logx.String("wrapper.poll_interval", newCfg.Wrapper.PollInterval))
	}

	if oldCfg.Dispatch != newCfg.Dispatch {
		changed = append(changed, "dispatch")
		attrs = append(attrs,
			logx.String("dispatch.timezone", strings.TrimSpace(newCfg.Dispatch.Timezone)),
			logx.Float64("dispatch.spawn_rate_per_sec", newCfg.Dispatch.SpawnRatePerSec),
		)
	}

	if oldCfg.Sweep != newCfg.Sweep {
		changed = append(changed, "sweep")
		attrs = append(attrs,
			logx.String("sweep.threshold", newCfg.Sweep.Threshold),
			logx.String("sweep.interval", newCfg.Sweep.Interval),
		)
	}

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	om, nm := oldCfg.Metrics, newCfg.Metrics
	tokenChanged := om.Token != nm.Token
	om.Token, nm.Token = "", ""
	if om != nm || tokenChanged {
		changed = append(changed, "metrics")
		attrs = append(attrs,
			logx.Bool("metrics.enabled", newCfg.Metrics.Enabled),
			logx.String("metrics.addr", newCfg.Metrics.Addr),
			logx.Bool("metrics.pprof", newCfg.Metrics.Pprof),
			logx.Bool("metrics.token_set", newCfg.Metrics.Token != ""),
		)
	}

	return changed, attrs
}

// RestartRequired reports changes that only take effect on the next start
// of serve mode (the store, lock backend and launcher are built once).
func RestartRequired(changed []string) []string {
	var out []string
	for _, s := range changed {
		switch s {
		case "storage", "mutex", "launcher", "metrics":
			out = append(out, s)
		}
	}
	return out
}
