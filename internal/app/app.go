// Package app wires configuration, storage, the lock backend, the launcher
// and the engine into the operations exposed by the command line.
package app

import (
	"context"
	"errors"
	"io"
	"time"

	"golang.org/x/time/rate"

	"cronkeeper/internal/config"
	"cronkeeper/internal/engine"
	"cronkeeper/internal/launch"
	"cronkeeper/internal/metrics"
	"cronkeeper/internal/mutex"
	"cronkeeper/internal/storage"
	logx "cronkeeper/pkg/logx"
)

// Mode selects how the process logs.
type Mode int

const (
	// ModeCLI logs per logging.* (console by default).
	ModeCLI Mode = iota
	// ModeWrapper logs JSON to wrapper.log_file.
	ModeWrapper
)

// Options overrides parts of the wiring.
type Options struct {
	Mode Mode
	// Launcher replaces the configured launcher.
	Launcher launch.Launcher
	// Now replaces the engine clock.
	Now func() time.Time
}

type App struct {
	cfgPath string
	cfgm    *config.ConfigManager
	cfg     *config.Config
	opts    Options

	log  logx.Logger
	logs *logx.Service

	store   *storage.Store
	metrics *metrics.Registry

	// built on first dispatch
	launcher launch.Launcher
	engine   *engine.Engine
	loader   *engine.Loader
}

// Open loads the config at cfgPath (a missing file means defaults) and opens
// the store.
func Open(cfgPath string, opts Options) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logCfg := mapLogConfig(cfg)
	if opts.Mode == ModeWrapper {
		logCfg = wrapperLogConfig(cfg)
	}
	logs, log := logx.New(logCfg)
	cfgm.SetLogger(log.With(logx.String("comp", "config")))

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		_ = logs.Close()
		return nil, err
	}
	st, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
	if err != nil {
		_ = logs.Close()
		return nil, err
	}

	return &App{
		cfgPath: cfgPath,
		cfgm:    cfgm,
		cfg:     cfg,
		opts:    opts,
		log:     log.With(logx.String("comp", "app")),
		logs:    logs,
		store:   st,
	}, nil
}

func (a *App) Config() *config.Config { return a.cfg }

func (a *App) Store() *storage.Store { return a.store }

func (a *App) Logger() logx.Logger { return a.log }

// Close releases the launcher, the store and the log sinks.
func (a *App) Close() error {
	var errs []error
	if c, ok := a.launcher.(io.Closer); ok {
		errs = append(errs, c.Close())
	}
	if a.store != nil {
		errs = append(errs, a.store.Close())
	}
	if a.logs != nil {
		errs = append(errs, a.logs.Close())
	}
	return errors.Join(errs...)
}

// Mutex builds the lock backend of kind.
func (a *App) Mutex(kind mutex.Kind) (mutex.Mutex, error) {
	opts, err := mapMutexOptions(a.cfg, a.store, a.log.With(logx.String("comp", "mutex")))
	if err != nil {
		return nil, err
	}
	return mutex.New(kind, opts)
}

// Engine builds the dispatcher and its loader on first use.
func (a *App) Engine(ctx context.Context) (*engine.Engine, *engine.Loader, error) {
	if a.engine != nil {
		return a.engine, a.loader, nil
	}
	m, err := a.Mutex(a.cfg.MutexKind())
	if err != nil {
		return nil, nil, err
	}
	l := a.opts.Launcher
	if l == nil {
		l, err = launch.New(ctx, mapLauncherConfig(a.cfg, a.cfgm.Path()), a.log.With(logx.String("comp", "launch")))
		if err != nil {
			return nil, nil, err
		}
		a.launcher = l
	}
	loc, err := a.cfg.Location()
	if err != nil {
		return nil, nil, err
	}

	var limiter *rate.Limiter
	if r := a.cfg.Dispatch.SpawnRatePerSec; r > 0 {
		limiter = rate.NewLimiter(rate.Limit(r), max(a.cfg.Dispatch.SpawnBurst, 1))
	}

	eng, err := engine.New(engine.Options{
		Store:    a.store,
		Mutex:    m,
		Launcher: l,
		Location: loc,
		Limiter:  limiter,
		Metrics:  a.metrics,
		Log:      a.log.With(logx.String("comp", "engine")),
		Now:      a.opts.Now,
	})
	if err != nil {
		return nil, nil, err
	}
	a.engine = eng
	a.loader = engine.NewLoader(a.store, eng, a.log.With(logx.String("comp", "loader")))
	return eng, a.loader, nil
}
