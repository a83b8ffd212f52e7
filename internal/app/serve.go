package app

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"cronkeeper/internal/config"
	"cronkeeper/internal/engine"
	"cronkeeper/internal/metrics"
	"cronkeeper/internal/observability/httpserver"
	"cronkeeper/internal/runtime/supervisor"
	"cronkeeper/internal/schedule"
	logx "cronkeeper/pkg/logx"
)

// Serve runs the dispatcher as a daemon: a dispatch pass at the start of
// every minute, the periodic stale-run sweep, config hot reload and the
// metrics endpoint. It returns when ctx ends or a component fails.
func (a *App) Serve(ctx context.Context) error {
	boot := a.cfg
	if boot.Metrics.Enabled {
		a.metrics = metrics.New()
	}

	sup := supervisor.New(ctx,
		supervisor.WithLogger(a.log.With(logx.String("comp", "supervisor"))),
		supervisor.WithCancelOnError(true),
	)
	eng, loader, err := a.Engine(sup.Context())
	if err != nil {
		sup.Cancel()
		return err
	}

	var cur atomic.Pointer[config.Config]
	cur.Store(boot)

	loc, _ := boot.Location()
	// Every-minute ticks fall on the same instants in every zone, so a
	// timezone reload only needs to reach the engine.
	c := cron.New(cron.WithLocation(loc), cron.WithChain(cron.SkipIfStillRunning(cronLogger{a.log})))
	if _, err := c.AddFunc(string(schedule.EveryMinute), func() { a.tick(sup.Context(), eng, loader) }); err != nil {
		sup.Cancel()
		return err
	}
	c.Start()

	sup.Go("sweep", func(ctx context.Context) error {
		return a.sweepLoop(ctx, eng, &cur)
	})

	if boot.Metrics.Enabled {
		hc, err := mapMetricsConfig(boot)
		if err != nil {
			sup.Cancel()
			return err
		}
		srv := httpserver.New(hc, a.metrics.Gatherer, a.log.With(logx.String("comp", "metrics")))
		sup.GoRestart("metrics.http", srv.Run, 500*time.Millisecond, 10*time.Second)
	}

	sub := a.cfgm.Subscribe(8)
	sup.Go("config.reload", func(ctx context.Context) error {
		defer a.cfgm.Unsubscribe(sub)
		for {
			select {
			case <-ctx.Done():
				return nil
			case newCfg, ok := <-sub:
				if !ok {
					return nil
				}
				a.applyConfig(eng, cur.Swap(newCfg), newCfg)
			}
		}
	})
	sup.Go("config.watch", a.cfgm.Watch)

	a.log.Info("serving",
		logx.String("mutex", string(eng.Mutex().Kind())),
		logx.String("launcher", boot.Launcher.Mode),
		logx.String("tz", loc.String()),
		logx.Bool("metrics", boot.Metrics.Enabled),
	)

	<-sup.Context().Done()
	a.log.Info("stopping")

	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	select {
	case <-c.Stop().Done():
	case <-stopCtx.Done():
		a.log.Warn("dispatch pass still running at shutdown")
	}
	if err := sup.Stop(stopCtx); err != nil {
		return err
	}
	a.log.Info("stopped")
	return nil
}

// tick reloads the definitions so tasks added from the command line are
// picked up, then runs one pass.
func (a *App) tick(ctx context.Context, eng *engine.Engine, loader *engine.Loader) {
	if ctx.Err() != nil {
		return
	}
	if _, err := loader.LoadTasks(ctx); err != nil {
		a.log.Error("load tasks", logx.Err(err))
		return
	}
	out := eng.Run(ctx)
	releasePassLeases(ctx, eng.Mutex(), a.log)
	if len(out) > 0 {
		a.log.Info("dispatch pass", logx.Int("due", len(out)))
	}
}

func (a *App) sweepLoop(ctx context.Context, eng *engine.Engine, cur *atomic.Pointer[config.Config]) error {
	const idle = time.Minute
	for {
		cfg := cur.Load()
		wait := cfg.SweepInterval()
		if wait <= 0 {
			// Disabled; look again after a reload.
			wait = idle
		} else {
			sw := &engine.Sweeper{
				Store:   a.store,
				Mutex:   eng.Mutex(),
				Metrics: a.metrics,
				Log:     a.log.With(logx.String("comp", "sweep")),
			}
			if _, err := sw.Sweep(ctx, cfg.SweepThreshold()); err != nil && ctx.Err() == nil {
				a.log.Error("stale-run sweep failed", logx.Err(err))
			}
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}
	}
}

// applyConfig hot-applies logging and timezone; other sections take effect
// on restart.
func (a *App) applyConfig(eng *engine.Engine, oldCfg, newCfg *config.Config) {
	sections, attrs := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Debug("config reload received, but no effective changes detected")
		return
	}

	a.logs.Apply(mapLogConfig(newCfg))
	if loc, err := newCfg.Location(); err == nil {
		eng.SetLocation(loc)
	}

	if restart := config.RestartRequired(sections); len(restart) > 0 {
		a.log.Warn("config changed; restart required for changes to take effect", logx.String("sections", strings.Join(restart, ",")))
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config applied", fields...)
}

// cronLogger adapts logx to cron.Logger.
type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, kv ...interface{}) {
	l.log.Debug("cron: "+msg, kvFields(kv)...)
}

func (l cronLogger) Error(err error, msg string, kv ...interface{}) {
	l.log.Error("cron: "+msg, append(kvFields(kv), logx.Err(err))...)
}

func kvFields(kv []interface{}) []logx.Field {
	out := make([]logx.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		out = append(out, logx.Any(fmt.Sprint(kv[i]), kv[i+1]))
	}
	return out
}
