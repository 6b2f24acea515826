package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"postdeck/internal/eventbus"
	"postdeck/internal/observability/ops"
	"postdeck/internal/publish"
	"postdeck/internal/queue"
	"postdeck/internal/queue/redisq"
	"postdeck/internal/scanner"
	"postdeck/internal/storage"
	"postdeck/internal/task/engine"
	"postdeck/internal/task/scheduler"
	logx "postdeck/pkg/logx"
)

type App struct {
	cfgPath string

	cfgm *ConfigManager
	sup  *Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store *storage.Store

	engine   *engine.Service
	sched    *scheduler.Service
	executor *publish.Executor
	queue    queue.Runner
	sqlq     *queue.SQL // nil when the redis backend is in use
	scanner  *scanner.Scanner
	ops      *ops.Service
}

func NewApp(cfgPath string) (*App, error) {
	cfgm := NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	logSvc, log := logx.New(mapLogConfig(cfg))
	appLog := log.Component("app")

	bus := eventbus.New()

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(sc, log.Component("storage"))
	if err != nil {
		return nil, err
	}
	appLog.Info("storage ready", logx.String("driver", store.Driver()))

	// Everything below owns nothing yet; close the store on any error.
	a, err := build(cfgPath, cfgm, cfg, logSvc, log, bus, store)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	return a, nil
}

func build(cfgPath string, cfgm *ConfigManager, cfg *Config, logSvc *logx.Service, log logx.Logger, bus eventbus.Bus, store *storage.Store) (*App, error) {
	files, err := buildMedia(cfg)
	if err != nil {
		return nil, err
	}
	reg, err := buildRegistry(cfg)
	if err != nil {
		return nil, err
	}

	engCfg, err := mapTaskEngineConfig(cfg)
	if err != nil {
		return nil, err
	}
	engineSvc := engine.New(engCfg, log, bus)

	pubCfg, err := mapPublishConfig(cfg)
	if err != nil {
		return nil, err
	}
	executor := publish.New(pubCfg, store, reg, files, log, bus)

	var (
		runner queue.Runner
		sqlq   *queue.SQL
	)
	switch queueBackend(cfg) {
	case "redis":
		rc, err := mapRedisQueueConfig(cfg)
		if err != nil {
			return nil, err
		}
		runner = redisq.New(rc, executor.Run, executor.Exhausted, log, bus)
	default:
		qc, err := mapSQLQueueConfig(cfg)
		if err != nil {
			return nil, err
		}
		sqlq = queue.NewSQL(qc, store, engineSvc, executor.Run, executor.Exhausted, log, bus)
		runner = sqlq
	}

	scCfg, err := mapScannerConfig(cfg)
	if err != nil {
		return nil, err
	}
	scan := scanner.New(scCfg, store, runner, log, bus)

	schedSvc := scheduler.New(scheduler.Config{
		Enabled:  cfg.Scheduler.Enabled,
		Timezone: cfg.Scheduler.Timezone,
	}, engineSvc, log, bus)

	opsCfg, err := mapOpsConfig(cfg)
	if err != nil {
		return nil, err
	}

	a := &App{
		cfgPath:  cfgPath,
		cfgm:     cfgm,
		log:      log.Component("app"),
		logs:     logSvc,
		bus:      bus,
		store:    store,
		engine:   engineSvc,
		sched:    schedSvc,
		executor: executor,
		queue:    runner,
		sqlq:     sqlq,
		scanner:  scan,
	}
	a.ops = ops.New(opsCfg, ops.Deps{
		Ledger:    store,
		Ping:      func(ctx context.Context) error { return store.DB().PingContext(ctx) },
		Engine:    engineSvc,
		Queue:     runner,
		Scheduler: schedSvc,
		Scanner:   scan,
		ScanJob:   jobScan,
		Started:   time.Now(),
	}, log)

	if err := a.registerSchedules(cfg); err != nil {
		return nil, err
	}
	return a, nil
}

// registerSchedules (re)installs the periodic jobs. Re-adding a name
// replaces the previous definition.
func (a *App) registerSchedules(cfg *Config) error {
	scanSpec, recoverSpec, reapSpec := scanSchedules(cfg)
	// A missed tick is picked up by the next one; the engine must not retry scans.
	opt := scheduler.TaskOptions{Overlap: scheduler.OverlapSkipIfRunning, RetryMax: -1}

	if err := a.sched.AddScheduleOpt(jobScan, scanSpec, 0, opt, func(ctx context.Context) error {
		_, err := a.scanner.Scan(ctx, time.Now())
		return err
	}); err != nil {
		return fmt.Errorf("scanner.schedule: %w", err)
	}
	if err := a.sched.AddScheduleOpt(jobRecover, recoverSpec, 0, opt, func(ctx context.Context) error {
		_, err := a.scanner.Recover(ctx, time.Now())
		return err
	}); err != nil {
		return fmt.Errorf("scanner.recover_schedule: %w", err)
	}
	if a.sqlq == nil {
		a.sched.Remove(jobReap)
		return nil
	}
	if err := a.sched.AddScheduleOpt(jobReap, reapSpec, 0, opt, a.sqlq.Reap); err != nil {
		return fmt.Errorf("queue.reap_schedule: %w", err)
	}
	return nil
}

// Store exposes the ledger for the CLI and tests.
func (a *App) Store() *storage.Store { return a.store }

// ScanNow runs one scan pass synchronously, as if the schedule fired at now.
func (a *App) ScanNow(ctx context.Context, now time.Time) (scanner.Report, error) {
	return a.scanner.Scan(ctx, now)
}

// Requeue resets a picked post. A nil at puts it back to draft.
func (a *App) Requeue(ctx context.Context, id string, at *time.Time) error {
	return a.store.Requeue(ctx, id, at)
}

// Reload re-reads the config file now (SIGHUP). Subscribers only see it
// when it changed and passed validation.
func (a *App) Reload(ctx context.Context) error {
	changed, err := a.cfgm.Reload(ctx)
	if err != nil {
		return err
	}
	if !changed {
		a.log.Info("config reload requested; file unchanged")
	}
	return nil
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = NewSupervisor(ctx, WithLogger(a.log), WithCancelOnError(true))

	// transactional config reload: validate before commit/publish
	a.cfgm.SetLogger(a.log.Component("config"))
	a.cfgm.SetValidator(func(_ context.Context, cfg *Config) error {
		return validate(cfg)
	})

	// Engine first: the SQL queue and the scheduler both submit to it.
	a.engine.Start(a.sup.Context())
	if err := a.queue.Start(a.sup.Context()); err != nil {
		return fmt.Errorf("start queue: %w", err)
	}
	if a.sched.Enabled() {
		a.sched.Start(a.sup.Context())
	} else {
		a.log.Warn("scheduler disabled; due posts are only dispatched on demand")
	}
	if a.ops.Enabled() {
		a.ops.Start(a.sup.Context())
	}

	if a.bus != nil {
		events, unsub := a.bus.Subscribe(128)
		a.sup.Go0("eventbus.log", func(c context.Context) {
			defer unsub()
			for {
				select {
				case <-c.Done():
					return
				case e, ok := <-events:
					if !ok {
						return
					}
					a.log.Debug("event", eventFields(e)...)
				}
			}
		})
	}

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config in the channel.
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						goto APPLY
					}
				}
			APPLY:
				a.applyConfig(c, lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})

	a.sup.GoRestart("config.watch", a.cfgm.Watch, WithRestartBackoff(250*time.Millisecond, 5*time.Second))

	a.log.Info("app started",
		logx.String("queue", queueBackend(a.cfgm.Get())),
		logx.Bool("scheduler", a.sched.Enabled()),
		logx.Bool("ops", a.ops.Enabled()))
	return nil
}

func (a *App) applyConfig(c context.Context, oldCfg, newCfg *Config) {
	sections, attrs, platforms := SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Debug("config change summary", fields...)

	for _, s := range sections {
		switch s {
		case "storage", "media":
			a.log.Warn(s + " config changed; restart required for changes to take effect")
		case "platforms":
			a.log.Warn("platform config changed; restart required for changes to take effect", logx.Strs("platforms", platforms))
		}
	}
	if queueBackend(oldCfg) != queueBackend(newCfg) {
		a.log.Warn("queue backend changed; restart required for changes to take effect")
	}

	a.logs.Apply(mapLogConfig(newCfg))

	if ec, err := mapTaskEngineConfig(newCfg); err != nil {
		a.log.Warn("invalid task_engine config; keeping previous", logx.Err(err))
	} else {
		a.engine.Apply(c, ec)
	}

	if pc, err := mapPublishConfig(newCfg); err != nil {
		a.log.Warn("invalid publish config; keeping previous", logx.Err(err))
	} else {
		a.executor.Apply(pc)
	}

	if sc, err := mapScannerConfig(newCfg); err != nil {
		a.log.Warn("invalid scanner config; keeping previous", logx.Err(err))
	} else {
		a.scanner.Apply(sc)
	}

	if a.sqlq != nil {
		if qc, err := mapSQLQueueConfig(newCfg); err != nil {
			a.log.Warn("invalid queue config; keeping previous", logx.Err(err))
		} else {
			a.sqlq.Apply(qc)
		}
	}

	prevSched := a.sched.Enabled()
	a.sched.Apply(scheduler.Config{Enabled: newCfg.Scheduler.Enabled, Timezone: newCfg.Scheduler.Timezone})
	if err := a.registerSchedules(newCfg); err != nil {
		a.log.Warn("invalid schedule; keeping previous", logx.Err(err))
	}
	switch {
	case prevSched && !newCfg.Scheduler.Enabled:
		a.log.Info("scheduler disabled via config")
		stopCtx, cancel := context.WithTimeout(c, 3*time.Second)
		a.sched.Stop(stopCtx)
		cancel()
	case !prevSched && newCfg.Scheduler.Enabled:
		a.log.Info("scheduler enabled via config")
		a.sched.Start(c)
	}

	if oc, err := mapOpsConfig(newCfg); err != nil {
		a.log.Warn("invalid ops config; keeping previous", logx.Err(err))
	} else {
		a.ops.Reconfigure(c, oc)
	}

	a.log.Info("config reloaded", fields...)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		// Never started (one-shot CLI commands): only release clients.
		a.queue.Stop(ctx)
		return a.closeStore()
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// Cancel the run context so background loops start unwinding immediately.
	a.sup.Cancel()

	// step runs a shutdown step with an upper bound so one component can't stall the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

		stepCtx := ctx
		var cancel context.CancelFunc
		if max > 0 {
			// respect the caller's deadline; never extend it
			if dl, ok := ctx.Deadline(); ok {
				rem := time.Until(dl)
				if rem <= 0 {
					max = 0
				} else if rem < max {
					max = rem
				}
			}
			if max > 0 {
				stepCtx, cancel = context.WithTimeout(ctx, max)
				defer cancel()
			}
		}

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			took := time.Since(start)
			if took >= 500*time.Millisecond {
				a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
			} else {
				a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
			}
		case <-stepCtx.Done():
			elapsed := time.Since(start)
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Err(stepCtx.Err()),
				logx.Duration("elapsed", elapsed))
			go func() {
				err := <-done
				took := time.Since(start)
				if err != nil {
					a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err), logx.Duration("took", took))
				} else {
					a.log.Info("stop step finished after deadline", logx.String("name", name), logx.Duration("took", took))
				}
			}()
		}
	}

	// Triggers first, then the queue so no new work is leased, then the
	// workers that are still finishing publishes.
	step("scheduler", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	step("queue", 10*time.Second, func(c context.Context) error { a.queue.Stop(c); return nil })
	step("taskengine", 5*time.Second, func(c context.Context) error { a.engine.Stop(c); return nil })
	step("ops", 1*time.Second, func(c context.Context) error { a.ops.Stop(c); return nil })
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })
	step("storage", 1*time.Second, func(context.Context) error { return a.closeStore() })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

func (a *App) closeStore() error {
	if a.store == nil {
		return nil
	}
	err := a.store.Close()
	if errors.Is(err, storage.ErrDisabled) {
		return nil
	}
	return err
}
