package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"tgsigner/internal/config"
	"tgsigner/internal/dispatcher"
	"tgsigner/internal/eventbus"
	"tgsigner/internal/queue"
	"tgsigner/internal/rules"
	"tgsigner/internal/runtime/supervisor"
	"tgsigner/internal/storage"
	kit "tgsigner/internal/transport"
	telegram "tgsigner/internal/transport/telegram/adapter"
	"tgsigner/internal/transport/telegram/mtproto"
	logx "tgsigner/pkg/logx"
)

type App struct {
	cfgPath string

	cfgm *config.ConfigManager
	sup  *supervisor.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	// adapter plays the game as a user account. Log lines go out through a
	// separate bot, see New.
	adapter kit.Adapter

	queue     *queue.Queue
	disp      *dispatcher.Dispatcher
	router    *rules.Router
	daily     *rules.Daily
	periodic  *rules.Periodic
	garden    *rules.Garden
	star      *rules.Star
	activity  *rules.Activity
	custom    *rules.Custom
	scheduled *rules.Scheduled
	jobs      *jobs

	updates chan kit.Update
}

// Status is an operational snapshot.
type Status struct {
	Queued     int
	Live       int
	Dispatcher dispatcher.Stats
	Daily      rules.DailyStatus
	Periodic   []rules.TaskStatus
	Garden     rules.GardenStatus
	Star       rules.StarStatus
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := validateRuntime(cfg); err != nil {
		return nil, err
	}
	loc, err := config.LoadLocation(cfg.Game.Timezone)
	if err != nil {
		return nil, err
	}

	bootLog := logx.NewConsole("INFO")
	// The bot only delivers log lines; it never polls.
	var (
		logBot *telegram.Adapter
		sink   logx.Sender
	)
	if strings.TrimSpace(cfg.Telegram.Token) != "" {
		logBot, err = telegram.New(telegram.Config{Token: cfg.Telegram.Token}, bootLog.With(logx.String("comp", "logbot")))
		if err != nil {
			return nil, err
		}
		sink = logBot
	}

	// Bootstrap with the Telegram sink off, set its target, then enable it,
	// so Apply does not warn about a missing target.
	logCfg := mapLogConfig(cfg)
	bootCfg := logCfg
	bootCfg.Telegram.Enabled = false
	logSvc, log := logx.New(bootCfg, sink)
	if chat := logChat(cfg); chat != 0 {
		logSvc.SetTelegramTarget(chat, cfg.Logging.Telegram.ThreadID)
	}
	logSvc.Apply(logCfg)
	log = log.With(logx.String("comp", "app"))

	ad, err := mtproto.New(mtproto.Config{
		AppID:       cfg.Telegram.AppID,
		AppHash:     cfg.Telegram.AppHash,
		Phone:       cfg.Telegram.Phone,
		Password:    cfg.Telegram.Password,
		SessionPath: cfg.Telegram.Session,
		ChatIDs:     []int64{cfg.Game.ChatID},
	}, log.With(logx.String("comp", "mtproto")))
	if err != nil {
		return nil, err
	}

	bus := eventbus.New()

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, err
	}
	log.Info("storage opened", logx.String("driver", sc.Driver))

	resolver, err := mapResolver(cfg, log.With(logx.String("comp", "cooldown")))
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	q := queue.New(queue.SystemClock())
	env := rules.Env{
		ChatID:   cfg.Game.ChatID,
		Account:  cfg.Game.Account,
		Queue:    q,
		Store:    store,
		Resolver: resolver,
		Clock:    queue.SystemClock(),
		Location: loc,
	}
	withLog := func(comp string) rules.Env {
		e := env
		e.Log = log.With(logx.String("comp", comp))
		return e
	}

	daily := rules.NewDaily(withLog("daily"), mapDailyOptions(cfg))
	periodic := rules.NewPeriodic(withLog("periodic"), mapPeriodicOptions(cfg))
	gardenOpts, err := mapGardenOptions(cfg)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	garden := rules.NewGarden(withLog("garden"), gardenOpts)
	star := rules.NewStar(withLog("star"), mapStarOptions(cfg))
	activity, err := rules.NewActivity(withLog("activity"), cfg.Activity.IsEnabled(), mapActivities(cfg))
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	customRules, err := mapCustomRules(cfg)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	custom, err := rules.NewCustom(withLog("custom"), customRules)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	dcfg, err := mapDispatcherConfig(cfg)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	sender := rules.NewGameSender(ad, kit.ChatTarget{ChatID: cfg.Game.ChatID, ThreadID: cfg.Game.ThreadID}, rules.ReplyTrackers{daily, activity})
	disp := dispatcher.New(dcfg, q, sender,
		dispatcher.WithBus(bus),
		dispatcher.WithJournal(store),
		dispatcher.WithLogger(log.With(logx.String("comp", "dispatcher"))),
	)

	j := newJobs(loc, log.With(logx.String("comp", "cron")))

	return &App{
		cfgPath:   cfgPath,
		cfgm:      cfgm,
		log:       log,
		logs:      logSvc,
		bus:       bus,
		store:     store,
		adapter:   ad,
		queue:     q,
		disp:      disp,
		router:    rules.NewRouter(cfg.Game.ChatID, cfg.Game.Name, log.With(logx.String("comp", "router")),
			daily, periodic, star, garden, activity, custom),
		daily:     daily,
		periodic:  periodic,
		garden:    garden,
		star:      star,
		activity:  activity,
		custom:    custom,
		scheduled: rules.NewScheduled(withLog("scheduled"), j.Cron()),
		jobs:      j,
		updates:   make(chan kit.Update, 256),
	}, nil
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

func (a *App) Status() Status {
	return Status{
		Queued:     a.queue.Len(),
		Live:       a.queue.PendingCount(),
		Dispatcher: a.disp.Snapshot(),
		Daily:      a.daily.Status(),
		Periodic:   a.periodic.Status(),
		Garden:     a.garden.Status(),
		Star:       a.star.Status(),
	}
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.NewSupervisor(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	cfg := a.cfgm.Get()

	// transactional config reload: validate before commit/publish
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, c *config.Config) error {
		return validateRuntime(c)
	})

	if err := a.adapter.Start(a.sup.Context(), a.updates); err != nil {
		return err
	}

	a.router.Start(a.sup.Context())

	if err := a.registerJobs(cfg); err != nil {
		return err
	}
	a.jobs.start()

	a.sup.Go("dispatcher", a.disp.Run)
	a.sup.Go("updates", func(c context.Context) error {
		return a.router.Run(c, a.updates)
	})

	events, unsub := a.bus.Subscribe(128, "dispatch.")
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
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

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
				a.applyConfig(lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started",
		logx.Int64("chat_id", cfg.Game.ChatID),
		logx.Int("queued", a.queue.Len()),
	)
	return nil
}

func (a *App) registerJobs(cfg *config.Config) error {
	retention := cfg.Queue.StateRetention
	err := errors.Join(
		a.jobs.add("daily.reset", config.Or(cfg.Daily.ResetAt, config.DefaultResetAt), func(c context.Context) {
			if err := a.daily.Reset(c); err != nil {
				a.log.Warn("daily reset failed", logx.Err(err))
			}
		}),
		a.jobs.add("queue.prune", config.Or(cfg.Queue.PruneEvery, config.DefaultPruneEvery), func(context.Context) {
			n := a.queue.Prune(config.MustDurationOrDefault(retention, config.DefaultStateRetention))
			st := a.Status()
			a.log.Debug("queue pruned",
				logx.Int("removed", n),
				logx.Int("queued", st.Queued),
				logx.Int("live", st.Live),
				logx.Uint64("sent", st.Dispatcher.Sent),
			)
		}),
		a.jobs.add("periodic.rescan", config.Or(cfg.Periodic.Rescan, config.DefaultRescan), func(c context.Context) {
			a.periodic.Rescan(c)
			a.garden.Rescan(c)
			a.star.Rescan(c)
		}),
	)
	if err != nil {
		return err
	}
	return a.scheduled.Register(mapScheduledJobs(cfg))
}

// applyConfig hot-applies logging, dispatcher and custom rules. Other
// sections are logged as needing a restart.
func (a *App) applyConfig(oldCfg, newCfg *config.Config) {
	ch := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(ch.Sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(ch.Sections, ","))}, ch.Attrs...)
	a.log.Debug("config change summary", fields...)

	if ch.Has("logging") || ch.Has("telegram") {
		a.logs.SetTelegramTarget(logChat(newCfg), newCfg.Logging.Telegram.ThreadID)
		a.logs.Apply(mapLogConfig(newCfg))
	}
	if ch.Has("dispatcher") {
		if dc, err := mapDispatcherConfig(newCfg); err != nil {
			a.log.Warn("invalid dispatcher config; keeping previous", logx.Err(err))
		} else {
			a.disp.Apply(dc)
		}
	}
	if ch.Has("custom_rules") {
		cr, err := mapCustomRules(newCfg)
		if err == nil {
			err = a.custom.SetRules(cr)
		}
		if err != nil {
			a.log.Warn("invalid custom rules; keeping previous", logx.Err(err))
		}
	}
	if len(ch.RestartRequired) > 0 {
		a.log.Warn("config changes need a restart to take effect",
			logx.String("sections", strings.Join(ch.RestartRequired, ",")),
		)
	}
	a.log.Info("config reloaded", fields...)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// Cancel first so background loops start unwinding. An in-flight send
	// runs on its own context and completes.
	a.sup.Cancel()

	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

		stepCtx := ctx
		if dl, ok := ctx.Deadline(); ok && time.Until(dl) < max {
			max = time.Until(dl)
		}
		var cancel context.CancelFunc
		if max > 0 {
			stepCtx, cancel = context.WithTimeout(ctx, max)
			defer cancel()
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
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Err(stepCtx.Err()),
				logx.Duration("elapsed", time.Since(start)),
			)
		}
	}

	step("cron", 2*time.Second, func(c context.Context) error { a.jobs.stop(c); return nil })
	// The dispatcher may be finishing a send; wait for it before the
	// adapter and storage go away.
	step("supervisor", 5*time.Second, func(c context.Context) error { return a.sup.Wait(c) })
	step("adapter", 2*time.Second, func(c context.Context) error { return a.adapter.Stop(c) })
	step("storage", 1*time.Second, func(c context.Context) error { return a.store.Close() })

	st := a.Status()
	a.log.Info("stopped",
		logx.Int("queued", st.Queued),
		logx.Uint64("sent", st.Dispatcher.Sent),
		logx.Uint64("throttled", st.Dispatcher.Throttled),
		logx.Uint64("failed", st.Dispatcher.Failed),
	)
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}
