package app

import (
	"context"
	"reflect"
	"strconv"
	"strings"
	"time"

	"signbot/internal/config"
	"signbot/internal/eventbus"
	"signbot/internal/fetch"
	"signbot/internal/httpapi"
	"signbot/internal/notifier"
	"signbot/internal/ocr"
	"signbot/internal/render"
	rtsup "signbot/internal/runtime/supervisor"
	"signbot/internal/scheduler"
	"signbot/internal/signin"
	"signbot/internal/signin/sites"
	"signbot/internal/sitedb"
	"signbot/internal/storage"
	kit "signbot/internal/transport"
	telegram "signbot/internal/transport/telegram"
	logx "signbot/pkg/logx"
)

type App struct {
	cfgPath string

	cfgm *config.ConfigManager
	sup  *rtsup.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	adapter  *telegram.Adapter
	renderer *render.Service
	fetcher  *fetch.Client

	sites   *sitedb.DB
	history *signin.History
	engine  *signin.Engine
	sched   *scheduler.Service
	notif   *notifier.Service
	httpd   *httpapi.Server
	router  *telegram.Router

	updates chan kit.Update
}

func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	bootLog := logx.NewConsole("INFO").With(logx.String("comp", "telegram"))

	pollTimeout, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
	if err != nil {
		return nil, err
	}
	ad, err := telegram.New(telegram.Config{
		Token:       cfg.Telegram.Token,
		PollTimeout: pollTimeout,
	}, bootLog)
	if err != nil {
		return nil, err
	}

	// logx.New() applies the config immediately. When Telegram logging is
	// enabled but the target chat isn't set yet, Apply() would warn, so we
	// bootstrap with it disabled, set the target, then Apply() for real.
	baseLogCfg := logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Telegram: logx.TelegramConfig{
			Enabled:    false,
			ThreadID:   cfg.Logging.Telegram.ThreadID,
			MinLevel:   cfg.Logging.Telegram.MinLevel,
			RatePerSec: cfg.Logging.Telegram.RatePerSec,
		},
	}
	logSvc, log := logx.New(baseLogCfg, ad)
	log = log.With(logx.String("comp", "app"))

	if chatID, ok := parseGroupLog(cfg.Telegram.GroupLog); ok {
		logSvc.SetTelegramTarget(chatID, cfg.Logging.Telegram.ThreadID)
	}
	finalLogCfg := baseLogCfg
	finalLogCfg.Telegram.Enabled = cfg.Logging.Telegram.Enabled
	logSvc.Apply(finalLogCfg)

	bus := eventbus.New()

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, err
	}
	log.Info("storage opened", logx.String("driver", sc.Driver), logx.String("path", sc.Path))

	// Page fetching stack: optional headless renderer, shared HTTP client,
	// optional OCR endpoint for captcha sites.
	var renderer *render.Service
	var asRenderer fetch.Renderer
	rcfg, err := mapRenderConfig(cfg)
	if err != nil {
		return nil, err
	}
	if rcfg.Enabled {
		renderer = render.New(rcfg, log.With(logx.String("comp", "render")))
		asRenderer = renderer
	}
	fetcher, err := fetch.New(cfg.Proxy.URL, asRenderer, log.With(logx.String("comp", "fetch")))
	if err != nil {
		return nil, err
	}
	ocfg, err := mapOCRConfig(cfg)
	if err != nil {
		return nil, err
	}
	ocrc := ocr.New(ocfg, fetcher, log.With(logx.String("comp", "ocr")))

	if err := validateSites(cfg.Sites); err != nil {
		return nil, err
	}
	siteDB := sitedb.New(dataDir(cfg), cfg.Sites, log.With(logx.String("comp", "sitedb")))
	history := signin.NewHistory(store, log.With(logx.String("comp", "history")))

	handlers := signin.NewHandlerRegistry(log.With(logx.String("comp", "handlers")))
	handlers.Register(sites.All(fetcher, ocrc, dataDir(cfg), log.With(logx.String("comp", "sites")))...)

	ncfg, err := mapNotifierConfig(cfg)
	if err != nil {
		return nil, err
	}
	notifSvc := notifier.New(ncfg, ad, log.With(logx.String("comp", "notifier")), bus)

	notify := func(title, text string) {
		to, ok := notifyTarget(cfgm.Get())
		if !ok {
			log.Warn("no notification target configured; summary dropped", logx.String("title", title))
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		n := kit.Notification{Channel: "telegram", Target: to, Text: title + "\n" + text}
		if err := notifSvc.Notify(ctx, n); err != nil {
			log.Warn("summary notification failed", logx.Err(err))
		}
	}

	engCfg, err := mapEngineConfig(cfg)
	if err != nil {
		return nil, err
	}
	engine := signin.NewEngine(engCfg, signin.Deps{
		Registry: siteDB,
		Handlers: handlers,
		Generic:  sites.NewGeneric(fetcher, log.With(logx.String("comp", "sites"))),
		History:  history,
		Bus:      bus,
		Notify:   notify,
		Log:      log.With(logx.String("comp", "signin")),
		OnCleanReset: func() {
			// The flag is one-shot per process; the config file keeps its
			// value and re-arms it on restart.
			log.Info("clean run consumed; following runs resume pending-only")
		},
	})

	sched := scheduler.New(mapSchedulerConfig(cfg), engine.Run, log.With(logx.String("comp", "scheduler")))

	hcfg, err := mapHTTPConfig(cfg)
	if err != nil {
		return nil, err
	}
	httpd := httpapi.New(hcfg, engine.SignInByDomain, log.With(logx.String("comp", "http")))

	router := telegram.NewRouter(telegram.RouterConfig{
		Owners: cfg.Telegram.OwnerUserIDs,
	}, ad, engine, history, siteDB, log.With(logx.String("comp", "commands")))

	return &App{
		cfgPath:  cfgPath,
		cfgm:     cfgm,
		log:      log,
		logs:     logSvc,
		bus:      bus,
		store:    store,
		adapter:  ad,
		renderer: renderer,
		fetcher:  fetcher,
		sites:    siteDB,
		history:  history,
		engine:   engine,
		sched:    sched,
		notif:    notifSvc,
		httpd:    httpd,
		router:   router,
		updates:  make(chan kit.Update, 256),
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

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.NewSupervisor(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))

	// Transactional config reload: validate before commit/publish.
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(c context.Context, cfg *config.Config) error {
		if _, err := config.ParseDurationField("telegram.poll_timeout", cfg.Telegram.PollTimeout); err != nil {
			return err
		}
		if tz := strings.TrimSpace(cfg.Signin.Timezone); tz != "" {
			if _, err := time.LoadLocation(tz); err != nil {
				return err
			}
		}
		if _, err := mapStorageConfig(cfg); err != nil {
			return err
		}
		if _, err := mapNotifierConfig(cfg); err != nil {
			return err
		}
		if _, err := mapEngineConfig(cfg); err != nil {
			return err
		}
		if _, err := mapHTTPConfig(cfg); err != nil {
			return err
		}
		if _, err := mapRenderConfig(cfg); err != nil {
			return err
		}
		if _, err := mapOCRConfig(cfg); err != nil {
			return err
		}
		return validateSites(cfg.Sites)
	})

	if err := a.adapter.Start(a.sup.Context(), a.updates); err != nil {
		return err
	}
	if a.notif.Enabled() {
		a.notif.Start(a.sup.Context())
	}
	if err := a.sched.Start(a.sup.Context()); err != nil {
		return err
	}
	if err := a.httpd.Start(); err != nil {
		return err
	}

	a.sup.Go0("telegram.dispatch", func(c context.Context) {
		a.router.Run(c, a.updates)
	})

	// Cookie-expiry events flip the per-site refresh flag shown by /sites.
	refreshEvents, unsubRefresh := a.bus.Subscribe(64)
	a.sup.Go0("sitedb.refresh", func(c context.Context) {
		done := make(chan struct{})
		go func() {
			defer close(done)
			a.sites.WatchRefreshEvents(refreshEvents)
		}()
		select {
		case <-c.Done():
			unsubRefresh()
			<-done
		case <-done:
			unsubRefresh()
		}
	})

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
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	if err := a.adapter.UpdateMenuCommands(a.sup.Context(), telegram.MenuCommands()); err != nil {
		a.log.Warn("menu commands update failed", logx.Err(err))
	}

	// Hot reload config fan-out.
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
				// Coalesce bursts: keep only the latest config.
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

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started")
	return nil
}

func (a *App) applyConfig(ctx context.Context, old, cfg *config.Config) {
	// Update the log target first so Apply() doesn't warn when Telegram
	// logging is enabled.
	if chatID, ok := parseGroupLog(cfg.Telegram.GroupLog); ok {
		a.logs.SetTelegramTarget(chatID, cfg.Logging.Telegram.ThreadID)
	} else {
		a.logs.SetTelegramTarget(0, 0)
	}
	a.logs.Apply(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Telegram: logx.TelegramConfig{
			Enabled:    cfg.Logging.Telegram.Enabled,
			ThreadID:   cfg.Logging.Telegram.ThreadID,
			MinLevel:   cfg.Logging.Telegram.MinLevel,
			RatePerSec: cfg.Logging.Telegram.RatePerSec,
		},
	})

	a.router.SetOwners(cfg.Telegram.OwnerUserIDs)
	a.sites.Apply(cfg.Sites)

	if engCfg, err := mapEngineConfig(cfg); err != nil {
		a.log.Warn("invalid signin config; keeping previous", logx.Err(err))
	} else {
		a.engine.Apply(engCfg)
	}

	if err := a.sched.Apply(ctx, mapSchedulerConfig(cfg)); err != nil {
		a.log.Warn("invalid schedule; keeping previous", logx.Err(err))
	}

	prevNotifEnabled := a.notif.Enabled()
	if ncfg, err := mapNotifierConfig(cfg); err != nil {
		a.log.Warn("invalid notifier config; keeping previous", logx.Err(err))
	} else {
		a.notif.Apply(ncfg)
		if prevNotifEnabled && !ncfg.Enabled {
			a.log.Info("notifier disabled via config")
			stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
			a.notif.Stop(stopCtx)
			cancel()
		} else if !prevNotifEnabled && ncfg.Enabled {
			a.log.Info("notifier enabled via config")
			a.notif.Start(ctx)
		}
	}

	// These sections wire components that are built once at startup.
	if old != nil {
		if !reflect.DeepEqual(old.Storage, cfg.Storage) || old.DataDir != cfg.DataDir {
			a.log.Warn("storage config changed; restart required for changes to take effect")
		}
		if old.HTTP != cfg.HTTP {
			a.log.Warn("http config changed; restart required for changes to take effect")
		}
		if old.Render != cfg.Render || old.OCR != cfg.OCR || old.Proxy != cfg.Proxy {
			a.log.Warn("render/ocr/proxy config changed; restart required for changes to take effect")
		}
	}

	a.log.Info("config reloaded")
}

func (a *App) Stop(ctx context.Context) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping")
	a.sup.Cancel()

	a.sched.Stop()
	if err := a.httpd.Stop(ctx); err != nil {
		a.log.Warn("http server stop", logx.Err(err))
	}
	a.notif.Stop(ctx)
	if err := a.adapter.Stop(ctx); err != nil {
		a.log.Warn("telegram adapter stop", logx.Err(err))
	}
	if a.renderer != nil {
		if err := a.renderer.Close(); err != nil {
			a.log.Warn("renderer close", logx.Err(err))
		}
	}

	err := a.sup.Wait(ctx)

	if cerr := a.store.Close(); cerr != nil {
		a.log.Warn("storage close", logx.Err(cerr))
	}
	if cerr := a.logs.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}

func parseGroupLog(raw string) (int64, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, false
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}

// notifyTarget picks where run summaries go: the log group when set,
// otherwise the first owner's private chat.
func notifyTarget(cfg *config.Config) (kit.ChatTarget, bool) {
	if cfg == nil {
		return kit.ChatTarget{}, false
	}
	if chatID, ok := parseGroupLog(cfg.Telegram.GroupLog); ok {
		return kit.ChatTarget{ChatID: chatID, ThreadID: cfg.Logging.Telegram.ThreadID}, true
	}
	if len(cfg.Telegram.OwnerUserIDs) > 0 {
		return kit.ChatTarget{ChatID: cfg.Telegram.OwnerUserIDs[0]}, true
	}
	return kit.ChatTarget{}, false
}
