package signin

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"signbot/internal/eventbus"
	logx "signbot/pkg/logx"
)

// ErrOutsideWindow is returned when a run is requested outside the
// configured hour window. Callers surface it instead of running.
var ErrOutsideWindow = errors.New("current hour outside run window")

// Config is the immutable per-run configuration. The engine snapshots it at
// the start of every run; Apply swaps it between runs.
type Config struct {
	// Queue bounds batch concurrency.
	Queue int

	// SignSites / LoginSites are the configured site ID selections. An
	// empty selection means every non-public site.
	SignSites  []int64
	LoginSites []int64

	// RetryKeyword flags sites for same-day retry when it matches their
	// outcome message. Empty = always-retry fallback (the whole selection
	// is re-flagged every run).
	RetryKeyword string

	// AutoCF fires a network reselection event when at least this many
	// sites hit the retry keyword in one run. 0 disables.
	AutoCF int

	// Clean forces first-run-of-day semantics once.
	Clean bool

	Notify bool

	// StartHour/EndHour guard scheduled and manual runs. Both zero =
	// no guard.
	StartHour int
	EndHour   int
}

// NotifyFunc delivers one aggregate summary. Best-effort; errors are the
// implementation's problem.
type NotifyFunc func(title, text string)

// Engine orchestrates check-in runs: site selection, retry bookkeeping,
// batch execution, history persistence and side effects.
type Engine struct {
	runMu sync.Mutex // serializes whole runs; overlapping triggers would corrupt the day's progress record

	mu  sync.Mutex
	cfg Config

	registry SiteRegistry
	handlers *HandlerRegistry
	generic  Handler
	history  *History
	pool     *Pool
	bus      eventbus.Bus
	notify   NotifyFunc
	log      logx.Logger
	now      func() time.Time

	// onCleanReset persists the one-shot clean flag reset.
	onCleanReset func()
}

type Deps struct {
	Registry     SiteRegistry
	Handlers     *HandlerRegistry
	Generic      Handler
	History      *History
	Bus          eventbus.Bus
	Notify       NotifyFunc
	Log          logx.Logger
	OnCleanReset func()
}

func NewEngine(cfg Config, deps Deps) *Engine {
	log := deps.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.Queue <= 0 {
		cfg.Queue = 10
	}
	return &Engine{
		cfg:          cfg,
		registry:     deps.Registry,
		handlers:     deps.Handlers,
		generic:      deps.Generic,
		history:      deps.History,
		pool:         NewPool(cfg.Queue, log),
		bus:          deps.Bus,
		notify:       deps.Notify,
		log:          log,
		now:          time.Now,
		onCleanReset: deps.OnCleanReset,
	}
}

// Apply swaps the run configuration between runs.
func (e *Engine) Apply(cfg Config) {
	if cfg.Queue <= 0 {
		cfg.Queue = 10
	}
	e.mu.Lock()
	if cfg.Queue != e.cfg.Queue {
		e.pool = NewPool(cfg.Queue, e.log)
	}
	e.cfg = cfg
	e.mu.Unlock()
}

func (e *Engine) snapshot() Config {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cfg
}

// Run executes one full invocation: window guard, stale key purge, then the
// sign-in and login passes independently.
func (e *Engine) Run(ctx context.Context) error {
	e.runMu.Lock()
	defer e.runMu.Unlock()

	cfg := e.snapshot()
	now := e.now()

	if cfg.StartHour != 0 || cfg.EndHour != 0 {
		hour := now.Hour()
		if hour < cfg.StartHour || hour > cfg.EndHour {
			e.log.Error("skipping run outside hour window",
				logx.Int("hour", hour),
				logx.Int("start", cfg.StartHour),
				logx.Int("end", cfg.EndHour))
			return ErrOutsideWindow
		}
	}

	// Anything in the store other than the two owned namespaces is stale
	// scratch data from earlier versions.
	if err := e.history.PurgeStale(ctx); err != nil {
		e.log.Warn("stale key purge failed", logx.Err(err))
	}

	var firstErr error
	if len(cfg.SignSites) > 0 {
		if err := e.runType(ctx, cfg, TaskSignIn, cfg.SignSites); err != nil {
			e.log.Error("sign-in pass failed", logx.Err(err))
			firstErr = err
		}
	}
	if len(cfg.LoginSites) > 0 {
		if err := e.runType(ctx, cfg, TaskLogin, cfg.LoginSites); err != nil {
			e.log.Error("login pass failed", logx.Err(err))
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// runType is one state-machine invocation for a run type.
func (e *Engine) runType(ctx context.Context, cfg Config, t TaskType, selection []int64) error {
	label := t.Label()

	if err := e.history.Sweep(ctx, t, 3); err != nil {
		e.log.Warn("history sweep failed", logx.String("type", string(t)), logx.Err(err))
	}

	now := e.now()
	day := DayKey(now)
	progress, err := e.history.Progress(ctx, t, day)
	if err != nil {
		return fmt.Errorf("load progress: %w", err)
	}

	// Resolve the configured selection against the registry; public sites
	// never take part in batches.
	var all []Site
	for _, s := range e.registry.ListSites() {
		if s.Public {
			continue
		}
		all = append(all, s)
	}
	selected := all
	if len(selection) > 0 {
		chosen := make(map[int64]bool, len(selection))
		for _, id := range selection {
			chosen[id] = true
		}
		selected = selected[:0:0]
		for _, s := range all {
			if chosen[s.ID] {
				selected = append(selected, s)
			}
		}
	}

	target := selected
	if progress == nil || cfg.Clean {
		e.log.Info("first run of the day", logx.String("day", day), logx.String("type", label))
		if cfg.Clean {
			e.clearClean()
		}
	} else {
		done := make(map[int64]bool, len(progress.Do))
		for _, id := range progress.Do {
			done[id] = true
		}
		retry := make(map[int64]bool, len(progress.Retry))
		for _, id := range progress.Retry {
			retry[id] = true
		}
		var pending []Site
		for _, s := range selected {
			if !done[s.ID] || retry[s.ID] {
				pending = append(pending, s)
			}
		}
		if len(pending) == 0 {
			e.log.Info("day already complete, nothing to retry",
				logx.String("day", day), logx.String("type", label))
			return nil
		}
		target = pending
		e.log.Info("retrying flagged sites",
			logx.String("day", day), logx.String("type", label), logx.Int("sites", len(pending)))
	}

	if len(target) == 0 {
		e.log.Info("no sites to process", logx.String("type", label))
		return nil
	}

	if e.bus != nil {
		e.bus.Publish(eventbus.Event{Type: eventbus.EventRunStarted, Data: eventbus.RunData{Type: string(t), Sites: len(target)}})
	}

	started := e.now()
	worker := e.SignInSite
	if t == TaskLogin {
		worker = e.LoginSite
	}
	outcomes := e.pool.RunBatch(ctx, target, worker)
	if len(outcomes) == 0 {
		// Systemic failure: leave the day's progress untouched so the next
		// trigger retries.
		e.log.Error("batch produced no results", logx.String("type", label))
		if cfg.Notify && e.notify != nil {
			e.notify(fmt.Sprintf("站点%s任务失败！", label), "")
		}
		return fmt.Errorf("%s batch produced no results", t)
	}
	e.log.Info("batch finished",
		logx.String("type", label),
		logx.Int("sites", len(outcomes)),
		logx.Duration("elapsed", e.now().Sub(started)))

	// Append today's run record.
	entries := make([]RecordEntry, 0, len(outcomes))
	for _, o := range outcomes {
		entries = append(entries, RecordEntry{Site: o.Site.Name, Status: o.Result.Message})
	}
	if err := e.history.AppendRecord(ctx, RecordKey(now), entries); err != nil {
		return fmt.Errorf("append run record: %w", err)
	}

	// Bucket outcomes and compute the retry set.
	var retryRe *regexp.Regexp
	if kw := strings.TrimSpace(cfg.RetryKeyword); kw != "" {
		retryRe, err = regexp.Compile(kw)
		if err != nil {
			e.log.Warn("invalid retry keyword, treating as unset",
				logx.String("keyword", kw), logx.Err(err))
		}
	}

	var (
		retryIDs                                            []int64
		retryLines, loginOK, signOK, alreadyDone, failedMsg []string
	)
	retryHits := 0
	for _, o := range outcomes {
		line := fmt.Sprintf("【%s】%s", o.Site.Name, o.Result.Message)

		if strings.Contains(o.Result.Message, "Cookie已失效") && o.Site.ID != 0 && e.bus != nil {
			e.log.Info("requesting credential refresh", logx.String("site", o.Site.Name))
			e.bus.Publish(eventbus.Event{
				Type: eventbus.EventSiteRefresh,
				Data: eventbus.SiteRefreshData{SiteID: o.Site.ID, SiteName: o.Site.Name},
			})
		}

		if retryRe != nil && o.Site.ID != 0 && retryRe.MatchString(o.Result.Message) {
			e.log.Debug("retry keyword hit",
				logx.String("site", o.Site.Name), logx.String("message", o.Result.Message))
			retryIDs = append(retryIDs, o.Site.ID)
			retryLines = append(retryLines, line)
			retryHits++
			continue
		}

		msg := o.Result.Message
		switch {
		case strings.Contains(msg, "登录成功"):
			loginOK = append(loginOK, line)
		case strings.Contains(msg, "签到成功"):
			signOK = append(signOK, line)
		case strings.Contains(msg, "已签到"):
			alreadyDone = append(alreadyDone, line)
		default:
			failedMsg = append(failedMsg, line)
		}
	}

	if retryRe == nil {
		// Always-retry fallback: without a keyword the whole selection is
		// flagged again.
		retryIDs = append([]int64(nil), selection...)
	}

	// done always reflects the full configured selection once any run has
	// happened today; retry replaces the previous set wholesale.
	if err := e.history.SaveProgress(ctx, t, day, Progress{Do: selection, Retry: retryIDs}); err != nil {
		return fmt.Errorf("save progress: %w", err)
	}

	if cfg.AutoCF > 0 && retryHits >= cfg.AutoCF && e.bus != nil {
		e.log.Info("retry threshold reached, requesting network reselection",
			logx.Int("hits", retryHits), logx.Int("threshold", cfg.AutoCF))
		e.bus.Publish(eventbus.Event{
			Type: eventbus.EventNetworkReselect,
			Data: eventbus.NetworkReselectData{RetryCount: retryHits},
		})
	}

	if cfg.Notify && e.notify != nil {
		nextRetry := 0
		if retryRe != nil {
			nextRetry = len(retryIDs)
		}
		var lines []string
		lines = append(lines, loginOK...)
		lines = append(lines, signOK...)
		lines = append(lines, alreadyDone...)
		lines = append(lines, failedMsg...)
		lines = append(lines, retryLines...)
		body := fmt.Sprintf("全部%s数量: %d \n本次%s数量: %d \n下次%s数量: %d \n%s",
			label, len(selection), label, len(target), label, nextRetry, strings.Join(lines, "\n"))
		e.notify(fmt.Sprintf("【站点自动%s】", label), body)
	}

	if e.bus != nil {
		e.bus.Publish(eventbus.Event{Type: eventbus.EventRunFinished, Data: eventbus.RunData{
			Type:     string(t),
			Sites:    len(target),
			Duration: e.now().Sub(started).Milliseconds(),
		}})
	}
	return nil
}

func (e *Engine) clearClean() {
	e.mu.Lock()
	e.cfg.Clean = false
	e.mu.Unlock()
	if e.onCleanReset != nil {
		e.onCleanReset()
	}
}

// SignInSite checks in one site and reports elapsed-time statistics back to
// the registry. Handler panics become failure results.
func (e *Engine) SignInSite(ctx context.Context, site Site) Result {
	return e.runSite(ctx, site, TaskSignIn)
}

// LoginSite performs the presence action for one site.
func (e *Engine) LoginSite(ctx context.Context, site Site) Result {
	return e.runSite(ctx, site, TaskLogin)
}

func (e *Engine) runSite(ctx context.Context, site Site, t TaskType) Result {
	h := e.resolveHandler(site)
	start := e.now()
	res := e.safeCall(ctx, h, site, t)
	elapsed := e.now().Sub(start)

	domain := Domain(site.URL)
	if domain != "" {
		if res.OK {
			e.registry.RecordSuccess(domain, elapsed)
		} else {
			e.registry.RecordFailure(domain)
		}
	}
	e.log.Info("site processed",
		logx.String("type", string(t)),
		logx.String("site", site.Name),
		logx.String("handler", h.Name()),
		logx.Bool("ok", res.OK),
		logx.String("message", res.Message),
		logx.Duration("elapsed", elapsed))
	return res
}

func (e *Engine) resolveHandler(site Site) Handler {
	if h := e.handlers.Resolve(site.URL); h != nil {
		return h
	}
	if h := e.handlers.ResolveSchema(site.Schema); h != nil {
		return h
	}
	return e.generic
}

func (e *Engine) safeCall(ctx context.Context, h Handler, site Site, t TaskType) (res Result) {
	label := t.Label()
	if t == TaskLogin {
		label = "模拟" + label
	}
	defer func() {
		if r := recover(); r != nil {
			e.log.Error("handler panicked",
				logx.String("site", site.Name),
				logx.String("handler", h.Name()),
				logx.Any("panic", r))
			res = Result{OK: false, Message: fmt.Sprintf("%s失败：%v", label, r)}
		}
	}()
	if t == TaskLogin {
		return h.Login(ctx, site)
	}
	return h.SignIn(ctx, site)
}

// SignInByDomain resolves a URL to a known site and executes a single
// synchronous sign-in. Used by the HTTP endpoint.
func (e *Engine) SignInByDomain(ctx context.Context, rawURL string) (string, error) {
	domain := Domain(rawURL)
	site, ok := e.registry.GetSiteByDomain(domain)
	if !ok {
		return fmt.Sprintf("站点【%s】不存在", rawURL), nil
	}
	res := e.SignInSite(ctx, site)
	msg := res.Message
	if msg == "" {
		msg = "签到成功"
	}
	return fmt.Sprintf("站点【%s】%s", site.Name, msg), nil
}
