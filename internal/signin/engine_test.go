package signin

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"signbot/internal/eventbus"
	"signbot/internal/storage"
	logx "signbot/pkg/logx"
)

type fakeRegistry struct {
	mu       sync.Mutex
	sites    []Site
	success  map[string]int
	failures map[string]int
}

func newFakeRegistry(sites ...Site) *fakeRegistry {
	return &fakeRegistry{sites: sites, success: map[string]int{}, failures: map[string]int{}}
}

func (r *fakeRegistry) ListSites() []Site { return r.sites }

func (r *fakeRegistry) GetSiteByDomain(domain string) (Site, bool) {
	for _, s := range r.sites {
		if Domain(s.URL) == domain {
			return s, true
		}
	}
	return Site{}, false
}

func (r *fakeRegistry) RecordSuccess(domain string, _ time.Duration) {
	r.mu.Lock()
	r.success[domain]++
	r.mu.Unlock()
}

func (r *fakeRegistry) RecordFailure(domain string) {
	r.mu.Lock()
	r.failures[domain]++
	r.mu.Unlock()
}

// scriptedHandler replies per site name and counts invocations.
type scriptedHandler struct {
	mu      sync.Mutex
	replies map[string]Result
	calls   map[string]int
	panics  map[string]bool
}

func newScriptedHandler() *scriptedHandler {
	return &scriptedHandler{replies: map[string]Result{}, calls: map[string]int{}, panics: map[string]bool{}}
}

func (h *scriptedHandler) Name() string                 { return "scripted" }
func (h *scriptedHandler) MatchURL(string) bool         { return false }
func (h *scriptedHandler) MatchSchema(string) bool      { return false }
func (h *scriptedHandler) Login(ctx context.Context, s Site) Result {
	return h.SignIn(ctx, s)
}

func (h *scriptedHandler) SignIn(_ context.Context, s Site) Result {
	h.mu.Lock()
	h.calls[s.Name]++
	res, ok := h.replies[s.Name]
	willPanic := h.panics[s.Name]
	h.mu.Unlock()
	if willPanic {
		panic("scripted failure")
	}
	if !ok {
		return Result{OK: true, Message: "签到成功"}
	}
	return res
}

func (h *scriptedHandler) callCount(name string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.calls[name]
}

type engineFixture struct {
	engine   *Engine
	registry *fakeRegistry
	handler  *scriptedHandler
	history  *History
	bus      eventbus.Bus
	events   <-chan eventbus.Event

	mu     sync.Mutex
	titles []string
	bodies []string
}

func newEngineFixture(t *testing.T, cfg Config, sites ...Site) *engineFixture {
	t.Helper()
	store, err := storage.Open(storage.Config{Driver: "file", Path: t.TempDir()}, logx.Nop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	f := &engineFixture{
		registry: newFakeRegistry(sites...),
		handler:  newScriptedHandler(),
		history:  NewHistory(store, logx.Nop()),
		bus:      eventbus.New(),
	}
	events, unsub := f.bus.Subscribe(32)
	t.Cleanup(unsub)
	f.events = events

	f.engine = NewEngine(cfg, Deps{
		Registry: f.registry,
		Handlers: NewHandlerRegistry(logx.Nop()),
		Generic:  f.handler,
		History:  f.history,
		Bus:      f.bus,
		Notify: func(title, text string) {
			f.mu.Lock()
			f.titles = append(f.titles, title)
			f.bodies = append(f.bodies, text)
			f.mu.Unlock()
		},
		Log: logx.Nop(),
	})
	return f
}

func (f *engineFixture) drainEvents() []eventbus.Event {
	var out []eventbus.Event
	for {
		select {
		case e := <-f.events:
			out = append(out, e)
		default:
			return out
		}
	}
}

func (f *engineFixture) eventTypes() map[string]int {
	counts := map[string]int{}
	for _, e := range f.drainEvents() {
		counts[e.Type]++
	}
	return counts
}

func (f *engineFixture) lastNotification() (string, string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.titles) == 0 {
		return "", ""
	}
	return f.titles[len(f.titles)-1], f.bodies[len(f.bodies)-1]
}

var (
	siteAlpha = Site{ID: 1, Name: "alpha", URL: "https://alpha.example.com"}
	siteBeta  = Site{ID: 2, Name: "beta", URL: "https://beta.example.com"}
)

func TestRunFirstOfDayFlagsWholeSelectionForRetry(t *testing.T) {
	f := newEngineFixture(t, Config{
		SignSites: []int64{1, 2},
		Notify:    true,
	}, siteAlpha, siteBeta)
	f.handler.replies["alpha"] = Result{OK: true, Message: "签到成功"}
	f.handler.replies["beta"] = Result{OK: false, Message: "签到失败，请查看日志"}

	if err := f.engine.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}

	// Without a retry keyword, retry covers the full configured selection.
	p, err := f.history.Progress(context.Background(), TaskSignIn, DayKey(time.Now()))
	if err != nil {
		t.Fatalf("progress: %v", err)
	}
	if p == nil || len(p.Do) != 2 || len(p.Retry) != 2 {
		t.Fatalf("progress = %+v, want do and retry covering both sites", p)
	}

	title, body := f.lastNotification()
	if title != "【站点自动签到】" {
		t.Fatalf("title = %q", title)
	}
	for _, want := range []string{"全部签到数量: 2", "本次签到数量: 2", "下次签到数量: 0", "【alpha】签到成功", "【beta】签到失败，请查看日志"} {
		if !strings.Contains(body, want) {
			t.Fatalf("notification body missing %q:\n%s", want, body)
		}
	}

	recs, _, err := f.history.Records(context.Background(), 1)
	if err != nil {
		t.Fatalf("records: %v", err)
	}
	if len(recs[RecordKey(time.Now())]) != 2 {
		t.Fatal("run record should carry one entry per site")
	}
}

func TestRunRetryKeywordTargetsOnlyFlaggedSites(t *testing.T) {
	f := newEngineFixture(t, Config{
		SignSites:    []int64{1, 2},
		RetryKeyword: "失败|错误",
	}, siteAlpha, siteBeta)
	f.handler.replies["beta"] = Result{OK: false, Message: "签到失败，请查看日志"}

	ctx := context.Background()
	if err := f.engine.Run(ctx); err != nil {
		t.Fatalf("first run: %v", err)
	}
	if f.handler.callCount("alpha") != 1 || f.handler.callCount("beta") != 1 {
		t.Fatal("first run should hit both sites")
	}

	p, _ := f.history.Progress(ctx, TaskSignIn, DayKey(time.Now()))
	if p == nil || len(p.Retry) != 1 || p.Retry[0] != 2 {
		t.Fatalf("progress after first run = %+v, want retry [2]", p)
	}

	// Second trigger of the day only revisits the flagged site.
	f.handler.replies["beta"] = Result{OK: true, Message: "签到成功"}
	if err := f.engine.Run(ctx); err != nil {
		t.Fatalf("second run: %v", err)
	}
	if f.handler.callCount("alpha") != 1 {
		t.Fatal("site without retry flag must not be revisited")
	}
	if f.handler.callCount("beta") != 2 {
		t.Fatal("flagged site should be retried")
	}

	p, _ = f.history.Progress(ctx, TaskSignIn, DayKey(time.Now()))
	if p == nil || len(p.Retry) != 0 {
		t.Fatalf("progress after successful retry = %+v, want empty retry", p)
	}

	// Third trigger: nothing pending, handlers untouched.
	if err := f.engine.Run(ctx); err != nil {
		t.Fatalf("third run: %v", err)
	}
	if f.handler.callCount("beta") != 2 {
		t.Fatal("completed day must be a no-op")
	}
}

func TestRunHourWindowGuard(t *testing.T) {
	f := newEngineFixture(t, Config{
		SignSites: []int64{1},
		StartHour: 9,
		EndHour:   23,
	}, siteAlpha)
	f.engine.now = func() time.Time {
		return time.Date(2026, 8, 29, 3, 0, 0, 0, time.Local)
	}

	err := f.engine.Run(context.Background())
	if err != ErrOutsideWindow {
		t.Fatalf("err = %v, want ErrOutsideWindow", err)
	}
	if f.handler.callCount("alpha") != 0 {
		t.Fatal("no site may run outside the hour window")
	}
	if p, _ := f.history.Progress(context.Background(), TaskSignIn, "2026-08-29"); p != nil {
		t.Fatal("guarded run must not touch progress state")
	}
}

func TestRunExpiredCookiePublishesRefresh(t *testing.T) {
	f := newEngineFixture(t, Config{
		SignSites:    []int64{1, 2},
		RetryKeyword: "失败",
		AutoCF:       2,
	}, siteAlpha, siteBeta)
	f.handler.replies["alpha"] = Result{OK: false, Message: "签到失败，Cookie已失效"}
	f.handler.replies["beta"] = Result{OK: false, Message: "签到失败，请检查站点连通性"}

	if err := f.engine.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}

	counts := f.eventTypes()
	if counts[eventbus.EventSiteRefresh] != 1 {
		t.Fatalf("site refresh events = %d, want 1", counts[eventbus.EventSiteRefresh])
	}
	// Both failures hit the retry keyword; the threshold of 2 is reached.
	if counts[eventbus.EventNetworkReselect] != 1 {
		t.Fatalf("network reselect events = %d, want 1", counts[eventbus.EventNetworkReselect])
	}
}

func TestRunSkipsPublicSites(t *testing.T) {
	public := Site{ID: 3, Name: "open-tracker", URL: "https://open.example.com", Public: true}
	f := newEngineFixture(t, Config{SignSites: []int64{1, 3}}, siteAlpha, public)

	if err := f.engine.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	if f.handler.callCount("alpha") != 1 {
		t.Fatal("private site should run")
	}
	if f.handler.callCount("open-tracker") != 0 {
		t.Fatal("public site must never run")
	}
}

func TestRunRecordsSiteStats(t *testing.T) {
	f := newEngineFixture(t, Config{SignSites: []int64{1, 2}}, siteAlpha, siteBeta)
	f.handler.panics["beta"] = true

	if err := f.engine.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	if f.registry.success["alpha.example.com"] != 1 {
		t.Fatal("success not recorded for alpha")
	}
	if f.registry.failures["beta.example.com"] != 1 {
		t.Fatal("failure not recorded for panicking beta")
	}

	recs, _, err := f.history.Records(context.Background(), 1)
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range recs[RecordKey(time.Now())] {
		if e.Site == "beta" && !strings.Contains(e.Status, "签到失败：") {
			t.Fatalf("panic outcome %q missing failure prefix", e.Status)
		}
	}
}

func TestRunLoginPassUsesLoginLabels(t *testing.T) {
	f := newEngineFixture(t, Config{
		LoginSites: []int64{1},
		Notify:     true,
	}, siteAlpha)
	f.handler.replies["alpha"] = Result{OK: true, Message: "模拟登录成功"}

	if err := f.engine.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}

	title, body := f.lastNotification()
	if title != "【站点自动登录】" {
		t.Fatalf("title = %q", title)
	}
	if !strings.Contains(body, "全部登录数量: 1") {
		t.Fatalf("body missing login totals:\n%s", body)
	}

	p, _ := f.history.Progress(context.Background(), TaskLogin, DayKey(time.Now()))
	if p == nil || len(p.Do) != 1 {
		t.Fatalf("login progress = %+v", p)
	}
}

func TestRunCleanFlagForcesFullRun(t *testing.T) {
	resets := 0
	f := newEngineFixture(t, Config{SignSites: []int64{1}, RetryKeyword: "失败"}, siteAlpha)
	f.engine.onCleanReset = func() { resets++ }

	ctx := context.Background()
	if err := f.engine.Run(ctx); err != nil {
		t.Fatalf("first run: %v", err)
	}
	// Day complete; a plain re-run is a no-op.
	if err := f.engine.Run(ctx); err != nil {
		t.Fatalf("second run: %v", err)
	}
	if f.handler.callCount("alpha") != 1 {
		t.Fatal("completed day should not re-run")
	}

	cfg := f.engine.snapshot()
	cfg.Clean = true
	f.engine.Apply(cfg)
	if err := f.engine.Run(ctx); err != nil {
		t.Fatalf("clean run: %v", err)
	}
	if f.handler.callCount("alpha") != 2 {
		t.Fatal("clean flag should force a full run")
	}
	if resets != 1 {
		t.Fatalf("clean reset callbacks = %d, want 1", resets)
	}
	if f.engine.snapshot().Clean {
		t.Fatal("clean flag must be one-shot")
	}
}

func TestSignInByDomain(t *testing.T) {
	f := newEngineFixture(t, Config{}, siteAlpha)
	f.handler.replies["alpha"] = Result{OK: true, Message: "签到成功"}

	msg, err := f.engine.SignInByDomain(context.Background(), "https://alpha.example.com/index.php")
	if err != nil {
		t.Fatalf("sign in by domain: %v", err)
	}
	if msg != "站点【alpha】签到成功" {
		t.Fatalf("msg = %q", msg)
	}

	msg, err = f.engine.SignInByDomain(context.Background(), "https://nowhere.example.com")
	if err != nil {
		t.Fatalf("unknown domain: %v", err)
	}
	if msg != "站点【https://nowhere.example.com】不存在" {
		t.Fatalf("msg = %q", msg)
	}
}
