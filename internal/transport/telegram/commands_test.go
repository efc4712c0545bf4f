package telegram

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"signbot/internal/signin"
	"signbot/internal/sitedb"
	kit "signbot/internal/transport"
	logx "signbot/pkg/logx"
)

type fakeAdapter struct {
	mu    sync.Mutex
	sent  []string
	edits []string
}

func (f *fakeAdapter) Start(context.Context, chan<- kit.Update) error { return nil }
func (f *fakeAdapter) Stop(context.Context) error                     { return nil }

func (f *fakeAdapter) SendText(_ context.Context, to kit.ChatTarget, text string, _ *kit.SendOptions) (kit.MessageRef, error) {
	f.mu.Lock()
	f.sent = append(f.sent, text)
	f.mu.Unlock()
	return kit.MessageRef{ChatID: to.ChatID, MessageID: len(f.sent)}, nil
}

func (f *fakeAdapter) EditText(_ context.Context, _ kit.MessageRef, text string, _ *kit.SendOptions) error {
	f.mu.Lock()
	f.edits = append(f.edits, text)
	f.mu.Unlock()
	return nil
}

func (f *fakeAdapter) lastSent() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sent) == 0 {
		return ""
	}
	return f.sent[len(f.sent)-1]
}

func (f *fakeAdapter) waitEdit(t *testing.T) string {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		f.mu.Lock()
		if len(f.edits) > 0 {
			defer f.mu.Unlock()
			return f.edits[len(f.edits)-1]
		}
		f.mu.Unlock()
		select {
		case <-deadline:
			t.Fatal("no edit arrived")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

type fakeEngine struct {
	runErr error
	ran    chan struct{}
}

func (e *fakeEngine) Run(context.Context) error {
	if e.ran != nil {
		close(e.ran)
	}
	return e.runErr
}

func (e *fakeEngine) SignInByDomain(_ context.Context, rawURL string) (string, error) {
	return "站点【alpha】签到成功", nil
}

type fakeHistory struct{}

func (fakeHistory) Records(context.Context, int) (map[string][]signin.RecordEntry, []string, error) {
	return map[string][]signin.RecordEntry{
		"8月29日": {{Site: "alpha", Status: "签到成功"}},
	}, []string{"8月29日"}, nil
}

type fakeStats struct{}

func (fakeStats) Snapshot() map[string]sitedb.Stats {
	return map[string]sitedb.Stats{
		"alpha.example.com": {Success: 3, Failure: 1, NeedsRefresh: true},
	}
}

func testRouter(engine EnginePort) (*Router, *fakeAdapter) {
	a := &fakeAdapter{}
	r := NewRouter(RouterConfig{Owners: []int64{42}}, a, engine, fakeHistory{}, fakeStats{}, logx.Nop())
	return r, a
}

func msg(from int64, text string) *kit.Message {
	return &kit.Message{ChatID: 100, FromID: from, Text: text}
}

func TestDispatchIgnoresNonOwners(t *testing.T) {
	r, a := testRouter(&fakeEngine{})
	r.dispatch(context.Background(), msg(7, "/signin"))
	if len(a.sent) != 0 {
		t.Fatal("non-owner must get no reply")
	}
}

func TestSignInCommand(t *testing.T) {
	eng := &fakeEngine{ran: make(chan struct{})}
	r, a := testRouter(eng)

	r.dispatch(context.Background(), msg(42, "/signin"))
	select {
	case <-eng.ran:
	case <-time.After(2 * time.Second):
		t.Fatal("engine run never triggered")
	}
	if got := a.lastSent(); !strings.Contains(got, "开始执行") {
		t.Fatalf("ack = %q", got)
	}
	if got := a.waitEdit(t); !strings.Contains(got, "签到完成") {
		t.Fatalf("completion = %q", got)
	}
}

func TestSignInCommandOutsideWindow(t *testing.T) {
	r, a := testRouter(&fakeEngine{runErr: signin.ErrOutsideWindow})
	r.dispatch(context.Background(), msg(42, "/signin"))
	if got := a.waitEdit(t); !strings.Contains(got, "时间段") {
		t.Fatalf("completion = %q", got)
	}
}

func TestSignInSiteCommand(t *testing.T) {
	r, a := testRouter(&fakeEngine{})

	r.dispatch(context.Background(), msg(42, "/signin_site"))
	if got := a.lastSent(); !strings.Contains(got, "用法") {
		t.Fatalf("usage hint = %q", got)
	}

	r.dispatch(context.Background(), msg(42, "/signin_site https://alpha.example.com"))
	if got := a.lastSent(); got != "站点【alpha】签到成功" {
		t.Fatalf("reply = %q", got)
	}
}

func TestStatusCommand(t *testing.T) {
	r, a := testRouter(&fakeEngine{})
	r.dispatch(context.Background(), msg(42, "/status"))
	got := a.lastSent()
	if !strings.Contains(got, "8月29日") || !strings.Contains(got, "【alpha】签到成功") {
		t.Fatalf("status = %q", got)
	}
}

func TestSitesCommand(t *testing.T) {
	r, a := testRouter(&fakeEngine{})
	r.dispatch(context.Background(), msg(42, "/sites"))
	got := a.lastSent()
	if !strings.Contains(got, "alpha.example.com: 成功 3, 失败 1") || !strings.Contains(got, "Cookie待更新") {
		t.Fatalf("sites = %q", got)
	}
}

func TestParseCommand(t *testing.T) {
	cases := []struct {
		in   string
		cmd  string
		args int
	}{
		{"/signin", "signin", 0},
		{"/SIGNIN@signbot arg", "signin", 1},
		{"  /signin_site https://x ", "signin_site", 1},
		{"plain text", "", 0},
		{"", "", 0},
	}
	for _, tc := range cases {
		cmd, args := parseCommand(tc.in)
		if cmd != tc.cmd || len(args) != tc.args {
			t.Fatalf("parseCommand(%q) = (%q, %d args)", tc.in, cmd, len(args))
		}
	}
}

func TestSplitTelegramText(t *testing.T) {
	if got := splitTelegramText("short", 100, ""); len(got) != 1 || got[0] != "short" {
		t.Fatalf("short text split: %v", got)
	}

	long := strings.Repeat("line one\nline two\n", 50)
	chunks := splitTelegramText(long, 64, "")
	if len(chunks) < 2 {
		t.Fatal("long text should split")
	}
	for _, c := range chunks {
		if len([]rune(c)) > 64 {
			t.Fatalf("chunk exceeds limit: %d runes", len([]rune(c)))
		}
		if strings.HasPrefix(c, "\n") || strings.HasSuffix(c, "\n") {
			t.Fatalf("chunk has dangling newline: %q", c)
		}
	}
}
