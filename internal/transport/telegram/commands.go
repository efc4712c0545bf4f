package telegram

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"signbot/internal/signin"
	"signbot/internal/sitedb"
	kit "signbot/internal/transport"
	logx "signbot/pkg/logx"
)

// EnginePort is the check-in engine surface the bot commands need.
type EnginePort interface {
	Run(ctx context.Context) error
	SignInByDomain(ctx context.Context, rawURL string) (string, error)
}

// HistoryPort reads back recent run records.
type HistoryPort interface {
	Records(ctx context.Context, days int) (map[string][]signin.RecordEntry, []string, error)
}

// StatsPort reads site availability statistics.
type StatsPort interface {
	Snapshot() map[string]sitedb.Stats
}

type RouterConfig struct {
	// Owners are the only users allowed to issue commands.
	Owners []int64
}

// Router dispatches operator commands from incoming updates.
type Router struct {
	mu      sync.Mutex
	cfg     RouterConfig
	adapter kit.Adapter
	engine  EnginePort
	history HistoryPort
	stats   StatsPort
	log     logx.Logger

	// runTimeout bounds one manually triggered full run.
	runTimeout time.Duration
}

func NewRouter(cfg RouterConfig, adapter kit.Adapter, engine EnginePort, history HistoryPort, stats StatsPort, log logx.Logger) *Router {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Router{
		cfg:        cfg,
		adapter:    adapter,
		engine:     engine,
		history:    history,
		stats:      stats,
		log:        log,
		runTimeout: 30 * time.Minute,
	}
}

// MenuCommands is the bot command list shown in the Telegram menu.
func MenuCommands() []kit.BotCommand {
	return []kit.BotCommand{
		{Command: "signin", Description: "立即执行站点签到"},
		{Command: "signin_site", Description: "签到单个站点: /signin_site <url>"},
		{Command: "status", Description: "最近三天的签到记录"},
		{Command: "sites", Description: "站点可用性统计"},
		{Command: "help", Description: "命令帮助"},
	}
}

// Run consumes updates until the channel closes or the context ends.
func (r *Router) Run(ctx context.Context, updates <-chan kit.Update) {
	for {
		select {
		case <-ctx.Done():
			return
		case up, ok := <-updates:
			if !ok {
				return
			}
			if up.Kind != kit.UpdateMessage || up.Message == nil {
				continue
			}
			r.dispatch(ctx, up.Message)
		}
	}
}

func (r *Router) dispatch(ctx context.Context, m *kit.Message) {
	cmd, args := parseCommand(m.Text)
	if cmd == "" {
		return
	}
	if !r.isOwner(m.FromID) {
		r.log.Warn("command from non-owner ignored",
			logx.String("command", cmd), logx.Int64("from", m.FromID))
		return
	}
	to := kit.ChatTarget{ChatID: m.ChatID, ThreadID: m.ThreadID}
	r.log.Info("command received", logx.String("command", cmd), logx.Int64("from", m.FromID))

	switch cmd {
	case "signin":
		r.handleSignIn(ctx, to)
	case "signin_site":
		r.handleSignInSite(ctx, to, args)
	case "status":
		r.handleStatus(ctx, to)
	case "sites":
		r.handleSites(ctx, to)
	case "help", "start":
		r.reply(ctx, to, helpText())
	default:
		r.reply(ctx, to, "未知命令，发送 /help 查看可用命令")
	}
}

func (r *Router) handleSignIn(ctx context.Context, to kit.ChatTarget) {
	ref, err := r.adapter.SendText(ctx, to, "开始执行站点签到...", nil)
	if err != nil {
		r.log.Warn("ack send failed", logx.Err(err))
	}

	// The run can take minutes; detach it from the update loop.
	go func() {
		runCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.runTimeout)
		defer cancel()

		started := time.Now()
		err := r.engine.Run(runCtx)
		var text string
		switch {
		case err == signin.ErrOutsideWindow:
			text = "当前时间不在允许的签到时间段内"
		case err != nil:
			text = "签到任务失败: " + err.Error()
		default:
			text = fmt.Sprintf("站点签到完成，耗时 %s", time.Since(started).Round(time.Second))
		}
		if ref.ChatID != 0 {
			if err := r.adapter.EditText(runCtx, ref, text, nil); err == nil {
				return
			}
		}
		r.reply(runCtx, to, text)
	}()
}

func (r *Router) handleSignInSite(ctx context.Context, to kit.ChatTarget, args []string) {
	if len(args) == 0 {
		r.reply(ctx, to, "用法: /signin_site <url>")
		return
	}
	msg, err := r.engine.SignInByDomain(ctx, args[0])
	if err != nil {
		r.reply(ctx, to, "签到失败: "+err.Error())
		return
	}
	r.reply(ctx, to, msg)
}

func (r *Router) handleStatus(ctx context.Context, to kit.ChatTarget) {
	records, order, err := r.history.Records(ctx, 3)
	if err != nil {
		r.reply(ctx, to, "读取签到记录失败: "+err.Error())
		return
	}
	if len(order) == 0 {
		r.reply(ctx, to, "最近三天没有签到记录")
		return
	}
	var b strings.Builder
	for _, day := range order {
		fmt.Fprintf(&b, "%s\n", day)
		for _, e := range records[day] {
			fmt.Fprintf(&b, "【%s】%s\n", e.Site, e.Status)
		}
		b.WriteString("\n")
	}
	r.reply(ctx, to, strings.TrimRight(b.String(), "\n"))
}

func (r *Router) handleSites(ctx context.Context, to kit.ChatTarget) {
	snap := r.stats.Snapshot()
	if len(snap) == 0 {
		r.reply(ctx, to, "暂无站点统计")
		return
	}
	domains := make([]string, 0, len(snap))
	for d := range snap {
		domains = append(domains, d)
	}
	sort.Strings(domains)

	var b strings.Builder
	for _, d := range domains {
		st := snap[d]
		fmt.Fprintf(&b, "%s: 成功 %d, 失败 %d", d, st.Success, st.Failure)
		if st.NeedsRefresh {
			b.WriteString(" (Cookie待更新)")
		}
		b.WriteString("\n")
	}
	r.reply(ctx, to, strings.TrimRight(b.String(), "\n"))
}

func (r *Router) reply(ctx context.Context, to kit.ChatTarget, text string) {
	if _, err := r.adapter.SendText(ctx, to, text, nil); err != nil {
		r.log.Warn("reply send failed", logx.Err(err))
	}
}

// SetOwners swaps the allowed user list on configuration reload.
func (r *Router) SetOwners(owners []int64) {
	r.mu.Lock()
	r.cfg.Owners = append([]int64(nil), owners...)
	r.mu.Unlock()
}

func (r *Router) isOwner(id int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, o := range r.cfg.Owners {
		if o == id {
			return true
		}
	}
	return false
}

// parseCommand extracts "/cmd arg1 arg2" into ("cmd", args). A "@botname"
// suffix on the command is stripped.
func parseCommand(text string) (string, []string) {
	fields := strings.Fields(strings.TrimSpace(text))
	if len(fields) == 0 || !strings.HasPrefix(fields[0], "/") {
		return "", nil
	}
	cmd := strings.TrimPrefix(fields[0], "/")
	if i := strings.IndexByte(cmd, '@'); i >= 0 {
		cmd = cmd[:i]
	}
	return strings.ToLower(cmd), fields[1:]
}

func helpText() string {
	var b strings.Builder
	b.WriteString("站点签到机器人\n\n")
	for _, c := range MenuCommands() {
		fmt.Fprintf(&b, "/%s - %s\n", c.Command, c.Description)
	}
	return strings.TrimRight(b.String(), "\n")
}
