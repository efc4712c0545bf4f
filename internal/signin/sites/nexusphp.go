package sites

import (
	"context"
	"strings"

	"signbot/internal/fetch"
	"signbot/internal/signin"
	logx "signbot/pkg/logx"
)

// NexusPHP covers the framework family of trackers configured by schema tag
// rather than by domain. Its check-in cascade mirrors the generic one but
// can additionally tell apart sites that removed the attendance feature.
type NexusPHP struct {
	fetcher *fetch.Client
	log     logx.Logger
}

// Framework tags that resolve to this handler.
var nexusSchemas = map[string]bool{
	"nexusphp":       true,
	"nexushhanclub":  true,
	"nexusaudiences": true,
	"hddolby":        true,
}

func NewNexusPHP(fetcher *fetch.Client, log logx.Logger) *NexusPHP {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &NexusPHP{fetcher: fetcher, log: log}
}

func (h *NexusPHP) Name() string         { return "nexusphp" }
func (h *NexusPHP) MatchURL(string) bool { return false }

func (h *NexusPHP) MatchSchema(schema string) bool {
	return nexusSchemas[strings.ToLower(schema)]
}

func (h *NexusPHP) SignIn(ctx context.Context, site signin.Site) signin.Result {
	target := joinURL(site.URL, "/attendance.php")
	h.log.Info("checking in", logx.String("site", site.Name), logx.String("url", target))

	content := h.fetcher.Page(ctx, pageRequest(site, target))
	if content == "" {
		return signin.Result{OK: false, Message: "签到失败，请检查站点连通性"}
	}
	if signin.MatchesAny(content, signin.ReNotFound) {
		return signin.Result{OK: false, Message: "签到失败，请确认是否有签到功能"}
	}
	if strings.Contains(content, "login.php") {
		return signin.Result{OK: false, Message: "签到失败，Cookie已失效"}
	}
	if strings.Contains(content, "take2fa.php") {
		return signin.Result{OK: false, Message: "签到失败，两步验证拦截"}
	}
	if signin.UnderChallenge(content) {
		return signin.Result{OK: false, Message: "签到失败，无法绕过Cloudflare检测"}
	}
	if signin.MatchesAny(content, signin.ReSafeline) {
		return signin.Result{OK: false, Message: "签到失败，无法绕过雷池检测"}
	}
	if signin.MatchesAny(content, signin.ReDragVerify) {
		return signin.Result{OK: false, Message: "签到失败，无法通过验证"}
	}
	if signin.MatchesAny(content, signin.ReCloudflare) {
		return signin.Result{OK: false, Message: "签到失败，签到页面已被Cloudflare防护"}
	}
	if signin.MatchesAny(content, signin.ReSigned) {
		return signin.Result{OK: true, Message: "今日已签到"}
	}
	if signin.MatchesAny(content, signin.ReSuccess) {
		return signin.Result{OK: true, Message: "签到成功"}
	}
	h.log.Warn("unrecognized attendance response", logx.String("site", site.Name))
	return signin.Result{OK: false, Message: "签到失败，请查看日志"}
}

func (h *NexusPHP) Login(ctx context.Context, site signin.Site) signin.Result {
	target := joinURL(site.URL, "/index.php")
	h.log.Info("verifying session", logx.String("site", site.Name), logx.String("url", target))

	content := h.fetcher.Page(ctx, pageRequest(site, target))
	if content == "" {
		return signin.Result{OK: false, Message: "模拟登录失败，请检查站点连通性"}
	}
	if strings.Contains(content, "login.php") {
		return signin.Result{OK: false, Message: "模拟登录失败，Cookie已失效"}
	}
	if strings.Contains(content, "take2fa.php") {
		return signin.Result{OK: false, Message: "模拟登录失败，两步验证拦截"}
	}
	if signin.UnderChallenge(content) {
		return signin.Result{OK: false, Message: "模拟登录失败，无法绕过Cloudflare检测"}
	}
	if signin.MatchesAny(content, signin.ReSafeline) {
		return signin.Result{OK: false, Message: "模拟登录失败，无法绕过雷池检测"}
	}
	if strings.Contains(content, "userdetails.php") {
		return signin.Result{OK: true, Message: "模拟登录成功"}
	}
	h.log.Warn("unrecognized front page response", logx.String("site", site.Name))
	return signin.Result{OK: false, Message: "模拟登录失败，请查看日志"}
}
