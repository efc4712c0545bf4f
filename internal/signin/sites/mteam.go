package sites

import (
	"context"
	"fmt"

	"signbot/internal/fetch"
	"signbot/internal/signin"
	logx "signbot/pkg/logx"
)

// MTeam has no check-in feature; only the last-browse refresh against its
// token-authenticated API is supported.
type MTeam struct {
	fetcher *fetch.Client
	log     logx.Logger
}

func NewMTeam(fetcher *fetch.Client, log logx.Logger) *MTeam {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &MTeam{fetcher: fetcher, log: log}
}

func (h *MTeam) Name() string { return "mteam" }

func (h *MTeam) MatchURL(rawURL string) bool {
	return matchDomains(rawURL, "api.m-team.cc", "api.m-team.io")
}

func (h *MTeam) MatchSchema(string) bool { return false }

func (h *MTeam) SignIn(_ context.Context, site signin.Site) signin.Result {
	h.log.Warn("site has no check-in feature", logx.String("site", site.Name))
	return signin.Result{OK: false, Message: "签到失败，无签到功能"}
}

func (h *MTeam) Login(ctx context.Context, site signin.Site) signin.Result {
	target := joinURL(site.URL, "/api/member/updateLastBrowse")
	h.log.Info("refreshing last browse", logx.String("site", site.Name), logx.String("url", target))

	_, status, err := h.fetcher.PostJSON(ctx, pageRequest(site, target), struct{}{}, map[string]string{
		"Accept": "application/json, text/plain, */*",
	})
	switch {
	case err != nil:
		h.log.Warn("last browse request failed", logx.String("site", site.Name), logx.Err(err))
		return signin.Result{OK: false, Message: "模拟登录失败，无法打开网站"}
	case status < 200 || status >= 300:
		return signin.Result{OK: false, Message: fmt.Sprintf("模拟登录失败，状态码：%d", status)}
	default:
		return signin.Result{OK: true, Message: "模拟登录成功"}
	}
}
