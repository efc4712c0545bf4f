package sites

import (
	"context"
	"net/url"
	"strings"

	"signbot/internal/fetch"
	"signbot/internal/signin"
	logx "signbot/pkg/logx"
)

// HDArea checks in with a form POST instead of the attendance page.
type HDArea struct {
	fetcher *fetch.Client
	log     logx.Logger
}

func NewHDArea(fetcher *fetch.Client, log logx.Logger) *HDArea {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &HDArea{fetcher: fetcher, log: log}
}

func (h *HDArea) Name() string { return "hdarea" }

func (h *HDArea) MatchURL(rawURL string) bool {
	return matchDomains(rawURL, "hdarea.club")
}

func (h *HDArea) MatchSchema(string) bool { return false }

func (h *HDArea) SignIn(ctx context.Context, site signin.Site) signin.Result {
	target := joinURL(site.URL, "/sign_in.php")
	h.log.Info("checking in", logx.String("site", site.Name), logx.String("url", target))

	body, status, err := h.fetcher.PostForm(ctx, pageRequest(site, target), url.Values{
		"action": {"sign_in"},
	})
	if err != nil || status != 200 {
		h.log.Warn("check-in request failed",
			logx.String("site", site.Name), logx.Int("status", status), logx.Err(err))
		return signin.Result{OK: false, Message: "签到失败，请检查站点连通性"}
	}

	content := string(body)
	if strings.Contains(content, "login.php") {
		return signin.Result{OK: false, Message: "签到失败，Cookie已失效"}
	}
	if strings.Contains(content, "此次签到您获得") {
		return signin.Result{OK: true, Message: "签到成功"}
	}
	if strings.Contains(content, "请不要重复签到哦") {
		return signin.Result{OK: true, Message: "今日已签到"}
	}
	h.log.Warn("unrecognized check-in response", logx.String("site", site.Name))
	return signin.Result{OK: false, Message: "签到失败，请查看日志"}
}

func (h *HDArea) Login(ctx context.Context, site signin.Site) signin.Result {
	content := h.fetcher.Page(ctx, pageRequest(site, site.URL))
	return signin.Classify(content, signin.TaskLogin)
}
