package sites

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"signbot/internal/fetch"
	"signbot/internal/signin"
	logx "signbot/pkg/logx"
)

// ZhuQue drives the site's character-skill game through its JSON API. The
// page is fetched first to harvest the CSRF token the API requires.
type ZhuQue struct {
	fetcher *fetch.Client
	log     logx.Logger
}

const zhuqueFirePath = "/api/gaming/fireGenshinCharacterMagic"

func NewZhuQue(fetcher *fetch.Client, log logx.Logger) *ZhuQue {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &ZhuQue{fetcher: fetcher, log: log}
}

func (h *ZhuQue) Name() string { return "zhuque" }

func (h *ZhuQue) MatchURL(rawURL string) bool {
	return matchDomains(rawURL, "zhuque.in")
}

func (h *ZhuQue) MatchSchema(string) bool { return false }

func (h *ZhuQue) SignIn(ctx context.Context, site signin.Site) signin.Result {
	h.log.Info("releasing character skills", logx.String("site", site.Name))

	content := h.fetcher.Page(ctx, pageRequest(site, site.URL))
	if content == "" {
		return signin.Result{OK: false, Message: "模拟登录失败，请检查站点连通性"}
	}
	if strings.Contains(content, "login.php") {
		return signin.Result{OK: false, Message: "模拟登录失败，Cookie已失效"}
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(content))
	if err != nil {
		return signin.Result{OK: false, Message: "模拟登录失败"}
	}
	token, _ := doc.Find(`meta[name="x-csrf-token"]`).Attr("content")

	// The action is best-effort; a valid session alone already counts.
	skillMsg := "失败"
	if token != "" {
		body, status, err := h.fetcher.PostJSON(ctx, pageRequest(site, joinURL(site.URL, zhuqueFirePath)),
			map[string]any{"all": 1, "resetModal": "true"},
			map[string]string{"x-csrf-token": token})
		if err != nil || status != 200 {
			h.log.Warn("skill release request failed",
				logx.String("site", site.Name), logx.Int("status", status), logx.Err(err))
		} else {
			var resp struct {
				Status int `json:"status"`
				Data   struct {
					Bonus float64 `json:"bonus"`
				} `json:"data"`
			}
			if err := json.Unmarshal(body, &resp); err == nil && resp.Status == 200 {
				skillMsg = fmt.Sprintf("成功，获得%d魔力", int(resp.Data.Bonus))
			}
		}
	}
	return signin.Result{OK: true, Message: "模拟登录成功，技能释放" + skillMsg}
}

func (h *ZhuQue) Login(ctx context.Context, site signin.Site) signin.Result {
	content := h.fetcher.Page(ctx, pageRequest(site, site.URL))
	return signin.Classify(content, signin.TaskLogin)
}
