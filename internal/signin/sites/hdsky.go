package sites

import (
	"context"
	"encoding/json"
	"net/url"
	"strings"
	"time"

	"signbot/internal/fetch"
	"signbot/internal/ocr"
	"signbot/internal/signin"
	logx "signbot/pkg/logx"
)

// HDSky gates its check-in behind an image captcha: request a captcha hash,
// run the image through the OCR service, then post both back.
type HDSky struct {
	fetcher *fetch.Client
	ocr     *ocr.Client
	log     logx.Logger
	sleep   func(time.Duration)
}

const captchaAttempts = 3

func NewHDSky(fetcher *fetch.Client, ocrc *ocr.Client, log logx.Logger) *HDSky {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &HDSky{fetcher: fetcher, ocr: ocrc, log: log, sleep: time.Sleep}
}

func (h *HDSky) Name() string { return "hdsky" }

func (h *HDSky) MatchURL(rawURL string) bool {
	return matchDomains(rawURL, "hdsky.me", "hdsky.my")
}

func (h *HDSky) MatchSchema(string) bool { return false }

func (h *HDSky) SignIn(ctx context.Context, site signin.Site) signin.Result {
	h.log.Info("checking in", logx.String("site", site.Name))

	content := h.fetcher.Page(ctx, pageRequest(site, site.URL))
	if content == "" {
		return signin.Result{OK: false, Message: "签到失败，请检查站点连通性"}
	}
	if strings.Contains(content, "login.php") {
		return signin.Result{OK: false, Message: "签到失败，Cookie已失效"}
	}
	if strings.Contains(content, "已签到") {
		return signin.Result{OK: true, Message: "今日已签到"}
	}

	if !h.ocr.Enabled() {
		h.log.Warn("captcha check-in requires the OCR service", logx.String("site", site.Name))
		return signin.Result{OK: false, Message: "签到失败，未配置OCR服务"}
	}

	imageHash := h.fetchImageHash(ctx, site)
	if imageHash == "" {
		return signin.Result{OK: false, Message: "签到失败，获取签到参数失败"}
	}

	imageURL := joinURL(site.URL, "/image.php?action=regimage&imagehash="+url.QueryEscape(imageHash))
	code := h.solveCaptcha(ctx, site, imageURL)
	if code == "" {
		return signin.Result{OK: false, Message: "签到失败，验证码识别失败"}
	}

	body, status, err := h.fetcher.PostForm(ctx, pageRequest(site, joinURL(site.URL, "/showup.php")), url.Values{
		"action":      {"showup"},
		"imagehash":   {imageHash},
		"imagestring": {code},
	})
	if err != nil || status != 200 {
		h.log.Warn("check-in request failed",
			logx.String("site", site.Name), logx.Int("status", status), logx.Err(err))
		return signin.Result{OK: false, Message: "签到失败，签到接口请求失败"}
	}

	var resp struct {
		Success bool `json:"success"`
		Message any  `json:"message"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		h.log.Warn("unreadable check-in response", logx.String("site", site.Name), logx.Err(err))
		return signin.Result{OK: false, Message: "签到失败，请查看日志"}
	}
	msg, _ := resp.Message.(string)
	switch {
	case resp.Success:
		return signin.Result{OK: true, Message: "签到成功"}
	case msg == "date_unmatch":
		return signin.Result{OK: true, Message: "今日已签到"}
	case msg == "invalid_imagehash":
		return signin.Result{OK: false, Message: "签到失败，验证码错误"}
	default:
		h.log.Warn("unrecognized check-in response",
			logx.String("site", site.Name), logx.String("message", msg))
		return signin.Result{OK: false, Message: "签到失败，请查看日志"}
	}
}

func (h *HDSky) Login(ctx context.Context, site signin.Site) signin.Result {
	content := h.fetcher.Page(ctx, pageRequest(site, site.URL))
	return signin.Classify(content, signin.TaskLogin)
}

// fetchImageHash requests a fresh captcha hash, retrying transient failures.
func (h *HDSky) fetchImageHash(ctx context.Context, site signin.Site) string {
	target := joinURL(site.URL, "/image_code_ajax.php")
	for attempt := 0; attempt <= captchaAttempts; attempt++ {
		if attempt > 0 {
			h.log.Warn("captcha hash fetch failed, retrying",
				logx.String("site", site.Name), logx.Int("attempt", attempt))
			h.sleep(retryPause)
		}
		body, status, err := h.fetcher.PostForm(ctx, pageRequest(site, target), url.Values{
			"action": {"new"},
		})
		if err != nil || status != 200 {
			continue
		}
		var resp struct {
			Success bool   `json:"success"`
			Code    string `json:"code"`
		}
		if err := json.Unmarshal(body, &resp); err != nil {
			continue
		}
		if resp.Success && resp.Code != "" {
			return resp.Code
		}
	}
	return ""
}

// solveCaptcha runs the captcha image through OCR until a six-character
// answer comes back.
func (h *HDSky) solveCaptcha(ctx context.Context, site signin.Site, imageURL string) string {
	for attempt := 0; attempt <= captchaAttempts; attempt++ {
		if attempt > 0 {
			h.log.Warn("captcha recognition failed, retrying",
				logx.String("site", site.Name), logx.Int("attempt", attempt))
			h.sleep(retryPause)
		}
		code, err := h.ocr.Solve(ctx, imageURL, site.Cookie, site.UserAgent, site.UseProxy)
		if err != nil {
			h.log.Warn("ocr request failed", logx.String("site", site.Name), logx.Err(err))
			continue
		}
		if len(code) == 6 {
			h.log.Info("captcha recognized", logx.String("site", site.Name), logx.String("code", code))
			return code
		}
		if code != "" {
			h.log.Warn("captcha answer has wrong length",
				logx.String("site", site.Name), logx.String("code", code))
		}
	}
	return ""
}
