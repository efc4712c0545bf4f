package sites

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"

	"signbot/internal/fetch"
	"signbot/internal/signin"
	logx "signbot/pkg/logx"
)

// Tjupt's check-in page shows a movie poster and a set of title options.
// The right title is found by looking the options up in the Douban movie
// index and comparing poster image hashes; confirmed answers are cached by
// image name so repeated posters are answered locally.
type Tjupt struct {
	fetcher *fetch.Client
	answers AnswerCache
	log     logx.Logger

	// doubanBase and sleep are swapped out in tests.
	doubanBase string
	sleep      func(time.Duration)
}

const (
	tjuptAttendancePath = "/attendance.php"
	// Pause between Douban lookups; hammering the suggest API gets the IP
	// blocked.
	doubanPause = 5 * time.Second
	// Poster hashes closer than this are treated as the same image.
	posterMatchScore = 0.9
)

var (
	tjuptSignedRegex  = regexp.MustCompile(`<a href="attendance.php">今日已签到</a>`)
	tjuptSucceedRegex = regexp.MustCompile(`本次签到获得\s*<b>\d+</b>\s*个魔力值`)
)

func NewTjupt(fetcher *fetch.Client, answers AnswerCache, log logx.Logger) *Tjupt {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Tjupt{
		fetcher:    fetcher,
		answers:    answers,
		log:        log,
		doubanBase: "https://movie.douban.com",
		sleep:      time.Sleep,
	}
}

func (h *Tjupt) Name() string { return "tjupt" }

func (h *Tjupt) MatchURL(rawURL string) bool {
	return matchDomains(rawURL, "www.tjupt.org")
}

func (h *Tjupt) MatchSchema(string) bool { return false }

func (h *Tjupt) SignIn(ctx context.Context, site signin.Site) signin.Result {
	target := joinURL(site.URL, tjuptAttendancePath)
	h.log.Info("checking in", logx.String("site", site.Name), logx.String("url", target))

	content := h.fetcher.Page(ctx, pageRequest(site, target))
	if content == "" {
		return signin.Result{OK: false, Message: "签到失败，请检查站点连通性"}
	}
	if strings.Contains(content, "login.php") {
		return signin.Result{OK: false, Message: "签到失败，Cookie已失效"}
	}
	if tjuptSignedRegex.MatchString(content) {
		return signin.Result{OK: true, Message: "今日已签到"}
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(content))
	if err != nil {
		return signin.Result{OK: false, Message: "签到失败，无法解析签到页面"}
	}

	imgSrc, _ := doc.Find("table.captcha img").Attr("src")
	if imgSrc == "" {
		return signin.Result{OK: false, Message: "签到失败，未获取到签到图片"}
	}
	imgName := imgSrc
	if i := strings.LastIndex(imgSrc, "/"); i >= 0 {
		imgName = imgSrc[i+1:]
	}
	imgURL := joinURL(site.URL, imgSrc)

	options := captchaOptions(doc)
	if len(options) == 0 {
		return signin.Result{OK: false, Message: "签到失败，未获取到答案选项"}
	}

	// A previously confirmed answer for this poster skips the lookup.
	if known, ok := h.answers.Get(imgName); ok {
		for _, opt := range options {
			if opt.answer == known {
				return h.submit(ctx, site, target, opt, "", "")
			}
		}
	}

	posterData, err := h.fetcher.Bytes(ctx, pageRequest(site, imgURL))
	if err != nil {
		h.log.Warn("captcha poster fetch failed", logx.String("site", site.Name), logx.Err(err))
		return signin.Result{OK: false, Message: "签到失败，未获取到签到图片"}
	}
	posterHash, ok := imageHash(posterData)
	if !ok {
		return signin.Result{OK: false, Message: "签到失败，未获取到签到图片"}
	}

	for _, opt := range options {
		if opt.answer == "" {
			continue
		}
		h.sleep(doubanPause)
		for _, candidate := range h.doubanPosters(ctx, opt.answer) {
			data, err := h.fetcher.Bytes(ctx, fetch.Request{
				URL:     candidate,
				Referer: h.doubanBase,
			})
			if err != nil {
				continue
			}
			candidateHash, ok := imageHash(data)
			if !ok {
				continue
			}
			score := compareHash(posterHash, candidateHash)
			h.log.Debug("poster similarity",
				logx.String("site", site.Name),
				logx.String("answer", opt.answer),
				logx.Float64("score", score))
			if score > posterMatchScore {
				return h.submit(ctx, site, target, opt, imgName, opt.answer)
			}
		}
	}

	h.log.Warn("no matching answer for captcha poster",
		logx.String("site", site.Name), logx.String("image", imgName))
	return signin.Result{OK: false, Message: "签到失败，未获取到匹配答案"}
}

func (h *Tjupt) Login(ctx context.Context, site signin.Site) signin.Result {
	content := h.fetcher.Page(ctx, pageRequest(site, site.URL))
	return signin.Classify(content, signin.TaskLogin)
}

type captchaOption struct {
	value  string
	answer string
}

// captchaOptions pairs each ban_robot radio value with the title text that
// follows it in the markup.
func captchaOptions(doc *goquery.Document) []captchaOption {
	var out []captchaOption
	doc.Find(`input[name="ban_robot"]`).Each(func(_ int, s *goquery.Selection) {
		value, ok := s.Attr("value")
		if !ok || len(s.Nodes) == 0 {
			return
		}
		out = append(out, captchaOption{value: value, answer: followingText(s.Nodes[0])})
	})
	return out
}

func followingText(n *html.Node) string {
	for sib := n.NextSibling; sib != nil; sib = sib.NextSibling {
		if sib.Type == html.TextNode {
			if t := strings.TrimSpace(sib.Data); t != "" {
				return t
			}
			continue
		}
		if sib.Type == html.ElementNode {
			break
		}
	}
	return ""
}

// doubanPosters looks a title up in the Douban movie index and returns the
// candidate poster URLs.
func (h *Tjupt) doubanPosters(ctx context.Context, title string) []string {
	body, err := h.fetcher.Bytes(ctx, fetch.Request{
		URL: h.doubanBase + "/j/subject_suggest?q=" + url.QueryEscape(title),
	})
	if err != nil {
		h.log.Debug("douban lookup failed", logx.String("title", title), logx.Err(err))
		return nil
	}
	type suggestion struct {
		Img   string `json:"img"`
		Title string `json:"title"`
	}
	var list []suggestion
	if err := json.Unmarshal(body, &list); err != nil {
		var one suggestion
		if err := json.Unmarshal(body, &one); err != nil {
			return nil
		}
		list = []suggestion{one}
	}
	urls := make([]string, 0, len(list))
	for _, s := range list {
		if s.Img != "" {
			urls = append(urls, s.Img)
		}
	}
	return urls
}

func (h *Tjupt) submit(ctx context.Context, site signin.Site, target string, opt captchaOption, imgName, answer string) signin.Result {
	body, status, err := h.fetcher.PostForm(ctx, pageRequest(site, target), url.Values{
		"ban_robot": {opt.value},
		"submit":    {"提交"},
	})
	if err != nil || status != 200 {
		h.log.Warn("check-in request failed",
			logx.String("site", site.Name), logx.Int("status", status), logx.Err(err))
		return signin.Result{OK: false, Message: "签到失败，签到接口请求失败"}
	}
	if tjuptSucceedRegex.Match(body) {
		if imgName != "" && answer != "" {
			h.answers.Put(imgName, answer)
		}
		return signin.Result{OK: true, Message: "签到成功"}
	}
	h.log.Warn("unrecognized check-in response", logx.String("site", site.Name))
	return signin.Result{OK: false, Message: "签到失败，请查看日志"}
}

const hashGrid = 10

// imageHash is a coarse average-hash: the image is split into a 10x10 grid
// and each cell contributes one bit, gray level above or below the overall
// mean. Resolution differences between two renditions of the same poster
// wash out at this granularity.
func imageHash(data []byte) (string, bool) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return "", false
	}
	b := img.Bounds()
	if b.Dx() < hashGrid || b.Dy() < hashGrid {
		return "", false
	}

	var cells [hashGrid * hashGrid]float64
	for gy := 0; gy < hashGrid; gy++ {
		y0 := b.Min.Y + gy*b.Dy()/hashGrid
		y1 := b.Min.Y + (gy+1)*b.Dy()/hashGrid
		for gx := 0; gx < hashGrid; gx++ {
			x0 := b.Min.X + gx*b.Dx()/hashGrid
			x1 := b.Min.X + (gx+1)*b.Dx()/hashGrid
			var sum float64
			var n int
			for y := y0; y < y1; y++ {
				for x := x0; x < x1; x++ {
					r, g, bl, _ := img.At(x, y).RGBA()
					sum += 0.299*float64(r>>8) + 0.587*float64(g>>8) + 0.114*float64(bl>>8)
					n++
				}
			}
			if n > 0 {
				cells[gy*hashGrid+gx] = sum / float64(n)
			}
		}
	}

	var avg float64
	for _, c := range cells {
		avg += c
	}
	avg /= hashGrid * hashGrid

	bits := make([]byte, len(cells))
	for i, c := range cells {
		if c > avg {
			bits[i] = '1'
		} else {
			bits[i] = '0'
		}
	}
	return string(bits), true
}

// compareHash returns the fraction of matching bits, or -1 on length skew.
func compareHash(h1, h2 string) float64 {
	if len(h1) != len(h2) || len(h1) == 0 {
		return -1
	}
	n := 0
	for i := range h1 {
		if h1[i] == h2[i] {
			n++
		}
	}
	return float64(n) / float64(len(h1))
}
