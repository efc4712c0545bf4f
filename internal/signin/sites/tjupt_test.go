package sites

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/png"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	logx "signbot/pkg/logx"
)

type memAnswers struct {
	m    map[string]string
	puts int
}

func newMemAnswers() *memAnswers { return &memAnswers{m: make(map[string]string)} }

func (a *memAnswers) Get(key string) (string, bool) {
	v, ok := a.m[key]
	return v, ok
}

func (a *memAnswers) Put(key, value string) {
	a.m[key] = value
	a.puts++
}

// testPoster renders a small gray gradient; inverted flips it so two posters
// hash far apart.
func testPoster(t *testing.T, inverted bool) []byte {
	t.Helper()
	const size = 50
	img := image.NewGray(image.Rect(0, 0, size, size))
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			v := uint8(x * 255 / size)
			if inverted {
				v = 255 - v
			}
			img.Pix[y*size+x] = v
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode poster: %v", err)
	}
	return buf.Bytes()
}

type tjuptFixture struct {
	handler *Tjupt
	answers *memAnswers
	site    *httptest.Server
	signs   *int
}

// newTjuptFixture wires a fake tracker and a fake Douban index. Option
// "正确答案" resolves to the same poster as the captcha; "错误答案" does not.
func newTjuptFixture(t *testing.T, attendancePage func() string) *tjuptFixture {
	t.Helper()
	match := testPoster(t, false)
	other := testPoster(t, true)
	signs := 0

	var douban *httptest.Server
	douban = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasPrefix(r.URL.Path, "/j/subject_suggest"):
			img := douban.URL + "/poster/other.png"
			if r.URL.Query().Get("q") == "正确答案" {
				img = douban.URL + "/poster/match.png"
			}
			fmt.Fprintf(w, `[{"img":%q,"title":"whatever"}]`, img)
		case r.URL.Path == "/poster/match.png":
			w.Write(match)
		case r.URL.Path == "/poster/other.png":
			w.Write(other)
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(douban.Close)

	site := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/attendance.php" && r.Method == http.MethodGet:
			fmt.Fprint(w, attendancePage())
		case r.URL.Path == "/attendance.php" && r.Method == http.MethodPost:
			signs++
			if err := r.ParseForm(); err != nil || r.PostForm.Get("ban_robot") != "42" {
				fmt.Fprint(w, "<html>wrong</html>")
				return
			}
			fmt.Fprint(w, "本次签到获得 <b>30</b> 个魔力值")
		case r.URL.Path == "/captcha/poster123.png":
			w.Write(match)
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(site.Close)

	answers := newMemAnswers()
	h := NewTjupt(testFetcher(t), answers, logx.Nop())
	h.doubanBase = douban.URL
	h.sleep = func(time.Duration) {}
	return &tjuptFixture{handler: h, answers: answers, site: site, signs: &signs}
}

func captchaPage() string {
	return `<html><body>
<table class="captcha"><tr><td><img src="/captcha/poster123.png"/></td></tr></table>
<form>
<input type="radio" name="ban_robot" value="7"/>错误答案
<input type="radio" name="ban_robot" value="42"/>正确答案
</form>
</body></html>`
}

func TestTjuptSignInResolvesPosterViaLookup(t *testing.T) {
	fx := newTjuptFixture(t, captchaPage)

	res := fx.handler.SignIn(context.Background(), testSite(fx.site.URL))
	if !res.OK || res.Message != "签到成功" {
		t.Fatalf("result = (%v, %q)", res.OK, res.Message)
	}
	if *fx.signs != 1 {
		t.Fatalf("sign posts = %d, want 1", *fx.signs)
	}
	if got, ok := fx.answers.Get("poster123.png"); !ok || got != "正确答案" {
		t.Fatalf("cached answer = (%q, %v), want confirmed answer stored", got, ok)
	}
}

func TestTjuptSignInUsesCachedAnswer(t *testing.T) {
	fx := newTjuptFixture(t, captchaPage)
	fx.answers.m["poster123.png"] = "正确答案"
	fx.answers.puts = 0

	res := fx.handler.SignIn(context.Background(), testSite(fx.site.URL))
	if !res.OK || res.Message != "签到成功" {
		t.Fatalf("result = (%v, %q)", res.OK, res.Message)
	}
	if fx.answers.puts != 0 {
		t.Fatal("cached-answer path must not rewrite the cache")
	}
}

func TestTjuptSignInAlreadySigned(t *testing.T) {
	fx := newTjuptFixture(t, func() string {
		return `<html><body><a href="attendance.php">今日已签到</a></body></html>`
	})
	res := fx.handler.SignIn(context.Background(), testSite(fx.site.URL))
	if !res.OK || res.Message != "今日已签到" {
		t.Fatalf("result = (%v, %q)", res.OK, res.Message)
	}
	if *fx.signs != 0 {
		t.Fatal("already-signed page must not post")
	}
}

func TestTjuptSignInNoMatchingAnswer(t *testing.T) {
	fx := newTjuptFixture(t, func() string {
		return `<html><body>
<table class="captcha"><tr><td><img src="/captcha/poster123.png"/></td></tr></table>
<input type="radio" name="ban_robot" value="7"/>错误答案
</body></html>`
	})
	res := fx.handler.SignIn(context.Background(), testSite(fx.site.URL))
	if res.OK || res.Message != "签到失败，未获取到匹配答案" {
		t.Fatalf("result = (%v, %q)", res.OK, res.Message)
	}
}

func TestTjuptMatchURL(t *testing.T) {
	h := NewTjupt(testFetcher(t), newMemAnswers(), logx.Nop())
	if !h.MatchURL("https://www.tjupt.org/index.php") {
		t.Fatal("tjupt url should match")
	}
	if h.MatchURL("https://hdsky.me") {
		t.Fatal("foreign url must not match")
	}
}

func TestImageHashSimilarity(t *testing.T) {
	a, ok := imageHash(testPoster(t, false))
	if !ok {
		t.Fatal("hash a failed")
	}
	b, ok := imageHash(testPoster(t, true))
	if !ok {
		t.Fatal("hash b failed")
	}
	if s := compareHash(a, a); s != 1.0 {
		t.Fatalf("self similarity = %v, want 1.0", s)
	}
	if s := compareHash(a, b); s > 0.5 {
		t.Fatalf("inverted similarity = %v, want low", s)
	}
	if s := compareHash(a, "01"); s != -1 {
		t.Fatalf("length skew = %v, want -1", s)
	}
}

func TestFileAnswerCacheRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "answers", "tjupt.json")

	c := NewFileAnswerCache(path, logx.Nop())
	if _, ok := c.Get("img1"); ok {
		t.Fatal("empty cache should miss")
	}
	c.Put("img1", "答案一")

	reopened := NewFileAnswerCache(path, logx.Nop())
	if got, ok := reopened.Get("img1"); !ok || got != "答案一" {
		t.Fatalf("reopened Get = (%q, %v)", got, ok)
	}
}
