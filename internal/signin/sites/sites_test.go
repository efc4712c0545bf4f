package sites

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"signbot/internal/fetch"
	"signbot/internal/ocr"
	"signbot/internal/signin"
	logx "signbot/pkg/logx"
)

func testFetcher(t *testing.T) *fetch.Client {
	t.Helper()
	c, err := fetch.New("", nil, logx.Nop())
	if err != nil {
		t.Fatalf("fetch client: %v", err)
	}
	return c
}

func testSite(url string) signin.Site {
	return signin.Site{ID: 1, Name: "test", URL: url, Cookie: "uid=1; pass=x"}
}

func TestGenericSignInHitsAttendance(t *testing.T) {
	var gotPath, gotCookie string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotCookie = r.Header.Get("Cookie")
		fmt.Fprint(w, `<html><body><a href="logout.php">x</a>这是您的第 9 次签到，已连续签到 9 天，本次签到获得 50 个魔力值。</body></html>`)
	}))
	defer srv.Close()

	h := NewGeneric(testFetcher(t), logx.Nop())
	res := h.SignIn(context.Background(), testSite(srv.URL))
	if gotPath != "/attendance.php" {
		t.Fatalf("path = %q, want /attendance.php", gotPath)
	}
	if gotCookie != "uid=1; pass=x" {
		t.Fatalf("cookie = %q", gotCookie)
	}
	if !res.OK || res.Message != "签到成功" {
		t.Fatalf("result = (%v, %q)", res.OK, res.Message)
	}
}

func TestGenericLoginVerifiesSession(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<html><body><div class="user-info-side"></div></body></html>`)
	}))
	defer srv.Close()

	h := NewGeneric(testFetcher(t), logx.Nop())
	res := h.Login(context.Background(), testSite(srv.URL))
	if !res.OK || res.Message != "模拟登录成功" {
		t.Fatalf("result = (%v, %q)", res.OK, res.Message)
	}
}

func TestNexusPHPSchemaMatching(t *testing.T) {
	h := NewNexusPHP(testFetcher(t), logx.Nop())
	for _, schema := range []string{"NexusPhp", "nexusphp", "HDDolby"} {
		if !h.MatchSchema(schema) {
			t.Fatalf("schema %q should match", schema)
		}
	}
	if h.MatchSchema("Unit3D") {
		t.Fatal("foreign schema must not match")
	}
	if h.MatchURL("https://anything.example.com") {
		t.Fatal("schema handler must not match by URL")
	}
}

func TestNexusPHPSignInNoAttendanceFeature(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<html><body><h1>404 Not Found</h1></body></html>`)
	}))
	defer srv.Close()

	h := NewNexusPHP(testFetcher(t), logx.Nop())
	res := h.SignIn(context.Background(), testSite(srv.URL))
	if res.OK || res.Message != "签到失败，请确认是否有签到功能" {
		t.Fatalf("result = (%v, %q)", res.OK, res.Message)
	}
}

func TestNexusPHPLogin(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<html><body><a href="userdetails.php?id=1">profile</a></body></html>`)
	}))
	defer srv.Close()

	h := NewNexusPHP(testFetcher(t), logx.Nop())
	res := h.Login(context.Background(), testSite(srv.URL))
	if !res.OK || res.Message != "模拟登录成功" {
		t.Fatalf("result = (%v, %q)", res.OK, res.Message)
	}
}

func TestHDAreaSignIn(t *testing.T) {
	replies := map[string]string{
		"success": "已连续签到278天，此次签到您获得了100魔力值奖励!",
		"repeat":  "请不要重复签到哦！",
		"expired": `<script>window.location="login.php"</script>`,
		"other":   "维护中",
	}
	var mode string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/sign_in.php" || r.Method != http.MethodPost {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if err := r.ParseForm(); err != nil || r.PostForm.Get("action") != "sign_in" {
			t.Errorf("bad form payload: %v", r.PostForm)
		}
		fmt.Fprint(w, replies[mode])
	}))
	defer srv.Close()

	h := NewHDArea(testFetcher(t), logx.Nop())
	cases := []struct {
		mode    string
		wantOK  bool
		wantMsg string
	}{
		{"success", true, "签到成功"},
		{"repeat", true, "今日已签到"},
		{"expired", false, "签到失败，Cookie已失效"},
		{"other", false, "签到失败，请查看日志"},
	}
	for _, tc := range cases {
		mode = tc.mode
		res := h.SignIn(context.Background(), testSite(srv.URL))
		if res.OK != tc.wantOK || res.Message != tc.wantMsg {
			t.Fatalf("%s: result = (%v, %q), want (%v, %q)", tc.mode, res.OK, res.Message, tc.wantOK, tc.wantMsg)
		}
	}

	if !h.MatchURL("https://www.hdarea.club/index.php") {
		t.Fatal("hdarea domain should match")
	}
	if h.MatchURL("https://hdsky.me") {
		t.Fatal("foreign domain must not match")
	}
}

func TestZhuQueSignInFiresSkills(t *testing.T) {
	var gotToken string
	var gotPayload map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/":
			fmt.Fprint(w, `<html><head><meta name="x-csrf-token" content="tok-123"></head><body>ok</body></html>`)
		case "/api/gaming/fireGenshinCharacterMagic":
			gotToken = r.Header.Get("x-csrf-token")
			body, _ := io.ReadAll(r.Body)
			json.Unmarshal(body, &gotPayload)
			fmt.Fprint(w, `{"status":200,"data":{"code":"FIRE_GENSHIN_CHARACTER_MAGIC_SUCCESS","bonus":120}}`)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	h := NewZhuQue(testFetcher(t), logx.Nop())
	res := h.SignIn(context.Background(), testSite(srv.URL))
	if !res.OK || res.Message != "模拟登录成功，技能释放成功，获得120魔力" {
		t.Fatalf("result = (%v, %q)", res.OK, res.Message)
	}
	if gotToken != "tok-123" {
		t.Fatalf("csrf token = %q", gotToken)
	}
	if gotPayload["all"] != float64(1) || gotPayload["resetModal"] != "true" {
		t.Fatalf("payload = %v", gotPayload)
	}
}

func TestZhuQueSignInSurvivesSkillFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/" {
			fmt.Fprint(w, `<html><head><meta name="x-csrf-token" content="tok"></head><body>ok</body></html>`)
			return
		}
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	h := NewZhuQue(testFetcher(t), logx.Nop())
	res := h.SignIn(context.Background(), testSite(srv.URL))
	if !res.OK || res.Message != "模拟登录成功，技能释放失败" {
		t.Fatalf("result = (%v, %q)", res.OK, res.Message)
	}
}

func TestMTeam(t *testing.T) {
	var gotAuth, gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotPath = r.URL.Path
		fmt.Fprint(w, `{}`)
	}))
	defer srv.Close()

	h := NewMTeam(testFetcher(t), logx.Nop())
	site := testSite(srv.URL)
	site.Token = "jwt-token"

	res := h.SignIn(context.Background(), site)
	if res.OK || res.Message != "签到失败，无签到功能" {
		t.Fatalf("sign-in result = (%v, %q)", res.OK, res.Message)
	}

	res = h.Login(context.Background(), site)
	if !res.OK || res.Message != "模拟登录成功" {
		t.Fatalf("login result = (%v, %q)", res.OK, res.Message)
	}
	if gotPath != "/api/member/updateLastBrowse" {
		t.Fatalf("path = %q", gotPath)
	}
	if gotAuth != "jwt-token" {
		t.Fatalf("authorization = %q", gotAuth)
	}
}

func TestMTeamLoginStatusCode(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusForbidden)
	}))
	defer srv.Close()

	h := NewMTeam(testFetcher(t), logx.Nop())
	res := h.Login(context.Background(), testSite(srv.URL))
	if res.OK || res.Message != "模拟登录失败，状态码：403" {
		t.Fatalf("result = (%v, %q)", res.OK, res.Message)
	}
}

func hdskyFixture(t *testing.T, showup string) (*HDSky, *httptest.Server) {
	t.Helper()
	fetcher := testFetcher(t)

	ocrSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"result":"AB12CD"}`)
	}))
	t.Cleanup(ocrSrv.Close)

	var siteSrv *httptest.Server
	siteSrv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/":
			fmt.Fprint(w, `<html><body><a href="logout.php">x</a>欢迎回来</body></html>`)
		case "/image_code_ajax.php":
			fmt.Fprint(w, `{"success":true,"code":"hash-1"}`)
		case "/image.php":
			w.Write([]byte{0x89, 'P', 'N', 'G'})
		case "/showup.php":
			if err := r.ParseForm(); err != nil {
				t.Errorf("parse form: %v", err)
			}
			if r.PostForm.Get("imagehash") != "hash-1" || r.PostForm.Get("imagestring") != "AB12CD" {
				t.Errorf("bad showup payload: %v", r.PostForm)
			}
			fmt.Fprint(w, showup)
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(siteSrv.Close)

	ocrc := ocr.New(ocr.Config{Endpoint: ocrSrv.URL}, fetcher, logx.Nop())
	h := NewHDSky(fetcher, ocrc, logx.Nop())
	h.sleep = func(time.Duration) {}
	return h, siteSrv
}

func TestHDSkyCaptchaSignIn(t *testing.T) {
	h, srv := hdskyFixture(t, `{"success":true}`)
	res := h.SignIn(context.Background(), testSite(srv.URL))
	if !res.OK || res.Message != "签到成功" {
		t.Fatalf("result = (%v, %q)", res.OK, res.Message)
	}
}

func TestHDSkyRepeatSignIn(t *testing.T) {
	h, srv := hdskyFixture(t, `{"success":false,"message":"date_unmatch"}`)
	res := h.SignIn(context.Background(), testSite(srv.URL))
	if !res.OK || res.Message != "今日已签到" {
		t.Fatalf("result = (%v, %q)", res.OK, res.Message)
	}
}

func TestHDSkyBadCaptcha(t *testing.T) {
	h, srv := hdskyFixture(t, `{"success":false,"message":"invalid_imagehash"}`)
	res := h.SignIn(context.Background(), testSite(srv.URL))
	if res.OK || res.Message != "签到失败，验证码错误" {
		t.Fatalf("result = (%v, %q)", res.OK, res.Message)
	}
}

func TestHDSkyWithoutOCR(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<html><body><a href="logout.php">x</a></body></html>`)
	}))
	defer srv.Close()

	h := NewHDSky(testFetcher(t), nil, logx.Nop())
	res := h.SignIn(context.Background(), testSite(srv.URL))
	if res.OK || res.Message != "签到失败，未配置OCR服务" {
		t.Fatalf("result = (%v, %q)", res.OK, res.Message)
	}
}
