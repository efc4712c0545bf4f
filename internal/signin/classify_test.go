package signin

import (
	"strings"
	"testing"
)

const loggedInShell = `<html><head><title>PT Home</title></head><body>
<a href="logout.php">退出</a>%s</body></html>`

func loggedInPage(body string) string {
	return strings.Replace(loggedInShell, "%s", body, 1)
}

func TestClassifySignIn(t *testing.T) {
	cases := []struct {
		name    string
		content string
		wantOK  bool
		wantMsg string
	}{
		{
			name:    "empty page",
			content: "",
			wantMsg: "签到失败，请检查站点连通性",
		},
		{
			name:    "cloudflare interstitial title",
			content: `<html><head><title>Just a moment...</title></head><body></body></html>`,
			wantMsg: "签到失败，无法绕过Cloudflare检测",
		},
		{
			name:    "ddos guard marker",
			content: `<html><head><title>x</title></head><body><div id="link-ddg"></div></body></html>`,
			wantMsg: "签到失败，无法绕过Cloudflare检测",
		},
		{
			name:    "safeline waf",
			content: `<html><body><div class="slg-box">访问被拦截</div></body></html>`,
			wantMsg: "签到失败，无法绕过雷池检测",
		},
		{
			name:    "drag verify widget",
			content: `<html><body><div id="dragContainer"><div id="dragHandler"></div></div></body></html>`,
			wantMsg: "签到失败，无法通过验证",
		},
		{
			name:    "login form means expired cookie",
			content: `<html><body><form action="takelogin.php"><input type="password" name="password"></form></body></html>`,
			wantMsg: "签到失败，Cookie已失效",
		},
		{
			name:    "turnstile on check-in page",
			content: loggedInPage(`<div class="cf-turnstile" data-sitekey="x"></div>`),
			wantMsg: "签到失败，签到页面已被Cloudflare防护",
		},
		{
			name:    "two factor gate",
			content: loggedInPage(`<a href="take2fa.php">验证</a>`),
			wantMsg: "签到失败，两步验证拦截",
		},
		{
			name:    "already signed today wins over streak text",
			content: loggedInPage(`您今天已经签到过了，请勿重复刷新。连续签到 3 天，本次签到获得 30 个魔力值。`),
			wantOK:  true,
			wantMsg: "今日已签到",
		},
		{
			name:    "streak success simplified",
			content: loggedInPage(`这是您的第 100 次签到，已连续签到 12 天，本次签到获得 66 个魔力值。`),
			wantOK:  true,
			wantMsg: "签到成功",
		},
		{
			name:    "streak success traditional",
			content: loggedInPage(`這是您的第 5 次簽到，已連續簽到 5 天，本次簽到獲得 20 個魔力值。`),
			wantOK:  true,
			wantMsg: "签到成功",
		},
		{
			name:    "logged in but no marker",
			content: loggedInPage(`<p>欢迎回来</p>`),
			wantMsg: "签到失败，请查看日志",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := Classify(tc.content, TaskSignIn)
			if got.OK != tc.wantOK || got.Message != tc.wantMsg {
				t.Fatalf("Classify() = (%v, %q), want (%v, %q)", got.OK, got.Message, tc.wantOK, tc.wantMsg)
			}
		})
	}
}

func TestClassifyLogin(t *testing.T) {
	// A valid session is all login needs; the check-in markers are ignored.
	got := Classify(loggedInPage(`<p>欢迎回来</p>`), TaskLogin)
	if !got.OK || got.Message != "模拟登录成功" {
		t.Fatalf("Classify() = (%v, %q), want (true, 模拟登录成功)", got.OK, got.Message)
	}

	got = Classify(`<input type="password">`, TaskLogin)
	if got.OK || got.Message != "模拟登录失败，Cookie已失效" {
		t.Fatalf("Classify() = (%v, %q), want expired-cookie login failure", got.OK, got.Message)
	}

	got = Classify("", TaskLogin)
	if got.Message != "模拟登录失败，请检查站点连通性" {
		t.Fatalf("Classify() = %q, want connectivity login failure", got.Message)
	}
}

func TestIsAuthenticated(t *testing.T) {
	cases := []struct {
		name    string
		content string
		want    bool
	}{
		{"password input", `<form><input type="password"></form>`, false},
		{"logout link", `<a href="logout.php">logout</a>`, true},
		{"bonus link", `<a href="mybonus.php">魔力值</a>`, true},
		{"usercp link", `<a href="usercp.php">控制面板</a>`, true},
		{"logout form", `<form action="logout.php"></form>`, true},
		{"user info panel", `<div class="user-info-side"></div>`, true},
		{"anonymous page", `<p>hello</p>`, false},
		{"password input beats logout link", `<input type="password"><a href="logout.php">x</a>`, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := IsAuthenticated(tc.content); got != tc.want {
				t.Fatalf("IsAuthenticated() = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestUnderChallenge(t *testing.T) {
	if UnderChallenge("") {
		t.Fatal("empty content must not count as a challenge")
	}
	if !UnderChallenge(`<title>请稍候…</title>`) {
		t.Fatal("chinese cloudflare title not detected")
	}
	if !UnderChallenge(`<body><form id="challenge-form"></form></body>`) {
		t.Fatal("challenge form marker not detected")
	}
	if UnderChallenge(loggedInPage("ok")) {
		t.Fatal("normal page misdetected as challenge")
	}
}

func TestDomain(t *testing.T) {
	cases := []struct {
		in, want string
	}{
		{"https://www.example.com/attendance.php", "example.com"},
		{"http://tracker.example.org:8080/", "tracker.example.org"},
		{"example.net/path", "example.net"},
		{"EXAMPLE.COM", "example.com"},
	}
	for _, tc := range cases {
		if got := Domain(tc.in); got != tc.want {
			t.Fatalf("Domain(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
	if !SameDomain("https://www.a.com/x", "a.com") {
		t.Fatal("SameDomain should ignore scheme and www prefix")
	}
	if SameDomain("", "") {
		t.Fatal("empty hosts never match")
	}
}
