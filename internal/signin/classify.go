package signin

import (
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// Failure and success signatures shared by the generic handlers. Order
// matters: connectivity first, session validity late, success markers last.
var (
	// Cloudflare turnstile widget on the check-in page itself.
	ReCloudflare = compileAll(`cf-turnstile`)

	// Safeline (雷池) WAF interstitial.
	ReSafeline = compileAll(`slg-title`, `slg-box`, `sl-box`)

	// Drag-to-verify widgets.
	ReDragVerify = compileAll(`dragContainer`, `dragBg`, `dragText`, `dragHandler`)

	// Already checked in today.
	ReSigned = compileAll(`您今天已经签到过了，请勿重复刷新`)

	// Successful check-in with streak phrasing (simplified and traditional).
	ReSuccess = compileAll(
		`连续签到\s*\S*?\d+\S*?\s*天，本次签到获得`,
		`連續簽到\s*\S*?\d+\S*?\s*天，本次簽到獲得`,
	)

	// Pages without a check-in endpoint at all.
	ReNotFound = compileAll(`(?i)File not found`, `(?i)404 Not Found`)
)

// challengeTitles and challengeMarkers identify interstitial pages served
// by bot-protection layers instead of the site itself.
var (
	challengeTitles = []string{
		"Just a moment...",
		"请稍候…",
		"DDoS-Guard",
	}
	challengeMarkers = []string{
		"cf-challenge-running",
		"trk_jschal_js",
		"link-ddg",
		"challenge-running",
		"challenge-form",
	}
	reTitle = regexp.MustCompile(`(?is)<title>(.*?)</title>`)
)

func compileAll(patterns ...string) []*regexp.Regexp {
	out := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		out = append(out, regexp.MustCompile(p))
	}
	return out
}

// MatchesAny reports whether content matches any of the given signatures.
func MatchesAny(content string, patterns []*regexp.Regexp) bool {
	for _, re := range patterns {
		if re.MatchString(content) {
			return true
		}
	}
	return false
}

// UnderChallenge reports whether the page is a bot-protection interstitial
// (Cloudflare "Just a moment", DDoS-Guard and friends) rather than site
// content.
func UnderChallenge(content string) bool {
	if content == "" {
		return false
	}
	if m := reTitle.FindStringSubmatch(content); m != nil {
		title := strings.TrimSpace(m[1])
		for _, t := range challengeTitles {
			if strings.Contains(title, t) {
				return true
			}
		}
	}
	for _, marker := range challengeMarkers {
		if strings.Contains(content, marker) {
			return true
		}
	}
	return false
}

// IsAuthenticated reports whether the fetched page shows a logged-in
// session. A visible password input means logged out; logout/user-panel
// links mean logged in.
func IsAuthenticated(content string) bool {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(content))
	if err != nil {
		return false
	}
	if doc.Find(`input[type="password"]`).Length() > 0 {
		return false
	}
	authSelectors := []string{
		`a[href*="logout"]`,
		`a[data-url*="logout"]`,
		`a[href*="mybonus"]`,
		`a[onclick*="logout"]`,
		`a[href*="usercp"]`,
		`form[action*="logout"]`,
		`div.user-info-side`,
	}
	for _, sel := range authSelectors {
		if doc.Find(sel).Length() > 0 {
			return true
		}
	}
	return false
}

// Classify runs the generic ordered cascade over fetched page content and
// returns the normalized outcome for the given run type. Site-specific
// handlers implement their own cascades but reuse the same taxonomy.
func Classify(content string, t TaskType) Result {
	label := t.Label()
	if t == TaskLogin {
		label = "模拟" + label
	}

	if content == "" {
		return Result{OK: false, Message: label + "失败，请检查站点连通性"}
	}
	if UnderChallenge(content) {
		return Result{OK: false, Message: label + "失败，无法绕过Cloudflare检测"}
	}
	if MatchesAny(content, ReSafeline) {
		return Result{OK: false, Message: label + "失败，无法绕过雷池检测"}
	}
	if MatchesAny(content, ReDragVerify) {
		return Result{OK: false, Message: label + "失败，无法通过验证"}
	}
	if !IsAuthenticated(content) {
		return Result{OK: false, Message: label + "失败，Cookie已失效"}
	}

	if t == TaskLogin {
		// Login only needs a valid session.
		return Result{OK: true, Message: "模拟登录成功"}
	}

	if MatchesAny(content, ReCloudflare) {
		return Result{OK: false, Message: "签到失败，签到页面已被Cloudflare防护"}
	}
	if strings.Contains(content, "take2fa.php") {
		return Result{OK: false, Message: "签到失败，两步验证拦截"}
	}
	if MatchesAny(content, ReSigned) {
		return Result{OK: true, Message: "今日已签到"}
	}
	if MatchesAny(content, ReSuccess) {
		return Result{OK: true, Message: "签到成功"}
	}
	return Result{OK: false, Message: "签到失败，请查看日志"}
}
