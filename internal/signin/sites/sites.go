// Package sites holds the per-site check-in strategies. Most trackers work
// with the generic page cascade; the handlers here cover sites that need a
// dedicated endpoint, an API token or a captcha round-trip.
package sites

import (
	"net/url"
	"path/filepath"
	"time"

	"signbot/internal/fetch"
	"signbot/internal/ocr"
	"signbot/internal/signin"
	logx "signbot/pkg/logx"
)

// All returns every dedicated handler in resolution order. Handlers that
// keep a captcha answer cache get their own file under dataDir. The generic
// handler is not part of the list; the engine uses it as the fallback.
func All(fetcher *fetch.Client, ocrc *ocr.Client, dataDir string, log logx.Logger) []signin.Handler {
	return []signin.Handler{
		NewHDArea(fetcher, log),
		NewZhuQue(fetcher, log),
		NewMTeam(fetcher, log),
		NewHDSky(fetcher, ocrc, log),
		NewTjupt(fetcher, NewFileAnswerCache(filepath.Join(dataDir, "tjupt.json"), log), log),
		NewNexusPHP(fetcher, log),
	}
}

// pageRequest maps site credentials onto a fetch for the given URL.
func pageRequest(s signin.Site, target string) fetch.Request {
	return fetch.Request{
		URL:       target,
		Cookie:    s.Cookie,
		UserAgent: s.UserAgent,
		Token:     s.Token,
		UseProxy:  s.UseProxy,
		Render:    s.Render,
		Timeout:   s.Timeout,
	}
}

// joinURL resolves ref against the site base URL.
func joinURL(base, ref string) string {
	b, err := url.Parse(base)
	if err != nil {
		return ref
	}
	r, err := url.Parse(ref)
	if err != nil {
		return ref
	}
	return b.ResolveReference(r).String()
}

// matchDomains reports whether rawURL targets one of the given hosts.
func matchDomains(rawURL string, hosts ...string) bool {
	d := signin.Domain(rawURL)
	if d == "" {
		return false
	}
	for _, h := range hosts {
		if d == signin.Domain(h) {
			return true
		}
	}
	return false
}

const retryPause = time.Second
