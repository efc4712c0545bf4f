package signin

import (
	"net/url"
	"strings"
	"time"
)

// TaskType distinguishes the two run flavors. Sign-in is the explicit daily
// check-in; login is a lighter presence action (last-seen refresh).
type TaskType string

const (
	TaskSignIn TaskType = "signin"
	TaskLogin  TaskType = "login"
)

// Label returns the Chinese run label used in site-facing messages and
// notification titles.
func (t TaskType) Label() string {
	if t == TaskLogin {
		return "登录"
	}
	return "签到"
}

// Site describes one target system. The engine reads it and never mutates
// it; aggregate success/failure statistics flow back through SiteRegistry.
type Site struct {
	ID     int64
	Name   string
	URL    string
	Schema string

	Cookie    string
	UserAgent string
	// Token replaces cookie auth when set (Authorization header).
	Token string

	UseProxy bool
	Render   bool
	Public   bool

	Timeout time.Duration
}

// Result is the outcome of one site action. OK marks nominal success;
// Message carries the normalized status text shown to operators.
type Result struct {
	OK      bool
	Message string
}

// SiteRegistry is the external site database.
type SiteRegistry interface {
	ListSites() []Site
	GetSiteByDomain(domain string) (Site, bool)
	RecordSuccess(domain string, elapsed time.Duration)
	RecordFailure(domain string)
}

// Domain extracts the comparable host part of a site URL.
func Domain(rawURL string) string {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil || u.Host == "" {
		// Bare host without scheme.
		host := strings.TrimSpace(rawURL)
		if i := strings.IndexAny(host, "/?#"); i >= 0 {
			host = host[:i]
		}
		return strings.ToLower(strings.TrimPrefix(host, "www."))
	}
	return strings.ToLower(strings.TrimPrefix(u.Hostname(), "www."))
}

// SameDomain reports whether two URLs (or bare hosts) target the same site.
func SameDomain(a, b string) bool {
	da, db := Domain(a), Domain(b)
	return da != "" && da == db
}
