// Package sitedb is the configured site database. It resolves the static
// site list from configuration and keeps per-site availability statistics
// across restarts.
package sitedb

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"signbot/internal/config"
	"signbot/internal/eventbus"
	"signbot/internal/fetch"
	"signbot/internal/signin"
	logx "signbot/pkg/logx"
)

const statsFile = "site_stats.json"

// Stats is the availability record of one site, keyed by domain.
type Stats struct {
	Success      int       `json:"success"`
	Failure      int       `json:"failure"`
	LastElapsed  float64   `json:"last_elapsed_seconds"`
	LastSuccess  time.Time `json:"last_success,omitempty"`
	LastFailure  time.Time `json:"last_failure,omitempty"`
	NeedsRefresh bool      `json:"needs_refresh,omitempty"`
}

// DB implements the engine's site registry on top of the configured site
// list. Statistics are flushed to one JSON file in the data directory.
type DB struct {
	log  logx.Logger
	path string

	mu    sync.Mutex
	sites []signin.Site
	stats map[string]*Stats
}

func New(dataDir string, sites []config.SiteConfig, log logx.Logger) *DB {
	if log.IsZero() {
		log = logx.Nop()
	}
	db := &DB{
		log:   log,
		path:  filepath.Join(dataDir, statsFile),
		stats: map[string]*Stats{},
	}
	db.Apply(sites)
	db.load()
	return db
}

// Apply swaps the site list on configuration reload. Statistics survive
// because they are keyed by domain, not by list position.
func (db *DB) Apply(sites []config.SiteConfig) {
	converted := make([]signin.Site, 0, len(sites))
	for _, sc := range sites {
		converted = append(converted, toSite(sc))
	}
	db.mu.Lock()
	db.sites = converted
	db.mu.Unlock()
}

func toSite(sc config.SiteConfig) signin.Site {
	s := signin.Site{
		ID:        sc.ID,
		Name:      sc.Name,
		URL:       sc.URL,
		Schema:    sc.Schema,
		Cookie:    sc.Cookie,
		Token:     sc.Token,
		UserAgent: sc.UserAgent,
		UseProxy:  sc.UseProxy,
		Render:    sc.Render,
		Public:    sc.Public,
	}
	if s.UserAgent == "" {
		s.UserAgent = fetch.DefaultUserAgent
	}
	if sc.Timeout != "" {
		if d, err := time.ParseDuration(sc.Timeout); err == nil && d > 0 {
			s.Timeout = d
		}
	}
	return s
}

func (db *DB) ListSites() []signin.Site {
	db.mu.Lock()
	defer db.mu.Unlock()
	out := make([]signin.Site, len(db.sites))
	copy(out, db.sites)
	return out
}

func (db *DB) GetSiteByDomain(domain string) (signin.Site, bool) {
	if domain == "" {
		return signin.Site{}, false
	}
	db.mu.Lock()
	defer db.mu.Unlock()
	for _, s := range db.sites {
		if signin.Domain(s.URL) == domain {
			return s, true
		}
	}
	return signin.Site{}, false
}

func (db *DB) RecordSuccess(domain string, elapsed time.Duration) {
	db.mu.Lock()
	st := db.stat(domain)
	st.Success++
	st.LastElapsed = elapsed.Seconds()
	st.LastSuccess = time.Now()
	st.NeedsRefresh = false
	db.flushLocked()
	db.mu.Unlock()
}

func (db *DB) RecordFailure(domain string) {
	db.mu.Lock()
	st := db.stat(domain)
	st.Failure++
	st.LastFailure = time.Now()
	db.flushLocked()
	db.mu.Unlock()
}

// StatsFor returns a copy of the availability record for a domain.
func (db *DB) StatsFor(domain string) (Stats, bool) {
	db.mu.Lock()
	defer db.mu.Unlock()
	st, ok := db.stats[domain]
	if !ok {
		return Stats{}, false
	}
	return *st, true
}

// Snapshot returns all availability records keyed by domain.
func (db *DB) Snapshot() map[string]Stats {
	db.mu.Lock()
	defer db.mu.Unlock()
	out := make(map[string]Stats, len(db.stats))
	for d, st := range db.stats {
		out[d] = *st
	}
	return out
}

// Domains returns the known stat domains, sorted.
func (db *DB) Domains() []string {
	db.mu.Lock()
	defer db.mu.Unlock()
	out := make([]string, 0, len(db.stats))
	for d := range db.stats {
		out = append(out, d)
	}
	sort.Strings(out)
	return out
}

// WatchRefreshEvents marks sites whose cookies were reported expired. The
// goroutine exits when the subscription is cancelled by the caller.
func (db *DB) WatchRefreshEvents(events <-chan eventbus.Event) {
	for ev := range events {
		if ev.Type != eventbus.EventSiteRefresh {
			continue
		}
		data, ok := ev.Data.(eventbus.SiteRefreshData)
		if !ok {
			continue
		}
		db.mu.Lock()
		for _, s := range db.sites {
			if s.ID == data.SiteID {
				db.stat(signin.Domain(s.URL)).NeedsRefresh = true
				break
			}
		}
		db.flushLocked()
		db.mu.Unlock()
		db.log.Info("site flagged for credential refresh",
			logx.Int64("site_id", data.SiteID), logx.String("site", data.SiteName))
	}
}

// stat returns the record for a domain, creating it on first access.
// Caller holds the lock.
func (db *DB) stat(domain string) *Stats {
	st, ok := db.stats[domain]
	if !ok {
		st = &Stats{}
		db.stats[domain] = st
	}
	return st
}

func (db *DB) load() {
	b, err := os.ReadFile(db.path)
	if err != nil {
		if !os.IsNotExist(err) {
			db.log.Warn("site stats unreadable", logx.String("path", db.path), logx.Err(err))
		}
		return
	}
	var stats map[string]*Stats
	if err := json.Unmarshal(b, &stats); err != nil {
		db.log.Warn("site stats corrupt, starting fresh", logx.String("path", db.path), logx.Err(err))
		return
	}
	db.mu.Lock()
	db.stats = stats
	db.mu.Unlock()
}

// flushLocked writes the stats file atomically. Caller holds the lock.
func (db *DB) flushLocked() {
	b, err := json.MarshalIndent(db.stats, "", "  ")
	if err != nil {
		db.log.Warn("site stats marshal failed", logx.Err(err))
		return
	}
	if err := os.MkdirAll(filepath.Dir(db.path), 0o755); err != nil {
		db.log.Warn("site stats dir", logx.Err(err))
		return
	}
	tmp := db.path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		db.log.Warn("site stats write failed", logx.Err(err))
		return
	}
	if err := os.Rename(tmp, db.path); err != nil {
		db.log.Warn("site stats rename failed", logx.Err(err))
	}
}
