package config

type Config struct {
	Telegram TelegramConfig `json:"telegram"`
	Logging  LoggingConfig  `json:"logging"`

	// Storage controls the persisted key/value store used for run
	// history and per-site progress records.
	Storage *StorageConfig `json:"storage,omitempty"`

	Notifier *NotifierConfig `json:"notifier,omitempty"`

	// HTTP exposes the ad hoc single-site sign-in endpoint.
	HTTP HTTPConfig `json:"http,omitempty"`

	// Proxy is the outbound proxy used for sites flagged use_proxy.
	Proxy ProxyConfig `json:"proxy,omitempty"`

	Render RenderConfig `json:"render,omitempty"`
	OCR    OCRConfig    `json:"ocr,omitempty"`

	Signin SigninConfig `json:"signin"`
	Sites  []SiteConfig `json:"sites"`

	// DataDir holds site statistics and handler answer caches.
	// Defaults to "./data".
	DataDir string `json:"data_dir,omitempty"`
}

// NotifierConfig controls the async notification pipeline.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
// If the whole section is omitted, the notifier defaults to enabled=true.
type NotifierConfig struct {
	Enabled         bool   `json:"enabled"`
	Workers         int    `json:"workers"`
	QueueSize       int    `json:"queue_size"`
	RatePerSec      int    `json:"rate_per_sec"`
	RetryMax        int    `json:"retry_max"`
	RetryBase       string `json:"retry_base"`
	RetryMaxDelay   string `json:"retry_max_delay"`
	DedupWindow     string `json:"dedup_window"`
	DedupMaxEntries int    `json:"dedup_max_entries"`
}

// StorageConfig controls the persistence layer.
//
// Example:
//
//	"storage": { "driver": "file", "path": "./signbot_store" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

type TelegramConfig struct {
	Token        string  `json:"token"`
	OwnerUserIDs []int64 `json:"owner_user_ids"`
	GroupLog     string  `json:"group_log"`
	// PollTimeout is a Go duration string (e.g. "10s", "2m").
	PollTimeout string `json:"poll_timeout"`
}

type LoggingConfig struct {
	Level    string          `json:"level"`
	Console  bool            `json:"console"`
	File     LoggingFile     `json:"file"`
	Telegram LoggingTelegram `json:"telegram"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	ThreadID   int    `json:"thread_id"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// HTTPConfig controls the callable HTTP endpoint.
//
// Security note: prefer binding to localhost unless an apikey is set.
type HTTPConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"` // default: "127.0.0.1:8491"
	APIKey  string `json:"apikey,omitempty"`

	// Server timeouts (Go duration strings).
	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
}

type ProxyConfig struct {
	URL string `json:"url,omitempty"`
}

// RenderConfig controls the headless browser used for sites flagged render.
type RenderConfig struct {
	Enabled bool `json:"enabled"`
	// Remote is a DevTools websocket URL of an already-running browser.
	// When empty, a local browser is launched.
	Remote string `json:"remote,omitempty"`
	// Bin overrides the browser binary path for local launch.
	Bin string `json:"bin,omitempty"`
	// Timeout is a Go duration string (default "60s").
	Timeout string `json:"timeout,omitempty"`
}

// OCRConfig points at the remote captcha recognition service.
type OCRConfig struct {
	Endpoint string `json:"endpoint,omitempty"`
	// Timeout is a Go duration string (default "30s").
	Timeout string `json:"timeout,omitempty"`
}

// SigninConfig controls the check-in engine.
type SigninConfig struct {
	Enabled bool `json:"enabled"`

	// Cron is a 5-field cron spec. When empty, two random daily runs are
	// scheduled inside the start/end hour window.
	Cron     string `json:"cron,omitempty"`
	Timezone string `json:"timezone,omitempty"`

	// Queue is the worker-pool size for one batch (default 10).
	Queue int `json:"queue,omitempty"`

	// SignSites / LoginSites select sites by ID per run type.
	SignSites  []int64 `json:"sign_sites,omitempty"`
	LoginSites []int64 `json:"login_sites,omitempty"`

	// RetryKeyword is a regex; matching failure messages re-queue the site
	// for the next run. When empty every selected site is retried.
	RetryKeyword string `json:"retry_keyword,omitempty"`

	// AutoCF triggers a network reselection event when the number of
	// retry-keyword hits in one run reaches this threshold. 0 disables.
	AutoCF int `json:"auto_cf,omitempty"`

	// Clean forces first-run-of-day semantics once, then resets itself.
	Clean bool `json:"clean,omitempty"`

	Notify bool `json:"notify"`

	// StartHour/EndHour bound scheduled runs (defaults 9 and 23).
	StartHour int `json:"start_hour,omitempty"`
	EndHour   int `json:"end_hour,omitempty"`
}

// SiteConfig is one entry of the configured site database.
type SiteConfig struct {
	ID        int64  `json:"id"`
	Name      string `json:"name"`
	URL       string `json:"url"`
	Schema    string `json:"schema,omitempty"` // framework tag, e.g. "NexusPhp"
	Cookie    string `json:"cookie,omitempty"`
	Token     string `json:"token,omitempty"` // API token; used instead of cookie
	UserAgent string `json:"ua,omitempty"`
	UseProxy  bool   `json:"proxy,omitempty"`
	Render    bool   `json:"render,omitempty"`
	Public    bool   `json:"public,omitempty"`
	// Timeout is a Go duration string overriding the fetch default.
	Timeout string `json:"timeout,omitempty"`
}
