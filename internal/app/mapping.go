package app

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"signbot/internal/config"
	"signbot/internal/httpapi"
	"signbot/internal/notifier"
	"signbot/internal/ocr"
	"signbot/internal/render"
	"signbot/internal/scheduler"
	"signbot/internal/signin"
	"signbot/internal/storage"
)

func dataDir(cfg *config.Config) string {
	if d := strings.TrimSpace(cfg.DataDir); d != "" {
		return d
	}
	return "./data"
}

// mapStorageConfig resolves the store backing run history. Unlike most
// sections this one cannot be disabled: the engine needs history to decide
// which sites are still pending. An omitted section means a file store
// under the data dir.
func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	if cfg.Storage == nil {
		return storage.Config{Driver: "file", Path: filepath.Join(dataDir(cfg), "store")}, nil
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	path := strings.TrimSpace(sc.Path)

	switch driver {
	case "", "file":
		if path == "" {
			path = filepath.Join(dataDir(cfg), "store")
		}
		return storage.Config{Driver: "file", Path: path}, nil
	case "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, err
		}
		return storage.Config{Driver: driver, Path: path, BusyTimeout: busy}, nil
	default:
		return storage.Config{}, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

func mapNotifierConfig(cfg *config.Config) (notifier.Config, error) {
	if cfg.Notifier == nil {
		// Omitted section means notifications on with defaults.
		return notifier.Config{Enabled: true}, nil
	}
	nc := cfg.Notifier
	out := notifier.Config{
		Enabled:         nc.Enabled,
		Workers:         nc.Workers,
		QueueSize:       nc.QueueSize,
		RatePerSec:      nc.RatePerSec,
		RetryMax:        nc.RetryMax,
		DedupMaxEntries: nc.DedupMaxEntries,
	}
	var err error
	if out.RetryBase, err = config.ParseDurationOrDefault("notifier.retry_base", nc.RetryBase, 0); err != nil {
		return notifier.Config{}, err
	}
	if out.RetryMaxDelay, err = config.ParseDurationOrDefault("notifier.retry_max_delay", nc.RetryMaxDelay, 0); err != nil {
		return notifier.Config{}, err
	}
	if out.DedupWindow, err = config.ParseDurationOrDefault("notifier.dedup_window", nc.DedupWindow, 0); err != nil {
		return notifier.Config{}, err
	}
	if nc.Workers < 0 || nc.QueueSize < 0 || nc.RetryMax < 0 {
		return notifier.Config{}, fmt.Errorf("notifier: workers/queue_size/retry_max must be >= 0")
	}
	return out, nil
}

func mapEngineConfig(cfg *config.Config) (signin.Config, error) {
	sc := cfg.Signin
	if sc.Queue < 0 {
		return signin.Config{}, fmt.Errorf("signin.queue must be >= 0")
	}
	if err := checkHour("signin.start_hour", sc.StartHour); err != nil {
		return signin.Config{}, err
	}
	if err := checkHour("signin.end_hour", sc.EndHour); err != nil {
		return signin.Config{}, err
	}
	if kw := strings.TrimSpace(sc.RetryKeyword); kw != "" {
		if _, err := regexp.Compile(kw); err != nil {
			return signin.Config{}, fmt.Errorf("signin.retry_keyword: %w", err)
		}
	}
	return signin.Config{
		Queue:        sc.Queue,
		SignSites:    sc.SignSites,
		LoginSites:   sc.LoginSites,
		RetryKeyword: sc.RetryKeyword,
		AutoCF:       sc.AutoCF,
		Clean:        sc.Clean,
		Notify:       sc.Notify,
		StartHour:    sc.StartHour,
		EndHour:      sc.EndHour,
	}, nil
}

func checkHour(path string, h int) error {
	if h < 0 || h > 23 {
		return fmt.Errorf("%s: %d is outside 0..23", path, h)
	}
	return nil
}

func mapSchedulerConfig(cfg *config.Config) scheduler.Config {
	return scheduler.Config{
		Enabled:   cfg.Signin.Enabled,
		Spec:      cfg.Signin.Cron,
		Timezone:  cfg.Signin.Timezone,
		StartHour: cfg.Signin.StartHour,
		EndHour:   cfg.Signin.EndHour,
	}
}

func mapHTTPConfig(cfg *config.Config) (httpapi.Config, error) {
	hc := cfg.HTTP
	out := httpapi.Config{
		Enabled: hc.Enabled,
		Addr:    hc.Addr,
		APIKey:  hc.APIKey,
	}
	var err error
	if out.ReadTimeout, err = config.ParseDurationOrDefault("http.read_timeout", hc.ReadTimeout, 0); err != nil {
		return httpapi.Config{}, err
	}
	if out.WriteTimeout, err = config.ParseDurationOrDefault("http.write_timeout", hc.WriteTimeout, 0); err != nil {
		return httpapi.Config{}, err
	}
	return out, nil
}

func mapRenderConfig(cfg *config.Config) (render.Config, error) {
	rc := cfg.Render
	timeout, err := config.ParseDurationOrDefault("render.timeout", rc.Timeout, 0)
	if err != nil {
		return render.Config{}, err
	}
	return render.Config{
		Enabled: rc.Enabled,
		Remote:  rc.Remote,
		Bin:     rc.Bin,
		Proxy:   cfg.Proxy.URL,
		Timeout: timeout,
	}, nil
}

func mapOCRConfig(cfg *config.Config) (ocr.Config, error) {
	timeout, err := config.ParseDurationOrDefault("ocr.timeout", cfg.OCR.Timeout, 0)
	if err != nil {
		return ocr.Config{}, err
	}
	return ocr.Config{Endpoint: cfg.OCR.Endpoint, Timeout: timeout}, nil
}

// validateSites rejects config that would break site selection: duplicate
// or missing IDs make progress records ambiguous.
func validateSites(sites []config.SiteConfig) error {
	seen := make(map[int64]string, len(sites))
	for i, s := range sites {
		if s.ID == 0 {
			return fmt.Errorf("sites[%d]: id is required", i)
		}
		if prev, dup := seen[s.ID]; dup {
			return fmt.Errorf("sites[%d]: id %d already used by %q", i, s.ID, prev)
		}
		seen[s.ID] = s.Name
		if strings.TrimSpace(s.URL) == "" {
			return fmt.Errorf("sites[%d] (%s): url is required", i, s.Name)
		}
		if _, err := config.ParseDurationOrDefault(fmt.Sprintf("sites[%d].timeout", i), s.Timeout, 0); err != nil {
			return err
		}
	}
	return nil
}
