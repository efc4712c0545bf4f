// Package render drives a headless browser for sites whose pages only
// materialize after JavaScript runs (Cloudflare-fronted check-in pages).
package render

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"

	"signbot/internal/fetch"
	logx "signbot/pkg/logx"
)

type Config struct {
	Enabled bool
	// Remote is a DevTools websocket URL of an already-running browser.
	// Empty = launch a local browser via launcher.
	Remote string
	// Bin overrides the local browser binary path.
	Bin string
	// Proxy applies to the launched browser (remote browsers keep their own).
	Proxy string
	// Timeout bounds one page render (default 60s).
	Timeout time.Duration
}

// Service implements fetch.Renderer. The browser is launched lazily on
// first use and reused across renders; Close shuts it down.
type Service struct {
	cfg Config
	log logx.Logger

	mu      sync.Mutex
	browser *rod.Browser
	lnch    *launcher.Launcher
	closed  bool
}

func New(cfg Config, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	return &Service{cfg: cfg, log: log}
}

// HTML navigates to the page with stealth applied and returns its outer HTML
// once the load event fires.
func (s *Service) HTML(ctx context.Context, req fetch.Request) (string, error) {
	if !s.cfg.Enabled {
		return "", errors.New("render: disabled")
	}
	b, err := s.acquire()
	if err != nil {
		return "", err
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	page, err := stealth.Page(b)
	if err != nil {
		return "", fmt.Errorf("render: create page: %w", err)
	}
	defer page.Close()
	page = page.Context(ctx)

	ua := req.UserAgent
	if ua == "" {
		ua = fetch.DefaultUserAgent
	}
	if err := page.SetUserAgent(&proto.NetworkSetUserAgentOverride{UserAgent: ua}); err != nil {
		return "", fmt.Errorf("render: set ua: %w", err)
	}

	if req.Cookie != "" {
		params, err := cookieParams(req.URL, req.Cookie)
		if err != nil {
			return "", err
		}
		if len(params) > 0 {
			if err := page.SetCookies(params); err != nil {
				return "", fmt.Errorf("render: set cookies: %w", err)
			}
		}
	}

	if err := page.Navigate(req.URL); err != nil {
		return "", fmt.Errorf("render: navigate %s: %w", req.URL, err)
	}
	if err := page.WaitLoad(); err != nil {
		// Load timeouts still often leave usable DOM behind.
		s.log.Debug("render wait load", logx.String("url", req.URL), logx.Err(err))
	}

	res, err := page.Eval(`() => document.documentElement.outerHTML`)
	if err != nil {
		return "", fmt.Errorf("render: read dom: %w", err)
	}
	return res.Value.Str(), nil
}

func (s *Service) acquire() (*rod.Browser, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, errors.New("render: closed")
	}
	if s.browser != nil {
		return s.browser, nil
	}

	wsURL := strings.TrimSpace(s.cfg.Remote)
	if wsURL == "" {
		l := launcher.New().Headless(true)
		if s.cfg.Bin != "" {
			l = l.Bin(s.cfg.Bin)
		}
		if s.cfg.Proxy != "" {
			l = l.Proxy(s.cfg.Proxy)
		}
		l = l.Set("disable-blink-features", "AutomationControlled")
		u, err := l.Launch()
		if err != nil {
			return nil, fmt.Errorf("render: launch: %w", err)
		}
		wsURL = u
		s.lnch = l
		s.log.Info("render browser launched", logx.String("url", wsURL))
	} else {
		s.log.Info("render connecting to remote browser", logx.String("url", wsURL))
	}

	b := rod.New().ControlURL(wsURL)
	if err := b.Connect(); err != nil {
		if s.lnch != nil {
			s.lnch.Cleanup()
			s.lnch = nil
		}
		return nil, fmt.Errorf("render: connect: %w", err)
	}
	if err := b.IgnoreCertErrors(true); err != nil {
		s.log.Warn("render ignore cert errors failed", logx.Err(err))
	}
	s.browser = b
	return b, nil
}

func (s *Service) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	if s.browser != nil {
		_ = s.browser.Close()
		s.browser = nil
	}
	if s.lnch != nil {
		s.lnch.Cleanup()
		s.lnch = nil
	}
	return nil
}

// cookieParams splits a Cookie header string into per-domain cookie params.
func cookieParams(pageURL, cookie string) ([]*proto.NetworkCookieParam, error) {
	u, err := url.Parse(pageURL)
	if err != nil {
		return nil, fmt.Errorf("render: page url: %w", err)
	}
	host := u.Hostname()
	var out []*proto.NetworkCookieParam
	for _, part := range strings.Split(cookie, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		k, v, ok := strings.Cut(part, "=")
		if !ok || strings.TrimSpace(k) == "" {
			continue
		}
		out = append(out, &proto.NetworkCookieParam{
			Name:   strings.TrimSpace(k),
			Value:  strings.TrimSpace(v),
			Domain: host,
			Path:   "/",
		})
	}
	return out, nil
}
