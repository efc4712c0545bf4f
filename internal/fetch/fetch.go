package fetch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/net/html/charset"

	logx "signbot/pkg/logx"
)

// DefaultUserAgent is used when a site has no user agent configured.
const DefaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36"

const (
	defaultTimeout = 20 * time.Second
	renderTimeout  = 60 * time.Second
	maxRedirects   = 10
	maxBodyBytes   = 8 << 20 // 8 MiB
)

// Request describes one site page fetch.
type Request struct {
	URL       string
	Cookie    string
	UserAgent string
	// Token, when set, is sent as the Authorization header and Cookie is
	// ignored (API-token sites).
	Token    string
	Referer  string
	UseProxy bool
	// Render routes the request through the headless browser.
	Render  bool
	Timeout time.Duration
}

// Renderer loads a page in a headless browser and returns its outer HTML.
type Renderer interface {
	HTML(ctx context.Context, req Request) (string, error)
}

// Client fetches site pages. It keeps two HTTP clients, one direct and one
// through the configured proxy, and never follows redirects automatically:
// 301/302 hops are resolved manually so each hop can be logged and relative
// Location values handled.
type Client struct {
	log      logx.Logger
	direct   *http.Client
	proxied  *http.Client
	renderer Renderer
}

// New builds a Client. proxyURL may be empty; requests flagged UseProxy then
// fall back to the direct client. renderer may be nil; Render requests then
// yield "".
func New(proxyURL string, renderer Renderer, log logx.Logger) (*Client, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	c := &Client{
		log:      log,
		renderer: renderer,
		direct: &http.Client{
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
	if strings.TrimSpace(proxyURL) != "" {
		pu, err := url.Parse(proxyURL)
		if err != nil {
			return nil, fmt.Errorf("proxy url: %w", err)
		}
		tr := http.DefaultTransport.(*http.Transport).Clone()
		tr.Proxy = http.ProxyURL(pu)
		c.proxied = &http.Client{
			Transport: tr,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		}
	}
	return c, nil
}

func (c *Client) pick(useProxy bool) *http.Client {
	if useProxy && c.proxied != nil {
		return c.proxied
	}
	return c.direct
}

func timeoutFor(r Request) time.Duration {
	if r.Timeout > 0 {
		return r.Timeout
	}
	if r.Render {
		return renderTimeout
	}
	return defaultTimeout
}

// Page fetches the page body as decoded text. It never returns an error:
// any failure is logged and yields "" so callers can classify the outcome
// from content alone.
func (c *Client) Page(ctx context.Context, r Request) string {
	ctx, cancel := context.WithTimeout(ctx, timeoutFor(r))
	defer cancel()

	if r.Render {
		if c.renderer == nil {
			c.log.Warn("render requested but no renderer configured", logx.String("url", r.URL))
			return ""
		}
		html, err := c.renderer.HTML(ctx, r)
		if err != nil {
			c.log.Warn("render failed", logx.String("url", r.URL), logx.Err(err))
			return ""
		}
		return html
	}

	resp, body, err := c.get(ctx, r)
	if err != nil {
		c.log.Warn("page fetch failed", logx.String("url", r.URL), logx.Err(err))
		return ""
	}
	return decodeBody(body, resp.Header.Get("Content-Type"))
}

// Bytes fetches the raw response body (used for captcha images).
func (c *Client) Bytes(ctx context.Context, r Request) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, timeoutFor(r))
	defer cancel()
	_, body, err := c.get(ctx, r)
	return body, err
}

// get performs a GET with manual redirect following.
func (c *Client) get(ctx context.Context, r Request) (*http.Response, []byte, error) {
	httpc := c.pick(r.UseProxy)
	cur := r.URL

	for hop := 0; ; hop++ {
		if hop > maxRedirects {
			return nil, nil, fmt.Errorf("too many redirects (last %s)", cur)
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, cur, nil)
		if err != nil {
			return nil, nil, err
		}
		c.setHeaders(req, r)

		resp, err := httpc.Do(req)
		if err != nil {
			return nil, nil, err
		}

		if resp.StatusCode == http.StatusMovedPermanently || resp.StatusCode == http.StatusFound {
			loc := resp.Header.Get("Location")
			_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxBodyBytes))
			_ = resp.Body.Close()
			if loc == "" {
				return nil, nil, fmt.Errorf("redirect without location from %s", cur)
			}
			next, err := resolveLocation(cur, loc)
			if err != nil {
				return nil, nil, err
			}
			c.log.Debug("following redirect",
				logx.Int("hop", hop+1),
				logx.Int("status", resp.StatusCode),
				logx.String("from", cur),
				logx.String("to", next))
			cur = next
			continue
		}

		body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
		_ = resp.Body.Close()
		if err != nil {
			return nil, nil, err
		}
		return resp, body, nil
	}
}

// PostForm sends an application/x-www-form-urlencoded POST.
func (c *Client) PostForm(ctx context.Context, r Request, form url.Values) ([]byte, int, error) {
	ctx, cancel := context.WithTimeout(ctx, timeoutFor(r))
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.URL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, 0, err
	}
	c.setHeaders(req, r)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	return c.doRead(r, req)
}

// PostJSON sends a JSON POST. Extra headers (e.g. a CSRF token) are applied
// after the defaults.
func (c *Client) PostJSON(ctx context.Context, r Request, payload any, headers map[string]string) ([]byte, int, error) {
	ctx, cancel := context.WithTimeout(ctx, timeoutFor(r))
	defer cancel()

	var body io.Reader
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, 0, err
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.URL, body)
	if err != nil {
		return nil, 0, err
	}
	c.setHeaders(req, r)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	return c.doRead(r, req)
}

func (c *Client) doRead(r Request, req *http.Request) ([]byte, int, error) {
	resp, err := c.pick(r.UseProxy).Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, resp.StatusCode, err
	}
	return body, resp.StatusCode, nil
}

func (c *Client) setHeaders(req *http.Request, r Request) {
	ua := r.UserAgent
	if ua == "" {
		ua = DefaultUserAgent
	}
	req.Header.Set("User-Agent", ua)
	if r.Token != "" {
		req.Header.Set("Authorization", r.Token)
	} else if r.Cookie != "" {
		req.Header.Set("Cookie", r.Cookie)
	}
	if r.Referer != "" {
		req.Header.Set("Referer", r.Referer)
	}
}

// resolveLocation resolves a possibly-relative Location header against the
// URL of the hop that produced it.
func resolveLocation(base, loc string) (string, error) {
	bu, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	lu, err := url.Parse(loc)
	if err != nil {
		return "", err
	}
	out := bu.ResolveReference(lu)
	if out.Scheme == "" || out.Host == "" {
		return "", errors.New("unresolvable redirect location " + loc)
	}
	return out.String(), nil
}

// decodeBody converts raw bytes to UTF-8 text, trusting the Content-Type
// charset when present and sniffing otherwise.
func decodeBody(body []byte, contentType string) string {
	if len(body) == 0 {
		return ""
	}
	rd, err := charset.NewReader(bytes.NewReader(body), contentType)
	if err != nil {
		return string(body)
	}
	out, err := io.ReadAll(rd)
	if err != nil {
		return string(body)
	}
	return string(out)
}
