// Package ocr talks to a remote captcha recognition service.
package ocr

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"signbot/internal/fetch"
	logx "signbot/pkg/logx"
)

type Config struct {
	Endpoint string
	Timeout  time.Duration
}

// Client resolves captcha images to text. The image is fetched with the
// site's own credentials (the captcha URL is session-bound), then posted
// base64-encoded to the recognition endpoint.
type Client struct {
	cfg     Config
	fetcher *fetch.Client
	httpc   *http.Client
	log     logx.Logger
}

func New(cfg Config, fetcher *fetch.Client, log logx.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Client{cfg: cfg, fetcher: fetcher, httpc: &http.Client{}, log: log}
}

func (c *Client) Enabled() bool { return c != nil && c.cfg.Endpoint != "" }

type solveRequest struct {
	Base64Img string `json:"base64_img"`
}

type solveResponse struct {
	Result string `json:"result"`
}

// Solve downloads the captcha image and returns the recognized text.
func (c *Client) Solve(ctx context.Context, imageURL, cookie, userAgent string, useProxy bool) (string, error) {
	if !c.Enabled() {
		return "", errors.New("ocr: no endpoint configured")
	}

	img, err := c.fetcher.Bytes(ctx, fetch.Request{
		URL:       imageURL,
		Cookie:    cookie,
		UserAgent: userAgent,
		UseProxy:  useProxy,
	})
	if err != nil {
		return "", fmt.Errorf("ocr: fetch image: %w", err)
	}
	if len(img) == 0 {
		return "", errors.New("ocr: empty image")
	}

	payload, err := json.Marshal(solveRequest{Base64Img: base64.StdEncoding.EncodeToString(img)})
	if err != nil {
		return "", err
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.Endpoint, bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpc.Do(req)
	if err != nil {
		return "", fmt.Errorf("ocr: solve: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("ocr: solve: status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", err
	}
	var out solveResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return "", fmt.Errorf("ocr: decode: %w", err)
	}
	c.log.Debug("ocr solved", logx.String("url", imageURL), logx.String("result", out.Result))
	return out.Result, nil
}
