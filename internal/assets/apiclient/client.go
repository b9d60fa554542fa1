// Package apiclient talks to a remote image catalog over HTTP. Reads go
// through a token bucket so a large batch polling in parallel cannot flood the
// read path.
package apiclient

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

	"github.com/danmuck/assetsync/internal/assets"
	"golang.org/x/time/rate"
)

var ErrBackend = errors.New("apiclient: backend error")

type Config struct {
	BaseURL    string
	Timeout    time.Duration
	ReadRate   float64
	ReadBurst  int
	HTTPClient *http.Client
}

// Client implements assets.Backend.
type Client struct {
	base    *url.URL
	http    *http.Client
	limiter *rate.Limiter
}

func New(cfg Config) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("apiclient: invalid base url %q", cfg.BaseURL)
	}
	hc := cfg.HTTPClient
	if hc == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 5 * time.Second
		}
		hc = &http.Client{Timeout: timeout}
	}
	limit := rate.Inf
	if cfg.ReadRate > 0 {
		limit = rate.Limit(cfg.ReadRate)
	}
	burst := cfg.ReadBurst
	if burst < 1 {
		burst = 1
	}
	return &Client{base: base, http: hc, limiter: rate.NewLimiter(limit, burst)}, nil
}

func (c *Client) Apply(ctx context.Context, operation, imageID string, value any) error {
	body, err := json.Marshal(map[string]any{"value": value})
	if err != nil {
		return fmt.Errorf("%w: %v", assets.ErrInvalidValue, err)
	}
	endpoint := c.endpoint("images", imageID, "operations", operation)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("apply %s on %s: %w", operation, imageID, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted && resp.StatusCode != http.StatusOK {
		return decodeError(resp)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

func (c *Client) Fetch(ctx context.Context, imageID string) (assets.Image, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return assets.Image{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint("images", imageID), nil)
	if err != nil {
		return assets.Image{}, err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return assets.Image{}, fmt.Errorf("fetch %s: %w", imageID, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return assets.Image{}, decodeError(resp)
	}
	var img assets.Image
	if err := json.NewDecoder(resp.Body).Decode(&img); err != nil {
		return assets.Image{}, fmt.Errorf("%w: decode image %s: %v", ErrBackend, imageID, err)
	}
	return img, nil
}

func (c *Client) endpoint(parts ...string) string {
	return c.base.JoinPath(parts...).String()
}

// decodeError maps a non-success response to the assets sentinel errors.
func decodeError(resp *http.Response) error {
	var body struct {
		Error string `json:"error"`
	}
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	msg := strings.TrimSpace(string(raw))
	if err := json.Unmarshal(raw, &body); err == nil && body.Error != "" {
		msg = body.Error
	}
	if msg == "" {
		msg = resp.Status
	}
	switch resp.StatusCode {
	case http.StatusNotFound:
		return wrapRemote(assets.ErrNotFound, msg)
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		return wrapRemote(assets.ErrInvalidValue, msg)
	default:
		return fmt.Errorf("%w: status %d: %s", ErrBackend, resp.StatusCode, msg)
	}
}

// wrapRemote avoids repeating the sentinel text when the remote already used it.
func wrapRemote(sentinel error, msg string) error {
	return fmt.Errorf("%w: %s", sentinel, strings.TrimPrefix(msg, sentinel.Error()+": "))
}
