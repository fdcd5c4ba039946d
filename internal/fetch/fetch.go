// Package fetch retrieves the guest module and harness resources over
// HTTP or from a local directory.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog/log"
)

// StatusError is returned when the server answered with a non-success
// status.
type StatusError struct {
	URL        string
	StatusCode int
	Status     string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("fetch %s: %s", e.URL, e.Status)
}

// Options configures a Client.
type Options struct {
	Timeout    time.Duration
	RetryCount int
	RetryWait  time.Duration
	UserAgent  string
	BaseURL    string // relative references resolve against this when set
	BaseDir    string // otherwise they are read from this directory
}

// Client fetches bytes from URLs and resolves relative resource references.
type Client struct {
	resty   *resty.Client
	baseURL string
	baseDir string
}

func New(opts Options) *Client {
	if opts.Timeout == 0 {
		opts.Timeout = 2 * time.Minute
	}
	if opts.RetryWait == 0 {
		opts.RetryWait = time.Second
	}
	if opts.UserAgent == "" {
		opts.UserAgent = "wasm-kata-runner/1.0"
	}

	rc := resty.New().
		SetTimeout(opts.Timeout).
		SetRetryCount(opts.RetryCount).
		SetRetryWaitTime(opts.RetryWait).
		SetRetryMaxWaitTime(10*opts.RetryWait).
		SetHeader("User-Agent", opts.UserAgent).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			return err != nil || (r != nil && r.StatusCode() >= 500)
		})

	return &Client{
		resty:   rc,
		baseURL: strings.TrimSuffix(opts.BaseURL, "/"),
		baseDir: opts.BaseDir,
	}
}

// Get returns the body of a successful GET. A non-2xx answer is a
// *StatusError.
func (c *Client) Get(ctx context.Context, rawURL string) ([]byte, error) {
	start := time.Now()
	resp, err := c.resty.R().SetContext(ctx).Get(rawURL)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", rawURL, err)
	}
	if !resp.IsSuccess() {
		return nil, &StatusError{URL: rawURL, StatusCode: resp.StatusCode(), Status: resp.Status()}
	}

	body := resp.Body()
	log.Debug().
		Str("url", rawURL).
		Int("bytes", len(body)).
		Dur("duration", time.Since(start)).
		Msg("fetched")
	return body, nil
}

// Resource resolves ref and returns its bytes. Absolute http(s) URLs are
// fetched as is; relative references go to BaseURL when set, otherwise
// to a file under BaseDir. References may not climb out of BaseDir.
func (c *Client) Resource(ctx context.Context, ref string) ([]byte, error) {
	if ref == "" {
		return nil, errors.New("empty resource reference")
	}
	if isAbsoluteURL(ref) {
		return c.Get(ctx, ref)
	}
	if c.baseURL != "" {
		return c.Get(ctx, c.baseURL+"/"+strings.TrimPrefix(path.Clean("/"+ref), "/"))
	}
	return c.readFile(ref)
}

func (c *Client) readFile(ref string) ([]byte, error) {
	if filepath.IsAbs(ref) || strings.HasPrefix(path.Clean(filepath.ToSlash(ref)), "../") || ref == ".." {
		return nil, fmt.Errorf("resource %q escapes base directory", ref)
	}
	p := filepath.Join(c.baseDir, filepath.Clean(ref))
	data, err := os.ReadFile(p) // #nosec G304 -- confined to baseDir above
	if err != nil {
		return nil, fmt.Errorf("read resource: %w", err)
	}
	return data, nil
}

func isAbsoluteURL(ref string) bool {
	u, err := url.Parse(ref)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}
