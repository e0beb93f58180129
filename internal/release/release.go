// Package release queries the dora release catalog on GitHub.
package release

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"
)

const (
	defaultBaseURL = "https://api.github.com/repos/dora-rs/dora"
	userAgent      = "dm/0.1"
	recentPageSize = 10
	cacheTTL       = 10 * time.Minute
)

// ErrNotFound means the requested version tag does not exist upstream.
// Callers must not fall back to a source build for it.
var ErrNotFound = errors.New("release not found")

// NetworkError wraps transport-level failures. They are transient: a retry
// may succeed, and a source build that clones by tag may still work.
type NetworkError struct{ Err error }

func (e *NetworkError) Error() string { return "release catalog unreachable: " + e.Err.Error() }
func (e *NetworkError) Unwrap() error { return e.Err }

// RateLimitError means GitHub rejected the request due to API rate limits.
type RateLimitError struct{ Reset time.Time }

func (e *RateLimitError) Error() string {
	if e.Reset.IsZero() {
		return "github API rate limit exceeded"
	}
	return fmt.Sprintf("github API rate limit exceeded, resets at %s", e.Reset.Format(time.RFC3339))
}

// Asset is one downloadable file attached to a release.
type Asset struct {
	Name        string `json:"name"`
	DownloadURL string `json:"browser_download_url"`
	Size        int64  `json:"size"`
}

// Release is the resolved metadata for one published version.
type Release struct {
	TagName string  `json:"tag_name"`
	Assets  []Asset `json:"assets"`
}

// Version returns the tag without its leading "v".
func (r Release) Version() string { return strings.TrimPrefix(r.TagName, "v") }

// Client talks to the GitHub releases API. The zero value is not usable;
// construct with NewClient. BaseURL and HTTPClient are injectable for tests.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client
	Token      string

	mu     sync.Mutex
	recent []string
	at     time.Time
}

// NewClient builds a Client with the public dora repository as catalog.
// A GITHUB_TOKEN env var, when present, raises the API rate limit.
func NewClient() *Client {
	return &Client{
		BaseURL:    defaultBaseURL,
		HTTPClient: &http.Client{Timeout: 30 * time.Second},
		Token:      os.Getenv("GITHUB_TOKEN"),
	}
}

// FetchRelease resolves spec to a concrete release. spec may be an exact tag
// (with or without the "v" prefix) or "latest"/"" for the newest published
// release.
func (c *Client) FetchRelease(ctx context.Context, spec string) (*Release, error) {
	var url string
	switch spec {
	case "", "latest":
		url = c.BaseURL + "/releases/latest"
	default:
		tag := spec
		if !strings.HasPrefix(tag, "v") {
			tag = "v" + tag
		}
		url = c.BaseURL + "/releases/tags/" + tag
	}

	body, err := c.get(ctx, url)
	if err != nil {
		return nil, err
	}
	var rel Release
	if err := json.Unmarshal(body, &rel); err != nil {
		return nil, fmt.Errorf("decode release metadata: %w", err)
	}
	if rel.TagName == "" {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, spec)
	}
	return &rel, nil
}

// ListRecent returns the most recent release tags. Results are cached for
// ten minutes; on a network failure a stale cache is served rather than
// surfacing the error to a listing command.
func (c *Client) ListRecent(ctx context.Context) ([]string, error) {
	c.mu.Lock()
	if c.recent != nil && time.Since(c.at) < cacheTTL {
		tags := append([]string(nil), c.recent...)
		c.mu.Unlock()
		return tags, nil
	}
	c.mu.Unlock()

	body, err := c.get(ctx, fmt.Sprintf("%s/releases?per_page=%d", c.BaseURL, recentPageSize))
	if err != nil {
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.recent != nil {
			return append([]string(nil), c.recent...), nil
		}
		return nil, err
	}
	var releases []struct {
		TagName string `json:"tag_name"`
	}
	if err := json.Unmarshal(body, &releases); err != nil {
		return nil, fmt.Errorf("decode release list: %w", err)
	}
	tags := make([]string, 0, len(releases))
	for _, r := range releases {
		tags = append(tags, r.TagName)
	}
	c.mu.Lock()
	c.recent = tags
	c.at = time.Now()
	c.mu.Unlock()
	return append([]string(nil), tags...), nil
}

// Download streams the asset body to w, reporting cumulative bytes through
// onProgress after each chunk. total is the Content-Length when known, 0
// otherwise. Cancelling ctx aborts the transfer.
func (c *Client) Download(ctx context.Context, asset Asset, w io.Writer, onProgress func(done, total int64)) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, asset.DownloadURL, nil)
	if err != nil {
		return err
	}
	req.Header.Set("User-Agent", userAgent)
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return &NetworkError{Err: err}
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return &NetworkError{Err: fmt.Errorf("download %s: HTTP %d", asset.Name, resp.StatusCode)}
	}

	total := resp.ContentLength
	if total < 0 {
		total = asset.Size
	}
	var done int64
	buf := make([]byte, 128*1024)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, rerr := resp.Body.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return werr
			}
			done += int64(n)
			if onProgress != nil {
				onProgress(done, total)
			}
		}
		if rerr == io.EOF {
			return nil
		}
		if rerr != nil {
			return &NetworkError{Err: rerr}
		}
	}
}

func (c *Client) get(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "application/vnd.github+json")
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, &NetworkError{Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, ErrNotFound
	case resp.StatusCode == http.StatusForbidden && resp.Header.Get("X-Ratelimit-Remaining") == "0":
		return nil, &RateLimitError{Reset: parseRatelimitReset(resp.Header.Get("X-Ratelimit-Reset"))}
	case resp.StatusCode != http.StatusOK:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, &NetworkError{Err: fmt.Errorf("github API returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))}
	}
	return io.ReadAll(resp.Body)
}

func parseRatelimitReset(v string) time.Time {
	var sec int64
	if _, err := fmt.Sscanf(v, "%d", &sec); err != nil || sec <= 0 {
		return time.Time{}
	}
	return time.Unix(sec, 0)
}
