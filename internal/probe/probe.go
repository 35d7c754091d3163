// Package probe issues the preflight HTTP request that extracts a
// URL's size, resumability, and filename before a job's partition
// plan is computed.
package probe

import (
	"context"
	"fmt"
	"mime"
	"net/http"
	"net/url"
	"path/filepath"
	"strings"
	"time"
)

// Result is the metadata the Job Engine's initiation sequence (spec.md
// §4.5 step 5) consumes.
type Result struct {
	Size               int64
	ResumeSupported    bool
	MultipartSupported bool
	Filename           string
	Forbidden          bool
	ErrorMessage       string
}

// Prober issues HEAD-with-GET-fallback preflight requests.
type Prober struct {
	Client  *http.Client
	Timeout time.Duration
}

func New(client *http.Client) *Prober {
	if client == nil {
		client = http.DefaultClient
	}
	return &Prober{Client: client, Timeout: 30 * time.Second}
}

// Probe fetches metadata for rawURL. cookies is an already-formatted
// Cookie header value, preserved across redirects since Go's
// http.Client forwards Cookie headers to same-host redirects only by
// default — callers that need cross-host cookie carry should configure
// the client's CheckRedirect accordingly.
func (p *Prober) Probe(ctx context.Context, rawURL, userAgent, referrer, cookies string) (*Result, error) {
	ctx, cancel := context.WithTimeout(ctx, p.Timeout)
	defer cancel()

	resp, err := p.issue(ctx, http.MethodHead, rawURL, userAgent, referrer, cookies)
	if err != nil {
		return errorResult(err), nil
	}
	if resp.StatusCode == http.StatusMethodNotAllowed || resp.StatusCode >= 500 {
		resp.Body.Close()
		resp, err = p.issue(ctx, http.MethodGet, rawURL, userAgent, referrer, cookies)
		if err != nil {
			return errorResult(err), nil
		}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return &Result{
			Size:         -1,
			Forbidden:    true,
			ErrorMessage: friendlyHTTPError(resp.StatusCode).Error(),
		}, nil
	}

	size := int64(-1)
	if cl := resp.Header.Get("Content-Length"); cl != "" {
		if n, err := fmt.Sscanf(cl, "%d", &size); err != nil || n != 1 {
			size = -1
		}
	}

	multipart := resp.Header.Get("Accept-Ranges") == "bytes"
	resumeSupported := multipart || resp.Header.Get("ETag") != "" || resp.Header.Get("Last-Modified") != ""

	filename := filenameFromResponse(resp)

	return &Result{
		Size:               size,
		MultipartSupported: multipart,
		ResumeSupported:    resumeSupported,
		Filename:           filename,
	}, nil
}

func (p *Prober) issue(ctx context.Context, method, rawURL, userAgent, referrer, cookies string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, rawURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "*/*")
	if userAgent != "" {
		req.Header.Set("User-Agent", userAgent)
	}
	if referrer != "" {
		req.Header.Set("Referer", referrer)
	}
	if cookies != "" {
		req.Header.Set("Cookie", cookies)
	}
	return p.Client.Do(req)
}

func filenameFromResponse(resp *http.Response) string {
	if cd := resp.Header.Get("Content-Disposition"); cd != "" {
		if _, params, err := mime.ParseMediaType(cd); err == nil {
			if name := params["filename"]; name != "" {
				return name
			}
		}
	}
	if resp.Request != nil && resp.Request.URL != nil {
		if name := filepath.Base(resp.Request.URL.Path); name != "" && name != "." && name != "/" {
			if unescaped, err := url.PathUnescape(name); err == nil {
				return unescaped
			}
			return name
		}
	}
	return "unknown"
}

func errorResult(err error) *Result {
	return &Result{Size: -1, Forbidden: true, ErrorMessage: friendlyError(err).Error()}
}

func friendlyError(err error) error {
	msg := err.Error()
	switch {
	case strings.Contains(msg, "no such host"):
		return fmt.Errorf("server not found, check the URL is correct")
	case strings.Contains(msg, "connection refused"):
		return fmt.Errorf("server is offline or unreachable")
	case strings.Contains(msg, "timeout") || strings.Contains(msg, "deadline exceeded"):
		return fmt.Errorf("connection timed out, try again later")
	case strings.Contains(msg, "certificate"):
		return fmt.Errorf("SSL certificate error")
	case strings.Contains(msg, "network is unreachable"):
		return fmt.Errorf("no internet connection")
	default:
		return fmt.Errorf("connection failed: %s", msg)
	}
}

func friendlyHTTPError(status int) error {
	switch status {
	case http.StatusNotFound:
		return fmt.Errorf("file not found on server (404)")
	case http.StatusForbidden:
		return fmt.Errorf("access denied by server (403)")
	case http.StatusUnauthorized:
		return fmt.Errorf("authentication required (401)")
	case 500, 502, 503:
		return fmt.Errorf("server error, try again later (%d)", status)
	case 429:
		return fmt.Errorf("too many requests, wait and try again")
	default:
		return fmt.Errorf("server returned error %d", status)
	}
}
