// Package httpclient performs one logical webhook POST, following
// redirects manually so the method and body are never downgraded and
// the security gates run before each hop is issued.
package httpclient

import (
	"bytes"
	"context"
	"crypto/tls"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/guyinwonder168/redmine-webhook-plugin/internal/classify"
)

const (
	// MaxRedirects is the hop cap for one logical POST.
	MaxRedirects = 5

	// MaxBodyBytes is the byte-exact prefix of the response body kept on
	// the delivery record.
	MaxBodyBytes = 2048

	ErrCodeInsecureRedirect = "insecure_redirect"
	ErrCodeTooManyRedirects = "too_many_redirects"
)

var redirectStatuses = map[int]bool{301: true, 302: true, 303: true, 307: true, 308: true}

// Result is the outcome of one delivery attempt.
type Result struct {
	Success      bool
	HTTPStatus   int
	ResponseBody string
	ErrorCode    string
	ErrorMessage string
	DurationMS   int64
	FinalURL     string
}

// Client issues webhook POSTs with a per-phase timeout and configurable
// TLS peer verification. When verification is off, https traffic is
// still encrypted; only the peer check is skipped.
type Client struct {
	timeout time.Duration
	hc      *http.Client
}

func New(timeout time.Duration, sslVerify bool) *Client {
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout: timeout,
		}).DialContext,
		TLSClientConfig:       &tls.Config{InsecureSkipVerify: !sslVerify},
		TLSHandshakeTimeout:   timeout,
		ResponseHeaderTimeout: timeout,
	}
	return &Client{
		timeout: timeout,
		hc: &http.Client{
			Transport: transport,
			// Redirects are handled by the Post loop so the same
			// method, body and headers are re-sent on every hop.
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
}

// Post sends the payload to url, following up to MaxRedirects hops.
// Transport failures are converted to failure results, never returned
// as errors. Duration spans the first request through the terminal
// response on a monotonic clock.
func (c *Client) Post(ctx context.Context, rawURL string, payload []byte, headers map[string]string) Result {
	start := time.Now()
	currentURL := rawURL
	redirects := 0

	for {
		resp, err := c.perform(ctx, currentURL, payload, headers)
		if err != nil {
			return Result{
				Success:      false,
				ErrorCode:    classify.Classify(err),
				ErrorMessage: err.Error(),
				DurationMS:   time.Since(start).Milliseconds(),
				FinalURL:     currentURL,
			}
		}

		if !redirectStatuses[resp.StatusCode] {
			return terminalResult(resp, currentURL, start)
		}

		location := strings.TrimSpace(resp.Header.Get("Location"))
		if location == "" {
			// A redirect without a Location is terminal: its own status
			// becomes the result.
			return terminalResult(resp, currentURL, start)
		}
		drain(resp)

		nextURL, err := resolveRedirect(currentURL, location)
		if err != nil {
			return Result{
				Success:      false,
				ErrorCode:    classify.UnknownError,
				ErrorMessage: err.Error(),
				DurationMS:   time.Since(start).Milliseconds(),
				FinalURL:     currentURL,
			}
		}

		// Both gates run before the next hop is ever issued.
		if insecureRedirect(currentURL, nextURL) {
			return Result{
				Success:    false,
				ErrorCode:  ErrCodeInsecureRedirect,
				DurationMS: time.Since(start).Milliseconds(),
				FinalURL:   nextURL,
			}
		}
		redirects++
		if redirects > MaxRedirects {
			return Result{
				Success:    false,
				ErrorCode:  ErrCodeTooManyRedirects,
				DurationMS: time.Since(start).Milliseconds(),
				FinalURL:   nextURL,
			}
		}

		currentURL = nextURL
	}
}

func (c *Client) perform(ctx context.Context, rawURL string, payload []byte, headers map[string]string) (*http.Response, error) {
	reqCtx, cancel := context.WithTimeout(ctx, 2*c.timeout)
	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, rawURL, bytes.NewReader(payload))
	if err != nil {
		cancel()
		return nil, err
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := c.hc.Do(req)
	if err != nil {
		cancel()
		return nil, err
	}
	// The deadline stays attached to the response body read.
	resp.Body = &cancelReadCloser{ReadCloser: resp.Body, cancel: cancel}
	return resp, nil
}

type cancelReadCloser struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelReadCloser) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}

func terminalResult(resp *http.Response, finalURL string, start time.Time) Result {
	body := readExcerpt(resp)
	status := resp.StatusCode
	if status >= 200 && status < 300 {
		return Result{
			Success:      true,
			HTTPStatus:   status,
			ResponseBody: body,
			DurationMS:   time.Since(start).Milliseconds(),
			FinalURL:     finalURL,
		}
	}
	return Result{
		Success:      false,
		HTTPStatus:   status,
		ResponseBody: body,
		ErrorCode:    classify.ClassifyHTTPStatus(status),
		DurationMS:   time.Since(start).Milliseconds(),
		FinalURL:     finalURL,
	}
}

func readExcerpt(resp *http.Response) string {
	defer resp.Body.Close()
	buf, _ := io.ReadAll(io.LimitReader(resp.Body, MaxBodyBytes))
	// Drain the remainder so the connection can be reused.
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<16))
	return string(buf)
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<16))
	_ = resp.Body.Close()
}

// resolveRedirect resolves a Location header, absolute or relative to
// the current URL.
func resolveRedirect(currentURL, location string) (string, error) {
	base, err := url.Parse(currentURL)
	if err != nil {
		return "", err
	}
	ref, err := url.Parse(location)
	if err != nil {
		return "", err
	}
	return base.ResolveReference(ref).String(), nil
}

func insecureRedirect(currentURL, nextURL string) bool {
	cur, err1 := url.Parse(currentURL)
	next, err2 := url.Parse(nextURL)
	if err1 != nil || err2 != nil {
		return false
	}
	return cur.Scheme == "https" && next.Scheme == "http"
}
