package transport

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"
)

// HTTPEgress posts each outbound document to a callback URL.
type HTTPEgress struct {
	url     string
	http    *fasthttp.Client
	headers HeaderProvider

	defaultTimeout time.Duration
	retryMax       int
}

type HTTPOption func(*HTTPEgress)

func WithTimeout(d time.Duration) HTTPOption {
	return func(c *HTTPEgress) { c.defaultTimeout = d }
}

func WithRetry(max int) HTTPOption {
	return func(c *HTTPEgress) { c.retryMax = max }
}

func WithHeaders(h HeaderProvider) HTTPOption {
	return func(c *HTTPEgress) { c.headers = h }
}

func NewHTTPEgress(callbackURL string, opts ...HTTPOption) *HTTPEgress {
	c := &HTTPEgress{
		url:            strings.TrimSpace(callbackURL),
		http:           &fasthttp.Client{ReadTimeout: 10 * time.Second, WriteTimeout: 10 * time.Second, MaxConnsPerHost: 16},
		defaultTimeout: 10 * time.Second,
		retryMax:       3,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *HTTPEgress) Send(ctx context.Context, payload []byte) error {
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer func() {
		fasthttp.ReleaseRequest(req)
		fasthttp.ReleaseResponse(resp)
	}()

	req.Header.SetMethod(fasthttp.MethodPost)
	req.SetRequestURI(c.url)
	req.Header.SetContentType("application/json")
	if c.headers != nil {
		for k, v := range c.headers() {
			if strings.TrimSpace(k) != "" && strings.TrimSpace(v) != "" {
				req.Header.Set(k, v)
			}
		}
	}
	req.SetBody(payload)

	attempts := c.retryMax
	if attempts <= 0 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		err := c.http.DoDeadline(req, resp, c.computeDeadline(ctx))
		if err != nil {
			lastErr = fmt.Errorf("callback request failed: %w", err)
		} else {
			status := resp.StatusCode()
			if status >= 200 && status < 300 {
				return nil
			}
			lastErr = fmt.Errorf("callback error: status=%d body=%s", status, truncate(string(resp.Body()), 512))
			if !shouldRetryStatus(status) {
				return lastErr
			}
		}
		if attempt == attempts {
			break
		}
		if err := sleepWithContext(ctx, backoffDuration(attempt)); err != nil {
			return lastErr
		}
	}
	if lastErr == nil {
		lastErr = errors.New("unknown error")
	}
	return lastErr
}

func (c *HTTPEgress) computeDeadline(ctx context.Context) time.Time {
	clientDL := time.Now().Add(c.defaultTimeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(clientDL) {
		return dl
	}
	return clientDL
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func shouldRetryStatus(code int) bool {
	switch code {
	case 429, 500, 502, 503, 504:
		return true
	default:
		return false
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

const (
	EgressDefault = "default"
	EgressHTTP    = "http"
	EgressAuto    = "auto"
)

// NewEgress picks the outbound path. default answers on the inbound
// transport itself, http always posts to the callback URL, and auto
// prefers the WebSocket while connected and falls back to HTTP once.
func NewEgress(mode string, inbound Sender, ws *WebSocket, httpEg *HTTPEgress, logger *zap.Logger) (Sender, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	switch strings.TrimSpace(mode) {
	case "", EgressDefault:
		if inbound == nil {
			return nil, errors.New("default egress needs an inbound sender")
		}
		return inbound, nil
	case EgressHTTP:
		if httpEg == nil {
			return nil, errors.New("http egress needs a callback url")
		}
		return httpEg, nil
	case EgressAuto:
		if ws == nil || httpEg == nil {
			return nil, errors.New("auto egress needs a websocket and a callback url")
		}
		return &autoEgress{ws: ws, http: httpEg, logger: logger}, nil
	default:
		return nil, fmt.Errorf("unknown egress mode %q", mode)
	}
}

type autoEgress struct {
	ws     *WebSocket
	http   *HTTPEgress
	logger *zap.Logger
}

func (a *autoEgress) Send(ctx context.Context, payload []byte) error {
	if a.ws.State() == WSStateConnected {
		err := a.ws.Send(ctx, payload)
		if err == nil {
			return nil
		}
		a.logger.Warn("egress fallback to http", zap.Error(err))
	}
	return a.http.Send(ctx, payload)
}
