package identity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/park285/Cheese-Caro/internal/apperr"
)

type verifyRequest struct {
	Token string `json:"token"`
}

// RemoteResolver asks an auth service to verify tokens: POST <base>/verify.
// 401/403 mean the token is rejected; 5xx is retried with backoff.
type RemoteResolver struct {
	baseURL string
	http    *fasthttp.Client

	defaultTimeout time.Duration
	retryMax       int
}

type Option func(*RemoteResolver)

func WithTimeout(d time.Duration) Option {
	return func(r *RemoteResolver) { r.defaultTimeout = d }
}

func WithRetry(max int) Option {
	return func(r *RemoteResolver) { r.retryMax = max }
}

func NewRemoteResolver(baseURL string, opts ...Option) *RemoteResolver {
	r := &RemoteResolver{
		baseURL:        strings.TrimRight(baseURL, "/"),
		http:           &fasthttp.Client{ReadTimeout: 5 * time.Second, WriteTimeout: 5 * time.Second, MaxConnsPerHost: 64},
		defaultTimeout: 5 * time.Second,
		retryMax:       3,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *RemoteResolver) Verify(ctx context.Context, token string) (Identity, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Identity{}, apperr.ErrUnauthenticated
	}
	payload, err := json.Marshal(verifyRequest{Token: token})
	if err != nil {
		return Identity{}, fmt.Errorf("marshal request: %w", err)
	}

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer func() {
		fasthttp.ReleaseRequest(req)
		fasthttp.ReleaseResponse(resp)
	}()
	req.Header.SetMethod(fasthttp.MethodPost)
	req.SetRequestURI(r.baseURL + "/verify")
	req.Header.SetContentType("application/json")
	req.SetBody(payload)

	attempts := r.retryMax
	if attempts <= 0 {
		attempts = 1
	}
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		err := r.http.DoDeadline(req, resp, r.computeDeadline(ctx))
		if err != nil {
			lastErr = fmt.Errorf("auth request failed: %w", err)
			if attempt == attempts || sleepWithContext(ctx, backoffDuration(attempt)) != nil {
				return Identity{}, apperr.Internal("verify token", lastErr)
			}
			continue
		}

		status := resp.StatusCode()
		switch {
		case status == fasthttp.StatusUnauthorized || status == fasthttp.StatusForbidden:
			return Identity{}, apperr.Wrap(apperr.ReasonUnauthenticated, "token rejected", fmt.Errorf("auth status %d", status))
		case status < 200 || status >= 300:
			lastErr = fmt.Errorf("auth service error: status=%d body=%s", status, truncate(string(resp.Body()), 512))
			if attempt == attempts || !shouldRetryStatus(status) || sleepWithContext(ctx, backoffDuration(attempt)) != nil {
				return Identity{}, apperr.Internal("verify token", lastErr)
			}
			continue
		}

		var id Identity
		if err := json.Unmarshal(resp.Body(), &id); err != nil {
			return Identity{}, apperr.Internal("decode auth response", err)
		}
		if strings.TrimSpace(id.UserID) == "" {
			return Identity{}, apperr.Wrap(apperr.ReasonUnauthenticated, "token rejected", errors.New("empty user id"))
		}
		return id, nil
	}
	if lastErr == nil {
		lastErr = errors.New("unknown error")
	}
	return Identity{}, apperr.Internal("verify token", lastErr)
}

func (r *RemoteResolver) computeDeadline(ctx context.Context) time.Time {
	clientDL := time.Now().Add(r.defaultTimeout)
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

func backoffDuration(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > 6 {
		attempt = 6
	}
	return time.Duration(1<<uint(attempt-1)) * 100 * time.Millisecond
}

func shouldRetryStatus(code int) bool {
	switch code {
	case 500, 502, 503, 504:
		return true
	default:
		return false
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
