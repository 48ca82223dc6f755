package delivery

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/telhawk-systems/courier/common/clock"
)

// HTTPConfig configures HTTPExecutor.
type HTTPConfig struct {
	BaseURL   string
	Timeout   time.Duration
	AppID     string
	DeviceID  string
	UserAgent string
	// Signer mints bearer tokens; nil sends no Authorization header.
	Signer *TokenSigner
	Clock  clock.Clock
}

// HTTPExecutor POSTs gzip bodies to the backend.
type HTTPExecutor struct {
	baseURL    string
	appID      string
	deviceID   string
	userAgent  string
	signer     *TokenSigner
	clock      clock.Clock
	httpClient *http.Client
}

// NewHTTPExecutor returns an executor for cfg.BaseURL.
func NewHTTPExecutor(cfg HTTPConfig) (*HTTPExecutor, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("delivery base URL is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "courier"
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	return &HTTPExecutor{
		baseURL:   strings.TrimRight(cfg.BaseURL, "/"),
		appID:     cfg.AppID,
		deviceID:  cfg.DeviceID,
		userAgent: cfg.UserAgent,
		signer:    cfg.Signer,
		clock:     cfg.Clock,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
	}, nil
}

// Send delivers body. Transport errors, cancellation, 408, 429 and 5xx are
// retryable; any other non-2xx status is permanent.
func (e *HTTPExecutor) Send(ctx context.Context, endpoint Endpoint, body []byte) Result {
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+endpoint.Path(), bytes.NewReader(body))
	if err != nil {
		return Permanent(fmt.Errorf("build request: %w", err))
	}
	request.Header.Set("Content-Type", "application/json")
	request.Header.Set("Content-Encoding", "gzip")
	request.Header.Set("User-Agent", e.userAgent)
	if e.appID != "" {
		request.Header.Set("X-App-Id", e.appID)
	}
	if e.deviceID != "" {
		request.Header.Set("X-Device-Id", e.deviceID)
	}
	if e.signer != nil {
		token, err := e.signer.Token()
		if err != nil {
			return Retryable(fmt.Errorf("sign request: %w", err))
		}
		request.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := e.httpClient.Do(request)
	if err != nil {
		return Retryable(fmt.Errorf("send request: %w", err))
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))

	result := Result{Outcome: Classify(resp.StatusCode), StatusCode: resp.StatusCode}
	if result.Outcome != Success {
		result.Err = fmt.Errorf("%s response status %d", endpoint, resp.StatusCode)
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		result.RetryAfter = ParseRetryAfter(resp.Header.Get("Retry-After"), e.clock.Now())
	}
	return result
}

// Classify maps an HTTP status code to an Outcome.
func Classify(status int) Outcome {
	switch {
	case status >= 200 && status < 300:
		return Success
	case status == http.StatusRequestTimeout,
		status == http.StatusTooManyRequests,
		status >= 500:
		return RetryableFailure
	default:
		return PermanentFailure
	}
}

// ParseRetryAfter reads a Retry-After header given as delay seconds or an
// HTTP date. Unparseable or past values yield zero.
func ParseRetryAfter(value string, now time.Time) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0
	}
	if secs, err := strconv.Atoi(value); err == nil {
		if secs <= 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(value); err == nil {
		if d := at.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}
