// Package httpdeliver executes single webhook delivery attempts over a
// shared connection pool, with signing, timeouts and classification.
package httpdeliver

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/austindbirch/tidehook/internal/event"
	"github.com/austindbirch/tidehook/internal/metrics"
	"github.com/austindbirch/tidehook/internal/planner"
	"github.com/austindbirch/tidehook/internal/registry"
	"github.com/austindbirch/tidehook/internal/tracing"
)

// MaxRecordedBody caps the response body persisted per attempt.
const MaxRecordedBody = 10 * 1024

// Reserved wire headers; see the endpoint registry for the matching
// custom-header validation.
const (
	HeaderTimestamp      = "X-Webhook-Timestamp"
	HeaderID             = "X-Webhook-Id"
	HeaderAttempt        = "X-Webhook-Attempt"
	HeaderIdempotencyKey = "X-Idempotency-Key"
)

// Outcome is the classified result of one HTTP attempt.
type Outcome struct {
	StatusCode     int
	ResponseHeader map[string]string
	Body           []byte
	Truncated      bool
	Latency        time.Duration
	SentAt         time.Time

	Success   bool
	Retryable bool
	TimedOut  bool
	Reason    string // failure classification for metrics
	Err       *event.ErrorRecord

	// RetryAfter is the server-requested minimum delay (429/503), zero
	// when absent.
	RetryAfter time.Duration

	// Request side, for the attempt record.
	RequestURL     string
	RequestMethod  string
	RequestHeaders map[string]string
	RequestBody    []byte
	Signature      string
}

// Status maps the outcome onto the attempt status enum.
func (o Outcome) Status() string {
	switch {
	case o.Success:
		return "success"
	case o.TimedOut:
		return "timeout"
	default:
		return "failed"
	}
}

type connectTimeoutKey struct{}

// Config tunes the shared pool.
type Config struct {
	MaxIdleConns        int
	MaxIdleConnsPerHost int
	IdleConnTimeout     time.Duration
	KeepAlive           time.Duration
	MaxConcurrent       int64
}

// Stats is a snapshot of pool usage for the metrics surface.
type Stats struct {
	Active         int64
	Acquired       int64
	ExhaustedWaits int64
}

// Adapter delivers webhook attempts. It is safe under concurrent use; all
// per-request state is local.
type Adapter struct {
	client *http.Client
	sem    *semaphore.Weighted

	active         atomic.Int64
	acquired       atomic.Int64
	exhaustedWaits atomic.Int64
}

func New(cfg Config) *Adapter {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 256
	}
	dialer := &net.Dialer{Timeout: 10 * time.Second, KeepAlive: cfg.KeepAlive}
	transport := &http.Transport{
		MaxIdleConns:        cfg.MaxIdleConns,
		MaxIdleConnsPerHost: cfg.MaxIdleConnsPerHost,
		IdleConnTimeout:     cfg.IdleConnTimeout,
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			// Per-request connect deadline travels in the context.
			if d, ok := ctx.Value(connectTimeoutKey{}).(time.Duration); ok && d > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, d)
				defer cancel()
			}
			return dialer.DialContext(ctx, network, addr)
		},
	}
	return &Adapter{
		client: &http.Client{
			Transport: transport,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				// Redirects are never followed; a 3xx is recorded as-is.
				return http.ErrUseLastResponse
			},
		},
		sem: semaphore.NewWeighted(cfg.MaxConcurrent),
	}
}

// Close shuts down idle pool connections.
func (a *Adapter) Close() {
	if t, ok := a.client.Transport.(*http.Transport); ok {
		t.CloseIdleConnections()
	}
}

// PoolStats returns a usage snapshot.
func (a *Adapter) PoolStats() Stats {
	return Stats{
		Active:         a.active.Load(),
		Acquired:       a.acquired.Load(),
		ExhaustedWaits: a.exhaustedWaits.Load(),
	}
}

// Deliver runs one attempt against the endpoint. All failures are returned
// inside the Outcome; the error return covers only context cancellation
// before the request was started.
func (a *Adapter) Deliver(ctx context.Context, plan planner.Plan, ev *event.Event, ep *registry.Endpoint) (Outcome, error) {
	if !a.sem.TryAcquire(1) {
		metrics.PoolExhaustedWaits.Inc()
		a.exhaustedWaits.Add(1)
		if err := a.sem.Acquire(ctx, 1); err != nil {
			return Outcome{}, err
		}
	}
	defer a.sem.Release(1)
	metrics.PoolAcquiredTotal.Inc()
	a.acquired.Add(1)
	a.active.Add(1)
	metrics.InFlightAttempts.Inc()
	defer func() {
		a.active.Add(-1)
		metrics.InFlightAttempts.Dec()
	}()

	out := Outcome{
		RequestURL:    ep.URL,
		RequestMethod: ep.Method,
	}

	body, err := ev.CanonicalBody()
	if err != nil {
		out.Reason = "serialize"
		out.Err = &event.ErrorRecord{Code: "serialize", Message: err.Error()}
		return out, nil
	}
	out.RequestBody = body

	now := time.Now()
	ts := strconv.FormatInt(now.Unix(), 10)
	out.Signature = Sign(ep.Secret, ts, body)

	connectTimeout := 10 * time.Second
	if t := ep.Timeout / 3; t < connectTimeout {
		connectTimeout = t
	}
	reqCtx, cancel := context.WithTimeout(ctx, plan.Timeout)
	defer cancel()
	reqCtx = context.WithValue(reqCtx, connectTimeoutKey{}, connectTimeout)

	req, err := http.NewRequestWithContext(reqCtx, ep.Method, ep.URL, bytes.NewReader(body))
	if err != nil {
		out.Reason = "bad_request"
		out.Err = &event.ErrorRecord{Code: "bad_request", Message: err.Error()}
		return out, nil
	}
	// Custom headers first so reserved names below always win.
	for name, value := range ep.CustomHeaders {
		req.Header.Set(name, value)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(ep.SignatureHeader, "v1="+out.Signature)
	req.Header.Set(HeaderTimestamp, ts)
	req.Header.Set(HeaderID, ev.ID.String())
	req.Header.Set(HeaderAttempt, strconv.Itoa(plan.AttemptNumber))
	req.Header.Set(HeaderIdempotencyKey, plan.IdempotencyKey)
	if traceID := tracing.GetTraceID(ctx); traceID != "" {
		req.Header.Set("X-Trace-Id", traceID)
	}
	out.RequestHeaders = flattenHeader(req.Header)

	out.SentAt = now
	resp, doErr := a.client.Do(req)
	out.Latency = time.Since(now)

	if doErr != nil {
		out.TimedOut = isTimeout(doErr) || reqCtx.Err() == context.DeadlineExceeded
		out.Retryable = true
		out.Reason = classifyError(doErr, out.TimedOut)
		out.Err = &event.ErrorRecord{Code: out.Reason, Message: doErr.Error()}
		metrics.RecordAttempt(out.Status(), out.Latency)
		metrics.RecordFailure(out.Reason)
		return out, nil
	}
	defer func() { _ = resp.Body.Close() }()

	out.StatusCode = resp.StatusCode
	out.ResponseHeader = flattenHeader(resp.Header)
	out.Body, out.Truncated = readTruncated(resp.Body)

	out.Success, out.Retryable, out.Reason = ClassifyStatus(resp.StatusCode)
	if !out.Success {
		out.Err = &event.ErrorRecord{
			Code:    out.Reason,
			Message: fmt.Sprintf("subscriber returned %d", resp.StatusCode),
		}
		out.RetryAfter = parseRetryAfter(resp.Header.Get("Retry-After"), now)
		metrics.RecordFailure(out.Reason)
	}
	metrics.RecordAttempt(out.Status(), out.Latency)
	return out, nil
}

// Sign computes the v1 signature: hex HMAC-SHA256 over "<ts>.<body>".
func Sign(secret []byte, ts string, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(ts))
	mac.Write([]byte("."))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify checks a v1 signature header value against the body and timestamp,
// enforcing the skew window.
func Verify(secret []byte, headerValue, ts string, body []byte, now time.Time, leeway time.Duration) bool {
	sig, ok := strings.CutPrefix(headerValue, "v1=")
	if !ok {
		return false
	}
	unix, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return false
	}
	if d := now.Sub(time.Unix(unix, 0)); d > leeway || d < -leeway {
		return false
	}
	return hmac.Equal([]byte(sig), []byte(Sign(secret, ts, body)))
}

// ClassifyStatus maps an HTTP status to (success, retryable, reason).
// 2xx succeeds; 408/425/429 and 5xx are retryable; other 4xx and 3xx are
// terminal.
func ClassifyStatus(status int) (success, retryable bool, reason string) {
	switch {
	case status >= 200 && status < 300:
		return true, false, ""
	case status >= 500:
		return false, true, "http_5xx"
	case status == http.StatusRequestTimeout, status == http.StatusTooEarly, status == http.StatusTooManyRequests:
		return false, true, fmt.Sprintf("http_%d", status)
	case status >= 400:
		return false, false, "http_4xx"
	case status >= 300:
		return false, false, "http_3xx"
	default:
		return false, false, "other"
	}
}

func classifyError(err error, timedOut bool) string {
	if timedOut {
		return "timeout"
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "no such host"), strings.Contains(msg, "dns"):
		return "dns_error"
	case strings.Contains(msg, "connection refused"):
		return "connection_refused"
	case strings.Contains(msg, "tls"), strings.Contains(msg, "certificate"):
		return "tls_error"
	default:
		return "network"
	}
}

func isTimeout(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}

func readTruncated(r io.Reader) ([]byte, bool) {
	buf, err := io.ReadAll(io.LimitReader(r, MaxRecordedBody+1))
	if err != nil && len(buf) == 0 {
		return nil, false
	}
	if len(buf) > MaxRecordedBody {
		return buf[:MaxRecordedBody], true
	}
	return buf, false
}

func flattenHeader(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for name := range h {
		out[name] = h.Get(name)
	}
	return out
}

func parseRetryAfter(v string, now time.Time) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := t.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}
