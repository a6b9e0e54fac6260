// Package registry stores webhook endpoints, their secrets, retry policies
// and subscriptions.
package registry

import (
	"net"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/austindbirch/tidehook/internal/errs"
	"github.com/austindbirch/tidehook/internal/matcher"
)

// Health is the endpoint circuit state driven by consecutive failures.
type Health string

const (
	HealthHealthy  Health = "healthy"
	HealthDegraded Health = "degraded"
	HealthDisabled Health = "disabled"
)

// Failure thresholds: healthy -> degraded after DegradeAfter consecutive
// failures, degraded -> disabled after DisableAfter more.
const (
	DegradeAfter = 3
	DisableAfter = 10
)

const (
	DefaultSignatureHeader = "X-Webhook-Signature"
	DefaultTimeout         = 30 * time.Second
	MinSecretLen           = 16
)

// RetryPolicy controls attempt count and backoff for an endpoint.
type RetryPolicy struct {
	MaxAttempts int           `json:"max_attempts"`
	BaseBackoff time.Duration `json:"base_backoff"`
	Multiplier  float64       `json:"multiplier"`
	Jitter      float64       `json:"jitter"`
	MaxBackoff  time.Duration `json:"max_backoff"`
}

// DefaultRetryPolicy matches the documented 5s base, five attempts.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 5,
		BaseBackoff: 5 * time.Second,
		Multiplier:  2.0,
		Jitter:      0.25,
		MaxBackoff:  10 * time.Minute,
	}
}

// Subscription is one pattern + filter rule binding events to an endpoint.
type Subscription struct {
	ID       uuid.UUID       `json:"id"`
	Pattern  string          `json:"pattern"`
	Filter   *matcher.Filter `json:"filter,omitempty"`
	Priority int             `json:"priority"`
	Active   bool            `json:"active"`
}

// Endpoint is a subscriber destination. An active endpoint always has a
// non-empty secret.
type Endpoint struct {
	ID                  uuid.UUID         `json:"id"`
	Name                string            `json:"name"`
	URL                 string            `json:"url"`
	Method              string            `json:"method"`
	Secret              []byte            `json:"-"`
	SignatureHeader     string            `json:"signature_header"`
	CustomHeaders       map[string]string `json:"custom_headers,omitempty"`
	Timeout             time.Duration     `json:"timeout"`
	Retry               RetryPolicy       `json:"retry_policy"`
	Subscriptions       []Subscription    `json:"subscriptions"`
	Health              Health            `json:"health"`
	ConsecutiveFailures uint32            `json:"consecutive_failures"`
	Active              bool              `json:"is_active"`
	CreatedBy           string            `json:"created_by,omitempty"`
	CreatedAt           time.Time         `json:"created_at"`
	UpdatedAt           time.Time         `json:"updated_at"`
	DeletedAt           *time.Time        `json:"deleted_at,omitempty"`
}

// Deliverable reports whether new attempts may target this endpoint.
func (e *Endpoint) Deliverable() bool {
	return e.Active && e.DeletedAt == nil && e.Health != HealthDisabled
}

// headerTokenRe is the RFC 7230 token charset for header field names.
var headerTokenRe = regexp.MustCompile("^[!#$%&'*+\\-.^_`|~0-9A-Za-z]+$")

// reservedHeaders cannot be set through custom_headers; they are owned by
// the delivery adapter.
var reservedHeaders = map[string]bool{
	"content-type":        true,
	"x-webhook-timestamp": true,
	"x-webhook-id":        true,
	"x-webhook-attempt":   true,
	"x-idempotency-key":   true,
}

// Normalize fills defaults on a new or patched endpoint.
func (e *Endpoint) Normalize() {
	if e.Method == "" {
		e.Method = "POST"
	}
	if e.SignatureHeader == "" {
		e.SignatureHeader = DefaultSignatureHeader
	}
	if e.Timeout == 0 {
		e.Timeout = DefaultTimeout
	}
	if e.Health == "" {
		e.Health = HealthHealthy
	}
	if e.Retry == (RetryPolicy{}) {
		e.Retry = DefaultRetryPolicy()
	}
	for i := range e.Subscriptions {
		if e.Subscriptions[i].ID == uuid.Nil {
			e.Subscriptions[i].ID = uuid.New()
		}
	}
}

// Validate enforces the registry's invariants. strictURLs additionally
// rejects private, loopback and link-local subscriber hosts.
func (e *Endpoint) Validate(strictURLs bool) error {
	if e.Name == "" {
		return errs.E(errs.KindInvalidInput, "name is required")
	}
	if err := validateURL(e.URL, strictURLs); err != nil {
		return err
	}
	if e.Method != "POST" && e.Method != "PUT" {
		return errs.E(errs.KindInvalidInput, "method must be POST or PUT")
	}
	if e.Active && len(e.Secret) < MinSecretLen {
		return errs.E(errs.KindInvalidInput, "secret must be at least %d bytes", MinSecretLen)
	}
	if !headerTokenRe.MatchString(e.SignatureHeader) {
		return errs.E(errs.KindInvalidInput, "signature header name is not a legal token")
	}
	for name, value := range e.CustomHeaders {
		if !headerTokenRe.MatchString(name) {
			return errs.E(errs.KindInvalidInput, "custom header name %q is not a legal token", name)
		}
		lower := strings.ToLower(name)
		if reservedHeaders[lower] || lower == strings.ToLower(e.SignatureHeader) {
			return errs.E(errs.KindInvalidInput, "custom header %q is reserved", name)
		}
		if strings.ContainsAny(value, "\r\n") {
			return errs.E(errs.KindInvalidInput, "custom header %q has an illegal value", name)
		}
	}
	if e.Timeout < time.Second || e.Timeout > 300*time.Second {
		return errs.E(errs.KindInvalidInput, "timeout must be between 1s and 300s")
	}
	if err := e.Retry.Validate(); err != nil {
		return err
	}
	for _, sub := range e.Subscriptions {
		if err := matcher.ValidatePattern(sub.Pattern); err != nil {
			return err
		}
		if err := sub.Filter.Validate(); err != nil {
			return err
		}
	}
	return nil
}

func (p RetryPolicy) Validate() error {
	if p.MaxAttempts < 1 || p.MaxAttempts > 10 {
		return errs.E(errs.KindInvalidInput, "max_attempts must be between 1 and 10")
	}
	if p.BaseBackoff < time.Second || p.BaseBackoff > 60*time.Second {
		return errs.E(errs.KindInvalidInput, "base_backoff must be between 1s and 60s")
	}
	if p.Multiplier < 1.0 || p.Multiplier > 5.0 {
		return errs.E(errs.KindInvalidInput, "multiplier must be between 1.0 and 5.0")
	}
	if p.Jitter < 0 || p.Jitter > 0.5 {
		return errs.E(errs.KindInvalidInput, "jitter must be between 0 and 0.5")
	}
	if p.MaxBackoff < p.BaseBackoff || p.MaxBackoff > time.Hour {
		return errs.E(errs.KindInvalidInput, "max_backoff must be between base_backoff and 1h")
	}
	return nil
}

func validateURL(raw string, strict bool) error {
	u, err := url.Parse(raw)
	if err != nil || !u.IsAbs() {
		return errs.E(errs.KindInvalidInput, "url must be absolute")
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return errs.E(errs.KindInvalidInput, "url scheme must be http or https")
	}
	host := u.Hostname()
	if host == "" {
		return errs.E(errs.KindInvalidInput, "url has no host")
	}
	if !strict {
		return nil
	}
	if strings.EqualFold(host, "localhost") {
		return errs.E(errs.KindInvalidInput, "subscriber host %q is not allowed", host)
	}
	if ip := net.ParseIP(host); ip != nil {
		if ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() || ip.IsUnspecified() {
			return errs.E(errs.KindInvalidInput, "subscriber host %q is not allowed", host)
		}
	}
	return nil
}
