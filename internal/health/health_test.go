package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestReadyAllPassing(t *testing.T) {
	c := NewChecker().
		Add("postgres", func(ctx context.Context) error { return nil }).
		Add("redis", func(ctx context.Context) error { return nil })

	st := c.Ready(context.Background())
	if st.Status != "ok" {
		t.Fatalf("status = %q, want ok", st.Status)
	}
	if st.Checks["postgres"] != "ok" || st.Checks["redis"] != "ok" {
		t.Fatalf("checks = %v", st.Checks)
	}
}

func TestReadyDegraded(t *testing.T) {
	c := NewChecker().
		Add("postgres", func(ctx context.Context) error { return nil }).
		Add("redis", func(ctx context.Context) error { return errors.New("connection refused") })

	st := c.Ready(context.Background())
	if st.Status != "degraded" {
		t.Fatalf("status = %q, want degraded", st.Status)
	}
	if st.Checks["postgres"] != "ok" {
		t.Fatalf("healthy check reported %q", st.Checks["postgres"])
	}
	if st.Checks["redis"] != "connection refused" {
		t.Fatalf("failing check reported %q", st.Checks["redis"])
	}
}

func TestReadyNoChecks(t *testing.T) {
	st := NewChecker().Ready(context.Background())
	if st.Status != "ok" {
		t.Fatalf("empty checker status = %q", st.Status)
	}
}

func TestHandlerStatusCodes(t *testing.T) {
	ok := NewChecker().Add("dep", func(ctx context.Context) error { return nil })
	rr := httptest.NewRecorder()
	ok.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/health", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("healthy handler code = %d", rr.Code)
	}
	var st Status
	if err := json.Unmarshal(rr.Body.Bytes(), &st); err != nil {
		t.Fatal(err)
	}
	if st.Status != "ok" {
		t.Fatalf("body status = %q", st.Status)
	}

	bad := NewChecker().Add("dep", func(ctx context.Context) error { return errors.New("down") })
	rr = httptest.NewRecorder()
	bad.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/health", nil))
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("degraded handler code = %d", rr.Code)
	}
}
