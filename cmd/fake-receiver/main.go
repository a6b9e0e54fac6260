package main

import (
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/austindbirch/tidehook/internal/httpdeliver"
	"github.com/austindbirch/tidehook/internal/registry"
)

var (
	failFirstN     = 0
	reqCount       = 0
	endpointSecret = ""
	maxSkew        = 5 * time.Minute
)

func main() {
	// Parse fail first settings
	if v := os.Getenv("FAIL_FIRST_N"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			failFirstN = n
		}
	}
	// Parse endpoint secret
	if v := os.Getenv("ENDPOINT_SECRET"); v != "" {
		endpointSecret = v
	}
	// Parse signing timestamp leeway
	if v := os.Getenv("SIGNING_LEEWAY_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			maxSkew = time.Duration(n) * time.Second
		}
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) { _, _ = w.Write([]byte(`{"ok":true}`)) })
	mux.HandleFunc("/hook", handleHook)

	addr := ":8081"
	log.Printf("fake-receiver listening on %s", addr)
	log.Fatal(http.ListenAndServe(addr, mux))
}

func handleHook(w http.ResponseWriter, r *http.Request) {
	reqCount++
	b, _ := io.ReadAll(r.Body)
	defer r.Body.Close()

	if endpointSecret != "" {
		sig := r.Header.Get(registry.DefaultSignatureHeader)
		ts := r.Header.Get(httpdeliver.HeaderTimestamp)
		if !httpdeliver.Verify([]byte(endpointSecret), sig, ts, b, time.Now(), maxSkew) {
			log.Printf("fake-receiver rejected signature attempt=%s id=%s",
				r.Header.Get(httpdeliver.HeaderAttempt), r.Header.Get(httpdeliver.HeaderID))
			http.Error(w, "invalid signature", http.StatusUnauthorized)
			return
		}
	}

	// Simulate flakiness: first N requests -> 500
	if reqCount <= failFirstN {
		log.Printf("FAILING (%d/%d) %s headers=%d body=%s", reqCount, failFirstN, r.URL.Path, len(r.Header), truncate(string(b), 160))
		http.Error(w, "temporary failure", http.StatusInternalServerError)
		return
	}

	log.Printf("fake-receiver OK %s attempt=%s idempotency=%s body=%q",
		r.URL.Path, r.Header.Get(httpdeliver.HeaderAttempt),
		r.Header.Get(httpdeliver.HeaderIdempotencyKey), truncate(string(b), 160))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`ok`))
}

// truncate truncates a string to the specified length and adds an ellipsis if truncated
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return fmt.Sprintf("%s...", s[:n])
}
