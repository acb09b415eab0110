package api

import (
	"bytes"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/switchboard/backend/internal/notify"
)

// corsMiddleware applies the configured origin allowlist. An empty list
// reflects the request origin, which keeps local dashboards working
// without configuration.
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" {
			allowed := len(s.cfg.CORSOrigins) == 0
			for _, o := range s.cfg.CORSOrigins {
				if o == origin {
					allowed = true
					break
				}
			}
			if allowed {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Vary", "Origin")
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Idempotency-Key")
			}
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// rateLimiter enforces per-actor ingress limits with a sliding window
// per key. Windows are garbage-collected in the background.
type rateLimiter struct {
	mu      sync.Mutex
	windows map[string]*limitWindow
	max     int
	window  time.Duration
	logger  *log.Logger
}

type limitWindow struct {
	count int
	start time.Time
}

func newRateLimiter(max int, window time.Duration) *rateLimiter {
	if max <= 0 {
		max = 120
	}
	if window <= 0 {
		window = time.Minute
	}
	rl := &rateLimiter{
		windows: make(map[string]*limitWindow),
		max:     max,
		window:  window,
		logger:  log.New(log.Writer(), "[RATE-LIMIT] ", log.LstdFlags),
	}
	go rl.cleanup()
	return rl
}

func (rl *rateLimiter) allow(key string) bool {
	now := time.Now()
	rl.mu.Lock()
	defer rl.mu.Unlock()

	w, ok := rl.windows[key]
	if !ok || now.Sub(w.start) > rl.window {
		rl.windows[key] = &limitWindow{count: 1, start: now}
		return true
	}
	w.count++
	if w.count > rl.max {
		rl.logger.Printf("🚫 Rate limit exceeded: key=%s count=%d limit=%d", key, w.count, rl.max)
		return false
	}
	return true
}

func (rl *rateLimiter) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Metrics and health probes stay outside the budget.
		if r.URL.Path == "/metrics" || r.URL.Path == "/healthz" {
			next.ServeHTTP(w, r)
			return
		}
		key := r.Header.Get("X-Actor-ID")
		if key == "" {
			key = strings.Split(r.RemoteAddr, ":")[0]
		}
		if !rl.allow(key) {
			retryAfter := int(rl.window.Seconds())
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			w.WriteHeader(http.StatusTooManyRequests)
			w.Write([]byte(`{"status":"rate_limited","error":"rate limit exceeded"}`))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (rl *rateLimiter) cleanup() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for range ticker.C {
		rl.mu.Lock()
		now := time.Now()
		for key, w := range rl.windows {
			if now.Sub(w.start) > 2*rl.window {
				delete(rl.windows, key)
			}
		}
		rl.mu.Unlock()
	}
}

// maxSkew bounds how stale a signed inbound webhook may be.
const maxSkew = 5 * time.Minute

// signatureMiddleware protects the /api/hooks surface: HMAC-SHA256 body
// signature against the internal secret, a timestamp inside the replay
// window, and nonce dedup through the nonce store.
func (s *Server) signatureMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]any{"status": "validation", "error": "unreadable body"})
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(body))

		sig := strings.TrimPrefix(r.Header.Get("X-Switchboard-Signature"), "sha256=")
		if sig == "" || !notify.VerifySignature(body, s.cfg.InternalAPISecret, sig) {
			writeJSON(w, http.StatusForbidden, map[string]any{"status": "forbidden", "error": "invalid signature"})
			return
		}

		ts, err := strconv.ParseInt(r.Header.Get("X-Switchboard-Timestamp"), 10, 64)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]any{"status": "validation", "error": "missing timestamp"})
			return
		}
		if skew := time.Since(time.UnixMilli(ts)); skew > maxSkew || skew < -maxSkew {
			writeJSON(w, http.StatusForbidden, map[string]any{"status": "forbidden", "error": "timestamp outside replay window"})
			return
		}

		nonce := r.Header.Get("X-Switchboard-Nonce")
		if nonce == "" {
			writeJSON(w, http.StatusBadRequest, map[string]any{"status": "validation", "error": "missing nonce"})
			return
		}
		seen, err := s.stores.Nonces.Seen(r.Context(), nonce)
		if err != nil {
			writeError(w, err)
			return
		}
		if seen {
			writeJSON(w, http.StatusForbidden, map[string]any{"status": "forbidden", "error": "nonce replayed"})
			return
		}
		next.ServeHTTP(w, r)
	})
}
