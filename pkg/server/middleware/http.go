// Package middleware carries the HTTP cross-cutting pieces of the
// gateway: auth, rate limiting, request logging and panic recovery.
package middleware

import (
	"net/http"
	"runtime"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// HTTPMiddleware wraps an http.Handler.
type HTTPMiddleware func(http.Handler) http.Handler

// Wrap applies middleware in order; nil entries are skipped.
func Wrap(h http.Handler, middlewares ...HTTPMiddleware) http.Handler {
	handler := h
	for i := len(middlewares) - 1; i >= 0; i-- {
		if middlewares[i] == nil {
			continue
		}
		handler = middlewares[i](handler)
	}
	return handler
}

// APIKeyAuth enforces a shared secret sent via X-API-Key or Bearer token.
// An empty key disables the check.
func APIKeyAuth(key string) HTTPMiddleware {
	secret := strings.TrimSpace(key)
	if secret == "" {
		return nil
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if extractAPIKey(r) != secret {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func extractAPIKey(r *http.Request) string {
	if v := strings.TrimSpace(r.Header.Get("X-API-Key")); v != "" {
		return v
	}
	auth := strings.TrimSpace(r.Header.Get("Authorization"))
	if strings.HasPrefix(strings.ToLower(auth), "bearer ") {
		return strings.TrimSpace(auth[7:])
	}
	return ""
}

// RateLimitOptions configures the shared rate limiter.
type RateLimitOptions struct {
	Requests int
	Window   time.Duration
	// Now is the clock; tests inject a fake one.
	Now func() time.Time
}

// RateLimit enforces a token bucket over all requests. Zero Requests or
// Window disables limiting.
func RateLimit(opts RateLimitOptions) HTTPMiddleware {
	if opts.Requests <= 0 || opts.Window <= 0 {
		return nil
	}
	bucket := newTokenBucket(opts)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !bucket.Allow() {
				http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

type tokenBucket struct {
	mu           sync.Mutex
	capacity     float64
	tokens       float64
	refillPerSec float64
	last         time.Time
	now          func() time.Time
}

func newTokenBucket(opts RateLimitOptions) *tokenBucket {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &tokenBucket{
		capacity:     float64(opts.Requests),
		tokens:       float64(opts.Requests),
		refillPerSec: float64(opts.Requests) / opts.Window.Seconds(),
		last:         now(),
		now:          now,
	}
}

func (t *tokenBucket) Allow() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	elapsed := now.Sub(t.last).Seconds()
	if elapsed > 0 {
		t.tokens += elapsed * t.refillPerSec
		if t.tokens > t.capacity {
			t.tokens = t.capacity
		}
		t.last = now
	}
	if t.tokens < 1 {
		return false
	}
	t.tokens--
	return true
}

// RequestLog records one line per request with the level picked by status
// class: server errors at error, client errors at warn, the rest at info.
func RequestLog(log *zap.Logger) HTTPMiddleware {
	if log == nil {
		return nil
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)

			fields := []zap.Field{
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", rec.status),
				zap.Int64("bytes", rec.bytes),
				zap.Duration("duration", time.Since(start)),
			}
			switch {
			case rec.status >= 500:
				log.Error("request failed", fields...)
			case rec.status >= 400:
				log.Warn("request rejected", fields...)
			default:
				log.Info("request served", fields...)
			}
		})
	}
}

// Recovery turns a handler panic into a 500 instead of tearing down the
// whole server, logging the stack for diagnosis.
func Recovery(log *zap.Logger) HTTPMiddleware {
	if log == nil {
		log = zap.NewNop()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if v := recover(); v != nil {
					stack := make([]byte, 4096)
					stack = stack[:runtime.Stack(stack, false)]
					log.Error("handler panicked",
						zap.Any("panic", v),
						zap.String("path", r.URL.Path),
						zap.ByteString("stack", stack))
					http.Error(w, "internal error", http.StatusInternalServerError)
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int64
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusRecorder) Write(p []byte) (int, error) {
	n, err := s.ResponseWriter.Write(p)
	s.bytes += int64(n)
	return n, err
}
