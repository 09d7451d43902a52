// Package ingress builds the authenticated, rate-limited, size-bounded
// HTTP surface: a chi router with a middleware chain mounted in the exact
// order request-id, body-size limit, rate limit, HMAC verify, delivery-id
// requirement.
package ingress

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"hash"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

type ctxKey int

const (
	ctxKeyRequestID ctxKey = iota
	ctxKeyDeliveryID
)

// RequestID mints or propagates X-Request-Id, stamping it on the request
// context and the response header.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-Id")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-Id", id)
		ctx := context.WithValue(r.Context(), ctxKeyRequestID, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequestIDFromContext returns the request id stamped by RequestID, or ""
// if absent (e.g. in a unit test that doesn't run the middleware chain).
func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(ctxKeyRequestID).(string)
	return id
}

// DeliveryIDFromContext returns the delivery id captured by
// DeliveryIDRequired, or "" if none was captured.
func DeliveryIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(ctxKeyDeliveryID).(string)
	return id
}

func withDeliveryID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKeyDeliveryID, id)
}

// writeDetail writes the canonical {"detail": "<slug>"} error body.
func writeDetail(w http.ResponseWriter, status int, slug string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"detail": slug})
}

// BodySizeLimit streams-counts bytes during read and rejects bodies over
// maxBytes with 413, honouring an advisory Content-Length pre-check too.
func BodySizeLimit(maxBytes int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.ContentLength > maxBytes {
				writeDetail(w, http.StatusRequestEntityTooLarge, "request_too_large")
				return
			}
			r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
			next.ServeHTTP(w, r)
		})
	}
}

// KeyFunc extracts the rate-limit identity from a request. The default is
// the direct peer address; callers may configure a trusted-header
// extractor (e.g. X-Forwarded-For).
type KeyFunc func(r *http.Request) string

// RemoteAddrKey is the default KeyFunc.
func RemoteAddrKey(r *http.Request) string {
	return r.RemoteAddr
}

// TrustedHeaderKey builds a KeyFunc that reads a specific header, falling
// back to the remote address if absent. Only use this when the header is
// set by a trusted reverse proxy.
func TrustedHeaderKey(header string) KeyFunc {
	return func(r *http.Request) string {
		if v := r.Header.Get(header); v != "" {
			return strings.TrimSpace(strings.Split(v, ",")[0])
		}
		return r.RemoteAddr
	}
}

// limiterStore holds one token bucket per key, using golang.org/x/time/rate.
type limiterStore struct {
	limit rate.Limit
	burst int

	limiters map[string]*rate.Limiter
}

func newLimiterStore(requestsPerSecond float64, burst int) *limiterStore {
	return &limiterStore{
		limit:    rate.Limit(requestsPerSecond),
		burst:    burst,
		limiters: make(map[string]*rate.Limiter),
	}
}

func (s *limiterStore) get(key string) *rate.Limiter {
	if l, ok := s.limiters[key]; ok {
		return l
	}
	l := rate.NewLimiter(s.limit, s.burst)
	s.limiters[key] = l
	return l
}

// RateLimit builds a token-bucket middleware keyed by keyFn. Over the
// limit responds 429.
func RateLimit(requestsPerSecond float64, burst int, keyFn KeyFunc) func(http.Handler) http.Handler {
	store := newLimiterStore(requestsPerSecond, burst)
	var mu sync.Mutex
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := keyFn(r)
			mu.Lock()
			limiter := store.get(key)
			mu.Unlock()

			if !limiter.Allow() {
				writeDetail(w, http.StatusTooManyRequests, "rate_limited")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// HMACConfig configures signature verification.
type HMACConfig struct {
	Secret        string
	AllowUnsigned bool
}

// HMACVerify reads the raw body (bounded by the preceding BodySizeLimit),
// computes HMAC over those exact bytes using the algorithm named in the
// signature header, compares in constant time, and replays the body
// downstream. Only applied to the ingest routes.
func HMACVerify(cfg HMACConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			body, err := io.ReadAll(r.Body)
			if err != nil {
				var tooLarge *http.MaxBytesError
				if errors.As(err, &tooLarge) {
					writeDetail(w, http.StatusRequestEntityTooLarge, "request_too_large")
					return
				}
				// Client disconnect mid-read: drain whatever remains, then 403.
				io.Copy(io.Discard, r.Body)
				writeDetail(w, http.StatusForbidden, "forbidden")
				return
			}

			if cfg.Secret == "" {
				if cfg.AllowUnsigned {
					r.Body = io.NopCloser(bytes.NewReader(body))
					next.ServeHTTP(w, r)
					return
				}
				writeDetail(w, http.StatusServiceUnavailable, "webhook_auth_not_configured")
				return
			}

			sigHeader := r.Header.Get("X-Hub-Signature")
			if !verifySignature(sigHeader, cfg.Secret, body) {
				writeDetail(w, http.StatusForbidden, "forbidden")
				return
			}

			r.Body = io.NopCloser(bytes.NewReader(body))
			next.ServeHTTP(w, r)
		})
	}
}

func verifySignature(header, secret string, body []byte) bool {
	algo, hexSig, ok := strings.Cut(header, "=")
	if !ok || hexSig == "" {
		return false
	}

	sig, err := hex.DecodeString(hexSig)
	if err != nil {
		return false
	}

	var mac hash.Hash
	switch strings.ToLower(algo) {
	case "sha1":
		mac = hmac.New(sha1.New, []byte(secret))
	case "sha256":
		mac = hmac.New(sha256.New, []byte(secret))
	default:
		return false
	}
	mac.Write(body)
	expected := mac.Sum(nil)
	return hmac.Equal(expected, sig)
}

// DeliveryIDRequired rejects requests missing X-Delivery-Id with 400 when
// enabled. When the header is present it is captured into the context for
// downstream idempotency handling.
func DeliveryIDRequired(required bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := r.Header.Get("X-Delivery-Id")
			if required && id == "" {
				writeDetail(w, http.StatusBadRequest, "missing_delivery_id")
				return
			}
			ctx := withDeliveryID(r.Context(), id)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// Recoverer re-exports chi's panic recovery middleware so callers don't
// need a second import for the standard stack.
var Recoverer = middleware.Recoverer
