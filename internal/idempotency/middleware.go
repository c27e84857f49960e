// ABOUTME: HTTP middleware replaying responses for repeated Idempotency-Key requests
// ABOUTME: Keys are scoped to method and path and bound to a fingerprint of the request body

package idempotency

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/2389/dockhand/internal/fault"
	"github.com/2389/dockhand/internal/metrics"
	"github.com/2389/dockhand/internal/protocol"
)

const (
	// maxKeyLength bounds client-supplied keys.
	maxKeyLength = 255

	// MaxBodyBytes bounds the request bodies buffered for fingerprinting.
	MaxBodyBytes = 1 << 20
)

// Middleware wraps handlers so a request carrying an Idempotency-Key runs at
// most once per key. Repeats receive the stored response. A repeat that
// arrives while the first is still running gets 409. Responses with a 5xx
// status are not stored so the client can retry.
func Middleware(s Store, logger *slog.Logger) func(http.Handler) http.Handler {
	logger = logger.With("component", "idempotency")

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			clientKey := r.Header.Get(protocol.HeaderIdempotencyKey)
			if clientKey == "" {
				next.ServeHTTP(w, r)
				return
			}
			if len(clientKey) > maxKeyLength {
				protocol.WriteError(w, fault.Validation("%s must be at most %d characters", protocol.HeaderIdempotencyKey, maxKeyLength))
				return
			}

			body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MaxBodyBytes))
			if err != nil {
				var tooLarge *http.MaxBytesError
				if errors.As(err, &tooLarge) {
					protocol.WriteError(w, fault.Validation("request body exceeds %d bytes", MaxBodyBytes))
					return
				}
				protocol.WriteError(w, fault.Validation("reading request body: %v", err))
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(body))

			key := r.Method + " " + r.URL.Path + " " + clientKey
			fp := fingerprint(body)

			existing, err := s.Begin(r.Context(), key, fp)
			if err != nil {
				logger.Error("idempotency store unavailable", "error", err)
				protocol.WriteError(w, fault.Internal(err, "checking idempotency key"))
				return
			}
			if existing != nil {
				if existing.Fingerprint != fp {
					protocol.WriteError(w, fault.Validation("%s was already used with a different request", protocol.HeaderIdempotencyKey))
					return
				}
				if existing.State == StateLocked {
					protocol.WriteError(w, fault.Conflict("a request with this %s is still in progress", protocol.HeaderIdempotencyKey))
					return
				}
				metrics.IdempotentReplays.Inc()
				logger.Debug("replaying response", "path", r.URL.Path, "status", existing.StatusCode)
				replay(w, existing)
				return
			}

			rec := &recorder{ResponseWriter: w, status: http.StatusOK}
			completed := false
			defer func() {
				if !completed {
					// Handler panicked; free the key before the panic propagates.
					_ = s.Release(context.WithoutCancel(r.Context()), key)
				}
			}()
			next.ServeHTTP(rec, r)
			completed = true

			ctx := context.WithoutCancel(r.Context())
			if rec.status >= http.StatusInternalServerError {
				if err := s.Release(ctx, key); err != nil {
					logger.Warn("releasing idempotency key", "error", err)
				}
				return
			}
			err = s.Complete(ctx, key, &Record{
				Fingerprint: fp,
				StatusCode:  rec.status,
				ContentType: rec.Header().Get("Content-Type"),
				Body:        rec.body.Bytes(),
			})
			if err != nil {
				logger.Warn("storing idempotent response", "error", err)
			}
		})
	}
}

func fingerprint(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}

func replay(w http.ResponseWriter, rec *Record) {
	if rec.ContentType != "" {
		w.Header().Set("Content-Type", rec.ContentType)
	}
	w.Header().Set(protocol.HeaderIdempotentHit, "true")
	w.Header().Set("Content-Length", strconv.Itoa(len(rec.Body)))
	w.WriteHeader(rec.StatusCode)
	_, _ = w.Write(rec.Body)
}

// recorder passes writes through while keeping a copy of the response.
type recorder struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
	body        bytes.Buffer
}

func (r *recorder) WriteHeader(code int) {
	if !r.wroteHeader {
		r.status = code
		r.wroteHeader = true
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *recorder) Write(b []byte) (int, error) {
	if !r.wroteHeader {
		r.WriteHeader(http.StatusOK)
	}
	r.body.Write(b)
	return r.ResponseWriter.Write(b)
}
