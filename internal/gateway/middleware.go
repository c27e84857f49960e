// ABOUTME: HTTP plumbing shared by gateway handlers: metrics, JSON decoding, and errors
// ABOUTME: Errors are rendered from fault kinds; 5xx causes are logged, never returned

package gateway

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/2389/dockhand/internal/fault"
	"github.com/2389/dockhand/internal/idempotency"
	"github.com/2389/dockhand/internal/metrics"
	"github.com/2389/dockhand/internal/protocol"
)

// maxBodyBytes bounds request bodies. Compose files are the largest payloads.
const maxBodyBytes = idempotency.MaxBodyBytes

// statusRecorder captures the response status for metrics.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	if r.status == 0 {
		r.status = code
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	return r.ResponseWriter.Write(b)
}

// Hijack lets the WebSocket upgrader take over the connection.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if r.status == 0 {
		r.status = http.StatusSwitchingProtocols
	}
	return http.NewResponseController(r.ResponseWriter).Hijack()
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

// instrument records request counts and latency by route template.
func instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		route := "unmatched"
		if cr := mux.CurrentRoute(r); cr != nil {
			if tmpl, err := cr.GetPathTemplate(); err == nil {
				route = tmpl
			}
		}

		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w}
		next.ServeHTTP(rec, r)
		if rec.status == 0 {
			rec.status = http.StatusOK
		}

		metrics.HTTPRequests.WithLabelValues(route, r.Method, strconv.Itoa(rec.status)).Inc()
		metrics.HTTPDuration.WithLabelValues(route, r.Method).Observe(time.Since(start).Seconds())
	})
}

// sendJSONError writes err as a JSON error response. Internal causes are logged.
func (g *Gateway) sendJSONError(w http.ResponseWriter, r *http.Request, err error) {
	if fault.HTTPStatus(err) >= http.StatusInternalServerError {
		g.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	}
	protocol.WriteError(w, err)
}

// sendRateLimited writes a 429 with a jittered Retry-After of one or two seconds.
func (g *Gateway) sendRateLimited(w http.ResponseWriter) {
	w.Header().Set("Retry-After", strconv.Itoa(1+rand.IntN(2)))
	protocol.WriteJSON(w, http.StatusTooManyRequests, protocol.ErrorResponse{
		Success: false,
		Error:   "too many requests",
		Code:    "rate_limited",
	})
}

func (g *Gateway) handleNotFound(w http.ResponseWriter, r *http.Request) {
	protocol.WriteError(w, fault.NotFound("no route for %s %s", r.Method, r.URL.Path))
}

func (g *Gateway) handleMethodNotAllowed(w http.ResponseWriter, r *http.Request) {
	protocol.WriteJSON(w, http.StatusMethodNotAllowed, protocol.ErrorResponse{
		Success: false,
		Error:   fmt.Sprintf("method %s not allowed", r.Method),
		Code:    "method_not_allowed",
	})
}

// decodeJSON decodes a request body into v. An empty body leaves v at its
// zero value when allowEmpty is set.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any, allowEmpty bool) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) && allowEmpty {
			return nil
		}
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return fault.Validation("request body exceeds %d bytes", maxBodyBytes)
		}
		return fault.Validation("invalid JSON body: %v", err)
	}
	return nil
}
