package server

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	apierrors "github.com/bleepstore/bleepfs/internal/errors"
	"github.com/bleepstore/bleepfs/internal/metrics"
	"github.com/bleepstore/bleepfs/internal/render"
	"github.com/bleepstore/bleepfs/internal/uid"
)

// commonHeaders injects the headers every response carries: a request id,
// Date, and Server.
func commonHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set(render.RequestIDHeader, uid.New()[:16])
		w.Header().Set("Date", render.FormatTimeHTTP(time.Now()))
		w.Header().Set("Server", "bleepfs")
		next.ServeHTTP(w, r)
	})
}

// responseRecorder wraps http.ResponseWriter to capture the HTTP status code
// and the number of bytes written. This is used by the metrics middleware.
type responseRecorder struct {
	http.ResponseWriter
	statusCode   int
	bytesWritten int
	wroteHeader  bool
}

func (rr *responseRecorder) WriteHeader(code int) {
	if !rr.wroteHeader {
		rr.statusCode = code
		rr.wroteHeader = true
	}
	rr.ResponseWriter.WriteHeader(code)
}

func (rr *responseRecorder) Write(b []byte) (int, error) {
	if !rr.wroteHeader {
		rr.statusCode = http.StatusOK
		rr.wroteHeader = true
	}
	n, err := rr.ResponseWriter.Write(b)
	rr.bytesWritten += n
	return n, err
}

// Flush implements http.Flusher if the underlying ResponseWriter supports it.
func (rr *responseRecorder) Flush() {
	if f, ok := rr.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// metricsMiddleware records request count, duration, request size and
// response size. /metrics itself is not instrumented. File content bytes are
// counted by the engine, so only response bytes are added here.
func metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		start := time.Now()
		rec := &responseRecorder{
			ResponseWriter: w,
			statusCode:     http.StatusOK,
		}

		next.ServeHTTP(rec, r)

		duration := time.Since(start).Seconds()
		path := metrics.NormalizePath(r.URL.Path)
		status := strconv.Itoa(rec.statusCode)

		metrics.HTTPRequestsTotal.WithLabelValues(r.Method, path, status).Inc()
		metrics.HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)

		if r.ContentLength > 0 {
			metrics.HTTPRequestSize.WithLabelValues(r.Method, path).Observe(float64(r.ContentLength))
		}
		if rec.bytesWritten > 0 {
			metrics.HTTPResponseSize.WithLabelValues(r.Method, path).Observe(float64(rec.bytesWritten))
			metrics.BytesSentTotal.Add(float64(rec.bytesWritten))
		}
	})
}

// transferEncodingCheck rejects requests with a Transfer-Encoding other than
// chunked.
func transferEncodingCheck(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Go's net/http strips the header for values it understands and
		// moves them to r.TransferEncoding, so check both.
		if te := r.Header.Get("Transfer-Encoding"); te != "" {
			if !strings.EqualFold(strings.TrimSpace(te), "chunked") {
				render.WriteErrorResponse(w, r, apierrors.ErrInvalidArgument.WithMessage("unsupported Transfer-Encoding"))
				return
			}
		}
		for _, enc := range r.TransferEncoding {
			if !strings.EqualFold(enc, "chunked") {
				render.WriteErrorResponse(w, r, apierrors.ErrInvalidArgument.WithMessage("unsupported Transfer-Encoding"))
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}
