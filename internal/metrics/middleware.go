package metrics

import (
	"net/http"
	"strconv"
	"time"
)

// statusRecorder remembers the status code written by a handler.
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

// Middleware records the status and latency of every response of next
// under the route label path. The collectors for path are bound once so
// serving a request does no label lookups.
func Middleware(next http.Handler, path string) http.Handler {
	duration := HTTPRequestDuration.WithLabelValues(path)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w}
		next.ServeHTTP(rec, r)
		if rec.status == 0 {
			rec.status = http.StatusOK
		}
		duration.Observe(time.Since(start).Seconds())
		HTTPResponses.WithLabelValues(path, strconv.Itoa(rec.status)).Inc()
	})
}
