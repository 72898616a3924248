// metrics.go — Prometheus HTTP метрики photolibrary:
// pl_http_requests_total, pl_http_request_duration_seconds.
package middleware

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pl_http_requests_total",
			Help: "Общее количество HTTP-запросов к photolibrary",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pl_http_request_duration_seconds",
			Help:    "Длительность HTTP-запросов к photolibrary в секундах",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)
)

// MetricsMiddleware собирает количество и длительность запросов по endpoint.
func MetricsMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			path := normalizePath(r.URL.Path)

			wrapped := newResponseWriter(w)
			next.ServeHTTP(wrapped, r)

			httpRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.statusCode)).Inc()
			httpRequestDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
		})
	}
}

// normalizePath заменяет идентификаторы в пути на шаблоны, чтобы
// не раздувать кардинальность метрик.
// /api/v1/clients/a1b2c3d4-.../photos → /api/v1/clients/{id}/photos
// /api/v1/gallery/summer-wedding-k3x9a → /api/v1/gallery/{slug}
// /media/photolibrary/... → /media/{key}
func normalizePath(path string) string {
	if strings.HasPrefix(path, "/media/") {
		return "/media/{key}"
	}

	segments := strings.Split(path, "/")
	for i, seg := range segments {
		switch {
		case i > 0 && segments[i-1] == "gallery" && seg != "":
			segments[i] = "{slug}"
		case i > 0 && segments[i-1] == "uploads" && seg != "":
			segments[i] = "{batchId}"
		case isUUID(seg):
			segments[i] = "{id}"
		}
	}
	return strings.Join(segments, "/")
}

func isUUID(s string) bool {
	if len(s) != 36 {
		return false
	}
	_, err := uuid.Parse(s)
	return err == nil
}
