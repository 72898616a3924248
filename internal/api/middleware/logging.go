// logging.go — журнал HTTP-запросов photolibrary через slog.
// Кроме метода и статуса пишет шаблон маршрута, кто выполнил запрос
// (actor из JWT), клиента и пакет загрузки, если запрос их касается.
package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/BlacIP/photolibrary/internal/domain/rbac"
)

// responseWriter — обёртка для перехвата статус-кода и размера ответа.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
	written    int64
}

func newResponseWriter(w http.ResponseWriter) *responseWriter {
	return &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.written += int64(n)
	return n, err
}

// Unwrap нужен http.ResponseController: потоковая выдача ZIP делает Flush.
func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

const contextKeyRequestLog contextKey = "request_log"

// requestLog — данные запроса, которые становятся известны ниже по цепочке:
// actor после JWT и атрибуты, добавленные обработчиком.
type requestLog struct {
	mu    sync.Mutex
	actor *rbac.Actor
	attrs []slog.Attr
}

// Annotate добавляет атрибуты в журнальную запись текущего запроса.
// Вне RequestLogger ничего не делает.
func Annotate(ctx context.Context, attrs ...slog.Attr) {
	rl, ok := ctx.Value(contextKeyRequestLog).(*requestLog)
	if !ok {
		return
	}
	rl.mu.Lock()
	rl.attrs = append(rl.attrs, attrs...)
	rl.mu.Unlock()
}

// withActor кладёт actor в контекст и отмечает его в журнале запроса.
func withActor(ctx context.Context, actor rbac.Actor) context.Context {
	if rl, ok := ctx.Value(contextKeyRequestLog).(*requestLog); ok {
		rl.mu.Lock()
		rl.actor = &actor
		rl.mu.Unlock()
	}
	return context.WithValue(ctx, ContextKeyActor, actor)
}

// URL-параметры маршрутов, которые попадают в журнал.
var loggedParams = []struct{ param, attr string }{
	{"id", "id"},
	{"batchId", "batch_id"},
	{"slug", "slug"},
}

// RequestLogger логирует каждый HTTP-запрос.
// Уровень зависит от статус-кода: INFO (1xx-3xx), WARN (4xx), ERROR (5xx).
func RequestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rl := &requestLog{}
			wrapped := newResponseWriter(w)

			next.ServeHTTP(wrapped, r.WithContext(context.WithValue(r.Context(), contextKeyRequestLog, rl)))

			level := slog.LevelInfo
			switch {
			case wrapped.statusCode >= 500:
				level = slog.LevelError
			case wrapped.statusCode >= 400:
				level = slog.LevelWarn
			}

			attrs := []slog.Attr{
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", wrapped.statusCode),
				slog.Duration("duration", time.Since(start)),
				slog.Int64("bytes", wrapped.written),
				slog.String("remote_addr", r.RemoteAddr),
			}
			attrs = append(attrs, routeAttrs(r.Context())...)

			rl.mu.Lock()
			if rl.actor != nil {
				attrs = append(attrs,
					slog.String("actor", rl.actor.DisplayName()),
					slog.String("role", string(rl.actor.Role)),
				)
			}
			attrs = append(attrs, rl.attrs...)
			rl.mu.Unlock()

			logger.LogAttrs(r.Context(), level, "HTTP запрос", attrs...)
		})
	}
}

// routeAttrs — шаблон маршрута chi и его параметры. {id} в маршрутах
// клиентов пишется как client_id, в остальных — как photo_id.
func routeAttrs(ctx context.Context) []slog.Attr {
	rctx := chi.RouteContext(ctx)
	if rctx == nil {
		return nil
	}
	pattern := rctx.RoutePattern()
	if pattern == "" {
		return nil
	}
	attrs := []slog.Attr{slog.String("route", pattern)}
	for _, p := range loggedParams {
		v := rctx.URLParam(p.param)
		if v == "" {
			continue
		}
		name := p.attr
		if p.param == "id" {
			name = "photo_id"
			if isClientRoute(pattern) {
				name = "client_id"
			}
		}
		attrs = append(attrs, slog.String(name, v))
	}
	return attrs
}

func isClientRoute(pattern string) bool {
	const prefix = "/api/v1/clients/{id}"
	return len(pattern) >= len(prefix) && pattern[:len(prefix)] == prefix
}
