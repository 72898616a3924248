// handler.go — основной обработчик API photolibrary.
// Объединяет доменные обработчики и делегирует запросы в сервисный слой.
package handlers

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	apierrors "github.com/BlacIP/photolibrary/internal/api/errors"
	"github.com/BlacIP/photolibrary/internal/api/middleware"
	"github.com/BlacIP/photolibrary/internal/domain/rbac"
	"github.com/BlacIP/photolibrary/internal/objectstore"
	"github.com/BlacIP/photolibrary/internal/service"
)

// Ограничения тела запросов.
const (
	maxJSONBody = 1 << 20
	// multipartOverhead — запас на заголовки частей multipart сверх размеров файлов
	multipartOverhead = 1 << 20
)

// Services — сервисы, которые обслуживает API.
type Services struct {
	Clients    *service.ClientService
	Media      *service.MediaService
	Uploads    *service.UploadCoordinator
	Tracker    *service.UploadTracker
	Lifecycle  *service.LifecycleService
	Accountant *service.StorageAccountant
	Backfill   *service.BackfillService
	Reconcile  *service.ReconcileService
	// LocalStore — локальный бэкенд; nil для S3 (маршруты /media не регистрируются)
	LocalStore *objectstore.LocalStore
}

// UploadLimits — лимиты разбора multipart-загрузки.
type UploadLimits struct {
	MaxFileSize int64
	MaxFiles    int
}

// APIHandler — основной обработчик API photolibrary.
type APIHandler struct {
	health *HealthHandler
	svc    Services
	limits UploadLimits
	logger *slog.Logger
}

// NewAPIHandler создаёт основной обработчик API.
func NewAPIHandler(health *HealthHandler, svc Services, limits UploadLimits, logger *slog.Logger) *APIHandler {
	return &APIHandler{
		health: health,
		svc:    svc,
		limits: limits,
		logger: logger.With(slog.String("component", "api_handler")),
	}
}

// Routes регистрирует все маршруты API на router.
func (h *APIHandler) Routes(r chi.Router) {
	r.Get("/health/live", h.health.HealthLive)
	r.Get("/health/ready", h.health.HealthReady)
	r.Get("/metrics", h.health.GetMetrics)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/clients", h.ListClients)
		r.Post("/clients", h.CreateClient)
		r.Get("/clients/{id}", h.GetClient)
		r.Patch("/clients/{id}", h.UpdateClient)
		r.Put("/clients/{id}/status", h.SetClientStatus)
		r.Get("/clients/{id}/photos", h.ListPhotos)
		r.Post("/clients/{id}/photos", h.UploadPhotos)
		r.Post("/clients/{id}/photos/record", h.RecordPhoto)
		r.Post("/clients/{id}/upload-signature", h.IssueUploadSignature)

		r.Get("/uploads/{batchId}", h.GetUploadBatch)
		r.Delete("/photos/{id}", h.DeletePhoto)

		r.Post("/lifecycle/sweep", h.RunSweep)

		r.Get("/storage/report", h.GetStorageReport)
		r.Post("/storage/backfill-sizes", h.BackfillSizes)
		r.Post("/storage/reconcile", h.RunReconcile)

		r.Get("/gallery/{slug}", h.GetGallery)
		r.Get("/gallery/{slug}/download", h.DownloadGallery)
		r.Get("/gallery/{slug}/photos/{id}/download", h.DownloadGalleryPhoto)
	})

	if h.svc.LocalStore != nil {
		r.Get("/media/*", h.ServeMedia)
		r.Put("/media/*", h.PutMedia)
	}
}

// --- Вспомогательные функции ---

// writeJSON записывает JSON-ответ с указанным статусом.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// decodeJSON читает тело запроса в dst. Неизвестные поля запрещены.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxJSONBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("некорректное тело запроса: %w", err)
	}
	return nil
}

// actor возвращает пользователя из контекста. Если JWT middleware не
// отработал, отвечает 401 и возвращает false.
func actor(w http.ResponseWriter, r *http.Request) (rbac.Actor, bool) {
	a, ok := middleware.ActorFromContext(r.Context())
	if !ok {
		apierrors.Unauthorized(w, "Требуется аутентификация")
	}
	return a, ok
}

// fail переводит ошибку сервиса в HTTP-ответ.
func (h *APIHandler) fail(w http.ResponseWriter, err error) {
	apierrors.FromService(w, h.logger, err)
}

// paginationDefaults нормализует параметры пагинации.
// limit по умолчанию 100, не больше 1000; offset не меньше 0.
func paginationDefaults(limit *int, offset *int) (int, int) {
	l := 100
	o := 0

	if limit != nil {
		l = *limit
		if l < 1 {
			l = 1
		}
		if l > 1000 {
			l = 1000
		}
	}
	if offset != nil {
		o = *offset
		if o < 0 {
			o = 0
		}
	}
	return l, o
}

// queryInt читает целочисленный query-параметр. nil — параметр не задан.
func queryInt(r *http.Request, name string) (*int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return nil, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return nil, fmt.Errorf("параметр %s: ожидается целое число", name)
	}
	return &v, nil
}
