// media.go — раздача и приём файлов локального бэкенда хранилища.
// PUT принимает только запросы с действующей подписью прямой загрузки.
package handlers

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	apierrors "github.com/BlacIP/photolibrary/internal/api/errors"
	"github.com/BlacIP/photolibrary/internal/objectstore"
)

// ServeMedia — GET /media/{key}
func (h *APIHandler) ServeMedia(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "*")

	info, err := h.svc.LocalStore.Stat(r.Context(), key)
	if err != nil {
		h.mediaError(w, err)
		return
	}
	rc, err := h.svc.LocalStore.Open(r.Context(), key)
	if err != nil {
		h.mediaError(w, err)
		return
	}
	defer rc.Close()

	if info.ContentType != "" {
		w.Header().Set("Content-Type", info.ContentType)
	}
	w.Header().Set("Cache-Control", "public, max-age=86400")
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, rc); err != nil {
		h.logger.Warn("Обрыв выдачи файла",
			slog.String("storage_id", key),
			slog.String("error", err.Error()),
		)
	}
}

// PutMedia — PUT /media/{key}?expires=&signature=
// Тело ограничено MaxFileSize: больший объект получает 413.
func (h *APIHandler) PutMedia(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "*")
	q := r.URL.Query()

	if h.limits.MaxFileSize > 0 {
		if r.ContentLength > h.limits.MaxFileSize {
			h.tooLarge(w, key, r.ContentLength)
			return
		}
		r.Body = http.MaxBytesReader(w, r.Body, h.limits.MaxFileSize)
	}

	obj, err := h.svc.LocalStore.PutSigned(r.Context(), key, q.Get("expires"), q.Get("signature"), r.Body, r.ContentLength)
	if err != nil {
		var maxErr *http.MaxBytesError
		switch {
		case errors.Is(err, objectstore.ErrInvalidInput):
			apierrors.Forbidden(w, err.Error())
		case errors.As(err, &maxErr), errors.Is(err, objectstore.ErrTooLarge):
			h.tooLarge(w, key, r.ContentLength)
		case errors.Is(err, objectstore.ErrAlreadyExists):
			apierrors.WriteError(w, http.StatusConflict, apierrors.CodeConflict, "подпись уже использована")
		default:
			h.mediaError(w, err)
		}
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"storageId": obj.StorageID,
		"url":       obj.URL,
		"sizeBytes": obj.SizeBytes,
	})
}

func (h *APIHandler) tooLarge(w http.ResponseWriter, key string, size int64) {
	h.logger.Info("Прямая загрузка отклонена: превышен размер",
		slog.String("storage_id", key),
		slog.Int64("content_length", size),
		slog.Int64("limit", h.limits.MaxFileSize),
	)
	apierrors.WriteError(w, http.StatusRequestEntityTooLarge, apierrors.CodePolicyViolation,
		fmt.Sprintf("файл превышает максимальный размер (%d байт)", h.limits.MaxFileSize))
}

func (h *APIHandler) mediaError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, objectstore.ErrNotFound):
		apierrors.NotFound(w, "Файл не найден")
	case errors.Is(err, objectstore.ErrInvalidInput):
		apierrors.ValidationError(w, err.Error())
	case errors.Is(err, objectstore.ErrQuotaExceeded):
		apierrors.WriteError(w, http.StatusInsufficientStorage, apierrors.CodeQuotaExceeded, err.Error())
	default:
		h.logger.Error("Ошибка локального хранилища", slog.String("error", err.Error()))
		apierrors.InternalError(w, "внутренняя ошибка сервера")
	}
}
