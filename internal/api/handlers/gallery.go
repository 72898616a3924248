// gallery.go — публичная галерея клиента (без аутентификации),
// скачивание отдельного фото и выгрузка всех фото одним ZIP-архивом.
package handlers

import (
	"io"
	"log/slog"
	"mime"
	"net/http"

	"github.com/go-chi/chi/v5"

	apierrors "github.com/BlacIP/photolibrary/internal/api/errors"
)

// GetGallery — GET /api/v1/gallery/{slug}
// Для неактивного клиента available=false и пустой список фото.
func (h *APIHandler) GetGallery(w http.ResponseWriter, r *http.Request) {
	g, err := h.svc.Clients.Gallery(r.Context(), chi.URLParam(r, "slug"))
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, galleryToJSON(g))
}

// DownloadGallery — GET /api/v1/gallery/{slug}/download
// Архив пишется потоком; после начала ответа ошибка только логируется.
func (h *APIHandler) DownloadGallery(w http.ResponseWriter, r *http.Request) {
	archive, err := h.svc.Clients.Archive(r.Context(), chi.URLParam(r, "slug"))
	if err != nil {
		h.fail(w, err)
		return
	}
	if len(archive.Photos) == 0 {
		apierrors.NotFound(w, "В галерее нет фотографий")
		return
	}

	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{
		"filename": archive.Filename,
	}))
	w.WriteHeader(http.StatusOK)

	n, err := h.svc.Clients.WriteArchive(r.Context(), archive, w)
	if err != nil {
		h.logger.Error("Ошибка выгрузки архива галереи",
			slog.String("filename", archive.Filename),
			slog.Int("written", n),
			slog.String("error", err.Error()),
		)
	}
}

// DownloadGalleryPhoto — GET /api/v1/gallery/{slug}/photos/{id}/download
// Отдаёт одно фото вложением под исходным именем файла.
func (h *APIHandler) DownloadGalleryPhoto(w http.ResponseWriter, r *http.Request) {
	gp, err := h.svc.Clients.OpenGalleryPhoto(r.Context(), chi.URLParam(r, "slug"), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, err)
		return
	}
	defer gp.Body.Close()

	contentType := gp.Photo.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	filename := gp.Photo.Filename
	if filename == "" {
		filename = "photo.jpg"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{
		"filename": filename,
	}))
	w.WriteHeader(http.StatusOK)

	if _, err := io.Copy(w, gp.Body); err != nil {
		h.logger.Warn("Обрыв выдачи фото галереи",
			slog.String("photo_id", gp.Photo.ID),
			slog.String("storage_id", gp.Photo.StorageID),
			slog.String("error", err.Error()),
		)
	}
}
