// photos.go — обработчики фотографий: пакетная загрузка (синхронная и
// асинхронная с опросом прогресса), прямая загрузка по подписи и удаление.
package handlers

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"mime/multipart"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	apierrors "github.com/BlacIP/photolibrary/internal/api/errors"
	"github.com/BlacIP/photolibrary/internal/api/middleware"
	"github.com/BlacIP/photolibrary/internal/service"
)

// uploadFormField — имя поля multipart с файлами.
const uploadFormField = "files"

type recordPhotoRequest struct {
	StorageID string `json:"storageId"`
	Filename  string `json:"filename"`
}

// UploadPhotos — POST /api/v1/clients/{id}/photos (multipart, поле files).
// ?async=true — пакет выполняется в фоне, ответ 202 с адресом прогресса.
// Частичная неудача не является ошибкой запроса: итог каждого файла в ответе.
func (h *APIHandler) UploadPhotos(w http.ResponseWriter, r *http.Request) {
	a, ok := actor(w, r)
	if !ok {
		return
	}
	clientID := chi.URLParam(r, "id")

	files, err := h.readFiles(w, r)
	if err != nil {
		apierrors.ValidationError(w, err.Error())
		return
	}

	async, _ := strconv.ParseBool(r.URL.Query().Get("async"))
	if !async {
		result, err := h.svc.Uploads.Submit(r.Context(), clientID, a, files)
		if err != nil {
			h.fail(w, err)
			return
		}
		middleware.Annotate(r.Context(),
			slog.String("batch_id", result.BatchID),
			slog.Int("files", len(files)),
			slog.Int("failed", result.Failed),
		)
		writeJSON(w, http.StatusOK, batchResultToJSON(result))
		return
	}

	b, err := h.svc.Uploads.Prepare(r.Context(), clientID, a, files)
	if err != nil {
		h.fail(w, err)
		return
	}
	h.svc.Tracker.Add(b)
	h.svc.Uploads.RunAsync(b)
	middleware.Annotate(r.Context(),
		slog.String("batch_id", b.ID),
		slog.Int("files", len(files)),
		slog.Bool("async", true),
	)

	statusURL := "/api/v1/uploads/" + b.ID
	w.Header().Set("Location", statusURL)
	writeJSON(w, http.StatusAccepted, batchAcceptedJSON{
		BatchID:   b.ID,
		ClientID:  b.ClientID,
		Total:     b.Progress().Total,
		Rejected:  rejectionsToJSON(b.Rejected()),
		StatusURL: statusURL,
	})
}

// readFiles читает части multipart потоком. Содержимое файла читается не
// больше лимита: у слишком большого файла сохраняется только размер, и он
// будет отклонён при подготовке пакета.
func (h *APIHandler) readFiles(w http.ResponseWriter, r *http.Request) ([]service.FileInput, error) {
	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil || mediaType != "multipart/form-data" {
		return nil, errors.New("ожидается multipart/form-data")
	}
	if h.limits.MaxFiles > 0 {
		maxBody := int64(h.limits.MaxFiles+1)*(h.limits.MaxFileSize+multipartOverhead) + multipartOverhead
		r.Body = http.MaxBytesReader(w, r.Body, maxBody)
	}

	mr, err := r.MultipartReader()
	if err != nil {
		return nil, fmt.Errorf("разбор multipart: %w", err)
	}

	var files []service.FileInput
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("разбор multipart: %w", err)
		}
		if part.FormName() != uploadFormField || part.FileName() == "" {
			_ = part.Close()
			continue
		}
		f, err := h.readPart(part)
		_ = part.Close()
		if err != nil {
			return nil, err
		}
		files = append(files, f)
	}
	return files, nil
}

func (h *APIHandler) readPart(part *multipart.Part) (service.FileInput, error) {
	f := service.FileInput{Name: part.FileName()}

	data, err := io.ReadAll(io.LimitReader(part, h.limits.MaxFileSize+1))
	if err != nil {
		return f, fmt.Errorf("чтение файла %s: %w", f.Name, err)
	}
	if int64(len(data)) <= h.limits.MaxFileSize {
		f.Data = data
		f.Size = int64(len(data))
		return f, nil
	}

	// Дочитываем остаток только ради размера в сообщении об отказе
	rest, err := io.Copy(io.Discard, part)
	if err != nil {
		return f, fmt.Errorf("чтение файла %s: %w", f.Name, err)
	}
	f.Size = int64(len(data)) + rest
	return f, nil
}

// GetUploadBatch — GET /api/v1/uploads/{batchId}
func (h *APIHandler) GetUploadBatch(w http.ResponseWriter, r *http.Request) {
	if _, ok := actor(w, r); !ok {
		return
	}

	b, ok := h.svc.Tracker.Get(chi.URLParam(r, "batchId"))
	if !ok {
		apierrors.NotFound(w, "Пакет загрузки не найден или устарел")
		return
	}

	p := b.Progress()
	resp := batchStatusJSON{
		BatchID:   b.ID,
		ClientID:  b.ClientID,
		Total:     p.Total,
		Completed: p.Completed,
		Succeeded: p.Succeeded,
		Failed:    p.Failed,
		Done:      p.Done,
	}
	if result, done := b.Result(); done {
		resp.Result = batchResultToJSON(result)
	}
	writeJSON(w, http.StatusOK, resp)
}

// ListPhotos — GET /api/v1/clients/{id}/photos
func (h *APIHandler) ListPhotos(w http.ResponseWriter, r *http.Request) {
	if _, ok := actor(w, r); !ok {
		return
	}

	photos, err := h.svc.Media.ListPhotos(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, photosToJSON(photos))
}

// IssueUploadSignature — POST /api/v1/clients/{id}/upload-signature
func (h *APIHandler) IssueUploadSignature(w http.ResponseWriter, r *http.Request) {
	a, ok := actor(w, r)
	if !ok {
		return
	}

	sig, err := h.svc.Media.IssueSignedUpload(r.Context(), chi.URLParam(r, "id"), a)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, signedUploadToJSON(sig))
}

// RecordPhoto — POST /api/v1/clients/{id}/photos/record
// Сохраняет запись о файле, загруженном напрямую в хранилище.
func (h *APIHandler) RecordPhoto(w http.ResponseWriter, r *http.Request) {
	a, ok := actor(w, r)
	if !ok {
		return
	}

	var req recordPhotoRequest
	if err := decodeJSON(w, r, &req); err != nil {
		apierrors.ValidationError(w, err.Error())
		return
	}
	if req.StorageID == "" {
		apierrors.ValidationError(w, "storageId обязателен")
		return
	}

	p, err := h.svc.Media.SaveDirectUpload(r.Context(), chi.URLParam(r, "id"), req.StorageID, req.Filename, a)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, photoToJSON(p))
}

// DeletePhoto — DELETE /api/v1/photos/{id}
func (h *APIHandler) DeletePhoto(w http.ResponseWriter, r *http.Request) {
	a, ok := actor(w, r)
	if !ok {
		return
	}

	if err := h.svc.Media.DeleteMedia(r.Context(), chi.URLParam(r, "id"), a); err != nil {
		h.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
