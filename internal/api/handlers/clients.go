// clients.go — обработчики клиентов: список, создание, карточка,
// изменение и смена статуса жизненного цикла.
package handlers

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	apierrors "github.com/BlacIP/photolibrary/internal/api/errors"
	"github.com/BlacIP/photolibrary/internal/domain/lifecycle"
	"github.com/BlacIP/photolibrary/internal/domain/model"
	"github.com/BlacIP/photolibrary/internal/repository"
	"github.com/BlacIP/photolibrary/internal/service"
)

type createClientRequest struct {
	Name       string  `json:"name"`
	EventDate  *string `json:"eventDate"`
	Subheading *string `json:"subheading"`
}

type updateClientRequest struct {
	Name             *string          `json:"name"`
	EventDate        *string          `json:"eventDate"`
	ClearEventDate   bool             `json:"clearEventDate"`
	Subheading       *string          `json:"subheading"`
	HeaderMedia      *headerMediaJSON `json:"headerMedia"`
	ClearHeaderMedia bool             `json:"clearHeaderMedia"`
}

type setStatusRequest struct {
	Status  string `json:"status"`
	Confirm bool   `json:"confirm"`
}

// ListClients — GET /api/v1/clients?status=&search=&limit=&offset=
func (h *APIHandler) ListClients(w http.ResponseWriter, r *http.Request) {
	if _, ok := actor(w, r); !ok {
		return
	}

	var filters repository.ClientListFilters
	if raw := r.URL.Query().Get("status"); raw != "" {
		st, err := lifecycle.ParseStatus(raw)
		if err != nil || !lifecycle.IsStored(st) {
			apierrors.ValidationError(w, "параметр status: допустимые ACTIVE, ARCHIVED, DELETED")
			return
		}
		filters.Status = &st
	}
	if search := strings.TrimSpace(r.URL.Query().Get("search")); search != "" {
		filters.Search = &search
	}

	limitParam, err := queryInt(r, "limit")
	if err != nil {
		apierrors.ValidationError(w, err.Error())
		return
	}
	offsetParam, err := queryInt(r, "offset")
	if err != nil {
		apierrors.ValidationError(w, err.Error())
		return
	}
	limit, offset := paginationDefaults(limitParam, offsetParam)

	items, total, err := h.svc.Clients.List(r.Context(), filters, limit, offset)
	if err != nil {
		h.fail(w, err)
		return
	}

	resp := clientListJSON{
		Items:  make([]clientJSON, 0, len(items)),
		Total:  total,
		Limit:  limit,
		Offset: offset,
	}
	for _, c := range items {
		resp.Items = append(resp.Items, summaryToJSON(c))
	}
	writeJSON(w, http.StatusOK, resp)
}

// CreateClient — POST /api/v1/clients
func (h *APIHandler) CreateClient(w http.ResponseWriter, r *http.Request) {
	a, ok := actor(w, r)
	if !ok {
		return
	}

	var req createClientRequest
	if err := decodeJSON(w, r, &req); err != nil {
		apierrors.ValidationError(w, err.Error())
		return
	}
	eventDate, err := parseDate(req.EventDate)
	if err != nil {
		apierrors.ValidationError(w, err.Error())
		return
	}

	c, err := h.svc.Clients.Create(r.Context(), a, service.ClientInput{
		Name:       req.Name,
		EventDate:  eventDate,
		Subheading: req.Subheading,
	})
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, clientToJSON(c))
}

// GetClient — GET /api/v1/clients/{id}
func (h *APIHandler) GetClient(w http.ResponseWriter, r *http.Request) {
	if _, ok := actor(w, r); !ok {
		return
	}

	detail, err := h.svc.Clients.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, clientDetailJSON{
		clientJSON: clientToJSON(detail.Client),
		Photos:     photosToJSON(detail.Photos),
	})
}

// UpdateClient — PATCH /api/v1/clients/{id}
func (h *APIHandler) UpdateClient(w http.ResponseWriter, r *http.Request) {
	a, ok := actor(w, r)
	if !ok {
		return
	}

	var req updateClientRequest
	if err := decodeJSON(w, r, &req); err != nil {
		apierrors.ValidationError(w, err.Error())
		return
	}
	eventDate, err := parseDate(req.EventDate)
	if err != nil {
		apierrors.ValidationError(w, err.Error())
		return
	}

	patch := service.ClientPatch{
		Name:        req.Name,
		EventDate:   eventDate,
		ClearDate:   req.ClearEventDate,
		Subheading:  req.Subheading,
		ClearHeader: req.ClearHeaderMedia,
	}
	if req.HeaderMedia != nil {
		patch.HeaderMedia = &model.HeaderMedia{
			URL:  req.HeaderMedia.URL,
			Kind: model.HeaderMediaKind(req.HeaderMedia.Kind),
		}
	}

	c, err := h.svc.Clients.Update(r.Context(), a, chi.URLParam(r, "id"), patch)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, clientToJSON(c))
}

// SetClientStatus — PUT /api/v1/clients/{id}/status
// Переход в PURGED необратим и требует confirm: true.
func (h *APIHandler) SetClientStatus(w http.ResponseWriter, r *http.Request) {
	a, ok := actor(w, r)
	if !ok {
		return
	}

	var req setStatusRequest
	if err := decodeJSON(w, r, &req); err != nil {
		apierrors.ValidationError(w, err.Error())
		return
	}
	target, err := lifecycle.ParseStatus(req.Status)
	if err != nil {
		apierrors.ValidationError(w, err.Error())
		return
	}
	change, err := h.svc.Lifecycle.SetStatus(r.Context(), chi.URLParam(r, "id"), target, req.Confirm, a)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, statusChangeToJSON(change))
}

// parseDate разбирает дату события в формате YYYY-MM-DD.
func parseDate(s *string) (*time.Time, error) {
	if s == nil || strings.TrimSpace(*s) == "" {
		return nil, nil
	}
	t, err := time.Parse(dateLayout, strings.TrimSpace(*s))
	if err != nil {
		return nil, fmt.Errorf("eventDate: ожидается дата в формате YYYY-MM-DD, получено %q", *s)
	}
	return &t, nil
}
