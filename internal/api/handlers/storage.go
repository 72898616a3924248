// storage.go — учёт места и обслуживание хранилища: отчёт,
// заполнение размеров и сверка объектов с базой.
package handlers

import (
	"net/http"

	apierrors "github.com/BlacIP/photolibrary/internal/api/errors"
)

// GetStorageReport — GET /api/v1/storage/report
// Ошибка внешнего хранилища не прерывает отчёт, а попадает в externalError.
func (h *APIHandler) GetStorageReport(w http.ResponseWriter, r *http.Request) {
	a, ok := actor(w, r)
	if !ok {
		return
	}

	report, err := h.svc.Accountant.Report(r.Context(), a)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, storageReportToJSON(report))
}

// BackfillSizes — POST /api/v1/storage/backfill-sizes
func (h *APIHandler) BackfillSizes(w http.ResponseWriter, r *http.Request) {
	a, ok := actor(w, r)
	if !ok {
		return
	}

	result, err := h.svc.Backfill.Backfill(r.Context(), a)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, backfillJSON{
		Scanned: result.Scanned,
		Updated: result.Updated,
		Failed:  result.Failed,
	})
}

// RunReconcile — POST /api/v1/storage/reconcile
// Расхождения возвращаются в теле со статусом 200: сверка выполнена успешно.
func (h *APIHandler) RunReconcile(w http.ResponseWriter, r *http.Request) {
	a, ok := actor(w, r)
	if !ok {
		return
	}

	report, skipped, err := h.svc.Reconcile.Reconcile(r.Context(), a)
	if err != nil {
		h.fail(w, err)
		return
	}
	if skipped {
		apierrors.WriteError(w, http.StatusConflict, apierrors.CodeConflict, "Сверка уже выполняется")
		return
	}
	writeJSON(w, http.StatusOK, reconcileToJSON(report))
}
