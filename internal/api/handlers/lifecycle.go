package handlers

import "net/http"

// RunSweep — POST /api/v1/lifecycle/sweep
// Ручной запуск очистки: архив → корзина, корзина → окончательное удаление.
func (h *APIHandler) RunSweep(w http.ResponseWriter, r *http.Request) {
	a, ok := actor(w, r)
	if !ok {
		return
	}

	result, err := h.svc.Lifecycle.SweepNow(r.Context(), a)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sweepResultToJSON(result))
}
