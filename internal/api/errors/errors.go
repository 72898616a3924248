// Пакет errors — единый формат ошибок HTTP API photolibrary.
// Формат: {"error": {"code": "...", "message": "...", "details": ...}}.
// Все HTTP-ответы с ошибками должны использовать WriteError или FromService.
package errors

import (
	"encoding/json"
	stderrors "errors"
	"log/slog"
	"net/http"

	"github.com/BlacIP/photolibrary/internal/domain/lifecycle"
	"github.com/BlacIP/photolibrary/internal/service"
)

// Машиночитаемые коды ошибок.
const (
	CodeValidationError      = "VALIDATION_ERROR"
	CodeNotFound             = "NOT_FOUND"
	CodeUnauthorized         = "UNAUTHORIZED"
	CodeForbidden            = "FORBIDDEN"
	CodeConflict             = "CONFLICT"
	CodeInvalidTransition    = lifecycle.CodeInvalidTransition
	CodeConfirmationRequired = lifecycle.CodeConfirmationRequired
	CodeAllFilesRejected     = "ALL_FILES_REJECTED"
	CodePolicyViolation      = service.CodePolicyViolation
	CodeStoreUnavailable     = "STORE_UNAVAILABLE"
	CodeQuotaExceeded        = "QUOTA_EXCEEDED"
	CodeInconsistentState    = "INCONSISTENT_STATE"
	CodeInternalError        = "INTERNAL_ERROR"
)

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// RejectedFile — файл из details ошибки ALL_FILES_REJECTED.
type RejectedFile struct {
	Name      string `json:"name"`
	SizeBytes int64  `json:"sizeBytes"`
	Code      string `json:"code,omitempty"`
	Reason    string `json:"reason"`
}

// WriteError записывает ответ ошибки в стандартном формате.
func WriteError(w http.ResponseWriter, statusCode int, code, message string) {
	writeBody(w, statusCode, errorDetail{Code: code, Message: message})
}

// WriteErrorDetails записывает ответ ошибки с дополнительными данными.
func WriteErrorDetails(w http.ResponseWriter, statusCode int, code, message string, details any) {
	writeBody(w, statusCode, errorDetail{Code: code, Message: message, Details: details})
}

func writeBody(w http.ResponseWriter, statusCode int, d errorDetail) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(errorBody{Error: d})
}

// --- Конструкторы для типичных ошибок ---

// ValidationError — 400 некорректные входные данные.
func ValidationError(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusBadRequest, CodeValidationError, message)
}

// NotFound — 404 ресурс не найден.
func NotFound(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusNotFound, CodeNotFound, message)
}

// Unauthorized — 401 требуется аутентификация.
func Unauthorized(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusUnauthorized, CodeUnauthorized, message)
}

// Forbidden — 403 недостаточно прав.
func Forbidden(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusForbidden, CodeForbidden, message)
}

// InternalError — 500 внутренняя ошибка сервера.
func InternalError(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusInternalServerError, CodeInternalError, message)
}

// FromService переводит ошибку сервисного слоя в HTTP-ответ.
// Неизвестные ошибки логируются и отдаются как 500 без подробностей.
func FromService(w http.ResponseWriter, logger *slog.Logger, err error) {
	var rejected *service.AllFilesRejectedError
	var transition *lifecycle.TransitionError

	switch {
	case stderrors.As(err, &rejected):
		files := make([]RejectedFile, 0, len(rejected.Rejected))
		for _, r := range rejected.Rejected {
			files = append(files, RejectedFile{Name: r.Name, SizeBytes: r.SizeBytes, Code: r.Code, Reason: r.Reason})
		}
		WriteErrorDetails(w, http.StatusBadRequest, CodeAllFilesRejected, err.Error(), files)
	case stderrors.As(err, &transition):
		WriteError(w, http.StatusBadRequest, transition.Code, transition.Message)
	case stderrors.Is(err, service.ErrPolicyViolation):
		WriteError(w, http.StatusRequestEntityTooLarge, CodePolicyViolation, err.Error())
	case stderrors.Is(err, service.ErrValidation):
		ValidationError(w, err.Error())
	case stderrors.Is(err, service.ErrPermissionDenied):
		Forbidden(w, err.Error())
	case stderrors.Is(err, service.ErrNotFound):
		NotFound(w, err.Error())
	case stderrors.Is(err, service.ErrConflict):
		WriteError(w, http.StatusConflict, CodeConflict, err.Error())
	case stderrors.Is(err, service.ErrQuotaExceeded):
		WriteError(w, http.StatusInsufficientStorage, CodeQuotaExceeded, err.Error())
	case stderrors.Is(err, service.ErrStoreUnavailable):
		WriteError(w, http.StatusBadGateway, CodeStoreUnavailable, err.Error())
	case stderrors.Is(err, service.ErrInconsistentState):
		WriteError(w, http.StatusConflict, CodeInconsistentState, err.Error())
	default:
		logger.Error("Необработанная ошибка сервиса", slog.String("error", err.Error()))
		InternalError(w, "внутренняя ошибка сервера")
	}
}
