// Пакет service — бизнес-логика photolibrary: загрузка пакетов фото,
// жизненный цикл клиентов, учёт места и сверка хранилища с базой.
package service

import (
	"errors"
	"fmt"
	"strings"

	"github.com/BlacIP/photolibrary/internal/domain/rbac"
	"github.com/BlacIP/photolibrary/internal/objectstore"
	"github.com/BlacIP/photolibrary/internal/repository"
)

// Общие ошибки сервисного слоя. API-слой переводит их в HTTP-статусы.
var (
	// ErrPermissionDenied — у пользователя нет права на действие.
	ErrPermissionDenied = errors.New("доступ запрещён")
	// ErrNotFound — клиент или фото не найдены.
	ErrNotFound = errors.New("не найдено")
	// ErrValidation — некорректные входные данные.
	ErrValidation = errors.New("ошибка валидации")
	// ErrConflict — состояние изменилось параллельно, запрос нужно повторить.
	ErrConflict = errors.New("конфликт состояния")
	// ErrPolicyViolation — файл нарушает политику загрузки.
	ErrPolicyViolation = errors.New("нарушение политики загрузки")
	// ErrAllFilesRejected — ни один файл пакета не прошёл проверку.
	ErrAllFilesRejected = errors.New("все файлы отклонены")
	// ErrStoreUnavailable — объектное хранилище недоступно.
	ErrStoreUnavailable = errors.New("хранилище недоступно")
	// ErrQuotaExceeded — квота хранилища исчерпана.
	ErrQuotaExceeded = errors.New("квота хранилища исчерпана")
	// ErrInconsistentState — хранилище и база расходятся.
	ErrInconsistentState = errors.New("хранилище и база расходятся")
)

// Коды отклонения файлов.
const (
	CodePolicyViolation = "POLICY_VIOLATION"
	CodeEmptyFile       = "EMPTY_FILE"
)

// Rejection — файл, отклонённый до передачи в хранилище.
type Rejection struct {
	Name      string
	SizeBytes int64
	Code      string
	Reason    string
}

// AllFilesRejectedError — пакет, в котором не осталось допустимых файлов.
type AllFilesRejectedError struct {
	Rejected []Rejection
}

func (e *AllFilesRejectedError) Error() string {
	names := make([]string, 0, len(e.Rejected))
	for _, r := range e.Rejected {
		names = append(names, r.Name)
	}
	return fmt.Sprintf("все файлы отклонены: %s", strings.Join(names, ", "))
}

func (e *AllFilesRejectedError) Unwrap() error {
	return ErrAllFilesRejected
}

// authorize проверяет право actor на действие.
func authorize(policy rbac.Policy, actor rbac.Actor, action rbac.Action) error {
	d := policy.Authorize(actor, action)
	if !d.Allowed {
		return fmt.Errorf("%w: %s", ErrPermissionDenied, d.Reason)
	}
	return nil
}

// storeError переводит ошибку хранилища в ошибку сервисного слоя.
func storeError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, objectstore.ErrQuotaExceeded):
		return fmt.Errorf("%w: %v", ErrQuotaExceeded, err)
	case errors.Is(err, objectstore.ErrNotFound):
		return fmt.Errorf("%w: %v", ErrNotFound, err)
	case errors.Is(err, objectstore.ErrInvalidInput):
		return fmt.Errorf("%w: %v", ErrValidation, err)
	default:
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
}

// storeErrorCode — короткий код ошибки хранилища для исхода файла.
func storeErrorCode(err error) string {
	switch {
	case errors.Is(err, objectstore.ErrQuotaExceeded):
		return "QUOTA_EXCEEDED"
	case errors.Is(err, objectstore.ErrInvalidInput):
		return "STORE_REJECTED"
	default:
		return "STORE_UNAVAILABLE"
	}
}

// repoError переводит ошибку репозитория в ошибку сервисного слоя.
func repoError(err error, what string) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, repository.ErrNotFound):
		return fmt.Errorf("%w: %s", ErrNotFound, what)
	case errors.Is(err, repository.ErrConflict):
		return fmt.Errorf("%w: %s", ErrConflict, what)
	default:
		return err
	}
}
