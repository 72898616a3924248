// Пакет lifecycle — конечный автомат статусов клиента.
//
// Жизненный цикл: ACTIVE ⇄ ARCHIVED → DELETED (корзина) → PURGED.
// PURGED не хранится: это удаление строки клиента вместе с фотографиями.
// Автоматические переходы (ARCHIVED → DELETED, DELETED → PURGED) выполняет
// очистка по возрасту статуса; ручные переходы проверяются здесь.
package lifecycle

import (
	"fmt"
	"strings"
)

// Status — статус клиента.
type Status string

const (
	StatusActive   Status = "ACTIVE"
	StatusArchived Status = "ARCHIVED"
	// StatusDeleted — клиент в корзине, ещё не удалён окончательно
	StatusDeleted Status = "DELETED"
	// StatusPurged — окончательное удаление (строка удаляется)
	StatusPurged Status = "PURGED"
)

// Коды ошибок перехода.
const (
	CodeInvalidTransition    = "INVALID_TRANSITION"
	CodeConfirmationRequired = "CONFIRMATION_REQUIRED"
)

// manualTransitions — матрица допустимых ручных переходов.
var manualTransitions = map[Status]map[Status]bool{
	StatusActive:   {StatusArchived: true, StatusDeleted: true},
	StatusArchived: {StatusActive: true, StatusDeleted: true},
	StatusDeleted:  {StatusActive: true, StatusPurged: true},
}

// statusTitles — названия статусов для сообщений пользователю.
var statusTitles = map[Status]string{
	StatusActive:   "активен",
	StatusArchived: "в архиве",
	StatusDeleted:  "в корзине",
	StatusPurged:   "удалён навсегда",
}

// TransitionError — ошибка перехода между статусами.
type TransitionError struct {
	Code    string // Машиночитаемый код (INVALID_TRANSITION, CONFIRMATION_REQUIRED)
	Message string // Причина для показа пользователю
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// CheckTransition проверяет ручной переход from → to.
func CheckTransition(from, to Status) error {
	if !IsStored(from) {
		return &TransitionError{
			Code:    CodeInvalidTransition,
			Message: fmt.Sprintf("неизвестный текущий статус %q", from),
		}
	}
	if !isValid(to) {
		return &TransitionError{
			Code:    CodeInvalidTransition,
			Message: fmt.Sprintf("недопустимый целевой статус %q", to),
		}
	}
	if from == to {
		return &TransitionError{
			Code:    CodeInvalidTransition,
			Message: fmt.Sprintf("клиент уже %s", statusTitles[to]),
		}
	}
	if !manualTransitions[from][to] {
		msg := fmt.Sprintf("переход %s → %s недопустим", from, to)
		if to == StatusPurged {
			msg = "удалить навсегда можно только клиента из корзины"
		}
		return &TransitionError{Code: CodeInvalidTransition, Message: msg}
	}
	return nil
}

// RequiresConfirmation — переходы, которые нельзя отменить и которые
// требуют явного подтверждения от вызывающего.
func RequiresConfirmation(to Status) bool {
	return to == StatusPurged
}

// ConfirmationError возвращает ошибку для неподтверждённого необратимого перехода.
func ConfirmationError(to Status) error {
	return &TransitionError{
		Code:    CodeConfirmationRequired,
		Message: fmt.Sprintf("переход в %s необратим и требует подтверждения (confirm: true)", to),
	}
}

// IsStored — статусы, которые хранятся в таблице clients.
func IsStored(s Status) bool {
	switch s {
	case StatusActive, StatusArchived, StatusDeleted:
		return true
	default:
		return false
	}
}

func isValid(s Status) bool {
	return IsStored(s) || s == StatusPurged
}

// ParseStatus преобразует строку в Status (без учёта регистра).
func ParseStatus(s string) (Status, error) {
	st := Status(strings.ToUpper(strings.TrimSpace(s)))
	if !isValid(st) {
		return "", fmt.Errorf("недопустимый статус: %q, допустимые: ACTIVE, ARCHIVED, DELETED, PURGED", s)
	}
	return st, nil
}

// Title возвращает название статуса для пользователя.
func (s Status) Title() string {
	if t, ok := statusTitles[s]; ok {
		return t
	}
	return string(s)
}
