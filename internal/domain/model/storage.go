package model

import "github.com/BlacIP/photolibrary/internal/domain/lifecycle"

// ClientUsage — занятое место одного клиента.
type ClientUsage struct {
	ClientID   string
	ClientName string
	Status     lifecycle.Status
	MediaCount int64
	Bytes      int64
}

// StatusBytes — байты в разрезе статуса клиента.
type StatusBytes struct {
	Active   int64
	Archived int64
	Deleted  int64
}

// Sum возвращает сумму по всем статусам.
func (s StatusBytes) Sum() int64 {
	return s.Active + s.Archived + s.Deleted
}

// ExternalUsage — использование по данным объектного хранилища.
type ExternalUsage struct {
	// Plan — тарифный план (или имя бэкенда)
	Plan string
	// BytesUsed — занято байт по данным хранилища
	BytesUsed int64
	// ObjectCount — количество объектов
	ObjectCount int64
	// CreditsUsed / CreditsLimit — расход и лимит в единицах тарифа (0 — без лимита)
	CreditsUsed  float64
	CreditsLimit float64
	// UsedPercent — процент использования лимита
	UsedPercent float64
}

// ExternalUsageError — ошибка запроса использования у хранилища.
// Не прерывает построение отчёта.
type ExternalUsageError struct {
	Message string
}

// StorageReport — отчёт о занятом месте.
type StorageReport struct {
	TotalBytes      int64
	TotalMediaCount int64
	ByStatus        StatusBytes
	ByClient        []ClientUsage
	// Ровно одно из полей External / ExternalError заполнено
	External      *ExternalUsage
	ExternalError *ExternalUsageError
}
