package model

import "time"

// Photo — загруженная фотография клиента.
// Хранится в таблице photos; строка создаётся только после успешной
// записи объекта в хранилище.
type Photo struct {
	// ID — UUID фотографии
	ID string
	// ClientID — UUID клиента-владельца
	ClientID string
	// StorageID — идентификатор объекта в хранилище ({root}/{clientId}/{name})
	StorageID string
	// URL — публичная ссылка на объект
	URL string
	// Filename — исходное имя файла
	Filename string
	// SizeBytes — размер в байтах (0 — неизвестен, заполняется backfill)
	SizeBytes int64
	// ContentType — MIME-тип
	ContentType string
	// UploadedBy — кто загрузил (username или sub)
	UploadedBy string
	// CreatedAt — время создания записи
	CreatedAt time.Time
}
