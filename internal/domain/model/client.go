package model

import (
	"time"

	"github.com/BlacIP/photolibrary/internal/domain/lifecycle"
)

// HeadersClientID — псевдо-клиент для загрузки шапок галерей.
// Файлы кладутся в {root}/headers, строки photos не создаются.
const HeadersClientID = "headers"

// HeaderMediaKind — тип медиа шапки галереи.
type HeaderMediaKind string

const (
	HeaderMediaImage HeaderMediaKind = "image"
	HeaderMediaVideo HeaderMediaKind = "video"
)

// HeaderMedia — изображение или видео в шапке публичной галереи.
type HeaderMedia struct {
	URL  string
	Kind HeaderMediaKind
}

// Client — клиент студии (событие / галерея).
// Хранится в таблице clients.
type Client struct {
	// ID — UUID клиента
	ID string
	// Name — название события
	Name string
	// Slug — уникальный адрес публичной галереи (name + случайный суффикс)
	Slug string
	// EventDate — дата события (опционально)
	EventDate *time.Time
	// Subheading — подзаголовок галереи (опционально)
	Subheading *string
	// Status — ACTIVE, ARCHIVED или DELETED (корзина)
	Status lifecycle.Status
	// StatusChangedAt — время последней смены статуса
	StatusChangedAt time.Time
	// HeaderMedia — шапка галереи (опционально)
	HeaderMedia *HeaderMedia
	// CreatedAt — время создания записи
	CreatedAt time.Time
	// UpdatedAt — время последнего обновления
	UpdatedAt time.Time
}

// ClientSummary — клиент с количеством фотографий (для списков).
type ClientSummary struct {
	Client
	PhotoCount int
}
