package model

import "time"

// Gallery — публичное представление клиента по slug.
// Для неактивных клиентов Available=false и список фото пуст.
type Gallery struct {
	ClientID    string
	Name        string
	Slug        string
	EventDate   *time.Time
	Subheading  *string
	HeaderMedia *HeaderMedia
	Available   bool
	Photos      []Photo
}
