package service

import (
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// UploadTracker хранит фоновые пакеты для опроса прогресса.
// Пакет забывается через ttl после добавления или при вытеснении LRU.
type UploadTracker struct {
	batches *expirable.LRU[string, *Batch]
}

// NewUploadTracker создаёт трекер на maxSize пакетов.
func NewUploadTracker(maxSize int, ttl time.Duration) *UploadTracker {
	return &UploadTracker{batches: expirable.NewLRU[string, *Batch](maxSize, nil, ttl)}
}

// Add регистрирует пакет.
func (t *UploadTracker) Add(b *Batch) {
	t.batches.Add(b.ID, b)
}

// Get возвращает пакет по id.
func (t *UploadTracker) Get(batchID string) (*Batch, bool) {
	return t.batches.Get(batchID)
}
