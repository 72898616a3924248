package service

import (
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/BlacIP/photolibrary/internal/domain/model"
)

// Prometheus-метрики кэша галерей.
var (
	galleryCacheHitsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pl_gallery_cache_hits_total",
		Help: "Общее количество попаданий в кэш публичных галерей.",
	})
	galleryCacheMissesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pl_gallery_cache_misses_total",
		Help: "Общее количество промахов кэша публичных галерей.",
	})
	galleryCacheStaleTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pl_gallery_cache_stale_total",
		Help: "Галереи, не сохранённые в кэш из-за инвалидации во время чтения.",
	})
)

// GalleryInvalidator сбрасывает кэшированные галереи клиента после
// изменения его фото или статуса.
type GalleryInvalidator interface {
	InvalidateClient(clientID string)
}

// GalleryCache — LRU-кэш публичных галерей по slug с TTL.
//
// Галерея читается из БД без блокировок, поэтому между чтением и Set
// статус клиента может смениться. Каждая инвалидация увеличивает
// поколение; Set с поколением, снятым до чтения, после инвалидации
// ничего не сохраняет.
type GalleryCache struct {
	cache *expirable.LRU[string, *model.Gallery]

	mu  sync.Mutex
	gen uint64
}

// NewGalleryCache создаёт кэш на maxSize галерей со временем жизни ttl.
func NewGalleryCache(maxSize int, ttl time.Duration) *GalleryCache {
	return &GalleryCache{cache: expirable.NewLRU[string, *model.Gallery](maxSize, nil, ttl)}
}

// Get возвращает галерею по slug.
func (c *GalleryCache) Get(slug string) (*model.Gallery, bool) {
	g, ok := c.cache.Get(slug)
	if ok {
		galleryCacheHitsTotal.Inc()
		return g, true
	}
	galleryCacheMissesTotal.Inc()
	return nil, false
}

// Generation возвращает текущее поколение кэша. Снимается до чтения
// галереи из БД и передаётся в Set.
func (c *GalleryCache) Generation() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gen
}

// Set сохраняет галерею, если с поколения gen не было инвалидаций.
// Возвращает false, если запись устарела и не сохранена.
func (c *GalleryCache) Set(slug string, g *model.Gallery, gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.gen {
		galleryCacheStaleTotal.Inc()
		return false
	}
	c.cache.Add(slug, g)
	return true
}

// InvalidateClient удаляет все галереи клиента (slug мог смениться при переименовании).
func (c *GalleryCache) InvalidateClient(clientID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gen++
	for _, slug := range c.cache.Keys() {
		if g, ok := c.cache.Peek(slug); ok && g.ClientID == clientID {
			c.cache.Remove(slug)
		}
	}
}

// Len возвращает количество записей в кэше.
func (c *GalleryCache) Len() int {
	return c.cache.Len()
}

// nopInvalidator — заглушка, когда кэш галерей отключён.
type nopInvalidator struct{}

func (nopInvalidator) InvalidateClient(string) {}
