package service

import (
	"archive/zip"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/BlacIP/photolibrary/internal/domain/lifecycle"
	"github.com/BlacIP/photolibrary/internal/domain/model"
	"github.com/BlacIP/photolibrary/internal/domain/rbac"
	"github.com/BlacIP/photolibrary/internal/objectstore"
	"github.com/BlacIP/photolibrary/internal/repository"
)

const (
	slugSuffixLen   = 5
	slugAttempts    = 3
	maxNameLength   = 200
	slugAlphabet    = "0123456789abcdefghijklmnopqrstuvwxyz"
	defaultSlugBase = "gallery"
)

// ClientInput — данные для создания клиента.
type ClientInput struct {
	Name       string
	EventDate  *time.Time
	Subheading *string
}

// ClientPatch — частичное обновление клиента. nil — поле не меняется.
type ClientPatch struct {
	Name        *string
	EventDate   *time.Time
	ClearDate   bool
	Subheading  *string
	HeaderMedia *model.HeaderMedia
	ClearHeader bool
}

// ClientDetail — клиент вместе с фотографиями.
type ClientDetail struct {
	Client *model.Client
	Photos []*model.Photo
}

// GalleryArchive — фото галереи для выгрузки архивом.
type GalleryArchive struct {
	Filename string
	Photos   []model.Photo
}

// ClientService — CRUD клиентов и публичные галереи.
type ClientService struct {
	clients repository.ClientRepository
	photos  repository.PhotoRepository
	store   objectstore.Store
	cache   *GalleryCache
	policy  rbac.Policy
	logger  *slog.Logger
}

// NewClientService создаёт сервис клиентов. cache может быть nil.
func NewClientService(
	clients repository.ClientRepository,
	photos repository.PhotoRepository,
	store objectstore.Store,
	cache *GalleryCache,
	logger *slog.Logger,
) *ClientService {
	return &ClientService{
		clients: clients,
		photos:  photos,
		store:   store,
		cache:   cache,
		logger:  logger.With(slog.String("component", "clients")),
	}
}

// Create создаёт клиента в статусе ACTIVE с уникальным slug.
func (s *ClientService) Create(ctx context.Context, actor rbac.Actor, in ClientInput) (*model.Client, error) {
	if err := authorize(s.policy, actor, rbac.ActionManageClients); err != nil {
		return nil, err
	}
	name, err := validateName(in.Name)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	c := &model.Client{
		ID:              uuid.New().String(),
		Name:            name,
		EventDate:       in.EventDate,
		Subheading:      trimOptional(in.Subheading),
		Status:          lifecycle.StatusActive,
		StatusChangedAt: now,
	}

	// Коллизия случайного суффикса маловероятна, но возможна
	for attempt := 0; attempt < slugAttempts; attempt++ {
		c.Slug = GenerateSlug(name)
		err = s.clients.Create(ctx, c)
		if !errors.Is(err, repository.ErrConflict) {
			break
		}
	}
	if err != nil {
		return nil, repoError(err, "slug "+c.Slug)
	}

	s.logger.Info("Клиент создан",
		slog.String("client_id", c.ID),
		slog.String("slug", c.Slug),
		slog.String("actor", actor.DisplayName()),
	)
	return c, nil
}

// Update изменяет данные клиента. При смене имени slug генерируется заново.
func (s *ClientService) Update(ctx context.Context, actor rbac.Actor, id string, patch ClientPatch) (*model.Client, error) {
	if err := authorize(s.policy, actor, rbac.ActionManageClients); err != nil {
		return nil, err
	}
	c, err := s.clients.GetByID(ctx, id)
	if err != nil {
		return nil, repoError(err, "клиент "+id)
	}

	renamed := false
	if patch.Name != nil {
		name, err := validateName(*patch.Name)
		if err != nil {
			return nil, err
		}
		renamed = name != c.Name
		c.Name = name
	}
	switch {
	case patch.ClearDate:
		c.EventDate = nil
	case patch.EventDate != nil:
		c.EventDate = patch.EventDate
	}
	if patch.Subheading != nil {
		c.Subheading = trimOptional(patch.Subheading)
	}
	switch {
	case patch.ClearHeader:
		c.HeaderMedia = nil
	case patch.HeaderMedia != nil:
		if patch.HeaderMedia.Kind != model.HeaderMediaImage && patch.HeaderMedia.Kind != model.HeaderMediaVideo {
			return nil, fmt.Errorf("%w: тип шапки должен быть image или video", ErrValidation)
		}
		if strings.TrimSpace(patch.HeaderMedia.URL) == "" {
			return nil, fmt.Errorf("%w: не указан URL шапки", ErrValidation)
		}
		c.HeaderMedia = patch.HeaderMedia
	}

	for attempt := 0; attempt < slugAttempts; attempt++ {
		if renamed {
			c.Slug = GenerateSlug(c.Name)
		}
		err = s.clients.Update(ctx, c)
		if !renamed || !errors.Is(err, repository.ErrConflict) {
			break
		}
	}
	if err != nil {
		return nil, repoError(err, "клиент "+id)
	}
	s.invalidate(id)
	return c, nil
}

// Get возвращает клиента с фотографиями.
func (s *ClientService) Get(ctx context.Context, id string) (*ClientDetail, error) {
	c, err := s.clients.GetByID(ctx, id)
	if err != nil {
		return nil, repoError(err, "клиент "+id)
	}
	photos, err := s.photos.ListByClient(ctx, id)
	if err != nil {
		return nil, err
	}
	return &ClientDetail{Client: c, Photos: photos}, nil
}

// List возвращает страницу клиентов и общее количество.
func (s *ClientService) List(ctx context.Context, filters repository.ClientListFilters, limit, offset int) ([]*model.ClientSummary, int, error) {
	items, err := s.clients.List(ctx, filters, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	total, err := s.clients.Count(ctx, filters)
	if err != nil {
		return nil, 0, err
	}
	return items, total, nil
}

// Gallery возвращает публичную галерею по slug. Фото видны только
// у активных клиентов.
func (s *ClientService) Gallery(ctx context.Context, slug string) (*model.Gallery, error) {
	var gen uint64
	if s.cache != nil {
		if g, ok := s.cache.Get(slug); ok {
			return g, nil
		}
		gen = s.cache.Generation()
	}

	c, err := s.clients.GetBySlug(ctx, slug)
	if err != nil {
		return nil, repoError(err, "галерея "+slug)
	}
	g := &model.Gallery{
		ClientID:    c.ID,
		Name:        c.Name,
		Slug:        c.Slug,
		EventDate:   c.EventDate,
		Subheading:  c.Subheading,
		HeaderMedia: c.HeaderMedia,
		Available:   c.Status == lifecycle.StatusActive,
		Photos:      []model.Photo{},
	}
	if g.Available {
		photos, err := s.photos.ListByClient(ctx, c.ID)
		if err != nil {
			return nil, err
		}
		for _, p := range photos {
			g.Photos = append(g.Photos, *p)
		}
	}

	if s.cache != nil {
		s.cache.Set(slug, g, gen)
	}
	return g, nil
}

// Archive возвращает фото галереи для скачивания одним архивом.
func (s *ClientService) Archive(ctx context.Context, slug string) (*GalleryArchive, error) {
	g, err := s.Gallery(ctx, slug)
	if err != nil {
		return nil, err
	}
	if !g.Available {
		return nil, fmt.Errorf("%w: галерея недоступна", ErrNotFound)
	}
	return &GalleryArchive{Filename: g.Slug + ".zip", Photos: g.Photos}, nil
}

// GalleryPhoto — одно фото публичной галереи, открытое для чтения.
// Вызывающий закрывает Body.
type GalleryPhoto struct {
	Photo model.Photo
	Body  io.ReadCloser
}

// OpenGalleryPhoto открывает фото галереи для скачивания. Фото должно
// принадлежать галерее slug, а галерея — быть доступной.
func (s *ClientService) OpenGalleryPhoto(ctx context.Context, slug, photoID string) (*GalleryPhoto, error) {
	g, err := s.Gallery(ctx, slug)
	if err != nil {
		return nil, err
	}
	if !g.Available {
		return nil, fmt.Errorf("%w: галерея недоступна", ErrNotFound)
	}
	for _, p := range g.Photos {
		if p.ID != photoID {
			continue
		}
		rc, err := s.store.Open(ctx, p.StorageID)
		if err != nil {
			return nil, storeError(err)
		}
		return &GalleryPhoto{Photo: p, Body: rc}, nil
	}
	return nil, fmt.Errorf("%w: фото %s в галерее %s", ErrNotFound, photoID, slug)
}

// WriteArchive пишет zip-архив фото в w. Объекты, которые не удалось
// прочитать, пропускаются; возвращается количество записанных файлов.
func (s *ClientService) WriteArchive(ctx context.Context, a *GalleryArchive, w io.Writer) (int, error) {
	zw := zip.NewWriter(w)
	used := make(map[string]int, len(a.Photos))
	written := 0

	for _, p := range a.Photos {
		if err := ctx.Err(); err != nil {
			return written, err
		}
		ok, err := s.addToArchive(ctx, zw, p, used)
		if err != nil {
			return written, err
		}
		if ok {
			written++
		}
	}
	if err := zw.Close(); err != nil {
		return written, fmt.Errorf("ошибка завершения архива: %w", err)
	}
	return written, nil
}

// addToArchive копирует один объект в архив. Ошибка чтения объекта
// пропускает файл, ошибка записи в w прерывает архив.
func (s *ClientService) addToArchive(ctx context.Context, zw *zip.Writer, p model.Photo, used map[string]int) (bool, error) {
	rc, err := s.store.Open(ctx, p.StorageID)
	if err != nil {
		s.logger.Warn("Фото пропущено в архиве",
			slog.String("photo_id", p.ID),
			slog.String("storage_id", p.StorageID),
			slog.String("error", err.Error()),
		)
		return false, nil
	}
	defer rc.Close()

	fw, err := zw.CreateHeader(&zip.FileHeader{
		Name:     uniqueArchiveName(p.Filename, used),
		Method:   zip.Store,
		Modified: p.CreatedAt,
	})
	if err != nil {
		return false, fmt.Errorf("ошибка записи архива: %w", err)
	}
	if _, err := io.Copy(fw, rc); err != nil {
		return false, fmt.Errorf("ошибка записи архива: %w", err)
	}
	return true, nil
}

func (s *ClientService) invalidate(clientID string) {
	if s.cache != nil {
		s.cache.InvalidateClient(clientID)
	}
}

// GenerateSlug строит slug из имени: нижний регистр, всё кроме [a-z0-9]
// заменяется на '-', плюс случайный суффикс из 5 символов base36.
func GenerateSlug(name string) string {
	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(name) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
			dash = false
			continue
		}
		if !dash && b.Len() > 0 {
			b.WriteByte('-')
			dash = true
		}
	}
	base := strings.TrimRight(b.String(), "-")
	if base == "" {
		base = defaultSlugBase
	}

	suffix := make([]byte, slugSuffixLen)
	for i := range suffix {
		suffix[i] = slugAlphabet[rand.IntN(len(slugAlphabet))]
	}
	return base + "-" + string(suffix)
}

// uniqueArchiveName делает имена файлов в архиве уникальными: photo.jpg, photo (2).jpg.
// used хранит выданные имена и последний номер для каждого исходного имени;
// номер пропускается, если такое имя уже занято другим файлом.
func uniqueArchiveName(filename string, used map[string]int) string {
	name := path.Base(strings.ReplaceAll(filename, "\\", "/"))
	if name == "." || name == "/" || name == "" {
		name = "photo"
	}
	if _, taken := used[name]; !taken {
		used[name] = 1
		return name
	}
	ext := path.Ext(name)
	stem := strings.TrimSuffix(name, ext)
	for n := used[name] + 1; ; n++ {
		candidate := fmt.Sprintf("%s (%d)%s", stem, n, ext)
		if _, taken := used[candidate]; !taken {
			used[name] = n
			used[candidate] = 1
			return candidate
		}
	}
}

func validateName(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", fmt.Errorf("%w: имя клиента обязательно", ErrValidation)
	}
	if len([]rune(name)) > maxNameLength {
		return "", fmt.Errorf("%w: имя клиента длиннее %d символов", ErrValidation, maxNameLength)
	}
	return name, nil
}

func trimOptional(s *string) *string {
	if s == nil {
		return nil
	}
	v := strings.TrimSpace(*s)
	if v == "" {
		return nil
	}
	return &v
}
