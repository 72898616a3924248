package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/BlacIP/photolibrary/internal/domain/model"
	"github.com/BlacIP/photolibrary/internal/domain/rbac"
	"github.com/BlacIP/photolibrary/internal/objectstore"
	"github.com/BlacIP/photolibrary/internal/repository"
)

// MediaService — операции с отдельными фотографиями: удаление,
// подписи для прямой загрузки и регистрация загруженных напрямую объектов.
type MediaService struct {
	root        string
	maxFileSize int64
	store       objectstore.Store
	clients     repository.ClientRepository
	photos      repository.PhotoRepository
	policy      rbac.Policy
	invalidator GalleryInvalidator
	logger      *slog.Logger
}

// NewMediaService создаёт сервис фотографий.
func NewMediaService(
	root string,
	maxFileSize int64,
	store objectstore.Store,
	clients repository.ClientRepository,
	photos repository.PhotoRepository,
	invalidator GalleryInvalidator,
	logger *slog.Logger,
) *MediaService {
	if invalidator == nil {
		invalidator = nopInvalidator{}
	}
	return &MediaService{
		root:        root,
		maxFileSize: maxFileSize,
		store:       store,
		clients:     clients,
		photos:      photos,
		invalidator: invalidator,
		logger:      logger.With(slog.String("component", "media")),
	}
}

// DeleteMedia удаляет фото: сначала объект в хранилище, затем запись.
// Если хранилище не подтвердило удаление, запись остаётся.
func (m *MediaService) DeleteMedia(ctx context.Context, photoID string, actor rbac.Actor) error {
	if err := authorize(m.policy, actor, rbac.ActionDeletePhoto); err != nil {
		return err
	}

	photo, err := m.photos.GetByID(ctx, photoID)
	if err != nil {
		return repoError(err, "фото "+photoID)
	}

	for _, o := range m.store.Delete(ctx, []string{photo.StorageID}) {
		if !o.OK {
			m.logger.Warn("Хранилище не удалило объект, запись сохранена",
				slog.String("photo_id", photoID),
				slog.String("storage_id", photo.StorageID),
				slog.String("reason", o.Reason),
			)
			return fmt.Errorf("%w: %s", ErrStoreUnavailable, o.Reason)
		}
	}

	if err := m.photos.Delete(ctx, photoID); err != nil && !errors.Is(err, repository.ErrNotFound) {
		return err
	}
	m.invalidator.InvalidateClient(photo.ClientID)

	m.logger.Info("Фото удалено",
		slog.String("photo_id", photoID),
		slog.String("client_id", photo.ClientID),
		slog.String("storage_id", photo.StorageID),
		slog.String("actor", actor.DisplayName()),
	)
	return nil
}

// ListPhotos возвращает фото клиента.
func (m *MediaService) ListPhotos(ctx context.Context, clientID string) ([]*model.Photo, error) {
	if _, err := m.clients.GetByID(ctx, clientID); err != nil {
		return nil, repoError(err, "клиент "+clientID)
	}
	return m.photos.ListByClient(ctx, clientID)
}

// IssueSignedUpload выдаёт подпись для прямой загрузки в папку клиента.
func (m *MediaService) IssueSignedUpload(ctx context.Context, clientID string, actor rbac.Actor) (*objectstore.SignedUpload, error) {
	if err := authorize(m.policy, actor, rbac.ActionUploadPhoto); err != nil {
		return nil, err
	}
	if err := m.checkClient(ctx, clientID); err != nil {
		return nil, err
	}
	sig, err := m.store.IssueSignedUpload(ctx, objectstore.FolderFor(m.root, clientID))
	if err != nil {
		return nil, storeError(err)
	}
	return sig, nil
}

// SaveDirectUpload создаёт запись для объекта, загруженного по подписи.
// Объект должен лежать в папке клиента и существовать в хранилище;
// размер и тип берутся из хранилища, а не от клиента.
// Объект больше maxFileSize удаляется из хранилища и не регистрируется.
func (m *MediaService) SaveDirectUpload(ctx context.Context, clientID, storageID, filename string, actor rbac.Actor) (*model.Photo, error) {
	if err := authorize(m.policy, actor, rbac.ActionUploadPhoto); err != nil {
		return nil, err
	}
	if clientID == model.HeadersClientID {
		return nil, fmt.Errorf("%w: шапки галерей не регистрируются как фото", ErrValidation)
	}
	if err := m.checkClient(ctx, clientID); err != nil {
		return nil, err
	}
	if !objectstore.InFolder(storageID, objectstore.FolderFor(m.root, clientID)) {
		return nil, fmt.Errorf("%w: объект %q не принадлежит папке клиента", ErrValidation, storageID)
	}

	info, err := m.store.Stat(ctx, storageID)
	if err != nil {
		if errors.Is(err, objectstore.ErrNotFound) {
			return nil, fmt.Errorf("%w: объект %q не найден в хранилище", ErrValidation, storageID)
		}
		return nil, storeError(err)
	}
	if m.maxFileSize > 0 && info.SizeBytes > m.maxFileSize {
		m.rejectOversized(ctx, clientID, storageID, info.SizeBytes)
		return nil, fmt.Errorf("%w: %s (%d байт при пределе %d)",
			ErrPolicyViolation, reasonTooLarge, info.SizeBytes, m.maxFileSize)
	}

	if filename == "" {
		filename = objectstore.BaseName(storageID)
	}
	photo := &model.Photo{
		ID:          uuid.New().String(),
		ClientID:    clientID,
		StorageID:   storageID,
		URL:         m.store.URL(storageID),
		Filename:    filename,
		SizeBytes:   info.SizeBytes,
		ContentType: info.ContentType,
		UploadedBy:  actor.DisplayName(),
	}
	if err := m.photos.Create(ctx, photo); err != nil {
		return nil, repoError(err, "фото с storage_id "+storageID)
	}
	m.invalidator.InvalidateClient(clientID)

	m.logger.Info("Прямая загрузка зарегистрирована",
		slog.String("photo_id", photo.ID),
		slog.String("client_id", clientID),
		slog.String("storage_id", storageID),
		slog.Int64("size", info.SizeBytes),
	)
	return photo, nil
}

// rejectOversized удаляет объект, превысивший предел размера.
func (m *MediaService) rejectOversized(ctx context.Context, clientID, storageID string, size int64) {
	uploadFilesTotal.WithLabelValues("rejected").Inc()
	for _, o := range m.store.Delete(ctx, []string{storageID}) {
		if !o.OK {
			m.logger.Warn("Не удалось удалить объект сверх предела размера",
				slog.String("storage_id", storageID),
				slog.String("reason", o.Reason),
			)
		}
	}
	m.logger.Info("Прямая загрузка отклонена: превышен размер",
		slog.String("client_id", clientID),
		slog.String("storage_id", storageID),
		slog.Int64("size", size),
		slog.Int64("limit", m.maxFileSize),
	)
}

// checkClient проверяет существование клиента; псевдо-клиент headers всегда существует.
func (m *MediaService) checkClient(ctx context.Context, clientID string) error {
	if clientID == model.HeadersClientID {
		return nil
	}
	if _, err := m.clients.GetByID(ctx, clientID); err != nil {
		return repoError(err, "клиент "+clientID)
	}
	return nil
}
