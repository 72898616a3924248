package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/BlacIP/photolibrary/internal/domain/model"
)

// PhotoRepository — интерфейс доступа к таблице photos.
type PhotoRepository interface {
	// Create вставляет запись фото. Дубликат storage_id → ErrConflict.
	Create(ctx context.Context, p *model.Photo) error
	// GetByID возвращает фото по UUID.
	GetByID(ctx context.Context, id string) (*model.Photo, error)
	// ListByClient возвращает все фото клиента в порядке загрузки.
	ListByClient(ctx context.Context, clientID string) ([]*model.Photo, error)
	// Delete удаляет запись фото.
	Delete(ctx context.Context, id string) error
	// DeleteByClient удаляет все записи фото клиента.
	DeleteByClient(ctx context.Context, clientID string) (int64, error)
	// ListZeroSize возвращает фото с неизвестным размером и id > afterID.
	ListZeroSize(ctx context.Context, afterID string, limit int) ([]*model.Photo, error)
	// UpdateSize записывает размер фото.
	UpdateSize(ctx context.Context, id string, size int64) error
	// ExistingStorageIDs возвращает подмножество storageIDs, на которые есть записи.
	ExistingStorageIDs(ctx context.Context, storageIDs []string) (map[string]bool, error)
	// ListPage возвращает фото с id > afterID (постраничный обход всей таблицы).
	ListPage(ctx context.Context, afterID string, limit int) ([]*model.Photo, error)
}

// photoRepo — реализация PhotoRepository.
type photoRepo struct {
	db DBTX
}

// NewPhotoRepository создаёт репозиторий фотографий.
func NewPhotoRepository(db DBTX) PhotoRepository {
	return &photoRepo{db: db}
}

// zeroUUID — начальный курсор постраничного обхода.
const zeroUUID = "00000000-0000-0000-0000-000000000000"

const photoColumns = `id, client_id, storage_id, url, filename, size_bytes, content_type, uploaded_by, created_at`

func (r *photoRepo) Create(ctx context.Context, p *model.Photo) error {
	query := `
		INSERT INTO photos (id, client_id, storage_id, url, filename, size_bytes, content_type, uploaded_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING created_at`

	err := r.db.QueryRow(ctx, query,
		p.ID, p.ClientID, p.StorageID, p.URL, p.Filename, p.SizeBytes, p.ContentType, p.UploadedBy,
	).Scan(&p.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: фото с таким storage_id уже записано", ErrConflict)
		}
		return fmt.Errorf("ошибка создания записи фото: %w", err)
	}
	return nil
}

func (r *photoRepo) GetByID(ctx context.Context, id string) (*model.Photo, error) {
	p, err := scanPhoto(r.db.QueryRow(ctx, `SELECT `+photoColumns+` FROM photos WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ошибка получения фото: %w", err)
	}
	return p, nil
}

func (r *photoRepo) ListByClient(ctx context.Context, clientID string) ([]*model.Photo, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+photoColumns+` FROM photos WHERE client_id = $1 ORDER BY created_at, id`, clientID)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения фото клиента: %w", err)
	}
	return collectPhotos(rows)
}

func (r *photoRepo) Delete(ctx context.Context, id string) error {
	tag, err := r.db.Exec(ctx, `DELETE FROM photos WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("ошибка удаления записи фото: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *photoRepo) DeleteByClient(ctx context.Context, clientID string) (int64, error) {
	tag, err := r.db.Exec(ctx, `DELETE FROM photos WHERE client_id = $1`, clientID)
	if err != nil {
		return 0, fmt.Errorf("ошибка удаления фото клиента: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (r *photoRepo) ListZeroSize(ctx context.Context, afterID string, limit int) ([]*model.Photo, error) {
	if afterID == "" {
		afterID = zeroUUID
	}
	rows, err := r.db.Query(ctx,
		`SELECT `+photoColumns+` FROM photos WHERE size_bytes = 0 AND id > $1 ORDER BY id LIMIT $2`, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("ошибка поиска фото без размера: %w", err)
	}
	return collectPhotos(rows)
}

func (r *photoRepo) UpdateSize(ctx context.Context, id string, size int64) error {
	tag, err := r.db.Exec(ctx, `UPDATE photos SET size_bytes = $2 WHERE id = $1`, id, size)
	if err != nil {
		return fmt.Errorf("ошибка обновления размера фото: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *photoRepo) ExistingStorageIDs(ctx context.Context, storageIDs []string) (map[string]bool, error) {
	result := make(map[string]bool, len(storageIDs))
	if len(storageIDs) == 0 {
		return result, nil
	}

	rows, err := r.db.Query(ctx, `SELECT storage_id FROM photos WHERE storage_id = ANY($1)`, storageIDs)
	if err != nil {
		return nil, fmt.Errorf("ошибка проверки storage_id: %w", err)
	}
	ids, err := collectIDs(rows)
	if err != nil {
		return nil, err
	}
	for _, id := range ids {
		result[id] = true
	}
	return result, nil
}

func (r *photoRepo) ListPage(ctx context.Context, afterID string, limit int) ([]*model.Photo, error) {
	if afterID == "" {
		afterID = zeroUUID
	}
	rows, err := r.db.Query(ctx,
		`SELECT `+photoColumns+` FROM photos WHERE id > $1 ORDER BY id LIMIT $2`, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("ошибка постраничного чтения фото: %w", err)
	}
	return collectPhotos(rows)
}

func scanPhoto(row pgx.Row) (*model.Photo, error) {
	p := &model.Photo{}
	err := row.Scan(&p.ID, &p.ClientID, &p.StorageID, &p.URL, &p.Filename,
		&p.SizeBytes, &p.ContentType, &p.UploadedBy, &p.CreatedAt)
	if err != nil {
		return nil, err
	}
	return p, nil
}

func collectPhotos(rows pgx.Rows) ([]*model.Photo, error) {
	defer rows.Close()

	var result []*model.Photo
	for rows.Next() {
		p, err := scanPhoto(rows)
		if err != nil {
			return nil, fmt.Errorf("ошибка сканирования фото: %w", err)
		}
		result = append(result, p)
	}
	return result, rows.Err()
}
