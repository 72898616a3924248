package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/BlacIP/photolibrary/internal/domain/lifecycle"
	"github.com/BlacIP/photolibrary/internal/domain/model"
)

// ClientRepository — интерфейс доступа к таблице clients.
// Все смены статуса — условные UPDATE с проверкой текущего статуса.
type ClientRepository interface {
	// Create создаёт клиента. Конфликт slug → ErrConflict.
	Create(ctx context.Context, c *model.Client) error
	// GetByID возвращает клиента по UUID.
	GetByID(ctx context.Context, id string) (*model.Client, error)
	// GetBySlug возвращает клиента по slug.
	GetBySlug(ctx context.Context, slug string) (*model.Client, error)
	// List возвращает клиентов с количеством фото.
	List(ctx context.Context, filters ClientListFilters, limit, offset int) ([]*model.ClientSummary, error)
	// Count возвращает количество клиентов с фильтрацией.
	Count(ctx context.Context, filters ClientListFilters) (int, error)
	// Update обновляет отображаемые поля (name, slug, дата, подзаголовок, шапка).
	Update(ctx context.Context, c *model.Client) error
	// TransitionStatus меняет статус, только если текущий равен from.
	// Возвращает false, если строка не совпала.
	TransitionStatus(ctx context.Context, id string, from, to lifecycle.Status, at time.Time) (bool, error)
	// MoveExpired переводит всех клиентов from → to, чей статус старше cutoff.
	MoveExpired(ctx context.Context, from, to lifecycle.Status, cutoff, at time.Time) ([]string, error)
	// ListExpired возвращает id клиентов в статусе, изменённом раньше cutoff.
	ListExpired(ctx context.Context, status lifecycle.Status, cutoff time.Time) ([]string, error)
	// LockForPurge блокирует строку клиента в корзине (FOR UPDATE SKIP LOCKED).
	// cutoff != nil — дополнительно требует status_changed_at < cutoff.
	// Возвращает false, если клиент не подходит или уже заблокирован.
	LockForPurge(ctx context.Context, id string, cutoff *time.Time) (bool, error)
	// Delete удаляет строку клиента.
	Delete(ctx context.Context, id string) error
	// Usage возвращает количество и объём фото по каждому клиенту.
	Usage(ctx context.Context) ([]model.ClientUsage, error)
}

// ClientListFilters — фильтры списка клиентов.
type ClientListFilters struct {
	Status *lifecycle.Status
	// Search — подстрока имени (без учёта регистра)
	Search *string
}

// clientRepo — реализация ClientRepository.
type clientRepo struct {
	db DBTX
}

// NewClientRepository создаёт репозиторий клиентов.
func NewClientRepository(db DBTX) ClientRepository {
	return &clientRepo{db: db}
}

const clientColumns = `id, name, slug, event_date, subheading, status, status_changed_at,
	header_media_url, header_media_kind, created_at, updated_at`

func (r *clientRepo) Create(ctx context.Context, c *model.Client) error {
	query := `
		INSERT INTO clients (id, name, slug, event_date, subheading, status, status_changed_at,
			header_media_url, header_media_kind)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING created_at, updated_at`

	url, kind := headerArgs(c.HeaderMedia)
	err := r.db.QueryRow(ctx, query,
		c.ID, c.Name, c.Slug, c.EventDate, c.Subheading, string(c.Status), c.StatusChangedAt, url, kind,
	).Scan(&c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: клиент с таким slug уже существует", ErrConflict)
		}
		return fmt.Errorf("ошибка создания клиента: %w", err)
	}
	return nil
}

func (r *clientRepo) GetByID(ctx context.Context, id string) (*model.Client, error) {
	return r.getOne(ctx, `SELECT `+clientColumns+` FROM clients WHERE id = $1`, id)
}

func (r *clientRepo) GetBySlug(ctx context.Context, slug string) (*model.Client, error) {
	return r.getOne(ctx, `SELECT `+clientColumns+` FROM clients WHERE slug = $1`, slug)
}

func (r *clientRepo) getOne(ctx context.Context, query string, arg any) (*model.Client, error) {
	c, err := scanClient(r.db.QueryRow(ctx, query, arg))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ошибка получения клиента: %w", err)
	}
	return c, nil
}

// buildClientWhere строит WHERE-условие и аргументы для фильтрации клиентов.
func buildClientWhere(filters ClientListFilters, startArg int) (string, []any) {
	var conditions []string
	var args []any
	argNum := startArg

	if filters.Status != nil {
		conditions = append(conditions, fmt.Sprintf("c.status = $%d", argNum))
		args = append(args, string(*filters.Status))
		argNum++
	}
	if filters.Search != nil && *filters.Search != "" {
		conditions = append(conditions, fmt.Sprintf("c.name ILIKE $%d", argNum))
		args = append(args, "%"+*filters.Search+"%")
	}

	where := ""
	if len(conditions) > 0 {
		where = "WHERE " + strings.Join(conditions, " AND ")
	}
	return where, args
}

func (r *clientRepo) List(ctx context.Context, filters ClientListFilters, limit, offset int) ([]*model.ClientSummary, error) {
	where, args := buildClientWhere(filters, 1)
	argNum := len(args) + 1

	query := fmt.Sprintf(`
		SELECT c.id, c.name, c.slug, c.event_date, c.subheading, c.status, c.status_changed_at,
			c.header_media_url, c.header_media_kind, c.created_at, c.updated_at,
			(SELECT COUNT(*) FROM photos p WHERE p.client_id = c.id) AS photo_count
		FROM clients c
		%s
		ORDER BY c.created_at DESC
		LIMIT $%d OFFSET $%d`, where, argNum, argNum+1)
	args = append(args, limit, offset)

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения списка клиентов: %w", err)
	}
	defer rows.Close()

	var result []*model.ClientSummary
	for rows.Next() {
		s := &model.ClientSummary{}
		var status string
		var headerURL, headerKind *string
		if err := rows.Scan(
			&s.ID, &s.Name, &s.Slug, &s.EventDate, &s.Subheading, &status, &s.StatusChangedAt,
			&headerURL, &headerKind, &s.CreatedAt, &s.UpdatedAt, &s.PhotoCount,
		); err != nil {
			return nil, fmt.Errorf("ошибка сканирования клиента: %w", err)
		}
		s.Status = lifecycle.Status(status)
		s.HeaderMedia = headerFromColumns(headerURL, headerKind)
		result = append(result, s)
	}
	return result, rows.Err()
}

func (r *clientRepo) Count(ctx context.Context, filters ClientListFilters) (int, error) {
	where, args := buildClientWhere(filters, 1)
	query := fmt.Sprintf(`SELECT COUNT(*) FROM clients c %s`, where)

	var count int
	if err := r.db.QueryRow(ctx, query, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("ошибка подсчёта клиентов: %w", err)
	}
	return count, nil
}

func (r *clientRepo) Update(ctx context.Context, c *model.Client) error {
	query := `
		UPDATE clients
		SET name = $2, slug = $3, event_date = $4, subheading = $5,
			header_media_url = $6, header_media_kind = $7, updated_at = NOW()
		WHERE id = $1
		RETURNING updated_at`

	url, kind := headerArgs(c.HeaderMedia)
	err := r.db.QueryRow(ctx, query,
		c.ID, c.Name, c.Slug, c.EventDate, c.Subheading, url, kind,
	).Scan(&c.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: клиент с таким slug уже существует", ErrConflict)
		}
		return fmt.Errorf("ошибка обновления клиента: %w", err)
	}
	return nil
}

func (r *clientRepo) TransitionStatus(ctx context.Context, id string, from, to lifecycle.Status, at time.Time) (bool, error) {
	tag, err := r.db.Exec(ctx, `
		UPDATE clients
		SET status = $3, status_changed_at = $4, updated_at = NOW()
		WHERE id = $1 AND status = $2`,
		id, string(from), string(to), at,
	)
	if err != nil {
		return false, fmt.Errorf("ошибка смены статуса клиента: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *clientRepo) MoveExpired(ctx context.Context, from, to lifecycle.Status, cutoff, at time.Time) ([]string, error) {
	rows, err := r.db.Query(ctx, `
		UPDATE clients
		SET status = $2, status_changed_at = $4, updated_at = NOW()
		WHERE status = $1 AND status_changed_at < $3
		RETURNING id`,
		string(from), string(to), cutoff, at,
	)
	if err != nil {
		return nil, fmt.Errorf("ошибка перевода просроченных клиентов: %w", err)
	}
	return collectIDs(rows)
}

func (r *clientRepo) ListExpired(ctx context.Context, status lifecycle.Status, cutoff time.Time) ([]string, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id FROM clients
		WHERE status = $1 AND status_changed_at < $2
		ORDER BY status_changed_at`,
		string(status), cutoff,
	)
	if err != nil {
		return nil, fmt.Errorf("ошибка поиска просроченных клиентов: %w", err)
	}
	return collectIDs(rows)
}

func (r *clientRepo) LockForPurge(ctx context.Context, id string, cutoff *time.Time) (bool, error) {
	query := `
		SELECT id FROM clients
		WHERE id = $1 AND status = $2 AND ($3::timestamptz IS NULL OR status_changed_at < $3)
		FOR UPDATE SKIP LOCKED`

	var locked string
	err := r.db.QueryRow(ctx, query, id, string(lifecycle.StatusDeleted), cutoff).Scan(&locked)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("ошибка блокировки клиента: %w", err)
	}
	return true, nil
}

func (r *clientRepo) Delete(ctx context.Context, id string) error {
	tag, err := r.db.Exec(ctx, `DELETE FROM clients WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("ошибка удаления клиента: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *clientRepo) Usage(ctx context.Context) ([]model.ClientUsage, error) {
	rows, err := r.db.Query(ctx, `
		SELECT c.id, c.name, c.status, COUNT(p.id), COALESCE(SUM(p.size_bytes), 0)::bigint
		FROM clients c
		LEFT JOIN photos p ON p.client_id = c.id
		GROUP BY c.id
		ORDER BY 5 DESC, c.name`)
	if err != nil {
		return nil, fmt.Errorf("ошибка подсчёта использования: %w", err)
	}
	defer rows.Close()

	var result []model.ClientUsage
	for rows.Next() {
		var u model.ClientUsage
		var status string
		if err := rows.Scan(&u.ClientID, &u.ClientName, &status, &u.MediaCount, &u.Bytes); err != nil {
			return nil, fmt.Errorf("ошибка сканирования использования: %w", err)
		}
		u.Status = lifecycle.Status(status)
		result = append(result, u)
	}
	return result, rows.Err()
}

// scanClient сканирует строку clients в модель.
func scanClient(row pgx.Row) (*model.Client, error) {
	c := &model.Client{}
	var status string
	var headerURL, headerKind *string
	err := row.Scan(
		&c.ID, &c.Name, &c.Slug, &c.EventDate, &c.Subheading, &status, &c.StatusChangedAt,
		&headerURL, &headerKind, &c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	c.Status = lifecycle.Status(status)
	c.HeaderMedia = headerFromColumns(headerURL, headerKind)
	return c, nil
}

func headerArgs(h *model.HeaderMedia) (*string, *string) {
	if h == nil {
		return nil, nil
	}
	kind := string(h.Kind)
	return &h.URL, &kind
}

func headerFromColumns(url, kind *string) *model.HeaderMedia {
	if url == nil || *url == "" {
		return nil
	}
	h := &model.HeaderMedia{URL: *url, Kind: model.HeaderMediaImage}
	if kind != nil {
		h.Kind = model.HeaderMediaKind(*kind)
	}
	return h
}

// collectIDs читает одну колонку id из rows.
func collectIDs(rows pgx.Rows) ([]string, error) {
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("ошибка чтения id: %w", err)
	}
	return ids, nil
}
