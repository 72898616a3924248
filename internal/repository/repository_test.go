package repository

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/BlacIP/photolibrary/internal/config"
	"github.com/BlacIP/photolibrary/internal/database"
	"github.com/BlacIP/photolibrary/internal/domain/lifecycle"
	"github.com/BlacIP/photolibrary/internal/domain/model"
)

// setupTestDB запускает PostgreSQL контейнер и применяет миграции.
func setupTestDB(t *testing.T) *pgxpool.Pool {
	t.Helper()

	if os.Getenv("TEST_INTEGRATION") == "" {
		t.Skip("Пропуск интеграционного теста: TEST_INTEGRATION не установлена")
	}

	ctx := context.Background()

	container, err := postgres.Run(ctx,
		"docker.io/postgres:17-alpine",
		postgres.WithDatabase("photolibrary_test"),
		postgres.WithUsername("photolibrary"),
		postgres.WithPassword("test-password"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	if err != nil {
		t.Fatalf("Не удалось запустить PostgreSQL контейнер: %v", err)
	}
	t.Cleanup(func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("Ошибка остановки контейнера: %v", err)
		}
	})

	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("Не удалось получить host контейнера: %v", err)
	}
	port, err := container.MappedPort(ctx, "5432")
	if err != nil {
		t.Fatalf("Не удалось получить port контейнера: %v", err)
	}

	t.Setenv("PL_DB_HOST", host)
	t.Setenv("PL_DB_PORT", port.Port())
	t.Setenv("PL_DB_NAME", "photolibrary_test")
	t.Setenv("PL_DB_USER", "photolibrary")
	t.Setenv("PL_DB_PASSWORD", "test-password")
	t.Setenv("PL_DB_SSL_MODE", "disable")
	t.Setenv("PL_JWT_JWKS_URL", "http://localhost:8080/jwks")
	t.Setenv("PL_STORAGE_BACKEND", "local")
	t.Setenv("PL_LOCAL_SIGNING_SECRET", "test")
	t.Setenv("PL_LOCAL_DATA_DIR", t.TempDir())

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("Ошибка загрузки конфигурации: %v", err)
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))

	if err := database.Migrate(cfg, logger); err != nil {
		t.Fatalf("Ошибка миграций: %v", err)
	}

	pool, err := database.Connect(ctx, cfg, logger)
	if err != nil {
		t.Fatalf("Ошибка подключения: %v", err)
	}
	t.Cleanup(func() { pool.Close() })

	return pool
}

func newClient(name string, status lifecycle.Status, changedAt time.Time) *model.Client {
	return &model.Client{
		ID:              uuid.New().String(),
		Name:            name,
		Slug:            name + "-" + uuid.New().String()[:5],
		Status:          status,
		StatusChangedAt: changedAt,
	}
}

func newPhoto(clientID string, size int64) *model.Photo {
	id := uuid.New().String()
	return &model.Photo{
		ID:          id,
		ClientID:    clientID,
		StorageID:   "photolibrary/" + clientID + "/" + id + ".jpg",
		URL:         "https://cdn.example.com/" + id + ".jpg",
		Filename:    id + ".jpg",
		SizeBytes:   size,
		ContentType: "image/jpeg",
		UploadedBy:  "tester",
	}
}

// --- Тесты ClientRepository ---

func TestClientCRUD(t *testing.T) {
	pool := setupTestDB(t)
	ctx := context.Background()
	repo := NewClientRepository(pool)

	c := newClient("wedding", lifecycle.StatusActive, time.Now().UTC())
	c.HeaderMedia = &model.HeaderMedia{URL: "https://cdn.example.com/h.mp4", Kind: model.HeaderMediaVideo}

	if err := repo.Create(ctx, c); err != nil {
		t.Fatalf("Create() ошибка: %v", err)
	}
	if c.CreatedAt.IsZero() {
		t.Error("CreatedAt не установлен")
	}

	// Дубликат slug
	dup := newClient("other", lifecycle.StatusActive, time.Now())
	dup.Slug = c.Slug
	if err := repo.Create(ctx, dup); !errors.Is(err, ErrConflict) {
		t.Errorf("Create() с дубликатом slug = %v, ожидали ErrConflict", err)
	}

	got, err := repo.GetBySlug(ctx, c.Slug)
	if err != nil {
		t.Fatalf("GetBySlug() ошибка: %v", err)
	}
	if got.ID != c.ID || got.Status != lifecycle.StatusActive {
		t.Errorf("GetBySlug() = %+v", got)
	}
	if got.HeaderMedia == nil || got.HeaderMedia.Kind != model.HeaderMediaVideo {
		t.Errorf("HeaderMedia = %+v, ожидали video", got.HeaderMedia)
	}

	c.Name = "wedding-2"
	c.Slug = "wedding-2-abcde"
	c.HeaderMedia = nil
	if err := repo.Update(ctx, c); err != nil {
		t.Fatalf("Update() ошибка: %v", err)
	}
	got, _ = repo.GetByID(ctx, c.ID)
	if got.Name != "wedding-2" || got.HeaderMedia != nil {
		t.Errorf("после Update: %+v", got)
	}

	photos := NewPhotoRepository(pool)
	if err := photos.Create(ctx, newPhoto(c.ID, 10)); err != nil {
		t.Fatalf("Photos.Create() ошибка: %v", err)
	}

	active := lifecycle.StatusActive
	list, err := repo.List(ctx, ClientListFilters{Status: &active}, 10, 0)
	if err != nil {
		t.Fatalf("List() ошибка: %v", err)
	}
	if len(list) != 1 || list[0].PhotoCount != 1 {
		t.Errorf("List() = %d клиентов, photo_count=%v", len(list), list)
	}
	count, err := repo.Count(ctx, ClientListFilters{Status: &active})
	if err != nil || count != 1 {
		t.Errorf("Count() = %d, %v; хотели 1", count, err)
	}

	if _, err := repo.GetByID(ctx, uuid.New().String()); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetByID(несуществующий) = %v, ожидали ErrNotFound", err)
	}
}

func TestClientTransitionStatus(t *testing.T) {
	pool := setupTestDB(t)
	ctx := context.Background()
	repo := NewClientRepository(pool)

	c := newClient("event", lifecycle.StatusActive, time.Now().Add(-time.Hour))
	if err := repo.Create(ctx, c); err != nil {
		t.Fatalf("Create() ошибка: %v", err)
	}

	at := time.Now().UTC().Truncate(time.Microsecond)
	ok, err := repo.TransitionStatus(ctx, c.ID, lifecycle.StatusActive, lifecycle.StatusArchived, at)
	if err != nil || !ok {
		t.Fatalf("TransitionStatus() = %v, %v; ожидали true", ok, err)
	}

	// Повтор с устаревшим ожидаемым статусом не меняет строку
	ok, err = repo.TransitionStatus(ctx, c.ID, lifecycle.StatusActive, lifecycle.StatusDeleted, at)
	if err != nil || ok {
		t.Fatalf("повторный TransitionStatus() = %v, %v; ожидали false", ok, err)
	}

	got, _ := repo.GetByID(ctx, c.ID)
	if got.Status != lifecycle.StatusArchived {
		t.Errorf("Status = %s, ожидали ARCHIVED", got.Status)
	}
	if !got.StatusChangedAt.Equal(at) {
		t.Errorf("StatusChangedAt = %v, ожидали %v", got.StatusChangedAt, at)
	}
}

func TestClientMoveExpiredAndPurgeLock(t *testing.T) {
	pool := setupTestDB(t)
	ctx := context.Background()
	repo := NewClientRepository(pool)
	now := time.Now().UTC()

	old := newClient("old", lifecycle.StatusArchived, now.Add(-31*24*time.Hour))
	fresh := newClient("fresh", lifecycle.StatusArchived, now.Add(-29*24*time.Hour))
	binned := newClient("binned", lifecycle.StatusDeleted, now.Add(-8*24*time.Hour))
	for _, c := range []*model.Client{old, fresh, binned} {
		if err := repo.Create(ctx, c); err != nil {
			t.Fatalf("Create(%s) ошибка: %v", c.Name, err)
		}
	}

	moved, err := repo.MoveExpired(ctx, lifecycle.StatusArchived, lifecycle.StatusDeleted, now.Add(-30*24*time.Hour), now)
	if err != nil {
		t.Fatalf("MoveExpired() ошибка: %v", err)
	}
	if len(moved) != 1 || moved[0] != old.ID {
		t.Errorf("MoveExpired() = %v, ожидали [%s]", moved, old.ID)
	}

	// Повторный вызов ничего не находит
	moved, _ = repo.MoveExpired(ctx, lifecycle.StatusArchived, lifecycle.StatusDeleted, now.Add(-30*24*time.Hour), now)
	if len(moved) != 0 {
		t.Errorf("повторный MoveExpired() = %v, ожидали пусто", moved)
	}

	cutoff := now.Add(-7 * 24 * time.Hour)
	expired, err := repo.ListExpired(ctx, lifecycle.StatusDeleted, cutoff)
	if err != nil {
		t.Fatalf("ListExpired() ошибка: %v", err)
	}
	// old только что попал в корзину, его возраст статуса — 0
	if len(expired) != 1 || expired[0] != binned.ID {
		t.Errorf("ListExpired() = %v, ожидали [%s]", expired, binned.ID)
	}

	// Блокировка в одной транзакции не даёт взять строку во второй
	runner := NewTxRunner(pool)
	err = runner.WithinTx(ctx, func(r Repos) error {
		locked, err := r.Clients.LockForPurge(ctx, binned.ID, &cutoff)
		if err != nil || !locked {
			t.Fatalf("LockForPurge() = %v, %v; ожидали true", locked, err)
		}
		other, err := NewClientRepository(pool).LockForPurge(ctx, binned.ID, &cutoff)
		if err != nil {
			t.Fatalf("LockForPurge() вне транзакции ошибка: %v", err)
		}
		if other {
			t.Error("заблокированная строка не должна выдаваться повторно (SKIP LOCKED)")
		}
		if _, err := r.Photos.DeleteByClient(ctx, binned.ID); err != nil {
			return err
		}
		return r.Clients.Delete(ctx, binned.ID)
	})
	if err != nil {
		t.Fatalf("WithinTx() ошибка: %v", err)
	}
	if _, err := repo.GetByID(ctx, binned.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("после purge GetByID() = %v, ожидали ErrNotFound", err)
	}

	// Клиент не в корзине не блокируется для purge
	locked, err := repo.LockForPurge(ctx, fresh.ID, nil)
	if err != nil || locked {
		t.Errorf("LockForPurge(ARCHIVED) = %v, %v; ожидали false", locked, err)
	}
}

// --- Тесты PhotoRepository ---

func TestPhotoCRUDAndUsage(t *testing.T) {
	pool := setupTestDB(t)
	ctx := context.Background()
	clients := NewClientRepository(pool)
	photos := NewPhotoRepository(pool)

	a := newClient("a", lifecycle.StatusActive, time.Now())
	b := newClient("b", lifecycle.StatusArchived, time.Now())
	empty := newClient("empty", lifecycle.StatusDeleted, time.Now())
	for _, c := range []*model.Client{a, b, empty} {
		if err := clients.Create(ctx, c); err != nil {
			t.Fatalf("Create(%s) ошибка: %v", c.Name, err)
		}
	}

	p1 := newPhoto(a.ID, 100)
	p2 := newPhoto(a.ID, 0)
	p3 := newPhoto(b.ID, 50)
	for _, p := range []*model.Photo{p1, p2, p3} {
		if err := photos.Create(ctx, p); err != nil {
			t.Fatalf("Photos.Create() ошибка: %v", err)
		}
	}

	dup := newPhoto(a.ID, 1)
	dup.StorageID = p1.StorageID
	if err := photos.Create(ctx, dup); !errors.Is(err, ErrConflict) {
		t.Errorf("Create() с дубликатом storage_id = %v, ожидали ErrConflict", err)
	}

	list, err := photos.ListByClient(ctx, a.ID)
	if err != nil || len(list) != 2 {
		t.Fatalf("ListByClient() = %d, %v; ожидали 2", len(list), err)
	}

	zero, err := photos.ListZeroSize(ctx, "", 10)
	if err != nil || len(zero) != 1 || zero[0].ID != p2.ID {
		t.Fatalf("ListZeroSize() = %v, %v", zero, err)
	}
	if err := photos.UpdateSize(ctx, p2.ID, 25); err != nil {
		t.Fatalf("UpdateSize() ошибка: %v", err)
	}

	existing, err := photos.ExistingStorageIDs(ctx, []string{p1.StorageID, "photolibrary/x/orphan.jpg"})
	if err != nil {
		t.Fatalf("ExistingStorageIDs() ошибка: %v", err)
	}
	if !existing[p1.StorageID] || existing["photolibrary/x/orphan.jpg"] {
		t.Errorf("ExistingStorageIDs() = %v", existing)
	}

	usage, err := clients.Usage(ctx)
	if err != nil {
		t.Fatalf("Usage() ошибка: %v", err)
	}
	byID := map[string]model.ClientUsage{}
	for _, u := range usage {
		byID[u.ClientID] = u
	}
	if u := byID[a.ID]; u.Bytes != 125 || u.MediaCount != 2 || u.Status != lifecycle.StatusActive {
		t.Errorf("usage a = %+v, ожидали 125 байт / 2 фото", u)
	}
	if u := byID[b.ID]; u.Bytes != 50 || u.MediaCount != 1 {
		t.Errorf("usage b = %+v", u)
	}
	if u, ok := byID[empty.ID]; !ok || u.Bytes != 0 || u.MediaCount != 0 {
		t.Errorf("usage empty = %+v, ожидали нулевую строку (LEFT JOIN)", u)
	}

	var seen int
	after := ""
	for {
		page, err := photos.ListPage(ctx, after, 2)
		if err != nil {
			t.Fatalf("ListPage() ошибка: %v", err)
		}
		if len(page) == 0 {
			break
		}
		seen += len(page)
		after = page[len(page)-1].ID
	}
	if seen != 3 {
		t.Errorf("ListPage() обошёл %d фото, ожидали 3", seen)
	}

	if err := photos.Delete(ctx, p1.ID); err != nil {
		t.Fatalf("Delete() ошибка: %v", err)
	}
	if err := photos.Delete(ctx, p1.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("повторный Delete() = %v, ожидали ErrNotFound", err)
	}
	n, err := photos.DeleteByClient(ctx, a.ID)
	if err != nil || n != 1 {
		t.Errorf("DeleteByClient() = %d, %v; ожидали 1", n, err)
	}
}
