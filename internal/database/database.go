// Пакет database — пул PostgreSQL для photolibrary, миграции схемы
// (golang-migrate, SQL встроен в бинарник) и проверка готовности.
package database

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/BlacIP/photolibrary/internal/config"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const (
	applicationName       = "photolibrary"
	// poolReserve — соединения сверх загрузок: очистка, сверка, API
	poolReserve           = 4
	readyTimeout          = 3 * time.Second
	defaultConnectTimeout = 10 * time.Second
)

// ErrDirtySchema — предыдущая миграция прервалась, схема требует ручной правки.
var ErrDirtySchema = errors.New("схема БД в состоянии dirty")

// PoolSize возвращает размер пула. Каждая параллельная передача файла
// держит соединение на время записи строки photos, поэтому по умолчанию
// пул равен глобальному лимиту загрузок плюс резерв.
func PoolSize(cfg *config.Config) int32 {
	if cfg.DBMaxConns > 0 {
		return int32(cfg.DBMaxConns)
	}
	return int32(cfg.UploadGlobalLimit + poolReserve)
}

// poolConfig собирает конфигурацию pgxpool из настроек сервиса.
func poolConfig(cfg *config.Config) (*pgxpool.Config, error) {
	pc, err := pgxpool.ParseConfig(cfg.DatabaseDSN())
	if err != nil {
		return nil, fmt.Errorf("DSN %s: %w", cfg.DatabaseURL(), err)
	}
	pc.MaxConns = PoolSize(cfg)
	pc.MinConns = min(int32(cfg.DBMinConns), pc.MaxConns)
	if cfg.DBMaxConnIdleTime > 0 {
		pc.MaxConnIdleTime = cfg.DBMaxConnIdleTime
	}
	if cfg.DBConnectTimeout > 0 {
		pc.ConnConfig.ConnectTimeout = cfg.DBConnectTimeout
	}
	pc.ConnConfig.RuntimeParams["application_name"] = applicationName
	return pc, nil
}

// Connect открывает пул и ждёт ответа PostgreSQL не дольше PL_DB_CONNECT_TIMEOUT.
func Connect(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*pgxpool.Pool, error) {
	pc, err := poolConfig(cfg)
	if err != nil {
		return nil, err
	}

	pool, err := pgxpool.NewWithConfig(ctx, pc)
	if err != nil {
		return nil, fmt.Errorf("пул %s: %w", cfg.DatabaseURL(), err)
	}

	timeout := cfg.DBConnectTimeout
	if timeout <= 0 {
		timeout = defaultConnectTimeout
	}
	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("PostgreSQL %s не отвечает: %w", cfg.DatabaseURL(), err)
	}

	logger.Info("Пул PostgreSQL готов",
		slog.String("db", cfg.DatabaseURL()),
		slog.Int("max_conns", int(pc.MaxConns)),
		slog.Int("min_conns", int(pc.MinConns)),
	)
	return pool, nil
}

// migrateURL — адрес для драйвера pgx5 golang-migrate. Пароль экранируется.
func migrateURL(cfg *config.Config) string {
	u := url.URL{
		Scheme:   "pgx5",
		User:     url.UserPassword(cfg.DBUser, cfg.DBPassword),
		Host:     fmt.Sprintf("%s:%d", cfg.DBHost, cfg.DBPort),
		Path:     "/" + cfg.DBName,
		RawQuery: url.Values{"sslmode": {cfg.DBSSLMode}}.Encode(),
	}
	return u.String()
}

// Migrate доводит схему до последней встроенной версии.
// Схема в состоянии dirty не трогается: возвращается ErrDirtySchema.
func Migrate(cfg *config.Config, logger *slog.Logger) error {
	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("встроенные миграции: %w", err)
	}

	m, err := migrate.NewWithSourceInstance("iofs", source, migrateURL(cfg))
	if err != nil {
		return fmt.Errorf("миграции %s: %w", cfg.DatabaseURL(), err)
	}
	defer m.Close()

	before, dirty, err := m.Version()
	switch {
	case errors.Is(err, migrate.ErrNilVersion):
		before = 0
	case err != nil:
		return fmt.Errorf("версия схемы: %w", err)
	case dirty:
		return fmt.Errorf("%w: версия %d", ErrDirtySchema, before)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("миграция с версии %d: %w", before, err)
	}

	after, _, _ := m.Version()
	if after == before {
		logger.Info("Схема БД актуальна", slog.Uint64("version", uint64(after)))
		return nil
	}
	logger.Info("Схема БД обновлена",
		slog.Uint64("from", uint64(before)),
		slog.Uint64("to", uint64(after)),
	)
	return nil
}

// ReadinessChecker — проверка PostgreSQL для /health/ready.
type ReadinessChecker struct {
	pool *pgxpool.Pool
}

// NewReadinessChecker создаёт проверку готовности PostgreSQL.
func NewReadinessChecker(pool *pgxpool.Pool) *ReadinessChecker {
	return &ReadinessChecker{pool: pool}
}

// CheckReady возвращает "ok", "degraded" (пул исчерпан, загрузки ждут
// соединения) или "fail".
func (c *ReadinessChecker) CheckReady() (status string, message string) {
	ctx, cancel := context.WithTimeout(context.Background(), readyTimeout)
	defer cancel()

	if err := c.pool.Ping(ctx); err != nil {
		return "fail", fmt.Sprintf("PostgreSQL недоступен: %v", err)
	}
	st := c.pool.Stat()
	return poolStatus(st.AcquiredConns(), st.MaxConns(), st.EmptyAcquireCount())
}

// poolStatus оценивает загрузку пула.
func poolStatus(acquired, maxConns int32, emptyAcquires int64) (string, string) {
	msg := fmt.Sprintf("занято соединений %d из %d", acquired, maxConns)
	if maxConns > 0 && acquired >= maxConns {
		return "degraded", msg + ", пул исчерпан"
	}
	if emptyAcquires > 0 {
		msg += fmt.Sprintf(", ожиданий соединения: %d", emptyAcquires)
	}
	return "ok", msg
}
