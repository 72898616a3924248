// Пакет config — загрузка и валидация конфигурации photolibrary
// из переменных окружения (префикс PL_).
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Версия приложения, задаётся при сборке через -ldflags.
var Version = "dev"

// Бэкенды объектного хранилища.
const (
	StorageBackendS3    = "s3"
	StorageBackendLocal = "local"
)

// Config содержит все параметры конфигурации photolibrary.
type Config struct {
	// --- Сервер ---

	// Порт HTTP-сервера
	Port int
	// Уровень логирования (debug, info, warn, error)
	LogLevel slog.Level
	// Формат логов (json, text)
	LogFormat string
	// Таймаут graceful shutdown HTTP-сервера
	ShutdownTimeout time.Duration
	// Таймауты HTTP-сервера. WriteTimeout покрывает загрузку пакета
	// и отдачу ZIP-архива галереи, поэтому он большой.
	HTTPReadHeaderTimeout time.Duration
	HTTPWriteTimeout      time.Duration
	HTTPIdleTimeout       time.Duration

	// --- PostgreSQL ---

	DBHost     string
	DBPort     int
	DBName     string
	DBUser     string
	DBPassword string
	// Режим SSL: disable, require, verify-ca, verify-full
	DBSSLMode string
	// DBMaxConns — размер пула (0 — по PL_UPLOAD_GLOBAL_LIMIT)
	DBMaxConns int
	DBMinConns int
	// DBConnectTimeout — таймаут первого подключения и ping
	DBConnectTimeout time.Duration
	// DBMaxConnIdleTime — простаивающие соединения сверх DBMinConns закрываются
	DBMaxConnIdleTime time.Duration

	// --- JWT ---

	// URL JWKS endpoint провайдера идентификации
	JWTJWKSURL string
	// Ожидаемый issuer (пусто — не проверяется)
	JWTIssuer string
	// Claim с ролью пользователя (SUPER_ADMIN, SUPER_ADMIN_MAX, ADMIN)
	JWTRoleClaim string
	// Claim со списком прав (manage_photos, upload_photos, ...)
	JWTPermissionsClaim string
	// Таймаут HTTP-клиента JWKS
	JWKSClientTimeout time.Duration
	// Интервал обновления JWKS-ключей
	JWKSRefreshInterval time.Duration
	// Допустимое отклонение времени при проверке JWT
	JWTLeeway time.Duration

	// --- Объектное хранилище ---

	// Бэкенд: s3 или local
	StorageBackend string
	// Корневая папка для всех объектов (photolibrary/{clientId})
	StorageRootFolder string
	// Квота хранилища в байтах (0 — без квоты)
	StorageQuotaBytes int64
	// Время жизни подписи прямой загрузки
	SignedUploadTTL time.Duration

	S3Endpoint        string
	S3Region          string
	S3Bucket          string
	S3AccessKeyID     string
	S3SecretAccessKey string
	// Публичный URL (CDN) для ссылок на объекты
	S3PublicURL    string
	S3UsePathStyle bool
	// S3HealthPath — health endpoint S3-совместимого хранилища для dephealth
	S3HealthPath   string

	// Директория данных локального бэкенда
	LocalDataDir string
	// Публичный URL, по которому раздаются файлы локального бэкенда
	LocalPublicURL string
	// Секрет HMAC-подписи прямой загрузки локального бэкенда
	LocalSigningSecret string

	// --- Загрузка ---

	// Максимальный размер одного файла в байтах
	MaxFileSize int64
	// Размер окна параллельных передач внутри одного пакета
	UploadWindow int
	// Общий лимит одновременных передач во всех пакетах
	UploadGlobalLimit int
	// Таймаут передачи одного файла
	UploadFileTimeout time.Duration
	// Общий бюджет времени пакета
	UploadBatchTimeout time.Duration
	// Максимальное количество файлов в пакете
	UploadMaxFiles int
	// Сколько хранится прогресс асинхронного пакета
	UploadTrackerTTL time.Duration

	// --- Жизненный цикл ---

	// Запускать ли фоновую очистку
	SweepEnabled bool
	// Интервал фоновой очистки
	SweepInterval time.Duration
	// Срок хранения в архиве до перемещения в корзину
	ArchiveRetention time.Duration
	// Срок хранения в корзине до окончательного удаления
	RecycleRetention time.Duration

	// --- Сверка ---

	// Интервал сверки объектов с таблицей photos (0 — только по запросу)
	ReconcileInterval time.Duration
	// Удалять ли объекты без записей
	ReconcileDeleteOrphans bool
	// Минимальный возраст объекта без записи, чтобы считать его осиротевшим
	ReconcileGrace time.Duration

	// --- Кэш галерей ---

	GalleryCacheSize int
	GalleryCacheTTL  time.Duration

	// --- topologymetrics ---

	DephealthGroup         string
	DephealthCheckInterval time.Duration
}

// Load загружает конфигурацию из переменных окружения, валидирует
// обязательные поля и возвращает Config или ошибку.
//
//nolint:gocyclo,cyclop,funlen // линейная загрузка переменных
func Load() (*Config, error) {
	cfg := &Config{}
	var err error

	// --- Сервер ---

	cfg.Port, err = getEnvInt("PL_PORT", 8000)
	if err != nil {
		return nil, fmt.Errorf("PL_PORT: %w", err)
	}
	if cfg.Port < 1 || cfg.Port > 65535 {
		return nil, fmt.Errorf("PL_PORT: значение %d вне допустимого диапазона 1-65535", cfg.Port)
	}

	cfg.LogLevel, err = parseLogLevel(getEnvDefault("PL_LOG_LEVEL", "info"))
	if err != nil {
		return nil, fmt.Errorf("PL_LOG_LEVEL: %w", err)
	}

	cfg.LogFormat = getEnvDefault("PL_LOG_FORMAT", "json")
	if cfg.LogFormat != "json" && cfg.LogFormat != "text" {
		return nil, fmt.Errorf("PL_LOG_FORMAT: недопустимое значение %q, допустимые: json, text", cfg.LogFormat)
	}

	cfg.ShutdownTimeout, err = getEnvDuration("PL_SHUTDOWN_TIMEOUT", 15*time.Second)
	if err != nil {
		return nil, fmt.Errorf("PL_SHUTDOWN_TIMEOUT: %w", err)
	}
	cfg.HTTPReadHeaderTimeout, err = getEnvDuration("PL_HTTP_READ_HEADER_TIMEOUT", 10*time.Second)
	if err != nil {
		return nil, fmt.Errorf("PL_HTTP_READ_HEADER_TIMEOUT: %w", err)
	}
	cfg.HTTPWriteTimeout, err = getEnvDuration("PL_HTTP_WRITE_TIMEOUT", 15*time.Minute)
	if err != nil {
		return nil, fmt.Errorf("PL_HTTP_WRITE_TIMEOUT: %w", err)
	}
	cfg.HTTPIdleTimeout, err = getEnvDuration("PL_HTTP_IDLE_TIMEOUT", 2*time.Minute)
	if err != nil {
		return nil, fmt.Errorf("PL_HTTP_IDLE_TIMEOUT: %w", err)
	}

	// --- PostgreSQL ---

	if cfg.DBHost, err = getEnvRequired("PL_DB_HOST"); err != nil {
		return nil, err
	}
	cfg.DBPort, err = getEnvInt("PL_DB_PORT", 5432)
	if err != nil {
		return nil, fmt.Errorf("PL_DB_PORT: %w", err)
	}
	if cfg.DBName, err = getEnvRequired("PL_DB_NAME"); err != nil {
		return nil, err
	}
	if cfg.DBUser, err = getEnvRequired("PL_DB_USER"); err != nil {
		return nil, err
	}
	if cfg.DBPassword, err = getEnvRequired("PL_DB_PASSWORD"); err != nil {
		return nil, err
	}
	cfg.DBSSLMode = getEnvDefault("PL_DB_SSL_MODE", "disable")
	validSSLModes := map[string]bool{
		"disable": true, "require": true, "verify-ca": true, "verify-full": true,
	}
	if !validSSLModes[cfg.DBSSLMode] {
		return nil, fmt.Errorf("PL_DB_SSL_MODE: недопустимое значение %q, допустимые: disable, require, verify-ca, verify-full", cfg.DBSSLMode)
	}
	cfg.DBMaxConns, err = getEnvInt("PL_DB_MAX_CONNS", 0)
	if err != nil {
		return nil, fmt.Errorf("PL_DB_MAX_CONNS: %w", err)
	}
	if cfg.DBMaxConns < 0 {
		return nil, fmt.Errorf("PL_DB_MAX_CONNS: значение %d не может быть отрицательным", cfg.DBMaxConns)
	}
	cfg.DBMinConns, err = getEnvInt("PL_DB_MIN_CONNS", 1)
	if err != nil {
		return nil, fmt.Errorf("PL_DB_MIN_CONNS: %w", err)
	}
	if cfg.DBMinConns < 0 || (cfg.DBMaxConns > 0 && cfg.DBMinConns > cfg.DBMaxConns) {
		return nil, fmt.Errorf("PL_DB_MIN_CONNS: значение %d вне диапазона 0-PL_DB_MAX_CONNS", cfg.DBMinConns)
	}
	cfg.DBConnectTimeout, err = getEnvDuration("PL_DB_CONNECT_TIMEOUT", 10*time.Second)
	if err != nil {
		return nil, fmt.Errorf("PL_DB_CONNECT_TIMEOUT: %w", err)
	}
	cfg.DBMaxConnIdleTime, err = getEnvDuration("PL_DB_MAX_CONN_IDLE_TIME", 5*time.Minute)
	if err != nil {
		return nil, fmt.Errorf("PL_DB_MAX_CONN_IDLE_TIME: %w", err)
	}

	// --- JWT ---

	if cfg.JWTJWKSURL, err = getEnvRequired("PL_JWT_JWKS_URL"); err != nil {
		return nil, err
	}
	cfg.JWTIssuer = getEnvDefault("PL_JWT_ISSUER", "")
	cfg.JWTRoleClaim = getEnvDefault("PL_JWT_ROLE_CLAIM", "role")
	cfg.JWTPermissionsClaim = getEnvDefault("PL_JWT_PERMISSIONS_CLAIM", "permissions")

	cfg.JWKSClientTimeout, err = getEnvDuration("PL_JWKS_CLIENT_TIMEOUT", 10*time.Second)
	if err != nil {
		return nil, fmt.Errorf("PL_JWKS_CLIENT_TIMEOUT: %w", err)
	}
	cfg.JWKSRefreshInterval, err = getEnvDuration("PL_JWKS_REFRESH_INTERVAL", 15*time.Minute)
	if err != nil {
		return nil, fmt.Errorf("PL_JWKS_REFRESH_INTERVAL: %w", err)
	}
	cfg.JWTLeeway, err = getEnvDuration("PL_JWT_LEEWAY", 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("PL_JWT_LEEWAY: %w", err)
	}

	// --- Объектное хранилище ---

	cfg.StorageBackend = strings.ToLower(getEnvDefault("PL_STORAGE_BACKEND", StorageBackendS3))
	cfg.StorageRootFolder = strings.Trim(getEnvDefault("PL_STORAGE_ROOT_FOLDER", "photolibrary"), "/")
	if cfg.StorageRootFolder == "" {
		return nil, fmt.Errorf("PL_STORAGE_ROOT_FOLDER: пустое значение недопустимо")
	}
	cfg.StorageQuotaBytes, err = getEnvInt64("PL_STORAGE_QUOTA_BYTES", 0)
	if err != nil {
		return nil, fmt.Errorf("PL_STORAGE_QUOTA_BYTES: %w", err)
	}
	if cfg.StorageQuotaBytes < 0 {
		return nil, fmt.Errorf("PL_STORAGE_QUOTA_BYTES: значение не может быть отрицательным")
	}
	cfg.SignedUploadTTL, err = getEnvDuration("PL_SIGNED_UPLOAD_TTL", time.Hour)
	if err != nil {
		return nil, fmt.Errorf("PL_SIGNED_UPLOAD_TTL: %w", err)
	}

	switch cfg.StorageBackend {
	case StorageBackendS3:
		if cfg.S3Bucket, err = getEnvRequired("PL_S3_BUCKET"); err != nil {
			return nil, err
		}
		if cfg.S3AccessKeyID, err = getEnvRequired("PL_S3_ACCESS_KEY_ID"); err != nil {
			return nil, err
		}
		if cfg.S3SecretAccessKey, err = getEnvRequired("PL_S3_SECRET_ACCESS_KEY"); err != nil {
			return nil, err
		}
		cfg.S3Endpoint = strings.TrimRight(getEnvDefault("PL_S3_ENDPOINT", ""), "/")
		cfg.S3Region = getEnvDefault("PL_S3_REGION", "us-east-1")
		cfg.S3PublicURL = strings.TrimRight(getEnvDefault("PL_S3_PUBLIC_URL", ""), "/")
		cfg.S3HealthPath = getEnvDefault("PL_S3_HEALTH_PATH", "/minio/health/live")
		cfg.S3UsePathStyle, err = getEnvBool("PL_S3_USE_PATH_STYLE", cfg.S3Endpoint != "")
		if err != nil {
			return nil, fmt.Errorf("PL_S3_USE_PATH_STYLE: %w", err)
		}
	case StorageBackendLocal:
		cfg.LocalDataDir = getEnvDefault("PL_LOCAL_DATA_DIR", "./data")
		cfg.LocalPublicURL = strings.TrimRight(getEnvDefault("PL_LOCAL_PUBLIC_URL", fmt.Sprintf("http://localhost:%d/media", cfg.Port)), "/")
		if cfg.LocalSigningSecret, err = getEnvRequired("PL_LOCAL_SIGNING_SECRET"); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("PL_STORAGE_BACKEND: недопустимое значение %q, допустимые: s3, local", cfg.StorageBackend)
	}

	// --- Загрузка ---

	cfg.MaxFileSize, err = getEnvInt64("PL_MAX_FILE_SIZE", 10<<20)
	if err != nil {
		return nil, fmt.Errorf("PL_MAX_FILE_SIZE: %w", err)
	}
	if cfg.MaxFileSize <= 0 {
		return nil, fmt.Errorf("PL_MAX_FILE_SIZE: значение должно быть положительным")
	}
	cfg.UploadWindow, err = getEnvInt("PL_UPLOAD_WINDOW", 3)
	if err != nil {
		return nil, fmt.Errorf("PL_UPLOAD_WINDOW: %w", err)
	}
	if cfg.UploadWindow < 1 || cfg.UploadWindow > 32 {
		return nil, fmt.Errorf("PL_UPLOAD_WINDOW: значение %d вне допустимого диапазона 1-32", cfg.UploadWindow)
	}
	cfg.UploadGlobalLimit, err = getEnvInt("PL_UPLOAD_GLOBAL_LIMIT", 9)
	if err != nil {
		return nil, fmt.Errorf("PL_UPLOAD_GLOBAL_LIMIT: %w", err)
	}
	if cfg.UploadGlobalLimit < cfg.UploadWindow {
		return nil, fmt.Errorf("PL_UPLOAD_GLOBAL_LIMIT: значение %d меньше PL_UPLOAD_WINDOW (%d)", cfg.UploadGlobalLimit, cfg.UploadWindow)
	}
	cfg.UploadFileTimeout, err = getEnvDuration("PL_UPLOAD_FILE_TIMEOUT", time.Minute)
	if err != nil {
		return nil, fmt.Errorf("PL_UPLOAD_FILE_TIMEOUT: %w", err)
	}
	cfg.UploadBatchTimeout, err = getEnvDuration("PL_UPLOAD_BATCH_TIMEOUT", 10*time.Minute)
	if err != nil {
		return nil, fmt.Errorf("PL_UPLOAD_BATCH_TIMEOUT: %w", err)
	}
	if cfg.UploadFileTimeout >= cfg.UploadBatchTimeout {
		return nil, fmt.Errorf("PL_UPLOAD_FILE_TIMEOUT: таймаут файла (%s) должен быть меньше бюджета пакета (%s)",
			cfg.UploadFileTimeout, cfg.UploadBatchTimeout)
	}
	cfg.UploadMaxFiles, err = getEnvInt("PL_UPLOAD_MAX_FILES", 200)
	if err != nil {
		return nil, fmt.Errorf("PL_UPLOAD_MAX_FILES: %w", err)
	}
	if cfg.UploadMaxFiles < 1 {
		return nil, fmt.Errorf("PL_UPLOAD_MAX_FILES: значение должно быть положительным")
	}
	cfg.UploadTrackerTTL, err = getEnvDuration("PL_UPLOAD_TRACKER_TTL", time.Hour)
	if err != nil {
		return nil, fmt.Errorf("PL_UPLOAD_TRACKER_TTL: %w", err)
	}

	// --- Жизненный цикл ---

	cfg.SweepEnabled, err = getEnvBool("PL_SWEEP_ENABLED", true)
	if err != nil {
		return nil, fmt.Errorf("PL_SWEEP_ENABLED: %w", err)
	}
	cfg.SweepInterval, err = getEnvDuration("PL_SWEEP_INTERVAL", time.Hour)
	if err != nil {
		return nil, fmt.Errorf("PL_SWEEP_INTERVAL: %w", err)
	}
	cfg.ArchiveRetention, err = getEnvDuration("PL_ARCHIVE_RETENTION", 30*24*time.Hour)
	if err != nil {
		return nil, fmt.Errorf("PL_ARCHIVE_RETENTION: %w", err)
	}
	cfg.RecycleRetention, err = getEnvDuration("PL_RECYCLE_RETENTION", 7*24*time.Hour)
	if err != nil {
		return nil, fmt.Errorf("PL_RECYCLE_RETENTION: %w", err)
	}

	// --- Сверка ---

	cfg.ReconcileInterval, err = getEnvDuration("PL_RECONCILE_INTERVAL", 24*time.Hour)
	if err != nil {
		return nil, fmt.Errorf("PL_RECONCILE_INTERVAL: %w", err)
	}
	cfg.ReconcileDeleteOrphans, err = getEnvBool("PL_RECONCILE_DELETE_ORPHANS", false)
	if err != nil {
		return nil, fmt.Errorf("PL_RECONCILE_DELETE_ORPHANS: %w", err)
	}
	cfg.ReconcileGrace, err = getEnvDuration("PL_RECONCILE_GRACE", time.Hour)
	if err != nil {
		return nil, fmt.Errorf("PL_RECONCILE_GRACE: %w", err)
	}

	// --- Кэш галерей ---

	cfg.GalleryCacheSize, err = getEnvInt("PL_GALLERY_CACHE_SIZE", 500)
	if err != nil {
		return nil, fmt.Errorf("PL_GALLERY_CACHE_SIZE: %w", err)
	}
	cfg.GalleryCacheTTL, err = getEnvDuration("PL_GALLERY_CACHE_TTL", time.Minute)
	if err != nil {
		return nil, fmt.Errorf("PL_GALLERY_CACHE_TTL: %w", err)
	}

	// --- topologymetrics ---

	cfg.DephealthGroup = getEnvDefault("PL_DEPHEALTH_GROUP", "photolibrary")
	cfg.DephealthCheckInterval, err = getEnvDuration("PL_DEPHEALTH_CHECK_INTERVAL", 15*time.Second)
	if err != nil {
		return nil, fmt.Errorf("PL_DEPHEALTH_CHECK_INTERVAL: %w", err)
	}

	return cfg, nil
}

// DatabaseDSN возвращает строку подключения к PostgreSQL.
func (c *Config) DatabaseDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d dbname=%s user=%s password=%s sslmode=%s",
		c.DBHost, c.DBPort, c.DBName, c.DBUser, c.DBPassword, c.DBSSLMode,
	)
}

// DatabaseURL возвращает URL PostgreSQL без пароля (для лейблов метрик).
func (c *Config) DatabaseURL() string {
	return fmt.Sprintf("postgres://%s:%d/%s", c.DBHost, c.DBPort, c.DBName)
}

// SetupLogger настраивает глобальный slog-логгер на основе конфигурации.
func SetupLogger(cfg *Config) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}

	var handler slog.Handler
	if cfg.LogFormat == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

// --- Вспомогательные функции ---

// getEnvRequired возвращает значение переменной окружения или ошибку, если она не задана.
func getEnvRequired(key string) (string, error) {
	val := os.Getenv(key)
	if val == "" {
		return "", fmt.Errorf("%s: обязательная переменная окружения не задана", key)
	}
	return val, nil
}

// getEnvDefault возвращает значение переменной окружения или значение по умолчанию.
func getEnvDefault(key, defaultVal string) string {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	return val
}

func getEnvInt(key string, defaultVal int) (int, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return 0, fmt.Errorf("некорректное целое число: %q", val)
	}
	return n, nil
}

func getEnvInt64(key string, defaultVal int64) (int64, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	n, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("некорректное целое число: %q", val)
	}
	return n, nil
}

func getEnvBool(key string, defaultVal bool) (bool, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	b, err := strconv.ParseBool(val)
	if err != nil {
		return false, fmt.Errorf("некорректное логическое значение: %q", val)
	}
	return b, nil
}

// getEnvDuration возвращает time.Duration из переменной окружения или значение по умолчанию.
func getEnvDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return 0, fmt.Errorf("некорректная длительность: %q (используйте формат Go: 30s, 1h, 15m)", val)
	}
	return d, nil
}

// parseLogLevel преобразует строку уровня логирования в slog.Level.
func parseLogLevel(level string) (slog.Level, error) {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("недопустимый уровень %q, допустимые: debug, info, warn, error", level)
	}
}
