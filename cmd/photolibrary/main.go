// Точка входа photolibrary — сервис выдачи фотографий студии.
// Загружает конфигурацию, применяет миграции, подключается к PostgreSQL
// и объектному хранилищу, создаёт сервисный слой, запускает фоновые
// задачи (очистка жизненного цикла, сверка, topologymetrics) и
// HTTP-сервер с JWT middleware и graceful shutdown.
package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/jackc/pgx/v5/stdlib"

	"github.com/BlacIP/photolibrary/internal/api/handlers"
	"github.com/BlacIP/photolibrary/internal/api/middleware"
	"github.com/BlacIP/photolibrary/internal/config"
	"github.com/BlacIP/photolibrary/internal/database"
	"github.com/BlacIP/photolibrary/internal/objectstore"
	"github.com/BlacIP/photolibrary/internal/repository"
	"github.com/BlacIP/photolibrary/internal/server"
	"github.com/BlacIP/photolibrary/internal/service"
)

// uploadTrackerSize — сколько асинхронных пакетов хранится для опроса прогресса.
const uploadTrackerSize = 1024

func main() {
	// 1. Загрузка конфигурации из переменных окружения
	cfg, err := config.Load()
	if err != nil {
		slog.Error("Ошибка загрузки конфигурации", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// 2. Настройка логирования
	logger := config.SetupLogger(cfg)
	slog.SetDefault(logger)
	logger.Info("photolibrary запускается",
		slog.String("version", config.Version),
		slog.Int("port", cfg.Port),
		slog.String("storage_backend", cfg.StorageBackend),
	)

	// 3. Применение миграций БД
	logger.Info("Применение миграций БД...")
	if err := database.Migrate(cfg, logger); err != nil {
		logger.Error("Ошибка миграций БД", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// 4. Подключение к PostgreSQL (pgxpool)
	ctx := context.Background()
	pool, err := database.Connect(ctx, cfg, logger)
	if err != nil {
		logger.Error("Ошибка подключения к PostgreSQL", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer pool.Close()

	// 4.1 Адаптер pgxpool → *sql.DB для topologymetrics
	pgDB := stdlib.OpenDBFromPool(pool)
	defer pgDB.Close()

	// 5. Объектное хранилище
	store, localStore, storeChecker, err := openStore(ctx, cfg, logger)
	if err != nil {
		logger.Error("Ошибка инициализации хранилища", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// 6. Repositories
	clientRepo := repository.NewClientRepository(pool)
	photoRepo := repository.NewPhotoRepository(pool)
	txRunner := repository.NewTxRunner(pool)

	// 7. Services
	galleryCache := service.NewGalleryCache(cfg.GalleryCacheSize, cfg.GalleryCacheTTL)
	clientSvc := service.NewClientService(clientRepo, photoRepo, store, galleryCache, logger)
	mediaSvc := service.NewMediaService(cfg.StorageRootFolder, cfg.MaxFileSize, store, clientRepo, photoRepo, galleryCache, logger)
	uploadSvc := service.NewUploadCoordinator(service.UploadConfig{
		Root:         cfg.StorageRootFolder,
		MaxFileSize:  cfg.MaxFileSize,
		MaxFiles:     cfg.UploadMaxFiles,
		Window:       cfg.UploadWindow,
		GlobalLimit:  cfg.UploadGlobalLimit,
		FileTimeout:  cfg.UploadFileTimeout,
		BatchTimeout: cfg.UploadBatchTimeout,
	}, store, clientRepo, photoRepo, galleryCache, logger)
	uploadTracker := service.NewUploadTracker(uploadTrackerSize, cfg.UploadTrackerTTL)
	lifecycleSvc := service.NewLifecycleService(service.LifecycleConfig{
		ArchiveRetention: cfg.ArchiveRetention,
		RecycleRetention: cfg.RecycleRetention,
		Interval:         cfg.SweepInterval,
	}, clientRepo, txRunner, store, galleryCache, logger)
	accountant := service.NewStorageAccountant(clientRepo, store, logger)
	backfillSvc := service.NewBackfillService(store, photoRepo, logger)
	reconcileSvc := service.NewReconcileService(service.ReconcileConfig{
		Root:          cfg.StorageRootFolder,
		Interval:      cfg.ReconcileInterval,
		Grace:         cfg.ReconcileGrace,
		DeleteOrphans: cfg.ReconcileDeleteOrphans,
	}, store, photoRepo, logger)

	// 8. Фоновые задачи
	if cfg.SweepEnabled {
		lifecycleSvc.Start(ctx)
	} else {
		logger.Info("Фоновая очистка отключена (PL_SWEEP_ENABLED=false)")
	}
	if cfg.ReconcileInterval > 0 {
		reconcileSvc.Start(ctx)
	}

	// 8.1 topologymetrics — мониторинг зависимостей (PostgreSQL, JWKS, S3)
	dephealthCfg := service.DephealthConfig{
		ServiceID:     "photolibrary",
		Group:         cfg.DephealthGroup,
		PgConnURL:     cfg.DatabaseURL(),
		JWKSURL:       cfg.JWTJWKSURL,
		CheckInterval: cfg.DephealthCheckInterval,
	}
	if cfg.StorageBackend == config.StorageBackendS3 {
		dephealthCfg.S3Endpoint = cfg.S3Endpoint
		dephealthCfg.S3HealthPath = cfg.S3HealthPath
	}
	dephealthSvc, dephealthErr := service.NewDephealthService(dephealthCfg, pgDB, logger)
	if dephealthErr != nil {
		logger.Warn("topologymetrics недоступен, запуск без мониторинга зависимостей",
			slog.String("error", dephealthErr.Error()),
		)
		dephealthSvc = nil
	} else if startErr := dephealthSvc.Start(ctx); startErr != nil {
		logger.Warn("Ошибка запуска topologymetrics", slog.String("error", startErr.Error()))
		dephealthSvc = nil
	} else {
		logger.Info("topologymetrics запущен",
			slog.String("group", cfg.DephealthGroup),
			slog.String("check_interval", cfg.DephealthCheckInterval.String()),
		)
	}

	// 9. JWT middleware
	jwtAuth, err := middleware.NewJWTAuth(
		cfg.JWTJWKSURL,
		cfg.JWTIssuer,
		middleware.ClaimsConfig{RoleClaim: cfg.JWTRoleClaim, PermissionsClaim: cfg.JWTPermissionsClaim},
		cfg.JWKSClientTimeout,
		cfg.JWKSRefreshInterval,
		cfg.JWTLeeway,
		logger,
	)
	if err != nil {
		logger.Error("Ошибка создания JWT middleware", slog.String("error", err.Error()))
		os.Exit(1)
	}
	logger.Info("JWT middleware инициализирован",
		slog.String("jwks_url", cfg.JWTJWKSURL),
		slog.String("issuer", cfg.JWTIssuer),
	)

	// 10. Health и API handlers
	healthHandler := handlers.NewHealthHandler(
		database.NewReadinessChecker(pool),
		storeChecker,
		middleware.NewJWKSReadinessChecker(cfg.JWTJWKSURL, cfg.JWKSClientTimeout),
	)
	apiHandler := handlers.NewAPIHandler(healthHandler, handlers.Services{
		Clients:    clientSvc,
		Media:      mediaSvc,
		Uploads:    uploadSvc,
		Tracker:    uploadTracker,
		Lifecycle:  lifecycleSvc,
		Accountant: accountant,
		Backfill:   backfillSvc,
		Reconcile:  reconcileSvc,
		LocalStore: localStore,
	}, handlers.UploadLimits{MaxFileSize: cfg.MaxFileSize, MaxFiles: cfg.UploadMaxFiles}, logger)

	// 11. HTTP-сервер: метрики, логирование, затем JWT (кроме публичных путей)
	srv := server.New(cfg, logger, apiHandler,
		middleware.MetricsMiddleware(),
		middleware.RequestLogger(logger),
		server.JWTAuthWithExclusions(jwtAuth.Middleware(), server.PublicPaths...),
	)
	if err := srv.Run(); err != nil {
		logger.Error("Ошибка сервера", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// 12. Graceful shutdown фоновых задач
	logger.Info("Останавливаем фоновые задачи...")

	uploadSvc.Stop()
	if cfg.SweepEnabled {
		lifecycleSvc.Stop()
	}
	if cfg.ReconcileInterval > 0 {
		reconcileSvc.Stop()
	}
	if dephealthSvc != nil {
		dephealthSvc.Stop()
	}

	logger.Info("photolibrary остановлен")
}

// openStore создаёт бэкенд хранилища по PL_STORAGE_BACKEND.
// Для локального бэкенда дополнительно возвращается *LocalStore:
// через него API раздаёт файлы и принимает прямую загрузку.
func openStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (objectstore.Store, *objectstore.LocalStore, handlers.ReadinessChecker, error) {
	if cfg.StorageBackend == config.StorageBackendLocal {
		ls, err := objectstore.NewLocalStore(objectstore.LocalConfig{
			DataDir:         cfg.LocalDataDir,
			PublicURL:       cfg.LocalPublicURL,
			SigningSecret:   cfg.LocalSigningSecret,
			QuotaBytes:      cfg.StorageQuotaBytes,
			SignedUploadTTL: cfg.SignedUploadTTL,
			MaxObjectSize:   cfg.MaxFileSize,
			Root:            cfg.StorageRootFolder,
		}, logger)
		if err != nil {
			return nil, nil, nil, err
		}
		logger.Info("Локальное хранилище готово", slog.String("data_dir", cfg.LocalDataDir))
		return ls, ls, ls, nil
	}

	s3Store, err := objectstore.NewS3Store(ctx, objectstore.S3Config{
		Endpoint:        cfg.S3Endpoint,
		Region:          cfg.S3Region,
		Bucket:          cfg.S3Bucket,
		AccessKeyID:     cfg.S3AccessKeyID,
		SecretAccessKey: cfg.S3SecretAccessKey,
		PublicURL:       cfg.S3PublicURL,
		UsePathStyle:    cfg.S3UsePathStyle,
		QuotaBytes:      cfg.StorageQuotaBytes,
		MaxObjectSize:   cfg.MaxFileSize,
		SignedUploadTTL: cfg.SignedUploadTTL,
		Root:            cfg.StorageRootFolder,
	}, logger)
	if err != nil {
		return nil, nil, nil, err
	}
	logger.Info("S3 хранилище готово",
		slog.String("bucket", cfg.S3Bucket),
		slog.String("endpoint", cfg.S3Endpoint),
	)
	return s3Store, nil, s3Store, nil
}
