package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/BlacIP/photolibrary/internal/domain/model"
	"github.com/BlacIP/photolibrary/internal/domain/rbac"
	"github.com/BlacIP/photolibrary/internal/objectstore"
	"github.com/BlacIP/photolibrary/internal/repository"
)

// Prometheus-метрики загрузки.
var (
	uploadFilesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pl_upload_files_total",
		Help: "Файлы пакетной загрузки по результату.",
	}, []string{"result"})

	uploadBatchesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pl_upload_batches_total",
		Help: "Общее количество выполненных пакетов загрузки.",
	})

	uploadBytesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pl_upload_bytes_total",
		Help: "Общий объём успешно загруженных байт.",
	})

	uploadFileDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "pl_upload_file_duration_seconds",
		Help:    "Длительность передачи одного файла в хранилище.",
		Buckets: prometheus.DefBuckets,
	})

	uploadInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "pl_upload_in_flight",
		Help: "Количество файлов, передаваемых в хранилище прямо сейчас.",
	})
)

// Причины неуспеха файла.
const (
	reasonCancelled    = "загрузка отменена"
	reasonTooLarge     = "файл превышает максимальный размер"
	reasonEmpty        = "пустой файл"
	reasonSizeMismatch = "размер в хранилище не совпадает с переданным"
	reasonRecordFailed = "не удалось сохранить запись о фото"
)

// UploadConfig — параметры пакетной загрузки.
type UploadConfig struct {
	// Root — корневая папка хранилища
	Root string
	// MaxFileSize — максимальный размер файла
	MaxFileSize int64
	// MaxFiles — максимальное количество файлов в пакете
	MaxFiles int
	// Window — сколько файлов пакета передаётся одновременно
	Window int
	// GlobalLimit — сколько файлов передаётся одновременно во всём процессе
	GlobalLimit int
	// FileTimeout — таймаут передачи одного файла
	FileTimeout time.Duration
	// BatchTimeout — общий бюджет пакета (передача и фиксация записей)
	BatchTimeout time.Duration
}

// FileInput — файл пакета, уже прочитанный в память.
// Для файлов больше лимита Data может быть пустым: решение принимается по Size.
type FileInput struct {
	Name string
	Size int64
	Data []byte
}

// FileOutcome — результат одного файла пакета.
type FileOutcome struct {
	Name      string
	OK        bool
	PhotoID   string
	StorageID string
	URL       string
	SizeBytes int64
	ErrorCode string
	Error     string
}

// BatchProgress — снимок прогресса пакета.
type BatchProgress struct {
	Total     int
	Completed int
	Succeeded int
	Failed    int
	Done      bool
}

// BatchResult — итог пакета загрузки.
type BatchResult struct {
	BatchID   string
	ClientID  string
	Total     int
	Succeeded int
	Failed    int
	Rejected  []Rejection
	Outcomes  []FileOutcome
}

// PartialFailure — часть файлов пакета не загрузилась.
func (r *BatchResult) PartialFailure() bool {
	return r.Failed > 0
}

// Photos возвращает успешно загруженные файлы.
func (r *BatchResult) Photos() []FileOutcome {
	out := make([]FileOutcome, 0, r.Succeeded)
	for _, o := range r.Outcomes {
		if o.OK {
			out = append(out, o)
		}
	}
	return out
}

// Batch — подготовленный пакет: файлы проверены, допустимые ждут передачи.
type Batch struct {
	ID        string
	ClientID  string
	CreatedAt time.Time

	actor    rbac.Actor
	accepted []FileInput
	rejected []Rejection

	completed atomic.Int64
	succeeded atomic.Int64
	failed    atomic.Int64

	once   sync.Once
	done   chan struct{}
	result *BatchResult

	coordinator *UploadCoordinator
}

// Rejected возвращает файлы, отклонённые при подготовке.
func (b *Batch) Rejected() []Rejection {
	return b.rejected
}

// Progress возвращает текущий прогресс. Счётчики только растут,
// после завершения Run Completed == Total.
func (b *Batch) Progress() BatchProgress {
	p := BatchProgress{
		Total:     len(b.accepted),
		Completed: int(b.completed.Load()),
		Succeeded: int(b.succeeded.Load()),
		Failed:    int(b.failed.Load()),
	}
	select {
	case <-b.done:
		p.Done = true
	default:
	}
	return p
}

// Result возвращает итог пакета, если он завершён.
func (b *Batch) Result() (*BatchResult, bool) {
	select {
	case <-b.done:
		return b.result, true
	default:
		return nil, false
	}
}

// Wait блокируется до завершения пакета или отмены ctx.
func (b *Batch) Wait(ctx context.Context) (*BatchResult, error) {
	select {
	case <-b.done:
		return b.result, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Run выполняет пакет. Повторный вызов возвращает тот же результат.
func (b *Batch) Run(ctx context.Context) *BatchResult {
	b.once.Do(func() {
		b.result = b.coordinator.run(ctx, b)
		close(b.done)
	})
	<-b.done
	return b.result
}

// record фиксирует исход одного файла в счётчиках прогресса.
func (b *Batch) record(ok bool) {
	if ok {
		b.succeeded.Add(1)
	} else {
		b.failed.Add(1)
	}
	b.completed.Add(1)
}

// UploadCoordinator — пакетная загрузка фото с ограниченным параллелизмом.
//
// Файлы пакета передаются окнами по Window штук; следующее окно начинается
// после завершения предыдущего. Глобальный семафор ограничивает
// количество одновременных передач во всём процессе. Запись о фото
// создаётся только после успешной записи объекта в хранилище.
type UploadCoordinator struct {
	cfg         UploadConfig
	store       objectstore.Store
	clients     repository.ClientRepository
	photos      repository.PhotoRepository
	policy      rbac.Policy
	invalidator GalleryInvalidator
	global      *semaphore.Weighted
	logger      *slog.Logger

	// Фоновые пакеты останавливаются при Stop
	bgCtx    context.Context
	bgCancel context.CancelFunc
	bgWG     sync.WaitGroup
}

// NewUploadCoordinator создаёт координатор загрузки.
func NewUploadCoordinator(
	cfg UploadConfig,
	store objectstore.Store,
	clients repository.ClientRepository,
	photos repository.PhotoRepository,
	invalidator GalleryInvalidator,
	logger *slog.Logger,
) *UploadCoordinator {
	if cfg.Window < 1 {
		cfg.Window = 1
	}
	if cfg.GlobalLimit < cfg.Window {
		cfg.GlobalLimit = cfg.Window
	}
	if invalidator == nil {
		invalidator = nopInvalidator{}
	}
	bgCtx, bgCancel := context.WithCancel(context.Background())
	return &UploadCoordinator{
		cfg:         cfg,
		store:       store,
		clients:     clients,
		photos:      photos,
		invalidator: invalidator,
		global:      semaphore.NewWeighted(int64(cfg.GlobalLimit)),
		logger:      logger.With(slog.String("component", "upload")),
		bgCtx:       bgCtx,
		bgCancel:    bgCancel,
	}
}

// Prepare проверяет права, клиента и размеры файлов и возвращает пакет,
// готовый к выполнению. Если ни один файл не допустим, возвращается
// *AllFilesRejectedError и пакет не создаётся.
func (u *UploadCoordinator) Prepare(ctx context.Context, clientID string, actor rbac.Actor, files []FileInput) (*Batch, error) {
	if err := authorize(u.policy, actor, rbac.ActionUploadPhoto); err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("%w: пакет не содержит файлов", ErrValidation)
	}
	if u.cfg.MaxFiles > 0 && len(files) > u.cfg.MaxFiles {
		return nil, fmt.Errorf("%w: не более %d файлов в пакете", ErrValidation, u.cfg.MaxFiles)
	}
	if clientID != model.HeadersClientID {
		if _, err := u.clients.GetByID(ctx, clientID); err != nil {
			return nil, repoError(err, "клиент "+clientID)
		}
	}

	b := &Batch{
		ID:          uuid.New().String(),
		ClientID:    clientID,
		CreatedAt:   time.Now().UTC(),
		actor:       actor,
		done:        make(chan struct{}),
		coordinator: u,
	}
	for _, f := range files {
		size := f.Size
		if int64(len(f.Data)) > size {
			size = int64(len(f.Data))
		}
		switch {
		case size > u.cfg.MaxFileSize:
			b.rejected = append(b.rejected, Rejection{
				Name:      f.Name,
				SizeBytes: size,
				Code:      CodePolicyViolation,
				Reason:    fmt.Sprintf("%s (%d байт)", reasonTooLarge, u.cfg.MaxFileSize),
			})
		case len(f.Data) == 0:
			b.rejected = append(b.rejected, Rejection{Name: f.Name, Code: CodeEmptyFile, Reason: reasonEmpty})
		default:
			b.accepted = append(b.accepted, f)
		}
	}
	for _, r := range b.rejected {
		uploadFilesTotal.WithLabelValues("rejected").Inc()
		u.logger.Info("Файл отклонён",
			slog.String("batch_id", b.ID),
			slog.String("filename", r.Name),
			slog.Int64("size", r.SizeBytes),
			slog.String("reason", r.Reason),
		)
	}
	if len(b.accepted) == 0 {
		return nil, &AllFilesRejectedError{Rejected: b.rejected}
	}
	return b, nil
}

// Submit готовит и синхронно выполняет пакет.
func (u *UploadCoordinator) Submit(ctx context.Context, clientID string, actor rbac.Actor, files []FileInput) (*BatchResult, error) {
	b, err := u.Prepare(ctx, clientID, actor, files)
	if err != nil {
		return nil, err
	}
	return b.Run(ctx), nil
}

// RunAsync выполняет пакет в фоне. Пакет отменяется при Stop.
func (u *UploadCoordinator) RunAsync(b *Batch) {
	u.bgWG.Add(1)
	go func() {
		defer u.bgWG.Done()
		b.Run(u.bgCtx)
	}()
}

// Stop отменяет фоновые пакеты и ждёт их завершения.
// Файлы, не начавшие передачу, помечаются как отменённые.
func (u *UploadCoordinator) Stop() {
	u.bgCancel()
	u.bgWG.Wait()
	u.logger.Info("Координатор загрузки остановлен")
}

// run передаёт допустимые файлы окнами и собирает итог.
func (u *UploadCoordinator) run(ctx context.Context, b *Batch) *BatchResult {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, u.cfg.BatchTimeout)
	defer cancel()

	n := len(b.accepted)
	outcomes := make([]FileOutcome, n)

	for from := 0; from < n; from += u.cfg.Window {
		// Отмена проверяется между окнами: начатое окно доводится до конца
		if ctx.Err() != nil {
			for i := from; i < n; i++ {
				outcomes[i] = FileOutcome{Name: b.accepted[i].Name, ErrorCode: "CANCELLED", Error: reasonCancelled}
				b.accepted[i].Data = nil
				b.record(false)
			}
			break
		}

		to := min(from+u.cfg.Window, n)
		var g errgroup.Group
		for i := from; i < to; i++ {
			g.Go(func() error {
				outcomes[i] = u.transfer(ctx, b, b.accepted[i])
				// Пакет живёт в трекере после завершения: байты файла больше не нужны
				b.accepted[i].Data = nil
				b.record(outcomes[i].OK)
				return nil
			})
		}
		_ = g.Wait()
	}

	result := &BatchResult{
		BatchID:   b.ID,
		ClientID:  b.ClientID,
		Total:     n,
		Succeeded: int(b.succeeded.Load()),
		Failed:    int(b.failed.Load()),
		Rejected:  b.rejected,
		Outcomes:  outcomes,
	}

	uploadBatchesTotal.Inc()
	if result.Succeeded > 0 && b.ClientID != model.HeadersClientID {
		u.invalidator.InvalidateClient(b.ClientID)
	}

	u.logger.Info("Пакет загрузки завершён",
		slog.String("batch_id", b.ID),
		slog.String("client_id", b.ClientID),
		slog.Int("total", n),
		slog.Int("succeeded", result.Succeeded),
		slog.Int("failed", result.Failed),
		slog.Int("rejected", len(b.rejected)),
		slog.Duration("duration", time.Since(start)),
	)
	return result
}

// transfer загружает один файл и создаёт запись о фото.
func (u *UploadCoordinator) transfer(ctx context.Context, b *Batch, f FileInput) FileOutcome {
	out := FileOutcome{Name: f.Name}

	if err := u.global.Acquire(ctx, 1); err != nil {
		out.ErrorCode, out.Error = "CANCELLED", reasonCancelled
		uploadFilesTotal.WithLabelValues("failed").Inc()
		return out
	}
	defer u.global.Release(1)

	uploadInFlight.Inc()
	defer uploadInFlight.Dec()

	start := time.Now()
	fctx, cancel := context.WithTimeout(ctx, u.cfg.FileTimeout)
	defer cancel()

	obj, err := u.store.Put(fctx, objectstore.PutInput{
		Folder:   objectstore.FolderFor(u.cfg.Root, b.ClientID),
		Filename: f.Name,
		Body:     bytes.NewReader(f.Data),
		Size:     int64(len(f.Data)),
	})
	uploadFileDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		out.ErrorCode, out.Error = storeErrorCode(err), err.Error()
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			out.ErrorCode = "TIMEOUT"
		}
		uploadFilesTotal.WithLabelValues("failed").Inc()
		u.logger.Warn("Ошибка загрузки файла в хранилище",
			slog.String("batch_id", b.ID),
			slog.String("filename", f.Name),
			slog.String("error", err.Error()),
		)
		return out
	}

	// Rollback: удаление объекта, если запись о фото создать нельзя
	rollback := func(reason string) FileOutcome {
		u.deleteOrphan(ctx, obj.StorageID, reason)
		uploadFilesTotal.WithLabelValues("failed").Inc()
		out.ErrorCode, out.Error = "COMMIT_FAILED", reason
		return out
	}

	if obj.SizeBytes != int64(len(f.Data)) {
		return rollback(fmt.Sprintf("%s: %d != %d", reasonSizeMismatch, obj.SizeBytes, len(f.Data)))
	}

	out.StorageID = obj.StorageID
	out.URL = obj.URL
	out.SizeBytes = obj.SizeBytes

	if b.ClientID != model.HeadersClientID {
		photo := &model.Photo{
			ID:          uuid.New().String(),
			ClientID:    b.ClientID,
			StorageID:   obj.StorageID,
			URL:         obj.URL,
			Filename:    f.Name,
			SizeBytes:   obj.SizeBytes,
			ContentType: obj.ContentType,
			UploadedBy:  b.actor.DisplayName(),
		}
		if err := u.photos.Create(ctx, photo); err != nil {
			u.logger.Error("Ошибка создания записи о фото",
				slog.String("batch_id", b.ID),
				slog.String("storage_id", obj.StorageID),
				slog.String("error", err.Error()),
			)
			out.StorageID, out.URL, out.SizeBytes = "", "", 0
			return rollback(reasonRecordFailed)
		}
		out.PhotoID = photo.ID
	}

	out.OK = true
	uploadFilesTotal.WithLabelValues("succeeded").Inc()
	uploadBytesTotal.Add(float64(obj.SizeBytes))
	u.logger.Info("Файл загружен",
		slog.String("batch_id", b.ID),
		slog.String("client_id", b.ClientID),
		slog.String("storage_id", obj.StorageID),
		slog.Int64("size", obj.SizeBytes),
	)
	return out
}

// deleteOrphan удаляет объект, для которого не будет записи.
// Выполняется вне отменённого контекста пакета; неудача оставляет
// объект-сироту, которого найдёт сверка.
func (u *UploadCoordinator) deleteOrphan(ctx context.Context, storageID, reason string) {
	dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), u.cfg.FileTimeout)
	defer cancel()
	for _, o := range u.store.Delete(dctx, []string{storageID}) {
		if !o.OK {
			u.logger.Warn("Не удалось удалить объект после отката",
				slog.String("storage_id", storageID),
				slog.String("cause", reason),
				slog.String("error", o.Reason),
			)
		}
	}
}
