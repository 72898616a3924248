// reconcile.go — сверка объектного хранилища с таблицей photos.
//
// Типы расхождений:
//   - orphaned_blob — объект в папке клиента без записи о фото
//   - missing_blob — запись о фото без объекта в хранилище
//
// Объекты-сироты появляются, когда удаление после отката загрузки не
// удалось; пропавшие объекты — когда окончательное удаление клиента
// прервалось после удаления объектов. Папка шапок галерей не сверяется:
// у её объектов нет записей.
package service

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/BlacIP/photolibrary/internal/domain/model"
	"github.com/BlacIP/photolibrary/internal/domain/rbac"
	"github.com/BlacIP/photolibrary/internal/objectstore"
	"github.com/BlacIP/photolibrary/internal/repository"
)

// Типы расхождений.
const (
	IssueOrphanedBlob = "orphaned_blob"
	IssueMissingBlob  = "missing_blob"
)

const (
	reconcileChunk    = 500
	reconcilePageSize = 500
)

// Prometheus метрики сверки
var (
	reconcileIssuesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pl_reconcile_issues_total",
		Help: "Расхождения хранилища и базы по типу",
	}, []string{"type"})

	reconcileDurationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "pl_reconcile_duration_seconds",
		Help:    "Длительность сверки в секундах",
		Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60, 300},
	})
)

// ReconcileIssue — одно расхождение.
type ReconcileIssue struct {
	Type      string
	StorageID string
	PhotoID   string
	ClientID  string
	SizeBytes int64
	// Deleted — объект-сирота удалён в этом запуске
	Deleted bool
}

// ReconcileReport — результат сверки.
type ReconcileReport struct {
	StartedAt     time.Time
	CompletedAt   time.Time
	BlobsChecked  int
	PhotosChecked int
	Issues        []ReconcileIssue
	Orphaned      int
	Missing       int
	Deleted       int
}

// Err возвращает ErrInconsistentState, если найдены расхождения.
func (r *ReconcileReport) Err() error {
	if len(r.Issues) > 0 {
		return ErrInconsistentState
	}
	return nil
}

// ReconcileConfig — параметры сверки.
type ReconcileConfig struct {
	Root string
	// Interval — период фоновой сверки
	Interval time.Duration
	// Grace — объекты моложе grace не считаются сиротами (загрузка ещё идёт)
	Grace time.Duration
	// DeleteOrphans — удалять найденные объекты-сироты
	DeleteOrphans bool
}

// ReconcileService — сверка хранилища и базы.
type ReconcileService struct {
	cfg    ReconcileConfig
	store  objectstore.Store
	photos repository.PhotoRepository
	policy rbac.Policy
	logger *slog.Logger

	mu        sync.Mutex
	inProcess bool
	cancel    context.CancelFunc
	done      chan struct{}
}

// NewReconcileService создаёт сервис сверки.
func NewReconcileService(cfg ReconcileConfig, store objectstore.Store, photos repository.PhotoRepository, logger *slog.Logger) *ReconcileService {
	return &ReconcileService{
		cfg:    cfg,
		store:  store,
		photos: photos,
		logger: logger.With(slog.String("component", "reconcile")),
	}
}

// Start запускает фоновую сверку с периодическим тикером.
// Первый запуск — через Interval, а не сразу после старта.
func (rs *ReconcileService) Start(ctx context.Context) {
	rcCtx, cancel := context.WithCancel(ctx)
	rs.cancel = cancel
	rs.done = make(chan struct{})

	go rs.run(rcCtx)

	rs.logger.Info("Сверка хранилища запущена",
		slog.String("interval", rs.cfg.Interval.String()),
		slog.Bool("delete_orphans", rs.cfg.DeleteOrphans),
	)
}

// Stop останавливает фоновую сверку и ждёт завершения текущего прохода.
func (rs *ReconcileService) Stop() {
	if rs.cancel != nil {
		rs.cancel()
		<-rs.done
	}
	rs.logger.Info("Сверка хранилища остановлена")
}

// IsInProgress возвращает true, если сверка выполняется.
func (rs *ReconcileService) IsInProgress() bool {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return rs.inProcess
}

func (rs *ReconcileService) run(ctx context.Context) {
	defer close(rs.done)

	ticker := time.NewTicker(rs.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, _, err := rs.RunOnce(ctx); err != nil {
				rs.logger.Error("Ошибка сверки", slog.String("error", err.Error()))
			}
		}
	}
}

// RunOnce выполняет сверку. Если сверка уже идёт, возвращает skipped=true.
func (rs *ReconcileService) RunOnce(ctx context.Context) (*ReconcileReport, bool, error) {
	rs.mu.Lock()
	if rs.inProcess {
		rs.mu.Unlock()
		rs.logger.Info("Сверка уже выполняется, пропуск")
		return nil, true, nil
	}
	rs.inProcess = true
	rs.mu.Unlock()

	defer func() {
		rs.mu.Lock()
		rs.inProcess = false
		rs.mu.Unlock()
	}()

	report := &ReconcileReport{StartedAt: time.Now().UTC()}
	seen, err := rs.checkBlobs(ctx, report)
	if err != nil {
		return nil, false, err
	}
	if err := rs.checkRows(ctx, seen, report); err != nil {
		return nil, false, err
	}
	report.CompletedAt = time.Now().UTC()

	duration := report.CompletedAt.Sub(report.StartedAt)
	reconcileDurationSeconds.Observe(duration.Seconds())
	for _, issue := range report.Issues {
		reconcileIssuesTotal.WithLabelValues(issue.Type).Inc()
	}

	rs.logger.Info("Сверка завершена",
		slog.Int("blobs_checked", report.BlobsChecked),
		slog.Int("photos_checked", report.PhotosChecked),
		slog.Int("orphaned", report.Orphaned),
		slog.Int("missing", report.Missing),
		slog.Int("deleted", report.Deleted),
		slog.Duration("duration", duration),
	)
	return report, false, nil
}

// Reconcile — ручной запуск сверки, доступен только SUPER_ADMIN и выше.
func (rs *ReconcileService) Reconcile(ctx context.Context, actor rbac.Actor) (*ReconcileReport, bool, error) {
	if err := authorize(rs.policy, actor, rbac.ActionViewStorage); err != nil {
		return nil, false, err
	}
	return rs.RunOnce(ctx)
}

// checkBlobs обходит объекты клиентов и ищет объекты без записей.
// Возвращает множество всех увиденных ключей.
func (rs *ReconcileService) checkBlobs(ctx context.Context, report *ReconcileReport) (map[string]bool, error) {
	seen := make(map[string]bool)
	headers := objectstore.FolderFor(rs.cfg.Root, model.HeadersClientID) + "/"
	cutoff := time.Now().Add(-rs.cfg.Grace)

	var chunk []objectstore.ObjectInfo
	flush := func() error {
		if len(chunk) == 0 {
			return nil
		}
		ids := make([]string, 0, len(chunk))
		for _, o := range chunk {
			ids = append(ids, o.StorageID)
		}
		known, err := rs.photos.ExistingStorageIDs(ctx, ids)
		if err != nil {
			return err
		}
		var orphans []ReconcileIssue
		for _, o := range chunk {
			if known[o.StorageID] || o.LastModified.After(cutoff) {
				continue
			}
			orphans = append(orphans, ReconcileIssue{
				Type:      IssueOrphanedBlob,
				StorageID: o.StorageID,
				ClientID:  clientFromKey(rs.cfg.Root, o.StorageID),
				SizeBytes: o.SizeBytes,
			})
		}
		if rs.cfg.DeleteOrphans && len(orphans) > 0 {
			rs.deleteOrphans(ctx, orphans, report)
		}
		report.Orphaned += len(orphans)
		report.Issues = append(report.Issues, orphans...)
		chunk = chunk[:0]
		return nil
	}

	err := rs.store.List(ctx, rs.cfg.Root+"/", func(o objectstore.ObjectInfo) error {
		if strings.HasPrefix(o.StorageID, headers) {
			return nil
		}
		seen[o.StorageID] = true
		report.BlobsChecked++
		chunk = append(chunk, o)
		if len(chunk) >= reconcileChunk {
			return flush()
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if err := flush(); err != nil {
		return nil, err
	}
	return seen, nil
}

// deleteOrphans удаляет объекты-сироты и отмечает удалённые.
func (rs *ReconcileService) deleteOrphans(ctx context.Context, orphans []ReconcileIssue, report *ReconcileReport) {
	ids := make([]string, 0, len(orphans))
	for _, o := range orphans {
		ids = append(ids, o.StorageID)
	}
	ok := make(map[string]bool, len(ids))
	for _, out := range rs.store.Delete(ctx, ids) {
		if out.OK {
			ok[out.StorageID] = true
		} else {
			rs.logger.Warn("Не удалось удалить объект-сироту",
				slog.String("storage_id", out.StorageID),
				slog.String("reason", out.Reason),
			)
		}
	}
	for i := range orphans {
		if ok[orphans[i].StorageID] {
			orphans[i].Deleted = true
			report.Deleted++
		}
	}
}

// checkRows обходит записи о фото и ищет записи без объектов.
// Запись, объект которой не попал в листинг, проверяется Stat:
// она могла появиться после начала обхода.
func (rs *ReconcileService) checkRows(ctx context.Context, seen map[string]bool, report *ReconcileReport) error {
	after := ""
	for {
		page, err := rs.photos.ListPage(ctx, after, reconcilePageSize)
		if err != nil {
			return err
		}
		for _, p := range page {
			report.PhotosChecked++
			if seen[p.StorageID] {
				continue
			}
			_, err := rs.store.Stat(ctx, p.StorageID)
			if err == nil {
				continue
			}
			if !errors.Is(err, objectstore.ErrNotFound) {
				return err
			}
			report.Missing++
			report.Issues = append(report.Issues, ReconcileIssue{
				Type:      IssueMissingBlob,
				StorageID: p.StorageID,
				PhotoID:   p.ID,
				ClientID:  p.ClientID,
				SizeBytes: p.SizeBytes,
			})
		}
		if len(page) < reconcilePageSize {
			return nil
		}
		after = page[len(page)-1].ID
	}
}

// clientFromKey извлекает clientId из ключа {root}/{clientId}/{имя}.
func clientFromKey(root, storageID string) string {
	rest := strings.TrimPrefix(storageID, root+"/")
	if i := strings.IndexByte(rest, '/'); i > 0 {
		return rest[:i]
	}
	return ""
}
