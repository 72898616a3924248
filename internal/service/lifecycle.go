// lifecycle.go — жизненный цикл клиентов: ручная смена статуса и
// фоновая очистка по возрасту статуса.
//
// Очистка выполняет две фазы:
//  1. ARCHIVED дольше ArchiveRetention → DELETED (корзина)
//  2. DELETED дольше RecycleRetention → окончательное удаление
//     (объекты в хранилище, затем строки photos и clients)
//
// Все переходы условные (WHERE status = ...), поэтому параллельные
// очистки и ручные изменения не конфликтуют.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/BlacIP/photolibrary/internal/domain/lifecycle"
	"github.com/BlacIP/photolibrary/internal/domain/model"
	"github.com/BlacIP/photolibrary/internal/domain/rbac"
	"github.com/BlacIP/photolibrary/internal/objectstore"
	"github.com/BlacIP/photolibrary/internal/repository"
)

// Prometheus метрики очистки
var (
	sweepRunsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pl_sweep_runs_total",
		Help: "Общее количество запусков очистки",
	})

	sweepMovedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pl_sweep_moved_to_recycle_bin_total",
		Help: "Клиенты, перемещённые очисткой из архива в корзину",
	})

	sweepPurgedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pl_sweep_purged_total",
		Help: "Клиенты, удалённые окончательно",
	})

	sweepBlobFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pl_sweep_blob_failures_total",
		Help: "Объекты, которые не удалось удалить из хранилища при окончательном удалении",
	})

	sweepDurationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "pl_sweep_duration_seconds",
		Help:    "Длительность очистки в секундах",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
	})
)

// BlobFailure — объект, который не удалось удалить из хранилища.
type BlobFailure struct {
	ClientID  string
	StorageID string
	Reason    string
}

// ClientFailure — клиент, окончательное удаление которого не удалось.
type ClientFailure struct {
	ClientID string
	Reason   string
}

// SweepResult — результат одного запуска очистки.
type SweepResult struct {
	// MovedToRecycleBin — клиенты, перемещённые из архива в корзину
	MovedToRecycleBin []string
	// Purged — клиенты, удалённые окончательно
	Purged []string
	// BlobFailures — объекты, оставшиеся в хранилище после удаления строк
	BlobFailures []BlobFailure
	// FailedClients — клиенты, которые не удалось удалить (повтор при следующем запуске)
	FailedClients []ClientFailure
	// Duration — длительность выполнения
	Duration time.Duration
}

// StatusChange — результат ручной смены статуса.
type StatusChange struct {
	// Client — клиент после перехода (nil, если удалён окончательно)
	Client *model.Client
	// Purged — клиент удалён окончательно
	Purged bool
	// RemovedPhotos — количество удалённых записей о фото
	RemovedPhotos int64
	// BlobFailures — объекты, которые не удалось удалить
	BlobFailures []BlobFailure
}

// LifecycleConfig — параметры жизненного цикла.
type LifecycleConfig struct {
	// ArchiveRetention — сколько клиент лежит в архиве до перемещения в корзину
	ArchiveRetention time.Duration
	// RecycleRetention — сколько клиент лежит в корзине до окончательного удаления
	RecycleRetention time.Duration
	// Interval — период фоновой очистки
	Interval time.Duration
}

// LifecycleService — смена статусов клиентов и фоновая очистка.
type LifecycleService struct {
	cfg         LifecycleConfig
	clients     repository.ClientRepository
	tx          repository.Transactor
	store       objectstore.Store
	policy      rbac.Policy
	invalidator GalleryInvalidator
	logger      *slog.Logger
	now         func() time.Time

	mu     sync.Mutex // защита от параллельного запуска RunOnce
	cancel context.CancelFunc
	done   chan struct{}
}

// NewLifecycleService создаёт сервис жизненного цикла.
func NewLifecycleService(
	cfg LifecycleConfig,
	clients repository.ClientRepository,
	tx repository.Transactor,
	store objectstore.Store,
	invalidator GalleryInvalidator,
	logger *slog.Logger,
) *LifecycleService {
	if invalidator == nil {
		invalidator = nopInvalidator{}
	}
	return &LifecycleService{
		cfg:         cfg,
		clients:     clients,
		tx:          tx,
		store:       store,
		invalidator: invalidator,
		logger:      logger.With(slog.String("component", "lifecycle")),
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// Start запускает фоновую очистку с периодическим тикером.
func (s *LifecycleService) Start(ctx context.Context) {
	sweepCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})

	go s.run(sweepCtx)

	s.logger.Info("Очистка жизненного цикла запущена",
		slog.String("interval", s.cfg.Interval.String()),
		slog.String("archive_retention", s.cfg.ArchiveRetention.String()),
		slog.String("recycle_retention", s.cfg.RecycleRetention.String()),
	)
}

// Stop останавливает фоновую очистку и ждёт завершения текущего запуска.
func (s *LifecycleService) Stop() {
	if s.cancel != nil {
		s.cancel()
		<-s.done
	}
	s.logger.Info("Очистка жизненного цикла остановлена")
}

// run — основной цикл фоновой горутины.
func (s *LifecycleService) run(ctx context.Context) {
	defer close(s.done)

	// Первый запуск — сразу после старта
	s.RunOnce(ctx)

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.RunOnce(ctx)
		}
	}
}

// RunOnce выполняет очистку, если она не выполняется прямо сейчас.
// Возвращает skipped=true, если предыдущий запуск ещё не завершён.
func (s *LifecycleService) RunOnce(ctx context.Context) (*SweepResult, bool) {
	if !s.mu.TryLock() {
		s.logger.Info("Очистка уже выполняется, пропуск")
		return nil, true
	}
	defer s.mu.Unlock()

	result, err := s.Sweep(ctx, s.now())
	if err != nil {
		s.logger.Error("Ошибка очистки", slog.String("error", err.Error()))
	}
	return result, false
}

// Sweep выполняет обе фазы очистки относительно момента now.
// Повторный запуск с тем же now ничего не меняет. Клиент, попавший в
// корзину в этом запуске, не удаляется в нём же.
func (s *LifecycleService) Sweep(ctx context.Context, now time.Time) (*SweepResult, error) {
	start := time.Now()
	result := &SweepResult{}
	sweepRunsTotal.Inc()
	defer func() {
		result.Duration = time.Since(start)
		sweepDurationSeconds.Observe(result.Duration.Seconds())
	}()

	// Фаза 1: архив → корзина
	moved, err := s.clients.MoveExpired(ctx,
		lifecycle.StatusArchived, lifecycle.StatusDeleted, now.Add(-s.cfg.ArchiveRetention), now)
	if err != nil {
		return result, fmt.Errorf("перемещение архивных клиентов в корзину: %w", err)
	}
	result.MovedToRecycleBin = moved
	sweepMovedTotal.Add(float64(len(moved)))
	for _, id := range moved {
		s.invalidator.InvalidateClient(id)
	}

	// Фаза 2: окончательное удаление из корзины
	cutoff := now.Add(-s.cfg.RecycleRetention)
	expired, err := s.clients.ListExpired(ctx, lifecycle.StatusDeleted, cutoff)
	if err != nil {
		return result, fmt.Errorf("поиск клиентов для удаления: %w", err)
	}
	for _, id := range expired {
		if ctx.Err() != nil {
			break
		}
		out, err := s.purge(ctx, id, &cutoff)
		if err != nil {
			s.logger.Warn("Ошибка окончательного удаления клиента",
				slog.String("client_id", id),
				slog.String("error", err.Error()),
			)
			result.FailedClients = append(result.FailedClients, ClientFailure{ClientID: id, Reason: err.Error()})
			continue
		}
		if !out.Purged {
			// Клиента восстановили или удалили параллельно
			continue
		}
		result.Purged = append(result.Purged, id)
		result.BlobFailures = append(result.BlobFailures, out.BlobFailures...)
	}
	sweepPurgedTotal.Add(float64(len(result.Purged)))
	sweepBlobFailuresTotal.Add(float64(len(result.BlobFailures)))

	s.logger.Info("Очистка завершена",
		slog.Int("moved_to_recycle_bin", len(result.MovedToRecycleBin)),
		slog.Int("purged", len(result.Purged)),
		slog.Int("blob_failures", len(result.BlobFailures)),
		slog.Int("failed_clients", len(result.FailedClients)),
		slog.Duration("duration", time.Since(start)),
	)
	return result, nil
}

// SweepNow — ручной запуск очистки администратором.
func (s *LifecycleService) SweepNow(ctx context.Context, actor rbac.Actor) (*SweepResult, error) {
	if err := authorize(s.policy, actor, rbac.ActionRunSweep); err != nil {
		return nil, err
	}
	return s.Sweep(ctx, s.now())
}

// SetStatus выполняет ручной переход статуса клиента.
// Переход в PURGED удаляет клиента окончательно и требует confirmed.
func (s *LifecycleService) SetStatus(ctx context.Context, clientID string, target lifecycle.Status, confirmed bool, actor rbac.Actor) (*StatusChange, error) {
	if err := authorize(s.policy, actor, rbac.ActionManageClientStatus); err != nil {
		return nil, err
	}
	// Подтверждение — только после проверки прав
	if lifecycle.RequiresConfirmation(target) && !confirmed {
		return nil, lifecycle.ConfirmationError(target)
	}

	client, err := s.clients.GetByID(ctx, clientID)
	if err != nil {
		return nil, repoError(err, "клиент "+clientID)
	}
	if err := lifecycle.CheckTransition(client.Status, target); err != nil {
		return nil, err
	}

	if target == lifecycle.StatusPurged {
		out, err := s.purge(ctx, clientID, nil)
		if err != nil {
			return nil, err
		}
		if !out.Purged {
			return nil, fmt.Errorf("%w: статус клиента изменился, обновите страницу", ErrConflict)
		}
		s.logger.Info("Клиент удалён окончательно",
			slog.String("client_id", clientID),
			slog.String("actor", actor.DisplayName()),
			slog.Int64("photos", out.RemovedPhotos),
			slog.Int("blob_failures", len(out.BlobFailures)),
		)
		return out, nil
	}

	now := s.now()
	ok, err := s.clients.TransitionStatus(ctx, clientID, client.Status, target, now)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: статус клиента изменился, обновите страницу", ErrConflict)
	}
	s.invalidator.InvalidateClient(clientID)

	s.logger.Info("Статус клиента изменён",
		slog.String("client_id", clientID),
		slog.String("from", string(client.Status)),
		slog.String("to", string(target)),
		slog.String("actor", actor.DisplayName()),
	)

	client.Status = target
	client.StatusChangedAt = now
	client.UpdatedAt = now
	return &StatusChange{Client: client}, nil
}

// purge окончательно удаляет клиента в одной транзакции.
// Строка клиента блокируется (SKIP LOCKED), объекты удаляются из
// хранилища, затем удаляются строки photos и clients. Неудавшиеся
// удаления объектов не останавливают удаление строк, а попадают в отчёт.
// cutoff=nil — ручное удаление без проверки возраста статуса.
func (s *LifecycleService) purge(ctx context.Context, clientID string, cutoff *time.Time) (*StatusChange, error) {
	out := &StatusChange{}
	err := s.tx.WithinTx(ctx, func(r repository.Repos) error {
		locked, err := r.Clients.LockForPurge(ctx, clientID, cutoff)
		if err != nil {
			return err
		}
		if !locked {
			return nil
		}

		photos, err := r.Photos.ListByClient(ctx, clientID)
		if err != nil {
			return err
		}
		if len(photos) > 0 {
			ids := make([]string, 0, len(photos))
			for _, p := range photos {
				ids = append(ids, p.StorageID)
			}
			for _, o := range s.store.Delete(ctx, ids) {
				if !o.OK {
					out.BlobFailures = append(out.BlobFailures, BlobFailure{
						ClientID:  clientID,
						StorageID: o.StorageID,
						Reason:    o.Reason,
					})
				}
			}
		}

		removed, err := r.Photos.DeleteByClient(ctx, clientID)
		if err != nil {
			return err
		}
		if err := r.Clients.Delete(ctx, clientID); err != nil && !errors.Is(err, repository.ErrNotFound) {
			return err
		}
		out.RemovedPhotos = removed
		out.Purged = true
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("окончательное удаление клиента %s: %w", clientID, err)
	}
	if out.Purged {
		s.invalidator.InvalidateClient(clientID)
		for _, f := range out.BlobFailures {
			s.logger.Warn("Объект не удалён из хранилища",
				slog.String("client_id", clientID),
				slog.String("storage_id", f.StorageID),
				slog.String("reason", f.Reason),
			)
		}
	}
	return out, nil
}
