package service

import (
	"context"
	"log/slog"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/BlacIP/photolibrary/internal/domain/rbac"
	"github.com/BlacIP/photolibrary/internal/objectstore"
	"github.com/BlacIP/photolibrary/internal/repository"
)

const (
	// backfillConcurrency — сколько объектов запрашивается у хранилища одновременно
	backfillConcurrency = 5
	backfillPageSize    = 100
)

// BackfillResult — результат заполнения размеров.
type BackfillResult struct {
	Scanned int
	Updated int
	Failed  int
}

// BackfillService заполняет размеры фото, записанных без размера,
// по метаданным хранилища.
type BackfillService struct {
	store  objectstore.Store
	photos repository.PhotoRepository
	policy rbac.Policy
	logger *slog.Logger
}

// NewBackfillService создаёт сервис заполнения размеров.
func NewBackfillService(store objectstore.Store, photos repository.PhotoRepository, logger *slog.Logger) *BackfillService {
	return &BackfillService{
		store:  store,
		photos: photos,
		logger: logger.With(slog.String("component", "backfill")),
	}
}

// Backfill обходит фото с size_bytes = 0 и записывает размер из хранилища.
// Ошибки отдельных объектов не прерывают обход.
func (s *BackfillService) Backfill(ctx context.Context, actor rbac.Actor) (*BackfillResult, error) {
	if err := authorize(s.policy, actor, rbac.ActionViewStorage); err != nil {
		return nil, err
	}

	result := &BackfillResult{}
	var updated, failed atomic.Int64
	after := ""

	for {
		page, err := s.photos.ListZeroSize(ctx, after, backfillPageSize)
		if err != nil {
			return nil, err
		}
		if len(page) == 0 {
			break
		}
		result.Scanned += len(page)

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(backfillConcurrency)
		for _, p := range page {
			g.Go(func() error {
				info, err := s.store.Stat(gctx, p.StorageID)
				if err == nil && info.SizeBytes > 0 {
					err = s.photos.UpdateSize(gctx, p.ID, info.SizeBytes)
				}
				if err != nil {
					failed.Add(1)
					s.logger.Warn("Не удалось заполнить размер фото",
						slog.String("photo_id", p.ID),
						slog.String("storage_id", p.StorageID),
						slog.String("error", err.Error()),
					)
					return nil
				}
				if info.SizeBytes > 0 {
					updated.Add(1)
				}
				return nil
			})
		}
		_ = g.Wait()

		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if len(page) < backfillPageSize {
			break
		}
		after = page[len(page)-1].ID
	}

	result.Updated = int(updated.Load())
	result.Failed = int(failed.Load())
	s.logger.Info("Заполнение размеров завершено",
		slog.Int("scanned", result.Scanned),
		slog.Int("updated", result.Updated),
		slog.Int("failed", result.Failed),
	)
	return result, nil
}
