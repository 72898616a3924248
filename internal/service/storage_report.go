package service

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/BlacIP/photolibrary/internal/domain/lifecycle"
	"github.com/BlacIP/photolibrary/internal/domain/model"
	"github.com/BlacIP/photolibrary/internal/domain/rbac"
	"github.com/BlacIP/photolibrary/internal/objectstore"
	"github.com/BlacIP/photolibrary/internal/repository"
)

// externalUsageTimeout — таймаут запроса использования у хранилища.
const externalUsageTimeout = 10 * time.Second

// StorageAccountant строит отчёт о занятом месте по записям о фото
// и дополняет его данными самого хранилища.
type StorageAccountant struct {
	clients repository.ClientRepository
	store   objectstore.Store
	policy  rbac.Policy
	logger  *slog.Logger
}

// NewStorageAccountant создаёт сервис учёта места.
func NewStorageAccountant(clients repository.ClientRepository, store objectstore.Store, logger *slog.Logger) *StorageAccountant {
	return &StorageAccountant{
		clients: clients,
		store:   store,
		logger:  logger.With(slog.String("component", "storage-report")),
	}
}

// Report возвращает отчёт о месте. Ошибка хранилища не прерывает
// отчёт, а попадает в ExternalError.
func (a *StorageAccountant) Report(ctx context.Context, actor rbac.Actor) (*model.StorageReport, error) {
	if err := authorize(a.policy, actor, rbac.ActionViewStorage); err != nil {
		return nil, err
	}

	var (
		usage    []model.ClientUsage
		external *objectstore.Usage
		extErr   error
	)

	// Ошибка внешнего запроса не должна отменять внутренний, поэтому
	// обычная группа без общего контекста.
	var g errgroup.Group
	g.Go(func() error {
		var err error
		usage, err = a.clients.Usage(ctx)
		return err
	})
	g.Go(func() error {
		uctx, cancel := context.WithTimeout(ctx, externalUsageTimeout)
		defer cancel()
		external, extErr = a.store.Usage(uctx)
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	report := buildReport(usage)
	if extErr != nil {
		a.logger.Warn("Не удалось получить использование хранилища",
			slog.String("backend", a.store.Backend()),
			slog.String("error", extErr.Error()),
		)
		report.ExternalError = &model.ExternalUsageError{Message: extErr.Error()}
	} else if external != nil {
		report.External = &model.ExternalUsage{
			Plan:         external.Plan,
			BytesUsed:    external.BytesUsed,
			ObjectCount:  external.ObjectCount,
			CreditsUsed:  external.CreditsUsed,
			CreditsLimit: external.CreditsLimit,
			UsedPercent:  external.UsedPercent,
		}
	}
	return report, nil
}

// buildReport группирует использование по статусам.
// Сумма по статусам всегда равна TotalBytes.
func buildReport(usage []model.ClientUsage) *model.StorageReport {
	report := &model.StorageReport{ByClient: usage}
	if report.ByClient == nil {
		report.ByClient = []model.ClientUsage{}
	}
	for _, u := range usage {
		report.TotalBytes += u.Bytes
		report.TotalMediaCount += u.MediaCount
		switch u.Status {
		case lifecycle.StatusActive:
			report.ByStatus.Active += u.Bytes
		case lifecycle.StatusArchived:
			report.ByStatus.Archived += u.Bytes
		case lifecycle.StatusDeleted:
			report.ByStatus.Deleted += u.Bytes
		}
	}
	return report
}
