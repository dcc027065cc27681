package orderstore

import (
	"context"
	"time"

	"github.com/vladislavdragonenkov/possync/internal/domain"
)

// ErrorBadge — заказ с ошибкой синхронизации для отображения в интерфейсе кассы.
type ErrorBadge struct {
	LocalID     string
	RemoteID    int64
	Message     string
	LastAttempt time.Time
}

// SyncSummary — счётчики заказов по статусам синхронизации.
type SyncSummary struct {
	Local   int
	Syncing int
	Synced  int
	Error   int
	Errors  []ErrorBadge
}

// Pending — заказы, которые ещё предстоит отправить.
func (s SyncSummary) Pending() int {
	return s.Local + s.Error
}

// Summary собирает сводку по всем локальным заказам.
func (s *Store) Summary(ctx context.Context) (SyncSummary, error) {
	var summary SyncSummary
	for _, status := range []domain.SyncStatus{
		domain.SyncStatusLocal,
		domain.SyncStatusSyncing,
		domain.SyncStatusSynced,
		domain.SyncStatusError,
	} {
		orders, err := s.repo.ListBySyncStatus(ctx, []domain.SyncStatus{status}, 0)
		if err != nil {
			return SyncSummary{}, err
		}
		switch status {
		case domain.SyncStatusLocal:
			summary.Local = len(orders)
		case domain.SyncStatusSyncing:
			summary.Syncing = len(orders)
		case domain.SyncStatusSynced:
			summary.Synced = len(orders)
		case domain.SyncStatusError:
			summary.Error = len(orders)
			summary.Errors = make([]ErrorBadge, 0, len(orders))
			for _, o := range orders {
				summary.Errors = append(summary.Errors, ErrorBadge{
					LocalID:     o.LocalID,
					RemoteID:    o.RemoteID,
					Message:     o.SyncError,
					LastAttempt: o.LastSyncAttempt,
				})
			}
		}
	}
	return summary, nil
}
