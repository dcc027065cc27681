package domain

import (
	"context"
	"time"
)

// LocalOrderRepository описывает требования к локальному хранилищу заказов.
type LocalOrderRepository interface {
	// Create сохраняет новый заказ. Возвращает ошибку, если запись с таким LocalID уже существует.
	Create(ctx context.Context, order LocalOrder) error
	// Get возвращает заказ по локальному идентификатору или ErrOrderNotFound.
	Get(ctx context.Context, localID string) (LocalOrder, error)
	// FindByRemoteID ищет заказ по идентификатору удалённого хранилища.
	FindByRemoteID(ctx context.Context, remoteID int64) (LocalOrder, error)
	// Update атомарно читает самую свежую копию, передаёт её в mutate и сохраняет результат.
	// Если mutate вернул ошибку, запись не меняется.
	Update(ctx context.Context, localID string, mutate func(order *LocalOrder) error) (LocalOrder, error)
	// ListBySyncStatus возвращает заказы в указанных статусах синхронизации, старые первыми.
	ListBySyncStatus(ctx context.Context, statuses []SyncStatus, limit int) ([]LocalOrder, error)
	// List возвращает последние заказы (новые первыми) с опциональным ограничением.
	List(ctx context.Context, limit int) ([]LocalOrder, error)
	// Delete удаляет запись.
	Delete(ctx context.Context, localID string) error
	// DeleteArchived удаляет завершённые и синхронизированные заказы, обновлённые до before.
	DeleteArchived(ctx context.Context, before time.Time, limit int) (int, error)
}
