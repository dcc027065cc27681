package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/vladislavdragonenkov/possync/internal/domain"
)

// localOrderRepositoryInMemory — in-memory реализация LocalOrderRepository.
type localOrderRepositoryInMemory struct {
	mu    sync.RWMutex
	items map[string]domain.LocalOrder
}

// NewLocalOrderRepository возвращает in-memory репозиторий для локальной разработки и тестов.
func NewLocalOrderRepository() domain.LocalOrderRepository {
	return &localOrderRepositoryInMemory{
		items: make(map[string]domain.LocalOrder),
	}
}

// Create сохраняет новый заказ, если LocalID ещё не занят.
func (r *localOrderRepositoryInMemory) Create(_ context.Context, order domain.LocalOrder) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.items[order.LocalID]; exists {
		return domain.ErrOrderAlreadyExists
	}
	// Сохраняем копию, чтобы избежать мутаций извне.
	r.items[order.LocalID] = order.Clone()
	return nil
}

// Get возвращает заказ или ErrOrderNotFound.
func (r *localOrderRepositoryInMemory) Get(_ context.Context, localID string) (domain.LocalOrder, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	order, ok := r.items[localID]
	if !ok {
		return domain.LocalOrder{}, domain.ErrOrderNotFound
	}
	return order.Clone(), nil
}

func (r *localOrderRepositoryInMemory) FindByRemoteID(_ context.Context, remoteID int64) (domain.LocalOrder, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if remoteID == 0 {
		return domain.LocalOrder{}, domain.ErrOrderNotFound
	}
	for _, order := range r.items {
		if order.RemoteID == remoteID {
			return order.Clone(), nil
		}
	}
	return domain.LocalOrder{}, domain.ErrOrderNotFound
}

// Update выполняет read-modify-write под эксклюзивной блокировкой.
func (r *localOrderRepositoryInMemory) Update(_ context.Context, localID string, mutate func(order *domain.LocalOrder) error) (domain.LocalOrder, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	current, ok := r.items[localID]
	if !ok {
		return domain.LocalOrder{}, domain.ErrOrderNotFound
	}

	working := current.Clone()
	if err := mutate(&working); err != nil {
		return domain.LocalOrder{}, err
	}
	// Идентификатор записи менять нельзя.
	working.LocalID = localID

	r.items[localID] = working.Clone()
	return working, nil
}

// ListBySyncStatus возвращает заказы в заданных статусах, старые по UpdatedAt первыми.
func (r *localOrderRepositoryInMemory) ListBySyncStatus(_ context.Context, statuses []domain.SyncStatus, limit int) ([]domain.LocalOrder, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	wanted := make(map[domain.SyncStatus]struct{}, len(statuses))
	for _, s := range statuses {
		wanted[s] = struct{}{}
	}

	result := make([]domain.LocalOrder, 0)
	for _, order := range r.items {
		if _, ok := wanted[order.SyncStatus]; !ok {
			continue
		}
		result = append(result, order.Clone())
	}

	sort.Slice(result, func(i, j int) bool {
		if !result[i].UpdatedAt.Equal(result[j].UpdatedAt) {
			return result[i].UpdatedAt.Before(result[j].UpdatedAt)
		}
		return result[i].LocalID < result[j].LocalID
	})

	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// List возвращает заказы, новые по CreatedAt первыми.
func (r *localOrderRepositoryInMemory) List(_ context.Context, limit int) ([]domain.LocalOrder, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]domain.LocalOrder, 0, len(r.items))
	for _, order := range r.items {
		result = append(result, order.Clone())
	}

	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.After(result[j].CreatedAt)
		}
		return result[i].LocalID > result[j].LocalID
	})

	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (r *localOrderRepositoryInMemory) Delete(_ context.Context, localID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.items[localID]; !ok {
		return domain.ErrOrderNotFound
	}
	delete(r.items, localID)
	return nil
}

// DeleteArchived удаляет завершённые/отменённые синхронизированные заказы старше before.
func (r *localOrderRepositoryInMemory) DeleteArchived(_ context.Context, before time.Time, limit int) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	candidates := make([]domain.LocalOrder, 0)
	for _, order := range r.items {
		if isArchived(order) && order.UpdatedAt.Before(before) {
			candidates = append(candidates, order)
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].UpdatedAt.Before(candidates[j].UpdatedAt)
	})
	if limit > 0 && len(candidates) > limit {
		candidates = candidates[:limit]
	}

	for _, order := range candidates {
		delete(r.items, order.LocalID)
	}
	return len(candidates), nil
}

func isArchived(order domain.LocalOrder) bool {
	if order.SyncStatus != domain.SyncStatusSynced || order.HasUnsyncedChanges() {
		return false
	}
	return order.Data.Status == domain.OrderStatusCompleted || order.Data.Status == domain.OrderStatusCancelled
}

var _ domain.LocalOrderRepository = (*localOrderRepositoryInMemory)(nil)
