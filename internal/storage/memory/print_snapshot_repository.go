package memory

import (
	"context"
	"sync"

	"github.com/vladislavdragonenkov/possync/internal/domain"
)

type printSnapshotRepositoryInMemory struct {
	mu    sync.RWMutex
	items map[string]domain.PrintSnapshot
}

// NewPrintSnapshotRepository создаёт in-memory хранилище снимков кухонных чеков.
func NewPrintSnapshotRepository() domain.PrintSnapshotRepository {
	return &printSnapshotRepositoryInMemory{items: make(map[string]domain.PrintSnapshot)}
}

func (r *printSnapshotRepositoryInMemory) Get(_ context.Context, localID string) (domain.PrintSnapshot, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	snapshot, ok := r.items[localID]
	if !ok {
		return domain.PrintSnapshot{}, domain.ErrPrintSnapshotNotFound
	}
	return cloneSnapshot(snapshot), nil
}

func (r *printSnapshotRepositoryInMemory) Put(_ context.Context, snapshot domain.PrintSnapshot) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.items[snapshot.LocalID] = cloneSnapshot(snapshot)
	return nil
}

func (r *printSnapshotRepositoryInMemory) Delete(_ context.Context, localID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.items, localID)
	return nil
}

func cloneSnapshot(s domain.PrintSnapshot) domain.PrintSnapshot {
	s.Lines = append([]domain.PrintedLine(nil), s.Lines...)
	return s
}

var _ domain.PrintSnapshotRepository = (*printSnapshotRepositoryInMemory)(nil)
