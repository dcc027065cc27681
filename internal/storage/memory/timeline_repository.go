package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/vladislavdragonenkov/possync/internal/domain"
)

// syncJournalInMemory хранит переходы статусов синхронизации в памяти (для разработки/тестов).
type syncJournalInMemory struct {
	mu     sync.RWMutex
	events map[string][]domain.SyncEvent
}

// NewSyncJournal создаёт in-memory реализацию SyncJournal.
func NewSyncJournal() domain.SyncJournal {
	return &syncJournalInMemory{events: make(map[string][]domain.SyncEvent)}
}

// Append добавляет событие в журнал.
func (r *syncJournalInMemory) Append(_ context.Context, event domain.SyncEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	events := append(r.events[event.LocalID], event)
	// Стабильная сортировка сохраняет порядок записи для событий с одинаковым временем.
	sort.SliceStable(events, func(i, j int) bool {
		return events[i].Occurred.Before(events[j].Occurred)
	})
	r.events[event.LocalID] = events

	return nil
}

// List возвращает события заказа в хронологическом порядке.
func (r *syncJournalInMemory) List(_ context.Context, localID string) ([]domain.SyncEvent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	events := r.events[localID]
	result := make([]domain.SyncEvent, len(events))
	copy(result, events)
	return result, nil
}

// DeleteBefore удаляет события старше before, не более limit штук (limit <= 0 снимает ограничение).
func (r *syncJournalInMemory) DeleteBefore(_ context.Context, before time.Time, limit int) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	deleted := 0
	for localID, events := range r.events {
		kept := events[:0]
		for _, event := range events {
			if event.Occurred.Before(before) && (limit <= 0 || deleted < limit) {
				deleted++
				continue
			}
			kept = append(kept, event)
		}
		if len(kept) == 0 {
			delete(r.events, localID)
			continue
		}
		r.events[localID] = kept
	}
	return deleted, nil
}

var _ domain.SyncJournal = (*syncJournalInMemory)(nil)
