package domain

import (
	"context"
	"time"
)

// SyncEvent описывает переход статуса синхронизации заказа.
type SyncEvent struct {
	LocalID  string
	RemoteID int64
	From     SyncStatus
	To       SyncStatus
	Reason   string
	Occurred time.Time
}

// SyncJournal хранит историю переходов статусов синхронизации.
type SyncJournal interface {
	Append(ctx context.Context, event SyncEvent) error
	List(ctx context.Context, localID string) ([]SyncEvent, error)
	DeleteBefore(ctx context.Context, before time.Time, limit int) (int, error)
}

// SyncUpdate — параметры перехода статуса синхронизации.
type SyncUpdate struct {
	// RemoteID назначается один раз; другое ненулевое значение считается ошибкой координации.
	RemoteID int64
	// Error — текст ошибки для статуса error.
	Error string
	// SnapshotRevision — ревизия снимка, подтверждённого удалённой стороной (для synced).
	// Ноль означает текущую ревизию.
	SnapshotRevision int64
	// Reason попадает в журнал синхронизации.
	Reason string
}
