package domain

import (
	"context"
	"time"
)

// PrintedLine — позиция, попавшая в последний напечатанный кухонный чек.
type PrintedLine struct {
	ProductID   int64  `json:"product_id"`
	VariationID int64  `json:"variation_id,omitempty"`
	Name        string `json:"name,omitempty"`
	Quantity    int    `json:"quantity"`
}

// PrintSnapshot — снимок позиций на момент последней печати кухонного чека.
// Хранится отдельно от документа заказа и не участвует в синхронизации.
type PrintSnapshot struct {
	LocalID   string
	Lines     []PrintedLine
	PrintedAt time.Time
}

// PrintSnapshotRepository хранит снимки кухонных чеков.
type PrintSnapshotRepository interface {
	Get(ctx context.Context, localID string) (PrintSnapshot, error)
	Put(ctx context.Context, snapshot PrintSnapshot) error
	Delete(ctx context.Context, localID string) error
}

// SyncEventPublisher передаёт результаты синхронизации наружу (например, в брокер).
type SyncEventPublisher interface {
	// Publish должен быть идемпотентным: одно событие может быть доставлено повторно.
	Publish(ctx context.Context, event SyncEvent) error
}

// Pinger проверяет доступность хранилища.
type Pinger interface {
	Ping(ctx context.Context) error
}
