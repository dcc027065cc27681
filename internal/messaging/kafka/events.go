package kafka

import (
	"time"

	"github.com/google/uuid"

	"github.com/vladislavdragonenkov/possync/internal/domain"
)

// EventType определяет тип события
type EventType string

const (
	// EventTypeSyncStatusChanged — переход статуса синхронизации локального заказа.
	EventTypeSyncStatusChanged EventType = "sync.status_changed"
	// EventTypeRemoteOrderChanged — заказ изменён в удалённом хранилище (мост webhook).
	EventTypeRemoteOrderChanged EventType = "remote.order_changed"
)

// Topics для Kafka
const (
	TopicSyncEvents         = "pos.sync.events"
	TopicRemoteOrderChanges = "pos.remote.order-changes"
	TopicDeadLetterQueue    = "pos.dlq"
)

// Kafka headers для retry логики
const (
	HeaderRetryCount    = "x-retry-count"
	HeaderOriginalTopic = "x-original-topic"
	HeaderErrorMessage  = "x-error-message"
	HeaderFailedAt      = "x-failed-at"
)

// eventNamespace — пространство имён для детерминированных идентификаторов событий.
var eventNamespace = uuid.MustParse("6f1c2f53-8a3e-4f0e-9b7d-2d8c1f0a9e41")

// SyncStatusEvent публикуется при каждом переходе статуса синхронизации.
// EventID одинаков для повторных публикаций одного перехода, по нему потребители отбрасывают дубли.
type SyncStatusEvent struct {
	EventID   string    `json:"event_id"`
	EventType EventType `json:"event_type"`
	LocalID   string    `json:"local_id"`
	RemoteID  int64     `json:"remote_id,omitempty"`
	From      string    `json:"from,omitempty"`
	To        string    `json:"to"`
	Reason    string    `json:"reason,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// NewSyncStatusEvent создаёт событие из записи журнала синхронизации.
func NewSyncStatusEvent(event domain.SyncEvent) *SyncStatusEvent {
	occurred := event.Occurred
	if occurred.IsZero() {
		occurred = time.Now()
	}
	occurred = occurred.UTC()

	id := uuid.NewSHA1(eventNamespace, []byte(event.LocalID+"|"+string(event.To)+"|"+occurred.Format(time.RFC3339Nano)))
	return &SyncStatusEvent{
		EventID:   id.String(),
		EventType: EventTypeSyncStatusChanged,
		LocalID:   event.LocalID,
		RemoteID:  event.RemoteID,
		From:      string(event.From),
		To:        string(event.To),
		Reason:    event.Reason,
		Timestamp: occurred,
	}
}

// RemoteOrderChangedEvent — уведомление об изменении заказа в удалённом хранилище.
// Мост может переслать тело webhook как есть, тогда идентификатор приходит в поле id.
type RemoteOrderChangedEvent struct {
	EventType EventType `json:"event_type,omitempty"`
	RemoteID  int64     `json:"remote_id,omitempty"`
	ID        int64     `json:"id,omitempty"`
	Status    string    `json:"status,omitempty"`
	Timestamp time.Time `json:"timestamp,omitempty"`
}

// OrderID возвращает идентификатор удалённого заказа.
func (e *RemoteOrderChangedEvent) OrderID() int64 {
	if e.RemoteID != 0 {
		return e.RemoteID
	}
	return e.ID
}
