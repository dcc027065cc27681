package kafka

import (
	"context"
	"errors"

	"github.com/vladislavdragonenkov/possync/internal/domain"
)

// EventSender отправляет событие в topic.
type EventSender interface {
	PublishEvent(topic string, key string, event any) error
}

// SyncPublisher публикует переходы статусов синхронизации в Kafka.
// Ключом сообщения служит локальный идентификатор заказа, поэтому события одного заказа идут в одну partition по порядку.
type SyncPublisher struct {
	sender EventSender
	topic  string
}

// NewSyncPublisher создаёт паблишер событий синхронизации. Пустой topic означает TopicSyncEvents.
func NewSyncPublisher(sender EventSender, topic string) *SyncPublisher {
	if topic == "" {
		topic = TopicSyncEvents
	}
	return &SyncPublisher{sender: sender, topic: topic}
}

// Publish отправляет событие. Повторная отправка того же перехода даёт тот же event_id.
func (p *SyncPublisher) Publish(ctx context.Context, event domain.SyncEvent) error {
	if p == nil || p.sender == nil {
		return errors.New("kafka sync publisher is not initialized")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return p.sender.PublishEvent(p.topic, event.LocalID, NewSyncStatusEvent(event))
}

var _ domain.SyncEventPublisher = (*SyncPublisher)(nil)
