package kafka

import (
	"context"

	"github.com/IBM/sarama"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/possync/internal/domain"
)

// RemoteOrderPuller подтягивает один удалённый заказ в локальное хранилище.
type RemoteOrderPuller interface {
	PullRemoteOrder(ctx context.Context, remoteID int64) (bool, error)
}

// NewRemoteChangeHandler возвращает обработчик уведомлений об изменениях удалённых заказов.
// Нечитаемое сообщение не повторяется: оно сразу уходит дальше без ошибки.
// Ошибка pull возвращается, чтобы сработали повторы и DLQ.
func NewRemoteChangeHandler(puller RemoteOrderPuller, logger *log.Entry) MessageHandler {
	if logger == nil {
		logger = log.WithField("component", "remote-change-handler")
	}
	return func(ctx context.Context, message *sarama.ConsumerMessage) error {
		event, err := ParseRemoteOrderChangedEvent(message)
		if err != nil {
			logger.WithError(err).WithField("offset", message.Offset).Warn("skipping malformed remote order event")
			return nil
		}

		applied, err := puller.PullRemoteOrder(ctx, event.OrderID())
		if err != nil {
			if domain.IsValidation(err) {
				logger.WithError(err).WithField("remote_id", event.OrderID()).Warn("remote order rejected")
				return nil
			}
			return err
		}

		logger.WithFields(log.Fields{
			"remote_id": event.OrderID(),
			"applied":   applied,
		}).Debug("remote order change processed")
		return nil
	}
}
