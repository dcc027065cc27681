package app

import (
	"context"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/possync/internal/messaging/kafka"
)

// initKafkaProducer создаёт producer, если брокеры заданы.
// Недоступная Kafka не мешает кассе работать: сервис продолжает без публикации событий.
func initKafkaProducer(cfg Config, logger *log.Entry) *kafka.Producer {
	if len(cfg.KafkaBrokers) == 0 {
		return nil
	}

	producer, err := kafka.NewProducer(cfg.KafkaBrokers,
		kafka.WithClientID(cfg.KafkaGroupID),
		kafka.WithSendRetries(cfg.KafkaMaxRetries),
	)
	if err != nil {
		logger.WithError(err).Warn("failed to create kafka producer, continuing without kafka")
		return nil
	}

	logger.WithField("brokers", cfg.KafkaBrokers).Info("kafka producer initialized")
	return producer
}

// startRemoteChangeConsumer подписывается на уведомления об изменениях удалённых заказов.
func startRemoteChangeConsumer(ctx context.Context, cfg Config, puller kafka.RemoteOrderPuller, dlq *kafka.Producer, logger *log.Entry) *kafka.Consumer {
	if len(cfg.KafkaBrokers) == 0 {
		return nil
	}

	topic := cfg.KafkaChangeTopic
	if topic == "" {
		topic = kafka.TopicRemoteOrderChanges
	}

	options := []kafka.ConsumerOption{
		kafka.WithConsumerLogger(logger.WithField("component", "kafka-consumer")),
		kafka.WithMaxRetries(cfg.KafkaMaxRetries),
	}
	if dlq != nil {
		options = append(options, kafka.WithDLQ(dlq))
	}

	handler := kafka.NewRemoteChangeHandler(puller, logger.WithField("component", "remote-change-handler"))
	consumer, err := kafka.NewConsumer(cfg.KafkaBrokers, cfg.KafkaGroupID, []string{topic}, handler, options...)
	if err != nil {
		logger.WithError(err).Warn("failed to create kafka consumer, remote changes arrive only by polling")
		return nil
	}
	if err := consumer.Start(ctx); err != nil {
		logger.WithError(err).Warn("failed to start kafka consumer")
		return nil
	}
	return consumer
}

// closeKafka закрывает Kafka producer если он не nil.
func closeKafka(producer *kafka.Producer, logger *log.Entry) {
	if producer == nil {
		return
	}

	if err := producer.Close(); err != nil {
		logger.WithError(err).Warn("failed to close kafka producer")
	} else {
		logger.Info("kafka producer closed")
	}
}

func stopConsumer(consumer *kafka.Consumer, logger *log.Entry) {
	if consumer == nil {
		return
	}
	if err := consumer.Stop(); err != nil {
		logger.WithError(err).Warn("failed to stop kafka consumer")
	}
}
