package kafka

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/IBM/sarama"
	log "github.com/sirupsen/logrus"
)

const defaultClientID = "pos-syncd"

// ProducerOption настраивает sarama-конфигурацию producer.
type ProducerOption func(*sarama.Config)

// WithClientID задаёт client.id, под которым касса видна брокеру.
func WithClientID(id string) ProducerOption {
	return func(cfg *sarama.Config) {
		if id != "" {
			cfg.ClientID = id
		}
	}
}

// WithSendRetries задаёт число повторов отправки внутри sarama.
func WithSendRetries(n int) ProducerOption {
	return func(cfg *sarama.Config) {
		if n >= 0 {
			cfg.Producer.Retry.Max = n
		}
	}
}

func newProducerConfig(options ...ProducerOption) *sarama.Config {
	cfg := sarama.NewConfig()
	cfg.ClientID = defaultClientID
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Retry.Max = 3
	cfg.Producer.Return.Successes = true
	cfg.Producer.Compression = sarama.CompressionSnappy
	// Идемпотентный producer требует одного запроса в полёте на соединение.
	cfg.Producer.Idempotent = true
	cfg.Net.MaxOpenRequests = 1
	for _, option := range options {
		option(cfg)
	}
	return cfg
}

// Producer отправляет JSON-события в Kafka синхронно.
type Producer struct {
	producer sarama.SyncProducer
	logger   *log.Entry
}

// NewProducer подключается к брокерам.
func NewProducer(brokers []string, options ...ProducerOption) (*Producer, error) {
	producer, err := sarama.NewSyncProducer(brokers, newProducerConfig(options...))
	if err != nil {
		return nil, fmt.Errorf("create kafka producer: %w", err)
	}
	return NewProducerFromSarama(producer), nil
}

// NewProducerFromSarama оборачивает готовый sarama.SyncProducer (в тестах mocks.SyncProducer).
func NewProducerFromSarama(producer sarama.SyncProducer) *Producer {
	return &Producer{
		producer: producer,
		logger:   log.WithField("component", "kafka-producer"),
	}
}

// PublishEvent кодирует event в JSON и отправляет его с ключом key.
func (p *Producer) PublishEvent(topic string, key string, event any) error {
	return p.PublishEventWithHeaders(topic, key, event, nil)
}

// PublishEventWithHeaders отправляет событие с заголовками; заголовки идут в порядке ключей.
func (p *Producer) PublishEventWithHeaders(topic string, key string, event any, headers map[string]string) error {
	value, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode %s event: %w", topic, err)
	}

	msg := &sarama.ProducerMessage{
		Topic:     topic,
		Key:       sarama.StringEncoder(key),
		Value:     sarama.ByteEncoder(value),
		Headers:   recordHeaders(headers),
		Timestamp: time.Now().UTC(),
	}

	fields := log.Fields{"topic": topic, "key": key}
	partition, offset, err := p.producer.SendMessage(msg)
	if err != nil {
		p.logger.WithError(err).WithFields(fields).Warn("kafka send failed")
		return fmt.Errorf("send to %s: %w", topic, err)
	}

	fields["partition"] = partition
	fields["offset"] = offset
	p.logger.WithFields(fields).Debug("event published")
	return nil
}

func recordHeaders(headers map[string]string) []sarama.RecordHeader {
	if len(headers) == 0 {
		return nil
	}
	keys := make([]string, 0, len(headers))
	for k := range headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]sarama.RecordHeader, 0, len(keys))
	for _, k := range keys {
		out = append(out, sarama.RecordHeader{Key: []byte(k), Value: []byte(headers[k])})
	}
	return out
}

// Close закрывает producer.
func (p *Producer) Close() error {
	if err := p.producer.Close(); err != nil {
		return fmt.Errorf("close kafka producer: %w", err)
	}
	return nil
}
