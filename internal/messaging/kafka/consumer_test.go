package kafka

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	log "github.com/sirupsen/logrus"
)

type mockConsumerGroup struct {
	consumeFn func(context.Context, []string, sarama.ConsumerGroupHandler) error
	errorsCh  chan error
	closeFn   func() error
}

func (m *mockConsumerGroup) Consume(ctx context.Context, topics []string, handler sarama.ConsumerGroupHandler) error {
	if m.consumeFn != nil {
		return m.consumeFn(ctx, topics, handler)
	}
	return nil
}

func (m *mockConsumerGroup) Errors() <-chan error {
	return m.errorsCh
}

func (m *mockConsumerGroup) Close() error {
	if m.closeFn != nil {
		return m.closeFn()
	}
	if m.errorsCh != nil {
		close(m.errorsCh)
	}
	return nil
}

func (m *mockConsumerGroup) Pause(map[string][]int32)  {}
func (m *mockConsumerGroup) Resume(map[string][]int32) {}
func (m *mockConsumerGroup) PauseAll()                 {}
func (m *mockConsumerGroup) ResumeAll()                {}

type mockSession struct {
	ctx    context.Context
	marked []*sarama.ConsumerMessage
}

func (m *mockSession) Claims() map[string][]int32               { return nil }
func (m *mockSession) MemberID() string                         { return "member" }
func (m *mockSession) GenerationID() int32                      { return 1 }
func (m *mockSession) MarkOffset(string, int32, int64, string)  {}
func (m *mockSession) Commit()                                  {}
func (m *mockSession) ResetOffset(string, int32, int64, string) {}
func (m *mockSession) Context() context.Context                 { return m.ctx }
func (m *mockSession) MarkMessage(msg *sarama.ConsumerMessage, _ string) {
	m.marked = append(m.marked, msg)
}

type mockClaim struct {
	topic     string
	partition int32
	messages  chan *sarama.ConsumerMessage
}

func (m *mockClaim) Topic() string                            { return m.topic }
func (m *mockClaim) Partition() int32                         { return m.partition }
func (m *mockClaim) InitialOffset() int64                     { return 0 }
func (m *mockClaim) HighWaterMarkOffset() int64               { return 0 }
func (m *mockClaim) Messages() <-chan *sarama.ConsumerMessage { return m.messages }

func TestNewConsumerErrors(t *testing.T) {
	handler := func(context.Context, *sarama.ConsumerMessage) error { return nil }
	if _, err := NewConsumer([]string{"invalid-broker:9092"}, "group", []string{"topic"}, handler); err == nil {
		t.Fatal("expected new consumer error")
	}
}

func TestNewConsumerOptions(t *testing.T) {
	dlq := &recordingSender{}
	consumer := newConsumer(&mockConsumerGroup{}, []string{TopicRemoteOrderChanges}, nil,
		WithDLQ(dlq), WithMaxRetries(5), WithRetryDelay(0), WithMaxRetries(-1))
	if consumer.maxRetries != 5 || consumer.retryDelay != 0 || consumer.dlqProducer != dlq {
		t.Fatalf("options not applied: %+v", consumer)
	}
	if consumer.logger == nil {
		t.Fatal("default logger expected")
	}
}

func TestConsumerStartStop(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	consumeCalls := 0
	errorsCh := make(chan error, 1)
	group := &mockConsumerGroup{
		errorsCh: errorsCh,
		consumeFn: func(_ context.Context, _ []string, _ sarama.ConsumerGroupHandler) error {
			consumeCalls++
			cancel()
			return nil
		},
		closeFn: func() error {
			close(errorsCh)
			return nil
		},
	}

	consumer := &Consumer{
		consumer:   group,
		topics:     []string{"topic-a"},
		handler:    func(context.Context, *sarama.ConsumerMessage) error { return nil },
		logger:     log.WithField("test", "consumer"),
		maxRetries: 2,
	}

	errorsCh <- errors.New("background error")
	if err := consumer.Start(ctx); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	if err := consumer.Stop(); err != nil {
		t.Fatalf("stop failed: %v", err)
	}
	if consumeCalls == 0 {
		t.Fatal("expected consume call")
	}
}

func TestConsumerStopError(t *testing.T) {
	errorsCh := make(chan error)
	group := &mockConsumerGroup{errorsCh: errorsCh, closeFn: func() error {
		close(errorsCh)
		return errors.New("close failed")
	}}
	consumer := &Consumer{consumer: group, logger: log.WithField("test", "stop")}
	if err := consumer.Stop(); err == nil {
		t.Fatal("expected stop error")
	}
}

func TestConsumerSetupCleanup(t *testing.T) {
	consumer := &Consumer{}
	if err := consumer.Setup(nil); err != nil {
		t.Fatalf("setup should return nil: %v", err)
	}
	if err := consumer.Cleanup(nil); err != nil {
		t.Fatalf("cleanup should return nil: %v", err)
	}
}

func claimOf(messages ...*sarama.ConsumerMessage) *mockClaim {
	claim := &mockClaim{topic: TopicRemoteOrderChanges, messages: make(chan *sarama.ConsumerMessage, len(messages))}
	for _, m := range messages {
		claim.messages <- m
	}
	close(claim.messages)
	return claim
}

func TestConsumeClaimMarksOnlyHandled(t *testing.T) {
	ok := &sarama.ConsumerMessage{Topic: TopicRemoteOrderChanges, Offset: 1, Key: []byte("501"), Value: []byte(`{"remote_id":501}`)}
	bad := &sarama.ConsumerMessage{Topic: TopicRemoteOrderChanges, Offset: 2, Key: []byte("502"), Value: []byte(`{"remote_id":502}`)}

	tests := []struct {
		name       string
		handler    MessageHandler
		wantMarked []int64
	}{
		{
			name:       "all handled",
			handler:    func(context.Context, *sarama.ConsumerMessage) error { return nil },
			wantMarked: []int64{1, 2},
		},
		{
			name: "failed message stays unmarked",
			handler: func(_ context.Context, m *sarama.ConsumerMessage) error {
				if m.Offset == 2 {
					return errors.New("remote unavailable")
				}
				return nil
			},
			wantMarked: []int64{1},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			consumer := newConsumer(&mockConsumerGroup{}, nil, tt.handler, WithMaxRetries(1), WithRetryDelay(0))
			session := &mockSession{ctx: context.Background()}

			if err := consumer.ConsumeClaim(session, claimOf(ok, bad)); err != nil {
				t.Fatalf("ConsumeClaim: %v", err)
			}
			if len(session.marked) != len(tt.wantMarked) {
				t.Fatalf("expected %d marked messages, got %d", len(tt.wantMarked), len(session.marked))
			}
			for i, offset := range tt.wantMarked {
				if session.marked[i].Offset != offset {
					t.Fatalf("marked[%d]: expected offset %d, got %d", i, offset, session.marked[i].Offset)
				}
			}
		})
	}
}

type recordingSender struct {
	err    error
	topics []string
	events []any
}

func (r *recordingSender) PublishEvent(topic string, _ string, event any) error {
	r.topics = append(r.topics, topic)
	r.events = append(r.events, event)
	return r.err
}

func retriedMessage(count string) *sarama.ConsumerMessage {
	return &sarama.ConsumerMessage{
		Topic:   "topic",
		Key:     []byte("key"),
		Value:   []byte("{}"),
		Headers: []*sarama.RecordHeader{{Key: []byte(HeaderRetryCount), Value: []byte(count)}},
	}
}

func TestHandleMessageWithRetry(t *testing.T) {
	msg := &sarama.ConsumerMessage{Topic: "topic", Key: []byte("key"), Value: []byte(`{"a":1}`)}

	t.Run("success", func(t *testing.T) {
		consumer := &Consumer{
			handler:    func(context.Context, *sarama.ConsumerMessage) error { return nil },
			logger:     log.WithField("test", "retry-success"),
			maxRetries: 2,
		}
		if err := consumer.handleMessageWithRetry(context.Background(), msg); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	})

	t.Run("succeeds on second attempt", func(t *testing.T) {
		attempts := 0
		consumer := &Consumer{
			handler: func(context.Context, *sarama.ConsumerMessage) error {
				attempts++
				if attempts < 2 {
					return errors.New("temporary")
				}
				return nil
			},
			logger:     log.WithField("test", "retry-second"),
			maxRetries: 3,
		}
		if err := consumer.handleMessageWithRetry(context.Background(), msg); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if attempts != 2 {
			t.Fatalf("expected 2 attempts, got %d", attempts)
		}
	})

	t.Run("retry below limit", func(t *testing.T) {
		attempts := 0
		consumer := &Consumer{
			handler: func(context.Context, *sarama.ConsumerMessage) error {
				attempts++
				return errors.New("temporary")
			},
			logger:     log.WithField("test", "retry"),
			maxRetries: 3,
			retryDelay: 0,
		}
		if err := consumer.handleMessageWithRetry(context.Background(), retriedMessage("1")); err == nil {
			t.Fatal("expected retry error")
		}
		if attempts != 2 {
			t.Fatalf("expected 2 in-process attempts, got %d", attempts)
		}
	})

	t.Run("max retries without dlq", func(t *testing.T) {
		consumer := &Consumer{
			handler:    func(context.Context, *sarama.ConsumerMessage) error { return errors.New("permanent") },
			logger:     log.WithField("test", "max-no-dlq"),
			maxRetries: 3,
		}
		if err := consumer.handleMessageWithRetry(context.Background(), retriedMessage("3")); err == nil {
			t.Fatal("expected error when dlq is absent")
		}
	})

	t.Run("max retries with dlq success", func(t *testing.T) {
		mockProducer := mocks.NewSyncProducer(t, nil)
		mockProducer.ExpectSendMessageWithMessageCheckerFunctionAndSucceed(func(msg *sarama.ProducerMessage) error {
			if msg.Topic != TopicDeadLetterQueue {
				t.Errorf("expected dlq topic, got %s", msg.Topic)
			}
			return nil
		})
		consumer := &Consumer{
			handler:     func(context.Context, *sarama.ConsumerMessage) error { return errors.New("permanent") },
			dlqProducer: NewProducerFromSarama(mockProducer),
			logger:      log.WithField("test", "max-dlq"),
			maxRetries:  3,
		}
		if err := consumer.handleMessageWithRetry(context.Background(), retriedMessage("3")); err != nil {
			t.Fatalf("unexpected error after dlq publish: %v", err)
		}
		if err := mockProducer.Close(); err != nil {
			t.Fatal(err)
		}
	})

	t.Run("max retries with dlq failure", func(t *testing.T) {
		mockProducer := mocks.NewSyncProducer(t, nil)
		mockProducer.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)
		consumer := &Consumer{
			handler:     func(context.Context, *sarama.ConsumerMessage) error { return errors.New("permanent") },
			dlqProducer: NewProducerFromSarama(mockProducer),
			logger:      log.WithField("test", "max-dlq-fail"),
			maxRetries:  3,
		}
		if err := consumer.handleMessageWithRetry(context.Background(), retriedMessage("3")); err == nil {
			t.Fatal("expected dlq failure")
		}
		if err := mockProducer.Close(); err != nil {
			t.Fatal(err)
		}
	})

	t.Run("cancelled context stops retries", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		attempts := 0
		consumer := &Consumer{
			handler: func(context.Context, *sarama.ConsumerMessage) error {
				attempts++
				cancel()
				return errors.New("temporary")
			},
			logger:     log.WithField("test", "retry-cancel"),
			maxRetries: 5,
			retryDelay: time.Second,
		}
		if err := consumer.handleMessageWithRetry(ctx, msg); err == nil {
			t.Fatal("expected error")
		}
		if attempts != 1 {
			t.Fatalf("expected a single attempt, got %d", attempts)
		}
	})
}

func TestGetRetryCountAndParsers(t *testing.T) {
	consumer := &Consumer{}

	if got := consumer.getRetryCount(retriedMessage("5")); got != 5 {
		t.Fatalf("unexpected retry count: %d", got)
	}
	if got := consumer.getRetryCount(retriedMessage("bad")); got != 0 {
		t.Fatalf("invalid retry count should fallback to 0, got %d", got)
	}

	syncMsg := &sarama.ConsumerMessage{Value: []byte(`{"event_type":"sync.status_changed","local_id":"l-1","to":"synced"}`)}
	event, err := ParseSyncStatusEvent(syncMsg)
	if err != nil {
		t.Fatalf("ParseSyncStatusEvent failed: %v", err)
	}
	if event.LocalID != "l-1" || event.To != "synced" {
		t.Fatalf("unexpected event: %+v", event)
	}
	if _, err := ParseSyncStatusEvent(&sarama.ConsumerMessage{Value: []byte("{")}); err == nil {
		t.Fatal("expected ParseSyncStatusEvent error")
	}

	webhookMsg := &sarama.ConsumerMessage{Value: []byte(`{"id":501,"status":"processing"}`)}
	changed, err := ParseRemoteOrderChangedEvent(webhookMsg)
	if err != nil {
		t.Fatalf("ParseRemoteOrderChangedEvent failed: %v", err)
	}
	if changed.OrderID() != 501 {
		t.Fatalf("expected order 501, got %d", changed.OrderID())
	}
	if _, err := ParseRemoteOrderChangedEvent(&sarama.ConsumerMessage{Value: []byte(`{"status":"processing"}`)}); err == nil {
		t.Fatal("expected error for event without id")
	}
}

func TestSendToDLQ(t *testing.T) {
	sender := &recordingSender{}
	consumer := &Consumer{
		dlqProducer: sender,
		logger:      log.WithField("test", "consumer-send-dlq"),
	}

	msg := &sarama.ConsumerMessage{Topic: TopicRemoteOrderChanges, Partition: 1, Offset: 42, Key: []byte("k"), Value: []byte("v")}
	if err := consumer.sendToDLQ(msg, errors.New("boom"), 3); err != nil {
		t.Fatalf("sendToDLQ failed: %v", err)
	}

	if len(sender.events) != 1 || sender.topics[0] != TopicDeadLetterQueue {
		t.Fatalf("expected one dlq message, got %v", sender.topics)
	}
	letter, ok := sender.events[0].(DeadLetter)
	if !ok {
		t.Fatalf("unexpected dlq payload type %T", sender.events[0])
	}
	if letter.OriginalOffset != 42 || letter.ErrorMessage != "boom" || letter.RetryCount != 3 || letter.OriginalTopic != TopicRemoteOrderChanges {
		t.Fatalf("unexpected dead letter: %+v", letter)
	}
}

func TestConsumeClaimStopsOnContextDone(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	consumer := &Consumer{
		handler:    func(context.Context, *sarama.ConsumerMessage) error { return nil },
		logger:     log.WithField("test", "claim-stop"),
		maxRetries: 1,
	}
	session := &mockSession{ctx: ctx}
	claim := &mockClaim{topic: "topic", partition: 0, messages: make(chan *sarama.ConsumerMessage)}

	done := make(chan struct{})
	go func() {
		_ = consumer.ConsumeClaim(session, claim)
		close(done)
	}()

	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("ConsumeClaim did not stop after context cancellation")
	}
}
