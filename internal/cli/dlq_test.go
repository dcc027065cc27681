package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/possync/internal/messaging/kafka"
)

func deadLetterValue(t *testing.T, letter kafka.DeadLetter) []byte {
	t.Helper()
	raw, err := json.Marshal(letter)
	require.NoError(t, err)
	return raw
}

func remoteChangeLetter(t *testing.T, key string) []byte {
	return deadLetterValue(t, kafka.DeadLetter{
		OriginalTopic: kafka.TopicRemoteOrderChanges,
		OriginalKey:   key,
		OriginalValue: `{"event_type":"remote.order_changed","id":42}`,
		ErrorMessage:  "remote sync failed: timeout",
		RetryCount:    3,
	})
}

func TestParseBrokers(t *testing.T) {
	brokers := parseBrokers([]string{" broker-1:9092, ,broker-2:9092 ", "broker-3:9092"})
	assert.Equal(t, []string{"broker-1:9092", "broker-2:9092", "broker-3:9092"}, brokers)
	assert.Empty(t, parseBrokers(nil))
}

func TestReplayConfigValidate(t *testing.T) {
	valid := replayConfig{
		brokers:     []string{"broker:9092"},
		sourceTopic: kafka.TopicDeadLetterQueue,
		targetTopic: kafka.TopicRemoteOrderChanges,
		limit:       1,
		idleTimeout: time.Second,
	}
	require.NoError(t, valid.validate())

	tests := []struct {
		name   string
		mutate func(c *replayConfig)
		want   string
	}{
		{"no brokers", func(c *replayConfig) { c.brokers = nil }, "kafka brokers are required"},
		{"no source", func(c *replayConfig) { c.sourceTopic = " " }, "source-topic is required"},
		{"no target", func(c *replayConfig) { c.targetTopic = "" }, "target-topic is required"},
		{"zero limit", func(c *replayConfig) { c.limit = 0 }, "limit must be > 0"},
		{"zero idle timeout", func(c *replayConfig) { c.idleTimeout = 0 }, "idle-timeout must be > 0"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid
			tt.mutate(&cfg)
			err := cfg.validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestExtractReplayMessage(t *testing.T) {
	msg := &sarama.ConsumerMessage{Value: remoteChangeLetter(t, "42")}
	got, ok, err := extractReplayMessage(msg, "fallback")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, kafka.TopicRemoteOrderChanges, got.topic)
	assert.Equal(t, "42", got.key)
	assert.JSONEq(t, `{"event_type":"remote.order_changed","id":42}`, string(got.value))
	assert.Equal(t, 3, got.retries)
	assert.Equal(t, "remote sync failed: timeout", got.lastError)
}

func TestExtractReplayMessage_FallbackTopic(t *testing.T) {
	msg := &sarama.ConsumerMessage{Value: deadLetterValue(t, kafka.DeadLetter{OriginalValue: `{"id":1}`})}
	got, ok, err := extractReplayMessage(msg, "fallback")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "fallback", got.topic)
}

func TestExtractReplayMessage_Skips(t *testing.T) {
	_, ok, err := extractReplayMessage(&sarama.ConsumerMessage{Value: []byte(`{"foo":"bar"}`)}, "fallback")
	require.NoError(t, err)
	assert.False(t, ok)

	_, ok, err = extractReplayMessage(&sarama.ConsumerMessage{Value: []byte(`not json`)}, "fallback")
	require.Error(t, err)
	assert.False(t, ok)
}

func TestPublishReplay(t *testing.T) {
	require.Error(t, publishReplay(nil, replayMessage{}))

	producer := &stubReplayProducer{}
	require.NoError(t, publishReplay(producer, replayMessage{topic: "topic", key: "key", value: []byte(`{"x":1}`)}))
	require.Equal(t, 1, producer.calls)
	require.NotNil(t, producer.lastMsg)
	assert.Equal(t, "topic", producer.lastMsg.Topic)
	require.Len(t, producer.lastMsg.Headers, 1)
	assert.Equal(t, kafka.HeaderRetryCount, string(producer.lastMsg.Headers[0].Key))
	assert.Equal(t, "0", string(producer.lastMsg.Headers[0].Value))

	producer.sendErr = errors.New("send failed")
	require.Error(t, publishReplay(producer, replayMessage{topic: "topic"}))
}

func TestProcessPartition_DryRun(t *testing.T) {
	client := &stubOffsetClient{offsets: map[int32]offsetRange{0: {oldest: 0, newest: 2}}}
	consumer := &stubPartitionConsumerSource{
		consumers: map[int32]partitionConsumer{
			0: closedPartitionConsumer([]*sarama.ConsumerMessage{{Partition: 0, Offset: 0, Value: remoteChangeLetter(t, "42")}}),
		},
	}
	cfg := replayConfig{sourceTopic: kafka.TopicDeadLetterQueue, targetTopic: kafka.TopicRemoteOrderChanges, idleTimeout: 20 * time.Millisecond}

	var report replayReport
	require.NoError(t, processPartition(context.Background(), consumer, client, nil, cfg, 0, 10, &report))
	assert.Equal(t, 1, report.Processed)
	assert.Equal(t, 1, report.Replayed)
	assert.Zero(t, report.Skipped)
	require.Len(t, report.Candidates, 1)
	assert.Equal(t, "42", report.Candidates[0].Key)
	require.Len(t, consumer.calls, 1)
	assert.Equal(t, int64(0), consumer.calls[0].offset)
}

func TestProcessPartition_FromNewest(t *testing.T) {
	client := &stubOffsetClient{offsets: map[int32]offsetRange{0: {oldest: 2, newest: 10}}}
	consumer := &stubPartitionConsumerSource{
		consumers: map[int32]partitionConsumer{0: closedPartitionConsumer(nil)},
	}
	cfg := replayConfig{sourceTopic: kafka.TopicDeadLetterQueue, targetTopic: "t", fromNewest: true, idleTimeout: 20 * time.Millisecond}

	var report replayReport
	require.NoError(t, processPartition(context.Background(), consumer, client, nil, cfg, 0, 3, &report))
	require.Len(t, consumer.calls, 1)
	assert.Equal(t, int64(7), consumer.calls[0].offset)
}

func TestProcessPartition_Execute(t *testing.T) {
	client := &stubOffsetClient{offsets: map[int32]offsetRange{0: {oldest: 0, newest: 2}}}
	consumer := &stubPartitionConsumerSource{
		consumers: map[int32]partitionConsumer{
			0: closedPartitionConsumer([]*sarama.ConsumerMessage{
				{Partition: 0, Offset: 0, Value: remoteChangeLetter(t, "42")},
				{Partition: 0, Offset: 1, Value: []byte(`{"foo":"bar"}`)},
			}),
		},
	}
	producer := &stubReplayProducer{}
	cfg := replayConfig{sourceTopic: kafka.TopicDeadLetterQueue, targetTopic: "t", execute: true, idleTimeout: 20 * time.Millisecond}

	var report replayReport
	require.NoError(t, processPartition(context.Background(), consumer, client, producer, cfg, 0, 10, &report))
	assert.Equal(t, 2, report.Processed)
	assert.Equal(t, 1, report.Replayed)
	assert.Equal(t, 1, report.Skipped)
	assert.Equal(t, 1, producer.calls)
	assert.Equal(t, kafka.TopicRemoteOrderChanges, producer.lastMsg.Topic)
}

func TestProcessPartition_ErrorBranches(t *testing.T) {
	cfg := replayConfig{sourceTopic: kafka.TopicDeadLetterQueue, targetTopic: "t", execute: true, idleTimeout: 20 * time.Millisecond}
	var report replayReport

	clientOffsetErr := &stubOffsetClient{offsetErr: map[int32]error{0: errors.New("offset")}}
	require.Error(t, processPartition(context.Background(), &stubPartitionConsumerSource{}, clientOffsetErr, &stubReplayProducer{}, cfg, 0, 1, &report))

	client := &stubOffsetClient{offsets: map[int32]offsetRange{0: {oldest: 0, newest: 2}}}
	consumerErr := &stubPartitionConsumerSource{consumeErr: errors.New("consume")}
	require.Error(t, processPartition(context.Background(), consumerErr, client, &stubReplayProducer{}, cfg, 0, 1, &report))

	pcWithErr := &stubPartitionConsumer{
		messages: make(chan *sarama.ConsumerMessage),
		errors:   make(chan *sarama.ConsumerError, 1),
	}
	pcWithErr.errors <- &sarama.ConsumerError{Err: errors.New("consumer boom")}
	close(pcWithErr.errors)
	consumer := &stubPartitionConsumerSource{consumers: map[int32]partitionConsumer{0: pcWithErr}}
	require.Error(t, processPartition(context.Background(), consumer, client, &stubReplayProducer{}, cfg, 0, 1, &report))
	close(pcWithErr.messages)

	pcOK := closedPartitionConsumer([]*sarama.ConsumerMessage{{Partition: 0, Offset: 0, Value: remoteChangeLetter(t, "42")}})
	consumer = &stubPartitionConsumerSource{consumers: map[int32]partitionConsumer{0: pcOK}}
	producer := &stubReplayProducer{sendErr: errors.New("send fail")}
	require.Error(t, processPartition(context.Background(), consumer, client, producer, cfg, 0, 1, &report))
}

func TestProcessPartition_IdleTimeoutAndContext(t *testing.T) {
	client := &stubOffsetClient{offsets: map[int32]offsetRange{0: {oldest: 0, newest: 2}}}
	cfg := replayConfig{sourceTopic: kafka.TopicDeadLetterQueue, targetTopic: "t", idleTimeout: 10 * time.Millisecond}

	idle := &stubPartitionConsumer{
		messages: make(chan *sarama.ConsumerMessage),
		errors:   make(chan *sarama.ConsumerError),
	}
	consumer := &stubPartitionConsumerSource{consumers: map[int32]partitionConsumer{0: idle}}
	var report replayReport
	require.NoError(t, processPartition(context.Background(), consumer, client, nil, cfg, 0, 1, &report))
	assert.Zero(t, report.Processed)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	canceled := &stubPartitionConsumer{
		messages: make(chan *sarama.ConsumerMessage),
		errors:   make(chan *sarama.ConsumerError),
	}
	consumer = &stubPartitionConsumerSource{consumers: map[int32]partitionConsumer{0: canceled}}
	err := processPartition(ctx, consumer, client, nil, cfg, 0, 1, &report)
	require.ErrorIs(t, err, context.Canceled)
}

func TestRunReplay(t *testing.T) {
	cfg := replayConfig{sourceTopic: kafka.TopicDeadLetterQueue, targetTopic: "t", limit: 1, idleTimeout: 20 * time.Millisecond}

	_, err := runReplay(context.Background(), cfg, nil, nil, nil)
	require.Error(t, err)

	client := &stubOffsetClient{
		partitions: []int32{2, 0},
		offsets: map[int32]offsetRange{
			0: {oldest: 0, newest: 2},
			2: {oldest: 0, newest: 2},
		},
	}
	consumer := &stubPartitionConsumerSource{
		consumers: map[int32]partitionConsumer{
			0: closedPartitionConsumer([]*sarama.ConsumerMessage{{Partition: 0, Offset: 0, Value: remoteChangeLetter(t, "1")}}),
			2: closedPartitionConsumer([]*sarama.ConsumerMessage{{Partition: 2, Offset: 0, Value: remoteChangeLetter(t, "2")}}),
		},
	}

	report, err := runReplay(context.Background(), cfg, client, consumer, nil)
	require.NoError(t, err)
	assert.Equal(t, "dry-run", report.Mode)
	require.Len(t, consumer.calls, 1, "limit=1 stops after the first partition")
	assert.Equal(t, int32(0), consumer.calls[0].partition)

	executeCfg := cfg
	executeCfg.execute = true
	_, err = runReplay(context.Background(), executeCfg, client, consumer, nil)
	require.Error(t, err)

	report, err = runReplay(context.Background(), cfg, &stubOffsetClient{}, consumer, nil)
	require.NoError(t, err)
	assert.Zero(t, report.Processed)
}

func TestDLQReplayCommand(t *testing.T) {
	oldDeps := newReplayDependencies
	t.Cleanup(func() { newReplayDependencies = oldDeps })

	client := &stubOffsetClient{
		partitions: []int32{0},
		offsets:    map[int32]offsetRange{0: {oldest: 0, newest: 1}},
	}
	consumer := &stubPartitionConsumerSource{
		consumers: map[int32]partitionConsumer{
			0: closedPartitionConsumer([]*sarama.ConsumerMessage{{Partition: 0, Offset: 0, Value: remoteChangeLetter(t, "42")}}),
		},
	}
	producer := &stubReplayProducer{}

	var got replayConfig
	newReplayDependencies = func(cfg replayConfig) (offsetClient, partitionConsumerSource, replayProducer, error) {
		got = cfg
		return client, consumer, producer, nil
	}

	cmd := NewRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"dlq", "replay", "--brokers", "b1:9092,b2:9092", "--execute", "--idle-timeout", "50ms", "--format", "json"})
	require.NoError(t, cmd.Execute())

	assert.Equal(t, []string{"b1:9092", "b2:9092"}, got.brokers)
	assert.True(t, got.execute)
	assert.Equal(t, kafka.TopicDeadLetterQueue, got.sourceTopic)

	var report replayReport
	require.NoError(t, json.Unmarshal(out.Bytes(), &report))
	assert.Equal(t, "execute", report.Mode)
	assert.Equal(t, 1, report.Replayed)
	assert.Equal(t, 1, producer.calls)
	assert.True(t, client.closed)
	assert.True(t, consumer.closed)
	assert.True(t, producer.closed)
}

func TestDLQReplayCommand_DependencyError(t *testing.T) {
	oldDeps := newReplayDependencies
	t.Cleanup(func() { newReplayDependencies = oldDeps })
	newReplayDependencies = func(replayConfig) (offsetClient, partitionConsumerSource, replayProducer, error) {
		return nil, nil, nil, errors.New("deps failed")
	}

	cmd := NewRootCommand()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetArgs([]string{"dlq", "replay", "--brokers", "b1:9092"})
	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "deps failed")
}

type offsetRange struct {
	oldest int64
	newest int64
}

type stubOffsetClient struct {
	partitions    []int32
	partitionsErr error
	offsets       map[int32]offsetRange
	offsetErr     map[int32]error
	closed        bool
}

func (s *stubOffsetClient) GetOffset(_ string, partition int32, marker int64) (int64, error) {
	if err, ok := s.offsetErr[partition]; ok {
		return 0, err
	}

	r := s.offsets[partition]
	switch marker {
	case sarama.OffsetOldest:
		return r.oldest, nil
	case sarama.OffsetNewest:
		return r.newest, nil
	default:
		return 0, fmt.Errorf("unsupported marker %d", marker)
	}
}

func (s *stubOffsetClient) Partitions(string) ([]int32, error) {
	if s.partitionsErr != nil {
		return nil, s.partitionsErr
	}
	return append([]int32(nil), s.partitions...), nil
}

func (s *stubOffsetClient) Close() error {
	s.closed = true
	return nil
}

type consumeCall struct {
	partition int32
	offset    int64
}

type stubPartitionConsumerSource struct {
	consumers  map[int32]partitionConsumer
	consumeErr error
	calls      []consumeCall
	closed     bool
}

func (s *stubPartitionConsumerSource) ConsumePartition(_ string, partition int32, offset int64) (partitionConsumer, error) {
	s.calls = append(s.calls, consumeCall{partition: partition, offset: offset})
	if s.consumeErr != nil {
		return nil, s.consumeErr
	}
	pc, ok := s.consumers[partition]
	if !ok {
		return nil, fmt.Errorf("partition %d not configured", partition)
	}
	return pc, nil
}

func (s *stubPartitionConsumerSource) Close() error {
	s.closed = true
	return nil
}

type stubPartitionConsumer struct {
	messages chan *sarama.ConsumerMessage
	errors   chan *sarama.ConsumerError
}

func (s *stubPartitionConsumer) Messages() <-chan *sarama.ConsumerMessage { return s.messages }
func (s *stubPartitionConsumer) Errors() <-chan *sarama.ConsumerError     { return s.errors }
func (s *stubPartitionConsumer) Close() error                             { return nil }

func closedPartitionConsumer(messages []*sarama.ConsumerMessage) *stubPartitionConsumer {
	msgCh := make(chan *sarama.ConsumerMessage, len(messages))
	errCh := make(chan *sarama.ConsumerError)
	for _, msg := range messages {
		msgCh <- msg
	}
	close(msgCh)
	close(errCh)
	return &stubPartitionConsumer{messages: msgCh, errors: errCh}
}

type stubReplayProducer struct {
	sendErr error
	calls   int
	closed  bool
	lastMsg *sarama.ProducerMessage
}

func (s *stubReplayProducer) SendMessage(msg *sarama.ProducerMessage) (int32, int64, error) {
	s.calls++
	s.lastMsg = msg
	if s.sendErr != nil {
		return 0, 0, s.sendErr
	}
	return 0, int64(s.calls), nil
}

func (s *stubReplayProducer) Close() error {
	s.closed = true
	return nil
}
