package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/IBM/sarama"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/vladislavdragonenkov/possync/internal/messaging/kafka"
)

const (
	defaultReplayLimit = 100
	defaultIdleTimeout = 2 * time.Second
)

type replayConfig struct {
	brokers     []string
	sourceTopic string
	targetTopic string
	limit       int
	execute     bool
	fromNewest  bool
	idleTimeout time.Duration
}

func (c replayConfig) validate() error {
	if len(c.brokers) == 0 {
		return fmt.Errorf("kafka brokers are required (--brokers or POS_KAFKA_BROKERS)")
	}
	if strings.TrimSpace(c.sourceTopic) == "" {
		return fmt.Errorf("source-topic is required")
	}
	if strings.TrimSpace(c.targetTopic) == "" {
		return fmt.Errorf("target-topic is required")
	}
	if c.limit <= 0 {
		return fmt.Errorf("limit must be > 0")
	}
	if c.idleTimeout <= 0 {
		return fmt.Errorf("idle-timeout must be > 0")
	}
	return nil
}

type replayMessage struct {
	topic     string
	key       string
	value     []byte
	lastError string
	retries   int
}

type offsetClient interface {
	GetOffset(topic string, partition int32, time int64) (int64, error)
	Partitions(topic string) ([]int32, error)
	Close() error
}

type partitionConsumer interface {
	Messages() <-chan *sarama.ConsumerMessage
	Errors() <-chan *sarama.ConsumerError
	Close() error
}

type partitionConsumerSource interface {
	ConsumePartition(topic string, partition int32, offset int64) (partitionConsumer, error)
	Close() error
}

type replayProducer interface {
	SendMessage(msg *sarama.ProducerMessage) (partition int32, offset int64, err error)
	Close() error
}

type saramaConsumerAdapter struct {
	consumer sarama.Consumer
}

func (a saramaConsumerAdapter) ConsumePartition(topic string, partition int32, offset int64) (partitionConsumer, error) {
	pc, err := a.consumer.ConsumePartition(topic, partition, offset)
	if err != nil {
		return nil, err
	}
	return pc, nil
}

func (a saramaConsumerAdapter) Close() error {
	if a.consumer == nil {
		return nil
	}
	return a.consumer.Close()
}

// newReplayDependencies подменяется в тестах.
var newReplayDependencies = func(cfg replayConfig) (offsetClient, partitionConsumerSource, replayProducer, error) {
	consumerConfig := sarama.NewConfig()
	consumerConfig.ClientID = "posctl"
	consumerConfig.Consumer.Return.Errors = true

	client, err := sarama.NewClient(cfg.brokers, consumerConfig)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("create kafka client: %w", err)
	}

	rawConsumer, err := sarama.NewConsumerFromClient(client)
	if err != nil {
		_ = client.Close()
		return nil, nil, nil, fmt.Errorf("create kafka consumer: %w", err)
	}
	consumer := saramaConsumerAdapter{consumer: rawConsumer}

	if !cfg.execute {
		return client, consumer, nil, nil
	}

	producerConfig := sarama.NewConfig()
	producerConfig.ClientID = "posctl"
	producerConfig.Producer.RequiredAcks = sarama.WaitForAll
	producerConfig.Producer.Retry.Max = 5
	producerConfig.Producer.Return.Successes = true
	producerConfig.Producer.Idempotent = true
	producerConfig.Net.MaxOpenRequests = 1

	producer, err := sarama.NewSyncProducer(cfg.brokers, producerConfig)
	if err != nil {
		_ = consumer.Close()
		_ = client.Close()
		return nil, nil, nil, fmt.Errorf("create kafka producer: %w", err)
	}

	return client, consumer, producer, nil
}

// replayCandidate — сообщение DLQ, выбранное для повторной отправки.
type replayCandidate struct {
	Partition int32  `json:"partition"`
	Offset    int64  `json:"offset"`
	Topic     string `json:"target_topic"`
	Key       string `json:"key"`
	Error     string `json:"error,omitempty"`
	Retries   int    `json:"retry_count"`
}

type replayReport struct {
	Mode       string            `json:"mode"`
	Processed  int               `json:"processed"`
	Replayed   int               `json:"replayed"`
	Skipped    int               `json:"skipped"`
	Candidates []replayCandidate `json:"candidates,omitempty"`
}

// NewDLQCommand создаёт группу команд для работы с dead letter queue.
func NewDLQCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dlq",
		Short: "Inspect and replay dead-lettered remote change notifications",
	}
	cmd.AddCommand(newDLQReplayCommand(opts))
	return cmd
}

func newDLQReplayCommand(opts *RootOptions) *cobra.Command {
	cfg := replayConfig{}
	var brokers []string

	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Replay DLQ messages to their original topic (dry-run by default)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg.brokers = parseBrokers(brokers)
			if len(cfg.brokers) == 0 {
				appCfg, err := loadConfig(opts)
				if err != nil {
					return err
				}
				cfg.brokers = appCfg.KafkaBrokers
			}
			if err := cfg.validate(); err != nil {
				return err
			}

			report, err := replay(commandContext(cmd), cfg)
			if err != nil {
				return fmt.Errorf("dlq replay failed: %w", err)
			}
			return render(cmd.OutOrStdout(), opts.Format, report, func(tw *tabwriter.Writer) {
				if len(report.Candidates) > 0 {
					fmt.Fprintln(tw, "PARTITION\tOFFSET\tTOPIC\tKEY\tRETRIES\tERROR")
					for _, c := range report.Candidates {
						fmt.Fprintf(tw, "%d\t%d\t%s\t%s\t%d\t%s\n", c.Partition, c.Offset, c.Topic, c.Key, c.Retries, c.Error)
					}
					fmt.Fprintln(tw)
				}
				fmt.Fprintf(tw, "mode\t%s\n", report.Mode)
				fmt.Fprintf(tw, "processed\t%d\n", report.Processed)
				fmt.Fprintf(tw, "replayed\t%d\n", report.Replayed)
				fmt.Fprintf(tw, "skipped\t%d\n", report.Skipped)
			})
		},
	}

	cmd.Flags().StringSliceVar(&brokers, "brokers", nil, "Kafka brokers (default POS_KAFKA_BROKERS)")
	cmd.Flags().StringVar(&cfg.sourceTopic, "source-topic", kafka.TopicDeadLetterQueue, "DLQ source topic")
	cmd.Flags().StringVar(&cfg.targetTopic, "target-topic", kafka.TopicRemoteOrderChanges, "target topic when the DLQ entry has no original topic")
	cmd.Flags().IntVar(&cfg.limit, "limit", defaultReplayLimit, "max number of messages to scan")
	cmd.Flags().BoolVar(&cfg.execute, "execute", false, "publish messages; default is dry-run")
	cmd.Flags().BoolVar(&cfg.fromNewest, "from-newest", false, "scan latest messages first (bounded by limit)")
	cmd.Flags().DurationVar(&cfg.idleTimeout, "idle-timeout", defaultIdleTimeout, "idle timeout per partition")

	return cmd
}

func parseBrokers(raw []string) []string {
	brokers := make([]string, 0, len(raw))
	for _, chunk := range raw {
		for _, part := range strings.Split(chunk, ",") {
			if broker := strings.TrimSpace(part); broker != "" {
				brokers = append(brokers, broker)
			}
		}
	}
	return brokers
}

func replay(ctx context.Context, cfg replayConfig) (replayReport, error) {
	log.WithFields(log.Fields{
		"source_topic": cfg.sourceTopic,
		"target_topic": cfg.targetTopic,
		"limit":        cfg.limit,
		"execute":      cfg.execute,
		"from_newest":  cfg.fromNewest,
	}).Info("starting dlq replay")

	client, consumer, producer, err := newReplayDependencies(cfg)
	if err != nil {
		return replayReport{}, err
	}
	defer func() {
		if producer != nil {
			_ = producer.Close()
		}
		if consumer != nil {
			_ = consumer.Close()
		}
		if client != nil {
			_ = client.Close()
		}
	}()

	return runReplay(ctx, cfg, client, consumer, producer)
}

func runReplay(ctx context.Context, cfg replayConfig, client offsetClient, consumer partitionConsumerSource, producer replayProducer) (replayReport, error) {
	report := replayReport{Mode: "dry-run"}
	if cfg.execute {
		report.Mode = "execute"
	}
	if client == nil || consumer == nil {
		return report, fmt.Errorf("kafka client and consumer are required")
	}
	if cfg.execute && producer == nil {
		return report, fmt.Errorf("producer is required in execute mode")
	}

	partitions, err := client.Partitions(cfg.sourceTopic)
	if err != nil {
		return report, fmt.Errorf("get partitions for topic %s: %w", cfg.sourceTopic, err)
	}
	if len(partitions) == 0 {
		log.WithField("topic", cfg.sourceTopic).Warn("source topic has no partitions")
		return report, nil
	}
	sort.Slice(partitions, func(i, j int) bool { return partitions[i] < partitions[j] })

	for _, partition := range partitions {
		if report.Processed >= cfg.limit {
			break
		}
		if err := processPartition(ctx, consumer, client, producer, cfg, partition, cfg.limit-report.Processed, &report); err != nil {
			return report, err
		}
	}

	log.WithFields(log.Fields{
		"mode":      report.Mode,
		"processed": report.Processed,
		"replayed":  report.Replayed,
		"skipped":   report.Skipped,
	}).Info("dlq replay finished")

	return report, nil
}

func processPartition(
	ctx context.Context,
	consumer partitionConsumerSource,
	client offsetClient,
	producer replayProducer,
	cfg replayConfig,
	partition int32,
	limit int,
	report *replayReport,
) error {
	if limit <= 0 {
		return nil
	}

	oldest, err := client.GetOffset(cfg.sourceTopic, partition, sarama.OffsetOldest)
	if err != nil {
		return fmt.Errorf("get oldest offset for partition %d: %w", partition, err)
	}
	newest, err := client.GetOffset(cfg.sourceTopic, partition, sarama.OffsetNewest)
	if err != nil {
		return fmt.Errorf("get newest offset for partition %d: %w", partition, err)
	}
	if newest <= oldest {
		return nil
	}

	startOffset := oldest
	if cfg.fromNewest {
		startOffset = max(newest-int64(limit), oldest)
	}

	pc, err := consumer.ConsumePartition(cfg.sourceTopic, partition, startOffset)
	if err != nil {
		return fmt.Errorf("consume partition %d: %w", partition, err)
	}
	defer func() { _ = pc.Close() }()

	idleTimer := time.NewTimer(cfg.idleTimeout)
	defer idleTimer.Stop()

	processed := 0
	for processed < limit {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-pc.Errors():
			if err != nil {
				return fmt.Errorf("partition %d consumer error: %w", partition, err)
			}
		case msg, ok := <-pc.Messages():
			if !ok || msg == nil {
				return nil
			}

			if !idleTimer.Stop() {
				select {
				case <-idleTimer.C:
				default:
				}
			}
			idleTimer.Reset(cfg.idleTimeout)

			if msg.Offset >= newest {
				return nil
			}

			processed++
			report.Processed++

			replayMsg, ok, err := extractReplayMessage(msg, cfg.targetTopic)
			if err != nil || !ok {
				report.Skipped++
				if err != nil {
					log.WithError(err).WithFields(log.Fields{
						"partition": msg.Partition,
						"offset":    msg.Offset,
					}).Warn("skip unsupported dlq message")
				}
			} else {
				if cfg.execute {
					if err := publishReplay(producer, replayMsg); err != nil {
						return fmt.Errorf("publish replay message: %w", err)
					}
				}
				report.Replayed++
				report.Candidates = append(report.Candidates, replayCandidate{
					Partition: msg.Partition,
					Offset:    msg.Offset,
					Topic:     replayMsg.topic,
					Key:       replayMsg.key,
					Error:     replayMsg.lastError,
					Retries:   replayMsg.retries,
				})
			}

			if msg.Offset+1 >= newest {
				return nil
			}
		case <-idleTimer.C:
			return nil
		}
	}

	return nil
}

// publishReplay отправляет исходное сообщение заново со сброшенным счётчиком попыток.
func publishReplay(producer replayProducer, msg replayMessage) error {
	if producer == nil {
		return fmt.Errorf("producer is nil")
	}

	_, _, err := producer.SendMessage(&sarama.ProducerMessage{
		Topic:     msg.topic,
		Key:       sarama.StringEncoder(msg.key),
		Value:     sarama.ByteEncoder(msg.value),
		Timestamp: time.Now().UTC(),
		Headers: []sarama.RecordHeader{
			{Key: []byte(kafka.HeaderRetryCount), Value: []byte("0")},
		},
	})
	return err
}

// extractReplayMessage разбирает запись DLQ. Записи без исходного сообщения пропускаются.
func extractReplayMessage(msg *sarama.ConsumerMessage, defaultTopic string) (replayMessage, bool, error) {
	var letter kafka.DeadLetter
	if err := json.Unmarshal(msg.Value, &letter); err != nil {
		return replayMessage{}, false, fmt.Errorf("decode dead letter: %w", err)
	}
	if letter.OriginalValue == "" {
		return replayMessage{}, false, nil
	}

	topic := strings.TrimSpace(letter.OriginalTopic)
	if topic == "" {
		topic = defaultTopic
	}
	return replayMessage{
		topic:     topic,
		key:       letter.OriginalKey,
		value:     []byte(letter.OriginalValue),
		lastError: letter.ErrorMessage,
		retries:   letter.RetryCount,
	}, true, nil
}
