// Command dlq-replay перечитывает DLQ outbox и возвращает исходные события в топик заказов.
// По умолчанию работает в dry-run и только печатает кандидатов.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/IBM/sarama"
	"github.com/go-faster/errors"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/checkout/internal/domain"
	"github.com/vladislavdragonenkov/checkout/internal/messaging/kafka"
)

const (
	defaultReplayLimit = 100
	defaultIdleTimeout = 2 * time.Second
	envKafkaBrokers    = "CHECKOUT_KAFKA_BROKERS"
)

type config struct {
	brokers     []string
	sourceTopic string
	targetTopic string
	limit       int
	execute     bool
	idleTimeout time.Duration
}

// offsetClient — часть sarama.Client, нужная для границ партиций.
type offsetClient interface {
	GetOffset(topic string, partition int32, time int64) (int64, error)
	Partitions(topic string) ([]int32, error)
}

// partitionSource — часть sarama.Consumer.
type partitionSource interface {
	ConsumePartition(topic string, partition int32, offset int64) (sarama.PartitionConsumer, error)
}

type replayStats struct {
	processed int
	replayed  int
	skipped   int
}

func parseConfig(args []string, lookupEnv func(string) string) (config, error) {
	var (
		brokersRaw string
		cfg        config
	)

	fs := flag.NewFlagSet("dlq-replay", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.StringVar(&brokersRaw, "brokers", "", "Kafka brokers, comma-separated (fallback: "+envKafkaBrokers+")")
	fs.StringVar(&cfg.sourceTopic, "source-topic", kafka.TopicDeadLetterQueue, "DLQ topic")
	fs.StringVar(&cfg.targetTopic, "target-topic", kafka.TopicOrderEvents, "replay target topic")
	fs.IntVar(&cfg.limit, "limit", defaultReplayLimit, "max messages to scan")
	fs.BoolVar(&cfg.execute, "execute", false, "publish replayed events; default is dry-run")
	fs.DurationVar(&cfg.idleTimeout, "idle-timeout", defaultIdleTimeout, "idle timeout per partition")
	if err := fs.Parse(args); err != nil {
		return config{}, errors.Wrap(err, "parse flags")
	}

	if strings.TrimSpace(brokersRaw) == "" {
		brokersRaw = lookupEnv(envKafkaBrokers)
	}
	for _, broker := range strings.Split(brokersRaw, ",") {
		if broker = strings.TrimSpace(broker); broker != "" {
			cfg.brokers = append(cfg.brokers, broker)
		}
	}

	switch {
	case len(cfg.brokers) == 0:
		return config{}, errors.New("kafka brokers are required (-brokers or " + envKafkaBrokers + ")")
	case strings.TrimSpace(cfg.sourceTopic) == "" || strings.TrimSpace(cfg.targetTopic) == "":
		return config{}, errors.New("source-topic and target-topic are required")
	case cfg.limit <= 0:
		return config{}, errors.New("limit must be > 0")
	case cfg.idleTimeout <= 0:
		return config{}, errors.New("idle-timeout must be > 0")
	}
	return cfg, nil
}

// replay сканирует партиции sourceTopic до текущего high watermark. publisher == nil означает dry-run.
func replay(ctx context.Context, cfg config, client offsetClient, consumer partitionSource, publisher domain.OutboxPublisher, logger *log.Entry) (replayStats, error) {
	var total replayStats

	partitions, err := client.Partitions(cfg.sourceTopic)
	if err != nil {
		return total, errors.Wrapf(err, "get partitions for %s", cfg.sourceTopic)
	}
	sort.Slice(partitions, func(i, j int) bool { return partitions[i] < partitions[j] })

	for _, partition := range partitions {
		if total.processed >= cfg.limit {
			break
		}
		stats, err := replayPartition(ctx, cfg, client, consumer, publisher, logger, partition, cfg.limit-total.processed)
		total.processed += stats.processed
		total.replayed += stats.replayed
		total.skipped += stats.skipped
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func replayPartition(
	ctx context.Context,
	cfg config,
	client offsetClient,
	consumer partitionSource,
	publisher domain.OutboxPublisher,
	logger *log.Entry,
	partition int32,
	limit int,
) (replayStats, error) {
	var stats replayStats

	oldest, err := client.GetOffset(cfg.sourceTopic, partition, sarama.OffsetOldest)
	if err != nil {
		return stats, errors.Wrapf(err, "get oldest offset for partition %d", partition)
	}
	newest, err := client.GetOffset(cfg.sourceTopic, partition, sarama.OffsetNewest)
	if err != nil {
		return stats, errors.Wrapf(err, "get newest offset for partition %d", partition)
	}
	if available := int(newest - oldest); available < limit {
		limit = available
	}
	if limit <= 0 {
		return stats, nil
	}

	pc, err := consumer.ConsumePartition(cfg.sourceTopic, partition, oldest)
	if err != nil {
		return stats, errors.Wrapf(err, "consume partition %d", partition)
	}
	defer func() { _ = pc.Close() }()

	idle := time.NewTimer(cfg.idleTimeout)
	defer idle.Stop()

	for stats.processed < limit {
		select {
		case <-ctx.Done():
			return stats, ctx.Err()
		case <-idle.C:
			return stats, nil
		case cerr, ok := <-pc.Errors():
			if ok && cerr != nil {
				return stats, errors.Wrapf(cerr, "partition %d", partition)
			}
		case msg, ok := <-pc.Messages():
			if !ok {
				return stats, nil
			}
			idle.Reset(cfg.idleTimeout)
			stats.processed++

			entry := logger.WithFields(log.Fields{"partition": msg.Partition, "offset": msg.Offset})
			letter, err := decodeDeadLetter(msg.Value)
			if err != nil {
				stats.skipped++
				entry.WithError(err).Warn("skip unsupported dlq message")
				continue
			}

			event := domain.OutboxMessage{
				ID:            letter.OutboxID,
				AggregateType: letter.AggregateType,
				AggregateID:   letter.AggregateID,
				EventType:     letter.EventType,
				Payload:       letter.Payload,
			}
			if publisher == nil {
				entry.WithFields(log.Fields{
					"outbox_id":     letter.OutboxID,
					"event_type":    letter.EventType,
					"publish_error": letter.PublishError,
				}).Info("dlq replay candidate")
				stats.replayed++
				continue
			}
			if err := publisher.Publish(event); err != nil {
				return stats, errors.Wrap(err, "publish replay")
			}
			stats.replayed++
		}
	}
	return stats, nil
}

// decodeDeadLetter разбирает сообщение DLQ: Envelope, внутри которого domain.OutboxDeadLetter.
func decodeDeadLetter(value []byte) (domain.OutboxDeadLetter, error) {
	var env kafka.Envelope
	if err := json.Unmarshal(value, &env); err != nil {
		return domain.OutboxDeadLetter{}, errors.Wrap(err, "decode envelope")
	}
	var letter domain.OutboxDeadLetter
	if err := json.Unmarshal(env.Payload, &letter); err != nil {
		return domain.OutboxDeadLetter{}, errors.Wrap(err, "decode dead letter")
	}
	if len(letter.Payload) == 0 || string(letter.Payload) == "null" {
		return domain.OutboxDeadLetter{}, errors.New("dead letter has no original payload")
	}
	if letter.OutboxID == "" {
		letter.OutboxID = env.ID
	}
	if letter.AggregateID == "" {
		letter.AggregateID = env.AggregateID
	}
	if letter.EventType == "" {
		letter.EventType = env.EventType
	}
	return letter, nil
}

func run(ctx context.Context, cfg config, logger *log.Entry) (replayStats, error) {
	saramaCfg := sarama.NewConfig()
	saramaCfg.ClientID = "checkout-dlq-replay"
	saramaCfg.Consumer.Return.Errors = true

	client, err := sarama.NewClient(cfg.brokers, saramaCfg)
	if err != nil {
		return replayStats{}, errors.Wrap(err, "create kafka client")
	}
	defer func() { _ = client.Close() }()

	consumer, err := sarama.NewConsumerFromClient(client)
	if err != nil {
		return replayStats{}, errors.Wrap(err, "create kafka consumer")
	}
	defer func() { _ = consumer.Close() }()

	var publisher domain.OutboxPublisher
	if cfg.execute {
		producer, err := kafka.NewProducer(cfg.brokers)
		if err != nil {
			return replayStats{}, err
		}
		defer func() { _ = producer.Close() }()
		publisher = kafka.NewOutboxPublisher(producer, cfg.targetTopic)
	}

	return replay(ctx, cfg, client, consumer, publisher, logger)
}

func main() {
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})

	cfg, err := parseConfig(os.Args[1:], os.Getenv)
	if err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := log.WithFields(log.Fields{
		"source_topic": cfg.sourceTopic,
		"target_topic": cfg.targetTopic,
		"execute":      cfg.execute,
	})
	stats, err := run(ctx, cfg, logger)
	logger = logger.WithFields(log.Fields{
		"processed": stats.processed,
		"replayed":  stats.replayed,
		"skipped":   stats.skipped,
	})
	if err != nil {
		logger.WithError(err).Error("dlq replay failed")
		stop()
		os.Exit(1)
	}
	logger.Info("dlq replay finished")
}
