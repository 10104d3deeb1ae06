// Package notify публикует сведённые представления заказов в Kafka для бэк-офиса.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/sasl/plain"
	"go.uber.org/zap"

	"github.com/mmeshcher/ordersync/internal/model"
)

const (
	eventType     = "order_view_updated"
	schemaVersion = "1.0"
)

// producer описывает часть kgo.Client, используемая издателем.
type producer interface {
	Produce(ctx context.Context, r *kgo.Record, promise func(*kgo.Record, error))
	Flush(ctx context.Context) error
	Close()
}

// KafkaOptions задаёт подключение к кластеру.
type KafkaOptions struct {
	Brokers  []string
	Topic    string
	Username string
	Password string
	Logger   *zap.Logger
}

// KafkaPublisher асинхронно отправляет снимки OrderView. Ключ записи: идентификатор заказа,
// поэтому изменения одного заказа попадают в одну партицию в порядке публикации.
type KafkaPublisher struct {
	client producer
	topic  string
	logger *zap.Logger
	now    func() time.Time
}

// NewKafkaPublisher создаёт клиента Kafka.
func NewKafkaPublisher(opts KafkaOptions) (*KafkaPublisher, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	kopts := []kgo.Opt{
		kgo.SeedBrokers(opts.Brokers...),
		kgo.AllowAutoTopicCreation(),
		kgo.RequiredAcks(kgo.AllISRAcks()),
		kgo.ProducerBatchCompression(kgo.SnappyCompression()),
		kgo.ProducerLinger(10 * time.Millisecond),
		kgo.WithLogger(kafkaLogger{logger: logger.Sugar()}),
	}
	if opts.Username != "" && opts.Password != "" {
		kopts = append(kopts, kgo.SASL(plain.Auth{
			User: opts.Username,
			Pass: opts.Password,
		}.AsMechanism()))
	}

	client, err := kgo.NewClient(kopts...)
	if err != nil {
		return nil, fmt.Errorf("create kafka client: %w", err)
	}

	return newPublisher(client, opts.Topic, logger), nil
}

func newPublisher(client producer, topic string, logger *zap.Logger) *KafkaPublisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &KafkaPublisher{
		client: client,
		topic:  topic,
		logger: logger,
		now:    time.Now,
	}
}

// Publish ставит снимок в очередь отправки и не ждёт подтверждения брокера.
func (p *KafkaPublisher) Publish(ctx context.Context, v model.OrderView) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal order view: %w", err)
	}

	record := &kgo.Record{
		Topic: p.topic,
		Key:   []byte(v.OrderID),
		Value: data,
		Headers: []kgo.RecordHeader{
			{Key: "event_type", Value: []byte(eventType)},
			{Key: "version", Value: []byte(schemaVersion)},
			{Key: "source", Value: []byte(v.SourceOfTruth)},
		},
		Timestamp: p.now(),
	}

	p.client.Produce(ctx, record, func(r *kgo.Record, err error) {
		if err != nil {
			p.logger.Warn("order view publish failed", zap.String("order", v.OrderID), zap.Error(err))
			return
		}
		p.logger.Debug("order view published",
			zap.String("order", v.OrderID),
			zap.Int32("partition", r.Partition),
			zap.Int64("offset", r.Offset),
		)
	})

	return nil
}

// Close дожидается отправки буферизованных записей и закрывает клиента.
func (p *KafkaPublisher) Close(ctx context.Context) error {
	err := p.client.Flush(ctx)
	p.client.Close()
	if err != nil {
		return fmt.Errorf("flush kafka producer: %w", err)
	}
	return nil
}

type kafkaLogger struct {
	logger *zap.SugaredLogger
}

func (l kafkaLogger) Level() kgo.LogLevel {
	return kgo.LogLevelInfo
}

func (l kafkaLogger) Log(level kgo.LogLevel, msg string, keyvals ...any) {
	switch level {
	case kgo.LogLevelError:
		l.logger.Errorw(msg, keyvals...)
	case kgo.LogLevelWarn:
		l.logger.Warnw(msg, keyvals...)
	case kgo.LogLevelInfo:
		l.logger.Infow(msg, keyvals...)
	default:
		l.logger.Debugw(msg, keyvals...)
	}
}
