// Package events publishes refresh notifications after a successful upstream fetch.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/IBM/sarama"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/gometeo/weathergw/internal/model"
)

// Publisher announces that fresh weather was fetched for a key.
type Publisher interface {
	PublishRefreshed(ctx context.Context, cacheKey string, w model.CurrentWeather) error
	Close() error
}

// NopPublisher drops every event. Used when no brokers are configured.
type NopPublisher struct{}

func (NopPublisher) PublishRefreshed(context.Context, string, model.CurrentWeather) error { return nil }
func (NopPublisher) Close() error                                                         { return nil }

type KafkaPublisher struct {
	producer sarama.SyncProducer
	topic    string
	logger   *zap.SugaredLogger
	now      func() time.Time
	newID    func() string
}

// NewKafkaPublisher dials brokers with a synchronous, fully acknowledged producer.
func NewKafkaPublisher(brokers []string, topic string, logger *zap.SugaredLogger) (*KafkaPublisher, error) {
	config := sarama.NewConfig()
	config.Producer.Return.Successes = true
	config.Producer.RequiredAcks = sarama.WaitForAll

	producer, err := sarama.NewSyncProducer(brokers, config)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to kafka: %w", err)
	}
	return NewKafkaPublisherWithProducer(producer, topic, logger), nil
}

func NewKafkaPublisherWithProducer(producer sarama.SyncProducer, topic string, logger *zap.SugaredLogger) *KafkaPublisher {
	return &KafkaPublisher{
		producer: producer,
		topic:    topic,
		logger:   logger,
		now:      time.Now,
		newID:    uuid.NewString,
	}
}

// PublishRefreshed sends one WeatherRefreshed message keyed by cacheKey so that
// every event for a city lands on the same partition.
func (p *KafkaPublisher) PublishRefreshed(ctx context.Context, cacheKey string, w model.CurrentWeather) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	event := model.WeatherRefreshed{
		ID:         p.newID(),
		CacheKey:   cacheKey,
		Weather:    w,
		OccurredAt: p.now().UTC(),
	}
	bytes, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal refresh event: %w", err)
	}

	msg := &sarama.ProducerMessage{
		Topic: p.topic,
		Key:   sarama.StringEncoder(cacheKey),
		Value: sarama.ByteEncoder(bytes),
	}
	partition, offset, err := p.producer.SendMessage(msg)
	if err != nil {
		return fmt.Errorf("send refresh event: %w", err)
	}

	p.logger.Debugw("Refresh event published",
		"key", cacheKey,
		"event_id", event.ID,
		"partition", partition,
		"offset", offset)
	return nil
}

func (p *KafkaPublisher) Close() error {
	return p.producer.Close()
}
