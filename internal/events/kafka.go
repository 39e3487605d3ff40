package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/IBM/sarama"
)

// KafkaPublisher emits events to a Kafka topic. The event key selects the
// partition, so ordering is guaranteed per wallet/user, not globally.
type KafkaPublisher struct {
	producer sarama.SyncProducer
	topic    string
	logger   *slog.Logger
}

// NewKafkaPublisher wraps an existing sync producer for one topic.
func NewKafkaPublisher(producer sarama.SyncProducer, topic string, logger *slog.Logger) *KafkaPublisher {
	return &KafkaPublisher{producer: producer, topic: topic, logger: logger}
}

// Publish sends the event, blocking until the broker acknowledges it.
func (p *KafkaPublisher) Publish(_ context.Context, event Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}

	partition, offset, err := p.producer.SendMessage(&sarama.ProducerMessage{
		Topic: p.topic,
		Key:   sarama.StringEncoder(event.Key),
		Value: sarama.ByteEncoder(payload),
	})
	if err != nil {
		return fmt.Errorf("send event: %w", err)
	}

	p.logger.Info("event published",
		slog.String("type", string(event.Type)),
		slog.String("key", event.Key),
		slog.Int64("offset", offset),
		slog.Int("partition", int(partition)),
	)
	return nil
}

// KafkaSubscriber consumes a topic and feeds each partition to the handler
// from its own loop, preserving per-key order.
type KafkaSubscriber struct {
	consumer sarama.Consumer
	topic    string
	logger   *slog.Logger

	mu      sync.Mutex
	closing chan struct{}
	done    sync.WaitGroup
}

// NewKafkaSubscriber wraps an existing consumer for one topic.
func NewKafkaSubscriber(consumer sarama.Consumer, topic string, logger *slog.Logger) *KafkaSubscriber {
	return &KafkaSubscriber{
		consumer: consumer,
		topic:    topic,
		logger:   logger,
		closing:  make(chan struct{}),
	}
}

// Subscribe starts one consumer loop per partition of the topic.
func (s *KafkaSubscriber) Subscribe(handler Handler) {
	partitions, err := s.consumer.Partitions(s.topic)
	if err != nil {
		s.logger.Error("list partitions", slog.String("topic", s.topic), slog.Any("error", err))
		return
	}

	for _, partition := range partitions {
		pc, err := s.consumer.ConsumePartition(s.topic, partition, sarama.OffsetNewest)
		if err != nil {
			s.logger.Error("consume partition",
				slog.String("topic", s.topic),
				slog.Int("partition", int(partition)),
				slog.Any("error", err),
			)
			continue
		}

		s.done.Add(1)
		go func(pc sarama.PartitionConsumer) {
			defer s.done.Done()
			defer pc.Close()
			for {
				select {
				case message, ok := <-pc.Messages():
					if !ok {
						return
					}
					var event Event
					if err := json.Unmarshal(message.Value, &event); err != nil {
						s.logger.Warn("drop undecodable event", slog.Any("error", err))
						continue
					}
					handler(event)
				case err := <-pc.Errors():
					s.logger.Error("consumer error", slog.Any("error", err))
				case <-s.closing:
					return
				}
			}
		}(pc)
	}
}

// Close stops all partition loops and waits for them to exit.
func (s *KafkaSubscriber) Close() error {
	s.mu.Lock()
	select {
	case <-s.closing:
	default:
		close(s.closing)
	}
	s.mu.Unlock()

	s.done.Wait()
	return s.consumer.Close()
}
