package infra

import (
	"fmt"

	"github.com/IBM/sarama"
)

// NewKafkaProducer builds a synchronous producer. Acks from all in-sync
// replicas are required before Publish returns, so an acknowledged payment
// event survives a single broker loss.
func NewKafkaProducer(brokers []string) (sarama.SyncProducer, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers are required")
	}

	cfg := sarama.NewConfig()
	cfg.Producer.Return.Successes = true
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Retry.Max = 5

	producer, err := sarama.NewSyncProducer(brokers, cfg)
	if err != nil {
		return nil, fmt.Errorf("create kafka producer: %w", err)
	}
	return producer, nil
}

// NewKafkaConsumer builds a consumer for the status-event subscription.
func NewKafkaConsumer(brokers []string) (sarama.Consumer, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers are required")
	}

	cfg := sarama.NewConfig()
	cfg.Consumer.Return.Errors = true

	consumer, err := sarama.NewConsumer(brokers, cfg)
	if err != nil {
		return nil, fmt.Errorf("create kafka consumer: %w", err)
	}
	return consumer, nil
}
