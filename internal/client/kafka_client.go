package client

import (
	"context"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"identity-service/internal/config"
	"identity-service/internal/util"
)

type KafkaClient struct {
	writer *kafka.Writer
}

// NewKafkaClient builds an async producer for the security event topic.
// Delivery failures are logged, not returned, so a broker outage cannot
// block an authentication flow.
func NewKafkaClient(cfg *config.KafkaConfig) (*KafkaClient, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("no Kafka brokers configured")
	}

	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		Async:        true,
		BatchTimeout: 50 * time.Millisecond,
		Completion: func(messages []kafka.Message, err error) {
			if err != nil {
				util.Get().Error("Kafka delivery failed",
					util.Int("messages", len(messages)),
					util.ErrorField(err))
			}
		},
	}

	util.Get().Info("Kafka producer configured",
		util.String("topic", cfg.Topic),
		util.Int("brokers", len(cfg.Brokers)))

	return &KafkaClient{writer: writer}, nil
}

func (c *KafkaClient) Publish(ctx context.Context, key string, value []byte) error {
	return c.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(key),
		Value: value,
	})
}

func (c *KafkaClient) Close() error {
	return c.writer.Close()
}
