package producer

import (
	"context"
	"encoding/json"
	"fmt"

	wbfkafka "github.com/wb-go/wbf/kafka"
	"github.com/wb-go/wbf/retry"

	"github.com/aliskhannn/image-pipeline/internal/config"
	"github.com/aliskhannn/image-pipeline/internal/model"
)

// sender is the part of *wbfkafka.Producer used for publishing.
type sender interface {
	SendWithRetry(ctx context.Context, strategy retry.Strategy, key, value []byte) error
}

// Producer publishes job messages to Kafka.
type Producer struct {
	Client   *wbfkafka.Producer
	sender   sender
	strategy retry.Strategy
}

// New creates a new Producer.
// - cfg: Kafka configuration struct
// - s: retry strategy used for every send
func New(cfg *config.Kafka, s retry.Strategy) *Producer {
	client := wbfkafka.NewProducer(cfg.Brokers, cfg.Topic)

	return &Producer{
		Client:   client,
		sender:   client,
		strategy: s,
	}
}

// Publish serializes the message to JSON and sends it to Kafka.
// The job ID is used as the message key so redeliveries of one job land on
// one partition.
func (p *Producer) Publish(ctx context.Context, msg model.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	if err = p.sender.SendWithRetry(ctx, p.strategy, []byte(msg.JobID), data); err != nil {
		return fmt.Errorf("failed to send message: %w", err)
	}

	return nil
}
