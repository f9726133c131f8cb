package live

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
)

// KafkaTransport consumes the topic the camera pipeline produces to. librdkafka
// reconnects to brokers on its own; Run only returns on fatal consumer errors.
type KafkaTransport struct {
	Brokers string
	GroupID string
	Topic   string
}

func (t *KafkaTransport) Name() string { return "kafka" }

func (t *KafkaTransport) Run(ctx context.Context, onConnect func(), deliver func(Message)) error {
	consumer, err := kafka.NewConsumer(&kafka.ConfigMap{
		"bootstrap.servers":  t.Brokers,
		"group.id":           t.GroupID,
		"auto.offset.reset":  "latest",
		"enable.auto.commit": true,
	})
	if err != nil {
		return fmt.Errorf("failed to create Kafka consumer: %w", err)
	}
	defer consumer.Close()

	if err := consumer.SubscribeTopics([]string{t.Topic}, nil); err != nil {
		return fmt.Errorf("subscribing to %s: %w", t.Topic, err)
	}
	onConnect()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		msg, err := consumer.ReadMessage(100 * time.Millisecond)
		if err != nil {
			var kerr kafka.Error
			if errors.As(err, &kerr) {
				if kerr.Code() == kafka.ErrTimedOut {
					continue
				}
				if !kerr.IsFatal() {
					slog.Debug("kafka consumer error", "topic", t.Topic, "error", kerr)
					continue
				}
			}
			return err
		}

		topic := t.Topic
		if msg.TopicPartition.Topic != nil {
			topic = *msg.TopicPartition.Topic
		}
		deliver(Message{Topic: topic, Key: string(msg.Key), Body: msg.Value})
	}
}
