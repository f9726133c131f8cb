package live

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"trafficwatch-dashboard/internal/config"
)

// FromConfig builds the configured transport for a view. scope narrows the
// destination to one camera where the channel supports it: the camera id for
// records, the camera label for frames, which the backend publishes under the
// label. frames selects the frame topic instead of the record topic. It returns
// nil when live updates are disabled.
func FromConfig(cfg config.LiveConfig, scope string, frames bool) (Transport, error) {
	switch cfg.Transport {
	case "none", "":
		return nil, nil

	case "stomp":
		dest := cfg.STOMP.Topic
		if frames {
			dest = cfg.STOMP.FramesTopic
		}
		return &STOMPTransport{
			URL:         cfg.STOMP.URL,
			Destination: scoped(dest, scope),
			Login:       cfg.STOMP.Login,
			Passcode:    cfg.STOMP.Passcode,
			HeartBeat:   10 * time.Second,
		}, nil

	case "mqtt":
		topic := cfg.MQTT.Topic
		if frames {
			topic = cfg.MQTT.FramesTopic
		}
		return &MQTTTransport{
			Broker:   cfg.MQTT.Broker,
			Topic:    scoped(topic, scope),
			QoS:      cfg.MQTT.QoS,
			ClientID: "trafficwatch-" + uuid.NewString(),
		}, nil

	case "kafka":
		topic := cfg.Kafka.Topic
		if frames {
			topic = cfg.Kafka.FramesTopic
		}
		// Every view gets its own group so each sees the whole topic.
		return &KafkaTransport{
			Brokers: cfg.Kafka.Brokers,
			GroupID: cfg.Kafka.GroupPrefix + "-" + uuid.NewString(),
			Topic:   topic,
		}, nil
	}
	return nil, fmt.Errorf("unknown live transport %q", cfg.Transport)
}

func scoped(topic, scope string) string {
	if scope == "" {
		return topic
	}
	return topic + "/" + scope
}
