// internal/config/config.go
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/viper"

	"trafficwatch-dashboard/internal/auth"
)

type Config struct {
	Server struct {
		UIPort  int    `mapstructure:"ui_port"`
		OpsPort int    `mapstructure:"ops_port"`
		WebDir  string `mapstructure:"web_dir"`
	} `mapstructure:"server"`
	Log       LogConfig       `mapstructure:"log"`
	Backend   BackendConfig   `mapstructure:"backend"`
	Snapshot  SnapshotConfig  `mapstructure:"snapshot"`
	Live      LiveConfig      `mapstructure:"live"`
	Dashboard DashboardConfig `mapstructure:"dashboard"`
	Anomaly   struct {
		Rules    map[string]Rule `mapstructure:"rules"`
		Cooldown time.Duration   `mapstructure:"cooldown"`
	} `mapstructure:"anomaly"`
	Archive struct {
		Path string `mapstructure:"path"`
	} `mapstructure:"archive"`
	Auth auth.Config `mapstructure:"auth"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // text, json
}

// BackendConfig points at the traffic backend REST API.
type BackendConfig struct {
	BaseURL    string        `mapstructure:"base_url"`
	Timeout    time.Duration `mapstructure:"timeout"`
	ActiveOnly bool          `mapstructure:"active_only"`
}

// SnapshotConfig selects where the initial records come from.
type SnapshotConfig struct {
	Source string `mapstructure:"source"` // rest, mongo, file, archive
	File   string `mapstructure:"file"`
	Mongo  struct {
		URI        string `mapstructure:"uri"`
		Database   string `mapstructure:"database"`
		Collection string `mapstructure:"collection"`
	} `mapstructure:"mongo"`
}

// LiveConfig selects the publish/subscribe channel for pushed records.
type LiveConfig struct {
	Transport      string        `mapstructure:"transport"` // stomp, mqtt, kafka, none
	ReconnectDelay time.Duration `mapstructure:"reconnect_delay"`
	EscalateAfter  int           `mapstructure:"escalate_after"`
	Frames         bool          `mapstructure:"frames"`
	STOMP          struct {
		URL         string `mapstructure:"url"`
		Topic       string `mapstructure:"topic"`
		FramesTopic string `mapstructure:"frames_topic"`
		Login       string `mapstructure:"login"`
		Passcode    string `mapstructure:"passcode"`
	} `mapstructure:"stomp"`
	MQTT struct {
		Broker      string `mapstructure:"broker"`
		Topic       string `mapstructure:"topic"`
		FramesTopic string `mapstructure:"frames_topic"`
		QoS         byte   `mapstructure:"qos"`
	} `mapstructure:"mqtt"`
	Kafka struct {
		Brokers     string `mapstructure:"brokers"`
		GroupPrefix string `mapstructure:"group_prefix"`
		Topic       string `mapstructure:"topic"`
		FramesTopic string `mapstructure:"frames_topic"`
	} `mapstructure:"kafka"`
}

type DashboardConfig struct {
	Timezone           string        `mapstructure:"timezone"`
	DefaultGranularity string        `mapstructure:"default_granularity"`
	ViewLinger         time.Duration `mapstructure:"view_linger"`
}

// Rule bounds the count of one category in a single record.
type Rule struct {
	Min int `mapstructure:"min"`
	Max int `mapstructure:"max"`
}

// Location resolves the dashboard time zone; "Local" and "" mean the host zone.
func (d DashboardConfig) Location() (*time.Location, error) {
	if d.Timezone == "" || strings.EqualFold(d.Timezone, "local") {
		return time.Local, nil
	}
	return time.LoadLocation(d.Timezone)
}

// Load reads config.yaml from path, applies TRAFFICWATCH_* environment overrides
// and validates the result. A missing file is not an error.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigName("config") // name of config file (without extension)
	v.SetConfigType("yaml")
	v.AddConfigPath(path)
	v.SetEnvPrefix("trafficwatch")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config: %w", err)
		}
		slog.Warn("config file not found, using defaults", "path", path)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.ui_port", 8081)
	v.SetDefault("server.ops_port", 9091)
	v.SetDefault("server.web_dir", "./web")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")

	v.SetDefault("backend.base_url", "http://localhost:8080")
	v.SetDefault("backend.timeout", 10*time.Second)
	v.SetDefault("backend.active_only", false)

	v.SetDefault("snapshot.source", "rest")
	v.SetDefault("snapshot.mongo.uri", "mongodb://localhost:27017")
	v.SetDefault("snapshot.mongo.database", "trafficwatch")
	v.SetDefault("snapshot.mongo.collection", "traffic_cameras")

	v.SetDefault("live.transport", "stomp")
	v.SetDefault("live.reconnect_delay", 5*time.Second)
	v.SetDefault("live.escalate_after", 3)
	v.SetDefault("live.frames", false)
	v.SetDefault("live.stomp.url", "ws://localhost:8080/ws")
	v.SetDefault("live.stomp.topic", "/topic/trafficcamerarecords")
	v.SetDefault("live.stomp.frames_topic", "/topic/camera/frames")
	v.SetDefault("live.mqtt.broker", "localhost:1883")
	v.SetDefault("live.mqtt.topic", "trafficwatch/records")
	v.SetDefault("live.mqtt.frames_topic", "trafficwatch/frames")
	v.SetDefault("live.kafka.brokers", "localhost:9092")
	v.SetDefault("live.kafka.group_prefix", "trafficwatch-dashboard")
	v.SetDefault("live.kafka.topic", "cameras_data_topic")
	v.SetDefault("live.kafka.frames_topic", "camera_frame_topic")

	v.SetDefault("dashboard.timezone", "Local")
	v.SetDefault("dashboard.default_granularity", "minute")
	v.SetDefault("dashboard.view_linger", time.Minute)

	v.SetDefault("anomaly.cooldown", 30*time.Second)

	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.jwt_expiration", 60)
}
