package config

import (
	"fmt"

	"trafficwatch-dashboard/internal/aggregate"
	"trafficwatch-dashboard/internal/data"
)

// Validate checks the configuration and fills derived defaults.
func Validate(cfg *Config) error {
	if cfg.Server.UIPort <= 0 || cfg.Server.OpsPort <= 0 {
		return fmt.Errorf("server ports must be > 0")
	}
	if cfg.Server.UIPort == cfg.Server.OpsPort {
		return fmt.Errorf("server.ui_port and server.ops_port must differ")
	}

	switch cfg.Snapshot.Source {
	case "rest":
		if cfg.Backend.BaseURL == "" {
			return fmt.Errorf("backend.base_url is required for the rest snapshot source")
		}
	case "mongo":
		if cfg.Snapshot.Mongo.URI == "" {
			return fmt.Errorf("snapshot.mongo.uri is required")
		}
	case "file":
		if cfg.Snapshot.File == "" {
			return fmt.Errorf("snapshot.file is required for the file snapshot source")
		}
	case "archive":
		if cfg.Archive.Path == "" {
			return fmt.Errorf("archive.path is required for the archive snapshot source")
		}
	default:
		return fmt.Errorf("snapshot.source must be one of rest, mongo, file, archive, got %q", cfg.Snapshot.Source)
	}

	switch cfg.Live.Transport {
	case "stomp", "mqtt", "kafka", "none":
	default:
		return fmt.Errorf("live.transport must be one of stomp, mqtt, kafka, none, got %q", cfg.Live.Transport)
	}
	if cfg.Live.ReconnectDelay <= 0 {
		return fmt.Errorf("live.reconnect_delay must be > 0")
	}
	if cfg.Live.EscalateAfter <= 0 {
		cfg.Live.EscalateAfter = 3
	}

	if _, err := cfg.Dashboard.Location(); err != nil {
		return fmt.Errorf("dashboard.timezone: %w", err)
	}
	if _, err := aggregate.ParseGranularity(cfg.Dashboard.DefaultGranularity); err != nil {
		return fmt.Errorf("dashboard.default_granularity: %w", err)
	}
	// REST polls open camera views by acquire/release; without a linger every
	// poll would reload the view and never see it ready.
	if cfg.Dashboard.ViewLinger <= 0 {
		return fmt.Errorf("dashboard.view_linger must be > 0")
	}

	for name, rule := range cfg.Anomaly.Rules {
		if _, ok := data.LookupCategory(name); !ok {
			return fmt.Errorf("anomaly rule: unknown category %q", name)
		}
		if rule.Max > 0 && rule.Min > rule.Max {
			return fmt.Errorf("anomaly rule %s: min %d greater than max %d", name, rule.Min, rule.Max)
		}
	}

	if cfg.Auth.Enabled && cfg.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is required when auth is enabled")
	}
	return nil
}
