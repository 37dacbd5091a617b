// Package config loads process configuration following the shape of
// ws/config.go in the teacher repo: env-tag struct, caarlos0/env parsing,
// optional .env loading via godotenv, then validation. This package reads
// no command-line flags; cmd/server's one flag, -debug, overrides
// LogLevel after loading.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// Config holds every environment/config input spec §6 lists as required
// by the core, plus the ambient knobs (metrics, logging, shutdown) the
// teacher repo always carries.
type Config struct {
	Addr            string `env:"CORE_ADDR" envDefault:":8080"`
	MetricsAddr     string `env:"CORE_METRICS_ADDR" envDefault:":9090"`
	LogLevel        string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat       string `env:"LOG_FORMAT" envDefault:"json"`
	ShutdownGrace   time.Duration `env:"SHUTDOWN_GRACE" envDefault:"15s"`

	DatabaseDSN string `env:"DATABASE_DSN" envDefault:"postgres://localhost:5432/afrodite?sslmode=disable"`

	NatsURL       string `env:"NATS_URL" envDefault:"nats://127.0.0.1:4222"`
	KafkaBrokers  string `env:"KAFKA_BROKERS" envDefault:"localhost:9092"`

	// Location index bounding box and cell size (spec §6).
	BoundingBoxMinLat  float64 `env:"LOCATION_BBOX_MIN_LAT" envDefault:"59.8"`
	BoundingBoxMinLon  float64 `env:"LOCATION_BBOX_MIN_LON" envDefault:"19.0"`
	BoundingBoxMaxLat  float64 `env:"LOCATION_BBOX_MAX_LAT" envDefault:"70.1"`
	BoundingBoxMaxLon  float64 `env:"LOCATION_BBOX_MAX_LON" envDefault:"31.6"`
	IndexCellSquareKm  int     `env:"LOCATION_INDEX_CELL_SQUARE_KM" envDefault:"10"`

	// Moderation policy (spec §6/§4.7).
	ModerationDefaultAction string        `env:"MODERATION_DEFAULT_ACTION" envDefault:"move_to_human"`
	ModerationConcurrency   int           `env:"MODERATION_CONCURRENCY" envDefault:"4"`
	ModerationPageSize      int           `env:"MODERATION_PAGE_SIZE" envDefault:"20"`
	NsfwClassifierEndpoint  string        `env:"MODERATION_NSFW_ENDPOINT" envDefault:""`
	PrimaryLlmEndpoint      string        `env:"MODERATION_PRIMARY_LLM_ENDPOINT" envDefault:""`
	SecondaryLlmEndpoint    string        `env:"MODERATION_SECONDARY_LLM_ENDPOINT" envDefault:""`
	ModerationRetryWaits    []time.Duration `env:"MODERATION_RETRY_WAITS" envDefault:"1s,5s,30s" envSeparator:","`
	ModeratorJWTSecret      string        `env:"MODERATOR_JWT_SECRET" envDefault:"dev-secret-change-me"`

	// Push provider credentials + keepalive (spec §6/§4.8).
	FcmCredentialsPath  string        `env:"FCM_CREDENTIALS_PATH" envDefault:""`
	FcmProjectId        string        `env:"FCM_PROJECT_ID" envDefault:""`
	PushHighPriorityCap int           `env:"PUSH_HIGH_PRIORITY_CAP" envDefault:"1000000"`
	PushLowPriorityCap  int           `env:"PUSH_LOW_PRIORITY_CAP" envDefault:"1000000"`
	PushLowPriorityGap  time.Duration `env:"PUSH_LOW_PRIORITY_GAP" envDefault:"500ms"`

	// Backup link role/peer/TLS/password (spec §6/§4.9).
	BackupLinkRole         string        `env:"BACKUP_LINK_ROLE" envDefault:"disabled"` // source|target|disabled
	BackupLinkPeerURL      string        `env:"BACKUP_LINK_PEER_URL" envDefault:""`
	BackupLinkPassword     string        `env:"BACKUP_LINK_PASSWORD" envDefault:""`
	BackupLinkTLSInsecure  bool          `env:"BACKUP_LINK_TLS_INSECURE" envDefault:"false"`
	// BackupLinkSourceAddr is where the source role listens for the
	// target's upgrade request; only used when BackupLinkRole is source.
	BackupLinkSourceAddr string `env:"BACKUP_LINK_SOURCE_ADDR" envDefault:":8070"`
	// FileBackupRetention answers spec.md Open Question 1 (DESIGN.md):
	// no fixed constant survived the source study, so it is an operator
	// knob instead of a hardcoded grace period.
	FileBackupRetention time.Duration `env:"BACKUP_LINK_FILE_RETENTION" envDefault:"720h"`

	// WebSocket session plane (spec §4.5).
	PingInterval time.Duration `env:"SESSION_PING_INTERVAL" envDefault:"2m"`
	PingTimeout  time.Duration `env:"SESSION_PING_TIMEOUT" envDefault:"6m"`

	// Profile attribute schema file (spec §4.10/§6). Required: startup
	// fails with apperror.SchemaInit if it can't be loaded.
	AttributeSchemaPath string `env:"ATTRIBUTE_SCHEMA_PATH" envDefault:"attributes.toml"`

	// Content/file backup storage roots, used only when BackupLinkRole
	// is source or target (spec §4.9).
	ContentBackupDir string `env:"CONTENT_BACKUP_DIR" envDefault:"./data/content_backup"`
	FileBackupDir    string `env:"FILE_BACKUP_DIR" envDefault:"./data/file_backup"`

	InstanceId string `env:"INSTANCE_ID" envDefault:"core-1"`
}

// Load reads .env (if present) then environment variables, and validates.
func Load(logger *zerolog.Logger) (*Config, error) {
	if err := godotenv.Load(); err != nil {
		if logger != nil {
			logger.Info().Msg("no .env file found, using environment variables only")
		}
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

// Validate checks the configuration for internal consistency.
func (c *Config) Validate() error {
	if c.BoundingBoxMinLat >= c.BoundingBoxMaxLat {
		return fmt.Errorf("LOCATION_BBOX_MIN_LAT must be < LOCATION_BBOX_MAX_LAT")
	}
	if c.BoundingBoxMinLon >= c.BoundingBoxMaxLon {
		return fmt.Errorf("LOCATION_BBOX_MIN_LON must be < LOCATION_BBOX_MAX_LON")
	}
	if c.IndexCellSquareKm < 1 || c.IndexCellSquareKm > 255 {
		return fmt.Errorf("LOCATION_INDEX_CELL_SQUARE_KM must be in [1, 255]")
	}
	switch c.ModerationDefaultAction {
	case "accept", "reject", "move_to_human":
	default:
		return fmt.Errorf("MODERATION_DEFAULT_ACTION must be one of accept, reject, move_to_human")
	}
	if c.ModerationConcurrency < 1 {
		return fmt.Errorf("MODERATION_CONCURRENCY must be > 0")
	}
	switch c.BackupLinkRole {
	case "source", "target", "disabled":
	default:
		return fmt.Errorf("BACKUP_LINK_ROLE must be one of source, target, disabled")
	}
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.LogLevel] {
		return fmt.Errorf("LOG_LEVEL must be one of debug, info, warn, error")
	}
	return nil
}
