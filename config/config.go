package config

import (
	"log"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config represents the overall application configuration.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Database   DatabaseConfig   `yaml:"database"`
	Log        LogConfig        `yaml:"log"`
	Auth       AuthConfig       `yaml:"auth"`
	Geofence   GeofenceConfig   `yaml:"geofence"`
	Sync       SyncConfig       `yaml:"sync"`
	Presence   PresenceConfig   `yaml:"presence"`
	Rating     RatingConfig     `yaml:"rating"`
	Blob       BlobConfig       `yaml:"blob"`
	Redis      RedisConfig      `yaml:"redis"`
	Push       PushConfig       `yaml:"push"`
	WorkerPool WorkerPoolConfig `yaml:"worker_pool"`
	Checklist  ChecklistConfig  `yaml:"checklist"`
	Client     ClientConfig     `yaml:"client"`
}

// WorkerPoolConfig holds the sizes of the background worker pools.
type WorkerPoolConfig struct {
	Size      int `yaml:"size"`
	QueueSize int `yaml:"queue_size"`
}

// PushConfig holds the VAPID keys for supervisor web push alerts.
type PushConfig struct {
	PublicKey  string `yaml:"vapid_public_key"`
	PrivateKey string `yaml:"vapid_private_key"`
	Subject    string `yaml:"subject"`
	TTL        int    `yaml:"ttl"`
}

// ServerConfig holds the server-related configuration.
type ServerConfig struct {
	Port            int     `yaml:"port"`
	RateLimitPerSec float64 `yaml:"rate_limit_per_sec"`
	RateLimitBurst  int     `yaml:"rate_limit_burst"`
	CacheTTLSeconds int     `yaml:"cache_ttl_seconds"`
}

// DatabaseConfig holds the database connection configuration.
type DatabaseConfig struct {
	Driver                 string `yaml:"driver"` // postgres or sqlite
	DSN                    string `yaml:"dsn"`
	MaxOpenConns           int    `yaml:"max_open_conns"`
	MaxIdleConns           int    `yaml:"max_idle_conns"`
	ConnMaxLifetimeMinutes int    `yaml:"conn_max_lifetime_minutes"`
	LogLevel               string `yaml:"log_level"`
}

// LogConfig controls the structured logger.
type LogConfig struct {
	Level   string `yaml:"level"`
	Format  string `yaml:"format"`
	Service string `yaml:"service"`
}

// AuthConfig holds the secret used to verify identity tokens issued upstream.
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
}

// GeofenceConfig holds geofence defaults.
type GeofenceConfig struct {
	DefaultRadiusMeters float64 `yaml:"default_radius_meters"`
}

// SyncConfig holds limits for the batch endpoint.
type SyncConfig struct {
	MaxBatchSize int `yaml:"max_batch_size"`
}

// PresenceConfig holds presence reporting settings.
type PresenceConfig struct {
	Timezone string         `yaml:"timezone"`
	Location *time.Location `yaml:"-"`
}

// RatingConfig holds the AI photo rater settings. An empty APIKey disables rating.
type RatingConfig struct {
	APIKey         string        `yaml:"api_key"`
	BaseURL        string        `yaml:"base_url"`
	Model          string        `yaml:"model"`
	TimeoutSeconds int           `yaml:"timeout_seconds"`
	Timeout        time.Duration `yaml:"-"`
}

// Enabled reports whether a rater is configured.
func (c RatingConfig) Enabled() bool {
	return c.APIKey != ""
}

// BlobConfig selects and configures the photo blob store.
type BlobConfig struct {
	Backend string   `yaml:"backend"` // s3 or disk
	Dir     string   `yaml:"dir"`
	S3      S3Config `yaml:"s3"`
}

// S3Config holds S3 connection details.
type S3Config struct {
	Bucket          string `yaml:"bucket"`
	Region          string `yaml:"region"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	Endpoint        string `yaml:"endpoint"` // Optional: for S3-compatible services like MinIO
}

// RedisConfig holds the Redis connection used for the audit event stream.
// An empty Addr disables the stream.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Stream   string `yaml:"stream"`
}

// ChecklistConfig holds the default checklist items per room type.
type ChecklistConfig struct {
	Templates map[string][]ChecklistTemplateItem `yaml:"templates"`
}

// ChecklistTemplateItem is one templated checklist line.
type ChecklistTemplateItem struct {
	ID       string `yaml:"id"`
	Title    string `yaml:"title"`
	Required bool   `yaml:"required"`
}

// ClientConfig configures the offline queue client (crewq).
type ClientConfig struct {
	ServerURL       string        `yaml:"server_url"`
	Token           string        `yaml:"token"`
	QueuePath       string        `yaml:"queue_path"`
	IntervalSeconds int           `yaml:"interval_seconds"`
	Interval        time.Duration `yaml:"-"`
	BatchSize       int           `yaml:"batch_size"`
	PruneDone       bool          `yaml:"prune_done"`
}

// Load reads the configuration from the given path. Secrets may be supplied
// through the environment (or a .env file) and take precedence over the file.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		defer f.Close()

		decoder := yaml.NewDecoder(f)
		if err := decoder.Decode(&cfg); err != nil {
			return nil, err
		}
	}

	applyEnv(&cfg)
	applyDefaults(&cfg)
	return &cfg, nil
}

// Default returns a configuration with every default applied and no file.
func Default() *Config {
	var cfg Config
	applyDefaults(&cfg)
	return &cfg
}

func applyEnv(cfg *Config) {
	overrides := map[string]*string{
		"DATABASE_DSN":         &cfg.Database.DSN,
		"AUTH_JWT_SECRET":      &cfg.Auth.JWTSecret,
		"OPENAI_API_KEY":       &cfg.Rating.APIKey,
		"S3_ACCESS_KEY_ID":     &cfg.Blob.S3.AccessKeyID,
		"S3_SECRET_ACCESS_KEY": &cfg.Blob.S3.SecretAccessKey,
		"REDIS_PASSWORD":       &cfg.Redis.Password,
		"VAPID_PRIVATE_KEY":    &cfg.Push.PrivateKey,
		"CREWQ_TOKEN":          &cfg.Client.Token,
	}
	for key, target := range overrides {
		if v := os.Getenv(key); v != "" {
			*target = v
		}
	}
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Port <= 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.RateLimitPerSec <= 0 {
		cfg.Server.RateLimitPerSec = 10
	}
	if cfg.Server.RateLimitBurst <= 0 {
		cfg.Server.RateLimitBurst = 20
	}
	if cfg.Server.CacheTTLSeconds <= 0 {
		cfg.Server.CacheTTLSeconds = 15
	}

	cfg.Database.Driver = strings.ToLower(cfg.Database.Driver)
	if cfg.Database.Driver == "" {
		cfg.Database.Driver = "postgres"
	}
	if cfg.Database.LogLevel == "" {
		cfg.Database.LogLevel = "warn"
	}

	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "json"
	}
	if cfg.Log.Service == "" {
		cfg.Log.Service = "cleaning-sync"
	}

	if cfg.Geofence.DefaultRadiusMeters <= 0 {
		cfg.Geofence.DefaultRadiusMeters = 100
	}

	if cfg.Sync.MaxBatchSize <= 0 {
		cfg.Sync.MaxBatchSize = 100
	}

	if cfg.Presence.Timezone == "" {
		cfg.Presence.Timezone = "UTC"
	}
	loc, err := time.LoadLocation(cfg.Presence.Timezone)
	if err != nil {
		log.Printf("presence.timezone %q is invalid (%v); defaulting to UTC", cfg.Presence.Timezone, err)
		loc = time.UTC
	}
	cfg.Presence.Location = loc

	if cfg.Rating.Model == "" {
		cfg.Rating.Model = "gpt-4o-mini"
	}
	if cfg.Rating.TimeoutSeconds <= 0 {
		cfg.Rating.TimeoutSeconds = 45
	}
	cfg.Rating.Timeout = time.Duration(cfg.Rating.TimeoutSeconds) * time.Second

	if cfg.Blob.Backend == "" {
		cfg.Blob.Backend = "disk"
	}
	if cfg.Blob.Dir == "" {
		cfg.Blob.Dir = "./data/blobs"
	}
	if cfg.Blob.S3.Region == "" {
		cfg.Blob.S3.Region = "us-east-1"
	}

	if cfg.Redis.Stream == "" {
		cfg.Redis.Stream = "cleaning:task_events"
	}

	if cfg.Push.TTL <= 0 {
		cfg.Push.TTL = 3600
	}

	if cfg.WorkerPool.Size <= 0 {
		log.Printf("worker_pool.size is not set or invalid; defaulting to 1")
		cfg.WorkerPool.Size = 1
	}
	if cfg.WorkerPool.QueueSize <= 0 {
		cfg.WorkerPool.QueueSize = 64
	}

	if cfg.Client.ServerURL == "" {
		cfg.Client.ServerURL = "http://localhost:8080"
	}
	if cfg.Client.QueuePath == "" {
		cfg.Client.QueuePath = "./crewq.db"
	}
	if cfg.Client.IntervalSeconds <= 0 {
		cfg.Client.IntervalSeconds = 15
	}
	cfg.Client.Interval = time.Duration(cfg.Client.IntervalSeconds) * time.Second
	if cfg.Client.BatchSize <= 0 {
		cfg.Client.BatchSize = 50
	}
}
