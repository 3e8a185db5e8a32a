package config

import (
	"path/filepath"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config holds shared runtime configuration for the API, worker and CLI.
type Config struct {
	LogLevel   string `envconfig:"LOG_LEVEL" default:"info"`
	HTTPPort   string `envconfig:"HTTP_PORT" default:"3001"`
	WorkerAddr string `envconfig:"WORKER_ADDR" default:":3002"`

	RedisAddr     string `envconfig:"REDIS_ADDR" default:"localhost:6379"`
	RedisPassword string `envconfig:"REDIS_PASSWORD" default:""`
	RedisDB       int    `envconfig:"REDIS_DB" default:"0"`
	QueueName     string `envconfig:"QUEUE_NAME" default:"kmz-processing"`

	PostgresDSN string `envconfig:"POSTGRES_DSN" default:"postgres://parcel_user:@localhost:5432/parcel_db?sslmode=disable"`

	BaseDir        string `envconfig:"BASE_DIR" default:"."`
	UploadDir      string `envconfig:"KMZ_UPLOAD_DIR" default:""`
	UploadMaxBytes int64  `envconfig:"UPLOAD_MAX_BYTES" default:"104857600"`
	MaxKMLBytes    int64  `envconfig:"KMZ_MAX_KML_BYTES" default:"67108864"`

	WorkerConcurrency  int           `envconfig:"WORKER_CONCURRENCY" default:"2"`
	VisibilityTimeout  time.Duration `envconfig:"VISIBILITY_TIMEOUT" default:"2m"`
	WorkerPollInterval time.Duration `envconfig:"WORKER_POLL_INTERVAL" default:"1s"`
	MaxAttempts        int           `envconfig:"MAX_ATTEMPTS" default:"5"`
	BackoffInitial     time.Duration `envconfig:"BACKOFF_INITIAL" default:"2s"`
	BackoffMax         time.Duration `envconfig:"BACKOFF_MAX" default:"5m"`
	ScheduledBatchSize int           `envconfig:"SCHEDULED_BATCH_SIZE" default:"100"`
	CountsRefresh      time.Duration `envconfig:"COUNTS_REFRESH" default:"5s"`

	RenderServiceURL string        `envconfig:"GEOSERVER_URL" default:""`
	RenderLayers     string        `envconfig:"GEOSERVER_LAYERS" default:""`
	RenderTimeout    time.Duration `envconfig:"RENDER_TIMEOUT" default:"5s"`

	ThumbnailS3Bucket    string `envconfig:"THUMBNAIL_S3_BUCKET" default:""`
	ThumbnailS3Region    string `envconfig:"THUMBNAIL_S3_REGION" default:"us-east-1"`
	ThumbnailS3Endpoint  string `envconfig:"THUMBNAIL_S3_ENDPOINT" default:""`
	ThumbnailS3PathStyle bool   `envconfig:"THUMBNAIL_S3_PATH_STYLE" default:"false"`

	AlertWebhook string        `envconfig:"JOB_ALERT_WEBHOOK" default:""`
	AlertTimeout time.Duration `envconfig:"JOB_ALERT_TIMEOUT" default:"5s"`

	RateLimitCapacity int     `envconfig:"RATE_LIMIT_CAPACITY" default:"20"`
	RateLimitRefill   float64 `envconfig:"RATE_LIMIT_REFILL_PER_SEC" default:"1"`
}

// Load reads configuration from environment variables with sane defaults for local development.
func Load() (Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// KMZUploadDir is where uploaded archives are stored.
func (c Config) KMZUploadDir() string {
	if c.UploadDir != "" {
		return c.UploadDir
	}
	return filepath.Join(c.BaseDir, "uploads", "kmz")
}
