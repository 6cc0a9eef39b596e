package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const EnvPath = "APKQUEUE_CONFIG"

const (
	BackendMongo  = "mongo"
	BackendRedis  = "redis"
	BackendMemory = "memory"
)

type Config struct {
	Addr            string        `yaml:"addr"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`

	LogLevel string `yaml:"log_level"`

	StorageDir   string `yaml:"storage_dir"`
	MaxBlobMb    int64  `yaml:"max_blob_mb"`
	DashboardDir string `yaml:"dashboard_dir"`

	QueueCapacity int `yaml:"queue_capacity"`
	PoolSize      int `yaml:"pool_size"`
	MaxRetries    int `yaml:"max_retries"`

	Store   Store   `yaml:"store"`
	MinIO   MinIO   `yaml:"minio"`
	NATS    NATS    `yaml:"nats"`
	Tracing Tracing `yaml:"tracing"`
	Metrics Metrics `yaml:"metrics"`

	Seed []SeedTask `yaml:"seed"`
}

type Store struct {
	Backend string `yaml:"backend"`
	Mongo   Mongo  `yaml:"mongo"`
	Redis   Redis  `yaml:"redis"`
}

type Mongo struct {
	URI            string        `yaml:"uri"`
	Database       string        `yaml:"database"`
	Collection     string        `yaml:"collection"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
}

type Redis struct {
	Addr     string `yaml:"addr"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	PoolSize int    `yaml:"pool_size"`
}

type MinIO struct {
	Enabled         bool   `yaml:"enabled"`
	Endpoint        string `yaml:"endpoint"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	UseSSL          bool   `yaml:"use_ssl"`
	Region          string `yaml:"region"`
	Bucket          string `yaml:"bucket"`
	Prefix          string `yaml:"prefix"`
}

type NATS struct {
	Enabled       bool          `yaml:"enabled"`
	URL           string        `yaml:"url"`
	Name          string        `yaml:"name"`
	Stream        string        `yaml:"stream"`
	SubjectPrefix string        `yaml:"subject_prefix"`
	MaxReconnects int           `yaml:"max_reconnects"`
	MaxAge        time.Duration `yaml:"max_age"`
}

type Tracing struct {
	Enabled     bool   `yaml:"enabled"`
	ServiceName string `yaml:"service_name"`
}

type Metrics struct {
	Namespace string `yaml:"namespace"`
}

type SeedTask struct {
	Hash string `yaml:"hash"`
	Tag  string `yaml:"tag"`
}

// MaxBlobBytes is the per-file upload limit.
func (c *Config) MaxBlobBytes() int64 {
	return c.MaxBlobMb << 20
}

// MustLoad reads .env when present, then the YAML file at path, then applies
// environment overrides and defaults. Any problem is fatal.
func MustLoad(path string) *Config {
	cfg, err := Load(path)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	return cfg
}

func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("cannot load .env: %w", err)
	}

	if path == "" {
		path = os.Getenv(EnvPath)
	}
	if path == "" {
		return nil, fmt.Errorf("no config path, set -config or %s", EnvPath)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read file %q: %w", path, err)
	}

	return Parse(data)
}

func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("cannot unmarshal yaml: %w", err)
	}

	cfg.applyEnv()
	cfg.applyDefaults()

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyEnv() {
	override := func(dst *string, key string) {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			*dst = v
		}
	}

	override(&c.Addr, "HTTP_ADDR")
	override(&c.StorageDir, "STORAGE_DIR")
	override(&c.Store.Mongo.URI, "MONGODB_URI")
	override(&c.Store.Redis.Addr, "REDIS_ADDR")
	override(&c.Store.Redis.Password, "REDIS_PASSWORD")
	override(&c.NATS.URL, "NATS_URL")
	override(&c.MinIO.Endpoint, "MINIO_ENDPOINT")
	override(&c.MinIO.AccessKeyID, "MINIO_ACCESS_KEY")
	override(&c.MinIO.SecretAccessKey, "MINIO_SECRET_KEY")
}

func (c *Config) applyDefaults() {
	if c.Addr == "" {
		c.Addr = ":8000"
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 10 * time.Second
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 5 * time.Minute
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 5 * time.Minute
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.StorageDir == "" {
		c.StorageDir = "./storage"
	}
	if c.MaxBlobMb <= 0 {
		c.MaxBlobMb = 500
	}
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = 256
	}
	if c.PoolSize <= 0 {
		c.PoolSize = 4
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}

	if c.Store.Backend == "" {
		c.Store.Backend = BackendMongo
	}
	if c.Store.Mongo.Database == "" {
		c.Store.Mongo.Database = "rapart"
	}
	if c.Store.Mongo.Collection == "" {
		c.Store.Mongo.Collection = "tasks"
	}
	if c.Store.Mongo.ConnectTimeout <= 0 {
		c.Store.Mongo.ConnectTimeout = 30 * time.Second
	}

	if c.NATS.Name == "" {
		c.NATS.Name = "apkqueue"
	}
	if c.NATS.Stream == "" {
		c.NATS.Stream = "APK_TASKS"
	}
	if c.NATS.SubjectPrefix == "" {
		c.NATS.SubjectPrefix = "apkqueue.tasks"
	}
	if c.NATS.MaxAge <= 0 {
		c.NATS.MaxAge = 72 * time.Hour
	}

	if c.Tracing.ServiceName == "" {
		c.Tracing.ServiceName = "apkqueue"
	}
	if c.Metrics.Namespace == "" {
		c.Metrics.Namespace = "apkqueue"
	}
}

func (c *Config) validate() error {
	switch c.Store.Backend {
	case BackendMongo:
		if c.Store.Mongo.URI == "" {
			return errors.New("store.mongo.uri is empty")
		}
	case BackendRedis:
		if c.Store.Redis.Addr == "" {
			return errors.New("store.redis.addr is empty")
		}
	case BackendMemory:
	default:
		return fmt.Errorf("unknown store.backend %q", c.Store.Backend)
	}

	if c.MinIO.Enabled {
		if c.MinIO.Endpoint == "" {
			return errors.New("minio.endpoint is empty")
		}
		if c.MinIO.Bucket == "" {
			return errors.New("minio.bucket is empty")
		}
	}
	if c.NATS.Enabled && c.NATS.URL == "" {
		return errors.New("nats.url is empty")
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown log_level %q", c.LogLevel)
	}

	return nil
}
