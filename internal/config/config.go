package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the application
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Gmail    GmailConfig    `mapstructure:"gmail"`
	Queue    QueueConfig    `mapstructure:"queue"`
	Sweeper  SweeperConfig  `mapstructure:"sweeper"`
	Bulk     BulkConfig     `mapstructure:"bulk"`
	Digest   DigestConfig   `mapstructure:"digest"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port         string        `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// DatabaseConfig holds database connection configuration
type DatabaseConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbname"`
}

// GmailConfig holds the OAuth2 application credentials shared by all Gmail
// accounts. Per-account refresh tokens live on the EmailAccount row.
type GmailConfig struct {
	ClientID     string `mapstructure:"client_id"`
	ClientSecret string `mapstructure:"client_secret"`
}

// QueueConfig holds durable-queue dispatcher configuration
type QueueConfig struct {
	PollInterval time.Duration `mapstructure:"poll_interval"`
	Workers      int           `mapstructure:"workers"`
	MaxAttempts  int           `mapstructure:"max_attempts"`
	// JobTimeout bounds a single handler invocation. Long-running work must
	// re-enqueue itself rather than hold one call open.
	JobTimeout time.Duration `mapstructure:"job_timeout"`
}

// SweeperConfig holds recovery-sweeper configuration
type SweeperConfig struct {
	Interval  time.Duration `mapstructure:"interval"`
	BatchSize int           `mapstructure:"batch_size"`
}

// BulkConfig holds bulk-processing configuration
type BulkConfig struct {
	PageSize int `mapstructure:"page_size"`
	// WorkerConcurrency bounds parallel per-message workers per account.
	WorkerConcurrency int `mapstructure:"worker_concurrency"`
}

// DigestConfig holds digest aggregation and delivery configuration
type DigestConfig struct {
	// FromAddress is the system's own outgoing address; mail from it is never
	// aggregated back into a digest.
	FromAddress string        `mapstructure:"from_address"`
	Subject     string        `mapstructure:"subject"`
	BatchSize   int           `mapstructure:"batch_size"`
	BatchPause  time.Duration `mapstructure:"batch_pause"`
}

// LoadConfig loads configuration from environment variables and config file
func LoadConfig() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")

	setDefaults()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	viper.AutomaticEnv()
	bindEnvVars()

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	return &config, nil
}

// setDefaults sets default configuration values
func setDefaults() {
	viper.SetDefault("server.port", "8080")
	viper.SetDefault("server.read_timeout", "30s")
	viper.SetDefault("server.write_timeout", "30s")

	viper.SetDefault("database.host", "localhost")
	viper.SetDefault("database.port", 3306)

	viper.SetDefault("queue.poll_interval", "1s")
	viper.SetDefault("queue.workers", 8)
	viper.SetDefault("queue.max_attempts", 3)
	viper.SetDefault("queue.job_timeout", "5m")

	viper.SetDefault("sweeper.interval", "5m")
	viper.SetDefault("sweeper.batch_size", 100)

	viper.SetDefault("bulk.page_size", 25)
	viper.SetDefault("bulk.worker_concurrency", 3)

	viper.SetDefault("digest.subject", "Your email digest")
	viper.SetDefault("digest.batch_size", 100)
	viper.SetDefault("digest.batch_pause", "1s")
}

// bindEnvVars binds environment variables to configuration keys
func bindEnvVars() {
	// Server
	viper.BindEnv("server.port", "SERVER_PORT")
	viper.BindEnv("server.read_timeout", "SERVER_READ_TIMEOUT")
	viper.BindEnv("server.write_timeout", "SERVER_WRITE_TIMEOUT")

	// Database
	viper.BindEnv("database.host", "DB_HOST")
	viper.BindEnv("database.port", "DB_PORT")
	viper.BindEnv("database.user", "DB_USER")
	viper.BindEnv("database.password", "DB_PASSWORD")
	viper.BindEnv("database.dbname", "DB_NAME")

	// Gmail
	viper.BindEnv("gmail.client_id", "GMAIL_CLIENT_ID")
	viper.BindEnv("gmail.client_secret", "GMAIL_CLIENT_SECRET")

	// Queue
	viper.BindEnv("queue.poll_interval", "QUEUE_POLL_INTERVAL")
	viper.BindEnv("queue.workers", "QUEUE_WORKERS")
	viper.BindEnv("queue.max_attempts", "QUEUE_MAX_ATTEMPTS")
	viper.BindEnv("queue.job_timeout", "QUEUE_JOB_TIMEOUT")

	// Sweeper
	viper.BindEnv("sweeper.interval", "SWEEPER_INTERVAL")
	viper.BindEnv("sweeper.batch_size", "SWEEPER_BATCH_SIZE")

	// Bulk
	viper.BindEnv("bulk.page_size", "BULK_PAGE_SIZE")
	viper.BindEnv("bulk.worker_concurrency", "BULK_WORKER_CONCURRENCY")

	// Digest
	viper.BindEnv("digest.from_address", "DIGEST_FROM_ADDRESS")
	viper.BindEnv("digest.subject", "DIGEST_SUBJECT")
	viper.BindEnv("digest.batch_size", "DIGEST_BATCH_SIZE")
	viper.BindEnv("digest.batch_pause", "DIGEST_BATCH_PAUSE")
}

// GetDSN returns the database connection string
func (c *DatabaseConfig) GetDSN() string {
	return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?charset=utf8mb4&parseTime=True&loc=Local",
		c.User, c.Password, c.Host, c.Port, c.DBName)
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("server port is required")
	}

	if c.Database.Host == "" || c.Database.User == "" || c.Database.DBName == "" {
		return fmt.Errorf("database host, user, and dbname are required")
	}

	if c.Queue.Workers <= 0 {
		return fmt.Errorf("queue workers must be greater than 0")
	}
	if c.Queue.MaxAttempts <= 0 {
		return fmt.Errorf("queue max attempts must be greater than 0")
	}

	if c.Sweeper.Interval <= 0 {
		return fmt.Errorf("sweeper interval must be greater than 0")
	}
	if c.Sweeper.BatchSize <= 0 {
		return fmt.Errorf("sweeper batch size must be greater than 0")
	}

	if c.Bulk.PageSize <= 0 {
		return fmt.Errorf("bulk page size must be greater than 0")
	}
	if c.Bulk.WorkerConcurrency <= 0 {
		return fmt.Errorf("bulk worker concurrency must be greater than 0")
	}

	if c.Digest.BatchSize <= 0 {
		return fmt.Errorf("digest batch size must be greater than 0")
	}

	return nil
}
