package config

import (
	"fmt"
	"os"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/spf13/viper"
)

// Config holds all configuration for the orchestrator
type Config struct {
	Service   ServiceConfig    `mapstructure:"service"`
	HTTP      HTTPConfig       `mapstructure:"http"`
	Engine    EngineConfig     `mapstructure:"engine"`
	Providers ProvidersConfig  `mapstructure:"providers"`
	Database  DatabaseConfig   `mapstructure:"database"`
	Redis     RedisConfig      `mapstructure:"redis"`
	Kafka     KafkaConfig      `mapstructure:"kafka"`
	Archive   ArchiveConfig    `mapstructure:"archive"`
	Schedules []ScheduleConfig `mapstructure:"schedules"`
	Logger    LoggerConfig     `mapstructure:"logger"`
	Telemetry TelemetryConfig  `mapstructure:"telemetry"`
	Version   string           `mapstructure:"version"`
}

// ServiceConfig holds service-specific configuration
type ServiceConfig struct {
	Name        string `mapstructure:"name" envconfig:"SERVICE_NAME"`
	Environment string `mapstructure:"environment" envconfig:"ENVIRONMENT" default:"development"`
}

// HTTPConfig holds the ops HTTP server configuration
type HTTPConfig struct {
	Port         int           `mapstructure:"port" envconfig:"HTTP_PORT" default:"8080"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout" envconfig:"HTTP_READ_TIMEOUT" default:"10s"`
	WriteTimeout time.Duration `mapstructure:"write_timeout" envconfig:"HTTP_WRITE_TIMEOUT" default:"10s"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout" envconfig:"HTTP_IDLE_TIMEOUT" default:"120s"`
}

// EngineConfig holds workflow engine configuration
type EngineConfig struct {
	MaxConcurrentExecutions int           `mapstructure:"max_concurrent_executions" envconfig:"ENGINE_MAX_CONCURRENT_EXECUTIONS" default:"10"`
	MaxExecutionHistory     int           `mapstructure:"max_execution_history" envconfig:"ENGINE_MAX_EXECUTION_HISTORY" default:"1000"`
	MonitorInterval         time.Duration `mapstructure:"monitor_interval" envconfig:"ENGINE_MONITOR_INTERVAL" default:"30s"`
	CleanupInterval         time.Duration `mapstructure:"cleanup_interval" envconfig:"ENGINE_CLEANUP_INTERVAL" default:"1h"`
	StuckThreshold          time.Duration `mapstructure:"stuck_threshold" envconfig:"ENGINE_STUCK_THRESHOLD" default:"4h"`
	SubprocessWait          time.Duration `mapstructure:"subprocess_wait" envconfig:"ENGINE_SUBPROCESS_WAIT" default:"1h"`
	ShutdownGrace           time.Duration `mapstructure:"shutdown_grace" envconfig:"ENGINE_SHUTDOWN_GRACE" default:"30s"`
	PerfSampleInterval      time.Duration `mapstructure:"perf_sample_interval" envconfig:"ENGINE_PERF_SAMPLE_INTERVAL" default:"30s"`
	WorkflowsDir            string        `mapstructure:"workflows_dir" envconfig:"ENGINE_WORKFLOWS_DIR" default:"configs/workflows"`
}

// ProvidersConfig holds the provider manager configuration
type ProvidersConfig struct {
	DefaultStrategy   string           `mapstructure:"default_strategy" envconfig:"PROVIDERS_DEFAULT_STRATEGY" default:"priority"`
	MaxAttempts       int              `mapstructure:"max_attempts" envconfig:"PROVIDERS_MAX_ATTEMPTS" default:"3"`
	FailureThreshold  int              `mapstructure:"failure_threshold" envconfig:"PROVIDERS_FAILURE_THRESHOLD" default:"5"`
	HalfOpenAfter     time.Duration    `mapstructure:"half_open_after" envconfig:"PROVIDERS_HALF_OPEN_AFTER" default:"10m"`
	RateLimitCooldown time.Duration    `mapstructure:"rate_limit_cooldown" envconfig:"PROVIDERS_RATE_LIMIT_COOLDOWN" default:"5m"`
	Backends          []ProviderConfig `mapstructure:"backends"`
}

// ProviderConfig describes one remote backend
type ProviderConfig struct {
	ID          string        `mapstructure:"id"`
	Name        string        `mapstructure:"name"`
	Kind        string        `mapstructure:"kind"`
	BaseURL     string        `mapstructure:"base_url"`
	APIKeyEnv   string        `mapstructure:"api_key_env"`
	Model       string        `mapstructure:"model"`
	Priority    int           `mapstructure:"priority"`
	Timeout     time.Duration `mapstructure:"timeout"`
	MaxTokens   int           `mapstructure:"max_tokens"`
	Temperature float32       `mapstructure:"temperature"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Enabled         bool          `mapstructure:"enabled" envconfig:"DB_ENABLED" default:"false"`
	Host            string        `mapstructure:"host" envconfig:"DB_HOST" default:"localhost"`
	Port            int           `mapstructure:"port" envconfig:"DB_PORT" default:"5432"`
	User            string        `mapstructure:"user" envconfig:"DB_USER" default:"postgres"`
	Password        string        `mapstructure:"password" envconfig:"DB_PASSWORD" default:"postgres"`
	Database        string        `mapstructure:"database" envconfig:"DB_NAME" default:"arachne"`
	Schema          string        `mapstructure:"schema" envconfig:"DB_SCHEMA"`
	SSLMode         string        `mapstructure:"ssl_mode" envconfig:"DB_SSL_MODE" default:"disable"`
	MaxOpenConns    int           `mapstructure:"max_open_conns" envconfig:"DB_MAX_OPEN_CONNS" default:"25"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns" envconfig:"DB_MAX_IDLE_CONNS" default:"5"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime" envconfig:"DB_CONN_MAX_LIFETIME" default:"5m"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idle_time" envconfig:"DB_CONN_MAX_IDLE_TIME" default:"10m"`
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Enabled      bool          `mapstructure:"enabled" envconfig:"REDIS_ENABLED" default:"false"`
	Host         string        `mapstructure:"host" envconfig:"REDIS_HOST" default:"localhost"`
	Port         int           `mapstructure:"port" envconfig:"REDIS_PORT" default:"6379"`
	Password     string        `mapstructure:"password" envconfig:"REDIS_PASSWORD"`
	DB           int           `mapstructure:"db" envconfig:"REDIS_DB" default:"0"`
	PoolSize     int           `mapstructure:"pool_size" envconfig:"REDIS_POOL_SIZE" default:"10"`
	MinIdleConns int           `mapstructure:"min_idle_conns" envconfig:"REDIS_MIN_IDLE_CONNS" default:"5"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout" envconfig:"REDIS_DIAL_TIMEOUT" default:"5s"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout" envconfig:"REDIS_READ_TIMEOUT" default:"3s"`
	WriteTimeout time.Duration `mapstructure:"write_timeout" envconfig:"REDIS_WRITE_TIMEOUT" default:"3s"`
}

// KafkaConfig holds Kafka configuration
type KafkaConfig struct {
	Enabled       bool     `mapstructure:"enabled" envconfig:"KAFKA_ENABLED" default:"false"`
	Brokers       []string `mapstructure:"brokers" envconfig:"KAFKA_BROKERS" default:"localhost:9092"`
	ConsumerGroup string   `mapstructure:"consumer_group" envconfig:"KAFKA_CONSUMER_GROUP"`
	Topics        []string `mapstructure:"topics" envconfig:"KAFKA_TOPICS"`
}

// ArchiveConfig holds execution archive configuration
type ArchiveConfig struct {
	RedisKey      string `mapstructure:"redis_key" envconfig:"ARCHIVE_REDIS_KEY" default:"arachne:executions:recent"`
	RedisMaxItems int64  `mapstructure:"redis_max_items" envconfig:"ARCHIVE_REDIS_MAX_ITEMS" default:"1000"`
	S3Enabled     bool   `mapstructure:"s3_enabled" envconfig:"ARCHIVE_S3_ENABLED" default:"false"`
	S3Bucket      string `mapstructure:"s3_bucket" envconfig:"ARCHIVE_S3_BUCKET"`
	S3Prefix      string `mapstructure:"s3_prefix" envconfig:"ARCHIVE_S3_PREFIX" default:"executions"`
	S3Region      string `mapstructure:"s3_region" envconfig:"ARCHIVE_S3_REGION" default:"us-east-1"`
	S3Endpoint    string `mapstructure:"s3_endpoint" envconfig:"ARCHIVE_S3_ENDPOINT"`
}

// ScheduleConfig declares one cron-triggered workflow run. Cron uses the
// six-field form with a leading seconds column; Every is the alternative
// for plain fixed intervals.
type ScheduleConfig struct {
	ID          string                 `mapstructure:"id"`
	WorkflowID  string                 `mapstructure:"workflow_id"`
	Cron        string                 `mapstructure:"cron"`
	Every       time.Duration          `mapstructure:"every"`
	Context     map[string]interface{} `mapstructure:"context"`
	InitiatedBy string                 `mapstructure:"initiated_by"`
	Priority    int                    `mapstructure:"priority"`
	Disabled    bool                   `mapstructure:"disabled"`
}

// LoggerConfig holds logger configuration
type LoggerConfig struct {
	Level      string `mapstructure:"level" envconfig:"LOG_LEVEL" default:"info"`
	Format     string `mapstructure:"format" envconfig:"LOG_FORMAT" default:"json"`
	OutputPath string `mapstructure:"output_path" envconfig:"LOG_OUTPUT_PATH" default:"stdout"`
}

// TelemetryConfig holds telemetry configuration
type TelemetryConfig struct {
	MetricsEnabled bool   `mapstructure:"metrics_enabled" envconfig:"METRICS_ENABLED" default:"true"`
	TracingEnabled bool   `mapstructure:"tracing_enabled" envconfig:"TRACING_ENABLED" default:"false"`
	JaegerEndpoint string `mapstructure:"jaeger_endpoint" envconfig:"JAEGER_ENDPOINT" default:"http://localhost:14268/api/traces"`
	ServiceName    string `mapstructure:"service_name" envconfig:"TELEMETRY_SERVICE_NAME"`
}

// Load loads configuration from files and environment
func Load(serviceName string) (*Config, error) {
	var cfg Config

	cfg.Service.Name = serviceName
	cfg.Telemetry.ServiceName = serviceName

	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath("./configs")
	viper.AddConfigPath("./configs/services/" + serviceName)
	viper.AddConfigPath(".")

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found; continue with env vars
	}

	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to process env vars: %w", err)
	}

	envPrefix := fmt.Sprintf("%s_", toEnvPrefix(serviceName))
	if err := envconfig.Process(envPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("failed to process service env vars: %w", err)
	}

	if cfg.Database.Schema == "" {
		cfg.Database.Schema = "orchestration"
	}

	if cfg.Kafka.ConsumerGroup == "" {
		cfg.Kafka.ConsumerGroup = serviceName + "-consumer"
	}

	if version := os.Getenv("VERSION"); version != "" {
		cfg.Version = version
	} else {
		cfg.Version = "dev"
	}

	return &cfg, nil
}

// DSN returns the database connection string
func (c *DatabaseConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode)
}

// Addr returns the Redis address
func (c *RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// toEnvPrefix converts service name to environment variable prefix
func toEnvPrefix(name string) string {
	result := ""
	for i, r := range name {
		if i > 0 && r >= 'A' && r <= 'Z' {
			result += "_"
		}
		if r >= 'a' && r <= 'z' {
			result += string(r - 32) // Convert to uppercase
		} else {
			result += string(r)
		}
	}
	return result
}
