// Package config loads and validates node configuration from YAML files with
// environment-variable overrides. It provides typed structs for every
// subsystem (Node, Indices, Server, Postgres, Kafka, Redis, etc.).
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level application configuration.
type Config struct {
	Node     NodeConfig     `yaml:"node"`
	Indices  []IndexConfig  `yaml:"indices"`
	Server   ServerConfig   `yaml:"server"`
	Postgres PostgresConfig `yaml:"postgres"`
	Kafka    KafkaConfig    `yaml:"kafka"`
	Redis    RedisConfig    `yaml:"redis"`
	Logging  LoggingConfig  `yaml:"logging"`
	Metrics  MetricsConfig  `yaml:"metrics"`
}

// NodeConfig describes this node's identity, its RPC endpoint and how it
// reaches the metadata server.
type NodeConfig struct {
	Name              string         `yaml:"name"`
	DataDir           string         `yaml:"dataDir"`
	RPCAddress        string         `yaml:"rpcAddress"`
	RPCPort           int            `yaml:"rpcPort"`
	MetadataAddress   string         `yaml:"metadataAddress"`
	MetadataPort      int            `yaml:"metadataPort"`
	MetadataServer    bool           `yaml:"metadataServer"`
	DialTimeout       time.Duration  `yaml:"dialTimeout"`
	MaxFrameSize      int            `yaml:"maxFrameSize"`
	HeartbeatInterval time.Duration  `yaml:"heartbeatInterval"`
	Register          RegisterConfig `yaml:"register"`
}

// RegisterConfig controls the backoff used while registering with the
// metadata server. MaxAttempts of zero retries forever.
type RegisterConfig struct {
	Strategy     string        `yaml:"strategy"`
	InitialDelay time.Duration `yaml:"initialDelay"`
	MaxDelay     time.Duration `yaml:"maxDelay"`
	MaxAttempts  int           `yaml:"maxAttempts"`
}

// IndexConfig declares one shard of one index hosted by this node.
type IndexConfig struct {
	Name          string `yaml:"name"`
	ShardType     string `yaml:"shardType"`
	StorageEngine string `yaml:"storageEngine"`
	Workers       int    `yaml:"workers"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"readTimeout"`
	WriteTimeout    time.Duration `yaml:"writeTimeout"`
	RequestTimeout  time.Duration `yaml:"requestTimeout"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout"`
	// RateLimit is the number of API requests a client may make per
	// RateLimitWindow. Zero disables limiting.
	RateLimit       int           `yaml:"rateLimit"`
	RateLimitWindow time.Duration `yaml:"rateLimitWindow"`
}

// PostgresConfig holds PostgreSQL connection parameters. When Enabled the
// membership table lives in postgres instead of the local bolt file.
type PostgresConfig struct {
	Enabled         bool          `yaml:"enabled"`
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	Database        string        `yaml:"database"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	SSLMode         string        `yaml:"sslMode"`
	MaxOpenConns    int           `yaml:"maxOpenConns"`
	MaxIdleConns    int           `yaml:"maxIdleConns"`
	ConnMaxLifetime time.Duration `yaml:"connMaxLifetime"`
}

// DSN returns a lib/pq-compatible data source name.
func (p PostgresConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		p.Host, p.Port, p.User, p.Password, p.Database, p.SSLMode,
	)
}

// KafkaConfig holds Kafka broker and topic settings.
type KafkaConfig struct {
	Enabled       bool        `yaml:"enabled"`
	Brokers       []string    `yaml:"brokers"`
	ConsumerGroup string      `yaml:"consumerGroup"`
	Topics        KafkaTopics `yaml:"topics"`
}

// KafkaTopics maps logical topic names to their Kafka topic strings.
type KafkaTopics struct {
	DocumentIngest string `yaml:"documentIngest"`
}

// RedisConfig holds Redis connection parameters for heartbeat presence.
type RedisConfig struct {
	Enabled     bool          `yaml:"enabled"`
	Addr        string        `yaml:"addr"`
	Password    string        `yaml:"password"`
	DB          int           `yaml:"db"`
	PoolSize    int           `yaml:"poolSize"`
	PresenceTTL time.Duration `yaml:"presenceTTL"`
}

// LoggingConfig controls structured logging level and output format.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MetricsConfig controls the Prometheus metrics server.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// Load reads a YAML config file (if provided), applies environment-variable
// overrides and validates the result.
func Load(path string) (*Config, error) {
	cfg := defaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", path, err)
		}
	}
	applyEnvOverrides(cfg)
	cfg.fillIndexDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns the built-in configuration without reading a file.
func Default() *Config {
	cfg := defaultConfig()
	cfg.fillIndexDefaults()
	return cfg
}

func defaultConfig() *Config {
	return &Config{
		Node: NodeConfig{
			Name:              "saga-0",
			DataDir:           "/tmp/saga",
			RPCAddress:        "127.0.0.1",
			RPCPort:           7070,
			MetadataAddress:   "127.0.0.1",
			MetadataPort:      7070,
			MetadataServer:    true,
			DialTimeout:       3 * time.Second,
			MaxFrameSize:      1 << 20,
			HeartbeatInterval: 10 * time.Second,
			Register: RegisterConfig{
				Strategy:     "fixed",
				InitialDelay: 5 * time.Second,
				MaxDelay:     time.Minute,
			},
		},
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			RequestTimeout:  10 * time.Second,
			ShutdownTimeout: 15 * time.Second,
			RateLimitWindow: time.Minute,
		},
		Postgres: PostgresConfig{
			Host:            "localhost",
			Port:            5432,
			Database:        "saga",
			User:            "saga",
			Password:        "localdev",
			SSLMode:         "disable",
			MaxOpenConns:    10,
			MaxIdleConns:    2,
			ConnMaxLifetime: 5 * time.Minute,
		},
		Kafka: KafkaConfig{
			Brokers:       []string{"localhost:9092"},
			ConsumerGroup: "saga-indexers",
			Topics: KafkaTopics{
				DocumentIngest: "saga.documents",
			},
		},
		Redis: RedisConfig{
			Addr:        "localhost:6379",
			PoolSize:    10,
			PresenceTTL: 30 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Port:    9090,
		},
	}
}

func (c *Config) fillIndexDefaults() {
	for i := range c.Indices {
		idx := &c.Indices[i]
		if idx.ShardType == "" {
			idx.ShardType = "primary"
		}
		if idx.StorageEngine == "" {
			idx.StorageEngine = "bolt"
		}
		if idx.Workers <= 0 {
			idx.Workers = 10
		}
	}
}

// Validate rejects configurations the node cannot start with.
func (c *Config) Validate() error {
	if c.Node.Name == "" {
		return fmt.Errorf("node.name must be set")
	}
	if c.Node.DataDir == "" {
		return fmt.Errorf("node.dataDir must be set")
	}
	if c.Node.RPCPort <= 0 || c.Node.RPCPort > 65535 {
		return fmt.Errorf("node.rpcPort %d out of range", c.Node.RPCPort)
	}
	if !c.Node.MetadataServer && c.Node.MetadataAddress == "" {
		return fmt.Errorf("node.metadataAddress is required when this node is not the metadata server")
	}
	switch c.Node.Register.Strategy {
	case "", "fixed", "exponential":
	default:
		return fmt.Errorf("node.register.strategy %q is not one of fixed, exponential", c.Node.Register.Strategy)
	}
	seen := make(map[string]bool, len(c.Indices))
	for _, idx := range c.Indices {
		if idx.Name == "" {
			return fmt.Errorf("index name must be set")
		}
		key := idx.Name + "/" + idx.ShardType
		if seen[key] {
			return fmt.Errorf("index %s declared twice as %s", idx.Name, idx.ShardType)
		}
		seen[key] = true
		switch idx.ShardType {
		case "primary", "replica":
		default:
			return fmt.Errorf("index %s: unknown shard type %q", idx.Name, idx.ShardType)
		}
		switch idx.StorageEngine {
		case "bolt", "kv":
		default:
			return fmt.Errorf("index %s: unknown storage engine %q", idx.Name, idx.StorageEngine)
		}
	}
	return nil
}

// applyEnvOverrides reads SAGA_* environment variables and overrides the
// corresponding config fields.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("SAGA_NODE_NAME"); v != "" {
		cfg.Node.Name = v
	}
	if v := os.Getenv("SAGA_NODE_DATA_DIR"); v != "" {
		cfg.Node.DataDir = v
	}
	if v := os.Getenv("SAGA_NODE_RPC_ADDRESS"); v != "" {
		cfg.Node.RPCAddress = v
	}
	if v := os.Getenv("SAGA_NODE_RPC_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Node.RPCPort = port
		}
	}
	if v := os.Getenv("SAGA_NODE_METADATA_ADDRESS"); v != "" {
		cfg.Node.MetadataAddress = v
	}
	if v := os.Getenv("SAGA_NODE_METADATA_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Node.MetadataPort = port
		}
	}
	if v := os.Getenv("SAGA_NODE_METADATA_SERVER"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Node.MetadataServer = b
		}
	}
	if v := os.Getenv("SAGA_SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("SAGA_SERVER_RATE_LIMIT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Server.RateLimit = n
		}
	}
	if v := os.Getenv("SAGA_POSTGRES_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Postgres.Enabled = b
		}
	}
	if v := os.Getenv("SAGA_POSTGRES_HOST"); v != "" {
		cfg.Postgres.Host = v
	}
	if v := os.Getenv("SAGA_POSTGRES_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Postgres.Port = port
		}
	}
	if v := os.Getenv("SAGA_POSTGRES_DATABASE"); v != "" {
		cfg.Postgres.Database = v
	}
	if v := os.Getenv("SAGA_POSTGRES_USER"); v != "" {
		cfg.Postgres.User = v
	}
	if v := os.Getenv("SAGA_POSTGRES_PASSWORD"); v != "" {
		cfg.Postgres.Password = v
	}
	if v := os.Getenv("SAGA_KAFKA_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Kafka.Enabled = b
		}
	}
	if v := os.Getenv("SAGA_KAFKA_BROKERS"); v != "" {
		cfg.Kafka.Brokers = strings.Split(v, ",")
	}
	if v := os.Getenv("SAGA_REDIS_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Redis.Enabled = b
		}
	}
	if v := os.Getenv("SAGA_REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("SAGA_REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("SAGA_LOGGING_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("SAGA_LOGGING_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}
}
