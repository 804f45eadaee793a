package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	JWT       JWTConfig       `yaml:"jwt"`
	Redis     RedisConfig     `yaml:"redis"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Gateway   GatewayConfig   `yaml:"gateway"`
	TaskLog   TaskLogConfig   `yaml:"task_log"`
	Log       LogConfig       `yaml:"log"`
}

type ServerConfig struct {
	Host       string `yaml:"host"`
	Port       string `yaml:"port"`
	Mode       string `yaml:"mode"` // debug, release, test
	ServerID   string `yaml:"server_id"`
	ServerName string `yaml:"server_name"`

	AllowedOrigins []string `yaml:"allowed_origins"` // CORS; empty allows any
}

type DatabaseConfig struct {
	Driver          string        `yaml:"driver"` // sqlite, mysql, postgres
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

type JWTConfig struct {
	Secret     string `yaml:"secret"`
	ExpireHour int    `yaml:"expire_hour"`
}

// RedisConfig enables the asynq-backed status report queue.
type RedisConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Addr        string `yaml:"addr"`
	Password    string `yaml:"password"`
	DB          int    `yaml:"db"`
	Concurrency int    `yaml:"concurrency"` // worker goroutines per server
	MaxRetry    int    `yaml:"max_retry"`
}

// SchedulerConfig controls leader election and the leader-only loops.
type SchedulerConfig struct {
	LockTTL                time.Duration `yaml:"lock_ttl"`
	TokenIncrementInterval time.Duration `yaml:"token_increment_interval"`
	HeartbeatInterval      time.Duration `yaml:"heartbeat_interval"`
	AgentOverdueTTL        time.Duration `yaml:"agent_overdue_ttl"`
	ServerHeartbeatTTL     time.Duration `yaml:"server_heartbeat_ttl"`
	ClaimTimeout           time.Duration `yaml:"claim_timeout"`
	DefaultTaskTimeout     time.Duration `yaml:"default_task_timeout"` // for tasks without a timeout; match the agents' default_timeout
	JobCheckInterval       time.Duration `yaml:"job_check_interval"`
	JobCheckDuration       time.Duration `yaml:"job_check_duration"`
	RetryCheckInterval     time.Duration `yaml:"retry_check_interval"`
	RetryGrace             time.Duration `yaml:"retry_grace"`
	MaxGeneratePerSchedule int           `yaml:"max_generate_per_schedule"`
	PriorityAgingInterval  time.Duration `yaml:"priority_aging_interval"`
}

type GatewayConfig struct {
	PingInterval    time.Duration `yaml:"ping_interval"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	RegisterTimeout time.Duration `yaml:"register_timeout"`
	SendBuffer      int           `yaml:"send_buffer"`
	MaxMessageBytes int64         `yaml:"max_message_bytes"`
	ConnectRate     float64       `yaml:"connect_rate"` // upgrades per second per client IP
	ConnectBurst    int           `yaml:"connect_burst"`
}

type TaskLogConfig struct {
	Dir           string `yaml:"dir"`
	MaxFileBytes  int64  `yaml:"max_file_bytes"`
	RetentionDays int    `yaml:"retention_days"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // json or console
}

var GlobalConfig *Config

// Load reads the server configuration. A missing file yields the defaults;
// environment variables (and a .env file, when present) override both.
func Load(configPath string) (*Config, error) {
	_ = godotenv.Load()

	if configPath == "" {
		configPath = "config.yaml"
	}

	cfg := DefaultConfig()
	if err := readYAML(configPath, cfg); err != nil {
		return nil, err
	}

	cfg.overrideFromEnv()
	if cfg.Server.ServerID == "" {
		cfg.Server.ServerID = uuid.New().String()
	}
	if cfg.Server.ServerName == "" {
		host, _ := os.Hostname()
		cfg.Server.ServerName = host
	}
	GlobalConfig = cfg
	return cfg, nil
}

func readYAML(path string, out interface{}) error {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}

func DefaultConfig() *Config {
	ttl, tokenInterval, heartbeat := RecommendedLockConfig()
	return &Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: "9500",
			Mode: "debug",
		},
		Database: DatabaseConfig{
			Driver:          "sqlite",
			DSN:             "hetuflow.db",
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
		},
		JWT: JWTConfig{
			Secret:     "hetuflow-secret-key-change-in-production",
			ExpireHour: 24 * 30,
		},
		Redis: RedisConfig{
			Enabled:     false,
			Addr:        "localhost:6379",
			Concurrency: 10,
			MaxRetry:    5,
		},
		Scheduler: SchedulerConfig{
			LockTTL:                ttl,
			TokenIncrementInterval: tokenInterval,
			HeartbeatInterval:      heartbeat,
			AgentOverdueTTL:        30 * time.Second,
			ServerHeartbeatTTL:     60 * time.Second,
			ClaimTimeout:           2 * time.Minute,
			DefaultTaskTimeout:     time.Hour,
			JobCheckInterval:       10 * time.Second,
			JobCheckDuration:       time.Minute,
			RetryCheckInterval:     time.Minute,
			RetryGrace:             5 * time.Minute,
			MaxGeneratePerSchedule: 1000,
			PriorityAgingInterval:  5 * time.Minute,
		},
		Gateway: GatewayConfig{
			PingInterval:    30 * time.Second,
			WriteTimeout:    10 * time.Second,
			RegisterTimeout: 10 * time.Second,
			SendBuffer:      256,
			MaxMessageBytes: 4 << 20,
			ConnectRate:     1,
			ConnectBurst:    5,
		},
		TaskLog: TaskLogConfig{
			Dir:           "task-logs",
			MaxFileBytes:  64 << 20,
			RetentionDays: 7,
		},
		Log: LogConfig{Level: "info"},
	}
}

// RecommendedLockConfig returns ttl, token increment interval and heartbeat
// interval values that pass ValidateLockConfig.
func RecommendedLockConfig() (ttl, tokenInterval, heartbeat time.Duration) {
	return 60 * time.Second, 20 * time.Second, 10 * time.Second
}

// ValidateLockConfig rejects lease settings that would let a healthy leader
// lose its lease between two heartbeats.
func ValidateLockConfig(ttl, tokenInterval, heartbeat time.Duration) error {
	if ttl <= 0 || tokenInterval <= 0 || heartbeat <= 0 {
		return fmt.Errorf("lock settings must be positive: ttl=%s token_increment_interval=%s heartbeat_interval=%s", ttl, tokenInterval, heartbeat)
	}
	if ttl < 2*tokenInterval {
		return fmt.Errorf("lock_ttl (%s) must be at least 2x token_increment_interval (%s)", ttl, tokenInterval)
	}
	// at least two renewals per token interval, so one slow tick does not cost the lease
	if heartbeat > tokenInterval {
		return fmt.Errorf("heartbeat_interval (%s) must not exceed token_increment_interval (%s)", heartbeat, tokenInterval)
	}
	return nil
}

// Validate checks settings that must hold before the server starts.
func (c *Config) Validate() error {
	s := c.Scheduler
	if err := ValidateLockConfig(s.LockTTL, s.TokenIncrementInterval, s.HeartbeatInterval); err != nil {
		return err
	}
	switch c.Database.Driver {
	case "sqlite", "mysql", "postgres":
	default:
		return fmt.Errorf("unsupported database driver: %s", c.Database.Driver)
	}
	if c.Database.DSN == "" {
		return errors.New("database.dsn is required")
	}
	if c.Server.ServerID == "" {
		return errors.New("server.server_id is required")
	}
	if c.JWT.Secret == "" {
		return errors.New("jwt.secret is required")
	}
	if s.JobCheckInterval <= 0 || s.JobCheckDuration < s.JobCheckInterval {
		return fmt.Errorf("job_check_duration (%s) must cover job_check_interval (%s)", s.JobCheckDuration, s.JobCheckInterval)
	}
	if s.AgentOverdueTTL <= s.HeartbeatInterval {
		return fmt.Errorf("agent_overdue_ttl (%s) must exceed heartbeat_interval (%s)", s.AgentOverdueTTL, s.HeartbeatInterval)
	}
	return nil
}

// Addr returns host:port for the HTTP listener.
func (c *Config) Addr() string {
	return c.Server.Host + ":" + c.Server.Port
}

func (c *Config) overrideFromEnv() {
	if host := os.Getenv("SERVER_HOST"); host != "" {
		c.Server.Host = host
	}
	if port := os.Getenv("SERVER_PORT"); port != "" {
		c.Server.Port = port
	}
	if mode := os.Getenv("SERVER_MODE"); mode != "" {
		c.Server.Mode = mode
	}
	if id := os.Getenv("SERVER_ID"); id != "" {
		c.Server.ServerID = id
	}
	if name := os.Getenv("SERVER_NAME"); name != "" {
		c.Server.ServerName = name
	}
	if driver := os.Getenv("DB_DRIVER"); driver != "" {
		c.Database.Driver = driver
	}
	if dsn := os.Getenv("DB_DSN"); dsn != "" {
		c.Database.DSN = dsn
	}
	if secret := os.Getenv("JWT_SECRET"); secret != "" {
		c.JWT.Secret = secret
	}
	if dir := os.Getenv("TASK_LOG_DIR"); dir != "" {
		c.TaskLog.Dir = dir
	}
	if level := os.Getenv("LOG_LEVEL"); level != "" {
		c.Log.Level = level
	}
	if format := os.Getenv("LOG_FORMAT"); format != "" {
		c.Log.Format = format
	}
	envDuration("LOCK_TTL", &c.Scheduler.LockTTL)
	envDuration("TOKEN_INCREMENT_INTERVAL", &c.Scheduler.TokenIncrementInterval)
	envDuration("HEARTBEAT_INTERVAL", &c.Scheduler.HeartbeatInterval)
	envDuration("AGENT_OVERDUE_TTL", &c.Scheduler.AgentOverdueTTL)
	// Redis URL override (format: redis://:password@host:port/db)
	if redisURL := os.Getenv("REDIS_URL"); redisURL != "" {
		c.Redis.Enabled = true
		c.Redis.parseURL(redisURL)
	}
}

func envDuration(key string, target *time.Duration) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	if d, err := time.ParseDuration(v); err == nil {
		*target = d
	}
}

// parseURL parses a Redis URL and sets config values
// Format: redis://:password@host:port/db
func (r *RedisConfig) parseURL(redisURL string) {
	url := strings.TrimPrefix(redisURL, "redis://")

	if atIdx := strings.Index(url, "@"); atIdx != -1 {
		authPart := url[:atIdx]
		url = url[atIdx+1:]
		// Password format: :password or user:password
		if colonIdx := strings.Index(authPart, ":"); colonIdx != -1 {
			r.Password = authPart[colonIdx+1:]
		}
	}

	if slashIdx := strings.LastIndex(url, "/"); slashIdx != -1 {
		dbStr := url[slashIdx+1:]
		url = url[:slashIdx]
		if db, err := strconv.Atoi(dbStr); err == nil {
			r.DB = db
		}
	}

	r.Addr = url
}

func (c *Config) Save(configPath string) error {
	if configPath == "" {
		configPath = "config.yaml"
	}

	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}

	return os.WriteFile(configPath, data, 0644)
}
