// Package config 加载 sagaflow 配置：默认值 → YAML 文件 → .env → SAGAFLOW_* 环境变量 → 校验
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"sagaflow/cache"
	"sagaflow/collaborator"
	"sagaflow/dispatch"
	"sagaflow/eventing/outbox"
	"sagaflow/saga"
	"sagaflow/storage/database"
)

// EnvPrefix 环境变量前缀
const EnvPrefix = "SAGAFLOW_"

// Config 服务配置
type Config struct {
	Service       ServiceConfig       `yaml:"service"`
	Database      database.DBConfig   `yaml:"database"`
	Transport     TransportConfig     `yaml:"transport"`
	Outbox        outbox.Config       `yaml:"outbox"`
	Dispatcher    dispatch.Config     `yaml:"dispatcher"`
	Recovery      saga.RecoveryConfig `yaml:"recovery"`
	Scheduler     SchedulerConfig     `yaml:"scheduler"`
	Collaborators CollaboratorsConfig `yaml:"collaborators"`
	HTTP          HTTPConfig          `yaml:"http"`
}

// ServiceConfig 服务标识与日志
type ServiceConfig struct {
	Name       string `yaml:"name" validate:"required"`
	InstanceID string `yaml:"instance_id"`
	// TopicPrefix 主题前缀，saga 主题为 <prefix><sagaName>
	TopicPrefix string `yaml:"topic_prefix"`
	LogLevel    string `yaml:"log_level" validate:"oneof=debug info warn error"`
	LogMode     string `yaml:"log_mode" validate:"oneof=production development"`
}

// TransportConfig 消息传输
type TransportConfig struct {
	Kind  string      `yaml:"kind" validate:"oneof=memory nats redis"`
	NATS  NATSConfig  `yaml:"nats"`
	Redis RedisConfig `yaml:"redis"`
}

type NATSConfig struct {
	URL        string        `yaml:"url"`
	Stream     string        `yaml:"stream"`
	AckWait    time.Duration `yaml:"ack_wait"`
	MaxDeliver int           `yaml:"max_deliver"`
}

type RedisConfig struct {
	Addr         string `yaml:"addr"`
	Password     string `yaml:"password"`
	DB           int    `yaml:"db"`
	StreamPrefix string `yaml:"stream_prefix"`
}

// SchedulerConfig 周期任务与分布式锁
type SchedulerConfig struct {
	Enabled bool `yaml:"enabled"`
	// Lock sql 使用数据库租约表，redis 使用 Transport.Redis 连接
	Lock             string        `yaml:"lock" validate:"oneof=sql redis"`
	SweepInterval    time.Duration `yaml:"sweep_interval" validate:"gt=0"`
	RecoveryInterval time.Duration `yaml:"recovery_interval" validate:"gt=0"`
	LaunchInterval   time.Duration `yaml:"launch_interval" validate:"gt=0"`
	LockAtMostFor    time.Duration `yaml:"lock_at_most_for" validate:"gt=0"`
	LockAtLeastFor   time.Duration `yaml:"lock_at_least_for" validate:"gte=0"`
}

// CollaboratorsConfig 外部协作方
type CollaboratorsConfig struct {
	StudentLookup StudentLookupConfig `yaml:"student_lookup"`
	Artifacts     ArtifactsConfig     `yaml:"artifacts"`
}

type StudentLookupConfig struct {
	Kind    string                     `yaml:"kind" validate:"oneof=memory nats"`
	Subject string                     `yaml:"subject"`
	Timeout time.Duration              `yaml:"timeout"`
	Breaker collaborator.BreakerConfig `yaml:"breaker"`
	// Cache 查询结果缓存，max_size 与 ttl 均为 0 时关闭
	Cache cache.Config `yaml:"cache"`
}

type ArtifactsConfig struct {
	Kind    string                     `yaml:"kind" validate:"oneof=memory s3"`
	S3      collaborator.S3Config      `yaml:"s3"`
	Breaker collaborator.BreakerConfig `yaml:"breaker"`
}

// HTTPConfig 管理端 HTTP 服务
type HTTPConfig struct {
	Addr            string        `yaml:"addr" validate:"required"`
	Mode            string        `yaml:"mode" validate:"oneof=debug release test"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// Default 默认配置：sqlite 文件库、内存传输、SQL 锁
func Default() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:        "sagaflow",
			TopicPrefix: "sagaflow.",
			LogLevel:    "info",
			LogMode:     "production",
		},
		Database: database.DBConfig{
			Driver:       "sqlite",
			DSN:          "file:sagaflow.db?_pragma=busy_timeout(5000)",
			MaxOpenConns: 1,
			PingTimeout:  5 * time.Second,
		},
		Transport: TransportConfig{
			Kind: "memory",
			NATS: NATSConfig{URL: "nats://127.0.0.1:4222", Stream: "SAGAFLOW_EVENTS", AckWait: 30 * time.Second, MaxDeliver: 10},
			Redis: RedisConfig{
				Addr:         "127.0.0.1:6379",
				StreamPrefix: "sagaflow:",
			},
		},
		Outbox:     outbox.DefaultConfig(),
		Dispatcher: dispatch.Config{Workers: 10, HandlerTimeout: time.Minute},
		Recovery:   saga.DefaultRecoveryConfig(),
		Scheduler: SchedulerConfig{
			Enabled:          true,
			Lock:             "sql",
			SweepInterval:    time.Minute,
			RecoveryInterval: time.Minute,
			LaunchInterval:   10 * time.Second,
			LockAtMostFor:    5 * time.Minute,
			LockAtLeastFor:   5 * time.Second,
		},
		Collaborators: CollaboratorsConfig{
			StudentLookup: StudentLookupConfig{
				Kind:    "memory",
				Subject: "student.api.lookup",
				Timeout: 5 * time.Second,
				Breaker: collaborator.DefaultBreakerConfig("student-lookup"),
				Cache:   cache.Config{Name: "student-lookup", MaxSize: 10000, TTL: 10 * time.Minute},
			},
			Artifacts: ArtifactsConfig{
				Kind:    "memory",
				Breaker: collaborator.DefaultBreakerConfig("artifact-store"),
			},
		},
		HTTP: HTTPConfig{
			Addr:            ":8080",
			Mode:            "release",
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
	}
}

// Load 按顺序叠加配置来源。path 为空时跳过 YAML；envFiles 为空时尝试当前目录的 .env
func Load(path string, envFiles ...string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	if err := godotenv.Load(envFiles...); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load env file: %w", err)
	}

	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

var validate = validator.New()

// Validate 结构校验加跨字段约束
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if c.Scheduler.Lock == "redis" && c.Transport.Redis.Addr == "" {
		return errors.New("invalid config: scheduler.lock=redis requires transport.redis.addr")
	}
	if c.Collaborators.Artifacts.Kind == "s3" {
		s3 := c.Collaborators.Artifacts.S3
		if s3.Region == "" || s3.Bucket == "" {
			return errors.New("invalid config: collaborators.artifacts.s3 region and bucket are required")
		}
	}
	if c.Collaborators.StudentLookup.Kind == "nats" && c.Transport.NATS.URL == "" {
		return errors.New("invalid config: student lookup over nats requires transport.nats.url")
	}
	return nil
}

// SagaTopic saga 主题名
func (c *Config) SagaTopic(sagaName string) string {
	return c.Service.TopicPrefix + sagaName
}

// EventsTopic 本服务编排事件主题
func (c *Config) EventsTopic() string {
	return c.Service.TopicPrefix + c.Service.Name + ".events"
}

func applyEnv(cfg *Config) error {
	setString(&cfg.Service.Name, "SERVICE_NAME")
	setString(&cfg.Service.InstanceID, "INSTANCE_ID")
	setString(&cfg.Service.TopicPrefix, "TOPIC_PREFIX")
	setString(&cfg.Service.LogLevel, "LOG_LEVEL")
	setString(&cfg.Service.LogMode, "LOG_MODE")

	setString(&cfg.Database.Driver, "DB_DRIVER")
	setString(&cfg.Database.DSN, "DB_DSN")

	setString(&cfg.Transport.Kind, "TRANSPORT")
	setString(&cfg.Transport.NATS.URL, "NATS_URL")
	setString(&cfg.Transport.Redis.Addr, "REDIS_ADDR")
	setString(&cfg.Transport.Redis.Password, "REDIS_PASSWORD")

	setString(&cfg.Scheduler.Lock, "LOCK")
	setString(&cfg.Collaborators.StudentLookup.Kind, "STUDENT_LOOKUP")
	setString(&cfg.Collaborators.Artifacts.Kind, "ARTIFACTS")
	setString(&cfg.Collaborators.Artifacts.S3.Region, "S3_REGION")
	setString(&cfg.Collaborators.Artifacts.S3.Bucket, "S3_BUCKET")
	setString(&cfg.Collaborators.Artifacts.S3.Endpoint, "S3_ENDPOINT")
	setString(&cfg.Collaborators.Artifacts.S3.AccessKey, "S3_ACCESS_KEY")
	setString(&cfg.Collaborators.Artifacts.S3.SecretKey, "S3_SECRET_KEY")

	setString(&cfg.HTTP.Addr, "HTTP_ADDR")

	if err := setInt(&cfg.Database.MaxOpenConns, "DB_MAX_OPEN_CONNS"); err != nil {
		return err
	}
	if err := setInt(&cfg.Transport.Redis.DB, "REDIS_DB"); err != nil {
		return err
	}
	if err := setInt(&cfg.Dispatcher.Workers, "WORKERS"); err != nil {
		return err
	}
	if err := setInt(&cfg.Recovery.MaxActive, "MAX_ACTIVE"); err != nil {
		return err
	}
	if err := setBool(&cfg.Scheduler.Enabled, "SCHEDULER_ENABLED"); err != nil {
		return err
	}
	if err := setDuration(&cfg.Scheduler.SweepInterval, "SWEEP_INTERVAL"); err != nil {
		return err
	}
	if err := setDuration(&cfg.Recovery.StuckAfter, "STUCK_AFTER"); err != nil {
		return err
	}
	return nil
}

func lookup(key string) (string, bool) {
	v, ok := os.LookupEnv(EnvPrefix + key)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}

func setString(dst *string, key string) {
	if v, ok := lookup(key); ok {
		*dst = v
	}
}

func setInt(dst *int, key string) error {
	v, ok := lookup(key)
	if !ok {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("invalid %s%s: %w", EnvPrefix, key, err)
	}
	*dst = n
	return nil
}

func setBool(dst *bool, key string) error {
	v, ok := lookup(key)
	if !ok {
		return nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fmt.Errorf("invalid %s%s: %w", EnvPrefix, key, err)
	}
	*dst = b
	return nil
}

func setDuration(dst *time.Duration, key string) error {
	v, ok := lookup(key)
	if !ok {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("invalid %s%s: %w", EnvPrefix, key, err)
	}
	*dst = d
	return nil
}
