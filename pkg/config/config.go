// Package config 提供 TOML 配置加载、环境变量覆盖、配置热更与 schema 校验
package config

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Config 基础配置结构
type Config struct {
	// 服务名称
	ServiceName string `mapstructure:"service_name" validate:"required"`
	// 服务版本
	Version string `mapstructure:"version"`
	// 环境：dev, staging, prod
	Environment string `mapstructure:"environment"`
	// HTTP 服务配置
	HTTP HTTPConfig `mapstructure:"http"`
	// 数据库配置
	Database DatabaseConfig `mapstructure:"database"`
	// Redis 配置
	Redis RedisConfig `mapstructure:"redis"`
	// Kafka 配置
	Kafka KafkaConfig `mapstructure:"kafka"`
	// 消息总线配置
	Bus BusConfig `mapstructure:"bus"`
	// ClickHouse 配置
	ClickHouse ClickHouseConfig `mapstructure:"clickhouse"`
	// 日志配置
	Logger LoggerConfig `mapstructure:"logger"`
	// 追踪配置
	Tracing TracingConfig `mapstructure:"tracing"`
	// 指标配置
	Metrics MetricsConfig `mapstructure:"metrics"`
	// 注册中心配置
	Registry RegistryConfig `mapstructure:"registry"`
	// 健康检查配置
	Health HealthConfig `mapstructure:"health"`
	// 负载均衡与容错配置
	Balancer BalancerConfig `mapstructure:"balancer"`
	// 服务间调用客户端配置
	Client ClientConfig `mapstructure:"client"`
	// Saga 编排配置
	Saga SagaConfig `mapstructure:"saga"`
	// 事件溯源存储配置
	EventStore EventStoreConfig `mapstructure:"event_store"`
	// 监控告警配置
	Monitoring MonitoringConfig `mapstructure:"monitoring"`
	// 入口限流配置
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
}

// HTTPConfig HTTP 服务配置
type HTTPConfig struct {
	// 监听地址
	Host string `mapstructure:"host"`
	// 监听端口
	Port int `mapstructure:"port" validate:"gte=1,lte=65535"`
	// 读超时（秒）
	ReadTimeout int `mapstructure:"read_timeout"`
	// 写超时（秒）
	WriteTimeout int `mapstructure:"write_timeout"`
}

// DatabaseConfig 数据库配置
type DatabaseConfig struct {
	// 驱动：mysql, memory
	Driver string `mapstructure:"driver"`
	// 数据源名称
	DSN string `mapstructure:"dsn"`
	// 最大连接数
	MaxOpenConns int `mapstructure:"max_open_conns"`
	// 最大空闲连接数
	MaxIdleConns int `mapstructure:"max_idle_conns"`
	// 连接最大生命周期（秒）
	ConnMaxLifetime int `mapstructure:"conn_max_lifetime"`
}

// RedisConfig Redis 配置
type RedisConfig struct {
	// 主机地址
	Host string `mapstructure:"host"`
	// 端口
	Port int `mapstructure:"port"`
	// 密码
	Password string `mapstructure:"password"`
	// 数据库编号
	DB int `mapstructure:"db"`
}

// Addr 返回 host:port 形式的地址
func (c RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// KafkaConfig Kafka 配置
type KafkaConfig struct {
	// Broker 地址列表
	Brokers []string `mapstructure:"brokers"`
	// Consumer Group ID
	GroupID string `mapstructure:"group_id"`
	// 主题前缀，按通道拼接出完整主题名
	TopicPrefix string `mapstructure:"topic_prefix"`
}

// BusConfig 消息总线配置
type BusConfig struct {
	// 驱动：memory、redis 或 kafka
	Driver string `mapstructure:"driver" validate:"omitempty,oneof=memory redis kafka"`
	// Redis 驱动下的通道前缀
	ChannelPrefix string `mapstructure:"channel_prefix"`
}

// ClickHouseConfig ClickHouse 配置
type ClickHouseConfig struct {
	// 节点地址列表
	Addrs []string `mapstructure:"addrs"`
	// 数据库名
	Database string `mapstructure:"database"`
	// 用户名
	Username string `mapstructure:"username"`
	// 密码
	Password string `mapstructure:"password"`
	// 批量写入大小
	BatchSize int `mapstructure:"batch_size"`
	// 批量刷新间隔（毫秒）
	FlushIntervalMs int `mapstructure:"flush_interval_ms"`
}

// LoggerConfig 日志配置
type LoggerConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	Output     string `mapstructure:"output"`
	FilePath   string `mapstructure:"file_path"`
	MaxSize    int    `mapstructure:"max_size"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAge     int    `mapstructure:"max_age"`
	Compress   bool   `mapstructure:"compress"`
	WithCaller bool   `mapstructure:"with_caller"`
}

// TracingConfig 追踪配置
type TracingConfig struct {
	// 是否启用
	Enabled bool `mapstructure:"enabled"`
	// 导出器类型：otlp, memory, none
	Exporter string `mapstructure:"exporter"`
	// OTel 收集器端点
	CollectorEndpoint string `mapstructure:"collector_endpoint"`
	// 采样率
	SamplingRate float64 `mapstructure:"sampling_rate" validate:"gte=0,lte=1"`
}

// MetricsConfig 指标配置
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

// RegistryConfig 注册中心配置
type RegistryConfig struct {
	// 实例 TTL（秒），超过该时长未收到心跳的实例视为过期
	InstanceTTL int `mapstructure:"instance_ttl"`
	// 过期实例清扫间隔（秒）
	SweepInterval int `mapstructure:"sweep_interval"`
}

// HealthConfig 健康检查配置
type HealthConfig struct {
	// HTTP 探测路径
	Path string `mapstructure:"path"`
	// 检查间隔（秒）
	Interval int `mapstructure:"interval"`
	// 单次检查超时（秒）
	Timeout int `mapstructure:"timeout"`
	// 连续失败多少次判定为不健康
	UnhealthyThreshold int `mapstructure:"unhealthy_threshold"`
	// 失败后的重试间隔（秒）
	RetryInterval int `mapstructure:"retry_interval"`
	// 每个实例保留的检查历史条数
	HistorySize int `mapstructure:"history_size"`
}

// BalancerConfig 负载均衡与容错配置
type BalancerConfig struct {
	// 默认策略：round_robin, least_connections, random, weighted_round_robin, ip_hash
	Strategy string `mapstructure:"strategy"`
	// 调用失败最大重试次数（含首次尝试）
	MaxAttempts int `mapstructure:"max_attempts"`
	// 重试间隔（毫秒）
	RetryIntervalMs int `mapstructure:"retry_interval_ms"`
	// 熔断：连续失败阈值
	FailureThreshold int `mapstructure:"failure_threshold"`
	// 熔断：打开状态持续时长（秒）
	ResetTimeout int `mapstructure:"reset_timeout"`
	// 熔断粒度：service 或 instance
	BreakerScope string `mapstructure:"breaker_scope"`
}

// ClientConfig 服务间调用客户端配置
type ClientConfig struct {
	// 请求超时（秒）
	Timeout int `mapstructure:"timeout"`
	// 透传的关联 ID 头
	CorrelationHeader string `mapstructure:"correlation_header"`
}

// SagaConfig Saga 编排配置
type SagaConfig struct {
	// 单步默认最大尝试次数
	MaxAttempts int `mapstructure:"max_attempts"`
	// 步骤重试间隔（毫秒）
	RetryIntervalMs int `mapstructure:"retry_interval_ms"`
	// 单步执行超时（秒）
	StepTimeout int `mapstructure:"step_timeout"`
}

// EventStoreConfig 事件溯源存储配置
type EventStoreConfig struct {
	// 每多少个事件刷新一次聚合快照，0 表示关闭快照
	SnapshotEvery int `mapstructure:"snapshot_every"`
	// 快照缓存保留时长（秒）
	SnapshotTTL int `mapstructure:"snapshot_ttl"`
}

// MonitoringConfig 监控告警配置
type MonitoringConfig struct {
	// 指标滚动窗口时长（秒）
	WindowSize int `mapstructure:"window_size"`
	// 告警规则文件（YAML）
	RulesPath string `mapstructure:"rules_path"`
	// 告警评估间隔（秒）
	EvaluateInterval int `mapstructure:"evaluate_interval"`
	// 告警冷却时长（秒）
	CooldownSeconds int `mapstructure:"cooldown_seconds"`
}

// RateLimitConfig 入口限流配置
type RateLimitConfig struct {
	// 是否启用
	Enabled bool `mapstructure:"enabled"`
	// 每秒请求数上限
	QPS int `mapstructure:"qps"`
	// 突发容量
	Burst int `mapstructure:"burst"`
}

// Load 从 TOML 文件加载配置，支持环境变量覆盖与默认值
func Load(configPath string) (*Config, error) {
	v := newViper(configPath)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return unmarshal(v)
}

// LoadWithDefaults 加载配置，文件缺失时完全回落到默认值
func LoadWithDefaults(configPath string) (*Config, error) {
	v := newViper(configPath)
	_ = v.ReadInConfig()
	return unmarshal(v)
}

// Watch 监听配置文件变化，每次成功加载后回调新配置。
// 解析或校验失败的变更会被忽略并保留旧配置。
func Watch(configPath string, onChange func(*Config)) error {
	v := newViper(configPath)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	var mu sync.Mutex
	v.OnConfigChange(func(_ fsnotify.Event) {
		mu.Lock()
		defer mu.Unlock()
		cfg, err := unmarshal(v)
		if err != nil {
			return
		}
		onChange(cfg)
	})
	v.WatchConfig()
	return nil
}

func newViper(configPath string) *viper.Viper {
	v := viper.New()
	setDefaults(v)
	v.SetConfigFile(configPath)
	v.SetConfigType("toml")
	v.SetEnvPrefix("APP")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	return v
}

func unmarshal(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

// Validate 验证配置的有效性
func (c *Config) Validate() error {
	if c.Environment == "" {
		c.Environment = "dev"
	}
	if err := validator.New().Struct(c); err != nil {
		return err
	}
	if c.Database.Driver == "mysql" && c.Database.DSN == "" {
		return fmt.Errorf("database DSN is required for mysql driver")
	}
	if c.Balancer.MaxAttempts < 1 {
		return fmt.Errorf("balancer max_attempts must be at least 1, got %d", c.Balancer.MaxAttempts)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("service_name", "communication")
	v.SetDefault("version", "0.1.0")

	v.SetDefault("http.host", "0.0.0.0")
	v.SetDefault("http.port", 8080)
	v.SetDefault("http.read_timeout", 30)
	v.SetDefault("http.write_timeout", 30)

	v.SetDefault("database.driver", "memory")
	v.SetDefault("database.max_open_conns", 25)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", 300)

	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.db", 0)

	v.SetDefault("kafka.group_id", "servicekit")
	v.SetDefault("kafka.topic_prefix", "servicekit")

	v.SetDefault("bus.driver", "memory")
	v.SetDefault("bus.channel_prefix", "servicekit")

	v.SetDefault("clickhouse.database", "servicekit")
	v.SetDefault("clickhouse.batch_size", 500)
	v.SetDefault("clickhouse.flush_interval_ms", 2000)

	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "json")
	v.SetDefault("logger.output", "stdout")
	v.SetDefault("logger.file_path", "logs/app.log")
	v.SetDefault("logger.max_size", 100)
	v.SetDefault("logger.max_backups", 10)
	v.SetDefault("logger.max_age", 30)
	v.SetDefault("logger.compress", true)
	v.SetDefault("logger.with_caller", true)

	v.SetDefault("tracing.enabled", true)
	v.SetDefault("tracing.exporter", "otlp")
	v.SetDefault("tracing.collector_endpoint", "localhost:4317")
	v.SetDefault("tracing.sampling_rate", 1.0)

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.path", "/metrics")

	v.SetDefault("registry.instance_ttl", 90)
	v.SetDefault("registry.sweep_interval", 30)

	v.SetDefault("health.path", "/health")
	v.SetDefault("health.interval", 30)
	v.SetDefault("health.timeout", 5)
	v.SetDefault("health.unhealthy_threshold", 3)
	v.SetDefault("health.retry_interval", 1)
	v.SetDefault("health.history_size", 50)

	v.SetDefault("balancer.strategy", "round_robin")
	v.SetDefault("balancer.max_attempts", 3)
	v.SetDefault("balancer.retry_interval_ms", 1000)
	v.SetDefault("balancer.failure_threshold", 5)
	v.SetDefault("balancer.reset_timeout", 60)
	v.SetDefault("balancer.breaker_scope", "instance")

	v.SetDefault("client.timeout", 30)
	v.SetDefault("client.correlation_header", "X-Correlation-ID")

	v.SetDefault("saga.max_attempts", 3)
	v.SetDefault("saga.retry_interval_ms", 500)
	v.SetDefault("saga.step_timeout", 30)

	v.SetDefault("event_store.snapshot_every", 100)
	v.SetDefault("event_store.snapshot_ttl", 3600)

	v.SetDefault("monitoring.window_size", 300)
	v.SetDefault("monitoring.evaluate_interval", 15)
	v.SetDefault("monitoring.cooldown_seconds", 300)

	v.SetDefault("rate_limit.enabled", false)
	v.SetDefault("rate_limit.qps", 100)
	v.SetDefault("rate_limit.burst", 200)
}

// GetEnv 获取环境变量，支持默认值
func GetEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
