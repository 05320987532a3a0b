package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// EnvPrefix 环境变量前缀，例如 FACEVOTE_DATABASE_DSN
const EnvPrefix = "FACEVOTE"

type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Kafka    KafkaConfig    `mapstructure:"kafka"`
	ETCD     ETCDConfig     `mapstructure:"etcd"`
	Lock     LockConfig     `mapstructure:"lock"`
	Face     FaceConfig     `mapstructure:"face"`
	Vote     VoteConfig     `mapstructure:"vote"`
	OTP      OTPConfig      `mapstructure:"otp"`
	GraphQL  GraphQLConfig  `mapstructure:"graphql"`
	Log      LogConfig      `mapstructure:"log"`
}

type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	MaxBodyBytes    int64         `mapstructure:"max_body_bytes"`
	AllowOrigin     string        `mapstructure:"allow_origin"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type DatabaseConfig struct {
	// mysql | postgres | sqlite
	Driver       string   `mapstructure:"driver"`
	DSN          string   `mapstructure:"dsn"`
	MaxOpenConns int      `mapstructure:"max_open_conns"`
	MaxIdleConns int      `mapstructure:"max_idle_conns"`
	AutoMigrate  bool     `mapstructure:"auto_migrate"`
	SeedNominees []string `mapstructure:"seed_nominees"`
}

type RedisConfig struct {
	Enabled bool `mapstructure:"enabled"`

	// 数据存储Redis
	DataAddress string        `mapstructure:"data_address"`
	Password    string        `mapstructure:"password"`
	DB          int           `mapstructure:"db"`
	PoolSize    int           `mapstructure:"pool_size"`
	MaxRetries  int           `mapstructure:"max_retries"`
	Timeout     time.Duration `mapstructure:"timeout"`

	// Redlock使用的Redis节点
	LockAddresses []string `mapstructure:"lock_addresses"`
}

type KafkaConfig struct {
	Enabled bool     `mapstructure:"enabled"`
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
	GroupID string   `mapstructure:"group_id"`
	Workers int      `mapstructure:"workers"`
}

type ETCDConfig struct {
	Endpoints   []string      `mapstructure:"endpoints"`
	DialTimeout time.Duration `mapstructure:"dial_timeout"`
}

type LockConfig struct {
	// etcd | redis | none
	Backend    string        `mapstructure:"backend"`
	TTL        time.Duration `mapstructure:"ttl"`
	RetryCount int           `mapstructure:"retry_count"`
}

type FaceConfig struct {
	Endpoint  string        `mapstructure:"endpoint"`
	APIKey    string        `mapstructure:"api_key"`
	APISecret string        `mapstructure:"api_secret"`
	Timeout   time.Duration `mapstructure:"timeout"`
}

type VoteConfig struct {
	// 人脸比对置信度必须严格大于该阈值才算通过
	Threshold                 float64 `mapstructure:"threshold"`
	PlaceholderIdentity       string  `mapstructure:"placeholder_identity"`
	RejectPlaceholderIdentity bool    `mapstructure:"reject_placeholder_identity"`
}

type OTPConfig struct {
	// stub | redis
	Provider    string        `mapstructure:"provider"`
	StubDelay   time.Duration `mapstructure:"stub_delay"`
	CodeLength  int           `mapstructure:"code_length"`
	CodeTTL     time.Duration `mapstructure:"code_ttl"`
	MaxAttempts int           `mapstructure:"max_attempts"`
}

type GraphQLConfig struct {
	Path string `mapstructure:"path"`
}

type LogConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

// setDefaults 设置默认值，同时让viper知道所有键，以便环境变量能覆盖
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 3000)
	v.SetDefault("server.max_body_bytes", 50<<20)
	v.SetDefault("server.allow_origin", "*")
	v.SetDefault("server.shutdown_timeout", 10*time.Second)

	v.SetDefault("database.driver", "mysql")
	v.SetDefault("database.dsn", "")
	v.SetDefault("database.max_open_conns", 20)
	v.SetDefault("database.max_idle_conns", 10)
	v.SetDefault("database.auto_migrate", true)
	v.SetDefault("database.seed_nominees", []string{"Ahmad Ali", "Samer Mohamd"})

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.data_address", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.pool_size", 10)
	v.SetDefault("redis.max_retries", 3)
	v.SetDefault("redis.timeout", 3*time.Second)
	v.SetDefault("redis.lock_addresses", []string{})

	v.SetDefault("kafka.enabled", false)
	v.SetDefault("kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("kafka.topic", "facevote-votes")
	v.SetDefault("kafka.group_id", "facevote-tally")
	v.SetDefault("kafka.workers", 4)

	v.SetDefault("etcd.endpoints", []string{"localhost:2379"})
	v.SetDefault("etcd.dial_timeout", 5*time.Second)

	v.SetDefault("lock.backend", "none")
	v.SetDefault("lock.ttl", 30*time.Second)
	v.SetDefault("lock.retry_count", 3)

	v.SetDefault("face.endpoint", "https://api-us.faceplusplus.com/facepp/v3/compare")
	v.SetDefault("face.api_key", "")
	v.SetDefault("face.api_secret", "")
	v.SetDefault("face.timeout", 30*time.Second)

	v.SetDefault("vote.threshold", 80.0)
	v.SetDefault("vote.placeholder_identity", "fallback_value")
	v.SetDefault("vote.reject_placeholder_identity", false)

	v.SetDefault("otp.provider", "stub")
	v.SetDefault("otp.stub_delay", time.Second)
	v.SetDefault("otp.code_length", 6)
	v.SetDefault("otp.code_ttl", 5*time.Minute)
	v.SetDefault("otp.max_attempts", 5)

	v.SetDefault("graphql.path", "/graphql")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", false)
}

// flagKeys 命令行参数与配置键的对应关系
var flagKeys = map[string]string{
	"port":      "server.port",
	"db-driver": "database.driver",
	"db-dsn":    "database.dsn",
	"log-level": "log.level",
}

// RegisterFlags 注册可以覆盖配置文件的命令行参数
func RegisterFlags(fs *pflag.FlagSet) {
	fs.Int("port", 0, "HTTP端口")
	fs.String("db-driver", "", "数据库驱动 (mysql|postgres|sqlite)")
	fs.String("db-dsn", "", "数据库连接串")
	fs.String("log-level", "", "日志级别")
}

// LoadConfig 加载配置文件，configPath为空时只使用默认值、环境变量和命令行参数
func LoadConfig(configPath string, flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("读取配置文件失败: %w", err)
		}
	}

	if flags != nil {
		for name, key := range flagKeys {
			f := flags.Lookup(name)
			if f == nil || !f.Changed {
				continue
			}
			if err := v.BindPFlag(key, f); err != nil {
				return nil, fmt.Errorf("绑定命令行参数 %s 失败: %w", name, err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("解析配置文件失败: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("配置校验失败: %w", err)
	}

	return &cfg, nil
}

// Validate 校验配置
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "mysql", "postgres", "sqlite":
	default:
		return fmt.Errorf("不支持的数据库驱动: %q", c.Database.Driver)
	}
	if c.Database.DSN == "" {
		return errors.New("database.dsn 不能为空")
	}
	if c.Vote.Threshold <= 0 || c.Vote.Threshold >= 100 {
		return fmt.Errorf("vote.threshold 必须在 (0, 100) 之间, 当前: %v", c.Vote.Threshold)
	}
	switch c.Lock.Backend {
	case "etcd", "none":
	case "redis":
		if len(c.Redis.LockAddresses) == 0 {
			return errors.New("lock.backend=redis 需要配置 redis.lock_addresses")
		}
	default:
		return fmt.Errorf("不支持的锁后端: %q", c.Lock.Backend)
	}
	switch c.OTP.Provider {
	case "stub":
	case "redis":
		if !c.Redis.Enabled {
			return errors.New("otp.provider=redis 需要启用 redis")
		}
	default:
		return fmt.Errorf("不支持的OTP提供方: %q", c.OTP.Provider)
	}
	if c.Kafka.Enabled && len(c.Kafka.Brokers) == 0 {
		return errors.New("kafka.brokers 不能为空")
	}
	return nil
}
