package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	MySQL     MySQLConfig     `mapstructure:"mysql"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Lock      LockConfig      `mapstructure:"lock"`
	ETCD      ETCDConfig      `mapstructure:"etcd"`
	Kafka     KafkaConfig     `mapstructure:"kafka"`
	Reconcile ReconcileConfig `mapstructure:"reconcile"`
	GraphQL   GraphQLConfig   `mapstructure:"graphql"`
	Log       LogConfig       `mapstructure:"log"`
}

type ServerConfig struct {
	Port int    `mapstructure:"port"`
	Mode string `mapstructure:"mode"` // gin运行模式: debug/release/test
}

type MySQLConfig struct {
	// Driver 为 sqlite 时 Master 视为数据库文件路径，便于本地运行
	Driver          string        `mapstructure:"driver"`
	Master          string        `mapstructure:"master"`
	Slave           string        `mapstructure:"slave"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
}

type RedisConfig struct {
	Address    string        `mapstructure:"address"`
	Password   string        `mapstructure:"password"`
	DB         int           `mapstructure:"db"`
	PoolSize   int           `mapstructure:"pool_size"`
	MaxRetries int           `mapstructure:"max_retries"`
	Timeout    time.Duration `mapstructure:"timeout"`

	// LockAddresses 独立的锁节点，配置后按多数节点加锁，为空时锁与库存共用数据节点
	LockAddresses []string `mapstructure:"lock_addresses"`
}

// LockConfig 发券分布式锁的参数
type LockConfig struct {
	Backend        string        `mapstructure:"backend"` // redis 或 etcd
	TTL            time.Duration `mapstructure:"ttl"`
	AcquireTimeout time.Duration `mapstructure:"acquire_timeout"`
	MaxRetries     int           `mapstructure:"max_retries"`
	InitialDelay   time.Duration `mapstructure:"initial_delay"`
	MaxDelay       time.Duration `mapstructure:"max_delay"`
	JitterFactor   float64       `mapstructure:"jitter_factor"`
}

type ETCDConfig struct {
	Endpoints      []string      `mapstructure:"endpoints"`
	DialTimeout    time.Duration `mapstructure:"dial_timeout"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

type KafkaConfig struct {
	Enabled    bool     `mapstructure:"enabled"`
	Brokers    []string `mapstructure:"brokers"`
	Topic      string   `mapstructure:"topic"`
	AdminTopic string   `mapstructure:"admin_topic"`
	GroupID    string   `mapstructure:"group_id"`
}

type ReconcileConfig struct {
	Interval time.Duration `mapstructure:"interval"` // 0 表示只在启动时对账
}

type GraphQLConfig struct {
	Path string `mapstructure:"path"`
}

type LogConfig struct {
	Mode string `mapstructure:"mode"` // development 或 production
}

var AppConfig Config

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.mode", "release")

	v.SetDefault("mysql.driver", "mysql")
	v.SetDefault("mysql.max_open_conns", 50)
	v.SetDefault("mysql.max_idle_conns", 10)
	v.SetDefault("mysql.conn_max_lifetime", time.Hour)
	v.SetDefault("mysql.auto_migrate", true)

	v.SetDefault("redis.address", "localhost:6379")
	v.SetDefault("redis.pool_size", 100)
	v.SetDefault("redis.max_retries", 3)
	v.SetDefault("redis.timeout", 3*time.Second)

	v.SetDefault("lock.backend", "redis")
	v.SetDefault("lock.ttl", 3*time.Second)
	v.SetDefault("lock.acquire_timeout", 10*time.Second)
	v.SetDefault("lock.max_retries", 20)
	v.SetDefault("lock.initial_delay", 50*time.Millisecond)
	v.SetDefault("lock.max_delay", 800*time.Millisecond)
	v.SetDefault("lock.jitter_factor", 0.15)

	v.SetDefault("etcd.dial_timeout", 5*time.Second)
	v.SetDefault("etcd.request_timeout", 3*time.Second)

	v.SetDefault("kafka.topic", "coupon-events")
	v.SetDefault("kafka.admin_topic", "coupon-admin-events")
	v.SetDefault("kafka.group_id", "coupon-system")

	v.SetDefault("reconcile.interval", time.Minute)
	v.SetDefault("graphql.path", "/graphql")
	v.SetDefault("log.mode", "production")
}

// LoadConfig 加载配置文件，环境变量优先 (例如 REDIS_ADDRESS 覆盖 redis.address)
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigFile(configPath)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("解析配置文件失败: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	AppConfig = cfg
	return &AppConfig, nil
}

// Validate 检查会导致运行期异常的配置
func (c *Config) Validate() error {
	switch c.Lock.Backend {
	case "redis":
	case "etcd":
		if len(c.ETCD.Endpoints) == 0 {
			return fmt.Errorf("lock.backend=etcd 时必须配置 etcd.endpoints")
		}
	default:
		return fmt.Errorf("不支持的锁后端: %q", c.Lock.Backend)
	}
	if c.Lock.MaxRetries <= 0 {
		return fmt.Errorf("lock.max_retries 必须大于0")
	}
	if c.Lock.InitialDelay <= 0 || c.Lock.MaxDelay < c.Lock.InitialDelay {
		return fmt.Errorf("lock.initial_delay/max_delay 配置无效")
	}
	if c.Kafka.Enabled && len(c.Kafka.Brokers) == 0 {
		return fmt.Errorf("kafka.enabled=true 时必须配置 kafka.brokers")
	}
	return nil
}
