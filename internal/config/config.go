// internal/config/config.go
package config

import (
	"os"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// 存储后端
const (
	StoreMySQL  = "mysql"
	StoreRedis  = "redis"
	StoreMongo  = "mongo"
	StoreMemory = "memory"
)

// 锁实现
const (
	LockLocal     = "local"
	LockZooKeeper = "zookeeper"
)

// Config 是服务的完整配置，先读 YAML 文件，再用环境变量覆盖。
type Config struct {
	App   AppConfig   `yaml:"app"`
	Infra InfraConfig `yaml:"infra"`
}

type AppConfig struct {
	ServiceName string     `yaml:"serviceName"`
	Port        int        `yaml:"port"`
	Log         LogConfig  `yaml:"log"`
	Sale        SaleConfig `yaml:"sale"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

// SaleConfig 控制销售事务的超时。
type SaleConfig struct {
	StepTimeout         time.Duration `yaml:"stepTimeout"`
	CompensationTimeout time.Duration `yaml:"compensationTimeout"`
	// NativeTransaction 仅对 mysql 生效：整个销售操作在一个数据库事务里完成。
	NativeTransaction bool `yaml:"nativeTransaction"`
}

type InfraConfig struct {
	Store     StoreConfig     `yaml:"store"`
	Lock      LockConfig      `yaml:"lock"`
	MySQL     MySQLConfig     `yaml:"mysql"`
	Redis     RedisConfig     `yaml:"redis"`
	Mongo     MongoConfig     `yaml:"mongo"`
	ZooKeeper ZooKeeperConfig `yaml:"zookeeper"`
	Kafka     KafkaConfig     `yaml:"kafka"`
	Jaeger    JaegerConfig    `yaml:"jaeger"`
}

type StoreConfig struct {
	Driver string `yaml:"driver"`
}

type LockConfig struct {
	Driver string `yaml:"driver"`
}

type MySQLConfig struct {
	DSN string `yaml:"dsn"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type MongoConfig struct {
	URI      string `yaml:"uri"`
	Database string `yaml:"database"`
}

type ZooKeeperConfig struct {
	Servers        []string      `yaml:"servers"`
	SessionTimeout time.Duration `yaml:"sessionTimeout"`
	LockRoot       string        `yaml:"lockRoot"`
}

type KafkaConfig struct {
	Brokers             []string `yaml:"brokers"`
	SaleTopic           string   `yaml:"saleTopic"`
	ReconciliationTopic string   `yaml:"reconciliationTopic"`
}

type JaegerConfig struct {
	Endpoint string `yaml:"endpoint"`
}

// Default 返回本地开发用的默认配置。
func Default() *Config {
	return &Config{
		App: AppConfig{
			ServiceName: "sales-service",
			Port:        8090,
			Log:         LogConfig{Level: "info"},
			Sale: SaleConfig{
				StepTimeout:         5 * time.Second,
				CompensationTimeout: 30 * time.Second,
			},
		},
		Infra: InfraConfig{
			Store: StoreConfig{Driver: StoreMemory},
			Lock:  LockConfig{Driver: LockLocal},
			Redis: RedisConfig{Addr: "localhost:6379"},
			Mongo: MongoConfig{URI: "mongodb://localhost:27017", Database: "sales"},
			ZooKeeper: ZooKeeperConfig{
				Servers:        []string{"localhost:2181"},
				SessionTimeout: 5 * time.Second,
				LockRoot:       "/salesledger_locks",
			},
			Kafka: KafkaConfig{
				SaleTopic:           "sale-events",
				ReconciliationTopic: "sale-reconciliation",
			},
		},
	}
}

var current atomic.Pointer[Config]

// GetCurrentConfig 返回最近一次 Load 的结果；未加载时返回默认配置。
func GetCurrentConfig() *Config {
	if c := current.Load(); c != nil {
		return c
	}
	return Default()
}

// Load 读取配置文件（path 为空或文件不存在时跳过），然后应用环境变量覆盖并校验。
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, errors.Wrapf(err, "parse config file %s", path)
			}
		case os.IsNotExist(err):
		default:
			return nil, errors.Wrapf(err, "read config file %s", path)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	current.Store(cfg)
	return cfg, nil
}

func (c *Config) applyEnv() error {
	c.App.ServiceName = getEnv("SERVICE_NAME", c.App.ServiceName)
	c.App.Log.Level = getEnv("LOG_LEVEL", c.App.Log.Level)
	c.Infra.Store.Driver = getEnv("STORE_DRIVER", c.Infra.Store.Driver)
	c.Infra.Lock.Driver = getEnv("LOCK_DRIVER", c.Infra.Lock.Driver)
	c.Infra.MySQL.DSN = getEnv("MYSQL_DSN", c.Infra.MySQL.DSN)
	c.Infra.Redis.Addr = getEnv("REDIS_ADDR", c.Infra.Redis.Addr)
	c.Infra.Redis.Password = getEnv("REDIS_PASSWORD", c.Infra.Redis.Password)
	c.Infra.Mongo.URI = getEnv("MONGO_URI", c.Infra.Mongo.URI)
	c.Infra.Mongo.Database = getEnv("MONGO_DATABASE", c.Infra.Mongo.Database)
	c.Infra.Kafka.SaleTopic = getEnv("KAFKA_SALE_TOPIC", c.Infra.Kafka.SaleTopic)
	c.Infra.Kafka.ReconciliationTopic = getEnv("KAFKA_RECONCILIATION_TOPIC", c.Infra.Kafka.ReconciliationTopic)
	c.Infra.Jaeger.Endpoint = getEnv("JAEGER_ENDPOINT", c.Infra.Jaeger.Endpoint)

	if v, ok := os.LookupEnv("ZK_SERVERS"); ok {
		c.Infra.ZooKeeper.Servers = splitList(v)
	}
	if v, ok := os.LookupEnv("KAFKA_BROKERS"); ok {
		c.Infra.Kafka.Brokers = splitList(v)
	}

	var err error
	if c.App.Port, err = getEnvInt("PORT", c.App.Port); err != nil {
		return err
	}
	if c.Infra.Redis.DB, err = getEnvInt("REDIS_DB", c.Infra.Redis.DB); err != nil {
		return err
	}
	if c.App.Log.Pretty, err = getEnvBool("LOG_PRETTY", c.App.Log.Pretty); err != nil {
		return err
	}
	if c.App.Sale.NativeTransaction, err = getEnvBool("SALE_NATIVE_TX", c.App.Sale.NativeTransaction); err != nil {
		return err
	}
	if c.App.Sale.StepTimeout, err = getEnvDuration("SALE_STEP_TIMEOUT", c.App.Sale.StepTimeout); err != nil {
		return err
	}
	if c.App.Sale.CompensationTimeout, err = getEnvDuration("SALE_COMPENSATION_TIMEOUT", c.App.Sale.CompensationTimeout); err != nil {
		return err
	}
	return nil
}

// Validate 检查配置组合是否可用。
func (c *Config) Validate() error {
	if c.App.ServiceName == "" {
		return errors.New("app.serviceName is required")
	}
	if c.App.Port <= 0 || c.App.Port > 65535 {
		return errors.Errorf("app.port %d out of range", c.App.Port)
	}
	if c.App.Sale.StepTimeout <= 0 || c.App.Sale.CompensationTimeout <= 0 {
		return errors.New("sale timeouts must be positive")
	}

	switch c.Infra.Store.Driver {
	case StoreMySQL:
		if c.Infra.MySQL.DSN == "" {
			return errors.New("infra.mysql.dsn is required for the mysql store")
		}
	case StoreRedis:
		// 库存在 Redis，销售记录在 Mongo
		if c.Infra.Redis.Addr == "" {
			return errors.New("infra.redis.addr is required for the redis store")
		}
		if c.Infra.Mongo.URI == "" || c.Infra.Mongo.Database == "" {
			return errors.New("infra.mongo.uri and infra.mongo.database are required for the redis store")
		}
	case StoreMongo:
		if c.Infra.Mongo.URI == "" || c.Infra.Mongo.Database == "" {
			return errors.New("infra.mongo.uri and infra.mongo.database are required for the mongo store")
		}
	case StoreMemory:
	default:
		return errors.Errorf("unknown store driver %q", c.Infra.Store.Driver)
	}

	if c.App.Sale.NativeTransaction && c.Infra.Store.Driver != StoreMySQL {
		return errors.Errorf("native transactions are not supported by the %s store", c.Infra.Store.Driver)
	}

	switch c.Infra.Lock.Driver {
	case LockLocal:
	case LockZooKeeper:
		if len(c.Infra.ZooKeeper.Servers) == 0 {
			return errors.New("infra.zookeeper.servers is required for the zookeeper lock")
		}
	default:
		return errors.Errorf("unknown lock driver %q", c.Infra.Lock.Driver)
	}
	return nil
}

// getEnv 从环境变量中读取配置。
func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) (int, error) {
	v, ok := os.LookupEnv(key)
	if !ok {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, errors.Wrapf(err, "invalid %s", key)
	}
	return n, nil
}

func getEnvBool(key string, fallback bool) (bool, error) {
	v, ok := os.LookupEnv(key)
	if !ok {
		return fallback, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, errors.Wrapf(err, "invalid %s", key)
	}
	return b, nil
}

func getEnvDuration(key string, fallback time.Duration) (time.Duration, error) {
	v, ok := os.LookupEnv(key)
	if !ok {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, errors.Wrapf(err, "invalid %s", key)
	}
	return d, nil
}

func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
