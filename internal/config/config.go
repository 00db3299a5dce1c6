package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"agentmarket/internal/auth"
)

// Config 描述了 marketd 在启动阶段需要加载的核心配置。
type Config struct {
	Server  ServerConfig  `json:"server"`
	Storage StorageConfig `json:"storage"`
	Redis   RedisConfig   `json:"redis"`
	Events  EventsConfig  `json:"events"`
	Web3    Web3Config    `json:"web3"`
	Auth    auth.Config   `json:"auth"`
	Market  MarketConfig  `json:"market"`
	Runtime RuntimeConfig `json:"runtime"`
	Logging LoggingConfig `json:"logging"`
}

// LoggingConfig mirrors pkg/logger.Config so it can be populated from the
// marketd config file rather than left at pkg/logger's zero-value defaults.
type LoggingConfig struct {
	Level       string   `json:"level"`
	Format      string   `json:"format"`
	OutputPaths []string `json:"output_paths"`
	Audit       struct {
		Enabled    bool   `json:"enabled"`
		Path       string `json:"path"`
		MaxSizeMB  int    `json:"max_size_mb"`
		MaxBackups int    `json:"max_backups"`
		MaxAgeDays int    `json:"max_age_days"`
	} `json:"audit"`
}

// ServerConfig 控制 API 服务的监听地址等参数。
type ServerConfig struct {
	Address        string `json:"address"`
	MetricsAddress string `json:"metrics_address"` // empty disables the standalone /metrics listener
}

// StorageConfig 统一描述各领域组件的持久化后端选择。
type StorageConfig struct {
	Driver string           `json:"driver"` // "memory" or "mysql"
	MySQL  MySQLStoreConfig `json:"mysql"`
}

// MySQLStoreConfig carries the DSN and pool tuning shared by every MySQL-backed store.
type MySQLStoreConfig struct {
	DSN             string `json:"dsn"`
	MaxOpenConns    int    `json:"max_open_conns"`
	MaxIdleConns    int    `json:"max_idle_conns"`
	ConnMaxLifeSec  int    `json:"conn_max_lifetime_sec"`
	ConnMaxIdleSec  int    `json:"conn_max_idle_time_sec"`
}

// RedisConfig configures the distributed lock manager and the listing
// read-through cache.
type RedisConfig struct {
	Enabled  bool   `json:"enabled"`
	Address  string `json:"address"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	LockTTLMs int   `json:"lock_ttl_ms"`
}

// EventsConfig selects the event bus driver publishing every domain event.
type EventsConfig struct {
	Driver   string         `json:"driver"` // "memory", "redis", or "rabbitmq"
	Redis    RedisBusConfig `json:"redis"`
	RabbitMQ RabbitMQConfig `json:"rabbitmq"`
}

// RedisBusConfig configures the redis pub/sub event bus.
type RedisBusConfig struct {
	Address  string `json:"address"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	Channel  string `json:"channel"`
}

// RabbitMQConfig configures the RabbitMQ topic-exchange event bus.
type RabbitMQConfig struct {
	URL      string `json:"url"`
	Exchange string `json:"exchange"`
	Durable  bool   `json:"durable"`
}

// Web3Config contains chain connectivity used to resolve payment tokens,
// following the teacher's multi-chain-with-single-chain-fallback shape.
type Web3Config struct {
	RPCURL       string `json:"rpc_url"`
	ChainConfig  string `json:"chain_config"`
	DefaultChain string `json:"default_chain"`
}

// MarketConfig carries the domain parameters not fixed by the state machine
// itself.
type MarketConfig struct {
	AdminAddress                string `json:"admin_address"`
	DisputeModuleAddress        string `json:"dispute_module_address"`
	DisputeModuleUpdateDelaySec int64  `json:"dispute_module_update_delay_sec"`
	SweeperIntervalSec          int    `json:"sweeper_interval_sec"`
	// CustodySignerKeyHex signs the outbound ERC20 transfers Task Market
	// issues when paying out escrow/bond balances from CustodyAddress.
	CustodySignerKeyHex string `json:"custody_signer_key_hex"`
}

// RuntimeConfig holds generic runtime parameters.
type RuntimeConfig struct {
	DataDir string `json:"data_dir"`
}

// Load 负责解析指定路径的 JSON 配置文件。
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("配置文件路径为空")
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("打开配置文件失败: %w", err)
	}
	defer file.Close()

	content, err := io.ReadAll(file)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(content, &cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	cfg.applyDefaults(filepath.Dir(path))

	return &cfg, nil
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}

	if c.Storage.Driver == "" {
		c.Storage.Driver = "memory"
	}
	if c.Storage.MySQL.MaxOpenConns == 0 {
		c.Storage.MySQL.MaxOpenConns = 20
	}
	if c.Storage.MySQL.MaxIdleConns == 0 {
		c.Storage.MySQL.MaxIdleConns = 5
	}

	if c.Redis.LockTTLMs == 0 {
		c.Redis.LockTTLMs = 5000
	}

	if c.Events.Driver == "" {
		c.Events.Driver = "memory"
	}
	if c.Events.Redis.Channel == "" {
		c.Events.Redis.Channel = "market:events"
	}
	if c.Events.RabbitMQ.Exchange == "" {
		c.Events.RabbitMQ.Exchange = "market.events"
	}

	if c.Market.DisputeModuleUpdateDelaySec == 0 {
		c.Market.DisputeModuleUpdateDelaySec = 24 * 60 * 60
	}
	if c.Market.SweeperIntervalSec == 0 {
		c.Market.SweeperIntervalSec = 30
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}

	if c.Runtime.DataDir == "" {
		c.Runtime.DataDir = filepath.Join(baseDir, "data")
	} else if !filepath.IsAbs(c.Runtime.DataDir) {
		c.Runtime.DataDir = filepath.Join(baseDir, c.Runtime.DataDir)
	}
}
