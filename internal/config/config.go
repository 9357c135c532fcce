package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// Config 描述 vaultd 在启动阶段需要加载的核心配置。
type Config struct {
	Server   ServerConfig   `json:"server"`
	Metrics  MetricsConfig  `json:"metrics"`
	Logging  LoggingConfig  `json:"logging"`
	Identity IdentityConfig `json:"identity"`
	Ledger   LedgerConfig   `json:"ledger"`
	Router   RouterConfig   `json:"router"`
	Bridge   BridgeConfig   `json:"bridge"`
}

// ServerConfig 控制 API 服务的监听地址等参数。
type ServerConfig struct {
	Address string `json:"address"`
}

// MetricsConfig 控制指标服务。地址为空时不启动。
type MetricsConfig struct {
	Address string `json:"address"`
}

// LoggingConfig 控制日志输出与审计日志。
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

// IdentityConfig 是系统属主与各组件角色的身份绑定。
type IdentityConfig struct {
	Owner     string `json:"owner"`
	Router    string `json:"router"`
	Ledger    string `json:"ledger"`
	Transport string `json:"transport"`
}

// LedgerConfig 描述账本的持久化与喂价配置。
type LedgerConfig struct {
	Store  StoreConfig  `json:"store"`
	Oracle OracleConfig `json:"oracle"`
}

// StoreConfig 描述账本存储后端。目前支持 memory 与 mysql。
type StoreConfig struct {
	Driver                 string `json:"driver"`
	DSN                    string `json:"dsn"`
	MaxOpenConns           int    `json:"max_open_conns"`
	MaxIdleConns           int    `json:"max_idle_conns"`
	ConnMaxLifetimeSeconds int    `json:"conn_max_lifetime_seconds"`
	ConnMaxIdleTimeSeconds int    `json:"conn_max_idle_time_seconds"`
}

// OracleConfig 描述锚定校验使用的喂价源。
type OracleConfig struct {
	// Provider 支持 static（本地固定价）与 chainlink。
	Provider           string `json:"provider"`
	RPCURL             string `json:"rpc_url"`
	Aggregator         string `json:"aggregator"`
	MaxPriceAgeSeconds int    `json:"max_price_age_seconds"`
}

// RouterConfig 描述调度层与接入的借贷协议。
type RouterConfig struct {
	AssetID   string           `json:"asset_id"`
	Protocols []ProtocolConfig `json:"protocols"`
}

// ProtocolConfig 描述一个借贷协议适配器。
type ProtocolConfig struct {
	// ID 是协议标识，本地分配腿通过它匹配。
	ID string `json:"id"`
	// Driver 支持 memory 与 evm。
	Driver string `json:"driver"`
	RPCURL string `json:"rpc_url"`
	// ChainID 用于 EVM 交易签名。
	ChainID int64  `json:"chain_id"`
	Pool    string `json:"pool"`
	Asset   string `json:"asset"`
	// PrivateKeyEnv 指定从哪个环境变量读取签名私钥，避免私钥落盘。
	PrivateKeyEnv string `json:"private_key_env"`
}

// BridgeConfig 描述跨链桥的传输层、去重集合与路由表。
type BridgeConfig struct {
	LocalChainID uint64          `json:"local_chain_id"`
	RoutesFile   string          `json:"routes_file"`
	Workers      int             `json:"workers"`
	Transport    TransportConfig `json:"transport"`
	Processed    ProcessedConfig `json:"processed"`
}

// TransportConfig 描述跨链消息传输驱动。支持 memory 与 rabbitmq。
type TransportConfig struct {
	Driver     string `json:"driver"`
	URL        string `json:"url"`
	Queue      string `json:"queue"`
	Prefetch   int    `json:"prefetch"`
	Durable    bool   `json:"durable"`
	AutoDelete bool   `json:"auto_delete"`
	FlatFee    int64  `json:"flat_fee"`
}

// ProcessedConfig 描述入站消息去重集合的后端。支持 memory、redis 与
// mysql；mysql 驱动在 DSN 为空时复用账本存储的连接串。
type ProcessedConfig struct {
	Driver    string `json:"driver"`
	Address   string `json:"address"`
	Password  string `json:"password"`
	DB        int    `json:"db"`
	KeyPrefix string `json:"key_prefix"`
	DSN       string `json:"dsn"`
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

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}

	if c.Identity.Owner == "" {
		c.Identity.Owner = "owner"
	}
	if c.Identity.Router == "" {
		c.Identity.Router = "router"
	}
	if c.Identity.Ledger == "" {
		c.Identity.Ledger = "ledger"
	}
	if c.Identity.Transport == "" {
		c.Identity.Transport = "relay"
	}

	if c.Ledger.Store.Driver == "" {
		c.Ledger.Store.Driver = "memory"
	}
	if c.Ledger.Oracle.Provider == "" {
		c.Ledger.Oracle.Provider = "static"
	}

	if c.Router.AssetID == "" {
		c.Router.AssetID = "vUSD"
	}

	if c.Bridge.LocalChainID == 0 {
		c.Bridge.LocalChainID = 1
	}
	if c.Bridge.Workers <= 0 {
		c.Bridge.Workers = 1
	}
	if c.Bridge.Transport.Driver == "" {
		c.Bridge.Transport.Driver = "memory"
	}
	if c.Bridge.Processed.Driver == "" {
		c.Bridge.Processed.Driver = "memory"
	}
	if c.Bridge.RoutesFile != "" && !filepath.IsAbs(c.Bridge.RoutesFile) {
		c.Bridge.RoutesFile = filepath.Join(baseDir, c.Bridge.RoutesFile)
	}
}
