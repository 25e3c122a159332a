// Package config 负责解析结算守护进程的启动配置。
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// Config 描述了结算核心在启动阶段需要加载的全部配置。
type Config struct {
	Server      ServerConfig      `json:"server"`
	Ledger      LedgerConfig      `json:"ledger"`
	OrderStore  OrderStoreConfig  `json:"order_store"`
	Facilitator FacilitatorConfig `json:"facilitator"`
	Reconcile   ReconcileConfig   `json:"reconcile"`
	Auth        AuthConfig        `json:"auth"`
	Log         LogConfig         `json:"log"`
	Alert       AlertConfig       `json:"alert"`
}

// ServerConfig 控制 API 服务的监听地址等参数。
type ServerConfig struct {
	Address string `json:"address"`
}

// LedgerConfig 指向账本的创世文件。
type LedgerConfig struct {
	GenesisPath string `json:"genesis_path"`
}

// OrderStoreConfig 描述订单持久化后端。
type OrderStoreConfig struct {
	Driver          string `json:"driver"`
	DSN             string `json:"dsn"`
	MaxOpenConns    int    `json:"max_open_conns"`
	MaxIdleConns    int    `json:"max_idle_conns"`
	ConnMaxLifetime int    `json:"conn_max_lifetime_seconds"`
}

// FacilitatorConfig 描述远端结算服务的接入信息。
// APIKeyEnv 指定从哪个环境变量读取凭证，避免把密钥写进配置文件。
type FacilitatorConfig struct {
	BaseURL        string `json:"base_url"`
	Identity       string `json:"identity"`
	APIKey         string `json:"api_key"`
	APIKeyEnv      string `json:"api_key_env"`
	TimeoutSeconds int    `json:"timeout_seconds"`
	WeiPerUSD      string `json:"wei_per_usd"`
}

// ReconcileConfig 描述对账队列的驱动与消费参数。
type ReconcileConfig struct {
	Driver   string         `json:"driver"`
	Workers  int            `json:"workers"`
	Redis    RedisConfig    `json:"redis"`
	RabbitMQ RabbitMQConfig `json:"rabbitmq"`
}

// RedisConfig 描述 Redis 队列的连接参数。
type RedisConfig struct {
	Address  string `json:"address"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	Queue    string `json:"queue"`
}

// RabbitMQConfig 描述 RabbitMQ 队列的连接参数。
type RabbitMQConfig struct {
	URL      string `json:"url"`
	Queue    string `json:"queue"`
	Prefetch int    `json:"prefetch"`
	Durable  bool   `json:"durable"`
}

// AuthConfig 描述 API 认证方式。
type AuthConfig struct {
	Mode string          `json:"mode"`
	Keys []AuthKeyConfig `json:"keys"`
}

// AuthKeyConfig 将一个 API Key 绑定到链上地址。
type AuthKeyConfig struct {
	Key     string `json:"key"`
	Name    string `json:"name"`
	Address string `json:"address"`
}

// LogConfig 控制日志输出。
type LogConfig struct {
	Level       string   `json:"level"`
	Format      string   `json:"format"`
	OutputPaths []string `json:"output_paths"`
	Audit       string   `json:"audit"`
}

// AlertConfig 描述告警渠道。
type AlertConfig struct {
	WebhookURL string `json:"webhook_url"`
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

	if cfg.Facilitator.APIKey == "" && cfg.Facilitator.APIKeyEnv != "" {
		cfg.Facilitator.APIKey = os.Getenv(cfg.Facilitator.APIKeyEnv)
	}

	return &cfg, nil
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}

	if c.Ledger.GenesisPath == "" {
		c.Ledger.GenesisPath = filepath.Join(baseDir, "genesis.yaml")
	} else if !filepath.IsAbs(c.Ledger.GenesisPath) {
		c.Ledger.GenesisPath = filepath.Join(baseDir, c.Ledger.GenesisPath)
	}

	if c.OrderStore.Driver == "" {
		c.OrderStore.Driver = "memory"
	}

	if c.Facilitator.TimeoutSeconds <= 0 {
		c.Facilitator.TimeoutSeconds = 30
	}

	if c.Reconcile.Driver == "" {
		c.Reconcile.Driver = "memory"
	}
	if c.Reconcile.Workers <= 0 {
		c.Reconcile.Workers = 2
	}

	if c.Auth.Mode == "" {
		c.Auth.Mode = "disabled"
	}

	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
}
