package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/life-stream-dev/life-stream-go-stomp-broker/internal/utils"
)

const (
	DefaultPath = "config.json"

	BackendMemory  = "memory"
	BackendMongoDB = "mongodb"
)

var ErrConfigCreated = errors.New("the configuration file does not exist and has been created. Please try again after editing the configuration file")

type ServerConfig struct {
	Host           string `json:"host"`
	Port           int    `json:"port"`
	MaxConnections int64  `json:"max_connections"`
	WriteTimeout   string `json:"write_timeout"`
}

// StoreConfig 凭据存储配置
type StoreConfig struct {
	Backend           string `json:"backend"`
	OperationTimeout  string `json:"operation_timeout"` // 每次凭据存储调用的超时
	PasswordCacheSize int    `json:"password_cache_size"`
	PasswordCacheTTL  string `json:"password_cache_ttl"`
	BcryptCost        int    `json:"bcrypt_cost"`
}

type DatabaseConfig struct {
	URI                string `json:"uri"` // 非空时忽略 host/port/username/password
	Host               string `json:"host"`
	Port               uint64 `json:"port"`
	Username           string `json:"username"`
	Password           string `json:"password"`
	Database           string `json:"database"`
	UseTLS             bool   `json:"use_tls"`
	ConnectTimeout     string `json:"connect_timeout"`
	SocketTimeout      string `json:"socket_timeout"`
	ConnectIdleTimeout string `json:"connect_idle_timeout"`
	OperationTimeout   string `json:"operation_timeout"`
	Heartbeat          string `json:"heartbeat"`
	MinPoolSize        uint64 `json:"min_pool_size"`
	MaxPoolSize        uint64 `json:"max_pool_size"`
}

type Config struct {
	Server    ServerConfig   `json:"server"`
	Store     StoreConfig    `json:"store"`
	Database  DatabaseConfig `json:"database"`
	DebugMode bool           `json:"debug_mode"`
	AppName   string         `json:"app_name"`
	LogDir    string         `json:"log_dir"`
}

// Default 返回默认配置
func Default() Config {
	return Config{
		Server: ServerConfig{
			Host:           "0.0.0.0",
			Port:           7777,
			MaxConnections: 10000,
			WriteTimeout:   "10s",
		},
		Store: StoreConfig{
			Backend:           BackendMemory,
			OperationTimeout:  "2s",
			PasswordCacheSize: 256,
			PasswordCacheTTL:  "1h",
			BcryptCost:        10,
		},
		Database: DatabaseConfig{
			Host:               "127.0.0.1",
			Port:               27017,
			Database:           "stomp",
			ConnectTimeout:     "10s",
			SocketTimeout:      "30s",
			ConnectIdleTimeout: "5m",
			OperationTimeout:   "5s",
			Heartbeat:          "10s",
			MinPoolSize:        1,
			MaxPoolSize:        16,
		},
		AppName: "life-stream-go-stomp-broker",
		LogDir:  "logs",
	}
}

// ReadConfig 读取配置文件，文件不存在时写入默认配置并返回 ErrConfigCreated
func ReadConfig(path string) (Config, error) {
	config := Default()
	bytes, err := os.ReadFile(path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return config, fmt.Errorf("unable to read configuration file %s: %w", path, err)
		}
		if err := WriteConfig(path, config); err != nil {
			return config, err
		}
		return config, ErrConfigCreated
	}

	if err := json.Unmarshal(bytes, &config); err != nil {
		return config, fmt.Errorf("the configuration file does not contain valid JSON: %w", err)
	}
	if err := config.Validate(); err != nil {
		return config, err
	}
	return config, nil
}

// WriteConfig 将配置以缩进 JSON 写入文件
func WriteConfig(path string, config Config) error {
	data, err := json.MarshalIndent(config, "", "\t")
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("unable to write configuration file %s: %w", path, err)
	}
	return nil
}

func (c Config) Validate() error {
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port %d", c.Server.Port)
	}
	if c.Server.MaxConnections <= 0 {
		return fmt.Errorf("max_connections must be positive, got %d", c.Server.MaxConnections)
	}
	switch c.Store.Backend {
	case BackendMemory, BackendMongoDB:
	default:
		return fmt.Errorf("unknown store backend %q", c.Store.Backend)
	}
	if c.Store.OperationTimeout != "" && c.Store.Timeout() <= 0 {
		return fmt.Errorf("invalid store operation_timeout %q", c.Store.OperationTimeout)
	}
	return nil
}

func (s ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

func (s ServerConfig) WriteDeadline() time.Duration {
	return utils.ParseStringTime(s.WriteTimeout)
}

// Timeout 返回凭据存储调用的超时，未配置时为 2 秒
func (s StoreConfig) Timeout() time.Duration {
	if s.OperationTimeout == "" {
		return 2 * time.Second
	}
	return utils.ParseStringTime(s.OperationTimeout)
}

func (s StoreConfig) CacheTTL() time.Duration {
	return utils.ParseStringTime(s.PasswordCacheTTL)
}
