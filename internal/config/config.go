// Package config provides configuration loading, defaults, and validation.
package config

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Log     LogConfig     `mapstructure:"log"`
	DataDir string        `mapstructure:"data_dir"`
	Admin   AdminConfig   `mapstructure:"admin"`
	JWT     JWTConfig     `mapstructure:"jwt"`
	Gateway GatewayConfig `mapstructure:"gateway"`
	Search  SearchConfig  `mapstructure:"search"`
}

type ServerConfig struct {
	Host              string `mapstructure:"host"`
	Port              int    `mapstructure:"port"`
	Mode              string `mapstructure:"mode"` // gin mode: debug / release
	ReadHeaderTimeout int    `mapstructure:"read_header_timeout"`
	IdleTimeout       int    `mapstructure:"idle_timeout"`
}

type LogConfig struct {
	Level    string `mapstructure:"level"`
	Format   string `mapstructure:"format"`
	ToStdout bool   `mapstructure:"to_stdout"`
	ToFile   bool   `mapstructure:"to_file"`
	FilePath string `mapstructure:"file_path"`
}

type AdminConfig struct {
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
}

type JWTConfig struct {
	Secret      string `mapstructure:"secret"`
	ExpireHours int    `mapstructure:"expire_hours"`
}

type GatewayConfig struct {
	// MaxRetries dispatch 重试上限（跨账号）
	MaxRetries int `mapstructure:"max_retries"`
	// DefaultCooldownSeconds 无 Retry-After 时的限流冷却
	DefaultCooldownSeconds int `mapstructure:"default_cooldown_seconds"`
	// RequestTimeoutSeconds 非流式上游调用超时
	RequestTimeoutSeconds int `mapstructure:"request_timeout_seconds"`
	// StreamIdleTimeoutSeconds 流式读空闲超时
	StreamIdleTimeoutSeconds int `mapstructure:"stream_idle_timeout_seconds"`
	// TokenRefreshTimeoutSeconds token 刷新超时
	TokenRefreshTimeoutSeconds int `mapstructure:"token_refresh_timeout_seconds"`
	// MaxLineSize SSE 单行缓冲上限
	MaxLineSize int `mapstructure:"max_line_size"`
	// DefaultProjectID project 发现失败时的兜底项目
	DefaultProjectID string `mapstructure:"default_project_id"`
}

type SearchConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	Provider     string `mapstructure:"provider"` // serper / bing
	SerperAPIKey string `mapstructure:"serper_api_key"`
	BingAPIKey   string `mapstructure:"bing_api_key"`
	MaxResults   int    `mapstructure:"max_results"`
}

// Load 读取配置：config.yaml（可选）+ 环境变量覆盖
func Load() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")

	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	setDefaults()
	bindEnvAliases()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults() {
	viper.SetDefault("server.host", "0.0.0.0")
	viper.SetDefault("server.port", 8085)
	viper.SetDefault("server.mode", "release")
	viper.SetDefault("server.read_header_timeout", 30)
	viper.SetDefault("server.idle_timeout", 120)

	viper.SetDefault("log.level", "info")
	viper.SetDefault("log.format", "console")
	viper.SetDefault("log.to_stdout", true)
	viper.SetDefault("log.to_file", false)
	viper.SetDefault("log.file_path", "")

	viper.SetDefault("data_dir", "./data")

	viper.SetDefault("admin.username", "admin")
	viper.SetDefault("admin.password", "")

	viper.SetDefault("jwt.secret", "")
	viper.SetDefault("jwt.expire_hours", 24)

	viper.SetDefault("gateway.max_retries", 5)
	viper.SetDefault("gateway.default_cooldown_seconds", 60)
	viper.SetDefault("gateway.request_timeout_seconds", 120)
	viper.SetDefault("gateway.stream_idle_timeout_seconds", 60)
	viper.SetDefault("gateway.token_refresh_timeout_seconds", 30)
	viper.SetDefault("gateway.max_line_size", 10*1024*1024)
	viper.SetDefault("gateway.default_project_id", "")

	viper.SetDefault("search.enabled", false)
	viper.SetDefault("search.provider", "serper")
	viper.SetDefault("search.serper_api_key", "")
	viper.SetDefault("search.bing_api_key", "")
	viper.SetDefault("search.max_results", 5)
}

// bindEnvAliases 绑定对外文档化的扁平环境变量名
func bindEnvAliases() {
	_ = viper.BindEnv("data_dir", "DATA_DIR")
	_ = viper.BindEnv("jwt.secret", "JWT_SECRET")
	_ = viper.BindEnv("admin.username", "ADMIN_USERNAME")
	_ = viper.BindEnv("admin.password", "ADMIN_PASSWORD")
	_ = viper.BindEnv("search.enabled", "ENABLE_WEB_SEARCH")
	_ = viper.BindEnv("search.provider", "SEARCH_PROVIDER")
	_ = viper.BindEnv("search.serper_api_key", "SERPER_API_KEY")
	_ = viper.BindEnv("search.bing_api_key", "BING_API_KEY")
	_ = viper.BindEnv("search.max_results", "SEARCH_MAX_RESULTS")
}

// Validate 校验并补全配置
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.Gateway.MaxRetries <= 0 {
		c.Gateway.MaxRetries = 5
	}
	if c.Gateway.DefaultCooldownSeconds <= 0 {
		c.Gateway.DefaultCooldownSeconds = 60
	}
	if c.Gateway.StreamIdleTimeoutSeconds < 60 {
		c.Gateway.StreamIdleTimeoutSeconds = 60
	}
	switch c.Search.Provider {
	case "serper", "bing":
	default:
		return fmt.Errorf("invalid search provider: %s", c.Search.Provider)
	}

	// JWT secret 未配置时生成进程级随机值，admin 登录在重启后失效
	if strings.TrimSpace(c.JWT.Secret) == "" {
		buf := make([]byte, 32)
		if _, err := rand.Read(buf); err != nil {
			return fmt.Errorf("generate jwt secret: %w", err)
		}
		c.JWT.Secret = hex.EncodeToString(buf)
		slog.Warn("jwt_secret_generated", "hint", "set JWT_SECRET to keep admin sessions across restarts")
	}
	return nil
}

// AccountsFilePath 账号持久化文件路径
func (c *Config) AccountsFilePath() string {
	return filepath.Join(c.DataDir, "accounts.json")
}

// RequestTimeout 非流式上游调用超时
func (c *Config) RequestTimeout() time.Duration {
	return time.Duration(c.Gateway.RequestTimeoutSeconds) * time.Second
}

// StreamIdleTimeout 流式读空闲超时
func (c *Config) StreamIdleTimeout() time.Duration {
	return time.Duration(c.Gateway.StreamIdleTimeoutSeconds) * time.Second
}

// TokenRefreshTimeout token 刷新超时
func (c *Config) TokenRefreshTimeout() time.Duration {
	return time.Duration(c.Gateway.TokenRefreshTimeoutSeconds) * time.Second
}

// DefaultCooldown 默认限流冷却
func (c *Config) DefaultCooldown() time.Duration {
	return time.Duration(c.Gateway.DefaultCooldownSeconds) * time.Second
}
