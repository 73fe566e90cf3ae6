package config

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/xiaopang/aiswitch/internal/model"
	"gopkg.in/yaml.v3"
)

// Config 应用配置
type Config struct {
	Proxy    ProxyConfig    `yaml:"proxy"`
	Upstream UpstreamConfig `yaml:"upstream"`
	Database DatabaseConfig `yaml:"database"`
	Logging  LoggingConfig  `yaml:"logging"`
	Takeover TakeoverConfig `yaml:"takeover"`
}

// ProxyConfig 代理服务器配置
type ProxyConfig struct {
	ListenAddress   string `yaml:"listen_address"`
	ListenPort      int    `yaml:"listen_port"`
	EnableLogging   *bool  `yaml:"enable_logging"`
	RequestTimeout  int    `yaml:"request_timeout"`  // 秒，0 表示不限制
	ShutdownTimeout int    `yaml:"shutdown_timeout"` // 秒，0 表示等待所有请求完成
}

// UpstreamConfig 默认上游地址（可被请求头 x-base-url 覆盖）
type UpstreamConfig struct {
	ClaudeBaseURL string `yaml:"claude_base_url"`
	OpenAIBaseURL string `yaml:"openai_base_url"`
	GeminiBaseURL string `yaml:"gemini_base_url"`
}

// DatabaseConfig 数据库配置
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// LoggingConfig 日志配置
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// TakeoverConfig 接管配置
type TakeoverConfig struct {
	HomeDir string `yaml:"home_dir"` // ~/.claude, ~/.codex, ~/.gemini 所在目录
}

// Load 从文件加载配置；文件不存在时使用默认值
func Load(path string) (*Config, error) {
	cfg := &Config{}

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		return nil, err
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, err
		}
	}

	// 设置默认值
	setDefaults(cfg)
	return cfg, nil
}

// Default 返回全部为默认值的配置
func Default() *Config {
	cfg := &Config{}
	setDefaults(cfg)
	return cfg
}

// setDefaults 设置默认值
func setDefaults(cfg *Config) {
	if cfg.Proxy.ListenAddress == "" {
		cfg.Proxy.ListenAddress = "127.0.0.1"
	}
	if cfg.Proxy.ListenPort == 0 {
		cfg.Proxy.ListenPort = 15721
	}
	if cfg.Proxy.EnableLogging == nil {
		enabled := true
		cfg.Proxy.EnableLogging = &enabled
	}
	if cfg.Upstream.ClaudeBaseURL == "" {
		cfg.Upstream.ClaudeBaseURL = "https://api.anthropic.com"
	}
	if cfg.Upstream.OpenAIBaseURL == "" {
		cfg.Upstream.OpenAIBaseURL = "https://api.openai.com/v1"
	}
	if cfg.Upstream.GeminiBaseURL == "" {
		cfg.Upstream.GeminiBaseURL = "https://generativelanguage.googleapis.com"
	}
	if cfg.Takeover.HomeDir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			cfg.Takeover.HomeDir = home
		}
	}
	if cfg.Database.Path == "" {
		cfg.Database.Path = filepath.Join(cfg.Takeover.HomeDir, ".aiswitch", "aiswitch.db")
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
}

// Save 保存配置到文件
func Save(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// ProxyDefaults 由配置生成代理启动参数
func (c *Config) ProxyDefaults() model.ProxyConfig {
	return model.ProxyConfig{
		ListenAddress: c.Proxy.ListenAddress,
		ListenPort:    c.Proxy.ListenPort,
		EnableLogging: c.Proxy.EnableLogging == nil || *c.Proxy.EnableLogging,
	}
}

// RequestTimeout 单次转发超时，0 表示不限制
func (c *Config) RequestTimeout() time.Duration {
	return time.Duration(c.Proxy.RequestTimeout) * time.Second
}

// ShutdownTimeout 优雅停机等待时间，0 表示不限制
func (c *Config) ShutdownTimeout() time.Duration {
	return time.Duration(c.Proxy.ShutdownTimeout) * time.Second
}
