// Package config 负责加载和管理应用程序的配置。
package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// 全局配置变量，存储从配置文件加载的所有设置。
var Conf Config

// Config 是整个应用程序的配置结构体，与 config.yaml 文件结构对应。
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Log     LogConfig     `mapstructure:"log"`
	JWT     JWTConfig     `mapstructure:"jwt"`
	Chat    ChatConfig    `mapstructure:"chat"`
	Upload  UploadConfig  `mapstructure:"upload"`
	Storage StorageConfig `mapstructure:"storage"`
	Redis   RedisConfig   `mapstructure:"redis"`
	Kafka   KafkaConfig   `mapstructure:"kafka"`
	Panel   PanelConfig   `mapstructure:"panel"`
}

// ServerConfig 存储服务器相关的配置。
type ServerConfig struct {
	Port string `mapstructure:"port"`
	Mode string `mapstructure:"mode"`
}

// LogConfig 存储日志相关的配置。
type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"output_path"`
}

// JWTConfig 存储面板令牌相关的配置。
type JWTConfig struct {
	Secret           string `mapstructure:"secret"`
	TokenExpireHours int    `mapstructure:"token_expire_hours"`
}

// ChatConfig 存储对话接口与助手文案的配置。
type ChatConfig struct {
	APIBaseURL        string        `mapstructure:"api_base_url"`
	FallbackBaseURL   string        `mapstructure:"fallback_base_url"`
	CompletionPath    string        `mapstructure:"completion_path"`
	IngestionPath     string        `mapstructure:"ingestion_path"`
	CompletionTimeout time.Duration `mapstructure:"completion_timeout"`
	IngestionTimeout  time.Duration `mapstructure:"ingestion_timeout"`
	Locale            string        `mapstructure:"locale"`
	Greeting          string        `mapstructure:"greeting"`
	Apology           string        `mapstructure:"apology"`
}

// UploadConfig 存储附件上传的配置。
type UploadConfig struct {
	MaxBytes int64 `mapstructure:"max_bytes"`
}

// StorageConfig 存储会话持久化的配置。Type 取值 redis / file / memory。
type StorageConfig struct {
	Type    string        `mapstructure:"type"`
	Key     string        `mapstructure:"key"`
	DataDir string        `mapstructure:"data_dir"`
	TTL     time.Duration `mapstructure:"ttl"`
}

// RedisConfig 存储 Redis 的配置。
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// KafkaConfig 存储投递事件流的配置。Brokers 为空时不发送事件。
type KafkaConfig struct {
	Brokers string `mapstructure:"brokers"`
	Topic   string `mapstructure:"topic"`
}

// PanelConfig 存储面板回收的配置。没有连接且空闲超过 IdleTimeout 的面板会被销毁。
type PanelConfig struct {
	IdleTimeout   time.Duration `mapstructure:"idle_timeout"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
}

// setDefaults 为所有可选配置项设置默认值。
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", "8080")
	v.SetDefault("server.mode", "release")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("jwt.token_expire_hours", 24*30)
	v.SetDefault("chat.fallback_base_url", "https://bmw-backend-production.up.railway.app")
	v.SetDefault("chat.completion_path", "/api/bmw/chat")
	v.SetDefault("chat.ingestion_path", "/api/bmw/upload")
	v.SetDefault("chat.ingestion_timeout", 60*time.Second)
	v.SetDefault("chat.locale", "en-AU")
	v.SetDefault("upload.max_bytes", 10<<20)
	v.SetDefault("storage.type", "redis")
	v.SetDefault("storage.key", "bmw:chat:messages")
	v.SetDefault("storage.data_dir", "./data")
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("kafka.topic", "bmw-chat-delivery")
	v.SetDefault("panel.idle_timeout", 30*time.Minute)
	v.SetDefault("panel.sweep_interval", time.Minute)
}

// Init 初始化配置加载，从指定的路径读取 YAML 文件并解析到 Conf 变量中。
// 环境变量 BMW_<SECTION>_<KEY> 覆盖文件中的值。
func Init(configPath string) {
	cfg, err := Load(configPath)
	if err != nil {
		panic(err)
	}
	Conf = *cfg
}

// Load 读取配置但不修改全局变量，便于测试。
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("BMW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("无法将配置解析到结构体中: %w", err)
	}
	return &cfg, nil
}

// localHosts 是视为本地开发环境的主机名。
var localHosts = map[string]struct{}{
	"localhost": {},
	"127.0.0.1": {},
	"0.0.0.0":   {},
	"::1":       {},
}

// ResolveBaseURL 返回对话与上传接口使用的 API 根地址。
// 去掉末尾斜杠；地址为空，或 release 模式下主机为本机时，回退到生产地址。
func (c ChatConfig) ResolveBaseURL(mode string) string {
	base := strings.TrimRight(strings.TrimSpace(c.APIBaseURL), "/")
	fallback := strings.TrimRight(strings.TrimSpace(c.FallbackBaseURL), "/")
	if base == "" {
		return fallback
	}
	if mode != "release" {
		return base
	}
	u, err := url.Parse(base)
	if err != nil {
		return fallback
	}
	if _, local := localHosts[strings.ToLower(u.Hostname())]; local {
		return fallback
	}
	return base
}
