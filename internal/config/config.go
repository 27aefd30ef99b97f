// Package config 负责加载和管理应用程序的配置。
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// 全局配置变量，存储从配置文件加载的所有设置。
var Conf Config

// Config 是整个应用程序的配置结构体，与 config.yaml 文件结构对应。
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Log        LogConfig        `mapstructure:"log"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Chat       ChatConfig       `mapstructure:"chat"`
	MinIO      MinIOConfig      `mapstructure:"minio"`
	Sheet      SheetConfig      `mapstructure:"sheet"`
	Kafka      KafkaConfig      `mapstructure:"kafka"`
	Submission SubmissionConfig `mapstructure:"submission"`
}

// ServerConfig 存储服务器相关的配置。
type ServerConfig struct {
	Port          string  `mapstructure:"port"`
	Mode          string  `mapstructure:"mode"`
	RatePerSecond float64 `mapstructure:"rate_per_second"`
	RateBurst     int     `mapstructure:"rate_burst"`
}

// LogConfig 存储日志相关的配置。
type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"output_path"`
}

// RedisConfig 存储 Redis 的配置。
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// ChatConfig 存储聊天平台 Web API 相关的配置。
// Mode 决定事件投递方式："http" 使用回调 webhook，"socket" 使用长连接。
type ChatConfig struct {
	BaseURL       string `mapstructure:"base_url"`
	BotToken      string `mapstructure:"bot_token"`
	AppToken      string `mapstructure:"app_token"`
	SigningSecret string `mapstructure:"signing_secret"`
	Mode          string `mapstructure:"mode"`
}

// MinIOConfig 存储 MinIO 对象存储的配置。
type MinIOConfig struct {
	Endpoint        string `mapstructure:"endpoint"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
	UseSSL          bool   `mapstructure:"use_ssl"`
	BucketName      string `mapstructure:"bucket_name"`
}

// SheetConfig 存储远端表格服务的配置。
// LogRange 是提交记录追加的目标区间，OptionRanges 把表单字段名映射到选项列区间。
type SheetConfig struct {
	BaseURL              string            `mapstructure:"base_url"`
	APIKey               string            `mapstructure:"api_key"`
	SpreadsheetID        string            `mapstructure:"spreadsheet_id"`
	LogRange             string            `mapstructure:"log_range"`
	OptionRanges         map[string]string `mapstructure:"option_ranges"`
	OptionCacheTTLMinute int               `mapstructure:"option_cache_ttl_minutes"`
}

// KafkaConfig 存储 Kafka 相关的配置。
type KafkaConfig struct {
	Brokers string `mapstructure:"brokers"`
	Topic   string `mapstructure:"topic"`
}

// SubmissionConfig 存储提交流程的产品参数。
// LegacyMode 为 true 时，不带文件的命令注册等待队列而不是打开表单。
type SubmissionConfig struct {
	LegacyMode              bool `mapstructure:"legacy_mode"`
	WaitlistTTLMinutes      int  `mapstructure:"waitlist_ttl_minutes"`
	PendingUploadTTLMinutes int  `mapstructure:"pending_upload_ttl_minutes"`
	SweepIntervalSeconds    int  `mapstructure:"sweep_interval_seconds"`
}

// Init 初始化配置加载，从指定的路径读取 YAML 文件并解析到 Conf 变量中。
func Init(configPath string) {
	viper.SetConfigFile(configPath)
	viper.SetConfigType("yaml")

	if err := viper.ReadInConfig(); err != nil {
		panic(fmt.Errorf("读取配置文件失败: %w", err))
	}

	if err := viper.Unmarshal(&Conf); err != nil {
		panic(fmt.Errorf("无法将配置解析到结构体中: %w", err))
	}

	applyDefaults(&Conf)
}

// applyDefaults 为未配置的可选项填充默认值。
func applyDefaults(c *Config) {
	if c.Server.Port == "" {
		c.Server.Port = "8080"
	}
	if c.Server.RatePerSecond == 0 {
		c.Server.RatePerSecond = 10
	}
	if c.Server.RateBurst == 0 {
		c.Server.RateBurst = 20
	}
	if c.Chat.Mode == "" {
		c.Chat.Mode = "http"
	}
	if c.Submission.WaitlistTTLMinutes == 0 {
		c.Submission.WaitlistTTLMinutes = 2
	}
	if c.Submission.PendingUploadTTLMinutes == 0 {
		c.Submission.PendingUploadTTLMinutes = 5
	}
	if c.Submission.SweepIntervalSeconds == 0 {
		c.Submission.SweepIntervalSeconds = 60
	}
	if c.Sheet.OptionCacheTTLMinute == 0 {
		c.Sheet.OptionCacheTTLMinute = 10
	}
}

// Validate 校验必需配置项是否齐全，缺失时返回列出全部缺失键名的错误。
// 进程应在启动阶段调用它并快速失败。
func (c *Config) Validate() error {
	required := []struct {
		key string
		val string
	}{
		{"chat.bot_token", c.Chat.BotToken},
		{"chat.signing_secret", c.Chat.SigningSecret},
		{"minio.endpoint", c.MinIO.Endpoint},
		{"minio.access_key_id", c.MinIO.AccessKeyID},
		{"minio.secret_access_key", c.MinIO.SecretAccessKey},
		{"minio.bucket_name", c.MinIO.BucketName},
		{"sheet.base_url", c.Sheet.BaseURL},
		{"sheet.api_key", c.Sheet.APIKey},
		{"sheet.spreadsheet_id", c.Sheet.SpreadsheetID},
		{"sheet.log_range", c.Sheet.LogRange},
		{"kafka.brokers", c.Kafka.Brokers},
		{"kafka.topic", c.Kafka.Topic},
	}

	var missing []string
	for _, item := range required {
		if item.val == "" {
			missing = append(missing, item.key)
		}
	}
	if c.Chat.Mode == "socket" && c.Chat.AppToken == "" {
		missing = append(missing, "chat.app_token")
	}

	if len(missing) > 0 {
		return fmt.Errorf("缺少必需配置项: %s", strings.Join(missing, ", "))
	}
	return nil
}
