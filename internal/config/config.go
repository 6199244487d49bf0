package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// ServerConfig 定义 Webhook HTTP 服务器的监听配置参数
type ServerConfig struct {
	Host string // 监听地址，默认 "0.0.0.0"
	Port int    // 监听端口，默认 8080
}

// QueueConfig 定义通知队列消费者的配置
type QueueConfig struct {
	URL               string        // 队列 URL，必填
	Region            string        // 队列所在区域
	AllowedTopic      string        // 允许的通知主题 ARN，其余主题一律拒绝
	BatchSize         int           // 单次长轮询最多拉取的消息数，1..10
	WaitSeconds       int           // 长轮询等待秒数
	VisibilitySeconds int           // 可见性租约秒数
	DeleteFailed      bool          // 永久失败时是否直接删除消息（否则留给死信队列）
	MaxRuntime        time.Duration // 可选的最大运行时长，0 表示不限制
	HealthcheckPath   string        // 健康状态文档写入路径
}

// MailConfig 定义邮件转发相关配置
type MailConfig struct {
	Domain           string   // 中继域名，如 relay.example
	FromAddress      string   // 转发邮件的信封发件地址
	CertHostSuffix   string   // 签名证书 URL 允许的主机后缀
	BlobBucket       string   // 事件未带桶名时的默认对象存储桶
	MailerBackend    string   // 出站后端: "ses" 或 "smtp"
	SMTPAddr         string   // MailerBackend=smtp 时的中继主机地址
	MaxFreeAliases   int      // 免费档别名配额，开通侧据此返回 free_tier_limit
	AllowedCountries []string // 真实号码允许的国家代码
}

// PhoneConfig 定义电话中继相关配置
type PhoneConfig struct {
	AuthToken    string        // 供应商签名共享密钥，Webhook 验签与 API 认证共用
	AccountSID   string        // 供应商账户标识
	APIBaseURL   string        // 供应商 REST API 基地址
	MaxVerifyAge time.Duration // 验证码有效窗口，默认 5 分钟
	SendLimit    int           // 单号码验证码发送频次上限（每窗口）
}

// LogConfig 定义日志系统配置
type LogConfig struct {
	Level       string // 日志级别: debug, info, warn, error
	Development bool   // 开发模式: 彩色输出与详细堆栈
	File        string // 可选的日志文件路径，空则仅输出到 stdout
}

// DatabaseConfig 定义数据库连接配置（支持 MySQL 和 PostgreSQL）
type DatabaseConfig struct {
	Type            string        // "mysql" 或 "postgres"，空则使用内存存储
	DSN             string        // 数据库连接串
	MaxOpenConns    int           // 最大打开连接数，默认 25
	MaxIdleConns    int           // 最大空闲连接数，默认 5
	ConnMaxLifetime time.Duration // 连接最大生命周期，默认 5 分钟
}

// RedisConfig 定义 Redis 服务配置
type RedisConfig struct {
	Address  string // Redis 地址，默认 "localhost:6379"
	Password string // 认证密码，留空表示无密码
	DB       int    // 数据库编号，默认 0
}

// Config 是系统核心配置的根结构体，包含所有子系统的配置
type Config struct {
	Server   ServerConfig
	Queue    QueueConfig
	Mail     MailConfig
	Phone    PhoneConfig
	Log      LogConfig
	Database DatabaseConfig
	Redis    RedisConfig
}

// Load 从环境变量和 .env 文件加载系统配置
//
// 配置加载优先级（从高到低）：
//  1. 系统环境变量
//  2. .env 文件（如果存在）
//  3. 默认值
//
// 环境变量前缀: RELAY_
// 例如: RELAY_QUEUE_URL, RELAY_PHONE_AUTH_TOKEN
func Load() (*Config, error) {
	loadEnvFile()

	viper.SetEnvPrefix("relay")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	viper.SetDefault("server.host", "0.0.0.0")
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("queue.url", "")
	viper.SetDefault("queue.region", "us-east-1")
	viper.SetDefault("queue.allowed_topic", "")
	viper.SetDefault("queue.batch_size", 10)
	viper.SetDefault("queue.wait_seconds", 5)
	viper.SetDefault("queue.visibility_seconds", 120)
	viper.SetDefault("queue.delete_failed", false)
	viper.SetDefault("queue.max_runtime", "0s")
	viper.SetDefault("queue.healthcheck_path", "/tmp/relay-healthcheck.json")
	viper.SetDefault("mail.domain", "relay.example")
	viper.SetDefault("mail.from_address", "")
	viper.SetDefault("mail.cert_host_suffix", ".amazonaws.com")
	viper.SetDefault("mail.blob_bucket", "")
	viper.SetDefault("mail.mailer_backend", "ses")
	viper.SetDefault("mail.smtp_addr", "")
	viper.SetDefault("mail.max_free_aliases", 5)
	viper.SetDefault("mail.allowed_countries", "US,CA")
	viper.SetDefault("phone.auth_token", "")
	viper.SetDefault("phone.account_sid", "")
	viper.SetDefault("phone.api_base_url", "https://api.twilio.com/2010-04-01")
	viper.SetDefault("phone.max_verify_age", "5m")
	viper.SetDefault("phone.send_limit", 5)
	viper.SetDefault("log.level", "info")
	viper.SetDefault("log.development", false)
	viper.SetDefault("log.file", "")
	viper.SetDefault("database.type", "") // 默认为空，使用内存存储
	viper.SetDefault("database.dsn", "")
	viper.SetDefault("database.max_open_conns", 25)
	viper.SetDefault("database.max_idle_conns", 5)
	viper.SetDefault("database.conn_max_lifetime", "5m")
	viper.SetDefault("redis.address", "localhost:6379")
	viper.SetDefault("redis.password", "")
	viper.SetDefault("redis.db", 0)

	batchSize := viper.GetInt("queue.batch_size")
	if batchSize < 1 || batchSize > 10 {
		return nil, fmt.Errorf("queue.batch_size must be in 1..10, got %d", batchSize)
	}

	maxRuntime, err := time.ParseDuration(viper.GetString("queue.max_runtime"))
	if err != nil {
		return nil, fmt.Errorf("invalid queue.max_runtime: %w", err)
	}

	maxVerifyAge, err := time.ParseDuration(viper.GetString("phone.max_verify_age"))
	if err != nil {
		return nil, fmt.Errorf("invalid phone.max_verify_age: %w", err)
	}

	connMaxLifetime, err := time.ParseDuration(viper.GetString("database.conn_max_lifetime"))
	if err != nil {
		connMaxLifetime = 5 * time.Minute
	}

	countries := parseUpperList(viper.GetString("mail.allowed_countries"))
	if len(countries) == 0 {
		return nil, fmt.Errorf("mail.allowed_countries must not be empty")
	}

	certSuffix := viper.GetString("mail.cert_host_suffix")
	if certSuffix == "" {
		return nil, fmt.Errorf("mail.cert_host_suffix must not be empty")
	}

	cfg := &Config{
		Server: ServerConfig{
			Host: viper.GetString("server.host"),
			Port: viper.GetInt("server.port"),
		},
		Queue: QueueConfig{
			URL:               viper.GetString("queue.url"),
			Region:            viper.GetString("queue.region"),
			AllowedTopic:      viper.GetString("queue.allowed_topic"),
			BatchSize:         batchSize,
			WaitSeconds:       viper.GetInt("queue.wait_seconds"),
			VisibilitySeconds: viper.GetInt("queue.visibility_seconds"),
			DeleteFailed:      viper.GetBool("queue.delete_failed"),
			MaxRuntime:        maxRuntime,
			HealthcheckPath:   viper.GetString("queue.healthcheck_path"),
		},
		Mail: MailConfig{
			Domain:           strings.ToLower(viper.GetString("mail.domain")),
			FromAddress:      viper.GetString("mail.from_address"),
			CertHostSuffix:   certSuffix,
			BlobBucket:       viper.GetString("mail.blob_bucket"),
			MailerBackend:    viper.GetString("mail.mailer_backend"),
			SMTPAddr:         viper.GetString("mail.smtp_addr"),
			MaxFreeAliases:   viper.GetInt("mail.max_free_aliases"),
			AllowedCountries: countries,
		},
		Phone: PhoneConfig{
			AuthToken:    viper.GetString("phone.auth_token"),
			AccountSID:   viper.GetString("phone.account_sid"),
			APIBaseURL:   viper.GetString("phone.api_base_url"),
			MaxVerifyAge: maxVerifyAge,
			SendLimit:    viper.GetInt("phone.send_limit"),
		},
		Log: LogConfig{
			Level:       viper.GetString("log.level"),
			Development: viper.GetBool("log.development"),
			File:        viper.GetString("log.file"),
		},
		Database: DatabaseConfig{
			Type:            viper.GetString("database.type"),
			DSN:             viper.GetString("database.dsn"),
			MaxOpenConns:    viper.GetInt("database.max_open_conns"),
			MaxIdleConns:    viper.GetInt("database.max_idle_conns"),
			ConnMaxLifetime: connMaxLifetime,
		},
		Redis: RedisConfig{
			Address:  viper.GetString("redis.address"),
			Password: viper.GetString("redis.password"),
			DB:       viper.GetInt("redis.db"),
		},
	}

	return cfg, nil
}

// parseUpperList 将逗号分隔的字符串解析为大写字符串切片
func parseUpperList(value string) []string {
	parts := strings.Split(value, ",")
	items := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			items = append(items, strings.ToUpper(trimmed))
		}
	}
	return items
}

// loadEnvFile 尝试加载 .env 文件
//
// 注意：
//   - 如果文件不存在，静默失败（.env 是可选的）
//   - 已存在的环境变量优先级更高，不会被覆盖
func loadEnvFile() {
	if err := godotenv.Load(".env"); err == nil {
		return
	}

	parentEnv := filepath.Join("..", ".env")
	if _, err := os.Stat(parentEnv); err == nil {
		_ = godotenv.Load(parentEnv)
	}
}
