package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/joho/godotenv"
)

const (
	defaultJWTSecret = "your-secret-key-change-in-production"
	DefaultPageSize  = 12
	MaxPageSize      = 100
)

// Config 应用配置结构
type Config struct {
	// 环境配置
	Environment string
	Port        string

	// 数据库配置
	UseLocalDB    bool
	LocalDataDir  string
	PostgresDSN   string
	SupabaseURL   string
	SupabaseKey   string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	AutoMigrate   bool

	// JWT配置
	JWTSecret string

	// 收藏列表分页
	PageSize int

	// 活动事件转发（可选）
	AMQPURL      string
	AMQPExchange string

	// 日志配置
	LogFormat string // "json" | "text"
	LogLevel  string
	LogFile   string

	// CORS配置
	AllowedOrigins []string

	// 调试配置
	Debug bool
}

// LoadConfig 加载配置（支持本地和Vercel环境）
func LoadConfig() *Config {
	env := os.Getenv("ENVIRONMENT")
	if env == "" {
		env = "development"
	}

	// godotenv 不会覆盖已存在的环境变量；文件不存在时静默忽略
	switch env {
	case "production":
		_ = godotenv.Load(".env.production")
	default:
		_ = godotenv.Load(".env.local")
	}

	config := &Config{
		Environment:  getEnvWithDefault("ENVIRONMENT", "development"),
		Port:         getEnvWithDefault("PORT", "3000"),
		UseLocalDB:   getEnvBool("USE_LOCAL_DB", false),
		LocalDataDir: getEnvWithDefault("LOCAL_DATA_DIR", "./data"),
		JWTSecret:    getEnvWithDefault("JWT_SECRET", defaultJWTSecret),
		PageSize:     getEnvInt("COLLECTION_PAGE_SIZE", DefaultPageSize),
		AutoMigrate:  getEnvBool("AUTO_MIGRATE", false),
		LogFormat:    getEnvWithDefault("LOG_FORMAT", "text"),
		LogLevel:     getEnvWithDefault("LOG_LEVEL", "info"),
		LogFile:      strings.TrimSpace(os.Getenv("LOG_FILE")),
		AMQPExchange: getEnvWithDefault("AMQP_EXCHANGE", "collection.activity"),
		Debug:        getEnvBool("DEBUG", false),
	}

	// Trim whitespace to avoid trailing spaces/newlines from env sources
	config.PostgresDSN = strings.TrimSpace(os.Getenv("POSTGRES_DSN"))
	config.SupabaseURL = strings.TrimSpace(os.Getenv("SUPABASE_URL"))
	config.SupabaseKey = strings.TrimSpace(os.Getenv("SUPABASE_SERVICE_KEY"))
	config.RedisAddr = strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	config.RedisPassword = os.Getenv("REDIS_PASSWORD")
	config.RedisDB = getEnvInt("REDIS_DB", 0)
	config.AMQPURL = strings.TrimSpace(os.Getenv("AMQP_URL"))

	allowedOrigins := getEnvWithDefault("ALLOWED_ORIGINS", "*")
	if allowedOrigins == "*" {
		config.AllowedOrigins = []string{"*"}
	} else {
		for _, origin := range strings.Split(allowedOrigins, ",") {
			if origin = strings.TrimSpace(origin); origin != "" {
				config.AllowedOrigins = append(config.AllowedOrigins, origin)
			}
		}
	}

	if config.Environment == "production" {
		// 生产环境关闭调试，日志统一为JSON
		config.Debug = false
		config.LogFormat = "json"
	}

	// 没有配置任何外部存储时回退到本地文件存储
	if !config.HasExternalStore() {
		config.UseLocalDB = true
	}

	return config
}

// Cached config (initialized once per cold start)
var (
	cachedConfig *Config
	configOnce   sync.Once
)

// GetCached returns the process-wide cached Config.
// On serverless (Vercel), it initializes once per cold start and
// reuses it across warm invocations, avoiding per-request parsing.
func GetCached() *Config {
	configOnce.Do(func() {
		cachedConfig = LoadConfig()
	})
	return cachedConfig
}

// Validate 验证配置
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT is required")
	}

	if c.JWTSecret == "" || c.JWTSecret == defaultJWTSecret {
		if c.IsProduction() {
			return fmt.Errorf("JWT_SECRET must be set in production")
		}
	}

	if c.PageSize < 1 || c.PageSize > MaxPageSize {
		return fmt.Errorf("COLLECTION_PAGE_SIZE must be between 1 and %d, got %d", MaxPageSize, c.PageSize)
	}

	if c.SupabaseURL != "" && c.SupabaseKey == "" {
		return fmt.Errorf("SUPABASE_SERVICE_KEY is required when SUPABASE_URL is set")
	}

	if c.IsProduction() && !c.HasExternalStore() {
		return fmt.Errorf("存储配置不完整：生产环境请配置 POSTGRES_DSN、SUPABASE_URL+SUPABASE_SERVICE_KEY 或 REDIS_ADDR")
	}

	return nil
}

// HasExternalStore reports whether Postgres, Supabase or Redis is configured.
func (c *Config) HasExternalStore() bool {
	return c.PostgresDSN != "" || (c.SupabaseURL != "" && c.SupabaseKey != "") || c.RedisAddr != ""
}

// IsProduction 检查是否为生产环境
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

// IsDevelopment 检查是否为开发环境
func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}

// getEnvWithDefault 获取环境变量，如果不存在则使用默认值
func getEnvWithDefault(key, defaultValue string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return defaultValue
}

// getEnvBool 获取布尔类型的环境变量
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(strings.TrimSpace(value)); err == nil {
			return parsed
		}
	}
	return defaultValue
}

// getEnvInt 获取整数类型的环境变量
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(strings.TrimSpace(value)); err == nil {
			return parsed
		}
	}
	return defaultValue
}
