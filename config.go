package flowstudio

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"gorm.io/gorm/schema"

	"log"
	"os"
	"time"

	"github.com/joho/godotenv"
)

type AppConfig struct {
	Mode         string
	ApiPort      string
	RealtimePort string
	MainDatabase struct {
		Host         string
		Port         string
		User         string
		Password     string
		DatabaseName string
		SSLMode      string
	}
	JWTConfig struct {
		Secret     string
		Expiration int // in minutes
	}
	RedisConfig struct {
		Host     string
		Port     string
		Password string
		DB       int
		// Run lock TTL, refreshed while the run is active
		LockTTLSeconds int
	}
	NatsConfig struct {
		URL      string
		TenantID string
	}
	SmtpConfig struct {
		Host      string
		Port      int
		Username  string
		Password  string
		From      string
		UseTLS    bool
		NotifyTo  []string
		OnSuccess bool
	}
	EngineConfig struct {
		NodeTimeoutSeconds int
		MaxRetries         int
		RetryBaseDelayMs   int
		RetryMaxDelayMs    int
		MaxParallelNodes   int
		RetainRuns         int
	}
	ChannelConfig struct {
		MaxMessagesPerSecond int
		BurstSize            int
		SendBufferSize       int
		HeartbeatSeconds     int
	}
}

var config AppConfig

// InitConfig loads envfile and connects the shared Logger, DB and Redis.
// DB and Redis stay nil when DB_HOSTNAME / REDIS_HOST are unset; callers
// then fall back to in-memory storage and in-process run exclusion.
func InitConfig(envfile string) {
	if err := godotenv.Load(envfile); err != nil && !os.IsNotExist(err) {
		log.Fatal(fmt.Sprintf("Error loading %s file: %s", envfile, err))
	}
	config = AppConfig{
		Mode:         GetEnv("RUN_MODE", "dev"),
		ApiPort:      GetEnv("API_PORT", ":8080"),
		RealtimePort: GetEnv("REALTIME_PORT", ":8081"),
	}
	config.MainDatabase.Host = GetEnv("DB_HOSTNAME", "")
	if config.MainDatabase.Host != "" {
		config.MainDatabase.Port = getEnvOrPanic("DB_PORT")
		config.MainDatabase.User = getEnvOrPanic("DB_USERNAME")
		config.MainDatabase.Password = getEnvOrPanic("DB_PASSWORD")
		config.MainDatabase.DatabaseName = getEnvOrPanic("DB_NAME")
		config.MainDatabase.SSLMode = GetEnv("DB_SSL_MODE", "disable")
	}

	config.JWTConfig.Secret = getEnvOrPanic("JWT_SECRET")
	config.JWTConfig.Expiration = getIntEnvOrDefault("JWT_EXPIRATION_MINUTES", 60)

	config.RedisConfig.Host = GetEnv("REDIS_HOST", "")
	config.RedisConfig.Port = GetEnv("REDIS_PORT", "6379")
	config.RedisConfig.Password = GetEnv("REDIS_PASSWORD", "")
	config.RedisConfig.DB = getIntEnvOrDefault("REDIS_DB", 0)
	config.RedisConfig.LockTTLSeconds = getIntEnvOrDefault("REDIS_LOCK_TTL_SECONDS", 30)

	config.NatsConfig.URL = GetEnv("NATS_URL", "")
	config.NatsConfig.TenantID = GetEnv("TENANT_ID", "default")

	config.SmtpConfig.Host = GetEnv("SMTP_HOST", "")
	config.SmtpConfig.Port = getIntEnvOrDefault("SMTP_PORT", 587)
	config.SmtpConfig.Username = GetEnv("SMTP_USERNAME", "")
	config.SmtpConfig.Password = GetEnv("SMTP_PASSWORD", "")
	config.SmtpConfig.From = GetEnv("SMTP_FROM", "")
	config.SmtpConfig.UseTLS = GetEnv("SMTP_USE_TLS", "false") == "true"
	config.SmtpConfig.NotifyTo = splitList(GetEnv("SMTP_NOTIFY_TO", ""))
	config.SmtpConfig.OnSuccess = GetEnv("SMTP_NOTIFY_ON_SUCCESS", "false") == "true"

	config.EngineConfig.NodeTimeoutSeconds = getIntEnvOrDefault("ENGINE_NODE_TIMEOUT_SECONDS", 60)
	config.EngineConfig.MaxRetries = getIntEnvOrDefault("ENGINE_MAX_RETRIES", 0)
	config.EngineConfig.RetryBaseDelayMs = getIntEnvOrDefault("ENGINE_RETRY_BASE_DELAY_MS", 200)
	config.EngineConfig.RetryMaxDelayMs = getIntEnvOrDefault("ENGINE_RETRY_MAX_DELAY_MS", 5000)
	config.EngineConfig.MaxParallelNodes = getIntEnvOrDefault("ENGINE_MAX_PARALLEL_NODES", 0)
	config.EngineConfig.RetainRuns = getIntEnvOrDefault("ENGINE_RETAIN_RUNS", 500)

	config.ChannelConfig.MaxMessagesPerSecond = getIntEnvOrDefault("WS_MAX_MESSAGES_PER_SECOND", 30)
	config.ChannelConfig.BurstSize = getIntEnvOrDefault("WS_BURST_SIZE", 10)
	config.ChannelConfig.SendBufferSize = getIntEnvOrDefault("WS_SEND_BUFFER", 256)
	config.ChannelConfig.HeartbeatSeconds = getIntEnvOrDefault("WS_HEARTBEAT_SECONDS", 30)

	Logger = NewConsoleLogger()
	if config.MainDatabase.Host != "" {
		DB = connectToPostgres(config.MainDatabase.Host, config.MainDatabase.User, config.MainDatabase.Password, config.MainDatabase.DatabaseName, config.MainDatabase.Port, config.MainDatabase.SSLMode)
	} else {
		Logger.Warn().Msg("DB_HOSTNAME not set, runs are kept in memory")
	}
	if config.RedisConfig.Host != "" {
		Redis = connectToRedis(config.RedisConfig.Host, config.RedisConfig.Port, config.RedisConfig.Password, config.RedisConfig.DB)
	}
}

func GetConfig() AppConfig {
	return config
}

func getEnvOrPanic(key string) string {
	value := os.Getenv(key)
	if value == "" {
		log.Fatalf("%s must be set", key)
	}
	return value
}

func GetEnv(key string, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

func getIntEnvOrDefault(key string, defaultValue int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return defaultValue
	}
	return value
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func connectToPostgres(host string, username string, password string, dbname string, port string, ssl string) *gorm.DB {
	var err error
	var db *gorm.DB
	var conn *sql.DB

	dsn := fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%s sslmode=%s",
		host, username, password, dbname, port, ssl)
	if db, err = gorm.Open(postgres.Open(dsn),
		&gorm.Config{
			Logger: logger.New(
				log.New(os.Stdout, "\r\n", log.LstdFlags),
				logger.Config{
					SlowThreshold: 0,
					LogLevel:      logger.Error,
				},
			),
			TranslateError: true,
			NamingStrategy: schema.NamingStrategy{
				SingularTable: true,
			}}); err != nil {
		panic(err)
	}
	if conn, err = db.DB(); err != nil {
		panic(err)
	}
	conn.SetMaxIdleConns(10)
	conn.SetMaxOpenConns(10)
	conn.SetConnMaxLifetime(time.Hour)
	return db
}

// NewConsoleLogger is the human readable logger shared by every binary.
func NewConsoleLogger() zerolog.Logger {
	output := zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: "15:04:05",
		NoColor:    false,
		FormatLevel: func(i interface{}) string {
			return strings.ToUpper(fmt.Sprintf("| %-6s|", i))
		},
		FormatMessage: func(i interface{}) string {
			return fmt.Sprintf("  %s  ", i)
		},
		FormatFieldName: func(i interface{}) string {
			return fmt.Sprintf("%s=", i)
		},
		FormatFieldValue: func(i interface{}) string {
			return fmt.Sprintf("%s", i)
		},
	}

	return zerolog.New(output).With().Timestamp().Caller().Logger()
}

func connectToRedis(host string, port string, password string, db int) *redis.Client {
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%s", host, port),
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		panic(fmt.Sprintf("Failed to connect to Redis: %v", err))
	}

	return client
}
