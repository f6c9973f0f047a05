package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// ケースストアのバックエンド種別。
const (
	StorePostgres = "postgres"
	StoreMongo    = "mongo"
	StoreMemory   = "memory"
)

// defaultCacheTTL はケース一覧キャッシュの既定の有効期限。
const defaultCacheTTL = 2 * time.Second

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Logging
	LogLevel string

	// Case store
	CaseStore     string
	DatabaseURL   string
	MongoURL      string
	MongoDatabase string

	// Cache
	RedisURL string
	CacheTTL time.Duration

	// Server
	ServerPort        string
	CORSAllowedOrigin string
	IngestToken       string

	// Rate Limit (req/min)
	RateLimitGeneral int
	RateLimitClaim   int

	// Operator
	OperatorID      string
	OperatorAPIURL  string
	OperatorTenants []string
	PollInterval    time.Duration
	AlertCooldown   time.Duration
	AlertWebhookURL string
	RequestTimeout  time.Duration
	MetricsPort     string
}

// LoadDotEnv は作業ディレクトリの.envを読み込む。ファイルが無い場合は何もしない。
// 既に設定済みの環境変数は上書きしない。
func LoadDotEnv(path string) error {
	if path == "" {
		path = ".env"
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to load %s: %w", path, err)
	}
	return nil
}

// LoadServer はserve/migrateコマンド用の設定を読み込む。
// 必須環境変数が未設定の場合はエラーを返す。
func LoadServer() (*Config, error) {
	cfg := loadCommon()

	cfg.CaseStore = strings.ToLower(getEnvString("CASE_STORE", StorePostgres))
	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	cfg.MongoURL = os.Getenv("MONGO_URL")
	cfg.MongoDatabase = getEnvString("MONGO_DATABASE", "linedesk")

	var missing []string
	switch cfg.CaseStore {
	case StorePostgres:
		if cfg.DatabaseURL == "" {
			missing = append(missing, "DATABASE_URL")
		}
	case StoreMongo:
		if cfg.MongoURL == "" {
			missing = append(missing, "MONGO_URL")
		}
	case StoreMemory:
	default:
		return nil, fmt.Errorf("unsupported CASE_STORE %q (want postgres, mongo or memory)", cfg.CaseStore)
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	cfg.RedisURL = os.Getenv("REDIS_URL")
	cfg.CacheTTL = clampCacheTTL(getEnvDuration("CACHE_TTL", defaultCacheTTL), cfg.PollInterval)
	cfg.ServerPort = getEnvString("SERVER_PORT", "8080")
	cfg.CORSAllowedOrigin = getEnvString("CORS_ALLOWED_ORIGIN", "")
	cfg.IngestToken = os.Getenv("INGEST_TOKEN")
	cfg.RateLimitGeneral = getEnvInt("RATE_LIMIT_GENERAL", 120)
	cfg.RateLimitClaim = getEnvInt("RATE_LIMIT_CLAIM", 30)

	return cfg, nil
}

// LoadOperator はoperatorコマンド用の設定を読み込む。
// 必須環境変数が未設定の場合はエラーを返す。
func LoadOperator() (*Config, error) {
	cfg := loadCommon()

	var missing []string

	cfg.OperatorID = strings.TrimSpace(os.Getenv("OPERATOR_ID"))
	if cfg.OperatorID == "" {
		missing = append(missing, "OPERATOR_ID")
	}

	cfg.OperatorAPIURL = os.Getenv("OPERATOR_API_URL")
	if cfg.OperatorAPIURL == "" {
		missing = append(missing, "OPERATOR_API_URL")
	}

	cfg.OperatorTenants = splitList(os.Getenv("OPERATOR_TENANTS"))
	if len(cfg.OperatorTenants) == 0 {
		missing = append(missing, "OPERATOR_TENANTS")
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	cfg.AlertCooldown = getEnvDuration("ALERT_COOLDOWN", 5*time.Second)
	cfg.AlertWebhookURL = os.Getenv("ALERT_WEBHOOK_URL")
	cfg.RequestTimeout = getEnvDuration("REQUEST_TIMEOUT", 5*time.Second)
	cfg.MetricsPort = os.Getenv("METRICS_PORT")

	return cfg, nil
}

func loadCommon() *Config {
	return &Config{
		LogLevel:     getEnvString("LOG_LEVEL", "info"),
		PollInterval: getEnvDuration("POLL_INTERVAL", 10*time.Second),
	}
}

// clampCacheTTL はキャッシュTTLをポーリング間隔未満に収める。
// 最新状態をポーリング1回分より長く隠さないため。0以下は既定値とする。
func clampCacheTTL(ttl, poll time.Duration) time.Duration {
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	if poll > 0 && ttl >= poll {
		return poll / 2
	}
	return ttl
}

// splitList はカンマ区切りの値を空要素と重複を除いて分割する。
func splitList(v string) []string {
	var out []string
	seen := make(map[string]bool)
	for _, s := range strings.Split(v, ",") {
		s = strings.TrimSpace(s)
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}

func getEnvString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil || i <= 0 {
		return defaultVal
	}
	return i
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return defaultVal
	}
	return d
}
