package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Database
	DatabaseURL       string
	DBMaxOpenConns    int `validate:"gte=0"`
	DBMaxIdleConns    int `validate:"gte=0"`
	DBConnMaxLifetime time.Duration
	DBConnectAttempts int `validate:"gte=1"`

	// OAuth
	GoogleClientID     string
	GoogleClientSecret string
	GoogleRedirectURL  string
	UserinfoURL        string

	// Session
	SessionSecret string
	SessionMaxAge int `validate:"gt=0"`

	// Mirror
	MirrorBaseURL  string        `validate:"url"`
	MirrorBatchURL string        `validate:"url"`
	MirrorTimeout  time.Duration `validate:"gt=0"`

	// Notification
	NotifyMaxLines     int           `validate:"gt=0"`
	LocationTTL        time.Duration `validate:"gt=0"`
	ArrivalRadiusMiles float64       `validate:"gt=0"`
	ContactName        string
	DrillImageURL      string

	// Image fetch
	ImageFetchTimeout time.Duration
	ImageFetchMaxSize int64 `validate:"gt=0"`

	// Command
	BroadcastMaxUsers int `validate:"gt=0"`
	DemoHostname      string

	// Rate Limit
	RateLimitGeneral int `validate:"gte=0"`
	RateLimitNotify  int `validate:"gte=0"`

	// Audit
	AuditRetentionDays int `validate:"gt=0"`

	// Server
	ServerPort string
	BaseURL    string `validate:"url"`

	// Cookie
	CookieSecure bool
	CookieDomain string

	// CORS
	CORSAllowedOrigin string
}

// Load は環境変数からConfigを読み込む。
// 必須環境変数が未設定の場合、または値が許容範囲外の場合はエラーを返す。
func Load() (*Config, error) {
	cfg := &Config{}

	required := []struct {
		key string
		dst *string
	}{
		{"DATABASE_URL", &cfg.DatabaseURL},
		{"GOOGLE_CLIENT_ID", &cfg.GoogleClientID},
		{"GOOGLE_CLIENT_SECRET", &cfg.GoogleClientSecret},
		{"GOOGLE_REDIRECT_URL", &cfg.GoogleRedirectURL},
		{"SESSION_SECRET", &cfg.SessionSecret},
		{"BASE_URL", &cfg.BaseURL},
	}
	var missing []string
	for _, r := range required {
		*r.dst = os.Getenv(r.key)
		if *r.dst == "" {
			missing = append(missing, r.key)
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %s", strings.Join(missing, ", "))
	}

	// Optional fields with defaults
	cfg.DBMaxOpenConns = getEnvInt("DB_MAX_OPEN_CONNS", 10)
	cfg.DBMaxIdleConns = getEnvInt("DB_MAX_IDLE_CONNS", 5)
	cfg.DBConnMaxLifetime = getEnvDuration("DB_CONN_MAX_LIFETIME", 30*time.Minute)
	cfg.DBConnectAttempts = getEnvInt("DB_CONNECT_ATTEMPTS", 5)
	cfg.UserinfoURL = getEnvString("USERINFO_URL", "https://www.googleapis.com/oauth2/v2/userinfo")
	cfg.SessionMaxAge = getEnvInt("SESSION_MAX_AGE", 86400)
	cfg.MirrorBaseURL = strings.TrimRight(getEnvString("MIRROR_BASE_URL", "https://www.googleapis.com/mirror/v1"), "/")
	cfg.MirrorBatchURL = getEnvString("MIRROR_BATCH_URL", "https://www.googleapis.com/batch/mirror/v1")
	cfg.MirrorTimeout = getEnvDuration("MIRROR_TIMEOUT", 15*time.Second)
	cfg.NotifyMaxLines = getEnvInt("NOTIFY_MAX_LINES", 1000)
	cfg.LocationTTL = getEnvDuration("LOCATION_TTL", 15*time.Minute)
	cfg.ArrivalRadiusMiles = getEnvFloat("ARRIVAL_RADIUS_MILES", 0.1)
	cfg.ContactName = getEnvString("CONTACT_NAME", "Randy Glass Test")
	cfg.DrillImageURL = getEnvString("DRILL_IMAGE_URL", "http://nazret.com/blog/media/blogs/new/oil_drill2042909.jpg")
	cfg.ImageFetchTimeout = getEnvDuration("IMAGE_FETCH_TIMEOUT", 10*time.Second)
	cfg.ImageFetchMaxSize = getEnvInt64("IMAGE_FETCH_MAX_SIZE", 5242880)
	cfg.BroadcastMaxUsers = getEnvInt("BROADCAST_MAX_USERS", 10)
	cfg.DemoHostname = getEnvString("DEMO_HOSTNAME", "glass-java-starter-demo.appspot.com")
	cfg.RateLimitGeneral = getEnvInt("RATE_LIMIT_GENERAL", 120)
	cfg.RateLimitNotify = getEnvInt("RATE_LIMIT_NOTIFY", 600)
	cfg.AuditRetentionDays = getEnvInt("AUDIT_RETENTION_DAYS", 180)
	cfg.ServerPort = getEnvString("SERVER_PORT", "8080")
	cfg.CookieSecure = strings.HasPrefix(cfg.BaseURL, "https://")
	cfg.CookieDomain = getEnvString("COOKIE_DOMAIN", "")
	cfg.CORSAllowedOrigin = getEnvString("CORS_ALLOWED_ORIGIN", "http://localhost:3000")

	if err := validate.Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", describeValidation(err))
	}

	return cfg, nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// describeValidation はバリデーションエラーを「フィールド名(タグ)」の一覧にまとめる。
func describeValidation(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	fields := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		fields = append(fields, fmt.Sprintf("%s(%s)", fe.Field(), fe.Tag()))
	}
	return fmt.Errorf("out of range: %s", strings.Join(fields, ", "))
}

// NotifyCallbackURL は購読登録時に通知先として使うURLを返す。
func (c *Config) NotifyCallbackURL() string {
	return strings.TrimRight(c.BaseURL, "/") + "/notify"
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
	if err != nil {
		return defaultVal
	}
	return i
}

func getEnvInt64(key string, defaultVal int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
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
	if err != nil {
		return defaultVal
	}
	return d
}

func getEnvFloat(key string, defaultVal float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return defaultVal
	}
	return f
}
