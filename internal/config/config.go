// Package config loads the server configuration from the environment.
//
// LOADING ORDER:
//  1. ENV_FILE (default ".env") is read with godotenv when it exists. Values
//     already present in the process environment win.
//  2. go-envconfig fills Config from the environment using the struct tags.
//  3. Validate rejects combinations the server cannot run with.
//
// Nothing here is global: main builds one Config and passes the pieces into
// constructors.
package config

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/sethvargo/go-envconfig"
)

// Session lifetime bounds.
const (
	MinSessionTTL = time.Hour
	MaxSessionTTL = 7 * 24 * time.Hour
)

// SMTPConfig configures outgoing mail. An empty Host selects the log-only
// dispatcher.
type SMTPConfig struct {
	Host     string `env:"HOST"`
	Port     int    `env:"PORT, default=587"`
	Username string `env:"USERNAME"`
	Password string `env:"PASSWORD"`
	From     string `env:"FROM"`
}

// S3Config configures logo object storage. An empty Bucket keeps inline
// logos in the database.
type S3Config struct {
	Bucket          string `env:"BUCKET"`
	Region          string `env:"REGION, default=auto"`
	Endpoint        string `env:"ENDPOINT"`
	AccessKeyID     string `env:"ACCESS_KEY_ID"`
	SecretAccessKey string `env:"SECRET_ACCESS_KEY"`
	PublicBaseURL   string `env:"PUBLIC_BASE_URL"`
}

// Config holds everything the server reads at startup.
type Config struct {
	Port        int    `env:"PORT, default=8080"`
	DatabaseURL string `env:"DATABASE_URL, default=sqlite://data/catalog.db"`

	JWTSecret       string        `env:"JWT_SECRET, required"`
	SessionTTL      time.Duration `env:"SESSION_TTL, default=24h"`
	VerificationTTL time.Duration `env:"VERIFICATION_TTL, default=15m"`
	BcryptCost      int           `env:"BCRYPT_COST, default=12"`
	CookieSecure    bool          `env:"COOKIE_SECURE, default=false"`

	SiteName         string `env:"SITE_NAME, default=Bot Catalog"`
	PublicBaseURL    string `env:"PUBLIC_BASE_URL, default=http://localhost:8080"`
	VerifySuccessURL string `env:"VERIFY_SUCCESS_URL"`
	AdminUsername    string `env:"ADMIN_USERNAME"`

	CORSAllowedOrigins []string `env:"CORS_ALLOWED_ORIGINS, default=http://localhost:5173"`

	LogFormat string `env:"LOG_FORMAT, default=text"`
	LogLevel  string `env:"LOG_LEVEL, default=info"`

	SMTP SMTPConfig `env:", prefix=SMTP_"`
	S3   S3Config   `env:", prefix=S3_"`
}

// Load reads the optional env file, then the environment, then validates.
func Load(ctx context.Context) (Config, error) {
	envFile := os.Getenv("ENV_FILE")
	if envFile == "" {
		envFile = ".env"
	}
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("config: reading %s: %w", envFile, err)
	}

	var cfg Config
	if err := envconfig.Process(ctx, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: parsing env vars: %w", err)
	}
	cfg.PublicBaseURL = strings.TrimRight(cfg.PublicBaseURL, "/")

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports the first setting the server cannot start with.
func (c Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("config: PORT %d out of range", c.Port)
	}
	if len(c.JWTSecret) < 16 {
		return errors.New("config: JWT_SECRET must be at least 16 characters")
	}
	if c.SessionTTL < MinSessionTTL || c.SessionTTL > MaxSessionTTL {
		return fmt.Errorf("config: SESSION_TTL must be between %s and %s", MinSessionTTL, MaxSessionTTL)
	}
	if c.VerificationTTL <= 0 {
		return errors.New("config: VERIFICATION_TTL must be positive")
	}
	if u, err := url.Parse(c.PublicBaseURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("config: PUBLIC_BASE_URL %q is not an absolute http(s) URL", c.PublicBaseURL)
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("config: LOG_FORMAT must be text or json, got %q", c.LogFormat)
	}
	if c.SMTP.Host != "" && c.SMTP.From == "" {
		return errors.New("config: SMTP_FROM is required when SMTP_HOST is set")
	}
	if c.S3.Bucket != "" {
		if c.S3.PublicBaseURL == "" {
			return errors.New("config: S3_PUBLIC_BASE_URL is required when S3_BUCKET is set")
		}
		if (c.S3.AccessKeyID == "") != (c.S3.SecretAccessKey == "") {
			return errors.New("config: S3_ACCESS_KEY_ID and S3_SECRET_ACCESS_KEY must be set together")
		}
	}
	return nil
}
