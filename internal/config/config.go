// Package config handles application configuration from environment variables.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Email provider names accepted by EMAIL_PROVIDER.
const (
	ProviderResend = "resend"
	ProviderGmail  = "gmail"
	ProviderMock   = "mock"
)

// Config holds the application configuration.
type Config struct {
	ChannelID    string
	DatabasePath string
	DatabaseURL  string
	LogLevel     string
	Port         int
	SiteURL      string
	Version      string
	CronSecret   string
	TestEmail    string
	RedisURL     string
	DailyQuota   int

	Email    EmailConfig
	Dispatch DispatchConfig
	Schedule ScheduleConfig
	Telegram TelegramConfig
	Stripe   StripeConfig
}

// EmailConfig selects and configures the delivery provider.
type EmailConfig struct {
	Provider         string
	ResendAPIKey     string
	GmailCredentials string
	From             string
	NewsletterFrom   string
}

// DispatchConfig controls batching and retries.
type DispatchConfig struct {
	BatchSize      int
	BatchDelay     time.Duration
	MaxRetries     int
	RetryBaseDelay time.Duration
	RetryJitter    time.Duration
}

// ScheduleConfig controls the recurring run and shutdown.
type ScheduleConfig struct {
	Interval        time.Duration
	RunOnStart      bool
	ClaimLease      time.Duration
	ShutdownTimeout time.Duration
}

// TelegramConfig enables operator alerts when both fields are set.
type TelegramConfig struct {
	BotToken string
	ChatID   int64
}

// Enabled reports whether alerts can be delivered.
func (t TelegramConfig) Enabled() bool {
	return t.BotToken != "" && t.ChatID != 0
}

// StripeConfig holds donation webhook credentials.
type StripeConfig struct {
	SecretKey     string
	WebhookSecret string
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	v := viper.New()
	v.AutomaticEnv()
	setDefaults(v)

	cfg := &Config{
		ChannelID:    v.GetString("YOUTUBE_CHANNEL_ID"),
		DatabasePath: v.GetString("DATABASE_PATH"),
		DatabaseURL:  v.GetString("DATABASE_URL"),
		LogLevel:     strings.ToLower(v.GetString("LOG_LEVEL")),
		Port:         v.GetInt("PORT"),
		SiteURL:      strings.TrimRight(v.GetString("SITE_URL"), "/"),
		Version:      v.GetString("VERSION"),
		CronSecret:   v.GetString("CRON_SECRET"),
		TestEmail:    strings.TrimSpace(v.GetString("TEST_EMAIL")),
		RedisURL:     v.GetString("REDIS_URL"),
		DailyQuota:   v.GetInt("DAILY_EMAIL_LIMIT"),
		Email: EmailConfig{
			Provider:         strings.ToLower(v.GetString("EMAIL_PROVIDER")),
			ResendAPIKey:     v.GetString("RESEND_API_KEY"),
			GmailCredentials: v.GetString("GMAIL_CREDENTIALS_JSON"),
			From:             v.GetString("EMAIL_FROM"),
			NewsletterFrom:   v.GetString("NEWSLETTER_FROM"),
		},
		Dispatch: DispatchConfig{
			BatchSize:      v.GetInt("BATCH_SIZE"),
			BatchDelay:     v.GetDuration("BATCH_DELAY"),
			MaxRetries:     v.GetInt("MAX_RETRIES"),
			RetryBaseDelay: v.GetDuration("RETRY_BASE_DELAY"),
			RetryJitter:    v.GetDuration("RETRY_JITTER"),
		},
		Schedule: ScheduleConfig{
			Interval:        v.GetDuration("SCHEDULE_INTERVAL"),
			RunOnStart:      v.GetBool("RUN_ON_START"),
			ClaimLease:      v.GetDuration("CLAIM_LEASE"),
			ShutdownTimeout: v.GetDuration("SHUTDOWN_TIMEOUT"),
		},
		Telegram: TelegramConfig{
			BotToken: v.GetString("TELEGRAM_BOT_TOKEN"),
			ChatID:   v.GetInt64("TELEGRAM_ALERT_CHAT_ID"),
		},
		Stripe: StripeConfig{
			SecretKey:     v.GetString("STRIPE_SECRET_KEY"),
			WebhookSecret: v.GetString("STRIPE_WEBHOOK_SECRET"),
		},
	}

	if cfg.Email.Provider == "" {
		cfg.Email.Provider = ProviderMock
		if cfg.Email.ResendAPIKey != "" {
			cfg.Email.Provider = ProviderResend
		}
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("YOUTUBE_CHANNEL_ID", "UC_mYaQAE6-71rjSN6CeCA-g")
	v.SetDefault("DATABASE_PATH", "./data/growth-hub.db")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("PORT", 10000)
	v.SetDefault("SITE_URL", "http://localhost:3000")
	v.SetDefault("VERSION", "dev")
	v.SetDefault("EMAIL_FROM", "Growth Hub <onboarding@resend.dev>")
	v.SetDefault("NEWSLETTER_FROM", "Growth Hub <newsletter@shaunpaw.org>")
	v.SetDefault("DAILY_EMAIL_LIMIT", 0)

	v.SetDefault("BATCH_SIZE", 50)
	v.SetDefault("BATCH_DELAY", time.Second)
	v.SetDefault("MAX_RETRIES", 3)
	v.SetDefault("RETRY_BASE_DELAY", time.Second)
	v.SetDefault("RETRY_JITTER", time.Duration(0))

	v.SetDefault("SCHEDULE_INTERVAL", time.Hour)
	v.SetDefault("RUN_ON_START", true)
	v.SetDefault("CLAIM_LEASE", 30*time.Minute)
	v.SetDefault("SHUTDOWN_TIMEOUT", 30*time.Second)
}

func (c *Config) validate() error {
	if c.CronSecret == "" {
		return fmt.Errorf("CRON_SECRET is required")
	}
	if c.Dispatch.BatchSize < 1 || c.Dispatch.BatchSize > 100 {
		return fmt.Errorf("BATCH_SIZE must be between 1 and 100, got %d", c.Dispatch.BatchSize)
	}
	if c.Dispatch.MaxRetries < 1 {
		return fmt.Errorf("MAX_RETRIES must be at least 1, got %d", c.Dispatch.MaxRetries)
	}
	if c.DailyQuota < 0 {
		return fmt.Errorf("DAILY_EMAIL_LIMIT must not be negative, got %d", c.DailyQuota)
	}
	if c.Schedule.Interval <= 0 {
		return fmt.Errorf("SCHEDULE_INTERVAL must be positive")
	}

	switch c.Email.Provider {
	case ProviderMock:
	case ProviderResend:
		if c.Email.ResendAPIKey == "" {
			return fmt.Errorf("RESEND_API_KEY is required for the resend provider")
		}
	case ProviderGmail:
		if c.Email.GmailCredentials == "" {
			return fmt.Errorf("GMAIL_CREDENTIALS_JSON is required for the gmail provider")
		}
	default:
		return fmt.Errorf("unknown EMAIL_PROVIDER %q", c.Email.Provider)
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid LOG_LEVEL %q", c.LogLevel)
	}
	return nil
}
