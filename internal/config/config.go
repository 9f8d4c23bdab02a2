package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	BotToken    string `envconfig:"BOT_TOKEN" required:"true"`
	AdminChatID int64  `envconfig:"ADMIN_CHAT_ID" default:"0"`
	DBPath      string `envconfig:"DB_PATH" default:"./data/licensebot.db"`
	HTTPAddr    string `envconfig:"HTTP_ADDR" default:":8080"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`

	// Every TTL and cap the engine uses lives here.
	ReferenceCodeTTL     time.Duration `envconfig:"REFERENCE_CODE_TTL" default:"15m"`
	SerialKeyTTL         time.Duration `envconfig:"SERIAL_KEY_TTL" default:"30m"`
	OtpTTL               time.Duration `envconfig:"OTP_TTL" default:"10m"`
	SecondDeviceTTL      time.Duration `envconfig:"SECOND_DEVICE_TTL" default:"10m"`
	MaxRequests          int           `envconfig:"MAX_REQUESTS" default:"3"`
	FollowBlockThreshold int           `envconfig:"FOLLOW_BLOCK_THRESHOLD" default:"5"`
	LicenseVerifyCap     int           `envconfig:"LICENSE_VERIFY_CAP" default:"3"`
	SessionVerifyCap     int           `envconfig:"SESSION_VERIFY_CAP" default:"5"`
	OtpMaxAttempts       int           `envconfig:"OTP_MAX_ATTEMPTS" default:"3"`
	GrantWithConsent     time.Duration `envconfig:"GRANT_WITH_CONSENT" default:"8760h"`
	GrantWithoutConsent  time.Duration `envconfig:"GRANT_WITHOUT_CONSENT" default:"720h"`

	NotifyRate    float64 `envconfig:"NOTIFY_RATE" default:"25"`
	HTTPRateLimit int     `envconfig:"HTTP_RATE_LIMIT" default:"60"`
	// TrustedProxy makes the HTTP API take client IPs from forwarding headers.
	TrustedProxy bool `envconfig:"TRUSTED_PROXY" default:"false"`
}

// Load reads an optional .env file and then the process environment.
// Variables already set in the environment win over the file.
func Load(envFiles ...string) (Config, error) {
	if len(envFiles) == 0 {
		envFiles = []string{".env"}
	}
	for _, f := range envFiles {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, os.ErrNotExist) {
			return Config{}, fmt.Errorf("load %s: %w", f, err)
		}
	}
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return Config{}, fmt.Errorf("process env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.BotToken) == "" {
		errs = append(errs, errors.New("BOT_TOKEN is required"))
	}
	positiveDur := map[string]time.Duration{
		"REFERENCE_CODE_TTL":    c.ReferenceCodeTTL,
		"SERIAL_KEY_TTL":        c.SerialKeyTTL,
		"OTP_TTL":               c.OtpTTL,
		"SECOND_DEVICE_TTL":     c.SecondDeviceTTL,
		"GRANT_WITH_CONSENT":    c.GrantWithConsent,
		"GRANT_WITHOUT_CONSENT": c.GrantWithoutConsent,
	}
	for k, v := range positiveDur {
		if v <= 0 {
			errs = append(errs, fmt.Errorf("%s must be > 0", k))
		}
	}
	positiveInt := map[string]int{
		"MAX_REQUESTS":           c.MaxRequests,
		"FOLLOW_BLOCK_THRESHOLD": c.FollowBlockThreshold,
		"LICENSE_VERIFY_CAP":     c.LicenseVerifyCap,
		"SESSION_VERIFY_CAP":     c.SessionVerifyCap,
		"OTP_MAX_ATTEMPTS":       c.OtpMaxAttempts,
		"HTTP_RATE_LIMIT":        c.HTTPRateLimit,
	}
	for k, v := range positiveInt {
		if v <= 0 {
			errs = append(errs, fmt.Errorf("%s must be > 0", k))
		}
	}
	if c.NotifyRate <= 0 {
		errs = append(errs, errors.New("NOTIFY_RATE must be > 0"))
	}
	return errors.Join(errs...)
}

// Logger builds the process logger at the configured level.
func (c Config) Logger() *slog.Logger {
	var level slog.Level
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}
