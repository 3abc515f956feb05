// Package config loads the STS node configuration from environment
// variables, an optional .env file and command-line flags.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Notification backends
const (
	NotifyNone  = "none"
	NotifySlack = "slack"
	NotifyAMQP  = "amqp"
)

// Config holds every setting of an STS node
type Config struct {
	NodeID     string `mapstructure:"NODE_ID"`
	NodeAddr   string `mapstructure:"NODE_ADDR"`
	ServerPort string `mapstructure:"SERVER_PORT"`
	LogLevel   string `mapstructure:"LOG_LEVEL"`
	LogFormat  string `mapstructure:"LOG_FORMAT"`

	GridPrefix        string        `mapstructure:"GRID_PREFIX"`
	RedisURL          string        `mapstructure:"REDIS_URL"`
	DatabaseURL       string        `mapstructure:"DATABASE_URL"`
	StoreTimeout      time.Duration `mapstructure:"STORE_TIMEOUT"`
	GridSweepInterval time.Duration `mapstructure:"GRID_SWEEP_INTERVAL"`

	PinTTL             time.Duration `mapstructure:"PIN_TTL"`
	PinMessageTemplate string        `mapstructure:"PIN_MESSAGE_TEMPLATE"`
	PinMaxEntries      int           `mapstructure:"PIN_MAX_ENTRIES"`

	UsageAlertEnabled   bool   `mapstructure:"PIN_USAGE_ALERT_ENABLED"`
	UsageAlertThreshold int    `mapstructure:"PIN_USAGE_ALERT_THRESHOLD"`
	UsageAlertTemplate  string `mapstructure:"PIN_USAGE_ALERT_TEMPLATE"`

	SMSGatewayURL     string        `mapstructure:"SMS_GATEWAY_URL"`
	SMSGatewayAPIKey  string        `mapstructure:"SMS_GATEWAY_API_KEY"`
	SMSSender         string        `mapstructure:"SMS_SENDER"`
	SMSTag            string        `mapstructure:"SMS_TAG"`
	SMSDeliveryReport string        `mapstructure:"SMS_DELIVERY_REPORT_URL"`
	SMSTimeout        time.Duration `mapstructure:"SMS_TIMEOUT"`

	NotifyBackend     string `mapstructure:"NOTIFY_BACKEND"`
	SlackWebhookURL   string `mapstructure:"SLACK_WEBHOOK_URL"`
	SlackAlarmChannel string `mapstructure:"SLACK_ALARM_CHANNEL"`
	SlackInfoChannel  string `mapstructure:"SLACK_INFO_CHANNEL"`
	RabbitMQURL       string `mapstructure:"RABBITMQ_URL"`
	NotifyExchange    string `mapstructure:"NOTIFY_EXCHANGE"`

	UserAdminURL           string        `mapstructure:"USERADMIN_URL"`
	UserAdminAPIKey        string        `mapstructure:"USERADMIN_API_KEY"`
	UserAdminTimeout       time.Duration `mapstructure:"USERADMIN_TIMEOUT"`
	DirectoryRetryAttempts int           `mapstructure:"DIRECTORY_RETRY_ATTEMPTS"`
	DirectoryRetryBackoff  time.Duration `mapstructure:"DIRECTORY_RETRY_BACKOFF"`

	SharedSecret      string        `mapstructure:"SHARED_SECRET"`
	SessionLifespan   time.Duration `mapstructure:"SESSION_LIFESPAN"`
	SessionSigningKey string        `mapstructure:"SESSION_SIGNING_KEY"`
	DiagnosticsAPIKey string        `mapstructure:"DIAGNOSTICS_API_KEY"`

	SMSMonitorInterval             time.Duration `mapstructure:"SMS_MONITOR_INTERVAL"`
	SMSMonitorNotificationsEnabled bool          `mapstructure:"SMS_MONITOR_NOTIFICATIONS_ENABLED"`

	SessionMonitorInterval             time.Duration `mapstructure:"USERTOKEN_MONITOR_INTERVAL"`
	SessionMonitorReportThreshold      time.Duration `mapstructure:"USERTOKEN_MONITOR_REPORT_THRESHOLD"`
	SessionMonitorSizeChangeThreshold  int           `mapstructure:"USERTOKEN_MONITOR_SIZE_CHANGE_THRESHOLD"`
	SessionMonitorNotificationsEnabled bool          `mapstructure:"USERTOKEN_MONITOR_NOTIFICATIONS_ENABLED"`

	MembershipHeartbeat time.Duration `mapstructure:"MEMBERSHIP_HEARTBEAT"`
	MembershipTTL       time.Duration `mapstructure:"MEMBERSHIP_TTL"`
}

var defaults = map[string]any{
	"SERVER_PORT":         "8080",
	"LOG_LEVEL":           "info",
	"LOG_FORMAT":          "json",
	"GRID_PREFIX":         "sts:",
	"STORE_TIMEOUT":       2 * time.Second,
	"GRID_SWEEP_INTERVAL": time.Minute,

	"PIN_TTL":              5 * time.Minute,
	"PIN_MESSAGE_TEMPLATE": "Your one-time PIN is {{.Pin}}. It is valid for {{.Minutes}} minutes.",
	"PIN_MAX_ENTRIES":      100000,

	"PIN_USAGE_ALERT_ENABLED":   true,
	"PIN_USAGE_ALERT_THRESHOLD": 0,
	"PIN_USAGE_ALERT_TEMPLATE":  "Your PIN for {{.Phone}} has been used {{.Count}} time(s). If this was not you, contact support.",

	"SMS_TAG":     "pincode",
	"SMS_TIMEOUT": 10 * time.Second,

	"NOTIFY_BACKEND":      NotifyNone,
	"SLACK_ALARM_CHANNEL": "#alarms",
	"SLACK_INFO_CHANNEL":  "#info",
	"NOTIFY_EXCHANGE":     "sts.notifications",

	"USERADMIN_TIMEOUT":        5 * time.Second,
	"DIRECTORY_RETRY_ATTEMPTS": 5,
	"DIRECTORY_RETRY_BACKOFF":  100 * time.Millisecond,

	"SESSION_LIFESPAN": 24 * time.Hour,

	"SMS_MONITOR_INTERVAL":              5 * time.Minute,
	"SMS_MONITOR_NOTIFICATIONS_ENABLED": false,

	"USERTOKEN_MONITOR_INTERVAL":              5 * time.Minute,
	"USERTOKEN_MONITOR_REPORT_THRESHOLD":      15 * time.Minute,
	"USERTOKEN_MONITOR_SIZE_CHANGE_THRESHOLD": 1,
	"USERTOKEN_MONITOR_NOTIFICATIONS_ENABLED": true,

	"MEMBERSHIP_HEARTBEAT": 5 * time.Second,
	"MEMBERSHIP_TTL":       15 * time.Second,
}

// envOnly are keys without a default that still need binding for Unmarshal
var envOnly = []string{
	"NODE_ID", "NODE_ADDR", "REDIS_URL", "DATABASE_URL",
	"SMS_GATEWAY_URL", "SMS_GATEWAY_API_KEY", "SMS_SENDER", "SMS_DELIVERY_REPORT_URL",
	"SLACK_WEBHOOK_URL", "RABBITMQ_URL",
	"USERADMIN_URL", "USERADMIN_API_KEY",
	"SHARED_SECRET", "SESSION_SIGNING_KEY", "DIAGNOSTICS_API_KEY",
}

// RegisterFlags adds the command-line flags of an STS node to fs
func RegisterFlags(fs *pflag.FlagSet) {
	fs.String("config", ".", "directory holding an optional .env file")
	fs.String("node-id", "", "cluster member id (default random)")
	fs.String("port", "", "HTTP listen port")
}

// BindFlags lets set flags override environment values
func BindFlags(fs *pflag.FlagSet) error {
	for key, flag := range map[string]string{"NODE_ID": "node-id", "SERVER_PORT": "port"} {
		f := fs.Lookup(flag)
		if f == nil || !f.Changed {
			continue
		}
		if err := viper.BindPFlag(key, f); err != nil {
			return fmt.Errorf("bind flag %s: %w", flag, err)
		}
	}
	return nil
}

// Load reads the configuration. path is searched for an optional .env file;
// environment variables win over it.
func Load(path string) (Config, error) {
	if path != "" {
		viper.AddConfigPath(path)
		viper.SetConfigName(".env")
		viper.SetConfigType("env")
	}
	viper.AutomaticEnv()

	for key, value := range defaults {
		viper.SetDefault(key, value)
	}
	for _, key := range envOnly {
		_ = viper.BindEnv(key)
	}

	if path != "" {
		if err := viper.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				slog.Warn("failed to read config file, using environment values", "error", err)
			}
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}

	cfg.NodeID = strings.TrimSpace(cfg.NodeID)
	if cfg.NodeID == "" {
		cfg.NodeID = uuid.NewString()
	}
	cfg.RedisURL = strings.TrimSpace(cfg.RedisURL)
	cfg.DatabaseURL = strings.TrimSpace(cfg.DatabaseURL)
	cfg.NotifyBackend = strings.ToLower(strings.TrimSpace(cfg.NotifyBackend))
	if cfg.NotifyBackend == "" {
		cfg.NotifyBackend = NotifyNone
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects settings the node cannot run with
func (c Config) Validate() error {
	var errs []error
	positive := map[string]time.Duration{
		"PIN_TTL":                            c.PinTTL,
		"STORE_TIMEOUT":                      c.StoreTimeout,
		"SESSION_LIFESPAN":                   c.SessionLifespan,
		"SMS_MONITOR_INTERVAL":               c.SMSMonitorInterval,
		"USERTOKEN_MONITOR_INTERVAL":         c.SessionMonitorInterval,
		"USERTOKEN_MONITOR_REPORT_THRESHOLD": c.SessionMonitorReportThreshold,
		"MEMBERSHIP_HEARTBEAT":               c.MembershipHeartbeat,
		"MEMBERSHIP_TTL":                     c.MembershipTTL,
		"GRID_SWEEP_INTERVAL":                c.GridSweepInterval,
	}
	for key, d := range positive {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %s", key, d))
		}
	}

	if c.ServerPort == "" {
		errs = append(errs, errors.New("SERVER_PORT is required"))
	}
	if c.MembershipTTL <= c.MembershipHeartbeat {
		errs = append(errs, fmt.Errorf("MEMBERSHIP_TTL (%s) must exceed MEMBERSHIP_HEARTBEAT (%s)", c.MembershipTTL, c.MembershipHeartbeat))
	}
	if c.DirectoryRetryAttempts < 1 {
		errs = append(errs, fmt.Errorf("DIRECTORY_RETRY_ATTEMPTS must be at least 1, got %d", c.DirectoryRetryAttempts))
	}
	if c.UsageAlertThreshold < 0 {
		errs = append(errs, fmt.Errorf("PIN_USAGE_ALERT_THRESHOLD must not be negative, got %d", c.UsageAlertThreshold))
	}
	if c.SessionMonitorSizeChangeThreshold < 1 {
		errs = append(errs, fmt.Errorf("USERTOKEN_MONITOR_SIZE_CHANGE_THRESHOLD must be at least 1, got %d", c.SessionMonitorSizeChangeThreshold))
	}

	switch c.NotifyBackend {
	case NotifyNone:
	case NotifySlack:
		if c.SlackWebhookURL == "" {
			errs = append(errs, errors.New("SLACK_WEBHOOK_URL is required for the slack backend"))
		}
	case NotifyAMQP:
		if c.RabbitMQURL == "" {
			errs = append(errs, errors.New("RABBITMQ_URL is required for the amqp backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("NOTIFY_BACKEND must be none, slack or amqp, got %q", c.NotifyBackend))
	}

	return errors.Join(errs...)
}

// Level maps LOG_LEVEL to a slog level; unknown values mean info
func (c Config) Level() slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelInfo
	}
	return level
}
