package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/viper"
)

// Config holds all configuration for the application
type Config struct {
	Server        ServerConfig        `mapstructure:"server"`
	Database      DatabaseConfig      `mapstructure:"database"`
	Email         EmailConfig         `mapstructure:"email"`
	Schedule      ScheduleConfig      `mapstructure:"schedule"`
	Automation    AutomationConfig    `mapstructure:"automation"`
	Extraction    ExtractionConfig    `mapstructure:"extraction"`
	Secrets       SecretsConfig       `mapstructure:"secrets"`
	Notifications NotificationsConfig `mapstructure:"notifications"`
	Logging       LoggingConfig       `mapstructure:"logging"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port         string        `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// DatabaseConfig holds database connection configuration
type DatabaseConfig struct {
	Driver   string `mapstructure:"driver"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbname"`
	Path     string `mapstructure:"path"`
}

// EmailConfig holds inbox access configuration
type EmailConfig struct {
	Provider     string        `mapstructure:"provider"`
	IMAPHost     string        `mapstructure:"imap_host"`
	IMAPPort     int           `mapstructure:"imap_port"`
	Mailbox      string        `mapstructure:"mailbox"`
	ClientID     string        `mapstructure:"client_id"`
	ClientSecret string        `mapstructure:"client_secret"`
	RefreshToken string        `mapstructure:"refresh_token"`
	UserEmail    string        `mapstructure:"user_email"`
	Lookback     time.Duration `mapstructure:"lookback"`
	Overlap      time.Duration `mapstructure:"overlap"`
	Timeout      time.Duration `mapstructure:"timeout"`
}

// ScheduleConfig holds timer and retry configuration
type ScheduleConfig struct {
	PurchaseCron       string        `mapstructure:"purchase_cron"`
	Timezone           string        `mapstructure:"timezone"`
	EmailPollInterval  time.Duration `mapstructure:"email_poll_interval"`
	RedemptionInterval time.Duration `mapstructure:"redemption_interval"`
	CoolDown           time.Duration `mapstructure:"cooldown"`
	MaxRetries         int           `mapstructure:"max_retries"`
	BackoffMultiplier  float64       `mapstructure:"backoff_multiplier"`
	BaseDelay          time.Duration `mapstructure:"base_delay"`
	RedemptionDelayMin time.Duration `mapstructure:"redemption_delay_min"`
	RedemptionDelayMax time.Duration `mapstructure:"redemption_delay_max"`
	SessionWait        time.Duration `mapstructure:"session_wait"`
	BusyRetryDelay     time.Duration `mapstructure:"busy_retry_delay"`
	PurchaseTimeout    time.Duration `mapstructure:"purchase_timeout"`
	RedemptionTimeout  time.Duration `mapstructure:"redemption_timeout"`
}

// AutomationConfig holds browser automation configuration
type AutomationConfig struct {
	Attended      bool          `mapstructure:"attended"`
	Headless      bool          `mapstructure:"headless"`
	Browser       string        `mapstructure:"browser"`
	UserAgent     string        `mapstructure:"user_agent"`
	StepTimeout   time.Duration `mapstructure:"step_timeout"`
	ManualTimeout time.Duration `mapstructure:"manual_timeout"`
	Purchase      ScriptConfig  `mapstructure:"purchase"`
	Redeem        ScriptConfig  `mapstructure:"redeem"`
}

// ScriptConfig describes one site flow as a list of page steps
type ScriptConfig struct {
	Service         string       `mapstructure:"service"`
	Amount          string       `mapstructure:"amount"`
	CaptchaSelector string       `mapstructure:"captcha_selector"`
	TwoFASelector   string       `mapstructure:"twofa_selector"`
	SuccessSelector string       `mapstructure:"success_selector"`
	ErrorSelector   string       `mapstructure:"error_selector"`
	RejectSelector  string       `mapstructure:"reject_selector"`
	Steps           []StepConfig `mapstructure:"steps"`
}

// StepConfig is a single scripted page action
type StepConfig struct {
	Action   string `mapstructure:"action"`
	URL      string `mapstructure:"url"`
	Selector string `mapstructure:"selector"`
	Value    string `mapstructure:"value"`
	Field    string `mapstructure:"field"`
	Optional bool   `mapstructure:"optional"`
}

// ExtractionConfig tunes gift card code extraction
type ExtractionConfig struct {
	MinCodeLength      int      `mapstructure:"min_code_length"`
	MaxCodeLength      int      `mapstructure:"max_code_length"`
	SenderFilters      []string `mapstructure:"sender_filters"`
	DeliveryKeywords   []string `mapstructure:"delivery_keywords"`
	PurchaseKeywords   []string `mapstructure:"purchase_keywords"`
	AmountPairingRange int      `mapstructure:"amount_pairing_range"`
}

// SecretsConfig locates the encrypted credential bundle
type SecretsConfig struct {
	Path      string `mapstructure:"path"`
	MasterKey string `mapstructure:"master_key"`
}

// NotificationsConfig holds notification channel configuration
type NotificationsConfig struct {
	Log     bool          `mapstructure:"log"`
	Timeout time.Duration `mapstructure:"timeout"`
	Gmail   GmailNotify   `mapstructure:"gmail"`
	SES     SESNotify     `mapstructure:"ses"`
}

// GmailNotify sends notifications through the Gmail API
type GmailNotify struct {
	Enabled bool   `mapstructure:"enabled"`
	To      string `mapstructure:"to"`
}

// SESNotify sends notifications through AWS SES
type SESNotify struct {
	Enabled bool   `mapstructure:"enabled"`
	Region  string `mapstructure:"region"`
	From    string `mapstructure:"from"`
	To      string `mapstructure:"to"`
}

// LoggingConfig holds logrus configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// LoadConfig loads configuration from environment variables and config file.
// An explicit path overrides the default search locations.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	// Environment variables override config file
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindEnvVars(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	return &cfg, nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", "8080")
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")

	v.SetDefault("database.driver", "mysql")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 3306)
	v.SetDefault("database.path", "giftcard-autopilot.db")

	v.SetDefault("email.provider", "imap")
	v.SetDefault("email.imap_host", "imap.gmail.com")
	v.SetDefault("email.imap_port", 993)
	v.SetDefault("email.mailbox", "INBOX")
	v.SetDefault("email.lookback", "24h")
	v.SetDefault("email.overlap", "1h")
	v.SetDefault("email.timeout", "30s")

	v.SetDefault("schedule.purchase_cron", "0 9 * * 1")
	v.SetDefault("schedule.timezone", "UTC")
	v.SetDefault("schedule.email_poll_interval", "5m")
	v.SetDefault("schedule.redemption_interval", "30m")
	v.SetDefault("schedule.cooldown", "144h")
	v.SetDefault("schedule.max_retries", 3)
	v.SetDefault("schedule.backoff_multiplier", 2.0)
	v.SetDefault("schedule.base_delay", "15m")
	v.SetDefault("schedule.redemption_delay_min", "2s")
	v.SetDefault("schedule.redemption_delay_max", "8s")
	v.SetDefault("schedule.session_wait", "10m")
	v.SetDefault("schedule.busy_retry_delay", "5m")
	v.SetDefault("schedule.purchase_timeout", "15m")
	v.SetDefault("schedule.redemption_timeout", "10m")

	v.SetDefault("automation.attended", false)
	v.SetDefault("automation.headless", true)
	v.SetDefault("automation.browser", "chromium")
	v.SetDefault("automation.step_timeout", "30s")
	v.SetDefault("automation.manual_timeout", "5m")
	v.SetDefault("automation.purchase.service", "retailer")
	v.SetDefault("automation.redeem.service", "platform")

	v.SetDefault("extraction.min_code_length", 12)
	v.SetDefault("extraction.max_code_length", 20)
	v.SetDefault("extraction.amount_pairing_range", 200)
	v.SetDefault("extraction.delivery_keywords", []string{"gift card", "egift", "e-gift", "claim code", "redeem"})
	v.SetDefault("extraction.purchase_keywords", []string{"order confirmation", "thank you for your order", "order #", "order number", "your order"})

	v.SetDefault("secrets.path", "secrets.enc")

	v.SetDefault("notifications.log", true)
	v.SetDefault("notifications.timeout", "30s")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

// bindEnvVars binds environment variables to configuration keys
func bindEnvVars(v *viper.Viper) {
	// Server
	v.BindEnv("server.port", "SERVER_PORT")

	// Database
	v.BindEnv("database.driver", "DB_DRIVER")
	v.BindEnv("database.host", "DB_HOST")
	v.BindEnv("database.port", "DB_PORT")
	v.BindEnv("database.user", "DB_USER")
	v.BindEnv("database.password", "DB_PASSWORD")
	v.BindEnv("database.dbname", "DB_NAME")
	v.BindEnv("database.path", "DB_PATH")

	// Email
	v.BindEnv("email.provider", "EMAIL_PROVIDER")
	v.BindEnv("email.imap_host", "IMAP_HOST")
	v.BindEnv("email.imap_port", "IMAP_PORT")
	v.BindEnv("email.client_id", "GMAIL_CLIENT_ID")
	v.BindEnv("email.client_secret", "GMAIL_CLIENT_SECRET")
	v.BindEnv("email.refresh_token", "GMAIL_REFRESH_TOKEN")
	v.BindEnv("email.user_email", "GMAIL_USER_EMAIL")

	// Schedule
	v.BindEnv("schedule.purchase_cron", "PURCHASE_CRON")
	v.BindEnv("schedule.timezone", "SCHEDULE_TIMEZONE")
	v.BindEnv("schedule.max_retries", "MAX_RETRIES")

	// Automation
	v.BindEnv("automation.attended", "AUTOMATION_ATTENDED")
	v.BindEnv("automation.headless", "AUTOMATION_HEADLESS")

	// Secrets
	v.BindEnv("secrets.path", "SECRETS_PATH")
	v.BindEnv("secrets.master_key", "SECRETS_MASTER_KEY")

	// Notifications
	v.BindEnv("notifications.ses.region", "AWS_REGION")

	// Logging
	v.BindEnv("logging.level", "LOG_LEVEL")
}

// GetDSN returns the database connection string
func (c *DatabaseConfig) GetDSN() string {
	if c.Driver == "sqlite" {
		return fmt.Sprintf("%s?_busy_timeout=5000&_foreign_keys=on", c.Path)
	}
	return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?charset=utf8mb4&parseTime=True&loc=UTC",
		c.User, c.Password, c.Host, c.Port, c.DBName)
}

// Location returns the configured schedule timezone
func (c *ScheduleConfig) Location() (*time.Location, error) {
	if c.Timezone == "" {
		return time.UTC, nil
	}
	return time.LoadLocation(c.Timezone)
}

// PurchaseSchedule parses the purchase cron expression in the configured timezone
func (c *ScheduleConfig) PurchaseSchedule() (cron.Schedule, error) {
	spec := c.PurchaseCron
	if c.Timezone != "" && !strings.HasPrefix(spec, "CRON_TZ=") && !strings.HasPrefix(spec, "TZ=") {
		spec = "CRON_TZ=" + c.Timezone + " " + spec
	}
	sched, err := cron.ParseStandard(spec)
	if err != nil {
		return nil, fmt.Errorf("invalid purchase cron %q: %w", c.PurchaseCron, err)
	}
	return sched, nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("server port is required")
	}

	switch c.Database.Driver {
	case "mysql":
		if c.Database.Host == "" || c.Database.User == "" || c.Database.DBName == "" {
			return fmt.Errorf("database host, user, and dbname are required")
		}
	case "sqlite":
		if c.Database.Path == "" {
			return fmt.Errorf("database path is required for sqlite")
		}
	default:
		return fmt.Errorf("unsupported database driver %q", c.Database.Driver)
	}

	switch c.Email.Provider {
	case "imap":
		if c.Email.IMAPHost == "" || c.Email.IMAPPort <= 0 {
			return fmt.Errorf("IMAP host and port are required when using IMAP")
		}
	case "gmail":
		if c.Email.ClientID == "" || c.Email.ClientSecret == "" || c.Email.RefreshToken == "" {
			return fmt.Errorf("Gmail OAuth2 credentials are required when using the Gmail API")
		}
	default:
		return fmt.Errorf("unsupported email provider %q", c.Email.Provider)
	}

	if err := c.Schedule.Validate(); err != nil {
		return err
	}

	if c.Extraction.MinCodeLength <= 0 || c.Extraction.MaxCodeLength < c.Extraction.MinCodeLength {
		return fmt.Errorf("invalid code length range %d-%d", c.Extraction.MinCodeLength, c.Extraction.MaxCodeLength)
	}

	if c.Secrets.Path == "" {
		return fmt.Errorf("secrets path is required")
	}

	if c.Notifications.Gmail.Enabled && c.Notifications.Gmail.To == "" {
		return fmt.Errorf("gmail notification recipient is required")
	}
	if c.Notifications.SES.Enabled && (c.Notifications.SES.From == "" || c.Notifications.SES.To == "") {
		return fmt.Errorf("SES notification sender and recipient are required")
	}

	return nil
}

// Validate validates the schedule section
func (c *ScheduleConfig) Validate() error {
	if _, err := c.Location(); err != nil {
		return fmt.Errorf("invalid timezone %q: %w", c.Timezone, err)
	}
	if _, err := c.PurchaseSchedule(); err != nil {
		return err
	}
	if c.EmailPollInterval <= 0 {
		return fmt.Errorf("email poll interval must be greater than 0")
	}
	if c.RedemptionInterval <= 0 {
		return fmt.Errorf("redemption interval must be greater than 0")
	}
	if c.MaxRetries < 1 {
		return fmt.Errorf("max retries must be at least 1")
	}
	if c.BackoffMultiplier < 1 {
		return fmt.Errorf("backoff multiplier must be at least 1")
	}
	if c.BaseDelay <= 0 {
		return fmt.Errorf("base delay must be greater than 0")
	}
	if c.RedemptionDelayMax < c.RedemptionDelayMin {
		return fmt.Errorf("redemption delay max must not be below min")
	}
	if c.CoolDown < 0 {
		return fmt.Errorf("cooldown must not be negative")
	}
	return nil
}
