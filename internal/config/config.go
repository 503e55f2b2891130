package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"

	"github.com/rewired-gh/tradeloop/internal/soul"
)

// EnvPrefix namespaces environment overrides, e.g. TRADELOOP_VENUE_PRIVATE_KEY.
const EnvPrefix = "TRADELOOP"

// Config represents the complete application configuration
type Config struct {
	Venue     VenueConfig     `mapstructure:"venue"`
	Oracle    OracleConfig    `mapstructure:"oracle"`
	Sensor    SensorConfig    `mapstructure:"sensor"`
	Brain     BrainConfig     `mapstructure:"brain"`
	Hand      HandConfig      `mapstructure:"hand"`
	Vault     VaultConfig     `mapstructure:"vault"`
	Soul      SoulConfig      `mapstructure:"soul"`
	Queue     QueueConfig     `mapstructure:"queue"`
	Storage   StorageConfig   `mapstructure:"storage"`
	API       APIConfig       `mapstructure:"api"`
	Telegram  TelegramConfig  `mapstructure:"telegram"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Profiling ProfilingConfig `mapstructure:"profiling"`
}

// VenueConfig selects and configures the exchange
type VenueConfig struct {
	Mode       string        `mapstructure:"mode"` // "paper" or "live"
	BaseURL    string        `mapstructure:"base_url"`
	KeyID      string        `mapstructure:"key_id"`
	PrivateKey string        `mapstructure:"private_key"` // PEM, usually from the environment
	TokenTTL   time.Duration `mapstructure:"token_ttl"`
	Timeout    time.Duration `mapstructure:"timeout"`
	PaperCash  string        `mapstructure:"paper_cash"`
	PaperFee   string        `mapstructure:"paper_fee"`
}

// OracleConfig holds the estimation service configuration
type OracleConfig struct {
	BaseURL string        `mapstructure:"base_url"`
	APIKey  string        `mapstructure:"api_key"`
	Model   string        `mapstructure:"model"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// SensorConfig holds market scanning configuration
type SensorConfig struct {
	Symbols            []string      `mapstructure:"symbols"`
	Threshold          float64       `mapstructure:"threshold"`
	Ceiling            float64       `mapstructure:"ceiling"`
	MinSigma           float64       `mapstructure:"min_sigma"`
	OpportunityTTL     time.Duration `mapstructure:"opportunity_ttl"`
	TopK               int           `mapstructure:"top_k"`
	Cooldown           time.Duration `mapstructure:"cooldown"`
	CheckpointInterval int           `mapstructure:"checkpoint_interval"`
}

// BrainConfig holds decision engine configuration
type BrainConfig struct {
	Iterations       int           `mapstructure:"iterations"`
	EstimateTimeout  time.Duration `mapstructure:"estimate_timeout"`
	MinConfidence    float64       `mapstructure:"min_confidence"`
	MaxVariance      float64       `mapstructure:"max_variance"`
	MinExpectedValue float64       `mapstructure:"min_expected_value"`
	KellyScale       float64       `mapstructure:"kelly_scale"`
	StakeUSD         string        `mapstructure:"stake_usd"`
	MinStakeUSD      string        `mapstructure:"min_stake_usd"`
	MaxStakeUSD      string        `mapstructure:"max_stake_usd"`
	RecencyWindow    int           `mapstructure:"recency_window"`
	RepeatThreshold  int           `mapstructure:"repeat_threshold"`
	PollInterval     time.Duration `mapstructure:"poll_interval"`
	Seed             uint64        `mapstructure:"seed"`
}

// HandConfig holds order execution configuration
type HandConfig struct {
	OrderTimeout time.Duration `mapstructure:"order_timeout"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
}

// VaultConfig holds capital guard configuration. Amounts are decimal strings.
type VaultConfig struct {
	Principal           string        `mapstructure:"principal"`
	HardFloor           string        `mapstructure:"hard_floor"`
	ProfitLockThreshold string        `mapstructure:"profit_lock_threshold"`
	Period              time.Duration `mapstructure:"period"`
}

// WindowConfig is one maintenance window, e.g. span "23:30-00:30".
type WindowConfig struct {
	Span     string   `mapstructure:"span"`
	Weekdays []string `mapstructure:"weekdays"`
}

// SoulConfig holds cycle orchestration configuration
type SoulConfig struct {
	AutoMode      bool           `mapstructure:"auto_mode"`
	CycleInterval time.Duration  `mapstructure:"cycle_interval"`
	DrainTimeout  time.Duration  `mapstructure:"drain_timeout"`
	PollInterval  time.Duration  `mapstructure:"poll_interval"`
	Maintenance   []WindowConfig `mapstructure:"maintenance"`
}

// QueueConfig holds error dispatcher and event stream buffering
type QueueConfig struct {
	ErrorBuffer   int           `mapstructure:"error_buffer"`
	ErrorTimeout  time.Duration `mapstructure:"error_timeout"`
	StreamHistory int           `mapstructure:"stream_history"`
	StreamBuffer  int           `mapstructure:"stream_buffer"`
}

// StorageConfig holds storage and persistence configuration
type StorageConfig struct {
	DBPath string `mapstructure:"db_path"`
}

// APIConfig holds the HTTP control surface configuration
type APIConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
	Token   string `mapstructure:"token"`
}

// TelegramConfig holds Telegram notification configuration
type TelegramConfig struct {
	BotToken   string        `mapstructure:"bot_token"`
	ChatID     string        `mapstructure:"chat_id"`
	Enabled    bool          `mapstructure:"enabled"`
	MaxRetries int           `mapstructure:"max_retries"`
	RetryDelay time.Duration `mapstructure:"retry_delay"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// ProfilingConfig holds continuous profiling configuration
type ProfilingConfig struct {
	Enabled       bool   `mapstructure:"enabled"`
	ServerAddress string `mapstructure:"server_address"`
	AppName       string `mapstructure:"app_name"`
}

// LoadDotEnv loads variables from the given .env files into the process
// environment. Missing files are ignored; existing variables win.
func LoadDotEnv(paths ...string) {
	for _, p := range paths {
		_ = godotenv.Load(p)
	}
}

// Load reads configuration from file and environment variables
func Load(path string) (*Config, error) {
	v := viper.New()

	v.SetConfigFile(path)
	setDefaults(v)

	// TRADELOOP_VAULT_HARD_FLOOR overrides vault.hard_floor.
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

// setDefaults configures default values for all configuration options
func setDefaults(v *viper.Viper) {
	v.SetDefault("venue.mode", "paper")
	v.SetDefault("venue.base_url", "")
	v.SetDefault("venue.key_id", "")
	v.SetDefault("venue.private_key", "")
	v.SetDefault("venue.token_ttl", "30s")
	v.SetDefault("venue.timeout", "10s")
	v.SetDefault("venue.paper_cash", "300")
	v.SetDefault("venue.paper_fee", "0")

	v.SetDefault("oracle.base_url", "")
	v.SetDefault("oracle.api_key", "")
	v.SetDefault("oracle.model", "")
	v.SetDefault("oracle.timeout", "3s")

	v.SetDefault("sensor.symbols", []string{})
	v.SetDefault("sensor.threshold", 3.0)
	v.SetDefault("sensor.ceiling", 10.0)
	v.SetDefault("sensor.min_sigma", 0.005)
	v.SetDefault("sensor.opportunity_ttl", "2m")
	v.SetDefault("sensor.top_k", 10)
	v.SetDefault("sensor.cooldown", "5m")
	v.SetDefault("sensor.checkpoint_interval", 12)

	v.SetDefault("brain.iterations", 10000)
	v.SetDefault("brain.estimate_timeout", "3s")
	v.SetDefault("brain.min_confidence", 0.85)
	v.SetDefault("brain.max_variance", 0.25)
	v.SetDefault("brain.min_expected_value", 0.0)
	v.SetDefault("brain.kelly_scale", 0.25)
	v.SetDefault("brain.stake_usd", "100")
	v.SetDefault("brain.min_stake_usd", "1")
	v.SetDefault("brain.max_stake_usd", "25")
	v.SetDefault("brain.recency_window", 32)
	v.SetDefault("brain.repeat_threshold", 3)
	v.SetDefault("brain.poll_interval", "500ms")
	v.SetDefault("brain.seed", 0)

	v.SetDefault("hand.order_timeout", "5s")
	v.SetDefault("hand.poll_interval", "500ms")

	v.SetDefault("vault.principal", "300")
	v.SetDefault("vault.hard_floor", "255")
	v.SetDefault("vault.profit_lock_threshold", "0") // 0 = house money disabled
	v.SetDefault("vault.period", "24h")

	v.SetDefault("soul.auto_mode", false)
	v.SetDefault("soul.cycle_interval", "5m")
	v.SetDefault("soul.drain_timeout", "2m")
	v.SetDefault("soul.poll_interval", "250ms")

	v.SetDefault("queue.error_buffer", 256)
	v.SetDefault("queue.error_timeout", "5s")
	v.SetDefault("queue.stream_history", 1024)
	v.SetDefault("queue.stream_buffer", 256)

	v.SetDefault("storage.db_path", "./data/tradeloop.db")

	v.SetDefault("api.enabled", true)
	v.SetDefault("api.addr", "127.0.0.1:8080")
	v.SetDefault("api.token", "")

	v.SetDefault("telegram.enabled", false)
	v.SetDefault("telegram.bot_token", "")
	v.SetDefault("telegram.chat_id", "")
	v.SetDefault("telegram.max_retries", 3)
	v.SetDefault("telegram.retry_delay", "1s")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("profiling.enabled", false)
	v.SetDefault("profiling.server_address", "http://localhost:4040")
	v.SetDefault("profiling.app_name", "tradeloop")
}

// Validate checks that all configuration values are valid
func (c *Config) Validate() error {
	// Venue
	switch c.Venue.Mode {
	case "paper":
		if _, err := positiveDecimal("venue.paper_cash", c.Venue.PaperCash); err != nil {
			return err
		}
		fee, err := decimal.NewFromString(c.Venue.PaperFee)
		if err != nil || fee.IsNegative() || fee.GreaterThanOrEqual(decimal.NewFromInt(1)) {
			return fmt.Errorf("venue.paper_fee must be a decimal in [0, 1)")
		}
	case "live":
		if c.Venue.BaseURL == "" {
			return fmt.Errorf("venue.base_url is required in live mode")
		}
		if c.Venue.KeyID == "" {
			return fmt.Errorf("venue.key_id is required in live mode")
		}
		if c.Venue.PrivateKey == "" {
			return fmt.Errorf("venue.private_key is required in live mode")
		}
	default:
		return fmt.Errorf("venue.mode must be one of: paper, live")
	}
	if c.Venue.Timeout <= 0 {
		return fmt.Errorf("venue.timeout must be positive")
	}

	// Oracle
	if c.Oracle.BaseURL == "" {
		return fmt.Errorf("oracle.base_url is required")
	}
	if c.Oracle.Timeout <= 0 {
		return fmt.Errorf("oracle.timeout must be positive")
	}

	// Sensor
	if len(c.Sensor.Symbols) == 0 {
		return fmt.Errorf("sensor.symbols must contain at least one symbol")
	}
	if c.Sensor.Threshold <= 0 {
		return fmt.Errorf("sensor.threshold must be positive")
	}
	if c.Sensor.Ceiling <= c.Sensor.Threshold {
		return fmt.Errorf("sensor.ceiling must be greater than sensor.threshold")
	}
	if c.Sensor.TopK < 1 {
		return fmt.Errorf("sensor.top_k must be at least 1")
	}
	if c.Sensor.CheckpointInterval < 1 {
		return fmt.Errorf("sensor.checkpoint_interval must be at least 1")
	}

	// Brain
	if c.Brain.MinConfidence < 0 || c.Brain.MinConfidence > 1 {
		return fmt.Errorf("brain.min_confidence must be between 0.0 and 1.0")
	}
	if c.Brain.MaxVariance < 0 {
		return fmt.Errorf("brain.max_variance must not be negative")
	}
	if c.Brain.KellyScale <= 0 || c.Brain.KellyScale > 1 {
		return fmt.Errorf("brain.kelly_scale must be in (0, 1]")
	}
	minStake, err := positiveDecimal("brain.min_stake_usd", c.Brain.MinStakeUSD)
	if err != nil {
		return err
	}
	maxStake, err := positiveDecimal("brain.max_stake_usd", c.Brain.MaxStakeUSD)
	if err != nil {
		return err
	}
	if maxStake.LessThan(minStake) {
		return fmt.Errorf("brain.max_stake_usd must not be below brain.min_stake_usd")
	}
	if _, err := positiveDecimal("brain.stake_usd", c.Brain.StakeUSD); err != nil {
		return err
	}
	if c.Brain.RecencyWindow < 1 || c.Brain.RepeatThreshold < 2 {
		return fmt.Errorf("brain.recency_window must be at least 1 and brain.repeat_threshold at least 2")
	}

	// Hand
	if c.Hand.OrderTimeout <= 0 {
		return fmt.Errorf("hand.order_timeout must be positive")
	}

	// Vault
	principal, err := positiveDecimal("vault.principal", c.Vault.Principal)
	if err != nil {
		return err
	}
	floor, err := decimal.NewFromString(c.Vault.HardFloor)
	if err != nil || floor.IsNegative() {
		return fmt.Errorf("vault.hard_floor must be a non-negative decimal")
	}
	if floor.GreaterThan(principal) {
		return fmt.Errorf("vault.hard_floor must not exceed vault.principal")
	}
	lock, err := decimal.NewFromString(c.Vault.ProfitLockThreshold)
	if err != nil || lock.IsNegative() {
		return fmt.Errorf("vault.profit_lock_threshold must be a non-negative decimal")
	}

	// Soul
	if c.Soul.CycleInterval < time.Second {
		return fmt.Errorf("soul.cycle_interval must be at least 1 second")
	}
	if c.Soul.DrainTimeout <= 0 {
		return fmt.Errorf("soul.drain_timeout must be positive")
	}
	if _, err := c.MaintenanceWindows(); err != nil {
		return err
	}

	// API
	if c.API.Enabled && c.API.Addr == "" {
		return fmt.Errorf("api.addr is required when the api is enabled")
	}

	// Telegram
	if c.Telegram.Enabled {
		if c.Telegram.BotToken == "" {
			return fmt.Errorf("telegram.bot_token is required when telegram is enabled")
		}
		if c.Telegram.ChatID == "" {
			return fmt.Errorf("telegram.chat_id is required when telegram is enabled")
		}
	}

	// Storage
	if c.Storage.DBPath == "" {
		return fmt.Errorf("storage.db_path is required")
	}

	// Logging
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("logging.format must be one of: json, text")
	}

	// Profiling
	if c.Profiling.Enabled && c.Profiling.ServerAddress == "" {
		return fmt.Errorf("profiling.server_address is required when profiling is enabled")
	}

	return nil
}

// MaintenanceWindows parses the configured maintenance windows.
func (c *Config) MaintenanceWindows() ([]soul.Window, error) {
	out := make([]soul.Window, 0, len(c.Soul.Maintenance))
	for i, w := range c.Soul.Maintenance {
		win, err := soul.ParseWindow(w.Span, w.Weekdays)
		if err != nil {
			return nil, fmt.Errorf("soul.maintenance[%d]: %w", i, err)
		}
		out = append(out, win)
	}
	return out, nil
}

// Decimal parses a decimal config value that Validate already checked.
func Decimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

func positiveDecimal(key, s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil || !d.IsPositive() {
		return decimal.Zero, fmt.Errorf("%s must be a positive decimal", key)
	}
	return d, nil
}
