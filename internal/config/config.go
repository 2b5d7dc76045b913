package config

import (
	"errors"
	"io/fs"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds all configuration for the application.
type Config struct {
	Binance  Binance  `mapstructure:"binance"`
	Engine   Engine   `mapstructure:"engine"`
	Setting  Setting  `mapstructure:"setting"`
	Notifier Notifier `mapstructure:"notifier"`
	Logger   Logger   `mapstructure:"logger"`
	Server   Server   `mapstructure:"server"`
	Database Database `mapstructure:"database"`
	Metrics  Metrics  `mapstructure:"metrics"`
}

// Binance holds the connection settings for the Binance API.
// Credentials live on the setting row, not here.
type Binance struct {
	Testnet        bool          `mapstructure:"testnet"`
	BaseURL        string        `mapstructure:"base_url"`
	StreamURL      string        `mapstructure:"stream_url"`
	RateLimit      float64       `mapstructure:"rate_limit"`
	RateLimitBurst int           `mapstructure:"rate_limit_burst"`
	Timeout        time.Duration `mapstructure:"timeout"`
}

// Engine holds the timing and sizing knobs of the grid engine.
type Engine struct {
	MinBuyInterval       time.Duration `mapstructure:"min_buy_interval"`
	MinSellInterval      time.Duration `mapstructure:"min_sell_interval"`
	BuyRetryBackoff      time.Duration `mapstructure:"buy_retry_backoff"`
	RebuyWait            time.Duration `mapstructure:"rebuy_wait"`
	RecentBuyGuard       time.Duration `mapstructure:"recent_buy_guard"`
	CacheSize            int           `mapstructure:"cache_size"`
	CacheReloadThreshold int           `mapstructure:"cache_reload_threshold"`
	QuoteAsset           string        `mapstructure:"quote_asset"`
	AutoStart            bool          `mapstructure:"auto_start"`
	ConfigID             uint          `mapstructure:"config_id"`
}

// Setting is the default trading setting seeded into an empty database.
type Setting struct {
	Name              string  `mapstructure:"name"`
	ApiKey            string  `mapstructure:"apiKey"`
	ApiSecret         string  `mapstructure:"apiSecret"`
	Symbol            string  `mapstructure:"symbol"`
	BuyDipPercent     float64 `mapstructure:"buy_dip_percent"`
	SellTargetPercent float64 `mapstructure:"sell_target_percent"`
	BuyAmountQuote    float64 `mapstructure:"buy_amount_quote"`
	DiscordHook1      string  `mapstructure:"discord_hook1"`
	DiscordHook2      string  `mapstructure:"discord_hook2"`
}

// Notifier holds the configuration for outbound alerts.
type Notifier struct {
	Discord  Discord  `mapstructure:"discord"`
	Telegram Telegram `mapstructure:"telegram"`
	AlertLog AlertLog `mapstructure:"alert_log"`
	Summary  Summary  `mapstructure:"summary"`
}

type Discord struct {
	Enabled bool          `mapstructure:"enabled"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type Telegram struct {
	Enabled bool   `mapstructure:"enabled"`
	Token   string `mapstructure:"token"`
	ChatID  int64  `mapstructure:"chat_id"`
}

type AlertLog struct {
	Enabled bool `mapstructure:"enabled"`
	MaxRows int  `mapstructure:"max_rows"`
}

// Summary schedules the periodic profit/loss report.
type Summary struct {
	Enabled  bool   `mapstructure:"enabled"`
	Schedule string `mapstructure:"schedule"`
}

// Server holds the configuration for the control API.
type Server struct {
	Port int `mapstructure:"port"`
}

// Database holds the configuration for the database.
type Database struct {
	DSN string `mapstructure:"dsn"`
}

// Metrics holds the configuration for the prometheus endpoint.
type Metrics struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

// Logger holds the configuration for the logger.
type Logger struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	File   string `mapstructure:"file"`
}

// LoadConfig reads configuration from file or environment variables.
// A .env file next to the config directory is loaded first if present.
func LoadConfig(path string) (config Config, err error) {
	if err = godotenv.Load(filepath.Join(path, ".env")); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return
	}
	err = nil

	v := viper.New()
	v.AddConfigPath(path)
	v.SetConfigName("config")
	v.SetConfigType("yml")

	// Allow environment variables to override config file
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	if err = v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return
		}
		err = nil
	}

	err = v.Unmarshal(&config)
	return
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("binance.rate_limit", 20)      // requests per second
	v.SetDefault("binance.rate_limit_burst", 5) // burst size
	v.SetDefault("binance.timeout", 10*time.Second)

	v.SetDefault("engine.min_buy_interval", 2*time.Second)
	v.SetDefault("engine.min_sell_interval", time.Second)
	v.SetDefault("engine.buy_retry_backoff", time.Second)
	v.SetDefault("engine.rebuy_wait", 5*time.Minute)
	v.SetDefault("engine.recent_buy_guard", 5*time.Second)
	v.SetDefault("engine.cache_size", 20)
	v.SetDefault("engine.cache_reload_threshold", 2)
	v.SetDefault("engine.quote_asset", "USDT")

	v.SetDefault("setting.name", "default")
	v.SetDefault("setting.apiKey", "")
	v.SetDefault("setting.apiSecret", "")
	v.SetDefault("setting.buy_dip_percent", 1.0)
	v.SetDefault("setting.sell_target_percent", 1.0)

	v.SetDefault("notifier.discord.enabled", true)
	v.SetDefault("notifier.discord.timeout", 5*time.Second)
	v.SetDefault("notifier.telegram.token", "")
	v.SetDefault("notifier.telegram.chat_id", 0)
	v.SetDefault("notifier.alert_log.enabled", true)
	v.SetDefault("notifier.alert_log.max_rows", 200)
	v.SetDefault("notifier.summary.schedule", "0 0 * * *")

	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.file", "")
	v.SetDefault("server.port", 8080)
	v.SetDefault("database.dsn", "gridbot.db")
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.path", "/metrics")
}
