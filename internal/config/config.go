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
	"github.com/skalibog/bfexec/internal/apperr"
	"github.com/skalibog/bfexec/pkg/logger"
	"go.uber.org/zap"
	"gopkg.in/yaml.v2"
)

// Переменные окружения с учетными данными
const (
	EnvAPIKey      = "BINANCE_API_KEY"
	EnvAPISecret   = "BINANCE_API_SECRET"
	EnvTestnet     = "BINANCE_TESTNET"
	EnvSignalURL   = "SIGNAL_URL"
	EnvInfluxToken = "INFLUXDB_TOKEN"
)

// Config представляет полную конфигурацию приложения
type Config struct {
	Binance   BinanceConfig   `yaml:"binance"`
	Signals   SignalsConfig   `yaml:"signals"`
	Trading   TradingConfig   `yaml:"trading"`
	Safety    SafetyConfig    `yaml:"safety"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Storage   StorageConfig   `yaml:"storage"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Log       LogConfig       `yaml:"log"`
	UI        UIConfig        `yaml:"ui"`
}

// BinanceConfig содержит настройки подключения к Binance
type BinanceConfig struct {
	APIKey          string `yaml:"api_key"`
	APISecret       string `yaml:"api_secret"`
	Testnet         bool   `yaml:"testnet"`
	BaseURL         string `yaml:"base_url"`
	TimeoutSeconds  int    `yaml:"timeout_seconds"`
	RulesTTLSeconds int    `yaml:"rules_ttl_seconds"`
	PingAttempts    int    `yaml:"ping_attempts"`
}

// Timeout таймаут HTTP-запросов к бирже
func (c BinanceConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// RulesTTL время жизни кэша правил точности
func (c BinanceConfig) RulesTTL() time.Duration {
	return time.Duration(c.RulesTTLSeconds) * time.Second
}

// SignalsConfig настройки источника сигналов
type SignalsConfig struct {
	URL            string            `yaml:"url"`
	TimeoutSeconds int               `yaml:"timeout_seconds"`
	MinConfidence  float64           `yaml:"min_confidence"`
	Aliases        map[string]string `yaml:"aliases"`
}

// Timeout таймаут запроса сигналов
func (c SignalsConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// TradingConfig содержит настройки торговли
type TradingConfig struct {
	Leverage               int     `yaml:"leverage"`
	FixedPctPerTrade       float64 `yaml:"fixed_pct_per_trade"`
	StopLossPct            float64 `yaml:"stop_loss_pct"`
	MaxConcurrentPositions int     `yaml:"max_concurrent_positions"`
	MarginCapPct           float64 `yaml:"margin_cap_pct"`
	StopMaxBumps           int     `yaml:"stop_max_bumps"`
	StopDistanceFactor     float64 `yaml:"stop_distance_factor"`
	PrecisionRetryCodes    []int64 `yaml:"precision_retry_codes"`
}

// EffectiveMarginCap порог использования маржи в процентах.
// Без явного значения каждому слоту отводится fixed_pct_per_trade баланса.
func (c TradingConfig) EffectiveMarginCap() float64 {
	if c.MarginCapPct > 0 {
		return c.MarginCapPct
	}
	limit := float64(c.MaxConcurrentPositions) * c.FixedPctPerTrade * 100
	if limit <= 0 || limit > 100 {
		return 100
	}
	return limit
}

// SafetyConfig настройки защитных механизмов
type SafetyConfig struct {
	FailureThreshold       int     `yaml:"failure_threshold"`
	BreakerCooldownMinutes int     `yaml:"breaker_cooldown_minutes"`
	SymbolCooldownSeconds  int     `yaml:"symbol_cooldown_seconds"`
	BalanceDropPct         float64 `yaml:"balance_drop_pct"`
}

// BreakerCooldown время до автоматического сброса предохранителя
func (c SafetyConfig) BreakerCooldown() time.Duration {
	return time.Duration(c.BreakerCooldownMinutes) * time.Minute
}

// SymbolCooldown пауза после закрытия позиции по символу
func (c SafetyConfig) SymbolCooldown() time.Duration {
	return time.Duration(c.SymbolCooldownSeconds) * time.Second
}

// SchedulerConfig настройки запуска циклов
type SchedulerConfig struct {
	IntervalMinutes int  `yaml:"interval_minutes"`
	RunOnStart      bool `yaml:"run_on_start"`
}

// Interval период между циклами
func (c SchedulerConfig) Interval() time.Duration {
	return time.Duration(c.IntervalMinutes) * time.Minute
}

// StorageConfig настройки журнала в InfluxDB
type StorageConfig struct {
	Enabled      bool   `yaml:"enabled"`
	URL          string `yaml:"url"`
	Token        string `yaml:"token"`
	Organization string `yaml:"organization"`
	Bucket       string `yaml:"bucket"`
}

// MetricsConfig настройки HTTP-сервера метрик
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// LogConfig настройки логирования
type LogConfig struct {
	Level    string `yaml:"level"`
	File     string `yaml:"file"`
	JSONFile string `yaml:"json_file"`
}

// UIConfig настройки пользовательского интерфейса
type UIConfig struct {
	Enabled     bool `yaml:"enabled"`
	RefreshRate int  `yaml:"refresh_rate_ms"`
	LogLines    int  `yaml:"log_lines"`
}

// Default возвращает конфигурацию со значениями по умолчанию
func Default() Config {
	return Config{
		Binance: BinanceConfig{
			TimeoutSeconds:  15,
			RulesTTLSeconds: 300,
			PingAttempts:    5,
		},
		Signals: SignalsConfig{
			URL:            "http://127.0.0.1:8000/api/analysis",
			TimeoutSeconds: 10,
			MinConfidence:  0.7,
		},
		Trading: TradingConfig{
			Leverage:               5,
			FixedPctPerTrade:       0.10,
			StopLossPct:            0.006,
			MaxConcurrentPositions: 7,
			StopMaxBumps:           10,
			StopDistanceFactor:     2,
			PrecisionRetryCodes:    []int64{-1111, -2021, -4014},
		},
		Safety: SafetyConfig{
			FailureThreshold:       3,
			BreakerCooldownMinutes: 15,
			SymbolCooldownSeconds:  120,
			BalanceDropPct:         5,
		},
		Scheduler: SchedulerConfig{
			IntervalMinutes: 15,
			RunOnStart:      true,
		},
		Storage: StorageConfig{
			URL:          "http://localhost:8086",
			Organization: "bfexec",
			Bucket:       "trades",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Addr:    ":9010",
		},
		Log: LogConfig{
			Level:    "info",
			File:     "app.log",
			JSONFile: "app.json.log",
		},
		UI: UIConfig{
			RefreshRate: 1000,
			LogLines:    15,
		},
	}
}

// LoadEnv подгружает переменные из .env файлов, уже заданные переменные не перезаписываются
func LoadEnv(files ...string) {
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			logger.Warn("Не удалось прочитать .env файл", zap.String("path", f), zap.Error(err))
		}
	}
}

// Load загружает конфигурацию из файла
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("ошибка чтения файла конфигурации: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("ошибка разбора файла конфигурации: %w", err)
		}
	}

	applyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger.Debug("Загружена конфигурация", zap.String("path", path))
	logger.Info("Загружена конфигурация",
		zap.Bool("testnet", cfg.Binance.Testnet),
		zap.Int("leverage", cfg.Trading.Leverage),
		zap.Int("max_positions", cfg.Trading.MaxConcurrentPositions),
		zap.Float64("margin_cap_pct", cfg.Trading.EffectiveMarginCap()))
	return &cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv(EnvAPIKey); v != "" {
		cfg.Binance.APIKey = v
	}
	if v := os.Getenv(EnvAPISecret); v != "" {
		cfg.Binance.APISecret = v
	}
	if v := os.Getenv(EnvTestnet); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Binance.Testnet = b
		}
	}
	if v := os.Getenv(EnvSignalURL); v != "" {
		cfg.Signals.URL = v
	}
	if v := os.Getenv(EnvInfluxToken); v != "" {
		cfg.Storage.Token = v
	}
}

// Validate проверяет обязательные параметры
func (c *Config) Validate() error {
	switch {
	case strings.TrimSpace(c.Binance.APIKey) == "":
		return &apperr.ConfigError{Field: EnvAPIKey, Reason: "не задан ключ API"}
	case strings.TrimSpace(c.Binance.APISecret) == "":
		return &apperr.ConfigError{Field: EnvAPISecret, Reason: "не задан секрет API"}
	case c.Signals.URL == "":
		return &apperr.ConfigError{Field: "signals.url", Reason: "пустой адрес"}
	case c.Trading.Leverage < 1:
		return &apperr.ConfigError{Field: "trading.leverage", Reason: "должно быть не меньше 1"}
	case c.Trading.FixedPctPerTrade <= 0 || c.Trading.FixedPctPerTrade > 1:
		return &apperr.ConfigError{Field: "trading.fixed_pct_per_trade", Reason: "ожидается значение в (0, 1]"}
	case c.Trading.StopLossPct <= 0 || c.Trading.StopLossPct >= 1:
		return &apperr.ConfigError{Field: "trading.stop_loss_pct", Reason: "ожидается значение в (0, 1)"}
	case c.Trading.MaxConcurrentPositions < 1:
		return &apperr.ConfigError{Field: "trading.max_concurrent_positions", Reason: "должно быть не меньше 1"}
	case c.Trading.StopDistanceFactor < 1:
		return &apperr.ConfigError{Field: "trading.stop_distance_factor", Reason: "должно быть не меньше 1"}
	case c.Scheduler.IntervalMinutes < 1:
		return &apperr.ConfigError{Field: "scheduler.interval_minutes", Reason: "должно быть не меньше 1"}
	case c.Safety.FailureThreshold < 1:
		return &apperr.ConfigError{Field: "safety.failure_threshold", Reason: "должно быть не меньше 1"}
	}
	if c.Storage.Enabled && (c.Storage.URL == "" || c.Storage.Bucket == "") {
		return &apperr.ConfigError{Field: "storage", Reason: "для журнала нужны url и bucket"}
	}
	return nil
}
