// Package config loads the engine's YAML configuration. Missing fields take
// their `default` tag, a handful of ENGINE_* environment variables override
// connection settings, and the result is validated before use.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/Rajchodisetti/options-engine/internal/adapters"
	"github.com/Rajchodisetti/options-engine/internal/api"
	"github.com/Rajchodisetti/options-engine/internal/broker"
	"github.com/Rajchodisetti/options-engine/internal/cache"
	"github.com/Rajchodisetti/options-engine/internal/events"
	"github.com/Rajchodisetti/options-engine/internal/ledger"
	"github.com/Rajchodisetti/options-engine/internal/observ"
	"github.com/Rajchodisetti/options-engine/internal/regime"
	"github.com/Rajchodisetti/options-engine/internal/risk"
	"github.com/Rajchodisetti/options-engine/internal/scheduler"
	"github.com/Rajchodisetti/options-engine/internal/store"
)

var ErrInvalid = errors.New("invalid config")

type MarketData struct {
	// Provider is "gateway" for the HTTP quote gateway or "memory" for an empty in-process feed.
	Provider string                 `yaml:"provider" default:"gateway" validate:"oneof=gateway memory"`
	Gateway  adapters.GatewayConfig `yaml:"gateway"`
}

type Broker struct {
	Mode  string             `yaml:"mode" default:"paper" validate:"oneof=paper"`
	Paper broker.PaperConfig `yaml:"paper"`
	Guard broker.GuardConfig `yaml:"guard"`
}

type Store struct {
	Driver   string               `yaml:"driver" default:"file" validate:"oneof=memory file postgres"`
	Path     string               `yaml:"path" default:"data/state.json"`
	Postgres store.PostgresConfig `yaml:"postgres"`
	Migrate  bool                 `yaml:"migrate"`
}

type Redis struct {
	Enabled           bool `yaml:"enabled"`
	cache.RedisConfig `yaml:",inline"`
	CorrelationTTL    time.Duration `yaml:"correlation_ttl" default:"24h"`
}

type Kafka struct {
	Enabled            bool `yaml:"enabled"`
	events.KafkaConfig `yaml:",inline"`
}

type Risk struct {
	Breaker      risk.CircuitBreakerConfig `yaml:"circuit_breaker"`
	CooldownPath string                    `yaml:"cooldown_path" default:"data/cooldowns.json"`
}

type Account struct {
	ID          string  `yaml:"id" validate:"required"`
	Name        string  `yaml:"name"`
	ParentID    string  `yaml:"parent_id"`
	Type        string  `yaml:"type" default:"FIXED" validate:"oneof=FIXED PERCENTAGE"`
	Value       float64 `yaml:"value" validate:"gt=0"`
	SymbolCount int     `yaml:"symbol_count" validate:"gte=0"`
}

func (a Account) Ledger() ledger.Account {
	return ledger.Account{
		ID:          a.ID,
		Name:        a.Name,
		ParentID:    a.ParentID,
		Type:        ledger.AccountType(a.Type),
		Value:       a.Value,
		SymbolCount: a.SymbolCount,
	}
}

type Ledger struct {
	ReservationTimeout time.Duration `yaml:"reservation_timeout" default:"5m" validate:"gt=0"`

	// TotalCapital is the base for PERCENTAGE accounts.
	TotalCapital float64   `yaml:"total_capital" validate:"gte=0"`
	Accounts     []Account `yaml:"accounts" validate:"dive"`
}

type Correlation struct {
	Symbols         []string      `yaml:"symbols"`
	LookbackDays    int           `yaml:"lookback_days" default:"60" validate:"gte=10"`
	Threshold       float64       `yaml:"threshold" default:"0.75" validate:"gt=0,lte=1"`
	RefreshInterval time.Duration `yaml:"refresh_interval" default:"24h"`
}

type Backtest struct {
	// BarsFile is a JSON bar dump replayed instead of the live provider.
	BarsFile string `yaml:"bars_file"`
}

// Config is the root document.
type Config struct {
	Version     string             `yaml:"version" default:"dev"`
	Log         observ.LogConfig   `yaml:"log"`
	API         api.ServerConfig   `yaml:"api"`
	Scheduler   scheduler.Config   `yaml:"scheduler"`
	Regime      regime.Sources     `yaml:"regime_sources"`
	MarketData  MarketData         `yaml:"market_data"`
	Broker      Broker             `yaml:"broker"`
	Store       Store              `yaml:"store"`
	Redis       Redis              `yaml:"redis"`
	Kafka       Kafka              `yaml:"kafka"`
	Slack       events.SlackConfig `yaml:"slack"`
	Risk        Risk               `yaml:"risk"`
	Ledger      Ledger             `yaml:"ledger"`
	Correlation Correlation        `yaml:"correlation"`
	Backtest    Backtest           `yaml:"backtest"`
}

var validate = validator.New()

// Load reads path (an empty path means defaults only), applies defaults and
// environment overrides, and validates.
func Load(path string) (Config, error) {
	var c Config
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return c, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(b, &c); err != nil {
			return c, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	return finish(c, os.LookupEnv)
}

// Parse is Load for an in-memory document.
func Parse(doc []byte, env func(string) (string, bool)) (Config, error) {
	var c Config
	if err := yaml.Unmarshal(doc, &c); err != nil {
		return c, fmt.Errorf("parse config: %w", err)
	}
	return finish(c, env)
}

func finish(c Config, env func(string) (string, bool)) (Config, error) {
	if err := defaults.Set(&c); err != nil {
		return c, fmt.Errorf("config defaults: %w", err)
	}
	applyEnv(&c, env)
	if err := c.Validate(); err != nil {
		return c, err
	}
	return c, nil
}

// applyEnv overrides connection settings from ENGINE_* variables.
func applyEnv(c *Config, env func(string) (string, bool)) {
	if env == nil {
		return
	}
	if v, ok := env("ENGINE_PG_DSN"); ok && v != "" {
		c.Store.Postgres.DSN = v
		c.Store.Driver = "postgres"
	}
	if v, ok := env("ENGINE_REDIS_ADDR"); ok && v != "" {
		c.Redis.Addr = v
		c.Redis.Enabled = true
	}
	if v, ok := env("ENGINE_KAFKA_BROKERS"); ok && v != "" {
		var brokers []string
		for _, b := range strings.Split(v, ",") {
			if b = strings.TrimSpace(b); b != "" {
				brokers = append(brokers, b)
			}
		}
		c.Kafka.Brokers = brokers
		c.Kafka.Enabled = len(brokers) > 0
	}
	if v, ok := env("ENGINE_LOG_LEVEL"); ok && v != "" {
		c.Log.Level = strings.ToLower(v)
	}
	if v, ok := env("ENGINE_QUOTE_GATEWAY_URL"); ok && v != "" {
		c.MarketData.Gateway.BaseURL = v
	}
	if v, ok := env("ENGINE_QUOTE_GATEWAY_TOKEN"); ok && v != "" {
		c.MarketData.Gateway.Token = v
	}
	if v, ok := env("ENGINE_SLACK_WEBHOOK_URL"); ok && v != "" {
		c.Slack.WebhookURL = v
		c.Slack.Enabled = true
	}
}

// Validate checks field ranges and the rules that span sections.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	if c.MarketData.Provider == "gateway" && c.MarketData.Gateway.BaseURL == "" {
		return fmt.Errorf("%w: market_data.gateway.base_url is required for the gateway provider", ErrInvalid)
	}
	if c.Store.Driver == "postgres" && c.Store.Postgres.DSN == "" {
		return fmt.Errorf("%w: store.postgres.dsn is required for the postgres driver", ErrInvalid)
	}
	if c.Kafka.Enabled && len(c.Kafka.Brokers) == 0 {
		return fmt.Errorf("%w: kafka.brokers is required when kafka is enabled", ErrInvalid)
	}
	seen := make(map[string]bool, len(c.Ledger.Accounts))
	for _, a := range c.Ledger.Accounts {
		if seen[a.ID] {
			return fmt.Errorf("%w: duplicate ledger account %q", ErrInvalid, a.ID)
		}
		seen[a.ID] = true
	}
	for _, a := range c.Ledger.Accounts {
		if a.ParentID != "" && !seen[a.ParentID] {
			return fmt.Errorf("%w: account %q has unknown parent %q", ErrInvalid, a.ID, a.ParentID)
		}
	}
	return nil
}
