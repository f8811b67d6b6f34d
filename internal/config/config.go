package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	Judit      JuditConfig      `yaml:"judit" mapstructure:"judit"`
	Dispatch   DispatchConfig   `yaml:"dispatch" mapstructure:"dispatch"`
	Temporal   TemporalConfig   `yaml:"temporal" mapstructure:"temporal"`
	Pipedrive  PipedriveConfig  `yaml:"pipedrive" mapstructure:"pipedrive"`
	Assertiva  AssertivaConfig  `yaml:"assertiva" mapstructure:"assertiva"`
	Invertexto InvertextoConfig `yaml:"invertexto" mapstructure:"invertexto"`
	Lookup     LookupConfig     `yaml:"lookup" mapstructure:"lookup"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Auth       AuthConfig       `yaml:"auth" mapstructure:"auth"`
	Monitoring MonitoringConfig `yaml:"monitoring" mapstructure:"monitoring"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// JuditConfig holds the judicial-records provider settings.
type JuditConfig struct {
	APIKey      string `yaml:"api_key" mapstructure:"api_key"`
	BaseURL     string `yaml:"base_url" mapstructure:"base_url"`
	CallbackURL string `yaml:"callback_url" mapstructure:"callback_url"`
	// CallbackToken, when set, must arrive as the webhook's token query parameter.
	CallbackToken   string `yaml:"callback_token" mapstructure:"callback_token"`
	TimeoutSecs     int    `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	RetryAttempts   int    `yaml:"retry_attempts" mapstructure:"retry_attempts"`
	RetryBackoffMs  int    `yaml:"retry_backoff_ms" mapstructure:"retry_backoff_ms"`
	CallbackTTLMins int    `yaml:"callback_ttl_mins" mapstructure:"callback_ttl_mins"`
	SweepInterval   int    `yaml:"sweep_interval_secs" mapstructure:"sweep_interval_secs"`
}

// CallbackTTL is how long an async request may wait for its callback.
// Zero disables expiry.
func (c JuditConfig) CallbackTTL() time.Duration {
	return time.Duration(c.CallbackTTLMins) * time.Minute
}

// DispatchConfig configures background batch dispatch.
type DispatchConfig struct {
	DelayMs              int `yaml:"delay_ms" mapstructure:"delay_ms"`
	MaxConcurrentBatches int `yaml:"max_concurrent_batches" mapstructure:"max_concurrent_batches"`
	MaxRetries           int `yaml:"max_retries" mapstructure:"max_retries"`
	RetryIntervalSecs    int `yaml:"retry_interval_secs" mapstructure:"retry_interval_secs"`
}

// Delay is the pause between two records of the same batch.
func (c DispatchConfig) Delay() time.Duration {
	return time.Duration(c.DelayMs) * time.Millisecond
}

// TemporalConfig selects durable dispatch on a Temporal cluster.
type TemporalConfig struct {
	Enabled   bool   `yaml:"enabled" mapstructure:"enabled"`
	HostPort  string `yaml:"host_port" mapstructure:"host_port"`
	Namespace string `yaml:"namespace" mapstructure:"namespace"`
	TaskQueue string `yaml:"task_queue" mapstructure:"task_queue"`
}

// PipedriveConfig holds CRM API settings.
type PipedriveConfig struct {
	Domain       string  `yaml:"domain" mapstructure:"domain"`
	APIToken     string  `yaml:"api_token" mapstructure:"api_token"`
	BaseURL      string  `yaml:"base_url" mapstructure:"base_url"`
	RateLimit    float64 `yaml:"rate_limit" mapstructure:"rate_limit"`
	MaxDeals     int     `yaml:"max_deals" mapstructure:"max_deals"`
	PersonCPFKey string  `yaml:"person_cpf_key" mapstructure:"person_cpf_key"`
	OrgCNPJKey   string  `yaml:"org_cnpj_key" mapstructure:"org_cnpj_key"`
}

// AssertivaConfig holds the Assertiva OAuth2 client credentials.
type AssertivaConfig struct {
	ClientID     string `yaml:"client_id" mapstructure:"client_id"`
	ClientSecret string `yaml:"client_secret" mapstructure:"client_secret"`
	BaseURL      string `yaml:"base_url" mapstructure:"base_url"`
}

// InvertextoConfig holds the Invertexto API token.
type InvertextoConfig struct {
	Token   string `yaml:"token" mapstructure:"token"`
	BaseURL string `yaml:"base_url" mapstructure:"base_url"`
}

// LookupConfig configures registry lookups.
type LookupConfig struct {
	Providers        []string `yaml:"providers" mapstructure:"providers"`
	Concurrency      int      `yaml:"concurrency" mapstructure:"concurrency"`
	RateLimit        float64  `yaml:"rate_limit" mapstructure:"rate_limit"`
	FailureThreshold int      `yaml:"failure_threshold" mapstructure:"failure_threshold"`
	ResetTimeoutSecs int      `yaml:"reset_timeout_secs" mapstructure:"reset_timeout_secs"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Port            int      `yaml:"port" mapstructure:"port"`
	CORSOrigins     []string `yaml:"cors_origins" mapstructure:"cors_origins"`
	ShutdownTimeout int      `yaml:"shutdown_timeout_secs" mapstructure:"shutdown_timeout_secs"`
}

// AuthConfig configures bearer-token authentication. Empty secret disables it.
type AuthConfig struct {
	JWTSecret    string `yaml:"jwt_secret" mapstructure:"jwt_secret"`
	TokenTTLMins int    `yaml:"token_ttl_mins" mapstructure:"token_ttl_mins"`
	Issuer       string `yaml:"issuer" mapstructure:"issuer"`
}

// TokenTTL is the lifetime of issued tokens. Zero means they never expire.
func (c AuthConfig) TokenTTL() time.Duration {
	return time.Duration(c.TokenTTLMins) * time.Minute
}

// MonitoringConfig configures alert checks.
type MonitoringConfig struct {
	Enabled              bool    `yaml:"enabled" mapstructure:"enabled"`
	WebhookURL           string  `yaml:"webhook_url" mapstructure:"webhook_url"`
	FailureRateThreshold float64 `yaml:"failure_rate_threshold" mapstructure:"failure_rate_threshold"`
	StaleAfterHours      int     `yaml:"stale_after_hours" mapstructure:"stale_after_hours"`
	DLQDepthThreshold    int     `yaml:"dlq_depth_threshold" mapstructure:"dlq_depth_threshold"`
	CheckIntervalSecs    int     `yaml:"check_interval_secs" mapstructure:"check_interval_secs"`
	LookbackWindowHours  int     `yaml:"lookback_window_hours" mapstructure:"lookback_window_hours"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

var secretKeys = []string{
	"store.database_url",
	"judit.api_key",
	"judit.callback_url",
	"judit.callback_token",
	"pipedrive.domain",
	"pipedrive.api_token",
	"assertiva.client_id",
	"assertiva.client_secret",
	"invertexto.token",
	"auth.jwt_secret",
	"monitoring.webhook_url",
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("PROCESSSCAN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "postgres")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 2)
	v.SetDefault("judit.base_url", "https://requests.prod.judit.io")
	v.SetDefault("judit.timeout_secs", 30)
	v.SetDefault("judit.retry_attempts", 3)
	v.SetDefault("judit.retry_backoff_ms", 1000)
	v.SetDefault("judit.callback_ttl_mins", 0)
	v.SetDefault("judit.sweep_interval_secs", 300)
	v.SetDefault("dispatch.delay_ms", 1000)
	v.SetDefault("dispatch.max_concurrent_batches", 4)
	v.SetDefault("dispatch.max_retries", 3)
	v.SetDefault("dispatch.retry_interval_secs", 60)
	v.SetDefault("temporal.host_port", "localhost:7233")
	v.SetDefault("temporal.namespace", "default")
	v.SetDefault("temporal.task_queue", "processscan-dispatch")
	v.SetDefault("pipedrive.rate_limit", 8.0)
	v.SetDefault("pipedrive.max_deals", 10000)
	v.SetDefault("pipedrive.person_cpf_key", "e3c63a9658469cbb216157a807cadcf263637383")
	v.SetDefault("pipedrive.org_cnpj_key", "9d4c76c6dfc415d520cee2837699e3ace1045be9")
	v.SetDefault("assertiva.base_url", "https://api.assertivasolucoes.com.br")
	v.SetDefault("invertexto.base_url", "https://api.invertexto.com")
	v.SetDefault("lookup.providers", []string{"invertexto", "assertiva"})
	v.SetDefault("lookup.concurrency", 5)
	v.SetDefault("lookup.rate_limit", 2.0)
	v.SetDefault("lookup.failure_threshold", 5)
	v.SetDefault("lookup.reset_timeout_secs", 30)
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.cors_origins", []string{"*"})
	v.SetDefault("server.shutdown_timeout_secs", 30)
	v.SetDefault("auth.token_ttl_mins", 60*24)
	v.SetDefault("auth.issuer", "processscan")
	v.SetDefault("monitoring.failure_rate_threshold", 0.5)
	v.SetDefault("monitoring.stale_after_hours", 24)
	v.SetDefault("monitoring.dlq_depth_threshold", 10)
	v.SetDefault("monitoring.check_interval_secs", 300)
	v.SetDefault("monitoring.lookback_window_hours", 24)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	// Keys without a default are invisible to Unmarshal unless registered.
	for _, k := range secretKeys {
		v.SetDefault(k, "")
	}

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// Validate checks the settings a command needs. mode is one of serve,
// worker, submit, lookup, token or migrate.
func (c *Config) Validate(mode string) error {
	var errs []string
	need := func(ok bool, msg string) {
		if !ok {
			errs = append(errs, msg)
		}
	}

	storeRequired := func() {
		switch c.Store.Driver {
		case "postgres":
			need(c.Store.DatabaseURL != "", "store.database_url is required")
		case "sqlite":
		default:
			errs = append(errs, fmt.Sprintf("store.driver %q must be postgres or sqlite", c.Store.Driver))
		}
	}
	dispatchRequired := func() {
		need(c.Judit.APIKey != "", "judit.api_key is required")
		need(c.Dispatch.MaxConcurrentBatches >= 1 && c.Dispatch.MaxConcurrentBatches <= 64,
			"dispatch.max_concurrent_batches must be between 1 and 64")
		need(c.Dispatch.DelayMs >= 0, "dispatch.delay_ms must be >= 0")
		if c.Judit.CallbackURL != "" {
			u, err := url.Parse(c.Judit.CallbackURL)
			need(err == nil && u.IsAbs(), "judit.callback_url must be an absolute URL")
		}
	}

	switch mode {
	case "serve":
		storeRequired()
		dispatchRequired()
		need(c.Server.Port > 0, "server.port must be > 0")
		need(c.Monitoring.FailureRateThreshold >= 0 && c.Monitoring.FailureRateThreshold <= 1,
			"monitoring.failure_rate_threshold must be between 0 and 1")
	case "worker":
		storeRequired()
		dispatchRequired()
		need(c.Temporal.HostPort != "", "temporal.host_port is required")
	case "submit":
		storeRequired()
		dispatchRequired()
	case "lookup":
		need(len(c.Lookup.Providers) > 0, "lookup.providers must not be empty")
		for _, p := range c.Lookup.Providers {
			switch p {
			case "invertexto":
				need(c.Invertexto.Token != "", "invertexto.token is required")
			case "assertiva":
				need(c.Assertiva.ClientID != "" && c.Assertiva.ClientSecret != "",
					"assertiva.client_id and assertiva.client_secret are required")
			default:
				errs = append(errs, fmt.Sprintf("lookup.providers: unknown provider %q", p))
			}
		}
	case "token":
		need(c.Auth.JWTSecret != "", "auth.jwt_secret is required")
	case "migrate":
		storeRequired()
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	if len(errs) > 0 {
		return eris.Errorf("config: %s", strings.Join(errs, "; "))
	}
	return nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
