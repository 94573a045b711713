package config

import (
	"strings"

	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/shelfsight/upcguard/internal/detect"
	"github.com/shelfsight/upcguard/internal/model"
)

// Config holds the full application configuration.
type Config struct {
	Store     StoreConfig     `yaml:"store" mapstructure:"store"`
	Detect    DetectConfig    `yaml:"detect" mapstructure:"detect"`
	Engine    EngineConfig    `yaml:"engine" mapstructure:"engine"`
	Ingest    IngestConfig    `yaml:"ingest" mapstructure:"ingest"`
	Anthropic AnthropicConfig `yaml:"anthropic" mapstructure:"anthropic"`
	Server    ServerConfig    `yaml:"server" mapstructure:"server"`
	Log       LogConfig       `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
}

// DetectConfig configures conflict scoring.
type DetectConfig struct {
	Bands      []BandConfig `yaml:"bands" mapstructure:"bands"`
	UnitImpact float64      `yaml:"unit_impact" mapstructure:"unit_impact"`
}

// BandConfig maps a minimum group size to a severity and priority.
type BandConfig struct {
	MinGroupSize int    `yaml:"min_group_size" mapstructure:"min_group_size"`
	Severity     string `yaml:"severity" mapstructure:"severity"`
	Priority     string `yaml:"priority" mapstructure:"priority"`
}

// Scoring converts the configured bands to a detect.Scoring policy. An empty
// band list falls back to the built-in defaults.
func (c DetectConfig) Scoring() (detect.Scoring, error) {
	scoring := detect.DefaultScoring()
	if c.UnitImpact > 0 {
		scoring.UnitImpact = decimal.NewFromFloat(c.UnitImpact)
	}
	if len(c.Bands) > 0 {
		bands := make([]detect.Band, 0, len(c.Bands))
		for _, b := range c.Bands {
			bands = append(bands, detect.Band{
				MinGroupSize: b.MinGroupSize,
				Severity:     model.Severity(b.Severity),
				Priority:     model.Priority(b.Priority),
			})
		}
		scoring.Bands = bands
	}
	if err := scoring.Validate(); err != nil {
		return detect.Scoring{}, eris.Wrap(err, "config: scoring")
	}
	return scoring, nil
}

// EngineConfig configures the analysis orchestrator.
type EngineConfig struct {
	ChunkSize  int `yaml:"chunk_size" mapstructure:"chunk_size"`
	MaxRecords int `yaml:"max_records" mapstructure:"max_records"`
}

// IngestConfig configures batch file ingestion.
type IngestConfig struct {
	MaxRows int `yaml:"max_rows" mapstructure:"max_rows"`
}

// AnthropicConfig holds Anthropic API settings for the optional annotation
// pass. Annotation is disabled when Key is empty.
type AnthropicConfig struct {
	Key            string  `yaml:"key" mapstructure:"key"`
	Model          string  `yaml:"model" mapstructure:"model"`
	MaxTokens      int     `yaml:"max_tokens" mapstructure:"max_tokens"`
	RequestsPerSec float64 `yaml:"requests_per_sec" mapstructure:"requests_per_sec"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Port           int      `yaml:"port" mapstructure:"port"`
	AllowedOrigins []string `yaml:"allowed_origins" mapstructure:"allowed_origins"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("UPCGUARD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "upcguard.db")
	v.SetDefault("detect.unit_impact", 25.0)
	v.SetDefault("engine.chunk_size", 100)
	v.SetDefault("engine.max_records", 500_000)
	v.SetDefault("ingest.max_rows", 500_000)
	v.SetDefault("anthropic.model", "claude-sonnet-4-5-20250929")
	v.SetDefault("anthropic.max_tokens", 1024)
	v.SetDefault("anthropic.requests_per_sec", 2.0)
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.allowed_origins", []string{"*"})
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

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
