package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/ent0n29/voicebridge/internal/engine"
)

const (
	EngineModeDeepgram = "deepgram"
	EngineModeMock     = "mock"

	BackendModeHTTP = "http"
	BackendModeMock = "mock"

	// ConfigFileEnv names an optional yaml/json/toml/dotenv config file.
	ConfigFileEnv = "VOICE_CONFIG_FILE"
)

// Config contains all runtime settings for the voice service.
type Config struct {
	Server      ServerConfig  `mapstructure:"server"`
	Session     SessionConfig `mapstructure:"session"`
	Engine      EngineConfig  `mapstructure:"engine"`
	Backend     BackendConfig `mapstructure:"backend"`
	Log         LogConfig     `mapstructure:"log"`
	Metrics     MetricsConfig `mapstructure:"metrics"`
	DatabaseURL string        `mapstructure:"database_url"`
}

type ServerConfig struct {
	BindAddr        string        `mapstructure:"bind_addr"`
	Port            int           `mapstructure:"port"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	AllowAnyOrigin  bool          `mapstructure:"allow_any_origin"`
	SendQueue       int           `mapstructure:"send_queue"`
}

type SessionConfig struct {
	InactivityTimeout time.Duration `mapstructure:"inactivity_timeout"`
	ConnectTimeout    time.Duration `mapstructure:"connect_timeout"`
	Retention         time.Duration `mapstructure:"retention"`
	JanitorInterval   time.Duration `mapstructure:"janitor_interval"`
}

type EngineConfig struct {
	Mode          string `mapstructure:"mode"`
	URL           string `mapstructure:"url"`
	APIKey        string `mapstructure:"api_key"`
	ListenModel   string `mapstructure:"listen_model"`
	ThinkProvider string `mapstructure:"think_provider"`
	ThinkModel    string `mapstructure:"think_model"`
	SpeakModel    string `mapstructure:"speak_model"`
	// Agent holds free-form engine.Settings overrides.
	Agent map[string]any `mapstructure:"agent"`
}

type BackendConfig struct {
	Mode          string        `mapstructure:"mode"`
	URL           string        `mapstructure:"url"`
	Timeout       time.Duration `mapstructure:"timeout"`
	ReconnectBase time.Duration `mapstructure:"reconnect_base"`
	ReconnectCap  time.Duration `mapstructure:"reconnect_cap"`
	MockStepDelay time.Duration `mapstructure:"mock_step_delay"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

type MetricsConfig struct {
	Namespace string `mapstructure:"namespace"`
}

func setServiceDefaults(v *viper.Viper) {
	v.SetDefault("server.bind_addr", ":5002")
	v.SetDefault("server.port", 0)
	v.SetDefault("server.shutdown_timeout", 15*time.Second)
	v.SetDefault("server.allow_any_origin", false)
	v.SetDefault("server.send_queue", 256)
	v.SetDefault("session.inactivity_timeout", 5*time.Minute)
	v.SetDefault("session.connect_timeout", 10*time.Second)
	v.SetDefault("session.retention", 10*time.Minute)
	v.SetDefault("session.janitor_interval", 5*time.Second)
	v.SetDefault("engine.mode", EngineModeDeepgram)
	v.SetDefault("engine.url", engine.DefaultURL)
	v.SetDefault("engine.api_key", "")
	v.SetDefault("engine.listen_model", "")
	v.SetDefault("engine.think_provider", "")
	v.SetDefault("engine.think_model", "")
	v.SetDefault("engine.speak_model", "")
	v.SetDefault("backend.mode", BackendModeHTTP)
	v.SetDefault("backend.url", "http://localhost:5001")
	v.SetDefault("backend.timeout", 30*time.Second)
	v.SetDefault("backend.reconnect_base", time.Second)
	v.SetDefault("backend.reconnect_cap", 30*time.Second)
	v.SetDefault("backend.mock_step_delay", 2*time.Second)
	v.SetDefault("log.level", "info")
	v.SetDefault("metrics.namespace", "voicebridge")
	v.SetDefault("database_url", "")
}

// aliases lets the variable names used by existing deployments keep working.
var aliases = map[string][]string{
	"engine.api_key":        {"ENGINE_API_KEY", "DEEPGRAM_API_KEY"},
	"engine.listen_model":   {"ENGINE_LISTEN_MODEL", "DEEPGRAM_MODEL"},
	"engine.think_provider": {"ENGINE_THINK_PROVIDER", "LLM_PROVIDER"},
	"engine.think_model":    {"ENGINE_THINK_MODEL", "LLM_MODEL"},
	"engine.speak_model":    {"ENGINE_SPEAK_MODEL", "TTS_MODEL"},
	"backend.url":           {"BACKEND_URL", "EIGENT_BACKEND_URL"},
	"server.port":           {"SERVER_PORT", "VOICE_SERVICE_PORT"},
	"database_url":          {"DATABASE_URL"},
	"log.level":             {"LOG_LEVEL"},
}

func newViper() (*viper.Viper, error) {
	v := viper.New()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, envs := range aliases {
		if err := v.BindEnv(append([]string{key}, envs...)...); err != nil {
			return nil, fmt.Errorf("bind env %s: %w", key, err)
		}
	}
	if path := strings.TrimSpace(os.Getenv(ConfigFileEnv)); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}
	return v, nil
}

// Load reads defaults, the optional config file and the environment, in
// that order of precedence, and validates the result.
func Load() (Config, error) {
	v, err := newViper()
	if err != nil {
		return Config{}, err
	}
	setServiceDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	normalize(&cfg)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func normalize(cfg *Config) {
	cfg.Engine.Mode = strings.ToLower(strings.TrimSpace(cfg.Engine.Mode))
	cfg.Engine.APIKey = strings.TrimSpace(cfg.Engine.APIKey)
	cfg.Backend.Mode = strings.ToLower(strings.TrimSpace(cfg.Backend.Mode))
	cfg.Backend.URL = strings.TrimRight(strings.TrimSpace(cfg.Backend.URL), "/")
	cfg.DatabaseURL = strings.TrimSpace(cfg.DatabaseURL)
	if cfg.Server.Port > 0 {
		cfg.Server.BindAddr = fmt.Sprintf(":%d", cfg.Server.Port)
	}
}

var (
	ErrMissingAPIKey = errors.New("engine api key is required (set DEEPGRAM_API_KEY or ENGINE_MODE=mock)")
	ErrInvalid       = errors.New("invalid config")
)

func (c Config) Validate() error {
	switch c.Engine.Mode {
	case EngineModeDeepgram:
		if c.Engine.APIKey == "" {
			return ErrMissingAPIKey
		}
	case EngineModeMock:
	default:
		return fmt.Errorf("%w: engine.mode %q", ErrInvalid, c.Engine.Mode)
	}
	switch c.Backend.Mode {
	case BackendModeHTTP:
		if c.Backend.URL == "" {
			return fmt.Errorf("%w: backend.url is required", ErrInvalid)
		}
	case BackendModeMock:
	default:
		return fmt.Errorf("%w: backend.mode %q", ErrInvalid, c.Backend.Mode)
	}
	if c.Session.InactivityTimeout < 5*time.Second {
		return fmt.Errorf("%w: session.inactivity_timeout must be at least 5s", ErrInvalid)
	}
	if c.Session.ConnectTimeout <= 0 {
		return fmt.Errorf("%w: session.connect_timeout must be positive", ErrInvalid)
	}
	if strings.TrimSpace(c.Server.BindAddr) == "" {
		return fmt.Errorf("%w: server.bind_addr is required", ErrInvalid)
	}
	return nil
}

// EngineSettings builds the agent settings: defaults, then the typed model
// fields, then the free-form agent overrides.
func (c Config) EngineSettings() (engine.Settings, error) {
	s := engine.DefaultSettings()
	if c.Engine.ListenModel != "" {
		s.ListenModel = c.Engine.ListenModel
	}
	if c.Engine.ThinkProvider != "" {
		s.ThinkProvider = c.Engine.ThinkProvider
	}
	if c.Engine.ThinkModel != "" {
		s.ThinkModel = c.Engine.ThinkModel
	}
	if c.Engine.SpeakModel != "" {
		s.SpeakModel = c.Engine.SpeakModel
	}
	if len(c.Engine.Agent) == 0 {
		return s, nil
	}
	return engine.DecodeSettings(s, c.Engine.Agent)
}
