package config

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/spf13/viper"
)

// ClientConfig holds the voice panel settings.
type ClientConfig struct {
	ServiceURL       string `mapstructure:"service_url"`
	ProjectID        string `mapstructure:"project_id"`
	UserID           string `mapstructure:"user_id"`
	AuthToken        string `mapstructure:"auth_token"`
	FFmpegPath       string `mapstructure:"ffmpeg_path"`
	FFplayPath       string `mapstructure:"ffplay_path"`
	InputDevice      string `mapstructure:"input_device"`
	EchoCancellation bool   `mapstructure:"echo_cancellation"`
	NoiseSuppression bool   `mapstructure:"noise_suppression"`
	RecordPath       string `mapstructure:"record_path"`
	LogLevel         string `mapstructure:"log_level"`
	LogFile          string `mapstructure:"log_file"`
}

func setClientDefaults(v *viper.Viper) {
	v.SetDefault("client.service_url", "ws://localhost:5002")
	v.SetDefault("client.project_id", "")
	v.SetDefault("client.user_id", "")
	v.SetDefault("client.auth_token", "")
	v.SetDefault("client.ffmpeg_path", "ffmpeg")
	v.SetDefault("client.ffplay_path", "ffplay")
	v.SetDefault("client.input_device", "")
	v.SetDefault("client.echo_cancellation", true)
	v.SetDefault("client.noise_suppression", true)
	v.SetDefault("client.record_path", "")
	v.SetDefault("client.log_level", "warn")
	v.SetDefault("client.log_file", "")
}

// LoadClient reads the panel settings from the `client` section of the
// config file and CLIENT_* environment variables.
func LoadClient() (ClientConfig, error) {
	v, err := newViper()
	if err != nil {
		return ClientConfig{}, err
	}
	setClientDefaults(v)

	var raw struct {
		Client ClientConfig `mapstructure:"client"`
	}
	if err := v.Unmarshal(&raw); err != nil {
		return ClientConfig{}, fmt.Errorf("decode client config: %w", err)
	}
	cfg := raw.Client
	cfg.ServiceURL = strings.TrimRight(strings.TrimSpace(cfg.ServiceURL), "/")
	if strings.TrimSpace(cfg.ProjectID) == "" {
		return ClientConfig{}, fmt.Errorf("%w: client.project_id is required", ErrInvalid)
	}
	if _, err := cfg.StreamURL(); err != nil {
		return ClientConfig{}, err
	}
	return cfg, nil
}

// StreamURL is the websocket endpoint that creates and runs a session.
func (c ClientConfig) StreamURL() (string, error) {
	u, err := url.Parse(c.ServiceURL)
	if err != nil {
		return "", fmt.Errorf("%w: client.service_url: %v", ErrInvalid, err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("%w: client.service_url scheme %q", ErrInvalid, u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/voice/stream"
	q := u.Query()
	q.Set("project_id", c.ProjectID)
	if c.AuthToken != "" {
		q.Set("auth_token", c.AuthToken)
	}
	if c.UserID != "" {
		q.Set("user_id", c.UserID)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}
