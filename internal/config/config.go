// Package config loads and validates the engine configuration from a YAML
// file plus environment overrides.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Identity Identity `mapstructure:"identity"`
	Server   Server   `mapstructure:"server"`
	Call     Call     `mapstructure:"call"`
	Typing   Typing   `mapstructure:"typing"`
	Recorder Recorder `mapstructure:"recorder"`
}

type Identity struct {
	UserID    string `mapstructure:"user_id"`
	PartnerID string `mapstructure:"partner_id"`
	FirstName string `mapstructure:"first_name"`
}

type Server struct {
	SocketURL  string        `mapstructure:"socket_url"`
	APIBaseURL string        `mapstructure:"api_base_url"`
	APITimeout time.Duration `mapstructure:"api_timeout"`
}

type Call struct {
	STUNServers []string `mapstructure:"stun_servers"`
}

type Typing struct {
	StopDelayMS int `mapstructure:"stop_delay_ms"`
}

type Recorder struct {
	MaxSeconds int `mapstructure:"max_seconds"`
}

func Default() Config {
	return Config{
		Server: Server{
			SocketURL:  "ws://localhost:4000/ws",
			APIBaseURL: "http://localhost:4000/api",
			APITimeout: 15 * time.Second,
		},
		Call: Call{
			STUNServers: []string{"stun:stun.l.google.com:19302"},
		},
		Typing: Typing{
			StopDelayMS: 1000,
		},
		Recorder: Recorder{
			MaxSeconds: 300,
		},
	}
}

// Load reads path (or the defaults when path is empty and no chatlink.yaml
// is found next to the binary), applies CHATLINK_* environment overrides,
// and validates.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("chatlink")
		v.AddConfigPath(".")
	}
	v.SetEnvPrefix("CHATLINK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	def := Default()
	v.SetDefault("server.socket_url", def.Server.SocketURL)
	v.SetDefault("server.api_base_url", def.Server.APIBaseURL)
	v.SetDefault("server.api_timeout", def.Server.APITimeout)
	v.SetDefault("call.stun_servers", def.Call.STUNServers)
	v.SetDefault("typing.stop_delay_ms", def.Typing.StopDelayMS)
	v.SetDefault("recorder.max_seconds", def.Recorder.MaxSeconds)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("config: read %q: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: unmarshal: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	// Identity is optional here: ids may come from flags instead. The
	// session controller enforces their presence before joining.
	if c.Identity.UserID != "" && c.Identity.UserID == c.Identity.PartnerID {
		return errors.New("identity.user_id and identity.partner_id must differ")
	}

	if strings.TrimSpace(c.Server.SocketURL) == "" {
		return errors.New("server.socket_url is required")
	}
	u, err := url.Parse(c.Server.SocketURL)
	if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") {
		return errors.New("server.socket_url must be a ws:// or wss:// URL")
	}

	if strings.TrimSpace(c.Server.APIBaseURL) == "" {
		return errors.New("server.api_base_url is required")
	}
	if a, err := url.Parse(c.Server.APIBaseURL); err != nil || (a.Scheme != "http" && a.Scheme != "https") {
		return errors.New("server.api_base_url must be an http:// or https:// URL")
	}
	if c.Server.APITimeout <= 0 {
		return errors.New("server.api_timeout must be > 0")
	}

	if len(c.Call.STUNServers) == 0 {
		return errors.New("call.stun_servers must list at least one server")
	}
	for _, s := range c.Call.STUNServers {
		if !strings.HasPrefix(s, "stun:") && !strings.HasPrefix(s, "turn:") {
			return fmt.Errorf("call.stun_servers: %q must start with stun: or turn:", s)
		}
	}

	if c.Typing.StopDelayMS <= 0 {
		return errors.New("typing.stop_delay_ms must be > 0")
	}
	if c.Recorder.MaxSeconds <= 0 {
		return errors.New("recorder.max_seconds must be > 0")
	}
	return nil
}

// TypingDelay returns the typing stop delay as a duration.
func (c *Config) TypingDelay() time.Duration {
	return time.Duration(c.Typing.StopDelayMS) * time.Millisecond
}
