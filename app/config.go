package chatsync

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"path/filepath"
	"slices"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/go-playground/validator/v10"
	"github.com/mitchellh/mapstructure"
	"github.com/putto11262002/chatsync/core"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment variable, e.g. CHATSYNC_SERVER_BASE_URL.
const EnvPrefix = "CHATSYNC"

type LogConfig struct {
	// Level is one of debug, info, warn and error. The default is info.
	Level string `mapstructure:"level" validate:"oneof=debug info warn error"`
	// Format is text or json. The default is text.
	Format string `mapstructure:"format" validate:"oneof=text json"`
}

// Config configures the chat client.
type Config struct {
	Server struct {
		// BaseURL is the REST base url of the chat server.
		BaseURL string `mapstructure:"base_url" validate:"required,url"`
		// WSURL is the STOMP websocket endpoint. It is derived from BaseURL when empty.
		WSURL   string        `mapstructure:"ws_url" validate:"omitempty,url"`
		Timeout time.Duration `mapstructure:"timeout" validate:"gt=0"`
		// Timezone is the zone of timestamps the server sends without one.
		Timezone string `mapstructure:"timezone" validate:"required,timezone"`
	} `mapstructure:"server"`
	Auth struct {
		// Token is a bearer token obtained elsewhere. When empty the client signs in
		// with Username and Password.
		Token    string `mapstructure:"token"`
		UserID   string `mapstructure:"user_id"`
		Username string `mapstructure:"username" validate:"required_without=Token"`
		Password string `mapstructure:"password" validate:"required_with=Username"`
	} `mapstructure:"auth"`
	Transport struct {
		HandshakeTimeout time.Duration `mapstructure:"handshake_timeout" validate:"gt=0"`
		PingPeriod       time.Duration `mapstructure:"ping_period" validate:"gt=0"`
		ReconnectBase    time.Duration `mapstructure:"reconnect_base" validate:"gt=0"`
		ReconnectMax     time.Duration `mapstructure:"reconnect_max" validate:"gtefield=ReconnectBase"`
		ReconnectJitter  float64       `mapstructure:"reconnect_jitter" validate:"gte=0,lte=1"`
	} `mapstructure:"transport"`
	Session struct {
		HistoryLimit      int           `mapstructure:"history_limit" validate:"gt=0"`
		SearchLimit       int           `mapstructure:"search_limit" validate:"gt=0"`
		SendVia           string        `mapstructure:"send_via" validate:"oneof=rest stomp"`
		SendRate          float64       `mapstructure:"send_rate" validate:"gte=0"`
		SendBurst         int           `mapstructure:"send_burst" validate:"gte=1"`
		PendingTimeout    time.Duration `mapstructure:"pending_timeout" validate:"gt=0"`
		CorrelationWindow time.Duration `mapstructure:"correlation_window" validate:"gt=0"`
		ReorderThreshold  time.Duration `mapstructure:"reorder_threshold" validate:"gte=0"`
	} `mapstructure:"session"`
	Log     LogConfig `mapstructure:"log"`
	Metrics struct {
		// Addr serves prometheus metrics on /metrics when set, e.g. localhost:9090.
		Addr string `mapstructure:"addr" validate:"omitempty,hostname_port"`
	} `mapstructure:"metrics"`
	valid bool
}

// SimConfig configures the development chat server.
type SimConfig struct {
	Hostname string `mapstructure:"hostname" validate:"required"`
	Port     int    `mapstructure:"port" validate:"required,port"`
	SQLite   struct {
		// File is the path to the SQLite database file.
		File string `mapstructure:"file" validate:"required"`
	} `mapstructure:"sqlite"`
	Auth struct {
		// Secret signs JWT tokens and must be base64 encoded. The default is a random
		// 32 byte secret.
		Secret          Base64Encoded `mapstructure:"secret" validate:"required"`
		TokenExpiration time.Duration `mapstructure:"token_expiration" validate:"gt=0"`
	} `mapstructure:"auth"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
	// Seed lists username:password pairs registered on startup if missing.
	Seed  []string  `mapstructure:"seed" validate:"dive,contains=:"`
	Log   LogConfig `mapstructure:"log"`
	valid bool
}

type Base64Encoded []byte

func (b *Base64Encoded) UnmarshalText(text []byte) error {
	dec, err := base64.StdEncoding.DecodeString(string(text))
	if err != nil {
		return fmt.Errorf("base64 decode: %w", err)
	}
	*b = dec
	return nil
}

func setDefaults(v *viper.Viper) error {
	d := core.DefaultSessionConfig
	t := core.DefaultTransportConfig

	v.SetDefault("server.base_url", "http://localhost:8080")
	v.SetDefault("server.ws_url", "")
	v.SetDefault("server.timeout", 15*time.Second)
	v.SetDefault("server.timezone", "UTC")

	v.SetDefault("auth.token", "")
	v.SetDefault("auth.user_id", "")
	v.SetDefault("auth.username", "")
	v.SetDefault("auth.password", "")

	v.SetDefault("transport.handshake_timeout", t.HandshakeTimeout)
	v.SetDefault("transport.ping_period", t.PingPeriod)
	v.SetDefault("transport.reconnect_base", t.ReconnectBase)
	v.SetDefault("transport.reconnect_max", t.ReconnectMax)
	v.SetDefault("transport.reconnect_jitter", t.ReconnectJitter)

	v.SetDefault("session.history_limit", d.HistoryLimit)
	v.SetDefault("session.search_limit", d.SearchLimit)
	v.SetDefault("session.send_via", string(d.SendVia))
	v.SetDefault("session.send_rate", d.SendRate)
	v.SetDefault("session.send_burst", d.SendBurst)
	v.SetDefault("session.pending_timeout", d.PendingTimeout)
	v.SetDefault("session.correlation_window", d.CorrelationWindow)
	v.SetDefault("session.reorder_threshold", d.ReorderThreshold)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("metrics.addr", "")

	v.SetDefault("sim.hostname", "0.0.0.0")
	v.SetDefault("sim.port", 8080)
	v.SetDefault("sim.sqlite.file", "./chatsim.db")
	// generate a random secret key
	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return fmt.Errorf("generate secret: %w", err)
	}
	v.SetDefault("sim.auth.secret", base64.StdEncoding.EncodeToString(secret))
	v.SetDefault("sim.auth.token_expiration", 24*time.Hour)
	v.SetDefault("sim.allowed_origins", []string{"*"})
	v.SetDefault("sim.seed", []string{})
	v.SetDefault("sim.log.level", "info")
	v.SetDefault("sim.log.format", "text")
	return nil
}

// newViper reads defaults, the optional config file and CHATSYNC_ environment
// variables. A missing file is only an error when it was named explicitly.
func newViper(file string) (*viper.Viper, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if err := setDefaults(v); err != nil {
		return nil, err
	}

	if file != "" {
		v.SetConfigFile(file)
	} else {
		v.SetConfigName("chatsync")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if file != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}
	return v, nil
}

var decodeHook = viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
	mapstructure.StringToTimeDurationHookFunc(),
	mapstructure.TextUnmarshallerHookFunc(),
	mapstructure.StringToSliceHookFunc(","),
))

// LoadConfig loads the client configuration from defaults, the config file and the
// environment. Invalid values are reported by Validate.
func LoadConfig(file string) (*Config, error) {
	v, err := newViper(file)
	if err != nil {
		return nil, err
	}
	config := &Config{}
	if err := v.Unmarshal(config, decodeHook); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	return config, nil
}

// LoadSimConfig loads the development server configuration from the sim section.
func LoadSimConfig(file string) (*SimConfig, error) {
	v, err := newViper(file)
	if err != nil {
		return nil, err
	}
	// Unmarshal rather than UnmarshalKey so nested keys see environment overrides.
	var root struct {
		Sim SimConfig `mapstructure:"sim"`
	}
	if err := v.Unmarshal(&root, decodeHook); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	return &root.Sim, nil
}

func (c *Config) Validate() error {
	if c.valid {
		return nil
	}
	if err := validate.Struct(c); err != nil {
		return err
	}
	c.valid = true
	return nil
}

func (c *SimConfig) Validate() error {
	if c.valid {
		return nil
	}
	if err := validate.Struct(c); err != nil {
		return err
	}
	c.valid = true
	return nil
}

// WSURL returns the websocket endpoint, derived from the base url when not set.
func (c *Config) WSURL() string {
	if c.Server.WSURL != "" {
		return c.Server.WSURL
	}
	u := strings.TrimSuffix(c.Server.BaseURL, "/")
	switch {
	case strings.HasPrefix(u, "https://"):
		u = "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		u = "ws://" + strings.TrimPrefix(u, "http://")
	}
	return u + "/ws"
}

// ServerLocation returns the zone of timestamps the server sends without one.
// The timezone is validated on load, so an unknown name falls back to UTC.
func (c *Config) ServerLocation() *time.Location {
	loc, err := time.LoadLocation(c.Server.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// TransportConfig maps the transport section onto core.TransportConfig.
func (c *Config) TransportConfig() core.TransportConfig {
	return core.TransportConfig{
		URL:              c.WSURL(),
		HandshakeTimeout: c.Transport.HandshakeTimeout,
		PingPeriod:       c.Transport.PingPeriod,
		ReconnectBase:    c.Transport.ReconnectBase,
		ReconnectMax:     c.Transport.ReconnectMax,
		ReconnectJitter:  c.Transport.ReconnectJitter,
	}
}

// SessionConfig maps the session section onto core.SessionConfig.
func (c *Config) SessionConfig() core.SessionConfig {
	s := core.DefaultSessionConfig
	s.HistoryLimit = c.Session.HistoryLimit
	s.SearchLimit = c.Session.SearchLimit
	s.SendVia = core.SendMode(c.Session.SendVia)
	s.SendRate = c.Session.SendRate
	s.SendBurst = c.Session.SendBurst
	s.PendingTimeout = c.Session.PendingTimeout
	s.CorrelationWindow = c.Session.CorrelationWindow
	s.ReorderThreshold = c.Session.ReorderThreshold
	s.ServerLocation = c.ServerLocation()
	return s
}

// NewLogger builds the process logger. Source file names are trimmed to their base.
func (c LogConfig) NewLogger(w io.Writer) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: true,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.SourceKey {
				source, _ := a.Value.Any().(*slog.Source)
				if source != nil {
					source.File = filepath.Base(source.File)
				}
			}
			return a
		},
	}
	if c.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// FormatValidationErrors renders validation errors as one sentence per line.
func FormatValidationErrors(err error) string {
	var errs validator.ValidationErrors
	if !errors.As(err, &errs) {
		return err.Error()
	}
	trans, _ := uniTrans.GetTranslator("en")
	translated := errs.Translate(trans)

	var sb strings.Builder
	for _, v := range slices.Sorted(maps.Values(translated)) {
		sb.WriteString(v)
		sb.WriteString("\n")
	}
	return sb.String()
}
