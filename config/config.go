package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds both halves of the project: the development relay and the
// matchmaking client.
type Config struct {
	Port           string
	Environment    string
	AllowedOrigins []string
	JWTSecret      string
	Redis          RedisConfig
	Relay          RelayConfig
	Client         ClientConfig
	Logger         LoggerConfig
}

type RedisConfig struct {
	Host     string
	Port     string
	Password string
	DB       int
}

// RelayConfig tunes the development relay.
type RelayConfig struct {
	HeartbeatInterval time.Duration
	// SearchCooldown is the minimum spacing between two findPartner
	// requests from one connection before findPartnerCooldown is sent.
	SearchCooldown time.Duration
	PresenceTTL    time.Duration
}

// ClientConfig configures the matchmaking client.
type ClientConfig struct {
	RelayURL          string
	AuthToken         string
	AuthID            string
	Kind              string
	Interests         []string
	AutoSearch        bool
	HandshakeTimeout  time.Duration
	Reconnect         ReconnectConfig
	MaxSearchAttempts int
	SearchCooldown    time.Duration
	STUNServers       []string
}

// ReconnectConfig is the capped exponential backoff policy of the
// connection manager.
type ReconnectConfig struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	MaxAttempts  int
}

type LoggerConfig struct {
	Level      string
	Format     string
	Output     string
	FilePath   string
	MaxSize    int
	MaxBackups int
	MaxAge     int
	Compress   bool
}

// Keys shared by Load and the CLI flag bindings.
const (
	KeyPort              = "port"
	KeyEnvironment       = "environment"
	KeyAllowedOrigins    = "allowed_origins"
	KeyJWTSecret         = "jwt_secret"
	KeyRedisHost         = "redis_host"
	KeyRedisPort         = "redis_port"
	KeyRedisPassword     = "redis_password"
	KeyRedisDB           = "redis_db"
	KeyHeartbeatInterval = "heartbeat_interval"
	KeyRelayCooldown     = "relay_search_cooldown"
	KeyPresenceTTL       = "presence_ttl"
	KeyRelayURL          = "relay_url"
	KeyAuthToken         = "auth_token"
	KeyAuthID            = "auth_id"
	KeyChatKind          = "chat_kind"
	KeyInterests         = "interests"
	KeyAutoSearch        = "auto_search"
	KeyHandshakeTimeout  = "handshake_timeout"
	KeyReconnectInitial  = "reconnect_initial_delay"
	KeyReconnectMax      = "reconnect_max_delay"
	KeyReconnectAttempts = "reconnect_max_attempts"
	KeyMaxSearchAttempts = "max_search_attempts"
	KeySearchCooldown    = "search_cooldown"
	KeySTUNServers       = "stun_servers"
	KeyLogLevel          = "log_level"
	KeyLogFormat         = "log_format"
	KeyLogOutput         = "log_output"
	KeyLogFile           = "log_file"
)

// DefaultSTUNServers are tried in order by the ICE agent.
var DefaultSTUNServers = []string{
	"stun:stun.l.google.com:19302",
	"stun:stun1.l.google.com:19302",
	"stun:stun2.l.google.com:19302",
	"stun:global.stun.twilio.com:3478",
}

// New returns a viper instance with every default set and environment
// lookup enabled. Keys map to upper-case environment variables
// (relay_url -> RELAY_URL).
func New() *viper.Viper {
	v := viper.New()
	v.SetDefault(KeyPort, "8080")
	v.SetDefault(KeyEnvironment, "development")
	v.SetDefault(KeyAllowedOrigins, "http://localhost:3000,http://localhost:5173")
	v.SetDefault(KeyJWTSecret, "change-me-in-production")
	v.SetDefault(KeyRedisHost, "localhost")
	v.SetDefault(KeyRedisPort, "6379")
	v.SetDefault(KeyRedisPassword, "")
	v.SetDefault(KeyRedisDB, 0)
	v.SetDefault(KeyHeartbeatInterval, 25*time.Second)
	v.SetDefault(KeyRelayCooldown, time.Second)
	v.SetDefault(KeyPresenceTTL, 2*time.Minute)

	v.SetDefault(KeyRelayURL, "ws://localhost:8080/ws")
	v.SetDefault(KeyAuthToken, "")
	v.SetDefault(KeyAuthID, "")
	v.SetDefault(KeyChatKind, "video")
	v.SetDefault(KeyInterests, "")
	v.SetDefault(KeyAutoSearch, true)
	v.SetDefault(KeyHandshakeTimeout, 10*time.Second)
	v.SetDefault(KeyReconnectInitial, time.Second)
	v.SetDefault(KeyReconnectMax, 30*time.Second)
	v.SetDefault(KeyReconnectAttempts, 5)
	v.SetDefault(KeyMaxSearchAttempts, 2)
	v.SetDefault(KeySearchCooldown, time.Second)
	v.SetDefault(KeySTUNServers, strings.Join(DefaultSTUNServers, ","))

	v.SetDefault(KeyLogLevel, "info")
	v.SetDefault(KeyLogFormat, "json")
	v.SetDefault(KeyLogOutput, "stdout")
	v.SetDefault(KeyLogFile, "logs/matchmaking.log")

	v.AutomaticEnv()
	return v
}

// Load reads configuration from the environment.
func Load() *Config {
	return FromViper(New())
}

// LoadFile reads configuration from a file, with the environment taking
// precedence over file values.
func LoadFile(path string) (*Config, error) {
	v := New()
	if err := ReadFile(v, path); err != nil {
		return nil, err
	}
	return FromViper(v), nil
}

// ReadFile merges the config file at path into v.
func ReadFile(v *viper.Viper, path string) error {
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	return nil
}

// FromViper builds a Config from an already populated viper instance.
func FromViper(v *viper.Viper) *Config {
	return &Config{
		Port:           v.GetString(KeyPort),
		Environment:    v.GetString(KeyEnvironment),
		AllowedOrigins: splitList(v.GetString(KeyAllowedOrigins)),
		JWTSecret:      v.GetString(KeyJWTSecret),
		Redis: RedisConfig{
			Host:     v.GetString(KeyRedisHost),
			Port:     v.GetString(KeyRedisPort),
			Password: v.GetString(KeyRedisPassword),
			DB:       v.GetInt(KeyRedisDB),
		},
		Relay: RelayConfig{
			HeartbeatInterval: v.GetDuration(KeyHeartbeatInterval),
			SearchCooldown:    v.GetDuration(KeyRelayCooldown),
			PresenceTTL:       v.GetDuration(KeyPresenceTTL),
		},
		Client: ClientConfig{
			RelayURL:         v.GetString(KeyRelayURL),
			AuthToken:        v.GetString(KeyAuthToken),
			AuthID:           v.GetString(KeyAuthID),
			Kind:             v.GetString(KeyChatKind),
			Interests:        splitList(v.GetString(KeyInterests)),
			AutoSearch:       v.GetBool(KeyAutoSearch),
			HandshakeTimeout: v.GetDuration(KeyHandshakeTimeout),
			Reconnect: ReconnectConfig{
				InitialDelay: v.GetDuration(KeyReconnectInitial),
				MaxDelay:     v.GetDuration(KeyReconnectMax),
				MaxAttempts:  v.GetInt(KeyReconnectAttempts),
			},
			MaxSearchAttempts: v.GetInt(KeyMaxSearchAttempts),
			SearchCooldown:    v.GetDuration(KeySearchCooldown),
			STUNServers:       splitList(v.GetString(KeySTUNServers)),
		},
		Logger: LoggerConfig{
			Level:    v.GetString(KeyLogLevel),
			Format:   v.GetString(KeyLogFormat),
			Output:   v.GetString(KeyLogOutput),
			FilePath: v.GetString(KeyLogFile),
		},
	}
}

// splitList parses a comma-separated value, dropping empty entries.
func splitList(value string) []string {
	var out []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
