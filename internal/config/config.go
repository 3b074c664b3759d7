// Package config loads the server configuration from defaults, an optional
// config file, config/.env.<env> and FORMBAR_* environment variables.
package config

import (
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/spf13/viper"

	"formbar/internal/logging"
	dbconfig "formbar/pkg/database"
)

const envPrefix = "FORMBAR"

type Config struct {
	Env       string
	Database  *DatabaseConfig
	HTTP      *HTTPConfig
	WebSocket *WebSocketConfig
	Auth      *AuthConfig
	Log       *LogConfig
	Rollbar   *RollbarConfig
	Rewards   *RewardsConfig
}

type DatabaseConfig struct {
	Driver         string
	DSN            string
	Timeout        time.Duration
	MaxConnections int
}

type HTTPConfig struct {
	Host               string
	Port               int
	ReadTimeout        time.Duration
	WriteTimeout       time.Duration
	DisableRequestLogs bool
}

type WebSocketConfig struct {
	PingInterval time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	BufferSize   int
	// RateLimit is the number of inbound events a connection may send per minute.
	RateLimit int
}

type AuthConfig struct {
	SecretKey string
	Issuer    string
	TokenTTL  time.Duration
}

type LogConfig struct {
	Level string
}

type RollbarConfig struct {
	Token       string
	Environment string
}

// RewardsConfig drives the pog meter: every Threshold points pays out a
// random amount of digipogs between MinDigipogs and MaxDigipogs.
type RewardsConfig struct {
	Threshold   int
	MinDigipogs int
	MaxDigipogs int
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("database.driver", dbconfig.DriverSQLite3)
	v.SetDefault("database.dsn", "./data/formbar.db")
	v.SetDefault("database.timeout", 30*time.Second)
	v.SetDefault("database.max_connections", 10)

	v.SetDefault("http.host", "0.0.0.0")
	v.SetDefault("http.port", 8080)
	v.SetDefault("http.read_timeout", 30*time.Second)
	v.SetDefault("http.write_timeout", 30*time.Second)
	v.SetDefault("http.disable_request_logs", false)

	v.SetDefault("websocket.ping_interval", 30*time.Second)
	v.SetDefault("websocket.read_timeout", 60*time.Second)
	v.SetDefault("websocket.write_timeout", 10*time.Second)
	v.SetDefault("websocket.buffer_size", 100)
	v.SetDefault("websocket.rate_limit", 100)

	v.SetDefault("auth.secret_key", "")
	v.SetDefault("auth.issuer", "formbar")
	v.SetDefault("auth.token_ttl", 24*time.Hour)

	v.SetDefault("log.level", "info")

	v.SetDefault("rollbar.token", "")
	v.SetDefault("rollbar.environment", "")

	v.SetDefault("rewards.threshold", 500)
	v.SetDefault("rewards.min_digipogs", 1)
	v.SetDefault("rewards.max_digipogs", 10)
}

// Load reads the configuration of the current process and validates it.
func Load() (*Config, error) {
	env := strings.ToLower(os.Getenv("ENV"))
	if env == "" {
		env = "dev"
	}

	dotEnvPath := filepath.Join("config", ".env."+env)
	if _, err := os.Stat(dotEnvPath); err == nil {
		if err := godotenv.Load(dotEnvPath); err != nil {
			return nil, errors.Wrapf(err, "failed to load %s", dotEnvPath)
		}
	} else if !os.IsNotExist(err) {
		return nil, errors.Wrapf(err, "failed to stat %s", dotEnvPath)
	}

	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if file := os.Getenv(envPrefix + "_CONFIG_FILE"); file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrapf(err, "failed to read config file %s", file)
		}
	}

	config := FromViper(v)
	config.Env = env
	if config.Rollbar.Environment == "" {
		config.Rollbar.Environment = env
	}
	if err := config.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid configuration")
	}
	return config, nil
}

// FromViper builds a Config from v, falling back to the defaults for unset keys.
func FromViper(v *viper.Viper) *Config {
	setDefaults(v)
	return &Config{
		Database: &DatabaseConfig{
			Driver:         v.GetString("database.driver"),
			DSN:            v.GetString("database.dsn"),
			Timeout:        v.GetDuration("database.timeout"),
			MaxConnections: v.GetInt("database.max_connections"),
		},
		HTTP: &HTTPConfig{
			Host:               v.GetString("http.host"),
			Port:               v.GetInt("http.port"),
			ReadTimeout:        v.GetDuration("http.read_timeout"),
			WriteTimeout:       v.GetDuration("http.write_timeout"),
			DisableRequestLogs: v.GetBool("http.disable_request_logs"),
		},
		WebSocket: &WebSocketConfig{
			PingInterval: v.GetDuration("websocket.ping_interval"),
			ReadTimeout:  v.GetDuration("websocket.read_timeout"),
			WriteTimeout: v.GetDuration("websocket.write_timeout"),
			BufferSize:   v.GetInt("websocket.buffer_size"),
			RateLimit:    v.GetInt("websocket.rate_limit"),
		},
		Auth: &AuthConfig{
			SecretKey: v.GetString("auth.secret_key"),
			Issuer:    v.GetString("auth.issuer"),
			TokenTTL:  v.GetDuration("auth.token_ttl"),
		},
		Log:     &LogConfig{Level: v.GetString("log.level")},
		Rollbar: &RollbarConfig{Token: v.GetString("rollbar.token"), Environment: v.GetString("rollbar.environment")},
		Rewards: &RewardsConfig{
			Threshold:   v.GetInt("rewards.threshold"),
			MinDigipogs: v.GetInt("rewards.min_digipogs"),
			MaxDigipogs: v.GetInt("rewards.max_digipogs"),
		},
	}
}

// Validate rejects configurations no component could start with.
func (c *Config) Validate() error {
	if c.Database == nil || c.HTTP == nil || c.WebSocket == nil || c.Auth == nil ||
		c.Log == nil || c.Rollbar == nil || c.Rewards == nil {
		return errors.New("incomplete configuration")
	}

	if err := c.DatabaseConfig().Validate(); err != nil {
		return errors.Wrap(err, "database")
	}
	if c.Database.Timeout <= 0 {
		return errors.New("database timeout must be positive")
	}

	if c.HTTP.Host == "" {
		return errors.New("HTTP host cannot be empty")
	}
	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		return errors.New("HTTP port must be between 1 and 65535")
	}
	if c.HTTP.ReadTimeout <= 0 || c.HTTP.WriteTimeout <= 0 {
		return errors.New("HTTP timeouts must be positive")
	}

	if c.WebSocket.PingInterval <= 0 {
		return errors.New("WebSocket ping interval must be positive")
	}
	if c.WebSocket.ReadTimeout <= c.WebSocket.PingInterval {
		return errors.New("WebSocket read timeout must exceed the ping interval")
	}
	if c.WebSocket.WriteTimeout <= 0 {
		return errors.New("WebSocket write timeout must be positive")
	}
	if c.WebSocket.BufferSize <= 0 {
		return errors.New("WebSocket buffer size must be positive")
	}
	if c.WebSocket.RateLimit <= 0 {
		return errors.New("WebSocket rate limit must be positive")
	}

	if len(c.Auth.SecretKey) < 32 {
		return errors.New("auth secret key must be at least 32 characters")
	}
	if c.Auth.TokenTTL <= 0 {
		return errors.New("auth token TTL must be positive")
	}

	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		return err
	}

	if c.Rewards.Threshold <= 0 {
		return errors.New("rewards threshold must be positive")
	}
	if c.Rewards.MinDigipogs < 0 || c.Rewards.MaxDigipogs < c.Rewards.MinDigipogs {
		return errors.New("rewards digipog range is invalid")
	}
	return nil
}

// DatabaseConfig translates the database section for the store.
func (c *Config) DatabaseConfig() *dbconfig.Config {
	db := dbconfig.DefaultConfig()
	db.Driver = c.Database.Driver
	db.DSN = c.Database.DSN
	db.MaxConnections = c.Database.MaxConnections
	db.WriteTimeout = c.Database.Timeout
	return db
}

// Address is the listen address of the HTTP server.
func (c *Config) Address() string {
	return net.JoinHostPort(c.HTTP.Host, strconv.Itoa(c.HTTP.Port))
}
