package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/subosito/gotenv"
	"gopkg.in/yaml.v3"
)

const (
	defaultMQTTHost           = "localhost"
	defaultMQTTPort           = 1883
	defaultMQTTConnectTimeout = 5 * time.Second
	defaultMQTTKeepAlive      = 30 * time.Second
	defaultMaxOpenConns       = 10
	defaultMaxIdleConns       = 5
	defaultConnMaxLifetime    = 30 * time.Minute
	defaultRateLimitRPS       = 25.0
	defaultRateLimitBurst     = 50

	dotEnvFile = ".env"
)

// Config aggregates runtime configuration resolved from multiple sources.
// Precedence: CLI flags > Environment variables (.env included) > YAML config > Defaults
type Config struct {
	Production           bool           `yaml:"production"`
	Database             DatabaseConfig `yaml:"database"`
	MQTT                 MQTTConfig     `yaml:"mqtt"`
	EnableRequestLogging bool           `yaml:"enable_request_logging"`
	RateLimitRPS         float64        `yaml:"-" validate:"gte=0"`
	RateLimitBurst       int            `yaml:"-" validate:"gte=0"`

	// EnvFile is the .env file that was loaded, empty when none was found.
	EnvFile string `yaml:"-"`
}

// DatabaseConfig describes the relational storage connection pool.
type DatabaseConfig struct {
	URL             string        `validate:"required"`
	MaxOpenConns    int           `validate:"gte=0"`
	MaxIdleConns    int           `validate:"gte=0"`
	ConnMaxLifetime time.Duration `validate:"gte=0"`
}

// MQTTConfig describes the message broker connection.
type MQTTConfig struct {
	Host           string        `validate:"required"`
	Port           int           `validate:"gte=1,lte=65535"`
	ClientID       string        `validate:"required,max=65535"`
	Username       string        `validate:"required_with=Password"`
	Password       string
	ConnectTimeout time.Duration `validate:"gt=0"`
	KeepAlive      time.Duration `validate:"gte=0"`
	StatusTopic    string        `validate:"omitempty,excludesall=#+"`
}

// BrokerURL returns the tcp:// URL of the configured broker.
func (m MQTTConfig) BrokerURL() string {
	return fmt.Sprintf("tcp://%s:%d", m.Host, m.Port)
}

// yamlConfig represents the YAML configuration file structure.
type yamlConfig struct {
	Production           *bool         `yaml:"production"`
	Database             yamlDatabase  `yaml:"database"`
	MQTT                 yamlMQTT      `yaml:"mqtt"`
	EnableRequestLogging *bool         `yaml:"enable_request_logging"`
	RateLimit            yamlRateLimit `yaml:"rate_limit"`
}

type yamlDatabase struct {
	URL             string `yaml:"url"`
	MaxOpenConns    *int   `yaml:"max_open_conns"`
	MaxIdleConns    *int   `yaml:"max_idle_conns"`
	ConnMaxLifetime string `yaml:"conn_max_lifetime"`
}

type yamlMQTT struct {
	Host           string `yaml:"host"`
	Port           int    `yaml:"port"`
	ClientID       string `yaml:"client_id"`
	Username       string `yaml:"username"`
	Password       string `yaml:"password"`
	ConnectTimeout string `yaml:"connect_timeout"`
	KeepAlive      string `yaml:"keep_alive"`
	StatusTopic    string `yaml:"status_topic"`
}

// yamlRateLimit represents the rate limit section in YAML.
type yamlRateLimit struct {
	RPS   *float64 `yaml:"rps"`
	Burst *int     `yaml:"burst"`
}

// CLIOverrides holds command-line flag overrides.
type CLIOverrides struct {
	ConfigFile string
	EnvFile    string
}

// Load extracts configuration from multiple sources with precedence:
// CLI flags > Environment variables > YAML config > Defaults.
// A .env file is loaded into the process environment first; variables that
// are already set are left untouched.
func Load(overrides *CLIOverrides) (Config, error) {
	if overrides == nil {
		overrides = &CLIOverrides{}
	}

	envFile, err := loadDotEnv(overrides.EnvFile)
	if err != nil {
		return Config{}, fmt.Errorf("load env file: %w", err)
	}

	cfg := defaultConfig()
	cfg.EnvFile = envFile

	if overrides.ConfigFile != "" {
		yamlCfg, err := loadFromFile(overrides.ConfigFile)
		if err != nil {
			return Config{}, fmt.Errorf("load YAML config: %w", err)
		}
		if err := applyYAMLConfig(&cfg, yamlCfg); err != nil {
			return Config{}, fmt.Errorf("apply YAML config: %w", err)
		}
	}

	if err := applyEnvConfig(&cfg); err != nil {
		return Config{}, err
	}

	if err := validateConfig(cfg); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// defaultConfig returns a Config with default values.
func defaultConfig() Config {
	return Config{
		Production: false,
		Database: DatabaseConfig{
			MaxOpenConns:    defaultMaxOpenConns,
			MaxIdleConns:    defaultMaxIdleConns,
			ConnMaxLifetime: defaultConnMaxLifetime,
		},
		MQTT: MQTTConfig{
			Host:           defaultMQTTHost,
			Port:           defaultMQTTPort,
			ClientID:       "smartcab-" + uuid.NewString(),
			ConnectTimeout: defaultMQTTConnectTimeout,
			KeepAlive:      defaultMQTTKeepAlive,
		},
		EnableRequestLogging: true,
		RateLimitRPS:         defaultRateLimitRPS,
		RateLimitBurst:       defaultRateLimitBurst,
	}
}

// loadDotEnv loads an explicit env file, or the nearest .env found by
// walking up from the working directory. A missing implicit .env is not an error.
func loadDotEnv(explicit string) (string, error) {
	path := explicit
	if path == "" {
		found, err := findUp(dotEnvFile)
		if err != nil {
			return "", nil
		}
		path = found
	}

	if err := gotenv.Load(path); err != nil {
		return "", err
	}
	return path, nil
}

// findUp locates a file relative to the working directory by walking up the directory tree.
func findUp(name string) (string, error) {
	dir, err := os.Getwd()
	if err != nil {
		return "", err
	}

	for {
		candidate := filepath.Join(dir, name)
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return candidate, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}

	return "", fmt.Errorf("unable to locate %s", name)
}

// loadFromFile loads configuration from a YAML file.
func loadFromFile(path string) (*yamlConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read file: %w", err)
	}

	var yamlCfg yamlConfig
	if err := yaml.Unmarshal(data, &yamlCfg); err != nil {
		return nil, fmt.Errorf("parse YAML: %w", err)
	}

	return &yamlCfg, nil
}

// applyYAMLConfig applies YAML configuration to the Config struct.
func applyYAMLConfig(cfg *Config, yamlCfg *yamlConfig) error {
	if yamlCfg.Production != nil {
		cfg.Production = *yamlCfg.Production
	}

	if yamlCfg.Database.URL != "" {
		cfg.Database.URL = yamlCfg.Database.URL
	}
	if yamlCfg.Database.MaxOpenConns != nil {
		cfg.Database.MaxOpenConns = *yamlCfg.Database.MaxOpenConns
	}
	if yamlCfg.Database.MaxIdleConns != nil {
		cfg.Database.MaxIdleConns = *yamlCfg.Database.MaxIdleConns
	}
	if err := setDuration(&cfg.Database.ConnMaxLifetime, yamlCfg.Database.ConnMaxLifetime, "database.conn_max_lifetime"); err != nil {
		return err
	}

	if yamlCfg.MQTT.Host != "" {
		cfg.MQTT.Host = yamlCfg.MQTT.Host
	}
	if yamlCfg.MQTT.Port != 0 {
		cfg.MQTT.Port = yamlCfg.MQTT.Port
	}
	if yamlCfg.MQTT.ClientID != "" {
		cfg.MQTT.ClientID = yamlCfg.MQTT.ClientID
	}
	if yamlCfg.MQTT.Username != "" {
		cfg.MQTT.Username = yamlCfg.MQTT.Username
	}
	if yamlCfg.MQTT.Password != "" {
		cfg.MQTT.Password = yamlCfg.MQTT.Password
	}
	if yamlCfg.MQTT.StatusTopic != "" {
		cfg.MQTT.StatusTopic = yamlCfg.MQTT.StatusTopic
	}
	if err := setDuration(&cfg.MQTT.ConnectTimeout, yamlCfg.MQTT.ConnectTimeout, "mqtt.connect_timeout"); err != nil {
		return err
	}
	if err := setDuration(&cfg.MQTT.KeepAlive, yamlCfg.MQTT.KeepAlive, "mqtt.keep_alive"); err != nil {
		return err
	}

	if yamlCfg.EnableRequestLogging != nil {
		cfg.EnableRequestLogging = *yamlCfg.EnableRequestLogging
	}

	if yamlCfg.RateLimit.RPS != nil {
		cfg.RateLimitRPS = *yamlCfg.RateLimit.RPS
	}
	if yamlCfg.RateLimit.Burst != nil {
		cfg.RateLimitBurst = *yamlCfg.RateLimit.Burst
	}

	return nil
}

// applyEnvConfig applies environment variable configuration.
func applyEnvConfig(cfg *Config) error {
	if raw := env("PROD"); raw != "" {
		value, err := strconv.ParseBool(raw)
		if err != nil {
			return fmt.Errorf("PROD must be a boolean, got %q", raw)
		}
		cfg.Production = value
	}

	if url := env("DATABASE_URL"); url != "" {
		cfg.Database.URL = url
	}
	if err := setInt(&cfg.Database.MaxOpenConns, "DATABASE_MAX_OPEN_CONNS"); err != nil {
		return err
	}
	if err := setInt(&cfg.Database.MaxIdleConns, "DATABASE_MAX_IDLE_CONNS"); err != nil {
		return err
	}
	if err := setDuration(&cfg.Database.ConnMaxLifetime, env("DATABASE_CONN_MAX_LIFETIME"), "DATABASE_CONN_MAX_LIFETIME"); err != nil {
		return err
	}

	if host := env("MQTT_HOST"); host != "" {
		cfg.MQTT.Host = host
	}
	if err := setInt(&cfg.MQTT.Port, "MQTT_PORT"); err != nil {
		return err
	}
	if id := env("MQTT_CLIENT_ID"); id != "" {
		cfg.MQTT.ClientID = id
	}
	if user := env("MQTT_USERNAME"); user != "" {
		cfg.MQTT.Username = user
	}
	if password := os.Getenv("MQTT_PASSWORD"); password != "" {
		cfg.MQTT.Password = password
	}
	if topic := env("MQTT_STATUS_TOPIC"); topic != "" {
		cfg.MQTT.StatusTopic = topic
	}
	if err := setDuration(&cfg.MQTT.ConnectTimeout, env("MQTT_CONNECT_TIMEOUT"), "MQTT_CONNECT_TIMEOUT"); err != nil {
		return err
	}
	if err := setDuration(&cfg.MQTT.KeepAlive, env("MQTT_KEEP_ALIVE"), "MQTT_KEEP_ALIVE"); err != nil {
		return err
	}

	if raw := env("ENABLE_REQUEST_LOGGING"); raw != "" {
		value, err := strconv.ParseBool(raw)
		if err != nil {
			return fmt.Errorf("ENABLE_REQUEST_LOGGING must be a boolean, got %q", raw)
		}
		cfg.EnableRequestLogging = value
	}

	if rps := env("RATE_LIMIT_RPS"); rps != "" {
		value, err := strconv.ParseFloat(rps, 64)
		if err != nil {
			return fmt.Errorf("RATE_LIMIT_RPS must be a number, got %q", rps)
		}
		cfg.RateLimitRPS = value
	}
	if err := setInt(&cfg.RateLimitBurst, "RATE_LIMIT_BURST"); err != nil {
		return err
	}

	return nil
}

func env(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func setInt(dst *int, key string) error {
	raw := env(key)
	if raw == "" {
		return nil
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return fmt.Errorf("%s must be an integer, got %q", key, raw)
	}
	*dst = value
	return nil
}

func setDuration(dst *time.Duration, raw, name string) error {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("%s must be a duration, got %q", name, raw)
	}
	*dst = d
	return nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// validateConfig validates the final configuration.
func validateConfig(cfg Config) error {
	if err := validate.Struct(cfg); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
			fe := fieldErrs[0]
			return fmt.Errorf("invalid configuration: %s failed %q check", fe.Namespace(), fe.Tag())
		}
		return fmt.Errorf("invalid configuration: %w", err)
	}

	if scheme, _, ok := strings.Cut(cfg.Database.URL, "://"); ok {
		if scheme != "postgres" && scheme != "postgresql" {
			return fmt.Errorf("DATABASE_URL must use the postgres scheme, got %q", scheme)
		}
	}

	return nil
}
