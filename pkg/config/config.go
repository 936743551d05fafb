package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Backend    BackendConfig    `mapstructure:"backend"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Shield     ShieldConfig     `mapstructure:"shield"`
	Reputation ReputationConfig `mapstructure:"reputation"`
	AutoTuner  AutoTunerConfig  `mapstructure:"autotuner"`
	Events     EventsConfig     `mapstructure:"events"`
	Metrics    MetricsConfig    `mapstructure:"metrics"`
}

type ServerConfig struct {
	Host        string `mapstructure:"host"`
	Port        int    `mapstructure:"port"`
	MetricsPort int    `mapstructure:"metrics_port"`
}

type BackendConfig struct {
	URL           string        `mapstructure:"url"`
	HealthPath    string        `mapstructure:"health_path"`
	HealthTimeout time.Duration `mapstructure:"health_timeout"`
}

type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	TLS      bool   `mapstructure:"tls"`
}

type ShieldConfig struct {
	BlockThreshold    int           `mapstructure:"block_threshold"`
	AuthFailWeight    int           `mapstructure:"auth_fail_weight"`
	AttestationWeight int           `mapstructure:"attestation_weight"`
	BlockDuration     time.Duration `mapstructure:"block_duration"`
	AdminPathPrefix   string        `mapstructure:"admin_path_prefix"`
	AuthPathPrefix    string        `mapstructure:"auth_path_prefix"`
}

type ReputationConfig struct {
	BaseURL        string        `mapstructure:"base_url"`
	Timeout        time.Duration `mapstructure:"timeout"`
	BreakerTimeout time.Duration `mapstructure:"breaker_timeout"`
	MaxFailures    uint32        `mapstructure:"max_failures"`
}

type AutoTunerConfig struct {
	Interval        time.Duration `mapstructure:"interval"`
	SubnetThreshold int           `mapstructure:"subnet_threshold"`
}

type EventsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Host    string `mapstructure:"host"`
	Port    string `mapstructure:"port"`
	Topic   string `mapstructure:"topic"`
}

type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

var globalConfig Config

// Load reads config/config.yaml and fills in defaults. Defaults are
// applied even when the file is missing, so a caller that tolerates the
// returned error still gets a usable configuration.
func Load(configPath string) error {
	globalConfig = Config{}
	err := loadConfigFile(configPath, "config", &globalConfig)
	setDefaultValues()
	if err != nil {
		return fmt.Errorf("could not load main config file: %w", err)
	}
	return nil
}

func loadConfigFile(configPath, fileName string, out interface{}) error {
	viper.SetConfigName(fileName)
	viper.SetConfigType("yaml")
	viper.AddConfigPath(configPath)
	viper.AddConfigPath("./config")
	viper.AddConfigPath(".")

	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if errors.As(err, &configFileNotFoundError) {
			return fmt.Errorf("config file %s.yaml not found, using only environment variables", fileName)
		}
		return fmt.Errorf("error reading config file %s.yaml: %w", fileName, err)
	}

	if err := viper.Unmarshal(out); err != nil {
		return fmt.Errorf("failed to unmarshal %s config: %w", fileName, err)
	}

	return nil
}

func setDefaultValues() {
	if globalConfig.Server.Port == 0 {
		globalConfig.Server.Port = 8080
	}
	if globalConfig.Server.MetricsPort == 0 {
		globalConfig.Server.MetricsPort = 9090
	}
	if globalConfig.Backend.URL == "" {
		globalConfig.Backend.URL = "http://localhost:3000"
	}
	if globalConfig.Backend.HealthPath == "" {
		globalConfig.Backend.HealthPath = "/health"
	}
	if globalConfig.Backend.HealthTimeout == 0 {
		globalConfig.Backend.HealthTimeout = 2 * time.Second
	}
	if globalConfig.Shield.BlockThreshold == 0 {
		globalConfig.Shield.BlockThreshold = 100
	}
	if globalConfig.Shield.AuthFailWeight == 0 {
		globalConfig.Shield.AuthFailWeight = 40
	}
	if globalConfig.Shield.AttestationWeight == 0 {
		globalConfig.Shield.AttestationWeight = 20
	}
	if globalConfig.Shield.BlockDuration == 0 {
		globalConfig.Shield.BlockDuration = time.Hour
	}
	if globalConfig.Shield.AdminPathPrefix == "" {
		globalConfig.Shield.AdminPathPrefix = "/api/v1/admin/"
	}
	if globalConfig.Shield.AuthPathPrefix == "" {
		globalConfig.Shield.AuthPathPrefix = "/api/v1/auth"
	}
	if globalConfig.Reputation.BaseURL == "" {
		globalConfig.Reputation.BaseURL = "http://ip-api.com"
	}
	if globalConfig.Reputation.Timeout == 0 {
		globalConfig.Reputation.Timeout = 3 * time.Second
	}
	if globalConfig.Reputation.BreakerTimeout == 0 {
		globalConfig.Reputation.BreakerTimeout = 30 * time.Second
	}
	if globalConfig.Reputation.MaxFailures == 0 {
		globalConfig.Reputation.MaxFailures = 5
	}
	if globalConfig.AutoTuner.Interval == 0 {
		globalConfig.AutoTuner.Interval = 60 * time.Second
	}
	if globalConfig.AutoTuner.SubnetThreshold == 0 {
		globalConfig.AutoTuner.SubnetThreshold = 3
	}
}

func GetConfig() *Config {
	return &globalConfig
}
