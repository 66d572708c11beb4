package config

import (
	"fmt"
	"strings"

	"github.com/MarcoPoloResearchLab/potshelf/internal/oplog"
	"github.com/MarcoPoloResearchLab/potshelf/internal/search"
	"github.com/spf13/viper"
)

const (
	envPrefix            = "POTSHELF"
	defaultHTTPAddress   = "0.0.0.0:8080"
	defaultDatabasePath  = "potshelf.db"
	defaultIndexPath     = "potshelf.index"
	defaultLogLevel      = "info"
	defaultFuzzyDistance = 1
	defaultSearchLimit   = 20
)

// AppConfig captures runtime configuration for the potshelf service.
type AppConfig struct {
	HTTPAddress        string
	DatabasePath       string
	IndexPath          string
	LogLevel           string
	QueueCapacity      int
	FuzzyDistance      int
	DefaultSearchLimit int
	AllowedOrigins     []string
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("http.allowed_origins", []string{"*"})
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("index.path", defaultIndexPath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("queue.capacity", oplog.DefaultQueueCapacity)
	configViper.SetDefault("search.fuzzy_distance", defaultFuzzyDistance)
	configViper.SetDefault("search.default_limit", defaultSearchLimit)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:        configViper.GetString("http.address"),
		DatabasePath:       configViper.GetString("database.path"),
		IndexPath:          configViper.GetString("index.path"),
		LogLevel:           configViper.GetString("log.level"),
		QueueCapacity:      configViper.GetInt("queue.capacity"),
		FuzzyDistance:      configViper.GetInt("search.fuzzy_distance"),
		DefaultSearchLimit: configViper.GetInt("search.default_limit"),
		AllowedOrigins:     configViper.GetStringSlice("http.allowed_origins"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if strings.TrimSpace(c.HTTPAddress) == "" {
		return fmt.Errorf("http.address is required")
	}
	if c.QueueCapacity <= 0 {
		return fmt.Errorf("queue.capacity must be positive")
	}
	if c.FuzzyDistance < 0 || c.FuzzyDistance > search.MaxFuzzy {
		return fmt.Errorf("search.fuzzy_distance must be within 0..%d", search.MaxFuzzy)
	}
	if c.DefaultSearchLimit < 1 || c.DefaultSearchLimit > search.MaxLimit {
		return fmt.Errorf("search.default_limit must be within 1..%d", search.MaxLimit)
	}
	return nil
}
