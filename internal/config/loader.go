package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/spf13/viper"

	"github.com/rpattn/dmquery/internal/db"
	"github.com/rpattn/dmquery/internal/query"
)

// Store backends.
const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
	BackendNATS     = "nats"
)

// EnvPrefix prefixes every environment override, e.g. DMQ_STORE_BACKEND.
const EnvPrefix = "DMQ"

type Config struct {
	Server   ServerConfig `mapstructure:"server"`
	Store    StoreConfig  `mapstructure:"store"`
	Database db.Config    `mapstructure:"database"`
	NATS     NATSConfig   `mapstructure:"nats"`
	Query    QueryConfig  `mapstructure:"query"`
	Log      LogConfig    `mapstructure:"log"`
}

type ServerConfig struct {
	Addr        string   `mapstructure:"addr"`
	CORSOrigins []string `mapstructure:"cors_origins"`
}

type StoreConfig struct {
	Backend  string `mapstructure:"backend"`
	SeedFile string `mapstructure:"seed_file"`
}

type NATSConfig struct {
	URL    string `mapstructure:"url"`
	Prefix string `mapstructure:"prefix"`
	Queue  string `mapstructure:"queue"`
	// Responder serves the configured local store over NATS as well.
	Responder bool `mapstructure:"responder"`
}

type QueryConfig struct {
	PageSize   int    `mapstructure:"page_size"`
	ChunkSize  int    `mapstructure:"chunk_size"`
	EdgePolicy string `mapstructure:"edge_policy"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

func setDefaults(v *viper.Viper) {
	dbDefaults := db.DefaultConfig()

	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.cors_origins", []string{"*"})
	v.SetDefault("store.backend", BackendMemory)
	v.SetDefault("store.seed_file", "")
	v.SetDefault("database.host", dbDefaults.Host)
	v.SetDefault("database.port", dbDefaults.Port)
	v.SetDefault("database.user", dbDefaults.User)
	v.SetDefault("database.password", dbDefaults.Password)
	v.SetDefault("database.dbname", dbDefaults.DBName)
	v.SetDefault("database.sslmode", dbDefaults.SSLMode)
	v.SetDefault("database.max_conns", 5)
	v.SetDefault("nats.url", "nats://127.0.0.1:4222")
	v.SetDefault("nats.prefix", "dmquery.store")
	v.SetDefault("nats.queue", "dmquery")
	v.SetDefault("nats.responder", false)
	v.SetDefault("query.page_size", query.DefaultPageSize)
	v.SetDefault("query.chunk_size", query.DefaultChunkSize)
	v.SetDefault("query.edge_policy", string(query.EdgesSkip))
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
}

// Load reads config.yaml from configPath (if present) and applies DMQ_*
// environment overrides on top of the defaults.
func Load(configPath string) (Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	switch c.Store.Backend {
	case BackendMemory, BackendPostgres, BackendNATS:
	default:
		return fmt.Errorf("unknown store backend %q", c.Store.Backend)
	}
	if c.NATS.Responder && c.Store.Backend == BackendNATS {
		return errors.New("nats responder needs a local store backend")
	}
	if c.Query.PageSize <= 0 || c.Query.ChunkSize <= 0 {
		return fmt.Errorf("query page and chunk sizes must be positive")
	}
	if _, err := query.ParseEdgePolicy(c.Query.EdgePolicy); err != nil {
		return err
	}
	return nil
}

// EdgePolicy returns the configured default edge policy.
func (c Config) EdgePolicy() query.EdgePolicy {
	policy, _ := query.ParseEdgePolicy(c.Query.EdgePolicy)
	return policy
}

// NewLogger builds the process logger.
func (c LogConfig) NewLogger(w io.Writer) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(c.Format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
