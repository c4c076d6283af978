package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Chain     ChainConfig     `mapstructure:"chain"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Providers ProvidersConfig `mapstructure:"providers"`
	Jobs      JobsConfig      `mapstructure:"jobs"`
	Realtime  RealtimeConfig  `mapstructure:"realtime"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

type ServerConfig struct {
	Port int `mapstructure:"port"`
}

type ChainConfig struct {
	Name           string        `mapstructure:"name"`
	ChainID        int64         `mapstructure:"chain_id"`
	RPCEndpoint    string        `mapstructure:"rpc_endpoint"`
	WSEndpoint     string        `mapstructure:"ws_endpoint"`
	FactoryAddress string        `mapstructure:"factory_address"`
	CreationTopic  string        `mapstructure:"creation_topic"`
	BlockTime      time.Duration `mapstructure:"block_time"`
	LogPageSize    uint64        `mapstructure:"log_page_size"`
}

type DatabaseConfig struct {
	Host           string `mapstructure:"host"`
	Port           int    `mapstructure:"port"`
	Name           string `mapstructure:"name"`
	User           string `mapstructure:"user"`
	Password       string `mapstructure:"password"`
	SSLMode        string `mapstructure:"ssl_mode"`
	MaxConnections int32  `mapstructure:"max_connections"`
}

type ProvidersConfig struct {
	Zora ZoraConfig `mapstructure:"zora"`
}

type ZoraConfig struct {
	APIKey string `mapstructure:"api_key"`
}

type JobsConfig struct {
	Stats    StatsJobConfig    `mapstructure:"stats"`
	Backfill BackfillJobConfig `mapstructure:"backfill"`
	Scan     ScanJobConfig     `mapstructure:"scan"`
}

type StatsJobConfig struct {
	Interval      time.Duration `mapstructure:"interval"`
	BatchSize     int           `mapstructure:"batch_size"`
	ProviderBatch int           `mapstructure:"provider_batch"`
	BatchDelay    time.Duration `mapstructure:"batch_delay"`
}

type BackfillJobConfig struct {
	Interval time.Duration `mapstructure:"interval"`
	PageSize int           `mapstructure:"page_size"`
}

type ScanJobConfig struct {
	Interval     time.Duration `mapstructure:"interval"`
	BlockWindow  uint64        `mapstructure:"block_window"`
	MaxCreations int           `mapstructure:"max_creations"`
	Workers      int64         `mapstructure:"workers"`
}

type RealtimeConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIURL  string `mapstructure:"api_url"`
	APIKey  string `mapstructure:"api_key"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

func Load(configPath string) (*Config, error) {
	viper.SetConfigFile(configPath)
	viper.SetEnvPrefix("BASEWATCH")
	viper.AutomaticEnv()

	// Set defaults
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("chain.name", "base")
	viper.SetDefault("chain.chain_id", 8453)
	viper.SetDefault("chain.factory_address", "0x777777751622c0d3258f214f9df38e35bf45baf3")
	viper.SetDefault("chain.creation_topic", "0x2de436107c2096e039a3e5173c20a02b2af10fbcb7f81c7f86a2d99ae74c8bff")
	viper.SetDefault("chain.block_time", "2s")
	viper.SetDefault("chain.log_page_size", 10)
	viper.SetDefault("database.ssl_mode", "disable")
	viper.SetDefault("database.max_connections", 10)
	viper.SetDefault("jobs.stats.interval", "2m")
	viper.SetDefault("jobs.stats.batch_size", 50)
	viper.SetDefault("jobs.stats.provider_batch", 5)
	viper.SetDefault("jobs.stats.batch_delay", "500ms")
	viper.SetDefault("jobs.backfill.interval", "10m")
	viper.SetDefault("jobs.backfill.page_size", 100)
	viper.SetDefault("jobs.scan.interval", "5m")
	viper.SetDefault("jobs.scan.block_window", 100)
	viper.SetDefault("jobs.scan.max_creations", 20)
	viper.SetDefault("jobs.scan.workers", 5)
	viper.SetDefault("realtime.enabled", false)
	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.format", "json")

	if err := viper.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &config, nil
}

func (c *DatabaseConfig) ConnectionString() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.Name, c.SSLMode)
}
