package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

type Config struct {
	Server   ServerConfig
	SQLite   SQLiteConfig
	Redis    RedisConfig
	Cache    CacheConfig
	Models   ModelsConfig
	Ensemble EnsembleConfig
	Policy   PolicyConfig
	Jobs     JobsConfig
	Logging  LoggingConfig
}

type ServerConfig struct {
	Host              string
	Port              int
	ReadTimeout       int
	WriteTimeout      int
	BodyLimit         int
	RequestsPerMinute int
	MaxInferItems     int
	IsDevelopment     bool
}

type SQLiteConfig struct {
	Path string
}

type RedisConfig struct {
	Enabled  bool
	Host     string
	Port     int
	Password string
	DB       int
	TTLSec   int
}

type CacheConfig struct {
	// FileName is the prediction cache file created inside each model directory.
	FileName string
}

type ModelsConfig struct {
	// RootDir holds one output directory per model type.
	RootDir string
}

type EnsembleConfig struct {
	ModelDir    string
	Members     []string
	Aggregation string
	Weights     []float64
}

type PolicyConfig struct {
	ModelTypes []string
	Iterations []int
}

type JobsConfig struct {
	Workers int
}

type LoggingConfig struct {
	Level      string
	Format     string
	OutputPath string
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("/etc/lrtc")

	v.SetEnvPrefix("LRTC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

// Validate checks the shape of the loaded values. Semantic checks (known
// model types, aggregation names) happen where those values are consumed.
func (c *Config) Validate() error {
	if len(c.Ensemble.Members) == 0 {
		return fmt.Errorf("ensemble.members must not be empty")
	}
	if len(c.Ensemble.Weights) > 0 && len(c.Ensemble.Weights) != len(c.Ensemble.Members) {
		return fmt.Errorf("ensemble.weights has %d entries for %d members", len(c.Ensemble.Weights), len(c.Ensemble.Members))
	}
	if c.Jobs.Workers < 1 {
		return fmt.Errorf("jobs.workers must be positive, got %d", c.Jobs.Workers)
	}
	if c.Models.RootDir == "" {
		return fmt.Errorf("models.rootDir must not be empty")
	}
	if c.Cache.FileName == "" {
		return fmt.Errorf("cache.fileName must not be empty")
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)
	v.SetDefault("server.bodyLimit", 10485760)
	v.SetDefault("server.requestsPerMinute", 600)
	v.SetDefault("server.maxInferItems", 10000)
	v.SetDefault("server.isDevelopment", false)

	v.SetDefault("sqlite.path", "./data/lrtc.db")

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.ttlSec", 86400)

	v.SetDefault("cache.fileName", "prediction_cache.json")

	v.SetDefault("models.rootDir", "./output/models")

	v.SetDefault("ensemble.modelDir", "./output/models/ensemble")
	v.SetDefault("ensemble.members", []string{"NB_OVER_BOW", "RAND"})
	v.SetDefault("ensemble.aggregation", "mean")

	v.SetDefault("policy.modelTypes", []string{"NB_OVER_BOW"})
	v.SetDefault("policy.iterations", []int{})

	v.SetDefault("jobs.workers", 4)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.outputPath", "stdout")
}
