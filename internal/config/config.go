package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

const EnvPrefix = "GA_INGEST"

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type StoreConfig struct {
	Driver         string        `mapstructure:"driver"`
	MongoURI       string        `mapstructure:"mongo_uri"`
	MongoDB        string        `mapstructure:"mongo_db"`
	PostgresURL    string        `mapstructure:"postgres_url"`
	JobsCollection string        `mapstructure:"jobs_collection"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
}

type GA4Config struct {
	PropertyID           string        `mapstructure:"property_id"`
	CredentialsFile      string        `mapstructure:"credentials_file"`
	Endpoint             string        `mapstructure:"endpoint"`
	TokenURL             string        `mapstructure:"token_url"`
	MaxMetricsPerRequest int           `mapstructure:"max_metrics_per_request"`
	RequestsPerSecond    float64       `mapstructure:"requests_per_second"`
	Timeout              time.Duration `mapstructure:"timeout"`
	SimulatedRows        int           `mapstructure:"simulated_rows"`
}

type TemporalConfig struct {
	HostPort   string        `mapstructure:"host_port"`
	Namespace  string        `mapstructure:"namespace"`
	TaskQueue  string        `mapstructure:"task_queue"`
	JobTimeout time.Duration `mapstructure:"job_timeout"`
}

type ArchiveConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Endpoint  string `mapstructure:"endpoint"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	UseSSL    bool   `mapstructure:"use_ssl"`
	Bucket    string `mapstructure:"bucket"`
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

type Config struct {
	ServerPort     string         `mapstructure:"server_port"`
	AllowedOrigins []string       `mapstructure:"allowed_origins"`
	Log            LogConfig      `mapstructure:"log"`
	Store          StoreConfig    `mapstructure:"store"`
	GA4            GA4Config      `mapstructure:"ga4"`
	Temporal       TemporalConfig `mapstructure:"temporal"`
	Archive        ArchiveConfig  `mapstructure:"archive"`
	Metrics        MetricsConfig  `mapstructure:"metrics"`
}

// Environment names accepted in addition to the GA_INGEST_ prefixed ones.
var envAliases = map[string]string{
	"server_port":           "PORT",
	"store.mongo_uri":       "MONGO_URI",
	"store.mongo_db":        "MONGO_DB",
	"store.jobs_collection": "GA_JOBS",
	"ga4.property_id":       "GA4_PROPERTY_ID",
	"ga4.credentials_file":  "CLIENT_SECRETS_FILE",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server_port", "5000")
	v.SetDefault("allowed_origins", []string{"*"})
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")

	v.SetDefault("store.driver", "mongo")
	v.SetDefault("store.mongo_uri", "mongodb://localhost:27017/ga4_service_db")
	v.SetDefault("store.mongo_db", "ga4_service_db")
	v.SetDefault("store.postgres_url", "")
	v.SetDefault("store.jobs_collection", "ga_jobs")
	v.SetDefault("store.connect_timeout", 5*time.Second)

	v.SetDefault("ga4.property_id", "")
	v.SetDefault("ga4.credentials_file", "")
	v.SetDefault("ga4.endpoint", "https://analyticsdata.googleapis.com/v1beta")
	v.SetDefault("ga4.token_url", "https://oauth2.googleapis.com/token")
	v.SetDefault("ga4.max_metrics_per_request", 9)
	v.SetDefault("ga4.requests_per_second", 2.0)
	v.SetDefault("ga4.timeout", 30*time.Second)
	v.SetDefault("ga4.simulated_rows", 5)

	v.SetDefault("temporal.host_port", "127.0.0.1:7233")
	v.SetDefault("temporal.namespace", "default")
	v.SetDefault("temporal.task_queue", "GA_INGESTION")
	v.SetDefault("temporal.job_timeout", 1000*time.Second)

	v.SetDefault("archive.enabled", false)
	v.SetDefault("archive.endpoint", "localhost:9000")
	v.SetDefault("archive.access_key", "")
	v.SetDefault("archive.secret_key", "")
	v.SetDefault("archive.use_ssl", false)
	v.SetDefault("archive.bucket", "ga-raw-reports")

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.path", "/metrics")
}

// Load reads config.yaml from path, or from . and ./config when path is
// empty, and overlays environment variables. A missing file is not an error.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		// Look for config in the current directory and ./config
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, errors.Wrap(err, "error reading config file")
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, alias := range envAliases {
		// Prefixed names win over the aliases.
		if err := v.BindEnv(key, EnvPrefix+"_"+strings.ToUpper(strings.ReplaceAll(key, ".", "_")), alias); err != nil {
			return nil, errors.Wrapf(err, "failed to bind %s", alias)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "error unmarshalling config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	switch c.Store.Driver {
	case "mongo", "postgres", "memory":
	default:
		return fmt.Errorf("unknown store.driver %q: must be mongo, postgres or memory", c.Store.Driver)
	}
	if c.Store.Driver == "postgres" && c.Store.PostgresURL == "" {
		return errors.New("store.postgres_url must be set for the postgres driver")
	}
	if n := c.GA4.MaxMetricsPerRequest; n < 1 || n > 10 {
		return fmt.Errorf("ga4.max_metrics_per_request must be between 1 and 10, got %d", n)
	}
	if c.ServerPort == "" {
		return errors.New("server_port must be set")
	}
	return nil
}
