// Package config loads the runtime configuration of the pipeline service.
//
// Values come from built-in defaults, then an optional YAML file, then
// COMPASS_* environment variables. The resulting Config is built once and
// handed to every component; stages never read the environment themselves.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"compass-pipeline/internal/model"
	"compass-pipeline/internal/retry"
)

const (
	DefaultStorageRoot  = "analysis_data"
	DefaultCustomRoot   = "custom_data"
	DefaultDBPath       = "pipeline.db"
	DefaultFromDate     = "2000-01-01"
	DefaultOutIndex     = "compass_metric_model"
	DefaultListen       = ":8080"
	DefaultReportBase   = "https://compass.example.org"
	DefaultRefreshAfter = 7 * 24 * time.Hour
)

// PlatformCredentials holds the API credentials used by collector backends
type PlatformCredentials struct {
	APIToken string `yaml:"api_token"`
	Proxy    string `yaml:"proxy"`
}

// CommandConfig describes an external executable
type CommandConfig struct {
	Path string   `yaml:"path"`
	Args []string `yaml:"args"`
}

// CollectorConfig is the collector executable plus the base configuration
// every generated setup.cfg starts from
type CollectorConfig struct {
	CommandConfig  `yaml:",inline"`
	ConfigTemplate string `yaml:"config_template"`
}

// RefreshConfig controls the staleness refresh controller
type RefreshConfig struct {
	Threshold      time.Duration `yaml:"threshold"`       // age after which a repo is stale
	RatePerSecond  float64       `yaml:"rate_per_second"` // fan-out submissions per second
	Burst          int           `yaml:"burst"`
	DedupTTL       time.Duration `yaml:"dedup_ttl"`       // suppress resubmitting the same repo
	SubmitEndpoint string        `yaml:"submit_endpoint"` // empty = in-process queue
}

// Config is the explicit configuration injected into every component
type Config struct {
	StorageRoot     string                         `yaml:"storage_root"`
	CustomRoot      string                         `yaml:"custom_storage_root"`
	DBPath          string                         `yaml:"db_path"`
	OutputStoreURL  string                         `yaml:"output_store_url"`
	Platforms       map[string]PlatformCredentials `yaml:"platforms"`
	DefaultFromDate string                         `yaml:"default_from_date"`
	OutIndexPrefix  string                         `yaml:"out_index_prefix"`
	HookPassword    string                         `yaml:"hook_password"`
	ReportBaseURL   string                         `yaml:"report_base_url"`
	Listen          string                         `yaml:"listen"`
	Workers         int                            `yaml:"workers"`
	QueueSize       int                            `yaml:"queue_size"`
	Debug           bool                           `yaml:"debug"`
	Retry           map[string]retry.Config        `yaml:"retry"`
	Refresh         RefreshConfig                  `yaml:"refresh"`
	Collector       CollectorConfig                `yaml:"collector"`
	Engine          CommandConfig                  `yaml:"engine"`
}

// Default returns a config with every field set to its default
func Default() *Config {
	return &Config{
		StorageRoot:     DefaultStorageRoot,
		CustomRoot:      DefaultCustomRoot,
		DBPath:          DefaultDBPath,
		OutputStoreURL:  "http://localhost:9200",
		Platforms:       map[string]PlatformCredentials{},
		DefaultFromDate: DefaultFromDate,
		OutIndexPrefix:  DefaultOutIndex,
		ReportBaseURL:   DefaultReportBase,
		Listen:          DefaultListen,
		Workers:         4,
		QueueSize:       256,
		Retry:           map[string]retry.Config{},
		Refresh: RefreshConfig{
			Threshold:     DefaultRefreshAfter,
			RatePerSecond: 2,
			Burst:         10,
			DedupTTL:      time.Hour,
		},
		Collector: CollectorConfig{CommandConfig: CommandConfig{Path: "micro-mordred"}},
		Engine:    CommandConfig{Path: "compass-metrics-model"},
	}
}

// Load builds the config from defaults, the YAML file at path (optional) and
// the process environment
func Load(path string) (*Config, error) {
	return LoadWithEnv(path, os.LookupEnv)
}

// LoadWithEnv is Load with an injectable environment lookup
func LoadWithEnv(path string, lookup func(string) (string, bool)) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, eris.Wrapf(err, "config: read %s", path)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, eris.Wrapf(err, "config: parse %s", path)
		}
	}

	if err := cfg.applyEnv(lookup); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	str("COMPASS_STORAGE_ROOT", &c.StorageRoot)
	str("COMPASS_CUSTOM_CONFIG_FOLDER", &c.CustomRoot)
	str("COMPASS_DB_PATH", &c.DBPath)
	str("COMPASS_OUTPUT_STORE_URL", &c.OutputStoreURL)
	str("COMPASS_METRICS_FROM_DATE", &c.DefaultFromDate)
	str("COMPASS_METRICS_OUT_INDEX", &c.OutIndexPrefix)
	str("COMPASS_HOOK_PASS", &c.HookPassword)
	str("COMPASS_REPORT_BASE_URL", &c.ReportBaseURL)
	str("COMPASS_LISTEN", &c.Listen)
	str("COMPASS_REFRESH_SUBMIT_ENDPOINT", &c.Refresh.SubmitEndpoint)
	str("COMPASS_COLLECTOR_PATH", &c.Collector.Path)
	str("COMPASS_COLLECTOR_CONFIG_TEMPLATE", &c.Collector.ConfigTemplate)
	str("COMPASS_ENGINE_PATH", &c.Engine.Path)

	if c.Platforms == nil {
		c.Platforms = map[string]PlatformCredentials{}
	}
	for _, p := range model.Platforms {
		name := strings.ToUpper(string(p))
		creds := c.Platforms[string(p)]
		str("COMPASS_"+name+"_API_TOKEN", &creds.APIToken)
		str("COMPASS_"+name+"_PROXY", &creds.Proxy)
		if creds != (PlatformCredentials{}) {
			c.Platforms[string(p)] = creds
		}
	}

	if v, ok := lookup("COMPASS_WORKERS"); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return eris.Wrapf(err, "config: COMPASS_WORKERS=%q", v)
		}
		c.Workers = n
	}
	if v, ok := lookup("COMPASS_DEBUG"); ok && v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return eris.Wrapf(err, "config: COMPASS_DEBUG=%q", v)
		}
		c.Debug = b
	}
	if v, ok := lookup("COMPASS_REFRESH_THRESHOLD"); ok && v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return eris.Wrapf(err, "config: COMPASS_REFRESH_THRESHOLD=%q", v)
		}
		c.Refresh.Threshold = d
	}
	return nil
}

// Validate checks the config for values no component can work with
func (c *Config) Validate() error {
	if strings.TrimSpace(c.StorageRoot) == "" {
		return eris.New("config: storage_root is required")
	}
	if strings.TrimSpace(c.CustomRoot) == "" {
		return eris.New("config: custom_storage_root is required")
	}
	if c.Workers < 1 {
		return eris.Errorf("config: workers must be positive, got %d", c.Workers)
	}
	if c.QueueSize < 1 {
		return eris.Errorf("config: queue_size must be positive, got %d", c.QueueSize)
	}
	if c.Refresh.Threshold <= 0 {
		return eris.Errorf("config: refresh.threshold must be positive, got %s", c.Refresh.Threshold)
	}
	if c.Refresh.RatePerSecond <= 0 {
		return eris.Errorf("config: refresh.rate_per_second must be positive, got %v", c.Refresh.RatePerSecond)
	}
	if _, err := time.Parse("2006-01-02", c.DefaultFromDate); err != nil {
		return eris.Wrapf(err, "config: default_from_date %q", c.DefaultFromDate)
	}
	return nil
}

// RetryFor returns the retry budget for an operation, preferring an override
// from the config file
func (c *Config) RetryFor(name string) retry.Config {
	if cfg, ok := c.Retry[name]; ok {
		return cfg
	}
	return retry.Lookup(name)
}

// Credentials returns the credentials configured for a platform
func (c *Config) Credentials(p model.Platform) PlatformCredentials {
	return c.Platforms[string(p)]
}

// OutIndex returns the output index a metric family writes to
func (c *Config) OutIndex(family string) string {
	return c.OutIndexPrefix + "_" + family
}
