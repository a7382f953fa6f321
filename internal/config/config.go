package config

import (
	"context"
	"fmt"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/sethvargo/go-envconfig"
	"gopkg.in/yaml.v3"
)

const (
	StoreDriverPostgres = "postgres"
	StoreDriverSQLite   = "sqlite"
	StoreDriverMongo    = "mongo"

	NotifierLocal = "local"
	NotifierRedis = "redis"
)

// Config holds settings for the queue service, shared by the api, worker
// and queuectl binaries.
type Config struct {
	StoreDriver string `env:"QUEUE_STORE,default=postgres"`
	SQLitePath  string `env:"SQLITE_PATH,default=./data/jobs.db"`

	EmailWorkers  int `env:"EMAIL_WORKERS,default=4"`
	SMSWorkers    int `env:"SMS_WORKERS,default=4"`
	ReportWorkers int `env:"REPORT_WORKERS,default=2"`

	PollInterval      time.Duration `env:"POLL_INTERVAL,default=2s"`
	VisibilityTimeout time.Duration `env:"VISIBILITY_TIMEOUT,default=5m"`
	SweepInterval     time.Duration `env:"SWEEP_INTERVAL,default=30s"`
	ShutdownTimeout   time.Duration `env:"SHUTDOWN_TIMEOUT,default=30s"`

	RetainCompleted int `env:"RETAIN_COMPLETED,default=100"`
	RetainFailed    int `env:"RETAIN_FAILED,default=50"`

	Notifier string `env:"NOTIFIER,default=local"`
	RedisURL string `env:"REDIS_URL,default=redis://localhost:6379/0"`

	HTTPAddr       string        `env:"HTTP_ADDR,default=:8080"`
	MetricsAddr    string        `env:"METRICS_ADDR,default=:9090"`
	RequestTimeout time.Duration `env:"REQUEST_TIMEOUT,default=10s"`
	LogLevel       string        `env:"LOG_LEVEL,default=info"`
	LogFormat      string        `env:"LOG_FORMAT,default=json"`

	TopologyFile string `env:"TOPOLOGY_FILE"`
	Topology     Topology
}

// Topology is the optional per-topic tuning file.
//
//	topics:
//	  email:
//	    concurrency: 8
//	    remove_on_complete: 500
type Topology struct {
	Topics map[string]TopicSettings `yaml:"topics"`
}

type TopicSettings struct {
	Concurrency      int  `yaml:"concurrency"`
	RemoveOnComplete *int `yaml:"remove_on_complete"`
	RemoveOnFail     *int `yaml:"remove_on_fail"`
}

// to help with testing
var envProcess = envconfig.Process

func Load(ctx context.Context) (*Config, error) {
	var cfg Config
	if err := envProcess(ctx, &cfg); err != nil {
		return nil, fmt.Errorf("failed to process env config: %w", err)
	}

	if cfg.TopologyFile != "" {
		topo, err := LoadTopology(cfg.TopologyFile)
		if err != nil {
			return nil, err
		}
		cfg.Topology = *topo
	}

	if err := validateConfig(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

func LoadTopology(path string) (*Topology, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read topology file: %w", err)
	}

	var topo Topology
	if err := yaml.Unmarshal(data, &topo); err != nil {
		return nil, fmt.Errorf("parse topology file: %w", err)
	}
	for topic := range topo.Topics {
		if !slices.Contains(AllowedTopics, topic) {
			return nil, fmt.Errorf("topology file: unknown topic %q", topic)
		}
	}
	return &topo, nil
}

func validateConfig(cfg *Config) error {
	var errors []string

	if !slices.Contains([]string{StoreDriverPostgres, StoreDriverSQLite, StoreDriverMongo}, cfg.StoreDriver) {
		errors = append(errors, "QUEUE_STORE must be one of postgres, sqlite, mongo")
	}
	if !slices.Contains([]string{NotifierLocal, NotifierRedis}, cfg.Notifier) {
		errors = append(errors, "NOTIFIER must be local or redis")
	}

	if cfg.EmailWorkers < 0 || cfg.SMSWorkers < 0 || cfg.ReportWorkers < 0 {
		errors = append(errors, "worker counts must be non-negative")
	}

	if cfg.PollInterval <= 0 {
		errors = append(errors, "POLL_INTERVAL must be positive")
	}
	if cfg.VisibilityTimeout <= 0 {
		errors = append(errors, "VISIBILITY_TIMEOUT must be positive")
	}
	if cfg.SweepInterval <= 0 {
		errors = append(errors, "SWEEP_INTERVAL must be positive")
	}

	for topic, s := range cfg.Topology.Topics {
		if s.Concurrency < 0 {
			errors = append(errors, fmt.Sprintf("topology: %s concurrency must be non-negative", topic))
		}
	}

	if len(errors) > 0 {
		return fmt.Errorf("%s", strings.Join(errors, "; "))
	}
	return nil
}

// Concurrency returns the number of workers to run for a topic.
func (c *Config) Concurrency(topic string) int {
	if s, ok := c.Topology.Topics[topic]; ok && s.Concurrency > 0 {
		return s.Concurrency
	}

	switch topic {
	case TopicEmail:
		return c.EmailWorkers
	case TopicSMS:
		return c.SMSWorkers
	case TopicReport:
		return c.ReportWorkers
	}
	return 0
}

// Retention returns the retention counts for a topic.
func (c *Config) Retention(topic string) Retention {
	r := Retention{RemoveOnComplete: c.RetainCompleted, RemoveOnFail: c.RetainFailed}
	if s, ok := c.Topology.Topics[topic]; ok {
		if s.RemoveOnComplete != nil {
			r.RemoveOnComplete = *s.RemoveOnComplete
		}
		if s.RemoveOnFail != nil {
			r.RemoveOnFail = *s.RemoveOnFail
		}
	}
	return r
}
