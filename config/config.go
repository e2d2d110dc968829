// Package config loads the observer configuration: a YAML file, then
// environment overrides, then command line flags applied by the caller.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"
)

type Config struct {
	ObserverAddress      string   `yaml:"observer_address"`
	ReferenceGatewayHost string   `yaml:"reference_gateway_host"`
	ObservedGatewayHosts []string `yaml:"observed_gateway_hosts"`
	ArNSNames            []string `yaml:"arns_names"`
	LogLevel             string   `yaml:"log_level"`
	// MetricsAddr serves /metrics when set, e.g. ":9090"
	MetricsAddr string `yaml:"metrics_addr"`

	Arweave ArweaveConfig `yaml:"arweave"`
	Epoch   EpochConfig   `yaml:"epoch"`
	Names   NamesConfig   `yaml:"names"`
	Entropy EntropyConfig `yaml:"entropy"`
	Gateway GatewayConfig `yaml:"gateway"`
	Report  ReportConfig  `yaml:"report"`
	NATS    NATSConfig    `yaml:"nats"`
}

type ArweaveConfig struct {
	URL            string        `yaml:"url"`
	MaxAttempts    int           `yaml:"max_attempts"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

type EpochConfig struct {
	Length uint64 `yaml:"length"`
	// MaxAge bounds how long a fetched chain height is reused
	MaxAge time.Duration `yaml:"max_age"`
}

type NamesConfig struct {
	PrescribedCount int `yaml:"prescribed_count"`
	ChosenCount     int `yaml:"chosen_count"`
}

type EntropyConfig struct {
	CachePath string `yaml:"cache_path"`
}

type GatewayConfig struct {
	Scheme         string        `yaml:"scheme"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	MaxBodyBytes   int64         `yaml:"max_body_bytes"`
	Concurrency    int           `yaml:"concurrency"`
}

type ReportConfig struct {
	Timeout  time.Duration `yaml:"timeout"`
	Interval time.Duration `yaml:"interval"`
	// Rule is an optional expr-lang verdict expression
	Rule string `yaml:"rule"`
}

type NATSConfig struct {
	URLs           []string      `yaml:"urls"`
	SubjectPrefix  string        `yaml:"subject_prefix"`
	Compress       bool          `yaml:"compress"`
	PublishTimeout time.Duration `yaml:"publish_timeout"`
	// Embedded starts a local JetStream server and publishes to it
	Embedded bool   `yaml:"embedded"`
	StoreDir string `yaml:"store_dir"`
	// Port of the embedded server, -1 picks a free one
	Port int `yaml:"port"`
}

func (n NATSConfig) Enabled() bool {
	return n.Embedded || len(n.URLs) > 0
}

// Default mirrors the defaults of the reference observer CLI
func Default() Config {
	return Config{
		ReferenceGatewayHost: "arweave.dev",
		LogLevel:             "info",
		Arweave: ArweaveConfig{
			URL:            "https://arweave.net",
			MaxAttempts:    5,
			RequestTimeout: 15 * time.Second,
		},
		Epoch: EpochConfig{
			Length: 50,
			MaxAge: time.Minute,
		},
		Names: NamesConfig{
			PrescribedCount: 1,
			ChosenCount:     1,
		},
		Entropy: EntropyConfig{
			CachePath: "./tmp/entropy",
		},
		Gateway: GatewayConfig{
			Scheme:         "https",
			RequestTimeout: 30 * time.Second,
			MaxBodyBytes:   10 << 20,
			Concurrency:    16,
		},
		Report: ReportConfig{
			Timeout:  5 * time.Minute,
			Interval: time.Minute,
		},
		NATS: NATSConfig{
			SubjectPrefix:  "observer.reports",
			PublishTimeout: 5 * time.Second,
			StoreDir:       "./tmp/nats",
			Port:           4222,
		},
	}
}

// Load reads path over the defaults and applies the overrides returned by
// getenv, usually os.Getenv. An empty path skips the file.
func Load(path string, getenv func(string) string) (Config, error) {
	c := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return c, fmt.Errorf("config load: %w", err)
		}
		if err := yaml.Unmarshal(data, &c); err != nil {
			return c, fmt.Errorf("config unmarshal: %w", err)
		}
	}
	if err := c.ApplyEnv(getenv); err != nil {
		return c, err
	}
	return c, nil
}

// ApplyEnv overrides c with the non-empty variables returned by getenv
func (c *Config) ApplyEnv(getenv func(string) string) error {
	if v := getenv("OBSERVER_ADDRESS"); v != "" {
		c.ObserverAddress = v
	}
	if v := getenv("REFERENCE_GATEWAY_HOST"); v != "" {
		c.ReferenceGatewayHost = v
	}
	if v := getenv("OBSERVED_GATEWAY_HOSTS"); v != "" {
		c.ObservedGatewayHosts = SplitList(v)
	}
	if v := getenv("ARNS_NAMES"); v != "" {
		c.ArNSNames = SplitList(v)
	}
	if v := getenv("ARWEAVE_URL"); v != "" {
		c.Arweave.URL = v
	}
	if v := getenv("NATS_URLS"); v != "" {
		c.NATS.URLs = SplitList(v)
	}
	if v := getenv("LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := getenv("METRICS_ADDR"); v != "" {
		c.MetricsAddr = v
	}
	if v := getenv("EPOCH_LENGTH"); v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid EPOCH_LENGTH %q: %w", v, err)
		}
		c.Epoch.Length = n
	}
	return nil
}

// SplitList splits a comma separated list, dropping blanks
func SplitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func (c Config) ZapLevel() (zapcore.Level, error) {
	return zapcore.ParseLevel(c.LogLevel)
}

// Validate reports every problem at once
func (c Config) Validate() error {
	var errs []error
	if c.ObserverAddress == "" {
		errs = append(errs, errors.New("observer address is required (OBSERVER_ADDRESS)"))
	}
	if c.ReferenceGatewayHost == "" {
		errs = append(errs, errors.New("reference gateway host is required"))
	}
	if len(c.ArNSNames) == 0 {
		errs = append(errs, errors.New("at least one ArNS name is required (ARNS_NAMES)"))
	}
	if _, err := c.ZapLevel(); err != nil {
		errs = append(errs, fmt.Errorf("invalid log level %q", c.LogLevel))
	}
	if c.Arweave.URL == "" {
		errs = append(errs, errors.New("arweave url is required"))
	}
	if c.Epoch.Length == 0 {
		errs = append(errs, errors.New("epoch length must be > 0"))
	}
	if c.Names.PrescribedCount < 0 || c.Names.ChosenCount < 0 {
		errs = append(errs, errors.New("name counts must be >= 0"))
	}
	if n := len(c.ArNSNames); n > 0 && (c.Names.PrescribedCount > n || c.Names.ChosenCount > n) {
		errs = append(errs, fmt.Errorf("name counts %d/%d exceed the %d configured ArNS names", c.Names.PrescribedCount, c.Names.ChosenCount, n))
	}
	if c.Entropy.CachePath == "" {
		errs = append(errs, errors.New("entropy cache path is required"))
	}
	if c.Gateway.Scheme != "http" && c.Gateway.Scheme != "https" {
		errs = append(errs, fmt.Errorf("gateway scheme must be http or https, got %q", c.Gateway.Scheme))
	}
	if c.Gateway.Concurrency <= 0 {
		errs = append(errs, errors.New("gateway concurrency must be > 0"))
	}
	if c.Report.Timeout <= 0 {
		errs = append(errs, errors.New("report timeout must be > 0"))
	}
	if c.Report.Interval <= 0 {
		errs = append(errs, errors.New("report interval must be > 0"))
	}
	if c.NATS.Embedded && c.NATS.StoreDir == "" {
		errs = append(errs, errors.New("nats store dir is required for the embedded server"))
	}
	if c.NATS.Embedded && (c.NATS.Port == 0 || c.NATS.Port < -1 || c.NATS.Port > 65535) {
		errs = append(errs, fmt.Errorf("nats port must be in 1..65535 or -1, got %d", c.NATS.Port))
	}
	return errors.Join(errs...)
}
