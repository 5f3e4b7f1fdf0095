// Package config loads birdctl and birdsim settings.
//
// Files are TOML or YAML, chosen by extension. Keys absent from the file keep
// their Default values, and a few environment variables override the file.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"birdrpc/client"
	"birdrpc/middleware"
	"birdrpc/session"
	"birdrpc/transport"
	"birdrpc/upload"
)

const (
	EnvEndpoint = "BIRDRPC_ENDPOINT"
	EnvLogLevel = "BIRDRPC_LOG_LEVEL"
)

var ErrInvalid = errors.New("config: invalid")

type Config struct {
	Endpoint string         `toml:"endpoint" yaml:"endpoint"`
	Client   ClientConfig   `toml:"client" yaml:"client"`
	Retry    RetryConfig    `toml:"retry" yaml:"retry"`
	Upload   UploadConfig   `toml:"upload" yaml:"upload"`
	Poll     PollConfig     `toml:"poll" yaml:"poll"`
	Registry RegistryConfig `toml:"registry" yaml:"registry"`
	Log      LogConfig      `toml:"log" yaml:"log"`
	Metrics  MetricsConfig  `toml:"metrics" yaml:"metrics"`
}

type ClientConfig struct {
	Version         string   `toml:"version" yaml:"version"`
	DialTimeout     Duration `toml:"dial_timeout" yaml:"dial_timeout"`
	MaxStaleReplies int      `toml:"max_stale_replies" yaml:"max_stale_replies"`
	RateLimit       float64  `toml:"rate_limit" yaml:"rate_limit"` // calls per second, 0 = unlimited
	RateBurst       int      `toml:"rate_burst" yaml:"rate_burst"`
}

// RetryConfig drives the connect backoff while the daemon starts.
type RetryConfig struct {
	Attempts     int      `toml:"attempts" yaml:"attempts"`
	InitialDelay Duration `toml:"initial_delay" yaml:"initial_delay"`
	Multiplier   float64  `toml:"multiplier" yaml:"multiplier"`
	MaxDelay     Duration `toml:"max_delay" yaml:"max_delay"`
	Jitter       bool     `toml:"jitter" yaml:"jitter"`
}

type UploadConfig struct {
	FirstFragmentSize int `toml:"first_fragment_size" yaml:"first_fragment_size"`
	FragmentSize      int `toml:"fragment_size" yaml:"fragment_size"`
}

type PollConfig struct {
	Timeout  Duration `toml:"timeout" yaml:"timeout"`
	Interval Duration `toml:"interval" yaml:"interval"`
}

type RegistryConfig struct {
	Type     string   `toml:"type" yaml:"type"` // "", static or etcd
	Service  string   `toml:"service" yaml:"service"`
	Balancer string   `toml:"balancer" yaml:"balancer"`
	Key      string   `toml:"key" yaml:"key"` // consistent hash key, usually the client name
	Static   []string `toml:"static" yaml:"static"`
	Etcd     struct {
		Endpoints   []string `toml:"endpoints" yaml:"endpoints"`
		DialTimeout Duration `toml:"dial_timeout" yaml:"dial_timeout"`
	} `toml:"etcd" yaml:"etcd"`
}

type LogConfig struct {
	Level string `toml:"level" yaml:"level"`
	JSON  bool   `toml:"json" yaml:"json"`
}

type MetricsConfig struct {
	Addr string `toml:"addr" yaml:"addr"` // empty disables the metrics listener
}

// Duration reads "1.5s" style strings from TOML and YAML.
type Duration struct{ time.Duration }

func (d *Duration) UnmarshalText(text []byte) error {
	dd, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", text, err)
	}
	d.Duration = dd
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	return d.UnmarshalText([]byte(s))
}

func Default() *Config {
	backoff := session.DefaultBackoff()
	policy := upload.DefaultPolicy()
	cfg := &Config{
		Endpoint: transport.Endpoint("localhost", transport.DefaultPort),
		Client: ClientConfig{
			Version:         session.ClientVersion,
			DialTimeout:     Duration{transport.DefaultOptions().DialTimeout},
			MaxStaleReplies: client.DefaultMaxStaleReplies,
			RateBurst:       1,
		},
		Retry: RetryConfig{
			Attempts:     backoff.Attempts,
			InitialDelay: Duration{backoff.InitialDelay},
			Multiplier:   backoff.Multiplier,
			MaxDelay:     Duration{backoff.MaxDelay},
			Jitter:       backoff.Jitter,
		},
		Upload: UploadConfig{
			FirstFragmentSize: policy.FirstFragmentSize,
			FragmentSize:      policy.FragmentSize,
		},
		Poll: PollConfig{
			Timeout:  Duration{60 * time.Second},
			Interval: Duration{time.Second},
		},
		Log: LogConfig{Level: "info"},
	}
	cfg.Registry.Service = "bird"
	cfg.Registry.Balancer = "round_robin"
	cfg.Registry.Etcd.DialTimeout = Duration{5 * time.Second}
	return cfg
}

// Load reads path over Default, applies environment overrides and validates.
// An empty path yields the defaults with overrides applied.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		if err := cfg.decodeFile(path); err != nil {
			return nil, err
		}
	}
	cfg.ApplyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) decodeFile(path string) error {
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".toml":
		if _, err := toml.DecodeFile(path, c); err != nil {
			return fmt.Errorf("load config %s: %w", path, err)
		}
	case ".yaml", ".yml":
		b, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		if err := yaml.Unmarshal(b, c); err != nil {
			return fmt.Errorf("load config %s: %w", path, err)
		}
	default:
		return fmt.Errorf("load config %s: unsupported extension %q", path, ext)
	}
	return nil
}

func (c *Config) ApplyEnv() {
	if v := strings.TrimSpace(os.Getenv(EnvEndpoint)); v != "" {
		c.Endpoint = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvLogLevel)); v != "" {
		c.Log.Level = v
	}
}

func (c *Config) Validate() error {
	if c.Registry.Type == "" {
		if _, _, err := transport.SplitEndpoint(c.Endpoint); err != nil {
			return fmt.Errorf("%w: endpoint: %v", ErrInvalid, err)
		}
	}
	if c.Upload.FirstFragmentSize <= 0 || c.Upload.FragmentSize <= 0 {
		return fmt.Errorf("%w: fragment sizes must be positive", ErrInvalid)
	}
	if c.Poll.Interval.Duration <= 0 {
		return fmt.Errorf("%w: poll interval must be positive", ErrInvalid)
	}
	if c.Client.RateLimit < 0 {
		return fmt.Errorf("%w: rate_limit must not be negative", ErrInvalid)
	}
	switch c.Registry.Type {
	case "":
	case "static":
		if len(c.Registry.Static) == 0 {
			return fmt.Errorf("%w: static registry without endpoints", ErrInvalid)
		}
	case "etcd":
		if len(c.Registry.Etcd.Endpoints) == 0 {
			return fmt.Errorf("%w: etcd registry without endpoints", ErrInvalid)
		}
	default:
		return fmt.Errorf("%w: unknown registry type %q", ErrInvalid, c.Registry.Type)
	}
	return nil
}

func (c *Config) Policy() upload.Policy {
	return upload.Policy{
		FirstFragmentSize: c.Upload.FirstFragmentSize,
		FragmentSize:      c.Upload.FragmentSize,
	}
}

func (c *Config) Backoff() session.BackoffConfig {
	return session.BackoffConfig{
		Attempts:     c.Retry.Attempts,
		InitialDelay: c.Retry.InitialDelay.Duration,
		Multiplier:   c.Retry.Multiplier,
		MaxDelay:     c.Retry.MaxDelay.Duration,
		Jitter:       c.Retry.Jitter,
	}
}

// SessionOptions builds session options for endpoint. Calls are logged and
// counted; a positive rate_limit also throttles them.
func (c *Config) SessionOptions(endpoint string) session.Options {
	mws := []middleware.Middleware{
		middleware.LoggingMiddleware("client"),
		middleware.MetricsMiddleware("client"),
	}
	if c.Client.RateLimit > 0 {
		mws = append(mws, middleware.RateLimitMiddleware(c.Client.RateLimit, c.Client.RateBurst))
	}
	topts := transport.DefaultOptions()
	topts.DialTimeout = c.Client.DialTimeout.Duration
	return session.Options{
		Endpoint:      endpoint,
		ClientVersion: c.Client.Version,
		Transport:     topts,
		Caller: client.Options{
			MaxStaleReplies: c.Client.MaxStaleReplies,
			Middlewares:     mws,
		},
		Upload: c.Policy(),
	}
}
