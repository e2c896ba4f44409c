package config

import (
	"bytes"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// FileName is the config file looked up in the workspace.
const FileName = "docqr.yml"

// Config models docqr.yml.
type Config struct {
	Issuer struct {
		BaseURL   string        `yaml:"base_url"`
		Secret    string        `yaml:"secret"`
		Tolerance time.Duration `yaml:"tolerance"`
	} `yaml:"issuer"`
	Status struct {
		BaseURL  string        `yaml:"base_url"`
		Timeout  time.Duration `yaml:"timeout"`
		CacheTTL time.Duration `yaml:"cache_ttl"`
	} `yaml:"status"`
	Cache struct {
		Backend   string `yaml:"backend"`
		RedisURL  string `yaml:"redis_url"`
		Namespace string `yaml:"namespace"`
	} `yaml:"cache"`
	Scan struct {
		Interval time.Duration `yaml:"interval"`
		Grace    time.Duration `yaml:"grace"`
		Facing   string        `yaml:"facing"`
	} `yaml:"scan"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
		File   string `yaml:"file"`
	} `yaml:"log"`
	Server struct {
		Addr        string   `yaml:"addr"`
		CORSOrigins []string `yaml:"cors_origins"`
		Workspace   string   `yaml:"workspace"`
	} `yaml:"server"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with docqr config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns the defaults if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure. The secret is not
// checked here; commands that sign or verify call RequireSecret.
func (c *Config) Validate() error {
	if c.Issuer.BaseURL != "" {
		if err := checkURL(c.Issuer.BaseURL); err != nil {
			return fmt.Errorf("config.issuer.base_url: %w", err)
		}
	}
	if c.Status.BaseURL != "" {
		if err := checkURL(c.Status.BaseURL); err != nil {
			return fmt.Errorf("config.status.base_url: %w", err)
		}
	}
	if c.Issuer.Tolerance <= 0 {
		return fmt.Errorf("config.issuer.tolerance must be positive")
	}
	if c.Status.Timeout <= 0 {
		return fmt.Errorf("config.status.timeout must be positive")
	}
	if c.Status.CacheTTL <= 0 {
		return fmt.Errorf("config.status.cache_ttl must be positive")
	}
	switch c.Cache.Backend {
	case "memory":
	case "redis":
		if c.Cache.RedisURL == "" {
			return fmt.Errorf("config.cache.redis_url is required for the redis backend")
		}
	default:
		return fmt.Errorf("config.cache.backend must be memory or redis, got %q", c.Cache.Backend)
	}
	if c.Scan.Interval <= 0 {
		return fmt.Errorf("config.scan.interval must be positive")
	}
	if c.Scan.Grace < 0 {
		return fmt.Errorf("config.scan.grace must not be negative")
	}
	switch c.Scan.Facing {
	case "", "environment", "user":
	default:
		return fmt.Errorf("config.scan.facing must be environment or user, got %q", c.Scan.Facing)
	}
	switch c.Log.Format {
	case "", "console", "json":
	default:
		return fmt.Errorf("config.log.format must be console or json, got %q", c.Log.Format)
	}
	return nil
}

// RequireSecret reports a missing signing key.
func (c *Config) RequireSecret() error {
	if strings.TrimSpace(c.Issuer.Secret) == "" {
		return fmt.Errorf("config.issuer.secret is required (or set DOCQR_SECRET)")
	}
	return nil
}

func checkURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("scheme must be http or https")
	}
	if u.Host == "" {
		return fmt.Errorf("host is required")
	}
	return nil
}

// Override sets a single value by its dotted key, as used for environment
// and flag overrides. Unknown keys are an error.
func (c *Config) Override(key, value string) error {
	var err error
	dur := func(dst *time.Duration) {
		var d time.Duration
		if d, err = time.ParseDuration(value); err == nil {
			*dst = d
		}
	}
	switch key {
	case "issuer.base_url":
		c.Issuer.BaseURL = value
	case "issuer.secret":
		c.Issuer.Secret = value
	case "issuer.tolerance":
		dur(&c.Issuer.Tolerance)
	case "status.base_url":
		c.Status.BaseURL = value
	case "status.timeout":
		dur(&c.Status.Timeout)
	case "status.cache_ttl":
		dur(&c.Status.CacheTTL)
	case "cache.backend":
		c.Cache.Backend = value
	case "cache.redis_url":
		c.Cache.RedisURL = value
	case "cache.namespace":
		c.Cache.Namespace = value
	case "scan.interval":
		dur(&c.Scan.Interval)
	case "scan.grace":
		dur(&c.Scan.Grace)
	case "scan.facing":
		c.Scan.Facing = value
	case "log.level":
		c.Log.Level = value
	case "log.format":
		c.Log.Format = value
	case "log.file":
		c.Log.File = value
	case "server.addr":
		c.Server.Addr = value
	case "server.cors_origins":
		c.Server.CORSOrigins = splitList(value)
	case "server.workspace":
		c.Server.Workspace = value
	default:
		return fmt.Errorf("unknown config key %s", key)
	}
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	return nil
}

// Keys lists every key accepted by Override.
func Keys() []string {
	return []string{
		"issuer.base_url", "issuer.secret", "issuer.tolerance",
		"status.base_url", "status.timeout", "status.cache_ttl",
		"cache.backend", "cache.redis_url", "cache.namespace",
		"scan.interval", "scan.grace", "scan.facing",
		"log.level", "log.format", "log.file",
		"server.addr", "server.cors_origins", "server.workspace",
	}
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Redacted returns a copy safe to print.
func (c *Config) Redacted() *Config {
	cp := *c
	cp.Server.CORSOrigins = append([]string(nil), c.Server.CORSOrigins...)
	if cp.Issuer.Secret != "" {
		cp.Issuer.Secret = "***" + strconv.Itoa(len(c.Issuer.Secret)) + " bytes***"
	}
	return &cp
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, FileName)
}

// GenerateDefault returns default config YAML.
func GenerateDefault(baseURL string) string {
	return fmt.Sprintf(defaultTemplate, baseURL, baseURL)
}

// Default returns the default Config struct. It panics if the built-in
// template no longer decodes strictly into Config.
func Default() *Config {
	cfg, err := decodeTemplate(GenerateDefault("http://localhost:8080"))
	if err != nil {
		panic(fmt.Sprintf("config: default template: %v", err))
	}
	return cfg
}

func decodeTemplate(content string) (*Config, error) {
	var cfg Config
	dec := yaml.NewDecoder(bytes.NewBufferString(content))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromYAML parses and validates config from raw YAML bytes. Missing keys
// keep their default values.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `issuer:
  base_url: %s
  # secret: set here or through DOCQR_SECRET
  tolerance: 1h

status:
  base_url: %s
  timeout: 10s
  cache_ttl: 15m

cache:
  backend: memory
  namespace: docqr

scan:
  interval: 100ms
  grace: 500ms
  facing: environment

log:
  level: info
  format: console

server:
  addr: 127.0.0.1:8080
  workspace: .
`
