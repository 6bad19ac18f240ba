// Package config loads changesync's runtime configuration: an optional
// YAML file, then CHANGESYNC_* environment overrides, then defaults for
// anything unset, checked against an embedded CUE schema.
package config

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"gopkg.in/yaml.v3"
)

//go:embed schema.cue
var schemaSource string

const (
	DefaultDatabase          = "changesync.db"
	DefaultHost              = "127.0.0.1"
	DefaultPort              = 8780
	DefaultMaxBodyBytes      = 4 << 20
	DefaultReadTimeout       = 15 * time.Second
	DefaultWriteTimeout      = 15 * time.Second
	DefaultIdleTimeout       = 60 * time.Second
	DefaultMaxBatch          = 500
	DefaultAllocationRetries = 5
	DefaultWorkers           = 4
	DefaultPollInterval      = time.Second
	DefaultHeartbeat         = 5 * time.Second
	DefaultStaleAfter        = 30 * time.Second
	DefaultReconcileInterval = 30 * time.Second
	DefaultSendBuffer        = 64
	DefaultDedupWindow       = 4096
	DefaultRelayInterval     = time.Second
	DefaultCacheTTL          = 30 * time.Second
	DefaultIssuer            = "changesync"
)

// Config is the effective configuration.
type Config struct {
	Database   Database   `yaml:"database" json:"database"`
	Server     Server     `yaml:"server" json:"server"`
	Admission  Admission  `yaml:"admission" json:"admission"`
	Workers    Workers    `yaml:"workers" json:"workers"`
	Reconciler Reconciler `yaml:"reconciler" json:"reconciler"`
	Broadcast  Broadcast  `yaml:"broadcast" json:"broadcast"`
	Auth       Auth       `yaml:"auth" json:"auth"`
	Log        Log        `yaml:"log" json:"log"`
}

type Database struct {
	Path string `yaml:"path" json:"path"`
}

// Server configures the HTTP transport.
type Server struct {
	Host         string        `yaml:"host" json:"host"`
	Port         int           `yaml:"port" json:"port"`
	MaxBodyBytes int64         `yaml:"max_body_bytes" json:"max_body_bytes"`
	ReadTimeout  time.Duration `yaml:"read_timeout" json:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout" json:"write_timeout"`
	IdleTimeout  time.Duration `yaml:"idle_timeout" json:"idle_timeout"`
}

// Address returns the TCP bind address in host:port form.
func (s Server) Address() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

type Admission struct {
	MaxBatch          int  `yaml:"max_batch" json:"max_batch"`
	AllocationRetries int  `yaml:"allocation_retries" json:"allocation_retries"`
	InlineApply       bool `yaml:"inline_apply" json:"inline_apply"`
}

// Workers sizes the apply pool. HeartbeatInterval must stay below
// StaleAfter or live workers lose their tasks.
type Workers struct {
	Count             int           `yaml:"count" json:"count"`
	PollInterval      time.Duration `yaml:"poll_interval" json:"poll_interval"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval" json:"heartbeat_interval"`
	StaleAfter        time.Duration `yaml:"stale_after" json:"stale_after"`
}

type Reconciler struct {
	Interval time.Duration `yaml:"interval" json:"interval"`
}

type Broadcast struct {
	SendBuffer    int           `yaml:"send_buffer" json:"send_buffer"`
	DedupWindow   int           `yaml:"dedup_window" json:"dedup_window"`
	RelayInterval time.Duration `yaml:"relay_interval" json:"relay_interval"`
}

type Auth struct {
	JWTSecret string        `yaml:"jwt_secret" json:"jwt_secret"`
	Issuer    string        `yaml:"issuer" json:"issuer"`
	CacheTTL  time.Duration `yaml:"cache_ttl" json:"cache_ttl"`
}

type Log struct {
	Level  string `yaml:"level" json:"level"`
	Format string `yaml:"format" json:"format"`
}

// SlogLevel maps Level to a slog level. Unknown levels mean info.
func (l Log) SlogLevel() slog.Level {
	switch l.Level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Default returns the configuration used when nothing is overridden.
func Default() Config {
	c := Config{}
	c.normalize()
	return c
}

// Load reads path (optional: "" means defaults only), applies environment
// overrides and defaults, and validates the result.
func Load(path string) (Config, error) {
	c := Config{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if c, err = Parse(data); err != nil {
			return Config{}, fmt.Errorf("%s: %w", path, err)
		}
	}
	if err := c.applyEnv(); err != nil {
		return Config{}, err
	}
	c.normalize()
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Parse decodes a YAML document. Unknown keys are rejected so typos do
// not silently fall back to defaults.
func Parse(data []byte) (Config, error) {
	var c Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&c); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	return c, nil
}

func (c *Config) applyEnv() error {
	if v := env("CHANGESYNC_DB"); v != "" {
		c.Database.Path = v
	}
	if v := env("CHANGESYNC_HOST"); v != "" {
		c.Server.Host = v
	}
	if v := env("CHANGESYNC_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("CHANGESYNC_PORT: %w", err)
		}
		c.Server.Port = port
	}
	if v := env("CHANGESYNC_JWT_SECRET"); v != "" {
		c.Auth.JWTSecret = v
	}
	if v := env("CHANGESYNC_WORKERS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("CHANGESYNC_WORKERS: %w", err)
		}
		c.Workers.Count = n
	}
	if v := env("CHANGESYNC_LOG_LEVEL"); v != "" {
		c.Log.Level = strings.ToLower(v)
	}
	return nil
}

func env(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func (c *Config) normalize() {
	c.Database.Path = strings.TrimSpace(c.Database.Path)
	if c.Database.Path == "" {
		c.Database.Path = DefaultDatabase
	}

	s := &c.Server
	s.Host = strings.TrimSpace(s.Host)
	if s.Host == "" {
		s.Host = DefaultHost
	}
	if s.Port == 0 {
		s.Port = DefaultPort
	}
	if s.MaxBodyBytes <= 0 {
		s.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if s.ReadTimeout <= 0 {
		s.ReadTimeout = DefaultReadTimeout
	}
	if s.WriteTimeout <= 0 {
		s.WriteTimeout = DefaultWriteTimeout
	}
	if s.IdleTimeout <= 0 {
		s.IdleTimeout = DefaultIdleTimeout
	}

	if c.Admission.MaxBatch <= 0 {
		c.Admission.MaxBatch = DefaultMaxBatch
	}
	if c.Admission.AllocationRetries <= 0 {
		c.Admission.AllocationRetries = DefaultAllocationRetries
	}

	w := &c.Workers
	if w.Count <= 0 {
		w.Count = DefaultWorkers
	}
	if w.PollInterval <= 0 {
		w.PollInterval = DefaultPollInterval
	}
	if w.HeartbeatInterval <= 0 {
		w.HeartbeatInterval = DefaultHeartbeat
	}
	if w.StaleAfter <= 0 {
		w.StaleAfter = DefaultStaleAfter
	}

	if c.Reconciler.Interval <= 0 {
		c.Reconciler.Interval = DefaultReconcileInterval
	}

	b := &c.Broadcast
	if b.SendBuffer <= 0 {
		b.SendBuffer = DefaultSendBuffer
	}
	if b.DedupWindow <= 0 {
		b.DedupWindow = DefaultDedupWindow
	}
	if b.RelayInterval <= 0 {
		b.RelayInterval = DefaultRelayInterval
	}

	if c.Auth.Issuer == "" {
		c.Auth.Issuer = DefaultIssuer
	}
	if c.Auth.CacheTTL <= 0 {
		c.Auth.CacheTTL = DefaultCacheTTL
	}

	c.Log.Level = strings.ToLower(strings.TrimSpace(c.Log.Level))
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	c.Log.Format = strings.ToLower(strings.TrimSpace(c.Log.Format))
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
}

// Validate checks c against the embedded schema.
func (c Config) Validate() error {
	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}

	ctx := cuecontext.New()
	schema := ctx.CompileString(schemaSource, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return fmt.Errorf("config schema: %w", err)
	}
	value := ctx.CompileBytes(data, cue.Filename("config.json"))
	if err := value.Err(); err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	if err := schema.Unify(value).Validate(cue.Concrete(true)); err != nil {
		return fmt.Errorf("invalid config: %s", strings.TrimSpace(cueerrors.Details(err, nil)))
	}
	return nil
}

// Redacted returns a copy safe to print.
func (c Config) Redacted() Config {
	if c.Auth.JWTSecret != "" {
		c.Auth.JWTSecret = "<redacted>"
	}
	return c
}

// YAML renders c as a config file.
func (c Config) YAML() ([]byte, error) {
	return yaml.Marshal(c)
}
