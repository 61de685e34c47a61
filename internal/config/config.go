// Package config loads the topicmesh server configuration file and converts
// it into the broker and HTTP API configurations.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/goccy/go-yaml"

	"github.com/rmacdonaldsmith/topicmesh-go/internal/broker"
	"github.com/rmacdonaldsmith/topicmesh-go/internal/cluster"
	"github.com/rmacdonaldsmith/topicmesh-go/internal/httpapi"
	"github.com/rmacdonaldsmith/topicmesh-go/internal/resolver"
	"github.com/rmacdonaldsmith/topicmesh-go/pkg/topic"
)

// Duration is a time.Duration written as a Go duration string ("30s").
type Duration time.Duration

// UnmarshalYAML accepts a duration string or an integer number of nanoseconds.
func (d *Duration) UnmarshalYAML(unmarshal func(any) error) error {
	var n int64
	if err := unmarshal(&n); err == nil {
		*d = Duration(n)
		return nil
	}
	var s string
	if err := unmarshal(&s); err != nil {
		return errors.New("duration must be a string such as \"30s\"")
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(v)
	return nil
}

// MarshalYAML writes the duration as a string.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// File is the on-disk configuration.
type File struct {
	Node     Node     `yaml:"node"`
	Store    Store    `yaml:"store"`
	Resolver Resolver `yaml:"resolver"`
	Cluster  *Cluster `yaml:"cluster,omitempty"`
	HTTP     HTTP     `yaml:"http"`
	Log      Log      `yaml:"log"`
}

// Node holds the broker settings.
type Node struct {
	ID                  string   `yaml:"id"`
	PatternPolicy       string   `yaml:"patternPolicy,omitempty"`
	StrictSystemTopics  bool     `yaml:"strictSystemTopics,omitempty"`
	MaxQueueMessages    int      `yaml:"maxQueueMessages,omitempty"`
	DefaultSelector     string   `yaml:"defaultSelector,omitempty"`
	SelectorTimeout     Duration `yaml:"selectorTimeout,omitempty"`
	MaintenanceInterval Duration `yaml:"maintenanceInterval,omitempty"`
}

// Store holds the persistent store settings.
type Store struct {
	DataDir       string `yaml:"dataDir,omitempty"`
	CapacityBytes int64  `yaml:"capacityBytes,omitempty"`
	MaxRefs       int    `yaml:"maxRefs,omitempty"`
}

// Resolver holds the subscriber-list cache settings.
type Resolver struct {
	CacheCapacity int  `yaml:"cacheCapacity,omitempty"`
	FanInBoundary int  `yaml:"fanInBoundary,omitempty"`
	DisableCache  bool `yaml:"disableCache,omitempty"`
}

// Cluster holds the cluster link settings. Absent means standalone.
type Cluster struct {
	Listen         string   `yaml:"listen"`
	Peers          []string `yaml:"peers,omitempty"`
	LowQueueSize   int      `yaml:"lowQueueSize,omitempty"`
	HighQueueSize  int      `yaml:"highQueueSize,omitempty"`
	SendTimeout    Duration `yaml:"sendTimeout,omitempty"`
	MaxMessageSize int      `yaml:"maxMessageSize,omitempty"`
	RetainedExpiry Duration `yaml:"retainedExpiry,omitempty"`
}

// HTTP holds the API server settings.
type HTTP struct {
	Port         string   `yaml:"port,omitempty"`
	SecretKey    string   `yaml:"secretKey,omitempty"`
	TokenTTL     Duration `yaml:"tokenTTL,omitempty"`
	NoAuth       bool     `yaml:"noAuth,omitempty"`
	AdminClients []string `yaml:"adminClients,omitempty"`
	KeepAlive    Duration `yaml:"keepAlive,omitempty"`
}

// Log holds the logging settings.
type Log struct {
	Level  string `yaml:"level,omitempty"`
	Format string `yaml:"format,omitempty"`
}

// Load reads and parses the file at path.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	f, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return f, nil
}

// Parse decodes a configuration document. Unknown keys are rejected.
func Parse(data []byte) (*File, error) {
	var f File
	if err := yaml.UnmarshalWithOptions(data, &f, yaml.Strict()); err != nil {
		return nil, err
	}
	return &f, nil
}

// Marshal encodes f as YAML.
func (f *File) Marshal() ([]byte, error) {
	return yaml.Marshal(f)
}

// Logger builds the logger described by the log section.
func (f *File) Logger(w io.Writer) (*slog.Logger, error) {
	var level slog.Level
	if f.Log.Level != "" {
		if err := level.UnmarshalText([]byte(f.Log.Level)); err != nil {
			return nil, fmt.Errorf("log level: %w", err)
		}
	}
	opts := &slog.HandlerOptions{Level: level}
	switch strings.ToLower(f.Log.Format) {
	case "", "text":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	default:
		return nil, fmt.Errorf("unknown log format %q", f.Log.Format)
	}
}

// Broker converts the file into a validated broker configuration.
func (f *File) Broker(log *slog.Logger) (*broker.Config, error) {
	policy, err := topic.ParsePolicy(f.Node.PatternPolicy)
	if err != nil {
		return nil, err
	}

	cfg := &broker.Config{
		NodeID:              f.Node.ID,
		PatternPolicy:       policy,
		StrictSystemTopics:  f.Node.StrictSystemTopics,
		MaxQueueMessages:    f.Node.MaxQueueMessages,
		DefaultSelector:     f.Node.DefaultSelector,
		SelectorTimeout:     time.Duration(f.Node.SelectorTimeout),
		MaintenanceInterval: time.Duration(f.Node.MaintenanceInterval),
		DataDir:             f.Store.DataDir,
		StoreCapacityBytes:  f.Store.CapacityBytes,
		StoreMaxRefs:        f.Store.MaxRefs,
		Resolver: resolver.Config{
			CacheCapacity: f.Resolver.CacheCapacity,
			FanInBoundary: f.Resolver.FanInBoundary,
			DisableCache:  f.Resolver.DisableCache,
			Logger:        log,
		},
		Logger: log,
	}
	if c := f.Cluster; c != nil {
		cfg.Cluster = &cluster.Config{
			NodeID:         f.Node.ID,
			ListenAddress:  c.Listen,
			Peers:          c.Peers,
			LowQueueSize:   c.LowQueueSize,
			HighQueueSize:  c.HighQueueSize,
			SendTimeout:    time.Duration(c.SendTimeout),
			MaxMessageSize: c.MaxMessageSize,
			Logger:         log,
		}
		cfg.Cluster.SetDefaults()
		cfg.ClusterRetainedExpiry = time.Duration(c.RetainedExpiry)
	}

	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// HTTPAPI converts the file into the API server configuration.
func (f *File) HTTPAPI(log *slog.Logger) httpapi.Config {
	cfg := httpapi.Config{
		Port:         f.HTTP.Port,
		SecretKey:    f.HTTP.SecretKey,
		TokenTTL:     time.Duration(f.HTTP.TokenTTL),
		NoAuth:       f.HTTP.NoAuth,
		AdminClients: f.HTTP.AdminClients,
		KeepAlive:    time.Duration(f.HTTP.KeepAlive),
		Logger:       log,
	}
	cfg.SetDefaults()
	return cfg
}
