package rediscache

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"gopkg.in/yaml.v3"

	"github.com/platformatic/undici-cache-redis/pkg/cacheerrors"
)

// Options configures a Store and the backend client it constructs.
// Exactly one of the single-node, cluster, or sentinel address fields
// should be populated; New picks the matching goredis.UniversalClient
// implementation the same way a caller's own YAML config would.
type Options struct {
	// Single node configuration.
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`

	// Cluster configuration.
	ClusterAddrs []string `yaml:"cluster_addrs"`

	// Sentinel configuration.
	SentinelAddrs  []string `yaml:"sentinel_addrs"`
	SentinelMaster string   `yaml:"sentinel_master"`

	// KeyPrefix is prepended to every storage key (spec: keyPrefix, may be
	// empty).
	KeyPrefix string `yaml:"key_prefix"`

	// MaxSize bounds the body of a single entry in bytes. Writes whose
	// body reaches or exceeds it are silently discarded (spec §4.3.2).
	MaxSize int `yaml:"max_size"`

	// CacheTagsHeader is the lowercase response header name carrying
	// comma-separated cache tags (spec §6.2). Empty disables tag
	// extraction.
	CacheTagsHeader string `yaml:"cache_tags_header"`

	// Tracking enables the in-process tracking cache (C2) and its
	// server-assisted invalidation subscription. Defaults to enabled.
	Tracking *bool `yaml:"tracking"`

	// TrackingMaxCount / TrackingMaxSize bound the tracking cache (C2).
	// Zero means unbounded.
	TrackingMaxCount int `yaml:"tracking_max_count"`
	TrackingMaxSize  int `yaml:"tracking_max_size"`

	// ErrorCallback receives every recoverable error (spec §6.2,§7). If
	// nil, defaults to logging via Logger at Error level.
	ErrorCallback func(error)

	// Logger backs the default ErrorCallback and is otherwise unused.
	Logger *slog.Logger

	DialTimeout  time.Duration `yaml:"dial_timeout"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	PoolSize     int           `yaml:"pool_size"`
	MinIdleConns int           `yaml:"min_idle_conns"`
	MaxRetries   int           `yaml:"max_retries"`
}

func (o *Options) applyDefaults() {
	if o.DialTimeout <= 0 {
		o.DialTimeout = 5 * time.Second
	}
	if o.ReadTimeout <= 0 {
		o.ReadTimeout = 3 * time.Second
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 3 * time.Second
	}
	if o.PoolSize <= 0 {
		o.PoolSize = 10
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = 3
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.ErrorCallback == nil {
		logger := o.Logger
		o.ErrorCallback = func(err error) {
			logger.Error("recoverable cache error", "error", err)
		}
	}
}

// LoadOptionsFromFile reads a YAML configuration file into an Options
// value. Environment variables in the form ${VAR_NAME} are expanded
// before parsing, the same convention the rest of this stack's config
// loading uses.
func LoadOptionsFromFile(path string) (Options, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Options{}, fmt.Errorf("read options file: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	var o Options
	if err := yaml.Unmarshal([]byte(expanded), &o); err != nil {
		return Options{}, fmt.Errorf("parse options: %w", err)
	}
	return o, nil
}

func (o *Options) trackingEnabled() bool {
	return o.Tracking == nil || *o.Tracking
}

// newUniversalClient builds the matching goredis.UniversalClient for the
// options and pings it, mirroring the teacher's three-way dispatch between
// single-node, cluster, and sentinel clients.
func newUniversalClient(o Options) (goredis.UniversalClient, error) {
	var client goredis.UniversalClient

	switch {
	case len(o.ClusterAddrs) > 0:
		client = goredis.NewClusterClient(&goredis.ClusterOptions{
			Addrs:        o.ClusterAddrs,
			Password:     o.Password,
			DialTimeout:  o.DialTimeout,
			ReadTimeout:  o.ReadTimeout,
			WriteTimeout: o.WriteTimeout,
			PoolSize:     o.PoolSize,
			MinIdleConns: o.MinIdleConns,
			MaxRetries:   o.MaxRetries,
		})
	case len(o.SentinelAddrs) > 0:
		if o.SentinelMaster == "" {
			return nil, cacheerrors.NewOptionError("sentinel_master is required when sentinel_addrs is set")
		}
		client = goredis.NewFailoverClient(&goredis.FailoverOptions{
			MasterName:    o.SentinelMaster,
			SentinelAddrs: o.SentinelAddrs,
			Password:      o.Password,
			DB:            o.DB,
			DialTimeout:   o.DialTimeout,
			ReadTimeout:   o.ReadTimeout,
			WriteTimeout:  o.WriteTimeout,
			PoolSize:      o.PoolSize,
			MinIdleConns:  o.MinIdleConns,
			MaxRetries:    o.MaxRetries,
		})
	default:
		if o.Addr == "" {
			return nil, cacheerrors.NewOptionError("addr, cluster_addrs, or sentinel_addrs must be set")
		}
		client = goredis.NewClient(&goredis.Options{
			Addr:         o.Addr,
			Password:     o.Password,
			DB:           o.DB,
			DialTimeout:  o.DialTimeout,
			ReadTimeout:  o.ReadTimeout,
			WriteTimeout: o.WriteTimeout,
			PoolSize:     o.PoolSize,
			MinIdleConns: o.MinIdleConns,
			MaxRetries:   o.MaxRetries,
		})
	}

	ctx, cancel := context.WithTimeout(context.Background(), o.DialTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return client, nil
}
