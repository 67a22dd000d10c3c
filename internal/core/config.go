package core

import (
	"time"
)

const (
	// DefaultServerPort is the default HTTP listen port.
	DefaultServerPort = 8080
	// DefaultCacheCapacity is the number of resolved URLs kept in memory.
	DefaultCacheCapacity = 64
	// DefaultTerminalCapacity bounds how many terminally failed track ids are remembered.
	DefaultTerminalCapacity = 1024
	// DefaultChunkLength caps a single ranged request at 2 MiB.
	DefaultChunkLength int64 = 2 << 20
	// DefaultPrefetchMaxItems caps how many upcoming items are warmed per request.
	DefaultPrefetchMaxItems = 6
	// DefaultPersistenceQueueSize is the metadata write buffer.
	DefaultPersistenceQueueSize = 256
)

// DefaultRetrySchedule is the backoff applied to successive retries of one failure episode.
var DefaultRetrySchedule = []time.Duration{
	500 * time.Millisecond,
	1500 * time.Millisecond,
	3000 * time.Millisecond,
}

type Config struct {
	Extractor   ExtractorConfig
	Cache       CacheConfig
	Retry       RetryConfig
	Resolver    ResolverConfig
	Refresh     RefreshConfig
	Prefetch    PrefetchConfig
	Persistence PersistenceConfig
	Server      ServerConfig
	Log         LogConfig
	App         AppConfig
}

type ExtractorConfig struct {
	BaseURL  string
	Token    string
	ProxyURL string
	Timeout  time.Duration
}

type CacheConfig struct {
	Capacity                  int
	TerminalCapacity          int
	TerminalFalsePositiveRate float64
}

type RetryConfig struct {
	Schedule []time.Duration
	// MaxRangeRecoveries bounds consecutive 416 recoveries within one episode.
	MaxRangeRecoveries int
}

type ResolverConfig struct {
	ChunkLength      int64
	ResolveTimeout   time.Duration
	PreflightTimeout time.Duration
}

type RefreshConfig struct {
	Enabled         bool
	Interval        time.Duration
	BufferThreshold time.Duration
	Cooldown        time.Duration
}

type PrefetchConfig struct {
	MaxItems    int
	Concurrency int
	// RatePerSecond paces extraction calls; zero disables pacing.
	RatePerSecond float64
}

type PersistenceConfig struct {
	Driver    string
	DSN       string
	QueueSize int
}

type ServerConfig struct {
	Host         string
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

type LogConfig struct {
	Level  string
	Format string
}

type AppConfig struct {
	Language string
}

func DefaultConfig() *Config {
	return &Config{
		Extractor: ExtractorConfig{
			BaseURL: "http://127.0.0.1:8090",
			Timeout: 20 * time.Second,
		},
		Cache: CacheConfig{
			Capacity:                  DefaultCacheCapacity,
			TerminalCapacity:          DefaultTerminalCapacity,
			TerminalFalsePositiveRate: 0.001,
		},
		Retry: RetryConfig{
			Schedule:           append([]time.Duration(nil), DefaultRetrySchedule...),
			MaxRangeRecoveries: len(DefaultRetrySchedule),
		},
		Resolver: ResolverConfig{
			ChunkLength:      DefaultChunkLength,
			ResolveTimeout:   30 * time.Second,
			PreflightTimeout: 5 * time.Second,
		},
		Refresh: RefreshConfig{
			Enabled:         true,
			Interval:        2 * time.Second,
			BufferThreshold: 12 * time.Second,
			Cooldown:        6 * time.Second,
		},
		Prefetch: PrefetchConfig{
			MaxItems:      DefaultPrefetchMaxItems,
			Concurrency:   2,
			RatePerSecond: 2,
		},
		Persistence: PersistenceConfig{
			Driver:    "sqlite",
			DSN:       "./tunestream.db",
			QueueSize: DefaultPersistenceQueueSize,
		},
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         DefaultServerPort,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 45 * time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		App: AppConfig{
			Language: "en",
		},
	}
}
