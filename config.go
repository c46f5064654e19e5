package rqueue

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net"
	"strconv"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// ---------- Configuration ----------

type Config struct {
	// Listener
	Host string `env:"RQUEUE_HOST" envDefault:"0.0.0.0"`
	Port int    `env:"RQUEUE_PORT" envDefault:"6567"`

	// Workers
	Threads       int           `env:"RQUEUE_THREADS" envDefault:"8"`          // goroutines, each owning a shard of subscription state
	InboxSize     int           `env:"RQUEUE_INBOX_SIZE" envDefault:"1024"`    // per-worker event channel buffer
	OutboxSize    int           `env:"RQUEUE_OUTBOX_SIZE" envDefault:"256"`    // frames queued per connection before deliveries fail
	ReadBufSize   int           `env:"RQUEUE_READ_BUF" envDefault:"4096"`      // bufio reader per connection
	WriteTimeout  time.Duration `env:"RQUEUE_WRITE_TIMEOUT" envDefault:"5s"`   // deadline per write call; the writer resumes after it
	IdlePoll      time.Duration `env:"RQUEUE_IDLE_POLL" envDefault:"1s"`       // read deadline between shutdown checks
	GracefulDrain time.Duration `env:"RQUEUE_GRACEFUL_DRAIN" envDefault:"5s"` // bound on Close waiting for workers

	// Per-topic counters in the health snapshot. Topics past the cap are only
	// counted in the totals.
	MaxTrackedTopics int `env:"RQUEUE_MAX_TRACKED_TOPICS" envDefault:"4096"`

	// Health snapshot. An empty HealthAddr disables the dedicated server;
	// Attach still mounts the handler on a caller's mux.
	HealthAddr string `env:"RQUEUE_HEALTH_ADDR"`
	HealthPath string `env:"RQUEUE_HEALTH_PATH" envDefault:"/healthz"`

	// Postgres LISTEN bridge. Disabled unless both DSN and channels are set.
	PostgresDSN      string        `env:"RQUEUE_PG_DSN"`
	PostgresChannels []string      `env:"RQUEUE_PG_CHANNELS" envSeparator:","`
	PostgresRetry    time.Duration `env:"RQUEUE_PG_RETRY" envDefault:"1s"`

	// Diagnostics
	LogLevel string       `env:"RQUEUE_LOG_LEVEL" envDefault:"info"`
	Logger   *slog.Logger // not read from the environment; nil discards
}

func DefaultConfig() Config {
	return Config{
		Host:             "0.0.0.0",
		Port:             6567,
		Threads:          8,
		InboxSize:        1024,
		OutboxSize:       256,
		ReadBufSize:      4 << 10,
		WriteTimeout:     5 * time.Second,
		IdlePoll:         time.Second,
		GracefulDrain:    5 * time.Second,
		MaxTrackedTopics: 4096,
		HealthPath:       "/healthz",
		PostgresRetry:    time.Second,
		LogLevel:         "info",
	}
}

// HighScaleConfig trades memory for throughput on hosts serving many
// thousands of connections.
func HighScaleConfig() Config {
	cfg := DefaultConfig()
	cfg.Threads = 32
	cfg.InboxSize = 8192
	cfg.OutboxSize = 1024
	cfg.ReadBufSize = 16 << 10
	cfg.WriteTimeout = 2 * time.Second
	cfg.GracefulDrain = 15 * time.Second
	return cfg
}

// LoadConfig reads Config from the environment, after loading a .env file
// from the working directory when one exists.
func LoadConfig() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("rqueue: load .env: %w", err)
	}
	cfg, err := env.ParseAs[Config]()
	if err != nil {
		return Config{}, fmt.Errorf("rqueue: parse environment: %w", err)
	}
	return cfg, nil
}

// Addr is the listen address built from Host and Port.
func (c Config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// Level parses LogLevel, falling back to info.
func (c Config) Level() slog.Level {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelInfo
	}
	return lvl
}

// normalize fills zero values with defaults.
func (c Config) normalize() Config {
	def := DefaultConfig()
	if c.Port <= 0 {
		c.Port = def.Port
	}
	if c.Threads <= 0 {
		c.Threads = def.Threads
	}
	if c.InboxSize <= 0 {
		c.InboxSize = def.InboxSize
	}
	if c.OutboxSize <= 0 {
		c.OutboxSize = def.OutboxSize
	}
	if c.ReadBufSize <= 0 {
		c.ReadBufSize = def.ReadBufSize
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = def.WriteTimeout
	}
	if c.IdlePoll <= 0 {
		c.IdlePoll = def.IdlePoll
	}
	if c.GracefulDrain <= 0 {
		c.GracefulDrain = def.GracefulDrain
	}
	if c.MaxTrackedTopics <= 0 {
		c.MaxTrackedTopics = def.MaxTrackedTopics
	}
	if c.HealthPath == "" {
		c.HealthPath = def.HealthPath
	}
	if c.PostgresRetry <= 0 {
		c.PostgresRetry = def.PostgresRetry
	}
	if c.Logger == nil {
		c.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return c
}
