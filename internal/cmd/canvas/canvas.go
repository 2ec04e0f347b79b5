// Package canvas parses canvas service flags and launches the service.
package canvas

import (
	"context"
	"flag"
	"time"

	entrypoint "github.com/tripboard/tripboard/internal/platform/cmd"
	server "github.com/tripboard/tripboard/internal/services/canvas/app"
)

// Config holds canvas command configuration.
type Config struct {
	HTTPAddr              string        `env:"TRIPBOARD_CANVAS_HTTP_ADDR" envDefault:":8086"`
	GRPCAddr              string        `env:"TRIPBOARD_CANVAS_GRPC_ADDR" envDefault:":8096"`
	Store                 string        `env:"TRIPBOARD_CANVAS_STORE" envDefault:"sqlite"`
	DBPath                string        `env:"TRIPBOARD_CANVAS_DB_PATH" envDefault:"data/canvas.db"`
	DatabaseURL           string        `env:"TRIPBOARD_CANVAS_DATABASE_URL"`
	RedisAddr             string        `env:"TRIPBOARD_CANVAS_REDIS_ADDR"`
	RedisChannelPrefix    string        `env:"TRIPBOARD_CANVAS_REDIS_CHANNEL_PREFIX" envDefault:"tripboard:canvas"`
	EvictionGrace         time.Duration `env:"TRIPBOARD_CANVAS_EVICTION_GRACE" envDefault:"30s"`
	AppendRetryMaxElapsed time.Duration `env:"TRIPBOARD_CANVAS_APPEND_RETRY_MAX_ELAPSED" envDefault:"10s"`
}

// ParseConfig parses environment and flags into Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := entrypoint.ParseConfig(&cfg); err != nil {
		return Config{}, err
	}
	fs.StringVar(&cfg.HTTPAddr, "http-addr", cfg.HTTPAddr, "HTTP listen address for the websocket endpoint")
	fs.StringVar(&cfg.GRPCAddr, "grpc-addr", cfg.GRPCAddr, "gRPC listen address for the snapshot API (empty disables it)")
	fs.StringVar(&cfg.Store, "store", cfg.Store, "Update log backend: sqlite or postgres")
	fs.StringVar(&cfg.DBPath, "db-path", cfg.DBPath, "SQLite database path")
	fs.StringVar(&cfg.DatabaseURL, "database-url", cfg.DatabaseURL, "PostgreSQL connection URL")
	fs.StringVar(&cfg.RedisAddr, "redis-addr", cfg.RedisAddr, "Redis address for cross-instance broadcast (empty disables it)")
	fs.DurationVar(&cfg.EvictionGrace, "eviction-grace", cfg.EvictionGrace, "How long an idle canvas stays in memory")
	if err := entrypoint.ParseArgs(fs, args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Run starts the canvas sync service.
func Run(ctx context.Context, cfg Config) error {
	return entrypoint.RunWithTelemetry(ctx, entrypoint.ServiceCanvas, func(ctx context.Context) error {
		return server.Run(ctx, server.Config{
			HTTPAddr:              cfg.HTTPAddr,
			GRPCAddr:              cfg.GRPCAddr,
			Store:                 cfg.Store,
			DBPath:                cfg.DBPath,
			DatabaseURL:           cfg.DatabaseURL,
			RedisAddr:             cfg.RedisAddr,
			RedisChannelPrefix:    cfg.RedisChannelPrefix,
			EvictionGrace:         cfg.EvictionGrace,
			AppendRetryMaxElapsed: cfg.AppendRetryMaxElapsed,
		})
	})
}
