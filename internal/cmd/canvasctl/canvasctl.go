// Package canvasctl prints the merged content of a canvas fetched from the
// snapshot API.
package canvasctl

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"strings"
	"time"

	entrypoint "github.com/tripboard/tripboard/internal/platform/cmd"
	"github.com/tripboard/tripboard/internal/platform/discovery"
	platformgrpc "github.com/tripboard/tripboard/internal/platform/grpc"
	"github.com/tripboard/tripboard/internal/services/canvas/crdt"
	"github.com/tripboard/tripboard/internal/services/canvas/snapshot"
)

// Config holds canvasctl configuration.
type Config struct {
	Addr     string        `env:"TRIPBOARD_CANVAS_GRPC_TARGET"`
	Timeout  time.Duration `env:"TRIPBOARD_CANVASCTL_TIMEOUT" envDefault:"10s"`
	CanvasID string
	Raw      bool
}

// ParseConfig parses environment and flags into Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := entrypoint.ParseConfig(&cfg); err != nil {
		return Config{}, err
	}
	fs.StringVar(&cfg.Addr, "addr", cfg.Addr, "Canvas gRPC address (defaults to the in-network canvas address)")
	fs.DurationVar(&cfg.Timeout, "timeout", cfg.Timeout, "Overall timeout")
	fs.StringVar(&cfg.CanvasID, "canvas", "", "Canvas id to fetch")
	fs.BoolVar(&cfg.Raw, "raw", false, "Write the merged update bytes instead of JSON content")
	if err := entrypoint.ParseArgs(fs, args); err != nil {
		return Config{}, err
	}
	if strings.TrimSpace(cfg.CanvasID) == "" {
		return Config{}, errors.New("-canvas is required")
	}
	cfg.Addr = discovery.OrDefaultGRPCAddr(cfg.Addr, discovery.ServiceCanvas)
	return cfg, nil
}

// Run fetches the canvas snapshot and writes it to out.
func Run(ctx context.Context, cfg Config, out io.Writer) error {
	if cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.Timeout)
		defer cancel()
	}

	conn, err := platformgrpc.DialWithHealth(ctx, cfg.Addr, snapshot.ServiceName, 0, nil)
	if err != nil {
		return fmt.Errorf("dial canvas service: %w", err)
	}
	defer conn.Close()

	payload, err := snapshot.NewClient(conn).GetSnapshot(ctx, cfg.CanvasID)
	if err != nil {
		return fmt.Errorf("get snapshot: %w", err)
	}
	if cfg.Raw {
		_, err := out.Write(payload)
		return err
	}

	doc := crdt.New()
	if err := doc.ApplyUpdate(payload); err != nil {
		return fmt.Errorf("decode snapshot: %w", err)
	}
	encoder := json.NewEncoder(out)
	encoder.SetIndent("", "  ")
	return encoder.Encode(doc.Content())
}
