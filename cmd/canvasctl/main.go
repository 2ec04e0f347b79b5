// Package main prints a canvas snapshot.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/tripboard/tripboard/internal/cmd/canvasctl"
	"github.com/tripboard/tripboard/internal/platform/config"
)

func main() {
	cfg, err := canvasctl.ParseConfig(flag.CommandLine, os.Args[1:])
	if err != nil {
		config.Exitf("canvasctl: %v", err)
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := canvasctl.Run(ctx, cfg, os.Stdout); err != nil {
		log.Fatalf("canvasctl: %v", err)
	}
}
