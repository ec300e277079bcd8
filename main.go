package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"bookhound/internal/app"
)

func main() {
	dataDir := flag.String("data", defaultDataDir(), "data directory")
	configPath := flag.String("config", "", "optional TOML config file")
	flag.Parse()

	a, err := app.New(*dataDir, *configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "startup failed:", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := a.Run(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "server error:", err)
		os.Exit(1)
	}
}

func defaultDataDir() string {
	if dir := os.Getenv("BOOKHOUND_DATA_DIR"); dir != "" {
		return dir
	}
	return "/var/lib/bookhound"
}
