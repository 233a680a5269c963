package main

import (
	"fmt"
	"log"

	"better-planetside/internal/app"

	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the overlay until interrupted (default)",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	log.Println("🎮 ================================")
	log.Println("🎮  BETTER PLANETSIDE OVERLAY")
	log.Println("🎮 ================================")
	log.Printf("📡 Telemetry: %s (worlds %v)", cfg.Telemetry.URL, cfg.Telemetry.Worlds)
	log.Printf("📊 Pipeline: %d FPS, dedupe %dms, batching %v",
		cfg.Pipeline.TargetFPS, cfg.Pipeline.DedupeWindowMs, cfg.Pipeline.BatchMode)

	ctx, stop := signalContext()
	defer stop()

	sys, err := app.New(ctx, cfg)
	if err != nil {
		return fmt.Errorf("init: %w", err)
	}
	return sys.Run(ctx)
}
