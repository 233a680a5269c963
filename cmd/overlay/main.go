// Command overlay runs the better-planetside overlay event core.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"better-planetside/internal/config"

	"github.com/fatih/color"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "overlay",
	Short: "Real-time HUD overlay event core",
	Long: color.CyanString("better-planetside") +
		"\nIngests game telemetry, tracks the session and feeds overlay subscribers.",
	SilenceUsage: true,
	RunE:         runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(replayCmd)
	rootCmd.AddCommand(charsCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadConfig reads .env (if any) and the environment.
func loadConfig() (config.AppConfig, error) {
	if err := godotenv.Load(".env"); err != nil {
		log.Println("💡 No .env file found, using environment variables only")
	} else {
		log.Println("✅ Loaded environment from .env")
	}
	return config.Load()
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}
