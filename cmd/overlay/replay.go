package main

import (
	"better-planetside/internal/app"

	"github.com/spf13/cobra"
)

var (
	replaySpeed float64
	replayHold  bool
)

var replayCmd = &cobra.Command{
	Use:   "trace-replay <file>",
	Short: "Serve a recorded trace to overlay subscribers",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		ctx, stop := signalContext()
		defer stop()
		return app.Replay(ctx, cfg, app.ReplayOptions{
			Path:  args[0],
			Speed: replaySpeed,
			Hold:  replayHold,
		})
	},
}

func init() {
	replayCmd.Flags().Float64Var(&replaySpeed, "speed", 1, "playback speed factor")
	replayCmd.Flags().BoolVar(&replayHold, "hold", true, "keep serving after the last line")
}
