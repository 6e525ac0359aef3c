package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"hub.evalgo.org/common"
	"hub.evalgo.org/config"
	"hub.evalgo.org/presence"
	"hub.evalgo.org/ratelimit"
	"hub.evalgo.org/store"
	"hub.evalgo.org/version"
)

// sweepCmd runs one maintenance pass against the cache store and exits. The
// same sweeps run periodically inside every hub instance; the command exists
// for operators who want to force a pass after an incident (for example a
// crashed instance leaving sessions behind).
var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "run a one-shot presence sweep and rate-limit garbage collection",
	Run: func(cmd *cobra.Command, args []string) {
		logger := common.Logger
		cfg := config.Load()

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		st, err := store.Open(ctx, store.Config{URL: cfg.RedisURL})
		if err != nil {
			logger.WithError(err).Fatal("Failed to open cache store")
		}
		defer st.Close()

		registry := presence.NewRegistry(st.Client(), cfg.SessionTTL, logger)
		removed, err := registry.SweepStale(ctx)
		if err != nil {
			logger.WithError(err).Fatal("Presence sweep failed")
		}

		limiter := ratelimit.New(st.Client(), cfg.RateLimits, logger)
		dropped, err := limiter.GC(ctx)
		if err != nil {
			logger.WithError(err).Fatal("Rate limiter GC failed")
		}

		fmt.Printf("sessions removed: %d\nrate-limit buckets dropped: %d\n", removed, dropped)
	},
}

// versionCmd prints build information as JSON.
var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "print build and dependency information",
	Run: func(cmd *cobra.Command, args []string) {
		encoder := json.NewEncoder(os.Stdout)
		encoder.SetIndent("", "  ")
		if err := encoder.Encode(version.GetBuildInfo()); err != nil {
			common.Logger.WithError(err).Fatal("Failed to encode build info")
		}
	},
}

func init() {
	RootCmd.AddCommand(sweepCmd)
	RootCmd.AddCommand(versionCmd)
}
