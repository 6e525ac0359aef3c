// Package cli provides the command-line interface and server lifecycle for
// the collaboration hub. It wires configuration, the cache store, the data
// gateway, the realtime gateway, and the persistence worker together, and
// handles graceful shutdown.
package cli

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"hub.evalgo.org/api"
	"hub.evalgo.org/auth"
	"hub.evalgo.org/bus"
	"hub.evalgo.org/common"
	"hub.evalgo.org/config"
	"hub.evalgo.org/content"
	"hub.evalgo.org/docstore"
	"hub.evalgo.org/gateway"
	hubhttp "hub.evalgo.org/http"
	"hub.evalgo.org/presence"
	"hub.evalgo.org/queue"
	"hub.evalgo.org/ratelimit"
	"hub.evalgo.org/store"
	"hub.evalgo.org/version"
	"hub.evalgo.org/worker"
)

// cfgFile holds the path to the configuration file specified via flag.
var cfgFile string

// RootCmd is the entry point for the collaboration hub server.
var RootCmd = &cobra.Command{
	Use:   "collabhub",
	Short: "realtime collaboration hub for shared text documents",
	Long: `Collaboration Hub

A horizontally scalable realtime service that mediates concurrent edits to
shared text documents:
- WebSocket gateway with JWT-authenticated connections
- Cross-instance fan-out of CRDT and awareness updates over pub/sub
- Distributed, TTL-backed presence with stale-session sweeping
- Per-principal sliding-window rate limiting
- Asynchronous document persistence with retry, backoff, and a dead-letter
  queue, deduplicated through a content cache

Configuration can be provided via command-line flags, environment variables,
or a YAML configuration file with automatic precedence handling.`,
	Run: runServer,
}

func init() {
	cobra.OnInitialize(initConfig)

	RootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.collabhub.yaml)")

	RootCmd.PersistentFlags().Int("port", 0, "HTTP server port")
	RootCmd.PersistentFlags().String("redis-url", "", "cache store connection URL")
	RootCmd.PersistentFlags().String("database-url", "", "document database DSN")
	RootCmd.PersistentFlags().String("jwt-secret", "", "JWT signing secret")

	viper.BindPFlag("port", RootCmd.PersistentFlags().Lookup("port"))
	viper.BindPFlag("redis.url", RootCmd.PersistentFlags().Lookup("redis-url"))
	viper.BindPFlag("database.url", RootCmd.PersistentFlags().Lookup("database-url"))
	viper.BindPFlag("jwt.secret", RootCmd.PersistentFlags().Lookup("jwt-secret"))
}

// initConfig discovers and loads the configuration file and maps environment
// variables (HUB_ prefix, nested keys via underscores).
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err == nil {
			viper.AddConfigPath(home)
		}
		viper.AddConfigPath(".")
		viper.SetConfigName(".collabhub")
	}

	viper.SetEnvPrefix("HUB")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		common.Logger.WithField("file", viper.ConfigFileUsed()).Info("Loaded configuration file")
	}
}

func runServer(cmd *cobra.Command, args []string) {
	logger := common.Logger

	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		logger.WithError(err).Fatal("Invalid configuration")
	}
	if cfg.DatabaseURL == "" {
		logger.Fatal("database.url is required")
	}

	startupCtx, cancelStartup := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelStartup()

	// An unreachable cache store or document database refuses startup.
	st, err := store.Open(startupCtx, store.Config{URL: cfg.RedisURL})
	if err != nil {
		logger.WithError(err).Fatal("Failed to open cache store")
	}
	defer st.Close()

	docs, err := docstore.OpenGorm(cfg.DatabaseURL)
	if err != nil {
		logger.WithError(err).Fatal("Failed to open document store")
	}

	tokens := auth.NewTokenService(cfg.JWTSecret, 24*time.Hour)

	client := st.Client()
	registry := presence.NewRegistry(client, cfg.SessionTTL, logger)
	messageBus := bus.New(client, logger)
	limiter := ratelimit.New(client, cfg.RateLimits, logger)
	contentCache := content.New(client, cfg.CacheTTL, logger)
	jobQueue := queue.New(client, cfg.QueueMaxAttempts, cfg.QueueBackoff, logger)

	queueWorker := worker.New(jobQueue, docs, contentCache, cfg.QueueTick, cfg.JobTimeout, logger)
	queueWorker.Start()

	hub := gateway.NewHub(registry, messageBus, limiter, cfg.StaleSweepInterval, cfg.LimiterGCInterval, logger)
	maintCtx, cancelMaint := context.WithCancel(context.Background())
	hub.StartMaintenance(maintCtx)

	serverCfg := hubhttp.DefaultServerConfig()
	serverCfg.Port = cfg.Port

	e := hubhttp.NewEchoServer(serverCfg)
	e.GET("/health", hubhttp.HealthCheckHandler("collabhub", version.GetBuildInfo().MainVersion, func() map[string]interface{} {
		details := map[string]interface{}{
			"clients": hub.ClientCount(),
		}
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := st.Ping(ctx); err != nil {
			details["cache_store"] = "unreachable"
		} else {
			details["cache_store"] = "ok"
		}
		return details
	}))

	handlers := &api.Handlers{
		Queue:   jobQueue,
		Content: contentCache,
		Docs:    docs,
		Logger:  logger,
	}
	api.SetupRoutes(e, handlers, hub, tokens)

	go func() {
		logger.WithField("port", cfg.Port).Info("Collaboration hub listening")
		if err := hubhttp.StartServer(e, serverCfg); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Fatal("HTTP server failed")
		}
	}()

	// Wait for a shutdown signal, then drain in dependency order: stop
	// accepting connections, close sockets, stop the worker, close the
	// store.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	sig := <-quit
	logger.WithField("signal", fmt.Sprintf("%v", sig)).Info("Shutting down")

	cancelMaint()
	if err := hubhttp.ShutdownServer(e, serverCfg); err != nil {
		logger.WithError(err).Warn("HTTP server shutdown error")
	}
	hub.Shutdown()
	queueWorker.Stop()

	logger.Info("Shutdown complete")
}
