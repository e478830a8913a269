package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/hrygo/codexbot/internal/config"
	"github.com/hrygo/codexbot/internal/version"
	"github.com/hrygo/codexbot/server"
)

var (
	rootCmd = &cobra.Command{
		Use:   "codexbot",
		Short: `Telegram front-end for a long-running codex CLI agent. 通过 Telegram 驱动常驻 codex CLI 的托管服务。`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			// Only load .env for direct binary execution (not when running as systemd service)
			// Systemd units carry their environment via EnvironmentFile
			if !isRunningAsSystemdService() {
				// Try to load .env file from current directory (ignore error if file doesn't exist)
				_ = godotenv.Load()
			}
			return nil
		},
		Run: func(_ *cobra.Command, _ []string) {
			mode := viper.GetString("mode")

			result, err := config.Load(viper.GetString("config"))
			if err != nil {
				fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
				os.Exit(1)
			}
			cfg := result.App

			setupLogging(mode, cfg.Base.LogLevel)
			for _, warning := range result.Warnings {
				slog.Warn("config: bot skipped", "detail", warning)
			}

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			srv, err := server.New(ctx, server.Options{
				Config: cfg,
				Logger: slog.Default(),
			})
			if err != nil {
				slog.Error("failed to create server", "error", err)
				os.Exit(1)
			}

			c := make(chan os.Signal, 1)
			// Trigger graceful shutdown on SIGINT or SIGTERM.
			// The default signal sent by the `kill` command is SIGTERM,
			// which is taken as the graceful shutdown signal for many systems, eg., Kubernetes, Gunicorn.
			signal.Notify(c, terminationSignals...)
			go func() {
				sig := <-c
				slog.Info("shutdown signal received", "signal", sig.String())
				cancel()
			}()

			printGreetings(cfg, mode)

			if err := srv.Run(ctx); err != nil {
				slog.Error("server exited with error", "error", err)
				os.Exit(1)
			}
		},
	}

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print build version information",
		Run: func(_ *cobra.Command, _ []string) {
			fmt.Println(version.String(viper.GetString("mode")))
		},
	}
)

func init() {
	viper.SetDefault("mode", "prod")

	rootCmd.PersistentFlags().String("mode", "prod", `mode of service, can be "prod" or "dev"`)
	rootCmd.PersistentFlags().String("config", "", "path to the TOML config file (falls back to CONFIG_PATH, then ./config.toml)")

	if err := viper.BindPFlag("mode", rootCmd.PersistentFlags().Lookup("mode")); err != nil {
		panic(err)
	}
	if err := viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config")); err != nil {
		panic(err)
	}

	viper.SetEnvPrefix("codexbot")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))

	rootCmd.AddCommand(versionCmd)
}

// setupLogging installs the process-wide slog handler: human-readable text in
// dev, JSON lines in prod.
func setupLogging(mode, level string) {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn", "warning":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: lvl}
	var handler slog.Handler
	if mode == config.ModeDev {
		handler = slog.NewTextHandler(os.Stderr, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(handler))
}

func printGreetings(cfg *config.App, mode string) {
	fmt.Printf("codexbot %s started successfully!\n", version.GetCurrentVersion(mode))

	if mode == config.ModeDev {
		fmt.Fprint(os.Stderr, "Development mode is enabled\n")
	}

	fmt.Printf("Database: %s\n", cfg.Base.DBPath)
	fmt.Printf("Lock file: %s\n", cfg.Base.LockPath)
	fmt.Printf("Mode: %s\n", mode)
	fmt.Printf("Bots: %d\n", len(cfg.Bots))
	for i := range cfg.Bots {
		bot := &cfg.Bots[i]
		fmt.Printf("  - %s (allowed users: %d, workdir: %s)\n", bot.Name, len(bot.AllowedUserIDs), bot.Workdir)
	}
	if cfg.Base.MetricsAddr != "" {
		fmt.Printf("Metrics: http://%s/metrics\n", cfg.Base.MetricsAddr)
	}

	fmt.Println()
	fmt.Println("Press Ctrl+C to stop.")
}

// isRunningAsSystemdService detects if the process is running under systemd
func isRunningAsSystemdService() bool {
	// Check if invoked by systemd (environment variables set by systemd)
	return os.Getenv("INVOCATION_ID") != "" || os.Getenv("WATCHDOG_USEC") != ""
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		panic(err)
	}
}
