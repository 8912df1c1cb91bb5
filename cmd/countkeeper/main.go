package main

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/carlmjohnson/versioninfo"
	_ "github.com/joho/godotenv/autoload"
	cli "github.com/urfave/cli/v2"
	_ "go.uber.org/automaxprocs"
)

func main() {
	if err := run(os.Args); err != nil {
		slog.Error("exiting", "err", err)
		os.Exit(1)
	}
}

func run(args []string) error {

	app := cli.App{
		Name:    "countkeeper",
		Usage:   "counting game moderator for a single discord channel",
		Version: versioninfo.Short(),
	}

	app.Flags = []cli.Flag{
		&cli.StringFlag{
			Name:    "log-level",
			Usage:   "log verbosity level (eg: warn, info, debug)",
			Value:   "info",
			EnvVars: []string{"COUNTKEEPER_LOG_LEVEL", "LOG_LEVEL"},
		},
	}

	app.Commands = []*cli.Command{
		runCmd,
	}

	return app.Run(args)
}

func configLogger(cctx *cli.Context) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cctx.String("log-level")) {
	case "error":
		level = slog.LevelError
	case "warn":
		level = slog.LevelWarn
	case "info":
		level = slog.LevelInfo
	case "debug":
		level = slog.LevelDebug
	default:
		level = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)
	return logger
}

var runCmd = &cli.Command{
	Name:  "run",
	Usage: "run the service",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:     "discord-token",
			Usage:    "bot token for the discord API",
			Required: true,
			EnvVars:  []string{"DISCORD_TOKEN"},
		},
		&cli.StringFlag{
			Name:     "guild-id",
			Usage:    "ID of the discord server (guild) to moderate",
			Required: true,
			EnvVars:  []string{"DISCORD_SERVER_ID"},
		},
		&cli.StringFlag{
			Name:     "channel-id",
			Usage:    "ID of the counting channel to moderate",
			Required: true,
			EnvVars:  []string{"COUNTING_CHANNEL_ID"},
		},
		&cli.StringFlag{
			Name:    "gateway-host",
			Usage:   "method, hostname, and port of the discord gateway",
			Value:   "wss://gateway.discord.gg",
			EnvVars: []string{"DISCORD_GATEWAY_HOST"},
		},
		&cli.StringFlag{
			Name:    "api-host",
			Usage:   "method, hostname, and port of the discord REST API",
			Value:   "https://discord.com",
			EnvVars: []string{"DISCORD_API_HOST"},
		},
		&cli.Float64Flag{
			Name:    "api-rate-limit",
			Usage:   "max REST API requests per second to discord",
			Value:   5,
			EnvVars: []string{"COUNTKEEPER_API_RATE_LIMIT"},
		},
		&cli.IntFlag{
			Name:    "delete-queue-size",
			Usage:   "max number of pending message deletions",
			Value:   256,
			EnvVars: []string{"COUNTKEEPER_DELETE_QUEUE"},
		},
		&cli.StringFlag{
			Name:    "metrics-listen",
			Usage:   "IP or address, and port, to listen on for metrics APIs",
			Value:   ":3998",
			EnvVars: []string{"COUNTKEEPER_METRICS_LISTEN"},
		},
	},
	Action: func(cctx *cli.Context) error {
		ctx, cancel := signal.NotifyContext(cctx.Context, syscall.SIGINT, syscall.SIGTERM)
		defer cancel()

		logger := configLogger(cctx)
		shutdownOTEL := configOTEL("countkeeper")
		defer shutdownOTEL()

		config, err := ConfigFromCLI(cctx)
		if err != nil {
			return err
		}
		config.Logger = logger

		srv, err := NewServer(config)
		if err != nil {
			return err
		}

		// configuration faults (eg, a revoked token) are fatal before any message is processed
		if err := srv.CheckCredentials(ctx); err != nil {
			return err
		}

		go func() {
			if err := srv.RunMetrics(cctx.String("metrics-listen")); err != nil {
				slog.Error("failed to start metrics endpoint", "error", err)
				panic(fmt.Errorf("failed to start metrics endpoint: %w", err))
			}
		}()

		if err := srv.Run(ctx); err != nil {
			return fmt.Errorf("failed to run countkeeper service: %w", err)
		}
		logger.Info("shut down")
		return nil
	},
}
