package main

import (
	"fmt"
	"os"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/fxnlabs/staging-node/internal/config"
	"github.com/fxnlabs/staging-node/internal/logger"
)

func main() {
	var rootLogger *zap.Logger

	app := newApp(&rootLogger)
	if err := app.Run(os.Args); err != nil {
		if rootLogger != nil {
			rootLogger.Fatal("failed to run app", zap.Error(err))
		} else {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	}
}

func newApp(rootLogger **zap.Logger) *cli.App {
	return &cli.App{
		Name:  "stagectl",
		Usage: "Inspect, benchmark and serve pinned staging transfers",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Usage:   "Load configuration from `FILE` (defaults when empty)",
				EnvVars: []string{"STAGECTL_CONFIG"},
			},
		},
		Before: func(c *cli.Context) error {
			cfg := config.Default()
			if path := c.String("config"); path != "" {
				var err error
				cfg, err = config.LoadConfig(path)
				if err != nil {
					return err
				}
			}
			zapLogger, err := logger.New(cfg.Logger.Verbosity, cfg.Logger.Encoding)
			if err != nil {
				return err
			}
			*rootLogger = zapLogger.Named("cli")
			c.App.Metadata["config"] = cfg
			c.App.Metadata["logger"] = *rootLogger
			return nil
		},
		Commands: []*cli.Command{
			initCommand(),
			infoCommand(),
			benchCommand(),
			serveCommand(),
		},
	}
}

func appConfig(c *cli.Context) *config.Config {
	return c.App.Metadata["config"].(*config.Config)
}

func appLogger(c *cli.Context) *zap.Logger {
	return c.App.Metadata["logger"].(*zap.Logger)
}
