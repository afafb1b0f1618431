package main

import (
	"fmt"
	"log"
	"os"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/tildaslashalef/recipebox/internal/app"
	"github.com/tildaslashalef/recipebox/internal/commands"
)

// Version information - populated at build time
var (
	Version    = "dev"
	BuildTime  = "unknown"
	CommitHash = "unknown"
	Author     = "unknown"
	Email      = "unknown"
)

func main() {
	cliApp := &cli.App{
		Name:  "recipebox",
		Usage: "Offline-first recipe sharing client",
		Description: "recipebox queues posts, comments, reactions and favorites locally and\n" +
			"pushes them to the recipe service whenever the device is online.\n\n" +
			"When run without subcommands, recipebox shows the sync status.",
		Version: Version,
		Compiled: func() time.Time {
			t, err := time.Parse(time.RFC3339, BuildTime)
			if err != nil {
				return time.Now()
			}
			return t
		}(),
		Authors: []*cli.Author{
			{
				Name:  Author,
				Email: Email,
			},
		},
		Before: func(c *cli.Context) error {
			// init creates the environment the app needs, so it runs without one
			if c.Args().First() == "init" {
				return nil
			}

			application, err := app.New()
			if err != nil {
				return fmt.Errorf("failed to initialize application: %w", err)
			}

			c.App.Metadata = map[string]interface{}{
				"app": application,
			}

			return nil
		},
		After: func(c *cli.Context) error {
			if app, ok := c.App.Metadata["app"].(*app.App); ok {
				return app.Shutdown()
			}
			return nil
		},
		Commands: []*cli.Command{
			commands.InitCommand(),
			commands.EnqueueCommand(),
			commands.SyncCommand(),
			commands.StatusCommand(),
			commands.RetryCommand(),
			commands.ConfigCommand(),
			commands.DaemonCommand(),
			commands.MigrateCommand(),
		},
		Action: func(c *cli.Context) error {
			return commands.StatusCommand().Action(c)
		},
	}

	if err := cliApp.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}
