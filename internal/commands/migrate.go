package commands

import (
	"fmt"

	"github.com/urfave/cli/v2"

	"github.com/tildaslashalef/recipebox/internal/app"
	"github.com/tildaslashalef/recipebox/internal/database"
	"github.com/tildaslashalef/recipebox/internal/utils"
)

// MigrateCommand returns the CLI command for database migrations
func MigrateCommand() *cli.Command {
	return &cli.Command{
		Name:   "migrate",
		Usage:  "Manage database migrations",
		Hidden: true,
		Subcommands: []*cli.Command{
			{
				Name:  "up",
				Usage: "Apply all pending migrations",
				Action: func(c *cli.Context) error {
					application, err := app.FromContext(c)
					if err != nil {
						return err
					}

					utils.PrintInfo("Applying embedded migrations")
					if err := database.Migrate(application.DB, application.Logger); err != nil {
						utils.PrintError(fmt.Sprintf("Failed to apply migrations: %s", err))
						return err
					}
					return printVersion(application)
				},
			},
			{
				Name:  "down",
				Usage: "Revert migrations",
				Flags: []cli.Flag{
					&cli.IntFlag{
						Name:  "steps",
						Usage: "Number of migrations to revert",
						Value: 1,
					},
				},
				Action: func(c *cli.Context) error {
					application, err := app.FromContext(c)
					if err != nil {
						return err
					}

					steps := c.Int("steps")
					utils.PrintWarning(fmt.Sprintf("Reverting %d embedded migration(s)", steps))
					if err := database.Revert(application.DB, steps, application.Logger); err != nil {
						utils.PrintError(fmt.Sprintf("Failed to revert migrations: %s", err))
						return err
					}
					return printVersion(application)
				},
			},
			{
				Name:  "version",
				Usage: "Show the applied schema version",
				Action: func(c *cli.Context) error {
					application, err := app.FromContext(c)
					if err != nil {
						return err
					}
					return printVersion(application)
				},
			},
		},
	}
}

func printVersion(application *app.App) error {
	version, dirty, err := database.Version(application.DB)
	if err != nil {
		return err
	}
	if dirty {
		utils.PrintWarning(fmt.Sprintf("Schema version %d is dirty", version))
		return nil
	}
	utils.PrintSuccess(fmt.Sprintf("Schema version %d", version))
	return nil
}
