package commands

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/fatih/color"
	"github.com/urfave/cli/v2"

	"github.com/tildaslashalef/recipebox/internal/config"
	"github.com/tildaslashalef/recipebox/internal/database"
	"github.com/tildaslashalef/recipebox/internal/loggy"
	"github.com/tildaslashalef/recipebox/internal/utils"
)

// InitCommand returns the CLI command for first-time setup
func InitCommand() *cli.Command {
	return &cli.Command{
		Name:  "init",
		Usage: "Initialize or update the recipebox environment",
		Description: "Creates the configuration directory and .env file, applies database " +
			"migrations and stores the server connection settings.",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "force",
				Usage: "Back up and replace an existing .env file",
			},
			&cli.StringFlag{
				Name:  "server",
				Usage: "Recipe service base URL",
			},
			&cli.StringFlag{
				Name:  "token",
				Usage: "Personal access token for the recipe service",
			},
			&cli.StringFlag{
				Name:  "device-name",
				Usage: "Name sent with every request (generated when empty)",
			},
		},
		Action: initAction,
	}
}

func initAction(c *cli.Context) error {
	utils.PrintHeading("Initializing recipebox")

	configDir, err := config.DefaultConfigDir()
	if err != nil {
		utils.PrintError(err.Error())
		return err
	}
	utils.PrintInfo("Configuration directory: " + color.YellowString("%s", configDir))

	if err := config.SetupConfigDirectory(configDir, c.Bool("force")); err != nil {
		utils.PrintWarning(fmt.Sprintf("Failed to set up configuration files: %s", err))
	}

	configFilePath := filepath.Join(configDir, ".env")
	cfg, err := config.LoadFromEnv(configDir, configFilePath)
	if err != nil {
		utils.PrintError(fmt.Sprintf("Failed to load configuration: %s", err))
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logger := loggy.NewNoopLogger()
	ctx := context.Background()

	utils.PrintInfo("Initializing database...")
	db, err := database.Open(ctx, cfg.Database, logger)
	if err != nil {
		utils.PrintError(fmt.Sprintf("Failed to open database: %s", err))
		return err
	}
	defer db.Close()

	before, _, err := database.Version(db)
	if err != nil {
		return err
	}
	if err := database.Migrate(db, logger); err != nil {
		utils.PrintError(fmt.Sprintf("Failed to apply migrations: %s", err))
		return err
	}
	after, _, err := database.Version(db)
	if err != nil {
		return err
	}

	settings := config.NewSettingsService(db, cfg, logger)
	if err := settings.LoadServerSettings(ctx); err != nil {
		return err
	}
	if server := c.String("server"); server != "" {
		if _, err := config.ProbeAddressFromURL(server); err != nil {
			return err
		}
		if err := settings.SetServerURL(ctx, server); err != nil {
			return fmt.Errorf("saving server url: %w", err)
		}
	}
	if token := c.String("token"); token != "" {
		if err := settings.SetToken(ctx, token); err != nil {
			return fmt.Errorf("saving token: %w", err)
		}
	}
	if name := c.String("device-name"); name != "" {
		if err := settings.SetDeviceName(ctx, name); err != nil {
			return fmt.Errorf("saving device name: %w", err)
		}
	}
	deviceName, err := settings.EnsureDeviceName(ctx, utils.GenerateDeviceName)
	if err != nil {
		return fmt.Errorf("saving device name: %w", err)
	}

	utils.PrintSuccess("recipebox initialized successfully!")
	if after > before {
		utils.PrintSuccess(fmt.Sprintf("Applied %d new migration(s)", after-before))
	} else {
		utils.PrintInfo("Database schema is already up-to-date")
	}

	utils.PrintInfo("Configuration file: " + color.YellowString("%s", configFilePath))
	utils.PrintInfo("Database location: " + color.YellowString("%s", cfg.Database.Path))
	utils.PrintInfo("Log file location: " + color.YellowString("%s", cfg.Logging.Output))
	utils.PrintInfo("Server: " + color.YellowString("%s", cfg.Server.URL))
	utils.PrintInfo("Device name: " + color.YellowString("%s", deviceName))
	if cfg.Server.Token == "" {
		utils.PrintWarning("No token configured. Run " + color.CyanString("recipebox config --token <token>") + " before syncing.")
	}
	return nil
}
