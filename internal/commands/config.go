package commands

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/urfave/cli/v2"

	"github.com/tildaslashalef/recipebox/internal/app"
	"github.com/tildaslashalef/recipebox/internal/config"
	"github.com/tildaslashalef/recipebox/internal/utils"
)

// ConfigCommand returns the CLI command for the server connection settings
func ConfigCommand() *cli.Command {
	return &cli.Command{
		Name:  "config",
		Usage: "Show or change the recipe service connection",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "server",
				Usage: "Recipe service base URL",
			},
			&cli.StringFlag{
				Name:  "token",
				Usage: "Personal access token",
			},
			&cli.StringFlag{
				Name:  "device-name",
				Usage: "Device name sent with requests",
			},
			&cli.BoolFlag{
				Name:  "verify",
				Usage: "Check the token against the server",
			},
		},
		Action: configAction,
	}
}

func configAction(c *cli.Context) error {
	application, err := app.FromContext(c)
	if err != nil {
		return err
	}
	ctx := c.Context
	changed := false

	if server := c.String("server"); server != "" {
		if _, err := config.ProbeAddressFromURL(server); err != nil {
			utils.PrintError(err.Error())
			return err
		}
		if err := application.Settings.SetServerURL(ctx, server); err != nil {
			return fmt.Errorf("failed to save server url: %w", err)
		}
		utils.PrintSuccess("Server URL saved. It is used from the next command on.")
		changed = true
	}

	if token := c.String("token"); token != "" {
		if err := application.Sync.SetToken(ctx, token); err != nil {
			return fmt.Errorf("failed to save token: %w", err)
		}
		utils.PrintSuccess("Token saved")
		changed = true
	}

	if name := c.String("device-name"); name != "" {
		if err := application.Settings.SetDeviceName(ctx, name); err != nil {
			return fmt.Errorf("failed to save device name: %w", err)
		}
		utils.PrintSuccess("Device name saved")
		changed = true
	}

	if !changed {
		cfg := application.Config
		utils.PrintHeading("Server Configuration")
		utils.PrintKeyValue("URL", cfg.Server.URL)
		utils.PrintKeyValue("Device", cfg.Server.DeviceName)
		if cfg.Server.Token == "" {
			utils.PrintKeyValue("Token", color.RedString("not configured"))
		} else {
			utils.PrintKeyValue("Token", color.GreenString("configured"))
		}
		utils.PrintKeyValue("Sync interval", cfg.Sync.Interval.String())
		utils.PrintKeyValue("Probe", cfg.Connectivity.ProbeAddress)
	}

	if c.Bool("verify") {
		valid, err := application.Sync.VerifyToken(ctx)
		if err != nil {
			utils.PrintError(fmt.Sprintf("Failed to verify token: %s", err))
			return err
		}
		if !valid {
			utils.PrintError("Token was rejected by the server")
			return fmt.Errorf("invalid token")
		}
		utils.PrintSuccess("Token is valid")
	}
	return nil
}
