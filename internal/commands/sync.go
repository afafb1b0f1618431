package commands

import (
	"errors"
	"fmt"
	"strings"

	"github.com/fatih/color"
	"github.com/urfave/cli/v2"

	"github.com/tildaslashalef/recipebox/internal/app"
	"github.com/tildaslashalef/recipebox/internal/sync"
	"github.com/tildaslashalef/recipebox/internal/utils"
)

// SyncCommand returns the CLI command that drains the outbox once
func SyncCommand() *cli.Command {
	return &cli.Command{
		Name:   "sync",
		Usage:  "Push queued operations to the recipe service now",
		Action: syncAction,
	}
}

func syncAction(c *cli.Context) error {
	application, err := app.FromContext(c)
	if err != nil {
		return err
	}

	if application.Config.Server.Token == "" {
		utils.PrintWarning("No token configured. Requests will be sent unauthenticated.")
	}

	utils.PrintInfo("Syncing with " + color.YellowString("%s", application.Config.Server.URL))
	result, runErr := application.Sync.SyncNow(c.Context)
	if result != nil {
		printResult(result)
	}
	if runErr != nil {
		utils.PrintError(fmt.Sprintf("Sync failed: %s", runErr))
		return fmt.Errorf("failed to sync: %w", runErr)
	}
	if result.HasFailures() {
		return errors.New("some operations could not be delivered")
	}
	return nil
}

func printResult(result *sync.Result) {
	if result.Skipped {
		utils.PrintWarning("Another sync run is already in progress")
		return
	}

	utils.PrintKeyValue("Run", result.RunID.String())
	utils.PrintKeyValue("Synced", fmt.Sprintf("%d", result.ItemsSynced))
	if result.ItemsFailed > 0 {
		utils.PrintKeyValue("Failed", color.RedString("%d", result.ItemsFailed))
	}
	if result.DeadLettered > 0 {
		utils.PrintKeyValue("Dead-lettered", color.RedString("%d", result.DeadLettered))
	}
	utils.PrintKeyValue("Took", utils.FormatDuration(result.Duration))

	if result.HasFailures() {
		utils.PrintWarning("Stopped early for: " + strings.Join(kindNames(result.KindsFailed), ", "))
		return
	}
	utils.PrintSuccess("Sync complete")
}
