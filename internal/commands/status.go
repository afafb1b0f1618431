package commands

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/fatih/color"
	"github.com/urfave/cli/v2"

	"github.com/tildaslashalef/recipebox/internal/app"
	"github.com/tildaslashalef/recipebox/internal/outbox"
	"github.com/tildaslashalef/recipebox/internal/sync"
	"github.com/tildaslashalef/recipebox/internal/utils"
)

// StatusCommand returns the CLI command that shows the outbox and recent runs
func StatusCommand() *cli.Command {
	return &cli.Command{
		Name:  "status",
		Usage: "Show queued operations and recent sync runs",
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:  "runs",
				Usage: "Number of recent runs to show",
				Value: 5,
			},
		},
		Action: statusAction,
	}
}

func statusAction(c *cli.Context) error {
	application, err := app.FromContext(c)
	if err != nil {
		return err
	}

	status, err := application.Sync.GetStatus(c.Context, c.Int("runs"))
	if err != nil {
		utils.PrintError(fmt.Sprintf("Failed to load sync status: %s", err))
		return err
	}

	utils.PrintHeading("Sync Status")
	utils.PrintKeyValue("Server", application.Config.Server.URL)
	utils.PrintKeyValue("Device", application.Config.Server.DeviceName)
	if application.Config.Server.Token == "" {
		utils.PrintKeyValue("Token", color.RedString("not configured"))
	} else {
		utils.PrintKeyValue("Token", color.GreenString("configured"))
	}
	if status.Running {
		utils.PrintKeyValue("Engine", color.YellowString("running"))
	}

	rows := make([][]string, 0, len(outbox.Kinds))
	for _, kind := range outbox.Kinds {
		counts := status.Counts[kind]
		rows = append(rows, []string{
			string(kind),
			strconv.Itoa(counts[outbox.StatusPending]),
			strconv.Itoa(counts[outbox.StatusSynced]),
			strconv.Itoa(counts[outbox.StatusFailed]),
		})
	}
	utils.PrintTable("Outbox", []string{"Kind", "Pending", "Synced", "Failed"}, rows)

	if failed := status.Failed(); failed > 0 {
		utils.PrintWarning(fmt.Sprintf("%d operation(s) were dead-lettered. Run %s to queue them again.",
			failed, color.CyanString("recipebox retry")))
	}

	if len(status.RecentRuns) == 0 {
		utils.PrintInfo("No sync runs recorded yet")
		return nil
	}

	runRows := make([][]string, 0, len(status.RecentRuns))
	for _, run := range status.RecentRuns {
		runRows = append(runRows, []string{
			run.StartedAt.Local().Format("2006-01-02 15:04:05"),
			string(run.Trigger),
			runOutcome(run),
			strconv.Itoa(run.ItemsSynced),
			strconv.Itoa(run.ItemsFailed),
			utils.FormatDuration(run.Duration),
			utils.Truncate(run.Error, 40),
		})
	}
	utils.PrintTable("Recent Runs", []string{"Started", "Trigger", "Outcome", "Synced", "Failed", "Took", "Error"}, runRows)
	return nil
}

func runOutcome(run *sync.RunRecord) string {
	switch {
	case run.Skipped:
		return "skipped"
	case run.Success():
		return "ok"
	case len(run.KindsFailed) > 0:
		return "failed: " + strings.Join(kindNames(run.KindsFailed), ",")
	default:
		return "error"
	}
}

func kindNames(kinds []outbox.Kind) []string {
	names := make([]string, len(kinds))
	for i, k := range kinds {
		names[i] = string(k)
	}
	return names
}
