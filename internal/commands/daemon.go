package commands

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/urfave/cli/v2"

	"github.com/tildaslashalef/recipebox/internal/app"
	"github.com/tildaslashalef/recipebox/internal/utils"
)

// DaemonCommand returns the CLI command that keeps syncing in the background
func DaemonCommand() *cli.Command {
	return &cli.Command{
		Name:  "daemon",
		Usage: "Sync periodically and on reconnect until interrupted",
		Description: "Runs the scheduler in the foreground. Send SIGUSR1 to request " +
			"an immediate sync and SIGINT or SIGTERM to stop.",
		Action: daemonAction,
	}
}

func daemonAction(c *cli.Context) error {
	application, err := app.FromContext(c)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	manual := make(chan os.Signal, 1)
	signal.Notify(manual, syscall.SIGUSR1)
	defer signal.Stop(manual)

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-manual:
				if ctx.Err() != nil {
					return
				}
				application.Logger.Info("Manual sync requested")
				if _, err := application.Scheduler.TriggerNow(context.WithoutCancel(ctx)); err != nil {
					application.Logger.Warn("Manual sync failed", "error", err)
				}
			}
		}
	}()

	utils.PrintInfo("Syncing every " + color.YellowString("%s", application.Config.Sync.Interval) +
		" with " + color.YellowString("%s", application.Config.Server.URL))
	utils.PrintInfo("Press Ctrl+C to stop")

	if err := application.Scheduler.Run(ctx); err != nil {
		utils.PrintError(err.Error())
		return err
	}

	st := application.Scheduler.Status()
	if st.LastResult != nil {
		printResult(st.LastResult)
	}
	utils.PrintSuccess("Daemon stopped")
	return nil
}
