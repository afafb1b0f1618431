package commands

import (
	"fmt"

	"github.com/urfave/cli/v2"

	"github.com/tildaslashalef/recipebox/internal/app"
	"github.com/tildaslashalef/recipebox/internal/outbox"
	"github.com/tildaslashalef/recipebox/internal/utils"
)

// RetryCommand returns the CLI command that requeues dead-lettered operations
func RetryCommand() *cli.Command {
	return &cli.Command{
		Name:      "retry",
		Usage:     "Move dead-lettered operations back to the queue",
		ArgsUsage: "[kind]",
		Action: func(c *cli.Context) error {
			application, err := app.FromContext(c)
			if err != nil {
				return err
			}

			var kind outbox.Kind
			if c.NArg() > 0 {
				kind, err = outbox.ParseKind(c.Args().First())
				if err != nil {
					utils.PrintError(err.Error())
					return err
				}
			}

			moved, err := application.Sync.Retry(c.Context, kind)
			if err != nil {
				utils.PrintError(fmt.Sprintf("Failed to requeue operations: %s", err))
				return err
			}
			if moved == 0 {
				utils.PrintInfo("Nothing to requeue")
				return nil
			}
			utils.PrintSuccess(fmt.Sprintf("Requeued %d operation(s)", moved))
			return nil
		},
	}
}
