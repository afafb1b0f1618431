package commands

import (
	"fmt"
	"strings"

	"github.com/fatih/color"
	"github.com/urfave/cli/v2"

	"github.com/tildaslashalef/recipebox/internal/app"
	"github.com/tildaslashalef/recipebox/internal/outbox"
	"github.com/tildaslashalef/recipebox/internal/utils"
)

var postRefFlags = []cli.Flag{
	&cli.StringFlag{
		Name:  "post",
		Usage: "Server id of the target post",
	},
	&cli.Int64Flag{
		Name:  "post-local",
		Usage: "Local id of a queued post that has not synced yet",
	},
}

// EnqueueCommand returns the CLI command that queues writes for later sync
func EnqueueCommand() *cli.Command {
	return &cli.Command{
		Name:  "enqueue",
		Usage: "Queue a write for the next sync",
		Subcommands: []*cli.Command{
			{
				Name:  "post",
				Usage: "Queue a new recipe post",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "title", Required: true},
					&cli.StringFlag{Name: "description"},
					&cli.StringFlag{Name: "author", Required: true, Usage: "Author user id"},
					&cli.BoolFlag{Name: "draft", Usage: "Create the post as a draft"},
					&cli.StringSliceFlag{Name: "media", Usage: "Media reference, repeatable"},
				},
				Action: func(c *cli.Context) error {
					status := outbox.PostPublished
					if c.Bool("draft") {
						status = outbox.PostDraft
					}
					return enqueue(c, &outbox.PostPayload{
						Title:       c.String("title"),
						Description: c.String("description"),
						AuthorID:    c.String("author"),
						Status:      status,
						MediaRefs:   c.StringSlice("media"),
					})
				},
			},
			{
				Name:  "comment",
				Usage: "Queue a comment on a post",
				Flags: append([]cli.Flag{
					&cli.StringFlag{Name: "author", Required: true, Usage: "Author user id"},
					&cli.StringFlag{Name: "body", Required: true},
				}, postRefFlags...),
				Action: func(c *cli.Context) error {
					return enqueue(c, &outbox.CommentPayload{
						Post:     postRef(c),
						AuthorID: c.String("author"),
						Body:     c.String("body"),
					})
				},
			},
			{
				Name:  "reaction",
				Usage: "Queue a reaction to a post",
				Flags: append([]cli.Flag{
					&cli.StringFlag{Name: "user", Required: true},
					&cli.StringFlag{Name: "reaction", Required: true, Usage: "Reaction name, e.g. heart"},
				}, postRefFlags...),
				Action: func(c *cli.Context) error {
					return enqueue(c, &outbox.ReactionPayload{
						Post:     postRef(c),
						UserID:   c.String("user"),
						Reaction: c.String("reaction"),
					})
				},
			},
			{
				Name:  "favorite",
				Usage: "Queue favoriting or unfavoriting a post",
				Flags: append([]cli.Flag{
					&cli.StringFlag{Name: "user", Required: true},
					&cli.BoolFlag{Name: "remove", Usage: "Unfavorite instead"},
				}, postRefFlags...),
				Action: func(c *cli.Context) error {
					return enqueue(c, &outbox.FavoritePayload{
						Post:     postRef(c),
						UserID:   c.String("user"),
						Favorite: !c.Bool("remove"),
					})
				},
			},
		},
	}
}

func postRef(c *cli.Context) outbox.PostRef {
	return outbox.PostRef{
		PostID:      strings.TrimSpace(c.String("post")),
		PostLocalID: c.Int64("post-local"),
	}
}

func enqueue(c *cli.Context, payload outbox.Payload) error {
	application, err := app.FromContext(c)
	if err != nil {
		return err
	}

	op, err := application.Outbox.Enqueue(c.Context, payload)
	if err != nil {
		utils.PrintError(fmt.Sprintf("Failed to queue %s: %s", payload.Kind(), err))
		return err
	}

	utils.PrintSuccess(fmt.Sprintf("Queued %s with local id %s", op.Kind, color.YellowString("%d", op.LocalID)))
	return nil
}
