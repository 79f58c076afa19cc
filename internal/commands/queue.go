package commands

import (
	"fmt"
	"strconv"

	"github.com/urfave/cli/v2"

	"github.com/hearthkit/hearthsync/internal/app"
	"github.com/hearthkit/hearthsync/internal/queue"
	"github.com/hearthkit/hearthsync/internal/utils"
)

// QueueCommand returns the CLI command for inspecting the operation queue
func QueueCommand() *cli.Command {
	return &cli.Command{
		Name:        "queue",
		Usage:       "Inspect and manage the operation queue",
		Description: "Lists queued local changes and lets you retry or discard permanently failed ones",
		Subcommands: []*cli.Command{
			{
				Name:  "list",
				Usage: "List queued operations",
				Flags: []cli.Flag{
					&cli.BoolFlag{
						Name:  "failed",
						Usage: "Show permanently failed operations instead of pending ones",
					},
				},
				Action: queueListAction,
			},
			{
				Name:      "retry",
				Usage:     "Reset a failed operation for another attempt",
				ArgsUsage: "<operation-id>",
				Action:    queueRetryAction,
			},
			{
				Name:      "discard",
				Usage:     "Drop a failed operation permanently",
				ArgsUsage: "<operation-id>",
				Action:    queueDiscardAction,
			},
		},
		Action: queueListAction,
	}
}

func queueListAction(c *cli.Context) error {
	application, err := app.FromContext(c)
	if err != nil {
		return err
	}

	var (
		ops  []*queue.Operation
		kind string
	)
	if c.Bool("failed") {
		ops, err = application.Queue.ListFailed(c.Context)
		kind = "failed"
	} else {
		ops, err = application.Queue.ListPending(c.Context)
		kind = "pending"
	}
	if err != nil {
		return fmt.Errorf("listing %s operations: %w", kind, err)
	}

	if len(ops) == 0 {
		utils.PrintInfo("No " + kind + " operations")
		return nil
	}

	rows := make([][]string, 0, len(ops))
	for _, op := range ops {
		detail := ""
		if op.LastError != "" {
			detail = utils.Truncate(op.LastError, 40)
		}
		rows = append(rows, []string{
			op.ID,
			string(op.Kind),
			op.Collection,
			op.DocumentID,
			strconv.Itoa(op.Attempts),
			utils.FormatAge(op.EnqueuedAt),
			detail,
		})
	}

	utils.PrintTable(
		[]string{"ID", "Kind", "Collection", "Document", "Attempts", "Queued", "Last Error"},
		rows,
	)
	return nil
}

func queueRetryAction(c *cli.Context) error {
	application, err := app.FromContext(c)
	if err != nil {
		return err
	}

	opID := c.Args().First()
	if opID == "" {
		return fmt.Errorf("operation ID is required")
	}

	if err := application.Queue.Retry(c.Context, opID); err != nil {
		return err
	}

	utils.PrintSuccess("Operation " + opID + " queued for retry")
	return nil
}

func queueDiscardAction(c *cli.Context) error {
	application, err := app.FromContext(c)
	if err != nil {
		return err
	}

	opID := c.Args().First()
	if opID == "" {
		return fmt.Errorf("operation ID is required")
	}

	if err := application.Queue.Discard(c.Context, opID); err != nil {
		return err
	}

	utils.PrintSuccess("Operation " + opID + " discarded")
	return nil
}
