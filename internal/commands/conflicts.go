package commands

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/urfave/cli/v2"

	"github.com/hearthkit/hearthsync/internal/app"
	"github.com/hearthkit/hearthsync/internal/conflict"
	"github.com/hearthkit/hearthsync/internal/utils"
)

// ConflictsCommand returns the CLI command for managing sync conflicts
func ConflictsCommand() *cli.Command {
	return &cli.Command{
		Name:        "conflicts",
		Usage:       "Inspect and resolve sync conflicts",
		Description: "Lists documents whose local edits collided with remote changes and applies manual resolutions",
		Subcommands: []*cli.Command{
			{
				Name:   "list",
				Usage:  "List unresolved conflicts",
				Action: conflictsListAction,
			},
			{
				Name:      "show",
				Usage:     "Show both sides of a conflict",
				ArgsUsage: "<conflict-id>",
				Action:    conflictsShowAction,
			},
			{
				Name:      "resolve",
				Usage:     "Resolve a conflict with an explicit choice",
				ArgsUsage: "<conflict-id>",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:     "choice",
						Usage:    "Resolution to apply: local, remote or merged",
						Required: true,
					},
				},
				Action: conflictsResolveAction,
			},
		},
		Action: conflictsListAction,
	}
}

func conflictsListAction(c *cli.Context) error {
	application, err := app.FromContext(c)
	if err != nil {
		return err
	}

	conflicts, err := application.Conflicts.ListUnresolved(c.Context)
	if err != nil {
		return fmt.Errorf("listing conflicts: %w", err)
	}

	if len(conflicts) == 0 {
		utils.PrintSuccess("No unresolved conflicts")
		return nil
	}

	rows := make([][]string, 0, len(conflicts))
	for _, cf := range conflicts {
		rows = append(rows, []string{
			cf.ID,
			cf.Collection,
			cf.DocumentID,
			string(cf.Policy),
			utils.FormatAge(cf.DetectedAt),
		})
	}

	utils.PrintTable(
		[]string{"ID", "Collection", "Document", "Policy", "Detected"},
		rows,
	)
	utils.PrintInfo("Resolve with 'hearthsync conflicts resolve <id> --choice local|remote|merged'")
	return nil
}

func conflictsShowAction(c *cli.Context) error {
	application, err := app.FromContext(c)
	if err != nil {
		return err
	}

	conflictID := c.Args().First()
	if conflictID == "" {
		return fmt.Errorf("conflict ID is required")
	}

	cf, err := application.Conflicts.Get(c.Context, conflictID)
	if err != nil {
		return fmt.Errorf("loading conflict: %w", err)
	}

	op, err := application.Queue.Get(c.Context, cf.OperationID)
	if err != nil {
		return fmt.Errorf("loading conflicted operation: %w", err)
	}

	utils.PrintHeading("Conflict " + cf.ID)
	utils.PrintKeyValue("Document", cf.Collection+"/"+cf.DocumentID)
	utils.PrintKeyValue("Status", string(cf.Status))
	utils.PrintKeyValue("Detected", utils.FormatAge(cf.DetectedAt))
	if len(cf.TiebrokenFields) > 0 {
		utils.PrintKeyValue("Tiebroken fields", strings.Join(cf.TiebrokenFields, ", "))
	}

	utils.PrintDivider()
	utils.PrintKeyValueWithColor("Local change", string(op.Kind), utils.Theme.Info)
	printFields(op.Payload)

	utils.PrintDivider()
	utils.PrintKeyValueWithColor("Remote state", fmt.Sprintf("version %d", cf.RemoteSnapshot.Version), utils.Theme.Warning)
	printFields(cf.RemoteSnapshot.Fields)

	return nil
}

func conflictsResolveAction(c *cli.Context) error {
	application, err := app.FromContext(c)
	if err != nil {
		return err
	}

	conflictID := c.Args().First()
	if conflictID == "" {
		return fmt.Errorf("conflict ID is required")
	}

	choice, err := conflict.ParseChoice(c.String("choice"))
	if err != nil {
		return err
	}

	if err := application.Engine.ResolveConflict(c.Context, conflictID, choice); err != nil {
		return err
	}

	utils.PrintSuccess(fmt.Sprintf("Conflict %s resolved (%s)", conflictID, choice))
	return nil
}

func printFields(fields map[string]any) {
	if len(fields) == 0 {
		fmt.Println("  (no fields)")
		return
	}
	encoded, err := json.MarshalIndent(fields, "  ", "  ")
	if err != nil {
		fmt.Printf("  %v\n", fields)
		return
	}
	fmt.Println("  " + string(encoded))
}
