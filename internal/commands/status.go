package commands

import (
	"fmt"
	"strconv"

	"github.com/urfave/cli/v2"

	"github.com/hearthkit/hearthsync/internal/app"
	"github.com/hearthkit/hearthsync/internal/engine"
	"github.com/hearthkit/hearthsync/internal/utils"
)

// StatusCommand returns the CLI command for showing sync status
func StatusCommand() *cli.Command {
	return &cli.Command{
		Name:        "status",
		Usage:       "Show sync engine status",
		Description: "Displays connectivity, queue depth, unresolved conflicts and recent sync activity",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "history",
				Usage: "Show recent sync runs",
			},
			&cli.IntFlag{
				Name:  "limit",
				Usage: "Number of history entries to show",
				Value: 10,
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

	// Probe once so the report reflects current reachability
	application.Monitor.CheckNow(c.Context)

	snap, err := application.Engine.Status(c.Context)
	if err != nil {
		return fmt.Errorf("reading engine status: %w", err)
	}

	utils.PrintHeading("HearthSync Status")

	stateColors := utils.Theme.Success
	switch snap.State {
	case engine.StateOffline:
		stateColors = utils.Theme.Warning
	case engine.StateConflict:
		stateColors = utils.Theme.Error
	}
	utils.PrintKeyValueWithColor("State", string(snap.State), stateColors)

	network := "online"
	networkColors := utils.Theme.Success
	if !snap.Network.Online {
		network = "offline"
		networkColors = utils.Theme.Warning
		if snap.Network.LastError != "" {
			network += " (" + snap.Network.LastError + ")"
		}
	}
	utils.PrintKeyValueWithColor("Network", network, networkColors)
	if snap.Network.BackendReachable {
		utils.PrintKeyValue("Backend", fmt.Sprintf("reachable, %s signal (%s)",
			snap.Network.SignalQuality, utils.FormatDuration(snap.Network.Latency)))
	} else {
		utils.PrintKeyValueWithColor("Backend", "unreachable", utils.Theme.Warning)
	}

	utils.PrintKeyValue("Pending operations", strconv.Itoa(snap.PendingOperations))
	utils.PrintKeyValue("Failed operations", strconv.Itoa(snap.FailedOperations))
	utils.PrintKeyValue("Unresolved conflicts", strconv.Itoa(snap.UnresolvedConflicts))

	if snap.LastRun != nil {
		utils.PrintDivider()
		utils.PrintKeyValue("Last sync", utils.FormatAge(snap.LastRun.StartedAt))
		utils.PrintKeyValue("Last result", fmt.Sprintf("pushed %d, pulled %d, conflicts %d, failed %d",
			snap.LastRun.Pushed, snap.LastRun.Pulled, snap.LastRun.Conflicts, snap.LastRun.Failed))
		if !snap.LastRun.Success {
			utils.PrintKeyValueWithColor("Last error", snap.LastRun.ErrorMessage, utils.Theme.Error)
		}
	}

	if snap.Metrics.SyncRuns > 0 {
		if !snap.Metrics.LastSuccessfulSync.IsZero() {
			utils.PrintKeyValue("Last successful sync", utils.FormatAge(snap.Metrics.LastSuccessfulSync))
		}
		utils.PrintKeyValue("Average duration", utils.FormatDuration(snap.Metrics.AverageSyncDuration))
		utils.PrintKeyValue("Transferred", fmt.Sprintf("%s up, %s down",
			utils.FormatBytes(snap.Metrics.UploadBytes), utils.FormatBytes(snap.Metrics.DownloadBytes)))
	}

	if !c.Bool("history") {
		return nil
	}

	entries, err := application.Logs.ListRecent(c.Context, c.Int("limit"))
	if err != nil {
		return fmt.Errorf("reading sync history: %w", err)
	}
	if len(entries) == 0 {
		utils.PrintInfo("No sync runs recorded yet")
		return nil
	}

	rows := make([][]string, 0, len(entries))
	for _, e := range entries {
		result := "ok"
		if !e.Success {
			result = utils.Truncate(e.ErrorMessage, 40)
		}
		rows = append(rows, []string{
			utils.FormatAge(e.StartedAt),
			string(e.Trigger),
			strconv.Itoa(e.Pushed),
			strconv.Itoa(e.Pulled),
			strconv.Itoa(e.Conflicts),
			strconv.Itoa(e.Failed),
			utils.FormatDuration(e.Duration()),
			result,
		})
	}

	fmt.Println()
	utils.PrintTable(
		[]string{"When", "Trigger", "Pushed", "Pulled", "Conflicts", "Failed", "Duration", "Result"},
		rows,
	)
	return nil
}
