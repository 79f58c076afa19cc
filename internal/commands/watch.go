package commands

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/urfave/cli/v2"

	"github.com/hearthkit/hearthsync/internal/app"
	"github.com/hearthkit/hearthsync/internal/engine"
	"github.com/hearthkit/hearthsync/internal/netmon"
	"github.com/hearthkit/hearthsync/internal/synclog"
	"github.com/hearthkit/hearthsync/internal/utils"
)

// WatchCommand returns the CLI command for continuous background syncing
func WatchCommand() *cli.Command {
	return &cli.Command{
		Name:        "watch",
		Usage:       "Run continuous background sync",
		Description: "Keeps syncing on the configured interval, reacting to connectivity changes, until interrupted",
		Action:      watchAction,
	}
}

func watchAction(c *cli.Context) error {
	application, err := app.FromContext(c)
	if err != nil {
		return err
	}

	utils.PrintHeading("HearthSync Watch")
	utils.PrintInfo("Server: " + color.CyanString(application.Config.Server.URL))
	utils.PrintInfo(fmt.Sprintf("Sync interval: %s", application.Config.Sync.Interval))
	utils.PrintInfo("Press Ctrl+C to stop")
	fmt.Println()

	unsubNet := application.Monitor.Subscribe(func(s netmon.Status) {
		if s.Online {
			utils.PrintSuccess("Network online")
		} else {
			utils.PrintWarning("Network offline: " + s.LastError)
		}
	})
	defer unsubNet()

	unsubState := application.Engine.SubscribeState(func(s engine.State) {
		switch s {
		case engine.StateSyncing:
			utils.PrintInfo("Sync started")
		case engine.StateConflict:
			utils.PrintWarning("Conflicts need manual resolution, see 'hearthsync conflicts list'")
		case engine.StateIdle:
			utils.PrintSuccess("Up to date")
		}
	})
	defer unsubState()

	application.Monitor.Start(c.Context)
	application.Engine.Start(c.Context)

	// First sync right away rather than waiting out the interval
	application.Engine.TriggerSync(synclog.TriggerManual)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		fmt.Println()
		utils.PrintInfo(fmt.Sprintf("Received %s, stopping", sig))
	case <-c.Context.Done():
	}

	application.Engine.Stop()
	application.Monitor.Stop()

	utils.PrintSuccess("Watch stopped, queued changes are safe")
	return nil
}
