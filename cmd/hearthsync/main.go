package main

import (
	"fmt"
	"log"
	"os"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/hearthkit/hearthsync/internal/app"
	"github.com/hearthkit/hearthsync/internal/commands"
)

// Version information - populated at build time
var (
	Version   = "dev"
	BuildTime = "unknown"
)

func main() {
	cliApp := &cli.App{
		Name:  "hearthsync",
		Usage: "Offline-first sync for the family hub",
		Description: "HearthSync keeps a household's shared lists, calendars and notes in sync.\n\n" +
			"Local changes queue durably while offline and reconcile with the family server\n" +
			"when connectivity returns. Run 'hearthsync init' once, then 'hearthsync watch'\n" +
			"or schedule 'hearthsync sync'.",
		Version: Version,
		Compiled: func() time.Time {
			t, err := time.Parse(time.RFC3339, BuildTime)
			if err != nil {
				return time.Now()
			}
			return t
		}(),
		Before: func(c *cli.Context) error {
			application, err := app.New()
			if err != nil {
				return fmt.Errorf("failed to initialize application: %w", err)
			}

			c.App.Metadata = map[string]interface{}{
				"app": application,
			}

			return nil
		},
		After: func(c *cli.Context) error {
			if app, ok := c.App.Metadata["app"].(*app.App); ok {
				return app.Shutdown()
			}
			return nil
		},
		Commands: []*cli.Command{
			commands.InitCommand(),
			commands.SyncCommand(),
			commands.StatusCommand(),
			commands.WatchCommand(),
			commands.QueueCommand(),
			commands.ConflictsCommand(),
			commands.MigrateCommand(),
		},
		Action: func(c *cli.Context) error {
			// Default action is to show status
			return commands.StatusCommand().Action(c)
		},
	}

	if err := cliApp.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}
