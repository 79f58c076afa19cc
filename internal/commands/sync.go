package commands

import (
	"errors"
	"fmt"

	"github.com/fatih/color"
	"github.com/urfave/cli/v2"

	"github.com/hearthkit/hearthsync/internal/app"
	"github.com/hearthkit/hearthsync/internal/config"
	"github.com/hearthkit/hearthsync/internal/engine"
	"github.com/hearthkit/hearthsync/internal/utils"
)

// SyncCommand returns the CLI command for running a sync
func SyncCommand() *cli.Command {
	return &cli.Command{
		Name:        "sync",
		Usage:       "Push queued changes and pull remote updates",
		Description: "Drains the local operation queue to the family server and applies remote changes to the local cache",
		Subcommands: []*cli.Command{
			{
				Name:        "account",
				Usage:       "Manage server account connection",
				Description: "Link or unlink this device with your family server account",
				Subcommands: []*cli.Command{
					{
						Name:  "link",
						Usage: "Link to a server account",
						Flags: []cli.Flag{
							&cli.StringFlag{
								Name:     "token",
								Usage:    "Personal access token from the family server",
								Required: true,
							},
							&cli.StringFlag{
								Name:  "name",
								Usage: "A name for this device (e.g., 'Kitchen Tablet')",
							},
						},
						Action: linkAccountAction,
					},
					{
						Name:   "unlink",
						Usage:  "Unlink from the server account",
						Action: unlinkAccountAction,
					},
				},
			},
		},
		Action: syncAction,
	}
}

// syncAction runs one full sync cycle
func syncAction(c *cli.Context) error {
	application, err := app.FromContext(c)
	if err != nil {
		return err
	}

	// Establish connectivity before attempting the drain
	status := application.Monitor.CheckNow(c.Context)
	if !status.Online {
		utils.PrintWarning("Server unreachable, changes stay queued locally")
		if status.LastError != "" {
			utils.PrintInfo("Last error: " + status.LastError)
		}
		return nil
	}

	utils.PrintInfo("Syncing with " + color.CyanString(application.Config.Server.URL))

	entry, err := application.Engine.SyncNow(c.Context)
	if err != nil {
		if errors.Is(err, engine.ErrOffline) {
			utils.PrintWarning("Server unreachable, changes stay queued locally")
			return nil
		}
		utils.PrintError(fmt.Sprintf("Sync finished with errors: %s", err))
	}

	if entry != nil {
		utils.PrintSuccess(fmt.Sprintf("Pushed %d, pulled %d in %s",
			entry.Pushed, entry.Pulled, utils.FormatDuration(entry.Duration())))
		if entry.Conflicts > 0 {
			utils.PrintWarning(fmt.Sprintf("%d conflict(s) encountered", entry.Conflicts))
		}
		if entry.Failed > 0 {
			utils.PrintError(fmt.Sprintf("%d operation(s) failed permanently, see 'hearthsync queue list --failed'", entry.Failed))
		}
	}

	snap, serr := application.Engine.Status(c.Context)
	if serr == nil && snap.UnresolvedConflicts > 0 {
		utils.PrintWarning(fmt.Sprintf("%d conflict(s) need manual resolution, see 'hearthsync conflicts list'", snap.UnresolvedConflicts))
	}

	return nil
}

// linkAccountAction stores the server token and device name
func linkAccountAction(c *cli.Context) error {
	application, err := app.FromContext(c)
	if err != nil {
		return err
	}

	token := c.String("token")
	if err := application.Settings.SetToken(c.Context, token); err != nil {
		return fmt.Errorf("storing server token: %w", err)
	}
	application.Client.SetToken(token)

	if name := c.String("name"); name != "" {
		if err := application.Settings.SetSetting(c.Context, config.SettingDeviceName, name); err != nil {
			return fmt.Errorf("storing device name: %w", err)
		}
	}

	deviceID, deviceName, err := application.Settings.DeviceIdentity(c.Context)
	if err != nil {
		return fmt.Errorf("establishing device identity: %w", err)
	}

	utils.PrintSuccess("Device linked to server account")
	utils.PrintKeyValue("Device", fmt.Sprintf("%s (%s)", deviceName, deviceID))
	return nil
}

// unlinkAccountAction removes the stored server token
func unlinkAccountAction(c *cli.Context) error {
	application, err := app.FromContext(c)
	if err != nil {
		return err
	}

	if err := application.Settings.SetToken(c.Context, ""); err != nil {
		return fmt.Errorf("clearing server token: %w", err)
	}
	application.Client.SetToken("")

	utils.PrintSuccess("Device unlinked, queued changes remain local")
	return nil
}
