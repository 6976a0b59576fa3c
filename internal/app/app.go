package app

import (
	"fmt"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"

	backupAction "github.com/gswatch/gswatch/internal/actions/backup"
	"github.com/gswatch/gswatch/internal/actions/healthcheck"
	"github.com/gswatch/gswatch/internal/actions/run"
	"github.com/gswatch/gswatch/internal/actions/selfupdate"
	contextInternal "github.com/gswatch/gswatch/internal/context"
	"github.com/gswatch/gswatch/pkg/gswatch"
)

//nolint:funlen
func Run(args []string) {
	logDir := os.Getenv("LOG_DIR")
	if logDir == "" {
		logDir = "/var/log/gswatch"
	}

	if _, err := os.Stat(logDir); errors.Is(err, fs.ErrNotExist) {
		err := os.MkdirAll(logDir, 0755)
		if err != nil {
			log.Fatalf("Error creating log directory: %s", err)
		}
	}
	logname := fmt.Sprintf("%s.log", time.Now().Format("2006-01-02_15-04-05"))
	logFile, err := os.OpenFile(filepath.Join(logDir, logname), os.O_RDWR|os.O_CREATE|os.O_APPEND, 0666)
	if err != nil {
		log.Fatalf("error opening file: %v", err)
	}

	log.SetOutput(logFile)

	app := &cli.App{
		Name:    "gswatch",
		Usage:   "Dedicated game-server supervisor",
		Version: gswatch.Version,
		Before: func(context *cli.Context) error {
			var err error
			context.Context, err = contextInternal.SetOSContext(context.Context)
			if err != nil {
				return err
			}

			return nil
		},
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "config",
				Usage: "path to a YAML settings file; environment variables override it",
			},
		},
		Commands: []*cli.Command{
			{
				Name:        "run",
				Aliases:     []string{"r", "supervise"},
				Description: "Run the server under supervision with bounded crash-restart",
				Usage:       "Run the server under supervision",
				Action:      run.Handle,
			},
			{
				Name:        "health",
				Aliases:     []string{"h"},
				Description: "Probe server process, port, memory and disk",
				Usage:       "Probe server health",
				Action:      healthcheck.Handle,
				Flags: []cli.Flag{
					&cli.BoolFlag{
						Name:  "once",
						Usage: "run a single probe cycle and exit",
					},
				},
			},
			{
				Name:        "backup",
				Aliases:     []string{"b"},
				Description: "Backup actions",
				Usage:       "Backup actions",
				Subcommands: []*cli.Command{
					{
						Name:        "create",
						Aliases:     []string{"c"},
						Description: "Create a snapshot and apply the retention policy",
						Usage:       "Create a snapshot",
						Action:      backupAction.HandleCreate,
					},
					{
						Name:        "list",
						Aliases:     []string{"l"},
						Description: "List retained snapshots",
						Usage:       "List retained snapshots",
						Action:      backupAction.HandleList,
					},
					{
						Name:        "cleanup",
						Description: "Apply the retention policy",
						Usage:       "Apply the retention policy",
						Action:      backupAction.HandleCleanup,
					},
					{
						Name:        "restore",
						Description: "Fetch a snapshot archive and unpack it",
						Usage:       "Restore a snapshot",
						Action:      backupAction.HandleRestore,
						Flags: []cli.Flag{
							&cli.StringFlag{
								Name:  "target",
								Usage: "unpack into this directory instead of /",
							},
						},
					},
				},
			},
			{
				Name:        "self-update",
				Description: "Update gswatch to the latest release",
				Usage:       "Update gswatch to the latest release",
				Action:      selfupdate.Handle,
				Flags: []cli.Flag{
					&cli.BoolFlag{
						Name: "force",
					},
				},
			},
		},
	}

	err = app.Run(args)
	if err != nil {
		fmt.Println(err)
		fmt.Println("See details in log file:", filepath.Join(logDir, logname))
		log.Fatal(err)
	}
}
