package backup

import (
	"fmt"

	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"

	"github.com/gswatch/gswatch/internal/backup"
	"github.com/gswatch/gswatch/internal/config"
	"github.com/gswatch/gswatch/pkg/alert"
	"github.com/gswatch/gswatch/pkg/metrics"
)

func manager(cliCtx *cli.Context) (*backup.Manager, error) {
	cfg, err := config.Load(cliCtx.String("config"))
	if err != nil {
		return nil, errors.WithMessage(err, "failed to load configuration")
	}

	store := metrics.NewStore(cfg.MetricsFile)
	alerts := alert.NewSink(cfg.AlertURL)

	return backup.NewManager(cfg, store, alerts), nil
}

func HandleCreate(cliCtx *cli.Context) error {
	m, err := manager(cliCtx)
	if err != nil {
		return err
	}

	record, err := m.Snapshot(cliCtx.Context)
	if err != nil {
		return errors.WithMessage(err, "backup failed")
	}

	fmt.Println("Created", record)

	return nil
}

func HandleList(cliCtx *cli.Context) error {
	m, err := manager(cliCtx)
	if err != nil {
		return err
	}

	records, err := m.Records()
	if err != nil {
		return errors.WithMessage(err, "failed to list backups")
	}

	if len(records) == 0 {
		fmt.Println("No backups")

		return nil
	}

	for _, record := range records {
		fmt.Println(record)
	}

	return nil
}

func HandleCleanup(cliCtx *cli.Context) error {
	m, err := manager(cliCtx)
	if err != nil {
		return err
	}

	err = m.Cleanup(cliCtx.Context)
	if err != nil {
		return errors.WithMessage(err, "cleanup failed")
	}

	fmt.Println("Cleanup done")

	return nil
}

func HandleRestore(cliCtx *cli.Context) error {
	source := cliCtx.Args().First()
	if source == "" {
		return errors.New("usage: gswatch backup restore <source>")
	}

	m, err := manager(cliCtx)
	if err != nil {
		return err
	}

	err = m.Restore(cliCtx.Context, source, cliCtx.String("target"))
	if err != nil {
		return errors.WithMessage(err, "restore failed")
	}

	fmt.Println("Restored", source)

	return nil
}
