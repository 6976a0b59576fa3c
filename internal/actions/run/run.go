package run

import (
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"

	"github.com/gswatch/gswatch/internal/backup"
	"github.com/gswatch/gswatch/internal/config"
	contextInternal "github.com/gswatch/gswatch/internal/context"
	"github.com/gswatch/gswatch/internal/healthprobe"
	"github.com/gswatch/gswatch/internal/supervisor"
	"github.com/gswatch/gswatch/pkg/alert"
	"github.com/gswatch/gswatch/pkg/metrics"
)

// Handle runs the supervisor loop until the server exits cleanly, the
// restart bound is exhausted, or a termination signal arrives.
func Handle(cliCtx *cli.Context) error {
	cfg, err := config.Load(cliCtx.String("config"))
	if err != nil {
		return errors.WithMessage(err, "failed to load configuration")
	}

	err = cfg.ValidateServer()
	if err != nil {
		return err
	}

	osInfo := contextInternal.OSInfoFromContext(cliCtx.Context)
	log.Println("Host info:\n" + osInfo.String())

	store := metrics.NewStore(cfg.MetricsFile)
	alerts := alert.NewSink(cfg.AlertURL)
	backups := backup.NewManager(cfg, store, alerts)
	probe := healthprobe.New(cfg, store, alerts)

	sup := supervisor.New(cfg, store, alerts, backups, probe)

	ctx, stop := signal.NotifyContext(cliCtx.Context, syscall.SIGTERM, os.Interrupt)
	defer stop()

	fmt.Println("Supervising", cfg.ServerBinary)

	err = sup.Run(ctx)
	if err != nil {
		return errors.WithMessage(err, "supervisor failed")
	}

	fmt.Println("Supervisor stopped")

	return nil
}
