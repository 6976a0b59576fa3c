package healthcheck

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"

	"github.com/gswatch/gswatch/internal/config"
	"github.com/gswatch/gswatch/internal/healthprobe"
	"github.com/gswatch/gswatch/pkg/alert"
	"github.com/gswatch/gswatch/pkg/metrics"
)

// Handle runs the standalone health probe: one cycle with --once,
// otherwise a loop on the configured interval until signalled.
func Handle(cliCtx *cli.Context) error {
	cfg, err := config.Load(cliCtx.String("config"))
	if err != nil {
		return errors.WithMessage(err, "failed to load configuration")
	}

	if cfg.ProcessName == "" {
		return errors.New("server process name is not configured (SERVER_PROCESS_NAME)")
	}

	store := metrics.NewStore(cfg.MetricsFile)
	alerts := alert.NewSink(cfg.AlertURL)
	probe := healthprobe.New(cfg, store, alerts)

	ctx, stop := signal.NotifyContext(cliCtx.Context, syscall.SIGTERM, os.Interrupt)
	defer stop()

	if cliCtx.Bool("once") {
		verdict := probe.Cycle(ctx)
		fmt.Printf(
			"process alive: %t\nport listening: %t\nmemory: %.1f MB\ndisk used: %.1f%%\n",
			verdict.ProcessAlive, verdict.PortListening, verdict.MemoryMB, verdict.DiskUsedPercent,
		)

		if !verdict.ProcessAlive {
			return errors.Errorf("process %s is not running", cfg.ProcessName)
		}

		return nil
	}

	interval := cfg.HealthInterval
	if interval <= 0 {
		interval = config.DefaultHealthInterval
	}

	fmt.Printf("Probing %s every %s\n", cfg.ProcessName, interval)
	probe.Cycle(ctx)
	probe.Run(ctx, interval)

	return nil
}
