package healthprobe

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/gswatch/gswatch/internal/config"
	"github.com/gswatch/gswatch/pkg/alert"
	"github.com/gswatch/gswatch/pkg/metrics"
)

const bytesPerMB = 1024 * 1024

// Verdict is the result of one probe cycle. It is produced fresh each
// cycle and never mutated afterwards.
type Verdict struct {
	ProcessAlive        bool
	PortListening       bool
	MemoryMB            float64
	ExceededMemoryLimit bool
	DiskUsedPercent     float64
	Timestamp           time.Time
}

type Probe struct {
	cfg    config.Config
	store  *metrics.Store
	alerts *alert.Sink
}

func New(cfg config.Config, store *metrics.Store, alerts *alert.Sink) *Probe {
	return &Probe{
		cfg:    cfg,
		store:  store,
		alerts: alerts,
	}
}

// Run executes probe cycles on a fixed interval until ctx is cancelled.
// The first cycle runs only after one full interval, so a server that is
// still starting up is not reported as missing.
func (p *Probe) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		p.Cycle(ctx)
	}
}

// Cycle runs one round of health checks. A missing server process
// short-circuits the cycle; otherwise the port, memory and disk checks are
// independent and a failure in one never blocks the others.
func (p *Probe) Cycle(ctx context.Context) Verdict {
	verdict := Verdict{Timestamp: time.Now()}

	proc, err := findProcessByName(ctx, p.cfg.ProcessName)
	if err != nil {
		log.Println(errors.WithMessage(err, "failed to check server process"))
	}

	if proc == nil {
		p.alerts.Notify(ctx, fmt.Sprintf("Server process %s is not running", p.cfg.ProcessName))
		p.store.Record("server_running", "0")

		return verdict
	}

	verdict.ProcessAlive = true
	p.store.Record("server_running", "1")

	p.checkPort(ctx, proc, &verdict)
	p.checkMemory(ctx, proc, &verdict)
	p.checkDisk(ctx, &verdict)

	return verdict
}

func (p *Probe) checkPort(ctx context.Context, proc *process.Process, verdict *Verdict) {
	if p.cfg.ServerPort <= 0 {
		verdict.PortListening = true

		return
	}

	conns, err := proc.ConnectionsWithContext(ctx)
	if err != nil {
		log.Println(errors.WithMessage(err, "failed to list server sockets"))

		return
	}

	for _, conn := range conns {
		if conn.Laddr.Port == uint32(p.cfg.ServerPort) {
			verdict.PortListening = true

			break
		}
	}

	if verdict.PortListening {
		p.store.Record("port_listening", "1")

		return
	}

	p.alerts.Notify(ctx, fmt.Sprintf("Server port %d is not listening", p.cfg.ServerPort))
	p.store.Record("port_listening", "0")
}

func (p *Probe) checkMemory(ctx context.Context, proc *process.Process, verdict *Verdict) {
	mi, err := proc.MemoryInfoWithContext(ctx)
	if err != nil {
		log.Println(errors.WithMessage(err, "failed to sample server memory"))

		return
	}

	verdict.MemoryMB = float64(mi.RSS) / bytesPerMB
	p.store.Record("memory_usage", strconv.FormatFloat(verdict.MemoryMB, 'f', 1, 64))

	if p.cfg.MemoryLimitMB > 0 && mi.RSS > p.cfg.MemoryLimitMB*bytesPerMB {
		verdict.ExceededMemoryLimit = true
		p.alerts.Notify(ctx, fmt.Sprintf(
			"Server memory usage %.1f MB exceeds limit %d MB",
			verdict.MemoryMB, p.cfg.MemoryLimitMB,
		))
	}
}

func (p *Probe) checkDisk(ctx context.Context, verdict *Verdict) {
	volume := p.cfg.ProfileDir
	if volume == "" {
		volume = "/"
	}

	usage, err := disk.UsageWithContext(ctx, volume)
	if err != nil {
		log.Println(errors.WithMessagef(err, "failed to sample disk usage of %s", volume))

		return
	}

	verdict.DiskUsedPercent = usage.UsedPercent
	p.store.Record("disk_used_percent", strconv.FormatFloat(usage.UsedPercent, 'f', 1, 64))

	if usage.UsedPercent > p.cfg.DiskLimitPercent {
		p.alerts.Notify(ctx, fmt.Sprintf(
			"Disk usage of %s is %.1f%%, limit is %.0f%%",
			volume, usage.UsedPercent, p.cfg.DiskLimitPercent,
		))
	}
}

func findProcessByName(ctx context.Context, processName string) (*process.Process, error) {
	if processName == "" {
		return nil, errors.New("process name is empty")
	}

	processes, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return nil, errors.WithMessage(err, "failed to load all processes")
	}

	for _, p := range processes {
		name, err := p.NameWithContext(ctx)
		if err != nil {
			continue
		}

		if name == processName {
			return p, nil
		}
	}

	return nil, nil //nolint:nilnil
}
