package supervisor

import (
	"context"
	"fmt"
	"log"
	"os/exec"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/pkg/errors"

	"github.com/gswatch/gswatch/internal/backup"
	"github.com/gswatch/gswatch/internal/config"
	"github.com/gswatch/gswatch/internal/healthprobe"
	"github.com/gswatch/gswatch/pkg/alert"
	"github.com/gswatch/gswatch/pkg/metrics"
	"github.com/gswatch/gswatch/pkg/utils"
)

const terminateWaitTimeout = 30 * time.Second

// ErrRestartsExhausted is returned when the server crashed more times than
// the configured bound allows. It is the one fatal condition of the whole
// supervisor.
var ErrRestartsExhausted = errors.New("restart attempts exhausted")

type State int

const (
	StateStarting State = iota
	StateRunning
	StateExitedClean
	StateExitedCrash
	StateRestartWait
	StateTerminalFailure
	StateStoppedBySignal
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "STARTING"
	case StateRunning:
		return "RUNNING"
	case StateExitedClean:
		return "EXITED_CLEAN"
	case StateExitedCrash:
		return "EXITED_CRASH"
	case StateRestartWait:
		return "RESTART_WAIT"
	case StateTerminalFailure:
		return "TERMINAL_FAILURE"
	case StateStoppedBySignal:
		return "STOPPED_BY_SIGNAL"
	default:
		return "UNKNOWN"
	}
}

// RestartState tracks crash-restart bookkeeping for one supervisor run.
// The attempt count is never persisted and never resets mid-run; only a
// clean exit clears it.
type RestartState struct {
	AttemptCount uint
	MaxAttempts  uint
	Delay        time.Duration
}

// Supervisor owns the server process lifecycle: launch, wait, bounded
// crash-restart, and the background health probe and backup scheduler.
// Background tasks communicate with it only through the metrics store, the
// log sink and the backup directory.
type Supervisor struct {
	cfg     config.Config
	store   *metrics.Store
	alerts  *alert.Sink
	backups *backup.Manager
	probe   *healthprobe.Probe

	restart RestartState

	// onState is called on every transition; tests use it to observe the
	// state machine.
	onState func(State)
}

func New(
	cfg config.Config,
	store *metrics.Store,
	alerts *alert.Sink,
	backups *backup.Manager,
	probe *healthprobe.Probe,
) *Supervisor {
	return &Supervisor{
		cfg:     cfg,
		store:   store,
		alerts:  alerts,
		backups: backups,
		probe:   probe,
		restart: RestartState{
			MaxAttempts: cfg.MaxRestarts,
			Delay:       cfg.RestartDelay,
		},
	}
}

func (s *Supervisor) OnStateChange(fn func(State)) {
	s.onState = fn
}

// Run supervises the server until it exits cleanly, the restart bound is
// exhausted, or ctx is cancelled by a termination signal. Cancellation
// always wins over restart logic: the child is terminated, background
// tasks are joined, and Run returns nil.
func (s *Supervisor) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)

	wg := &sync.WaitGroup{}
	// cancel background tasks before joining them
	defer wg.Wait()
	defer cancel()

	healthInterval := s.cfg.HealthInterval
	if healthInterval <= 0 {
		healthInterval = config.DefaultEmbeddedHealthInterval
	}

	s.background(ctx, wg, "health probe", func(ctx context.Context) {
		s.probe.Run(ctx, healthInterval)
	})
	s.background(ctx, wg, "backup scheduler", func(ctx context.Context) {
		s.backups.Run(ctx, s.cfg.BackupInterval)
	})

	s.snapshot(ctx, "startup")

	for {
		s.setState(StateStarting)

		crashed, exitCode := s.runOnce(ctx)

		if ctx.Err() != nil {
			s.setState(StateStoppedBySignal)

			return nil
		}

		if !crashed {
			s.setState(StateExitedClean)
			s.restart.AttemptCount = 0
			log.Println("server stopped cleanly")

			return nil
		}

		s.setState(StateExitedCrash)
		s.restart.AttemptCount++
		s.store.Record("restart_count", strconv.FormatUint(uint64(s.restart.AttemptCount), 10))

		if s.restart.AttemptCount >= s.restart.MaxAttempts {
			s.setState(StateTerminalFailure)
			s.alerts.Notify(ctx, fmt.Sprintf(
				"CRITICAL: server %s crashed %d times (last exit code %d), giving up",
				s.cfg.ProcessName, s.restart.AttemptCount, exitCode,
			))

			return errors.Wrapf(ErrRestartsExhausted,
				"server crashed %d times (last exit code %d)",
				s.restart.AttemptCount, exitCode,
			)
		}

		s.alerts.Notify(ctx, fmt.Sprintf(
			"Server %s crashed with exit code %d, restart %d of %d in %s",
			s.cfg.ProcessName, exitCode, s.restart.AttemptCount, s.restart.MaxAttempts-1, s.restart.Delay,
		))

		s.snapshot(ctx, "crash")

		s.setState(StateRestartWait)

		select {
		case <-ctx.Done():
			s.setState(StateStoppedBySignal)

			return nil
		case <-time.After(s.restart.Delay):
		}
	}
}

// runOnce performs preflight validation and one full child lifecycle.
// It reports whether the run counts as a crash and the exit code observed.
// A preflight failure counts as a crash attempt, not a distinct state.
func (s *Supervisor) runOnce(ctx context.Context) (crashed bool, exitCode int) {
	err := s.preflight()
	if err != nil {
		log.Println(errors.WithMessage(err, "preflight failed"))

		return true, -1
	}

	argv, err := s.cfg.ServerArgv()
	if err != nil {
		log.Println(errors.WithMessage(err, "preflight failed"))

		return true, -1
	}

	args := s.launchArgs(argv)

	cmd := exec.Command(s.cfg.ServerBinary, args...)
	cmd.Stdout = log.Writer()
	cmd.Stderr = log.Writer()
	if s.cfg.ProfileDir != "" {
		cmd.Dir = s.cfg.ProfileDir
	}

	log.Println('\n', cmd.String())

	err = cmd.Start()
	if err != nil {
		log.Println(errors.WithMessage(err, "failed to start server"))

		return true, -1
	}

	s.setState(StateRunning)
	log.Printf("server started (pid %d)", cmd.Process.Pid)

	waitCh := make(chan error, 1)
	go func() {
		waitCh <- cmd.Wait()
	}()

	select {
	case <-ctx.Done():
		s.terminate(cmd, waitCh)

		return false, 0
	case err = <-waitCh:
	}

	if err == nil {
		return false, 0
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		// killed-by-signal shows up as -1 here; either way it is a crash
		return true, exitErr.ExitCode()
	}

	log.Println(errors.WithMessage(err, "failed to wait for server"))

	return true, -1
}

// preflight validates the launch preconditions right before a start.
func (s *Supervisor) preflight() error {
	if !utils.IsExecutable(s.cfg.ServerBinary) {
		return errors.Errorf("server binary %s is missing or not executable", s.cfg.ServerBinary)
	}

	if s.cfg.ServerConfig != "" && !utils.IsFileExists(s.cfg.ServerConfig) {
		return errors.Errorf("server config %s not found", s.cfg.ServerConfig)
	}

	return nil
}

// launchArgs derives the server argument list from configuration. The
// tokens are handed to exec directly, never through a shell.
func (s *Supervisor) launchArgs(extra []string) []string {
	args := make([]string, 0, len(extra)+4) //nolint:mnd

	if s.cfg.ServerPort > 0 {
		args = append(args, "-port="+strconv.Itoa(s.cfg.ServerPort))
	}
	if s.cfg.ServerConfig != "" {
		args = append(args, "-config="+s.cfg.ServerConfig)
	}
	if s.cfg.ProfileDir != "" {
		args = append(args, "-profiles="+s.cfg.ProfileDir)
	}
	if s.cfg.ServerMods != "" {
		args = append(args, "-mod="+s.cfg.ServerMods)
	}

	return append(args, extra...)
}

// terminate asks the child to stop and escalates to a kill after a grace
// period. Called only on the signal-stop path.
func (s *Supervisor) terminate(cmd *exec.Cmd, waitCh <-chan error) {
	log.Println("stopping server")

	err := cmd.Process.Signal(syscall.SIGTERM)
	if err != nil {
		log.Println(errors.WithMessage(err, "failed to signal server"))
	}

	select {
	case <-waitCh:
		log.Println("server stopped")
	case <-time.After(terminateWaitTimeout):
		log.Println("server did not stop in time, killing")

		err := cmd.Process.Kill()
		if err != nil {
			log.Println(errors.WithMessage(err, "failed to kill server"))
		}
		<-waitCh
	}
}

// snapshot triggers one backup; a failed snapshot is transient and never
// stops the supervisor.
func (s *Supervisor) snapshot(ctx context.Context, reason string) {
	_, err := s.backups.Snapshot(ctx)
	if err != nil {
		log.Println(errors.WithMessagef(err, "%s backup failed", reason))
	}
}

// background runs fn as a supervised task: a panic is logged instead of
// silently taking the whole process down with it.
func (s *Supervisor) background(ctx context.Context, wg *sync.WaitGroup, name string, fn func(context.Context)) {
	wg.Add(1)

	go func() {
		defer wg.Done()
		defer func() {
			if r := recover(); r != nil {
				log.Printf("%s task panicked: %v", name, r)
			}
		}()

		fn(ctx)
	}()
}

func (s *Supervisor) setState(state State) {
	log.Println("supervisor state:", state)
	s.store.Record("supervisor_state", state.String())

	if s.onState != nil {
		s.onState(state)
	}
}
