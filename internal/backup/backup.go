package backup

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/samber/lo"
	"go.uber.org/multierr"

	"github.com/gswatch/gswatch/internal/config"
	"github.com/gswatch/gswatch/pkg/alert"
	"github.com/gswatch/gswatch/pkg/metrics"
	"github.com/gswatch/gswatch/pkg/retry"
	"github.com/gswatch/gswatch/pkg/utils"
)

const (
	archiveTimeLayout = "2006-01-02_15-04-05"
	archivePrefix     = "backup_"
	archiveSuffix     = ".tar.lz4"

	uploadAttempts     = 3
	uploadInitialDelay = 500 * time.Millisecond
	uploadTimeout      = 5 * time.Second
)

// Record describes one retained snapshot.
type Record struct {
	Path      string
	CreatedAt time.Time
	SizeBytes int64
	Uploaded  bool
}

// Manager creates, rotates and restores snapshots of the server profile.
// Snapshot may be triggered concurrently from the startup path, the
// crash-restart path and the interval timer; archive names carry a
// second-resolution timestamp plus a random suffix so overlapping
// snapshots never collide, and Cleanup tolerates files vanishing under it.
type Manager struct {
	cfg    config.Config
	store  *metrics.Store
	alerts *alert.Sink
	exec   *retry.Executor
}

func NewManager(cfg config.Config, store *metrics.Store, alerts *alert.Sink) *Manager {
	return &Manager{
		cfg:    cfg,
		store:  store,
		alerts: alerts,
		exec:   retry.NewExecutor(log.Writer()),
	}
}

// Run triggers snapshots on a fixed interval until ctx is cancelled.
func (m *Manager) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_, err := m.Snapshot(ctx)
			if err != nil {
				log.Println(errors.WithMessage(err, "scheduled backup failed"))
				m.alerts.Notify(ctx, fmt.Sprintf("Scheduled backup failed: %s", err))
			}
		}
	}
}

// Snapshot archives the configured include set into a timestamped lz4
// archive, verifies it, uploads it best-effort and applies the retention
// policy. A corrupt archive is deleted and reported as a failure; a failed
// upload is a warning only.
func (m *Manager) Snapshot(ctx context.Context) (Record, error) {
	if len(m.cfg.BackupInclude) == 0 {
		return Record{}, errors.New("nothing to back up: no include paths configured")
	}

	err := os.MkdirAll(m.cfg.BackupDir, 0755)
	if err != nil {
		return Record{}, errors.WithMessage(err, "failed to create backup directory")
	}

	createdAt := time.Now()

	suffix, err := utils.RandomString(4) //nolint:mnd
	if err != nil {
		return Record{}, errors.WithMessage(err, "failed to generate archive suffix")
	}

	name := archivePrefix + createdAt.Format(archiveTimeLayout) + "_" + suffix + archiveSuffix
	path := filepath.Join(m.cfg.BackupDir, name)
	tmpPath := path + ".tmp"

	err = m.writeArchive(tmpPath)
	if err != nil {
		_ = os.Remove(tmpPath)

		return Record{}, err
	}

	err = verify(tmpPath)
	if err != nil {
		_ = os.Remove(tmpPath)

		return Record{}, errors.WithMessage(err, "archive failed verification")
	}

	err = os.Rename(tmpPath, path)
	if err != nil {
		_ = os.Remove(tmpPath)

		return Record{}, errors.WithMessage(err, "failed to move archive into place")
	}

	record := Record{
		Path:      path,
		CreatedAt: createdAt,
	}

	if info, err := os.Stat(path); err == nil {
		record.SizeBytes = info.Size()
	}

	log.Printf("created backup %s (%d bytes)", name, record.SizeBytes)
	m.store.Record("last_backup", createdAt.Format(time.RFC3339))
	m.store.Record("last_backup_size_bytes", strconv.FormatInt(record.SizeBytes, 10))

	record.Uploaded = m.upload(ctx, path)

	err = m.Cleanup(ctx)
	if err != nil {
		log.Println(errors.WithMessage(err, "backup cleanup failed"))
	}

	return record, nil
}

func (m *Manager) writeArchive(tmpPath string) error {
	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return errors.WithMessage(err, "failed to create archive file")
	}

	err = compress(m.cfg.BackupInclude, f, m.shouldSkip)
	if err != nil {
		_ = f.Close()

		return errors.WithMessage(err, "failed to write archive")
	}

	return f.Close()
}

// shouldSkip excludes the backup store itself, the log directory, caches
// and anything the operator listed explicitly.
func (m *Manager) shouldSkip(path string) bool {
	excluded := append([]string{m.cfg.BackupDir, m.cfg.LogDir}, m.cfg.BackupExclude...)
	for _, prefix := range excluded {
		if prefix == "" {
			continue
		}
		if path == prefix || strings.HasPrefix(path, prefix+string(os.PathSeparator)) {
			return true
		}
	}

	switch filepath.Base(path) {
	case "cache", "caches", "logs":
		return true
	}

	return strings.HasSuffix(path, ".log")
}

// upload hands the archive to the configured uploader command. Failure
// never invalidates the local backup.
func (m *Manager) upload(ctx context.Context, path string) bool {
	argv, err := m.cfg.UploadArgv()
	if err != nil {
		log.Println(errors.WithMessage(err, "skipping upload"))

		return false
	}
	if len(argv) == 0 {
		return false
	}

	if !utils.IsCommandAvailable(argv[0]) {
		log.Printf("uploader %s is not available, keeping local backup only", argv[0])

		return false
	}

	// bounded so a hung uploader cannot stall the backup cadence
	ctx, cancel := context.WithTimeout(ctx, uploadTimeout)
	defer cancel()

	result, err := m.exec.Execute(ctx, argv[0], append(argv[1:], path), uploadAttempts, uploadInitialDelay)
	if err != nil {
		log.Println(errors.WithMessagef(err, "failed to upload backup %s", path))

		return false
	}

	log.Printf("uploaded backup %s (attempts: %d)", filepath.Base(path), result.AttemptsUsed)

	return true
}

// Cleanup deletes the oldest records beyond the count bound and any record
// older than the age bound. After a pass the retained set never exceeds
// the configured bounds. Abandoned .tmp files from a snapshot that died
// mid-write are swept as well.
func (m *Manager) Cleanup(_ context.Context) error {
	m.sweepAbandoned()

	records, err := m.Records()
	if err != nil {
		return err
	}

	var stale []Record

	if m.cfg.MaxBackups > 0 && len(records) > m.cfg.MaxBackups {
		// Records is sorted oldest first
		stale = append(stale, records[:len(records)-m.cfg.MaxBackups]...)
		records = records[len(records)-m.cfg.MaxBackups:]
	}

	if m.cfg.RetentionDays > 0 {
		deadline := time.Now().AddDate(0, 0, -m.cfg.RetentionDays)
		stale = append(stale, lo.Filter(records, func(r Record, _ int) bool {
			return r.CreatedAt.Before(deadline)
		})...)
	}

	var errs error

	for _, r := range stale {
		log.Println("removing stale backup", filepath.Base(r.Path))

		err := os.Remove(r.Path)
		if err != nil && !os.IsNotExist(err) {
			errs = multierr.Append(errs, errors.WithMessagef(err, "failed to remove %s", r.Path))
		}
	}

	return errs
}

// sweepAbandoned removes .tmp leftovers of snapshots that died mid-write.
// A .tmp younger than one backup interval may still be in flight and is
// left alone.
func (m *Manager) sweepAbandoned() {
	abandonedAfter := m.cfg.BackupInterval
	if abandonedAfter <= 0 {
		abandonedAfter = time.Hour
	}

	entries, err := os.ReadDir(m.cfg.BackupDir)
	if err != nil {
		return
	}

	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasPrefix(name, archivePrefix) || !strings.HasSuffix(name, ".tmp") {
			continue
		}

		info, err := entry.Info()
		if err != nil || time.Since(info.ModTime()) < abandonedAfter {
			continue
		}

		log.Println("removing abandoned partial backup", name)

		err = os.Remove(filepath.Join(m.cfg.BackupDir, name))
		if err != nil && !os.IsNotExist(err) {
			log.Println(errors.WithMessagef(err, "failed to remove %s", name))
		}
	}
}

// Records lists the retained set, oldest first. Creation time comes from
// the archive filename; files another snapshot is still writing (.tmp) are
// not part of the set.
func (m *Manager) Records() ([]Record, error) {
	entries, err := os.ReadDir(m.cfg.BackupDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}

		return nil, errors.WithMessage(err, "failed to read backup directory")
	}

	records := make([]Record, 0, len(entries))

	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasPrefix(name, archivePrefix) || strings.HasSuffix(name, ".tmp") {
			continue
		}

		record := Record{Path: filepath.Join(m.cfg.BackupDir, name)}

		if info, err := entry.Info(); err == nil {
			record.SizeBytes = info.Size()
			record.CreatedAt = info.ModTime()
		}

		if createdAt, ok := timeFromName(name); ok {
			record.CreatedAt = createdAt
		}

		records = append(records, record)
	}

	sort.Slice(records, func(i, j int) bool {
		return records[i].CreatedAt.Before(records[j].CreatedAt)
	})

	return records, nil
}

func timeFromName(name string) (time.Time, bool) {
	trimmed := strings.TrimPrefix(name, archivePrefix)
	if len(trimmed) < len(archiveTimeLayout) {
		return time.Time{}, false
	}

	t, err := time.ParseInLocation(archiveTimeLayout, trimmed[:len(archiveTimeLayout)], time.Local)
	if err != nil {
		return time.Time{}, false
	}

	return t, true
}

func (r Record) String() string {
	return fmt.Sprintf("%s\t%d bytes\t%s", filepath.Base(r.Path), r.SizeBytes, r.CreatedAt.Format(time.RFC3339))
}
