package backup_test

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gswatch/gswatch/internal/backup"
	"github.com/gswatch/gswatch/internal/config"
	"github.com/gswatch/gswatch/pkg/alert"
	"github.com/gswatch/gswatch/pkg/metrics"
)

func newManager(t *testing.T, mutate func(*config.Config)) (*backup.Manager, config.Config) {
	t.Helper()

	profileDir := filepath.Join(t.TempDir(), "profiles")
	require.NoError(t, os.MkdirAll(profileDir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(profileDir, "players.db"), []byte("players"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(profileDir, "server.cfg"), []byte("hostname=test"), 0644))

	cfg := config.Default()
	cfg.ProfileDir = profileDir
	cfg.BackupInclude = []string{profileDir}
	cfg.BackupDir = filepath.Join(t.TempDir(), "backups")
	cfg.MetricsFile = filepath.Join(t.TempDir(), "metrics.json")

	if mutate != nil {
		mutate(&cfg)
	}

	store := metrics.NewStore(cfg.MetricsFile)

	return backup.NewManager(cfg, store, alert.NewSink("")), cfg
}

func Test_Snapshot(t *testing.T) {
	m, cfg := newManager(t, nil)

	record, err := m.Snapshot(context.Background())
	require.NoError(t, err)

	assert.True(t, strings.HasSuffix(record.Path, ".tar.lz4"))
	assert.Positive(t, record.SizeBytes)
	assert.False(t, record.Uploaded, "no uploader configured")

	records, err := m.Records()
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, record.Path, records[0].Path)

	entries, err := os.ReadDir(cfg.BackupDir)
	require.NoError(t, err)
	for _, entry := range entries {
		assert.False(t, strings.HasSuffix(entry.Name(), ".tmp"), "no half-written archives left behind")
	}
}

func Test_Snapshot_NothingConfigured(t *testing.T) {
	m, _ := newManager(t, func(cfg *config.Config) {
		cfg.BackupInclude = nil
	})

	_, err := m.Snapshot(context.Background())
	require.Error(t, err)
}

func Test_Snapshot_ExcludesLogsAndBackupStore(t *testing.T) {
	var profileDir string

	m, cfg := newManager(t, func(cfg *config.Config) {
		profileDir = cfg.ProfileDir
		require.NoError(t, os.WriteFile(filepath.Join(profileDir, "crash.log"), []byte("trace"), 0644))
		require.NoError(t, os.MkdirAll(filepath.Join(profileDir, "cache"), 0755))
		require.NoError(t, os.WriteFile(filepath.Join(profileDir, "cache", "shader.bin"), []byte("x"), 0644))

		// the backup store inside the include set must not recurse
		cfg.BackupDir = filepath.Join(profileDir, "backups")
	})

	_, err := m.Snapshot(context.Background())
	require.NoError(t, err)

	restored := filepath.Join(t.TempDir(), "restored")
	records, err := m.Records()
	require.NoError(t, err)
	require.Len(t, records, 1)

	require.NoError(t, m.Restore(context.Background(), records[0].Path, restored))

	assert.FileExists(t, filepath.Join(restored, profileDir, "players.db"))
	assert.NoFileExists(t, filepath.Join(restored, profileDir, "crash.log"))
	assert.NoFileExists(t, filepath.Join(restored, profileDir, "cache", "shader.bin"))
	assert.NoDirExists(t, filepath.Join(restored, cfg.BackupDir))
}

func Test_Snapshot_UploadFailureIsNotFatal(t *testing.T) {
	m, _ := newManager(t, func(cfg *config.Config) {
		cfg.BackupUploadCommand = "false"
	})

	record, err := m.Snapshot(context.Background())
	require.NoError(t, err, "a failed upload never invalidates the local backup")
	assert.False(t, record.Uploaded)
	assert.FileExists(t, record.Path)
}

func Test_Snapshot_Upload(t *testing.T) {
	uploaded := filepath.Join(t.TempDir(), "uploaded")

	m, _ := newManager(t, func(cfg *config.Config) {
		cfg.BackupUploadCommand = "cp -t " + uploaded
		require.NoError(t, os.MkdirAll(uploaded, 0755))
	})

	record, err := m.Snapshot(context.Background())
	require.NoError(t, err)
	assert.True(t, record.Uploaded)
	assert.FileExists(t, filepath.Join(uploaded, filepath.Base(record.Path)))
}

func Test_Cleanup_CountBound(t *testing.T) {
	m, cfg := newManager(t, func(cfg *config.Config) {
		cfg.MaxBackups = 3
	})

	require.NoError(t, os.MkdirAll(cfg.BackupDir, 0755))

	base := time.Now().Add(-time.Hour)
	for i := 0; i < 5; i++ {
		name := fmt.Sprintf("backup_%s_ab%d%d.tar.lz4", base.Add(time.Duration(i)*time.Minute).Format("2006-01-02_15-04-05"), i, i)
		require.NoError(t, os.WriteFile(filepath.Join(cfg.BackupDir, name), []byte("archive"), 0644))
	}

	require.NoError(t, m.Cleanup(context.Background()))

	records, err := m.Records()
	require.NoError(t, err)
	require.Len(t, records, 3)

	// the retained three are the newest by creation time
	for i, record := range records {
		wantTime := base.Add(time.Duration(i+2) * time.Minute)
		assert.Equal(t, wantTime.Format("2006-01-02_15-04-05"), record.CreatedAt.Format("2006-01-02_15-04-05"))
	}
}

func Test_Cleanup_AgeBound(t *testing.T) {
	m, cfg := newManager(t, func(cfg *config.Config) {
		cfg.MaxBackups = 0
		cfg.RetentionDays = 7
	})

	require.NoError(t, os.MkdirAll(cfg.BackupDir, 0755))

	stale := "backup_" + time.Now().AddDate(0, 0, -10).Format("2006-01-02_15-04-05") + "_old1.tar.lz4"
	fresh := "backup_" + time.Now().Format("2006-01-02_15-04-05") + "_new1.tar.lz4"
	require.NoError(t, os.WriteFile(filepath.Join(cfg.BackupDir, stale), []byte("archive"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(cfg.BackupDir, fresh), []byte("archive"), 0644))

	require.NoError(t, m.Cleanup(context.Background()))

	records, err := m.Records()
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, fresh, filepath.Base(records[0].Path))
}

func Test_Cleanup_SweepsAbandonedPartials(t *testing.T) {
	m, cfg := newManager(t, func(cfg *config.Config) {
		cfg.BackupInterval = time.Minute
	})

	require.NoError(t, os.MkdirAll(cfg.BackupDir, 0755))

	ts := time.Now().Format("2006-01-02_15-04-05")
	abandoned := filepath.Join(cfg.BackupDir, "backup_"+ts+"_dead.tar.lz4.tmp")
	inflight := filepath.Join(cfg.BackupDir, "backup_"+ts+"_live.tar.lz4.tmp")
	require.NoError(t, os.WriteFile(abandoned, []byte("partial"), 0644))
	require.NoError(t, os.WriteFile(inflight, []byte("partial"), 0644))

	// only a partial older than one backup interval counts as abandoned
	old := time.Now().Add(-2 * time.Minute)
	require.NoError(t, os.Chtimes(abandoned, old, old))

	require.NoError(t, m.Cleanup(context.Background()))

	assert.NoFileExists(t, abandoned)
	assert.FileExists(t, inflight, "a partial another snapshot may still be writing stays")
}

func Test_Snapshot_FailureLeavesRetainedSetClean(t *testing.T) {
	// an include set that yields no entries fails verification
	m, cfg := newManager(t, func(cfg *config.Config) {
		cfg.BackupInclude = []string{filepath.Join(cfg.ProfileDir, "absent")}
	})

	_, err := m.Snapshot(context.Background())
	require.Error(t, err)

	entries, err := os.ReadDir(cfg.BackupDir)
	require.NoError(t, err)
	assert.Empty(t, entries, "a corrupt archive never enters the retained set")

	records, err := m.Records()
	require.NoError(t, err)
	assert.Empty(t, records)
}

func Test_Restore_RoundTrip(t *testing.T) {
	m, cfg := newManager(t, nil)

	record, err := m.Snapshot(context.Background())
	require.NoError(t, err)

	restored := filepath.Join(t.TempDir(), "restored")
	require.NoError(t, m.Restore(context.Background(), record.Path, restored))

	b, err := os.ReadFile(filepath.Join(restored, cfg.ProfileDir, "players.db"))
	require.NoError(t, err)
	assert.Equal(t, "players", string(b))
}

func Test_Restore_CorruptArchiveRejected(t *testing.T) {
	m, cfg := newManager(t, nil)

	require.NoError(t, os.MkdirAll(cfg.BackupDir, 0755))
	corrupt := filepath.Join(cfg.BackupDir, "backup_2024-01-01_00-00-00_bad1.tar.lz4")
	require.NoError(t, os.WriteFile(corrupt, []byte("this is not an archive"), 0644))

	err := m.Restore(context.Background(), corrupt, t.TempDir())
	require.Error(t, err)
}
