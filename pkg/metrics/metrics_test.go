package metrics_test

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gswatch/gswatch/pkg/metrics"
)

func Test_Record_OverwritesLatest(t *testing.T) {
	store := metrics.NewStore(filepath.Join(t.TempDir(), "metrics.json"))

	store.Record("server_running", "1")
	store.Record("server_running", "0")

	entries, err := store.Load()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "0", entries["server_running"].Value)
	assert.False(t, entries["server_running"].UpdatedAt.IsZero())
}

func Test_Record_MultipleKeys(t *testing.T) {
	store := metrics.NewStore(filepath.Join(t.TempDir(), "metrics.json"))

	store.Record("server_running", "1")
	store.Record("memory_usage", "512.3")
	store.Record("port_listening", "1")

	entries, err := store.Load()
	require.NoError(t, err)
	assert.Len(t, entries, 3)
}

func Test_Record_FileIsFlatMapping(t *testing.T) {
	path := filepath.Join(t.TempDir(), "metrics.json")
	store := metrics.NewStore(path)

	store.Record("server_running", "1")

	// external dashboards read the file directly
	b, err := os.ReadFile(path)
	require.NoError(t, err)

	var raw map[string]struct {
		Value string `json:"value"`
	}
	require.NoError(t, json.Unmarshal(b, &raw))
	assert.Equal(t, "1", raw["server_running"].Value)
}

func Test_Record_UnwritableStoreDoesNotPanic(t *testing.T) {
	parent := filepath.Join(t.TempDir(), "occupied")
	require.NoError(t, os.WriteFile(parent, []byte("not a directory"), 0644))

	store := metrics.NewStore(filepath.Join(parent, "metrics.json"))

	assert.NotPanics(t, func() {
		store.Record("server_running", "1")
	})
}

func Test_Record_ConcurrentWriters(t *testing.T) {
	store := metrics.NewStore(filepath.Join(t.TempDir(), "metrics.json"))

	wg := sync.WaitGroup{}
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			store.Record("restart_count", "1")
			store.Record("memory_usage", "100.0")
		}()
	}
	wg.Wait()

	entries, err := store.Load()
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}
