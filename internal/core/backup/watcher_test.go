package backup

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cartsync/cartsync/internal/core/models"
)

func TestWatcherSignalsExternalBackupWrite(t *testing.T) {
	dir := t.TempDir()
	kv, err := NewFileKV(dir)
	require.NoError(t, err)

	var hints atomic.Int32
	w, err := NewWatcher(kv, func() { hints.Add(1) }, nil)
	require.NoError(t, err)
	defer w.Close()

	// Another process of the same session rewrites the backup.
	other, err := NewFileKV(dir)
	require.NoError(t, err)
	writer := NewStore(other, nil)
	require.NoError(t, writer.Backup([]models.Item{
		{ID: "a", Fields: models.Fields{"name": "milk"}},
	}))

	require.Eventually(t, func() bool { return hints.Load() >= 1 },
		2*time.Second, 10*time.Millisecond)
}
