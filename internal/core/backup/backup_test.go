package backup

import (
	"strconv"
	"testing"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cartsync/cartsync/internal/core/models"
)

func checksumOf(raw []byte) string {
	return strconv.FormatUint(xxhash.Sum64(raw), 16)
}

func sampleItems() []models.Item {
	return []models.Item{
		{ID: "a1", Fields: models.Fields{"name": "milk", "qty": float64(2)}},
		{ID: "b2", Fields: models.Fields{"name": "bread"}},
	}
}

func TestBackupRoundTrip(t *testing.T) {
	store := NewStore(NewMemoryKV(), nil)
	at := time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)
	store.clock = func() time.Time { return at }

	require.NoError(t, store.Backup(sampleItems()))

	items, restoredAt, err := store.Restore()
	require.NoError(t, err)
	assert.Equal(t, sampleItems(), items)
	assert.True(t, restoredAt.Equal(at))
}

func TestRestoreWithoutBackup(t *testing.T) {
	store := NewStore(NewMemoryKV(), nil)

	items, at, err := store.Restore()
	require.NoError(t, err)
	assert.Nil(t, items)
	assert.True(t, at.IsZero())
}

func TestRestoreMalformedPayload(t *testing.T) {
	kv := NewMemoryKV()
	store := NewStore(kv, nil)
	require.NoError(t, store.Backup(sampleItems()))

	// Corrupt the payload but keep the checksum consistent with it, so only
	// the JSON layer can reject it.
	broken := []byte("{not json")
	require.NoError(t, kv.Set(ItemsKey, broken))
	require.NoError(t, kv.Set(ChecksumKey, []byte(checksumOf(broken))))

	items, at, err := store.Restore()
	require.NoError(t, err)
	assert.Nil(t, items)
	assert.True(t, at.IsZero())
}

func TestRestoreChecksumMismatch(t *testing.T) {
	kv := NewMemoryKV()
	store := NewStore(kv, nil)
	require.NoError(t, store.Backup(sampleItems()))

	// Valid JSON, wrong hash: a torn write looks exactly like this.
	require.NoError(t, kv.Set(ItemsKey, []byte(`[]`)))

	items, _, err := store.Restore()
	require.NoError(t, err)
	assert.Nil(t, items)
}

func TestClear(t *testing.T) {
	kv := NewMemoryKV()
	store := NewStore(kv, nil)
	require.NoError(t, store.Backup(sampleItems()))
	require.NoError(t, store.Clear())

	items, at, err := store.Restore()
	require.NoError(t, err)
	assert.Nil(t, items)
	assert.True(t, at.IsZero())
}

func TestFileKVRoundTrip(t *testing.T) {
	kv, err := NewFileKV(t.TempDir())
	require.NoError(t, err)

	store := NewStore(kv, nil)
	require.NoError(t, store.Backup(sampleItems()))

	items, _, err := store.Restore()
	require.NoError(t, err)
	assert.Equal(t, sampleItems(), items)

	_, err = kv.Get("cartsync.unknown")
	assert.ErrorIs(t, err, ErrKeyNotFound)
}
