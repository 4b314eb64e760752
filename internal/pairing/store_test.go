package pairing

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lanlink/lanlinkd/internal/protoerr"
)

func testRecord(id string) TrustedPeerRecord {
	return TrustedPeerRecord{
		DeviceID:      id,
		Name:          "Phone",
		DeviceType:    "phone",
		CertDER:       []byte{0x30, 0x82, 0x01, 0x0a},
		Fingerprint:   "AA:BB:CC",
		FirstPairedAt: time.Now().Add(-time.Hour).UTC().Truncate(time.Second),
		LastSeenAt:    time.Now().UTC().Truncate(time.Second),
	}
}

func TestStoreRoundTrip(t *testing.T) {
	store, err := OpenStore(filepath.Join(t.TempDir(), "trust.db"))
	require.NoError(t, err)
	defer store.Close()

	rec := testRecord("dev-1")
	require.NoError(t, store.Save(rec))

	got, err := store.Get("dev-1")
	require.NoError(t, err)
	assert.Equal(t, rec, got)

	all, err := store.All()
	require.NoError(t, err)
	assert.Len(t, all, 1)

	require.NoError(t, store.Delete("dev-1"))
	_, err = store.Get("dev-1")
	assert.ErrorIs(t, err, protoerr.ErrNotFound)

	// Deleting again is fine.
	require.NoError(t, store.Delete("dev-1"))
}

func TestStoreRejectsIncompleteRecord(t *testing.T) {
	store, err := OpenStore(filepath.Join(t.TempDir(), "trust.db"))
	require.NoError(t, err)
	defer store.Close()

	err = store.Save(TrustedPeerRecord{DeviceID: "dev-1"})
	assert.ErrorIs(t, err, protoerr.ErrInvalidState)
}

func TestStoreExportImport(t *testing.T) {
	dir := t.TempDir()
	store, err := OpenStore(filepath.Join(dir, "trust.db"))
	require.NoError(t, err)
	defer store.Close()

	require.NoError(t, store.Save(testRecord("dev-1")))
	require.NoError(t, store.Save(testRecord("dev-2")))

	exportPath := filepath.Join(dir, "peers.json")
	require.NoError(t, store.ExportJSON(exportPath))

	other, err := OpenStore(filepath.Join(dir, "other.db"))
	require.NoError(t, err)
	defer other.Close()

	n, err := other.ImportJSON(exportPath)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	got, err := other.Get("dev-2")
	require.NoError(t, err)
	assert.Equal(t, "AA:BB:CC", got.Fingerprint)
}

func TestTouchLastSeen(t *testing.T) {
	store, err := OpenStore(filepath.Join(t.TempDir(), "trust.db"))
	require.NoError(t, err)
	defer store.Close()

	rec := testRecord("dev-1")
	require.NoError(t, store.Save(rec))

	at := rec.LastSeenAt.Add(time.Hour)
	require.NoError(t, store.TouchLastSeen("dev-1", at))
	got, err := store.Get("dev-1")
	require.NoError(t, err)
	assert.Equal(t, at, got.LastSeenAt)

	// Unknown devices are ignored.
	require.NoError(t, store.TouchLastSeen("ghost", at))
}
