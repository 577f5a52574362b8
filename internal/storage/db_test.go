package storage

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func findPeer(t *testing.T, db *DB, deviceID string) (CachedPeer, bool) {
	t.Helper()
	peers, err := db.ListPeers()
	require.NoError(t, err)
	for _, p := range peers {
		if p.DeviceID == deviceID {
			return p, true
		}
	}
	return CachedPeer{}, false
}

func TestMetaRoundTrip(t *testing.T) {
	db := openTestDB(t)

	_, ok := db.GetMeta("device_id")
	require.False(t, ok)

	require.NoError(t, db.SetMeta("device_id", "cam-1"))
	v, ok := db.GetMeta("device_id")
	require.True(t, ok)
	require.Equal(t, "cam-1", v)

	require.NoError(t, db.SetMeta("device_id", "cam-2"))
	v, _ = db.GetMeta("device_id")
	require.Equal(t, "cam-2", v)
}

func TestPeerUpsertAndList(t *testing.T) {
	db := openTestDB(t)

	require.NoError(t, db.UpsertPeer(CachedPeer{DeviceID: "a", Label: "front door", RoomID: "room-1"}))
	require.NoError(t, db.UpsertPeer(CachedPeer{DeviceID: "b", Label: "garage"}))

	p, ok := findPeer(t, db, "a")
	require.True(t, ok)
	require.Equal(t, "front door", p.Label)
	require.Equal(t, "room-1", p.RoomID)

	peers, err := db.ListPeers()
	require.NoError(t, err)
	require.Len(t, peers, 2)

	// Upsert replaces fields.
	require.NoError(t, db.UpsertPeer(CachedPeer{DeviceID: "a", Label: "back door"}))
	p, _ = findPeer(t, db, "a")
	require.Equal(t, "back door", p.Label)
	require.Equal(t, "", p.RoomID)
}

func TestTouchPeerCreatesBareRow(t *testing.T) {
	db := openTestDB(t)

	require.NoError(t, db.TouchPeer("ghost"))
	p, ok := findPeer(t, db, "ghost")
	require.True(t, ok)
	require.Equal(t, "", p.Label)
	require.False(t, p.LastSeen.IsZero())
}
