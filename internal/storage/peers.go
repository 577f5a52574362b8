package storage

import (
	"time"
)

// CachedPeer is the persistent record of a peer device's last known
// state. It is written when a device connects or heartbeats and survives
// the peer going offline.
type CachedPeer struct {
	DeviceID string    `json:"deviceId"`
	Label    string    `json:"label"`
	RoomID   string    `json:"roomId"`
	LastSeen time.Time `json:"lastSeen"`
}

const sqliteTimeLayout = "2006-01-02 15:04:05"

// UpsertPeer stores or replaces the cached state for a peer device.
func (d *DB) UpsertPeer(p CachedPeer) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, err := d.db.Exec(`
		INSERT INTO _peers (device_id, label, room_id, last_seen)
		VALUES (?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(device_id) DO UPDATE SET
			label     = excluded.label,
			room_id   = excluded.room_id,
			last_seen = CURRENT_TIMESTAMP`,
		p.DeviceID, p.Label, p.RoomID,
	)
	return err
}

// TouchPeer refreshes last_seen for a known peer. Unknown peers get a
// bare row so heartbeats from devices we never formally met still leave
// a trace.
func (d *DB) TouchPeer(deviceID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, err := d.db.Exec(`
		INSERT INTO _peers (device_id, last_seen) VALUES (?, CURRENT_TIMESTAMP)
		ON CONFLICT(device_id) DO UPDATE SET last_seen = CURRENT_TIMESTAMP`,
		deviceID,
	)
	return err
}

// ListPeers returns all cached peers, most recently seen first.
func (d *DB) ListPeers() ([]CachedPeer, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	rows, err := d.db.Query(`
		SELECT device_id, label, room_id, last_seen
		FROM _peers ORDER BY last_seen DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var peers []CachedPeer
	for rows.Next() {
		var p CachedPeer
		var lastSeen string
		if err := rows.Scan(&p.DeviceID, &p.Label, &p.RoomID, &lastSeen); err != nil {
			return nil, err
		}
		p.LastSeen, _ = time.Parse(sqliteTimeLayout, lastSeen)
		peers = append(peers, p)
	}
	return peers, rows.Err()
}
