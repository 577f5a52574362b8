package transport

import (
	"sync"

	"github.com/libp2p/go-libp2p/core/peer"
	ma "github.com/multiformats/go-multiaddr"
	manet "github.com/multiformats/go-multiaddr/net"
)

// announcement is published on the directory topic so device identifiers
// resolve to dialable libp2p peers. ClaimedAt breaks ties when two
// devices claim the same identifier: the oldest claim wins.
type announcement struct {
	DeviceID  string   `json:"deviceId"`
	PeerID    string   `json:"peerId"`
	Addrs     []string `json:"addrs,omitempty"`
	ClaimedAt int64    `json:"claimedAt"`
	Gone      bool     `json:"gone,omitempty"`
}

// olderClaim reports whether the claim (at, peerID) beats the claim
// (curAt, curPeerID) for the same device identifier. Equal timestamps
// tie-break on the lexicographically smaller peer ID, so two devices
// claiming in the same millisecond still agree on a single winner.
func olderClaim(at int64, peerID string, curAt int64, curPeerID string) bool {
	if at != curAt {
		return at < curAt
	}
	return peerID < curPeerID
}

// directory maps device identifiers to the peers that claimed them.
type directory struct {
	mu      sync.Mutex
	entries map[string]announcement
}

func newDirectory() *directory {
	return &directory{entries: make(map[string]announcement)}
}

// upsert records an announcement. It returns true when the announcement
// conflicts with (and loses to, or beats) an existing claim for the same
// device identifier by a different peer. The caller decides what to do
// with the conflict.
func (d *directory) upsert(a announcement) (conflict bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if a.Gone {
		if cur, ok := d.entries[a.DeviceID]; ok && cur.PeerID == a.PeerID {
			delete(d.entries, a.DeviceID)
		}
		return false
	}

	cur, ok := d.entries[a.DeviceID]
	if ok && cur.PeerID != a.PeerID {
		// Keep whichever claim is older.
		if olderClaim(a.ClaimedAt, a.PeerID, cur.ClaimedAt, cur.PeerID) {
			d.entries[a.DeviceID] = a
		}
		return true
	}
	d.entries[a.DeviceID] = a
	return false
}

// lookup resolves a device identifier to the libp2p peer that claimed it.
func (d *directory) lookup(deviceID string) (peer.AddrInfo, bool) {
	d.mu.Lock()
	a, ok := d.entries[deviceID]
	d.mu.Unlock()
	if !ok {
		return peer.AddrInfo{}, false
	}

	pid, err := peer.Decode(a.PeerID)
	if err != nil {
		return peer.AddrInfo{}, false
	}
	info := peer.AddrInfo{ID: pid}
	for _, s := range a.Addrs {
		addr, err := ma.NewMultiaddr(s)
		if err != nil {
			continue
		}
		info.Addrs = append(info.Addrs, addr)
	}
	return info, true
}

// usableAddrs filters the host's addresses the way presence announcements
// want them: no loopback, no link-local.
func usableAddrs(addrs []ma.Multiaddr) []string {
	var out []string
	for _, a := range addrs {
		ip, err := manet.ToIP(a)
		if err != nil {
			continue
		}
		if ip.IsLoopback() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() {
			continue
		}
		out = append(out, a.String())
	}
	return out
}
