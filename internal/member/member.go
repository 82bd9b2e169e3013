// Package member keeps the ordered set of known fleet peers and their
// track assignments. Insertion order is load-bearing: the leader sweeps
// the table in that order when checking in, and "the first reserve" for
// promotion is the reserve with the smallest insertion position.
//
// The table is not concurrency safe. The protocol engine is
// single-threaded and owns it exclusively.
package member

import (
	"fmt"
	"strings"
)

// Track sentinels. A reserve is a member that holds no playable track;
// unassigned is the local node's state between eviction and rejoining.
const (
	TrackReserve    = -1
	TrackUnassigned = -2
)

// HasTrack reports whether t is a real (playable) track index.
func HasTrack(t int) bool { return t >= 0 }

// Peer is one membership-table row.
type Peer struct {
	Addr   uint64
	Track  int // TrackReserve when reserve
	Missed int // missed check-ins, counted by the leader; a response does not reset it
}

// Table is the insertion-ordered peer set.
type Table struct {
	peers     []*Peer
	numTracks int
}

// NewTable returns a table whose valid track universe is 0..numTracks-1.
func NewTable(numTracks int) *Table {
	return &Table{numTracks: numTracks}
}

func (t *Table) Len() int { return len(t.peers) }

// NumTracks is the size of the current track universe.
func (t *Table) NumTracks() int { return t.numTracks }

// UpdateNumTracks resets the universe of valid track indices, used when
// a new song with a different stem count starts.
func (t *Table) UpdateNumTracks(n int) { t.numTracks = n }

// Add appends a peer at the end of the table.
func (t *Table) Add(addr uint64, track int) *Peer {
	p := &Peer{Addr: addr, Track: track}
	t.peers = append(t.peers, p)
	return p
}

// InsertFront seats a peer at row 0, ahead of everything else. The join
// flow uses it so the leader always heads a fresh follower's table.
func (t *Table) InsertFront(addr uint64, track int) *Peer {
	p := &Peer{Addr: addr, Track: track}
	t.peers = append([]*Peer{p}, t.peers...)
	return p
}

// Find returns the peer with the given address, or nil.
func (t *Table) Find(addr uint64) *Peer {
	for _, p := range t.peers {
		if p.Addr == addr {
			return p
		}
	}
	return nil
}

// Remove deletes the peer with the given address, preserving the order
// of the rest. Returns false if the address is unknown.
func (t *Table) Remove(addr uint64) bool {
	for i, p := range t.peers {
		if p.Addr == addr {
			t.peers = append(t.peers[:i], t.peers[i+1:]...)
			return true
		}
	}
	return false
}

// Peers returns the rows in insertion order. The slice is a copy but the
// entries are live; callers may mutate Track and Missed.
func (t *Table) Peers() []*Peer {
	out := make([]*Peer, len(t.peers))
	copy(out, t.peers)
	return out
}

// UpdateTrack reassigns the track of the peer with the given address.
func (t *Table) UpdateTrack(addr uint64, track int) {
	if p := t.Find(addr); p != nil {
		p.Track = track
	}
}

// UnusedTracks returns the ascending track indices of the current
// universe not held by any member.
func (t *Table) UnusedTracks() []int {
	used := make(map[int]bool, len(t.peers))
	for _, p := range t.peers {
		if HasTrack(p.Track) {
			used[p.Track] = true
		}
	}
	var unused []int
	for i := 0; i < t.numTracks; i++ {
		if !used[i] {
			unused = append(unused, i)
		}
	}
	return unused
}

// FirstReserve returns the earliest-inserted reserve, or nil.
func (t *Table) FirstReserve() *Peer {
	for _, p := range t.peers {
		if p.Track == TrackReserve {
			return p
		}
	}
	return nil
}

// HighestAddr returns the largest identifier in the table; zero when
// empty. Used as the election tiebreak.
func (t *Table) HighestAddr() uint64 {
	var max uint64
	for _, p := range t.peers {
		if p.Addr > max {
			max = p.Addr
		}
	}
	return max
}

func (t *Table) String() string {
	var b strings.Builder
	b.WriteString("members:")
	for _, p := range t.peers {
		track := "reserve"
		if HasTrack(p.Track) {
			track = fmt.Sprintf("track %d", p.Track)
		}
		fmt.Fprintf(&b, " %#x=%s", p.Addr, track)
	}
	if len(t.peers) == 0 {
		b.WriteString(" (none)")
	}
	return b.String()
}
