// Package node holds the identity and per-node protocol state: who we
// are, what role we play, which track we hold, and what we know about
// the current leader and song.
package node

import (
	"fmt"
	"net"

	"github.com/dhilanpatel26/singing-boxes/internal/frame"
	"github.com/dhilanpatel26/singing-boxes/internal/member"
)

// Role of a node. Reserves are followers whose track is
// member.TrackReserve.
type Role uint8

const (
	Follower Role = iota
	Leader
)

func (r Role) String() string {
	if r == Leader {
		return "leader"
	}
	return "follower"
}

// State is the mutable per-node protocol state. The engine owns it
// exclusively; nothing here is concurrency safe.
type State struct {
	Addr  uint64 // 48-bit identifier, stable for the process lifetime
	Role  Role
	Track int // own track, member.TrackUnassigned until assigned

	LeaderAddr      uint64      // identifier of the currently-known leader
	LeaderStartedAt int64       // ms instant the leader began its stem; 0 = unknown
	SongIndex       int         // active song folder index; -1 = unknown
	LastFrame       frame.Frame // most recently decoded frame

	Members *member.Table
}

// New returns follower state for the given identifier with an empty
// table sized for the default fleet.
func New(addr uint64, fleetSize int) *State {
	return &State{
		Addr:      addr & frame.AddrMask,
		Role:      Follower,
		Track:     member.TrackUnassigned,
		SongIndex: -1,
		Members:   member.NewTable(fleetSize),
	}
}

// HasTrack reports whether the node holds a playable track.
func (s *State) HasTrack() bool { return member.HasTrack(s.Track) }

// IsLeader reports whether the node currently leads the fleet.
func (s *State) IsLeader() bool { return s.Role == Leader }

// LocalAddr derives the node identifier from the first non-loopback
// interface carrying a 48-bit hardware address, matching how every node
// in the fleet names itself.
func LocalAddr() (uint64, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return 0, fmt.Errorf("node: enumerate interfaces: %w", err)
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		if len(iface.HardwareAddr) != 6 {
			continue
		}
		var addr uint64
		for _, b := range iface.HardwareAddr {
			addr = addr<<8 | uint64(b)
		}
		if addr != 0 {
			return addr, nil
		}
	}
	return 0, fmt.Errorf("node: no interface with a usable hardware address")
}

// ParseAddr parses a hex identifier override ("aa:bb:cc:dd:ee:ff" or
// "aabbccddeeff").
func ParseAddr(s string) (uint64, error) {
	hw, err := net.ParseMAC(s)
	if err == nil && len(hw) == 6 {
		var addr uint64
		for _, b := range hw {
			addr = addr<<8 | uint64(b)
		}
		return addr, nil
	}
	var addr uint64
	if _, err := fmt.Sscanf(s, "%x", &addr); err != nil {
		return 0, fmt.Errorf("node: bad address %q", s)
	}
	if addr > frame.AddrMask {
		return 0, fmt.Errorf("node: address %q wider than 48 bits", s)
	}
	return addr, nil
}
