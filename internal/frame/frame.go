// Package frame packs and unpacks the 116-bit control word the fleet
// exchanges over the CC1101 channel.
//
// A frame is one unsigned integer, serialised big-endian with the minimum
// number of bytes that cover its most-significant set bit. The PHY adds a
// one-byte length prefix and a CRC; both are stripped below this layer.
// Field layout, least-significant bits first:
//
//	bits 0–3     ACTION       opcode
//	bits 4–51    FOLLOW_ADDR  addressee identifier, or packed payload
//	                          (start-millis for SONG / SONG_JOIN)
//	bits 52–99   LEADER_ADDR  identifier of the originating leader
//	bits 100–115 OPTIONS      track index, song index, or absent
//
// OPTIONS of all ones is the on-wire encoding of "absent" (a reserve has
// no track). It is surfaced here as Options == TrackReserve so downstream
// code never confuses a reserve with track 65535.
package frame

import (
	"errors"
	"fmt"
)

// Action is the 4-bit opcode of a frame.
type Action uint8

const (
	Response   Action = 0x1 // follower acknowledging ATTENDANCE or CHECK_IN
	Song       Action = 0x2 // leader announcing a song start instant
	FirstList  Action = 0x3 // reserved, never emitted
	NList      Action = 0x4 // leader broadcasting one membership row
	CheckIn    Action = 0x5 // leader probing one follower
	Delete     Action = 0x6 // leader evicting a peer
	Attendance Action = 0x8 // leader soliciting unknown nodes
	SongJoin   Action = 0xC // leader re-announcing the start instant for late joiners
	NewLeader  Action = 0xF // reserved, never emitted
)

func (a Action) String() string {
	switch a {
	case Response:
		return "RESPONSE"
	case Song:
		return "SONG"
	case FirstList:
		return "FIRST_LIST"
	case NList:
		return "N_LIST"
	case CheckIn:
		return "CHECK_IN"
	case Delete:
		return "DELETE"
	case Attendance:
		return "ATTENDANCE"
	case SongJoin:
		return "SONG_JOIN"
	case NewLeader:
		return "NEW_LEADER"
	}
	return fmt.Sprintf("ACTION(%#x)", uint8(a))
}

// Reserved reports whether the opcode is defined on the wire but carries
// no behaviour. Receivers must ignore reserved frames.
func (a Action) Reserved() bool { return a == FirstList || a == NewLeader }

func validAction(a Action) bool {
	switch a {
	case Response, Song, FirstList, NList, CheckIn, Delete, Attendance, SongJoin, NewLeader:
		return true
	}
	return false
}

const (
	actionBits = 4
	addrBits   = 48
	optionBits = 16

	totalBits = actionBits + 2*addrBits + optionBits // 116
	maxBytes  = (totalBits + 7) / 8                  // 15

	// AddrMask bounds the 48-bit identifier slots.
	AddrMask = uint64(1)<<addrBits - 1

	optionAllOnes = uint16(uint32(1)<<optionBits - 1)
)

// OptionsNone marks a frame whose OPTIONS slot is unused. It encodes as
// zero on the wire, so readers cannot tell it apart from an explicit
// zero; only senders distinguish the two.
const OptionsNone = 0

// TrackReserve is the decoded form of the all-ones OPTIONS sentinel.
const TrackReserve = -1

// ErrMalformedFrame is returned when the payload does not decode to a
// known opcode or exceeds the frame width.
var ErrMalformedFrame = errors.New("frame: malformed")

// Frame is the decoded control word.
type Frame struct {
	Action     Action
	FollowAddr uint64 // 48-bit addressee slot (or start-millis payload)
	LeaderAddr uint64 // 48-bit originating leader
	Options    int    // TrackReserve, or 0..65534
}

func (f Frame) String() string {
	return fmt.Sprintf("%s follow=%#x leader=%#x options=%d",
		f.Action, f.FollowAddr, f.LeaderAddr, f.Options)
}

// Encode serialises the frame to its minimum-bytes big-endian form.
func (f Frame) Encode() []byte {
	opt := uint16(f.Options)
	if f.Options == TrackReserve {
		opt = optionAllOnes // two's complement -1 in 16 bits
	}

	// Assemble into a 128-bit word: lo holds bits 0..63, hi bits 64..115.
	lo := uint64(f.Action) & 0xF
	lo |= (f.FollowAddr & AddrMask) << 4
	leader := f.LeaderAddr & AddrMask
	lo |= leader << 52           // low 12 leader bits land in bits 52..63
	hi := leader >> 12           // remaining 36 leader bits are bits 64..99
	hi |= uint64(opt) << 36      // options occupy bits 100..115

	var buf [maxBytes]byte
	for i := 0; i < 7; i++ {
		buf[6-i] = byte(hi >> (8 * i))
	}
	for i := 0; i < 8; i++ {
		buf[14-i] = byte(lo >> (8 * i))
	}
	// Minimum-bytes: drop leading zeros, keeping at least one byte.
	first := 0
	for first < maxBytes-1 && buf[first] == 0 {
		first++
	}
	out := make([]byte, maxBytes-first)
	copy(out, buf[first:])
	return out
}

// Decode parses a minimum-bytes big-endian payload back into a Frame.
// Payloads wider than 116 bits or carrying an unknown opcode fail with
// ErrMalformedFrame.
func Decode(payload []byte) (Frame, error) {
	if len(payload) == 0 || len(payload) > maxBytes {
		return Frame{}, fmt.Errorf("%w: %d byte payload", ErrMalformedFrame, len(payload))
	}
	var buf [maxBytes]byte
	copy(buf[maxBytes-len(payload):], payload)
	if buf[0]&0xF0 != 0 {
		// Bits above 115 must be clear.
		return Frame{}, fmt.Errorf("%w: payload wider than %d bits", ErrMalformedFrame, totalBits)
	}

	var hi, lo uint64
	for i := 0; i < 7; i++ {
		hi = hi<<8 | uint64(buf[i])
	}
	for i := 7; i < maxBytes; i++ {
		lo = lo<<8 | uint64(buf[i])
	}

	f := Frame{
		Action:     Action(lo & 0xF),
		FollowAddr: (lo >> 4) & AddrMask,
		LeaderAddr: (lo>>52 | hi<<12) & AddrMask,
	}
	opt := uint16(hi >> 36)
	if opt == optionAllOnes {
		f.Options = TrackReserve
	} else {
		f.Options = int(opt)
	}
	if !validAction(f.Action) {
		return Frame{}, fmt.Errorf("%w: opcode %#x", ErrMalformedFrame, uint8(f.Action))
	}
	return f, nil
}

// Constructors for the frames the protocol emits. Reserved opcodes have
// none on purpose.

// NewAttendance is the leader's beacon soliciting unknown nodes.
func NewAttendance(leader uint64) Frame {
	return Frame{Action: Attendance, LeaderAddr: leader & AddrMask, Options: OptionsNone}
}

// NewResponse acknowledges an ATTENDANCE or CHECK_IN addressed to self.
func NewResponse(self, leader uint64) Frame {
	return Frame{Action: Response, FollowAddr: self & AddrMask, LeaderAddr: leader & AddrMask, Options: OptionsNone}
}

// NewSong announces the wall-clock start instant (ms) and song index.
func NewSong(startMillis int64, leader uint64, songIndex int) Frame {
	return Frame{Action: Song, FollowAddr: uint64(startMillis) & AddrMask, LeaderAddr: leader & AddrMask, Options: songIndex}
}

// NewSongJoin carries the same payload as SONG for late joiners.
func NewSongJoin(startMillis int64, leader uint64, songIndex int) Frame {
	return Frame{Action: SongJoin, FollowAddr: uint64(startMillis) & AddrMask, LeaderAddr: leader & AddrMask, Options: songIndex}
}

// NewList broadcasts one membership row: member address and its track
// (TrackReserve for reserves).
func NewList(member, leader uint64, track int) Frame {
	return Frame{Action: NList, FollowAddr: member & AddrMask, LeaderAddr: leader & AddrMask, Options: track}
}

// NewCheckIn probes one follower for liveness.
func NewCheckIn(addressee, leader uint64) Frame {
	return Frame{Action: CheckIn, FollowAddr: addressee & AddrMask, LeaderAddr: leader & AddrMask, Options: OptionsNone}
}

// NewDelete evicts a peer fleet-wide.
func NewDelete(addressee, leader uint64) Frame {
	return Frame{Action: Delete, FollowAddr: addressee & AddrMask, LeaderAddr: leader & AddrMask, Options: OptionsNone}
}

// StartMillis reads the packed start instant of a SONG / SONG_JOIN frame.
func (f Frame) StartMillis() int64 { return int64(f.FollowAddr) }
