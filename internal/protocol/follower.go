package protocol

import (
	"log"

	"github.com/dhilanpatel26/singing-boxes/internal/frame"
	"github.com/dhilanpatel26/singing-boxes/internal/member"
	"github.com/dhilanpatel26/singing-boxes/internal/node"
)

// followerRound is one bounded listen plus the per-opcode dispatch.
// Returns false when the node should exit (alone on a dead channel).
func (e *Engine) followerRound() bool {
	f, ok := e.receive(e.t.FollowerListen)
	if !ok {
		if e.stop.Stopped() || e.err != nil {
			return false
		}
		if e.self.Members.Len() == 0 {
			log.Printf("%#x: alone and nothing on the air, shutting down", e.self.Addr)
			return false
		}
		e.election()
		return true
	}

	// Frames from a foreign leader are discarded, except that an evicted
	// node (no track at all) answers any leader's ATTENDANCE to rejoin.
	if f.LeaderAddr != e.self.LeaderAddr {
		if f.Action == frame.Attendance && e.self.Track == member.TrackUnassigned {
			e.respondAttendance(f.LeaderAddr)
		}
		return true
	}

	switch f.Action {
	case frame.Delete:
		e.followerDelete(f.FollowAddr)
	case frame.NList:
		e.followerList(f)
	case frame.Attendance:
		if e.self.Track == member.TrackUnassigned {
			e.respondAttendance(f.LeaderAddr)
		}
	case frame.Song:
		e.followerSongStart(f)
	case frame.SongJoin:
		if !e.player.IsPlaying() && e.self.Track != member.TrackUnassigned {
			e.followerSongStart(f)
		}
	case frame.CheckIn:
		if f.FollowAddr == e.self.Addr {
			e.followerCheckIn()
		}
	default:
		// Reserved opcodes (FIRST_LIST, NEW_LEADER) are ignored.
	}
	return true
}

// followerCheckIn answers a probe addressed to this node. The reply is
// delayed so it cannot race the tail of the leader's own send burst,
// and addressed to the head of the table (the leader row).
func (e *Engine) followerCheckIn() {
	e.idle(e.t.CheckInDelay)
	leader := e.self.LeaderAddr
	if rows := e.self.Members.Peers(); len(rows) > 0 {
		leader = rows[0].Addr
	}
	e.sendFrame(frame.NewResponse(e.self.Addr, leader), e.t.CheckInResponse)
}

// followerList folds one N_LIST row into the table: admit unknowns at
// the announced track, correct known entries that moved, and adopt the
// track when the row names this node.
func (e *Engine) followerList(f frame.Frame) {
	addr, track := f.FollowAddr, f.Options
	if p := e.self.Members.Find(addr); p == nil {
		e.self.Members.Add(addr, track)
	} else if p.Track != track {
		p.Track = track
	}
	if addr == e.self.Addr && e.self.Track != track {
		e.self.Track = track
		log.Printf("%#x: assigned track %d", e.self.Addr, track)
		e.display.Update(e.self.Role, e.self.Track)
		e.metrics.SetTrack(track)
	}
}

// followerSongStart records the song context from a SONG or SONG_JOIN
// frame and, when this node holds a playable track, starts its stem
// aligned to the leader's instant.
func (e *Engine) followerSongStart(f frame.Frame) {
	startMillis := f.StartMillis()
	songIndex := f.Options

	e.self.LeaderStartedAt = startMillis
	e.self.SongIndex = songIndex

	numTracks, err := e.cat.NumTracks(songIndex)
	if err != nil {
		// The local catalog has no such song: nothing playable, but the
		// context is kept so a later catalog fix can still sync.
		log.Printf("%#x: %v", e.self.Addr, err)
		return
	}
	e.self.Members.UpdateNumTracks(numTracks)

	if !e.self.HasTrack() {
		return // reserves and the unassigned keep the context only
	}
	if e.self.Track >= numTracks {
		log.Printf("%#x: track %d beyond song's %d stems; standing by as reserve",
			e.self.Addr, e.self.Track, numTracks)
		e.demoteToReserve()
		return
	}
	e.startAligned(startMillis)
}

// followerDelete applies a DELETE broadcast: drop the peer, and when it
// held a real track, promote the first reserve. A DELETE naming this
// node clears its own track; it will rejoin at the next ATTENDANCE.
func (e *Engine) followerDelete(target uint64) {
	if target == e.self.Addr {
		log.Printf("%#x: deleted by the leader, will rejoin at the next attendance", e.self.Addr)
		e.player.Stop()
		e.self.Track = member.TrackUnassigned
		e.display.Update(e.self.Role, e.self.Track)
		e.journal.Record("self_deleted", target, "")
	}
	vacated := member.TrackUnassigned
	if p := e.self.Members.Find(target); p != nil {
		vacated = p.Track
	}
	e.self.Members.Remove(target)
	if member.HasTrack(vacated) {
		e.promoteAfterVacancy()
	}
}

// election runs when the listen times out: the leader is gone. Remove
// it, crown the highest surviving identifier, and, when the dead leader
// held a real track, promote the first reserve into the lowest unused
// track (the vacated one unless a lower one was already free). Every surviving node runs
// the same computation on the same table and agrees on the outcome.
func (e *Engine) election() {
	log.Printf("%#x: leader silent, running election", e.self.Addr)
	vacated := member.TrackUnassigned
	if p := e.self.Members.Find(e.self.LeaderAddr); p != nil {
		vacated = p.Track
	}
	e.self.Members.Remove(e.self.LeaderAddr)

	e.self.LeaderAddr = e.self.Members.HighestAddr()
	e.metrics.Election()
	if e.self.LeaderAddr == e.self.Addr {
		e.self.Role = node.Leader
		log.Printf("%#x: taking over as the new leader", e.self.Addr)
		e.display.Update(e.self.Role, e.self.Track)
		e.metrics.SetRole(true)
		e.journal.Record("elected", e.self.Addr, "")
	} else {
		log.Printf("%#x: staying follower under new leader %#x", e.self.Addr, e.self.LeaderAddr)
		e.journal.Record("new_leader", e.self.LeaderAddr, "")
	}

	if member.HasTrack(vacated) {
		e.promoteAfterVacancy()
	}
}
