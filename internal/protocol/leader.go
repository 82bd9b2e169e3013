package protocol

import (
	"log"
	"time"

	"github.com/dhilanpatel26/singing-boxes/internal/clock"
	"github.com/dhilanpatel26/singing-boxes/internal/frame"
	"github.com/dhilanpatel26/singing-boxes/internal/member"
	"github.com/dhilanpatel26/singing-boxes/internal/node"
)

// leaderRound is one turn of the duty cycle: song management, the
// check-in sweep, then the attendance beacon. A demotion mid-round (a
// higher-addressed leader was heard) aborts the rest of the round.
func (e *Engine) leaderRound() {
	if !e.player.IsPlaying() {
		e.leaderSongStart()
	}
	if e.stop.Stopped() || !e.self.IsLeader() || e.err != nil {
		return
	}
	e.leaderCheckIn()
	if e.stop.Stopped() || !e.self.IsLeader() || e.err != nil {
		return
	}
	e.leaderAttendance()
}

// leaderSongStart picks a song at random, schedules its start
// SongStartOffset out, broadcasts the instant, busy-waits for it, and starts
// the leader's own stem. The busy-wait is deliberate: scheduler wakeup
// jitter at the start instant would be audible across the fleet.
func (e *Engine) leaderSongStart() {
	songIndex := e.rng.IntN(e.cat.NumSongs())
	numTracks, err := e.cat.NumTracks(songIndex)
	if err != nil {
		e.fail(err)
		return
	}
	startAt := clock.NowMillis() + e.t.SongStartOffset.Milliseconds()

	e.self.SongIndex = songIndex
	e.self.LeaderStartedAt = startAt
	e.self.Members.UpdateNumTracks(numTracks)

	// An election winner keeps whatever track it held before; the new
	// song may have fewer stems than that. Same disposition as on the
	// follower side: fall back to reserve, then let the seating below
	// hand out a valid index.
	if e.self.HasTrack() && e.self.Track >= numTracks {
		log.Printf("%#x: track %d beyond song's %d stems; standing by as reserve",
			e.self.Addr, e.self.Track, numTracks)
		e.demoteToReserve()
	}

	// A reserve that won an election leads tracklessly until now: the
	// song boundary is where it seats itself.
	if !e.self.HasTrack() {
		if unused := e.self.Members.UnusedTracks(); len(unused) > 0 {
			e.self.Track = unused[0]
			if e.self.Members.Find(e.self.Addr) == nil {
				e.self.Members.Add(e.self.Addr, e.self.Track)
			} else {
				e.self.Members.UpdateTrack(e.self.Addr, e.self.Track)
			}
			e.display.Update(e.self.Role, e.self.Track)
		}
	}

	log.Printf("%#x: starting song %d (%d tracks) at %d", e.self.Addr, songIndex, numTracks, startAt)
	e.sendFrame(frame.NewSong(startAt, e.self.Addr, songIndex), e.t.SingleSend)
	e.journal.Record("song_start", e.self.Addr, e.cat.Songs[songIndex].Name)

	clock.BusyWaitUntil(startAt)
	if e.self.HasTrack() && e.self.Track < numTracks {
		path, err := e.cat.StemPath(songIndex, e.self.Track)
		if err == nil {
			if perr := e.player.Start(path, 0); perr != nil {
				log.Printf("%#x: playback: %v", e.self.Addr, perr)
			} else {
				e.metrics.SetTrack(e.self.Track)
			}
		}
	}
}

// leaderCheckIn probes every known follower in insertion order and
// evicts the ones that stay silent past the miss threshold.
func (e *Engine) leaderCheckIn() {
	for _, peer := range e.self.Members.Peers() {
		if peer.Addr == e.self.Addr {
			continue
		}
		if e.stop.Stopped() || !e.self.IsLeader() || e.err != nil {
			return
		}
		e.sendFrame(frame.NewCheckIn(peer.Addr, e.self.Addr), e.t.SingleSend)

		responded := false
		deadline := time.Now().Add(e.t.WaitForCheckInResponse)
		for time.Now().Before(deadline) {
			f, ok := e.receive(time.Until(deadline))
			if !ok {
				break
			}
			if e.leaderSaw(f) {
				return
			}
			if f.Action == frame.Response && f.FollowAddr == peer.Addr {
				responded = true
				break
			}
		}

		if !responded {
			peer.Missed++
			e.metrics.CheckInMissed()
			log.Printf("%#x: no check-in response from %#x (%d/%d)",
				e.self.Addr, peer.Addr, peer.Missed, MaxMissedCheckIns)
			if peer.Missed >= MaxMissedCheckIns {
				e.evict(peer)
			}
		}
		e.idle(e.t.CheckInDelay)
	}
}

// evict removes a peer locally, broadcasts the DELETE, and, when the
// peer held a real track, moves the first reserve into the lowest unused
// track. That is the vacated track unless a lower one was already free.
func (e *Engine) evict(peer *member.Peer) {
	log.Printf("%#x: evicting %#x", e.self.Addr, peer.Addr)
	vacated := peer.Track
	e.self.Members.Remove(peer.Addr)
	e.sendFrame(frame.NewDelete(peer.Addr, e.self.Addr), e.t.SingleSend)
	e.metrics.Evicted()
	e.journal.Record("evicted", peer.Addr, "")
	if member.HasTrack(vacated) {
		e.promoteFirstReserve()
	}
}

// leaderAttendance broadcasts the beacon, admits every unknown
// responder, and on any admission broadcasts the fresh membership list
// plus, mid-song, a SONG_JOIN so the newcomers can late-join the mix.
func (e *Engine) leaderAttendance() {
	e.sendFrame(frame.NewAttendance(e.self.Addr), e.t.SingleSend)

	open := e.self.Members.UnusedTracks()
	admitted := false
	deadline := time.Now().Add(e.t.AttendanceResponse)
	for time.Now().Before(deadline) {
		f, ok := e.receive(time.Until(deadline))
		if !ok {
			break
		}
		if e.leaderSaw(f) {
			return
		}
		if f.Action != frame.Response || e.self.Members.Find(f.FollowAddr) != nil {
			continue
		}
		track := member.TrackReserve
		if len(open) > 0 {
			track, open = open[0], open[1:]
		}
		e.self.Members.Add(f.FollowAddr, track)
		admitted = true
		e.metrics.SetMembers(e.self.Members.Len())
		e.journal.Record("admitted", f.FollowAddr, "")
		log.Printf("%#x: admitted %#x at track %d", e.self.Addr, f.FollowAddr, track)
	}

	if admitted {
		e.leaderSendList()
		if e.player.IsPlaying() {
			e.sendFrame(frame.NewSongJoin(e.self.LeaderStartedAt, e.self.Addr, e.self.SongIndex), e.t.SingleSend)
		}
	}
}

// leaderSendList broadcasts one N_LIST row per member, in insertion
// order; followers consume them in arrival order.
func (e *Engine) leaderSendList() {
	for _, peer := range e.self.Members.Peers() {
		if e.stop.Stopped() || e.err != nil {
			return
		}
		e.sendFrame(frame.NewList(peer.Addr, e.self.Addr, peer.Track), e.t.SingleSend)
		e.idle(e.t.SendListDelay)
	}
}

// leaderSaw applies the election tiebreak to any frame the leader hears:
// an ATTENDANCE from a strictly higher identifier wins, and this leader
// concedes. Returns true when the node just demoted itself.
func (e *Engine) leaderSaw(f frame.Frame) bool {
	if f.Action != frame.Attendance || f.LeaderAddr <= e.self.Addr {
		return false
	}
	log.Printf("%#x: heard leader %#x with a higher address, conceding", e.self.Addr, f.LeaderAddr)
	e.self.Role = node.Follower
	e.self.LeaderAddr = f.LeaderAddr
	e.player.Stop()
	e.display.Update(e.self.Role, e.self.Track)
	e.metrics.SetRole(false)
	e.metrics.Demoted()
	e.journal.Record("demoted", f.LeaderAddr, "")
	return true
}
