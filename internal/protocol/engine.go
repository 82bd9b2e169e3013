// Package protocol runs the group-synchronisation state machine: the
// startup listen, the leader duty cycle, the follower dispatch loop,
// elections, and the sync-start computation that aligns every box to
// the leader's start instant.
//
// The engine is single-threaded and cooperative. The only concurrent
// activity is the audio player (controlled through IsPlaying/Stop) and
// the stop flag, written by the UI or signal handler.
package protocol

import (
	"log"
	"math/rand/v2"
	"time"

	"github.com/dhilanpatel26/singing-boxes/internal/audio"
	"github.com/dhilanpatel26/singing-boxes/internal/catalog"
	"github.com/dhilanpatel26/singing-boxes/internal/clock"
	"github.com/dhilanpatel26/singing-boxes/internal/frame"
	"github.com/dhilanpatel26/singing-boxes/internal/journal"
	"github.com/dhilanpatel26/singing-boxes/internal/member"
	"github.com/dhilanpatel26/singing-boxes/internal/metrics"
	"github.com/dhilanpatel26/singing-boxes/internal/node"
	"github.com/dhilanpatel26/singing-boxes/internal/radio"
)

// Display is notified when the node's role or track changes. The real
// UI is external; LogDisplay is the built-in implementation.
type Display interface {
	Update(role node.Role, track int)
}

// LogDisplay reports role changes on the process log.
type LogDisplay struct{}

func (LogDisplay) Update(role node.Role, track int) {
	switch {
	case track == member.TrackReserve:
		log.Printf("display: %s (reserve)", role)
	case track == member.TrackUnassigned:
		log.Printf("display: %s (no track)", role)
	default:
		log.Printf("display: %s, track %d", role, track)
	}
}

// Options are the optional engine collaborators.
type Options struct {
	Display Display
	Journal *journal.Journal // nil disables journalling
	Metrics *metrics.Set     // nil disables metrics
	Timings *Timings         // nil means Default()
	Seed    uint64           // song-choice RNG seed; 0 picks one
}

// Engine is one node's protocol instance.
type Engine struct {
	self    *node.State
	port    radio.Port
	player  audio.Player
	cat     *catalog.Catalog
	stop    *clock.Flag
	display Display
	journal *journal.Journal
	metrics *metrics.Set
	t       Timings
	rng     *rand.Rand
	err     error
}

// New wires an engine. The catalog must already be scanned; its absence
// is the caller's hard failure.
func New(self *node.State, port radio.Port, player audio.Player, cat *catalog.Catalog, stop *clock.Flag, opts Options) *Engine {
	e := &Engine{
		self:    self,
		port:    port,
		player:  player,
		cat:     cat,
		stop:    stop,
		display: opts.Display,
		journal: opts.Journal,
		metrics: opts.Metrics,
		t:       Default(),
	}
	if opts.Timings != nil {
		e.t = *opts.Timings
	}
	if e.display == nil {
		e.display = LogDisplay{}
	}
	seed := opts.Seed
	if seed == 0 {
		seed = rand.Uint64()
	}
	e.rng = rand.New(rand.NewPCG(seed, self.Addr))
	return e
}

// Run executes the protocol until the stop flag is set, the node is the
// last one standing, or the PHY fails.
func (e *Engine) Run() error {
	e.startup()
	for !e.stop.Stopped() && e.err == nil {
		if e.self.IsLeader() {
			e.leaderRound()
		} else if !e.followerRound() {
			break
		}
	}
	e.player.Stop()
	return e.err
}

// startup is the power-on sequence: a passive listen, then either the
// join flow or self-election as leader of an empty channel.
func (e *Engine) startup() {
	log.Printf("%#x: listening for an existing leader", e.self.Addr)
	if f, ok := e.receive(e.t.WaitForAttendance); ok {
		e.followerJoin(f)
		return
	}
	if e.stop.Stopped() {
		return
	}
	log.Printf("%#x: nothing heard, taking leadership", e.self.Addr)
	e.self.Role = node.Leader
	e.self.Track = 0
	e.self.LeaderAddr = e.self.Addr
	e.self.Members.Add(e.self.Addr, 0)
	e.display.Update(e.self.Role, e.self.Track)
	e.metrics.SetRole(true)
	e.journal.Record("boot_leader", e.self.Addr, "")
	e.leaderAttendance()
}

// followerJoin holds out for an ATTENDANCE frame (other traffic proves a
// leader exists but cannot be answered), then runs the response flow.
func (e *Engine) followerJoin(f frame.Frame) {
	for f.Action != frame.Attendance {
		if e.stop.Stopped() || e.err != nil {
			return
		}
		log.Printf("%#x: traffic heard, waiting for an attendance beacon", e.self.Addr)
		if nf, ok := e.receive(e.t.AttendanceInner); ok {
			f = nf
		}
	}
	e.respondAttendance(f.LeaderAddr)
	e.journal.Record("boot_follower", f.LeaderAddr, "")
}

// respondAttendance records the leader, seats it at the head of the
// table with track 0, and bursts a RESPONSE so the leader can admit us.
func (e *Engine) respondAttendance(leader uint64) {
	e.self.Role = node.Follower
	e.self.LeaderAddr = leader
	if e.self.Members.Find(leader) == nil {
		e.self.Members.InsertFront(leader, 0)
	}
	e.sendFrame(frame.NewResponse(e.self.Addr, leader), e.t.AttendanceResponse)
	e.metrics.SetRole(false)
	e.display.Update(e.self.Role, e.self.Track)
}

// receive is the engine's single entry to the radio RX path.
func (e *Engine) receive(timeout time.Duration) (frame.Frame, bool) {
	f, ok, err := e.port.Receive(e.stop, timeout)
	if err != nil {
		e.fail(err)
		return frame.Frame{}, false
	}
	if ok {
		e.self.LastFrame = f
		e.metrics.FrameReceived(f.Action.String())
	}
	return f, ok
}

func (e *Engine) sendFrame(f frame.Frame, duration time.Duration) {
	e.metrics.FrameSent(f.Action.String())
	if err := e.port.Send(e.stop, f, duration); err != nil {
		e.fail(err)
	}
}

// fail records a PHY error and stops the loop. The radio contract treats
// these as fatal; a fresh port is needed afterwards.
func (e *Engine) fail(err error) {
	if e.err == nil {
		e.err = err
		log.Printf("%#x: radio failure: %v", e.self.Addr, err)
	}
	e.stop.Stop()
}

// idle sleeps unless a stop is already requested.
func (e *Engine) idle(d time.Duration) {
	if e.stop.Stopped() {
		return
	}
	time.Sleep(d)
}

// startAligned starts the local stem aligned to the leader's start
// instant: trim the elapsed time off the head if the instant has
// passed, or busy-wait for it. The decode time itself is measured and
// trimmed inside the player.
func (e *Engine) startAligned(startMillis int64) {
	path, err := e.cat.StemPath(e.self.SongIndex, e.self.Track)
	if err != nil {
		// The local catalog cannot produce this stem; fall back to
		// reserve silently and keep the song context for a later song.
		log.Printf("%#x: %v; standing by as reserve", e.self.Addr, err)
		e.demoteToReserve()
		return
	}
	now := clock.NowMillis()
	if now >= startMillis {
		skip := time.Duration(now-startMillis) * time.Millisecond
		if err := e.player.Start(path, skip); err != nil {
			log.Printf("%#x: playback: %v", e.self.Addr, err)
			return
		}
	} else {
		clock.BusyWaitUntil(startMillis)
		if err := e.player.Start(path, 0); err != nil {
			log.Printf("%#x: playback: %v", e.self.Addr, err)
			return
		}
	}
	e.metrics.SetTrack(e.self.Track)
	e.journal.Record("playing", e.self.Addr, path)
}

func (e *Engine) demoteToReserve() {
	e.self.Track = member.TrackReserve
	e.self.Members.UpdateTrack(e.self.Addr, member.TrackReserve)
	e.display.Update(e.self.Role, e.self.Track)
}

// promoteFirstReserve moves the earliest-inserted reserve into the
// lowest unused track. Returns the promoted row, or nil when there is
// no reserve or no free track.
func (e *Engine) promoteFirstReserve() *member.Peer {
	unused := e.self.Members.UnusedTracks()
	if len(unused) == 0 {
		return nil
	}
	res := e.self.Members.FirstReserve()
	if res == nil {
		return nil
	}
	res.Track = unused[0]
	e.journal.Record("promoted", res.Addr, "")
	return res
}

// promoteAfterVacancy runs reserve promotion after a real track frees
// up. If this node is the promoted reserve it also recovers playback
// in-place, aligned to the stored song context.
func (e *Engine) promoteAfterVacancy() {
	res := e.promoteFirstReserve()
	if res == nil || res.Addr != e.self.Addr {
		return
	}
	e.self.Track = res.Track
	e.display.Update(e.self.Role, e.self.Track)
	if e.self.LeaderStartedAt > 0 && e.self.SongIndex >= 0 {
		e.startAligned(e.self.LeaderStartedAt)
	}
}
