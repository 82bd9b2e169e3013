package protocol

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/dhilanpatel26/singing-boxes/internal/audio"
	"github.com/dhilanpatel26/singing-boxes/internal/catalog"
	"github.com/dhilanpatel26/singing-boxes/internal/clock"
	"github.com/dhilanpatel26/singing-boxes/internal/frame"
	"github.com/dhilanpatel26/singing-boxes/internal/member"
	"github.com/dhilanpatel26/singing-boxes/internal/node"
)

// scriptPort feeds queued frames to Receive and records every Send,
// with no real airtime: sends return immediately and an empty queue is
// an instant timeout. That makes election and eviction paths run at
// test speed while exercising the same engine code.
type scriptPort struct {
	mu   sync.Mutex
	in   []frame.Frame
	sent []sentFrame
}

type sentFrame struct {
	f frame.Frame
	d time.Duration
}

func (p *scriptPort) Send(_ *clock.Flag, f frame.Frame, d time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sent = append(p.sent, sentFrame{f: f, d: d})
	return nil
}

func (p *scriptPort) Receive(_ *clock.Flag, _ time.Duration) (frame.Frame, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.in) == 0 {
		return frame.Frame{}, false, nil
	}
	f := p.in[0]
	p.in = p.in[1:]
	return f, true, nil
}

func (p *scriptPort) Close() error { return nil }

func (p *scriptPort) queue(frames ...frame.Frame) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.in = append(p.in, frames...)
}

func (p *scriptPort) sentActions() []frame.Action {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]frame.Action, len(p.sent))
	for i, s := range p.sent {
		out[i] = s.f.Action
	}
	return out
}

func (p *scriptPort) lastSent(a frame.Action) (frame.Frame, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := len(p.sent) - 1; i >= 0; i-- {
		if p.sent[i].f.Action == a {
			return p.sent[i].f, true
		}
	}
	return frame.Frame{}, false
}

func testCatalog(t *testing.T, stemsPerSong ...int) *catalog.Catalog {
	t.Helper()
	dir := t.TempDir()
	names := []string{"aria", "ballad", "chorale", "duet"}
	for i, n := range stemsPerSong {
		song := filepath.Join(dir, names[i])
		if err := os.MkdirAll(song, 0o755); err != nil {
			t.Fatal(err)
		}
		for s := 0; s < n; s++ {
			path := filepath.Join(song, string(rune('a'+s))+".flac")
			if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
				t.Fatal(err)
			}
		}
	}
	c, err := catalog.Scan(dir)
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func testEngine(t *testing.T, addr uint64, stemsPerSong ...int) (*Engine, *scriptPort, *audio.Silent) {
	t.Helper()
	if len(stemsPerSong) == 0 {
		stemsPerSong = []int{3}
	}
	port := &scriptPort{}
	player := &audio.Silent{}
	timings := Scaled(100)
	e := New(node.New(addr, DefaultFleetSize), port, player, testCatalog(t, stemsPerSong...),
		&clock.Flag{}, Options{Timings: &timings, Seed: 7})
	return e, port, player
}

const (
	addrA = uint64(0xAA0000000001)
	addrB = uint64(0xBB0000000002)
	addrC = uint64(0xCC0000000003)
	addrD = uint64(0xDD0000000004)
)

// Scenario: solo boot on silent air ends in leadership with self seated
// at track 0 and an attendance beacon on the air.
func TestSoloBootBecomesLeader(t *testing.T) {
	e, port, _ := testEngine(t, 0x010203040506)
	e.startup()

	if !e.self.IsLeader() {
		t.Fatal("silent boot should end as leader")
	}
	if p := e.self.Members.Find(0x010203040506); p == nil || p.Track != 0 {
		t.Fatalf("leader must seat itself at track 0, got %+v", p)
	}
	f, ok := port.lastSent(frame.Attendance)
	if !ok {
		t.Fatal("no attendance beacon sent")
	}
	if f.LeaderAddr != 0x010203040506 {
		t.Fatalf("beacon leader addr: got %#x", f.LeaderAddr)
	}
}

// Scenario: boot into an active fleet waits for the beacon, responds,
// and seats the leader at row 0 with track 0.
func TestBootIntoFleetJoinsAsFollower(t *testing.T) {
	e, port, _ := testEngine(t, addrB)
	port.queue(
		frame.NewCheckIn(addrC, addrA), // any traffic proves a leader exists
		frame.NewAttendance(addrA),
	)
	e.startup()

	if e.self.IsLeader() {
		t.Fatal("should join as follower")
	}
	if e.self.LeaderAddr != addrA {
		t.Fatalf("leader addr: got %#x", e.self.LeaderAddr)
	}
	rows := e.self.Members.Peers()
	if len(rows) == 0 || rows[0].Addr != addrA || rows[0].Track != 0 {
		t.Fatalf("leader must head the table at track 0, got %+v", rows)
	}
	resp, ok := port.lastSent(frame.Response)
	if !ok {
		t.Fatal("no response sent")
	}
	if resp.FollowAddr != addrB || resp.LeaderAddr != addrA {
		t.Fatalf("response fields: %s", resp)
	}
}

// Scenario: the leader admits an unknown responder at the first free
// track, then broadcasts the list and (mid-song) a SONG_JOIN.
func TestLeaderAdmitsNewcomer(t *testing.T) {
	e, port, player := testEngine(t, addrA)
	e.startup() // silent air: leader at track 0
	player.Start("stem", 0)
	e.self.LeaderStartedAt = clock.NowMillis() - 1000
	e.self.SongIndex = 0

	port.queue(frame.NewResponse(addrB, addrA))
	e.leaderAttendance()

	p := e.self.Members.Find(addrB)
	if p == nil || p.Track != 1 {
		t.Fatalf("newcomer should take track 1, got %+v", p)
	}
	lists := 0
	for _, a := range port.sentActions() {
		if a == frame.NList {
			lists++
		}
	}
	if lists != 2 {
		t.Fatalf("expected one N_LIST row per member, got %d", lists)
	}
	sj, ok := port.lastSent(frame.SongJoin)
	if !ok {
		t.Fatal("mid-song admission must be followed by SONG_JOIN")
	}
	if sj.StartMillis() != e.self.LeaderStartedAt || sj.Options != 0 {
		t.Fatalf("SONG_JOIN payload: %s", sj)
	}
}

// Scenario: a full track universe turns newcomers into reserves.
func TestLeaderAdmitsReserveWhenTracksFull(t *testing.T) {
	e, port, _ := testEngine(t, addrA, 2)
	e.startup()
	e.self.Members.UpdateNumTracks(2)
	e.self.Members.Add(addrB, 1)

	port.queue(frame.NewResponse(addrC, addrA))
	e.leaderAttendance()

	if p := e.self.Members.Find(addrC); p == nil || p.Track != member.TrackReserve {
		t.Fatalf("newcomer should be a reserve, got %+v", p)
	}
}

// Eviction threshold: MAX-1 misses then a response does not evict; the
// next miss does, and the DELETE goes on the air.
func TestEvictionThreshold(t *testing.T) {
	e, port, _ := testEngine(t, addrA)
	e.startup()
	e.self.Members.Add(addrB, 1)

	e.leaderCheckIn() // miss 1
	if p := e.self.Members.Find(addrB); p == nil || p.Missed != 1 {
		t.Fatalf("after first miss: %+v", p)
	}
	if _, ok := port.lastSent(frame.Delete); ok {
		t.Fatal("one miss must not evict")
	}

	port.queue(frame.NewResponse(addrB, addrA))
	e.leaderCheckIn() // responds: no increment, still present
	if p := e.self.Members.Find(addrB); p == nil || p.Missed != 1 {
		t.Fatalf("after response: %+v", p)
	}

	e.leaderCheckIn() // miss 2: threshold reached
	if e.self.Members.Find(addrB) != nil {
		t.Fatal("peer should be evicted at the miss threshold")
	}
	del, ok := port.lastSent(frame.Delete)
	if !ok {
		t.Fatal("eviction must broadcast DELETE")
	}
	if del.FollowAddr != addrB {
		t.Fatalf("DELETE addressee: %s", del)
	}
}

// Eviction of a track holder promotes the first reserve in insertion
// order into the vacated index.
func TestEvictionPromotesFirstReserve(t *testing.T) {
	e, _, _ := testEngine(t, addrA)
	e.startup()
	e.self.Members.UpdateNumTracks(2)
	b := e.self.Members.Add(addrB, 1)
	e.self.Members.Add(addrC, member.TrackReserve)
	e.self.Members.Add(addrD, member.TrackReserve)

	e.evict(b)

	if p := e.self.Members.Find(addrC); p == nil || p.Track != 1 {
		t.Fatalf("first reserve should take track 1, got %+v", p)
	}
	if p := e.self.Members.Find(addrD); p == nil || p.Track != member.TrackReserve {
		t.Fatalf("second reserve must stay reserve, got %+v", p)
	}
}

// Two-leader collision: the lower-addressed leader concedes on hearing
// the higher one's beacon and stops its audio; the higher stays put.
func TestLeaderTiebreak(t *testing.T) {
	e, _, player := testEngine(t, addrA)
	e.startup()
	player.Start("stem", 0)

	if e.leaderSaw(frame.NewAttendance(addrB)) != true {
		t.Fatal("higher-addressed beacon must demote")
	}
	if e.self.IsLeader() || e.self.LeaderAddr != addrB {
		t.Fatalf("after concession: role=%v leader=%#x", e.self.Role, e.self.LeaderAddr)
	}
	if player.IsPlaying() {
		t.Fatal("conceding leader must stop its audio")
	}

	e2, _, _ := testEngine(t, addrB)
	e2.startup()
	if e2.leaderSaw(frame.NewAttendance(addrA)) {
		t.Fatal("lower-addressed beacon must not demote")
	}
	if !e2.self.IsLeader() {
		t.Fatal("higher leader must stay leader")
	}
}

// Election determinism: every survivor computes the same new leader —
// the maximum identifier — and only that node takes the role.
func TestElectionDeterminism(t *testing.T) {
	seats := func(e *Engine) {
		e.self.Members.Add(addrA, 0)
		e.self.Members.Add(addrB, 1)
		e.self.Members.Add(addrC, 2)
		e.self.LeaderAddr = addrA
		e.self.Members.UpdateNumTracks(3)
	}

	b, _, _ := testEngine(t, addrB)
	b.self.Track = 1
	seats(b)
	c, _, _ := testEngine(t, addrC)
	c.self.Track = 2
	seats(c)

	b.election()
	c.election()

	if b.self.LeaderAddr != addrC || c.self.LeaderAddr != addrC {
		t.Fatalf("survivors disagree: b→%#x c→%#x", b.self.LeaderAddr, c.self.LeaderAddr)
	}
	if b.self.IsLeader() {
		t.Fatal("middle address must stay follower")
	}
	if !c.self.IsLeader() {
		t.Fatal("highest address must take over")
	}
}

// A reserve that survives an election is promoted into the dead
// leader's track and recovers playback from the stored song context.
func TestElectionPromotesReserve(t *testing.T) {
	e, _, player := testEngine(t, addrB, 2)
	e.self.Members.Add(addrA, 0)
	e.self.Members.Add(addrC, 1)
	e.self.Members.Add(addrB, member.TrackReserve)
	e.self.Members.UpdateNumTracks(2)
	e.self.Track = member.TrackReserve
	e.self.LeaderAddr = addrA
	e.self.SongIndex = 0
	e.self.LeaderStartedAt = clock.NowMillis() - 2000

	e.election()

	if e.self.Track != 0 {
		t.Fatalf("reserve should take the vacated track 0, got %d", e.self.Track)
	}
	starts := player.Starts()
	if len(starts) != 1 {
		t.Fatalf("promotion should start playback, got %d starts", len(starts))
	}
	if starts[0].Skip < 1900*time.Millisecond {
		t.Fatalf("late-join trim too small: %v", starts[0].Skip)
	}
}

// Self-delete recovery: a wrongly evicted follower clears its track,
// stops audio, and answers the very next attendance beacon.
func TestSelfDeleteRecovery(t *testing.T) {
	e, port, player := testEngine(t, addrD)
	e.self.Role = node.Follower
	e.self.LeaderAddr = addrA
	e.self.Track = 1
	e.self.Members.Add(addrA, 0)
	e.self.Members.Add(addrD, 1)
	player.Start("stem", 0)

	port.queue(frame.NewDelete(addrD, addrA))
	e.followerRound()

	if e.self.Track != member.TrackUnassigned {
		t.Fatalf("track after self-delete: %d", e.self.Track)
	}
	if player.IsPlaying() {
		t.Fatal("audio must stop on self-delete")
	}

	port.queue(frame.NewAttendance(addrA))
	e.followerRound()
	resp, ok := port.lastSent(frame.Response)
	if !ok || resp.FollowAddr != addrD {
		t.Fatal("evicted node must answer the next attendance")
	}
}

// DELETE of a track holder: the observing reserve adopts the freed
// track and starts playing, trimmed against the stored start instant.
func TestDeletePromotesObservingReserve(t *testing.T) {
	e, _, player := testEngine(t, addrC, 2)
	e.self.Role = node.Follower
	e.self.LeaderAddr = addrA
	e.self.Track = member.TrackReserve
	e.self.Members.Add(addrA, 0)
	e.self.Members.Add(addrB, 1)
	e.self.Members.Add(addrC, member.TrackReserve)
	e.self.Members.UpdateNumTracks(2)
	e.self.SongIndex = 0
	e.self.LeaderStartedAt = clock.NowMillis() - 1500

	e.followerDelete(addrB)

	if e.self.Track != 1 {
		t.Fatalf("reserve should adopt track 1, got %d", e.self.Track)
	}
	if len(player.Starts()) != 1 {
		t.Fatal("promoted reserve should recover playback in place")
	}
}

// Deleting a reserve must not reshuffle anyone.
func TestDeleteOfReserveDoesNotPromote(t *testing.T) {
	e, _, _ := testEngine(t, addrC, 2)
	e.self.Role = node.Follower
	e.self.LeaderAddr = addrA
	e.self.Track = member.TrackReserve
	e.self.Members.Add(addrA, 0)
	e.self.Members.Add(addrB, member.TrackReserve)
	e.self.Members.Add(addrC, member.TrackReserve)
	e.self.Members.UpdateNumTracks(2)

	e.followerDelete(addrB)

	if e.self.Track != member.TrackReserve {
		t.Fatal("no track was vacated; nobody should be promoted")
	}
}

// N_LIST handling: admit unknowns, correct moved tracks, adopt own row.
func TestFollowerList(t *testing.T) {
	e, _, _ := testEngine(t, addrB)
	e.self.Role = node.Follower
	e.self.LeaderAddr = addrA
	e.self.Members.Add(addrA, 0)

	e.followerList(frame.NewList(addrC, addrA, 2))
	if p := e.self.Members.Find(addrC); p == nil || p.Track != 2 {
		t.Fatalf("unknown list entry must be admitted, got %+v", p)
	}

	e.followerList(frame.NewList(addrC, addrA, member.TrackReserve))
	if p := e.self.Members.Find(addrC); p.Track != member.TrackReserve {
		t.Fatalf("track change must be applied, got %+v", p)
	}

	e.followerList(frame.NewList(addrB, addrA, 1))
	if e.self.Track != 1 {
		t.Fatalf("own row must set own track, got %d", e.self.Track)
	}
}

// SONG with a start instant in the past trims the elapsed time off the
// head of the stem.
func TestSongStartLateJoinTrims(t *testing.T) {
	e, _, player := testEngine(t, addrB)
	e.self.Role = node.Follower
	e.self.LeaderAddr = addrA
	e.self.Track = 1

	start := clock.NowMillis() - 1500
	e.followerSongStart(frame.NewSong(start, addrA, 0))

	starts := player.Starts()
	if len(starts) != 1 {
		t.Fatalf("expected one playback start, got %d", len(starts))
	}
	if starts[0].Skip < 1500*time.Millisecond || starts[0].Skip > 2500*time.Millisecond {
		t.Fatalf("trim: got %v, want ≈1.5s", starts[0].Skip)
	}
	if e.self.LeaderStartedAt != start || e.self.SongIndex != 0 {
		t.Fatal("song context must be recorded")
	}
}

// SONG with a future start instant busy-waits and starts untrimmed.
func TestSongStartFutureWaits(t *testing.T) {
	e, _, player := testEngine(t, addrB)
	e.self.Role = node.Follower
	e.self.LeaderAddr = addrA
	e.self.Track = 0

	start := clock.NowMillis() + 60
	before := time.Now()
	e.followerSongStart(frame.NewSong(start, addrA, 0))

	if waited := time.Since(before); waited < 50*time.Millisecond {
		t.Fatalf("did not wait for the start instant (%v)", waited)
	}
	starts := player.Starts()
	if len(starts) != 1 || starts[0].Skip != 0 {
		t.Fatalf("future start must be untrimmed, got %+v", starts)
	}
}

// A track beyond the song's stem count demotes the node to reserve
// without touching the player.
func TestSongStartOutOfRangeDemotes(t *testing.T) {
	e, _, player := testEngine(t, addrB, 2)
	e.self.Role = node.Follower
	e.self.LeaderAddr = addrA
	e.self.Track = 5

	e.followerSongStart(frame.NewSong(clock.NowMillis(), addrA, 0))

	if e.self.Track != member.TrackReserve {
		t.Fatalf("out-of-range track must demote to reserve, got %d", e.self.Track)
	}
	if len(player.Starts()) != 0 {
		t.Fatal("no playback expected")
	}
}

// SONG_JOIN is only for late joiners: a playing node ignores it.
func TestSongJoinIgnoredWhilePlaying(t *testing.T) {
	e, port, player := testEngine(t, addrB)
	e.self.Role = node.Follower
	e.self.LeaderAddr = addrA
	e.self.Track = 0
	e.self.Members.Add(addrA, 0)
	player.Start("stem", 0)

	port.queue(frame.NewSongJoin(clock.NowMillis()-500, addrA, 0))
	e.followerRound()

	if len(player.Starts()) != 1 {
		t.Fatal("SONG_JOIN must not restart a playing stem")
	}
}

// Frames from a foreign leader are dropped, except the attendance that
// lets an evicted node rejoin.
func TestForeignLeaderFiltered(t *testing.T) {
	e, port, _ := testEngine(t, addrB)
	e.self.Role = node.Follower
	e.self.LeaderAddr = addrA
	e.self.Track = 1
	e.self.Members.Add(addrA, 0)

	port.queue(frame.NewList(addrC, addrD, 2)) // foreign leader
	e.followerRound()
	if e.self.Members.Find(addrC) != nil {
		t.Fatal("foreign N_LIST must be discarded")
	}

	e.self.Track = member.TrackUnassigned
	port.queue(frame.NewAttendance(addrD))
	e.followerRound()
	if e.self.LeaderAddr != addrD {
		t.Fatal("an unassigned node must follow any leader's attendance")
	}
}

// CHECK_IN addressed to this node draws a delayed RESPONSE; one for a
// different node draws nothing.
func TestCheckInResponse(t *testing.T) {
	e, port, _ := testEngine(t, addrB)
	e.self.Role = node.Follower
	e.self.LeaderAddr = addrA
	e.self.Track = 1
	e.self.Members.Add(addrA, 0)

	port.queue(frame.NewCheckIn(addrC, addrA))
	e.followerRound()
	if _, ok := port.lastSent(frame.Response); ok {
		t.Fatal("check-in for another node must not be answered")
	}

	port.queue(frame.NewCheckIn(addrB, addrA))
	e.followerRound()
	resp, ok := port.lastSent(frame.Response)
	if !ok {
		t.Fatal("check-in for this node must be answered")
	}
	if resp.FollowAddr != addrB || resp.LeaderAddr != addrA {
		t.Fatalf("response fields: %s", resp)
	}
}

// Reserved opcodes are ignored without side effects.
func TestReservedOpcodesIgnored(t *testing.T) {
	e, port, _ := testEngine(t, addrB)
	e.self.Role = node.Follower
	e.self.LeaderAddr = addrA
	e.self.Track = 1
	e.self.Members.Add(addrA, 0)

	before := e.self.Members.Len()
	port.queue(
		frame.Frame{Action: frame.FirstList, LeaderAddr: addrA},
		frame.Frame{Action: frame.NewLeader, LeaderAddr: addrA},
	)
	e.followerRound()
	e.followerRound()
	if e.self.Members.Len() != before {
		t.Fatal("reserved opcodes must be inert")
	}
	if len(port.sentActions()) != 0 {
		t.Fatal("reserved opcodes must not draw replies")
	}
}

// A follower alone on a dead channel exits instead of electing itself.
func TestLastNodeStandingExits(t *testing.T) {
	e, _, _ := testEngine(t, addrB)
	e.self.Role = node.Follower
	e.self.LeaderAddr = addrA

	if e.followerRound() {
		t.Fatal("empty table on silence should exit the loop")
	}
}

// A leader that carried its old track into a shorter song is demoted
// like any other peer would be, then re-seated into a valid track at
// the song boundary instead of going silent for good.
func TestLeaderSongStartDemotesOutOfRangeTrack(t *testing.T) {
	e, port, player := testEngine(t, addrC, 2)
	e.self.Role = node.Leader
	e.self.LeaderAddr = addrC
	e.self.Track = 5 // won an election while holding track 5 of a bigger song
	e.self.Members.Add(addrB, 0)
	e.self.Members.Add(addrC, 5)
	e.self.Members.UpdateNumTracks(6)

	e.leaderSongStart()

	if e.self.Track != 1 {
		t.Fatalf("leader should re-seat into the free track 1, got %d", e.self.Track)
	}
	if p := e.self.Members.Find(addrC); p == nil || p.Track != 1 {
		t.Fatalf("own table row must follow the re-seat, got %+v", p)
	}
	if _, ok := port.lastSent(frame.Song); !ok {
		t.Fatal("no SONG broadcast")
	}
	if len(player.Starts()) != 1 {
		t.Fatal("re-seated leader should start its own stem")
	}
}

// The leader's song round seats a trackless (election-promoted) leader
// and broadcasts the start instant roughly SongStartOffset out.
func TestLeaderSongStartSeatsTracklessLeader(t *testing.T) {
	e, port, player := testEngine(t, addrC, 3)
	e.self.Role = node.Leader
	e.self.LeaderAddr = addrC
	e.self.Track = member.TrackReserve
	e.self.Members.Add(addrB, 0)
	e.self.Members.Add(addrC, member.TrackReserve)
	e.self.Members.UpdateNumTracks(3)

	before := clock.NowMillis()
	e.leaderSongStart()

	if !e.self.HasTrack() {
		t.Fatal("song start must seat a trackless leader")
	}
	song, ok := port.lastSent(frame.Song)
	if !ok {
		t.Fatal("no SONG broadcast")
	}
	offset := song.StartMillis() - before
	if offset < e.t.SongStartOffset.Milliseconds()-100 || offset > e.t.SongStartOffset.Milliseconds()+1000 {
		t.Fatalf("start offset: got %dms", offset)
	}
	if len(player.Starts()) != 1 {
		t.Fatal("leader should start its own stem")
	}
	if e.self.LeaderStartedAt != song.StartMillis() {
		t.Fatal("recorded start must match the broadcast")
	}
}
