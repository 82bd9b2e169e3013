package protocol

import "time"

// The protocol's timing constants. Values are fleet-wide: every box must
// run the same numbers or check-in windows and listen thresholds drift
// apart.
const (
	// WaitForAttendance is the passive listen on power-on before a node
	// declares itself leader.
	WaitForAttendance = 2 * time.Second
	// AttendanceResponse bounds both the follower's RESPONSE send burst
	// and the leader's admission listen after a beacon.
	AttendanceResponse = 1500 * time.Millisecond
	// SendListDelay spaces consecutive N_LIST rows.
	SendListDelay = 100 * time.Millisecond
	// WaitForCheckInResponse is how long the leader waits on each probe.
	WaitForCheckInResponse = 1500 * time.Millisecond
	// CheckInResponse is the follower's reply burst to a CHECK_IN.
	CheckInResponse = time.Second
	// CheckInDelay idles the leader between probes, and delays the
	// follower's reply so it does not race the leader's own send.
	CheckInDelay = 500 * time.Millisecond
	// FollowerListen is the silence threshold that triggers an election.
	FollowerListen = 4 * time.Second
	// SingleSend is the baseline repeated-send burst.
	SingleSend = 500 * time.Millisecond
	// SongStartOffset is how far in the future the leader schedules a
	// song start, leaving room for the broadcast to land.
	SongStartOffset = 2 * time.Second
	// attendanceInner bounds each wait while holding out for an
	// ATTENDANCE frame during the join flow.
	attendanceInner = 5 * time.Second

	// MaxMissedCheckIns is the eviction threshold; two misses absorb
	// ordinary packet loss on the noisy channel.
	MaxMissedCheckIns = 2

	// DefaultFleetSize sizes the membership table before the first song
	// fixes the real track universe.
	DefaultFleetSize = 8
)

// Timings carries the constants above so simulations and tests can run
// the protocol at compressed time scales. Real nodes use Default().
type Timings struct {
	WaitForAttendance      time.Duration
	AttendanceResponse     time.Duration
	SendListDelay          time.Duration
	WaitForCheckInResponse time.Duration
	CheckInResponse        time.Duration
	CheckInDelay           time.Duration
	FollowerListen         time.Duration
	SingleSend             time.Duration
	SongStartOffset        time.Duration
	AttendanceInner        time.Duration
}

// Default returns the fleet-wide timing constants.
func Default() Timings {
	return Timings{
		WaitForAttendance:      WaitForAttendance,
		AttendanceResponse:     AttendanceResponse,
		SendListDelay:          SendListDelay,
		WaitForCheckInResponse: WaitForCheckInResponse,
		CheckInResponse:        CheckInResponse,
		CheckInDelay:           CheckInDelay,
		FollowerListen:         FollowerListen,
		SingleSend:             SingleSend,
		SongStartOffset:        SongStartOffset,
		AttendanceInner:        attendanceInner,
	}
}

// Scaled returns the constants divided by f, for simulations that
// should not take wall-clock minutes.
func Scaled(f int) Timings {
	t := Default()
	t.WaitForAttendance /= time.Duration(f)
	t.AttendanceResponse /= time.Duration(f)
	t.SendListDelay /= time.Duration(f)
	t.WaitForCheckInResponse /= time.Duration(f)
	t.CheckInResponse /= time.Duration(f)
	t.CheckInDelay /= time.Duration(f)
	t.FollowerListen /= time.Duration(f)
	t.SingleSend /= time.Duration(f)
	t.SongStartOffset /= time.Duration(f)
	t.AttendanceInner /= time.Duration(f)
	return t
}
