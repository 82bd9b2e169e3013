// Package metrics exposes the protocol's counters and a small status
// endpoint for checking on a box without walking over to it. A nil *Set
// is a valid no-op so the engine never guards its calls.
package metrics

import (
	"encoding/json"
	"log"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Set holds the protocol collectors.
type Set struct {
	framesTx      *prometheus.CounterVec
	framesRx      *prometheus.CounterVec
	checkInMisses prometheus.Counter
	evictions     prometheus.Counter
	elections     prometheus.Counter
	demotions     prometheus.Counter
	role          prometheus.Gauge
	members       prometheus.Gauge
	track         prometheus.Gauge

	// mirrored for /status.json
	isLeader  atomic.Bool
	numPeers  atomic.Int64
	ownTrack  atomic.Int64
}

// New registers the collectors on a fresh registry and returns the set
// plus the registry to serve.
func New() (*Set, *prometheus.Registry) {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	s := &Set{
		framesTx: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "singingbox_frames_tx_total",
			Help: "Frames transmitted, by opcode.",
		}, []string{"action"}),
		framesRx: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "singingbox_frames_rx_total",
			Help: "Valid frames received, by opcode.",
		}, []string{"action"}),
		checkInMisses: factory.NewCounter(prometheus.CounterOpts{
			Name: "singingbox_checkin_misses_total",
			Help: "Check-in probes that went unanswered.",
		}),
		evictions: factory.NewCounter(prometheus.CounterOpts{
			Name: "singingbox_evictions_total",
			Help: "Peers evicted after exceeding the miss threshold.",
		}),
		elections: factory.NewCounter(prometheus.CounterOpts{
			Name: "singingbox_elections_total",
			Help: "Elections run after leader silence.",
		}),
		demotions: factory.NewCounter(prometheus.CounterOpts{
			Name: "singingbox_demotions_total",
			Help: "Times this node conceded leadership to a higher address.",
		}),
		role: factory.NewGauge(prometheus.GaugeOpts{
			Name: "singingbox_is_leader",
			Help: "1 while this node leads the fleet.",
		}),
		members: factory.NewGauge(prometheus.GaugeOpts{
			Name: "singingbox_members",
			Help: "Peers in the membership table.",
		}),
		track: factory.NewGauge(prometheus.GaugeOpts{
			Name: "singingbox_track",
			Help: "Currently assigned track index (-1 reserve, -2 unassigned).",
		}),
	}
	s.ownTrack.Store(-2)
	return s, reg
}

func (s *Set) FrameSent(action string) {
	if s != nil {
		s.framesTx.WithLabelValues(action).Inc()
	}
}

func (s *Set) FrameReceived(action string) {
	if s != nil {
		s.framesRx.WithLabelValues(action).Inc()
	}
}

func (s *Set) CheckInMissed() {
	if s != nil {
		s.checkInMisses.Inc()
	}
}

func (s *Set) Evicted() {
	if s != nil {
		s.evictions.Inc()
	}
}

func (s *Set) Election() {
	if s != nil {
		s.elections.Inc()
	}
}

func (s *Set) Demoted() {
	if s != nil {
		s.demotions.Inc()
	}
}

func (s *Set) SetRole(leader bool) {
	if s == nil {
		return
	}
	if leader {
		s.role.Set(1)
	} else {
		s.role.Set(0)
	}
	s.isLeader.Store(leader)
}

func (s *Set) SetMembers(n int) {
	if s == nil {
		return
	}
	s.members.Set(float64(n))
	s.numPeers.Store(int64(n))
}

func (s *Set) SetTrack(track int) {
	if s == nil {
		return
	}
	s.track.Set(float64(track))
	s.ownTrack.Store(int64(track))
}

// Status is the /status.json document.
type Status struct {
	Addr     string `json:"addr"`
	IsLeader bool   `json:"is_leader"`
	Members  int64  `json:"members"`
	Track    int64  `json:"track"`
}

// Serve exposes /metrics and /status.json on addr in the background.
func Serve(addr, nodeAddr string, s *Set, reg *prometheus.Registry) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/status.json", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(Status{
			Addr:     nodeAddr,
			IsLeader: s.isLeader.Load(),
			Members:  s.numPeers.Load(),
			Track:    s.ownTrack.Load(),
		})
	})
	go func() {
		log.Printf("metrics listening on %s", addr)
		if err := http.ListenAndServe(addr, mux); err != nil {
			log.Printf("metrics: %v", err)
		}
	}()
}
