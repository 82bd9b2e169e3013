// Command singing-box runs one node of the self-organising music fleet:
// it brings up the CC1101, scans the song catalog, and joins (or
// founds) the group, playing its assigned stem in sync with the others.
//
// With --sim N it instead runs N nodes in-process over a loopback
// channel, for protocol work without hardware.
package main

import (
	"fmt"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	flag "github.com/spf13/pflag"

	"github.com/dhilanpatel26/singing-boxes/internal/audio"
	"github.com/dhilanpatel26/singing-boxes/internal/catalog"
	"github.com/dhilanpatel26/singing-boxes/internal/clock"
	"github.com/dhilanpatel26/singing-boxes/internal/config"
	"github.com/dhilanpatel26/singing-boxes/internal/journal"
	"github.com/dhilanpatel26/singing-boxes/internal/metrics"
	"github.com/dhilanpatel26/singing-boxes/internal/node"
	"github.com/dhilanpatel26/singing-boxes/internal/protocol"
	"github.com/dhilanpatel26/singing-boxes/internal/radio"
)

func main() {
	configFile := flag.String("config", "", "YAML config file")
	envFile := flag.String("env", ".env", "env file")
	songsDir := flag.String("songs", "", "song catalog directory (overrides config)")
	addrOverride := flag.String("addr", "", "node identifier override (hex or MAC form)")
	silent := flag.Bool("silent", false, "run without an audio device")
	simNodes := flag.Int("sim", 0, "run N simulated nodes over a loopback channel")
	simLoss := flag.Float64("sim-loss", 0, "simulated per-delivery frame loss (0..1)")
	simScale := flag.Int("sim-scale", 4, "divide protocol timings by this factor in --sim mode")
	flag.Parse()

	if err := config.LoadEnvFile(*envFile); err != nil {
		log.Fatalf("env file: %v", err)
	}
	cfg := config.Load()
	if *configFile != "" {
		if err := cfg.MergeFile(*configFile); err != nil {
			log.Fatal(err)
		}
	}
	if *songsDir != "" {
		cfg.SongsDir = *songsDir
	}

	cat, err := catalog.Scan(cfg.SongsDir)
	if err != nil {
		// Catalog absence is the one hard failure: a box with no stems
		// cannot take part in the performance.
		log.Fatal(err)
	}
	log.Printf("catalog: %d songs under %s", cat.NumSongs(), cfg.SongsDir)
	if cfg.CatalogSnapshot != "" {
		if err := cat.Save(cfg.CatalogSnapshot); err != nil {
			log.Printf("catalog snapshot: %v", err)
		}
	}

	var stop clock.Flag
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sig
		log.Printf("stopping")
		stop.Stop()
	}()

	if *simNodes > 0 {
		runSim(cat, &stop, *simNodes, *simLoss, *simScale)
		return
	}

	addr, err := nodeAddr(cfg.NodeAddr, *addrOverride)
	if err != nil {
		log.Fatal(err)
	}
	log.Printf("node %#x", addr)

	port, err := radio.NewCC1101(radio.CC1101Config{
		SPIDev:   cfg.SPIDev,
		GPIOChip: cfg.GPIOChip,
		GDO0Line: cfg.GDO0Line,
	})
	if err != nil {
		log.Fatal(err)
	}
	defer port.Close()

	var player audio.Player = audio.NewDevice()
	if *silent {
		player = &audio.Silent{}
	}

	opts := protocol.Options{}
	if cfg.JournalPath != "" {
		j, err := journal.Open(cfg.JournalPath)
		if err != nil {
			log.Fatal(err)
		}
		defer j.Close()
		opts.Journal = j
	}
	if cfg.HTTPAddr != "" {
		set, reg := metrics.New()
		metrics.Serve(cfg.HTTPAddr, fmt.Sprintf("%012x", addr), set, reg)
		opts.Metrics = set
	}

	engine := protocol.New(node.New(addr, protocol.DefaultFleetSize), port, player, cat, &stop, opts)
	if err := engine.Run(); err != nil {
		log.Fatal(err)
	}
}

// nodeAddr resolves the identifier: flag beats config beats the NIC.
func nodeAddr(cfgAddr, flagAddr string) (uint64, error) {
	if flagAddr != "" {
		return node.ParseAddr(flagAddr)
	}
	if cfgAddr != "" {
		return node.ParseAddr(cfgAddr)
	}
	return node.LocalAddr()
}

// runSim drives n engines over one shared loopback channel. Each node
// gets a distinct synthetic address; staggered startup keeps them from
// all claiming leadership in the same silent window.
func runSim(cat *catalog.Catalog, stop *clock.Flag, n int, loss float64, scale int) {
	if scale < 1 {
		scale = 1
	}
	t := protocol.Scaled(scale)
	channel := radio.NewChannel(1)
	channel.SetLoss(loss)

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		addr := uint64(0x0200_0000_0000) | uint64(i+1)
		engine := protocol.New(
			node.New(addr, protocol.DefaultFleetSize),
			channel.NewPort(),
			&audio.Silent{},
			cat,
			stop,
			protocol.Options{Timings: &t, Seed: uint64(i + 1)},
		)
		wg.Add(1)
		stagger := time.Duration(i) * t.WaitForAttendance / 2
		go func() {
			defer wg.Done()
			time.Sleep(stagger)
			if err := engine.Run(); err != nil {
				log.Printf("sim node %#x: %v", addr, err)
			}
		}()
	}
	wg.Wait()
}
