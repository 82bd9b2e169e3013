// Package journal keeps an append-only sqlite log of protocol events —
// admissions, evictions, elections, song starts — so a misbehaving
// performance can be reconstructed afterwards by diffing the journals
// of the boxes.
//
// Recording is fire-and-forget through a buffered writer goroutine;
// nothing here sits on the radio path. A nil *Journal is a valid no-op,
// so callers never need to guard.
package journal

import (
	"database/sql"
	"fmt"
	"log"
	"time"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS events (
	at      INTEGER NOT NULL, -- unix millis
	kind    TEXT    NOT NULL,
	peer    TEXT    NOT NULL, -- hex identifier, "" when not peer-scoped
	detail  TEXT    NOT NULL
);
CREATE INDEX IF NOT EXISTS events_at ON events(at);
`

type event struct {
	at     int64
	kind   string
	peer   uint64
	detail string
}

// Journal is the event sink.
type Journal struct {
	db   *sql.DB
	ch   chan event
	done chan struct{}
}

// Open creates or appends to the journal at path.
func Open(path string) (*Journal, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("journal: open %s: %w", path, err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("journal: init %s: %w", path, err)
	}
	j := &Journal{
		db:   db,
		ch:   make(chan event, 256),
		done: make(chan struct{}),
	}
	go j.writer()
	return j, nil
}

func (j *Journal) writer() {
	defer close(j.done)
	for ev := range j.ch {
		peer := ""
		if ev.peer != 0 {
			peer = fmt.Sprintf("%012x", ev.peer)
		}
		if _, err := j.db.Exec(
			`INSERT INTO events (at, kind, peer, detail) VALUES (?, ?, ?, ?)`,
			ev.at, ev.kind, peer, ev.detail,
		); err != nil {
			log.Printf("journal: write: %v", err)
		}
	}
}

// Record enqueues one event. Drops rather than blocks when the buffer
// is full; the journal is diagnostics, not ground truth.
func (j *Journal) Record(kind string, peer uint64, detail string) {
	if j == nil {
		return
	}
	select {
	case j.ch <- event{at: time.Now().UnixMilli(), kind: kind, peer: peer, detail: detail}:
	default:
	}
}

// Close drains the buffer and closes the database.
func (j *Journal) Close() error {
	if j == nil {
		return nil
	}
	close(j.ch)
	<-j.done
	return j.db.Close()
}
