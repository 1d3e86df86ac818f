// Package logger implements a per-attempt in-memory log buffer for uploads.
//
// Everything an ingest attempt reports is buffered WHILE the archive is
// being processed.
//   - On failure the buffer is replayed and followed by the final error.
//   - On success the buffer is dropped and a single summary line is written.
//
// All buffers are owned by one logger goroutine fed through a command
// channel; there are no mutexes.
package logger

import (
	"bytes"
	"log"
	"strings"
	"time"
)

// --- command types ----------------------------------------------------------

type action int

const (
	actBegin action = iota
	actAppend
	actSuccess
	actFlushErr
	actSync
)

type cmd struct {
	act      action
	id       string
	message  string        // Append
	filename string        // Success
	layer    string        // Success
	err      error         // FlushErr
	when     time.Time     // enqueue time
	done     chan struct{} // Sync
}

// --- public entry points (they only enqueue) --------------------------------

var ch = make(chan cmd, 128)

// Begin starts buffering for an attempt id.
func Begin(id string) { ch <- cmd{act: actBegin, id: id, when: time.Now()} }

// Append adds a detail line. Lines for ids without an open buffer are
// written immediately.
func Append(id, msg string) {
	ch <- cmd{act: actAppend, id: id, message: msg, when: time.Now()}
}

// Success drops the buffer and writes one summary line.
func Success(id, filename, layer string) {
	ch <- cmd{act: actSuccess, id: id, filename: filename, layer: layer, when: time.Now()}
}

// FlushError replays the buffer followed by the final error.
func FlushError(id string, err error) {
	ch <- cmd{act: actFlushErr, id: id, err: err, when: time.Now()}
}

// Sync blocks until every command queued before it has been written.
func Sync() {
	done := make(chan struct{})
	ch <- cmd{act: actSync, done: done}
	<-done
}

// --- start the goroutine ----------------------------------------------------

func init() { go runloop() }

// --- private implementation -------------------------------------------------

func runloop() {
	buffers := make(map[string]*bytes.Buffer)

	for c := range ch {
		switch c.act {
		case actBegin:
			buffers[c.id] = &bytes.Buffer{}

		case actAppend:
			if b := buffers[c.id]; b != nil {
				_, _ = b.WriteString(c.message + "\n")
			} else {
				log.Print(c.message)
			}

		case actSuccess:
			log.Printf("[%-8s][Ingest] ✔ %q registered as %q", c.id, c.filename, c.layer)
			delete(buffers, c.id)

		case actFlushErr:
			if b := buffers[c.id]; b != nil {
				lines := strings.Split(strings.TrimRight(b.String(), "\n"), "\n")
				for _, ln := range lines {
					if ln != "" {
						log.Print(ln)
					}
				}
				delete(buffers, c.id)
			}
			log.Printf("[%-8s][ERROR] %v", c.id, c.err)

		case actSync:
			close(c.done)
		}
	}
}
