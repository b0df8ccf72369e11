// Package sink implements the FIFO/permafile output abstraction named in
// SPEC_FULL.md §2/§5: one named pipe or truncate-on-open file per
// channel, fed by a bounded Go channel so a lossy sink can drop events
// under backpressure while a permafile sink blocks.
package sink

import (
	"fmt"
	"os"
	"sync"
	"syscall"

	"github.com/dragonmux/orbuculum/common"
)

// Mode selects a sink's backing file kind (§6).
type Mode int

const (
	// ModeFIFO creates a named pipe at Path if one doesn't already exist.
	ModeFIFO Mode = iota
	// ModePermafile opens Path with O_TRUNC|O_CREATE|O_WRONLY, 0644.
	ModePermafile
)

// fifoPerm matches the §6 "truncate-on-open... 0644-equivalent" mode bits.
const fifoPerm = 0644

// Sink publishes one channel's byte events to a named pipe or file.
// Writes are fed through a Go channel: a lossy Sink uses a capacity-1
// channel with a non-blocking send (drops the newest event on
// backpressure, matching the "lossy single-producer/single-consumer
// pipe" language in §5); a blocking Sink uses an unbuffered channel.
type Sink struct {
	Log  common.Logger
	Path string
	Mode Mode

	lossy bool
	events chan []byte
	done   chan struct{}

	closeOnce sync.Once
}

// Open creates (if needed) the backing FIFO or permafile at path and
// starts the Sink's writer goroutine. lossy selects a capacity-1
// non-blocking channel over an unbuffered blocking one.
func Open(path string, mode Mode, lossy bool, log common.Logger) (*Sink, error) {
	if log == nil {
		log = common.NewNoOpLogger()
	}

	if mode == ModeFIFO {
		if err := syscall.Mkfifo(path, fifoPerm); err != nil && !os.IsExist(err) {
			return nil, fmt.Errorf("sink: mkfifo %s: %w", path, err)
		}
	}

	capacity := 0
	if lossy {
		capacity = 1
	}

	s := &Sink{
		Log:    log,
		Path:   path,
		Mode:   mode,
		lossy:  lossy,
		events: make(chan []byte, capacity),
		done:   make(chan struct{}),
	}

	go s.run()
	return s, nil
}

// Write publishes one event. On a lossy Sink, a full channel (an earlier
// event still in flight) drops this one rather than blocking the pump
// thread; on a blocking Sink, Write waits for the writer goroutine to
// accept it.
func (s *Sink) Write(data []byte) {
	if s.lossy {
		select {
		case s.events <- data:
		default:
			s.Log.Warning(fmt.Sprintf("sink %s: dropped event (consumer full)", s.Path))
		}
		return
	}
	s.events <- data
}

// Close stops the writer goroutine. Safe to call more than once.
func (s *Sink) Close() {
	s.closeOnce.Do(func() { close(s.done) })
}

func (s *Sink) run() {
	var f *os.File
	var err error

	switch s.Mode {
	case ModePermafile:
		f, err = os.OpenFile(s.Path, os.O_TRUNC|os.O_CREATE|os.O_WRONLY, fifoPerm)
	default:
		f, err = os.OpenFile(s.Path, os.O_WRONLY, os.ModeNamedPipe)
	}
	if err != nil {
		s.Log.Error(fmt.Errorf("sink %s: open: %w", s.Path, err))
		return
	}
	defer f.Close()

	for {
		select {
		case data := <-s.events:
			if _, err := f.Write(data); err != nil {
				s.Log.Error(fmt.Errorf("sink %s: write: %w", s.Path, err))
			}
		case <-s.done:
			return
		}
	}
}
