package tpiu

import (
	"time"

	"github.com/dragonmux/orbuculum/common"
)

// State is the TPIU frame decoder's synchronisation state.
type State int

const (
	StateUnsynced State = iota
	StateRxing
)

func (s State) String() string {
	switch s {
	case StateUnsynced:
		return "UNSYNCED"
	case StateRxing:
		return "RXING"
	default:
		return "UNKNOWN"
	}
}

// Event is the result of pumping one byte into the frame decoder.
type Event int

const (
	EventNone Event = iota
	EventRxing
	EventNewSync
	EventSynced
	EventRxedPacket
	EventUnsynced
	EventError
)

func (e Event) String() string {
	switch e {
	case EventNone:
		return "NONE"
	case EventRxing:
		return "RXING"
	case EventNewSync:
		return "NEWSYNC"
	case EventSynced:
		return "SYNCED"
	case EventRxedPacket:
		return "RXEDPACKET"
	case EventUnsynced:
		return "UNSYNCED"
	case EventError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

const (
	syncPattern     = 0xFFFFFF7F
	halfSyncHigh    = 0x7F
	halfSyncLow     = 0xFF
	noChannelChange = 0xFF
	statSyncByte    = 0xA6
	staleTimeout    = 3 * time.Second
)

// Stats are the free-running counters a Decoder maintains across its
// lifetime; they only ever increase.
type Stats struct {
	SyncCount     uint64
	HalfSyncCount uint64
	Packets       uint64
	LostSync      uint64
	Errors        uint64
}

// Decoder is the TPIU frame decoder state machine (§4.1): a 32-bit rolling
// sync monitor plus a 16-byte frame accumulator. It is not safe for
// concurrent use — callers own exactly one Decoder per pump thread.
type Decoder struct {
	Log common.Logger

	// Clock returns the current time; overridden in tests to control the
	// stale-frame timeout deterministically.
	Clock func() time.Time

	state         State
	syncMonitor   uint32
	byteCount     int
	gotLowBits    bool
	rxedPacket    [FrameSize]byte
	completed     [FrameSize]byte
	packetReady   bool
	currentStream uint8
	lastPacket    time.Time

	stats      Stats
	commsStats CommsStats
}

// NewDecoder creates a Decoder in the UNSYNCED state.
func NewDecoder() *Decoder {
	d := &Decoder{Log: common.NewNoOpLogger(), Clock: time.Now}
	d.Init()
	return d
}

// Init resets the decoder to UNSYNCED, zeroing stats and the sync monitor.
func (d *Decoder) Init() {
	d.state = StateUnsynced
	d.syncMonitor = 0
	d.byteCount = 0
	d.gotLowBits = false
	d.packetReady = false
	d.currentStream = 0
	d.stats = Stats{}
	d.commsStats = CommsStats{}
}

// Synced reports whether the decoder holds frame synchronisation.
func (d *Decoder) Synced() bool {
	return d.state != StateUnsynced
}

// Stats returns a copy of the running counters.
func (d *Decoder) Stats() Stats {
	return d.stats
}

// CommsStats returns the most recently decoded side-channel stats frame.
func (d *Decoder) CommsStats() CommsStats {
	return d.commsStats
}

// ForceSync transitions the decoder directly into RXING at the given byte
// offset within a frame, as if synchronisation had just been observed.
func (d *Decoder) ForceSync(offset uint8) {
	if d.state == StateUnsynced {
		d.stats.SyncCount++
	}
	d.state = StateRxing
	d.byteCount = int(offset)
	d.lastPacket = d.clock()
}

func (d *Decoder) clock() time.Time {
	if d.Clock != nil {
		return d.Clock()
	}
	return time.Now()
}

// Pump feeds one raw byte into the decoder and returns the resulting event.
func (d *Decoder) Pump(b byte) Event {
	d.syncMonitor = (d.syncMonitor << 8) | uint32(b)

	if d.syncMonitor == syncPattern {
		var ev Event
		if d.state != StateUnsynced {
			ev = EventSynced
		} else {
			ev = EventNewSync
		}

		if d.byteCount == 14 && d.rxedPacket[0] == statSyncByte {
			d.decodeCommsStats()
		}

		d.state = StateRxing
		d.stats.SyncCount++
		d.byteCount = 0
		d.gotLowBits = false
		d.lastPacket = d.clock()
		return ev
	}

	switch d.state {
	case StateUnsynced:
		return EventNone

	case StateRxing:
		if !d.gotLowBits {
			d.gotLowBits = true
			d.rxedPacket[d.byteCount] = b
			return EventNone
		}
		d.gotLowBits = false

		if b == halfSyncHigh && d.rxedPacket[d.byteCount] == halfSyncLow {
			d.stats.HalfSyncCount++
			return EventNone
		}

		d.byteCount++
		d.rxedPacket[d.byteCount] = b
		d.byteCount++

		if d.byteCount != FrameSize {
			return EventRxing
		}

		now := d.clock()
		diff := now.Sub(d.lastPacket)
		d.lastPacket = now
		d.byteCount = 0

		if diff < staleTimeout {
			d.stats.Packets++
			d.completed = d.rxedPacket
			d.packetReady = true
			return EventRxedPacket
		}

		d.state = StateUnsynced
		d.stats.LostSync++
		return EventUnsynced

	default:
		d.stats.Errors++
		return EventError
	}
}

func (d *Decoder) decodeCommsStats() {
	p := d.rxedPacket
	d.commsStats = CommsStats{
		PendingCount: uint16(p[2])<<8 | uint16(p[1]),
		Leds:         p[5],
		LostFrames:   uint16(p[7])<<8 | uint16(p[6]),
		TotalFrames:  uint32(p[11])<<24 | uint32(p[10])<<16 | uint32(p[9])<<8 | uint32(p[8]),
	}
}

// GetPacket returns the packet decoded from the most recently completed
// frame. It is valid only immediately after Pump returns EventRxedPacket;
// the frame-transform result is consumed on read.
func (d *Decoder) GetPacket() (Packet, bool) {
	if !d.packetReady {
		return Packet{}, false
	}
	d.packetReady = false
	return d.unpackFrame(d.completed), true
}

// unpackFrame applies the TPIU byte-pair / flag-bit transform (§4.1 "Frame
// → packet transformation") to a completed 16-byte frame.
func (d *Decoder) unpackFrame(frame [FrameSize]byte) Packet {
	lowbits := frame[FrameSize-1]
	items := make([]Item, 0, FrameSize-1)

	delayedPending := false
	var delayedStream uint8

	for i := 0; i < FrameSize; i += 2 {
		b0 := frame[i]

		if b0&1 != 0 {
			newStream := b0 >> 1
			if lowbits&1 != 0 {
				delayedPending = true
				delayedStream = newStream
			} else {
				d.currentStream = newStream
			}
		} else {
			dataByte := b0 | (lowbits & 1)
			items = append(items, Item{StreamID: d.currentStream, Data: dataByte})
		}

		if i < FrameSize-2 {
			items = append(items, Item{StreamID: d.currentStream, Data: frame[i+1]})
		}

		if delayedPending {
			d.currentStream = delayedStream
			delayedPending = false
		}

		lowbits >>= 1
	}

	return Packet{Items: items}
}
