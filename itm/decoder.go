// Package itm implements the Instrumentation Trace Macrocell packet decoder:
// a header-byte-driven variable-length state machine that turns a
// demultiplexed ITM byte stream into typed Message values (§4.2).
package itm

import "github.com/dragonmux/orbuculum/common"

// State is the packet decoder's synchronisation state.
type State int

const (
	StateUnsynced State = iota
	StateIdle
	StateCollecting
)

func (s State) String() string {
	switch s {
	case StateUnsynced:
		return "UNSYNCED"
	case StateIdle:
		return "IDLE"
	case StateCollecting:
		return "COLLECTING"
	default:
		return "UNKNOWN"
	}
}

// Event is the result of pumping one byte into the packet decoder.
type Event int

const (
	EventNone Event = iota
	EventSynced
	EventUnsynced
	EventMessage
	EventOverflow
	EventError
)

func (e Event) String() string {
	switch e {
	case EventNone:
		return "NONE"
	case EventSynced:
		return "SYNCED"
	case EventUnsynced:
		return "UNSYNCED"
	case EventMessage:
		return "MESSAGE"
	case EventOverflow:
		return "OVERFLOW"
	case EventError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// packetKind is the internal header classification. The bit patterns below
// are the real ARMv7-M ITM header encoding, not the (self-contradictory)
// table carried in the distilled spec: stimulus packets key off the two
// low bits (00 reserved, else length 1/2/4) with bit2 selecting
// software/hardware source; the remaining headers are synchronisation,
// overflow, timestamp, extension or global-timestamp packets.
type packetKind int

const (
	kindNone packetKind = iota
	kindSoftware
	kindHardware
	kindLocalTS
	kindGlobalTS1
	kindGlobalTS2
	kindExtension
	kindOverflow
	kindAsync
	kindUnknown
)

const (
	asyncZeroRun    = 5
	asyncTerminator = 0x80
	maxContBytes    = 4
)

// Decoder is the ITM packet decoder state machine. It is not safe for
// concurrent use — callers own exactly one Decoder per pump thread.
type Decoder struct {
	Log common.Logger

	// ForceSync, when true, accepts a header byte as a fresh packet start
	// without having observed the ITM sync sequence first.
	ForceSync bool

	timestamp uint64

	state       State
	kind        packetKind
	header      byte
	srcAddr     uint8
	wantLen     int
	payload     [4]byte
	payloadN    int
	zeroRun     int
	contVal     uint32
	contBytesN  int
	pending     Message
	havePending bool
}

// NewDecoder creates a Decoder in the UNSYNCED state.
func NewDecoder() *Decoder {
	return &Decoder{Log: common.NewNoOpLogger(), state: StateUnsynced}
}

// Synced reports whether the decoder holds packet synchronisation.
func (d *Decoder) Synced() bool { return d.state != StateUnsynced }

// Pump feeds one raw byte into the decoder and returns the resulting event.
// Call Message immediately after Pump returns EventMessage to retrieve the
// decoded value.
func (d *Decoder) Pump(b byte) Event {
	if d.state == StateUnsynced {
		if !d.ForceSync {
			return d.pumpUnsynced(b)
		}
		d.state = StateIdle
	}

	if d.state == StateIdle {
		return d.pumpHeader(b)
	}

	return d.pumpPayload(b)
}

func (d *Decoder) pumpUnsynced(b byte) Event {
	if b == 0 {
		d.zeroRun++
		return EventNone
	}
	if b == asyncTerminator && d.zeroRun >= asyncZeroRun {
		d.zeroRun = 0
		d.state = StateIdle
		return EventSynced
	}
	d.zeroRun = 0
	return EventNone
}

func (d *Decoder) pumpHeader(h byte) Event {
	d.header = h
	d.payloadN = 0
	d.contVal = 0
	d.contBytesN = 0

	switch {
	case h == 0x00:
		// Async sequence lead-in observed mid-stream; treat as a
		// resynchronisation rather than a packet.
		d.zeroRun = 1
		d.state = StateUnsynced
		return EventUnsynced

	case h == 0x70:
		d.kind = kindOverflow
		return d.emit(Overflow{Header: d.hdr()})

	case h&0x03 != 0:
		d.srcAddr = (h >> 3) & 0x1F
		d.wantLen = stimulusLen(h & 0x03)
		if h&0x04 != 0 {
			d.kind = kindHardware
		} else {
			d.kind = kindSoftware
		}
		d.state = StateCollecting
		return EventNone

	case h&0x0F == 0:
		d.kind = kindLocalTS
		if h&0x80 != 0 {
			d.wantLen = maxContBytes
			d.state = StateCollecting
			return EventNone
		}
		// Short form: the increment is carried entirely in the header.
		return d.emit(Timestamp{Header: d.hdr(), TimeInc: uint32((h >> 4) & 0x7), TimeStatus: TSExact})

	case h&0xDF == 0x94:
		if h&0x20 != 0 {
			d.kind = kindGlobalTS2
		} else {
			d.kind = kindGlobalTS1
		}
		d.wantLen = maxContBytes
		d.state = StateCollecting
		return EventNone

	case h&0x0B == 0x08:
		d.kind = kindExtension
		d.wantLen = maxContBytes
		d.state = StateCollecting
		return EventNone

	default:
		d.kind = kindUnknown
		return d.emit(ErrEvent{Header: d.hdr()})
	}
}

func stimulusLen(lenBits byte) int {
	switch lenBits {
	case 1:
		return 1
	case 2:
		return 2
	case 3:
		return 4
	default:
		return 0
	}
}

func (d *Decoder) pumpPayload(b byte) Event {
	switch d.kind {
	case kindLocalTS, kindGlobalTS1, kindGlobalTS2, kindExtension:
		return d.pumpContinuation(b)
	default:
		return d.pumpFixed(b)
	}
}

func (d *Decoder) pumpFixed(b byte) Event {
	d.payload[d.payloadN] = b
	d.payloadN++
	if d.payloadN < d.wantLen {
		return EventNone
	}

	value := uint32(0)
	for i := 0; i < d.payloadN; i++ {
		value |= uint32(d.payload[i]) << (8 * uint(i))
	}

	if d.kind == kindSoftware {
		return d.emit(Software{Header: d.hdr(), SrcAddr: d.srcAddr, Len: uint8(d.wantLen), Value: value})
	}
	return d.emit(d.decodeHardware(value))
}

// pumpContinuation accumulates up to maxContBytes 7-bit continuation
// chunks in arrival order: each new chunk shifts the accumulator left by
// 7 bits before the low 7 bits of the byte are folded in, so the first
// byte received ends up the most significant.
func (d *Decoder) pumpContinuation(b byte) Event {
	d.contVal = (d.contVal << 7) | uint32(b&0x7F)
	d.contBytesN++

	if b&0x80 != 0 && d.contBytesN < maxContBytes {
		return EventNone
	}

	switch d.kind {
	case kindLocalTS:
		status := TimeStatus((d.header >> 4) & 0x3)
		return d.emit(Timestamp{Header: d.hdr(), TimeInc: d.contVal, TimeStatus: status})
	case kindGlobalTS1, kindGlobalTS2:
		// Global timestamps are accepted and folded into the running
		// clock but carry no externally visible message of their own.
		d.timestamp = uint64(d.contVal)
		d.state = StateIdle
		return EventNone
	case kindExtension:
		return d.emit(ErrEvent{Header: d.hdr()})
	default:
		return d.emit(ErrEvent{Header: d.hdr()})
	}
}

// decodeHardware maps a DWT discriminator address to its message variant.
// Addresses 0/1/2 are the fixed ARM assignments (event counters, exception
// trace, PC sample); 8..15 and 16..23 are two comparator-indexed planes
// this decoder defines for the data-watchpoint family, since neither the
// real header nor the distilled spec pins exact bit positions there.
func (d *Decoder) decodeHardware(value uint32) Message {
	switch {
	case d.srcAddr == 0:
		return DWTEvent{Header: d.hdr(), Event: DWTBitmap(value)}

	case d.srcAddr == 1:
		evType := ExceptionEvent((value >> 12) & 0x3)
		return Exception{Header: d.hdr(), ExceptionNumber: uint16(value & 0x1FF), EventType: evType}

	case d.srcAddr == 2:
		if d.wantLen == 1 && value == 0 {
			return PCSample{Header: d.hdr(), Sleep: true}
		}
		return PCSample{Header: d.hdr(), PC: value}

	case d.srcAddr >= 8 && d.srcAddr <= 15:
		n := d.srcAddr - 8
		comparator := n & 0x3
		if (n>>2)&0x1 == 0 {
			return DataOffsetWP{Header: d.hdr(), Comparator: comparator, Offset: uint16(value)}
		}
		return DataAccessWP{Header: d.hdr(), Comparator: comparator, Data: value}

	case d.srcAddr >= 16 && d.srcAddr <= 23:
		n := d.srcAddr - 16
		comparator := n & 0x3
		isWrite := (n>>2)&0x1 != 0
		return DataRWWP{Header: d.hdr(), Comparator: comparator, IsWrite: isWrite, Data: value}

	case d.srcAddr == 31:
		return NISync{Header: d.hdr(), Type: uint8(value >> 28), Addr: value & 0x0FFFFFFF}

	default:
		return ErrEvent{Header: d.hdr()}
	}
}

func (d *Decoder) hdr() Header { return Header{Timestamp: d.timestamp} }

func (d *Decoder) emit(m Message) Event {
	d.pending = m
	d.havePending = true
	d.state = StateIdle

	switch m.(type) {
	case Overflow:
		return EventOverflow
	case ErrEvent:
		return EventError
	default:
		return EventMessage
	}
}

// Message returns the message decoded by the most recent Pump call. It is
// valid only immediately after Pump returns EventMessage, EventOverflow or
// EventError; the result is consumed on read.
func (d *Decoder) Message() (Message, bool) {
	if !d.havePending {
		return nil, false
	}
	d.havePending = false
	return d.pending, true
}
