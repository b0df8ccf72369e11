package itm

// Header is embedded in every Message and carries the running timestamp at
// the instant the message's header byte was consumed.
type Header struct {
	Timestamp uint64
}

// Ts returns the message's timestamp.
func (h Header) Ts() uint64 { return h.Timestamp }

// Message is the tagged union of decoded ITM messages. Every concrete
// variant embeds Header and implements message() as a sealing marker.
type Message interface {
	Ts() uint64
	message()
}

// TimeStatus classifies how precisely a Timestamp message's increment is
// known to align with the packet stream around it.
type TimeStatus int

const (
	TSExact TimeStatus = iota
	TSDelayedTS
	TSDelayedPacket
	TSDelayedBoth
)

func (s TimeStatus) String() string {
	switch s {
	case TSExact:
		return "exact"
	case TSDelayedTS:
		return "delayed_ts"
	case TSDelayedPacket:
		return "delayed_pkt"
	case TSDelayedBoth:
		return "delayed_both"
	default:
		return "unknown"
	}
}

// ExceptionEvent classifies an Exception message.
type ExceptionEvent int

const (
	ExceptionEnter ExceptionEvent = iota
	ExceptionExit
	ExceptionResume
)

func (e ExceptionEvent) String() string {
	switch e {
	case ExceptionEnter:
		return "enter"
	case ExceptionExit:
		return "exit"
	case ExceptionResume:
		return "resume"
	default:
		return "unknown"
	}
}

// DWTBitmap is the event-counter-wrap bitmap carried by a DWTEvent message.
type DWTBitmap uint8

const (
	DWTCPI  DWTBitmap = 0x01
	DWTExc  DWTBitmap = 0x02
	DWTSlp  DWTBitmap = 0x04
	DWTLSU  DWTBitmap = 0x08
	DWTFold DWTBitmap = 0x10
	DWTCyc  DWTBitmap = 0x20
)

// Software is a software stimulus (SWIT) message.
type Software struct {
	Header
	SrcAddr uint8 // 0..31
	Len     uint8 // 1, 2 or 4
	Value   uint32
}

func (Software) message() {}

// Bytes returns the little-endian value bytes truncated to Len — the
// payload emitted on the raw (unformatted) software-channel output path.
func (s Software) Bytes() []byte {
	b := make([]byte, s.Len)
	for i := range b {
		b[i] = byte(s.Value >> (8 * uint(i)))
	}
	return b
}

// Timestamp carries a local-timestamp increment and its delay status.
type Timestamp struct {
	Header
	TimeInc    uint32
	TimeStatus TimeStatus
}

func (Timestamp) message() {}

// Exception is a DWT exception-trace event.
type Exception struct {
	Header
	ExceptionNumber uint16
	EventType       ExceptionEvent
}

func (Exception) message() {}

// PCSample is a periodic program-counter sample.
type PCSample struct {
	Header
	PC    uint32
	Sleep bool
}

func (PCSample) message() {}

// DWTEvent is a DWT event-counter-wrap notification.
type DWTEvent struct {
	Header
	Event DWTBitmap
}

func (DWTEvent) message() {}

// DataRWWP is a data read/write watchpoint match.
type DataRWWP struct {
	Header
	Comparator uint8 // 0..3
	IsWrite    bool
	Data       uint32
}

func (DataRWWP) message() {}

// DataAccessWP is a data-address watchpoint match.
type DataAccessWP struct {
	Header
	Comparator uint8 // 0..3
	Data       uint32
}

func (DataAccessWP) message() {}

// DataOffsetWP is a data-offset watchpoint match (PC-relative offset).
type DataOffsetWP struct {
	Header
	Comparator uint8 // 0..3
	Offset     uint16
}

func (DataOffsetWP) message() {}

// NISync is a non-intrusive synchronisation message.
type NISync struct {
	Header
	Type uint8
	Addr uint32
}

func (NISync) message() {}

// Overflow indicates the ITM hardware dropped one or more packets.
type Overflow struct{ Header }

func (Overflow) message() {}

// ErrEvent indicates a decode error was observed (InvalidHeader, bad
// sequence); no payload survives.
type ErrEvent struct{ Header }

func (ErrEvent) message() {}

// UnsyncedEvent indicates the decoder lost synchronisation.
type UnsyncedEvent struct{ Header }

func (UnsyncedEvent) message() {}
