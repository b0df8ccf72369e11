// Package tpiu implements the Trace Port Interface Unit framing protocol:
// a fixed 16-byte physical frame format that multiplexes several logical
// trace streams onto one physical link. See Decoder for the frame state
// machine and Packet for the demultiplexed result of one frame.
package tpiu

// FrameSize is the size of a TPIU physical frame in bytes.
const FrameSize = 16

// Item is one demultiplexed (stream, data) pair recovered from a frame.
type Item struct {
	StreamID uint8
	Data     uint8
}

// Packet is the ordered sequence of items recovered from a single frame,
// in the order the underlying stream emitted them. At most FrameSize-1
// items are produced per frame (byte 15 carries only flag bits).
type Packet struct {
	Items []Item
}

// CommsStats is the side-channel statistics frame, identified by a first
// payload byte of 0xA6, carried opportunistically inside frames that are
// about to resynchronise.
type CommsStats struct {
	PendingCount uint16
	Leds         uint8
	LostFrames   uint16
	TotalFrames  uint32
}
