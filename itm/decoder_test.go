package itm

import "testing"

func TestSoftwareStimulusFourByteValue(t *testing.T) {
	d := NewDecoder()
	d.ForceSync = true

	if ev := d.Pump(0x03); ev != EventNone {
		t.Fatalf("header event = %v, want NONE", ev)
	}

	var last Event
	for _, b := range []byte{0x41, 0x42, 0x43, 0x44} {
		last = d.Pump(b)
	}
	if last != EventMessage {
		t.Fatalf("final event = %v, want MESSAGE", last)
	}

	msg, ok := d.Message()
	if !ok {
		t.Fatalf("Message() ok = false")
	}
	sw, ok := msg.(Software)
	if !ok {
		t.Fatalf("message type = %T, want Software", msg)
	}
	if sw.SrcAddr != 0 || sw.Len != 4 || sw.Value != 0x44434241 {
		t.Fatalf("got %+v, want {SrcAddr:0 Len:4 Value:0x44434241}", sw)
	}
}

func TestLocalTimestampDelayed(t *testing.T) {
	d := NewDecoder()
	d.ForceSync = true

	if ev := d.Pump(0xD0); ev != EventNone {
		t.Fatalf("header event = %v, want NONE", ev)
	}
	if ev := d.Pump(0x81); ev != EventNone {
		t.Fatalf("continuation event = %v, want NONE", ev)
	}

	last := d.Pump(0x02)
	if last != EventMessage {
		t.Fatalf("final event = %v, want MESSAGE", last)
	}

	msg, ok := d.Message()
	if !ok {
		t.Fatalf("Message() ok = false")
	}
	ts, ok := msg.(Timestamp)
	if !ok {
		t.Fatalf("message type = %T, want Timestamp", msg)
	}
	if ts.TimeInc != 0x82 {
		t.Fatalf("timeInc = %#x, want 0x82", ts.TimeInc)
	}
	if ts.TimeStatus != TSDelayedTS {
		t.Fatalf("timeStatus = %v, want delayed_ts", ts.TimeStatus)
	}
}

func TestShortLocalTimestampIsExact(t *testing.T) {
	d := NewDecoder()
	d.ForceSync = true

	// bit7 clear: increment carried entirely in the header, no continuation.
	ev := d.Pump(0x30)
	if ev != EventMessage {
		t.Fatalf("event = %v, want MESSAGE", ev)
	}
	msg, _ := d.Message()
	ts := msg.(Timestamp)
	if ts.TimeInc != 3 || ts.TimeStatus != TSExact {
		t.Fatalf("got %+v, want {TimeInc:3 TimeStatus:exact}", ts)
	}
}

func TestOverflowPacket(t *testing.T) {
	d := NewDecoder()
	d.ForceSync = true

	if ev := d.Pump(0x70); ev != EventOverflow {
		t.Fatalf("event = %v, want OVERFLOW", ev)
	}
	msg, ok := d.Message()
	if !ok {
		t.Fatalf("Message() ok = false")
	}
	if _, ok := msg.(Overflow); !ok {
		t.Fatalf("message type = %T, want Overflow", msg)
	}
}

func TestAsyncSequenceAcquiresSync(t *testing.T) {
	d := NewDecoder()
	if d.Synced() {
		t.Fatalf("decoder should start unsynced")
	}

	for i := 0; i < asyncZeroRun; i++ {
		if ev := d.Pump(0x00); ev != EventNone {
			t.Fatalf("zero byte %d event = %v, want NONE", i, ev)
		}
	}
	if ev := d.Pump(0x80); ev != EventSynced {
		t.Fatalf("terminator event = %v, want SYNCED", ev)
	}
	if !d.Synced() {
		t.Fatalf("decoder should be synced")
	}
}

func TestHardwareEventCounterWrap(t *testing.T) {
	d := NewDecoder()
	d.ForceSync = true

	// addr=0 (event counters), len=1: header = (0<<3)|0x04|0x01.
	if ev := d.Pump(0x05); ev != EventNone {
		t.Fatalf("header event = %v, want NONE", ev)
	}
	if ev := d.Pump(byte(DWTCPI | DWTCyc)); ev != EventMessage {
		t.Fatalf("event = %v, want MESSAGE", ev)
	}
	msg, _ := d.Message()
	dw := msg.(DWTEvent)
	if dw.Event != DWTCPI|DWTCyc {
		t.Fatalf("event bitmap = %#x, want %#x", dw.Event, DWTCPI|DWTCyc)
	}
}

func TestDataWatchpointComparatorPlanes(t *testing.T) {
	d := NewDecoder()
	d.ForceSync = true

	// addr=16 (comparator 0, read), len=4: header = (16<<3)|0x04|0x03.
	d.Pump(byte(16<<3) | 0x04 | 0x03)
	var last Event
	for _, b := range []byte{0xEF, 0xBE, 0xAD, 0xDE} {
		last = d.Pump(b)
	}
	if last != EventMessage {
		t.Fatalf("event = %v, want MESSAGE", last)
	}
	msg, _ := d.Message()
	rw := msg.(DataRWWP)
	if rw.Comparator != 0 || rw.IsWrite || rw.Data != 0xDEADBEEF {
		t.Fatalf("got %+v", rw)
	}
}
