package session

import (
	"testing"

	"github.com/dragonmux/orbuculum/config"
	"github.com/dragonmux/orbuculum/dispatch"
	"github.com/dragonmux/orbuculum/itm"
)

type recordingHandler struct {
	dispatch.NoOpHandler
	software []itm.Software
}

func (h *recordingHandler) Software(s itm.Software) { h.software = append(h.software, s) }

func TestPumpByteRawPassthroughDispatchesSoftwareMessage(t *testing.T) {
	cfg := config.Default()
	cfg.TPIUEnabled = false
	s := New(cfg, nil)

	h := &recordingHandler{}
	s.Dispatch.Handler = h

	// ITM sync sequence, then a software stimulus header (src 0, len 4)
	// and four value bytes.
	for _, b := range []byte{0x00, 0x00, 0x00, 0x00, 0x00, 0x80, 0x03, 0x41, 0x42, 0x43, 0x44} {
		s.PumpByte(b)
	}

	if len(h.software) != 1 {
		t.Fatalf("got %d software messages, want 1", len(h.software))
	}
	if h.software[0].Value != 0x44434241 {
		t.Fatalf("got value 0x%x, want 0x44434241", h.software[0].Value)
	}
}

func TestPumpByteFeedsRingWhenTPIUDisabled(t *testing.T) {
	cfg := config.Default()
	cfg.TPIUEnabled = false
	s := New(cfg, nil)

	s.PumpByte(0x03)
	if s.Ring.Len() != 1 {
		t.Fatalf("got ring length %d, want 1", s.Ring.Len())
	}
}

func TestSetTPIUEnabledTogglesRoutingWithoutResettingITM(t *testing.T) {
	cfg := config.Default()
	s := New(cfg, nil)
	if !s.TPIUEnabled() {
		t.Fatal("default config should enable TPIU framing")
	}

	s.SetTPIUEnabled(false)
	if s.TPIUEnabled() {
		t.Fatal("SetTPIUEnabled(false) did not take effect")
	}
}

func TestChannelLookup(t *testing.T) {
	cfg := config.Default()
	s := New(cfg, nil)

	ch, ok := s.Channel(0)
	if !ok {
		t.Fatal("expected channel 0 to be configured")
	}
	if ch.Format != config.DefaultChannelFormat {
		t.Fatalf("got format %q, want %q", ch.Format, config.DefaultChannelFormat)
	}

	if _, ok := s.Channel(17); ok {
		t.Fatal("channel 17 should not be configured by default")
	}
}
