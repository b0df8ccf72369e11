package dispatch

import (
	"testing"

	"github.com/dragonmux/orbuculum/itm"
)

type recordingHandler struct {
	NoOpHandler
	order []string
}

func (h *recordingHandler) Software(itm.Software)   { h.order = append(h.order, "software") }
func (h *recordingHandler) Timestamp(itm.Timestamp) { h.order = append(h.order, "timestamp") }
func (h *recordingHandler) Overflow(itm.Overflow)   { h.order = append(h.order, "overflow") }

func TestDispatchIsSynchronousAndInOrder(t *testing.T) {
	h := &recordingHandler{}
	d := New()
	d.Handler = h

	d.Dispatch(itm.Software{SrcAddr: 0})
	d.Dispatch(itm.Timestamp{})
	d.Dispatch(itm.Overflow{})

	want := []string{"software", "timestamp", "overflow"}
	if len(h.order) != len(want) {
		t.Fatalf("got %v, want %v", h.order, want)
	}
	for i := range want {
		if h.order[i] != want[i] {
			t.Fatalf("got %v, want %v", h.order, want)
		}
	}
}

func TestMissingHandlerIsSilentlyIgnored(t *testing.T) {
	d := New()
	// No Handler registered at all: Dispatch must not panic.
	d.Dispatch(itm.Software{SrcAddr: 0})
}

func TestFilewriterChannelSteeredAwayFromHandler(t *testing.T) {
	h := &recordingHandler{}
	d := New()
	d.Handler = h

	var filewritten []itm.Software
	d.Filewriter = func(s itm.Software) { filewritten = append(filewritten, s) }

	d.Dispatch(itm.Software{SrcAddr: FilewriterChannel, Value: 0xAA})
	d.Dispatch(itm.Software{SrcAddr: 0, Value: 0xBB})

	if len(filewritten) != 1 || filewritten[0].Value != 0xAA {
		t.Fatalf("filewriter got %v, want one message with Value 0xAA", filewritten)
	}
	if len(h.order) != 1 {
		t.Fatalf("handler.Software called %d times, want 1 (only the non-filewriter message)", len(h.order))
	}
}
