// Package session implements the explicit session object named by §9's
// "Global session state" redesign note: one owner for the frame decoder,
// ITM decoder, post-mortem ring, ETM decoder, channel table, and sink
// handles, replacing what the original keeps as process-global state.
package session

import (
	"fmt"

	"github.com/dragonmux/orbuculum/common"
	"github.com/dragonmux/orbuculum/config"
	"github.com/dragonmux/orbuculum/dispatch"
	"github.com/dragonmux/orbuculum/etm"
	"github.com/dragonmux/orbuculum/itm"
	"github.com/dragonmux/orbuculum/pmring"
	"github.com/dragonmux/orbuculum/tpiu"
)

// itmStreamID is the TPIU stream ID carrying ITM traffic, the ring's
// default source filter when TPIU framing is enabled (§4.4 "Source for
// the ring").
const itmStreamID = 2

// Session is the single pump-thread owner for one capture. It is not
// safe for concurrent use: exactly one goroutine ("the pump") calls
// PumpByte, matching the cooperative single-pump-thread model (§5).
type Session struct {
	Log common.Logger

	TPIU    *tpiu.Decoder
	ITM     *itm.Decoder
	Dispatch *dispatch.Dispatcher
	Ring    *pmring.Ring // always created by New; nil is treated as no ring
	ETM     *etm.Decoder // nil until an ETM engine is wired in

	tpiuEnabled bool
	channels    map[int]config.Channel

	OnReport func(msg string)
}

// New builds a Session from a loaded Config. The PMRing is always
// present (a session always supports post-mortem capture); ETM is left
// nil until a caller attaches one via AttachETM, since it requires
// device-specific configuration the generic Config does not carry.
func New(cfg config.Config, log common.Logger) *Session {
	if log == nil {
		log = common.NewNoOpLogger()
	}
	return &Session{
		Log:         log,
		TPIU:        tpiuDecoderWithLogger(log),
		ITM:         itmDecoderWithLogger(log),
		Dispatch:    dispatch.New(),
		Ring:        pmring.New(cfg.RingCapacity, cfg.RingPolicyValue()),
		tpiuEnabled: cfg.TPIUEnabled,
		channels:    cfg.Channels,
	}
}

func tpiuDecoderWithLogger(log common.Logger) *tpiu.Decoder {
	d := tpiu.NewDecoder()
	d.Log = log
	return d
}

func itmDecoderWithLogger(log common.Logger) *itm.Decoder {
	d := itm.NewDecoder()
	d.Log = log
	return d
}

// AttachETM wires a configured ETM engine into the session's ring-wrap
// resync coupling (§9).
func (s *Session) AttachETM(d *etm.Decoder) {
	s.ETM = d
}

// Channel returns the configured routing for a software channel number,
// and whether one was configured.
func (s *Session) Channel(num int) (config.Channel, bool) {
	ch, ok := s.channels[num]
	return ch, ok
}

// SetTPIUEnabled toggles between TPIU-framed demux and raw ITM
// passthrough without tearing down the ITM decoder or anything
// downstream of it (§9 "TPIU enable/disable toggle" supplement).
func (s *Session) SetTPIUEnabled(enabled bool) {
	s.tpiuEnabled = enabled
}

// TPIUEnabled reports the current framing mode.
func (s *Session) TPIUEnabled() bool {
	return s.tpiuEnabled
}

// PumpByte feeds one raw byte from the primary input (network or file)
// through the full pipeline: TPIU demux (when enabled) or raw
// passthrough, into the ITM decoder and dispatcher, and into the PMRing
// when the byte belongs to the ITM stream.
func (s *Session) PumpByte(b byte) {
	if !s.tpiuEnabled {
		s.routeStreamByte(itmStreamID, b)
		return
	}

	switch s.TPIU.Pump(b) {
	case tpiu.EventRxedPacket:
		pkt, ok := s.TPIU.GetPacket()
		if !ok {
			return
		}
		for _, item := range pkt.Items {
			s.routeStreamByte(item.StreamID, item.Data)
		}

	case tpiu.EventUnsynced:
		s.report("tpiu: lost sync")

	case tpiu.EventNewSync, tpiu.EventSynced:
		s.report("tpiu: sync acquired")

	case tpiu.EventError:
		s.report("tpiu: decode error")
	}
}

// routeStreamByte feeds one demuxed (or raw) byte into the ITM decoder
// and, for the ITM stream, the PMRing.
func (s *Session) routeStreamByte(streamID uint8, b byte) {
	if streamID == itmStreamID || !s.tpiuEnabled {
		if s.Ring != nil {
			if s.Ring.Push(b) {
				s.onRingWrapped()
			}
		}
	}
	if streamID != itmStreamID {
		return
	}

	switch s.ITM.Pump(b) {
	case itm.EventMessage, itm.EventOverflow, itm.EventError:
		if msg, ok := s.ITM.Message(); ok {
			s.Dispatch.Dispatch(msg)
		}

	case itm.EventSynced:
		s.report("itm: sync acquired")

	case itm.EventUnsynced:
		s.report("itm: lost sync")
	}
}

// onRingWrapped is invoked whenever a running-mode PMRing overwrites its
// oldest byte; it forces the ETM engine to resynchronise on its next
// Pump, per §9 "Ring policy coupling with ETM resync".
func (s *Session) onRingWrapped() {
	if s.ETM != nil {
		s.ETM.ForceSync(true)
	}
	s.report("pmring: wrapped, forcing ETM resync")
}

func (s *Session) report(msg string) {
	if s.OnReport != nil {
		s.OnReport(msg)
	}
	s.Log.Info(msg)
}

// DrainRing decodes everything currently buffered in the PMRing through
// the attached ETM engine (post-mortem path). It is a no-op when no ring
// or no ETM engine is attached.
func (s *Session) DrainRing(onState etm.StateCallback, onReport etm.ReportCallback, ctx any) error {
	if s.Ring == nil || s.ETM == nil {
		return nil
	}

	var pumpErr error
	s.Ring.DrainForDecode(func(a, b []byte) {
		if pumpErr != nil {
			return
		}
		if len(a) > 0 {
			if err := s.ETM.Pump(a, onState, onReport, ctx); err != nil {
				pumpErr = fmt.Errorf("session: drain ring segment a: %w", err)
				return
			}
		}
		if len(b) > 0 {
			if err := s.ETM.Pump(b, onState, onReport, ctx); err != nil {
				pumpErr = fmt.Errorf("session: drain ring segment b: %w", err)
			}
		}
	})
	return pumpErr
}
