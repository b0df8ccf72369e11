// Package dispatch implements the per-variant message router (§4.3): a
// function-pointer table keyed by message kind, expressed here as a Go
// interface with one method per variant (§9 "Dispatch table").
package dispatch

import "github.com/dragonmux/orbuculum/itm"

// Handler receives exactly one method call per dispatched message, on the
// pump thread. Messages are passed by value; Dispatcher retains no
// reference after the call returns. A consumer that only cares about
// some variants embeds NoOpHandler and overrides the rest.
type Handler interface {
	Software(itm.Software)
	Timestamp(itm.Timestamp)
	Exception(itm.Exception)
	PCSample(itm.PCSample)
	DWTEvent(itm.DWTEvent)
	DataRWWP(itm.DataRWWP)
	DataAccessWP(itm.DataAccessWP)
	DataOffsetWP(itm.DataOffsetWP)
	NISync(itm.NISync)
	Overflow(itm.Overflow)
	Error(itm.ErrEvent)
	Unsynced(itm.UnsyncedEvent)
}

// NoOpHandler implements Handler with every method a no-op; embed it to
// pick only the variants a consumer cares about.
type NoOpHandler struct{}

func (NoOpHandler) Software(itm.Software)           {}
func (NoOpHandler) Timestamp(itm.Timestamp)         {}
func (NoOpHandler) Exception(itm.Exception)         {}
func (NoOpHandler) PCSample(itm.PCSample)            {}
func (NoOpHandler) DWTEvent(itm.DWTEvent)            {}
func (NoOpHandler) DataRWWP(itm.DataRWWP)            {}
func (NoOpHandler) DataAccessWP(itm.DataAccessWP)    {}
func (NoOpHandler) DataOffsetWP(itm.DataOffsetWP)    {}
func (NoOpHandler) NISync(itm.NISync)                {}
func (NoOpHandler) Overflow(itm.Overflow)            {}
func (NoOpHandler) Error(itm.ErrEvent)               {}
func (NoOpHandler) Unsynced(itm.UnsyncedEvent)       {}

// FilewriterChannel is the reserved software-channel source address that
// steers Software messages to the filewriter handler instead of Handler.
const FilewriterChannel = 31

// Dispatcher routes decoded ITM messages to a Handler, synchronously and
// in stream order. A missing handler (nil Dispatcher.Handler) silently
// drops the message, matching the "missing handler ignored" contract.
type Dispatcher struct {
	Handler     Handler
	Filewriter  func(itm.Software)
}

// New creates a Dispatcher with no handlers registered.
func New() *Dispatcher {
	return &Dispatcher{}
}

// Dispatch routes one message to its handler. It never reorders or drops
// a message it was actually given; "drop" here only ever means "no
// handler was registered for this variant."
func (d *Dispatcher) Dispatch(m itm.Message) {
	switch v := m.(type) {
	case itm.Software:
		if v.SrcAddr == FilewriterChannel && d.Filewriter != nil {
			d.Filewriter(v)
			return
		}
		if d.Handler != nil {
			d.Handler.Software(v)
		}
	case itm.Timestamp:
		if d.Handler != nil {
			d.Handler.Timestamp(v)
		}
	case itm.Exception:
		if d.Handler != nil {
			d.Handler.Exception(v)
		}
	case itm.PCSample:
		if d.Handler != nil {
			d.Handler.PCSample(v)
		}
	case itm.DWTEvent:
		if d.Handler != nil {
			d.Handler.DWTEvent(v)
		}
	case itm.DataRWWP:
		if d.Handler != nil {
			d.Handler.DataRWWP(v)
		}
	case itm.DataAccessWP:
		if d.Handler != nil {
			d.Handler.DataAccessWP(v)
		}
	case itm.DataOffsetWP:
		if d.Handler != nil {
			d.Handler.DataOffsetWP(v)
		}
	case itm.NISync:
		if d.Handler != nil {
			d.Handler.NISync(v)
		}
	case itm.Overflow:
		if d.Handler != nil {
			d.Handler.Overflow(v)
		}
	case itm.ErrEvent:
		if d.Handler != nil {
			d.Handler.Error(v)
		}
	case itm.UnsyncedEvent:
		if d.Handler != nil {
			d.Handler.Unsynced(v)
		}
	}
}
