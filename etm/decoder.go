package etm

import (
	"fmt"

	"github.com/dragonmux/orbuculum/common"
	"github.com/dragonmux/orbuculum/ptm"
)

// Decoder implements the ETM pump/callback surface (§4.5) over the PTM
// atom/branch/ISA engine (§4.6). The underlying ptm.Processor derives
// CPUState updates itself while it walks each packet, so Pump only
// has to forward what it is handed.
type Decoder struct {
	Log common.Logger

	proc *ptm.Processor
}

// NewDecoder builds an ETM decoder for the given trace ID.
func NewDecoder(traceID uint8) *Decoder {
	return &Decoder{
		Log:  common.NewNoOpLogger(),
		proc: ptm.NewProcessor(traceID),
	}
}

// NewDecoderWithLogger builds an ETM decoder using a caller-supplied logger,
// also threaded into the underlying PTM processor.
func NewDecoderWithLogger(traceID uint8, logger common.Logger) *Decoder {
	return &Decoder{
		Log:  logger,
		proc: ptm.NewProcessorWithLogger(traceID, logger),
	}
}

// SetMemoryAccessor wires a memory accessor used to resolve instruction
// disposition for address ranges requiring opcode fetch.
func (d *Decoder) SetMemoryAccessor(memAcc common.MemoryAccessor) {
	d.proc.SetMemoryAccessor(memAcc)
}

// Configure applies PTM device configuration (trace ID, ETMCR) to the
// underlying decoder. No ETMv4 architecture/profile configuration is
// applied.
func (d *Decoder) Configure(cfg ptm.PTMDeviceConfig) {
	d.proc.Apply(cfg)
}

// ConfigureFromSnapshot looks up this decoder's trace ID among the PTM
// device ini files listed in a snapshot directory's snapshot.ini, applies
// the matching device configuration, and returns the path of the device
// ini it used.
func (d *Decoder) ConfigureFromSnapshot(snapshotDir string) (string, error) {
	return d.proc.ConfigureFromSnapshot(snapshotDir)
}

// ForceSync drops any partial packet state and re-scans for an ASYNC
// alignment sequence on the next Pump call. Also invoked by a session
// when its PMRing wraps in running mode (§9, "Ring policy coupling
// with ETM resync").
func (d *Decoder) ForceSync(sync bool) {
	if sync {
		d.proc.Reset()
	}
}

// Pump consumes one buffer of raw ETM trace bytes, invoking onState once
// per decoded packet that changed the running CPUState (with the state
// snapshot and a mask of what changed), and onReport for
// synchronization/decode diagnostics.
func (d *Decoder) Pump(raw []byte, onState StateCallback, onReport ReportCallback, ctx any) error {
	packets, updates, err := d.proc.ProcessRaw(raw)
	if err != nil {
		if onReport != nil {
			onReport(fmt.Sprintf("etm: decode error: %v", err), ctx)
		}
		return err
	}

	if onReport != nil {
		for _, pkt := range packets {
			if pkt.Type == ptm.PacketTypeUnknown {
				onReport("etm: unsupported packet", ctx)
			}
		}
	}

	if onState != nil {
		for _, u := range updates {
			onState(u.State, u.Mask, ctx)
		}
	}

	if !d.proc.IsSynchronized() && onReport != nil {
		onReport(fmt.Sprintf("etm: unsynced (%s)", d.proc.UnsyncReason()), ctx)
	}

	return nil
}
