package etm

import (
	"testing"

	"github.com/dragonmux/orbuculum/ptm"
)

func TestPumpISyncReportsAddressAndISLSIP(t *testing.T) {
	d := NewDecoder(0)

	var got CPUState
	var mask ChangeMask
	calls := 0

	raw := append([]byte{0x00, 0x00, 0x00, 0x00, 0x00, 0x80}, isyncBytes(0x1000, false)...)

	err := d.Pump(raw, func(state CPUState, m ChangeMask, ctx any) {
		if state.Address == 0x1000 {
			got = state
			mask = m
			calls++
		}
	}, nil, nil)
	if err != nil {
		t.Fatalf("Pump returned error: %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected exactly one state callback for the ISYNC address, got %d", calls)
	}
	if mask&ChangeAddress == 0 {
		t.Fatalf("expected ChangeAddress set, mask=%v", mask)
	}
	if mask&ChangeISLSIP == 0 {
		t.Fatalf("expected ChangeISLSIP set, mask=%v", mask)
	}
	if got.Address != 0x1000 {
		t.Fatalf("got Address=0x%x, want 0x1000", got.Address)
	}
	if !got.ISLSIP {
		t.Fatalf("expected ISLSIP set on the ISYNC state snapshot")
	}
}

func TestForceSyncResetsProcessorState(t *testing.T) {
	d := NewDecoder(0)
	d.ForceSync(true)
	if d.proc.UnsyncReason() != ptm.UnsyncResetDecoder {
		t.Fatalf("ForceSync(true) should reset the underlying processor, got reason %v", d.proc.UnsyncReason())
	}
}

// TestPumpAtomPacketCountsWithoutMemoryAccessor exercises a 3-atom
// P-header (pattern "NEE", AtomBits=0b110) with no memory accessor
// wired, so the decoder must fall back to counting the raw E/N bitmap
// rather than walking instruction memory.
func TestPumpAtomPacketCountsWithoutMemoryAccessor(t *testing.T) {
	d := NewDecoder(0)

	raw := append(asyncAndISync(0x1000), 0x98)

	var got CPUState
	var mask ChangeMask
	calls := 0
	err := d.Pump(raw, func(state CPUState, m ChangeMask, ctx any) {
		if m&ChangeAtoms != 0 {
			got = state
			mask = m
			calls++
		}
	}, nil, nil)
	if err != nil {
		t.Fatalf("Pump returned error: %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected exactly one atom state callback, got %d", calls)
	}
	if mask&ChangeDisposition == 0 {
		t.Fatalf("expected ChangeDisposition set alongside ChangeAtoms, mask=%v", mask)
	}
	if got.EAtoms != 2 || got.NAtoms != 1 {
		t.Fatalf("got EAtoms=%d NAtoms=%d, want 2/1", got.EAtoms, got.NAtoms)
	}
	if got.Disposition != 0b110 {
		t.Fatalf("got Disposition=0b%b, want 0b110", got.Disposition)
	}
}

func TestPumpTimestampUpdatesTimestampField(t *testing.T) {
	d := NewDecoder(0)

	raw := append(asyncAndISync(0x1000), 0x42, 0x05)

	var got CPUState
	var mask ChangeMask
	err := d.Pump(raw, func(state CPUState, m ChangeMask, ctx any) {
		if m&ChangeTimestamp != 0 {
			got = state
			mask = m
		}
	}, nil, nil)
	if err != nil {
		t.Fatalf("Pump returned error: %v", err)
	}
	if mask&ChangeTimestamp == 0 {
		t.Fatalf("expected ChangeTimestamp set, mask=%v", mask)
	}
	if got.Timestamp != 5 {
		t.Fatalf("got Timestamp=%d, want 5", got.Timestamp)
	}
}

func TestPumpContextIDPacketUpdatesContextID(t *testing.T) {
	d := NewDecoder(0)

	raw := append(asyncAndISync(0x1000), 0x6E, 0x11, 0x22, 0x33, 0x44)

	var got CPUState
	var mask ChangeMask
	err := d.Pump(raw, func(state CPUState, m ChangeMask, ctx any) {
		if m&ChangeContextID != 0 {
			got = state
			mask = m
		}
	}, nil, nil)
	if err != nil {
		t.Fatalf("Pump returned error: %v", err)
	}
	if mask&ChangeContextID == 0 {
		t.Fatalf("expected ChangeContextID set, mask=%v", mask)
	}
	if got.ContextID != 0x44332211 {
		t.Fatalf("got ContextID=0x%08x, want 0x44332211", got.ContextID)
	}
}

func TestPumpVMIDPacketUpdatesVMID(t *testing.T) {
	d := NewDecoder(0)

	raw := append(asyncAndISync(0x1000), 0x3C, 0x07)

	var got CPUState
	var mask ChangeMask
	err := d.Pump(raw, func(state CPUState, m ChangeMask, ctx any) {
		if m&ChangeVMID != 0 && state.VMID == 0x07 {
			got = state
			mask = m
		}
	}, nil, nil)
	if err != nil {
		t.Fatalf("Pump returned error: %v", err)
	}
	if mask&ChangeVMID == 0 {
		t.Fatalf("expected ChangeVMID set, mask=%v", mask)
	}
	if got.VMID != 0x07 {
		t.Fatalf("got VMID=0x%02x, want 0x07", got.VMID)
	}
}

func TestPumpExceptionReturnSetsExcExit(t *testing.T) {
	d := NewDecoder(0)

	raw := append(asyncAndISync(0x1000), 0x76)

	var got CPUState
	var mask ChangeMask
	err := d.Pump(raw, func(state CPUState, m ChangeMask, ctx any) {
		if m&ChangeExceptionExit != 0 {
			got = state
			mask = m
		}
	}, nil, nil)
	if err != nil {
		t.Fatalf("Pump returned error: %v", err)
	}
	if mask&ChangeExceptionExit == 0 {
		t.Fatalf("expected ChangeExceptionExit set, mask=%v", mask)
	}
	if !got.ExcExit {
		t.Fatalf("expected ExcExit set on the exception-return state snapshot")
	}
}

// TestPumpBranchAddressAppliesPartialAddressBits sends a single-byte
// branch address packet (8 significant address bits after the ARM
// alignment shift) and checks that only the low byte of the running
// address is replaced, the rest held over from the last I-Sync.
func TestPumpBranchAddressAppliesPartialAddressBits(t *testing.T) {
	d := NewDecoder(0)

	raw := append(asyncAndISync(0x1234), 0x01)

	var got CPUState
	var mask ChangeMask
	calls := 0
	err := d.Pump(raw, func(state CPUState, m ChangeMask, ctx any) {
		if m&ChangeAddress != 0 && state.Address != 0x1234 {
			got = state
			mask = m
			calls++
		}
	}, nil, nil)
	if err != nil {
		t.Fatalf("Pump returned error: %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected exactly one branch-address callback, got %d", calls)
	}
	if mask&ChangeAddress == 0 {
		t.Fatalf("expected ChangeAddress set, mask=%v", mask)
	}
	if got.Address != 0x1200 {
		t.Fatalf("got Address=0x%x, want 0x1200", got.Address)
	}
}

func TestPumpReportsUnsupportedPacket(t *testing.T) {
	d := NewDecoder(0)

	raw := append(asyncAndISync(0x1000), 0x10)

	var reports []string
	err := d.Pump(raw, nil, func(report string, ctx any) {
		reports = append(reports, report)
	}, nil)
	if err != nil {
		t.Fatalf("Pump returned error: %v", err)
	}

	found := false
	for _, r := range reports {
		if r == "etm: unsupported packet" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected an unsupported-packet report, got %v", reports)
	}
}

func TestPumpReportsSyncLossWhenNoAsyncFound(t *testing.T) {
	d := NewDecoder(0)

	raw := []byte{0x10, 0x20, 0x30, 0x40, 0x50, 0x60, 0x70}

	var reports []string
	err := d.Pump(raw, nil, func(report string, ctx any) {
		reports = append(reports, report)
	}, nil)
	if err != nil {
		t.Fatalf("Pump returned error: %v", err)
	}

	found := false
	for _, r := range reports {
		if r == "etm: unsynced (init-decoder)" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected an unsynced report with reason init-decoder, got %v", reports)
	}
}

// asyncAndISync builds an ASYNC alignment sequence followed by a minimal
// I-Sync packet at the given address, the standard way every test in
// this file establishes synchronization before exercising a packet type.
func asyncAndISync(addr uint32) []byte {
	return append([]byte{0x00, 0x00, 0x00, 0x00, 0x00, 0x80}, isyncBytes(addr, false)...)
}

// isyncBytes builds a minimal I-Sync packet: header, 4 little-endian
// address bytes, and an info byte (NS clear => secure, no alt-ISA/hyp,
// reason periodic).
func isyncBytes(addr uint32, thumb bool) []byte {
	a0 := byte(addr)
	if thumb {
		a0 |= 0x01
	}
	return []byte{
		0x08,
		a0, byte(addr >> 8), byte(addr >> 16), byte(addr >> 24),
		0x00,
	}
}
