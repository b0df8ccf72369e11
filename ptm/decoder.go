package ptm

import (
	"encoding/binary"
	"fmt"

	"github.com/dragonmux/orbuculum/common"
)

// Decoder walks a stream of decoded PTM packets and maintains the
// running CPUState they imply — ISA, address, security state, atom
// disposition and the rest of §4.5's packed state struct — updating it
// directly as each packet is processed rather than building an
// intermediate packet-shaped representation for something else to
// translate afterward.
type Decoder struct {
	// Configuration
	TraceID        uint8                 // Trace source ID
	Log            common.Logger         // Logger for errors and debug info
	MemAcc         common.MemoryAccessor // Memory accessor for reading instruction opcodes
	CycleAccEnable bool                  // Cycle accurate tracing enabled
	RetStackEnable bool                  // Return stack tracing enabled (ETMCR bit 29)

	// state is the CPU-state struct this decoder mutates in place as
	// each packet is processed; ProcessPacket snapshots it on return.
	state CPUState

	// Synchronization state
	syncFound    bool // true once we've seen ASYNC + ISYNC
	waitingISync bool // true after ASYNC, waiting for ISYNC

	// Current processor context - valid indicates we have a good address from ISYNC/BranchAddr
	currentAddr    uint64                // Current program counter
	addrValid      bool                  // True if currentAddr is valid (set by ISYNC/BranchAddr)
	lastPacketAddr uint64                // Last packet-reported address (for address reconstruction)
	currentISA     common.ISA // Current instruction set
	secureState    bool       // Current security state (S/N)
	contextID      uint32     // Current context ID
	vmid           uint8      // Current VMID

	// Return stack for indirect returns - stores (address, ISA) pairs
	retStack    []uint64     // Return addresses
	retStackISA []common.ISA // ISA at each return address

	// Current packet cycle count
	currPktCycleCount uint32 // Cycle count from current packet
	currPktHasCC      bool   // True if current packet has cycle count
}

// NewDecoder creates a new PTM decoder for the given trace ID
func NewDecoder(traceID uint8) *Decoder {
	return &Decoder{
		TraceID: traceID,
		Log:     common.NewNoOpLogger(), // Default to no-op logger
	}
}

// NewDecoderWithLogger creates a new PTM decoder with a custom logger
func NewDecoderWithLogger(traceID uint8, logger common.Logger) *Decoder {
	return &Decoder{
		TraceID: traceID,
		Log:     logger,
	}
}

// SetMemoryAccessor sets the memory accessor for reading instruction opcodes.
// This is required for walking Atom packets to an exact branch waypoint;
// without it, atom packets fall back to counting the raw E/N bitmap.
func (d *Decoder) SetMemoryAccessor(memAcc common.MemoryAccessor) {
	d.MemAcc = memAcc
}

// Reset resets the decoder state
func (d *Decoder) Reset() {
	d.syncFound = false
	d.waitingISync = false
	d.currentAddr = 0
	d.addrValid = false
	d.lastPacketAddr = 0
	d.currentISA = common.ISAARM
	d.secureState = false
	d.contextID = 0
	d.vmid = 0
	d.retStack = nil
	d.retStackISA = nil
	d.currPktCycleCount = 0
	d.currPktHasCC = false
	d.state = CPUState{}
}

// ProcessPacket folds one decoded packet into the running CPUState and
// returns a snapshot of it alongside a mask of the fields it changed.
func (d *Decoder) ProcessPacket(pkt Packet) (CPUState, ChangeMask, error) {
	d.currPktCycleCount = pkt.CycleCount
	d.currPktHasCC = pkt.CCValid

	var mask ChangeMask
	var err error

	switch pkt.Type {
	case PacketTypeASYNC:
		mask, err = d.processASYNC(pkt)

	case PacketTypeISYNC:
		mask, err = d.processISync(pkt)

	case PacketTypeBranchAddr:
		mask, err = d.processBranchAddress(pkt)

	case PacketTypeATOM:
		mask, err = d.processAtomPacket(pkt)

	case PacketTypeTimestamp:
		mask, err = d.processTimestamp(pkt)

	case PacketTypeContextID:
		mask, err = d.processContextID(pkt)

	case PacketTypeVMID:
		mask, err = d.processVMID(pkt)

	case PacketTypeExceptionReturn:
		mask, err = d.processExceptionReturn(pkt)

	case PacketTypeUnknown:
		d.Log.Logf(common.SeverityDebug, "Ignoring unknown packet at offset %d", pkt.Offset)

	default:
		err = fmt.Errorf("unhandled packet type: %s", pkt.Type)
	}

	return d.state, mask, err
}

// processASYNC handles ASYNC packets - signals start of sync sequence
func (d *Decoder) processASYNC(pkt Packet) (ChangeMask, error) {
	if !d.syncFound {
		d.Log.Debug("ASYNC packet received, waiting for ISYNC")
		d.waitingISync = true
	}
	return 0, nil
}

// processISync handles ISYNC packets - establishes synchronization
func (d *Decoder) processISync(pkt Packet) (ChangeMask, error) {
	if !d.syncFound {
		d.syncFound = true
		d.waitingISync = false
		d.Log.Logf(common.SeverityInfo, "Synchronization established at address 0x%x", pkt.Address)
	}

	d.currentAddr = pkt.Address
	d.addrValid = true
	d.lastPacketAddr = pkt.Address
	d.currentISA = pkt.ISA
	if pkt.SecureValid {
		d.secureState = pkt.SecureState
	}
	d.contextID = pkt.ContextID
	if pkt.VMID != 0 {
		d.vmid = pkt.VMID
	}

	var mask ChangeMask
	d.state.Address = pkt.Address
	mask |= ChangeAddress
	d.state.ISLSIP = true
	mask |= ChangeISLSIP

	if pkt.ISAValid {
		d.state.Thumb = isThumb(d.currentISA)
		mask |= ChangeThumb
	}
	if pkt.SecureValid {
		d.state.Secure = d.secureState
		d.state.NonSecure = !d.secureState
		mask |= ChangeSecure | ChangeNonSecureState
	}
	d.state.AltISA = pkt.AltISA
	mask |= ChangeAltISA
	d.state.Hyp = pkt.Hypervisor
	mask |= ChangeHyp
	d.state.ContextID = d.contextID
	mask |= ChangeContextID
	d.state.VMID = d.vmid
	mask |= ChangeVMID
	if pkt.CCValid {
		d.state.CycleCount = pkt.CycleCount
		mask |= ChangeCycleCount
	}

	d.Log.Logf(common.SeverityDebug, "ISYNC: addr=0x%x ISA=%s", d.currentAddr, d.currentISA)

	return mask, nil
}

// processBranchAddress handles branch address packets - updates PC
func (d *Decoder) processBranchAddress(pkt Packet) (ChangeMask, error) {
	if !d.syncFound {
		return 0, nil
	}

	addr := pkt.Address
	if pkt.AddrBits > 0 {
		bits := (uint64(1) << pkt.AddrBits) - 1
		addr = (d.lastPacketAddr & ^bits) | (addr & bits)
	}

	if pkt.ISAValid {
		d.currentISA = pkt.ISA
	}
	if pkt.SecureValid {
		d.secureState = pkt.SecureState
	}

	var mask ChangeMask
	d.state.Address = addr
	mask |= ChangeAddress
	if pkt.ISAValid {
		d.state.Thumb = isThumb(d.currentISA)
		mask |= ChangeThumb
	}
	if pkt.SecureValid {
		d.state.Secure = d.secureState
		d.state.NonSecure = !d.secureState
		mask |= ChangeSecure | ChangeNonSecureState
	}
	d.state.Hyp = pkt.Hypervisor
	mask |= ChangeHyp

	if pkt.ExceptionNum != 0 {
		d.state.ExcEntry = true
		mask |= ChangeExceptionEntry
		d.Log.Logf(common.SeverityDebug, "Exception: num=0x%x at addr=0x%x", pkt.ExceptionNum, d.currentAddr)
	} else if d.MemAcc != nil && d.addrValid {
		// A branch address with no exception number implies the
		// preceding atom was executed: walk to it so retStack and
		// currentAddr stay consistent with what actually ran.
		if _, err := d.traceToWaypoint(common.AtomExecuted); err != nil {
			d.Log.Logf(common.SeverityWarning, "Failed to trace to waypoint: %v", err)
			return mask, err
		}
	}
	if pkt.CCValid {
		d.state.CycleCount = pkt.CycleCount
		mask |= ChangeCycleCount
	}

	d.currentAddr = addr
	d.addrValid = true
	d.lastPacketAddr = addr
	d.Log.Logf(common.SeverityDebug, "Branch to address: 0x%x", d.currentAddr)

	return mask, nil
}

// traceToWaypoint walks instructions from currentAddr until a branch is
// found, updating currentAddr and the return-address stack as it goes.
// atom indicates whether the branch should be treated as taken (E) or
// not taken (N); it returns the executed disposition of the branch that
// was actually found (which can differ from atom for unconditional
// branches) or an error if no branch turned up within the search bound.
// A memory access failure invalidates currentAddr and returns (false, nil)
// rather than an error, since the caller should simply stop walking and
// wait for the next ISYNC or BranchAddr packet to resynchronize.
func (d *Decoder) traceToWaypoint(atom common.Atom) (bool, error) {
	if d.MemAcc == nil {
		return false, fmt.Errorf("memory accessor not set")
	}
	if !d.addrValid {
		return false, nil
	}

	rangeStart := d.currentAddr
	lastExec := atom == common.AtomExecuted

	for step := 0; step < 4096; step++ {
		prevAddr := d.currentAddr
		instrInfo, err := d.decodeInstruction(prevAddr)
		if err != nil {
			d.Log.Logf(common.SeverityWarning, "Memory access error at 0x%X: %v", prevAddr, err)
			d.addrValid = false
			return false, nil
		}
		nextAddr := prevAddr + uint64(instrInfo.Size)

		if instrInfo.IsBranch {
			executed := atom == common.AtomExecuted
			if !instrInfo.IsConditional {
				executed = true
			}
			lastExec = executed

			if executed && instrInfo.IsLink && d.RetStackEnable {
				d.retStack = append(d.retStack, nextAddr)
				d.retStackISA = append(d.retStackISA, d.currentISA)
			}

			if executed {
				switch {
				case instrInfo.HasBranchTarget:
					d.currentAddr = instrInfo.BranchTarget
				case d.RetStackEnable && instrInfo.Type == common.InstrTypeBranchIndirect && instrInfo.IsReturn && len(d.retStack) > 0:
					target := d.retStack[len(d.retStack)-1]
					targetISA := d.retStackISA[len(d.retStackISA)-1]
					d.retStack = d.retStack[:len(d.retStack)-1]
					d.retStackISA = d.retStackISA[:len(d.retStackISA)-1]
					d.currentAddr = target
					d.currentISA = targetISA
				default:
					d.currentAddr = nextAddr
				}
			} else {
				d.currentAddr = nextAddr
			}

			if executed && instrInfo.NextISAValid {
				d.currentISA = instrInfo.NextISA
			}

			d.Log.Logf(common.SeverityDebug, "  -> walked 0x%X-0x%X exec=%v", rangeStart, nextAddr, lastExec)
			return lastExec, nil
		}

		d.currentAddr = nextAddr
	}

	return false, fmt.Errorf("no branch found within 4096 instructions starting at 0x%X", rangeStart)
}

// processAtomPacket handles atom packets - walks or counts executed atoms
func (d *Decoder) processAtomPacket(pkt Packet) (ChangeMask, error) {
	if !d.syncFound {
		return 0, nil
	}

	if pkt.CCValid {
		d.currPktCycleCount = pkt.CycleCount
		d.currPktHasCC = true
	} else {
		d.currPktHasCC = false
	}

	d.Log.Logf(common.SeverityDebug, "Atom: %d atoms, pattern=0x%x", pkt.AtomCount, pkt.AtomBits)

	var eAtoms, nAtoms uint8
	var walkErr error

	if d.MemAcc == nil {
		// No memory image: report the raw E/N disposition without
		// walking real instruction ranges.
		eAtoms, nAtoms = atomCounts(pkt.AtomBits, pkt.AtomCount)
	} else {
		for i := uint8(0); i < pkt.AtomCount; i++ {
			if !d.addrValid {
				break
			}
			atomBit := (pkt.AtomBits >> i) & 1
			atom := common.AtomNotExecuted
			if atomBit == 1 {
				atom = common.AtomExecuted
			}

			executed, err := d.traceToWaypoint(atom)
			if err != nil {
				d.Log.Logf(common.SeverityWarning, "Failed to trace to waypoint for atom %d: %v", i, err)
				walkErr = err
				break
			}
			if executed {
				eAtoms++
			} else {
				nAtoms++
			}
		}
	}

	var mask ChangeMask
	d.state.EAtoms = eAtoms
	d.state.NAtoms = nAtoms
	d.state.Disposition = pkt.AtomBits
	mask |= ChangeAtoms | ChangeDisposition
	if d.MemAcc != nil {
		d.state.Address = d.currentAddr
		mask |= ChangeAddress
	}
	if pkt.CCValid {
		d.state.CycleCount = pkt.CycleCount
		mask |= ChangeCycleCount
	}

	return mask, walkErr
}

func (d *Decoder) decodeInstruction(addr uint64) (*common.InstrInfo, error) {
	if d.MemAcc == nil {
		return nil, fmt.Errorf("memory accessor not set")
	}

	buf := make([]byte, 4)
	n, err := d.MemAcc.ReadTargetMemory(addr, buf)
	if err != nil {
		return nil, err
	}
	if n < 4 {
		return nil, fmt.Errorf("incomplete instruction read at 0x%X: got %d bytes", addr, n)
	}

	decoder := NewInstrDecoder(d.currentISA)
	if d.currentISA == common.ISAARM {
		opcode := binary.LittleEndian.Uint32(buf)
		return decoder.DecodeARMOpcode(addr, opcode)
	}

	return decoder.DecodeInstruction(addr, d.MemAcc)
}

// processTimestamp handles timestamp packets
func (d *Decoder) processTimestamp(pkt Packet) (ChangeMask, error) {
	if !d.syncFound {
		return 0, nil
	}

	var mask ChangeMask
	d.state.Timestamp = pkt.Timestamp
	mask |= ChangeTimestamp
	if pkt.CCValid {
		d.state.CycleCount = pkt.CycleCount
		mask |= ChangeCycleCount
	}

	d.Log.Logf(common.SeverityDebug, "Timestamp: 0x%x", pkt.Timestamp)

	return mask, nil
}

// processContextID handles context ID packets
func (d *Decoder) processContextID(pkt Packet) (ChangeMask, error) {
	if !d.syncFound {
		return 0, nil
	}

	d.contextID = pkt.ContextID
	d.state.ContextID = d.contextID
	d.Log.Logf(common.SeverityDebug, "Context ID updated: 0x%x", d.contextID)

	return ChangeContextID, nil
}

// processVMID handles VMID packets
func (d *Decoder) processVMID(pkt Packet) (ChangeMask, error) {
	if !d.syncFound {
		return 0, nil
	}

	d.vmid = pkt.VMID
	d.state.VMID = d.vmid
	d.Log.Logf(common.SeverityDebug, "VMID updated: 0x%x", d.vmid)

	return ChangeVMID, nil
}

// processExceptionReturn handles exception return packets
func (d *Decoder) processExceptionReturn(pkt Packet) (ChangeMask, error) {
	if !d.syncFound {
		return 0, nil
	}

	d.state.ExcExit = true
	d.Log.Logf(common.SeverityDebug, "Exception return")

	return ChangeExceptionExit, nil
}

func isThumb(isa common.ISA) bool {
	return isa == common.ISAThumb2 || isa == common.ISAThumb
}

// atomCounts splits a raw E/N atom bitmap into executed/not-executed
// tallies without walking any instruction memory, for use when no
// MemoryAccessor is configured.
func atomCounts(bits uint8, count uint8) (executed, notExecuted uint8) {
	for i := uint8(0); i < count; i++ {
		if (bits>>i)&1 == 1 {
			executed++
		} else {
			notExecuted++
		}
	}
	return executed, notExecuted
}

// IsSynchronized returns true if the decoder has synchronized with the trace stream
func (d *Decoder) IsSynchronized() bool {
	return d.syncFound
}

// GetCurrentAddress returns the current program counter
func (d *Decoder) GetCurrentAddress() uint64 {
	return d.currentAddr
}

// GetCurrentISA returns the current instruction set
func (d *Decoder) GetCurrentISA() common.ISA {
	return d.currentISA
}
