package ptm

// ChangeMask enumerates which CPUState fields a single decoded packet
// updated.
type ChangeMask uint32

const (
	ChangeAddress ChangeMask = 1 << iota
	ChangeAtoms
	ChangeDisposition
	ChangeVMID
	ChangeContextID
	ChangeSecure
	ChangeNonSecureState
	ChangeExceptionEntry
	ChangeExceptionExit
	ChangeTrigger
	ChangeTimestamp
	ChangeCycleCount
	ChangeClockSpeed
	ChangeISLSIP
	ChangeAltISA
	ChangeHyp
	ChangeJazelle
	ChangeThumb
)

// CPUState is the packed CPU-state struct this decoder maintains as it
// walks atoms and branches. Only fields named by the mask returned
// alongside a given state snapshot carry new data for that packet; the
// rest hold over from the previous one.
type CPUState struct {
	Address uint64

	// EAtoms/NAtoms is the executed/not-executed instruction-group
	// count walked for the current atom packet's E/N pattern.
	EAtoms uint8
	NAtoms uint8

	// Disposition is the raw E/N bitmap (bit i set => instruction i in
	// the current range executed), per GLOSSARY "Disposition".
	Disposition uint8

	VMID       uint8
	ContextID  uint32
	Secure     bool
	NonSecure  bool
	ExcEntry   bool
	ExcExit    bool
	Trigger    bool
	Timestamp  uint64
	CycleCount uint32
	ClockSpeed uint32

	// ISLSIP is set by an I-Sync packet, which establishes a new
	// instruction-synchronisation point; like the other fields it holds
	// over, and no later packet clears it — no
	// ARM reference manual assigns this acronym a fixed meaning in the
	// surfaced interface, so this decoder defines it as "instruction
	// stream last-sync-is-packet".
	ISLSIP bool

	AltISA  bool
	Hyp     bool
	Jazelle bool
	Thumb   bool
}

// StateUpdate pairs one packet's resulting CPUState snapshot with the
// mask of fields that packet changed.
type StateUpdate struct {
	State CPUState
	Mask  ChangeMask
}

// StateCallback receives the updated CPU state and a mask of which
// fields changed as a result of the packet just decoded.
type StateCallback func(state CPUState, mask ChangeMask, ctx any)

// ReportCallback receives a human-readable diagnostic line (sync loss,
// unsupported packet, decode error) alongside the pump's ctx.
type ReportCallback func(report string, ctx any)
