// Package etm implements the ETM decoder surface at the interface level
// (§4.5): a pump/callback contract over the atom/branch/ISA engine that
// now lives in package ptm (§4.6), which derives CPUState updates
// directly while it walks packets rather than through a translation
// pass bolted on afterward.
package etm

import "github.com/dragonmux/orbuculum/ptm"

// ChangeMask and CPUState are defined in package ptm, next to the
// engine that produces them; these aliases keep this package's public
// surface stable for callers that predate the move.
type ChangeMask = ptm.ChangeMask

const (
	ChangeAddress        = ptm.ChangeAddress
	ChangeAtoms          = ptm.ChangeAtoms
	ChangeDisposition    = ptm.ChangeDisposition
	ChangeVMID           = ptm.ChangeVMID
	ChangeContextID      = ptm.ChangeContextID
	ChangeSecure         = ptm.ChangeSecure
	ChangeNonSecureState = ptm.ChangeNonSecureState
	ChangeExceptionEntry = ptm.ChangeExceptionEntry
	ChangeExceptionExit  = ptm.ChangeExceptionExit
	ChangeTrigger        = ptm.ChangeTrigger
	ChangeTimestamp      = ptm.ChangeTimestamp
	ChangeCycleCount     = ptm.ChangeCycleCount
	ChangeClockSpeed     = ptm.ChangeClockSpeed
	ChangeISLSIP         = ptm.ChangeISLSIP
	ChangeAltISA         = ptm.ChangeAltISA
	ChangeHyp            = ptm.ChangeHyp
	ChangeJazelle        = ptm.ChangeJazelle
	ChangeThumb          = ptm.ChangeThumb
)

type CPUState = ptm.CPUState

// StateCallback receives the updated CPU state and a mask of which
// fields changed as a result of the packet just decoded.
type StateCallback = ptm.StateCallback

// ReportCallback receives a human-readable diagnostic line (sync loss,
// unsupported packet, decode error) alongside the pump's ctx.
type ReportCallback = ptm.ReportCallback
