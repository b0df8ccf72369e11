// Package printer renders decoded events as text: channel format
// strings for software FIFO output and ASCII lines for hardware
// channel events (§6).
package printer

import (
	"fmt"
	"math"
	"strings"
)

// FormatChannel renders one software-channel event per the §6 channel
// format string rules:
//   - contains "%f": reinterpret the 32-bit value as an IEEE-754 single
//     and substitute it as the sole parameter.
//   - contains "%c": emit the format once per byte of raw, LSB first.
//   - otherwise: emit once with the value repeated to fill up to four
//     positional parameters.
func FormatChannel(format string, value uint32, raw []byte) string {
	switch {
	case strings.Contains(format, "%f"):
		return fmt.Sprintf(format, math.Float32frombits(value))

	case strings.Contains(format, "%c"):
		var sb strings.Builder
		for _, b := range raw {
			sb.WriteString(fmt.Sprintf(format, b))
		}
		return sb.String()

	default:
		return fmt.Sprintf(format, value, value, value, value)
	}
}

// HWEventKind numbers the hardware-channel ASCII line kinds (§6).
type HWEventKind int

const (
	HWEventException HWEventKind = iota
	HWEventDWT
	HWEventPCSample
	HWEventRWWT
	HWEventAWP
	HWEventOFS
	HWEventTS
	HWEventNISync
)

func (k HWEventKind) String() string {
	switch k {
	case HWEventException:
		return "EXCEPTION"
	case HWEventDWT:
		return "DWT"
	case HWEventPCSample:
		return "PCSAMPLE"
	case HWEventRWWT:
		return "RWWT"
	case HWEventAWP:
		return "AWP"
	case HWEventOFS:
		return "OFS"
	case HWEventTS:
		return "TS"
	case HWEventNISync:
		return "NISYNC"
	default:
		return "UNKNOWN"
	}
}

// FormatHardwareLine renders one hardware-channel event as the
// "{kind},{deltaTS},{fields...}" ASCII line named in §6, EOL included.
func FormatHardwareLine(kind HWEventKind, deltaTS uint64, fields ...any) string {
	parts := make([]string, 0, len(fields)+2)
	parts = append(parts, kind.String(), fmt.Sprintf("%d", deltaTS))
	for _, f := range fields {
		parts = append(parts, fmt.Sprintf("%v", f))
	}
	return strings.Join(parts, ",") + "\n"
}

