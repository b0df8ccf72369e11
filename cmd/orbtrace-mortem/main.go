// Command orbtrace-mortem is the post-mortem CLI (§6): it streams raw
// bytes into a session.Session's PMRing and, whenever the ring hangs
// (or at EOF), drains it through the ETM decoder and prints the
// resulting CPU-state transitions.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/dragonmux/orbuculum/common"
	"github.com/dragonmux/orbuculum/config"
	"github.com/dragonmux/orbuculum/etm"
	"github.com/dragonmux/orbuculum/netsource"
	"github.com/dragonmux/orbuculum/session"
)

const (
	exitOK          = 0
	exitOptionError = -1
	exitFileError   = -4
	exitNetError    = -2
)

// Post-mortem timers (§5 "Shared resources"): tick drives UI refresh,
// interval drives rate-stat logging, hang triggers an automatic drain.
const (
	tickInterval     = 100 * time.Millisecond
	statsInterval    = 1000 * time.Millisecond
	hangInterval     = 200 * time.Millisecond
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	fs := flag.NewFlagSet("orbtrace-mortem", flag.ContinueOnError)
	terminateAtEOF := fs.Bool("E", false, "terminate at EOF instead of waiting for the ring to hang")
	inFile := fs.String("f", "", "input file (default: network source)")
	source := fs.String("s", "", "HOST:PORT source")
	tpiuChan := fs.Int("t", -1, "enable TPIU framing when >= 0; ITM is always demuxed from TPIU stream 2")
	ringKiB := fs.Int("b", 0, "PM ring size in KiB")
	traceID := fs.Int("i", 0, "ETM trace ID")
	snapshotDir := fs.String("d", "", "snapshot directory to auto-configure the ETM decoder from")
	memImage := fs.String("m", "", "ADDR,FILE: load a memory image for branch-target opcode fetch")
	verbosity := fs.Int("v", 1, "log verbosity level")

	if err := fs.Parse(args); err != nil {
		return exitOptionError
	}

	cfg := config.Default()
	cfg.TPIUEnabled = *tpiuChan >= 0
	if *ringKiB > 0 {
		cfg.RingCapacity = *ringKiB * 1024
	}
	cfg.Verbose = *verbosity > 1

	minLevel := common.SeverityWarning
	if cfg.Verbose {
		minLevel = common.SeverityDebug
	}
	log := common.NewStdLogger(minLevel)

	sess := session.New(cfg, log)
	etmDec := etm.NewDecoderWithLogger(uint8(*traceID), log)
	if *snapshotDir != "" {
		if path, err := etmDec.ConfigureFromSnapshot(*snapshotDir); err != nil {
			fmt.Fprintln(os.Stderr, "orbtrace-mortem:", err)
			return exitFileError
		} else {
			log.Info(fmt.Sprintf("orbtrace-mortem: configured ETM decoder from %s", path))
		}
	}
	if *memImage != "" {
		buf, err := loadMemoryImage(*memImage)
		if err != nil {
			fmt.Fprintln(os.Stderr, "orbtrace-mortem:", err)
			return exitFileError
		}
		etmDec.SetMemoryAccessor(buf)
	}
	sess.AttachETM(etmDec)
	sess.OnReport = func(msg string) { fmt.Fprintln(os.Stderr, "orbtrace-mortem:", msg) }

	onState := func(state etm.CPUState, mask etm.ChangeMask, ctx any) {
		if mask&etm.ChangeAddress != 0 {
			fmt.Printf("addr=0x%x mask=%#x\n", state.Address, uint32(mask))
		}
	}
	onReport := func(report string, ctx any) { fmt.Fprintln(os.Stderr, "etm:", report) }

	var reader io.Reader
	switch {
	case *inFile != "":
		f, err := os.Open(*inFile)
		if err != nil {
			fmt.Fprintln(os.Stderr, "orbtrace-mortem:", err)
			return exitFileError
		}
		defer f.Close()
		reader = f

	default:
		host, port := netsource.DefaultHost, netsource.DefaultPort
		if cfg.TPIUEnabled {
			port = netsource.DefaultPort
		} else {
			port = netsource.DefaultPort + 1
		}
		if *source != "" {
			h, p, err := splitHostPort(*source)
			if err != nil {
				fmt.Fprintln(os.Stderr, "orbtrace-mortem:", err)
				return exitOptionError
			}
			host, port = h, p
		}
		client := netsource.New(host, port, log)
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		errCh := make(chan error, 1)
		r, w := io.Pipe()
		go func() {
			errCh <- client.Run(ctx, func(b []byte) { w.Write(b) })
		}()
		go func() {
			<-ctx.Done()
			w.Close()
		}()
		reader = r
	}

	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()
	stats := time.NewTicker(statsInterval)
	defer stats.Stop()

	eofSeen := false
	chunks := make(chan []byte, 16)
	readErrs := make(chan error, 1)

	go func() {
		buf := make([]byte, 4096)
		for {
			n, err := reader.Read(buf)
			if n > 0 {
				cp := append([]byte(nil), buf[:n]...)
				chunks <- cp
			}
			if err != nil {
				readErrs <- err
				return
			}
		}
	}()

	for {
		select {
		case chunk := <-chunks:
			for _, b := range chunk {
				sess.PumpByte(b)
			}

		case err := <-readErrs:
			if err != io.EOF {
				fmt.Fprintln(os.Stderr, "orbtrace-mortem:", err)
				return exitFileError
			}
			eofSeen = true
			if *terminateAtEOF {
				drain(sess, onState, onReport)
				return exitOK
			}

		case <-ticker.C:
			if sess.Ring.Hung(hangInterval) {
				drain(sess, onState, onReport)
			}
			if eofSeen && sess.Ring.Len() == 0 {
				return exitOK
			}

		case <-stats.C:
			st := sess.TPIU.Stats()
			log.Info(fmt.Sprintf("packets=%d syncs=%d lostSync=%d", st.Packets, st.SyncCount, st.LostSync))
			cs := sess.TPIU.CommsStats()
			log.Info(fmt.Sprintf("commsStats: pending=%d leds=%#x lostFrames=%d totalFrames=%d",
				cs.PendingCount, cs.Leds, cs.LostFrames, cs.TotalFrames))
		}
	}
}

func drain(sess *session.Session, onState etm.StateCallback, onReport etm.ReportCallback) {
	if err := sess.DrainRing(onState, onReport, nil); err != nil {
		fmt.Fprintln(os.Stderr, "orbtrace-mortem: drain:", err)
	}
	sess.Ring.Release()
}

// loadMemoryImage parses an "ADDR,FILE" spec and reads FILE into a
// common.MemoryBuffer based at ADDR, for ETM branch-target opcode
// fetch (SPEC_FULL.md §2's "memory accessor used by the ETM engine").
func loadMemoryImage(spec string) (*common.MemoryBuffer, error) {
	addrStr, path, ok := strings.Cut(spec, ",")
	if !ok {
		return nil, fmt.Errorf("invalid -m spec %q, want ADDR,FILE", spec)
	}
	addr, err := strconv.ParseUint(strings.TrimPrefix(addrStr, "0x"), 16, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid base address in %q: %w", spec, err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read memory image %s: %w", path, err)
	}
	return common.NewMemoryBuffer(addr, data), nil
}

func splitHostPort(s string) (string, int, error) {
	host, portStr, ok := strings.Cut(s, ":")
	if !ok {
		return "", 0, fmt.Errorf("invalid -s spec %q, want HOST:PORT", s)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return "", 0, fmt.Errorf("invalid port in %q: %w", s, err)
	}
	return host, port, nil
}
