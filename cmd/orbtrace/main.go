// Command orbtrace is the live-capture CLI (§6): it streams raw bytes
// from a file or TCP source through a session.Session and publishes
// each software channel to its configured sink.
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
	"github.com/dragonmux/orbuculum/dispatch"
	"github.com/dragonmux/orbuculum/itm"
	"github.com/dragonmux/orbuculum/netsource"
	"github.com/dragonmux/orbuculum/printer"
	"github.com/dragonmux/orbuculum/session"
	"github.com/dragonmux/orbuculum/sink"
)

// Exit codes (§6).
const (
	exitOK          = 0
	exitOptionError = -1
	exitFileError   = -4
	exitNetError    = -2
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	fs := flag.NewFlagSet("orbtrace", flag.ContinueOnError)
	endAtEOF := fs.Bool("e", false, "end at EOF instead of waiting for more data")
	inFile := fs.String("f", "", "input file (default: network source)")
	source := fs.String("s", "", "HOST:PORT source (default localhost:NWCLIENT_SERVER_PORT)")
	tpiuChan := fs.Int("t", -1, "enable TPIU framing when >= 0; ITM is always demuxed from TPIU stream 2")
	relaxSync := fs.Bool("n", false, "relax ITM sync requirement")
	channelFmts := multiFlag{}
	fs.Var(&channelFmts, "c", "N,FMT: register channel N's format string (repeatable)")
	verbosity := fs.Int("v", 1, "log verbosity level")
	ringKiB := fs.Int("b", 0, "PM ring size in KiB")

	if err := fs.Parse(args); err != nil {
		return exitOptionError
	}

	cfg := config.Default()
	if *tpiuChan >= 0 {
		cfg.TPIUEnabled = true
	} else {
		cfg.TPIUEnabled = false
	}
	if *ringKiB > 0 {
		cfg.RingCapacity = *ringKiB * 1024
	}
	cfg.Verbose = *verbosity > 1

	for _, spec := range channelFmts {
		num, format, err := parseChannelSpec(spec)
		if err != nil {
			fmt.Fprintln(os.Stderr, "orbtrace:", err)
			return exitOptionError
		}
		ch := cfg.Channels[num]
		ch.Format = format
		if ch.Name == "" {
			ch.Name = fmt.Sprintf("channel%d", num)
		}
		cfg.Channels[num] = ch
	}

	minLevel := common.SeverityWarning
	if cfg.Verbose {
		minLevel = common.SeverityDebug
	}
	log := common.NewStdLogger(minLevel)
	sess := session.New(cfg, log)
	sess.ITM.ForceSync = *relaxSync

	sinks := map[int]*sink.Sink{}
	for num, ch := range cfg.Channels {
		path := cfg.ChanPath + ch.Name
		mode := sink.ModeFIFO
		if ch.Permafile {
			mode = sink.ModePermafile
		}
		s, err := sink.Open(path, mode, !ch.Permafile, log)
		if err != nil {
			fmt.Fprintln(os.Stderr, "orbtrace:", err)
			return exitFileError
		}
		defer s.Close()
		sinks[num] = s
	}

	hwSink, err := sink.Open(cfg.ChanPath+config.HWFIFOName, sink.ModeFIFO, true, log)
	if err != nil {
		fmt.Fprintln(os.Stderr, "orbtrace:", err)
		return exitFileError
	}
	defer hwSink.Close()

	sess.Dispatch.Handler = &channelWriter{cfg: cfg, sinks: sinks, hw: hwSink}

	var reader io.Reader
	switch {
	case *inFile != "":
		f, err := os.Open(*inFile)
		if err != nil {
			fmt.Fprintln(os.Stderr, "orbtrace:", err)
			return exitFileError
		}
		defer f.Close()
		reader = f

	default:
		host, port := netsource.DefaultHost, netsource.DefaultPort
		if *source != "" {
			h, p, err := splitHostPort(*source)
			if err != nil {
				fmt.Fprintln(os.Stderr, "orbtrace:", err)
				return exitOptionError
			}
			host, port = h, p
		}
		client := netsource.New(host, port, log)
		ctx := context.Background()
		errCh := make(chan error, 1)
		go func() { errCh <- client.Run(ctx, func(b []byte) { pumpAll(sess, b) }) }()
		select {
		case err := <-errCh:
			fmt.Fprintln(os.Stderr, "orbtrace:", err)
			return exitNetError
		}
	}

	buf := make([]byte, 4096)
	for {
		n, err := reader.Read(buf)
		if n > 0 {
			pumpAll(sess, buf[:n])
		}
		if err == io.EOF {
			if *endAtEOF {
				return exitOK
			}
			time.Sleep(100 * time.Millisecond)
			continue
		}
		if err != nil {
			fmt.Fprintln(os.Stderr, "orbtrace:", err)
			return exitFileError
		}
	}
}

func pumpAll(sess *session.Session, b []byte) {
	for _, by := range b {
		sess.PumpByte(by)
	}
}

// channelWriter implements dispatch.Handler, rendering each message
// through printer.FormatChannel/FormatHardwareLine and publishing it to
// the configured sink for its channel.
type channelWriter struct {
	dispatch.NoOpHandler
	cfg   config.Config
	sinks map[int]*sink.Sink
	hw    *sink.Sink
}

func (w *channelWriter) Software(m itm.Software) {
	s, ok := w.sinks[int(m.SrcAddr)]
	if !ok {
		return
	}
	ch := w.cfg.Channels[int(m.SrcAddr)]
	format := ch.Format
	if format == "" {
		format = config.DefaultChannelFormat
	}
	s.Write([]byte(printer.FormatChannel(format, m.Value, m.Bytes())))
}

func (w *channelWriter) Exception(m itm.Exception) {
	w.writeHW(printer.HWEventException, m.Ts(), m.ExceptionNumber, m.EventType)
}

func (w *channelWriter) DWTEvent(m itm.DWTEvent) {
	w.writeHW(printer.HWEventDWT, m.Ts(), uint32(m.Event))
}

func (w *channelWriter) PCSample(m itm.PCSample) {
	w.writeHW(printer.HWEventPCSample, m.Ts(), m.PC)
}

func (w *channelWriter) DataRWWP(m itm.DataRWWP) {
	w.writeHW(printer.HWEventRWWT, m.Ts(), m.Comparator, m.IsWrite, m.Data)
}

func (w *channelWriter) DataAccessWP(m itm.DataAccessWP) {
	w.writeHW(printer.HWEventAWP, m.Ts(), m.Comparator, m.Data)
}

func (w *channelWriter) DataOffsetWP(m itm.DataOffsetWP) {
	w.writeHW(printer.HWEventOFS, m.Ts(), m.Comparator, m.Offset)
}

func (w *channelWriter) Timestamp(m itm.Timestamp) {
	w.writeHW(printer.HWEventTS, m.Ts(), m.TimeInc, m.TimeStatus)
}

func (w *channelWriter) NISync(m itm.NISync) {
	w.writeHW(printer.HWEventNISync, m.Ts(), m.Type, m.Addr)
}

func (w *channelWriter) writeHW(kind printer.HWEventKind, ts uint64, fields ...any) {
	if w.hw == nil {
		return
	}
	w.hw.Write([]byte(printer.FormatHardwareLine(kind, ts, fields...)))
}

type multiFlag []string

func (m *multiFlag) String() string { return strings.Join(*m, ",") }
func (m *multiFlag) Set(v string) error {
	*m = append(*m, v)
	return nil
}

func parseChannelSpec(spec string) (int, string, error) {
	parts := strings.SplitN(spec, ",", 2)
	if len(parts) != 2 {
		return 0, "", fmt.Errorf("invalid -c spec %q, want N,FMT", spec)
	}
	num, err := strconv.Atoi(parts[0])
	if err != nil {
		return 0, "", fmt.Errorf("invalid channel number in %q: %w", spec, err)
	}
	return num, parts[1], nil
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
