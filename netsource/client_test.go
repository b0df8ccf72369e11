package netsource

import (
	"context"
	"net"
	"testing"
	"time"
)

func TestRunDeliversBytesFromServerAndStopsOnCancel(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		conn.Write([]byte("trace-bytes"))
		// Hold the connection open until the test cancels.
		time.Sleep(500 * time.Millisecond)
	}()

	addr := ln.Addr().(*net.TCPAddr)
	c := New(addr.IP.String(), addr.Port, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	got := make(chan []byte, 1)
	go c.Run(ctx, func(b []byte) {
		cp := append([]byte(nil), b...)
		select {
		case got <- cp:
		default:
		}
	})

	select {
	case b := <-got:
		if string(b) != "trace-bytes" {
			t.Fatalf("got %q, want %q", b, "trace-bytes")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for bytes from server")
	}

	cancel()
}

func TestNewFillsDefaults(t *testing.T) {
	c := New("", 0, nil)
	if c.Host != DefaultHost {
		t.Fatalf("got host %q, want %q", c.Host, DefaultHost)
	}
	if c.Port != DefaultPort {
		t.Fatalf("got port %d, want %d", c.Port, DefaultPort)
	}
}
