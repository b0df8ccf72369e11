// Package netsource implements the TCP trace source named in §6
// "Network input": a client connecting to a local orbuculum-compatible
// server, reconnecting with backoff on IOFailure (§7).
package netsource

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/dragonmux/orbuculum/common"
)

// TransferSize is the read buffer size named in §6 ("TRANSFER_SIZE-byte
// reads").
const TransferSize = 4096

// DefaultHost/DefaultPort match the original's NWCLIENT_SERVER_PORT
// default.
const (
	DefaultHost = "localhost"
	DefaultPort = 3443
)

const (
	initialBackoff = 200 * time.Millisecond
	maxBackoff     = 5 * time.Second
)

// Client is a reconnecting TCP trace source.
type Client struct {
	Log  common.Logger
	Host string
	Port int

	conn net.Conn
}

// New builds a Client; an empty Host or zero Port fall back to the
// package defaults.
func New(host string, port int, log common.Logger) *Client {
	if host == "" {
		host = DefaultHost
	}
	if port == 0 {
		port = DefaultPort
	}
	if log == nil {
		log = common.NewNoOpLogger()
	}
	return &Client{Log: log, Host: host, Port: port}
}

func (c *Client) addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Run dials the configured address and calls onBytes with each chunk
// read until ctx is cancelled, reconnecting with exponential backoff
// (capped at maxBackoff) whenever the connection drops — the IOFailure
// recovery policy named in §7 for primary-input failures.
func (c *Client) Run(ctx context.Context, onBytes func([]byte)) error {
	backoff := initialBackoff

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		conn, err := net.Dial("tcp", c.addr())
		if err != nil {
			c.Log.Warning(fmt.Sprintf("netsource: dial %s failed: %v, retrying in %s", c.addr(), err, backoff))
			if !sleep(ctx, backoff) {
				return ctx.Err()
			}
			backoff = nextBackoff(backoff)
			continue
		}

		c.conn = conn
		backoff = initialBackoff
		c.Log.Info(fmt.Sprintf("netsource: connected to %s", c.addr()))

		err = c.readLoop(ctx, conn, onBytes)
		conn.Close()
		c.conn = nil

		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.Log.Warning(fmt.Sprintf("netsource: connection to %s lost: %v, reconnecting", c.addr(), err))
	}
}

func (c *Client) readLoop(ctx context.Context, conn net.Conn, onBytes func([]byte)) error {
	buf := make([]byte, TransferSize)
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		n, err := conn.Read(buf)
		if n > 0 {
			onBytes(buf[:n])
		}
		if err != nil {
			return err
		}
	}
}

// Close tears down the active connection, if any.
func (c *Client) Close() error {
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

func nextBackoff(cur time.Duration) time.Duration {
	next := cur * 2
	if next > maxBackoff {
		return maxBackoff
	}
	return next
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
