// Package pipe implements the duplex channel between the host and one device
// agent: two unidirectional line-oriented byte streams plus the bookkeeping
// for the socket artifacts they leave on disk.
package pipe

import (
	"bufio"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/matthiaskaw/project-smart-lab/internal/platform"
	"github.com/matthiaskaw/project-smart-lab/internal/ports"
)

var (
	// ErrNotConnected is returned when line I/O is attempted before both
	// endpoints have a connected peer.
	ErrNotConnected = errors.New("pipe: not connected")
	// ErrChannelClosed is returned when the peer disappeared or the channel
	// was disposed.
	ErrChannelClosed = errors.New("pipe: channel closed")
	// ErrConnectionTimeout is returned by AwaitConnection when the peer did
	// not dial both endpoints in time.
	ErrConnectionTimeout = errors.New("pipe: connection timeout")
	// ErrReceiveTimeout is returned by ReceiveTimeout when no line arrived
	// within the deadline.
	ErrReceiveTimeout = errors.New("pipe: receive timeout")
)

// Logical channel names. The agent derives the same names from the device id
// it receives as its only argument, so these are part of the wire contract.
const (
	commandChannelPrefix  = "serverToClient_" // host writes commands
	responseChannelPrefix = "clientToServer_" // host reads responses
)

// Options tunes channel timing. The zero value gets production defaults.
type Options struct {
	// PrepareGrace is how long Prepare waits after starting the accept so
	// socket artifacts are materialized before the agent process starts.
	PrepareGrace time.Duration
}

func (o *Options) applyDefaults() {
	if o.PrepareGrace == 0 {
		o.PrepareGrace = 200 * time.Millisecond
	}
}

// Channel is the duplex channel for one device agent. It owns two listening
// endpoints; the agent dials both after it is launched.
type Channel struct {
	deviceID string
	opts     Options
	tracker  *ArtifactTracker
	obs      ports.Observability

	// sendMu serializes writers: the protocol loop and a concurrent Cancel
	// may both send.
	sendMu sync.Mutex

	mu           sync.Mutex
	cmdEndpoint  platform.Endpoint
	respEndpoint platform.Endpoint
	cmdListener  net.Listener
	respListener net.Listener
	cmdConn      net.Conn
	respConn     net.Conn
	writer       *bufio.Writer
	reader       *bufio.Reader
	acceptDone   chan struct{}
	acceptErr    error
	closed       bool
}

// NewChannel builds an unopened channel for deviceID. The tracker records the
// socket artifacts the channel creates; it may be shared across channels.
func NewChannel(deviceID string, tracker *ArtifactTracker, obs ports.Observability, opts Options) *Channel {
	opts.applyDefaults()
	return &Channel{
		deviceID: deviceID,
		opts:     opts,
		tracker:  tracker,
		obs:      obs,
	}
}

// Open creates both listening endpoints. It does not block waiting for peers.
func (c *Channel) Open() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrChannelClosed
	}
	if c.cmdListener != nil {
		return nil
	}

	c.cmdEndpoint = platform.Resolve(commandChannelPrefix + c.deviceID)
	c.respEndpoint = platform.Resolve(responseChannelPrefix + c.deviceID)

	cmdLn, err := listen(c.cmdEndpoint)
	if err != nil {
		return fmt.Errorf("open command endpoint: %w", err)
	}
	respLn, err := listen(c.respEndpoint)
	if err != nil {
		_ = cmdLn.Close()
		return fmt.Errorf("open response endpoint: %w", err)
	}

	c.cmdListener = cmdLn
	c.respListener = respLn
	c.registerArtifactsLocked()
	return nil
}

// listen binds the endpoint, clearing a stale artifact left by a crash first.
func listen(ep platform.Endpoint) (net.Listener, error) {
	if ep.HasArtifact {
		if err := os.Remove(ep.ArtifactPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
	}
	return net.Listen("unix", ep.ListenName)
}

func (c *Channel) registerArtifactsLocked() {
	if c.tracker == nil {
		return
	}
	if c.cmdEndpoint.HasArtifact {
		c.tracker.Register(c.cmdEndpoint.ArtifactPath)
	}
	if c.respEndpoint.HasArtifact {
		c.tracker.Register(c.respEndpoint.ArtifactPath)
	}
}

// Prepare begins accepting on both endpoints and waits a short grace period
// so the socket artifacts exist on disk before the agent process is started.
// Starting the process earlier makes the agent fail to find the socket files.
func (c *Channel) Prepare() {
	c.mu.Lock()
	if c.closed || c.cmdListener == nil {
		c.mu.Unlock()
		return
	}
	hasArtifacts := c.cmdEndpoint.HasArtifact || c.respEndpoint.HasArtifact
	c.beginAcceptLocked()
	c.mu.Unlock()

	if hasArtifacts {
		time.Sleep(c.opts.PrepareGrace)
	}
}

// AwaitConnection completes once both endpoints have a connected peer. An
// accept already in flight from Prepare is reused rather than restarted.
func (c *Channel) AwaitConnection(timeout time.Duration) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrChannelClosed
	}
	if c.cmdListener == nil {
		c.mu.Unlock()
		return fmt.Errorf("await connection: channel not opened")
	}
	c.beginAcceptLocked()
	done := c.acceptDone
	c.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-done:
		c.mu.Lock()
		err := c.acceptErr
		c.mu.Unlock()
		if err != nil {
			return fmt.Errorf("accept peer: %w", err)
		}
		return nil
	case <-timer.C:
		return fmt.Errorf("%w after %s", ErrConnectionTimeout, timeout)
	}
}

func (c *Channel) beginAcceptLocked() {
	if c.acceptDone != nil {
		return
	}
	done := make(chan struct{})
	c.acceptDone = done

	cmdLn, respLn := c.cmdListener, c.respListener

	var g errgroup.Group
	g.Go(func() error {
		conn, err := cmdLn.Accept()
		if err != nil {
			return fmt.Errorf("command endpoint: %w", err)
		}
		c.mu.Lock()
		c.cmdConn = conn
		c.writer = bufio.NewWriter(conn)
		c.mu.Unlock()
		return nil
	})
	g.Go(func() error {
		conn, err := respLn.Accept()
		if err != nil {
			return fmt.Errorf("response endpoint: %w", err)
		}
		c.mu.Lock()
		c.respConn = conn
		c.reader = bufio.NewReader(conn)
		c.mu.Unlock()
		return nil
	})

	go func() {
		err := g.Wait()
		c.mu.Lock()
		c.acceptErr = err
		c.mu.Unlock()
		close(done)
	}()
}

// IsConnected is true only when both endpoints report an active peer.
func (c *Channel) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed && c.cmdConn != nil && c.respConn != nil
}

// Send writes one newline-terminated UTF-8 line on the command stream.
func (c *Channel) Send(line string) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrChannelClosed
	}
	if c.cmdConn == nil || c.respConn == nil {
		c.mu.Unlock()
		return ErrNotConnected
	}
	w := c.writer
	c.mu.Unlock()

	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if _, err := w.WriteString(line + "\n"); err != nil {
		return c.mapIOError(err)
	}
	if err := w.Flush(); err != nil {
		return c.mapIOError(err)
	}
	return nil
}

// Receive blocks for the next line on the response stream, without the
// trailing newline.
func (c *Channel) Receive() (string, error) {
	return c.receive(0)
}

// ReceiveTimeout is Receive with a read deadline; it returns ErrReceiveTimeout
// when no line arrived in time.
func (c *Channel) ReceiveTimeout(d time.Duration) (string, error) {
	return c.receive(d)
}

func (c *Channel) receive(d time.Duration) (string, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return "", ErrChannelClosed
	}
	if c.cmdConn == nil || c.respConn == nil {
		c.mu.Unlock()
		return "", ErrNotConnected
	}
	conn := c.respConn
	r := c.reader
	c.mu.Unlock()

	if d > 0 {
		_ = conn.SetReadDeadline(time.Now().Add(d))
		defer conn.SetReadDeadline(time.Time{})
	}

	line, err := r.ReadString('\n')
	if err != nil {
		if errors.Is(err, os.ErrDeadlineExceeded) {
			return "", ErrReceiveTimeout
		}
		return "", c.mapIOError(err)
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func (c *Channel) mapIOError(err error) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed || errors.Is(err, net.ErrClosed) {
		return ErrChannelClosed
	}
	return fmt.Errorf("%w: %v", ErrChannelClosed, err)
}

// Close tears down both streams and both endpoints, then removes the socket
// artifacts. Best-effort: failures are logged, never returned. Send flushes
// after every line, so there is nothing buffered to flush here; closing the
// connections first also unblocks a Send stalled on a peer that stopped
// reading.
func (c *Channel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conns := []net.Conn{c.cmdConn, c.respConn}
	listeners := []net.Listener{c.cmdListener, c.respListener}
	endpoints := []platform.Endpoint{c.cmdEndpoint, c.respEndpoint}
	c.mu.Unlock()

	for _, conn := range conns {
		if conn != nil {
			if err := conn.Close(); err != nil {
				c.logCloseError("close stream", err)
			}
		}
	}
	for _, ln := range listeners {
		if ln != nil {
			if err := ln.Close(); err != nil {
				c.logCloseError("close endpoint", err)
			}
		}
	}
	for _, ep := range endpoints {
		if !ep.HasArtifact {
			continue
		}
		if c.tracker != nil {
			c.tracker.Unregister(ep.ArtifactPath)
		}
		if err := os.Remove(ep.ArtifactPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			c.logCloseError("remove artifact", err)
		}
	}
	return nil
}

func (c *Channel) logCloseError(step string, err error) {
	c.obs.LogWarn("channel_close_error",
		ports.Field{Key: "device_id", Value: c.deviceID},
		ports.Field{Key: "step", Value: step},
		ports.Field{Key: "error", Value: err.Error()})
}
