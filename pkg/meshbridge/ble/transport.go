// Package ble implements the Bluetooth Low Energy channel. The device keeps
// an outbound queue behind the fromRadio characteristic and rings the fromNum
// characteristic when it grows; the channel drains the queue to empty on
// every ring.
package ble

import (
	"context"
	"errors"
	"sync"
	"time"

	"tinygo.org/x/bluetooth"

	"github.com/meshtastic/pluginmeshtastic/internal/log"
	"github.com/meshtastic/pluginmeshtastic/pkg/meshbridge"
)

const (
	framesBufferSize = 120
	writeQueueDepth  = 32
	readBufferSize   = 512

	reconnectBaseDelay   = time.Second
	reconnectMaxDelay    = 64 * time.Second
	reconnectMaxAttempts = 6

	statesQueueDepth = 8
)

// errEmptyQueue is returned when no data is available in the device queue.
var errEmptyQueue = errors.New("no data in queue")

// Channel is a meshbridge.Channel over BLE. An unexpected link drop triggers
// automatic reconnection with exponential backoff; a user Disconnect never
// does.
type Channel struct {
	log     log.Logger
	adapter *bluetooth.Adapter
	match   deviceMatchFunc

	frames chan []byte
	states chan meshbridge.ConnectionState
	writeQ chan []byte

	mu           sync.Mutex
	conn         *deviceConn
	state        meshbridge.ConnectionState
	userClosed   bool
	reconnecting bool
	framesClosed bool
}

var _ meshbridge.Channel = (*Channel)(nil)
var _ meshbridge.Refresher = (*Channel)(nil)

// NewChannelMAC prepares a channel for the device with the given MAC address.
func NewChannelMAC(address string, logger log.Logger) *Channel {
	return newChannel(matchMacAddress(address), logger)
}

// NewChannelNamed prepares a channel for the device advertising the given
// local name.
func NewChannelNamed(deviceName string, logger log.Logger) *Channel {
	return newChannel(matchName(deviceName), logger)
}

func newChannel(match deviceMatchFunc, logger log.Logger) *Channel {
	if logger == nil {
		logger = log.NOOPLogger{}
	}
	return &Channel{
		log:     logger,
		adapter: bluetooth.DefaultAdapter,
		match:   match,
		frames:  make(chan []byte, framesBufferSize),
		states:  make(chan meshbridge.ConnectionState, statesQueueDepth),
		writeQ:  make(chan []byte, writeQueueDepth),
	}
}

// Connect scans, connects and starts the receive path. It installs a
// disconnect watcher so later drops trigger reconnection.
func (c *Channel) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.userClosed {
		c.mu.Unlock()
		return meshbridge.ErrLinkClosed
	}
	c.mu.Unlock()

	c.setState(meshbridge.StateConnecting)
	conn, err := c.establish(ctx)
	if err != nil {
		c.setState(meshbridge.StateDisconnected)
		return err
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	c.adapter.SetConnectHandler(func(_ bluetooth.Device, connected bool) {
		if connected {
			return
		}
		c.onLinkDropped()
	})

	go c.drainWrites()
	c.setState(meshbridge.StateConnected)
	return nil
}

// establish dials the device and brings its queue into a known state: drain
// everything already buffered, then subscribe to fromNum rings.
func (c *Channel) establish(ctx context.Context) (*deviceConn, error) {
	conn, err := dial(ctx, c.adapter, c.match)
	if err != nil {
		return nil, err
	}

	if mtu, err := conn.toRadio.GetMTU(); err == nil {
		c.log.Debug("negotiated MTU", "mtu", mtu)
	}

	// Drain before subscribing so stale frames from a previous session do
	// not race the notification stream.
	c.pullFrames(conn)
	err = conn.fromNum.EnableNotifications(func(_ []byte) {
		c.pullFrames(conn)
	})
	if err != nil {
		_ = conn.device.Disconnect()
		return nil, err
	}
	return conn, nil
}

// Send queues one frame. Writes go out one at a time in queue order.
func (c *Channel) Send(ctx context.Context, frame []byte) error {
	c.mu.Lock()
	closed := c.userClosed
	c.mu.Unlock()
	if closed {
		return meshbridge.ErrLinkClosed
	}

	buf := make([]byte, len(frame))
	copy(buf, frame)
	select {
	case <-ctx.Done():
		return ctx.Err()
	case c.writeQ <- buf:
		return nil
	}
}

// Frames streams inbound frames drained from the device queue.
func (c *Channel) Frames() <-chan []byte {
	return c.frames
}

// States streams connection-state transitions.
func (c *Channel) States() <-chan meshbridge.ConnectionState {
	return c.states
}

// ConfirmReady marks the configuration handshake complete.
func (c *Channel) ConfirmReady() {
	c.setState(meshbridge.StateReady)
}

// Refresh re-polls the device queue. Some BLE stacks drop notification
// events under load; callers can force a drain instead of waiting for the
// next ring.
func (c *Channel) Refresh() {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn != nil {
		c.pullFrames(conn)
	}
}

// Disconnect tears the link down for good. No reconnection follows.
func (c *Channel) Disconnect() error {
	c.mu.Lock()
	if c.userClosed {
		c.mu.Unlock()
		return nil
	}
	c.userClosed = true
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	var err error
	if conn != nil {
		_ = conn.fromNum.EnableNotifications(nil)
		err = conn.device.Disconnect()
	}
	c.setState(meshbridge.StateDisconnected)
	c.closeFrames()
	return err
}

func (c *Channel) drainWrites() {
	for frame := range c.writeQ {
		c.mu.Lock()
		conn := c.conn
		closed := c.userClosed
		c.mu.Unlock()
		if closed {
			return
		}
		if conn == nil {
			// Dropped mid-reconnect; the sender's ack tracking covers the
			// loss.
			c.log.Debug("dropping write, link down", "len", len(frame))
			continue
		}
		if _, err := conn.toRadio.WriteWithoutResponse(frame); err != nil {
			c.log.Warn("BLE write failed", "error", err)
		}
	}
}

// pullFrames drains the fromRadio characteristic until the device reports an
// empty queue.
func (c *Channel) pullFrames(conn *deviceConn) {
	for {
		frame, err := readFrame(conn)
		switch {
		case errors.Is(err, errEmptyQueue):
			return
		case err != nil:
			c.log.Warn("read frame from device error", "error", err)
			return
		default:
			if !c.enqueueFrame(frame) {
				return
			}
		}
	}
}

// enqueueFrame hands one inbound frame to the consumer, dropping the oldest
// buffered frame at capacity rather than stalling the BLE event loop. A
// notification callback can still be running when Disconnect closes the
// stream, so emission and closing share the mutex.
func (c *Channel) enqueueFrame(frame []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.framesClosed {
		return false
	}
	if len(c.frames) == framesBufferSize {
		<-c.frames
	}
	c.frames <- frame
	return true
}

func (c *Channel) closeFrames() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.framesClosed {
		c.framesClosed = true
		close(c.frames)
	}
}

func (c *Channel) setState(s meshbridge.ConnectionState) {
	c.mu.Lock()
	if c.state == s {
		c.mu.Unlock()
		return
	}
	c.state = s
	c.mu.Unlock()

	for {
		select {
		case c.states <- s:
			return
		default:
			select {
			case <-c.states:
			default:
			}
		}
	}
}

func readFrame(conn *deviceConn) ([]byte, error) {
	buf := make([]byte, readBufferSize)
	n, err := conn.fromRadio.Read(buf)
	switch {
	case err != nil:
		return nil, err
	case n < 1:
		return nil, errEmptyQueue
	}
	return buf[:n], nil
}

func (c *Channel) onLinkDropped() {
	c.mu.Lock()
	if c.userClosed || c.reconnecting {
		c.mu.Unlock()
		return
	}
	c.reconnecting = true
	c.conn = nil
	c.mu.Unlock()

	c.setState(meshbridge.StateDisconnected)
	go c.reconnect()
}

// reconnect retries the connection with exponential backoff until it
// succeeds or the attempt budget runs out.
func (c *Channel) reconnect() {
	defer func() {
		c.mu.Lock()
		c.reconnecting = false
		c.mu.Unlock()
	}()

	delay := reconnectBaseDelay
	for attempt := 1; attempt <= reconnectMaxAttempts; attempt++ {
		time.Sleep(delay)

		c.mu.Lock()
		if c.userClosed {
			c.mu.Unlock()
			return
		}
		c.mu.Unlock()

		c.setState(meshbridge.StateConnecting)
		c.log.Info("reconnecting", "attempt", attempt)

		conn, err := c.establish(context.Background())
		if err == nil {
			c.mu.Lock()
			c.conn = conn
			c.mu.Unlock()
			c.setState(meshbridge.StateConnected)
			return
		}

		c.log.Warn("reconnect attempt failed", "attempt", attempt, "error", err)
		c.setState(meshbridge.StateDisconnected)
		delay *= 2
		if delay > reconnectMaxDelay {
			delay = reconnectMaxDelay
		}
	}

	c.log.Error("giving up on reconnection", "attempts", reconnectMaxAttempts)
	c.closeFrames()
}
