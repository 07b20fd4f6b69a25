// Package serial implements the USB serial channel. Frames are delimited by
// a 0x94 0xC3 magic pair followed by a little-endian length; anything between
// frames is firmware console noise and gets discarded.
package serial

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"sync"

	"go.bug.st/serial"

	"github.com/meshtastic/pluginmeshtastic/internal/log"
	"github.com/meshtastic/pluginmeshtastic/pkg/meshbridge"
)

const (
	start1 = 0x94
	start2 = 0xC3

	// maxFrameLen is the largest frame the protocol allows. A length field
	// above it means we are mid-garbage and must resync.
	maxFrameLen = 512

	// bufferHardCap bounds the accumulation buffer. Hitting it means the
	// stream is hopelessly desynchronized, so everything buffered is dropped.
	bufferHardCap = 4096

	framesQueueDepth = 16
	statesQueueDepth = 8
)

// wakeSequence nudges the device's serial console out of debug mode before
// the first framed write.
var wakeSequence = []byte{start1, start1, start1, start1}

// Channel is a meshbridge.Channel over a byte stream, normally a USB serial
// port at 115200 baud. NewStreamChannel accepts any stream, which is how the
// tests drive it.
type Channel struct {
	log  log.Logger
	open func() (io.ReadWriteCloser, error)

	frames chan []byte
	states chan meshbridge.ConnectionState

	writeMu   sync.Mutex
	closeOnce sync.Once

	mu     sync.Mutex
	stream io.ReadWriteCloser
	state  meshbridge.ConnectionState
	closed bool
}

var _ meshbridge.Channel = (*Channel)(nil)

// NewChannel prepares a channel for the named serial port. The port is not
// opened until Connect.
func NewChannel(portName string, logger log.Logger) *Channel {
	return newChannel(func() (io.ReadWriteCloser, error) {
		p, err := serial.Open(portName, &serial.Mode{BaudRate: 115200})
		if err != nil {
			return nil, fmt.Errorf("open serial port %s: %w", portName, err)
		}
		return p, nil
	}, logger)
}

// NewStreamChannel wraps an already-open byte stream.
func NewStreamChannel(stream io.ReadWriteCloser, logger log.Logger) *Channel {
	return newChannel(func() (io.ReadWriteCloser, error) {
		return stream, nil
	}, logger)
}

func newChannel(open func() (io.ReadWriteCloser, error), logger log.Logger) *Channel {
	if logger == nil {
		logger = log.NOOPLogger{}
	}
	return &Channel{
		log:    logger,
		open:   open,
		frames: make(chan []byte, framesQueueDepth),
		states: make(chan meshbridge.ConnectionState, statesQueueDepth),
	}
}

// Connect opens the port, sends the wake sequence and starts the read loop.
func (c *Channel) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return meshbridge.ErrLinkClosed
	}
	if c.stream != nil {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	c.setState(meshbridge.StateConnecting)
	stream, err := c.open()
	if err != nil {
		c.setState(meshbridge.StateDisconnected)
		return err
	}

	if _, err := stream.Write(wakeSequence); err != nil {
		stream.Close()
		c.setState(meshbridge.StateDisconnected)
		return fmt.Errorf("wake device: %w", err)
	}

	c.mu.Lock()
	c.stream = stream
	c.mu.Unlock()

	c.setState(meshbridge.StateConnected)
	go c.readLoop(stream)
	return nil
}

// Send frames and writes one payload. Writes are serialized so at most one
// is outstanding on the port.
func (c *Channel) Send(ctx context.Context, frame []byte) error {
	if len(frame) > maxFrameLen {
		return fmt.Errorf("frame of %d bytes exceeds protocol limit %d", len(frame), maxFrameLen)
	}

	c.mu.Lock()
	stream := c.stream
	c.mu.Unlock()
	if stream == nil {
		return meshbridge.ErrTransportUnavailable
	}

	buf := make([]byte, 4+len(frame))
	buf[0] = start1
	buf[1] = start2
	binary.LittleEndian.PutUint16(buf[2:4], uint16(len(frame)))
	copy(buf[4:], frame)

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := stream.Write(buf); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// Frames streams decoded inbound frames. Closed when the port goes away.
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

// Disconnect closes the port. The read loop notices and finishes teardown.
func (c *Channel) Disconnect() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	stream := c.stream
	c.stream = nil
	c.mu.Unlock()

	if stream != nil {
		return stream.Close()
	}
	c.setState(meshbridge.StateDisconnected)
	c.closeOnce.Do(func() { close(c.frames) })
	return nil
}

func (c *Channel) readLoop(stream io.ReadWriteCloser) {
	defer func() {
		c.mu.Lock()
		c.stream = nil
		c.mu.Unlock()
		c.setState(meshbridge.StateDisconnected)
		c.closeOnce.Do(func() { close(c.frames) })
	}()

	var acc []byte
	tmp := make([]byte, 1024)
	for {
		n, err := stream.Read(tmp)
		if n > 0 {
			acc = append(acc, tmp[:n]...)
			acc = c.extractFrames(acc)
			if len(acc) > bufferHardCap {
				c.log.Warn("serial stream desynchronized, dropping buffer", "bytes", len(acc))
				acc = acc[:0]
			}
		}
		if err != nil {
			c.mu.Lock()
			wanted := c.closed
			c.mu.Unlock()
			if !wanted && err != io.EOF {
				c.log.Error("serial read failed", "error", err)
			}
			return
		}
	}
}

// extractFrames pulls every complete frame out of acc and returns the
// remainder. Bytes that cannot start a frame are dropped.
func (c *Channel) extractFrames(acc []byte) []byte {
	for {
		// Resync to the first magic byte.
		i := 0
		for i < len(acc) && acc[i] != start1 {
			i++
		}
		if i > 0 {
			c.log.Debug("discarding inter-frame bytes", "count", i)
			acc = acc[i:]
		}
		if len(acc) < 2 {
			return acc
		}
		if acc[1] != start2 {
			acc = acc[1:]
			continue
		}
		if len(acc) < 4 {
			return acc
		}
		size := int(binary.LittleEndian.Uint16(acc[2:4]))
		if size > maxFrameLen {
			// False sync on console noise; skip the magic byte and retry.
			acc = acc[1:]
			continue
		}
		if len(acc) < 4+size {
			return acc
		}
		frame := make([]byte, size)
		copy(frame, acc[4:4+size])
		acc = acc[4+size:]
		c.frames <- frame
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
