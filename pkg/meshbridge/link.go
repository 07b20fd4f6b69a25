package meshbridge

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/meshtastic/pluginmeshtastic/internal/log"
	"github.com/meshtastic/pluginmeshtastic/pkg/meshbridge/wire"
)

const sendQueueDepth = 32

// Message is an inbound application payload delivered to a port handler.
type Message struct {
	From      NodeID
	To        NodeID
	Port      PortNum
	PacketID  uint32
	RequestID uint32
	Payload   []byte
}

// MessageHandler consumes inbound payloads for one port.
type MessageHandler func(msg Message)

// Link owns exactly one active Channel. It serializes outbound packets into
// wire envelopes, decodes inbound frames exactly once, and fans each variant
// out to exactly one consumer: port handlers for mesh packets, the delivery
// tracker for routing reports, the flow controller for queue status, and the
// identity slot for the device's own node number.
type Link struct {
	ch  Channel
	log log.Logger

	sendQ     chan []byte
	closed    chan struct{}
	closeOnce sync.Once

	mu               sync.Mutex
	handlers         map[PortNum]MessageHandler
	onRouting        func(packetID uint32, reason string)
	onAck            func(packetID uint32)
	onQueueStatus    func(free, maxSlots uint32)
	onConfigComplete func(id uint32)
	onProxy          func(msg *wire.MQTTClientProxyMessage)

	nodeKnown bool
	nodeNum   NodeID
	identityQ []func(NodeID)

	sent     atomic.Uint64
	received atomic.Uint64
}

// NewLink wraps a connected channel. Pass a nil logger to silence it.
func NewLink(ch Channel, logger log.Logger) *Link {
	if logger == nil {
		logger = log.NOOPLogger{}
	}
	return &Link{
		ch:       ch,
		log:      logger,
		sendQ:    make(chan []byte, sendQueueDepth),
		closed:   make(chan struct{}),
		handlers: make(map[PortNum]MessageHandler),
	}
}

// Run processes frames until the context ends or the channel closes its frame
// stream. Inbound dispatch and outbound queue draining run as two independent
// loops.
func (l *Link) Run(ctx context.Context) error {
	go l.drainSends(ctx)
	defer l.close()

	frames := l.ch.Frames()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case frame, ok := <-frames:
			if !ok {
				return nil
			}
			l.received.Add(1)
			l.dispatch(frame)
		}
	}
}

func (l *Link) drainSends(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-l.closed:
			return
		case frame := <-l.sendQ:
			if err := l.ch.Send(ctx, frame); err != nil {
				l.log.Warn("send to radio failed", "error", err)
				continue
			}
			l.sent.Add(1)
		}
	}
}

func (l *Link) close() {
	l.closeOnce.Do(func() { close(l.closed) })
}

// SendPacket queues one data packet for transmission.
func (l *Link) SendPacket(ctx context.Context, pkt *DataPacket) error {
	env := &wire.ToRadio{Packet: &wire.MeshPacket{
		From:     uint32(pkt.Source),
		To:       uint32(pkt.Destination),
		ID:       pkt.PacketID,
		HopLimit: uint32(pkt.HopLimit),
		WantAck:  pkt.WantAck,
		Decoded: &wire.Data{
			PortNum: uint32(pkt.PortNum),
			Payload: pkt.Payload,
		},
	}}
	return l.sendEnvelope(ctx, env)
}

// SendWantConfig asks the device to replay its configuration, tagged with the
// given nonce.
func (l *Link) SendWantConfig(ctx context.Context, nonce uint32) error {
	return l.sendEnvelope(ctx, &wire.ToRadio{WantConfigID: nonce})
}

// SendHeartbeat pings the device. The device piggybacks a queue status report
// on its reply, so this doubles as a queue depth probe.
func (l *Link) SendHeartbeat(ctx context.Context) error {
	return l.sendEnvelope(ctx, &wire.ToRadio{Heartbeat: true})
}

// SendProxy delivers a broker message back down to the device's MQTT client.
func (l *Link) SendProxy(ctx context.Context, msg *wire.MQTTClientProxyMessage) error {
	return l.sendEnvelope(ctx, &wire.ToRadio{MQTTProxy: msg})
}

func (l *Link) sendEnvelope(ctx context.Context, env *wire.ToRadio) error {
	frame := env.Marshal()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-l.closed:
		return ErrLinkClosed
	case l.sendQ <- frame:
		return nil
	}
}

// Handle registers the handler for one port, replacing any previous one.
func (l *Link) Handle(port PortNum, h MessageHandler) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.handlers[port] = h
}

// OnRouting registers the consumer for explicit delivery failures.
func (l *Link) OnRouting(fn func(packetID uint32, reason string)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onRouting = fn
}

// OnAck registers the consumer for acknowledgments.
func (l *Link) OnAck(fn func(packetID uint32)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onAck = fn
}

// OnQueueStatus registers the consumer for device queue reports.
func (l *Link) OnQueueStatus(fn func(free, maxSlots uint32)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onQueueStatus = fn
}

// OnConfigComplete registers the consumer for handshake completion frames.
func (l *Link) OnConfigComplete(fn func(id uint32)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onConfigComplete = fn
}

// OnProxy registers the consumer for device MQTT proxy publications.
func (l *Link) OnProxy(fn func(msg *wire.MQTTClientProxyMessage)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onProxy = fn
}

// NodeNum returns the radio's own address once the device has reported it.
func (l *Link) NodeNum() (NodeID, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.nodeNum, l.nodeKnown
}

// WhenIdentified runs fn with the local node number. If the device has not
// reported it yet, fn is queued and flushed in arrival order when it does.
func (l *Link) WhenIdentified(fn func(NodeID)) {
	l.mu.Lock()
	if l.nodeKnown {
		num := l.nodeNum
		l.mu.Unlock()
		fn(num)
		return
	}
	l.identityQ = append(l.identityQ, fn)
	l.mu.Unlock()
}

// Stats returns the number of frames sent to and received from the radio.
func (l *Link) Stats() (sent, received uint64) {
	return l.sent.Load(), l.received.Load()
}

func (l *Link) dispatch(frame []byte) {
	var env wire.FromRadio
	if err := env.Unmarshal(frame); err != nil {
		l.log.Warn("undecodable frame from radio", "error", err, "len", len(frame))
		return
	}

	switch {
	case env.Packet != nil:
		l.dispatchPacket(env.Packet)
	case env.MyInfo != nil:
		l.setIdentity(NodeID(env.MyInfo.MyNodeNum))
	case env.QueueStatus != nil:
		l.mu.Lock()
		fn := l.onQueueStatus
		l.mu.Unlock()
		if fn != nil {
			fn(env.QueueStatus.Free, env.QueueStatus.MaxLen)
		}
	case env.ConfigCompleteID != nil:
		l.mu.Lock()
		fn := l.onConfigComplete
		l.mu.Unlock()
		if fn != nil {
			fn(*env.ConfigCompleteID)
		}
	case env.MQTTProxy != nil:
		l.mu.Lock()
		fn := l.onProxy
		l.mu.Unlock()
		if fn != nil {
			fn(env.MQTTProxy)
		}
	case env.LogRecord != nil:
		l.log.Debug("device log", "source", env.LogRecord.Source, "message", env.LogRecord.Message)
	case env.Rebooted:
		l.log.Warn("device rebooted")
	}
}

func (l *Link) dispatchPacket(p *wire.MeshPacket) {
	d := p.Decoded
	if d == nil {
		// Encrypted for another channel; not ours to read.
		return
	}

	if PortNum(d.PortNum) == PortRouting {
		l.dispatchRouting(d)
		return
	}

	l.mu.Lock()
	h := l.handlers[PortNum(d.PortNum)]
	l.mu.Unlock()
	if h == nil {
		l.log.Debug("no handler for port", "port", d.PortNum)
		return
	}
	h(Message{
		From:      NodeID(p.From),
		To:        NodeID(p.To),
		Port:      PortNum(d.PortNum),
		PacketID:  p.ID,
		RequestID: d.RequestID,
		Payload:   d.Payload,
	})
}

// dispatchRouting turns a routing report into an ack or nack for the packet
// it references. A report with no error reason is an implicit ack; an empty
// routing payload with a request id is the device's explicit ack.
func (l *Link) dispatchRouting(d *wire.Data) {
	if d.RequestID == 0 {
		return
	}

	var r wire.Routing
	if err := r.Unmarshal(d.Payload); err != nil {
		l.log.Warn("undecodable routing frame", "error", err)
		return
	}

	l.mu.Lock()
	onAck, onRouting := l.onAck, l.onRouting
	l.mu.Unlock()

	if r.ErrorReason != wire.RoutingErrNone {
		if onRouting != nil {
			onRouting(d.RequestID, wire.RoutingErrorString(r.ErrorReason))
		}
		return
	}
	if onAck != nil {
		onAck(d.RequestID)
	}
}

func (l *Link) setIdentity(num NodeID) {
	l.mu.Lock()
	if l.nodeKnown {
		if l.nodeNum != num {
			l.log.Warn("device reported a different node number", "old", l.nodeNum, "new", num)
		}
		l.mu.Unlock()
		return
	}
	l.nodeKnown = true
	l.nodeNum = num
	queued := l.identityQ
	l.identityQ = nil
	l.mu.Unlock()

	l.log.Info("local node identified", "node", num)
	for _, fn := range queued {
		fn(num)
	}
}
