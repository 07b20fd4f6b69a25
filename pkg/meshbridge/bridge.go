package meshbridge

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/meshtastic/pluginmeshtastic/internal/log"
	"github.com/meshtastic/pluginmeshtastic/pkg/meshbridge/wire"
)

const (
	defaultHopLimit  = 3
	defaultHeartbeat = 5 * time.Minute
	stateQueueDepth  = 8
)

// Options tune a Bridge. The zero value is usable.
type Options struct {
	Logger log.Logger
	// HopLimit applies to every outbound packet. Zero means the default of 3.
	HopLimit uint8
	// HeartbeatInterval paces the keepalive sent while the link is ready.
	// Zero means the default of five minutes.
	HeartbeatInterval time.Duration
}

// DeliveryResult reports what a reliable send did.
type DeliveryResult struct {
	// PacketID of the sent packet. Zero for chunked sends, which issue one
	// id per fragment.
	PacketID uint32
	Chunked  bool
	Chunks   int
}

// Stats is a point-in-time snapshot of bridge activity.
type Stats struct {
	State             ConnectionState
	FramesSent        uint64
	FramesReceived    uint64
	PendingDeliveries int
	InFlightFragments int
}

// Bridge is the top of the stack: one channel, one link, and the reliability
// machinery around them. It owns the configuration handshake, fails all
// in-flight deliveries on disconnect, and splits oversized payloads into
// chunked transfers transparently.
type Bridge struct {
	ch      Channel
	link    *Link
	tracker *DeliveryTracker
	flow    *QueueFlowController
	reasm   *Reassembler
	log     log.Logger

	hopLimit  uint8
	heartbeat time.Duration

	states chan ConnectionState

	mu            sync.Mutex
	state         ConnectionState
	wantNonce     uint32
	stopKeepalive context.CancelFunc
}

// New builds a bridge over the given channel. Run must be called before any
// send.
func New(ch Channel, opts Options) *Bridge {
	logger := opts.Logger
	if logger == nil {
		logger = log.NOOPLogger{}
	}
	hop := opts.HopLimit
	if hop == 0 {
		hop = defaultHopLimit
	}
	hb := opts.HeartbeatInterval
	if hb == 0 {
		hb = defaultHeartbeat
	}

	link := NewLink(ch, logger)
	b := &Bridge{
		ch:        ch,
		link:      link,
		tracker:   NewDeliveryTracker(link, logger),
		flow:      NewQueueFlowController(),
		reasm:     NewReassembler(logger),
		log:       logger,
		hopLimit:  hop,
		heartbeat: hb,
		states:    make(chan ConnectionState, stateQueueDepth),
	}

	link.OnAck(b.tracker.Ack)
	link.OnRouting(b.tracker.Reject)
	link.OnQueueStatus(b.flow.Observe)
	link.OnConfigComplete(b.handleConfigComplete)
	return b
}

// Run connects the channel and processes frames until the context ends or
// the link dies. It returns the link's terminal error.
func (b *Bridge) Run(ctx context.Context) error {
	go b.watchStates(ctx)
	if err := b.ch.Connect(ctx); err != nil {
		return err
	}
	return b.link.Run(ctx)
}

// Close tears the link down. In-flight deliveries fail with ErrLinkClosed
// once the channel reports the disconnect.
func (b *Bridge) Close() error {
	return b.ch.Disconnect()
}

// SendReliable sends payload to dest on port. Payloads above the single-frame
// limit go as a chunked transfer regardless of wantAck, since the protocol
// requires every chunk acked. For single frames with wantAck set, the call
// blocks until the delivery resolves: acknowledgment, explicit rejection, or
// timeout after the automatic retry.
func (b *Bridge) SendReliable(ctx context.Context, port PortNum, dest NodeID, payload []byte, wantAck bool) (DeliveryResult, error) {
	if b.State() != StateReady {
		return DeliveryResult{}, ErrTransportUnavailable
	}

	if len(payload) > maxSingleFrame {
		return b.sendChunked(ctx, port, dest, payload, nil)
	}

	pkt := &DataPacket{
		Destination: dest,
		PortNum:     port,
		Payload:     payload,
		WantAck:     wantAck,
		HopLimit:    b.hopLimit,
	}

	if !wantAck {
		id, err := b.tracker.SendTracked(ctx, pkt, nil)
		return DeliveryResult{PacketID: id}, err
	}

	res := make(chan error, 1)
	id, err := b.tracker.SendTracked(ctx, pkt, func(err error) { res <- err })
	if err != nil {
		return DeliveryResult{}, err
	}
	select {
	case <-ctx.Done():
		b.tracker.Cancel(id)
		return DeliveryResult{PacketID: id}, ctx.Err()
	case err := <-res:
		return DeliveryResult{PacketID: id}, err
	}
}

// SendReliableProgress is SendReliable for payloads the caller expects to be
// chunked, reporting per-fragment progress as (acked, total).
func (b *Bridge) SendReliableProgress(ctx context.Context, port PortNum, dest NodeID, payload []byte, progress func(done, total int)) (DeliveryResult, error) {
	if b.State() != StateReady {
		return DeliveryResult{}, ErrTransportUnavailable
	}
	if len(payload) <= maxSingleFrame {
		return b.SendReliable(ctx, port, dest, payload, true)
	}
	return b.sendChunked(ctx, port, dest, payload, progress)
}

func (b *Bridge) sendChunked(ctx context.Context, port PortNum, dest NodeID, payload []byte, progress func(done, total int)) (DeliveryResult, error) {
	ct := &chunkTransfer{
		tracker:  b.tracker,
		flow:     b.flow,
		log:      b.log,
		port:     port,
		dest:     dest,
		hopLimit: b.hopLimit,
		payload:  payload,
		progress: progress,
	}
	chunks := (len(payload) + fragmentSize - 1) / fragmentSize
	res := DeliveryResult{Chunked: true, Chunks: chunks}
	if err := ct.run(ctx); err != nil {
		return res, err
	}
	return res, nil
}

// Subscribe delivers inbound payloads for port to fn. Payloads pass through
// chunk reassembly: chunk protocol frames are consumed until a transfer
// completes, everything else is delivered as received.
func (b *Bridge) Subscribe(port PortNum, fn MessageHandler) {
	b.link.Handle(port, func(msg Message) {
		payload, deliver := b.reasm.Ingest(msg.Payload)
		if !deliver {
			return
		}
		msg.Payload = payload
		fn(msg)
	})
}

// States streams connection-state transitions. Slow consumers lose
// intermediate transitions, never the stream.
func (b *Bridge) States() <-chan ConnectionState {
	return b.states
}

// State returns the current connection state.
func (b *Bridge) State() ConnectionState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// ReassemblyFailures exposes local chunk reassembly faults. Purely
// informational: senders are not notified.
func (b *Bridge) ReassemblyFailures() <-chan error {
	return b.reasm.Failures()
}

// NodeNum returns the radio's own mesh address once known.
func (b *Bridge) NodeNum() (NodeID, bool) {
	return b.link.NodeNum()
}

// RequestQueueStatus nudges the device into reporting its outbound queue
// depth. The report arrives asynchronously and feeds the flow controller.
func (b *Bridge) RequestQueueStatus(ctx context.Context) error {
	if r, ok := b.ch.(Refresher); ok {
		r.Refresh()
	}
	return b.link.SendHeartbeat(ctx)
}

// OnProxy registers the consumer for the device's MQTT proxy publications.
func (b *Bridge) OnProxy(fn func(msg *wire.MQTTClientProxyMessage)) {
	b.link.OnProxy(fn)
}

// SendProxy delivers a broker message down to the device's MQTT client.
func (b *Bridge) SendProxy(ctx context.Context, msg *wire.MQTTClientProxyMessage) error {
	return b.link.SendProxy(ctx, msg)
}

// Stats snapshots bridge activity counters.
func (b *Bridge) Stats() Stats {
	sent, received := b.link.Stats()
	return Stats{
		State:             b.State(),
		FramesSent:        sent,
		FramesReceived:    received,
		PendingDeliveries: b.tracker.Pending(),
		InFlightFragments: b.flow.InFlight(),
	}
}

func (b *Bridge) watchStates(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case st, ok := <-b.ch.States():
			if !ok {
				return
			}
			b.transition(ctx, st)
		}
	}
}

func (b *Bridge) transition(ctx context.Context, st ConnectionState) {
	b.mu.Lock()
	prev := b.state
	b.state = st
	if prev == StateReady && st != StateReady && b.stopKeepalive != nil {
		b.stopKeepalive()
		b.stopKeepalive = nil
	}
	b.mu.Unlock()

	if prev == st {
		return
	}
	b.log.Info("connection state changed", "from", prev, "to", st)

	switch st {
	case StateConnected:
		go b.startHandshake(ctx)
	case StateReady:
		b.startKeepalive(ctx)
	case StateDisconnected:
		b.tracker.FailAll(ErrLinkClosed)
		b.reasm.Discard()
	}

	// Drop the oldest buffered transition rather than stall the link.
	for {
		select {
		case b.states <- st:
			return
		default:
			select {
			case <-b.states:
			default:
			}
		}
	}
}

// startHandshake asks the device to replay its configuration. The nonce ties
// the eventual completion frame to this request; stale completions from an
// earlier attempt are ignored.
func (b *Bridge) startHandshake(ctx context.Context) {
	nonce := rand.Uint32()
	if nonce == 0 {
		nonce = 1
	}
	b.mu.Lock()
	b.wantNonce = nonce
	b.mu.Unlock()

	if err := b.link.SendWantConfig(ctx, nonce); err != nil {
		b.log.Error("config handshake request failed", "error", err)
	}
}

func (b *Bridge) handleConfigComplete(id uint32) {
	b.mu.Lock()
	want := b.wantNonce
	b.mu.Unlock()
	if id != want {
		b.log.Debug("ignoring stale config completion", "got", id, "want", want)
		return
	}
	b.log.Info("config handshake complete")
	b.ch.ConfirmReady()
}

func (b *Bridge) startKeepalive(ctx context.Context) {
	kctx, cancel := context.WithCancel(ctx)
	b.mu.Lock()
	if b.stopKeepalive != nil {
		b.stopKeepalive()
	}
	b.stopKeepalive = cancel
	b.mu.Unlock()

	go func() {
		t := time.NewTicker(b.heartbeat)
		defer t.Stop()
		for {
			select {
			case <-kctx.Done():
				return
			case <-t.C:
				if err := b.link.SendHeartbeat(kctx); err != nil {
					b.log.Warn("heartbeat failed", "error", err)
				}
			}
		}
	}()
}
