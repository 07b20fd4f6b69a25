package meshbridge

import (
	"context"
	"sync"
	"time"

	"github.com/meshtastic/pluginmeshtastic/internal/log"
)

const (
	// deliveryTimeout bounds how long a tracked send waits for an ack.
	deliveryTimeout = 60 * time.Second
	// retryDelay separates a failed first attempt from its single retry.
	retryDelay = time.Second
)

// packetSender issues encoded packets toward the radio. Implemented by Link;
// tests substitute a recorder.
type packetSender interface {
	SendPacket(ctx context.Context, pkt *DataPacket) error
}

// DeliveryTracker assigns packet identifiers, correlates acknowledgment
// frames with in-flight sends, and times out the rest. A top-level send that
// fails its first attempt is retried exactly once with a fresh packet id;
// fragment sends are never retried here, their session owns that decision.
type DeliveryTracker struct {
	// Timeout and RetryDelay may be lowered before the first send; tests do.
	Timeout    time.Duration
	RetryDelay time.Duration

	sender packetSender
	ids    *packetIDGenerator
	log    log.Logger

	mu      sync.Mutex
	pending map[uint32]*pendingDelivery
	// origin indexes deliveries by their first attempt's packet id, so Cancel
	// reaches a retry the caller never learned the id of, including during
	// the gap between a failed attempt and the retry going out.
	origin map[uint32]*pendingDelivery
}

type pendingDelivery struct {
	packetID    uint32
	originID    uint32
	sentAt      time.Time
	retriesUsed int
	topLevel    bool
	cancelled   bool
	packet      DataPacket
	onResult    func(error)
	timer       *time.Timer
}

// NewDeliveryTracker builds a tracker sending through the given sender.
func NewDeliveryTracker(sender packetSender, logger log.Logger) *DeliveryTracker {
	if logger == nil {
		logger = log.NOOPLogger{}
	}
	return &DeliveryTracker{
		Timeout:    deliveryTimeout,
		RetryDelay: retryDelay,
		sender:     sender,
		ids:        newPacketIDGenerator(),
		log:        logger,
		pending:    make(map[uint32]*pendingDelivery),
		origin:     make(map[uint32]*pendingDelivery),
	}
}

// SendTracked sends a top-level packet. When pkt.WantAck is set and onResult
// is non-nil, the delivery is registered for acknowledgment correlation and
// onResult fires exactly once with the final outcome; otherwise onResult (if
// any) fires immediately after the packet is queued. The assigned packet id
// is returned.
func (t *DeliveryTracker) SendTracked(ctx context.Context, pkt *DataPacket, onResult func(error)) (uint32, error) {
	return t.send(ctx, pkt, true, 0, 0, onResult)
}

// SendFragment sends one fragment of a chunked transfer. Tracked like a
// top-level send but never auto-retried.
func (t *DeliveryTracker) SendFragment(ctx context.Context, pkt *DataPacket, onResult func(error)) (uint32, error) {
	return t.send(ctx, pkt, false, 0, 0, onResult)
}

// send transmits one attempt. originID is zero for a first attempt, or the
// first attempt's id when this is the retry.
func (t *DeliveryTracker) send(ctx context.Context, pkt *DataPacket, topLevel bool, retriesUsed int, originID uint32, onResult func(error)) (uint32, error) {
	pkt.PacketID = t.ids.Next()
	if originID == 0 {
		originID = pkt.PacketID
	}
	tracked := pkt.WantAck && onResult != nil

	if tracked {
		pd := &pendingDelivery{
			packetID:    pkt.PacketID,
			originID:    originID,
			sentAt:      time.Now(),
			retriesUsed: retriesUsed,
			topLevel:    topLevel,
			packet:      *pkt,
			onResult:    onResult,
		}
		id := pkt.PacketID
		pd.timer = time.AfterFunc(t.Timeout, func() {
			t.resolve(id, ErrDeliveryTimeout)
		})
		t.mu.Lock()
		t.pending[id] = pd
		t.origin[originID] = pd
		t.mu.Unlock()
	}

	if err := t.sender.SendPacket(ctx, pkt); err != nil {
		if tracked {
			if pd := t.remove(pkt.PacketID); pd != nil {
				t.removeOrigin(pd.originID)
			}
		}
		return 0, err
	}
	if !tracked && onResult != nil {
		onResult(nil)
	}
	return pkt.PacketID, nil
}

// Ack resolves the referenced delivery as successful. Unknown ids are
// ignored: acks for packets the tracker never sent resolve nothing.
func (t *DeliveryTracker) Ack(packetID uint32) {
	t.resolve(packetID, nil)
}

// Reject resolves the referenced delivery as failed with the device-reported
// reason.
func (t *DeliveryTracker) Reject(packetID uint32, reason string) {
	t.resolve(packetID, &DeliveryRejectedError{PacketID: packetID, Reason: reason})
}

// Cancel forgets a pending delivery without firing its callback and without
// touching sibling deliveries. The id of any attempt works, including the
// first attempt's id while the retry is pending or already in flight.
func (t *DeliveryTracker) Cancel(packetID uint32) {
	t.mu.Lock()
	pd := t.pending[packetID]
	if pd == nil {
		pd = t.origin[packetID]
	}
	if pd == nil {
		t.mu.Unlock()
		return
	}
	pd.cancelled = true
	delete(t.pending, pd.packetID)
	delete(t.origin, pd.originID)
	t.mu.Unlock()
	pd.timer.Stop()
}

// FailAll resolves every pending delivery with err, bypassing retry. Called
// when the link goes down. Deliveries sitting out the retry delay fail too.
func (t *DeliveryTracker) FailAll(err error) {
	t.mu.Lock()
	seen := make(map[*pendingDelivery]bool, len(t.origin))
	drained := make([]*pendingDelivery, 0, len(t.origin))
	for _, pd := range t.pending {
		if !seen[pd] {
			seen[pd] = true
			drained = append(drained, pd)
		}
	}
	for _, pd := range t.origin {
		if !seen[pd] {
			seen[pd] = true
			drained = append(drained, pd)
		}
	}
	for _, pd := range drained {
		pd.cancelled = true
	}
	t.pending = make(map[uint32]*pendingDelivery)
	t.origin = make(map[uint32]*pendingDelivery)
	t.mu.Unlock()

	for _, pd := range drained {
		pd.timer.Stop()
		pd.onResult(err)
	}
}

// Pending reports how many deliveries await resolution.
func (t *DeliveryTracker) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

func (t *DeliveryTracker) remove(packetID uint32) *pendingDelivery {
	t.mu.Lock()
	defer t.mu.Unlock()
	pd := t.pending[packetID]
	delete(t.pending, packetID)
	return pd
}

func (t *DeliveryTracker) removeOrigin(originID uint32) {
	t.mu.Lock()
	delete(t.origin, originID)
	t.mu.Unlock()
}

func (t *DeliveryTracker) resolve(packetID uint32, result error) {
	pd := t.remove(packetID)
	if pd == nil {
		return
	}
	pd.timer.Stop()

	if result == nil {
		t.removeOrigin(pd.originID)
		pd.onResult(nil)
		return
	}

	if pd.topLevel && pd.retriesUsed == 0 {
		t.log.Warn("delivery failed, retrying once",
			"packet", packetID, "error", result)
		retry := time.AfterFunc(t.RetryDelay, func() {
			t.mu.Lock()
			cancelled := pd.cancelled
			t.mu.Unlock()
			if cancelled {
				return
			}
			pkt := pd.packet
			if _, err := t.send(context.Background(), &pkt, true, 1, pd.originID, pd.onResult); err != nil {
				t.removeOrigin(pd.originID)
				pd.onResult(err)
			}
		})
		// Keep the delivery reachable under its origin id so Cancel can stop
		// the retry during the delay.
		t.mu.Lock()
		if pd.cancelled {
			t.mu.Unlock()
			retry.Stop()
			return
		}
		pd.timer = retry
		t.origin[pd.originID] = pd
		t.mu.Unlock()
		return
	}
	t.removeOrigin(pd.originID)
	pd.onResult(result)
}
