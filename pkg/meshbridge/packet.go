package meshbridge

import (
	"math/rand"
	"sync"
)

// NodeID addresses a node on the mesh.
type NodeID uint32

// Broadcast addresses every node in range.
const Broadcast NodeID = 0xffffffff

// NodeUnset marks an unknown source address; the radio fills it in.
const NodeUnset NodeID = 0

// DataPacket is one outbound message, top-level or fragment.
type DataPacket struct {
	PacketID    uint32
	Destination NodeID
	Source      NodeID
	PortNum     PortNum
	Payload     []byte
	WantAck     bool
	HopLimit    uint8
}

// packetIDReserved is the low id range kept free for the device's own use.
// Generated ids start above it and wrap back to it on overflow.
const packetIDReserved uint32 = 16

// packetIDGenerator hands out packet identifiers from a monotonically
// increasing counter seeded randomly above the reserved range. Within one
// session an id is never reissued while still awaiting acknowledgment: the
// counter would have to lap the full 32-bit space inside the 60s tracking
// window for a collision.
type packetIDGenerator struct {
	mu   sync.Mutex
	next uint32
}

func newPacketIDGenerator() *packetIDGenerator {
	seed := packetIDReserved + uint32(rand.Int63n(int64(0xffffffff-uint64(packetIDReserved))))
	return &packetIDGenerator{next: seed}
}

// Next returns a fresh packet id.
func (g *packetIDGenerator) Next() uint32 {
	g.mu.Lock()
	defer g.mu.Unlock()
	id := g.next
	g.next++
	if g.next < packetIDReserved {
		g.next = packetIDReserved
	}
	return id
}
