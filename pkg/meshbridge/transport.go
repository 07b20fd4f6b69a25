package meshbridge

import "context"

// Channel turns a physical link into a frame-oriented send/receive primitive
// with an explicit connection lifecycle. One Channel instance serves one link;
// after Disconnect it must not be reused.
type Channel interface {
	// Connect brings the link up. It returns only once the state machine
	// reaches Connected or the channel gives up.
	Connect(ctx context.Context) error

	// Send transmits one frame. Implementations keep at most one write
	// outstanding and buffer the rest.
	Send(ctx context.Context, frame []byte) error

	// Frames streams inbound frames. The channel closes it on teardown.
	Frames() <-chan []byte

	// States streams connection-state transitions.
	States() <-chan ConnectionState

	// ConfirmReady advances the state to Ready. Called by the layer above
	// once the configuration handshake completes; link establishment alone
	// never reaches Ready.
	ConfirmReady()

	// Disconnect tears the link down. User-initiated: no reconnection is
	// attempted afterwards.
	Disconnect() error
}

// Refresher is implemented by channels that can re-poll the device's
// outbound queue on demand, on top of whatever event stream normally drives
// reception.
type Refresher interface {
	Refresh()
}
