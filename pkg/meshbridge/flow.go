package meshbridge

import (
	"context"
	"sync"
)

// QueueFlowController paces fragment transmission against the device's
// outbound queue. The device piggybacks its free-slot count on inbound
// frames; the controller hands out at most that many concurrent releases.
// Until the first report arrives it degrades to strictly serial transmission
// so a sleeping or rebooting device is never overrun.
type QueueFlowController struct {
	mu       sync.Mutex
	known    bool
	credits  int
	inFlight int
	wake     chan struct{}
}

func NewQueueFlowController() *QueueFlowController {
	return &QueueFlowController{wake: make(chan struct{})}
}

// Observe records a fresh device queue report. Credits are reset to the
// device's own count: slots freed by resolved deliveries only return once the
// device confirms them here.
func (f *QueueFlowController) Observe(freeSlots, maxSlots uint32) {
	f.mu.Lock()
	f.known = true
	f.credits = int(freeSlots)
	f.notifyLocked()
	f.mu.Unlock()
}

// Acquire blocks until the caller may put one more fragment in flight.
func (f *QueueFlowController) Acquire(ctx context.Context) error {
	for {
		wake := f.wait()
		if f.tryAcquire() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-wake:
		}
	}
}

// tryAcquire admits one fragment without blocking.
func (f *QueueFlowController) tryAcquire() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.admitLocked() {
		return false
	}
	f.inFlight++
	if f.known {
		f.credits--
	}
	return true
}

// wait returns a channel closed on the next admission change. Fetch it before
// tryAcquire so a report landing in between is not missed.
func (f *QueueFlowController) wait() <-chan struct{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.wake
}

// Resolve records that a released fragment finished, acked or failed. In
// serial mode this alone admits the next fragment; with a known queue depth
// the credit returns on the next Observe.
func (f *QueueFlowController) Resolve() {
	f.mu.Lock()
	if f.inFlight > 0 {
		f.inFlight--
	}
	if !f.known {
		f.notifyLocked()
	}
	f.mu.Unlock()
}

// InFlight reports how many released fragments are unresolved.
func (f *QueueFlowController) InFlight() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.inFlight
}

func (f *QueueFlowController) admitLocked() bool {
	if !f.known {
		return f.inFlight == 0
	}
	return f.credits > 0
}

func (f *QueueFlowController) notifyLocked() {
	close(f.wake)
	f.wake = make(chan struct{})
}
