package meshbridge

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// recordingSender captures every packet the tracker pushes out.
type recordingSender struct {
	mu      sync.Mutex
	packets []DataPacket
	sent    chan DataPacket
	fail    error
}

func newRecordingSender() *recordingSender {
	return &recordingSender{sent: make(chan DataPacket, 16)}
}

func (s *recordingSender) SendPacket(_ context.Context, pkt *DataPacket) error {
	s.mu.Lock()
	fail := s.fail
	if fail == nil {
		s.packets = append(s.packets, *pkt)
	}
	s.mu.Unlock()
	if fail != nil {
		return fail
	}
	s.sent <- *pkt
	return nil
}

func (s *recordingSender) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.packets)
}

func (s *recordingSender) waitSend(t *testing.T) DataPacket {
	t.Helper()
	select {
	case pkt := <-s.sent:
		return pkt
	case <-time.After(time.Second):
		t.Fatal("no packet sent")
		return DataPacket{}
	}
}

func newTestTracker(s *recordingSender) *DeliveryTracker {
	tr := NewDeliveryTracker(s, nil)
	tr.Timeout = 200 * time.Millisecond
	tr.RetryDelay = 10 * time.Millisecond
	return tr
}

func waitResult(t *testing.T, res chan error) error {
	t.Helper()
	select {
	case err := <-res:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("delivery never resolved")
		return nil
	}
}

func TestTrackerAckResolvesDelivery(t *testing.T) {
	sender := newRecordingSender()
	tr := newTestTracker(sender)

	res := make(chan error, 1)
	pkt := &DataPacket{Destination: 7, PortNum: PortTextMessage, Payload: []byte("hi"), WantAck: true}
	id, err := tr.SendTracked(context.Background(), pkt, func(err error) { res <- err })
	if err != nil {
		t.Fatalf("send: %v", err)
	}

	tr.Ack(id)
	if err := waitResult(t, res); err != nil {
		t.Fatalf("ack delivered error: %v", err)
	}
	if tr.Pending() != 0 {
		t.Fatalf("pending = %d after ack", tr.Pending())
	}
}

func TestTrackerAckForUnknownPacketIgnored(t *testing.T) {
	sender := newRecordingSender()
	tr := newTestTracker(sender)
	tr.Ack(12345)
	if tr.Pending() != 0 {
		t.Fatal("phantom delivery appeared")
	}
}

func TestTrackerRejectRetriesOnceWithFreshID(t *testing.T) {
	sender := newRecordingSender()
	tr := newTestTracker(sender)

	res := make(chan error, 1)
	pkt := &DataPacket{Destination: 7, PortNum: PortTextMessage, Payload: []byte("hi"), WantAck: true}
	firstID, err := tr.SendTracked(context.Background(), pkt, func(err error) { res <- err })
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	sender.waitSend(t)

	tr.Reject(firstID, "max retransmissions")

	retry := sender.waitSend(t)
	if retry.PacketID == firstID {
		t.Fatal("retry reused the failed packet id")
	}

	tr.Reject(retry.PacketID, "max retransmissions")
	err = waitResult(t, res)
	var rejected *DeliveryRejectedError
	if !errors.As(err, &rejected) {
		t.Fatalf("got %v, want DeliveryRejectedError", err)
	}
	if got := sender.count(); got != 2 {
		t.Fatalf("sent %d times, want exactly 2", got)
	}
}

func TestTrackerFragmentNeverRetried(t *testing.T) {
	sender := newRecordingSender()
	tr := newTestTracker(sender)

	res := make(chan error, 1)
	pkt := &DataPacket{Destination: 7, PortNum: PortAtakForwarder, Payload: []byte("0_x"), WantAck: true}
	id, err := tr.SendFragment(context.Background(), pkt, func(err error) { res <- err })
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	sender.waitSend(t)

	tr.Reject(id, "no route")
	err = waitResult(t, res)
	var rejected *DeliveryRejectedError
	if !errors.As(err, &rejected) {
		t.Fatalf("got %v, want DeliveryRejectedError", err)
	}
	if got := sender.count(); got != 1 {
		t.Fatalf("fragment sent %d times, want exactly 1", got)
	}
}

func TestTrackerTimeoutAfterRetry(t *testing.T) {
	sender := newRecordingSender()
	tr := newTestTracker(sender)
	tr.Timeout = 30 * time.Millisecond

	res := make(chan error, 1)
	pkt := &DataPacket{Destination: 7, PortNum: PortTextMessage, Payload: []byte("hi"), WantAck: true}
	if _, err := tr.SendTracked(context.Background(), pkt, func(err error) { res <- err }); err != nil {
		t.Fatalf("send: %v", err)
	}

	// No ack ever arrives: first attempt times out, the retry times out too.
	if err := waitResult(t, res); !errors.Is(err, ErrDeliveryTimeout) {
		t.Fatalf("got %v, want ErrDeliveryTimeout", err)
	}
	if got := sender.count(); got != 2 {
		t.Fatalf("sent %d times, want 2", got)
	}
}

func TestTrackerUntrackedSendFiresCallbackImmediately(t *testing.T) {
	sender := newRecordingSender()
	tr := newTestTracker(sender)

	res := make(chan error, 1)
	pkt := &DataPacket{Destination: 7, PortNum: PortTextMessage, Payload: []byte("hi")}
	if _, err := tr.SendTracked(context.Background(), pkt, func(err error) { res <- err }); err != nil {
		t.Fatalf("send: %v", err)
	}
	if err := waitResult(t, res); err != nil {
		t.Fatalf("untracked send reported %v", err)
	}
	if tr.Pending() != 0 {
		t.Fatal("untracked send left a pending entry")
	}
}

func TestTrackerCancelSuppressesCallback(t *testing.T) {
	sender := newRecordingSender()
	tr := newTestTracker(sender)

	res := make(chan error, 1)
	pkt := &DataPacket{Destination: 7, PortNum: PortTextMessage, Payload: []byte("hi"), WantAck: true}
	id, err := tr.SendTracked(context.Background(), pkt, func(err error) { res <- err })
	if err != nil {
		t.Fatalf("send: %v", err)
	}

	tr.Cancel(id)
	tr.Ack(id)
	select {
	case err := <-res:
		t.Fatalf("cancelled delivery fired callback: %v", err)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestTrackerCancelDuringRetryDelayStopsRetry(t *testing.T) {
	sender := newRecordingSender()
	tr := newTestTracker(sender)
	tr.RetryDelay = 100 * time.Millisecond

	res := make(chan error, 1)
	pkt := &DataPacket{Destination: 7, PortNum: PortTextMessage, Payload: []byte("hi"), WantAck: true}
	id, err := tr.SendTracked(context.Background(), pkt, func(err error) { res <- err })
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	sender.waitSend(t)

	// The failed first attempt schedules a retry; cancelling under the
	// original id during the delay must keep the retry off the wire.
	tr.Reject(id, "no route")
	tr.Cancel(id)

	time.Sleep(250 * time.Millisecond)
	if got := sender.count(); got != 1 {
		t.Fatalf("cancelled delivery retransmitted: %d sends", got)
	}
	select {
	case err := <-res:
		t.Fatalf("cancelled delivery fired callback: %v", err)
	default:
	}
}

func TestTrackerCancelReachesRetryAttempt(t *testing.T) {
	sender := newRecordingSender()
	tr := newTestTracker(sender)

	res := make(chan error, 1)
	pkt := &DataPacket{Destination: 7, PortNum: PortTextMessage, Payload: []byte("hi"), WantAck: true}
	firstID, err := tr.SendTracked(context.Background(), pkt, func(err error) { res <- err })
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	sender.waitSend(t)

	tr.Reject(firstID, "no route")
	retry := sender.waitSend(t)

	// The caller only ever learned the first id; cancelling with it must
	// unhook the in-flight retry as well.
	tr.Cancel(firstID)
	if tr.Pending() != 0 {
		t.Fatalf("pending = %d after cancel", tr.Pending())
	}
	tr.Ack(retry.PacketID)
	select {
	case err := <-res:
		t.Fatalf("cancelled delivery fired callback: %v", err)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestTrackerFailAllBypassesRetry(t *testing.T) {
	sender := newRecordingSender()
	tr := newTestTracker(sender)

	res := make(chan error, 2)
	for i := 0; i < 2; i++ {
		pkt := &DataPacket{Destination: 7, PortNum: PortTextMessage, Payload: []byte("hi"), WantAck: true}
		if _, err := tr.SendTracked(context.Background(), pkt, func(err error) { res <- err }); err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
	}

	tr.FailAll(ErrLinkClosed)
	for i := 0; i < 2; i++ {
		if err := waitResult(t, res); !errors.Is(err, ErrLinkClosed) {
			t.Fatalf("got %v, want ErrLinkClosed", err)
		}
	}
	if got := sender.count(); got != 2 {
		t.Fatalf("FailAll triggered retries: %d sends", got)
	}
	if tr.Pending() != 0 {
		t.Fatalf("pending = %d after FailAll", tr.Pending())
	}
}

func TestTrackerSendErrorLeavesNoPendingEntry(t *testing.T) {
	sender := newRecordingSender()
	sender.fail = ErrTransportUnavailable
	tr := newTestTracker(sender)

	pkt := &DataPacket{Destination: 7, PortNum: PortTextMessage, Payload: []byte("hi"), WantAck: true}
	if _, err := tr.SendTracked(context.Background(), pkt, func(error) {}); !errors.Is(err, ErrTransportUnavailable) {
		t.Fatalf("got %v, want ErrTransportUnavailable", err)
	}
	if tr.Pending() != 0 {
		t.Fatalf("pending = %d after failed send", tr.Pending())
	}
}
