package serial

import (
	"bytes"
	"context"
	"encoding/binary"
	"io"
	"testing"
	"time"

	"github.com/meshtastic/pluginmeshtastic/pkg/meshbridge"
)

// duplexStream is an in-memory stand-in for a serial port: the test writes
// device output to devW and reads host output from hostR.
type duplexStream struct {
	devR  *io.PipeReader
	hostW *io.PipeWriter
}

func (d *duplexStream) Read(p []byte) (int, error)  { return d.devR.Read(p) }
func (d *duplexStream) Write(p []byte) (int, error) { return d.hostW.Write(p) }

func (d *duplexStream) Close() error {
	_ = d.devR.Close()
	return d.hostW.Close()
}

func newTestChannel() (*Channel, *io.PipeWriter, *io.PipeReader) {
	devR, devW := io.Pipe()   // device -> host
	hostR, hostW := io.Pipe() // host -> device
	stream := &duplexStream{devR: devR, hostW: hostW}
	return NewStreamChannel(stream, nil), devW, hostR
}

// connect drains the host side so pipe writes never block the channel.
func connect(t *testing.T, ch *Channel, hostR *io.PipeReader) {
	t.Helper()
	go io.Copy(io.Discard, hostR)
	if err := ch.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
}

func frame(payload []byte) []byte {
	buf := []byte{start1, start2, 0, 0}
	binary.LittleEndian.PutUint16(buf[2:4], uint16(len(payload)))
	return append(buf, payload...)
}

func waitFrame(t *testing.T, ch *Channel) []byte {
	t.Helper()
	select {
	case f := <-ch.Frames():
		return f
	case <-time.After(2 * time.Second):
		t.Fatal("no frame decoded")
		return nil
	}
}

func TestConnectSendsWakeSequence(t *testing.T) {
	ch, _, hostR := newTestChannel()

	wake := make([]byte, len(wakeSequence))
	readDone := make(chan error, 1)
	go func() {
		_, err := io.ReadFull(hostR, wake)
		readDone <- err
	}()

	if err := ch.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer ch.Disconnect()

	if err := <-readDone; err != nil {
		t.Fatalf("read wake: %v", err)
	}
	if !bytes.Equal(wake, wakeSequence) {
		t.Fatalf("wake = %x", wake)
	}
}

func TestSendFramesWithLittleEndianLength(t *testing.T) {
	ch, _, hostR := newTestChannel()

	payload := []byte{0xde, 0xad, 0xbe, 0xef, 0x01}
	got := make([]byte, len(wakeSequence)+4+len(payload))
	readDone := make(chan error, 1)
	go func() {
		_, err := io.ReadFull(hostR, got)
		readDone <- err
	}()

	if err := ch.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer ch.Disconnect()

	if err := ch.Send(context.Background(), payload); err != nil {
		t.Fatalf("send: %v", err)
	}
	if err := <-readDone; err != nil {
		t.Fatalf("read: %v", err)
	}

	framed := got[len(wakeSequence):]
	if framed[0] != start1 || framed[1] != start2 {
		t.Fatalf("magic = %x %x", framed[0], framed[1])
	}
	if n := binary.LittleEndian.Uint16(framed[2:4]); int(n) != len(payload) {
		t.Fatalf("length = %d, want %d", n, len(payload))
	}
	if !bytes.Equal(framed[4:], payload) {
		t.Fatalf("payload = %x", framed[4:])
	}
}

func TestSendRejectsOversizedFrame(t *testing.T) {
	ch, _, _ := newTestChannel()
	if err := ch.Send(context.Background(), make([]byte, maxFrameLen+1)); err == nil {
		t.Fatal("oversized frame accepted")
	}
}

func TestReadLoopDecodesFrames(t *testing.T) {
	ch, devW, hostR := newTestChannel()
	connect(t, ch, hostR)
	defer ch.Disconnect()

	want := []byte("first frame")
	go devW.Write(frame(want))
	if got := waitFrame(t, ch); !bytes.Equal(got, want) {
		t.Fatalf("frame = %q", got)
	}
}

func TestReadLoopDiscardsConsoleNoise(t *testing.T) {
	ch, devW, hostR := newTestChannel()
	connect(t, ch, hostR)
	defer ch.Disconnect()

	want := []byte("real frame")
	go func() {
		devW.Write([]byte("DEBUG | some firmware log line\r\n"))
		devW.Write(frame(want))
	}()
	if got := waitFrame(t, ch); !bytes.Equal(got, want) {
		t.Fatalf("frame = %q", got)
	}
}

func TestReadLoopHandlesSplitFrames(t *testing.T) {
	ch, devW, hostR := newTestChannel()
	connect(t, ch, hostR)
	defer ch.Disconnect()

	want := []byte("split across writes")
	full := frame(want)
	go func() {
		devW.Write(full[:3])
		time.Sleep(10 * time.Millisecond)
		devW.Write(full[3:7])
		time.Sleep(10 * time.Millisecond)
		devW.Write(full[7:])
	}()
	if got := waitFrame(t, ch); !bytes.Equal(got, want) {
		t.Fatalf("frame = %q", got)
	}
}

func TestReadLoopResyncsOnBogusLength(t *testing.T) {
	ch, devW, hostR := newTestChannel()
	connect(t, ch, hostR)
	defer ch.Disconnect()

	want := []byte("good frame")
	go func() {
		// Magic pair followed by an impossible length, then a real frame.
		devW.Write([]byte{start1, start2, 0xff, 0xff})
		devW.Write(frame(want))
	}()
	if got := waitFrame(t, ch); !bytes.Equal(got, want) {
		t.Fatalf("frame = %q", got)
	}
}

func TestExtractFramesKeepsPartialFrame(t *testing.T) {
	ch, _, _ := newTestChannel()

	full := frame([]byte("payload"))
	rest := ch.extractFrames(append([]byte(nil), full[:5]...))
	if len(rest) != 5 {
		t.Fatalf("partial frame shrank to %d bytes", len(rest))
	}
	select {
	case f := <-ch.Frames():
		t.Fatalf("frame %q emitted from a partial buffer", f)
	default:
	}

	rest = ch.extractFrames(append(rest, full[5:]...))
	if len(rest) != 0 {
		t.Fatalf("%d bytes left after a complete frame", len(rest))
	}
	select {
	case f := <-ch.Frames():
		if !bytes.Equal(f, []byte("payload")) {
			t.Fatalf("frame = %q", f)
		}
	default:
		t.Fatal("completed frame not emitted")
	}
}

func TestExtractFramesBackToBack(t *testing.T) {
	ch, _, _ := newTestChannel()

	input := append(frame([]byte("one")), frame([]byte("two"))...)
	if rest := ch.extractFrames(input); len(rest) != 0 {
		t.Fatalf("%d bytes left over", len(rest))
	}
	for _, want := range []string{"one", "two"} {
		select {
		case f := <-ch.Frames():
			if string(f) != want {
				t.Fatalf("frame = %q, want %q", f, want)
			}
		default:
			t.Fatalf("frame %q missing", want)
		}
	}
}

func TestDisconnectClosesFrameStream(t *testing.T) {
	ch, _, hostR := newTestChannel()
	connect(t, ch, hostR)

	if err := ch.Disconnect(); err != nil {
		t.Fatalf("disconnect: %v", err)
	}

	select {
	case _, ok := <-ch.Frames():
		if ok {
			t.Fatal("frame delivered after disconnect")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("frame stream never closed")
	}

	if err := ch.Send(context.Background(), []byte("x")); err != meshbridge.ErrTransportUnavailable {
		t.Fatalf("send after disconnect: %v", err)
	}
}
