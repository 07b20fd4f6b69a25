package meshbridge

import (
	"bytes"
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/meshtastic/pluginmeshtastic/internal/log"
)

const (
	// fragmentSize is the application payload carried per fragment. The
	// physical frame ceiling is roughly 220-240 bytes; 180 leaves headroom
	// for the envelope and the ASCII fragment prefix.
	fragmentSize = 180

	// maxSingleFrame is the largest payload sent without chunking.
	maxSingleFrame = 220

	// chunkSessionTimeout bounds a receive-side reassembly session.
	chunkSessionTimeout = 60 * time.Second
)

var endMarker = []byte("END")

// chunkTransfer drives the send side of one chunked payload: a CHK header
// that must be acked before anything else, then fragments released under the
// flow controller, each tracked individually. The first fragment failure
// aborts the rest; resolutions of fragments already in flight no longer
// matter at that point.
type chunkTransfer struct {
	tracker  *DeliveryTracker
	flow     *QueueFlowController
	log      log.Logger
	port     PortNum
	dest     NodeID
	hopLimit uint8
	payload  []byte
	progress func(done, total int)
}

func (c *chunkTransfer) run(ctx context.Context) error {
	fragments := splitPayload(c.payload, fragmentSize)
	total := len(fragments)

	header := fmt.Sprintf("CHK_%d_%d", total, len(c.payload))
	if err := c.sendHeader(ctx, []byte(header)); err != nil {
		return &ChunkTransferError{
			Chunks: total, TotalSize: len(c.payload),
			Stage: "header", Index: -1, Err: err,
		}
	}
	c.log.Debug("chunk header acknowledged", "header", header)

	type fragResult struct {
		index int
		err   error
	}
	// Buffered for every fragment so late resolutions never block after an
	// abort.
	results := make(chan fragResult, total)

	launched, resolved := 0, 0
	for launched < total {
		select {
		case r := <-results:
			resolved++
			if r.err != nil {
				return &ChunkTransferError{
					Chunks: total, TotalSize: len(c.payload),
					Stage: "fragment", Index: r.index, Err: r.err,
				}
			}
			c.reportProgress(resolved, total)
			continue
		default:
		}

		// Wait for a credit without going deaf to failures: a rejected
		// fragment must abort the transfer even while the device withholds
		// queue reports.
		wake := c.flow.wait()
		if !c.flow.tryAcquire() {
			select {
			case <-ctx.Done():
				return &ChunkTransferError{
					Chunks: total, TotalSize: len(c.payload),
					Stage: "fragment", Index: launched, Err: ctx.Err(),
				}
			case r := <-results:
				resolved++
				if r.err != nil {
					return &ChunkTransferError{
						Chunks: total, TotalSize: len(c.payload),
						Stage: "fragment", Index: r.index, Err: r.err,
					}
				}
				c.reportProgress(resolved, total)
			case <-wake:
			}
			continue
		}

		idx := launched
		frame := append([]byte(strconv.Itoa(idx)+"_"), fragments[idx]...)
		pkt := &DataPacket{
			Destination: c.dest,
			PortNum:     c.port,
			Payload:     frame,
			WantAck:     true,
			HopLimit:    c.hopLimit,
		}
		_, err := c.tracker.SendFragment(ctx, pkt, func(err error) {
			c.flow.Resolve()
			results <- fragResult{index: idx, err: err}
		})
		if err != nil {
			c.flow.Resolve()
			return &ChunkTransferError{
				Chunks: total, TotalSize: len(c.payload),
				Stage: "fragment", Index: idx, Err: err,
			}
		}
		launched++
	}

	for resolved < total {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case r := <-results:
			resolved++
			if r.err != nil {
				return &ChunkTransferError{
					Chunks: total, TotalSize: len(c.payload),
					Stage: "fragment", Index: r.index, Err: r.err,
				}
			}
			c.reportProgress(resolved, total)
		}
	}
	return nil
}

func (c *chunkTransfer) sendHeader(ctx context.Context, header []byte) error {
	res := make(chan error, 1)
	pkt := &DataPacket{
		Destination: c.dest,
		PortNum:     c.port,
		Payload:     header,
		WantAck:     true,
		HopLimit:    c.hopLimit,
	}
	// The header rides the top-level path and gets its single automatic
	// retry; no fragment leaves before it is acked.
	if _, err := c.tracker.SendTracked(ctx, pkt, func(err error) { res <- err }); err != nil {
		return err
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-res:
		return err
	}
}

func (c *chunkTransfer) reportProgress(done, total int) {
	if c.progress != nil {
		c.progress(done, total)
	}
}

func splitPayload(p []byte, size int) [][]byte {
	var out [][]byte
	for start := 0; start < len(p); start += size {
		end := start + size
		if end > len(p) {
			end = len(p)
		}
		out = append(out, p[start:end])
	}
	return out
}

// Reassembler is the receive side of the chunk protocol. At most one session
// is active per link; completion is structural, detected as soon as every
// fragment index is present, with no END frame required. Frames that arrive
// while no session is active pass through untouched.
type Reassembler struct {
	log      log.Logger
	timeout  time.Duration
	now      func() time.Time
	failures chan error

	mu      sync.Mutex
	session *chunkSession
}

type chunkSession struct {
	totalChunks int
	totalSize   int
	received    map[int][]byte
	startedAt   time.Time
}

// NewReassembler builds a reassembler with the standard 60s session timeout.
func NewReassembler(logger log.Logger) *Reassembler {
	if logger == nil {
		logger = log.NOOPLogger{}
	}
	return &Reassembler{
		log:      logger,
		timeout:  chunkSessionTimeout,
		now:      time.Now,
		failures: make(chan error, 8),
	}
}

// Failures streams local reassembly faults: size mismatches, superseded and
// aborted sessions. The sender is never notified of these; the stream exists
// so the host can observe drops that would otherwise be silent.
func (r *Reassembler) Failures() <-chan error {
	return r.failures
}

// Ingest feeds one inbound frame through the chunk protocol. The returned
// payload is non-nil when a frame should be delivered upward: either a
// passthrough frame outside any session, or a completed reassembly.
func (r *Reassembler) Ingest(frame []byte) ([]byte, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if total, size, ok := parseChunkHeader(frame); ok {
		r.openSessionLocked(total, size)
		return nil, false
	}

	if bytes.Equal(frame, endMarker) {
		if r.session != nil {
			r.log.Warn("chunk session aborted by end marker",
				"have", len(r.session.received), "want", r.session.totalChunks)
			r.noteFailure(ErrSessionSuperseded)
			r.session = nil
		}
		return nil, false
	}

	if r.session == nil {
		return frame, true
	}

	if r.now().Sub(r.session.startedAt) > r.timeout {
		r.log.Warn("discarding expired chunk session",
			"have", len(r.session.received), "want", r.session.totalChunks)
		r.session = nil
		// Orphan fragments of the dead session are protocol bytes, not
		// application payload; swallow them instead of delivering upward.
		if _, _, ok := parseFragment(frame); ok {
			return nil, false
		}
		return frame, true
	}

	return r.storeFragmentLocked(frame)
}

// Discard drops any active session, e.g. when the link disconnects.
func (r *Reassembler) Discard() {
	r.mu.Lock()
	r.session = nil
	r.mu.Unlock()
}

func (r *Reassembler) openSessionLocked(total, size int) {
	if r.session != nil {
		r.log.Warn("chunk header superseded an active session",
			"have", len(r.session.received), "want", r.session.totalChunks)
		r.noteFailure(ErrSessionSuperseded)
	}
	r.session = &chunkSession{
		totalChunks: total,
		totalSize:   size,
		received:    make(map[int][]byte, total),
		startedAt:   r.now(),
	}
	r.log.Debug("chunk session opened", "chunks", total, "size", size)
}

func (r *Reassembler) storeFragmentLocked(frame []byte) ([]byte, bool) {
	idx, data, ok := parseFragment(frame)
	if !ok {
		r.log.Warn("unparseable fragment during chunk session", "len", len(frame))
		return nil, false
	}
	if idx >= r.session.totalChunks {
		r.log.Warn("fragment index out of range", "index", idx, "chunks", r.session.totalChunks)
		return nil, false
	}

	r.session.received[idx] = data
	if len(r.session.received) < r.session.totalChunks {
		return nil, false
	}

	// Every index is present: assemble in order and tear down immediately.
	s := r.session
	r.session = nil

	assembled := make([]byte, 0, s.totalSize)
	for i := 0; i < s.totalChunks; i++ {
		assembled = append(assembled, s.received[i]...)
	}
	if len(assembled) != s.totalSize {
		err := &ReassemblyError{WantSize: s.totalSize, GotSize: len(assembled), Chunks: s.totalChunks}
		r.log.Warn("reassembly size mismatch", "error", err)
		r.noteFailure(err)
		return nil, false
	}
	r.log.Debug("chunk session complete", "chunks", s.totalChunks, "size", s.totalSize)
	return assembled, true
}

func (r *Reassembler) noteFailure(err error) {
	select {
	case r.failures <- err:
	default:
	}
}

// parseChunkHeader matches CHK_<totalChunks>_<totalSize>.
func parseChunkHeader(frame []byte) (total, size int, ok bool) {
	const prefix = "CHK_"
	if !bytes.HasPrefix(frame, []byte(prefix)) {
		return 0, 0, false
	}
	rest := string(frame[len(prefix):])
	sep := -1
	for i := 0; i < len(rest); i++ {
		if rest[i] == '_' {
			sep = i
			break
		}
	}
	if sep < 1 {
		return 0, 0, false
	}
	total, err := strconv.Atoi(rest[:sep])
	if err != nil || total < 1 {
		return 0, 0, false
	}
	size, err = strconv.Atoi(rest[sep+1:])
	if err != nil || size < 0 {
		return 0, 0, false
	}
	return total, size, true
}

// parseFragment recovers the decimal index before the first underscore in
// the leading bytes. At most 10 bytes are scanned.
func parseFragment(frame []byte) (idx int, data []byte, ok bool) {
	limit := len(frame)
	if limit > 10 {
		limit = 10
	}
	sep := -1
	for i := 0; i < limit; i++ {
		if frame[i] == '_' {
			sep = i
			break
		}
	}
	if sep < 1 {
		return 0, nil, false
	}
	idx, err := strconv.Atoi(string(frame[:sep]))
	if err != nil || idx < 0 {
		return 0, nil, false
	}
	return idx, frame[sep+1:], true
}
