package meshbridge

import (
	"errors"
	"fmt"
)

var (
	// ErrTransportUnavailable indicates no connected channel to send on.
	ErrTransportUnavailable = errors.New("transport unavailable")

	// ErrLinkTimeout indicates the transport got no physical-layer response.
	ErrLinkTimeout = errors.New("link timeout")

	// ErrDeliveryTimeout indicates no application-level acknowledgment arrived
	// within the tracking window.
	ErrDeliveryTimeout = errors.New("delivery timeout")

	// ErrLinkClosed resolves every in-flight send when a link disconnects.
	ErrLinkClosed = errors.New("link closed")

	// ErrSessionSuperseded indicates a new chunk header displaced an
	// incomplete reassembly session.
	ErrSessionSuperseded = errors.New("chunk session superseded")
)

// DeliveryRejectedError is an explicit NACK from the mesh, carrying the
// device-reported reason.
type DeliveryRejectedError struct {
	PacketID uint32
	Reason   string
}

func (e *DeliveryRejectedError) Error() string {
	return fmt.Sprintf("delivery of packet %08x rejected: %s", e.PacketID, e.Reason)
}

// ReassemblyError reports a chunked payload that could not be reconstructed.
type ReassemblyError struct {
	WantSize int
	GotSize  int
	Chunks   int
}

func (e *ReassemblyError) Error() string {
	return fmt.Sprintf("reassembly failed: got %d bytes from %d chunks, want %d",
		e.GotSize, e.Chunks, e.WantSize)
}

// ChunkTransferError reports an aborted chunked send with the attempted
// counts.
type ChunkTransferError struct {
	Chunks    int
	TotalSize int
	Stage     string // "header" or "fragment"
	Index     int    // fragment index, -1 for the header
	Err       error
}

func (e *ChunkTransferError) Error() string {
	if e.Stage == "header" {
		return fmt.Sprintf("chunked transfer of %d bytes in %d chunks aborted: header: %v",
			e.TotalSize, e.Chunks, e.Err)
	}
	return fmt.Sprintf("chunked transfer of %d bytes in %d chunks aborted: chunk %d: %v",
		e.TotalSize, e.Chunks, e.Index, e.Err)
}

func (e *ChunkTransferError) Unwrap() error { return e.Err }
