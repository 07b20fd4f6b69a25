package meshbridge

// PortNum distinguishes message classes on the wire. The bridge routes inbound
// packets to the handler registered for their port and never interprets the
// payload beyond the chunk protocol.
type PortNum uint16

const (
	// PortTextMessage carries plain UTF-8 text.
	PortTextMessage PortNum = 1
	// PortRouting carries the device's delivery reports; consumed internally.
	PortRouting PortNum = 5
	// PortAdmin carries device administration requests that need the local
	// node identity.
	PortAdmin PortNum = 6
	// PortAtakPlugin is the direct port for small time-critical frames.
	PortAtakPlugin PortNum = 72
	// PortAtakForwarder is the chunk-capable port for large payloads.
	PortAtakForwarder PortNum = 257
)
