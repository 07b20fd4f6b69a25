// Package wire implements the binary format exchanged with the radio.
//
// The messages mirror the device's protobuf schema, but marshalling is written
// by hand on top of protowire so the codec carries only the fields the bridge
// consumes. Unknown fields are skipped on decode, so newer firmware can add
// fields without breaking the bridge.
package wire

import (
	"errors"

	"google.golang.org/protobuf/encoding/protowire"
)

// ErrTruncated indicates a message that ended in the middle of a field.
var ErrTruncated = errors.New("wire: truncated message")

// NodeBroadcast is the destination address for broadcast packets.
const NodeBroadcast uint32 = 0xffffffff

// ToRadio is the host-to-device envelope. Exactly one field should be set.
type ToRadio struct {
	Packet       *MeshPacket
	WantConfigID uint32
	Disconnect   bool
	MQTTProxy    *MQTTClientProxyMessage
	Heartbeat    bool
}

// FromRadio is the device-to-host envelope, decoded into a tagged variant.
// At most one field is non-zero for any given frame.
type FromRadio struct {
	Packet           *MeshPacket
	MyInfo           *MyNodeInfo
	NodeInfo         *NodeInfo
	LogRecord        *LogRecord
	ConfigCompleteID *uint32
	Rebooted         bool
	Channel          []byte
	QueueStatus      *QueueStatus
	Metadata         *DeviceMetadata
	MQTTProxy        *MQTTClientProxyMessage
}

// MeshPacket is a single packet on the mesh.
type MeshPacket struct {
	From     uint32
	To       uint32
	Channel  uint32
	Decoded  *Data
	ID       uint32
	RxTime   uint32
	RxSNR    float32
	HopLimit uint32
	WantAck  bool
	Priority uint32
	RxRSSI   int32
	ViaMQTT  bool
	HopStart uint32
}

// Data is the application payload of a decoded MeshPacket.
type Data struct {
	PortNum      uint32
	Payload      []byte
	WantResponse bool
	Dest         uint32
	Source       uint32
	RequestID    uint32
	ReplyID      uint32
}

// Routing is the device's delivery report, carried on the routing port with
// RequestID referencing the original packet. ErrorReason zero is an implicit
// acknowledgment.
type Routing struct {
	ErrorReason uint32
}

// Routing error reasons, matching the device firmware.
const (
	RoutingErrNone          uint32 = 0
	RoutingErrNoRoute       uint32 = 1
	RoutingErrGotNak        uint32 = 2
	RoutingErrTimeout       uint32 = 3
	RoutingErrNoInterface   uint32 = 4
	RoutingErrMaxRetransmit uint32 = 5
	RoutingErrNoChannel     uint32 = 6
	RoutingErrTooLarge      uint32 = 7
	RoutingErrNoResponse    uint32 = 8
	RoutingErrDutyCycle     uint32 = 9
	RoutingErrBadRequest    uint32 = 32
	RoutingErrNotAuthorized uint32 = 33
)

// RoutingErrorString maps an error reason to a short description.
func RoutingErrorString(reason uint32) string {
	switch reason {
	case RoutingErrNone:
		return "none"
	case RoutingErrNoRoute:
		return "no route"
	case RoutingErrGotNak:
		return "got nak"
	case RoutingErrTimeout:
		return "timeout"
	case RoutingErrNoInterface:
		return "no interface"
	case RoutingErrMaxRetransmit:
		return "max retransmissions"
	case RoutingErrNoChannel:
		return "no channel"
	case RoutingErrTooLarge:
		return "too large"
	case RoutingErrNoResponse:
		return "no response"
	case RoutingErrDutyCycle:
		return "duty cycle limit"
	case RoutingErrBadRequest:
		return "bad request"
	case RoutingErrNotAuthorized:
		return "not authorized"
	default:
		return "unknown"
	}
}

// QueueStatus reports the device's outbound queue occupancy.
type QueueStatus struct {
	Res          int32
	Free         uint32
	MaxLen       uint32
	MeshPacketID uint32
}

// MyNodeInfo identifies the radio itself.
type MyNodeInfo struct {
	MyNodeNum     uint32
	RebootCount   uint32
	MinAppVersion uint32
}

// NodeInfo describes a node known to the radio. Only the number is decoded;
// the bridge does not interpret user or position records.
type NodeInfo struct {
	Num uint32
}

// DeviceMetadata carries firmware details reported during the handshake.
type DeviceMetadata struct {
	FirmwareVersion string
}

// LogRecord is a log line forwarded from the device.
type LogRecord struct {
	Message string
	Time    uint32
	Source  string
	Level   uint32
}

// MQTTClientProxyMessage is an MQTT publication the device asks the host to
// proxy to a broker, or one the host delivers back down.
type MQTTClientProxyMessage struct {
	Topic    string
	Data     []byte
	Text     string
	Retained bool
}

// Marshal encodes the envelope for transmission to the device.
func (m *ToRadio) Marshal() []byte {
	var b []byte
	switch {
	case m.Packet != nil:
		b = appendMessage(b, 1, m.Packet.marshal())
	case m.WantConfigID != 0:
		b = protowire.AppendTag(b, 3, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(m.WantConfigID))
	case m.Disconnect:
		b = protowire.AppendTag(b, 4, protowire.VarintType)
		b = protowire.AppendVarint(b, 1)
	case m.MQTTProxy != nil:
		b = appendMessage(b, 6, m.MQTTProxy.marshal())
	case m.Heartbeat:
		b = appendMessage(b, 7, nil)
	}
	return b
}

// Unmarshal decodes a host-to-device envelope. The device is the consumer in
// production; tests use this to inspect what the bridge transmitted.
func (m *ToRadio) Unmarshal(b []byte) error {
	return eachField(b, func(num protowire.Number, typ protowire.Type, v uint64, raw []byte) error {
		switch {
		case typ == protowire.BytesType && num == 1:
			m.Packet = new(MeshPacket)
			return m.Packet.unmarshal(raw)
		case typ == protowire.VarintType && num == 3:
			m.WantConfigID = uint32(v)
		case typ == protowire.VarintType && num == 4:
			m.Disconnect = v != 0
		case typ == protowire.BytesType && num == 6:
			m.MQTTProxy = new(MQTTClientProxyMessage)
			return m.MQTTProxy.unmarshal(raw)
		case typ == protowire.BytesType && num == 7:
			m.Heartbeat = true
		}
		return nil
	})
}

// Marshal encodes a device-to-host envelope. The bridge never sends these;
// it exists so tests can fabricate device traffic.
func (m *FromRadio) Marshal() []byte {
	var b []byte
	switch {
	case m.Packet != nil:
		b = appendMessage(b, 2, m.Packet.marshal())
	case m.MyInfo != nil:
		b = appendMessage(b, 3, m.MyInfo.Marshal())
	case m.NodeInfo != nil:
		var body []byte
		if m.NodeInfo.Num != 0 {
			body = appendVarintField(body, 1, uint64(m.NodeInfo.Num))
		}
		b = appendMessage(b, 4, body)
	case m.ConfigCompleteID != nil:
		b = appendVarintField(b, 7, uint64(*m.ConfigCompleteID))
	case m.Rebooted:
		b = appendVarintField(b, 8, 1)
	case m.Channel != nil:
		b = appendMessage(b, 10, m.Channel)
	case m.QueueStatus != nil:
		b = appendMessage(b, 11, m.QueueStatus.Marshal())
	case m.Metadata != nil:
		var body []byte
		if m.Metadata.FirmwareVersion != "" {
			body = appendMessage(body, 1, []byte(m.Metadata.FirmwareVersion))
		}
		b = appendMessage(b, 13, body)
	case m.MQTTProxy != nil:
		b = appendMessage(b, 14, m.MQTTProxy.marshal())
	}
	return b
}

// Unmarshal decodes a device-to-host envelope.
func (m *FromRadio) Unmarshal(b []byte) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return ErrTruncated
		}
		b = b[n:]

		if typ == protowire.BytesType {
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return ErrTruncated
			}
			b = b[n:]
			switch num {
			case 2:
				m.Packet = new(MeshPacket)
				if err := m.Packet.unmarshal(v); err != nil {
					return err
				}
			case 3:
				m.MyInfo = new(MyNodeInfo)
				if err := m.MyInfo.unmarshal(v); err != nil {
					return err
				}
			case 4:
				m.NodeInfo = new(NodeInfo)
				if err := m.NodeInfo.unmarshal(v); err != nil {
					return err
				}
			case 6:
				m.LogRecord = new(LogRecord)
				if err := m.LogRecord.unmarshal(v); err != nil {
					return err
				}
			case 10:
				m.Channel = v
			case 11:
				m.QueueStatus = new(QueueStatus)
				if err := m.QueueStatus.unmarshal(v); err != nil {
					return err
				}
			case 13:
				m.Metadata = new(DeviceMetadata)
				if err := m.Metadata.unmarshal(v); err != nil {
					return err
				}
			case 14:
				m.MQTTProxy = new(MQTTClientProxyMessage)
				if err := m.MQTTProxy.unmarshal(v); err != nil {
					return err
				}
			}
			continue
		}

		if typ == protowire.VarintType {
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return ErrTruncated
			}
			b = b[n:]
			switch num {
			case 7:
				id := uint32(v)
				m.ConfigCompleteID = &id
			case 8:
				m.Rebooted = v != 0
			}
			continue
		}

		n = protowire.ConsumeFieldValue(num, typ, b)
		if n < 0 {
			return ErrTruncated
		}
		b = b[n:]
	}
	return nil
}

func (m *MeshPacket) marshal() []byte {
	var b []byte
	if m.From != 0 {
		b = appendVarintField(b, 1, uint64(m.From))
	}
	if m.To != 0 {
		b = appendVarintField(b, 2, uint64(m.To))
	}
	if m.Channel != 0 {
		b = appendVarintField(b, 3, uint64(m.Channel))
	}
	if m.Decoded != nil {
		b = appendMessage(b, 4, m.Decoded.marshal())
	}
	if m.ID != 0 {
		b = appendVarintField(b, 6, uint64(m.ID))
	}
	if m.HopLimit != 0 {
		b = appendVarintField(b, 9, uint64(m.HopLimit))
	}
	if m.WantAck {
		b = appendVarintField(b, 10, 1)
	}
	if m.Priority != 0 {
		b = appendVarintField(b, 11, uint64(m.Priority))
	}
	return b
}

func (m *MeshPacket) unmarshal(b []byte) error {
	return eachField(b, func(num protowire.Number, typ protowire.Type, v uint64, raw []byte) error {
		switch {
		case typ == protowire.VarintType:
			switch num {
			case 1:
				m.From = uint32(v)
			case 2:
				m.To = uint32(v)
			case 3:
				m.Channel = uint32(v)
			case 6:
				m.ID = uint32(v)
			case 7:
				m.RxTime = uint32(v)
			case 9:
				m.HopLimit = uint32(v)
			case 10:
				m.WantAck = v != 0
			case 11:
				m.Priority = uint32(v)
			case 12:
				m.RxRSSI = int32(v)
			case 14:
				m.ViaMQTT = v != 0
			case 15:
				m.HopStart = uint32(v)
			}
		case typ == protowire.BytesType && num == 4:
			m.Decoded = new(Data)
			return m.Decoded.unmarshal(raw)
		}
		return nil
	})
}

func (d *Data) marshal() []byte {
	var b []byte
	if d.PortNum != 0 {
		b = appendVarintField(b, 1, uint64(d.PortNum))
	}
	if len(d.Payload) > 0 {
		b = appendMessage(b, 2, d.Payload)
	}
	if d.WantResponse {
		b = appendVarintField(b, 3, 1)
	}
	if d.Dest != 0 {
		b = appendVarintField(b, 4, uint64(d.Dest))
	}
	if d.Source != 0 {
		b = appendVarintField(b, 5, uint64(d.Source))
	}
	if d.RequestID != 0 {
		b = appendVarintField(b, 6, uint64(d.RequestID))
	}
	if d.ReplyID != 0 {
		b = appendVarintField(b, 7, uint64(d.ReplyID))
	}
	return b
}

func (d *Data) unmarshal(b []byte) error {
	return eachField(b, func(num protowire.Number, typ protowire.Type, v uint64, raw []byte) error {
		switch {
		case typ == protowire.VarintType:
			switch num {
			case 1:
				d.PortNum = uint32(v)
			case 3:
				d.WantResponse = v != 0
			case 4:
				d.Dest = uint32(v)
			case 5:
				d.Source = uint32(v)
			case 6:
				d.RequestID = uint32(v)
			case 7:
				d.ReplyID = uint32(v)
			}
		case typ == protowire.BytesType && num == 2:
			d.Payload = raw
		}
		return nil
	})
}

// Marshal encodes a routing report. Used by tests and the downlink path.
func (r *Routing) Marshal() []byte {
	var b []byte
	if r.ErrorReason != 0 {
		b = appendVarintField(b, 3, uint64(r.ErrorReason))
	}
	return b
}

// Unmarshal decodes a routing report from a routing-port payload.
func (r *Routing) Unmarshal(b []byte) error {
	return eachField(b, func(num protowire.Number, typ protowire.Type, v uint64, _ []byte) error {
		if typ == protowire.VarintType && num == 3 {
			r.ErrorReason = uint32(v)
		}
		return nil
	})
}

func (q *QueueStatus) unmarshal(b []byte) error {
	return eachField(b, func(num protowire.Number, typ protowire.Type, v uint64, _ []byte) error {
		if typ != protowire.VarintType {
			return nil
		}
		switch num {
		case 1:
			q.Res = int32(v)
		case 2:
			q.Free = uint32(v)
		case 3:
			q.MaxLen = uint32(v)
		case 4:
			q.MeshPacketID = uint32(v)
		}
		return nil
	})
}

// Marshal encodes a queue status report. Only tests exercise this path; the
// device is the sole producer in production.
func (q *QueueStatus) Marshal() []byte {
	var b []byte
	if q.Res != 0 {
		b = appendVarintField(b, 1, uint64(uint32(q.Res)))
	}
	if q.Free != 0 {
		b = appendVarintField(b, 2, uint64(q.Free))
	}
	if q.MaxLen != 0 {
		b = appendVarintField(b, 3, uint64(q.MaxLen))
	}
	if q.MeshPacketID != 0 {
		b = appendVarintField(b, 4, uint64(q.MeshPacketID))
	}
	return b
}

func (m *MyNodeInfo) unmarshal(b []byte) error {
	return eachField(b, func(num protowire.Number, typ protowire.Type, v uint64, _ []byte) error {
		if typ != protowire.VarintType {
			return nil
		}
		switch num {
		case 1:
			m.MyNodeNum = uint32(v)
		case 8:
			m.RebootCount = uint32(v)
		case 11:
			m.MinAppVersion = uint32(v)
		}
		return nil
	})
}

// Marshal encodes node identity. Production traffic is device-to-host only;
// tests use this to fabricate handshake frames.
func (m *MyNodeInfo) Marshal() []byte {
	var b []byte
	if m.MyNodeNum != 0 {
		b = appendVarintField(b, 1, uint64(m.MyNodeNum))
	}
	if m.RebootCount != 0 {
		b = appendVarintField(b, 8, uint64(m.RebootCount))
	}
	if m.MinAppVersion != 0 {
		b = appendVarintField(b, 11, uint64(m.MinAppVersion))
	}
	return b
}

func (n *NodeInfo) unmarshal(b []byte) error {
	return eachField(b, func(num protowire.Number, typ protowire.Type, v uint64, _ []byte) error {
		if typ == protowire.VarintType && num == 1 {
			n.Num = uint32(v)
		}
		return nil
	})
}

func (d *DeviceMetadata) unmarshal(b []byte) error {
	return eachField(b, func(num protowire.Number, typ protowire.Type, _ uint64, raw []byte) error {
		if typ == protowire.BytesType && num == 1 {
			d.FirmwareVersion = string(raw)
		}
		return nil
	})
}

func (l *LogRecord) unmarshal(b []byte) error {
	return eachField(b, func(num protowire.Number, typ protowire.Type, v uint64, raw []byte) error {
		switch {
		case typ == protowire.BytesType && num == 1:
			l.Message = string(raw)
		case typ == protowire.BytesType && num == 3:
			l.Source = string(raw)
		case typ == protowire.VarintType && num == 2:
			l.Time = uint32(v)
		case typ == protowire.VarintType && num == 4:
			l.Level = uint32(v)
		}
		return nil
	})
}

func (m *MQTTClientProxyMessage) marshal() []byte {
	var b []byte
	if m.Topic != "" {
		b = appendMessage(b, 1, []byte(m.Topic))
	}
	if len(m.Data) > 0 {
		b = appendMessage(b, 2, m.Data)
	}
	if m.Text != "" {
		b = appendMessage(b, 3, []byte(m.Text))
	}
	if m.Retained {
		b = appendVarintField(b, 4, 1)
	}
	return b
}

func (m *MQTTClientProxyMessage) unmarshal(b []byte) error {
	return eachField(b, func(num protowire.Number, typ protowire.Type, v uint64, raw []byte) error {
		switch {
		case typ == protowire.BytesType && num == 1:
			m.Topic = string(raw)
		case typ == protowire.BytesType && num == 2:
			m.Data = raw
		case typ == protowire.BytesType && num == 3:
			m.Text = string(raw)
		case typ == protowire.VarintType && num == 4:
			m.Retained = v != 0
		}
		return nil
	})
}

func appendMessage(b []byte, num protowire.Number, body []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, body)
}

func appendVarintField(b []byte, num protowire.Number, v uint64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

// eachField walks every field of a message, passing varint values through v
// and length-delimited values through raw. Fields of other wire types are
// skipped.
func eachField(b []byte, fn func(num protowire.Number, typ protowire.Type, v uint64, raw []byte) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return ErrTruncated
		}
		b = b[n:]

		switch typ {
		case protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return ErrTruncated
			}
			b = b[n:]
			if err := fn(num, typ, v, nil); err != nil {
				return err
			}
		case protowire.BytesType:
			raw, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return ErrTruncated
			}
			b = b[n:]
			if err := fn(num, typ, 0, raw); err != nil {
				return err
			}
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return ErrTruncated
			}
			b = b[n:]
		}
	}
	return nil
}
