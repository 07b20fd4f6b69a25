package wire

import (
	"bytes"
	"errors"
	"testing"
)

func TestFromRadioPacketRoundTrip(t *testing.T) {
	in := &FromRadio{Packet: &MeshPacket{
		From:     0x10203040,
		To:       NodeBroadcast,
		ID:       0xdeadbeef,
		HopLimit: 3,
		WantAck:  true,
		Decoded: &Data{
			PortNum:   257,
			Payload:   []byte("CHK_3_500"),
			RequestID: 77,
		},
	}}

	var out FromRadio
	if err := out.Unmarshal(in.Marshal()); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	p := out.Packet
	if p == nil {
		t.Fatal("packet variant not decoded")
	}
	if p.From != in.Packet.From || p.To != in.Packet.To || p.ID != in.Packet.ID {
		t.Fatalf("envelope fields mangled: %+v", p)
	}
	if !p.WantAck || p.HopLimit != 3 {
		t.Fatalf("delivery flags mangled: %+v", p)
	}
	if p.Decoded == nil || p.Decoded.PortNum != 257 || p.Decoded.RequestID != 77 {
		t.Fatalf("decoded data mangled: %+v", p.Decoded)
	}
	if !bytes.Equal(p.Decoded.Payload, []byte("CHK_3_500")) {
		t.Fatalf("payload mangled: %q", p.Decoded.Payload)
	}
}

func TestFromRadioVariants(t *testing.T) {
	nonce := uint32(42)
	cases := []struct {
		name  string
		frame []byte
		check func(t *testing.T, m *FromRadio)
	}{
		{
			name:  "my info",
			frame: (&FromRadio{MyInfo: &MyNodeInfo{MyNodeNum: 0xa1b2c3d4}}).Marshal(),
			check: func(t *testing.T, m *FromRadio) {
				if m.MyInfo == nil || m.MyInfo.MyNodeNum != 0xa1b2c3d4 {
					t.Fatalf("my info: %+v", m.MyInfo)
				}
			},
		},
		{
			name:  "config complete",
			frame: (&FromRadio{ConfigCompleteID: &nonce}).Marshal(),
			check: func(t *testing.T, m *FromRadio) {
				if m.ConfigCompleteID == nil || *m.ConfigCompleteID != nonce {
					t.Fatalf("config complete: %+v", m.ConfigCompleteID)
				}
			},
		},
		{
			name:  "queue status",
			frame: (&FromRadio{QueueStatus: &QueueStatus{Free: 5, MaxLen: 16}}).Marshal(),
			check: func(t *testing.T, m *FromRadio) {
				if m.QueueStatus == nil || m.QueueStatus.Free != 5 || m.QueueStatus.MaxLen != 16 {
					t.Fatalf("queue status: %+v", m.QueueStatus)
				}
			},
		},
		{
			name:  "mqtt proxy",
			frame: (&FromRadio{MQTTProxy: &MQTTClientProxyMessage{Topic: "msh/2/e/x", Data: []byte{1, 2}, Retained: true}}).Marshal(),
			check: func(t *testing.T, m *FromRadio) {
				if m.MQTTProxy == nil || m.MQTTProxy.Topic != "msh/2/e/x" || !m.MQTTProxy.Retained {
					t.Fatalf("proxy: %+v", m.MQTTProxy)
				}
			},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var m FromRadio
			if err := m.Unmarshal(tc.frame); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			tc.check(t, &m)
		})
	}
}

func TestToRadioRoundTrip(t *testing.T) {
	in := &ToRadio{Packet: &MeshPacket{
		To:      7,
		ID:      99,
		WantAck: true,
		Decoded: &Data{PortNum: 1, Payload: []byte("hi")},
	}}
	var out ToRadio
	if err := out.Unmarshal(in.Marshal()); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out.Packet == nil || out.Packet.ID != 99 || !out.Packet.WantAck {
		t.Fatalf("packet mangled: %+v", out.Packet)
	}

	var cfg ToRadio
	if err := cfg.Unmarshal((&ToRadio{WantConfigID: 0xcafe}).Marshal()); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if cfg.WantConfigID != 0xcafe {
		t.Fatalf("want config id mangled: %x", cfg.WantConfigID)
	}

	var hb ToRadio
	if err := hb.Unmarshal((&ToRadio{Heartbeat: true}).Marshal()); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !hb.Heartbeat {
		t.Fatal("heartbeat not decoded")
	}
}

func TestRoutingReport(t *testing.T) {
	var r Routing
	if err := r.Unmarshal((&Routing{ErrorReason: RoutingErrMaxRetransmit}).Marshal()); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if r.ErrorReason != RoutingErrMaxRetransmit {
		t.Fatalf("reason = %d", r.ErrorReason)
	}

	// An empty routing payload is an implicit acknowledgment.
	var ack Routing
	if err := ack.Unmarshal(nil); err != nil {
		t.Fatalf("unmarshal empty: %v", err)
	}
	if ack.ErrorReason != RoutingErrNone {
		t.Fatalf("empty payload decoded reason %d", ack.ErrorReason)
	}
}

func TestUnmarshalTruncated(t *testing.T) {
	frame := (&FromRadio{Packet: &MeshPacket{ID: 12345, Decoded: &Data{PortNum: 1, Payload: []byte("abc")}}}).Marshal()
	var m FromRadio
	if err := m.Unmarshal(frame[:len(frame)-2]); !errors.Is(err, ErrTruncated) {
		t.Fatalf("want ErrTruncated, got %v", err)
	}
}

func TestUnmarshalSkipsUnknownFields(t *testing.T) {
	frame := (&FromRadio{Rebooted: true}).Marshal()
	// Field 200 does not exist in the schema; decoding must step over it.
	frame = appendVarintField(frame, 200, 1)
	var m FromRadio
	if err := m.Unmarshal(frame); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !m.Rebooted {
		t.Fatal("known field lost while skipping unknown one")
	}
}
