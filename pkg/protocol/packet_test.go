package protocol

import (
	"bytes"
	"math/rand"
	"testing"
)

type pkt struct {
	typ     uint8
	channel uint8
	payload []byte
}

func TestWalkPacketsIdentity(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	var in []pkt
	var buf []byte
	for i := 0; i < 40; i++ {
		p := pkt{
			typ:     uint8(4 + rng.Intn(5)),
			channel: uint8(rng.Intn(256)),
			payload: make([]byte, rng.Intn(256)),
		}
		rng.Read(p.payload)
		in = append(in, p)
		buf = AppendPacket(buf, p.typ, p.channel, p.payload)
	}

	var out []pkt
	err := WalkPackets(buf, func(typ, channelID uint8, payload []byte) error {
		out = append(out, pkt{typ, channelID, append([]byte(nil), payload...)})
		return nil
	})
	if err != nil {
		t.Fatalf("walk: %v", err)
	}
	if len(out) != len(in) {
		t.Fatalf("got %d packets, want %d", len(out), len(in))
	}
	for i := range in {
		if out[i].typ != in[i].typ || out[i].channel != in[i].channel || !bytes.Equal(out[i].payload, in[i].payload) {
			t.Fatalf("packet %d differs", i)
		}
	}
}

func TestWalkPacketsEmptyPayload(t *testing.T) {
	buf := AppendPacket(nil, PktEOS, 3, nil)
	n := 0
	err := WalkPackets(buf, func(typ, channelID uint8, payload []byte) error {
		n++
		if typ != PktEOS || channelID != 3 || len(payload) != 0 {
			t.Fatalf("unexpected packet: type=%d channel=%d len=%d", typ, channelID, len(payload))
		}
		return nil
	})
	if err != nil {
		t.Fatalf("walk: %v", err)
	}
	if n != 1 {
		t.Fatalf("got %d packets, want 1", n)
	}
}

func TestWalkPacketsTruncated(t *testing.T) {
	cases := [][]byte{
		{5},                // short header
		{5, PktData},       // short header
		{5, PktData, 1, 0}, // payload shorter than declared
	}
	for i, buf := range cases {
		err := WalkPackets(buf, func(uint8, uint8, []byte) error { return nil })
		if err == nil {
			t.Fatalf("case %d: expected error", i)
		}
	}
}
