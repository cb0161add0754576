package protocol

import (
	"bytes"
	"testing"
)

func TestMsgHeaderRoundtrip(t *testing.T) {
	var h MsgHeader
	h.Length = 0xDEADBEEF
	h.StreamID = 0x01020304
	h.Type = MsgData

	b, err := h.MarshalBinary()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if len(b) != MsgHeaderSize {
		t.Fatalf("header size = %d", len(b))
	}

	var h2 MsgHeader
	if err := h2.UnmarshalBinary(b); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if h2 != h {
		t.Fatalf("headers differ: %#v vs %#v", h2, h)
	}
}

func TestMsgHeaderLittleEndian(t *testing.T) {
	h := MsgHeader{Length: 5, StreamID: 1, Type: MsgConnect}
	b, _ := h.MarshalBinary()
	want := []byte{5, 0, 0, 0, 1, 0, 0, 0, MsgConnect}
	if !bytes.Equal(b, want) {
		t.Fatalf("encoding = %v, want %v", b, want)
	}
}

func TestMsgHeaderShortBuffer(t *testing.T) {
	var h MsgHeader
	if err := h.UnmarshalBinary(make([]byte, MsgHeaderSize-1)); err == nil {
		t.Fatalf("expected error on short buffer")
	}
}

func TestAppendMessage(t *testing.T) {
	b := AppendMessage(nil, MsgData, 7, []byte("hello"))
	if len(b) != MsgHeaderSize+5 {
		t.Fatalf("message length = %d", len(b))
	}
	var h MsgHeader
	if err := h.UnmarshalBinary(b); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if h.Length != 5 || h.StreamID != 7 || h.Type != MsgData {
		t.Fatalf("header mismatch: %#v", h)
	}
	if !bytes.Equal(b[MsgHeaderSize:], []byte("hello")) {
		t.Fatalf("payload mismatch")
	}
}
