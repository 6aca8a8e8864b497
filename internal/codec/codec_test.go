package codec

import (
	"bufio"
	"bytes"
	"testing"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	payload := []byte{0x00, 0xff, 0x10, 0x00}
	body, err := Encode(TagYUpdate, payload)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	env, err := Decode(body)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if env.Tag != TagYUpdate {
		t.Fatalf("tag = %q, want %q", env.Tag, TagYUpdate)
	}
	if !bytes.Equal(env.Payload, payload) {
		t.Fatalf("payload = %x, want %x", env.Payload, payload)
	}
}

func TestWriteReadMessageRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	payload := []byte("snapshot-bytes")
	if err := WriteMessage(&buf, TagSnapshot, payload); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}

	r := bufio.NewReader(&buf)
	env, err := ReadMessage(r)
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	if env.Tag != TagSnapshot {
		t.Fatalf("tag = %q, want %q", env.Tag, TagSnapshot)
	}
	if string(env.Payload) != string(payload) {
		t.Fatalf("payload = %q, want %q", env.Payload, payload)
	}
}

func TestReadFrameRejectsOversizedLength(t *testing.T) {
	var buf bytes.Buffer
	buf.Write([]byte{0xff, 0xff, 0xff, 0xff})
	r := bufio.NewReader(&buf)
	if _, err := ReadFrame(r); err == nil {
		t.Fatal("expected error for oversized frame length")
	}
}

func TestMultipleFramesOnOneStream(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteMessage(&buf, TagJoinRoom, []byte("room-a")); err != nil {
		t.Fatalf("WriteMessage 1: %v", err)
	}
	if err := WriteMessage(&buf, TagFileRequest, []byte("cid-x")); err != nil {
		t.Fatalf("WriteMessage 2: %v", err)
	}

	r := bufio.NewReader(&buf)
	first, err := ReadMessage(r)
	if err != nil {
		t.Fatalf("read first: %v", err)
	}
	if first.Tag != TagJoinRoom {
		t.Fatalf("first tag = %q", first.Tag)
	}
	second, err := ReadMessage(r)
	if err != nil {
		t.Fatalf("read second: %v", err)
	}
	if second.Tag != TagFileRequest {
		t.Fatalf("second tag = %q", second.Tag)
	}
}
