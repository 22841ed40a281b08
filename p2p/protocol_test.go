package p2p

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"testing"
)

func TestMessageRoundTrip(t *testing.T) {
	payload := RoutingPayload{Destination: "0x0a", Source: "0x0b", HopCount: 3, Class: ClassApp, Body: []byte("ping")}
	msg, err := newMessage(MsgTypeRouting, payload)
	if err != nil {
		t.Fatalf("new message: %v", err)
	}
	raw, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	decoded, err := decodeMessage(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.Type != MsgTypeRouting || decoded.Version != protocolVersion {
		t.Fatalf("unexpected envelope: %+v", decoded)
	}
	var round RoutingPayload
	if err := json.Unmarshal(decoded.Payload, &round); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if round.Destination != "0x0a" || string(round.Body) != "ping" {
		t.Fatalf("payload mismatch: %+v", round)
	}
}

func TestDecodeMessageRejectsVersionMismatch(t *testing.T) {
	raw := []byte(`{"v":99,"type":4}`)
	if _, err := decodeMessage(raw); !errors.Is(err, ErrProtocolViolation) {
		t.Fatalf("expected protocol violation, got %v", err)
	}
}

func TestDecodeMessageRejectsGarbage(t *testing.T) {
	if _, err := decodeMessage([]byte("not json")); !errors.Is(err, ErrProtocolViolation) {
		t.Fatalf("expected protocol violation, got %v", err)
	}
}

func TestReadBoundedLineEnforcesLimit(t *testing.T) {
	reader := bufio.NewReader(bytes.NewReader([]byte("{\"v\":1}\n")))
	line, err := readBoundedLine(reader, 1024)
	if err != nil {
		t.Fatalf("read small frame: %v", err)
	}
	if string(line) != `{"v":1}` {
		t.Fatalf("unexpected frame: %q", line)
	}

	huge := append(bytes.Repeat([]byte{'x'}, 8192), '\n')
	reader = bufio.NewReader(bytes.NewReader(huge))
	if _, err := readBoundedLine(reader, 1024); !errors.Is(err, ErrProtocolViolation) {
		t.Fatalf("oversized frame must be a protocol violation, got %v", err)
	}

	// A frame exactly at the limit passes.
	exact := append(bytes.Repeat([]byte{'y'}, 64), '\n')
	reader = bufio.NewReader(bytes.NewReader(exact))
	line, err = readBoundedLine(reader, 64)
	if err != nil {
		t.Fatalf("read frame at limit: %v", err)
	}
	if len(line) != 64 {
		t.Fatalf("frame at limit truncated to %d bytes", len(line))
	}
}

func TestNormalizeHex(t *testing.T) {
	cases := map[string]string{
		"0xAB":   "0xab",
		"AB":     "0xab",
		"  0xab": "0xab",
		"":       "",
		"0x":     "",
		"zz":     "",
		"0xzz":   "",
	}
	for input, want := range cases {
		if got := normalizeHex(input); got != want {
			t.Fatalf("normalizeHex(%q) = %q, want %q", input, got, want)
		}
	}
}

func TestHexRoundTrip(t *testing.T) {
	data := []byte{0x01, 0x02, 0xFF}
	encoded := encodeHex(data)
	if encoded != "0x0102ff" {
		t.Fatalf("encodeHex = %q", encoded)
	}
	decoded, err := decodeHex(encoded)
	if err != nil {
		t.Fatalf("decodeHex: %v", err)
	}
	if len(decoded) != 3 || decoded[2] != 0xFF {
		t.Fatalf("round trip mismatch: %v", decoded)
	}
}
