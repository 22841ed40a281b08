package p2p

import (
	"bufio"
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"
)

const protocolVersion uint32 = 1

// Message type identifiers carried on the wire.
const (
	MsgTypeHandshake       byte = 0x01
	MsgTypeHandshakeReject byte = 0x02
	MsgTypeEdgeSync        byte = 0x03
	MsgTypeRouting         byte = 0x04
	MsgTypeHeartbeat       byte = 0x05
	MsgTypeHeartbeatAck    byte = 0x06
	MsgTypeDisconnect      byte = 0x07
)

// MessageClass partitions traffic for rate limiting so high-volume gossip
// cannot starve latency-sensitive consensus messages.
type MessageClass uint8

const (
	ClassConsensus MessageClass = iota
	ClassGossip
	ClassApp
	numMessageClasses
)

func (c MessageClass) String() string {
	switch c {
	case ClassConsensus:
		return "consensus"
	case ClassGossip:
		return "gossip"
	case ClassApp:
		return "app"
	}
	return "unknown"
}

// Message is the framed envelope for every protocol exchange.
type Message struct {
	Version uint32          `json:"v"`
	Type    byte            `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// HandshakeRejectPayload tells the remote side why its handshake was refused.
type HandshakeRejectPayload struct {
	Reason string `json:"reason"`
}

// EdgeSyncPayload carries a batch of signed edges during sync or gossip.
type EdgeSyncPayload struct {
	Edges []Edge `json:"edges"`
}

// RoutingPayload wraps an application message for multi-hop delivery.
// HopCount is decremented at every forward; a payload arriving with zero hops
// left is delivered if local, otherwise dropped.
type RoutingPayload struct {
	Destination   string       `json:"dst"`
	Source        string       `json:"src"`
	CorrelationID string       `json:"cid,omitempty"`
	Reply         bool         `json:"reply,omitempty"`
	HopCount      int          `json:"hops"`
	Class         MessageClass `json:"class"`
	Body          []byte       `json:"body"`
}

// HeartbeatPayload is exchanged as a lightweight keepalive message.
type HeartbeatPayload struct {
	Nonce     uint64 `json:"nonce"`
	Timestamp int64  `json:"timestamp"`
}

// DisconnectPayload announces a graceful teardown before the stream closes.
type DisconnectPayload struct {
	Reason string `json:"reason"`
}

func newMessage(msgType byte, payload any) (*Message, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &Message{Version: protocolVersion, Type: msgType, Payload: body}, nil
}

func decodeMessage(raw []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, fmt.Errorf("%w: malformed frame: %v", ErrProtocolViolation, err)
	}
	if msg.Version != protocolVersion {
		return nil, fmt.Errorf("%w: unsupported protocol version %d", ErrProtocolViolation, msg.Version)
	}
	return &msg, nil
}

func writeFrame(ctx context.Context, conn net.Conn, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if deadline, ok := ctx.Deadline(); ok {
		if err := conn.SetWriteDeadline(deadline); err != nil {
			return err
		}
		defer conn.SetWriteDeadline(time.Time{})
	}
	_, err = conn.Write(append(data, '\n'))
	return err
}

func readFrame(ctx context.Context, conn net.Conn, reader *bufio.Reader, limit int) ([]byte, error) {
	if deadline, ok := ctx.Deadline(); ok {
		if err := conn.SetReadDeadline(deadline); err != nil {
			return nil, err
		}
		defer conn.SetReadDeadline(time.Time{})
	}
	line, err := readBoundedLine(reader, limit)
	if err != nil {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
		return nil, err
	}
	return line, nil
}

var errFrameTooLarge = fmt.Errorf("%w: frame exceeds size limit", ErrProtocolViolation)

// readBoundedLine reads one newline-terminated frame without ever holding more
// than limit bytes (plus one bufio chunk) in memory. The size check runs as
// bytes arrive, so an oversized frame aborts the read mid-stream instead of
// after the whole line is resident.
func readBoundedLine(reader *bufio.Reader, limit int) ([]byte, error) {
	var line []byte
	for {
		chunk, err := reader.ReadSlice('\n')
		line = append(line, chunk...)
		if limit > 0 && len(line) > limit+1 {
			return nil, errFrameTooLarge
		}
		if err == nil {
			return bytes.TrimSpace(line), nil
		}
		if !errors.Is(err, bufio.ErrBufferFull) {
			return nil, err
		}
	}
}

func encodeHex(data []byte) string {
	if len(data) == 0 {
		return "0x"
	}
	return "0x" + hex.EncodeToString(data)
}

func decodeHex(value string) ([]byte, error) {
	value = strings.TrimSpace(value)
	if strings.HasPrefix(value, "0x") || strings.HasPrefix(value, "0X") {
		value = value[2:]
	}
	if value == "" {
		return []byte{}, nil
	}
	if len(value)%2 == 1 {
		value = "0" + value
	}
	return hex.DecodeString(value)
}

// normalizeHex lowercases a hex identifier and guarantees a 0x prefix so node
// IDs compare equal regardless of their source formatting.
func normalizeHex(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return ""
	}
	if strings.HasPrefix(trimmed, "0x") || strings.HasPrefix(trimmed, "0X") {
		trimmed = trimmed[2:]
	}
	if trimmed == "" {
		return ""
	}
	for _, ch := range trimmed {
		switch {
		case ch >= '0' && ch <= '9':
		case ch >= 'a' && ch <= 'f':
		case ch >= 'A' && ch <= 'F':
		default:
			return ""
		}
	}
	return "0x" + strings.ToLower(trimmed)
}
