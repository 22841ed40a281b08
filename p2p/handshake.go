package p2p

import (
	"bufio"
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"net"
	"strings"
	"time"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

const (
	handshakeNonceSize                   = 32
	handshakeSkewAllowance time.Duration = 5 * time.Minute
	handshakeReplayWindow                = 15 * time.Minute
)

// handshakeMessage is the signed body exchanged when a connection opens. The
// edge proposal asserts the (local, remote) pair; the responder completes it
// with its counter-signature.
type handshakeMessage struct {
	ProtocolVersion uint32 `json:"protoVersion"`
	ChainID         uint64 `json:"chainId"`
	GenesisHash     string `json:"genesisHash"`
	NodePubHex      string `json:"nodeIdPub"`
	ListenAddr      string `json:"listenAddr,omitempty"`
	Edge            *Edge  `json:"edge,omitempty"`
	Nonce           string `json:"nonce"`
	Timestamp       int64  `json:"ts"`
	ClientVersion   string `json:"clientVersion"`
}

type handshakePacket struct {
	handshakeMessage
	Signature string `json:"sig"`

	nodeID string
	pubKey *ecdsa.PublicKey
}

// handshakeResult carries what the state machine established: the remote's
// identity and the edge for the pair. When the edge was completed locally (we
// counter-signed the remote's proposal) it still has to be announced to the
// remote in the first edge-sync message.
type handshakeResult struct {
	remote        *handshakePacket
	edge          Edge
	announceFirst bool
}

func handshakeDigest(payload []byte, timestamp int64) []byte {
	input := fmt.Sprintf("mesh-p2p|hello|%s|%d", payload, timestamp)
	return ethcrypto.Keccak256([]byte(input))
}

// performOutboundHandshake drives the initiating side: send our handshake,
// then read either the responder's handshake or a rejection. expectedID is the
// remote node ID when dialing a `nodeID@addr` target; it lets us pre-sign the
// edge proposal and pin the identity we expect to find.
func (s *Server) performOutboundHandshake(ctx context.Context, conn net.Conn, reader *bufio.Reader, expectedID string) (*handshakeResult, error) {
	var proposal *Edge
	if expectedID != "" {
		nonce := s.topology.NextNonce(s.nodeID, expectedID, s.currentTime())
		edge, err := newEdgeProposal(s.privKey, s.nodeID, expectedID, nonce, EdgeActive)
		if err != nil {
			return nil, fmt.Errorf("prepare edge proposal: %w", err)
		}
		proposal = &edge
	}

	local, err := s.buildHandshake(proposal)
	if err != nil {
		return nil, fmt.Errorf("prepare handshake: %w", err)
	}
	frame, err := newMessage(MsgTypeHandshake, local)
	if err != nil {
		return nil, fmt.Errorf("encode handshake: %w", err)
	}
	if err := writeFrame(ctx, conn, frame); err != nil {
		return nil, fmt.Errorf("send handshake: %w", err)
	}

	remote, err := s.readHandshakeFrame(ctx, conn, reader)
	if err != nil {
		return nil, err
	}
	if err := s.verifyHandshake(remote); err != nil {
		return nil, err
	}
	if expectedID != "" && remote.nodeID != normalizeHex(expectedID) {
		return nil, fmt.Errorf("%w: dialed %s but authenticated %s", ErrProtocolViolation, summarizeID(expectedID), summarizeID(remote.nodeID))
	}

	result := &handshakeResult{remote: remote}
	switch {
	case proposal != nil:
		// We proposed; the responder must have completed our edge.
		completed := remote.Edge
		if completed == nil || completed.Nonce != proposal.Nonce || completed.Key() != proposal.Key() || !completed.Complete() {
			return nil, fmt.Errorf("%w: handshake reply missing completed edge", ErrProtocolViolation)
		}
		if err := completed.Verify(); err != nil {
			return nil, err
		}
		result.edge = *completed
	case remote.Edge != nil:
		// The responder proposed instead; counter-sign and announce it in
		// the first edge-sync since the responder lacks our signature.
		edge := *remote.Edge
		if err := s.validateEdgeProposal(&edge, remote.nodeID); err != nil {
			return nil, err
		}
		if err := edge.Countersign(s.privKey, s.nodeID); err != nil {
			return nil, fmt.Errorf("countersign edge: %w", err)
		}
		if err := edge.Verify(); err != nil {
			return nil, err
		}
		result.edge = edge
		result.announceFirst = true
	default:
		return nil, fmt.Errorf("%w: handshake carries no edge", ErrProtocolViolation)
	}
	return result, nil
}

// performInboundHandshake drives the accepting side: read and validate the
// initiator's handshake, then either reject with a reason or reply with our
// own handshake carrying the counter-signed edge.
func (s *Server) performInboundHandshake(ctx context.Context, conn net.Conn, reader *bufio.Reader) (*handshakeResult, error) {
	remote, err := s.readHandshakeFrame(ctx, conn, reader)
	if err != nil {
		return nil, err
	}
	if err := s.verifyHandshake(remote); err != nil {
		s.rejectHandshake(ctx, conn, err)
		return nil, err
	}
	if remote.Edge != nil {
		edge := *remote.Edge
		if err := s.validateEdgeProposal(&edge, remote.nodeID); err != nil {
			s.rejectHandshake(ctx, conn, err)
			return nil, err
		}
	}
	if s.isBanned(remote.nodeID) {
		err := fmt.Errorf("peer %s is currently banned", summarizeID(remote.nodeID))
		s.rejectHandshake(ctx, conn, err)
		return nil, err
	}

	result := &handshakeResult{remote: remote}
	var reply *Edge
	if remote.Edge != nil {
		edge := *remote.Edge
		if err := edge.Countersign(s.privKey, s.nodeID); err != nil {
			return nil, fmt.Errorf("countersign edge: %w", err)
		}
		if err := edge.Verify(); err != nil {
			return nil, err
		}
		result.edge = edge
		reply = &edge
	} else {
		// Initiator did not know our identity ahead of time; propose the
		// edge ourselves and let it counter-sign.
		nonce := s.topology.NextNonce(s.nodeID, remote.nodeID, s.currentTime())
		edge, err := newEdgeProposal(s.privKey, s.nodeID, remote.nodeID, nonce, EdgeActive)
		if err != nil {
			return nil, fmt.Errorf("prepare edge proposal: %w", err)
		}
		result.edge = edge
		reply = &edge
	}

	local, err := s.buildHandshake(reply)
	if err != nil {
		return nil, fmt.Errorf("prepare handshake: %w", err)
	}
	frame, err := newMessage(MsgTypeHandshake, local)
	if err != nil {
		return nil, fmt.Errorf("encode handshake: %w", err)
	}
	if err := writeFrame(ctx, conn, frame); err != nil {
		return nil, fmt.Errorf("send handshake: %w", err)
	}
	return result, nil
}

// validateEdgeProposal checks a half-signed proposal received during the
// handshake: it must cover the (local, remote) pair, be Active, and carry the
// proposer's valid signature.
func (s *Server) validateEdgeProposal(edge *Edge, proposerID string) error {
	lo, hi, err := orderPair(s.nodeID, proposerID)
	if err != nil {
		return err
	}
	if edge.Lo != lo || edge.Hi != hi {
		return fmt.Errorf("%w: edge proposal does not cover this pair", ErrProtocolViolation)
	}
	if edge.State != EdgeActive {
		return fmt.Errorf("%w: edge proposal must be active", ErrProtocolViolation)
	}
	if edge.Nonce == 0 {
		return fmt.Errorf("%w: edge proposal nonce must be positive", ErrProtocolViolation)
	}
	digest := edgeDigest(edge.Lo, edge.Hi, edge.Nonce, edge.State)
	sig := edge.SigLo
	if normalizeHex(proposerID) == edge.Hi {
		sig = edge.SigHi
	}
	if sig == "" {
		return fmt.Errorf("%w: edge proposal missing proposer signature", ErrProtocolViolation)
	}
	return verifyEdgeSignature(digest, sig, normalizeHex(proposerID))
}

func (s *Server) readHandshakeFrame(ctx context.Context, conn net.Conn, reader *bufio.Reader) (*handshakePacket, error) {
	payload, err := readFrame(ctx, conn, reader, s.cfg.MaxMessageBytes)
	if err != nil {
		return nil, fmt.Errorf("read handshake: %w", err)
	}
	if len(payload) == 0 {
		return nil, fmt.Errorf("empty handshake from peer")
	}
	msg, err := decodeMessage(payload)
	if err != nil {
		return nil, err
	}
	switch msg.Type {
	case MsgTypeHandshake:
	case MsgTypeHandshakeReject:
		var reject HandshakeRejectPayload
		if err := json.Unmarshal(msg.Payload, &reject); err != nil {
			return nil, fmt.Errorf("%w: malformed handshake rejection", ErrProtocolViolation)
		}
		return nil, fmt.Errorf("handshake rejected by peer: %s", reject.Reason)
	default:
		return nil, fmt.Errorf("%w: expected handshake, got message type 0x%02x", ErrProtocolViolation, msg.Type)
	}
	var remote handshakePacket
	if err := json.Unmarshal(msg.Payload, &remote); err != nil {
		return nil, fmt.Errorf("%w: decode handshake: %v", ErrProtocolViolation, err)
	}
	return &remote, nil
}

// rejectHandshake tells the remote side why it was refused before closing.
// Best effort; the connection is torn down either way.
func (s *Server) rejectHandshake(ctx context.Context, conn net.Conn, reason error) {
	msg := "handshake rejected"
	if reason != nil {
		msg = reason.Error()
	}
	frame, err := newMessage(MsgTypeHandshakeReject, HandshakeRejectPayload{Reason: msg})
	if err != nil {
		return
	}
	_ = writeFrame(ctx, conn, frame)
}

func (s *Server) buildHandshake(edge *Edge) (*handshakePacket, error) {
	nonce := make([]byte, handshakeNonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate handshake nonce: %w", err)
	}

	now := s.currentTime()
	pubKey := s.privKey.PubKey().PublicKey
	payload := handshakeMessage{
		ProtocolVersion: protocolVersion,
		ChainID:         s.cfg.ChainID,
		GenesisHash:     encodeHex(s.genesis),
		NodePubHex:      encodeHex(ethcrypto.FromECDSAPub(pubKey)),
		ListenAddr:      s.listenAddr(),
		Edge:            edge,
		Nonce:           encodeHex(nonce),
		Timestamp:       now.Unix(),
		ClientVersion:   s.cfg.ClientVersion,
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal handshake payload: %w", err)
	}
	sig, err := ethcrypto.Sign(handshakeDigest(body, payload.Timestamp), s.privKey.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("sign handshake: %w", err)
	}

	packet := &handshakePacket{
		handshakeMessage: payload,
		Signature:        encodeHex(sig),
	}
	packet.nodeID = s.nodeID
	packet.pubKey = pubKey
	if !s.nonceGuard.Remember(s.nodeID, packet.Nonce, now) {
		return nil, fmt.Errorf("nonce collision detected")
	}
	return packet, nil
}

// verifyHandshake checks in a fixed order: protocol version,
// chain/genesis identity, then the packet signature binding the sender to its
// claimed public key. Edge proposal checks happen separately since the two
// sides treat the edge differently.
func (s *Server) verifyHandshake(packet *handshakePacket) error {
	if packet == nil {
		return fmt.Errorf("%w: nil handshake packet", ErrProtocolViolation)
	}
	if packet.ProtocolVersion != protocolVersion {
		return fmt.Errorf("%w: unsupported protocol version %d", ErrProtocolViolation, packet.ProtocolVersion)
	}
	if packet.ChainID != s.cfg.ChainID {
		return fmt.Errorf("%w: chain ID mismatch: remote %d local %d", ErrProtocolViolation, packet.ChainID, s.cfg.ChainID)
	}
	remoteGenesis, err := decodeHex(packet.GenesisHash)
	if err != nil {
		return fmt.Errorf("%w: invalid genesis hash encoding: %v", ErrProtocolViolation, err)
	}
	if !bytes.Equal(remoteGenesis, s.genesis) {
		return fmt.Errorf("%w: genesis hash mismatch", ErrProtocolViolation)
	}
	if packet.ClientVersion == "" {
		return fmt.Errorf("%w: handshake missing client version", ErrProtocolViolation)
	}
	if packet.ListenAddr != "" {
		if _, _, err := net.SplitHostPort(strings.TrimSpace(packet.ListenAddr)); err != nil {
			return fmt.Errorf("%w: invalid listen address: %v", ErrProtocolViolation, err)
		}
	}

	nonceBytes, err := decodeHex(packet.Nonce)
	if err != nil {
		return fmt.Errorf("%w: invalid nonce encoding: %v", ErrProtocolViolation, err)
	}
	if len(nonceBytes) != handshakeNonceSize {
		return fmt.Errorf("%w: invalid handshake nonce length %d", ErrProtocolViolation, len(nonceBytes))
	}

	ts := time.Unix(packet.Timestamp, 0)
	now := s.currentTime()
	if now.Sub(ts) > handshakeSkewAllowance || ts.Sub(now) > handshakeSkewAllowance {
		return fmt.Errorf("%w: handshake timestamp skew too large", ErrProtocolViolation)
	}

	pub, err := parseHandshakePub(packet.NodePubHex)
	if err != nil {
		return fmt.Errorf("%w: invalid node public key: %v", ErrProtocolViolation, err)
	}
	nodeID := deriveNodeIDFromPub(pub)
	if nodeID == "" {
		return fmt.Errorf("%w: cannot derive node ID", ErrProtocolViolation)
	}
	if nodeID == s.nodeID {
		return fmt.Errorf("%w: self connection not allowed", ErrProtocolViolation)
	}

	payloadJSON, err := json.Marshal(packet.handshakeMessage)
	if err != nil {
		return fmt.Errorf("marshal handshake for verification: %w", err)
	}
	sigBytes, err := decodeHex(packet.Signature)
	if err != nil {
		return fmt.Errorf("%w: invalid signature encoding: %v", ErrProtocolViolation, err)
	}
	if len(sigBytes) != 65 {
		return fmt.Errorf("%w: invalid handshake signature length %d", ErrProtocolViolation, len(sigBytes))
	}
	recovered, err := ethcrypto.SigToPub(handshakeDigest(payloadJSON, packet.Timestamp), sigBytes)
	if err != nil {
		return fmt.Errorf("%w: recover signature: %v", ErrProtocolViolation, err)
	}
	if deriveNodeIDFromPub(recovered) != nodeID {
		return fmt.Errorf("%w: signature does not match node ID", ErrProtocolViolation)
	}

	if !s.nonceGuard.Remember(nodeID, packet.Nonce, now) {
		return fmt.Errorf("%w: handshake nonce replay detected", ErrProtocolViolation)
	}

	packet.nodeID = nodeID
	packet.pubKey = pub
	return nil
}

func parseHandshakePub(value string) (*ecdsa.PublicKey, error) {
	if strings.TrimSpace(value) == "" {
		return nil, fmt.Errorf("missing public key")
	}
	raw, err := decodeHex(value)
	if err != nil {
		return nil, err
	}
	return ethcrypto.UnmarshalPubkey(raw)
}
