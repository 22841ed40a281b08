package p2p

import (
	"fmt"
	"strings"
	"time"

	"meshchain/crypto"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// EdgeState marks whether an edge asserts a live connection or its removal.
type EdgeState uint8

const (
	EdgeActive EdgeState = iota
	EdgeRemoved
)

func (s EdgeState) String() string {
	switch s {
	case EdgeActive:
		return "active"
	case EdgeRemoved:
		return "removed"
	}
	return "invalid"
}

// Edge is a signed assertion that the peers Lo and Hi are (or are no longer)
// directly connected. Lo and Hi are node IDs with Lo ordered strictly below Hi
// so that every pair has exactly one canonical representation. The nonce
// orders conflicting claims: a higher nonce always wins, and removal edges
// must carry a nonce above the active edge they retire.
//
// Active edges carry signatures from both endpoints. Removed edges carry a
// signature from at least the endpoint that initiated the teardown; the other
// slot may be empty since a disconnecting peer cannot compel its counterpart
// to co-sign.
type Edge struct {
	Lo    string    `json:"lo"`
	Hi    string    `json:"hi"`
	Nonce uint64    `json:"nonce"`
	State EdgeState `json:"state"`
	SigLo string    `json:"sigLo,omitempty"`
	SigHi string    `json:"sigHi,omitempty"`
}

// orderPair canonicalizes two node IDs into (lo, hi) order.
func orderPair(a, b string) (string, string, error) {
	na := normalizeHex(a)
	nb := normalizeHex(b)
	if na == "" || nb == "" {
		return "", "", fmt.Errorf("%w: invalid node ID in edge pair", ErrProtocolViolation)
	}
	if na == nb {
		return "", "", fmt.Errorf("%w: self edge not allowed", ErrProtocolViolation)
	}
	if na < nb {
		return na, nb, nil
	}
	return nb, na, nil
}

// Key returns the canonical map key for the unordered peer pair.
func (e Edge) Key() string {
	return e.Lo + "|" + e.Hi
}

// Other returns the opposite endpoint of the edge relative to id.
func (e Edge) Other(id string) string {
	if normalizeHex(id) == e.Lo {
		return e.Hi
	}
	return e.Lo
}

// Touches reports whether id is one of the edge's endpoints.
func (e Edge) Touches(id string) bool {
	n := normalizeHex(id)
	return n == e.Lo || n == e.Hi
}

func edgeDigest(lo, hi string, nonce uint64, state EdgeState) []byte {
	input := fmt.Sprintf("mesh-p2p|edge|%s|%s|%d|%d", lo, hi, nonce, state)
	return ethcrypto.Keccak256([]byte(input))
}

// timeNonce derives a fresh edge nonce from wall-clock time so that nonces
// from a restarted node dominate any it issued before the restart.
func timeNonce(now time.Time) uint64 {
	return uint64(now.Unix())
}

// newEdgeProposal builds an edge between the local and remote node with the
// local endpoint's signature attached. The remote side completes the edge by
// counter-signing during the handshake.
func newEdgeProposal(priv *crypto.PrivateKey, localID, remoteID string, nonce uint64, state EdgeState) (Edge, error) {
	lo, hi, err := orderPair(localID, remoteID)
	if err != nil {
		return Edge{}, err
	}
	edge := Edge{Lo: lo, Hi: hi, Nonce: nonce, State: state}
	if err := edge.sign(priv, localID); err != nil {
		return Edge{}, err
	}
	return edge, nil
}

// sign attaches the signature of the endpoint identified by signerID.
func (e *Edge) sign(priv *crypto.PrivateKey, signerID string) error {
	if priv == nil {
		return fmt.Errorf("missing signing key")
	}
	id := normalizeHex(signerID)
	if id != e.Lo && id != e.Hi {
		return fmt.Errorf("signer %s is not an edge endpoint", signerID)
	}
	sig, err := ethcrypto.Sign(edgeDigest(e.Lo, e.Hi, e.Nonce, e.State), priv.PrivateKey)
	if err != nil {
		return fmt.Errorf("sign edge: %w", err)
	}
	if id == e.Lo {
		e.SigLo = encodeHex(sig)
	} else {
		e.SigHi = encodeHex(sig)
	}
	return nil
}

// Countersign completes an edge proposal with the local endpoint's signature.
func (e *Edge) Countersign(priv *crypto.PrivateKey, localID string) error {
	return e.sign(priv, localID)
}

// Complete reports whether both endpoint signatures are present.
func (e Edge) Complete() bool {
	return e.SigLo != "" && e.SigHi != ""
}

// Verify checks the structural invariants and endpoint signatures of an edge.
// Active edges require both signatures; removal edges require at least one.
// Any signature that is present must recover to its claimed endpoint.
func (e Edge) Verify() error {
	if e.Lo == "" || e.Hi == "" || e.Lo != normalizeHex(e.Lo) || e.Hi != normalizeHex(e.Hi) {
		return fmt.Errorf("%w: edge endpoints not canonical", ErrProtocolViolation)
	}
	if e.Lo >= e.Hi {
		return fmt.Errorf("%w: edge pair out of order", ErrProtocolViolation)
	}
	if e.Nonce == 0 {
		return fmt.Errorf("%w: edge nonce must be positive", ErrProtocolViolation)
	}
	if e.State != EdgeActive && e.State != EdgeRemoved {
		return fmt.Errorf("%w: invalid edge state %d", ErrProtocolViolation, e.State)
	}
	digest := edgeDigest(e.Lo, e.Hi, e.Nonce, e.State)
	verified := 0
	if e.SigLo != "" {
		if err := verifyEdgeSignature(digest, e.SigLo, e.Lo); err != nil {
			return err
		}
		verified++
	}
	if e.SigHi != "" {
		if err := verifyEdgeSignature(digest, e.SigHi, e.Hi); err != nil {
			return err
		}
		verified++
	}
	switch e.State {
	case EdgeActive:
		if verified != 2 {
			return fmt.Errorf("%w: active edge requires both endpoint signatures", ErrProtocolViolation)
		}
	case EdgeRemoved:
		if verified == 0 {
			return fmt.Errorf("%w: removal edge requires an endpoint signature", ErrProtocolViolation)
		}
	}
	return nil
}

func verifyEdgeSignature(digest []byte, sigHex, wantID string) error {
	sig, err := decodeHex(sigHex)
	if err != nil {
		return fmt.Errorf("%w: invalid edge signature encoding: %v", ErrProtocolViolation, err)
	}
	if len(sig) != 65 {
		return fmt.Errorf("%w: invalid edge signature length %d", ErrProtocolViolation, len(sig))
	}
	pub, err := ethcrypto.SigToPub(digest, sig)
	if err != nil {
		return fmt.Errorf("%w: recover edge signature: %v", ErrProtocolViolation, err)
	}
	if deriveNodeIDFromPub(pub) != wantID {
		return fmt.Errorf("%w: edge signature does not match endpoint %s", ErrProtocolViolation, summarizeID(wantID))
	}
	return nil
}

func summarizeID(id string) string {
	trimmed := strings.TrimPrefix(id, "0x")
	if len(trimmed) <= 8 {
		return id
	}
	return "0x" + trimmed[:8]
}
