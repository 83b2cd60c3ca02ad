// Package coord implements the peer coordination layer: signed announcement
// envelopes carried over a WebSocket pub/sub transport. An originating peer
// broadcasts a TaskAnnouncement stamped with its Merkle clock head; every
// receiving peer merges the clock, resolves the responsible executor locally,
// and the responsible peer eventually broadcasts a Completion notice.
package coord

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
)

// Topics carried over the transport.
const (
	TopicHello    = "peer.hello"
	TopicAnnounce = "task.announce"
	TopicComplete = "task.complete"
)

// ErrAckTimeout reports that an announced task received no completion notice
// within the originator's deadline. It triggers a reclaim, never an abort.
var ErrAckTimeout = errors.New("announcement ack timeout")

// Sender identifies an envelope's author. PeerID is bound to the public key
// (see DerivePeerID), so a forged id fails verification.
type Sender struct {
	PeerID    string `json:"peer_id"`
	Address   string `json:"address,omitempty"`
	PublicKey []byte `json:"public_key"`
}

// Envelope is the common wrapper for every coordination message.
type Envelope struct {
	Topic     string          `json:"topic"`
	ID        string          `json:"id"`
	Sender    Sender          `json:"sender"`
	Timestamp int64           `json:"timestamp"`
	Hops      int             `json:"hops"`
	MaxHops   int             `json:"max_hops"`
	Payload   json.RawMessage `json:"payload"`
	Signature string          `json:"signature,omitempty"`
}

// DerivePeerID computes a peer id from an Ed25519 public key: the hex of its
// SHA-256. The binding lets receivers verify that an envelope's claimed
// sender owns the embedded key.
func DerivePeerID(pub ed25519.PublicKey) string {
	sum := sha256.Sum256(pub)
	return hex.EncodeToString(sum[:])
}

// signable returns the bytes covered by the signature. Hops is deliberately
// excluded so relays can forward an envelope without re-signing.
func (e *Envelope) signable() []byte {
	return []byte(e.Topic + e.ID + e.Sender.PeerID + strconv.FormatInt(e.Timestamp, 10) + string(e.Payload))
}

// Sign signs the envelope with the given private key.
func (e *Envelope) Sign(priv ed25519.PrivateKey) {
	sig := ed25519.Sign(priv, e.signable())
	e.Signature = hex.EncodeToString(sig)
}

// Verify checks the signature against the embedded public key and checks
// that the claimed peer id is derived from that key.
func (e *Envelope) Verify() error {
	if e.Signature == "" {
		return fmt.Errorf("envelope has no signature")
	}
	if len(e.Sender.PublicKey) != ed25519.PublicKeySize {
		return fmt.Errorf("invalid sender public key length %d", len(e.Sender.PublicKey))
	}
	if DerivePeerID(e.Sender.PublicKey) != e.Sender.PeerID {
		return fmt.Errorf("sender peer id does not match public key")
	}
	sig, err := hex.DecodeString(e.Signature)
	if err != nil {
		return fmt.Errorf("invalid signature hex: %w", err)
	}
	if !ed25519.Verify(ed25519.PublicKey(e.Sender.PublicKey), e.signable(), sig) {
		return fmt.Errorf("signature verification failed")
	}
	return nil
}

// Announcement offers a task for distributed execution. It is a message, not
// a stored entity: peers act on it and discard it.
type Announcement struct {
	TaskID     string            `json:"task_id"`
	ContentRef string            `json:"content_ref,omitempty"`
	NodeType   string            `json:"node_type,omitempty"`
	Priority   float64           `json:"priority"`
	OriginPeer string            `json:"origin_peer"`
	ClockHead  string            `json:"clock_head"`
	Clock      map[string]uint64 `json:"clock"`
	Attempt    int               `json:"attempt"`
	Timestamp  int64             `json:"timestamp"`
}

// Completion reports that a peer finished executing an announced task.
type Completion struct {
	TaskID       string            `json:"task_id"`
	ResultCID    string            `json:"result_cid,omitempty"`
	ExecutorPeer string            `json:"executor_peer"`
	OK           bool              `json:"ok"`
	Err          string            `json:"err,omitempty"`
	ClockHead    string            `json:"clock_head"`
	Clock        map[string]uint64 `json:"clock"`
	Timestamp    int64             `json:"timestamp"`
}
