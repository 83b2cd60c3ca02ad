package coord

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Identity is a peer's Ed25519 keypair plus the id derived from it.
type Identity struct {
	PeerID     string
	PrivateKey ed25519.PrivateKey
	PublicKey  ed25519.PublicKey
	Address    string // advertised listen address, may be empty
}

// NewIdentity generates a fresh keypair and derives the peer id.
func NewIdentity() (Identity, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return Identity{}, fmt.Errorf("generate keypair: %w", err)
	}
	return Identity{
		PeerID:     DerivePeerID(pub),
		PrivateKey: priv,
		PublicKey:  pub,
	}, nil
}

// IdentityFromKey rebuilds an identity from an existing private key.
func IdentityFromKey(priv ed25519.PrivateKey) Identity {
	pub := priv.Public().(ed25519.PublicKey)
	return Identity{
		PeerID:     DerivePeerID(pub),
		PrivateKey: priv,
		PublicKey:  pub,
	}
}

// NewEnvelope builds and signs an envelope authored by this identity.
func (id Identity) NewEnvelope(topic string, payload json.RawMessage) *Envelope {
	env := &Envelope{
		Topic: topic,
		ID:    uuid.New().String(),
		Sender: Sender{
			PeerID:    id.PeerID,
			Address:   id.Address,
			PublicKey: id.PublicKey,
		},
		Timestamp: time.Now().Unix(),
		MaxHops:   defaultMaxHops,
		Payload:   payload,
	}
	env.Sign(id.PrivateKey)
	return env
}
