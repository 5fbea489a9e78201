// Package identity manages the per-installation Ed25519 keypair. The
// instance id is a deterministic one-way function of the public key, so
// re-registering with the same key always yields the same id.
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// IDPrefix marks Agora instance ids on the wire.
const IDPrefix = "agr_"

// idHexLen is the number of hex digits of the public-key hash kept in the id.
const idHexLen = 40

// Keypair is a generated instance identity.
type Keypair struct {
	Public  ed25519.PublicKey
	Private ed25519.PrivateKey
}

// Generate creates a fresh instance keypair.
func Generate() (*Keypair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate keypair: %w", err)
	}
	return &Keypair{Public: pub, Private: priv}, nil
}

// InstanceID derives the instance id from a public key. Same key, same id,
// always — this is the idempotence contract for registration.
func InstanceID(pub ed25519.PublicKey) string {
	sum := sha256.Sum256(pub)
	return IDPrefix + hex.EncodeToString(sum[:])[:idHexLen]
}

// ID returns the keypair's instance id.
func (k *Keypair) ID() string {
	return InstanceID(k.Public)
}
