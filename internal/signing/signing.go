// Package signing provides canonical payload construction and Ed25519
// signing for cross-instance requests. Every signed endpoint enumerates the
// exact fields covered by the signature; both sides must serialize them
// byte-identically or verification fails.
package signing

import (
	"crypto/ed25519"
	"encoding/base64"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// FreshnessWindow is the maximum allowed skew between a signed timestamp
// and the verifier's clock. Applies symmetrically (past and future) to
// every signed endpoint.
const FreshnessWindow = 5 * time.Minute

// Canonical serializes an explicit field set deterministically: keys sorted
// lexicographically, each rendered as "key=value", joined with newlines.
// Only the enumerated fields participate — adding optional request fields
// later never changes existing signatures.
func Canonical(fields map[string]string) []byte {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(fields[k])
	}
	return []byte(b.String())
}

// Sign signs the canonical payload and returns a base64 signature.
func Sign(priv ed25519.PrivateKey, canonical []byte) (string, error) {
	if len(priv) != ed25519.PrivateKeySize {
		return "", fmt.Errorf("invalid private key length %d", len(priv))
	}
	sig := ed25519.Sign(priv, canonical)
	return base64.StdEncoding.EncodeToString(sig), nil
}

// Verify checks a base64 signature over the canonical payload.
func Verify(pub ed25519.PublicKey, canonical []byte, signature string) error {
	if len(pub) != ed25519.PublicKeySize {
		return fmt.Errorf("invalid public key length %d", len(pub))
	}
	sig, err := base64.StdEncoding.DecodeString(signature)
	if err != nil {
		return fmt.Errorf("decode signature: %w", err)
	}
	if !ed25519.Verify(pub, canonical, sig) {
		return fmt.Errorf("signature mismatch")
	}
	return nil
}

// CheckFreshness rejects timestamps outside the anti-replay window.
// ts is unix milliseconds, as carried on the wire.
func CheckFreshness(ts int64, now time.Time) error {
	drift := now.Sub(time.UnixMilli(ts))
	if drift < 0 {
		drift = -drift
	}
	if drift > FreshnessWindow {
		return fmt.Errorf("timestamp outside freshness window: drift %s exceeds %s", drift.Round(time.Second), FreshnessWindow)
	}
	return nil
}

// Timestamp returns the wire representation of t (unix milliseconds).
func Timestamp(t time.Time) string {
	return strconv.FormatInt(t.UnixMilli(), 10)
}

// ParseTimestamp parses the wire timestamp form.
func ParseTimestamp(s string) (int64, error) {
	ts, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse timestamp %q: %w", s, err)
	}
	return ts, nil
}

// EncodePublicKey returns the base64 wire form of a public key.
func EncodePublicKey(pub ed25519.PublicKey) string {
	return base64.StdEncoding.EncodeToString(pub)
}

// DecodePublicKey parses the base64 wire form of a public key.
func DecodePublicKey(s string) (ed25519.PublicKey, error) {
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return nil, fmt.Errorf("decode public key: %w", err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("public key must be %d bytes, got %d", ed25519.PublicKeySize, len(raw))
	}
	return ed25519.PublicKey(raw), nil
}
