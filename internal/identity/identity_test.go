package identity

import (
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestInstanceIDDeterministic(t *testing.T) {
	kp, err := Generate()
	if err != nil {
		t.Fatal(err)
	}
	a := InstanceID(kp.Public)
	b := InstanceID(kp.Public)
	if a != b {
		t.Fatalf("same key produced different ids: %s vs %s", a, b)
	}
	if !strings.HasPrefix(a, IDPrefix) {
		t.Fatalf("id missing prefix: %s", a)
	}
	if len(a) != len(IDPrefix)+idHexLen {
		t.Fatalf("unexpected id length: %s", a)
	}

	other, _ := Generate()
	if InstanceID(other.Public) == a {
		t.Fatal("different keys produced same id")
	}
}

func TestKeystoreRoundTrip(t *testing.T) {
	kp, err := Generate()
	if err != nil {
		t.Fatal(err)
	}
	ks := NewKeystore(filepath.Join(t.TempDir(), "instance_key.json"))
	if ks.Exists() {
		t.Fatal("keystore should not exist yet")
	}
	if err := ks.Save(kp, "correct horse"); err != nil {
		t.Fatal(err)
	}
	if !ks.Exists() {
		t.Fatal("keystore should exist after save")
	}

	pub, err := ks.PublicKey()
	if err != nil {
		t.Fatal(err)
	}
	if !kp.Public.Equal(pub) {
		t.Fatal("public key changed across save/load")
	}

	got, err := ks.Unseal("correct horse")
	if err != nil {
		t.Fatal(err)
	}
	if !got.Public.Equal(kp.Public) || !got.Private.Equal(kp.Private) {
		t.Fatal("keypair changed across seal/unseal")
	}

	if _, err := ks.Unseal("wrong passphrase"); err == nil {
		t.Fatal("wrong passphrase should fail to unseal")
	}
}

func TestSessionIdleEviction(t *testing.T) {
	kp, _ := Generate()
	s := NewSession(kp, time.Minute)

	current := time.Now()
	s.now = func() time.Time { return current }

	if _, err := s.PrivateKey(); err != nil {
		t.Fatalf("fresh session should be unlocked: %v", err)
	}

	current = current.Add(2 * time.Minute)
	if _, err := s.PrivateKey(); err != ErrLocked {
		t.Fatalf("expected ErrLocked after idle timeout, got %v", err)
	}
	// Once evicted, stays evicted.
	if _, err := s.PublicKey(); err != ErrLocked {
		t.Fatalf("expected ErrLocked, got %v", err)
	}
}

func TestSessionClose(t *testing.T) {
	kp, _ := Generate()
	s := NewSession(kp, 0)
	id, err := s.InstanceID()
	if err != nil {
		t.Fatal(err)
	}
	if id != kp.ID() {
		t.Fatalf("session id %s != keypair id %s", id, kp.ID())
	}
	s.Close()
	if _, err := s.PrivateKey(); err != ErrLocked {
		t.Fatalf("expected ErrLocked after Close, got %v", err)
	}
}
