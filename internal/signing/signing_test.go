package signing

import (
	"crypto/ed25519"
	"crypto/rand"
	"testing"
	"time"
)

func genKey(t *testing.T) (ed25519.PublicKey, ed25519.PrivateKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	return pub, priv
}

func TestSignAndVerify(t *testing.T) {
	pub, priv := genKey(t)
	payload := Canonical(map[string]string{
		"public_key": EncodePublicKey(pub),
		"nickname":   "atlas",
		"timestamp":  "1700000000000",
	})
	sig, err := Sign(priv, payload)
	if err != nil {
		t.Fatal(err)
	}
	if err := Verify(pub, payload, sig); err != nil {
		t.Fatalf("verify failed: %v", err)
	}
}

func TestRejectsTamperedPayload(t *testing.T) {
	pub, priv := genKey(t)
	payload := Canonical(map[string]string{"instance_id": "agr_abc", "timestamp": "1"})
	sig, _ := Sign(priv, payload)
	tampered := Canonical(map[string]string{"instance_id": "agr_xyz", "timestamp": "1"})
	if err := Verify(pub, tampered, sig); err == nil {
		t.Fatal("should reject tampered payload")
	}
}

func TestRejectsTamperedSignature(t *testing.T) {
	pub, priv := genKey(t)
	payload := Canonical(map[string]string{"instance_id": "agr_abc"})
	sig, _ := Sign(priv, payload)
	// Flip one character of the base64 signature.
	flipped := []byte(sig)
	if flipped[0] == 'A' {
		flipped[0] = 'B'
	} else {
		flipped[0] = 'A'
	}
	if err := Verify(pub, payload, string(flipped)); err == nil {
		t.Fatal("should reject tampered signature")
	}
}

func TestRejectsWrongKey(t *testing.T) {
	_, priv := genKey(t)
	otherPub, _ := genKey(t)
	payload := Canonical(map[string]string{"instance_id": "agr_abc"})
	sig, _ := Sign(priv, payload)
	if err := Verify(otherPub, payload, sig); err == nil {
		t.Fatal("should reject wrong public key")
	}
}

func TestCanonicalIsDeterministic(t *testing.T) {
	a := Canonical(map[string]string{"b": "2", "a": "1", "c": "3"})
	if string(a) != "a=1\nb=2\nc=3" {
		t.Fatalf("unexpected canonical form: %q", a)
	}
	b := Canonical(map[string]string{"c": "3", "a": "1", "b": "2"})
	if string(a) != string(b) {
		t.Fatalf("canonical form depends on insertion order: %q vs %q", a, b)
	}
}

func TestFreshnessBoundary(t *testing.T) {
	now := time.Now()
	cases := []struct {
		name string
		ts   time.Time
		ok   bool
	}{
		{"just inside past", now.Add(-4*time.Minute - 59*time.Second), true},
		{"just outside past", now.Add(-5*time.Minute - 1*time.Second), false},
		{"just inside future", now.Add(4*time.Minute + 59*time.Second), true},
		{"just outside future", now.Add(5*time.Minute + 1*time.Second), false},
		{"exactly now", now, true},
	}
	for _, tc := range cases {
		err := CheckFreshness(tc.ts.UnixMilli(), now)
		if tc.ok && err != nil {
			t.Errorf("%s: unexpected rejection: %v", tc.name, err)
		}
		if !tc.ok && err == nil {
			t.Errorf("%s: should have been rejected", tc.name)
		}
	}
}

func TestPublicKeyRoundTrip(t *testing.T) {
	pub, _ := genKey(t)
	decoded, err := DecodePublicKey(EncodePublicKey(pub))
	if err != nil {
		t.Fatal(err)
	}
	if !pub.Equal(decoded) {
		t.Fatal("decoded key differs from original")
	}
	if _, err := DecodePublicKey("not-base64!!"); err == nil {
		t.Fatal("should reject malformed encoding")
	}
	if _, err := DecodePublicKey("AAAA"); err == nil {
		t.Fatal("should reject wrong-length key")
	}
}
