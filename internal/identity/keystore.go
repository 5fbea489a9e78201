package identity

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/crypto/scrypt"
)

// scrypt parameters. N=2^15 keeps unlock under ~100ms on commodity
// hardware while staying expensive for offline guessing.
const (
	scryptN      = 1 << 15
	scryptR      = 8
	scryptP      = 1
	saltLen      = 16
	sealedKeyLen = 32
)

// keyFile is the on-disk format. The private key is AES-GCM sealed under a
// passphrase-derived key; the decrypted form never touches durable storage.
type keyFile struct {
	Version   int    `json:"version"`
	PublicKey string `json:"public_key"`
	Salt      string `json:"salt"`
	Nonce     string `json:"nonce"`
	Sealed    string `json:"sealed"`
}

// Keystore reads and writes the sealed instance key.
type Keystore struct {
	path string
}

// NewKeystore creates a keystore rooted at path (a file, e.g.
// <data-dir>/instance_key.json).
func NewKeystore(path string) *Keystore {
	return &Keystore{path: path}
}

// Exists reports whether a sealed key is present on disk.
func (ks *Keystore) Exists() bool {
	_, err := os.Stat(ks.path)
	return err == nil
}

// Save seals the keypair under the passphrase and writes it to disk.
func (ks *Keystore) Save(kp *Keypair, passphrase string) error {
	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return fmt.Errorf("generate salt: %w", err)
	}
	sealKey, err := scrypt.Key([]byte(passphrase), salt, scryptN, scryptR, scryptP, sealedKeyLen)
	if err != nil {
		return fmt.Errorf("derive seal key: %w", err)
	}

	block, err := aes.NewCipher(sealKey)
	if err != nil {
		return fmt.Errorf("init cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return fmt.Errorf("init gcm: %w", err)
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return fmt.Errorf("generate nonce: %w", err)
	}
	sealed := gcm.Seal(nil, nonce, kp.Private.Seed(), nil)

	f := keyFile{
		Version:   1,
		PublicKey: base64.StdEncoding.EncodeToString(kp.Public),
		Salt:      base64.StdEncoding.EncodeToString(salt),
		Nonce:     base64.StdEncoding.EncodeToString(nonce),
		Sealed:    base64.StdEncoding.EncodeToString(sealed),
	}
	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(ks.path), 0700); err != nil {
		return fmt.Errorf("create key dir: %w", err)
	}
	return os.WriteFile(ks.path, data, 0600)
}

// PublicKey reads the public half without unsealing.
func (ks *Keystore) PublicKey() (ed25519.PublicKey, error) {
	f, err := ks.read()
	if err != nil {
		return nil, err
	}
	raw, err := base64.StdEncoding.DecodeString(f.PublicKey)
	if err != nil || len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("corrupt public key in %s", ks.path)
	}
	return ed25519.PublicKey(raw), nil
}

// Unseal decrypts the private key with the passphrase.
func (ks *Keystore) Unseal(passphrase string) (*Keypair, error) {
	f, err := ks.read()
	if err != nil {
		return nil, err
	}
	salt, err := base64.StdEncoding.DecodeString(f.Salt)
	if err != nil {
		return nil, fmt.Errorf("corrupt salt: %w", err)
	}
	nonce, err := base64.StdEncoding.DecodeString(f.Nonce)
	if err != nil {
		return nil, fmt.Errorf("corrupt nonce: %w", err)
	}
	sealed, err := base64.StdEncoding.DecodeString(f.Sealed)
	if err != nil {
		return nil, fmt.Errorf("corrupt sealed key: %w", err)
	}

	sealKey, err := scrypt.Key([]byte(passphrase), salt, scryptN, scryptR, scryptP, sealedKeyLen)
	if err != nil {
		return nil, fmt.Errorf("derive seal key: %w", err)
	}
	block, err := aes.NewCipher(sealKey)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	seed, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, fmt.Errorf("unseal key (wrong passphrase?): %w", err)
	}
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("unsealed key has wrong length %d", len(seed))
	}

	priv := ed25519.NewKeyFromSeed(seed)
	return &Keypair{Public: priv.Public().(ed25519.PublicKey), Private: priv}, nil
}

func (ks *Keystore) read() (*keyFile, error) {
	data, err := os.ReadFile(ks.path)
	if err != nil {
		return nil, fmt.Errorf("read keystore: %w", err)
	}
	var f keyFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse keystore: %w", err)
	}
	return &f, nil
}
