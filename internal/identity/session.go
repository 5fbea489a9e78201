package identity

import (
	"crypto/ed25519"
	"fmt"
	"sync"
	"time"
)

// DefaultIdleTimeout evicts an unlocked key after this much inactivity.
const DefaultIdleTimeout = 30 * time.Minute

// Session holds a decrypted private key for the remainder of a working
// session. The key lives only in memory; an idle timeout evicts it, and
// Close evicts it on demand (e.g. session lock). Safe for concurrent use.
type Session struct {
	mu          sync.Mutex
	keypair     *Keypair
	lastUsed    time.Time
	idleTimeout time.Duration
	now         func() time.Time
}

// ErrLocked is returned once the session key has been evicted.
var ErrLocked = fmt.Errorf("signing session locked")

// NewSession wraps an unsealed keypair. idleTimeout <= 0 uses the default.
func NewSession(kp *Keypair, idleTimeout time.Duration) *Session {
	if idleTimeout <= 0 {
		idleTimeout = DefaultIdleTimeout
	}
	return &Session{
		keypair:     kp,
		lastUsed:    time.Now(),
		idleTimeout: idleTimeout,
		now:         time.Now,
	}
}

// Unlock opens the keystore and starts a signing session.
func Unlock(ks *Keystore, passphrase string, idleTimeout time.Duration) (*Session, error) {
	kp, err := ks.Unseal(passphrase)
	if err != nil {
		return nil, err
	}
	return NewSession(kp, idleTimeout), nil
}

// PrivateKey returns the session key, refreshing the idle timer.
func (s *Session) PrivateKey() (ed25519.PrivateKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkLocked(); err != nil {
		return nil, err
	}
	s.lastUsed = s.now()
	return s.keypair.Private, nil
}

// PublicKey returns the public half. Available even after eviction would
// not leak anything, but for symmetry it follows the same lifecycle.
func (s *Session) PublicKey() (ed25519.PublicKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkLocked(); err != nil {
		return nil, err
	}
	s.lastUsed = s.now()
	return s.keypair.Public, nil
}

// InstanceID returns the instance id for the session key.
func (s *Session) InstanceID() (string, error) {
	pub, err := s.PublicKey()
	if err != nil {
		return "", err
	}
	return InstanceID(pub), nil
}

// Close evicts the decrypted key immediately.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.evict()
}

// checkLocked evicts on idle timeout. Caller holds the lock.
func (s *Session) checkLocked() error {
	if s.keypair == nil {
		return ErrLocked
	}
	if s.now().Sub(s.lastUsed) > s.idleTimeout {
		s.evict()
		return ErrLocked
	}
	return nil
}

func (s *Session) evict() {
	if s.keypair == nil {
		return
	}
	for i := range s.keypair.Private {
		s.keypair.Private[i] = 0
	}
	s.keypair = nil
}
