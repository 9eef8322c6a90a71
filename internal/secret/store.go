// Package secret issues (secret, hashlock) pairs for HTLC swaps, seals
// the secret bytes at rest, and enforces one-shot reveal semantics.
//
// The hashlock is Keccak-256 of the secret. Both chain contracts must
// agree on the digest; Keccak-256 is enforced here and in the chain
// clients so a mismatch cannot be introduced per session.
package secret

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha256"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"golang.org/x/crypto/hkdf"

	"github.com/crosslock-exchange/crosslock/internal/session"
	"github.com/crosslock-exchange/crosslock/pkg/helpers"
	"github.com/crosslock-exchange/crosslock/pkg/logging"
)

// hkdfSalt fixes the derivation domain so the same passphrase yields
// the same sealing key across restarts.
var hkdfSalt = []byte("crosslock/secret-store/v1")

// Record is a sealed secret as persisted. Ciphertext carries the GCM
// auth tag; the hashlock doubles as additional authenticated data.
type Record struct {
	Hashlock   [32]byte
	Ciphertext []byte
	Nonce      []byte
	CreatedAt  time.Time
	ExpiresAt  time.Time
	Used       bool
}

// Persistence stores sealed records durably. The store works without
// one; records then live only in process memory.
type Persistence interface {
	SaveSecret(rec Record) error
	MarkSecretUsed(hashlock [32]byte) error
	LoadSecrets() ([]Record, error)
}

// Config holds secret-store configuration.
type Config struct {
	// EncryptionKey is the key material the sealing key is derived
	// from. Required.
	EncryptionKey string
	// TTL bounds how long a sealed secret may be revealed. Zero means
	// no expiry.
	TTL time.Duration
}

// Store seals and reveals swap secrets.
type Store struct {
	mu      sync.Mutex
	aead    cipher.AEAD
	ttl     time.Duration
	records map[[32]byte]*Record
	persist Persistence
	log     *logging.Logger
}

// NewStore derives the sealing key from cfg.EncryptionKey via
// HKDF-SHA256 and restores any persisted records.
func NewStore(cfg Config, persist Persistence, log *logging.Logger) (*Store, error) {
	if cfg.EncryptionKey == "" {
		return nil, fmt.Errorf("%w: secret encryption key not configured", session.ErrValidation)
	}
	if log == nil {
		log = logging.GetDefault()
	}

	key := make([]byte, 32)
	kdf := hkdf.New(sha256.New, []byte(cfg.EncryptionKey), hkdfSalt, []byte("aes-256-gcm"))
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, fmt.Errorf("derive sealing key: %w", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("init gcm: %w", err)
	}

	s := &Store{
		aead:    aead,
		ttl:     cfg.TTL,
		records: make(map[[32]byte]*Record),
		persist: persist,
		log:     log.Component("secrets"),
	}

	if persist != nil {
		recs, err := persist.LoadSecrets()
		if err != nil {
			return nil, fmt.Errorf("load sealed secrets: %w", err)
		}
		for i := range recs {
			rec := recs[i]
			s.records[rec.Hashlock] = &rec
		}
		if len(recs) > 0 {
			s.log.Info("restored sealed secrets", "count", len(recs))
		}
	}

	return s, nil
}

// Generate returns a fresh 32-byte secret and its Keccak-256 hashlock.
// The secret is not sealed; callers pass it to Seal.
func (s *Store) Generate() (secret, hashlock [32]byte, err error) {
	buf, err := helpers.GenerateSecureRandom(len(secret))
	if err != nil {
		return secret, hashlock, fmt.Errorf("generate secret: %w", err)
	}
	copy(secret[:], buf)
	copy(hashlock[:], crypto.Keccak256(secret[:]))
	return secret, hashlock, nil
}

// Hashlock computes the Keccak-256 hashlock of a secret.
func Hashlock(secret [32]byte) [32]byte {
	var h [32]byte
	copy(h[:], crypto.Keccak256(secret[:]))
	return h
}

// Seal encrypts the secret under the store key and records it by
// hashlock. Sealing the same hashlock twice is rejected.
func (s *Store) Seal(secret, hashlock [32]byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.records[hashlock]; exists {
		return fmt.Errorf("%w: hashlock %s already sealed", session.ErrValidation, hashlockPrefix(hashlock))
	}

	nonce, err := helpers.GenerateSecureRandom(s.aead.NonceSize())
	if err != nil {
		return fmt.Errorf("generate nonce: %w", err)
	}

	now := time.Now().UTC()
	rec := &Record{
		Hashlock:   hashlock,
		Ciphertext: s.aead.Seal(nil, nonce, secret[:], hashlock[:]),
		Nonce:      nonce,
		CreatedAt:  now,
	}
	if s.ttl > 0 {
		rec.ExpiresAt = now.Add(s.ttl)
	}

	s.records[hashlock] = rec
	if s.persist != nil {
		if err := s.persist.SaveSecret(*rec); err != nil {
			delete(s.records, hashlock)
			return fmt.Errorf("persist sealed secret: %w", err)
		}
	}

	s.log.Debug("sealed secret", "hashlock", hashlockPrefix(hashlock))
	return nil
}

// Reveal decrypts and returns the secret for a hashlock, exactly once.
// The used flag is checked and set atomically with the decryption; a
// second reveal fails with ErrSecretAlreadyUsed.
func (s *Store) Reveal(hashlock [32]byte) ([32]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var secret [32]byte

	rec, ok := s.records[hashlock]
	if !ok {
		return secret, fmt.Errorf("%w: hashlock %s", session.ErrSecretNotFound, hashlockPrefix(hashlock))
	}
	if !rec.ExpiresAt.IsZero() && time.Now().After(rec.ExpiresAt) {
		return secret, fmt.Errorf("%w: hashlock %s", session.ErrSecretExpired, hashlockPrefix(hashlock))
	}
	if rec.Used {
		return secret, fmt.Errorf("%w: hashlock %s", session.ErrSecretAlreadyUsed, hashlockPrefix(hashlock))
	}

	plain, err := s.aead.Open(nil, rec.Nonce, rec.Ciphertext, hashlock[:])
	if err != nil {
		return secret, fmt.Errorf("unseal secret %s: %w", hashlockPrefix(hashlock), err)
	}
	if len(plain) != 32 {
		return secret, fmt.Errorf("%w: sealed secret has length %d", session.ErrInternal, len(plain))
	}

	rec.Used = true
	if s.persist != nil {
		if err := s.persist.MarkSecretUsed(hashlock); err != nil {
			rec.Used = false
			return secret, fmt.Errorf("persist used flag: %w", err)
		}
	}

	copy(secret[:], plain)
	s.log.Info("revealed secret", "hashlock", hashlockPrefix(hashlock))
	return secret, nil
}

// Verify reports whether Keccak256(candidate) equals hashlock, in
// constant time.
func (s *Store) Verify(candidate []byte, hashlock [32]byte) bool {
	return helpers.ConstantTimeCompare(crypto.Keccak256(candidate), hashlock[:])
}

func hashlockPrefix(hashlock [32]byte) string {
	return helpers.BytesToHex(hashlock[:4])
}
