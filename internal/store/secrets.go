package store

import (
	"fmt"
	"time"

	"github.com/crosslock-exchange/crosslock/internal/secret"
	"github.com/crosslock-exchange/crosslock/internal/session"
)

// The store doubles as the secret store's persistence backend.
var _ secret.Persistence = (*Store)(nil)

// SaveSecret persists a sealed secret record.
func (s *Store) SaveSecret(rec secret.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var expires int64
	if !rec.ExpiresAt.IsZero() {
		expires = rec.ExpiresAt.Unix()
	}

	_, err := s.db.Exec(
		`INSERT INTO encrypted_secrets (hashlock, ciphertext, nonce, created_at, expires_at, used)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		rec.Hashlock[:], rec.Ciphertext, rec.Nonce, rec.CreatedAt.Unix(), expires, boolToInt(rec.Used))
	if err != nil {
		return fmt.Errorf("save sealed secret: %w", err)
	}
	return nil
}

// MarkSecretUsed flips the one-shot flag, exactly once.
func (s *Store) MarkSecretUsed(hashlock [32]byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(
		`UPDATE encrypted_secrets SET used = 1 WHERE hashlock = ? AND used = 0`,
		hashlock[:])
	if err != nil {
		return fmt.Errorf("mark secret used: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: secret record missing or already used", session.ErrSecretAlreadyUsed)
	}
	return nil
}

// LoadSecrets returns all persisted sealed records.
func (s *Store) LoadSecrets() ([]secret.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(
		`SELECT hashlock, ciphertext, nonce, created_at, expires_at, used FROM encrypted_secrets`)
	if err != nil {
		return nil, fmt.Errorf("load sealed secrets: %w", err)
	}
	defer rows.Close()

	var recs []secret.Record
	for rows.Next() {
		var (
			rec                 secret.Record
			hashlock            []byte
			createdAt, expireAt int64
			used                int
		)
		if err := rows.Scan(&hashlock, &rec.Ciphertext, &rec.Nonce, &createdAt, &expireAt, &used); err != nil {
			return nil, err
		}
		copy(rec.Hashlock[:], hashlock)
		rec.CreatedAt = time.Unix(createdAt, 0).UTC()
		if expireAt > 0 {
			rec.ExpiresAt = time.Unix(expireAt, 0).UTC()
		}
		rec.Used = used != 0
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
