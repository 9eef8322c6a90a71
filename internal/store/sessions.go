package store

import (
	"database/sql"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"

	"github.com/crosslock-exchange/crosslock/internal/secret"
	"github.com/crosslock-exchange/crosslock/internal/session"
)

// Escrow sides for AttachEscrow.
const (
	SideSrc = "src"
	SideDst = "dst"
)

// AttachSecretStore wires the secret store used by Create and Reveal.
// Must be called before the first Create.
func (s *Store) AttachSecretStore(sec *secret.Store) {
	s.secrets = sec
}

// CreateParams are the caller-supplied fields of a new session.
type CreateParams struct {
	SourceChain       session.Chain
	DestinationChain  session.Chain
	SourceToken       string
	DestinationToken  string
	SourceAmount      *big.Int
	DestinationAmount *big.Int
	Maker             string
	Taker             string
	SlippageBps       uint32
}

func (p CreateParams) validate() error {
	if p.SourceChain != session.ChainEVM && p.SourceChain != session.ChainNEAR {
		return fmt.Errorf("%w: unknown source chain %q", session.ErrValidation, p.SourceChain)
	}
	if p.DestinationChain != session.ChainEVM && p.DestinationChain != session.ChainNEAR {
		return fmt.Errorf("%w: unknown destination chain %q", session.ErrValidation, p.DestinationChain)
	}
	if p.SourceChain == p.DestinationChain {
		return fmt.Errorf("%w: source and destination chain are the same", session.ErrValidation)
	}
	if p.SourceAmount == nil || p.SourceAmount.Sign() <= 0 {
		return fmt.Errorf("%w: source amount must be positive", session.ErrValidation)
	}
	if p.DestinationAmount == nil || p.DestinationAmount.Sign() <= 0 {
		return fmt.Errorf("%w: destination amount must be positive", session.ErrValidation)
	}
	if p.Maker == "" || p.Taker == "" {
		return fmt.Errorf("%w: maker and taker are required", session.ErrValidation)
	}
	return nil
}

// Create allocates a session: id, secret and hashlock, order hash,
// timelocks, initial status initialized. Fails with ErrCapacityExceeded
// when the active-session limit is reached.
func (s *Store) Create(params CreateParams) (*session.Session, error) {
	if err := params.validate(); err != nil {
		return nil, err
	}
	if s.secrets == nil {
		return nil, fmt.Errorf("%w: secret store not attached", session.ErrInternal)
	}

	tl, err := session.DeriveTimelocks(time.Now(), s.cfg.Offsets)
	if err != nil {
		return nil, err
	}

	// Fast-fail before sealing a secret for a session that cannot be
	// created. The authoritative check runs again under the insert
	// lock below.
	s.mu.Lock()
	active, err := s.countActiveLocked()
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if active >= s.cfg.MaxActive {
		return nil, fmt.Errorf("%w: %d active sessions (limit %d)",
			session.ErrCapacityExceeded, active, s.cfg.MaxActive)
	}

	// Seal before taking the store lock; the secret store persists
	// through this store and re-entering s.mu would deadlock.
	secretBytes, hashlock, err := s.secrets.Generate()
	if err != nil {
		return nil, err
	}
	if err := s.secrets.Seal(secretBytes, hashlock); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Re-check in the same critical section as the insert; two creates
	// racing past the pre-seal check could otherwise overshoot the
	// limit.
	active, err = s.countActiveLocked()
	if err != nil {
		return nil, err
	}
	if active >= s.cfg.MaxActive {
		return nil, fmt.Errorf("%w: %d active sessions (limit %d)",
			session.ErrCapacityExceeded, active, s.cfg.MaxActive)
	}

	id := uuid.New().String()
	var orderHash [32]byte
	copy(orderHash[:], crypto.Keccak256([]byte(id)))

	now := time.Now().UTC()
	sess := &session.Session{
		ID:                   id,
		Status:               session.StatusInitialized,
		SourceChain:          params.SourceChain,
		DestinationChain:     params.DestinationChain,
		SourceToken:          params.SourceToken,
		DestinationToken:     params.DestinationToken,
		SourceAmount:         new(big.Int).Set(params.SourceAmount),
		DestinationAmount:    new(big.Int).Set(params.DestinationAmount),
		Maker:                params.Maker,
		Taker:                params.Taker,
		SlippageToleranceBps: params.SlippageBps,
		Hashlock:             hashlock,
		OrderHash:            orderHash,
		Timelocks:            tl,
		CreatedAt:            now,
		UpdatedAt:            now,
		ExpirationTime:       now.Add(s.cfg.SessionTimeout),
	}

	_, err = s.db.Exec(`INSERT INTO sessions (
		id, status, source_chain, destination_chain, source_token, destination_token,
		source_amount, destination_amount, maker, taker, slippage_bps,
		hashlock, order_hash, src_escrow_address, dst_htlc_handle, revealed_secret,
		src_deployed_at, src_withdrawal, src_public_withdrawal, src_cancellation,
		dst_deployed_at, dst_withdrawal, dst_cancellation,
		error_kind, created_at, updated_at, expiration_time
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, '', '', NULL, ?, ?, ?, ?, ?, ?, ?, '', ?, ?, ?)`,
		sess.ID, string(sess.Status), string(sess.SourceChain), string(sess.DestinationChain),
		sess.SourceToken, sess.DestinationToken,
		sess.SourceAmount.String(), sess.DestinationAmount.String(),
		sess.Maker, sess.Taker, sess.SlippageToleranceBps,
		hashlock[:], orderHash[:],
		tl.SrcDeployedAt, tl.SrcWithdrawal, tl.SrcPublicWithdrawal, tl.SrcCancellation,
		tl.DstDeployedAt, tl.DstWithdrawal, tl.DstCancellation,
		now.Unix(), now.Unix(), sess.ExpirationTime.Unix(),
	)
	if err != nil {
		return nil, fmt.Errorf("insert session: %w", err)
	}

	s.log.Info("session created", "id", id, "src", params.SourceChain, "dst", params.DestinationChain)
	return sess, nil
}

// Get returns the session by id.
func (s *Store) Get(id string) (*session.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getLocked(id)
}

// GetByOrderHash returns the session whose order hash matches.
func (s *Store) GetByOrderHash(orderHash [32]byte) (*session.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(sessionSelect+` WHERE order_hash = ?`, orderHash[:])
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: order hash", session.ErrNotFound)
	}
	return sess, err
}

// GetByHTLCHandle returns the session holding the given destination
// HTLC handle.
func (s *Store) GetByHTLCHandle(handle string) (*session.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(sessionSelect+` WHERE dst_htlc_handle = ?`, handle)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: htlc handle %s", session.ErrNotFound, handle)
	}
	return sess, err
}

// ListFilter narrows List results. Zero values mean no constraint.
type ListFilter struct {
	Status session.Status
	Limit  int
}

// List returns sessions newest first.
func (s *Store) List(filter ListFilter) ([]*session.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := sessionSelect
	var args []interface{}
	if filter.Status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(filter.Status))
	}
	query += ` ORDER BY created_at DESC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*session.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

// Transition validates the edge current -> target and applies it.
func (s *Store) Transition(id string, target session.Status) (*session.Session, error) {
	mu := s.lockSession(id)
	mu.Lock()
	defer mu.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()

	sess, err := s.getLocked(id)
	if err != nil {
		return nil, err
	}
	if err := sess.Transition(target); err != nil {
		return nil, err
	}

	_, err = s.db.Exec(`UPDATE sessions SET status = ?, updated_at = ? WHERE id = ?`,
		string(sess.Status), sess.UpdatedAt.Unix(), id)
	if err != nil {
		return nil, fmt.Errorf("update session status: %w", err)
	}

	s.log.Debug("session transition", "id", id, "status", target)
	return sess, nil
}

// SetErrorKind records the categorical error kind on a session.
func (s *Store) SetErrorKind(id, kind string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`UPDATE sessions SET error_kind = ?, updated_at = ? WHERE id = ?`,
		kind, time.Now().Unix(), id)
	if err != nil {
		return fmt.Errorf("set error kind: %w", err)
	}
	return requireRow(res, id)
}

// AttachEscrow records the escrow reference for one side, exactly once.
// Side is SideSrc or SideDst.
func (s *Store) AttachEscrow(id, side, ref string) error {
	if ref == "" {
		return fmt.Errorf("%w: empty escrow ref", session.ErrValidation)
	}

	mu := s.lockSession(id)
	mu.Lock()
	defer mu.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()

	var column string
	switch side {
	case SideSrc:
		column = "src_escrow_address"
	case SideDst:
		column = "dst_htlc_handle"
	default:
		return fmt.Errorf("%w: unknown escrow side %q", session.ErrValidation, side)
	}

	// One-time set: the update only lands while the column is empty.
	res, err := s.db.Exec(
		`UPDATE sessions SET `+column+` = ?, updated_at = ? WHERE id = ? AND `+column+` = ''`,
		ref, time.Now().Unix(), id)
	if err != nil {
		return fmt.Errorf("attach escrow: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		if _, err := s.getLocked(id); err != nil {
			return err
		}
		return fmt.Errorf("%w: session %s side %s", session.ErrEscrowAlreadySet, id, side)
	}

	s.log.Debug("escrow attached", "id", id, "side", side, "ref", ref)
	return nil
}

// SetRevealedSecret records the revealed secret bytes on the session.
func (s *Store) SetRevealedSecret(id string, secretBytes [32]byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`UPDATE sessions SET revealed_secret = ?, updated_at = ? WHERE id = ?`,
		secretBytes[:], time.Now().Unix(), id)
	if err != nil {
		return fmt.Errorf("set revealed secret: %w", err)
	}
	return requireRow(res, id)
}

// Reveal returns the session's secret. The first call unseals it via
// the secret store and records it on the session; later calls return
// the recorded bytes, so repeated reveals can never observe different
// values.
func (s *Store) Reveal(id string) ([32]byte, error) {
	mu := s.lockSession(id)
	mu.Lock()
	defer mu.Unlock()

	var out [32]byte

	sess, err := s.Get(id)
	if err != nil {
		return out, err
	}

	secretBytes, err := s.secrets.Reveal(sess.Hashlock)
	if err != nil {
		if errors.Is(err, session.ErrSecretAlreadyUsed) && len(sess.RevealedSecret) == 32 {
			copy(out[:], sess.RevealedSecret)
			return out, nil
		}
		return out, err
	}

	if err := s.SetRevealedSecret(id, secretBytes); err != nil {
		return out, err
	}
	return secretBytes, nil
}

// Sweep deletes terminal sessions whose expiration time has elapsed.
// Returns the number of sessions removed.
func (s *Store) Sweep() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(
		`SELECT id FROM sessions WHERE expiration_time < ? AND status IN (?, ?, ?, ?)`,
		time.Now().Unix(),
		string(session.StatusCompleted), string(session.StatusCancelled),
		string(session.StatusFailed), string(session.StatusRefunded))
	if err != nil {
		return 0, fmt.Errorf("sweep query: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	for _, id := range ids {
		if _, err := s.db.Exec(`DELETE FROM execution_steps WHERE session_id = ?`, id); err != nil {
			return 0, fmt.Errorf("sweep steps: %w", err)
		}
		if _, err := s.db.Exec(`DELETE FROM sessions WHERE id = ?`, id); err != nil {
			return 0, fmt.Errorf("sweep session: %w", err)
		}
		s.dropSessionLock(id)
	}

	if len(ids) > 0 {
		s.log.Info("swept expired sessions", "count", len(ids))
	}
	return len(ids), nil
}

// countActiveLocked counts non-terminal sessions. Caller holds s.mu.
func (s *Store) countActiveLocked() (int, error) {
	var n int
	err := s.db.QueryRow(
		`SELECT COUNT(*) FROM sessions WHERE status NOT IN (?, ?, ?, ?)`,
		string(session.StatusCompleted), string(session.StatusCancelled),
		string(session.StatusFailed), string(session.StatusRefunded)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count active sessions: %w", err)
	}
	return n, nil
}

func (s *Store) getLocked(id string) (*session.Session, error) {
	row := s.db.QueryRow(sessionSelect+` WHERE id = ?`, id)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: session %s", session.ErrNotFound, id)
	}
	return sess, err
}

const sessionSelect = `SELECT
	id, status, source_chain, destination_chain, source_token, destination_token,
	source_amount, destination_amount, maker, taker, slippage_bps,
	hashlock, order_hash, src_escrow_address, dst_htlc_handle, revealed_secret,
	src_deployed_at, src_withdrawal, src_public_withdrawal, src_cancellation,
	dst_deployed_at, dst_withdrawal, dst_cancellation,
	error_kind, created_at, updated_at, expiration_time
FROM sessions`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSession(row rowScanner) (*session.Session, error) {
	var (
		sess                           session.Session
		status, srcChain, dstChain     string
		srcAmount, dstAmount           string
		hashlock, orderHash, revealed  []byte
		createdAt, updatedAt, expireAt int64
	)
	err := row.Scan(
		&sess.ID, &status, &srcChain, &dstChain, &sess.SourceToken, &sess.DestinationToken,
		&srcAmount, &dstAmount, &sess.Maker, &sess.Taker, &sess.SlippageToleranceBps,
		&hashlock, &orderHash, &sess.SrcEscrowAddress, &sess.DstHTLCHandle, &revealed,
		&sess.Timelocks.SrcDeployedAt, &sess.Timelocks.SrcWithdrawal,
		&sess.Timelocks.SrcPublicWithdrawal, &sess.Timelocks.SrcCancellation,
		&sess.Timelocks.DstDeployedAt, &sess.Timelocks.DstWithdrawal,
		&sess.Timelocks.DstCancellation,
		&sess.ErrorKind, &createdAt, &updatedAt, &expireAt,
	)
	if err != nil {
		return nil, err
	}

	sess.Status = session.Status(status)
	sess.SourceChain = session.Chain(srcChain)
	sess.DestinationChain = session.Chain(dstChain)

	var ok bool
	if sess.SourceAmount, ok = new(big.Int).SetString(srcAmount, 10); !ok {
		return nil, fmt.Errorf("%w: corrupt source amount %q", session.ErrInternal, srcAmount)
	}
	if sess.DestinationAmount, ok = new(big.Int).SetString(dstAmount, 10); !ok {
		return nil, fmt.Errorf("%w: corrupt destination amount %q", session.ErrInternal, dstAmount)
	}

	copy(sess.Hashlock[:], hashlock)
	copy(sess.OrderHash[:], orderHash)
	if len(revealed) > 0 {
		sess.RevealedSecret = append([]byte(nil), revealed...)
	}

	sess.CreatedAt = time.Unix(createdAt, 0).UTC()
	sess.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	sess.ExpirationTime = time.Unix(expireAt, 0).UTC()

	return &sess, nil
}

func requireRow(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: session %s", session.ErrNotFound, id)
	}
	return nil
}
