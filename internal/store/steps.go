package store

import (
	"fmt"
	"time"

	"github.com/crosslock-exchange/crosslock/internal/session"
)

// AppendStep records a new execution step for a session and returns it
// with its sequence number assigned.
func (s *Store) AppendStep(sessionID string, step session.ExecutionStep) (session.ExecutionStep, error) {
	mu := s.lockSession(sessionID)
	mu.Lock()
	defer mu.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.getLocked(sessionID); err != nil {
		return step, err
	}

	var maxSeq int
	err := s.db.QueryRow(
		`SELECT COALESCE(MAX(seq), 0) FROM execution_steps WHERE session_id = ?`,
		sessionID).Scan(&maxSeq)
	if err != nil {
		return step, fmt.Errorf("next step seq: %w", err)
	}
	step.Seq = maxSeq + 1

	if step.Status == "" {
		step.Status = session.StepPending
	}
	if step.Timestamp.IsZero() {
		step.Timestamp = time.Now().UTC()
	}

	_, err = s.db.Exec(
		`INSERT INTO execution_steps
		 (session_id, seq, function, contract, params, status, tx_ref, escrow_ref, result, error, gas_used, timestamp)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sessionID, step.Seq, step.Function, step.Contract, step.Params, string(step.Status),
		step.TxRef, step.EscrowRef, step.Result, step.Error, step.GasUsed, step.Timestamp.Unix())
	if err != nil {
		return step, fmt.Errorf("append step: %w", err)
	}

	return step, nil
}

// StepUpdate carries the mutable fields of an in-flight step. Nil
// pointers leave the stored value untouched.
type StepUpdate struct {
	Status    session.StepStatus
	TxRef     *string
	EscrowRef *string
	Result    *string
	Error     *string
	GasUsed   *uint64
}

// UpdateStep progresses a step's status and fills in outcome fields.
// Completed and failed steps are immutable.
func (s *Store) UpdateStep(sessionID string, seq int, upd StepUpdate) error {
	mu := s.lockSession(sessionID)
	mu.Lock()
	defer mu.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()

	var current string
	err := s.db.QueryRow(
		`SELECT status FROM execution_steps WHERE session_id = ? AND seq = ?`,
		sessionID, seq).Scan(&current)
	if err != nil {
		return fmt.Errorf("%w: step %d of session %s", session.ErrNotFound, seq, sessionID)
	}
	cur := session.StepStatus(current)
	if cur == session.StepCompleted || cur == session.StepFailed {
		return fmt.Errorf("%w: step %d already finalized as %s", session.ErrIllegalTransition, seq, cur)
	}

	query := `UPDATE execution_steps SET status = ?, timestamp = ?`
	args := []interface{}{string(upd.Status), time.Now().Unix()}
	if upd.TxRef != nil {
		query += `, tx_ref = ?`
		args = append(args, *upd.TxRef)
	}
	if upd.EscrowRef != nil {
		query += `, escrow_ref = ?`
		args = append(args, *upd.EscrowRef)
	}
	if upd.Result != nil {
		query += `, result = ?`
		args = append(args, *upd.Result)
	}
	if upd.Error != nil {
		query += `, error = ?`
		args = append(args, *upd.Error)
	}
	if upd.GasUsed != nil {
		query += `, gas_used = ?`
		args = append(args, *upd.GasUsed)
	}
	query += ` WHERE session_id = ? AND seq = ?`
	args = append(args, sessionID, seq)

	if _, err := s.db.Exec(query, args...); err != nil {
		return fmt.Errorf("update step: %w", err)
	}
	return nil
}

// Steps returns a session's execution ledger in sequence order.
func (s *Store) Steps(sessionID string) ([]session.ExecutionStep, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(
		`SELECT seq, function, contract, params, status, tx_ref, escrow_ref, result, error, gas_used, timestamp
		 FROM execution_steps WHERE session_id = ? ORDER BY seq`,
		sessionID)
	if err != nil {
		return nil, fmt.Errorf("list steps: %w", err)
	}
	defer rows.Close()

	var steps []session.ExecutionStep
	for rows.Next() {
		var (
			step   session.ExecutionStep
			status string
			ts     int64
		)
		err := rows.Scan(&step.Seq, &step.Function, &step.Contract, &step.Params, &status,
			&step.TxRef, &step.EscrowRef, &step.Result, &step.Error, &step.GasUsed, &ts)
		if err != nil {
			return nil, err
		}
		step.Status = session.StepStatus(status)
		step.Timestamp = time.Unix(ts, 0).UTC()
		steps = append(steps, step)
	}
	return steps, rows.Err()
}
