package executor

import (
	"github.com/crosslock-exchange/crosslock/internal/monitor"
	"github.com/crosslock-exchange/crosslock/internal/session"
	"github.com/crosslock-exchange/crosslock/internal/store"
)

// HandleObservation is the monitor's handler: it correlates a chain
// observation to a session and drives the resulting transition.
// Replays are harmless; every branch checks current state first.
// Returns false when no session matches.
func (e *Executor) HandleObservation(obs monitor.Observation) bool {
	var (
		sess *session.Session
		err  error
	)
	switch obs.Chain {
	case session.ChainEVM:
		sess, err = e.store.GetByOrderHash(obs.OrderHash)
	case session.ChainNEAR:
		sess, err = e.store.GetByHTLCHandle(obs.HTLCID)
	}
	if err != nil || sess == nil {
		return false
	}

	switch obs.Kind {
	case monitor.KindSrcEscrowCreated:
		// Confirmation of our own deployment. Attach the address if
		// the executor's receipt parse lost the race; otherwise this
		// is a no-op under replay.
		if sess.SrcEscrowAddress == "" && obs.EscrowAddress != "" {
			if err := e.store.AttachEscrow(sess.ID, store.SideSrc, obs.EscrowAddress); err != nil {
				e.log.Debug("escrow attach from event skipped", "id", sess.ID, "err", err)
			}
		}

	case monitor.KindSrcWithdrawn:
		e.onSourceWithdrawn(sess, obs)

	case monitor.KindSrcCancelled:
		e.log.Info("source escrow cancellation observed", "id", sess.ID, "tx", obs.TxRef)
		e.finishRefundIfDone(sess.ID)

	case monitor.KindDstHTLCCreated:
		e.log.Debug("destination htlc creation observed", "id", sess.ID, "htlc", obs.HTLCID)

	case monitor.KindDstSecretRevealed:
		e.onDestinationSecret(sess, obs)

	case monitor.KindDstRefunded:
		e.log.Info("destination htlc refund observed", "id", sess.ID, "htlc", obs.HTLCID)
		e.finishRefundIfDone(sess.ID)
	}

	return true
}

// onSourceWithdrawn completes client-completes-A swaps: the session
// reaches completed only here, on the observed Withdrawn event.
func (e *Executor) onSourceWithdrawn(sess *session.Session, obs monitor.Observation) {
	if len(obs.Secret) == 32 && len(sess.RevealedSecret) == 0 {
		var secretBytes [32]byte
		copy(secretBytes[:], obs.Secret)
		if err := e.store.SetRevealedSecret(sess.ID, secretBytes); err != nil {
			e.log.Warn("observed secret not recorded", "id", sess.ID, "err", err)
		}
	}

	if sess.Status == session.StatusRevealingSecret {
		if err := e.complete(sess.ID); err != nil {
			e.log.Warn("completion on observed withdraw failed", "id", sess.ID, "err", err)
		}
	}
}

// onDestinationSecret records a secret revealed on the destination
// chain, making it available for the source-side withdraw.
func (e *Executor) onDestinationSecret(sess *session.Session, obs monitor.Observation) {
	if len(obs.Secret) != 32 || len(sess.RevealedSecret) != 0 {
		return
	}
	var secretBytes [32]byte
	copy(secretBytes[:], obs.Secret)
	if err := e.store.SetRevealedSecret(sess.ID, secretBytes); err != nil {
		e.log.Warn("observed secret not recorded", "id", sess.ID, "err", err)
		return
	}
	e.log.Info("secret revealed on destination chain", "id", sess.ID, "htlc", obs.HTLCID)
}
