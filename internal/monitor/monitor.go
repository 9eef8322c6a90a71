// Package monitor unifies the EVM chain's push events and the NEAR
// contract's polled state into one normalized observation stream. The
// executor consumes observations; delivery is at-least-once and
// consumers dedup on (chain, txRef, logIndex).
package monitor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/crosslock-exchange/crosslock/internal/chains/evm"
	"github.com/crosslock-exchange/crosslock/internal/chains/nearapi"
	"github.com/crosslock-exchange/crosslock/internal/session"
	"github.com/crosslock-exchange/crosslock/pkg/logging"
)

// Kind labels a normalized observation.
type Kind string

const (
	KindSrcEscrowCreated  Kind = "src_escrow_created"
	KindSrcWithdrawn      Kind = "src_withdrawn"
	KindSrcCancelled      Kind = "src_cancelled"
	KindDstHTLCCreated    Kind = "dst_htlc_created"
	KindDstSecretRevealed Kind = "dst_secret_revealed"
	KindDstRefunded       Kind = "dst_refunded"
)

// Observation is one normalized cross-chain event.
type Observation struct {
	Chain         session.Chain
	Kind          Kind
	OrderHash     [32]byte
	HTLCID        string
	EscrowAddress string
	Secret        []byte
	TxRef         string
	LogIndex      uint
	At            time.Time
}

// dedupKey identifies an observation across replays.
func (o Observation) dedupKey() string {
	return fmt.Sprintf("%s|%s|%s|%s|%d", o.Chain, o.Kind, o.TxRef, o.HTLCID, o.LogIndex)
}

// Handler consumes observations. It returns false when no session
// matched; the monitor logs such orphans and drops them.
type Handler func(Observation) bool

// EVMSource is the chain A event feed the monitor consumes.
type EVMSource interface {
	SubscribeEvents(ctx context.Context) (<-chan evm.Event, <-chan error, error)
	FilterEventsFrom(ctx context.Context, fromBlock uint64) ([]evm.Event, error)
	HeadBlock(ctx context.Context) (uint64, error)
}

// NEARSource is the chain B polled feed.
type NEARSource interface {
	PollEvents(ctx context.Context, sinceNs int64) ([]nearapi.HTLCEvent, error)
}

// Config holds monitor tuning.
type Config struct {
	PollInterval      time.Duration
	ConfirmationDepth uint64
	MaxRetries        int
	BackoffBase       time.Duration
}

// DefaultConfig returns the default monitor tuning.
func DefaultConfig() Config {
	return Config{
		PollInterval:      5 * time.Second,
		ConfirmationDepth: 12,
		MaxRetries:        8,
		BackoffBase:       time.Second,
	}
}

// Monitor drives both chain feeds and forwards deduplicated
// observations to the handler.
type Monitor struct {
	cfg     Config
	evmSrc  EVMSource
	nearSrc NEARSource
	handler Handler
	log     *logging.Logger

	mu   sync.Mutex
	seen map[string]struct{}

	// nearCursor is read and advanced only by the runNEAR goroutine
	// and needs no lock.
	nearCursor int64

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// New builds a monitor. Either source may be nil, in which case that
// chain is not observed.
func New(cfg Config, evmSrc EVMSource, nearSrc NEARSource, handler Handler, log *logging.Logger) *Monitor {
	if log == nil {
		log = logging.GetDefault()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = time.Second
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 8
	}
	return &Monitor{
		cfg:        cfg,
		evmSrc:     evmSrc,
		nearSrc:    nearSrc,
		handler:    handler,
		log:        log.Component("monitor"),
		seen:       make(map[string]struct{}),
		nearCursor: time.Now().UnixNano(),
	}
}

// Start launches the chain watchers. Stop cancels them.
func (m *Monitor) Start(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)

	if m.evmSrc != nil {
		m.wg.Add(1)
		go m.runEVM(ctx)
	}
	if m.nearSrc != nil {
		m.wg.Add(1)
		go m.runNEAR(ctx)
	}
}

// Stop cancels the watchers and waits for them to drain.
func (m *Monitor) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
}

// backoff sleeps for base * 2^attempt with attempt capped by
// MaxRetries, or returns early on cancellation.
func (m *Monitor) backoff(ctx context.Context, attempt int) {
	if attempt > m.cfg.MaxRetries {
		attempt = m.cfg.MaxRetries
	}
	delay := m.cfg.BackoffBase << uint(attempt)
	select {
	case <-ctx.Done():
	case <-time.After(delay):
	}
}

// deliver dedups and forwards one observation.
func (m *Monitor) deliver(obs Observation) {
	key := obs.dedupKey()
	m.mu.Lock()
	if _, dup := m.seen[key]; dup {
		m.mu.Unlock()
		return
	}
	m.seen[key] = struct{}{}
	m.mu.Unlock()

	if !m.handler(obs) {
		m.log.Debug("orphan observation dropped", "chain", obs.Chain, "kind", obs.Kind, "tx", obs.TxRef)
	}
}

func (m *Monitor) runEVM(ctx context.Context) {
	defer m.wg.Done()

	attempt := 0
	for ctx.Err() == nil {
		events, errs, err := m.evmSrc.SubscribeEvents(ctx)
		if err != nil {
			m.log.Warn("evm subscribe failed", "attempt", attempt, "err", err)
			m.backoff(ctx, attempt)
			attempt++
			continue
		}
		attempt = 0

		// After (re)connecting, replay the confirmation window; the
		// dedup map absorbs anything already delivered. This also
		// covers reorgs within the depth.
		m.replayEVM(ctx)

	consume:
		for {
			select {
			case <-ctx.Done():
				return
			case err := <-errs:
				m.log.Warn("evm subscription dropped", "err", err)
				break consume
			case ev, ok := <-events:
				if !ok {
					break consume
				}
				m.deliver(normalizeEVM(ev))
			}
		}
		m.backoff(ctx, attempt)
		attempt++
	}
}

func (m *Monitor) replayEVM(ctx context.Context) {
	head, err := m.evmSrc.HeadBlock(ctx)
	if err != nil {
		m.log.Warn("evm head query failed, skipping replay", "err", err)
		return
	}
	from := uint64(0)
	if head > m.cfg.ConfirmationDepth {
		from = head - m.cfg.ConfirmationDepth
	}
	events, err := m.evmSrc.FilterEventsFrom(ctx, from)
	if err != nil {
		m.log.Warn("evm replay failed", "from", from, "err", err)
		return
	}
	for _, ev := range events {
		m.deliver(normalizeEVM(ev))
	}
}

func normalizeEVM(ev evm.Event) Observation {
	obs := Observation{
		Chain:         session.ChainEVM,
		OrderHash:     ev.OrderHash,
		EscrowAddress: ev.EscrowAddress.Hex(),
		TxRef:         ev.TxHash.Hex(),
		LogIndex:      ev.LogIndex,
		At:            time.Now().UTC(),
	}
	switch ev.Kind {
	case evm.EventSrcEscrowCreated:
		obs.Kind = KindSrcEscrowCreated
	case evm.EventWithdrawn:
		obs.Kind = KindSrcWithdrawn
		obs.Secret = append([]byte(nil), ev.Secret[:]...)
	case evm.EventCancelled:
		obs.Kind = KindSrcCancelled
	}
	return obs
}

func (m *Monitor) runNEAR(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()

	attempt := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		events, err := m.nearSrc.PollEvents(ctx, m.nearCursor)
		if err != nil {
			m.log.Warn("near poll failed", "attempt", attempt, "err", err)
			m.backoff(ctx, attempt)
			attempt++
			continue
		}
		attempt = 0

		for _, ev := range events {
			m.deliver(normalizeNEAR(ev))
			if next := ev.TimestampNs + 1; next > m.nearCursor {
				m.nearCursor = next
			}
		}
	}
}

func normalizeNEAR(ev nearapi.HTLCEvent) Observation {
	obs := Observation{
		Chain:  session.ChainNEAR,
		HTLCID: ev.HTLCID,
		TxRef:  fmt.Sprintf("near-ev-%d", ev.TimestampNs),
		At:     time.Unix(0, ev.TimestampNs).UTC(),
	}
	switch ev.Kind {
	case nearapi.EventHTLCCreated:
		obs.Kind = KindDstHTLCCreated
	case nearapi.EventSecretRevealed:
		obs.Kind = KindDstSecretRevealed
		obs.Secret = append([]byte(nil), ev.Secret...)
	case nearapi.EventRefunded:
		obs.Kind = KindDstRefunded
	}
	return obs
}
