package store

import (
	"errors"
	"math/big"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/crosslock-exchange/crosslock/internal/secret"
	"github.com/crosslock-exchange/crosslock/internal/session"
)

func newTestStore(t *testing.T, maxActive int) *Store {
	t.Helper()

	tmpDir, err := os.MkdirTemp("", "crosslock-store-test")
	if err != nil {
		t.Fatalf("MkdirTemp() error = %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(tmpDir) })

	s, err := New(Config{
		Path:           filepath.Join(tmpDir, "test.db"),
		MaxActive:      maxActive,
		SessionTimeout: time.Hour,
		Offsets:        session.DefaultTimelockOffsets(),
	}, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })

	sec, err := secret.NewStore(secret.Config{EncryptionKey: "test-key"}, s, nil)
	if err != nil {
		t.Fatalf("secret.NewStore() error = %v", err)
	}
	s.AttachSecretStore(sec)
	return s
}

func testParams() CreateParams {
	return CreateParams{
		SourceChain:       session.ChainEVM,
		DestinationChain:  session.ChainNEAR,
		SourceToken:       session.Native,
		DestinationToken:  session.Native,
		SourceAmount:      big.NewInt(1_000_000_000_000_000),
		DestinationAmount: mustBig("100000000000000000000000"),
		Maker:             "0x742d35Cc6634C0532925a3b844Bc9e7595f2BD4e",
		Taker:             "alice.testnet",
		SlippageBps:       50,
	}
}

func mustBig(s string) *big.Int {
	n, ok := new(big.Int).SetString(s, 10)
	if !ok {
		panic("bad big int literal: " + s)
	}
	return n
}

func TestCreateAndGet(t *testing.T) {
	s := newTestStore(t, 10)

	sess, err := s.Create(testParams())
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if sess.Status != session.StatusInitialized {
		t.Errorf("status = %s, want initialized", sess.Status)
	}
	if sess.ID == "" {
		t.Error("empty session id")
	}

	got, err := s.Get(sess.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.ID != sess.ID || got.Status != sess.Status {
		t.Error("Get() returned a different session")
	}
	if got.SourceAmount.Cmp(sess.SourceAmount) != 0 {
		t.Errorf("source amount = %s, want %s", got.SourceAmount, sess.SourceAmount)
	}
	if got.Hashlock != sess.Hashlock || got.OrderHash != sess.OrderHash {
		t.Error("hashlock or order hash not persisted")
	}
	if got.Timelocks != sess.Timelocks {
		t.Errorf("timelocks = %+v, want %+v", got.Timelocks, sess.Timelocks)
	}

	byHash, err := s.GetByOrderHash(sess.OrderHash)
	if err != nil {
		t.Fatalf("GetByOrderHash() error = %v", err)
	}
	if byHash.ID != sess.ID {
		t.Error("GetByOrderHash() returned a different session")
	}
}

func TestGetUnknown(t *testing.T) {
	s := newTestStore(t, 10)

	_, err := s.Get("no-such-id")
	if !errors.Is(err, session.ErrNotFound) {
		t.Errorf("Get() error = %v, want ErrNotFound", err)
	}
}

func TestCreateValidation(t *testing.T) {
	s := newTestStore(t, 10)

	tests := []struct {
		name   string
		mutate func(*CreateParams)
	}{
		{"unknown source chain", func(p *CreateParams) { p.SourceChain = "dogecoin" }},
		{"same chains", func(p *CreateParams) { p.DestinationChain = session.ChainEVM }},
		{"zero source amount", func(p *CreateParams) { p.SourceAmount = big.NewInt(0) }},
		{"nil destination amount", func(p *CreateParams) { p.DestinationAmount = nil }},
		{"missing maker", func(p *CreateParams) { p.Maker = "" }},
		{"missing taker", func(p *CreateParams) { p.Taker = "" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			params := testParams()
			tt.mutate(&params)
			_, err := s.Create(params)
			if !errors.Is(err, session.ErrValidation) {
				t.Errorf("Create() error = %v, want ErrValidation", err)
			}
		})
	}
}

func TestCreateCapacity(t *testing.T) {
	s := newTestStore(t, 2)

	for i := 0; i < 2; i++ {
		if _, err := s.Create(testParams()); err != nil {
			t.Fatalf("Create() #%d error = %v", i, err)
		}
	}

	_, err := s.Create(testParams())
	if !errors.Is(err, session.ErrCapacityExceeded) {
		t.Errorf("Create() error = %v, want ErrCapacityExceeded", err)
	}
}

func TestCreateCapacityConcurrent(t *testing.T) {
	s := newTestStore(t, 3)

	var (
		wg      sync.WaitGroup
		created atomic.Int32
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Create(testParams())
			switch {
			case err == nil:
				created.Add(1)
			case !errors.Is(err, session.ErrCapacityExceeded):
				t.Errorf("Create() error = %v, want ErrCapacityExceeded", err)
			}
		}()
	}
	wg.Wait()

	if got := created.Load(); got != 3 {
		t.Errorf("concurrent Create() succeeded %d times, want 3", got)
	}
	sessions, err := s.List(ListFilter{})
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(sessions) != 3 {
		t.Errorf("stored %d sessions, want 3", len(sessions))
	}
}

func TestTransition(t *testing.T) {
	s := newTestStore(t, 10)

	sess, err := s.Create(testParams())
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	updated, err := s.Transition(sess.ID, session.StatusExecuting)
	if err != nil {
		t.Fatalf("Transition() error = %v", err)
	}
	if updated.Status != session.StatusExecuting {
		t.Errorf("status = %s, want executing", updated.Status)
	}

	// Illegal edge leaves the session untouched.
	_, err = s.Transition(sess.ID, session.StatusCompleted)
	if !errors.Is(err, session.ErrIllegalTransition) {
		t.Errorf("Transition() error = %v, want ErrIllegalTransition", err)
	}
	got, _ := s.Get(sess.ID)
	if got.Status != session.StatusExecuting {
		t.Errorf("status after rejected transition = %s", got.Status)
	}
}

func TestAttachEscrowOneTime(t *testing.T) {
	s := newTestStore(t, 10)

	sess, _ := s.Create(testParams())

	if err := s.AttachEscrow(sess.ID, SideSrc, "0xEscrow1"); err != nil {
		t.Fatalf("AttachEscrow() error = %v", err)
	}

	err := s.AttachEscrow(sess.ID, SideSrc, "0xEscrow2")
	if !errors.Is(err, session.ErrEscrowAlreadySet) {
		t.Errorf("second AttachEscrow() error = %v, want ErrEscrowAlreadySet", err)
	}

	if err := s.AttachEscrow(sess.ID, SideDst, "htlc-7"); err != nil {
		t.Fatalf("AttachEscrow(dst) error = %v", err)
	}

	got, _ := s.Get(sess.ID)
	if got.SrcEscrowAddress != "0xEscrow1" || got.DstHTLCHandle != "htlc-7" {
		t.Errorf("escrow refs = %q / %q", got.SrcEscrowAddress, got.DstHTLCHandle)
	}

	byHandle, err := s.GetByHTLCHandle("htlc-7")
	if err != nil || byHandle.ID != sess.ID {
		t.Errorf("GetByHTLCHandle() = %v, %v", byHandle, err)
	}
}

func TestRevealRepeatable(t *testing.T) {
	s := newTestStore(t, 10)

	sess, _ := s.Create(testParams())

	first, err := s.Reveal(sess.ID)
	if err != nil {
		t.Fatalf("Reveal() error = %v", err)
	}
	if !s.secrets.Verify(first[:], sess.Hashlock) {
		t.Error("revealed secret does not match hashlock")
	}

	// A second reveal must return the identical bytes even though the
	// secret store's one-shot flag is now set.
	second, err := s.Reveal(sess.ID)
	if err != nil {
		t.Fatalf("second Reveal() error = %v", err)
	}
	if first != second {
		t.Error("second Reveal() returned different bytes")
	}
}

func TestList(t *testing.T) {
	s := newTestStore(t, 10)

	a, _ := s.Create(testParams())
	s.Create(testParams())

	all, err := s.List(ListFilter{})
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("List() returned %d sessions, want 2", len(all))
	}

	s.Transition(a.ID, session.StatusExecuting)
	executing, err := s.List(ListFilter{Status: session.StatusExecuting})
	if err != nil {
		t.Fatalf("List(executing) error = %v", err)
	}
	if len(executing) != 1 || executing[0].ID != a.ID {
		t.Errorf("List(executing) = %v", executing)
	}
}

func TestSteps(t *testing.T) {
	s := newTestStore(t, 10)

	sess, _ := s.Create(testParams())

	step, err := s.AppendStep(sess.ID, session.ExecutionStep{
		Function: "createSrcEscrow",
		Contract: "0xFactory",
	})
	if err != nil {
		t.Fatalf("AppendStep() error = %v", err)
	}
	if step.Seq != 1 || step.Status != session.StepPending {
		t.Errorf("step = %+v", step)
	}

	txRef := "0xabc"
	gas := uint64(21000)
	err = s.UpdateStep(sess.ID, step.Seq, StepUpdate{
		Status:  session.StepCompleted,
		TxRef:   &txRef,
		GasUsed: &gas,
	})
	if err != nil {
		t.Fatalf("UpdateStep() error = %v", err)
	}

	// Finalized steps are immutable.
	err = s.UpdateStep(sess.ID, step.Seq, StepUpdate{Status: session.StepExecuting})
	if !errors.Is(err, session.ErrIllegalTransition) {
		t.Errorf("UpdateStep() on completed step error = %v, want ErrIllegalTransition", err)
	}

	steps, err := s.Steps(sess.ID)
	if err != nil {
		t.Fatalf("Steps() error = %v", err)
	}
	if len(steps) != 1 {
		t.Fatalf("Steps() returned %d, want 1", len(steps))
	}
	if steps[0].TxRef != txRef || steps[0].GasUsed != gas || steps[0].Status != session.StepCompleted {
		t.Errorf("step = %+v", steps[0])
	}
}

func TestSweep(t *testing.T) {
	s := newTestStore(t, 10)
	s.cfg.SessionTimeout = -time.Minute // already expired at creation

	sess, err := s.Create(testParams())
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	// Non-terminal sessions survive the sweep.
	n, err := s.Sweep()
	if err != nil {
		t.Fatalf("Sweep() error = %v", err)
	}
	if n != 0 {
		t.Errorf("Sweep() removed %d, want 0", n)
	}

	s.Transition(sess.ID, session.StatusCancelled)

	n, err = s.Sweep()
	if err != nil {
		t.Fatalf("Sweep() error = %v", err)
	}
	if n != 1 {
		t.Errorf("Sweep() removed %d, want 1", n)
	}
	if _, err := s.Get(sess.ID); !errors.Is(err, session.ErrNotFound) {
		t.Errorf("Get() after sweep error = %v, want ErrNotFound", err)
	}
}
