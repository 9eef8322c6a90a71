package executor

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/crosslock-exchange/crosslock/internal/chains/evm"
	"github.com/crosslock-exchange/crosslock/internal/chains/nearapi"
	"github.com/crosslock-exchange/crosslock/internal/monitor"
	"github.com/crosslock-exchange/crosslock/internal/notify"
	"github.com/crosslock-exchange/crosslock/internal/secret"
	"github.com/crosslock-exchange/crosslock/internal/session"
	"github.com/crosslock-exchange/crosslock/internal/store"
)

type fakeChainA struct {
	mu            sync.Mutex
	deployErrs    []error
	deployCount   int
	withdrawCount int
	cancelCount   int
	withdrawErr   error
}

func (f *fakeChainA) DeploySrcEscrow(ctx context.Context, im evm.Immutables) (*evm.DeployResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.deployErrs) > 0 {
		err := f.deployErrs[0]
		f.deployErrs = f.deployErrs[1:]
		return nil, err
	}
	f.deployCount++
	return &evm.DeployResult{
		EscrowAddress: common.BigToAddress(big.NewInt(int64(0x1000 + f.deployCount))),
		TxHash:        common.BigToHash(big.NewInt(int64(f.deployCount))),
		GasUsed:       150000,
	}, nil
}

func (f *fakeChainA) Withdraw(ctx context.Context, escrow common.Address, secretBytes [32]byte) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.withdrawErr != nil {
		return "", f.withdrawErr
	}
	f.withdrawCount++
	return fmt.Sprintf("0xwithdrawA%d", f.withdrawCount), nil
}

func (f *fakeChainA) Cancel(ctx context.Context, escrow common.Address) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelCount++
	return fmt.Sprintf("0xcancelA%d", f.cancelCount), nil
}

func (f *fakeChainA) SafetyDeposit() *big.Int { return big.NewInt(100) }
func (f *fakeChainA) ChainID() *big.Int       { return big.NewInt(84532) }

type fakeChainB struct {
	mu            sync.Mutex
	createErr     error
	createCount   int
	withdrawCount int
	refundCount   int
	htlcStatus    string
}

func (f *fakeChainB) CreateHTLC(ctx context.Context, p nearapi.CreateHTLCParams) (string, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return "", "", f.createErr
	}
	f.createCount++
	return fmt.Sprintf("htlc_%d", f.createCount), fmt.Sprintf("neartx%d", f.createCount), nil
}

func (f *fakeChainB) Withdraw(ctx context.Context, htlcID string, secretBytes [32]byte, receiver string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.withdrawCount++
	return fmt.Sprintf("neartxW%d", f.withdrawCount), nil
}

func (f *fakeChainB) Refund(ctx context.Context, htlcID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refundCount++
	return fmt.Sprintf("neartxR%d", f.refundCount), nil
}

func (f *fakeChainB) GetHTLC(ctx context.Context, htlcID string) (*nearapi.HTLCState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	status := f.htlcStatus
	if status == "" {
		status = "active"
	}
	return &nearapi.HTLCState{Status: status}, nil
}

type fixture struct {
	store  *store.Store
	exec   *Executor
	chainA *fakeChainA
	chainB *fakeChainB
	sched  *Scheduler
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()

	tmpDir, err := os.MkdirTemp("", "crosslock-exec-test")
	if err != nil {
		t.Fatalf("MkdirTemp() error = %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(tmpDir) })

	st, err := store.New(store.Config{
		Path:           filepath.Join(tmpDir, "test.db"),
		MaxActive:      10,
		SessionTimeout: time.Hour,
		Offsets:        session.DefaultTimelockOffsets(),
	}, nil)
	if err != nil {
		t.Fatalf("store.New() error = %v", err)
	}
	t.Cleanup(func() { st.Close() })

	sec, err := secret.NewStore(secret.Config{EncryptionKey: "test-key"}, st, nil)
	if err != nil {
		t.Fatalf("secret.NewStore() error = %v", err)
	}
	st.AttachSecretStore(sec)

	if cfg.RPCBackoff == 0 {
		cfg.RPCBackoff = time.Millisecond
	}
	if cfg.RPCRetries == 0 {
		cfg.RPCRetries = 3
	}
	if cfg.StatusPollInterval == 0 {
		cfg.StatusPollInterval = 10 * time.Millisecond
	}
	if cfg.WaitForBothLocked == 0 {
		cfg.WaitForBothLocked = time.Second
	}

	f := &fixture{
		store:  st,
		chainA: &fakeChainA{},
		chainB: &fakeChainB{},
		sched:  NewScheduler(nil),
	}
	f.exec = New(cfg, st, f.chainA, f.chainB, notify.New(nil), f.sched, nil)
	return f
}

func (f *fixture) createSession(t *testing.T) *session.Session {
	t.Helper()
	sess, err := f.store.Create(store.CreateParams{
		SourceChain:       session.ChainEVM,
		DestinationChain:  session.ChainNEAR,
		SourceToken:       session.Native,
		DestinationToken:  session.Native,
		SourceAmount:      big.NewInt(1_000_000_000_000_000),
		DestinationAmount: big.NewInt(1_000_000),
		Maker:             "0x742d35Cc6634C0532925a3b844Bc9e7595f2BD4e",
		Taker:             "alice.testnet",
	})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	return sess
}

func TestExecuteFullSwapHappyPath(t *testing.T) {
	f := newFixture(t, Config{Mode: ModeExecutorCompletes})
	sess := f.createSession(t)

	if err := f.exec.ExecuteFullSwap(context.Background(), sess.ID); err != nil {
		t.Fatalf("ExecuteFullSwap() error = %v", err)
	}

	got, _ := f.store.Get(sess.ID)
	if got.Status != session.StatusCompleted {
		t.Fatalf("status = %s, want completed", got.Status)
	}
	if got.SrcEscrowAddress == "" || got.DstHTLCHandle == "" {
		t.Error("escrow references not set on completed session")
	}
	if len(got.RevealedSecret) != 32 {
		t.Fatal("revealed secret not recorded")
	}
	if secret.Hashlock([32]byte(got.RevealedSecret)) != got.Hashlock {
		t.Error("revealed secret does not hash to the session hashlock")
	}

	steps, _ := f.store.Steps(sess.ID)
	var names []string
	for _, s := range steps {
		if s.Status != session.StepCompleted {
			t.Errorf("step %s status = %s", s.Function, s.Status)
		}
		names = append(names, s.Function)
	}
	want := []string{"createSrcEscrow", "create_htlc", "withdraw_on_B", "withdraw_on_A"}
	if len(names) != len(want) {
		t.Fatalf("steps = %v, want %v", names, want)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Errorf("step %d = %s, want %s", i, names[i], want[i])
		}
	}
}

func TestExecuteFullSwapClientMode(t *testing.T) {
	f := newFixture(t, Config{Mode: ModeClientCompletes})
	sess := f.createSession(t)

	if err := f.exec.ExecuteFullSwap(context.Background(), sess.ID); err != nil {
		t.Fatalf("ExecuteFullSwap() error = %v", err)
	}

	// Publishing the secret is not completion; the session waits for
	// the observed source-side withdraw.
	got, _ := f.store.Get(sess.ID)
	if got.Status != session.StatusRevealingSecret {
		t.Fatalf("status = %s, want revealing_secret", got.Status)
	}
	if f.chainA.withdrawCount != 0 {
		t.Error("executor withdrew on chain A in client mode")
	}

	handled := f.exec.HandleObservation(monitor.Observation{
		Chain:     session.ChainEVM,
		Kind:      monitor.KindSrcWithdrawn,
		OrderHash: got.OrderHash,
		TxRef:     "0xclientwithdraw",
	})
	if !handled {
		t.Fatal("observation not correlated")
	}

	got, _ = f.store.Get(sess.ID)
	if got.Status != session.StatusCompleted {
		t.Errorf("status after observed withdraw = %s, want completed", got.Status)
	}
}

func TestDeployFailureBeforeLockFails(t *testing.T) {
	f := newFixture(t, Config{})
	f.chainA.deployErrs = []error{
		fmt.Errorf("%w: revert", session.ErrChainRejection),
	}
	sess := f.createSession(t)

	err := f.exec.ExecuteFullSwap(context.Background(), sess.ID)
	if !errors.Is(err, session.ErrChainRejection) {
		t.Fatalf("ExecuteFullSwap() error = %v, want ErrChainRejection", err)
	}

	got, _ := f.store.Get(sess.ID)
	if got.Status != session.StatusFailed {
		t.Errorf("status = %s, want failed", got.Status)
	}
	if got.SrcEscrowAddress != "" {
		t.Error("escrow attached despite deploy failure")
	}
	if got.ErrorKind != "ChainRejection" {
		t.Errorf("error kind = %q", got.ErrorKind)
	}
}

func TestDeployRetriesTransientRPCErrors(t *testing.T) {
	f := newFixture(t, Config{})
	f.chainA.deployErrs = []error{
		fmt.Errorf("%w: connection refused", session.ErrRPCFailure),
		fmt.Errorf("%w: connection refused", session.ErrRPCFailure),
	}
	sess := f.createSession(t)

	if err := f.exec.ExecuteFullSwap(context.Background(), sess.ID); err != nil {
		t.Fatalf("ExecuteFullSwap() error = %v", err)
	}

	got, _ := f.store.Get(sess.ID)
	if got.Status != session.StatusCompleted {
		t.Errorf("status = %s, want completed", got.Status)
	}
	if f.chainA.deployCount != 1 {
		t.Errorf("deploy succeeded %d times, want exactly 1", f.chainA.deployCount)
	}
}

func TestHTLCFailureAfterSourceLock(t *testing.T) {
	f := newFixture(t, Config{})
	f.chainB.createErr = fmt.Errorf("%w: contract panic", session.ErrChainRejection)
	sess := f.createSession(t)

	err := f.exec.ExecuteFullSwap(context.Background(), sess.ID)
	if !errors.Is(err, session.ErrChainRejection) {
		t.Fatalf("ExecuteFullSwap() error = %v", err)
	}

	got, _ := f.store.Get(sess.ID)
	if got.Status != session.StatusFailed {
		t.Errorf("status = %s, want failed", got.Status)
	}
	// Source side is locked; the escrow reference must survive for the
	// scheduled cancellation.
	if got.SrcEscrowAddress == "" {
		t.Error("source escrow reference lost")
	}
}

func TestExecuteFullSwapIdempotent(t *testing.T) {
	f := newFixture(t, Config{})
	sess := f.createSession(t)

	if err := f.exec.ExecuteFullSwap(context.Background(), sess.ID); err != nil {
		t.Fatalf("ExecuteFullSwap() error = %v", err)
	}
	stepsBefore, _ := f.store.Steps(sess.ID)

	// A second run against the completed session is a no-op.
	if err := f.exec.ExecuteFullSwap(context.Background(), sess.ID); err != nil {
		t.Fatalf("second ExecuteFullSwap() error = %v", err)
	}
	stepsAfter, _ := f.store.Steps(sess.ID)
	if len(stepsAfter) != len(stepsBefore) {
		t.Errorf("steps grew from %d to %d on replay", len(stepsBefore), len(stepsAfter))
	}
	if f.chainA.deployCount != 1 || f.chainB.createCount != 1 {
		t.Errorf("on-chain calls duplicated: %d deploys, %d htlcs",
			f.chainA.deployCount, f.chainB.createCount)
	}
}

func TestEscrowCreatedReplayTransitionsAtMostOnce(t *testing.T) {
	f := newFixture(t, Config{})
	sess := f.createSession(t)

	if err := f.exec.ExecuteFullSwap(context.Background(), sess.ID); err != nil {
		t.Fatalf("ExecuteFullSwap() error = %v", err)
	}
	got, _ := f.store.Get(sess.ID)

	obs := monitor.Observation{
		Chain:         session.ChainEVM,
		Kind:          monitor.KindSrcEscrowCreated,
		OrderHash:     got.OrderHash,
		EscrowAddress: got.SrcEscrowAddress,
		TxRef:         "0xdeploy",
	}
	for i := 0; i < 5; i++ {
		if !f.exec.HandleObservation(obs) {
			t.Fatal("observation not correlated")
		}
	}

	after, _ := f.store.Get(sess.ID)
	if after.Status != got.Status || after.SrcEscrowAddress != got.SrcEscrowAddress {
		t.Error("replayed event mutated the session")
	}
}

func TestOrphanObservationNotCorrelated(t *testing.T) {
	f := newFixture(t, Config{})

	var orderHash [32]byte
	orderHash[0] = 0xee
	if f.exec.HandleObservation(monitor.Observation{
		Chain:     session.ChainEVM,
		Kind:      monitor.KindSrcWithdrawn,
		OrderHash: orderHash,
	}) {
		t.Error("orphan observation reported as handled")
	}
}

func TestCancelSwap(t *testing.T) {
	f := newFixture(t, Config{})
	sess := f.createSession(t)

	if err := f.exec.CancelSwap(context.Background(), sess.ID); err != nil {
		t.Fatalf("CancelSwap() error = %v", err)
	}
	got, _ := f.store.Get(sess.ID)
	if got.Status != session.StatusCancelled {
		t.Errorf("status = %s, want cancelled", got.Status)
	}

	// Terminal sessions cannot be cancelled again.
	err := f.exec.CancelSwap(context.Background(), sess.ID)
	if !errors.Is(err, session.ErrIllegalTransition) {
		t.Errorf("second CancelSwap() error = %v, want ErrIllegalTransition", err)
	}
}

func TestDestinationSecretObservation(t *testing.T) {
	f := newFixture(t, Config{Mode: ModeClientCompletes})
	sess := f.createSession(t)

	if err := f.exec.ExecuteFullSwap(context.Background(), sess.ID); err != nil {
		t.Fatalf("ExecuteFullSwap() error = %v", err)
	}
	got, _ := f.store.Get(sess.ID)

	// The secret observed on chain B matches what reveal recorded; a
	// replay with the session already holding it is a no-op.
	if !f.exec.HandleObservation(monitor.Observation{
		Chain:  session.ChainNEAR,
		Kind:   monitor.KindDstSecretRevealed,
		HTLCID: got.DstHTLCHandle,
		Secret: got.RevealedSecret,
	}) {
		t.Fatal("observation not correlated")
	}

	after, _ := f.store.Get(sess.ID)
	if string(after.RevealedSecret) != string(got.RevealedSecret) {
		t.Error("revealed secret changed")
	}
}

func TestRPCBackoffGrowsExponentially(t *testing.T) {
	base := 2 * time.Second
	want := []time.Duration{
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		16 * time.Second,
	}
	for i, w := range want {
		if got := rpcBackoff(base, i+1); got != w {
			t.Errorf("rpcBackoff(%v, %d) = %v, want %v", base, i+1, got, w)
		}
	}

	// The delay is capped, even for attempt counts that would overflow
	// the shift.
	if got := rpcBackoff(base, 10); got != rpcBackoffCeiling {
		t.Errorf("rpcBackoff(%v, 10) = %v, want ceiling %v", base, got, rpcBackoffCeiling)
	}
	if got := rpcBackoff(base, 80); got != rpcBackoffCeiling {
		t.Errorf("rpcBackoff(%v, 80) = %v, want ceiling %v", base, got, rpcBackoffCeiling)
	}
	if got := rpcBackoff(time.Minute, 1); got != rpcBackoffCeiling {
		t.Errorf("rpcBackoff(1m, 1) = %v, want ceiling %v", got, rpcBackoffCeiling)
	}
}
