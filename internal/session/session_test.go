package session

import (
	"errors"
	"testing"
	"time"
)

var allStatuses = []Status{
	StatusInitialized, StatusExecuting, StatusSourceLocking, StatusSourceLocked,
	StatusDestinationLocking, StatusBothLocked, StatusRevealingSecret,
	StatusCompleted, StatusCancelling, StatusCancelled, StatusFailed,
	StatusTimeout, StatusRefunding, StatusRefunded,
}

func TestTransitionTable(t *testing.T) {
	// Exhaustively check every (from, to) pair against the allowed
	// edge set.
	allowed := map[Status]map[Status]bool{
		StatusInitialized:        {StatusExecuting: true, StatusCancelled: true},
		StatusExecuting:          {StatusSourceLocking: true, StatusCancelled: true, StatusFailed: true},
		StatusSourceLocking:      {StatusSourceLocked: true, StatusFailed: true},
		StatusSourceLocked:       {StatusDestinationLocking: true, StatusCancelling: true, StatusTimeout: true},
		StatusDestinationLocking: {StatusBothLocked: true, StatusFailed: true},
		StatusBothLocked:         {StatusRevealingSecret: true, StatusTimeout: true},
		StatusRevealingSecret:    {StatusCompleted: true, StatusFailed: true},
		StatusCancelling:         {StatusRefunding: true, StatusCancelled: true},
		StatusTimeout:            {StatusRefunding: true},
		StatusRefunding:          {StatusRefunded: true},
	}

	for _, from := range allStatuses {
		for _, to := range allStatuses {
			want := allowed[from][to]
			got := from.CanTransitionTo(to)
			if got != want {
				t.Errorf("CanTransitionTo(%s -> %s) = %v, want %v", from, to, got, want)
			}
		}
	}
}

func TestTerminalStatuses(t *testing.T) {
	terminal := map[Status]bool{
		StatusCompleted: true,
		StatusCancelled: true,
		StatusFailed:    true,
		StatusRefunded:  true,
	}
	for _, s := range allStatuses {
		if got := s.IsTerminal(); got != terminal[s] {
			t.Errorf("IsTerminal(%s) = %v, want %v", s, got, terminal[s])
		}
	}
}

func TestSessionTransition(t *testing.T) {
	s := &Session{Status: StatusInitialized}

	if err := s.Transition(StatusExecuting); err != nil {
		t.Fatalf("Transition(executing) error = %v", err)
	}
	if s.Status != StatusExecuting {
		t.Errorf("status = %s, want executing", s.Status)
	}
	if s.UpdatedAt.IsZero() {
		t.Error("UpdatedAt not set")
	}

	err := s.Transition(StatusCompleted)
	if !errors.Is(err, ErrIllegalTransition) {
		t.Errorf("Transition(executing -> completed) error = %v, want ErrIllegalTransition", err)
	}
	if s.Status != StatusExecuting {
		t.Errorf("status changed on rejected transition: %s", s.Status)
	}

	err = s.Transition(Status("bogus"))
	if !errors.Is(err, ErrValidation) {
		t.Errorf("Transition(bogus) error = %v, want ErrValidation", err)
	}
}

func TestHappyPathSequence(t *testing.T) {
	s := &Session{Status: StatusInitialized}
	path := []Status{
		StatusExecuting, StatusSourceLocking, StatusSourceLocked,
		StatusDestinationLocking, StatusBothLocked, StatusRevealingSecret,
		StatusCompleted,
	}
	for _, next := range path {
		if err := s.Transition(next); err != nil {
			t.Fatalf("Transition(%s) error = %v", next, err)
		}
	}
	if !s.Status.IsTerminal() {
		t.Errorf("final status %s not terminal", s.Status)
	}
}

func TestDeriveTimelocks(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)

	tl, err := DeriveTimelocks(now, DefaultTimelockOffsets())
	if err != nil {
		t.Fatalf("DeriveTimelocks error = %v", err)
	}
	if tl.SrcDeployedAt >= now.Unix() {
		t.Errorf("SrcDeployedAt %d not backdated", tl.SrcDeployedAt)
	}
	if tl.DstCancellation >= tl.SrcWithdrawal {
		t.Errorf("safety margin violated: dstCancellation %d >= srcWithdrawal %d",
			tl.DstCancellation, tl.SrcWithdrawal)
	}
}

func TestDeriveTimelocksRejectsUnsafeOffsets(t *testing.T) {
	offsets := DefaultTimelockOffsets()
	offsets.DstCancellationOffset = offsets.SrcWithdrawalOffset + 10

	_, err := DeriveTimelocks(time.Now(), offsets)
	if !errors.Is(err, ErrValidation) {
		t.Errorf("DeriveTimelocks error = %v, want ErrValidation", err)
	}
}

func TestTimelocksValidateOrdering(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Timelocks)
		wantErr bool
	}{
		{"valid", func(*Timelocks) {}, false},
		{"src not increasing", func(tl *Timelocks) { tl.SrcPublicWithdrawal = tl.SrcWithdrawal }, true},
		{"dst not increasing", func(tl *Timelocks) { tl.DstCancellation = tl.DstWithdrawal }, true},
		{"margin violated", func(tl *Timelocks) { tl.DstCancellation = tl.SrcWithdrawal }, true},
	}

	base, err := DeriveTimelocks(time.Unix(1_700_000_000, 0), DefaultTimelockOffsets())
	if err != nil {
		t.Fatalf("DeriveTimelocks error = %v", err)
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tl := base
			tt.mutate(&tl)
			err := tl.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestIsNativeToken(t *testing.T) {
	if !IsNativeToken("") || !IsNativeToken("native") {
		t.Error("empty and native markers should be native")
	}
	if IsNativeToken("0x036CbD53842c5426634e7929541eC2318f3dCF7e") {
		t.Error("token address should not be native")
	}
}
