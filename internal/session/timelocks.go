package session

import (
	"fmt"
	"time"
)

// Timelocks holds the seven absolute unix-second deadlines attached to
// a session. Values are derived once at creation and never mutated.
type Timelocks struct {
	SrcDeployedAt       int64 `json:"srcDeployedAt" yaml:"srcDeployedAt"`
	SrcWithdrawal       int64 `json:"srcWithdrawal" yaml:"srcWithdrawal"`
	SrcPublicWithdrawal int64 `json:"srcPublicWithdrawal" yaml:"srcPublicWithdrawal"`
	SrcCancellation     int64 `json:"srcCancellation" yaml:"srcCancellation"`
	DstDeployedAt       int64 `json:"dstDeployedAt" yaml:"dstDeployedAt"`
	DstWithdrawal       int64 `json:"dstWithdrawal" yaml:"dstWithdrawal"`
	DstCancellation     int64 `json:"dstCancellation" yaml:"dstCancellation"`
}

// TimelockOffsets configures the relative-second offsets used to derive
// a session's timelocks from its creation time.
type TimelockOffsets struct {
	SrcWithdrawalOffset       int64 `yaml:"srcWithdrawalOffset"`
	SrcPublicWithdrawalOffset int64 `yaml:"srcPublicWithdrawalOffset"`
	SrcCancellationOffset     int64 `yaml:"srcCancellationOffset"`
	DstWithdrawalOffset       int64 `yaml:"dstWithdrawalOffset"`
	DstCancellationOffset     int64 `yaml:"dstCancellationOffset"`
	DeployedBackdateSeconds   int64 `yaml:"deployedBackdateSeconds"`
}

// DefaultTimelockOffsets returns offsets satisfying the cross-chain
// safety margin: the destination cancellation lands well before the
// source withdrawal window opens.
func DefaultTimelockOffsets() TimelockOffsets {
	return TimelockOffsets{
		SrcWithdrawalOffset:       3600,
		SrcPublicWithdrawalOffset: 5400,
		SrcCancellationOffset:     7200,
		DstWithdrawalOffset:       600,
		DstCancellationOffset:     1800,
		DeployedBackdateSeconds:   60,
	}
}

// DeriveTimelocks computes absolute deadlines from now and the
// configured offsets. The deployed-at values are backdated slightly so
// contract-side currentTime >= deployedAt checks hold despite clock
// skew.
func DeriveTimelocks(now time.Time, offsets TimelockOffsets) (Timelocks, error) {
	base := now.Unix()
	tl := Timelocks{
		SrcDeployedAt:       base - offsets.DeployedBackdateSeconds,
		SrcWithdrawal:       base + offsets.SrcWithdrawalOffset,
		SrcPublicWithdrawal: base + offsets.SrcPublicWithdrawalOffset,
		SrcCancellation:     base + offsets.SrcCancellationOffset,
		DstDeployedAt:       base - offsets.DeployedBackdateSeconds,
		DstWithdrawal:       base + offsets.DstWithdrawalOffset,
		DstCancellation:     base + offsets.DstCancellationOffset,
	}
	if err := tl.Validate(); err != nil {
		return Timelocks{}, err
	}
	return tl, nil
}

// Validate enforces the ordering each side requires plus the
// cross-chain safety margin DstCancellation < SrcWithdrawal. If the
// secret is revealed on the destination chain, which is only possible
// before DstCancellation, the source side still has its full withdrawal
// window to use the now-public secret.
func (t Timelocks) Validate() error {
	if t.SrcWithdrawal >= t.SrcPublicWithdrawal || t.SrcPublicWithdrawal >= t.SrcCancellation {
		return fmt.Errorf("%w: source timelocks not strictly increasing", ErrValidation)
	}
	if t.DstWithdrawal >= t.DstCancellation {
		return fmt.Errorf("%w: destination timelocks not strictly increasing", ErrValidation)
	}
	if t.DstCancellation >= t.SrcWithdrawal {
		return fmt.Errorf("%w: dstCancellation (%d) must precede srcWithdrawal (%d)",
			ErrValidation, t.DstCancellation, t.SrcWithdrawal)
	}
	return nil
}
