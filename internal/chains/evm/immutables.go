package evm

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/crosslock-exchange/crosslock/internal/session"
)

// PlaceholderTaker is passed to the factory when the logical taker is
// not an EVM address (a NEAR account, say). The factory does not use
// the taker field for authorization; the real receiver lives only in
// the session record.
var PlaceholderTaker = common.BigToAddress(big.NewInt(1))

// ImmutablesTimelocks mirrors the factory's timelocks tuple.
type ImmutablesTimelocks struct {
	SrcWithdrawal       *big.Int
	SrcPublicWithdrawal *big.Int
	SrcCancellation     *big.Int
	SrcDeployedAt       *big.Int
	DstWithdrawal       *big.Int
	DstCancellation     *big.Int
	DstDeployedAt       *big.Int
}

// Immutables mirrors the factory's createSrcEscrow argument tuple.
// Field order matches the on-chain layout.
type Immutables struct {
	Maker         common.Address
	Taker         common.Address
	Token         common.Address
	Amount        *big.Int
	SafetyDeposit *big.Int
	Hashlock      [32]byte
	Timelocks     ImmutablesTimelocks
	OrderHash     [32]byte
	ChainId       *big.Int
}

// BuildImmutables derives the factory argument tuple from a session.
// Non-address takers get the deterministic placeholder.
func BuildImmutables(sess *session.Session, safetyDeposit, chainID *big.Int) Immutables {
	taker := PlaceholderTaker
	if common.IsHexAddress(sess.Taker) {
		taker = common.HexToAddress(sess.Taker)
	}

	var token common.Address
	if !session.IsNativeToken(sess.SourceToken) {
		token = common.HexToAddress(sess.SourceToken)
	}

	tl := sess.Timelocks
	return Immutables{
		Maker:         common.HexToAddress(sess.Maker),
		Taker:         taker,
		Token:         token,
		Amount:        new(big.Int).Set(sess.SourceAmount),
		SafetyDeposit: new(big.Int).Set(safetyDeposit),
		Hashlock:      sess.Hashlock,
		Timelocks: ImmutablesTimelocks{
			SrcWithdrawal:       big.NewInt(tl.SrcWithdrawal),
			SrcPublicWithdrawal: big.NewInt(tl.SrcPublicWithdrawal),
			SrcCancellation:     big.NewInt(tl.SrcCancellation),
			SrcDeployedAt:       big.NewInt(tl.SrcDeployedAt),
			DstWithdrawal:       big.NewInt(tl.DstWithdrawal),
			DstCancellation:     big.NewInt(tl.DstCancellation),
			DstDeployedAt:       big.NewInt(tl.DstDeployedAt),
		},
		OrderHash: sess.OrderHash,
		ChainId:   new(big.Int).Set(chainID),
	}
}

// IsNative reports whether the immutables describe a native-token
// escrow (zero token address).
func (im Immutables) IsNative() bool {
	return im.Token == (common.Address{})
}

// AttachedValue is the native value sent with createSrcEscrow: the
// safety deposit, plus the swap amount itself for native-token swaps.
func (im Immutables) AttachedValue() *big.Int {
	value := new(big.Int).Set(im.SafetyDeposit)
	if im.IsNative() {
		value.Add(value, im.Amount)
	}
	return value
}
