package nearapi

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/big"
	"strconv"

	"github.com/crosslock-exchange/crosslock/internal/session"
	"github.com/crosslock-exchange/crosslock/pkg/helpers"
)

// tokenStorageDeposit is attached to token-HTLC creation instead of the
// amount itself: 0.01 NEAR in yocto.
var tokenStorageDeposit, _ = new(big.Int).SetString("10000000000000000000000", 10)

// The contract speaks NEAR-native encodings: decimal strings for
// amounts, base64 for 32-byte digests, string nanoseconds for
// timestamps. Conversion from the orchestrator's internal form happens
// here and only here.

func encodeDigest(d [32]byte) string {
	return base64.StdEncoding.EncodeToString(d[:])
}

func secondsToNanoString(sec int64) string {
	return strconv.FormatInt(sec*1_000_000_000, 10)
}

func nanoStringToSeconds(ns string) (int64, error) {
	v, err := strconv.ParseInt(ns, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse nanoseconds %q: %w", ns, err)
	}
	return v / 1_000_000_000, nil
}

// CreateHTLCParams are the orchestrator-side inputs to create_htlc.
type CreateHTLCParams struct {
	Receiver string
	// Token is the NEP-141 contract account, or empty for native NEAR.
	Token           string
	Amount          *big.Int
	Hashlock        [32]byte
	TimelockUnixSec int64
	OrderHash       [32]byte
}

type createHTLCArgs struct {
	Receiver  string  `json:"receiver"`
	Token     *string `json:"token"`
	Amount    string  `json:"amount"`
	Hashlock  string  `json:"hashlock"`
	Timelock  string  `json:"timelock"`
	OrderHash string  `json:"order_hash"`
}

func buildCreateArgs(p CreateHTLCParams) (createHTLCArgs, error) {
	if p.Amount == nil || p.Amount.Sign() <= 0 {
		return createHTLCArgs{}, fmt.Errorf("%w: htlc amount must be positive", session.ErrValidation)
	}
	if p.Receiver == "" {
		return createHTLCArgs{}, fmt.Errorf("%w: htlc receiver required", session.ErrValidation)
	}

	args := createHTLCArgs{
		Receiver:  p.Receiver,
		Amount:    p.Amount.String(),
		Hashlock:  encodeDigest(p.Hashlock),
		Timelock:  secondsToNanoString(p.TimelockUnixSec),
		OrderHash: encodeDigest(p.OrderHash),
	}
	if !session.IsNativeToken(p.Token) {
		token := p.Token
		args.Token = &token
	}
	return args, nil
}

// createDeposit is the attached deposit for create_htlc: the amount
// itself for native transfers, a fixed storage deposit for tokens.
func createDeposit(p CreateHTLCParams) *big.Int {
	if session.IsNativeToken(p.Token) {
		return new(big.Int).Set(p.Amount)
	}
	return new(big.Int).Set(tokenStorageDeposit)
}

// CreateHTLC creates the destination-side HTLC and returns its id and
// the transaction hash.
func (c *Client) CreateHTLC(ctx context.Context, p CreateHTLCParams) (htlcID, txRef string, err error) {
	args, err := buildCreateArgs(p)
	if err != nil {
		return "", "", err
	}
	argsJSON, err := json.Marshal(args)
	if err != nil {
		return "", "", fmt.Errorf("marshal create_htlc args: %w", err)
	}

	outcome, err := c.submitCall(ctx, functionCall{
		MethodName: "create_htlc",
		Args:       argsJSON,
		Gas:        defaultGas,
		Deposit:    createDeposit(p),
	})
	if err != nil {
		return "", "", err
	}

	value, err := outcome.successValue()
	if err != nil {
		return "", "", fmt.Errorf("decode create_htlc result: %w", err)
	}
	htlcID, err = parseHTLCID(value)
	if err != nil {
		return "", "", err
	}

	c.log.Info("near htlc created",
		"htlc", htlcID, "tx", outcome.Transaction.Hash, "amount", displayAmount(p))
	return htlcID, outcome.Transaction.Hash, nil
}

// displayAmount renders the locked amount for logs: NEAR for native
// transfers, raw base units for tokens with unknown decimals.
func displayAmount(p CreateHTLCParams) string {
	if session.IsNativeToken(p.Token) {
		return helpers.YoctoToNEAR(p.Amount)
	}
	return p.Amount.String()
}

// parseHTLCID accepts the contract returning either a JSON string or a
// JSON number id.
func parseHTLCID(value []byte) (string, error) {
	if len(value) == 0 {
		return "", fmt.Errorf("%w: create_htlc returned no id", session.ErrChainRejection)
	}
	var asString string
	if err := json.Unmarshal(value, &asString); err == nil {
		return asString, nil
	}
	var asNumber json.Number
	if err := json.Unmarshal(value, &asNumber); err == nil {
		return asNumber.String(), nil
	}
	return "", fmt.Errorf("%w: undecodable htlc id %q", session.ErrInternal, value)
}

// Withdraw claims the HTLC with the secret, publishing it on chain.
func (c *Client) Withdraw(ctx context.Context, htlcID string, secret [32]byte, receiver string) (string, error) {
	args := map[string]interface{}{
		"htlc_id": htlcID,
		"secret":  base64.StdEncoding.EncodeToString(secret[:]),
	}
	if receiver != "" {
		args["receiver"] = receiver
	}
	argsJSON, err := json.Marshal(args)
	if err != nil {
		return "", fmt.Errorf("marshal withdraw args: %w", err)
	}

	outcome, err := c.submitCall(ctx, functionCall{
		MethodName: "withdraw",
		Args:       argsJSON,
		Gas:        defaultGas,
		Deposit:    big.NewInt(0),
	})
	if err != nil {
		return "", err
	}

	c.log.Info("near htlc withdrawn", "htlc", htlcID, "tx", outcome.Transaction.Hash)
	return outcome.Transaction.Hash, nil
}

// Refund reclaims an expired HTLC for its sender.
func (c *Client) Refund(ctx context.Context, htlcID string) (string, error) {
	argsJSON, err := json.Marshal(map[string]string{"htlc_id": htlcID})
	if err != nil {
		return "", fmt.Errorf("marshal refund args: %w", err)
	}

	outcome, err := c.submitCall(ctx, functionCall{
		MethodName: "refund",
		Args:       argsJSON,
		Gas:        defaultGas,
		Deposit:    big.NewInt(0),
	})
	if err != nil {
		return "", err
	}

	c.log.Info("near htlc refunded", "htlc", htlcID, "tx", outcome.Transaction.Hash)
	return outcome.Transaction.Hash, nil
}

// HTLCState is the contract's view of one HTLC.
type HTLCState struct {
	Status          string
	RevealedSecret  []byte
	TimelockUnixSec int64
	Amount          *big.Int
	Receiver        string
}

type htlcView struct {
	Status   string  `json:"status"`
	Secret   *string `json:"secret"`
	Timelock string  `json:"timelock"`
	Amount   string  `json:"amount"`
	Receiver string  `json:"receiver"`
}

// GetHTLC reads the HTLC's current state.
func (c *Client) GetHTLC(ctx context.Context, htlcID string) (*HTLCState, error) {
	raw, err := c.viewFunction(ctx, "get_htlc", map[string]string{"htlc_id": htlcID})
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 || string(raw) == "null" {
		return nil, fmt.Errorf("%w: htlc %s", session.ErrNotFound, htlcID)
	}

	var view htlcView
	if err := json.Unmarshal(raw, &view); err != nil {
		return nil, fmt.Errorf("decode get_htlc result: %w", err)
	}

	state := &HTLCState{Status: view.Status, Receiver: view.Receiver}
	if view.Secret != nil && *view.Secret != "" {
		secret, err := base64.StdEncoding.DecodeString(*view.Secret)
		if err != nil {
			return nil, fmt.Errorf("decode revealed secret: %w", err)
		}
		state.RevealedSecret = secret
	}
	if view.Timelock != "" {
		if state.TimelockUnixSec, err = nanoStringToSeconds(view.Timelock); err != nil {
			return nil, err
		}
	}
	if view.Amount != "" {
		amount, ok := new(big.Int).SetString(view.Amount, 10)
		if !ok {
			return nil, fmt.Errorf("%w: bad htlc amount %q", session.ErrInternal, view.Amount)
		}
		state.Amount = amount
	}
	return state, nil
}

// EventKind labels a contract event.
type EventKind string

const (
	EventHTLCCreated    EventKind = "htlc_created"
	EventSecretRevealed EventKind = "secret_revealed"
	EventRefunded       EventKind = "refunded"
)

// HTLCEvent is one entry from the contract's event enumeration.
type HTLCEvent struct {
	Kind        EventKind
	HTLCID      string
	TimestampNs int64
	Secret      []byte
}

type htlcEventView struct {
	EventType string  `json:"event_type"`
	HTLCID    string  `json:"htlc_id"`
	Timestamp string  `json:"timestamp"`
	Secret    *string `json:"secret"`
}

// PollEvents enumerates contract events at or after sinceNs. The
// caller advances its cursor from the returned timestamps.
func (c *Client) PollEvents(ctx context.Context, sinceNs int64) ([]HTLCEvent, error) {
	raw, err := c.viewFunction(ctx, "get_recent_events", map[string]string{
		"from_timestamp": strconv.FormatInt(sinceNs, 10),
	})
	if err != nil {
		return nil, err
	}

	var views []htlcEventView
	if err := json.Unmarshal(raw, &views); err != nil {
		return nil, fmt.Errorf("decode get_recent_events result: %w", err)
	}

	events := make([]HTLCEvent, 0, len(views))
	for _, v := range views {
		ev := HTLCEvent{Kind: EventKind(v.EventType), HTLCID: v.HTLCID}
		if v.Timestamp != "" {
			ts, err := strconv.ParseInt(v.Timestamp, 10, 64)
			if err != nil {
				c.log.Warn("event with bad timestamp dropped", "htlc", v.HTLCID, "timestamp", v.Timestamp)
				continue
			}
			ev.TimestampNs = ts
		}
		if v.Secret != nil && *v.Secret != "" {
			secret, err := base64.StdEncoding.DecodeString(*v.Secret)
			if err != nil {
				c.log.Warn("event with undecodable secret dropped", "htlc", v.HTLCID)
				continue
			}
			ev.Secret = secret
		}
		events = append(events, ev)
	}
	return events, nil
}
