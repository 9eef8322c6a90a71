package nearapi

import (
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/btcsuite/btcd/btcutil/base58"

	"github.com/crosslock-exchange/crosslock/internal/session"
)

// Default gas attached to a function call: 100 TGas.
const defaultGas = uint64(100_000_000_000_000)

// keyTypeED25519 is the borsh enum discriminant for ed25519 keys and
// signatures; actionFunctionCall for the FunctionCall action variant.
const (
	keyTypeED25519     = 0
	actionFunctionCall = 2
)

// functionCall describes one contract invocation.
type functionCall struct {
	MethodName string
	Args       []byte
	Gas        uint64
	Deposit    *big.Int
}

// encodeTransaction borsh-serializes a single-action FunctionCall
// transaction in the NEAR wire layout.
func encodeTransaction(signerID string, pub ed25519.PublicKey, nonce uint64,
	receiverID string, blockHash [32]byte, call functionCall) ([]byte, error) {

	w := &borshWriter{}
	w.str(signerID)
	w.u8(keyTypeED25519)
	w.fixedBytes(pub)
	w.u64(nonce)
	w.str(receiverID)
	w.fixedBytes(blockHash[:])
	w.u32(1) // action count
	w.u8(actionFunctionCall)
	w.str(call.MethodName)
	w.vecBytes(call.Args)
	w.u64(call.Gas)
	if err := w.u128(call.Deposit); err != nil {
		return nil, fmt.Errorf("encode deposit: %w", err)
	}
	return w.bytes(), nil
}

// signTransaction appends the ed25519 signature over sha256(tx) in the
// SignedTransaction layout.
func signTransaction(txBytes []byte, priv ed25519.PrivateKey) []byte {
	digest := sha256.Sum256(txBytes)
	sig := ed25519.Sign(priv, digest[:])

	w := &borshWriter{}
	w.fixedBytes(txBytes)
	w.u8(keyTypeED25519)
	w.fixedBytes(sig)
	return w.bytes()
}

type accessKeyView struct {
	Nonce       uint64 `json:"nonce"`
	BlockHeight uint64 `json:"block_height"`
}

func (c *Client) fetchNonce(ctx context.Context) (uint64, error) {
	var view accessKeyView
	err := c.call(ctx, "query", map[string]interface{}{
		"request_type": "view_access_key",
		"finality":     "final",
		"account_id":   c.creds.AccountID,
		"public_key":   EncodePublicKey(c.creds.PublicKey),
	}, &view)
	if err != nil {
		return 0, fmt.Errorf("view access key: %w", err)
	}
	return view.Nonce + 1, nil
}

func (c *Client) fetchBlockHash(ctx context.Context) ([32]byte, error) {
	var block struct {
		Header struct {
			Hash string `json:"hash"`
		} `json:"header"`
	}
	var hash [32]byte
	if err := c.call(ctx, "block", map[string]interface{}{"finality": "final"}, &block); err != nil {
		return hash, fmt.Errorf("fetch block: %w", err)
	}

	raw := base58.Decode(block.Header.Hash)
	if len(raw) != 32 {
		return hash, fmt.Errorf("%w: block hash %q has %d bytes", session.ErrInternal, block.Header.Hash, len(raw))
	}
	copy(hash[:], raw)
	return hash, nil
}

// txOutcome is the subset of a broadcast_tx_commit result the client
// consumes.
type txOutcome struct {
	Status struct {
		SuccessValue *string         `json:"SuccessValue"`
		Failure      json.RawMessage `json:"Failure"`
	} `json:"status"`
	Transaction struct {
		Hash string `json:"hash"`
	} `json:"transaction"`
}

// submitCall signs and broadcasts one function call against the HTLC
// contract, waiting for finality.
func (c *Client) submitCall(ctx context.Context, call functionCall) (*txOutcome, error) {
	if c.creds == nil {
		return nil, fmt.Errorf("%w: near", session.ErrWriteUnavailable)
	}

	nonce, err := c.fetchNonce(ctx)
	if err != nil {
		return nil, err
	}
	blockHash, err := c.fetchBlockHash(ctx)
	if err != nil {
		return nil, err
	}

	txBytes, err := encodeTransaction(c.creds.AccountID, c.creds.PublicKey, nonce,
		c.cfg.HTLCContract, blockHash, call)
	if err != nil {
		return nil, err
	}
	signed := signTransaction(txBytes, c.creds.PrivateKey)

	var outcome txOutcome
	err = c.call(ctx, "broadcast_tx_commit",
		[]string{base64.StdEncoding.EncodeToString(signed)}, &outcome)
	if err != nil {
		return nil, err
	}
	if len(outcome.Status.Failure) > 0 {
		return nil, fmt.Errorf("%w: %s: %s", session.ErrChainRejection, call.MethodName, outcome.Status.Failure)
	}

	c.log.Debug("near call submitted", "method", call.MethodName, "tx", outcome.Transaction.Hash)
	return &outcome, nil
}

// successValue decodes the base64 SuccessValue of an outcome. Returns
// nil when the call produced no value.
func (o *txOutcome) successValue() ([]byte, error) {
	if o.Status.SuccessValue == nil || *o.Status.SuccessValue == "" {
		return nil, nil
	}
	return base64.StdEncoding.DecodeString(*o.Status.SuccessValue)
}
