// Package evm submits and observes HTLC escrow transactions on the
// EVM side of a swap: factory-driven escrow deployment, secret
// withdrawal, cancellation, and event subscription.
package evm

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/crosslock-exchange/crosslock/internal/session"
	"github.com/crosslock-exchange/crosslock/pkg/helpers"
	"github.com/crosslock-exchange/crosslock/pkg/logging"
)

// gasBufferPercent pads gas estimates so borderline estimates do not
// revert out of gas.
const gasBufferPercent = 20

// Config holds EVM client configuration.
type Config struct {
	RPCURL         string
	ChainID        int64
	FactoryAddress string
	// SignerKey is the hex-encoded private key. Empty means read-only.
	SignerKey string
	// SafetyDeposit is the native deposit attached to each escrow, in
	// wei.
	SafetyDeposit *big.Int
	// GasReserve is the minimum signer balance kept aside for gas, in
	// wei.
	GasReserve *big.Int
}

// Client talks to the factory and escrow contracts over one ethclient
// connection shared by the executor and the monitor.
type Client struct {
	eth         *ethclient.Client
	factory     *bind.BoundContract
	factoryAddr common.Address
	chainID     *big.Int
	signer      *ecdsa.PrivateKey
	signerAddr  common.Address
	cfg         Config
	log         *logging.Logger
}

// NewClient dials the RPC endpoint and binds the factory contract.
func NewClient(ctx context.Context, cfg Config, log *logging.Logger) (*Client, error) {
	if log == nil {
		log = logging.GetDefault()
	}
	if !common.IsHexAddress(cfg.FactoryAddress) {
		return nil, fmt.Errorf("%w: bad factory address %q", session.ErrValidation, cfg.FactoryAddress)
	}
	if cfg.SafetyDeposit == nil {
		cfg.SafetyDeposit = big.NewInt(0)
	}
	if cfg.GasReserve == nil {
		cfg.GasReserve = big.NewInt(0)
	}

	eth, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %v", session.ErrRPCFailure, cfg.RPCURL, err)
	}

	c := &Client{
		eth:         eth,
		factoryAddr: common.HexToAddress(cfg.FactoryAddress),
		chainID:     big.NewInt(cfg.ChainID),
		cfg:         cfg,
		log:         log.Component("evm"),
	}
	c.factory = bind.NewBoundContract(c.factoryAddr, factoryABI, eth, eth, eth)

	if cfg.SignerKey != "" {
		key, err := crypto.HexToECDSA(cfg.SignerKey)
		if err != nil {
			return nil, fmt.Errorf("%w: bad signer key: %v", session.ErrValidation, err)
		}
		c.signer = key
		c.signerAddr = crypto.PubkeyToAddress(key.PublicKey)
		c.log.Info("evm signer loaded", "address", c.signerAddr.Hex())
	} else {
		c.log.Warn("no evm signer key, client is read-only")
	}

	return c, nil
}

// Close releases the RPC connection.
func (c *Client) Close() {
	c.eth.Close()
}

// ChainID returns the configured chain id.
func (c *Client) ChainID() *big.Int {
	return new(big.Int).Set(c.chainID)
}

// SafetyDeposit returns the configured per-escrow safety deposit.
func (c *Client) SafetyDeposit() *big.Int {
	return new(big.Int).Set(c.cfg.SafetyDeposit)
}

func (c *Client) txOpts(ctx context.Context) (*bind.TransactOpts, error) {
	if c.signer == nil {
		return nil, fmt.Errorf("%w: evm", session.ErrWriteUnavailable)
	}
	opts, err := bind.NewKeyedTransactorWithChainID(c.signer, c.chainID)
	if err != nil {
		return nil, fmt.Errorf("build transactor: %w", err)
	}
	opts.Context = ctx
	return opts, nil
}

// DeployResult reports a successful escrow deployment.
type DeployResult struct {
	EscrowAddress common.Address
	TxHash        common.Hash
	GasUsed       uint64
}

// DeploySrcEscrow calls the factory's create function, attaching the
// safety deposit (plus the amount itself for native swaps), and parses
// the SrcEscrowCreated event out of the receipt.
func (c *Client) DeploySrcEscrow(ctx context.Context, im Immutables) (*DeployResult, error) {
	opts, err := c.txOpts(ctx)
	if err != nil {
		return nil, err
	}

	value := im.AttachedValue()

	if err := c.checkBalance(ctx, value); err != nil {
		return nil, err
	}
	if !im.IsNative() {
		if err := c.ensureAllowance(ctx, im.Token, im.Amount); err != nil {
			return nil, err
		}
	}

	data, err := factoryABI.Pack("createSrcEscrow", im)
	if err != nil {
		return nil, fmt.Errorf("pack createSrcEscrow: %w", err)
	}
	gas, err := c.eth.EstimateGas(ctx, ethereum.CallMsg{
		From:  c.signerAddr,
		To:    &c.factoryAddr,
		Value: value,
		Data:  data,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: estimate gas: %v", session.ErrChainRejection, err)
	}

	opts.Value = value
	opts.GasLimit = gas * (100 + gasBufferPercent) / 100

	tx, err := c.factory.Transact(opts, "createSrcEscrow", im)
	if err != nil {
		return nil, fmt.Errorf("%w: createSrcEscrow: %v", session.ErrRPCFailure, err)
	}

	receipt, err := c.waitMined(ctx, tx)
	if err != nil {
		return nil, err
	}

	escrow, err := c.parseEscrowCreated(receipt)
	if err != nil {
		return nil, err
	}

	c.log.Info("source escrow deployed",
		"escrow", escrow.Hex(), "tx", tx.Hash().Hex(),
		"value", helpers.WeiToETH(value), "gasUsed", receipt.GasUsed)
	return &DeployResult{
		EscrowAddress: escrow,
		TxHash:        tx.Hash(),
		GasUsed:       receipt.GasUsed,
	}, nil
}

// Withdraw claims the escrow with the revealed secret.
func (c *Client) Withdraw(ctx context.Context, escrow common.Address, secret [32]byte) (string, error) {
	opts, err := c.txOpts(ctx)
	if err != nil {
		return "", err
	}

	contract := bind.NewBoundContract(escrow, escrowABI, c.eth, c.eth, c.eth)
	tx, err := contract.Transact(opts, "withdraw", secret)
	if err != nil {
		return "", fmt.Errorf("%w: withdraw: %v", session.ErrRPCFailure, err)
	}
	if _, err := c.waitMined(ctx, tx); err != nil {
		return "", err
	}

	c.log.Info("escrow withdrawn", "escrow", escrow.Hex(), "tx", tx.Hash().Hex())
	return tx.Hash().Hex(), nil
}

// Cancel refunds the escrow after its cancellation deadline.
func (c *Client) Cancel(ctx context.Context, escrow common.Address) (string, error) {
	opts, err := c.txOpts(ctx)
	if err != nil {
		return "", err
	}

	contract := bind.NewBoundContract(escrow, escrowABI, c.eth, c.eth, c.eth)
	tx, err := contract.Transact(opts, "cancel")
	if err != nil {
		return "", fmt.Errorf("%w: cancel: %v", session.ErrRPCFailure, err)
	}
	if _, err := c.waitMined(ctx, tx); err != nil {
		return "", err
	}

	c.log.Info("escrow cancelled", "escrow", escrow.Hex(), "tx", tx.Hash().Hex())
	return tx.Hash().Hex(), nil
}

func (c *Client) checkBalance(ctx context.Context, value *big.Int) error {
	balance, err := c.eth.BalanceAt(ctx, c.signerAddr, nil)
	if err != nil {
		return fmt.Errorf("%w: balance query: %v", session.ErrRPCFailure, err)
	}
	required := new(big.Int).Add(value, c.cfg.GasReserve)
	if balance.Cmp(required) < 0 {
		return fmt.Errorf("%w: balance %s wei below required %s wei",
			session.ErrInsufficientFunds, balance, required)
	}
	return nil
}

// ensureAllowance approves the factory for the swap amount when the
// current allowance is short.
func (c *Client) ensureAllowance(ctx context.Context, token common.Address, amount *big.Int) error {
	contract := bind.NewBoundContract(token, erc20ABI, c.eth, c.eth, c.eth)

	var out []interface{}
	err := contract.Call(&bind.CallOpts{Context: ctx}, &out, "allowance", c.signerAddr, c.factoryAddr)
	if err != nil {
		return fmt.Errorf("%w: allowance query: %v", session.ErrRPCFailure, err)
	}
	if len(out) == 1 {
		if current, ok := out[0].(*big.Int); ok && current.Cmp(amount) >= 0 {
			return nil
		}
	}

	opts, err := c.txOpts(ctx)
	if err != nil {
		return err
	}
	tx, err := contract.Transact(opts, "approve", c.factoryAddr, amount)
	if err != nil {
		return fmt.Errorf("%w: approve: %v", session.ErrRPCFailure, err)
	}
	if _, err := c.waitMined(ctx, tx); err != nil {
		return fmt.Errorf("approve: %w", err)
	}

	c.log.Debug("erc20 allowance set", "token", token.Hex(), "amount", amount)
	return nil
}

func (c *Client) waitMined(ctx context.Context, tx *types.Transaction) (*types.Receipt, error) {
	receipt, err := bind.WaitMined(ctx, c.eth, tx)
	if err != nil {
		return nil, fmt.Errorf("%w: wait mined %s: %v", session.ErrRPCFailure, tx.Hash().Hex(), err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return nil, fmt.Errorf("%w: tx %s reverted", session.ErrChainRejection, tx.Hash().Hex())
	}
	return receipt, nil
}

func (c *Client) parseEscrowCreated(receipt *types.Receipt) (common.Address, error) {
	createdTopic := factoryABI.Events["SrcEscrowCreated"].ID
	for _, lg := range receipt.Logs {
		if len(lg.Topics) == 0 || lg.Topics[0] != createdTopic {
			continue
		}
		var ev struct {
			Escrow    common.Address
			OrderHash [32]byte
			Maker     common.Address
		}
		if err := c.factory.UnpackLog(&ev, "SrcEscrowCreated", *lg); err != nil {
			return common.Address{}, fmt.Errorf("unpack SrcEscrowCreated: %w", err)
		}
		return ev.Escrow, nil
	}
	return common.Address{}, fmt.Errorf("%w: SrcEscrowCreated event missing from receipt", session.ErrChainRejection)
}
