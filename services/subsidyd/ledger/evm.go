package ledger

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	gethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
)

const (
	defaultPollInterval   = 2 * time.Second
	defaultConfirmTimeout = 2 * time.Minute
	gasBufferPercent      = 20
)

// Backend defines the subset of the Ethereum RPC used by the ledger client.
// *ethclient.Client satisfies it.
type Backend interface {
	ChainID(ctx context.Context) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *gethtypes.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*gethtypes.Receipt, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*gethtypes.Header, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// Metrics receives contract transaction outcomes.
type Metrics interface {
	ObserveLedgerTx(method, outcome string, d time.Duration)
}

// Config controls how transactions are built and confirmed.
type Config struct {
	Contract       common.Address
	ChainID        *big.Int
	Confirmations  uint64
	PollInterval   time.Duration
	ConfirmTimeout time.Duration
	// GasLimit overrides gas estimation when non-zero.
	GasLimit uint64
}

// EVMClient submits subsidy contract transactions signed by a single key and waits
// for them to be mined at the configured depth.
type EVMClient struct {
	backend Backend
	key     *ecdsa.PrivateKey
	from    common.Address
	abi     abi.ABI
	signer  gethtypes.Signer
	cfg     Config
	logger  *slog.Logger
	metrics Metrics

	// sendMu orders nonce allocation and broadcast.
	sendMu sync.Mutex
}

// Dial connects to an EVM JSON-RPC endpoint.
func Dial(ctx context.Context, endpoint string) (*ethclient.Client, error) {
	trimmed := strings.TrimSpace(endpoint)
	if trimmed == "" {
		return nil, fmt.Errorf("ledger: rpc endpoint required")
	}
	return ethclient.DialContext(ctx, trimmed)
}

// ParsePrivateKey decodes a hex encoded secp256k1 key with or without the 0x prefix.
func ParsePrivateKey(raw string) (*ecdsa.PrivateKey, error) {
	trimmed := strings.TrimPrefix(strings.TrimSpace(raw), "0x")
	if trimmed == "" {
		return nil, fmt.Errorf("ledger: private key required")
	}
	key, err := gethcrypto.HexToECDSA(trimmed)
	if err != nil {
		return nil, fmt.Errorf("ledger: parse private key: %w", err)
	}
	return key, nil
}

// NewEVMClient constructs a client. When cfg.ChainID is nil it is fetched from the backend.
func NewEVMClient(ctx context.Context, backend Backend, key *ecdsa.PrivateKey, cfg Config, logger *slog.Logger, metrics Metrics) (*EVMClient, error) {
	if backend == nil {
		return nil, fmt.Errorf("ledger: backend required")
	}
	if key == nil {
		return nil, fmt.Errorf("ledger: signing key required")
	}
	if cfg.Contract == (common.Address{}) {
		return nil, fmt.Errorf("ledger: contract address required")
	}
	parsed, err := ParseABI()
	if err != nil {
		return nil, fmt.Errorf("ledger: parse abi: %w", err)
	}
	if cfg.ChainID == nil || cfg.ChainID.Sign() <= 0 {
		chainID, err := backend.ChainID(ctx)
		if err != nil {
			return nil, fmt.Errorf("ledger: chain id: %w", err)
		}
		cfg.ChainID = chainID
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.ConfirmTimeout <= 0 {
		cfg.ConfirmTimeout = defaultConfirmTimeout
	}
	if cfg.Confirmations == 0 {
		cfg.Confirmations = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &EVMClient{
		backend: backend,
		key:     key,
		from:    gethcrypto.PubkeyToAddress(key.PublicKey),
		abi:     parsed,
		signer:  gethtypes.LatestSignerForChainID(cfg.ChainID),
		cfg:     cfg,
		logger:  logger,
		metrics: metrics,
	}, nil
}

// From returns the address transactions are signed with.
func (c *EVMClient) From() common.Address { return c.from }

// ContractAddress returns the subsidy contract address.
func (c *EVMClient) ContractAddress() common.Address { return c.cfg.Contract }

// RegisterVendor calls addVendor(wallet, goal, reward) and waits for confirmation.
func (c *EVMClient) RegisterVendor(ctx context.Context, wallet common.Address, milestoneGoal, rewardWei *big.Int) (Receipt, error) {
	if wallet == (common.Address{}) {
		return Receipt{}, fmt.Errorf("ledger: wallet required")
	}
	if milestoneGoal == nil || milestoneGoal.Sign() <= 0 {
		return Receipt{}, fmt.Errorf("ledger: milestone goal must be positive")
	}
	if err := ValidateUint256(milestoneGoal); err != nil {
		return Receipt{}, err
	}
	if rewardWei == nil {
		rewardWei = new(big.Int)
	}
	if err := ValidateUint256(rewardWei); err != nil {
		return Receipt{}, err
	}
	return c.transact(ctx, MethodAddVendor, wallet, milestoneGoal, rewardWei)
}

// ReportProgress calls updateProgress(wallet, delta) and waits for confirmation.
func (c *EVMClient) ReportProgress(ctx context.Context, wallet common.Address, delta *big.Int) (Receipt, error) {
	if wallet == (common.Address{}) {
		return Receipt{}, fmt.Errorf("ledger: wallet required")
	}
	if delta == nil || delta.Sign() <= 0 {
		return Receipt{}, fmt.Errorf("ledger: progress delta must be positive")
	}
	if err := ValidateUint256(delta); err != nil {
		return Receipt{}, err
	}
	return c.transact(ctx, MethodUpdateProgress, wallet, delta)
}

// VendorState reads the contract's vendors(address) view.
func (c *EVMClient) VendorState(ctx context.Context, wallet common.Address) (VendorState, error) {
	out, err := c.call(ctx, MethodVendors, wallet)
	if err != nil {
		return VendorState{}, err
	}
	if len(out) != 6 {
		return VendorState{}, fmt.Errorf("ledger: vendors returned %d values", len(out))
	}
	state := VendorState{}
	var ok [6]bool
	state.ProducerAddress, ok[0] = out[0].(common.Address)
	state.MilestoneGoal, ok[1] = out[1].(*big.Int)
	state.CurrentProgress, ok[2] = out[2].(*big.Int)
	state.RewardAmount, ok[3] = out[3].(*big.Int)
	state.IsPaid, ok[4] = out[4].(bool)
	state.IsActive, ok[5] = out[5].(bool)
	for i, good := range ok {
		if !good {
			return VendorState{}, fmt.Errorf("ledger: unexpected type for vendors output %d", i)
		}
	}
	return state, nil
}

// Government reads the contract's government() view.
func (c *EVMClient) Government(ctx context.Context) (common.Address, error) {
	out, err := c.call(ctx, MethodGovernment)
	if err != nil {
		return common.Address{}, err
	}
	if len(out) != 1 {
		return common.Address{}, fmt.Errorf("ledger: government returned %d values", len(out))
	}
	addr, ok := out[0].(common.Address)
	if !ok {
		return common.Address{}, fmt.Errorf("ledger: unexpected government output")
	}
	return addr, nil
}

func (c *EVMClient) call(ctx context.Context, method string, args ...interface{}) ([]interface{}, error) {
	data, err := c.abi.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("ledger: pack %s: %w", method, err)
	}
	contract := c.cfg.Contract
	raw, err := c.backend.CallContract(ctx, ethereum.CallMsg{From: c.from, To: &contract, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("ledger: call %s: %w", method, err)
	}
	out, err := c.abi.Unpack(method, raw)
	if err != nil {
		return nil, fmt.Errorf("ledger: unpack %s: %w", method, err)
	}
	return out, nil
}

func (c *EVMClient) transact(ctx context.Context, method string, args ...interface{}) (Receipt, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.ConfirmTimeout)
	defer cancel()

	data, err := c.abi.Pack(method, args...)
	if err != nil {
		return Receipt{}, fmt.Errorf("ledger: pack %s: %w", method, err)
	}
	started := time.Now()
	tx, err := c.send(ctx, data)
	if err != nil {
		c.observe(method, "send_failed", time.Since(started))
		return Receipt{}, err
	}
	c.logger.Info("ledger transaction broadcast",
		slog.String("method", method),
		slog.String("tx_hash", tx.Hash().Hex()),
		slog.Uint64("nonce", tx.Nonce()))

	receipt, err := c.waitMined(ctx, tx.Hash())
	if err != nil {
		outcome := "unconfirmed"
		if errors.Is(err, ErrReverted) {
			outcome = "reverted"
		}
		c.observe(method, outcome, time.Since(started))
		return Receipt{}, err
	}
	c.observe(method, "confirmed", time.Since(started))
	return receipt, nil
}

func (c *EVMClient) send(ctx context.Context, data []byte) (*gethtypes.Transaction, error) {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	contract := c.cfg.Contract
	nonce, err := c.backend.PendingNonceAt(ctx, c.from)
	if err != nil {
		return nil, fmt.Errorf("ledger: nonce: %w", err)
	}
	gasPrice, err := c.backend.SuggestGasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("ledger: gas price: %w", err)
	}
	gasLimit := c.cfg.GasLimit
	if gasLimit == 0 {
		estimated, err := c.backend.EstimateGas(ctx, ethereum.CallMsg{From: c.from, To: &contract, Data: data})
		if err != nil {
			return nil, fmt.Errorf("ledger: estimate gas: %w", err)
		}
		gasLimit = estimated + estimated*gasBufferPercent/100
	}
	tx := gethtypes.NewTx(&gethtypes.LegacyTx{
		Nonce:    nonce,
		To:       &contract,
		Value:    new(big.Int),
		Gas:      gasLimit,
		GasPrice: gasPrice,
		Data:     data,
	})
	signed, err := gethtypes.SignTx(tx, c.signer, c.key)
	if err != nil {
		return nil, fmt.Errorf("ledger: sign: %w", err)
	}
	if err := c.backend.SendTransaction(ctx, signed); err != nil {
		return nil, fmt.Errorf("ledger: send: %w", err)
	}
	return signed, nil
}

// waitMined polls until the transaction has a successful receipt at the configured
// depth. RPC errors while polling are retried until the context expires.
func (c *EVMClient) waitMined(ctx context.Context, hash common.Hash) (Receipt, error) {
	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()

	var lastErr error
	for {
		receipt, err := c.backend.TransactionReceipt(ctx, hash)
		switch {
		case err == nil && receipt != nil:
			if receipt.Status != gethtypes.ReceiptStatusSuccessful {
				return Receipt{}, fmt.Errorf("%w: %s", ErrReverted, hash.Hex())
			}
			done, err := c.deepEnough(ctx, receipt)
			if err != nil {
				lastErr = err
			} else if done {
				out := Receipt{TxHash: hash, GasUsed: receipt.GasUsed}
				if receipt.BlockNumber != nil {
					out.BlockNumber = receipt.BlockNumber.Uint64()
				}
				return out, nil
			}
		case err != nil && !errors.Is(err, ethereum.NotFound):
			lastErr = err
			c.logger.Debug("ledger receipt poll failed",
				slog.String("tx_hash", hash.Hex()),
				slog.Any("error", err))
		}

		select {
		case <-ctx.Done():
			if lastErr != nil {
				return Receipt{}, fmt.Errorf("ledger: wait for %s: %w (last error: %v)", hash.Hex(), ctx.Err(), lastErr)
			}
			return Receipt{}, fmt.Errorf("ledger: wait for %s: %w", hash.Hex(), ctx.Err())
		case <-ticker.C:
		}
	}
}

func (c *EVMClient) deepEnough(ctx context.Context, receipt *gethtypes.Receipt) (bool, error) {
	if c.cfg.Confirmations <= 1 {
		return true, nil
	}
	header, err := c.backend.HeaderByNumber(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("fetch head: %w", err)
	}
	if header == nil || header.Number == nil || receipt.BlockNumber == nil {
		return false, fmt.Errorf("block metadata unavailable")
	}
	if header.Number.Cmp(receipt.BlockNumber) < 0 {
		return false, nil
	}
	confirmed := new(big.Int).Sub(header.Number, receipt.BlockNumber)
	confirmed.Add(confirmed, big.NewInt(1))
	return confirmed.Cmp(new(big.Int).SetUint64(c.cfg.Confirmations)) >= 0, nil
}

func (c *EVMClient) observe(method, outcome string, d time.Duration) {
	if c.metrics == nil {
		return
	}
	c.metrics.ObserveLedgerTx(method, outcome, d)
}
