package ledger

import (
	"context"
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

var (
	// ErrReverted is returned when a transaction was mined but the contract reverted it.
	ErrReverted = errors.New("ledger: transaction reverted")
	// ErrNotConfigured is returned by FuncClient when no callback is installed.
	ErrNotConfigured = errors.New("ledger: client not configured")
)

// Receipt identifies a confirmed contract transaction.
type Receipt struct {
	TxHash      common.Hash
	BlockNumber uint64
	GasUsed     uint64
}

// Client is the capability the coordinator needs from the subsidy contract. Each call
// returns only once the transaction is confirmed or known to have failed.
type Client interface {
	RegisterVendor(ctx context.Context, wallet common.Address, milestoneGoal, rewardWei *big.Int) (Receipt, error)
	ReportProgress(ctx context.Context, wallet common.Address, delta *big.Int) (Receipt, error)
}

// VendorState mirrors the contract's vendors(address) tuple.
type VendorState struct {
	ProducerAddress common.Address
	MilestoneGoal   *big.Int
	CurrentProgress *big.Int
	RewardAmount    *big.Int
	IsPaid          bool
	IsActive        bool
}

// Registered reports whether the contract knows the vendor.
func (v VendorState) Registered() bool {
	return v.ProducerAddress != (common.Address{})
}

// Reader exposes the contract's read-only vendor view used for reconciliation.
type Reader interface {
	VendorState(ctx context.Context, wallet common.Address) (VendorState, error)
}

// FuncClient adapts callback functions to the Client and Reader interfaces.
type FuncClient struct {
	RegisterVendorFunc func(ctx context.Context, wallet common.Address, milestoneGoal, rewardWei *big.Int) (Receipt, error)
	ReportProgressFunc func(ctx context.Context, wallet common.Address, delta *big.Int) (Receipt, error)
	VendorStateFunc    func(ctx context.Context, wallet common.Address) (VendorState, error)
}

// RegisterVendor delegates to the configured callback.
func (f FuncClient) RegisterVendor(ctx context.Context, wallet common.Address, milestoneGoal, rewardWei *big.Int) (Receipt, error) {
	if f.RegisterVendorFunc == nil {
		return Receipt{}, ErrNotConfigured
	}
	return f.RegisterVendorFunc(ctx, wallet, milestoneGoal, rewardWei)
}

// ReportProgress delegates to the configured callback.
func (f FuncClient) ReportProgress(ctx context.Context, wallet common.Address, delta *big.Int) (Receipt, error) {
	if f.ReportProgressFunc == nil {
		return Receipt{}, ErrNotConfigured
	}
	return f.ReportProgressFunc(ctx, wallet, delta)
}

// VendorState delegates to the configured callback.
func (f FuncClient) VendorState(ctx context.Context, wallet common.Address) (VendorState, error) {
	if f.VendorStateFunc == nil {
		return VendorState{}, ErrNotConfigured
	}
	return f.VendorStateFunc(ctx, wallet)
}
