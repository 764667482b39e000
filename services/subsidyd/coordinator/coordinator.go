package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"

	"subsidychain/observability"
	"subsidychain/observability/logging"
	"subsidychain/services/subsidyd/accounts"
	"subsidychain/services/subsidyd/ledger"
	"subsidychain/services/subsidyd/models"
	"subsidychain/services/subsidyd/store"
)

const (
	// DefaultProducerPassword is assigned to producer accounts created with a vendor
	// when no password is supplied.
	DefaultProducerPassword = "123"
	// DefaultMaxPendingRegistrations bounds registrations awaiting ledger confirmation.
	DefaultMaxPendingRegistrations = 8
	// DefaultLedgerTimeout bounds a ledger write once it has been handed to the client.
	DefaultLedgerTimeout = 3 * time.Minute
)

// Config wires the coordinator's collaborators.
type Config struct {
	Store *store.Store
	// Ledger is nil in offline mode.
	Ledger                  ledger.Client
	Hasher                  accounts.Hasher
	DefaultPassword         string
	MaxPendingRegistrations int64
	// LedgerTimeout bounds each ledger write. Caller cancellation does not abort it.
	LedgerTimeout time.Duration
	Logger                  *slog.Logger
	Metrics                 *observability.SubsidydMetrics
	Now                     func() time.Time
}

// Coordinator sequences writes across the ledger and the relational store.
type Coordinator struct {
	store           *store.Store
	ledger          ledger.Client
	hasher          accounts.Hasher
	defaultPassword string
	pending         *semaphore.Weighted
	ledgerTimeout   time.Duration
	logger          *slog.Logger
	metrics         *observability.SubsidydMetrics
	tracer          trace.Tracer
	now             func() time.Time
}

// RegisterVendorRequest captures a new vendor and its producer account.
type RegisterVendorRequest struct {
	Name          string
	Email         string
	WalletAddress string
	MilestoneGoal int64
	RewardAmount  string
	Password      string
}

// ProgressRequest reports additional progress for a vendor.
type ProgressRequest struct {
	VendorID      uint
	WalletAddress string
	Delta         int64
}

// ProgressAck describes an accepted progress report.
type ProgressAck struct {
	VendorID uint
	LogID    uint
	Delta    int64
	TxHash   string
	Offline  bool
}

// PayoutAck describes a payout confirmation.
type PayoutAck struct {
	VendorID    uint
	AlreadyPaid bool
}

// New constructs a coordinator.
func New(cfg Config) (*Coordinator, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("coordinator: store required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.DefaultPassword == "" {
		cfg.DefaultPassword = DefaultProducerPassword
	}
	if cfg.MaxPendingRegistrations <= 0 {
		cfg.MaxPendingRegistrations = DefaultMaxPendingRegistrations
	}
	if cfg.LedgerTimeout <= 0 {
		cfg.LedgerTimeout = DefaultLedgerTimeout
	}
	cfg.Metrics.SetOffline(cfg.Ledger == nil)
	return &Coordinator{
		store:           cfg.Store,
		ledger:          cfg.Ledger,
		hasher:          cfg.Hasher,
		defaultPassword: cfg.DefaultPassword,
		pending:         semaphore.NewWeighted(cfg.MaxPendingRegistrations),
		ledgerTimeout:   cfg.LedgerTimeout,
		logger:          cfg.Logger,
		metrics:         cfg.Metrics,
		tracer:          otel.Tracer("subsidyd/coordinator"),
		now:             cfg.Now,
	}, nil
}

// Offline reports whether writes are relational only.
func (c *Coordinator) Offline() bool {
	return c.ledger == nil
}

// RegisterVendor creates the vendor row and its producer account, registers the
// vendor on the ledger, and commits only after the ledger confirmed. A failure at
// any step leaves no relational trace.
func (c *Coordinator) RegisterVendor(ctx context.Context, req RegisterVendorRequest) (vendor *models.Vendor, err error) {
	started := c.now()
	ctx, span := c.tracer.Start(ctx, "coordinator.register_vendor")
	defer func() { c.finish(span, "register_vendor", started, err) }()

	name := strings.TrimSpace(req.Name)
	email := strings.TrimSpace(req.Email)
	if name == "" || email == "" || strings.TrimSpace(req.WalletAddress) == "" || strings.TrimSpace(req.RewardAmount) == "" {
		return nil, validationf("all vendor fields are required")
	}
	wallet, err := parseWallet(req.WalletAddress)
	if err != nil {
		return nil, err
	}
	if req.MilestoneGoal <= 0 {
		return nil, validationf("milestone goal must be positive")
	}
	reward, err := ledger.NormalizeDecimal(req.RewardAmount)
	if err != nil {
		return nil, validationf("reward amount: %v", err)
	}
	rewardWei, err := ledger.ToWei(reward)
	if err != nil {
		return nil, validationf("reward amount: %v", err)
	}
	span.SetAttributes(attribute.String("vendor.wallet", wallet.Hex()))

	password := req.Password
	if password == "" {
		password = c.defaultPassword
	}
	hash, err := c.hasher.Hash(password)
	if err != nil {
		return nil, fmt.Errorf("%w: hash password: %v", ErrStore, err)
	}

	if c.ledger != nil {
		if err := c.pending.Acquire(ctx, 1); err != nil {
			return nil, fmt.Errorf("coordinator: wait for registration slot: %w", err)
		}
		c.metrics.AddPendingRegistrations(1)
		defer func() {
			c.metrics.AddPendingRegistrations(-1)
			c.pending.Release(1)
		}()
	}

	vendor = &models.Vendor{
		Name:          name,
		WalletAddress: wallet.Hex(),
		MilestoneGoal: req.MilestoneGoal,
		RewardAmount:  reward,
		IsActive:      true,
	}
	account := &models.User{
		Name:         name,
		Email:        email,
		PasswordHash: hash,
		Role:         models.RoleProducer,
	}

	var receipt ledger.Receipt
	confirmed := false
	confirm := func(_ context.Context, v *models.Vendor) error {
		if c.ledger == nil {
			return nil
		}
		c.metrics.RecordPoolStats(c.store.Stats())
		ledgerCtx, cancel := c.ledgerContext(ctx)
		defer cancel()
		rcpt, err := c.ledger.RegisterVendor(ledgerCtx, wallet, big.NewInt(v.MilestoneGoal), rewardWei)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrLedger, err)
		}
		receipt = rcpt
		confirmed = true
		return nil
	}

	// The transaction outlives caller cancellation once the ledger has confirmed so
	// that the commit is not abandoned halfway.
	err = c.store.CreateVendor(context.WithoutCancel(ctx), vendor, account, confirm)
	switch {
	case err == nil:
	case confirmed:
		div := &DivergenceError{
			Operation: "register_vendor",
			Wallet:    wallet.Hex(),
			TxHash:    receipt.TxHash.Hex(),
			Err:       err,
		}
		c.reportDivergence(div)
		return nil, div
	case errors.Is(err, ErrLedger):
		c.logger.Warn("vendor registration rejected by ledger",
			slog.String("wallet", wallet.Hex()),
			slog.Any("error", err))
		return nil, err
	case errors.Is(err, store.ErrConflict):
		return nil, fmt.Errorf("%w: a user with this email or a vendor with this wallet already exists", ErrConflict)
	default:
		return nil, fmt.Errorf("%w: %v", ErrStore, err)
	}

	attrs := []any{
		slog.Uint64("vendor_id", uint64(vendor.ID)),
		slog.String("wallet", vendor.WalletAddress),
		logging.MaskField("email", email),
	}
	if confirmed {
		attrs = append(attrs, slog.String("tx_hash", receipt.TxHash.Hex()))
	}
	c.logger.Info("vendor registered", attrs...)
	return vendor, nil
}

// ReportProgress records a progress delta on the ledger and then appends it to the
// progress log. The wallet must belong to the vendor.
func (c *Coordinator) ReportProgress(ctx context.Context, req ProgressRequest) (ack *ProgressAck, err error) {
	started := c.now()
	ctx, span := c.tracer.Start(ctx, "coordinator.report_progress")
	defer func() { c.finish(span, "report_progress", started, err) }()

	if req.VendorID == 0 {
		return nil, validationf("vendor id is required")
	}
	if req.Delta <= 0 {
		return nil, validationf("progress must be a positive integer")
	}
	wallet, err := parseWallet(req.WalletAddress)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(
		attribute.Int64("vendor.id", int64(req.VendorID)),
		attribute.Int64("progress.delta", req.Delta))

	vendor, err := c.store.VendorByID(ctx, req.VendorID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: %d", ErrNotFound, req.VendorID)
		}
		return nil, fmt.Errorf("%w: %v", ErrStore, err)
	}
	if common.HexToAddress(vendor.WalletAddress) != wallet {
		return nil, validationf("wallet %s is not registered to vendor %d", wallet.Hex(), req.VendorID)
	}

	ack = &ProgressAck{VendorID: req.VendorID, Delta: req.Delta, Offline: c.ledger == nil}
	if c.ledger != nil {
		ledgerCtx, cancel := c.ledgerContext(ctx)
		receipt, err := c.ledger.ReportProgress(ledgerCtx, wallet, big.NewInt(req.Delta))
		cancel()
		if err != nil {
			c.logger.Warn("progress update rejected by ledger",
				slog.Uint64("vendor_id", uint64(req.VendorID)),
				slog.String("wallet", wallet.Hex()),
				slog.Int64("delta", req.Delta),
				slog.Any("error", err))
			return nil, fmt.Errorf("%w: %w", ErrLedger, err)
		}
		ack.TxHash = receipt.TxHash.Hex()
	}

	entry := &models.ProgressLog{
		VendorID:  req.VendorID,
		Progress:  req.Delta,
		Timestamp: c.now().UTC(),
		TxHash:    ack.TxHash,
	}
	if err := c.store.AppendProgress(context.WithoutCancel(ctx), entry); err != nil {
		if c.ledger == nil {
			return nil, fmt.Errorf("%w: %v", ErrStore, err)
		}
		div := &DivergenceError{
			Operation: "report_progress",
			VendorID:  req.VendorID,
			Wallet:    wallet.Hex(),
			Delta:     req.Delta,
			TxHash:    ack.TxHash,
			Err:       err,
		}
		c.reportDivergence(div)
		return nil, div
	}
	ack.LogID = entry.ID

	c.logger.Info("progress recorded",
		slog.Uint64("vendor_id", uint64(req.VendorID)),
		slog.Int64("delta", req.Delta),
		slog.String("tx_hash", ack.TxHash))
	return ack, nil
}

// ConfirmPayout marks the vendor paid. Confirming an already paid vendor succeeds
// with AlreadyPaid set.
func (c *Coordinator) ConfirmPayout(ctx context.Context, vendorID uint) (ack *PayoutAck, err error) {
	started := c.now()
	ctx, span := c.tracer.Start(ctx, "coordinator.confirm_payout")
	defer func() { c.finish(span, "confirm_payout", started, err) }()

	if vendorID == 0 {
		return nil, validationf("vendor id is required")
	}
	alreadyPaid, err := c.store.MarkPaid(ctx, vendorID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: %d", ErrNotFound, vendorID)
		}
		return nil, fmt.Errorf("%w: %v", ErrStore, err)
	}
	c.logger.Info("payout confirmed",
		slog.Uint64("vendor_id", uint64(vendorID)),
		slog.Bool("already_paid", alreadyPaid))
	return &PayoutAck{VendorID: vendorID, AlreadyPaid: alreadyPaid}, nil
}

// ResetAll clears every vendor, progress entry, and account. The ledger is not touched.
func (c *Coordinator) ResetAll(ctx context.Context) (err error) {
	started := c.now()
	ctx, span := c.tracer.Start(ctx, "coordinator.reset")
	defer func() { c.finish(span, "reset", started, err) }()

	if err := c.store.Reset(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrStore, err)
	}
	c.logger.Warn("relational state reset")
	return nil
}

// TotalProgress returns the sum of all progress logged for the vendor.
func (c *Coordinator) TotalProgress(ctx context.Context, vendorID uint) (int64, error) {
	if vendorID == 0 {
		return 0, validationf("vendor id is required")
	}
	total, err := c.store.TotalProgress(ctx, vendorID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return 0, fmt.Errorf("%w: %d", ErrNotFound, vendorID)
		}
		return 0, fmt.Errorf("%w: %v", ErrStore, err)
	}
	return total, nil
}

// ListVendors returns every vendor, newest first.
func (c *Coordinator) ListVendors(ctx context.Context) ([]models.Vendor, error) {
	vendors, err := c.store.ListVendors(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStore, err)
	}
	return vendors, nil
}

// Vendor loads a single vendor.
func (c *Coordinator) Vendor(ctx context.Context, vendorID uint) (*models.Vendor, error) {
	vendor, err := c.store.VendorByID(ctx, vendorID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: %d", ErrNotFound, vendorID)
		}
		return nil, fmt.Errorf("%w: %v", ErrStore, err)
	}
	return vendor, nil
}

// ledgerContext detaches a ledger write from the caller. A broadcast transaction
// may still be mined after the client goes away, so the wait runs until it
// resolves or the ledger timeout expires.
func (c *Coordinator) ledgerContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), c.ledgerTimeout)
}

func (c *Coordinator) reportDivergence(div *DivergenceError) {
	c.metrics.RecordDivergence(div.Operation)
	c.logger.Error("ledger write confirmed but store write failed",
		slog.String("operation", div.Operation),
		slog.Uint64("vendor_id", uint64(div.VendorID)),
		slog.String("wallet", div.Wallet),
		slog.Int64("delta", div.Delta),
		slog.String("tx_hash", div.TxHash),
		slog.Any("error", div.Err))
}

func (c *Coordinator) finish(span trace.Span, operation string, started time.Time, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, operation)
	}
	span.End()
	c.metrics.ObserveOperation(operation, outcome(err), c.now().Sub(started))
	c.metrics.RecordPoolStats(c.store.Stats())
}

func parseWallet(raw string) (common.Address, error) {
	trimmed := strings.TrimSpace(raw)
	if !common.IsHexAddress(trimmed) {
		return common.Address{}, validationf("invalid wallet address %q", raw)
	}
	addr := common.HexToAddress(trimmed)
	if addr == (common.Address{}) {
		return common.Address{}, validationf("wallet address must not be zero")
	}
	return addr, nil
}
