package recon

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/xitongsys/parquet-go-source/writerfile"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/writer"

	"subsidychain/services/subsidyd/ledger"
	"subsidychain/services/subsidyd/models"
)

// Anomaly types emitted by the reconciler.
const (
	AnomalyMissingOnChain   = "missing_on_chain"
	AnomalyProgressMismatch = "progress_mismatch"
	AnomalyPaidMismatch     = "paid_mismatch"
	AnomalyGoalMismatch     = "goal_mismatch"
)

// Source is the relational view the reconciler compares against the ledger.
type Source interface {
	ListVendors(ctx context.Context) ([]models.Vendor, error)
	ProgressTotals(ctx context.Context) (map[uint]int64, error)
}

// AnomalyRecorder receives anomaly counts.
type AnomalyRecorder interface {
	RecordAnomaly(kind string)
}

// AlertFunc is invoked for every anomaly detected during reconciliation.
type AlertFunc func(ctx context.Context, anomaly Anomaly) error

// Config captures the dependencies required to construct a Reconciler.
type Config struct {
	Source    Source
	Ledger    ledger.Reader
	OutputDir string
	DryRun    bool
	Now       func() time.Time
	Alert     AlertFunc
	Metrics   AnomalyRecorder
	Logger    *slog.Logger
}

// RunOptions overrides reconciler defaults for a single run.
type RunOptions struct {
	DryRun bool
}

// Reconciler compares relational vendor state with the contract's vendor mirror.
type Reconciler struct {
	source    Source
	ledger    ledger.Reader
	outputDir string
	dryRun    bool
	now       func() time.Time
	alert     AlertFunc
	metrics   AnomalyRecorder
	logger    *slog.Logger
}

// Anomaly captures a ledger/store disagreement requiring operator review.
type Anomaly struct {
	Type     string `json:"type"`
	VendorID uint   `json:"vendor_id"`
	Wallet   string `json:"wallet"`
	Details  string `json:"details"`
}

// ReportRow summarises reconciliation status for a single vendor.
type ReportRow struct {
	VendorID         uint
	Name             string
	Wallet           string
	StoreGoal        int64
	LedgerGoal       string
	StoreProgress    int64
	LedgerProgress   string
	StorePaid        bool
	LedgerPaid       bool
	LedgerActive     bool
	MissingOnChain   bool
	ProgressMismatch bool
	PaidMismatch     bool
	GoalMismatch     bool
}

// Result summarises a reconciliation run.
type Result struct {
	RunID       string       `json:"run_id"`
	StartedAt   time.Time    `json:"started_at"`
	Vendors     int          `json:"vendors"`
	Anomalies   []Anomaly    `json:"anomalies"`
	CSVPath     string       `json:"csv_path,omitempty"`
	ParquetPath string       `json:"parquet_path,omitempty"`
	Rows        []*ReportRow `json:"-"`
}

// NewReconciler builds a configured reconciler.
func NewReconciler(cfg Config) (*Reconciler, error) {
	if cfg.Source == nil {
		return nil, errors.New("recon: source is required")
	}
	if cfg.Ledger == nil {
		return nil, errors.New("recon: ledger reader is required")
	}
	outputDir := cfg.OutputDir
	if outputDir == "" {
		outputDir = filepath.Join("subsidy-data", "recon")
	}
	alert := cfg.Alert
	if alert == nil {
		alert = func(context.Context, Anomaly) error { return nil }
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Reconciler{
		source:    cfg.Source,
		ledger:    cfg.Ledger,
		outputDir: outputDir,
		dryRun:    cfg.DryRun,
		now:       now,
		alert:     alert,
		metrics:   cfg.Metrics,
		logger:    logger,
	}, nil
}

// Run compares every vendor and writes CSV and Parquet reports unless dry-run is set.
func (r *Reconciler) Run(ctx context.Context, opts RunOptions) (*Result, error) {
	started := r.now().UTC()
	res := &Result{RunID: uuid.NewString(), StartedAt: started}

	vendors, err := r.source.ListVendors(ctx)
	if err != nil {
		return nil, fmt.Errorf("recon: load vendors: %w", err)
	}
	totals, err := r.source.ProgressTotals(ctx)
	if err != nil {
		return nil, fmt.Errorf("recon: load progress: %w", err)
	}
	res.Vendors = len(vendors)

	for _, vendor := range vendors {
		wallet := common.HexToAddress(vendor.WalletAddress)
		state, err := r.ledger.VendorState(ctx, wallet)
		if err != nil {
			return nil, fmt.Errorf("recon: read ledger state for vendor %d: %w", vendor.ID, err)
		}
		row, anomalies := compare(vendor, totals[vendor.ID], state)
		res.Rows = append(res.Rows, row)
		for _, anomaly := range anomalies {
			res.Anomalies = append(res.Anomalies, anomaly)
			if r.metrics != nil {
				r.metrics.RecordAnomaly(anomaly.Type)
			}
			r.logger.Warn("reconciliation anomaly",
				slog.String("run_id", res.RunID),
				slog.String("type", anomaly.Type),
				slog.Uint64("vendor_id", uint64(anomaly.VendorID)),
				slog.String("wallet", anomaly.Wallet),
				slog.String("details", anomaly.Details))
			if err := r.alert(ctx, anomaly); err != nil {
				r.logger.Error("reconciliation alert failed", slog.Any("error", err))
			}
		}
	}

	if !(r.dryRun || opts.DryRun) && len(res.Rows) > 0 {
		if err := os.MkdirAll(r.outputDir, 0o755); err != nil {
			return nil, fmt.Errorf("recon: create output dir: %w", err)
		}
		base := filepath.Join(r.outputDir, fmt.Sprintf("vendors_%s_%s", started.Format("20060102T150405Z"), res.RunID[:8]))
		res.CSVPath = base + ".csv"
		if err := writeCSV(res.CSVPath, res.Rows); err != nil {
			return nil, err
		}
		res.ParquetPath = base + ".parquet"
		if err := writeParquet(res.ParquetPath, res.Rows); err != nil {
			return nil, err
		}
	}

	r.logger.Info("reconciliation complete",
		slog.String("run_id", res.RunID),
		slog.Int("vendors", res.Vendors),
		slog.Int("anomalies", len(res.Anomalies)),
		slog.String("csv", res.CSVPath),
		slog.String("parquet", res.ParquetPath))
	return res, nil
}

func compare(vendor models.Vendor, storeProgress int64, state ledger.VendorState) (*ReportRow, []Anomaly) {
	row := &ReportRow{
		VendorID:      vendor.ID,
		Name:          vendor.Name,
		Wallet:        vendor.WalletAddress,
		StoreGoal:     vendor.MilestoneGoal,
		StoreProgress: storeProgress,
		StorePaid:     vendor.IsPaid,
	}
	anomaly := func(kind, details string) Anomaly {
		return Anomaly{Type: kind, VendorID: vendor.ID, Wallet: vendor.WalletAddress, Details: details}
	}
	if !state.Registered() {
		row.MissingOnChain = true
		return row, []Anomaly{anomaly(AnomalyMissingOnChain, "vendor is not registered on the contract")}
	}
	row.LedgerGoal = bigString(state.MilestoneGoal)
	row.LedgerProgress = bigString(state.CurrentProgress)
	row.LedgerPaid = state.IsPaid
	row.LedgerActive = state.IsActive

	var out []Anomaly
	if !equalsInt64(state.CurrentProgress, storeProgress) {
		row.ProgressMismatch = true
		out = append(out, anomaly(AnomalyProgressMismatch,
			fmt.Sprintf("store progress %d, ledger progress %s", storeProgress, row.LedgerProgress)))
	}
	if state.IsPaid != vendor.IsPaid {
		row.PaidMismatch = true
		out = append(out, anomaly(AnomalyPaidMismatch,
			fmt.Sprintf("store paid %t, ledger paid %t", vendor.IsPaid, state.IsPaid)))
	}
	if !equalsInt64(state.MilestoneGoal, vendor.MilestoneGoal) {
		row.GoalMismatch = true
		out = append(out, anomaly(AnomalyGoalMismatch,
			fmt.Sprintf("store goal %d, ledger goal %s", vendor.MilestoneGoal, row.LedgerGoal)))
	}
	return row, out
}

func equalsInt64(v *big.Int, want int64) bool {
	if v == nil {
		return want == 0
	}
	return v.Cmp(big.NewInt(want)) == 0
}

func bigString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

func writeCSV(path string, rows []*ReportRow) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("recon: create csv: %w", err)
	}
	defer file.Close()
	w := csv.NewWriter(file)
	header := []string{
		"vendor_id", "name", "wallet", "store_goal", "ledger_goal", "store_progress", "ledger_progress",
		"store_paid", "ledger_paid", "ledger_active", "missing_on_chain", "progress_mismatch", "paid_mismatch",
		"goal_mismatch",
	}
	if err := w.Write(header); err != nil {
		return fmt.Errorf("recon: write csv header: %w", err)
	}
	for _, row := range rows {
		record := []string{
			strconv.FormatUint(uint64(row.VendorID), 10),
			row.Name,
			row.Wallet,
			strconv.FormatInt(row.StoreGoal, 10),
			row.LedgerGoal,
			strconv.FormatInt(row.StoreProgress, 10),
			row.LedgerProgress,
			strconv.FormatBool(row.StorePaid),
			strconv.FormatBool(row.LedgerPaid),
			strconv.FormatBool(row.LedgerActive),
			strconv.FormatBool(row.MissingOnChain),
			strconv.FormatBool(row.ProgressMismatch),
			strconv.FormatBool(row.PaidMismatch),
			strconv.FormatBool(row.GoalMismatch),
		}
		if err := w.Write(record); err != nil {
			return fmt.Errorf("recon: write csv row: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("recon: flush csv: %w", err)
	}
	return nil
}

type parquetRow struct {
	VendorID         int64  `parquet:"name=vendor_id, type=INT64"`
	Name             string `parquet:"name=name, type=BYTE_ARRAY, convertedtype=UTF8"`
	Wallet           string `parquet:"name=wallet, type=BYTE_ARRAY, convertedtype=UTF8"`
	StoreGoal        int64  `parquet:"name=store_goal, type=INT64"`
	LedgerGoal       string `parquet:"name=ledger_goal, type=BYTE_ARRAY, convertedtype=UTF8"`
	StoreProgress    int64  `parquet:"name=store_progress, type=INT64"`
	LedgerProgress   string `parquet:"name=ledger_progress, type=BYTE_ARRAY, convertedtype=UTF8"`
	StorePaid        bool   `parquet:"name=store_paid, type=BOOLEAN"`
	LedgerPaid       bool   `parquet:"name=ledger_paid, type=BOOLEAN"`
	LedgerActive     bool   `parquet:"name=ledger_active, type=BOOLEAN"`
	MissingOnChain   bool   `parquet:"name=missing_on_chain, type=BOOLEAN"`
	ProgressMismatch bool   `parquet:"name=progress_mismatch, type=BOOLEAN"`
	PaidMismatch     bool   `parquet:"name=paid_mismatch, type=BOOLEAN"`
	GoalMismatch     bool   `parquet:"name=goal_mismatch, type=BOOLEAN"`
}

func writeParquet(path string, rows []*ReportRow) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("recon: create parquet: %w", err)
	}
	fw := writerfile.NewWriterFile(file)
	pw, err := writer.NewParquetWriter(fw, new(parquetRow), 1)
	if err != nil {
		file.Close()
		return fmt.Errorf("recon: parquet schema: %w", err)
	}
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	for _, row := range rows {
		pr := &parquetRow{
			VendorID:         int64(row.VendorID),
			Name:             row.Name,
			Wallet:           row.Wallet,
			StoreGoal:        row.StoreGoal,
			LedgerGoal:       row.LedgerGoal,
			StoreProgress:    row.StoreProgress,
			LedgerProgress:   row.LedgerProgress,
			StorePaid:        row.StorePaid,
			LedgerPaid:       row.LedgerPaid,
			LedgerActive:     row.LedgerActive,
			MissingOnChain:   row.MissingOnChain,
			ProgressMismatch: row.ProgressMismatch,
			PaidMismatch:     row.PaidMismatch,
			GoalMismatch:     row.GoalMismatch,
		}
		if err := pw.Write(pr); err != nil {
			pw.WriteStop()
			file.Close()
			return fmt.Errorf("recon: parquet write: %w", err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		file.Close()
		return fmt.Errorf("recon: parquet flush: %w", err)
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("recon: close parquet file: %w", err)
	}
	return nil
}
