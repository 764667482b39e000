package recon

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/xitongsys/parquet-go-source/local"
	"github.com/xitongsys/parquet-go/reader"

	"subsidychain/observability/logging"
	"subsidychain/services/subsidyd/ledger"
	"subsidychain/services/subsidyd/models"
	"subsidychain/services/subsidyd/store"
)

func setupReconStore(t *testing.T) *store.Store {
	t.Helper()
	db, err := store.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString()), store.Options{MaxOpenConns: 1})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	return store.New(db)
}

func seedVendor(t *testing.T, st *store.Store, wallet string, goal int64, progress ...int64) *models.Vendor {
	t.Helper()
	ctx := context.Background()
	vendor := &models.Vendor{Name: "Vendor " + wallet[:6], WalletAddress: wallet, MilestoneGoal: goal, RewardAmount: "1", IsActive: true}
	if err := st.CreateVendor(ctx, vendor, nil, nil); err != nil {
		t.Fatalf("create vendor: %v", err)
	}
	for _, p := range progress {
		if err := st.AppendProgress(ctx, &models.ProgressLog{VendorID: vendor.ID, Progress: p, Timestamp: time.Now()}); err != nil {
			t.Fatalf("append progress: %v", err)
		}
	}
	return vendor
}

type chainState map[common.Address]ledger.VendorState

func (c chainState) reader() ledger.Reader {
	return ledger.FuncClient{VendorStateFunc: func(_ context.Context, wallet common.Address) (ledger.VendorState, error) {
		return c[wallet], nil
	}}
}

func onChain(wallet string, goal, progress int64, paid bool) ledger.VendorState {
	return ledger.VendorState{
		ProducerAddress: common.HexToAddress(wallet),
		MilestoneGoal:   big.NewInt(goal),
		CurrentProgress: big.NewInt(progress),
		RewardAmount:    big.NewInt(1),
		IsPaid:          paid,
		IsActive:        true,
	}
}

type anomalyCounter map[string]int

func (a anomalyCounter) RecordAnomaly(kind string) { a[kind]++ }

const (
	walletA = "0x70997970C51812dc3A010C7d01b50e0d17dc79C8"
	walletB = "0x3C44CdDdB6a900fa2b585dd299e03d12FA4293BC"
	walletC = "0x90F79bf6EB2c4f870365E785982E1f101E93b906"
)

func TestReconcilerDryRunNoAnomalies(t *testing.T) {
	st := setupReconStore(t)
	seedVendor(t, st, walletA, 100, 30, 45)
	chain := chainState{common.HexToAddress(walletA): onChain(walletA, 100, 75, false)}

	outDir := filepath.Join(t.TempDir(), "recon")
	reconciler, err := NewReconciler(Config{
		Source:    st,
		Ledger:    chain.reader(),
		OutputDir: outDir,
		DryRun:    true,
		Logger:    logging.Discard(),
	})
	if err != nil {
		t.Fatalf("new reconciler: %v", err)
	}
	res, err := reconciler.Run(context.Background(), RunOptions{})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(res.Anomalies) != 0 {
		t.Fatalf("expected no anomalies, got %+v", res.Anomalies)
	}
	if res.CSVPath != "" || res.ParquetPath != "" {
		t.Fatalf("expected no files in dry-run, got %q %q", res.CSVPath, res.ParquetPath)
	}
	if _, err := os.Stat(outDir); !os.IsNotExist(err) {
		t.Fatalf("dry-run must not create the output dir")
	}
}

func TestReconcilerDetectsAnomaliesAndWritesReports(t *testing.T) {
	st := setupReconStore(t)
	a := seedVendor(t, st, walletA, 100, 30)
	b := seedVendor(t, st, walletB, 50, 10)
	seedVendor(t, st, walletC, 10)
	if _, err := st.MarkPaid(context.Background(), b.ID); err != nil {
		t.Fatalf("mark paid: %v", err)
	}
	chain := chainState{
		common.HexToAddress(walletA): onChain(walletA, 100, 37, false),
		common.HexToAddress(walletB): onChain(walletB, 60, 10, false),
	}

	counter := anomalyCounter{}
	var alerts []Anomaly
	outDir := filepath.Join(t.TempDir(), "recon")
	reconciler, err := NewReconciler(Config{
		Source:    st,
		Ledger:    chain.reader(),
		OutputDir: outDir,
		Metrics:   counter,
		Logger:    logging.Discard(),
		Alert: func(_ context.Context, anomaly Anomaly) error {
			alerts = append(alerts, anomaly)
			return nil
		},
	})
	if err != nil {
		t.Fatalf("new reconciler: %v", err)
	}
	res, err := reconciler.Run(context.Background(), RunOptions{})
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	byType := map[string]uint{}
	for _, anomaly := range res.Anomalies {
		byType[anomaly.Type] = anomaly.VendorID
	}
	if byType[AnomalyProgressMismatch] != a.ID {
		t.Fatalf("expected progress mismatch for vendor %d, got %+v", a.ID, res.Anomalies)
	}
	if byType[AnomalyPaidMismatch] != b.ID || byType[AnomalyGoalMismatch] != b.ID {
		t.Fatalf("expected paid and goal mismatch for vendor %d, got %+v", b.ID, res.Anomalies)
	}
	if _, ok := byType[AnomalyMissingOnChain]; !ok {
		t.Fatalf("expected missing_on_chain anomaly, got %+v", res.Anomalies)
	}
	if len(res.Anomalies) != 4 || len(alerts) != 4 {
		t.Fatalf("expected 4 anomalies and alerts, got %d and %d", len(res.Anomalies), len(alerts))
	}
	if counter[AnomalyMissingOnChain] != 1 || counter[AnomalyGoalMismatch] != 1 {
		t.Fatalf("unexpected anomaly counts %+v", counter)
	}

	file, err := os.Open(res.CSVPath)
	if err != nil {
		t.Fatalf("open csv: %v", err)
	}
	defer file.Close()
	records, err := csv.NewReader(file).ReadAll()
	if err != nil {
		t.Fatalf("read csv: %v", err)
	}
	if len(records) != 4 {
		t.Fatalf("expected header plus 3 rows, got %d", len(records))
	}

	pf, err := local.NewLocalFileReader(res.ParquetPath)
	if err != nil {
		t.Fatalf("open parquet: %v", err)
	}
	defer pf.Close()
	pr, err := reader.NewParquetReader(pf, new(parquetRow), 1)
	if err != nil {
		t.Fatalf("parquet reader: %v", err)
	}
	defer pr.ReadStop()
	if pr.GetNumRows() != 3 {
		t.Fatalf("expected 3 parquet rows, got %d", pr.GetNumRows())
	}
}

func TestReconcilerFailsWhenLedgerUnreachable(t *testing.T) {
	st := setupReconStore(t)
	seedVendor(t, st, walletA, 100)
	reconciler, err := NewReconciler(Config{
		Source: st,
		Ledger: ledger.FuncClient{VendorStateFunc: func(context.Context, common.Address) (ledger.VendorState, error) {
			return ledger.VendorState{}, errors.New("connection refused")
		}},
		Logger: logging.Discard(),
	})
	if err != nil {
		t.Fatalf("new reconciler: %v", err)
	}
	if _, err := reconciler.Run(context.Background(), RunOptions{DryRun: true}); err == nil {
		t.Fatalf("expected error when the ledger is unreachable")
	}
}

func TestSchedulerNextRun(t *testing.T) {
	s := NewScheduler(SchedulerConfig{RunHour: 2, RunMinute: 30})
	before := time.Date(2025, 1, 10, 1, 0, 0, 0, time.UTC)
	if got := s.nextRun(before); !got.Equal(time.Date(2025, 1, 10, 2, 30, 0, 0, time.UTC)) {
		t.Fatalf("unexpected next run %v", got)
	}
	after := time.Date(2025, 1, 10, 2, 30, 0, 0, time.UTC)
	if got := s.nextRun(after); !got.Equal(time.Date(2025, 1, 11, 2, 30, 0, 0, time.UTC)) {
		t.Fatalf("unexpected next run %v", got)
	}
	if clamp(99, 0, 23) != 23 || clamp(-1, 0, 59) != 0 {
		t.Fatalf("clamp out of range")
	}
}
