package store

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"subsidychain/services/subsidyd/models"
)

func setupTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := Open(dsn, Options{MaxOpenConns: 1})
	require.NoError(t, err)
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	return New(db)
}

func newVendor(wallet string) *models.Vendor {
	return &models.Vendor{
		Name:          "Acme Farms",
		WalletAddress: wallet,
		MilestoneGoal: 100,
		RewardAmount:  "50",
		IsActive:      true,
	}
}

func newAccount(email string) *models.User {
	return &models.User{Name: "Acme Farms", Email: email, PasswordHash: "x", Role: models.RoleProducer}
}

func TestCreateVendorCommitsBothRows(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	vendor := newVendor("0x00000000000000000000000000000000000000A1")
	called := false
	err := s.CreateVendor(ctx, vendor, newAccount("acme@example.org"), func(_ context.Context, v *models.Vendor) error {
		called = true
		require.NotZero(t, v.ID, "vendor id must be assigned before the confirm hook runs")
		return nil
	})
	require.NoError(t, err)
	require.True(t, called)

	loaded, err := s.VendorByID(ctx, vendor.ID)
	require.NoError(t, err)
	require.Equal(t, vendor.WalletAddress, loaded.WalletAddress)
	require.True(t, loaded.IsActive)
	require.False(t, loaded.IsPaid)

	_, err = s.UserByEmail(ctx, "acme@example.org")
	require.NoError(t, err)
}

func TestCreateVendorRollsBackWhenConfirmFails(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	vendor := newVendor("0x00000000000000000000000000000000000000A2")
	boom := errors.New("ledger rejected")
	err := s.CreateVendor(ctx, vendor, newAccount("a2@example.org"), func(context.Context, *models.Vendor) error {
		return boom
	})
	require.ErrorIs(t, err, boom)
	require.Zero(t, vendor.ID)

	vendors, err := s.ListVendors(ctx)
	require.NoError(t, err)
	require.Empty(t, vendors)
	_, err = s.UserByEmail(ctx, "a2@example.org")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestCreateVendorDuplicateWalletIsConflict(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	wallet := "0x00000000000000000000000000000000000000A3"

	require.NoError(t, s.CreateVendor(ctx, newVendor(wallet), newAccount("first@example.org"), nil))
	err := s.CreateVendor(ctx, newVendor(wallet), newAccount("second@example.org"), nil)
	require.ErrorIs(t, err, ErrConflict)

	_, err = s.UserByEmail(ctx, "second@example.org")
	require.ErrorIs(t, err, ErrNotFound, "account insert must roll back with the vendor")
}

func TestCreateVendorDuplicateEmailIsConflict(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateVendor(ctx, newVendor("0x00000000000000000000000000000000000000B1"), newAccount("dup@example.org"), nil))
	err := s.CreateVendor(ctx, newVendor("0x00000000000000000000000000000000000000B2"), newAccount("dup@example.org"), nil)
	require.ErrorIs(t, err, ErrConflict)

	vendors, err := s.ListVendors(ctx)
	require.NoError(t, err)
	require.Len(t, vendors, 1)
}

func TestTotalProgressSumsLog(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	vendor := newVendor("0x00000000000000000000000000000000000000C1")
	require.NoError(t, s.CreateVendor(ctx, vendor, nil, nil))

	total, err := s.TotalProgress(ctx, vendor.ID)
	require.NoError(t, err)
	require.Zero(t, total)

	for _, delta := range []int64{30, 45, 25} {
		require.NoError(t, s.AppendProgress(ctx, &models.ProgressLog{VendorID: vendor.ID, Progress: delta, Timestamp: time.Now().UTC()}))
	}
	total, err = s.TotalProgress(ctx, vendor.ID)
	require.NoError(t, err)
	require.Equal(t, int64(100), total)

	totals, err := s.ProgressTotals(ctx)
	require.NoError(t, err)
	require.Equal(t, map[uint]int64{vendor.ID: 100}, totals)

	_, err = s.TotalProgress(ctx, vendor.ID+1)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestMarkPaid(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	vendor := newVendor("0x00000000000000000000000000000000000000D1")
	require.NoError(t, s.CreateVendor(ctx, vendor, nil, nil))

	already, err := s.MarkPaid(ctx, vendor.ID)
	require.NoError(t, err)
	require.False(t, already)

	already, err = s.MarkPaid(ctx, vendor.ID)
	require.NoError(t, err)
	require.True(t, already)

	loaded, err := s.VendorByID(ctx, vendor.ID)
	require.NoError(t, err)
	require.True(t, loaded.IsPaid)

	_, err = s.MarkPaid(ctx, 9999)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestListVendorsNewestFirst(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	first := newVendor("0x00000000000000000000000000000000000000E1")
	second := newVendor("0x00000000000000000000000000000000000000E2")
	require.NoError(t, s.CreateVendor(ctx, first, nil, nil))
	require.NoError(t, s.CreateVendor(ctx, second, nil, nil))

	vendors, err := s.ListVendors(ctx)
	require.NoError(t, err)
	require.Len(t, vendors, 2)
	require.Equal(t, second.ID, vendors[0].ID)
	require.Equal(t, first.ID, vendors[1].ID)
}

func TestResetClearsEverything(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	vendor := newVendor("0x00000000000000000000000000000000000000F1")
	require.NoError(t, s.CreateVendor(ctx, vendor, newAccount("f1@example.org"), nil))
	require.NoError(t, s.AppendProgress(ctx, &models.ProgressLog{VendorID: vendor.ID, Progress: 5, Timestamp: time.Now().UTC()}))

	require.NoError(t, s.Reset(ctx))

	vendors, err := s.ListVendors(ctx)
	require.NoError(t, err)
	require.Empty(t, vendors)
	_, err = s.UserByEmail(ctx, "f1@example.org")
	require.ErrorIs(t, err, ErrNotFound)
	var logs int64
	require.NoError(t, s.DB().Model(&models.ProgressLog{}).Count(&logs).Error)
	require.Zero(t, logs)
	_, err = s.TotalProgress(ctx, vendor.ID)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestUpdatePasswordHash(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateUser(ctx, newAccount("pw@example.org")))
	require.NoError(t, s.UpdatePasswordHash(ctx, "pw@example.org", "y"))
	user, err := s.UserByEmail(ctx, "pw@example.org")
	require.NoError(t, err)
	require.Equal(t, "y", user.PasswordHash)

	require.ErrorIs(t, s.UpdatePasswordHash(ctx, "missing@example.org", "z"), ErrNotFound)
	require.ErrorIs(t, s.CreateUser(ctx, newAccount("pw@example.org")), ErrConflict)
}

func TestDialectorSelection(t *testing.T) {
	require.Equal(t, "postgres", Dialector("postgres://user:pw@localhost:5432/subsidy").Name())
	require.Equal(t, "sqlite", Dialector("sqlite://data.db").Name())
	require.Equal(t, "sqlite", Dialector("file:test?mode=memory").Name())
}
