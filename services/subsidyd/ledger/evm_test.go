package ledger

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	gethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"

	"subsidychain/observability/logging"
)

type fakeBackend struct {
	mu       sync.Mutex
	chainID  *big.Int
	nonce    uint64
	head     uint64
	sent     []*gethtypes.Transaction
	status   uint64
	notFound int
	polls    int
	sendErr  error
	callOut  []byte
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{chainID: big.NewInt(1337), head: 10, status: gethtypes.ReceiptStatusSuccessful}
}

func (f *fakeBackend) ChainID(context.Context) (*big.Int, error) { return f.chainID, nil }

func (f *fakeBackend) PendingNonceAt(context.Context, common.Address) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.nonce, nil
}

func (f *fakeBackend) SuggestGasPrice(context.Context) (*big.Int, error) {
	return big.NewInt(1_000_000_000), nil
}

func (f *fakeBackend) EstimateGas(context.Context, ethereum.CallMsg) (uint64, error) {
	return 100_000, nil
}

func (f *fakeBackend) SendTransaction(_ context.Context, tx *gethtypes.Transaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, tx)
	f.nonce++
	return nil
}

func (f *fakeBackend) TransactionReceipt(_ context.Context, hash common.Hash) (*gethtypes.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.polls++
	if f.polls <= f.notFound {
		return nil, ethereum.NotFound
	}
	return &gethtypes.Receipt{
		Status:      f.status,
		TxHash:      hash,
		BlockNumber: new(big.Int).SetUint64(f.head),
		GasUsed:     42_000,
	}, nil
}

func (f *fakeBackend) HeaderByNumber(context.Context, *big.Int) (*gethtypes.Header, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.head++
	return &gethtypes.Header{Number: new(big.Int).SetUint64(f.head)}, nil
}

func (f *fakeBackend) CallContract(context.Context, ethereum.CallMsg, *big.Int) ([]byte, error) {
	return f.callOut, nil
}

type recordingMetrics struct {
	mu       sync.Mutex
	outcomes []string
}

func (m *recordingMetrics) ObserveLedgerTx(method, outcome string, _ time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.outcomes = append(m.outcomes, method+":"+outcome)
}

func newTestClient(t *testing.T, backend *fakeBackend, confirmations uint64) (*EVMClient, *recordingMetrics) {
	t.Helper()
	key, err := gethcrypto.GenerateKey()
	require.NoError(t, err)
	metrics := &recordingMetrics{}
	client, err := NewEVMClient(context.Background(), backend, key, Config{
		Contract:       common.HexToAddress("0x5FbDB2315678afecb367f032d93F642f64180aa3"),
		Confirmations:  confirmations,
		PollInterval:   time.Millisecond,
		ConfirmTimeout: time.Second,
	}, logging.Discard(), metrics)
	require.NoError(t, err)
	return client, metrics
}

func TestReportProgressSignsAndConfirms(t *testing.T) {
	backend := newFakeBackend()
	backend.notFound = 2
	client, metrics := newTestClient(t, backend, 1)
	wallet := common.HexToAddress("0x70997970C51812dc3A010C7d01b50e0d17dc79C8")

	receipt, err := client.ReportProgress(context.Background(), wallet, big.NewInt(30))
	require.NoError(t, err)
	require.Len(t, backend.sent, 1)
	tx := backend.sent[0]
	require.Equal(t, tx.Hash(), receipt.TxHash)
	require.Equal(t, uint64(10), receipt.BlockNumber)
	require.Equal(t, uint64(42_000), receipt.GasUsed)
	require.Equal(t, uint64(120_000), tx.Gas())

	sender, err := gethtypes.Sender(gethtypes.LatestSignerForChainID(big.NewInt(1337)), tx)
	require.NoError(t, err)
	require.Equal(t, client.From(), sender)
	require.Equal(t, client.ContractAddress(), *tx.To())

	method, err := client.abi.MethodById(tx.Data()[:4])
	require.NoError(t, err)
	require.Equal(t, MethodUpdateProgress, method.Name)
	args, err := method.Inputs.Unpack(tx.Data()[4:])
	require.NoError(t, err)
	require.Equal(t, wallet, args[0])
	require.Equal(t, 0, big.NewInt(30).Cmp(args[1].(*big.Int)))

	require.Equal(t, []string{"updateProgress:confirmed"}, metrics.outcomes)
}

func TestRegisterVendorPacksArguments(t *testing.T) {
	backend := newFakeBackend()
	client, _ := newTestClient(t, backend, 1)
	wallet := common.HexToAddress("0x3C44CdDdB6a900fa2b585dd299e03d12FA4293BC")
	reward, err := ToWei("1.5")
	require.NoError(t, err)

	_, err = client.RegisterVendor(context.Background(), wallet, big.NewInt(100), reward)
	require.NoError(t, err)

	data := backend.sent[0].Data()
	method, err := client.abi.MethodById(data[:4])
	require.NoError(t, err)
	require.Equal(t, MethodAddVendor, method.Name)
	args, err := method.Inputs.Unpack(data[4:])
	require.NoError(t, err)
	require.Equal(t, wallet, args[0])
	require.Equal(t, "100", args[1].(*big.Int).String())
	require.Equal(t, "1500000000000000000", args[2].(*big.Int).String())
}

func TestSequentialTransactionsUseIncreasingNonces(t *testing.T) {
	backend := newFakeBackend()
	client, _ := newTestClient(t, backend, 1)
	wallet := common.HexToAddress("0x70997970C51812dc3A010C7d01b50e0d17dc79C8")

	var wg sync.WaitGroup
	errs := make(chan error, 5)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := client.ReportProgress(context.Background(), wallet, big.NewInt(1))
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	seen := map[uint64]bool{}
	for _, tx := range backend.sent {
		seen[tx.Nonce()] = true
	}
	require.Len(t, seen, 5)
}

func TestRevertedTransactionFails(t *testing.T) {
	backend := newFakeBackend()
	backend.status = gethtypes.ReceiptStatusFailed
	client, metrics := newTestClient(t, backend, 1)

	_, err := client.ReportProgress(context.Background(), common.HexToAddress("0x01"), big.NewInt(5))
	require.ErrorIs(t, err, ErrReverted)
	require.Equal(t, []string{"updateProgress:reverted"}, metrics.outcomes)
}

func TestSendFailureIsReported(t *testing.T) {
	backend := newFakeBackend()
	backend.sendErr = errors.New("insufficient funds")
	client, metrics := newTestClient(t, backend, 1)

	_, err := client.ReportProgress(context.Background(), common.HexToAddress("0x01"), big.NewInt(5))
	require.ErrorContains(t, err, "insufficient funds")
	require.Equal(t, []string{"updateProgress:send_failed"}, metrics.outcomes)
}

func TestConfirmationDepthIsAwaited(t *testing.T) {
	backend := newFakeBackend()
	client, _ := newTestClient(t, backend, 3)

	_, err := client.ReportProgress(context.Background(), common.HexToAddress("0x01"), big.NewInt(5))
	require.NoError(t, err)
	// receipt at block 10 needs head 12; every header fetch advances the fake chain by one.
	require.GreaterOrEqual(t, backend.head, uint64(12))
}

func TestUnminedTransactionTimesOut(t *testing.T) {
	backend := newFakeBackend()
	backend.notFound = 1 << 30
	client, metrics := newTestClient(t, backend, 1)
	client.cfg.ConfirmTimeout = 20 * time.Millisecond

	_, err := client.ReportProgress(context.Background(), common.HexToAddress("0x01"), big.NewInt(5))
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Equal(t, []string{"updateProgress:unconfirmed"}, metrics.outcomes)
}

func TestReportProgressRejectsNonPositiveDelta(t *testing.T) {
	backend := newFakeBackend()
	client, _ := newTestClient(t, backend, 1)

	_, err := client.ReportProgress(context.Background(), common.HexToAddress("0x01"), big.NewInt(0))
	require.Error(t, err)
	require.Empty(t, backend.sent)
}

func TestVendorStateDecodesTuple(t *testing.T) {
	backend := newFakeBackend()
	client, _ := newTestClient(t, backend, 1)
	wallet := common.HexToAddress("0x70997970C51812dc3A010C7d01b50e0d17dc79C8")

	packed, err := client.abi.Methods[MethodVendors].Outputs.Pack(
		wallet, big.NewInt(100), big.NewInt(70), big.NewInt(5), false, true)
	require.NoError(t, err)
	backend.callOut = packed

	state, err := client.VendorState(context.Background(), wallet)
	require.NoError(t, err)
	require.True(t, state.Registered())
	require.Equal(t, wallet, state.ProducerAddress)
	require.Equal(t, int64(100), state.MilestoneGoal.Int64())
	require.Equal(t, int64(70), state.CurrentProgress.Int64())
	require.False(t, state.IsPaid)
	require.True(t, state.IsActive)
}

func TestFuncClientWithoutCallbacks(t *testing.T) {
	var client FuncClient
	_, err := client.ReportProgress(context.Background(), common.Address{}, big.NewInt(1))
	require.ErrorIs(t, err, ErrNotConfigured)
}
