package chain

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"

	"arb-market/internal/models"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

const (
	testKey      = "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"
	testContract = "0x00000000000000000000000000000000000000aa"
)

// fakeBackend accepts every transaction and records it
type fakeBackend struct {
	mu      sync.Mutex
	sent    []*types.Transaction
	sendErr error
	code    []byte
	balance *big.Int
}

func (f *fakeBackend) CodeAt(context.Context, common.Address, *big.Int) ([]byte, error) {
	return f.code, nil
}

func (f *fakeBackend) CallContract(context.Context, ethereum.CallMsg, *big.Int) ([]byte, error) {
	return nil, nil
}

func (f *fakeBackend) HeaderByNumber(context.Context, *big.Int) (*types.Header, error) {
	return &types.Header{Number: big.NewInt(1), BaseFee: big.NewInt(1_000_000_000)}, nil
}

func (f *fakeBackend) PendingCodeAt(context.Context, common.Address) ([]byte, error) {
	return f.code, nil
}

func (f *fakeBackend) PendingNonceAt(context.Context, common.Address) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return uint64(len(f.sent)), nil
}

func (f *fakeBackend) SuggestGasPrice(context.Context) (*big.Int, error) {
	return big.NewInt(1_000_000_000), nil
}

func (f *fakeBackend) SuggestGasTipCap(context.Context) (*big.Int, error) {
	return big.NewInt(1_000_000_000), nil
}

func (f *fakeBackend) EstimateGas(context.Context, ethereum.CallMsg) (uint64, error) {
	return 120_000, nil
}

func (f *fakeBackend) SendTransaction(_ context.Context, tx *types.Transaction) error {
	if f.sendErr != nil {
		return f.sendErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, tx)
	return nil
}

func (f *fakeBackend) FilterLogs(context.Context, ethereum.FilterQuery) ([]types.Log, error) {
	return nil, nil
}

func (f *fakeBackend) SubscribeFilterLogs(context.Context, ethereum.FilterQuery, chan<- types.Log) (ethereum.Subscription, error) {
	return nil, errors.New("not supported")
}

func (f *fakeBackend) BalanceAt(context.Context, common.Address, *big.Int) (*big.Int, error) {
	return f.balance, nil
}

func newTestWriter(t *testing.T, backend *fakeBackend) (*Writer, *observer.ObservedLogs) {
	t.Helper()
	core, logs := observer.New(zapcore.InfoLevel)
	w, err := NewWriter(backend, testContract, "0x"+testKey, big.NewInt(97), zap.New(core))
	require.NoError(t, err)
	return w, logs
}

var testRoute = models.ArbitrageRoute{
	BuyExchange:  "binance",
	SellExchange: "okx",
	BuyPrice:     100,
	SellPrice:    105.5,
	Profit:       4.795,
	TotalFee:     0.2055,
}

func TestToWei(t *testing.T) {
	assert.Equal(t, "100000000000000000000", ToWei(100).String())
	assert.Equal(t, "4795000000000000000", ToWei(4.795).String())
	assert.Equal(t, "0", ToWei(-1.5).String())
	assert.Equal(t, "0", ToWei(0).String())

	assert.Equal(t, "1.5", FromWei(big.NewInt(1_500_000_000_000_000_000)))
	assert.Equal(t, "0", FromWei(nil))
}

func TestNewWriterValidation(t *testing.T) {
	_, err := NewWriter(&fakeBackend{}, "", testKey, big.NewInt(97), nil)
	assert.ErrorIs(t, err, ErrNotConfigured)

	_, err = NewWriter(&fakeBackend{}, "not-an-address", testKey, big.NewInt(97), nil)
	assert.Error(t, err)

	_, err = NewWriter(&fakeBackend{}, testContract, "zz", big.NewInt(97), nil)
	assert.Error(t, err)
}

func TestRecordOpportunitySendsCall(t *testing.T) {
	backend := &fakeBackend{code: []byte{0x60, 0x80}, balance: big.NewInt(0)}
	w, logs := newTestWriter(t, backend)

	key, err := crypto.HexToECDSA(testKey)
	require.NoError(t, err)
	assert.Equal(t, crypto.PubkeyToAddress(key.PublicKey), w.From())

	hash, err := w.RecordOpportunity(context.Background(), "BTCUSDT", testRoute)
	require.NoError(t, err)

	require.Len(t, backend.sent, 1)
	tx := backend.sent[0]
	assert.Equal(t, hash, tx.Hash().Hex())
	assert.Equal(t, common.HexToAddress(testContract), *tx.To())
	assert.Equal(t, big.NewInt(97), tx.ChainId())

	method := w.abi.Methods[methodRecordOpportunity]
	require.Equal(t, method.ID, tx.Data()[:4])
	args, err := method.Inputs.Unpack(tx.Data()[4:])
	require.NoError(t, err)
	assert.Equal(t, "BTCUSDT", args[0])
	assert.Equal(t, "binance", args[1])
	assert.Equal(t, "okx", args[2])
	assert.Equal(t, ToWei(100), args[3])
	assert.Equal(t, ToWei(105.5), args[4])
	assert.Equal(t, ToWei(4.795), args[5])
	assert.Equal(t, ToWei(0.2055), args[6])

	entries := logs.FilterMessage("chain submission sent").All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, hash, fields["tx_hash"])
	assert.Equal(t, "BTCUSDT", fields["symbol"])
	assert.Equal(t, "100000000000000000000", fields["buy_price_wei"])
}

func TestRecordOpportunityAuditsFailure(t *testing.T) {
	backend := &fakeBackend{code: []byte{0x60}, sendErr: errors.New("insufficient funds for gas")}
	w, logs := newTestWriter(t, backend)

	_, err := w.RecordOpportunity(context.Background(), "ETHUSDT", testRoute)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "insufficient funds")

	entries := logs.FilterMessage("chain submission failed").All()
	require.Len(t, entries, 1)
	assert.Equal(t, zapcore.ErrorLevel, entries[0].Level)
	assert.Equal(t, "ETHUSDT", entries[0].ContextMap()["symbol"])
}

func TestRecordOpportunityWithoutContractCode(t *testing.T) {
	w, _ := newTestWriter(t, &fakeBackend{})

	_, err := w.RecordOpportunity(context.Background(), "BTCUSDT", testRoute)
	assert.Error(t, err)
}

func TestBalance(t *testing.T) {
	backend := &fakeBackend{balance: new(big.Int).Mul(big.NewInt(25), big.NewInt(100_000_000_000_000_000))}
	w, _ := newTestWriter(t, backend)

	bal, err := w.Balance(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "2.5", bal)
}

func TestDisabledWriter(t *testing.T) {
	_, err := DisabledWriter{}.RecordOpportunity(context.Background(), "BTCUSDT", testRoute)
	assert.ErrorIs(t, err, ErrNotConfigured)
}

func TestNewAuditLogger(t *testing.T) {
	logger, err := NewAuditLogger("stderr")
	require.NoError(t, err)
	assert.NotNil(t, logger)
}
