package chain

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"arb-market/internal/models"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var ErrNotConfigured = errors.New("chain writer not configured: contract address is not set")

const (
	methodRecordOpportunity = "recordOpportunity"
	weiDecimals             = 18
)

// recordOpportunity(string,string,string,uint256,uint256,uint256,uint256)
const contractABI = `[{
	"type": "function",
	"name": "recordOpportunity",
	"stateMutability": "nonpayable",
	"inputs": [
		{"name": "symbol", "type": "string"},
		{"name": "buyExchange", "type": "string"},
		{"name": "sellExchange", "type": "string"},
		{"name": "buyPrice", "type": "uint256"},
		{"name": "sellPrice", "type": "uint256"},
		{"name": "profit", "type": "uint256"},
		{"name": "totalFee", "type": "uint256"}
	],
	"outputs": []
}]`

// Backend is what the writer needs from a node. *ethclient.Client satisfies it.
type Backend interface {
	bind.ContractBackend
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
}

type Config struct {
	RPCURL          string
	ChainID         int64
	ContractAddress string
	PrivateKey      string
}

// Writer submits opportunities to the recording contract. Submissions are
// serialized so pending nonces do not collide.
type Writer struct {
	backend  Backend
	abi      abi.ABI
	contract *bind.BoundContract
	address  common.Address
	key      *ecdsa.PrivateKey
	from     common.Address
	chainID  *big.Int
	audit    *zap.Logger

	mu sync.Mutex
}

// Dial connects to cfg.RPCURL and returns a ready writer
func Dial(ctx context.Context, cfg Config, audit *zap.Logger) (*Writer, error) {
	if cfg.ContractAddress == "" {
		return nil, ErrNotConfigured
	}

	client, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("dial ethclient: %w", err)
	}

	chainID := big.NewInt(cfg.ChainID)
	if cfg.ChainID == 0 {
		chainID, err = client.ChainID(ctx)
		if err != nil {
			client.Close()
			return nil, fmt.Errorf("read chain id: %w", err)
		}
	}

	w, err := NewWriter(client, cfg.ContractAddress, cfg.PrivateKey, chainID, audit)
	if err != nil {
		client.Close()
		return nil, err
	}
	return w, nil
}

func NewWriter(backend Backend, contractAddress, privateKey string, chainID *big.Int, audit *zap.Logger) (*Writer, error) {
	if contractAddress == "" {
		return nil, ErrNotConfigured
	}
	if !common.IsHexAddress(contractAddress) {
		return nil, fmt.Errorf("invalid contract address %q", contractAddress)
	}

	key, err := crypto.HexToECDSA(strings.TrimPrefix(privateKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("invalid private key: %w", err)
	}

	parsed, err := abi.JSON(strings.NewReader(contractABI))
	if err != nil {
		return nil, fmt.Errorf("parse abi: %w", err)
	}

	if audit == nil {
		audit = zap.NewNop()
	}

	address := common.HexToAddress(contractAddress)
	return &Writer{
		backend:  backend,
		abi:      parsed,
		contract: bind.NewBoundContract(address, parsed, backend, backend, backend),
		address:  address,
		key:      key,
		from:     crypto.PubkeyToAddress(key.PublicKey),
		chainID:  chainID,
		audit:    audit,
	}, nil
}

// From is the signer address
func (w *Writer) From() common.Address {
	return w.from
}

// Pack encodes the contract call for a route
func (w *Writer) Pack(symbol string, route models.ArbitrageRoute) ([]byte, error) {
	return w.abi.Pack(methodRecordOpportunity,
		symbol,
		route.BuyExchange,
		route.SellExchange,
		ToWei(route.BuyPrice),
		ToWei(route.SellPrice),
		ToWei(route.Profit),
		ToWei(route.TotalFee),
	)
}

// RecordOpportunity sends the transaction and returns its hash without
// waiting for it to be mined.
func (w *Writer) RecordOpportunity(ctx context.Context, symbol string, route models.ArbitrageRoute) (string, error) {
	fields := []zap.Field{
		zap.String("symbol", symbol),
		zap.String("buy_exchange", route.BuyExchange),
		zap.String("sell_exchange", route.SellExchange),
		zap.String("buy_price_wei", ToWei(route.BuyPrice).String()),
		zap.String("sell_price_wei", ToWei(route.SellPrice).String()),
		zap.String("profit_wei", ToWei(route.Profit).String()),
		zap.String("total_fee_wei", ToWei(route.TotalFee).String()),
		zap.String("contract", w.address.Hex()),
	}

	calldata, err := w.Pack(symbol, route)
	if err != nil {
		w.audit.Error("chain submission failed", append(fields, zap.Error(err))...)
		return "", fmt.Errorf("pack %s: %w", methodRecordOpportunity, err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	opts, err := bind.NewKeyedTransactorWithChainID(w.key, w.chainID)
	if err != nil {
		return "", fmt.Errorf("create transactor: %w", err)
	}
	opts.Context = ctx

	tx, err := w.contract.RawTransact(opts, calldata)
	if err != nil {
		w.audit.Error("chain submission failed", append(fields, zap.Error(err))...)
		return "", err
	}

	hash := tx.Hash().Hex()
	w.audit.Info("chain submission sent", append(fields, zap.String("tx_hash", hash), zap.Uint64("nonce", tx.Nonce()))...)
	return hash, nil
}

// Balance returns the signer balance in BNB
func (w *Writer) Balance(ctx context.Context) (string, error) {
	bal, err := w.backend.BalanceAt(ctx, w.from, nil)
	if err != nil {
		return "", fmt.Errorf("read balance: %w", err)
	}
	return FromWei(bal), nil
}

// ToWei converts a float amount to 18-decimal fixed point, truncated.
// Negative amounts clamp to zero since the contract takes uint256.
func ToWei(v float64) *big.Int {
	d := decimal.NewFromFloat(v)
	if d.Sign() <= 0 {
		return new(big.Int)
	}
	return d.Shift(weiDecimals).Truncate(0).BigInt()
}

func FromWei(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return decimal.NewFromBigInt(v, -weiDecimals).String()
}

// DisabledWriter is used when no contract is configured. Every write fails
// with ErrNotConfigured so the record ends up FAILED.
type DisabledWriter struct{}

func (DisabledWriter) RecordOpportunity(context.Context, string, models.ArbitrageRoute) (string, error) {
	return "", ErrNotConfigured
}

// NewAuditLogger builds the JSON audit stream. dest is "stdout", "stderr" or a file path.
func NewAuditLogger(dest string) (*zap.Logger, error) {
	if dest == "" {
		dest = "stdout"
	}
	cfg := zap.NewProductionConfig()
	cfg.Sampling = nil
	cfg.OutputPaths = []string{dest}
	cfg.ErrorOutputPaths = []string{"stderr"}
	logger, err := cfg.Build()
	if err != nil {
		return nil, err
	}
	return logger.Named("chain-audit"), nil
}
