package fleet

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/gateway-fm/txfleet/internal/metrics"
	"github.com/gateway-fm/txfleet/internal/nonce"
	"github.com/gateway-fm/txfleet/internal/pool"
	"github.com/gateway-fm/txfleet/internal/rpc"
	"github.com/gateway-fm/txfleet/internal/storage"
)

// DefaultReceiptInterval is how often a sent transaction's receipt is polled.
const DefaultReceiptInterval = 500 * time.Millisecond

var errReverted = errors.New("transaction reverted")

// GasConfig sets transaction fees. Nil caps are derived from eth_gasPrice
// on every send.
type GasConfig struct {
	TipCap *big.Int
	FeeCap *big.Int
	Legacy bool
}

// TaskContext is what a task gets to work with: one wallet binding, its
// nonce shard and the shared store.
type TaskContext struct {
	WorkerID        string
	Binding         *pool.Binding
	Nonces          *nonce.Manager
	Store           storage.Storage // may be nil
	Gas             GasConfig
	ReceiptInterval time.Duration
	Prom            *metrics.PrometheusMetrics
	Logger          *slog.Logger

	transmitted atomic.Bool
}

// Address returns the wallet address.
func (tc *TaskContext) Address() common.Address {
	return tc.Binding.Account.Address
}

// Client returns the wallet's RPC client.
func (tc *TaskContext) Client() rpc.Client {
	return tc.Binding.Client
}

// Transmitted reports whether a transaction may have reached the node.
func (tc *TaskContext) Transmitted() bool {
	return tc.transmitted.Load()
}

// TxRequest describes one transaction. A nil To deploys a contract.
type TxRequest struct {
	To       *common.Address
	Value    *big.Int
	Data     []byte
	GasLimit uint64
	// NoWait returns right after submission without polling the receipt.
	NoWait bool
}

// Sent is a submitted transaction.
type Sent struct {
	Hash    string
	Nonce   uint64
	Receipt *rpc.TransactionReceipt
}

// Send signs and submits req with a freshly reserved nonce and, unless
// NoWait is set, waits for the receipt. A stale-nonce rejection reconciles
// the nonce manager and is retried once.
func (tc *TaskContext) Send(ctx context.Context, req TxRequest) (*Sent, error) {
	sent, err := tc.sendOnce(ctx, req)
	if err != nil && Classify(err) == KindNonceConflict {
		tc.logger().Debug("Retrying after nonce reconciliation",
			slog.String("worker", tc.WorkerID),
			slog.String("wallet", tc.Address().Hex()))
		sent, err = tc.sendOnce(ctx, req)
	}
	return sent, err
}

func (tc *TaskContext) sendOnce(ctx context.Context, req TxRequest) (*Sent, error) {
	addr := tc.Address()
	res, ok := tc.Nonces.Reserve(addr)
	if !ok {
		return nil, tc.wrap(KindResourceExhausted, 0, ErrNotInitialized)
	}
	n := res.Nonce()

	tip, feeCap, err := tc.fees(ctx)
	if err != nil {
		res.Release()
		return nil, tc.wrap(Classify(err), n, fmt.Errorf("failed to get gas price: %w", err))
	}

	value := req.Value
	if value == nil {
		value = new(big.Int)
	}
	tx := newTx(tc.Binding.ChainID, n, req.To, value, req.GasLimit, tip, feeCap, req.Data, tc.Gas.Legacy)
	signed, err := types.SignTx(tx, tc.Binding.Signer, tc.Binding.Account.PrivateKey)
	if err != nil {
		res.Release()
		return nil, tc.wrap(KindFatal, n, fmt.Errorf("failed to sign: %w", err))
	}
	raw, err := signed.MarshalBinary()
	if err != nil {
		res.Release()
		return nil, tc.wrap(KindFatal, n, fmt.Errorf("failed to encode: %w", err))
	}

	hash, err := tc.Client().SendRawTransaction(ctx, raw)
	if err != nil {
		kind := Classify(err)
		var rpcErr *rpc.RPCError
		if !errors.As(err, &rpcErr) {
			// The node may have received it before the transport failed, so
			// the nonce stays in flight and is never handed out again.
			tc.transmitted.Store(true)
			res.MarkSubmitted()
			return nil, tc.wrap(kind, n, err)
		}
		if kind == KindNonceConflict {
			tc.reconcile(ctx, n, err)
		}
		res.Release()
		return nil, tc.wrap(kind, n, err)
	}
	tc.transmitted.Store(true)
	res.MarkSubmitted()

	sent := &Sent{Hash: hash, Nonce: n}
	if req.NoWait {
		return sent, nil
	}

	interval := tc.ReceiptInterval
	if interval <= 0 {
		interval = DefaultReceiptInterval
	}
	receipt, err := rpc.WaitForReceipt(ctx, tc.Client(), hash, interval)
	if err != nil {
		return sent, tc.wrap(Classify(err), n, fmt.Errorf("waiting for %s: %w", hash, err))
	}
	sent.Receipt = receipt
	tc.Nonces.Confirm(addr, n)
	if receipt.Status == 0 {
		return sent, tc.wrap(KindFailed, n, fmt.Errorf("%w: %s", errReverted, hash))
	}
	return sent, nil
}

// reconcile brings the nonce manager back in line with the chain after a
// stale-nonce rejection of attempted.
func (tc *TaskContext) reconcile(ctx context.Context, attempted uint64, cause error) {
	addr := tc.Address()
	if tc.Prom != nil {
		tc.Prom.NonceMismatches.Inc()
	}
	if next, _, ok := ParseNonceTooLow(cause.Error()); ok {
		tc.Nonces.HandleMismatch(addr, attempted, next)
		return
	}

	tc.Nonces.MarkFailed(addr, attempted, cause.Error(), false)

	// "latest" moves the confirmed watermark, "pending" the allocation one.
	if mined, err := tc.Client().GetConfirmedNonce(ctx, addr.Hex()); err == nil && mined > 0 {
		tc.Nonces.Confirm(addr, mined-1)
	}
	pending, err := tc.Client().GetNonce(ctx, addr.Hex())
	if err != nil {
		tc.logger().Warn("Failed to refresh nonce after conflict",
			slog.String("wallet", addr.Hex()),
			slog.String("error", err.Error()))
		return
	}
	tc.Nonces.Initialize(addr, pending)
}

func (tc *TaskContext) fees(ctx context.Context) (tip, feeCap *big.Int, err error) {
	if tc.Gas.TipCap != nil && tc.Gas.FeeCap != nil {
		return tc.Gas.TipCap, tc.Gas.FeeCap, nil
	}
	price, err := tc.Client().GetGasPrice(ctx)
	if err != nil {
		return nil, nil, err
	}
	tip = tc.Gas.TipCap
	if tip == nil {
		tip = price
	}
	feeCap = tc.Gas.FeeCap
	if feeCap == nil {
		feeCap = new(big.Int).Mul(price, big.NewInt(2))
		if feeCap.Cmp(tip) < 0 {
			feeCap = new(big.Int).Set(tip)
		}
	}
	return tip, feeCap, nil
}

func (tc *TaskContext) wrap(kind Kind, n uint64, err error) error {
	proxyIdx := -1
	if !tc.Binding.Egress.IsDirect() {
		proxyIdx = tc.Binding.Egress.ProxyIndex
	}
	return &TaskError{Kind: kind, Account: tc.Address(), Nonce: n, ProxyIdx: proxyIdx, Err: err}
}

func (tc *TaskContext) logger() *slog.Logger {
	if tc.Logger == nil {
		return slog.Default()
	}
	return tc.Logger
}

// newTx creates either a DynamicFeeTx or LegacyTx depending on legacy.
// For legacy transactions, feeCap is used as the gas price.
func newTx(chainID *big.Int, nonce uint64, to *common.Address, value *big.Int, gasLimit uint64, tip, feeCap *big.Int, data []byte, legacy bool) *types.Transaction {
	if legacy {
		return types.NewTx(&types.LegacyTx{
			Nonce:    nonce,
			GasPrice: feeCap,
			Gas:      gasLimit,
			To:       to,
			Value:    value,
			Data:     data,
		})
	}
	return types.NewTx(&types.DynamicFeeTx{
		ChainID:   chainID,
		Nonce:     nonce,
		GasTipCap: tip,
		GasFeeCap: feeCap,
		Gas:       gasLimit,
		To:        to,
		Value:     value,
		Data:      data,
	})
}
