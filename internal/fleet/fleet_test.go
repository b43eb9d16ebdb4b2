package fleet

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/gateway-fm/txfleet/internal/account"
	"github.com/gateway-fm/txfleet/internal/nonce"
	"github.com/gateway-fm/txfleet/internal/pool"
	"github.com/gateway-fm/txfleet/internal/proxy"
	"github.com/gateway-fm/txfleet/internal/rpc"
	"github.com/gateway-fm/txfleet/internal/sink"
	"github.com/gateway-fm/txfleet/internal/storage"
)

// node is a minimal JSON-RPC chain stub.
type node struct {
	mu       sync.Mutex
	sendErrs []string // consumed one per eth_sendRawTransaction
	pending  uint64
	latest   uint64
	status   string
	sent     []uint64 // nonces of every submitted transaction
	// hangups closes the connection without a response after recording
	// that many submitted transactions
	hangups int
}

func (n *node) serve(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var req rpc.JSONRPCRequest
		if err := json.Unmarshal(body, &req); err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		result, rpcErr := n.handle(req)
		if req.Method == "eth_sendRawTransaction" && n.hangup() {
			conn, _, err := w.(http.Hijacker).Hijack()
			if err == nil {
				conn.Close()
			}
			return
		}
		resp := map[string]any{"jsonrpc": "2.0", "id": req.ID}
		if rpcErr != "" {
			resp["error"] = map[string]any{"code": -32000, "message": rpcErr}
		} else {
			resp["result"] = result
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func (n *node) handle(req rpc.JSONRPCRequest) (any, string) {
	n.mu.Lock()
	defer n.mu.Unlock()

	switch req.Method {
	case "eth_chainId":
		return "0x539", ""
	case "eth_gasPrice":
		return "0x3b9aca00", ""
	case "eth_getBalance":
		return "0xde0b6b3a7640000", ""
	case "eth_getTransactionCount":
		if len(req.Params) > 1 && req.Params[1] == "latest" {
			return hexutil.EncodeUint64(n.latest), ""
		}
		return hexutil.EncodeUint64(n.pending), ""
	case "eth_getTransactionReceipt":
		status := n.status
		if status == "" {
			status = "0x1"
		}
		return map[string]any{"status": status, "gasUsed": "0x5208", "blockNumber": "0x10"}, ""
	case "eth_sendRawTransaction":
		raw, _ := hexutil.Decode(req.Params[0].(string))
		var tx types.Transaction
		if err := tx.UnmarshalBinary(raw); err != nil {
			return nil, "invalid transaction"
		}
		n.sent = append(n.sent, tx.Nonce())
		if len(n.sendErrs) > 0 {
			msg := n.sendErrs[0]
			n.sendErrs = n.sendErrs[1:]
			return nil, msg
		}
		return tx.Hash().Hex(), ""
	}
	return nil, "method not found"
}

func (n *node) hangup() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.hangups == 0 {
		return false
	}
	n.hangups--
	return true
}

func (n *node) sentNonces() []uint64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]uint64(nil), n.sent...)
}

type recordingWriter struct {
	mu      sync.Mutex
	results []storage.TaskResult
}

func (w *recordingWriter) WriteResults(ctx context.Context, results []storage.TaskResult) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.results = append(w.results, results...)
	return nil
}

func (w *recordingWriter) all() []storage.TaskResult {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]storage.TaskResult(nil), w.results...)
}

type fixture struct {
	node   *node
	pool   *pool.Pool
	sink   *sink.Sink
	writer *recordingWriter
	addr   func(i int) string
}

func newFixture(t *testing.T, wallets int, rpcURL string, tracker *proxy.Tracker) *fixture {
	t.Helper()
	n := &node{}
	if rpcURL == "" {
		rpcURL = n.serve(t).URL
	}
	accounts, err := account.LoadTestAccounts()
	if err != nil {
		t.Fatal(err)
	}
	accounts = accounts[:wallets]

	cfg := pool.DefaultConfig(rpcURL, big.NewInt(1337))
	cfg.WarmupTimeout = -1
	cfg.Clock = clock.NewMock()
	cfg.RPCMaxRetries = 0
	p, err := pool.New(cfg, accounts, tracker, nonce.NewShards(2, nil), nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(p.Close)

	w := &recordingWriter{}
	s := sink.New(sink.Config{BatchSize: 1, Clock: clock.NewMock()}, w, nil, nil)
	t.Cleanup(func() { s.Shutdown(context.Background()) })

	return &fixture{
		node:   n,
		pool:   p,
		sink:   s,
		writer: w,
		addr:   func(i int) string { return accounts[i].Address.Hex() },
	}
}

func (f *fixture) taskContext(t *testing.T, idx int) *TaskContext {
	t.Helper()
	b, err := f.pool.GetClient(context.Background(), idx)
	if err != nil {
		t.Fatal(err)
	}
	return &TaskContext{
		WorkerID:        "000",
		Binding:         b,
		Nonces:          f.pool.Nonces().ForIndex(idx),
		ReceiptInterval: 5 * time.Millisecond,
	}
}

func (f *fixture) runner(t *testing.T, tasks []WeightedTask, cfg Config, store storage.Storage) *Runner {
	t.Helper()
	if cfg.ReceiptInterval == 0 {
		cfg.ReceiptInterval = 5 * time.Millisecond
	}
	r, err := NewRunner(cfg, f.pool, tasks, f.sink, store, nil, nil, nil)
	if err != nil {
		t.Fatalf("NewRunner() error = %v", err)
	}
	return r
}

func TestKindString(t *testing.T) {
	tests := []struct {
		kind Kind
		want string
	}{
		{KindFailed, "failed"},
		{KindTransientNetwork, "transient_network"},
		{KindNonceConflict, "nonce_conflict"},
		{KindResourceExhausted, "resource_exhausted"},
		{KindPersistenceOverflow, "persistence_overflow"},
		{KindFatal, "fatal"},
		{Kind(42), "kind(42)"},
	}
	for _, tt := range tests {
		if got := tt.kind.String(); got != tt.want {
			t.Errorf("Kind(%d).String() = %q, want %q", int(tt.kind), got, tt.want)
		}
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"task error", &TaskError{Kind: KindFatal, Err: errors.New("x")}, KindFatal},
		{"wrapped task error", fmt.Errorf("outer: %w", &TaskError{Kind: KindNonceConflict, Err: errors.New("x")}), KindNonceConflict},
		{"not initialized", ErrNotInitialized, KindResourceExhausted},
		{"no target", fmt.Errorf("storage_write: %w", ErrNoTarget), KindResourceExhausted},
		{"nonce too low", &rpc.RPCError{Code: -32000, Message: "nonce too low: next nonce 8, tx nonce 5"}, KindNonceConflict},
		{"already known", &rpc.RPCError{Code: -32000, Message: "already known"}, KindNonceConflict},
		{"underpriced", &rpc.RPCError{Code: -32000, Message: "replacement transaction underpriced"}, KindNonceConflict},
		{"insufficient funds", &rpc.RPCError{Code: -32000, Message: "insufficient funds for gas * price + value"}, KindFailed},
		{"bad gateway", &rpc.HTTPStatusError{StatusCode: http.StatusBadGateway}, KindTransientNetwork},
		{"proxy auth", &rpc.HTTPStatusError{StatusCode: http.StatusProxyAuthRequired}, KindTransientNetwork},
		{"bad request", &rpc.HTTPStatusError{StatusCode: http.StatusBadRequest}, KindFailed},
		{"net error", &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("refused")}, KindTransientNetwork},
		{"send failure", fmt.Errorf("error sending request: %w", io.EOF), KindTransientNetwork},
		{"tunnel", errors.New("tunnel error: unsuccessful"), KindTransientNetwork},
		{"other", errors.New("execution reverted"), KindFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.err); got != tt.want {
				t.Errorf("Classify(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestParseNonceTooLow(t *testing.T) {
	tests := []struct {
		msg      string
		next, tx uint64
		ok       bool
	}{
		{"nonce too low: next nonce 8, tx nonce 5", 8, 5, true},
		{"rpc error -32000: nonce too low: next nonce 120, tx nonce 99 (extra)", 120, 99, true},
		{"nonce too low", 0, 0, false},
		{"next nonce x, tx nonce 5", 0, 0, false},
	}
	for _, tt := range tests {
		next, tx, ok := ParseNonceTooLow(tt.msg)
		if next != tt.next || tx != tt.tx || ok != tt.ok {
			t.Errorf("ParseNonceTooLow(%q) = %d, %d, %v, want %d, %d, %v", tt.msg, next, tx, ok, tt.next, tt.tx, tt.ok)
		}
	}
}

func TestTaskErrorUnwrap(t *testing.T) {
	cause := errors.New("boom")
	err := &TaskError{Kind: KindFailed, Nonce: 3, ProxyIdx: -1, Err: cause}
	if !errors.Is(err, cause) {
		t.Error("errors.Is(TaskError, cause) = false, want true")
	}
	if msg := err.Error(); !strings.Contains(msg, "proxy direct") || !strings.Contains(msg, "nonce 3") {
		t.Errorf("Error() = %q, want proxy and nonce details", msg)
	}
}

func TestSelfTransferConfirmsNonce(t *testing.T) {
	f := newFixture(t, 1, "", nil)
	tc := f.taskContext(t, 0)
	tc.Nonces.Initialize(tc.Address(), 5)

	msg, err := SelfTransfer{}.Run(context.Background(), tc)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if !strings.Contains(msg, "TxHash: 0x") {
		t.Errorf("Run() message = %q, want tx hash", msg)
	}
	if !tc.Transmitted() {
		t.Error("Transmitted() = false after a send")
	}
	if state, _ := tc.Nonces.StateOf(tc.Address(), 5); state != nonce.StateConfirmed {
		t.Errorf("nonce 5 state = %v, want Confirmed", state)
	}
	if next, _ := tc.Nonces.PeekNext(tc.Address()); next != 6 {
		t.Errorf("PeekNext() = %d, want 6", next)
	}
}

func TestSendReconcilesParsedNonceConflict(t *testing.T) {
	f := newFixture(t, 1, "", nil)
	f.node.sendErrs = []string{"nonce too low: next nonce 8, tx nonce 5"}
	tc := f.taskContext(t, 0)
	tc.Nonces.Initialize(tc.Address(), 5)

	if _, err := (SelfTransfer{}).Run(context.Background(), tc); err != nil {
		t.Fatalf("Run() error = %v, want success after one retry", err)
	}
	got := f.node.sentNonces()
	if len(got) != 2 || got[0] != 5 || got[1] != 8 {
		t.Errorf("submitted nonces = %v, want [5 8]", got)
	}
	if state, _ := tc.Nonces.StateOf(tc.Address(), 5); state != nonce.StateFailed {
		t.Errorf("nonce 5 state = %v, want Failed", state)
	}
}

func TestSendResyncsUnparsedNonceConflict(t *testing.T) {
	f := newFixture(t, 1, "", nil)
	f.node.sendErrs = []string{"already known"}
	f.node.pending = 7
	tc := f.taskContext(t, 0)
	tc.Nonces.Initialize(tc.Address(), 5)

	if _, err := (SelfTransfer{}).Run(context.Background(), tc); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	got := f.node.sentNonces()
	if len(got) != 2 || got[1] != 7 {
		t.Errorf("submitted nonces = %v, want retry with 7", got)
	}
}

func TestSendResyncConfirmsMinedNonce(t *testing.T) {
	f := newFixture(t, 1, "", nil)
	f.node.sendErrs = []string{"already known"}
	f.node.latest = 6
	f.node.pending = 8
	tc := f.taskContext(t, 0)
	addr := tc.Address()
	tc.Nonces.Initialize(addr, 5)

	// another worker already has 5 on the wire
	other, _ := tc.Nonces.Reserve(addr)
	other.MarkSubmitted()

	if _, err := (SelfTransfer{}).Run(context.Background(), tc); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if got := f.node.sentNonces(); len(got) != 2 || got[0] != 6 || got[1] != 8 {
		t.Errorf("submitted nonces = %v, want [6 8]", got)
	}
	if st, _ := tc.Nonces.StateOf(addr, 5); st != nonce.StateConfirmed {
		t.Errorf("StateOf(5) = %v, want confirmed from the latest count", st)
	}
}

func TestSendGivesUpAfterOneRetry(t *testing.T) {
	f := newFixture(t, 1, "", nil)
	f.node.sendErrs = []string{
		"nonce too low: next nonce 6, tx nonce 5",
		"nonce too low: next nonce 9, tx nonce 6",
	}
	tc := f.taskContext(t, 0)
	tc.Nonces.Initialize(tc.Address(), 5)

	_, err := SelfTransfer{}.Run(context.Background(), tc)
	if Classify(err) != KindNonceConflict {
		t.Fatalf("Run() error = %v, want nonce conflict", err)
	}
	if got := len(f.node.sentNonces()); got != 2 {
		t.Errorf("submissions = %d, want 2", got)
	}
	if next, _ := tc.Nonces.PeekNext(tc.Address()); next != 9 {
		t.Errorf("PeekNext() = %d, want 9", next)
	}
}

func TestSendRejectedNonceIsRecycled(t *testing.T) {
	f := newFixture(t, 1, "", nil)
	f.node.sendErrs = []string{"insufficient funds for gas * price + value"}
	tc := f.taskContext(t, 0)
	tc.Nonces.Initialize(tc.Address(), 5)

	_, err := SelfTransfer{}.Run(context.Background(), tc)
	if Classify(err) != KindFailed {
		t.Fatalf("Run() error = %v, want plain failure", err)
	}
	if tc.Transmitted() {
		t.Error("Transmitted() = true for a node rejection")
	}
	if next, _ := tc.Nonces.PeekNext(tc.Address()); next != 5 {
		t.Errorf("PeekNext() = %d, want 5 reused", next)
	}
}

func TestSendLostResponseKeepsNonceInFlight(t *testing.T) {
	f := newFixture(t, 1, "", nil)
	f.node.hangups = 1
	tc := f.taskContext(t, 0)
	addr := tc.Address()
	tc.Nonces.Initialize(addr, 5)

	_, err := SelfTransfer{}.Run(context.Background(), tc)
	if Classify(err) != KindTransientNetwork {
		t.Fatalf("Run() error = %v, want transient network failure", err)
	}
	if !tc.Transmitted() {
		t.Error("Transmitted() = false after the node received the transaction")
	}
	if got := f.node.sentNonces(); len(got) != 1 || got[0] != 5 {
		t.Fatalf("node received nonces %v, want [5]", got)
	}
	if next, _ := tc.Nonces.PeekNext(addr); next != 6 {
		t.Errorf("PeekNext() = %d, want 6: nonce 5 may already be on the node", next)
	}
	if st, _ := tc.Nonces.StateOf(addr, 5); st != nonce.StateInFlight {
		t.Errorf("StateOf(5) = %v, want in flight", st)
	}

	// the next send must not reuse 5
	if _, err := (SelfTransfer{}).Run(context.Background(), tc); err != nil {
		t.Fatalf("second Run() error = %v", err)
	}
	if got := f.node.sentNonces(); len(got) != 2 || got[1] != 6 {
		t.Errorf("node received nonces %v, want [5 6]", got)
	}
}

func TestSendWithoutInitializedNonce(t *testing.T) {
	f := newFixture(t, 1, "", nil)
	tc := f.taskContext(t, 0)

	_, err := SelfTransfer{}.Run(context.Background(), tc)
	if Classify(err) != KindResourceExhausted || !errors.Is(err, ErrNotInitialized) {
		t.Errorf("Run() error = %v, want ErrNotInitialized", err)
	}
	if len(f.node.sentNonces()) != 0 {
		t.Error("transaction sent without a nonce")
	}
}

func TestRevertedTransactionFails(t *testing.T) {
	f := newFixture(t, 1, "", nil)
	f.node.status = "0x0"
	tc := f.taskContext(t, 0)
	tc.Nonces.Initialize(tc.Address(), 0)

	_, err := SelfTransfer{}.Run(context.Background(), tc)
	if !errors.Is(err, errReverted) {
		t.Errorf("Run() error = %v, want reverted", err)
	}
	if state, _ := tc.Nonces.StateOf(tc.Address(), 0); state != nonce.StateConfirmed {
		t.Errorf("nonce state = %v, want Confirmed (a revert still uses the nonce)", state)
	}
}

func TestDeployThenStorageWrite(t *testing.T) {
	f := newFixture(t, 2, "", nil)
	store, err := storage.NewSQLiteStorage(filepath.Join(t.TempDir(), "fleet.db"), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()
	ctx := context.Background()

	writer := f.taskContext(t, 1)
	writer.Store = store
	writer.Nonces.Initialize(writer.Address(), 0)
	if _, err := (StorageWrite{}).Run(ctx, writer); !errors.Is(err, ErrNoTarget) {
		t.Fatalf("StorageWrite before deploy error = %v, want ErrNoTarget", err)
	}

	deployer := f.taskContext(t, 0)
	deployer.Store = store
	deployer.Nonces.Initialize(deployer.Address(), 3)
	msg, err := DeployStorage{}.Run(ctx, deployer)
	if err != nil {
		t.Fatalf("DeployStorage error = %v", err)
	}
	assets, err := store.AssetsByType(ctx, deployer.Address().Hex(), AssetTypeContract)
	if err != nil || len(assets) != 1 {
		t.Fatalf("AssetsByType() = %v, %v, want one contract", assets, err)
	}
	if !strings.Contains(msg, assets[0].Address) {
		t.Errorf("deploy message %q does not name %s", msg, assets[0].Address)
	}

	if _, err := (StorageWrite{}).Run(ctx, writer); err != nil {
		t.Errorf("StorageWrite after deploy error = %v", err)
	}
}

func TestBalanceCheckSendsNothing(t *testing.T) {
	f := newFixture(t, 1, "", nil)
	tc := f.taskContext(t, 0)

	msg, err := BalanceCheck{}.Run(context.Background(), tc)
	if err != nil {
		t.Fatal(err)
	}
	if msg != "Balance: 1000000000000000000 wei" {
		t.Errorf("Run() = %q", msg)
	}
	if tc.Transmitted() {
		t.Error("Transmitted() = true for a read-only task")
	}
}

func TestNewRunnerValidation(t *testing.T) {
	f := newFixture(t, 1, "", nil)
	tests := []struct {
		name  string
		tasks []WeightedTask
	}{
		{"no tasks", nil},
		{"zero weight", []WeightedTask{{Task: SelfTransfer{}, Weight: 0}}},
		{"negative weight", []WeightedTask{{Task: SelfTransfer{}, Weight: -1}, {Task: BalanceCheck{}, Weight: 2}}},
		{"nil task", []WeightedTask{{Weight: 1}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewRunner(Config{}, f.pool, tt.tasks, f.sink, nil, nil, nil, nil); err == nil {
				t.Error("NewRunner() error = nil, want error")
			}
		})
	}
	if _, err := NewRunner(Config{}, nil, DefaultTasks(), f.sink, nil, nil, nil, nil); err == nil {
		t.Error("NewRunner(nil pool) error = nil, want error")
	}
}

func TestPickRespectsWeights(t *testing.T) {
	f := newFixture(t, 1, "", nil)
	r := f.runner(t, []WeightedTask{
		{Task: SelfTransfer{}, Weight: 0},
		{Task: BalanceCheck{}, Weight: 3},
	}, Config{}, nil)

	for range 100 {
		if got := r.pick().Name(); got != "balance_check" {
			t.Fatalf("pick() = %s, want balance_check", got)
		}
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

// blockingTask waits until its context ends.
type blockingTask struct{}

func (blockingTask) Name() string { return "block" }

func (blockingTask) Run(ctx context.Context, tc *TaskContext) (string, error) {
	<-ctx.Done()
	return "", ctx.Err()
}

func TestRunOnceRecordsSuccess(t *testing.T) {
	f := newFixture(t, 1, "", nil)
	r := f.runner(t, []WeightedTask{{Task: SelfTransfer{}, Weight: 1}}, Config{RunID: "run-1"}, nil)
	mgr := f.pool.Nonces().ForIndex(0)
	b, _ := f.pool.GetClient(context.Background(), 0)
	mgr.Initialize(b.Account.Address, 0)

	if !r.RunOnce(context.Background(), "007") {
		t.Fatal("RunOnce() = false, want a lease")
	}
	waitFor(t, func() bool { return len(f.writer.all()) == 1 })

	rec := f.writer.all()[0]
	if rec.Status != storage.StatusSuccess || rec.RunID != "run-1" || rec.WorkerID != "007" || rec.TaskName != "self_transfer" {
		t.Errorf("record = %+v", rec)
	}
	if rec.Wallet != f.addr(0) {
		t.Errorf("record wallet = %s, want %s", rec.Wallet, f.addr(0))
	}
	if got := r.Counters().TasksSucceeded.Load(); got != 1 {
		t.Errorf("TasksSucceeded = %d, want 1", got)
	}
	// a transaction went out, so the wallet cools down
	if st := f.pool.Stats(); st.Cooling != 1 || st.Available != 0 {
		t.Errorf("pool Stats() = %+v, want the wallet cooling", st)
	}
	if r.RunOnce(context.Background(), "008") {
		t.Error("RunOnce() = true while the only wallet cools down")
	}
	if got := r.Counters().LeaseMisses.Load(); got != 1 {
		t.Errorf("LeaseMisses = %d, want 1", got)
	}
}

func TestRunOnceBansFailingProxy(t *testing.T) {
	tracker := func() *proxy.Tracker {
		d, err := proxy.ParseLine("127.0.0.1:1")
		if err != nil {
			t.Fatal(err)
		}
		return proxy.NewTracker([]proxy.Record{{Index: 0, Descriptor: d}}, proxy.TrackerConfig{Clock: clock.NewMock()}, nil)
	}()
	f := newFixture(t, 1, "", tracker)
	r := f.runner(t, []WeightedTask{{Task: BalanceCheck{}, Weight: 1}}, Config{}, nil)

	if !r.RunOnce(context.Background(), "000") {
		t.Fatal("RunOnce() = false, want a lease")
	}
	if !tracker.IsBanned(0) {
		t.Error("proxy not banned after a connection failure")
	}
	c := r.Counters()
	if c.NetworkErrors.Load() != 1 || c.ProxyBans.Load() != 1 || c.TasksFailed.Load() != 1 {
		t.Errorf("counters = %+v, want one network error and one ban", c.Snapshot())
	}
	// nothing was sent, so no cooldown
	if st := f.pool.Stats(); st.Available != 1 || st.Cooling != 0 {
		t.Errorf("pool Stats() = %+v, want the wallet available", st)
	}
	waitFor(t, func() bool { return len(f.writer.all()) == 1 })
	if rec := f.writer.all()[0]; rec.Status != storage.StatusFailed {
		t.Errorf("record status = %s, want FAILED", rec.Status)
	}
}

func TestRunOnceTimeout(t *testing.T) {
	f := newFixture(t, 1, "", nil)
	r := f.runner(t, []WeightedTask{{Task: blockingTask{}, Weight: 1}}, Config{TaskTimeout: 20 * time.Millisecond}, nil)

	if !r.RunOnce(context.Background(), "000") {
		t.Fatal("RunOnce() = false, want a lease")
	}
	if got := r.Counters().TasksTimedOut.Load(); got != 1 {
		t.Errorf("TasksTimedOut = %d, want 1", got)
	}
	waitFor(t, func() bool { return len(f.writer.all()) == 1 })
	if rec := f.writer.all()[0]; rec.Message != "Task timed out" || rec.Status != storage.StatusFailed {
		t.Errorf("record = %+v, want timed out failure", rec)
	}
	if st := f.pool.Stats(); st.Available != 1 {
		t.Errorf("pool Stats() = %+v, want the wallet back without cooldown", st)
	}
}

func TestRunOnceSkipsMissingTarget(t *testing.T) {
	f := newFixture(t, 1, "", nil)
	r := f.runner(t, []WeightedTask{{Task: StorageWrite{}, Weight: 1}}, Config{}, nil)

	if !r.RunOnce(context.Background(), "000") {
		t.Fatal("RunOnce() = false, want a lease")
	}
	if st := f.sink.Stats(); st.Queued != 0 {
		t.Errorf("sink Queued = %d, want 0 for a skipped task", st.Queued)
	}
	c := r.Counters()
	if c.TasksFailed.Load() != 0 || c.TasksSucceeded.Load() != 0 {
		t.Errorf("counters = %+v, want nothing counted", c.Snapshot())
	}
}

func TestRunTask(t *testing.T) {
	f := newFixture(t, 2, "", nil)
	r := f.runner(t, DefaultTasks(), Config{}, nil)

	if _, err := r.RunTask(context.Background(), "nope", 0); err == nil {
		t.Error("RunTask(unknown) error = nil, want error")
	}
	if _, err := r.RunTask(context.Background(), "balance_check", 5); err == nil {
		t.Error("RunTask(out of range) error = nil, want error")
	}

	rec, err := r.RunTask(context.Background(), "balance_check", 1)
	if err != nil {
		t.Fatalf("RunTask() error = %v", err)
	}
	if rec.WorkerID != "cli" || rec.Wallet != f.addr(1) || rec.Status != storage.StatusSuccess {
		t.Errorf("RunTask() = %+v", rec)
	}

	want := []string{"self_transfer", "storage_write", "deploy_storage", "balance_check"}
	got := r.TaskNames()
	if len(got) != len(want) {
		t.Fatalf("TaskNames() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("TaskNames()[%d] = %s, want %s", i, got[i], want[i])
		}
	}
}

func TestRunTaskRotatesProxy(t *testing.T) {
	// forwarding proxy in front of whatever absolute URL it is asked for
	fwd := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		req, err := http.NewRequestWithContext(r.Context(), r.Method, r.URL.String(), r.Body)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		req.Header = r.Header.Clone()
		resp, err := http.DefaultTransport.RoundTrip(req)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadGateway)
			return
		}
		defer resp.Body.Close()
		w.Header().Set("Content-Type", resp.Header.Get("Content-Type"))
		w.WriteHeader(resp.StatusCode)
		io.Copy(w, resp.Body)
	}))
	defer fwd.Close()

	var records []proxy.Record
	for i, line := range []string{"127.0.0.1:1", strings.TrimPrefix(fwd.URL, "http://")} {
		d, err := proxy.ParseLine(line)
		if err != nil {
			t.Fatal(err)
		}
		records = append(records, proxy.Record{Index: i, Descriptor: d})
	}
	tracker := proxy.NewTracker(records, proxy.TrackerConfig{Clock: clock.NewMock()}, nil)
	f := newFixture(t, 1, "", tracker)
	r := f.runner(t, []WeightedTask{{Task: BalanceCheck{}, Weight: 1}}, Config{}, nil)

	rec, err := r.RunTask(context.Background(), "balance_check", 0)
	if err != nil {
		t.Fatalf("RunTask() error = %v", err)
	}
	if rec.Status != storage.StatusSuccess {
		t.Errorf("RunTask() status = %s, want SUCCESS", rec.Status)
	}
	if !tracker.IsBanned(0) || tracker.IsBanned(1) {
		t.Errorf("banned = [%v %v], want [true false]", tracker.IsBanned(0), tracker.IsBanned(1))
	}
	if got := r.Counters().ProxyBans.Load(); got != 1 {
		t.Errorf("ProxyBans = %d, want 1", got)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	f := newFixture(t, 2, "", nil)
	mock := clock.NewMock()
	r := f.runner(t, []WeightedTask{{Task: BalanceCheck{}, Weight: 1}}, Config{
		Workers:     3,
		IntervalMin: time.Millisecond,
		IntervalMax: 2 * time.Millisecond,
		Clock:       mock,
	}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	waitFor(t, func() bool {
		mock.Add(maxBackoff)
		return r.Counters().TasksSucceeded.Load() >= 3
	})
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run() error = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run() did not return after cancel")
	}
	if st := f.pool.Stats(); st.Leased != 0 {
		t.Errorf("pool Stats() = %+v, want no leases held", st)
	}
	if got := r.Counters().ActiveWorkers.Load(); got != 0 {
		t.Errorf("ActiveWorkers = %d, want 0", got)
	}
}

func TestSleepFollowsClock(t *testing.T) {
	f := newFixture(t, 1, "", nil)
	mock := clock.NewMock()
	r := f.runner(t, DefaultTasks(), Config{Clock: mock}, nil)

	done := make(chan bool, 1)
	go func() { done <- r.sleep(context.Background(), time.Minute) }()

	select {
	case <-done:
		t.Fatal("sleep() returned before the clock advanced")
	case <-time.After(20 * time.Millisecond):
	}

	var woke bool
	waitFor(t, func() bool {
		mock.Add(time.Minute)
		select {
		case woke = <-done:
			return true
		default:
			return false
		}
	})
	if !woke {
		t.Error("sleep() = false after the timer fired, want true")
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if r.sleep(ctx, time.Minute) {
		t.Error("sleep() on a cancelled context = true, want false")
	}
}

func TestStatus(t *testing.T) {
	f := newFixture(t, 2, "", nil)
	r := f.runner(t, DefaultTasks(), Config{RunID: "abc", Workers: 4}, nil)

	st := r.Status()
	if st.RunID != "abc" || st.Workers != 4 || st.Pool.Total != 2 || st.ProxiesTotal != 0 {
		t.Errorf("Status() = %+v", st)
	}
}

func TestSetTPS(t *testing.T) {
	f := newFixture(t, 1, "", nil)
	unlimited := f.runner(t, DefaultTasks(), Config{}, nil)
	if unlimited.SetTPS(5) {
		t.Error("SetTPS() = true on a runner without a limiter")
	}
	limited := f.runner(t, DefaultTasks(), Config{TPS: 10}, nil)
	if !limited.SetTPS(5) {
		t.Error("SetTPS() = false on a rate limited runner")
	}
}

func TestProxyStatsFlushed(t *testing.T) {
	tracker := func() *proxy.Tracker {
		d, err := proxy.ParseLine("127.0.0.1:1")
		if err != nil {
			t.Fatal(err)
		}
		return proxy.NewTracker([]proxy.Record{{Index: 0, Descriptor: d}}, proxy.TrackerConfig{Clock: clock.NewMock()}, nil)
	}()
	f := newFixture(t, 1, "", tracker)
	store, err := storage.NewSQLiteStorage(filepath.Join(t.TempDir(), "fleet.db"), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()
	r := f.runner(t, []WeightedTask{{Task: BalanceCheck{}, Weight: 1}}, Config{}, store)

	r.RunOnce(context.Background(), "000")
	r.flushProxyStats(context.Background())

	stats, err := store.ProxyStats(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(stats) != 1 || stats[0].Failures != 1 || stats[0].ProxyURL != "http://127.0.0.1:1" {
		t.Errorf("ProxyStats() = %+v, want one failure for http://127.0.0.1:1", stats)
	}
}
