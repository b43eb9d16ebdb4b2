package account

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/ethereum/go-ethereum/crypto"

	"github.com/gateway-fm/txfleet/internal/nonce"
	"github.com/gateway-fm/txfleet/internal/rpc"
)

// DefaultInitConcurrency limits concurrent nonce lookups during startup.
const DefaultInitConcurrency = 16

// Manager owns the fleet's wallets and seeds their nonce state.
type Manager struct {
	accounts []*Account
	logger   *slog.Logger
}

// NewManager wraps a wallet list. Wallet i keeps index i for its lifetime.
func NewManager(accounts []*Account, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{accounts: accounts, logger: logger}
}

// Accounts returns every wallet in index order.
func (m *Manager) Accounts() []*Account {
	return m.accounts
}

// Len returns the wallet count.
func (m *Manager) Len() int {
	return len(m.accounts)
}

// Get returns wallet i.
func (m *Manager) Get(i int) (*Account, bool) {
	if i < 0 || i >= len(m.accounts) {
		return nil, false
	}
	return m.accounts[i], true
}

// InitializeNonces reads every wallet's pending transaction count and seeds
// the shard that owns it. Wallet i belongs to shards.ForIndex(i).
func (m *Manager) InitializeNonces(ctx context.Context, client rpc.Client, shards *nonce.Shards, concurrency int) error {
	if concurrency <= 0 {
		concurrency = DefaultInitConcurrency
	}
	count := len(m.accounts)
	m.logger.Info("Initializing wallet nonces",
		slog.Int("count", count),
		slog.Int("shards", shards.Len()),
	)

	var wg sync.WaitGroup
	errChan := make(chan error, count)
	sem := make(chan struct{}, concurrency)
	var initialized atomic.Int32

	for i, acc := range m.accounts {
		wg.Add(1)
		go func(idx int, acc *Account) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			n, err := acc.Resync(ctx, client, shards.ForIndex(idx))
			if err != nil {
				select {
				case errChan <- fmt.Errorf("wallet %d: %w", idx, err):
				default:
				}
				return
			}
			if c := initialized.Add(1); c <= 5 || c%100 == 0 {
				m.logger.Debug("Wallet nonce initialized",
					slog.Int("wallet_idx", idx),
					slog.String("address", acc.Address.Hex()[:10]),
					slog.Uint64("nonce", n),
				)
			}
		}(i, acc)
	}

	wg.Wait()
	close(errChan)

	if err := <-errChan; err != nil {
		return err
	}

	m.logger.Info("Wallet nonces initialized", slog.Int("count", count))
	return nil
}

// Resync reads the wallet's pending transaction count and feeds it to the
// nonce manager. Returns the count.
func (a *Account) Resync(ctx context.Context, client rpc.Client, nonces *nonce.Manager) (uint64, error) {
	n, err := client.GetNonce(ctx, a.Address.Hex())
	if err != nil {
		return 0, fmt.Errorf("failed to get nonce: %w", err)
	}
	nonces.Initialize(a.Address, n)
	return n, nil
}

// Generate creates count fresh wallets using up to GOMAXPROCS goroutines.
func Generate(count int) ([]*Account, error) {
	accounts := make([]*Account, count)

	numWorkers := runtime.GOMAXPROCS(0)
	if numWorkers > 16 {
		numWorkers = 16
	}

	var wg sync.WaitGroup
	errChan := make(chan error, numWorkers)
	workSize := (count + numWorkers - 1) / numWorkers

	for w := 0; w < numWorkers; w++ {
		start := w * workSize
		end := min(start+workSize, count)
		if start >= count {
			break
		}

		wg.Add(1)
		go func(start, end int) {
			defer wg.Done()
			for i := start; i < end; i++ {
				privateKey, err := crypto.GenerateKey()
				if err != nil {
					select {
					case errChan <- fmt.Errorf("key %d: %w", i, err):
					default:
					}
					return
				}
				accounts[i] = NewAccount(privateKey)
			}
		}(start, end)
	}

	wg.Wait()
	close(errChan)

	if err := <-errChan; err != nil {
		return nil, err
	}
	return accounts, nil
}
