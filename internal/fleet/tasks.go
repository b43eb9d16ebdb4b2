package fleet

import (
	"context"
	"fmt"
	"math/big"
	"math/rand/v2"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/gateway-fm/txfleet/internal/storage"
)

// Task is one unit of work run under a wallet lease.
type Task interface {
	Name() string
	// Run executes the task and returns a short status message.
	Run(ctx context.Context, tc *TaskContext) (string, error)
}

// WeightedTask is a task plus its relative selection weight.
type WeightedTask struct {
	Task   Task
	Weight int
}

// AssetTypeContract marks contracts recorded by DeployStorage.
const AssetTypeContract = "contract"

// DefaultTasks returns the built-in task mix.
func DefaultTasks() []WeightedTask {
	return []WeightedTask{
		{Task: SelfTransfer{}, Weight: 10},
		{Task: StorageWrite{}, Weight: 5},
		{Task: DeployStorage{}, Weight: 1},
		{Task: BalanceCheck{}, Weight: 1},
	}
}

// SelfTransfer sends 1 wei from the wallet to itself.
type SelfTransfer struct{}

func (SelfTransfer) Name() string { return "self_transfer" }

func (SelfTransfer) Run(ctx context.Context, tc *TaskContext) (string, error) {
	to := tc.Address()
	sent, err := tc.Send(ctx, TxRequest{To: &to, Value: big.NewInt(1), GasLimit: 21000})
	if err != nil {
		return "", err
	}
	return "TxHash: " + sent.Hash, nil
}

// DeployStorage deploys a GasConsumer contract and records it so that
// StorageWrite can target it.
type DeployStorage struct{}

func (DeployStorage) Name() string { return "deploy_storage" }

func (DeployStorage) Run(ctx context.Context, tc *TaskContext) (string, error) {
	sent, err := tc.Send(ctx, TxRequest{Data: GasConsumerBytecode, GasLimit: 300000})
	if err != nil {
		return "", err
	}

	addr := crypto.CreateAddress(tc.Address(), sent.Nonce)
	if sent.Receipt != nil && sent.Receipt.ContractAddress != "" {
		addr = common.HexToAddress(sent.Receipt.ContractAddress)
	}
	if tc.Store != nil {
		err := tc.Store.RecordAsset(ctx, storage.Asset{
			Wallet:  tc.Address().Hex(),
			Address: addr.Hex(),
			Type:    AssetTypeContract,
			Name:    "GasConsumer",
		})
		if err != nil {
			return "", fmt.Errorf("deployed %s but failed to record it: %w", addr.Hex(), err)
		}
	}
	return "Deployed: " + addr.Hex(), nil
}

// StorageWrite calls store(uint256) on a contract the wallet deployed, or on
// any recorded contract when it has none of its own.
type StorageWrite struct{}

func (StorageWrite) Name() string { return "storage_write" }

func (StorageWrite) Run(ctx context.Context, tc *TaskContext) (string, error) {
	if tc.Store == nil {
		return "", ErrNoTarget
	}
	targets, err := tc.Store.AssetsByType(ctx, tc.Address().Hex(), AssetTypeContract)
	if err != nil {
		return "", fmt.Errorf("failed to load contracts: %w", err)
	}
	if len(targets) == 0 {
		targets, err = tc.Store.AllAssetsByType(ctx, AssetTypeContract, storage.DefaultAssetLimit)
		if err != nil {
			return "", fmt.Errorf("failed to load contracts: %w", err)
		}
	}
	if len(targets) == 0 {
		return "", ErrNoTarget
	}

	to := common.HexToAddress(targets[rand.IntN(len(targets))].Address)
	value := new(big.Int).SetUint64(rand.Uint64())
	sent, err := tc.Send(ctx, TxRequest{To: &to, Data: encodeStorageWrite(value), GasLimit: 70000})
	if err != nil {
		return "", err
	}
	return "TxHash: " + sent.Hash, nil
}

// BalanceCheck reads the wallet balance. It sends nothing.
type BalanceCheck struct{}

func (BalanceCheck) Name() string { return "balance_check" }

func (BalanceCheck) Run(ctx context.Context, tc *TaskContext) (string, error) {
	bal, err := tc.Client().GetBalance(ctx, tc.Address().Hex())
	if err != nil {
		return "", tc.wrap(Classify(err), 0, err)
	}
	return fmt.Sprintf("Balance: %s wei", bal), nil
}
