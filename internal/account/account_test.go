package account

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/gateway-fm/txfleet/internal/nonce"
	"github.com/gateway-fm/txfleet/internal/rpc"
)

func TestNewAccountFromHex(t *testing.T) {
	tests := []struct {
		name    string
		key     string
		want    string
		wantErr bool
	}{
		{
			name: "plain",
			key:  TestPrivateKeys[0],
			want: "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266",
		},
		{
			name: "0x prefix and whitespace",
			key:  "  0x" + TestPrivateKeys[0] + "\n",
			want: "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266",
		},
		{name: "garbage", key: "zz", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			acc, err := NewAccountFromHex(tt.key)
			if (err != nil) != tt.wantErr {
				t.Fatalf("NewAccountFromHex() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if got := acc.Address.Hex(); got != tt.want {
				t.Errorf("Address = %s, want %s", got, tt.want)
			}
			if got := acc.KeyHex(); got != TestPrivateKeys[0] {
				t.Errorf("KeyHex() = %s, want %s", got, TestPrivateKeys[0])
			}
		})
	}
}

func TestLoadTestAccounts(t *testing.T) {
	accounts, err := LoadTestAccounts()
	if err != nil {
		t.Fatalf("LoadTestAccounts() error = %v", err)
	}
	if len(accounts) != len(TestPrivateKeys) {
		t.Fatalf("LoadTestAccounts() len = %d, want %d", len(accounts), len(TestPrivateKeys))
	}
	seen := make(map[string]bool)
	for _, a := range accounts {
		if seen[a.Address.Hex()] {
			t.Errorf("duplicate address %s", a.Address.Hex())
		}
		seen[a.Address.Hex()] = true
	}
}

func TestLoadKeysFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys.txt")
	content := strings.Join([]string{
		"# fleet wallets",
		TestPrivateKeys[0],
		"",
		"0x" + TestPrivateKeys[1],
	}, "\n")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	accounts, err := LoadKeysFile(path)
	if err != nil {
		t.Fatalf("LoadKeysFile() error = %v", err)
	}
	if len(accounts) != 2 {
		t.Fatalf("LoadKeysFile() len = %d, want 2", len(accounts))
	}
	if got := accounts[1].KeyHex(); got != TestPrivateKeys[1] {
		t.Errorf("accounts[1].KeyHex() = %s, want %s", got, TestPrivateKeys[1])
	}
}

func TestLoadKeysFileErrors(t *testing.T) {
	if _, err := LoadKeysFile(filepath.Join(t.TempDir(), "missing")); err == nil {
		t.Error("LoadKeysFile(missing) error = nil, want error")
	}

	path := filepath.Join(t.TempDir(), "bad.txt")
	if err := os.WriteFile(path, []byte(TestPrivateKeys[0]+"\nnot-a-key\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	_, err := LoadKeysFile(path)
	if err == nil || !strings.Contains(err.Error(), "key 1") {
		t.Errorf("LoadKeysFile(bad) error = %v, want error naming key 1", err)
	}
}

func TestGenerate(t *testing.T) {
	accounts, err := Generate(37)
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if len(accounts) != 37 {
		t.Fatalf("Generate() len = %d, want 37", len(accounts))
	}
	for i, a := range accounts {
		if a == nil {
			t.Fatalf("accounts[%d] is nil", i)
		}
	}
}

// nonceClient serves eth_getTransactionCount from a fixed table.
type nonceClient struct {
	mu     sync.Mutex
	nonces map[string]uint64
	fail   string
}

func (c *nonceClient) Call(ctx context.Context, method string, params []interface{}) (json.RawMessage, error) {
	return nil, errors.New("not implemented")
}

func (c *nonceClient) SendRawTransaction(ctx context.Context, txRLP []byte) (string, error) {
	return "", errors.New("not implemented")
}

func (c *nonceClient) GetNonce(ctx context.Context, address string) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if address == c.fail {
		return 0, errors.New("connection refused")
	}
	return c.nonces[address], nil
}

func (c *nonceClient) GetConfirmedNonce(ctx context.Context, address string) (uint64, error) {
	return c.GetNonce(ctx, address)
}

func (c *nonceClient) GetChainID(ctx context.Context) (*big.Int, error) {
	return big.NewInt(1), nil
}

func (c *nonceClient) GetGasPrice(ctx context.Context) (*big.Int, error) {
	return big.NewInt(1), nil
}

func (c *nonceClient) GetBalance(ctx context.Context, address string) (*big.Int, error) {
	return big.NewInt(0), nil
}

func (c *nonceClient) GetTransactionReceipt(ctx context.Context, txHash string) (*rpc.TransactionReceipt, error) {
	return nil, nil
}

func TestInitializeNonces(t *testing.T) {
	accounts, err := LoadTestAccounts()
	if err != nil {
		t.Fatal(err)
	}
	client := &nonceClient{nonces: make(map[string]uint64)}
	for i, a := range accounts {
		client.nonces[a.Address.Hex()] = uint64(i * 10)
	}

	shards := nonce.NewShards(3, nil)
	m := NewManager(accounts, nil)
	if err := m.InitializeNonces(context.Background(), client, shards, 4); err != nil {
		t.Fatalf("InitializeNonces() error = %v", err)
	}

	for i, a := range accounts {
		next, ok := shards.ForIndex(i).PeekNext(a.Address)
		if !ok {
			t.Errorf("wallet %d not initialized in shard %d", i, i%3)
			continue
		}
		if next != uint64(i*10) {
			t.Errorf("wallet %d PeekNext() = %d, want %d", i, next, i*10)
		}
		if _, ok := shards.ForIndex(i + 1).PeekNext(a.Address); ok {
			t.Errorf("wallet %d leaked into shard %d", i, (i+1)%3)
		}
	}
}

func TestInitializeNoncesError(t *testing.T) {
	accounts, err := LoadTestAccounts()
	if err != nil {
		t.Fatal(err)
	}
	client := &nonceClient{nonces: map[string]uint64{}, fail: accounts[2].Address.Hex()}

	m := NewManager(accounts, nil)
	err = m.InitializeNonces(context.Background(), client, nonce.NewShards(1, nil), 0)
	if err == nil || !strings.Contains(err.Error(), "wallet 2") {
		t.Errorf("InitializeNonces() error = %v, want error naming wallet 2", err)
	}
}

func TestManagerGet(t *testing.T) {
	accounts, _ := LoadTestAccounts()
	m := NewManager(accounts, nil)
	if m.Len() != len(accounts) {
		t.Errorf("Len() = %d, want %d", m.Len(), len(accounts))
	}
	if _, ok := m.Get(-1); ok {
		t.Error("Get(-1) ok = true, want false")
	}
	if _, ok := m.Get(len(accounts)); ok {
		t.Error("Get(len) ok = true, want false")
	}
	if a, ok := m.Get(0); !ok || a != accounts[0] {
		t.Error("Get(0) did not return the first wallet")
	}
}
