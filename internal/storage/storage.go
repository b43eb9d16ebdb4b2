// Package storage persists task outcomes, created resources, and proxy
// statistics.
package storage

import (
	"context"
	"time"
)

// Status is the outcome of one task execution.
type Status string

const (
	StatusSuccess Status = "SUCCESS"
	StatusFailed  Status = "FAILED"
)

// TaskResult is one row of the append-only outcome log.
type TaskResult struct {
	RunID     string        `json:"runId"`
	WorkerID  string        `json:"workerId"`
	Wallet    string        `json:"wallet"`
	TaskName  string        `json:"taskName"`
	Status    Status        `json:"status"`
	Message   string        `json:"message"`
	Duration  time.Duration `json:"duration"`
	Timestamp time.Time     `json:"timestamp"`
}

// Asset is a resource created by a task (token, contract, NFT collection),
// read back by later tasks that need an existing target.
type Asset struct {
	Wallet    string    `json:"wallet"`
	Address   string    `json:"address"`
	Type      string    `json:"type"`
	Name      string    `json:"name,omitempty"`
	Symbol    string    `json:"symbol,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// ProxyStat is the cumulative success/failure count for one proxy.
type ProxyStat struct {
	ProxyURL  string    `json:"proxyUrl"`
	Successes int64     `json:"successes"`
	Failures  int64     `json:"failures"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// TaskCount aggregates outcomes per task and status.
type TaskCount struct {
	TaskName string `json:"taskName"`
	Status   Status `json:"status"`
	Count    int64  `json:"count"`
}

// Storage defines the persistence interface used by the fleet.
type Storage interface {
	// Outcome log
	WriteResults(ctx context.Context, results []TaskResult) error
	RecentResults(ctx context.Context, limit int) ([]TaskResult, error)
	TaskCounts(ctx context.Context, runID string) ([]TaskCount, error)
	HasTaskSucceeded(ctx context.Context, wallet, taskName string) (bool, error)

	// Created resources
	RecordAsset(ctx context.Context, asset Asset) error
	AssetsByType(ctx context.Context, wallet, assetType string) ([]Asset, error)
	AllAssetsByType(ctx context.Context, assetType string, limit int) ([]Asset, error)
	CountAssets(ctx context.Context, wallet, assetType string) (int, error)

	// Proxy statistics
	UpdateProxyStats(ctx context.Context, proxyURL string, successes, failures int64) error
	ProxyStats(ctx context.Context) ([]ProxyStat, error)

	// Lifecycle
	Close() error
}
