package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"
)

func env(kv map[string]string) func(string) string {
	return func(k string) string { return kv[k] }
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestDefaultIsValid(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Errorf("Default().Validate() error = %v", err)
	}
}

func TestLoadArgsDefaults(t *testing.T) {
	cfg, err := LoadArgs(nil, env(nil))
	if err != nil {
		t.Fatalf("LoadArgs() error = %v", err)
	}
	if !reflect.DeepEqual(cfg, Default()) {
		t.Errorf("LoadArgs() = %+v, want defaults", cfg)
	}
}

func TestLoadArgsPrecedence(t *testing.T) {
	file := writeFile(t, "fleet.toml", `
rpc_url = "http://file:8545"
workers = 3
cooldown = "6s"
kafka_brokers = "a:9092, b:9092"
`)

	tests := []struct {
		name        string
		args        []string
		env         map[string]string
		wantURL     string
		wantWorkers int
		wantCool    time.Duration
	}{
		{
			name:        "file only",
			args:        []string{"-config", file},
			wantURL:     "http://file:8545",
			wantWorkers: 3,
			wantCool:    6 * time.Second,
		},
		{
			name:        "env beats file",
			args:        []string{"-config", file},
			env:         map[string]string{"RPC_URL": "http://env:8545", "COOLDOWN": "2s"},
			wantURL:     "http://env:8545",
			wantWorkers: 3,
			wantCool:    2 * time.Second,
		},
		{
			name:        "flag beats env",
			args:        []string{"-config", file, "-rpc", "http://flag:8545", "-workers", "7"},
			env:         map[string]string{"RPC_URL": "http://env:8545", "WORKERS": "5"},
			wantURL:     "http://flag:8545",
			wantWorkers: 7,
			wantCool:    6 * time.Second,
		},
		{
			name:        "flag order does not matter",
			args:        []string{"-workers", "9", "-config", file},
			wantURL:     "http://file:8545",
			wantWorkers: 9,
			wantCool:    6 * time.Second,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := LoadArgs(tt.args, env(tt.env))
			if err != nil {
				t.Fatalf("LoadArgs() error = %v", err)
			}
			if cfg.RPCURL != tt.wantURL {
				t.Errorf("RPCURL = %q, want %q", cfg.RPCURL, tt.wantURL)
			}
			if cfg.Workers != tt.wantWorkers {
				t.Errorf("Workers = %d, want %d", cfg.Workers, tt.wantWorkers)
			}
			if cfg.Cooldown != tt.wantCool {
				t.Errorf("Cooldown = %v, want %v", cfg.Cooldown, tt.wantCool)
			}
			if got := cfg.Brokers(); !reflect.DeepEqual(got, []string{"a:9092", "b:9092"}) {
				t.Errorf("Brokers() = %v", got)
			}
		})
	}
}

func TestLoadYAML(t *testing.T) {
	file := writeFile(t, "fleet.yaml", `
rpc_url: http://yaml:8545
chain_id: 1337
proxy_ban: 90s
overflow_policy: block
tps: 12.5
`)
	cfg, err := LoadArgs([]string{"-config", file}, env(nil))
	if err != nil {
		t.Fatalf("LoadArgs() error = %v", err)
	}
	if cfg.RPCURL != "http://yaml:8545" || cfg.ChainID != 1337 {
		t.Errorf("RPCURL, ChainID = %q, %d", cfg.RPCURL, cfg.ChainID)
	}
	if cfg.ProxyBan != 90*time.Second {
		t.Errorf("ProxyBan = %v, want 90s", cfg.ProxyBan)
	}
	if cfg.OverflowPolicy != "block" || cfg.TPS != 12.5 {
		t.Errorf("OverflowPolicy, TPS = %q, %v", cfg.OverflowPolicy, cfg.TPS)
	}
	if cfg.BatchSize != DefaultBatchSize {
		t.Errorf("BatchSize = %d, want default %d", cfg.BatchSize, DefaultBatchSize)
	}
}

func TestLoadArgsErrors(t *testing.T) {
	bad := writeFile(t, "fleet.toml", "workers = [")
	tests := []struct {
		name    string
		args    []string
		env     map[string]string
		wantErr string
	}{
		{"unknown flag", []string{"-nope"}, nil, "nope"},
		{"unsupported file", []string{"-config", "fleet.json"}, nil, "unsupported config file"},
		{"missing file", []string{"-config", filepath.Join(t.TempDir(), "x.yaml")}, nil, "failed to read"},
		{"bad toml", []string{"-config", bad}, nil, "failed to parse"},
		{"bad env int", nil, map[string]string{"WORKERS": "many"}, "WORKERS"},
		{"bad env duration", nil, map[string]string{"COOLDOWN": "soon"}, "COOLDOWN"},
		{"invalid value", []string{"-workers", "0"}, nil, "workers must be positive"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadArgs(tt.args, env(tt.env))
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("LoadArgs() error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr bool
	}{
		{"valid", func(c *Config) {}, false},
		{"empty rpc", func(c *Config) { c.RPCURL = "" }, true},
		{"negative chain", func(c *Config) { c.ChainID = -1 }, true},
		{"zero connection limit", func(c *Config) { c.ConnectionLimit = 0 }, true},
		{"negative cooldown", func(c *Config) { c.Cooldown = -time.Second }, true},
		{"zero cooldown allowed", func(c *Config) { c.Cooldown = 0 }, false},
		{"zero shards", func(c *Config) { c.NonceShards = 0 }, true},
		{"inverted interval", func(c *Config) { c.IntervalMin, c.IntervalMax = 2*time.Second, time.Second }, true},
		{"tip above fee cap", func(c *Config) { c.GasTipCap, c.GasFeeCap = 10, 5 }, true},
		{"tip without fee cap", func(c *Config) { c.GasTipCap = 10 }, false},
		{"bad policy", func(c *Config) { c.OverflowPolicy = "sometimes" }, true},
		{"hybrid policy", func(c *Config) { c.OverflowPolicy = "Hybrid" }, false},
		{"kafka without topic", func(c *Config) { c.KafkaBrokers, c.KafkaTopic = "k:9092", "" }, true},
		{"bad log level", func(c *Config) { c.LogLevel = "loud" }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := Default()
			tt.mutate(c)
			err := c.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestSlogLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"INFO", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"error", slog.LevelError},
	}
	for _, tt := range tests {
		c := &Config{LogLevel: tt.in}
		got, err := c.SlogLevel()
		if err != nil || got != tt.want {
			t.Errorf("SlogLevel(%q) = %v, %v, want %v", tt.in, got, err, tt.want)
		}
	}
}

func TestBrokersEmpty(t *testing.T) {
	if got := Default().Brokers(); got != nil {
		t.Errorf("Brokers() = %v, want nil", got)
	}
}
