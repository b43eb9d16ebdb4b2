package nonce

import "log/slog"

// Shards partitions accounts across independent managers by wallet index to
// spread lock contention. Per-account behavior is identical to one Manager.
type Shards struct {
	managers []*Manager
}

// NewShards creates n managers. n < 1 is treated as 1.
func NewShards(n int, logger *slog.Logger) *Shards {
	if n < 1 {
		n = 1
	}
	s := &Shards{managers: make([]*Manager, n)}
	for i := range s.managers {
		s.managers[i] = NewManager(logger)
	}
	return s
}

// ForIndex returns the manager owning wallet index i.
func (s *Shards) ForIndex(i int) *Manager {
	if i < 0 {
		i = -i
	}
	return s.managers[i%len(s.managers)]
}

// Len returns the shard count.
func (s *Shards) Len() int {
	return len(s.managers)
}

// All returns every shard.
func (s *Shards) All() []*Manager {
	return s.managers
}
