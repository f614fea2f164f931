package edge

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"

	apperrors "minevault-backend/internal/errors"
)

// CounterStore is the device-local half of replay protection: the last
// counter actually applied per miner, persisted across restarts. The
// coordinator tracks acknowledgements, but a compromised coordinator could
// replay an old envelope; this store is what makes that fail on the device.
type CounterStore struct {
	mu       sync.Mutex
	path     string
	counters map[uint]uint64
}

func NewCounterStore(path string) *CounterStore {
	return &CounterStore{path: path, counters: make(map[uint]uint64)}
}

// Load reads persisted counters. A missing file is a fresh install, not an
// error.
func (s *CounterStore) Load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read counter state: %w", err)
	}
	if err := json.Unmarshal(data, &s.counters); err != nil {
		return fmt.Errorf("parse counter state: %w", err)
	}
	return nil
}

// Advance validates that counter moves strictly forward for the miner and
// persists the new value. Failure to persist rejects the advance: losing the
// counter would reopen the replay window.
func (s *CounterStore) Advance(minerID uint, counter uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if counter <= s.counters[minerID] {
		return apperrors.ErrRollbackDetected
	}

	previous, had := s.counters[minerID]
	s.counters[minerID] = counter
	if err := s.save(); err != nil {
		if had {
			s.counters[minerID] = previous
		} else {
			delete(s.counters, minerID)
		}
		return fmt.Errorf("persist counter state: %w", err)
	}
	return nil
}

// Last returns the last applied counter for a miner, zero if none.
func (s *CounterStore) Last(minerID uint) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counters[minerID]
}

func (s *CounterStore) save() error {
	data, err := json.Marshal(s.counters)
	if err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}
