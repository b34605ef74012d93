// Package killswitch implements the emergency stop that operates outside
// any agent's context window. It is the first evaluation layer — it cannot
// be bypassed by prompt injection, context compaction or policy mutation —
// and its state is persisted so an engaged switch survives restarts.
package killswitch

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/opencontrolgate/opencontrolgate/internal/store"
)

// StateKey is the runtime-state key holding the persisted flag.
const StateKey = "kill_switch"

// Switch is the persisted kill switch with an in-memory cache. Readers hit
// the cache; writers update the store first and the cache only after the
// write is acknowledged.
type Switch struct {
	store  store.Store
	logger *slog.Logger

	mu        sync.RWMutex
	engaged   bool
	engagedAt time.Time
	reason    string
}

// New creates a Switch and loads the persisted state. A missing key means
// disengaged.
func New(st store.Store, logger *slog.Logger) (*Switch, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Switch{
		store:  st,
		logger: logger.With("component", "killswitch"),
	}

	value, ok, err := st.GetState(StateKey)
	if err != nil {
		return nil, fmt.Errorf("failed to load kill switch state: %w", err)
	}
	s.engaged = ok && value == "true"
	if s.engaged {
		s.logger.Warn("kill switch is engaged from persisted state")
	}
	return s, nil
}

// Engaged is the hot-path read, called at layer 1 of every evaluation.
func (s *Switch) Engaged() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.engaged
}

// Engage activates the switch, persisting before updating the cache.
func (s *Switch) Engage(reason string) error {
	if err := s.store.SetState(StateKey, "true"); err != nil {
		return fmt.Errorf("failed to persist kill switch: %w", err)
	}

	s.mu.Lock()
	s.engaged = true
	s.engagedAt = time.Now().UTC()
	s.reason = reason
	s.mu.Unlock()

	s.logger.Error("KILL SWITCH ENGAGED", "reason", reason)
	return nil
}

// Release disengages the switch.
func (s *Switch) Release(reason string) error {
	if err := s.store.SetState(StateKey, "false"); err != nil {
		return fmt.Errorf("failed to persist kill switch: %w", err)
	}

	s.mu.Lock()
	s.engaged = false
	s.reason = reason
	s.mu.Unlock()

	s.logger.Info("kill switch released", "reason", reason)
	return nil
}

// Status reports the current state for the operator surface.
func (s *Switch) Status() (engaged bool, since time.Time, reason string) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.engaged, s.engagedAt, s.reason
}
