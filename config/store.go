package config

import (
	"maps"
	"sync/atomic"

	"kbcoder/logger"
)

// Source provides raw settings
type Source interface {
	Settings() (Settings, error)
}

// SourceFunc adapts a function to Source
type SourceFunc func() (Settings, error)

// Settings implements Source
func (f SourceFunc) Settings() (Settings, error) { return f() }

// Layered merges sources in order; later sources override earlier keys
type Layered []Source

// Settings implements Source
func (l Layered) Settings() (Settings, error) {
	merged := Settings{}
	for _, src := range l {
		s, err := src.Settings()
		if err != nil {
			return nil, err
		}
		maps.Copy(merged, s)
	}
	return merged, nil
}

// Store holds the current Snapshot and swaps it atomically on reload
type Store struct {
	current atomic.Pointer[Snapshot]
}

// NewStore returns a Store initialized with defaults
func NewStore() *Store {
	s := &Store{}
	s.current.Store(Load(nil))
	return s
}

// Current returns the active snapshot. Callers keep the returned pointer for
// the duration of an operation; later reloads do not affect it.
func (s *Store) Current() *Snapshot {
	return s.current.Load()
}

// Reload rebuilds the snapshot from src and swaps it in. When src fails the
// previous snapshot stays active.
func (s *Store) Reload(src Source) *Snapshot {
	settings, err := src.Settings()
	if err != nil {
		logger.Warn("config: reload failed, keeping previous settings: %v", err)
		return s.Current()
	}
	snap := Load(settings)
	s.current.Store(snap)
	logger.Debug("config: reloaded (endpoint=%s model=%s openai=%v window=%d)",
		snap.Endpoint, snap.Model, snap.UseOpenAISpec, snap.PromptWindowSize)
	return snap
}
