package config

import (
	"sync"
	"sync/atomic"
)

// Store holds the live configuration. Readers load a pointer and never see a
// partially updated Config; writers replace the whole value.
type Store struct {
	cur atomic.Pointer[Config]
	mu  sync.Mutex // serializes Update and Reload
}

func NewStore(cfg Config) *Store {
	s := &Store{}
	s.cur.Store(&cfg)
	return s
}

// Current returns the active configuration. Callers must treat it as read-only.
func (s *Store) Current() *Config {
	return s.cur.Load()
}

// Replace swaps in cfg wholesale.
func (s *Store) Replace(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cur.Store(&cfg)
}

// Update applies fn to a copy of the current config and publishes the copy.
// fn must assign new slices and maps rather than mutating shared ones.
func (s *Store) Update(fn func(*Config)) Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := *s.cur.Load()
	fn(&next)
	s.cur.Store(&next)
	return next
}

// Reload re-reads config.yaml from the current home directory. On error the
// previous configuration stays active.
func (s *Store) Reload() (Config, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cfg, err := LoadFrom(s.cur.Load().HomeDir)
	if err != nil {
		return *s.cur.Load(), err
	}
	s.cur.Store(&cfg)
	return cfg, nil
}
