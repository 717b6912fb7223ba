package config

import "sync"

// Live is a Config that may be edited while the service runs. Readers get
// copies; writers go through Update.
type Live struct {
	mu  sync.RWMutex
	cfg Config
}

func NewLive(cfg *Config) *Live {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return &Live{cfg: *cfg}
}

func (l *Live) Get() Config {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.cfg
}

// Update applies fn to the current config and re-normalizes the result.
func (l *Live) Update(fn func(cfg *Config)) Config {
	l.mu.Lock()
	defer l.mu.Unlock()
	fn(&l.cfg)
	Normalize(&l.cfg)
	return l.cfg
}

func (l *Live) MemorySettings() MemoryConfig {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.cfg.Memory
}

func (l *Live) InjectionSettings() InjectionConfig {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.cfg.Injection
}
