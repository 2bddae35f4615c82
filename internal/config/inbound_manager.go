package config

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"tunnelgateway/internal/logger"
)

// reloadSettle lets an editor finish writing before the file is re-read.
const reloadSettle = 100 * time.Millisecond

// InboundConfigManager holds the inbound list from inbounds.json and
// reloads it when the file changes.
type InboundConfigManager struct {
	inbounds   map[string]*InboundConfig
	mu         sync.RWMutex
	configPath string
	watcher    *fsnotify.Watcher
	watcherMu  sync.Mutex
	onChange   func()
}

// NewInboundConfigManager creates a manager for configPath.
func NewInboundConfigManager(configPath string) *InboundConfigManager {
	return &InboundConfigManager{
		inbounds:   make(map[string]*InboundConfig),
		configPath: configPath,
	}
}

// Load reads the inbound list. A missing file is an empty list. An invalid
// file leaves the current list in place.
func (m *InboundConfigManager) Load() error {
	data, err := os.ReadFile(m.configPath)
	if err != nil {
		if os.IsNotExist(err) {
			m.mu.Lock()
			m.inbounds = make(map[string]*InboundConfig)
			m.mu.Unlock()
			return nil
		}
		return fmt.Errorf("failed to read inbound config file: %w", err)
	}

	var configs []*InboundConfig
	if err := json.Unmarshal(data, &configs); err != nil {
		return fmt.Errorf("failed to parse inbound config file: %w", err)
	}

	next := make(map[string]*InboundConfig, len(configs))
	for _, cfg := range configs {
		if cfg == nil {
			continue
		}
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("invalid inbound config for %s: %w", cfg.ID, err)
		}
		if _, dup := next[cfg.ID]; dup {
			return fmt.Errorf("duplicate inbound id %s", cfg.ID)
		}
		next[cfg.ID] = cfg.Clone()
	}

	m.mu.Lock()
	m.inbounds = next
	m.mu.Unlock()
	return nil
}

// Save writes the current list to the config file.
func (m *InboundConfigManager) Save() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.saveToFile()
}

func (m *InboundConfigManager) saveToFile() error {
	data, err := json.MarshalIndent(m.sortedLocked(), "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal inbound config: %w", err)
	}
	tmp := m.configPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write inbound config file: %w", err)
	}
	if err := os.Rename(tmp, m.configPath); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to replace inbound config file: %w", err)
	}
	return nil
}

func (m *InboundConfigManager) sortedLocked() []*InboundConfig {
	result := make([]*InboundConfig, 0, len(m.inbounds))
	for _, cfg := range m.inbounds {
		result = append(result, cfg.Clone())
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result
}

// Reload re-reads the file and notifies the change callback.
func (m *InboundConfigManager) Reload() error {
	if err := m.Load(); err != nil {
		return err
	}
	logger.LogConfigReloaded(m.Count())
	m.mu.RLock()
	onChange := m.onChange
	m.mu.RUnlock()
	if onChange != nil {
		onChange()
	}
	return nil
}

// Get returns a copy of the inbound with the given id.
func (m *InboundConfigManager) Get(id string) (*InboundConfig, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cfg, ok := m.inbounds[id]
	if !ok {
		return nil, false
	}
	return cfg.Clone(), true
}

// All returns copies of every inbound, sorted by id.
func (m *InboundConfigManager) All() []*InboundConfig {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sortedLocked()
}

// Count returns the number of configured inbounds.
func (m *InboundConfigManager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.inbounds)
}

// Add adds a new inbound and saves the file.
func (m *InboundConfigManager) Add(cfg *InboundConfig) error {
	if cfg == nil {
		return fmt.Errorf("inbound config is nil")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.inbounds[cfg.ID]; exists {
		return fmt.Errorf("inbound with id %s already exists", cfg.ID)
	}
	m.inbounds[cfg.ID] = cfg.Clone()
	return m.saveToFile()
}

// Delete removes an inbound and saves the file.
func (m *InboundConfigManager) Delete(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.inbounds[id]; !exists {
		return fmt.Errorf("inbound with id %s not found", id)
	}
	delete(m.inbounds, id)
	return m.saveToFile()
}

// SetOnChange sets a callback run after every successful reload.
func (m *InboundConfigManager) SetOnChange(callback func()) {
	m.mu.Lock()
	m.onChange = callback
	m.mu.Unlock()
}

// Watch reloads the configuration whenever the file is written or
// replaced, until ctx is done. The directory is watched so that atomic
// replacements by editors are seen.
func (m *InboundConfigManager) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}

	m.watcherMu.Lock()
	m.watcher = watcher
	m.watcherMu.Unlock()

	if _, err := os.Stat(m.configPath); os.IsNotExist(err) {
		if err := os.WriteFile(m.configPath, []byte("[]"), 0644); err != nil {
			m.closeWatcher()
			return fmt.Errorf("failed to create config file: %w", err)
		}
	}

	if err := watcher.Add(filepath.Dir(m.configPath)); err != nil {
		m.closeWatcher()
		return fmt.Errorf("failed to watch inbound config file: %w", err)
	}

	target := filepath.Clean(m.configPath)
	go func() {
		defer m.closeWatcher()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != target {
					continue
				}
				if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
					time.Sleep(reloadSettle)
					if err := m.Reload(); err != nil {
						logger.Error("Inbound config reload failed: %v", err)
					}
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Warn("Inbound config watcher error: %v", err)
			}
		}
	}()

	return nil
}

// StopWatch stops watching the configuration file.
func (m *InboundConfigManager) StopWatch() {
	m.closeWatcher()
}

func (m *InboundConfigManager) closeWatcher() {
	m.watcherMu.Lock()
	defer m.watcherMu.Unlock()
	if m.watcher != nil {
		m.watcher.Close()
		m.watcher = nil
	}
}
