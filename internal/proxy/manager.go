package proxy

import (
	"net"
	"sort"
	"sync"
	"time"

	"tunnelgateway/internal/config"
	"tunnelgateway/internal/logger"
	"tunnelgateway/internal/route"
	"tunnelgateway/internal/tunnel"
)

// ConnTracker counts connections while they are served.
type ConnTracker interface {
	TrackConn(protocol string) func()
}

// Deps are the collaborators shared by every inbound.
type Deps struct {
	Connector  *tunnel.Connector
	Users      *route.Users // optional
	Tracker    ConnTracker  // optional
	DNSTimeout time.Duration
}

// Manager runs one listener per enabled inbound and restarts them when the
// inbound configuration changes.
type Manager struct {
	configMgr *config.InboundConfigManager
	deps      *Deps

	mu        sync.Mutex
	listeners map[string]inbound
}

func NewManager(configMgr *config.InboundConfigManager, deps Deps) *Manager {
	return &Manager{
		configMgr: configMgr,
		deps:      &deps,
		listeners: make(map[string]inbound),
	}
}

// Start starts every enabled inbound not already running. It keeps going
// past failures and returns the first one.
func (m *Manager) Start() error {
	if m.configMgr == nil {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var firstErr error
	for _, cfg := range m.configMgr.All() {
		if cfg == nil || !cfg.Enabled {
			continue
		}
		if _, exists := m.listeners[cfg.ID]; exists {
			continue
		}
		l := newInbound(cfg, m.deps)
		if err := l.Start(); err != nil {
			logger.Error("Inbound %s: failed to start on %s: %v", cfg.ID, cfg.ListenAddr, err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		m.listeners[cfg.ID] = l
		logger.LogInboundStarted(cfg.ID, l.Addr().String(), cfg.Type)
	}
	return firstErr
}

// Stop stops every inbound, closes their connections and waits for the
// handlers to return.
func (m *Manager) Stop() {
	m.stopListeners(true)
}

// Reload stops the listeners without touching active connections and
// starts the current configuration.
func (m *Manager) Reload() error {
	m.stopListeners(false)
	return m.Start()
}

func (m *Manager) stopListeners(wait bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, l := range m.listeners {
		l.Stop(wait)
		delete(m.listeners, id)
		logger.LogInboundStopped(id)
	}
}

// Addr returns the bound address of a running inbound.
func (m *Manager) Addr(id string) (net.Addr, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.listeners[id]
	if !ok {
		return nil, false
	}
	return l.Addr(), true
}

// Running returns the IDs of the running inbounds, sorted.
func (m *Manager) Running() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.listeners))
	for id := range m.listeners {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
