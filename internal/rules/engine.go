package rules

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"tunnelgateway/internal/logger"
)

// DefaultRefreshInterval is how often rule sources are re-fetched.
const DefaultRefreshInterval = 24 * time.Hour

const maxConcurrentFetches = 4

type slot struct {
	source  Source
	current atomic.Pointer[RuleSet]
	lastErr atomic.Pointer[string]
}

// Engine answers membership queries against named rule sets and refreshes
// them in the background. Lookups never lock: each set is published through
// an atomic pointer, so a reader sees either the old or the new complete set.
type Engine struct {
	fetcher  *Fetcher
	interval time.Duration
	slots    map[string]*slot // fixed after NewEngine
	order    []string

	started  atomic.Bool
	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// NewEngine creates an engine for the given sources. Sources with duplicate
// or empty names are rejected.
func NewEngine(fetcher *Fetcher, sources []Source, interval time.Duration) (*Engine, error) {
	if interval <= 0 {
		interval = DefaultRefreshInterval
	}
	e := &Engine{
		fetcher:  fetcher,
		interval: interval,
		slots:    make(map[string]*slot, len(sources)),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	for _, src := range sources {
		if src.Name == "" {
			return nil, errors.New("rule source name is required")
		}
		if _, dup := e.slots[src.Name]; dup {
			return nil, fmt.Errorf("duplicate rule source %q", src.Name)
		}
		e.slots[src.Name] = &slot{source: src}
		e.order = append(e.order, src.Name)
	}
	return e, nil
}

// Match reports whether host belongs to the named set. Unknown or not yet
// loaded sets match nothing.
func (e *Engine) Match(set, host string) bool {
	s, ok := e.slots[set]
	if !ok {
		return false
	}
	return s.current.Load().Match(host)
}

// Has reports whether a set with this name is configured.
func (e *Engine) Has(set string) bool {
	_, ok := e.slots[set]
	return ok
}

// Refresh re-fetches every source. A failing source keeps its previous set
// and does not affect the others; the returned error joins all failures.
func (e *Engine) Refresh(ctx context.Context) error {
	var (
		g    errgroup.Group
		mu   sync.Mutex
		errs []error
	)
	g.SetLimit(maxConcurrentFetches)
	for _, name := range e.order {
		s := e.slots[name]
		g.Go(func() error {
			if err := e.refreshSlot(ctx, s); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

func (e *Engine) refreshSlot(ctx context.Context, s *slot) error {
	data, stale, err := e.fetcher.Fetch(ctx, s.source)
	if err == nil {
		var rs *RuleSet
		rs, err = ParseRuleBytes(s.source.Name, data)
		if err == nil {
			rs.Stale = stale
			s.current.Store(rs)
			s.lastErr.Store(nil)
			logger.LogRuleRefresh(s.source.Name, rs.Len(), stale, nil)
			return nil
		}
	}
	msg := err.Error()
	s.lastErr.Store(&msg)
	logger.LogRuleRefresh(s.source.Name, 0, false, err)
	return fmt.Errorf("rule source %s: %w", s.source.Name, err)
}

// Start performs the initial load and then refreshes every interval until
// Stop is called or ctx ends. The initial load error is returned but the
// refresh loop runs regardless.
func (e *Engine) Start(ctx context.Context) error {
	err := e.Refresh(ctx)
	e.started.Store(true)
	go e.loop(ctx)
	return err
}

func (e *Engine) loop(ctx context.Context) {
	defer close(e.done)
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-e.stop:
			return
		case <-ticker.C:
			_ = e.Refresh(ctx)
		}
	}
}

// Stop ends the refresh loop and waits for it to exit.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() { close(e.stop) })
	if e.started.Load() {
		<-e.done
	}
}

// SourceStatus describes the currently published set of one source.
type SourceStatus struct {
	Name      string    `json:"name"`
	Rules     int       `json:"rules"`
	LoadedAt  time.Time `json:"loaded_at,omitempty"`
	Stale     bool      `json:"stale"`
	LastError string    `json:"last_error,omitempty"`
}

// Status returns the state of every source, sorted by name.
func (e *Engine) Status() []SourceStatus {
	out := make([]SourceStatus, 0, len(e.slots))
	for name, s := range e.slots {
		st := SourceStatus{Name: name}
		if rs := s.current.Load(); rs != nil {
			st.Rules = rs.Len()
			st.LoadedAt = rs.LoadedAt
			st.Stale = rs.Stale
		}
		if msg := s.lastErr.Load(); msg != nil {
			st.LastError = *msg
		}
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
