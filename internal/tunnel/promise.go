package tunnel

import "sync"

// Promise is the single-shot completion of an outbound connect. The first
// Resolve wins; listeners run exactly once, in the resolving goroutine.
type Promise struct {
	mu        sync.Mutex
	resolved  bool
	out       Outbound
	err       error
	listeners []func(Outbound, error)
	done      chan struct{}
}

func NewPromise() *Promise {
	return &Promise{done: make(chan struct{})}
}

// Resolve completes the promise and runs its listeners. It returns false if
// the promise was already resolved; the caller then still owns out.
func (p *Promise) Resolve(out Outbound, err error) bool {
	p.mu.Lock()
	if p.resolved {
		p.mu.Unlock()
		return false
	}
	p.resolved = true
	p.out, p.err = out, err
	listeners := p.listeners
	p.listeners = nil
	p.mu.Unlock()

	for _, fn := range listeners {
		fn(out, err)
	}
	close(p.done)
	return true
}

// OnComplete registers fn. If the promise is already resolved fn runs
// immediately in the caller's goroutine.
func (p *Promise) OnComplete(fn func(Outbound, error)) {
	p.mu.Lock()
	if !p.resolved {
		p.listeners = append(p.listeners, fn)
		p.mu.Unlock()
		return
	}
	out, err := p.out, p.err
	p.mu.Unlock()
	fn(out, err)
}

// Done is closed after the listeners registered before Resolve have run.
func (p *Promise) Done() <-chan struct{} { return p.done }

// Result returns the outcome. It is only meaningful after Done is closed.
func (p *Promise) Result() (Outbound, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.out, p.err
}
