package tunnel

import (
	"io"
	"sync"
	"sync/atomic"
)

// Relay joins an inbound and an outbound stream. Each direction is a
// blocking read-then-write loop, so a destination that stops accepting
// writes stops its source from being read. When either direction ends both
// ends are closed.
type Relay struct {
	in   io.ReadWriteCloser
	out  io.ReadWriteCloser
	conn *ConnContext
	pool *BufferPool

	ready     chan struct{}
	readyOnce sync.Once

	closed    atomic.Bool
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewRelay creates a relay between in and out. A nil pool uses the shared
// DefaultBufferSize pool.
func NewRelay(in, out io.ReadWriteCloser, conn *ConnContext, pool *BufferPool) *Relay {
	if pool == nil {
		pool = defaultBuffers
	}
	if conn == nil {
		conn = NewConnContext(nil, "")
	}
	return &Relay{
		in:    in,
		out:   out,
		conn:  conn,
		pool:  pool,
		ready: make(chan struct{}),
	}
}

// Start begins reading the outbound. Bytes are held back from the inbound
// until Open is called, so a handshake reply written in between always
// reaches the client first.
func (r *Relay) Start() {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.pipe(r.in, r.out, r.conn.AddDown, r.ready)
	}()
}

// Open releases outbound bytes to the inbound.
func (r *Relay) Open() {
	r.readyOnce.Do(func() { close(r.ready) })
}

// Forward writes first to the outbound and then copies the inbound to the
// outbound until either side ends. It blocks.
func (r *Relay) Forward(first []byte) {
	if len(first) > 0 {
		if _, err := r.out.Write(first); err != nil {
			r.Close()
			return
		}
		r.conn.AddUp(int64(len(first)))
	}
	r.pipe(r.out, r.in, r.conn.AddUp, nil)
}

// Run relays both directions and returns when the tunnel is closed.
func (r *Relay) Run() {
	r.Start()
	r.Open()
	r.Forward(nil)
	r.Wait()
}

// Close closes both ends. It is safe to call more than once.
func (r *Relay) Close() {
	r.closeOnce.Do(func() {
		r.closed.Store(true)
		r.Open()
		r.in.Close()
		r.out.Close()
	})
}

// Wait blocks until the outbound-to-inbound direction has exited.
func (r *Relay) Wait() { r.wg.Wait() }

func (r *Relay) pipe(dst io.Writer, src io.Reader, count func(int64), gate <-chan struct{}) {
	defer r.Close()
	bufp := r.pool.Get()
	defer r.pool.Put(bufp)
	buf := *bufp
	for {
		n, err := src.Read(buf)
		if n > 0 {
			if gate != nil {
				<-gate
				gate = nil
			}
			if r.closed.Load() {
				return
			}
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return
			}
			count(int64(n))
		}
		if err != nil {
			return
		}
	}
}
