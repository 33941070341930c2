package pool

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"mcpbridge/internal/mcperr"
	"mcpbridge/pkg/logging"

	"github.com/robfig/cron/v3"
)

// Strategy selects which idle connection Checkout hands out next.
type Strategy string

const (
	FIFO   Strategy = "fifo"
	LIFO   Strategy = "lifo"
	Random Strategy = "random"
)

// ErrClosed is returned to any outstanding waiter when the pool stops.
var ErrClosed = errors.New("pool: closed")

// Conn is a single pooled handle.
type Conn struct {
	Handle     interface{}
	CreatedAt  time.Time
	LastUsed   time.Time
	UseCount   int
	IsOverflow bool
}

// Config configures a Pool bound to a single server.
type Config struct {
	Size        int
	MaxOverflow int
	Strategy    Strategy
	CreateFn    func(ctx context.Context) (interface{}, error)
	ValidateFn  func(interface{}) bool
	DestroyFn   func(interface{})
}

type waiter struct {
	result chan waitResult
}

type waitResult struct {
	conn *Conn
	err  error
}

// Pool is a single-owner bounded connection pool.
type Pool struct {
	mu sync.Mutex

	cfg       Config
	available []*Conn
	inUseN    int
	waiters   []*waiter
	stopped   bool

	cronSched *cron.Cron
}

// New constructs a Pool. It does not pre-create connections; the first
// Size checkouts populate it lazily.
func New(cfg Config) *Pool {
	return &Pool{cfg: cfg}
}

// Checkout hands out an idle connection per Strategy, creates an
// overflow connection if the pool has room, or blocks as a waiter until
// ctx is done.
func (p *Pool) Checkout(ctx context.Context) (*Conn, error) {
	for {
		p.mu.Lock()
		if p.stopped {
			p.mu.Unlock()
			return nil, ErrClosed
		}

		if conn := p.popAvailableLocked(); conn != nil {
			if p.cfg.ValidateFn != nil && !p.cfg.ValidateFn(conn.Handle) {
				p.destroyLocked(conn)
				p.mu.Unlock()
				continue
			}
			p.inUseN++
			conn.LastUsed = time.Now()
			conn.UseCount++
			p.mu.Unlock()
			return conn, nil
		}

		if p.totalLocked() < p.cfg.Size+p.cfg.MaxOverflow {
			isOverflow := p.totalLocked() >= p.cfg.Size
			p.inUseN++
			p.mu.Unlock()

			handle, err := p.cfg.CreateFn(ctx)
			if err != nil {
				p.mu.Lock()
				p.inUseN--
				p.mu.Unlock()
				return nil, err
			}
			now := time.Now()
			return &Conn{Handle: handle, CreatedAt: now, LastUsed: now, UseCount: 1, IsOverflow: isOverflow}, nil
		}

		w := &waiter{result: make(chan waitResult, 1)}
		p.waiters = append(p.waiters, w)
		p.mu.Unlock()

		select {
		case res := <-w.result:
			return res.conn, res.err
		case <-ctx.Done():
			p.removeWaiter(w)
			return nil, &mcperr.TimeoutError{Operation: "pool checkout"}
		}
	}
}

// Checkin returns conn to the pool: handed directly to a waiter if one
// is queued, destroyed if it is overflow (or the pool is already at
// Size), or returned to the available set otherwise.
func (p *Pool) Checkin(conn *Conn) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.inUseN--

	if len(p.waiters) > 0 {
		w := p.waiters[0]
		p.waiters = p.waiters[1:]
		conn.LastUsed = time.Now()
		conn.UseCount++
		p.inUseN++
		w.result <- waitResult{conn: conn}
		return
	}

	if conn.IsOverflow || len(p.available) >= p.cfg.Size {
		p.destroyLocked(conn)
		return
	}

	p.available = append(p.available, conn)
}

// Stop destroys every connection and replies ErrClosed to any waiter.
func (p *Pool) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return
	}
	p.stopped = true

	for _, conn := range p.available {
		p.destroyLocked(conn)
	}
	p.available = nil

	for _, w := range p.waiters {
		w.result <- waitResult{err: ErrClosed}
	}
	p.waiters = nil

	if p.cronSched != nil {
		p.cronSched.Stop()
	}
}

// StartValidation schedules periodic validation of idle connections
// every 30 seconds.
func (p *Pool) StartValidation() {
	p.cronSched = cron.New()
	_, err := p.cronSched.AddFunc("@every 30s", p.validateAvailable)
	if err != nil {
		logging.Error("pool", err, "failed to schedule validation")
		return
	}
	p.cronSched.Start()
}

func (p *Pool) validateAvailable() {
	if p.cfg.ValidateFn == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	kept := p.available[:0]
	for _, conn := range p.available {
		if p.cfg.ValidateFn(conn.Handle) {
			kept = append(kept, conn)
		} else {
			p.destroyLocked(conn)
		}
	}
	p.available = kept
}

// Stats reports the pool's current occupancy, for the
// |in_use|+|available| <= size+max_overflow invariant.
type Stats struct {
	InUse     int
	Available int
	Waiters   int
}

func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{InUse: p.inUseN, Available: len(p.available), Waiters: len(p.waiters)}
}

func (p *Pool) totalLocked() int { return p.inUseN + len(p.available) }

func (p *Pool) destroyLocked(conn *Conn) {
	if p.cfg.DestroyFn != nil {
		p.cfg.DestroyFn(conn.Handle)
	}
}

func (p *Pool) popAvailableLocked() *Conn {
	n := len(p.available)
	if n == 0 {
		return nil
	}
	switch p.cfg.Strategy {
	case LIFO:
		conn := p.available[n-1]
		p.available = p.available[:n-1]
		return conn
	case Random:
		idx := rand.Intn(n)
		conn := p.available[idx]
		p.available[idx] = p.available[n-1]
		p.available = p.available[:n-1]
		return conn
	default: // FIFO
		conn := p.available[0]
		p.available = p.available[1:]
		return conn
	}
}

func (p *Pool) removeWaiter(target *waiter) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, w := range p.waiters {
		if w == target {
			p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
			return
		}
	}
}
