package signaling

import (
	"context"
	"sync"
	"time"
)

const defaultPersistTimeout = 5 * time.Second

type task func(ctx context.Context)

// persister runs store writes off the hub loop. Tasks for one room run one at
// a time in submission order; different rooms proceed in parallel.
type persister struct {
	mu      sync.Mutex
	idle    *sync.Cond
	queues  map[string][]task
	pending int
	closed  bool
	timeout time.Duration
}

func newPersister(timeout time.Duration) *persister {
	if timeout <= 0 {
		timeout = defaultPersistTimeout
	}
	p := &persister{
		queues:  make(map[string][]task),
		timeout: timeout,
	}
	p.idle = sync.NewCond(&p.mu)
	return p
}

// submit queues t behind earlier tasks for room. It reports false once closed.
func (p *persister) submit(room string, t task) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return false
	}
	p.pending++
	q, running := p.queues[room]
	p.queues[room] = append(q, t)
	if !running {
		go p.drain(room)
	}
	return true
}

func (p *persister) drain(room string) {
	for {
		p.mu.Lock()
		q := p.queues[room]
		if len(q) == 0 {
			delete(p.queues, room)
			p.mu.Unlock()
			return
		}
		t := q[0]
		q[0] = nil
		p.queues[room] = q[1:]
		p.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
		t(ctx)
		cancel()

		p.mu.Lock()
		p.pending--
		if p.pending == 0 {
			p.idle.Broadcast()
		}
		p.mu.Unlock()
	}
}

// flush blocks until every submitted task has finished.
func (p *persister) flush() {
	p.mu.Lock()
	for p.pending > 0 {
		p.idle.Wait()
	}
	p.mu.Unlock()
}

// close flushes and refuses further work.
func (p *persister) close() {
	p.flush()
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
}
