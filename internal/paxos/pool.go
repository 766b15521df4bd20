package paxos

import (
	"errors"
	"fmt"
	"sync"
)

var ErrPoolClosed = errors.New("paxos: pool is shut down")

// Pool runs broadcast sends, one goroutine per task, so that a slow peer
// never holds up the others. It is shared by the proposer, the learner and
// shutdown broadcasts, and is shut down once by its owner.
type Pool struct {
	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup

	// OnPanic, when set, receives panics recovered from tasks.
	OnPanic func(error)
}

func NewPool() *Pool {
	return &Pool{}
}

func (p *Pool) Submit(task func()) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrPoolClosed
	}
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				err := fmt.Errorf("paxos: broadcast task panicked: %v", r)
				log.Error(err)
				if p.OnPanic != nil {
					p.OnPanic(err)
				}
			}
		}()
		task()
	}()
	return nil
}

// Shutdown refuses new tasks and waits for the running ones. It is safe to
// call more than once.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	p.wg.Wait()
}
