package elections

import (
	"context"
	"time"
)

// rebroadcaster re-sends the current result on a fixed period.
type rebroadcaster struct {
	cancel context.CancelFunc
	done   chan struct{}
}

func (e *Elections) startRebroadcast() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.rebroadcast != nil || e.shutdown.Load() {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	r := &rebroadcaster{cancel: cancel, done: make(chan struct{})}
	e.rebroadcast = r
	log.Debugf("[%s] rebroadcasting results every %v", e.name(), e.cfg.RebroadcastPeriod)
	go e.runRebroadcast(ctx, r)
}

func (e *Elections) stopRebroadcast() {
	e.mu.Lock()
	r := e.rebroadcast
	e.rebroadcast = nil
	e.mu.Unlock()
	if r == nil {
		return
	}
	r.cancel()
	<-r.done
}

func (e *Elections) runRebroadcast(ctx context.Context, r *rebroadcaster) {
	defer close(r.done)
	ticker := time.NewTicker(e.cfg.RebroadcastPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.rebroadcastOnce(ctx)
		}
	}
}

func (e *Elections) rebroadcastOnce(ctx context.Context) {
	var active []string
	if e.deps.Activity != nil {
		active = e.deps.Activity.ActiveAddrs()
	}
	lagging := laggingLearners(e.otherLearners(), active)
	if len(lagging) == 0 {
		return
	}
	log.Debugf("[%s] re-informing %d learners", e.name(), len(lagging))
	e.learner.ReinformLearners(ctx, lagging)
}

// laggingLearners returns the learners that are not active.
func laggingLearners(learners, active []string) []string {
	skip := make(map[string]bool, len(active))
	for _, a := range active {
		skip[a] = true
	}
	var out []string
	for _, l := range learners {
		if !skip[l] {
			out = append(out, l)
		}
	}
	return out
}
