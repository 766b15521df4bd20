// =============================================================================
// LEARNER - Hears and serves election results
// =============================================================================
//
// A learner is told about results; it never votes. Result and Accepted
// messages carry a (proposal, value) pair. The learner keeps the pair with
// the highest proposal and notifies its listeners once for every pair that
// moves it forward. Replays of what it already knows and anything older are
// dropped.
//
// MasterQuery is answered with the pair currently known. A learner that
// knows nothing stays silent.
//
// Informing learners is best effort: an unreachable learner is logged and
// counted, never retried here. The orchestrator's rebroadcast task covers
// learners that missed a result.
//
// =============================================================================

package paxos

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/senutpal/elections/internal/transport"
)

var ErrNoMaster = errors.New("paxos: no master known")

type Listener interface {
	Notify(p Proposal, v Value)
}

type ListenerFunc func(p Proposal, v Value)

func (f ListenerFunc) Notify(p Proposal, v Value) { f(p, v) }

type LearnerConfig struct {
	OpenTimeout time.Duration
	ReadTimeout time.Duration
	PollTimeout time.Duration
	// MaxClockDelta bounds how far a learned proposal's time may be from
	// the local clock before a warning is logged.
	MaxClockDelta time.Duration
}

type Learner struct {
	protocol *Protocol
	client   *client
	pool     *Pool
	loop     *serviceLoop
	cfg      LearnerConfig
	now      func() time.Time
	stats    LearnerStats

	// notifyMu orders listener callbacks. Listeners must not call Learn.
	notifyMu  sync.Mutex
	mu        sync.Mutex
	listeners []Listener
	latest    Proposal
	value     Value
}

func NewLearner(protocol *Protocol, d transport.Dispatcher, dialer transport.Dialer, pool *Pool, cfg LearnerConfig) *Learner {
	l := &Learner{
		protocol: protocol,
		client: &client{
			protocol:    protocol,
			dialer:      dialer,
			openTimeout: cfg.OpenTimeout,
			readTimeout: cfg.ReadTimeout,
		},
		pool: pool,
		cfg:  cfg,
		now:  time.Now,
	}
	l.loop = newServiceLoop(LearnerService, protocol, d, l.Process)
	l.loop.readTimeout = cfg.ReadTimeout
	l.loop.pollTimeout = cfg.PollTimeout
	return l
}

func (l *Learner) AddListener(li Listener) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.listeners = append(l.listeners, li)
}

func (l *Learner) Start(onFailure func(error)) error {
	l.loop.onFailure = onFailure
	return l.loop.start()
}

func (l *Learner) Shutdown() { l.loop.stop() }

func (l *Learner) Wait() error { return l.loop.wait() }

func (l *Learner) Stats() *LearnerStats { return &l.stats }

// Latest returns the newest result learned, or a zero proposal.
func (l *Learner) Latest() (Proposal, Value) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.latest, l.value
}

// Learn records (p, v) and notifies listeners if p is newer than anything
// learned so far. It reports whether the result was new.
func (l *Learner) Learn(p Proposal, v Value) bool {
	if p.IsZero() {
		return false
	}
	l.notifyMu.Lock()
	defer l.notifyMu.Unlock()

	l.mu.Lock()
	if !p.GreaterThan(l.latest) {
		if p.Equal(l.latest) && v == l.value {
			l.stats.Duplicates.Add(1)
		} else {
			l.stats.Stale.Add(1)
			log.Debugf("[%s] ignoring stale result %s, know %s", l.protocol.Sender(), p, l.latest)
		}
		l.mu.Unlock()
		return false
	}
	l.latest, l.value = p, v
	listeners := append([]Listener(nil), l.listeners...)
	l.mu.Unlock()

	l.stats.Learned.Add(1)
	l.checkClockDelta(p)
	log.Infof("[%s] learned %q from proposal %s", l.protocol.Sender(), v, p)
	for _, li := range listeners {
		li.Notify(p, v)
	}
	return true
}

func (l *Learner) checkClockDelta(p Proposal) {
	if l.cfg.MaxClockDelta <= 0 {
		return
	}
	delta := time.Duration(l.now().UnixMilli()-int64(p.TimeMs)) * time.Millisecond
	if delta < 0 {
		delta = -delta
	}
	if delta > l.cfg.MaxClockDelta {
		log.Warnf("[%s] clock differs by %v from the proposer of %s, limit is %v",
			l.protocol.Sender(), delta, p, l.cfg.MaxClockDelta)
	}
}

// Process handles one request on the Learner service.
func (l *Learner) Process(m Message) (Message, error) {
	switch m := m.(type) {
	case *Result:
		l.Learn(m.Proposal, m.Value)
		return nil, nil
	case *Accepted:
		l.Learn(m.Proposal, m.Value)
		return nil, nil
	case *MasterQuery:
		l.stats.MasterQueries.Add(1)
		p, v := l.Latest()
		if p.IsZero() {
			return nil, nil
		}
		return &MasterQueryResponse{Header: l.protocol.ReplyHeader(m.Header), Proposal: p, Value: v}, nil
	default:
		return l.protocol.NewInvalid(m.GetHeader(), fmt.Sprintf("learner does not handle %s", m.Op())), nil
	}
}

// InformLearners sends Result(p, v) to every address and waits for the
// sends. Failures are counted, not returned.
func (l *Learner) InformLearners(ctx context.Context, addrs []string, p Proposal, v Value) int {
	failed := postAll(ctx, l.pool, l.client, addrs, LearnerService, l.protocol.NewResult(p, v))
	if failed > 0 {
		l.stats.InformFailed.Add(int64(failed))
		log.Infof("[%s] %d of %d learners not informed of %s", l.protocol.Sender(), failed, len(addrs), p)
	}
	return failed
}

// ReinformLearners resends the newest known result to addrs. It does
// nothing when no result is known.
func (l *Learner) ReinformLearners(ctx context.Context, addrs []string) int {
	p, v := l.Latest()
	if p.IsZero() || len(addrs) == 0 {
		return 0
	}
	return l.InformLearners(ctx, addrs, p, v)
}

// QueryMaster asks the learners at addrs for their current result and
// returns the newest answer.
func (l *Learner) QueryMaster(ctx context.Context, addrs []string) (Proposal, Value, error) {
	answers := make(chan *MasterQueryResponse, len(addrs))
	var wg sync.WaitGroup
	req := l.protocol.NewMasterQuery()
	for _, addr := range addrs {
		addr := addr
		wg.Add(1)
		err := l.pool.Submit(func() {
			defer wg.Done()
			resp, err := l.client.call(ctx, addr, LearnerService, req)
			if err != nil {
				log.Debugf("[%s] master query to %s: %v", l.protocol.Sender(), addr, err)
				return
			}
			if r, ok := resp.(*MasterQueryResponse); ok {
				answers <- r
			}
		})
		if err != nil {
			wg.Done()
			return Proposal{}, NoValue, err
		}
	}
	wg.Wait()
	close(answers)

	var best *MasterQueryResponse
	for r := range answers {
		if best == nil || r.Proposal.GreaterThan(best.Proposal) {
			best = r
		}
	}
	if best == nil {
		return Proposal{}, NoValue, ErrNoMaster
	}
	return best.Proposal, best.Value, nil
}

// ShutdownLearners sends Shutdown to the learners at addrs.
func (l *Learner) ShutdownLearners(ctx context.Context, addrs []string) int {
	return postAll(ctx, l.pool, l.client, addrs, LearnerService, l.protocol.NewShutdown())
}
