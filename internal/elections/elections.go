// =============================================================================
// ELECTIONS - One node's participation in master election
// =============================================================================
//
// Elections wires a Proposer, an Acceptor and a Learner to the node's
// dispatcher, storage and group view. Its lifecycle:
//
//   New             nothing is serving yet
//   StartLearner    the Learner service runs; results are heard
//   Participate     the Acceptor service runs too; the node votes
//   InitiateElection
//                   runs a campaign in the background and waits until some
//                   result is learned, ours or another node's
//   Shutdown        stops everything, once
//
// Campaigns never overlap on one node. A campaign can outlive the call that
// started it when another node's result arrives first; the next call waits
// for it to wind down and cancels it if it takes longer than four read
// timeouts.
//
// While the learned master is this node, a rebroadcast task periodically
// re-sends the result to learners the replication layer reports as not
// connected.
//
// Fatal agent errors, clock skew and (outside test mode) running out of
// election retries are reported once through Dependencies.OnFailure and
// afterwards returned by Err.
//
// =============================================================================

package elections

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	logging "github.com/ipfs/go-log"

	"github.com/senutpal/elections/internal/config"
	"github.com/senutpal/elections/internal/paxos"
	"github.com/senutpal/elections/internal/storage"
	"github.com/senutpal/elections/internal/transport"
)

var log = logging.Logger("elections")

var ErrShutdown = errors.New("elections: shut down")

// Group is the node's view of group membership.
type Group interface {
	Acceptors() []paxos.Member
	// Learners returns the addresses of every node that should hear
	// results, including this one.
	Learners() []string
}

// StaticGroup is a fixed membership. Without explicit learners every
// acceptor is also a learner.
type StaticGroup struct {
	Members      []paxos.Member
	LearnerAddrs []string
}

func (g StaticGroup) Acceptors() []paxos.Member {
	return append([]paxos.Member(nil), g.Members...)
}

func (g StaticGroup) Learners() []string {
	if len(g.LearnerAddrs) > 0 {
		return append([]string(nil), g.LearnerAddrs...)
	}
	addrs := make([]string, 0, len(g.Members))
	for _, m := range g.Members {
		addrs = append(addrs, m.Addr)
	}
	return addrs
}

// ReplicaActivity reports which learners the replication layer currently
// has live connections to.
type ReplicaActivity interface {
	ActiveAddrs() []string
}

type Dependencies struct {
	Dispatcher transport.Dispatcher
	Dialer     transport.Dialer
	Group      Group
	// Store persists acceptor state; nil keeps it in memory.
	Store       paxos.StateStore
	Suggestions paxos.SuggestionGenerator
	// PrePromise overrides the default promise policy.
	PrePromise paxos.PrePromiseHook

	Priority        int
	LogVersion      int
	SoftwareVersion string

	// SelfValue is the value that means "this node is master".
	SelfValue paxos.Value
	// Activity limits rebroadcasts to learners not known to be connected.
	// Without it every other learner is re-informed.
	Activity ReplicaActivity

	OnFailure func(error)
	// Arbitrate is called when elections keep failing and a tie breaker
	// should be brought in.
	Arbitrate func()
}

type campaign struct {
	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

type Elections struct {
	cfg      config.Config
	deps     Dependencies
	protocol *paxos.Protocol
	states   *paxos.ElectionStates
	pool     *paxos.Pool
	acceptor *paxos.Acceptor
	learner  *paxos.Learner
	proposer *paxos.Proposer

	// serializes InitiateElection
	callMu sync.Mutex

	mu          sync.Mutex
	learning    bool
	voting      bool
	latch       chan struct{}
	campaign    *campaign
	rebroadcast *rebroadcaster

	shutdown atomic.Bool
	stopCh   chan struct{}

	failMu  sync.Mutex
	failErr error
}

func New(cfg config.Config, deps Dependencies) (*Elections, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if deps.Dispatcher == nil || deps.Dialer == nil || deps.Group == nil {
		return nil, errors.New("elections: dispatcher, dialer and group are required")
	}
	if deps.Store == nil {
		deps.Store = storage.NewMemoryStorage()
	}
	states, err := paxos.NewElectionStates(deps.Store)
	if err != nil {
		return nil, err
	}

	e := &Elections{
		cfg:      cfg,
		deps:     deps,
		protocol: paxos.NewProtocol(cfg.GroupName, cfg.NodeName),
		states:   states,
		pool:     paxos.NewPool(),
		stopCh:   make(chan struct{}),
	}
	e.pool.OnPanic = e.fail

	hook := deps.PrePromise
	if hook == nil {
		hook = paxos.StatesPrePromiseHook(states)
	}
	e.acceptor = paxos.NewAcceptor(e.protocol, deps.Dispatcher, states, hook, deps.Suggestions, paxos.AcceptorConfig{
		Priority:        deps.Priority,
		LogVersion:      deps.LogVersion,
		SoftwareVersion: deps.SoftwareVersion,
		ReadTimeout:     cfg.ElectionReadTimeout,
		PollTimeout:     cfg.ServicePollTimeout,
	})
	e.learner = paxos.NewLearner(e.protocol, deps.Dispatcher, deps.Dialer, e.pool, paxos.LearnerConfig{
		OpenTimeout:   cfg.ElectionOpenTimeout,
		ReadTimeout:   cfg.ElectionReadTimeout,
		PollTimeout:   cfg.ServicePollTimeout,
		MaxClockDelta: cfg.MaxClockDelta,
	})
	e.learner.AddListener(paxos.ListenerFunc(e.onResult))

	generator := paxos.NewProposalGenerator(cfg.MaxClockSkew, paxos.WithWinningProposal(func() paxos.Proposal {
		p, _ := e.learner.Latest()
		return p
	}))
	e.proposer = paxos.NewProposer(e.protocol, generator, deps.Dialer, e.pool, deps.Group.Acceptors, paxos.ProposerConfig{
		OpenTimeout:         cfg.ElectionOpenTimeout,
		ReadTimeout:         cfg.ElectionReadTimeout,
		MinElectionDuration: cfg.MinElectionDuration,
	})
	return e, nil
}

func (e *Elections) name() string { return e.cfg.NodeName }

// StartLearner starts the Learner service. Calling it again is a no-op.
func (e *Elections) StartLearner() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.shutdown.Load() {
		return ErrShutdown
	}
	if e.learning {
		return nil
	}
	if err := e.learner.Start(e.fail); err != nil {
		return fmt.Errorf("elections: start learner: %w", err)
	}
	e.learning = true
	log.Infof("[%s] learner started", e.name())
	return nil
}

// Participate starts the Acceptor service, and the Learner if needed, so
// that this node votes and can run elections.
func (e *Elections) Participate() error {
	if err := e.StartLearner(); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.shutdown.Load() {
		return ErrShutdown
	}
	if e.voting {
		return nil
	}
	if err := e.acceptor.Start(e.fail); err != nil {
		return fmt.Errorf("elections: start acceptor: %w", err)
	}
	e.voting = true
	log.Infof("[%s] participating in elections", e.name())
	return nil
}

// InitiateElection starts a campaign and returns once a result has been
// learned, whichever node produced it. maxRetries bounds the failed rounds
// the campaign retries before giving up. ctx bounds the wait; cancelling it
// abandons the campaign.
func (e *Elections) InitiateElection(ctx context.Context, policy paxos.QuorumPolicy, maxRetries int) error {
	if e.shutdown.Load() {
		return ErrShutdown
	}
	if err := e.Err(); err != nil {
		return err
	}
	e.mu.Lock()
	voting := e.voting
	e.mu.Unlock()
	if !voting {
		return errors.New("elections: InitiateElection before Participate")
	}

	e.callMu.Lock()
	defer e.callMu.Unlock()
	e.quiesce()

	latch := make(chan struct{})
	c := &campaign{done: make(chan struct{})}
	cctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel

	e.mu.Lock()
	if e.shutdown.Load() {
		e.mu.Unlock()
		cancel()
		return ErrShutdown
	}
	e.latch = latch
	e.campaign = c
	e.mu.Unlock()

	log.Infof("[%s] initiating election", e.name())
	go e.runCampaign(cctx, c, policy, maxRetries)

	select {
	case <-latch:
		return nil
	case <-c.done:
		select {
		case <-latch:
			return nil
		default:
		}
		if c.err != nil {
			return c.err
		}
		return e.Err()
	case <-ctx.Done():
		cancel()
		return ctx.Err()
	case <-e.stopCh:
		return ErrShutdown
	}
}

// quiesce waits for the previous campaign to finish, cancelling it after
// four read timeouts.
func (e *Elections) quiesce() {
	e.mu.Lock()
	c := e.campaign
	e.mu.Unlock()
	if c == nil {
		return
	}
	limit := 4 * e.cfg.ElectionReadTimeout
	t := time.NewTimer(limit)
	defer t.Stop()
	select {
	case <-c.done:
		return
	case <-t.C:
	}
	log.Warnf("[%s] previous election still running after %v, cancelling it", e.name(), limit)
	c.cancel()
	<-c.done
}

func (e *Elections) runCampaign(ctx context.Context, c *campaign, policy paxos.QuorumPolicy, maxRetries int) {
	defer close(c.done)
	defer c.cancel()
	defer func() {
		if r := recover(); r != nil {
			c.err = fmt.Errorf("elections: campaign panicked: %v", r)
			e.fail(c.err)
		}
	}()

	retry := newRetryPredicate(maxRetries, e.cfg.PrimaryRetries, e.cfg.BackoffUnit, e.deps.Arbitrate)
	w, err := e.proposer.IssueProposal(ctx, policy, retry)
	if err != nil {
		c.err = err
		var exit *paxos.ExitElectionError
		switch {
		case errors.As(err, &exit):
			if e.cfg.TestMode {
				log.Warnf("[%s] %v", e.name(), err)
			} else {
				e.fail(err)
			}
		case errors.Is(err, paxos.ErrClockSkew):
			e.fail(err)
		case ctx.Err() != nil:
			log.Infof("[%s] election abandoned: %v", e.name(), err)
		default:
			log.Errorf("[%s] election failed: %v", e.name(), err)
		}
		return
	}

	e.learner.Learn(w.Proposal, w.Value)
	e.learner.InformLearners(ctx, e.otherLearners(), w.Proposal, w.Value)
}

func (e *Elections) otherLearners() []string {
	self := e.deps.Dispatcher.Addr()
	var out []string
	for _, addr := range e.deps.Group.Learners() {
		if addr != self {
			out = append(out, addr)
		}
	}
	return out
}

// onResult runs for every new result this node's learner hears.
func (e *Elections) onResult(p paxos.Proposal, v paxos.Value) {
	if err := e.states.Learned(p); err != nil {
		e.fail(err)
	}
	e.mu.Lock()
	if e.latch != nil {
		close(e.latch)
		e.latch = nil
	}
	e.mu.Unlock()

	if !e.deps.SelfValue.IsEmpty() && v == e.deps.SelfValue {
		e.startRebroadcast()
	} else {
		e.stopRebroadcast()
	}
}

// Shutdown stops the acceptor, the learner, any running campaign and the
// rebroadcast task, then the broadcast pool. Only the first call has any
// effect.
func (e *Elections) Shutdown() {
	if !e.shutdown.CompareAndSwap(false, true) {
		return
	}
	log.Infof("[%s] shutting down elections", e.name())
	close(e.stopCh)

	e.acceptor.Shutdown()
	e.learner.Shutdown()

	e.mu.Lock()
	c := e.campaign
	e.mu.Unlock()
	if c != nil {
		c.cancel()
		<-c.done
	}
	e.stopRebroadcast()
	e.pool.Shutdown()
}

func (e *Elections) fail(err error) {
	e.failMu.Lock()
	first := e.failErr == nil
	if first {
		e.failErr = err
	}
	e.failMu.Unlock()
	if !first {
		return
	}
	log.Errorf("[%s] elections failed: %v", e.name(), err)
	if e.deps.OnFailure != nil {
		e.deps.OnFailure(err)
	}
}

// Err returns the first fatal error, if any.
func (e *Elections) Err() error {
	e.failMu.Lock()
	defer e.failMu.Unlock()
	return e.failErr
}

// Master returns the newest result this node has learned.
func (e *Elections) Master() (paxos.Proposal, paxos.Value) {
	return e.learner.Latest()
}

// QueryMaster asks every learner in the group for the current master.
func (e *Elections) QueryMaster(ctx context.Context) (paxos.Proposal, paxos.Value, error) {
	return e.learner.QueryMaster(ctx, e.deps.Group.Learners())
}

func (e *Elections) States() paxos.AcceptorState { return e.states.Snapshot() }

func (e *Elections) Acceptor() *paxos.Acceptor { return e.acceptor }
func (e *Elections) Learner() *paxos.Learner   { return e.learner }
func (e *Elections) Proposer() *paxos.Proposer { return e.proposer }

// ShutdownAcceptorsLearners asks the agents at the given addresses to stop
// their service loops.
func (e *Elections) ShutdownAcceptorsLearners(ctx context.Context, acceptors, learners []string) {
	if n := e.proposer.ShutdownAcceptors(ctx, acceptors); n > 0 {
		log.Infof("[%s] %d acceptors did not receive shutdown", e.name(), n)
	}
	if n := e.learner.ShutdownLearners(ctx, learners); n > 0 {
		log.Infof("[%s] %d learners did not receive shutdown", e.name(), n)
	}
}
