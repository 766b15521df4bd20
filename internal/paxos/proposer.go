// =============================================================================
// PROPOSER - Two phase ranking campaign
// =============================================================================
//
// One round:
//
//   PHASE 1  Propose(p) to every acceptor at once. Collect Promises until
//            a quorum has answered and either everyone has answered or the
//            minimum election duration has passed, or until the read
//            timeout. A Reject naming a proposal above p ends the round.
//
//   CHOOSE   A value some acceptor already accepted must be kept (the one
//            accepted under the highest proposal). Otherwise take the
//            suggestion with the best Ranking, breaking ties on priority.
//            Zero priority nodes never win.
//
//   PHASE 2  Accept(p, v) to every acceptor. A quorum of Accepted chooses v.
//            A Reject naming a proposal above p ends the round.
//
// A failed round is retried while the RetryPredicate allows. Running out of
// retries ends the campaign with *ExitElectionError.
//
// The minimum election duration exists so that a better ranked node that
// answers a little late still gets a say before a quorum of weaker
// suggestions settles the outcome.
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

var (
	ErrHigherProposal = errors.New("paxos: a higher proposal is in progress")
	ErrNoQuorum       = errors.New("paxos: no quorum")
)

// Member is an acceptor in the group. Arbiters vote but never hold data and
// are never elected.
type Member struct {
	Name    string
	Addr    string
	Arbiter bool
}

// QuorumPolicy returns how many acceptors out of n must agree.
type QuorumPolicy func(n int) int

func SimpleMajority(n int) int { return n/2 + 1 }

func AllElectable(n int) int { return n }

// RetryPredicate decides whether a failed round is retried. Retry may block
// to back off and returns an error when ctx is done.
type RetryPredicate interface {
	Retry(ctx context.Context) (bool, error)
	PendingRetries() int
}

type WinningProposal struct {
	Proposal Proposal
	Value    Value
	Stats    ProposerCounts
}

// ExitElectionError ends a campaign that ran out of retries.
type ExitElectionError struct {
	Stats ProposerCounts
	Cause error
}

func (e *ExitElectionError) Error() string {
	return fmt.Sprintf("paxos: election abandoned after %d rounds (%d retries): %v",
		e.Stats.Phase1Rounds, e.Stats.Retries, e.Cause)
}

func (e *ExitElectionError) Unwrap() error { return e.Cause }

type ProposerConfig struct {
	OpenTimeout         time.Duration
	ReadTimeout         time.Duration
	MinElectionDuration time.Duration
}

type Proposer struct {
	protocol  *Protocol
	generator *ProposalGenerator
	client    *client
	pool      *Pool
	acceptors func() []Member
	cfg       ProposerConfig
	stats     ProposerStats

	// campaigns on one node never overlap
	mu sync.Mutex
}

func NewProposer(protocol *Protocol, generator *ProposalGenerator, dialer transport.Dialer, pool *Pool,
	acceptors func() []Member, cfg ProposerConfig) *Proposer {
	return &Proposer{
		protocol:  protocol,
		generator: generator,
		client: &client{
			protocol:    protocol,
			dialer:      dialer,
			openTimeout: cfg.OpenTimeout,
			readTimeout: cfg.ReadTimeout,
		},
		pool:      pool,
		acceptors: acceptors,
		cfg:       cfg,
	}
}

func (p *Proposer) Stats() *ProposerStats { return &p.stats }

// IssueProposal runs rounds until one chooses a value, retry gives up, or
// ctx is done.
func (p *Proposer) IssueProposal(ctx context.Context, policy QuorumPolicy, retry RetryPredicate) (*WinningProposal, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for {
		w, err := p.round(ctx, policy)
		if err == nil {
			p.stats.Elections.Add(1)
			w.Stats = p.stats.Snapshot()
			log.Infof("[%s] proposal %s chose %q", p.protocol.Sender(), w.Proposal, w.Value)
			return w, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if !errors.Is(err, ErrNoQuorum) && !errors.Is(err, ErrHigherProposal) {
			return nil, err
		}
		log.Infof("[%s] election round failed: %v", p.protocol.Sender(), err)
		again, rerr := retry.Retry(ctx)
		if rerr != nil {
			return nil, rerr
		}
		if !again {
			exit := &ExitElectionError{Stats: p.stats.Snapshot(), Cause: err}
			log.Error(exit)
			return nil, exit
		}
		p.stats.Retries.Add(1)
	}
}

func (p *Proposer) round(ctx context.Context, policy QuorumPolicy) (*WinningProposal, error) {
	members := p.acceptors()
	if len(members) == 0 {
		return nil, fmt.Errorf("%w: no acceptors known", ErrNoQuorum)
	}
	quorum := policy(len(members))
	proposal, err := p.generator.Next()
	if err != nil {
		return nil, err
	}
	p.stats.Phase1Rounds.Add(1)

	promises, err := p.runPhase1(ctx, proposal, members, quorum)
	if err != nil {
		return nil, err
	}
	value, ok := choosePhase2Value(promises)
	if !ok {
		p.stats.Phase1NoNonZeroPriority.Add(1)
		return nil, fmt.Errorf("%w: no electable suggestion among %d promises", ErrNoQuorum, len(promises))
	}
	if err := p.runPhase2(ctx, proposal, value, members, quorum); err != nil {
		return nil, err
	}
	return &WinningProposal{Proposal: proposal, Value: value}, nil
}

type response struct {
	member Member
	msg    Message
	err    error
}

type promiseFrom struct {
	*Promise
	member Member
}

// broadcast sends req to every member through the pool. The returned
// channel receives exactly one response per member.
func (p *Proposer) broadcast(ctx context.Context, members []Member, req Message) (<-chan response, error) {
	out := make(chan response, len(members))
	for _, m := range members {
		m := m
		err := p.pool.Submit(func() {
			resp, err := p.client.call(ctx, m.Addr, AcceptorService, req)
			out <- response{member: m, msg: resp, err: err}
		})
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (p *Proposer) higher(phase string, proposal Proposal, r *Reject, from Member) error {
	p.generator.Observe(r.Higher)
	log.Debugf("[%s] %s of %s rejected by %s: promised %s", p.protocol.Sender(), phase, proposal, from.Name, r.Higher)
	return fmt.Errorf("%w: %s promised %s", ErrHigherProposal, from.Name, r.Higher)
}

func (p *Proposer) runPhase1(ctx context.Context, proposal Proposal, members []Member, quorum int) ([]promiseFrom, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	responses, err := p.broadcast(ctx, members, p.protocol.NewPropose(proposal))
	if err != nil {
		return nil, err
	}
	deadline := time.NewTimer(p.cfg.OpenTimeout + p.cfg.ReadTimeout)
	defer deadline.Stop()
	grace := time.NewTimer(p.cfg.MinElectionDuration)
	defer grace.Stop()
	graceOver := p.cfg.MinElectionDuration <= 0

	var promises []promiseFrom
collect:
	for pending := len(members); pending > 0; {
		if graceOver && len(promises) >= quorum {
			break
		}
		select {
		case r := <-responses:
			pending--
			switch m := r.msg.(type) {
			case *Promise:
				promises = append(promises, promiseFrom{Promise: m, member: r.member})
			case *Reject:
				if m.Higher.GreaterThan(proposal) {
					p.stats.Phase1HigherProposal.Add(1)
					return nil, p.higher("propose", proposal, m, r.member)
				}
			default:
				if r.err != nil {
					log.Debugf("[%s] propose to %s: %v", p.protocol.Sender(), r.member.Name, r.err)
				}
			}
		case <-grace.C:
			graceOver = true
		case <-deadline.C:
			break collect
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	if len(promises) < quorum {
		p.stats.Phase1NoQuorum.Add(1)
		return nil, fmt.Errorf("%w: %d of %d promises, need %d", ErrNoQuorum, len(promises), len(members), quorum)
	}
	voters, electable := 0, 0
	for _, pr := range promises {
		if !pr.member.Arbiter {
			voters++
		}
		if pr.Priority > 0 {
			electable++
		}
	}
	if voters == 0 {
		p.stats.Phase1ArbiterOnly.Add(1)
		return nil, fmt.Errorf("%w: only arbiters promised", ErrNoQuorum)
	}
	if electable == 0 {
		p.stats.Phase1NoNonZeroPriority.Add(1)
		return nil, fmt.Errorf("%w: no promise from a node with non-zero priority", ErrNoQuorum)
	}
	return promises, nil
}

// choosePhase2Value keeps an already accepted value if there is one and
// otherwise picks the best ranked suggestion from an electable node.
func choosePhase2Value(promises []promiseFrom) (Value, bool) {
	var highestAccepted *Promise
	for _, pr := range promises {
		if pr.Highest.IsZero() || pr.AcceptedValue.IsEmpty() {
			continue
		}
		if highestAccepted == nil || pr.Highest.GreaterThan(highestAccepted.Highest) {
			highestAccepted = pr.Promise
		}
	}
	if highestAccepted != nil {
		return highestAccepted.AcceptedValue, true
	}

	var best *Promise
	for _, pr := range promises {
		if pr.Priority <= 0 || pr.SuggestedValue.IsEmpty() {
			continue
		}
		if best == nil {
			best = pr.Promise
			continue
		}
		switch c := pr.Ranking.Compare(best.Ranking); {
		case c > 0:
			best = pr.Promise
		case c == 0 && pr.Priority > best.Priority:
			best = pr.Promise
		}
	}
	if best == nil {
		return NoValue, false
	}
	return best.SuggestedValue, true
}

// runPhase2 returns as soon as a quorum has accepted. Sends still in flight
// are left to finish so that every reachable acceptor records the value.
func (p *Proposer) runPhase2(ctx context.Context, proposal Proposal, value Value, members []Member, quorum int) error {
	responses, err := p.broadcast(ctx, members, p.protocol.NewAccept(proposal, value))
	if err != nil {
		return err
	}
	deadline := time.NewTimer(p.cfg.OpenTimeout + p.cfg.ReadTimeout)
	defer deadline.Stop()

	accepted := 0
collect:
	for pending := len(members); pending > 0 && accepted < quorum; {
		select {
		case r := <-responses:
			pending--
			switch m := r.msg.(type) {
			case *Accepted:
				if m.Proposal.Equal(proposal) && m.Value == value {
					accepted++
				}
			case *Reject:
				if m.Higher.GreaterThan(proposal) {
					p.stats.Phase2HigherProposal.Add(1)
					return p.higher("accept", proposal, m, r.member)
				}
			default:
				if r.err != nil {
					log.Debugf("[%s] accept to %s: %v", p.protocol.Sender(), r.member.Name, r.err)
				}
			}
		case <-deadline.C:
			break collect
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if accepted < quorum {
		p.stats.Phase2NoQuorum.Add(1)
		return fmt.Errorf("%w: %d of %d accepted %s, need %d", ErrNoQuorum, accepted, len(members), proposal, quorum)
	}
	return nil
}

// ShutdownAcceptors sends Shutdown to the acceptors at addrs and waits for
// the sends to finish. It returns the number of addresses that could not
// be reached.
func (p *Proposer) ShutdownAcceptors(ctx context.Context, addrs []string) int {
	return postAll(ctx, p.pool, p.client, addrs, AcceptorService, p.protocol.NewShutdown())
}
