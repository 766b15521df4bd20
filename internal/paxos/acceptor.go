// =============================================================================
// ACCEPTOR - Answers Propose and Accept
// =============================================================================
//
// The acceptor keeps no per-connection state. Everything it knows lives in
// ElectionStates, and every request is answered from there:
//
//   Propose(p)   ask the PrePromiseHook
//                  Ignore  -> no reply, the proposer times out
//                  Reject  -> Reject(cause)
//                  Proceed -> Promise carrying the accepted value, our
//                             suggestion and its ranking
//   Accept(p,v)  ElectionStates.SetAccept
//                  true    -> Accepted(p,v)
//                  false   -> Reject(promised)
//   Shutdown     the service loop exits
//
// A Proceed from a hook that did not actually record the promise is a
// programming error and stops the acceptor. So does a failure to persist
// state. Both reach the owner through the failure handler.
//
// =============================================================================

package paxos

import (
	"errors"
	"fmt"
	"time"

	"github.com/senutpal/elections/internal/transport"
)

var ErrContractViolation = errors.New("paxos: pre-promise hook contract violated")

type PrePromiseKind int

const (
	PrePromiseProceed PrePromiseKind = iota
	PrePromiseIgnore
	PrePromiseReject
)

func (k PrePromiseKind) String() string {
	switch k {
	case PrePromiseProceed:
		return "proceed"
	case PrePromiseIgnore:
		return "ignore"
	case PrePromiseReject:
		return "reject"
	}
	return fmt.Sprintf("PrePromiseKind(%d)", int(k))
}

// PrePromiseResult is the hook's verdict. RejectCause is only meaningful for
// PrePromiseReject and is returned to the proposer as the higher proposal.
type PrePromiseResult struct {
	Kind        PrePromiseKind
	RejectCause Proposal
}

func ProceedResult() PrePromiseResult { return PrePromiseResult{Kind: PrePromiseProceed} }
func IgnoreResult() PrePromiseResult  { return PrePromiseResult{Kind: PrePromiseIgnore} }
func RejectResult(cause Proposal) PrePromiseResult {
	return PrePromiseResult{Kind: PrePromiseReject, RejectCause: cause}
}

// PrePromiseHook decides how to answer a Propose. A hook returning Proceed
// must already have recorded p with ElectionStates.SetPromised.
type PrePromiseHook interface {
	Promise(p Proposal) (PrePromiseResult, error)
}

type PrePromiseFunc func(p Proposal) (PrePromiseResult, error)

func (f PrePromiseFunc) Promise(p Proposal) (PrePromiseResult, error) { return f(p) }

// StatesPrePromiseHook is the default hook: promise when p is newer than
// anything promised, otherwise reject with the current promise.
func StatesPrePromiseHook(states *ElectionStates) PrePromiseHook {
	return PrePromiseFunc(func(p Proposal) (PrePromiseResult, error) {
		ok, err := states.SetPromised(p)
		if err != nil {
			return PrePromiseResult{}, err
		}
		if !ok {
			return RejectResult(states.Promised()), nil
		}
		return ProceedResult(), nil
	})
}

// SuggestionGenerator supplies the value this node would like elected and
// how good a choice it is.
type SuggestionGenerator interface {
	Get(p Proposal) Value
	Ranking(p Proposal) Ranking
}

// StaticSuggestion always suggests the same value with the same ranking.
type StaticSuggestion struct {
	Value Value
	Rank  Ranking
}

func (s StaticSuggestion) Get(Proposal) Value       { return s.Value }
func (s StaticSuggestion) Ranking(Proposal) Ranking { return s.Rank }

type AcceptorConfig struct {
	// Priority is this node's electability. Zero means never master.
	Priority        int
	LogVersion      int
	SoftwareVersion string
	ReadTimeout     time.Duration
	PollTimeout     time.Duration
}

type Acceptor struct {
	protocol    *Protocol
	states      *ElectionStates
	hook        PrePromiseHook
	suggestions SuggestionGenerator
	cfg         AcceptorConfig
	loop        *serviceLoop
	stats       AcceptorStats
}

// NewAcceptor builds an acceptor serving on d. A nil hook uses
// StatesPrePromiseHook.
func NewAcceptor(protocol *Protocol, d transport.Dispatcher, states *ElectionStates,
	hook PrePromiseHook, suggestions SuggestionGenerator, cfg AcceptorConfig) *Acceptor {
	if hook == nil {
		hook = StatesPrePromiseHook(states)
	}
	a := &Acceptor{
		protocol:    protocol,
		states:      states,
		hook:        hook,
		suggestions: suggestions,
		cfg:         cfg,
	}
	a.loop = newServiceLoop(AcceptorService, protocol, d, a.Process)
	a.loop.readTimeout = cfg.ReadTimeout
	a.loop.pollTimeout = cfg.PollTimeout
	a.loop.onInvalid = func() { a.stats.Invalid.Add(1) }
	return a
}

// Start registers the Acceptor service and serves it until Shutdown or a
// fatal error, which is passed to onFailure.
func (a *Acceptor) Start(onFailure func(error)) error {
	a.loop.onFailure = onFailure
	return a.loop.start()
}

func (a *Acceptor) Shutdown() { a.loop.stop() }

// Wait blocks until the service loop exits and returns its fatal error.
func (a *Acceptor) Wait() error { return a.loop.wait() }

func (a *Acceptor) Stats() *AcceptorStats { return &a.stats }

func (a *Acceptor) States() *ElectionStates { return a.states }

// Process answers one request. A nil reply means nothing is sent back. An
// error is fatal to the acceptor.
func (a *Acceptor) Process(m Message) (Message, error) {
	switch m := m.(type) {
	case *Propose:
		return a.propose(m)
	case *Accept:
		return a.accept(m)
	default:
		a.stats.Invalid.Add(1)
		return a.protocol.NewInvalid(m.GetHeader(), fmt.Sprintf("acceptor does not handle %s", m.Op())), nil
	}
}

func (a *Acceptor) propose(m *Propose) (Message, error) {
	res, err := a.hook.Promise(m.Proposal)
	if err != nil {
		return nil, err
	}
	reply := a.protocol.ReplyHeader(m.Header)
	switch res.Kind {
	case PrePromiseIgnore:
		a.stats.PromiseIgnored.Add(1)
		log.Debugf("[%s] ignoring proposal %s from %s", a.protocol.Sender(), m.Proposal, m.Sender)
		return nil, nil
	case PrePromiseReject:
		a.stats.PromiseRejected.Add(1)
		log.Debugf("[%s] rejecting proposal %s from %s, promised %s", a.protocol.Sender(), m.Proposal, m.Sender, res.RejectCause)
		return &Reject{Header: reply, Higher: res.RejectCause}, nil
	case PrePromiseProceed:
	default:
		return nil, fmt.Errorf("%w: unknown verdict %v", ErrContractViolation, res.Kind)
	}

	st := a.states.Snapshot()
	if !st.Promised.Equal(m.Proposal) {
		return nil, fmt.Errorf("%w: proceed on %s but promised %s", ErrContractViolation, m.Proposal, st.Promised)
	}
	a.stats.PromiseAccepted.Add(1)
	p := &Promise{
		Header:          reply,
		Highest:         st.AcceptedProposal,
		AcceptedValue:   st.AcceptedValue,
		Ranking:         MinRanking,
		Priority:        a.cfg.Priority,
		LogVersion:      a.cfg.LogVersion,
		SoftwareVersion: a.cfg.SoftwareVersion,
	}
	if a.suggestions != nil {
		p.SuggestedValue = a.suggestions.Get(m.Proposal)
		p.Ranking = a.suggestions.Ranking(m.Proposal)
	}
	return p, nil
}

func (a *Acceptor) accept(m *Accept) (Message, error) {
	reply := a.protocol.ReplyHeader(m.Header)
	ok, err := a.states.SetAccept(m)
	if err != nil {
		return nil, err
	}
	if !ok {
		a.stats.AcceptRejected.Add(1)
		promised := a.states.Promised()
		log.Debugf("[%s] rejecting accept %s from %s, promised %s", a.protocol.Sender(), m.Proposal, m.Sender, promised)
		return &Reject{Header: reply, Higher: promised}, nil
	}
	a.stats.AcceptAccepted.Add(1)
	return &Accepted{Header: reply, Proposal: m.Proposal, Value: m.Value}, nil
}
