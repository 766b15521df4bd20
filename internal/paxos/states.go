// =============================================================================
// ELECTION STATES - The acceptor's promise/accept ledger
// =============================================================================
//
// One ElectionStates exists per node. It records three things:
//
//   promised          the highest proposal this node has promised
//   accepted proposal the proposal under which a value was last accepted
//   accepted value    that value
//
// INVARIANTS:
//   - accepted proposal <= promised proposal
//   - once P is promised, nothing below P is ever promised or accepted
//   - once P is learned, nothing at or below P is accepted again
//   - every transition happens under one mutex
//
// Transitions are written to the StateStore before they become visible, so
// a node that restarts from its store never forgets a promise it has made.
//
// =============================================================================

package paxos

import (
	"fmt"
	"sync"
)

// StateStore persists acceptor state. Implementations live in the storage
// package.
type StateStore interface {
	SavePromised(p Proposal) error
	LoadPromised() (Proposal, error)
	SaveAccepted(p Proposal, v Value) error
	LoadAccepted() (Proposal, Value, error)
}

// AcceptorState is a point in time copy of ElectionStates.
type AcceptorState struct {
	Promised         Proposal
	AcceptedProposal Proposal
	AcceptedValue    Value
}

type ElectionStates struct {
	mu       sync.Mutex
	store    StateStore
	promised Proposal
	accepted Proposal
	value    Value
	// learned is the newest decided proposal; nothing at or below it is
	// accepted again. Not persisted.
	learned Proposal
}

// NewElectionStates loads any previously persisted state from store. A nil
// store keeps state in memory only.
func NewElectionStates(store StateStore) (*ElectionStates, error) {
	s := &ElectionStates{store: store}
	if store == nil {
		return s, nil
	}
	var err error
	if s.promised, err = store.LoadPromised(); err != nil {
		return nil, fmt.Errorf("paxos: load promised proposal: %w", err)
	}
	if s.accepted, s.value, err = store.LoadAccepted(); err != nil {
		return nil, fmt.Errorf("paxos: load accepted proposal: %w", err)
	}
	if s.promised.LessThan(s.accepted) {
		s.promised = s.accepted
	}
	return s, nil
}

// SetPromised records p as promised when it is greater than the current
// promise. It returns false, leaving state untouched, otherwise.
func (s *ElectionStates) SetPromised(p Proposal) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !p.GreaterThan(s.promised) {
		return false, nil
	}
	if s.store != nil {
		if err := s.store.SavePromised(p); err != nil {
			return false, fmt.Errorf("paxos: persist promise %s: %w", p, err)
		}
	}
	s.promised = p
	return true, nil
}

// SetAccept accepts the message's value when its proposal is the one most
// recently promised. A proposal that already carries a different accepted
// value is refused so that at most one value is ever accepted per proposal.
func (s *ElectionStates) SetAccept(a *Accept) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a.Proposal.IsZero() || !a.Proposal.Equal(s.promised) {
		return false, nil
	}
	if !a.Proposal.GreaterThan(s.learned) {
		return false, nil
	}
	if s.accepted.Equal(a.Proposal) {
		return s.value == a.Value, nil
	}
	if s.store != nil {
		if err := s.store.SaveAccepted(a.Proposal, a.Value); err != nil {
			return false, fmt.Errorf("paxos: persist accept %s: %w", a.Proposal, err)
		}
	}
	s.accepted = a.Proposal
	s.value = a.Value
	return true, nil
}

// Learned retires the accepted value once the election decided by p (or a
// later one) is known. The promise stays, so ordering is preserved, but the
// next election is free to choose a new master instead of replaying the old
// one. Accepts for p that arrive late are refused.
func (s *ElectionStates) Learned(p Proposal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p.GreaterThan(s.learned) {
		s.learned = p
	}
	if s.accepted.IsZero() || s.accepted.GreaterThan(p) {
		return nil
	}
	if s.store != nil {
		if err := s.store.SaveAccepted(Proposal{}, NoValue); err != nil {
			return fmt.Errorf("paxos: clear accepted proposal: %w", err)
		}
	}
	s.accepted = Proposal{}
	s.value = NoValue
	return nil
}

func (s *ElectionStates) Promised() Proposal {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.promised
}

func (s *ElectionStates) AcceptedProposal() Proposal {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.accepted
}

func (s *ElectionStates) AcceptedValue() Value {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.value
}

func (s *ElectionStates) Snapshot() AcceptorState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return AcceptorState{Promised: s.promised, AcceptedProposal: s.accepted, AcceptedValue: s.value}
}
