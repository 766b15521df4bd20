package paxos

import "sync/atomic"

// AcceptorStats counts request outcomes. Observability only.
type AcceptorStats struct {
	PromiseAccepted atomic.Int64
	PromiseIgnored  atomic.Int64
	PromiseRejected atomic.Int64
	AcceptAccepted  atomic.Int64
	AcceptRejected  atomic.Int64
	Invalid         atomic.Int64
}

type AcceptorCounts struct {
	PromiseAccepted int64
	PromiseIgnored  int64
	PromiseRejected int64
	AcceptAccepted  int64
	AcceptRejected  int64
	Invalid         int64
}

func (s *AcceptorStats) Snapshot() AcceptorCounts {
	return AcceptorCounts{
		PromiseAccepted: s.PromiseAccepted.Load(),
		PromiseIgnored:  s.PromiseIgnored.Load(),
		PromiseRejected: s.PromiseRejected.Load(),
		AcceptAccepted:  s.AcceptAccepted.Load(),
		AcceptRejected:  s.AcceptRejected.Load(),
		Invalid:         s.Invalid.Load(),
	}
}

type ProposerStats struct {
	Phase1Rounds            atomic.Int64
	Phase1NoQuorum          atomic.Int64
	Phase1NoNonZeroPriority atomic.Int64
	Phase1ArbiterOnly       atomic.Int64
	Phase1HigherProposal    atomic.Int64
	Phase2NoQuorum          atomic.Int64
	Phase2HigherProposal    atomic.Int64
	Elections               atomic.Int64
	Retries                 atomic.Int64
}

// ProposerCounts is a copy of ProposerStats, carried by WinningProposal and
// ExitElectionError.
type ProposerCounts struct {
	Phase1Rounds            int64
	Phase1NoQuorum          int64
	Phase1NoNonZeroPriority int64
	Phase1ArbiterOnly       int64
	Phase1HigherProposal    int64
	Phase2NoQuorum          int64
	Phase2HigherProposal    int64
	Elections               int64
	Retries                 int64
}

func (s *ProposerStats) Snapshot() ProposerCounts {
	return ProposerCounts{
		Phase1Rounds:            s.Phase1Rounds.Load(),
		Phase1NoQuorum:          s.Phase1NoQuorum.Load(),
		Phase1NoNonZeroPriority: s.Phase1NoNonZeroPriority.Load(),
		Phase1ArbiterOnly:       s.Phase1ArbiterOnly.Load(),
		Phase1HigherProposal:    s.Phase1HigherProposal.Load(),
		Phase2NoQuorum:          s.Phase2NoQuorum.Load(),
		Phase2HigherProposal:    s.Phase2HigherProposal.Load(),
		Elections:               s.Elections.Load(),
		Retries:                 s.Retries.Load(),
	}
}

type LearnerStats struct {
	Learned       atomic.Int64
	Duplicates    atomic.Int64
	Stale         atomic.Int64
	MasterQueries atomic.Int64
	InformFailed  atomic.Int64
}

type LearnerCounts struct {
	Learned       int64
	Duplicates    int64
	Stale         int64
	MasterQueries int64
	InformFailed  int64
}

func (s *LearnerStats) Snapshot() LearnerCounts {
	return LearnerCounts{
		Learned:       s.Learned.Load(),
		Duplicates:    s.Duplicates.Load(),
		Stale:         s.Stale.Load(),
		MasterQueries: s.MasterQueries.Load(),
		InformFailed:  s.InformFailed.Load(),
	}
}
