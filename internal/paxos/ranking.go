package paxos

import (
	"cmp"
	"fmt"
	"math"
)

const (
	// MinVLSN stands in for a replication position that is unknown.
	MinVLSN int64 = math.MinInt64
	// NullNodeID is used when the suggesting node did not identify itself.
	NullNodeID int64 = math.MinInt64
	// PreTerm marks rankings from nodes that predate master terms.
	PreTerm int64 = math.MinInt64
)

// MinRanking loses to every ranking built from non-sentinel inputs.
var MinRanking = Ranking{DTVLSN: MinVLSN, VLSN: MinVLSN, NodeID: NullNodeID, MasterTerm: PreTerm}

// Ranking orders the master suggestions carried by promises.
//
// Two regimes coexist so that old and new nodes can share a group during a
// rolling upgrade. Pre-term rankings compare by (DTVLSN, VLSN); post-term
// rankings compare by (MasterTerm, VLSN). When either side is pre-term the
// comparison falls back to (DTVLSN, VLSN). The hybrid case is knowingly
// imprecise and must not be tightened without a protocol version change.
type Ranking struct {
	DTVLSN     int64
	VLSN       int64
	NodeID     int64
	MasterTerm int64
}

func NewRanking(dtvlsn, vlsn, nodeID, masterTerm int64) Ranking {
	return Ranking{DTVLSN: dtvlsn, VLSN: vlsn, NodeID: nodeID, MasterTerm: masterTerm}
}

// NewPreTermRanking builds a ranking for a node without master terms.
func NewPreTermRanking(dtvlsn, vlsn int64) Ranking {
	return Ranking{DTVLSN: dtvlsn, VLSN: vlsn, NodeID: NullNodeID, MasterTerm: PreTerm}
}

func (r Ranking) IsPreTerm() bool { return r.MasterTerm == PreTerm }

func (r Ranking) Compare(o Ranking) int {
	if r.IsPreTerm() || o.IsPreTerm() {
		if c := cmp.Compare(r.DTVLSN, o.DTVLSN); c != 0 {
			return c
		}
		return cmp.Compare(r.VLSN, o.VLSN)
	}
	if c := cmp.Compare(r.MasterTerm, o.MasterTerm); c != 0 {
		return c
	}
	return cmp.Compare(r.VLSN, o.VLSN)
}

func (r Ranking) String() string {
	if r.IsPreTerm() {
		return fmt.Sprintf("(dtvlsn=%d, vlsn=%d, preterm)", r.DTVLSN, r.VLSN)
	}
	return fmt.Sprintf("(dtvlsn=%d, vlsn=%d, node=%d, term=%d)", r.DTVLSN, r.VLSN, r.NodeID, r.MasterTerm)
}
