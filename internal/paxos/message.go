// =============================================================================
// ELECTION MESSAGES
// =============================================================================
//
// Requests (sent to the Acceptor or Learner services):
//
//   P   Propose       Proposer -> Acceptor   proposal
//   A   Accept        Proposer -> Acceptor   proposal, value
//   RE  Result        any      -> Learner    proposal, value
//   MQ  MasterQuery   any      -> Learner
//   X   Shutdown      owner    -> Acceptor/Learner
//
// Responses:
//
//   R   Reject               Acceptor -> Proposer   higher proposal
//   PR  Promise              Acceptor -> Proposer   see Promise
//   AD  Accepted             Acceptor -> Proposer   proposal, value
//   MQR MasterQueryResponse  Learner  -> any        proposal, value
//   INV InvalidMessage       any      -> any        reason
//
// Every message starts with the same header: protocol version, group name
// and sender. Messages are plain values; how they are written to the wire is
// decided by the version in their header (see protocol.go).
//
// =============================================================================

package paxos

type Op string

const (
	OpPropose             Op = "P"
	OpAccept              Op = "A"
	OpResult              Op = "RE"
	OpMasterQuery         Op = "MQ"
	OpShutdown            Op = "X"
	OpReject              Op = "R"
	OpPromise             Op = "PR"
	OpAccepted            Op = "AD"
	OpMasterQueryResponse Op = "MQR"
	OpInvalid             Op = "INV"
)

type Header struct {
	Version Version
	Group   string
	Sender  string
}

func (h Header) GetHeader() Header { return h }
func (h Header) GetFrom() string   { return h.Sender }

type Message interface {
	Op() Op
	GetHeader() Header
}

type Propose struct {
	Header
	Proposal Proposal
}

type Accept struct {
	Header
	Proposal Proposal
	Value    Value
}

type Result struct {
	Header
	Proposal Proposal
	Value    Value
}

type MasterQuery struct {
	Header
}

type Shutdown struct {
	Header
}

type Reject struct {
	Header
	Higher Proposal
}

// Promise answers a Propose. Highest is the proposal under which
// AcceptedValue was accepted, zero when nothing is accepted. The trailing
// group (LogVersion onwards, and the VLSN, NodeID and MasterTerm parts of
// Ranking) exists on the wire only for protocol major versions above 1.
type Promise struct {
	Header
	Highest         Proposal
	AcceptedValue   Value
	SuggestedValue  Value
	Ranking         Ranking
	Priority        int
	LogVersion      int
	SoftwareVersion string
}

type Accepted struct {
	Header
	Proposal Proposal
	Value    Value
}

type MasterQueryResponse struct {
	Header
	Proposal Proposal
	Value    Value
}

// InvalidMessage is the reply to a request that could not be parsed or is
// not understood by the receiving service.
type InvalidMessage struct {
	Header
	Reason string
}

func (*Propose) Op() Op             { return OpPropose }
func (*Accept) Op() Op              { return OpAccept }
func (*Result) Op() Op              { return OpResult }
func (*MasterQuery) Op() Op         { return OpMasterQuery }
func (*Shutdown) Op() Op            { return OpShutdown }
func (*Reject) Op() Op              { return OpReject }
func (*Promise) Op() Op             { return OpPromise }
func (*Accepted) Op() Op            { return OpAccepted }
func (*MasterQueryResponse) Op() Op { return OpMasterQueryResponse }
func (*InvalidMessage) Op() Op      { return OpInvalid }
