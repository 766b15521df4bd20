// =============================================================================
// PROPOSALS - Time-based ordering of election rounds
// =============================================================================
//
// A proposal identifies one round of the election protocol. Every proposal is
// built from three parts, compared in this order:
//
//   1. TimeMs    - wall clock milliseconds when the proposal was issued
//   2. MachineID - a 128-bit token unique to the issuing generator
//   3. LocalID   - a per-generator sequence number
//
// Using time as the major component means that a node joining an election
// late still outranks proposals issued earlier elsewhere, without having to
// first learn the highest proposal in use. The price is a dependency on
// reasonably synchronized clocks, which the generator polices: a winning
// proposal that is further ahead of the local clock than the configured skew
// is a fatal condition, not something to paper over.
//
// INVARIANT: proposals issued by one generator are strictly increasing, even
// when the wall clock stalls or moves backwards.
//
// =============================================================================

package paxos

import (
	"bytes"
	"cmp"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrClockSkew is returned by ProposalGenerator.Next when a known winning
// proposal is further ahead of the local clock than the configured limit.
var ErrClockSkew = errors.New("paxos: clock skew exceeds limit")

const proposalWireLen = 16 + 32 + 8

// Proposal is a totally ordered identifier for one election round. The zero
// value means "no proposal" and is less than every issued proposal.
type Proposal struct {
	TimeMs    uint64
	MachineID uuid.UUID
	LocalID   uint32
}

func (p Proposal) IsZero() bool {
	return p == Proposal{}
}

// Compare returns -1, 0 or +1 comparing time, machine id and local id in
// that order.
func (p Proposal) Compare(o Proposal) int {
	if c := cmp.Compare(p.TimeMs, o.TimeMs); c != 0 {
		return c
	}
	if c := bytes.Compare(p.MachineID[:], o.MachineID[:]); c != 0 {
		return c
	}
	return cmp.Compare(p.LocalID, o.LocalID)
}

func (p Proposal) LessThan(o Proposal) bool    { return p.Compare(o) < 0 }
func (p Proposal) GreaterThan(o Proposal) bool { return p.Compare(o) > 0 }
func (p Proposal) Equal(o Proposal) bool       { return p == o }

// String returns the wire form: 16 hex digits of time, 32 of machine id and
// 8 of local id. The zero proposal encodes as the empty string.
func (p Proposal) String() string {
	if p.IsZero() {
		return ""
	}
	return fmt.Sprintf("%016x%s%08x", p.TimeMs, hex.EncodeToString(p.MachineID[:]), p.LocalID)
}

// ParseProposal is the inverse of Proposal.String.
func ParseProposal(s string) (Proposal, error) {
	if s == "" {
		return Proposal{}, nil
	}
	if len(s) != proposalWireLen {
		return Proposal{}, fmt.Errorf("paxos: malformed proposal %q: length %d", s, len(s))
	}
	ts, err := strconv.ParseUint(s[:16], 16, 64)
	if err != nil {
		return Proposal{}, fmt.Errorf("paxos: malformed proposal time %q: %w", s[:16], err)
	}
	raw, err := hex.DecodeString(s[16:48])
	if err != nil {
		return Proposal{}, fmt.Errorf("paxos: malformed proposal machine id %q: %w", s[16:48], err)
	}
	id, err := uuid.FromBytes(raw)
	if err != nil {
		return Proposal{}, err
	}
	local, err := strconv.ParseUint(s[48:], 16, 32)
	if err != nil {
		return Proposal{}, fmt.Errorf("paxos: malformed proposal local id %q: %w", s[48:], err)
	}
	return Proposal{TimeMs: ts, MachineID: id, LocalID: uint32(local)}, nil
}

// NewMachineID returns a fresh machine token. Every generator gets its own,
// so nodes sharing a host or a process never issue equal proposals.
func NewMachineID() uuid.UUID {
	return deriveMachineID(net.InterfaceAddrs)
}

// deriveMachineID xors the first usable non-loopback address with a random
// salt. Without such an address the salt alone is the id.
func deriveMachineID(addrs func() ([]net.Addr, error)) uuid.UUID {
	salt := uuid.New()
	as, err := addrs()
	if err != nil {
		return salt
	}
	for _, a := range as {
		ipnet, ok := a.(*net.IPNet)
		if !ok || ipnet.IP.IsLoopback() || ipnet.IP.IsUnspecified() {
			continue
		}
		ip := ipnet.IP.To16()
		if ip == nil {
			continue
		}
		var id uuid.UUID
		for i := range id {
			id[i] = ip[i] ^ salt[i]
		}
		return id
	}
	return salt
}

// ProposalGenerator issues strictly increasing proposals for one process.
type ProposalGenerator struct {
	mu           sync.Mutex
	machineID    uuid.UUID
	lastIssued   uint64
	localID      uint32
	maxClockSkew time.Duration
	now          func() time.Time
	lastWinning  func() Proposal
}

type GeneratorOption func(*ProposalGenerator)

// WithClock replaces the wall clock, mainly for tests.
func WithClock(now func() time.Time) GeneratorOption {
	return func(g *ProposalGenerator) { g.now = now }
}

// WithWinningProposal supplies the last known winning proposal, consulted on
// every Next so that new proposals always outrank the current master's.
func WithWinningProposal(f func() Proposal) GeneratorOption {
	return func(g *ProposalGenerator) { g.lastWinning = f }
}

func WithMachineID(id uuid.UUID) GeneratorOption {
	return func(g *ProposalGenerator) { g.machineID = id }
}

func NewProposalGenerator(maxClockSkew time.Duration, opts ...GeneratorOption) *ProposalGenerator {
	g := &ProposalGenerator{
		maxClockSkew: maxClockSkew,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.machineID == (uuid.UUID{}) {
		g.machineID = NewMachineID()
	}
	return g
}

// Next returns a proposal greater than any previously issued by g and
// greater than the last known winning proposal.
func (g *ProposalGenerator) Next() (Proposal, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	ts := uint64(g.now().UnixMilli())
	if ts <= g.lastIssued {
		ts = g.lastIssued + 1
	}
	if g.lastWinning != nil {
		if w := g.lastWinning(); !w.IsZero() && w.TimeMs >= ts {
			gap := time.Duration(w.TimeMs-ts) * time.Millisecond
			if g.maxClockSkew > 0 && gap > g.maxClockSkew {
				return Proposal{}, fmt.Errorf("%w: winning proposal %s is %v ahead of the local clock (limit %v)",
					ErrClockSkew, w, gap, g.maxClockSkew)
			}
			ts = w.TimeMs + 1
		}
	}
	g.lastIssued = ts
	g.localID++
	return Proposal{TimeMs: ts, MachineID: g.machineID, LocalID: g.localID}, nil
}

// Observe notes a proposal that outranked one of ours, so that the next
// proposal issued here is later still. Proposals further ahead than the
// skew limit are not adopted.
func (g *ProposalGenerator) Observe(p Proposal) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if p.TimeMs <= g.lastIssued {
		return
	}
	now := uint64(g.now().UnixMilli())
	if g.maxClockSkew > 0 && p.TimeMs > now && time.Duration(p.TimeMs-now)*time.Millisecond > g.maxClockSkew {
		log.Warnf("ignoring proposal %s, %v ahead of the local clock", p, time.Duration(p.TimeMs-now)*time.Millisecond)
		return
	}
	g.lastIssued = p.TimeMs
}
