// =============================================================================
// WIRE PROTOCOL - Text lines, one message per line
// =============================================================================
//
// Every message is a single line of tokens joined by Separator:
//
//   version | group | sender | op | payload...
//
// Free-form tokens (group, sender, values, version strings) are query
// escaped, so they never contain the separator or a line break.
//
// Two protocol versions are understood. Version 1.0 Promises stop after the
// priority token; version 2.0 adds log version, software version, vlsn, node
// id and master term. A responder always answers in the version the request
// was sent with. Trailing Promise tokens that are missing take their
// sentinel defaults instead of failing the parse, which lets a newer node
// read an older node's reply during a rolling upgrade.
//
// =============================================================================

package paxos

import (
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

const Separator = "|"

var (
	ErrInvalidMessage     = errors.New("paxos: invalid message")
	ErrUnsupportedVersion = errors.New("paxos: unsupported protocol version")
)

type Version struct {
	Major int
	Minor int
}

var (
	Version1       = Version{Major: 1, Minor: 0}
	Version2       = Version{Major: 2, Minor: 0}
	CurrentVersion = Version2
)

func (v Version) String() string {
	return strconv.Itoa(v.Major) + "." + strconv.Itoa(v.Minor)
}

func ParseVersion(s string) (Version, error) {
	major, minor, found := strings.Cut(s, ".")
	if !found {
		return Version{}, fmt.Errorf("malformed version %q", s)
	}
	ma, err := strconv.Atoi(major)
	if err != nil || ma < 1 {
		return Version{}, fmt.Errorf("malformed version %q", s)
	}
	mi, err := strconv.Atoi(minor)
	if err != nil || mi < 0 {
		return Version{}, fmt.Errorf("malformed version %q", s)
	}
	return Version{Major: ma, Minor: mi}, nil
}

// InvalidMessageError describes a line that could not be decoded. Header
// holds whatever prefix was recovered and is suitable for addressing an
// InvalidMessage reply.
type InvalidMessageError struct {
	Line   string
	Header Header
	Err    error
}

func (e *InvalidMessageError) Error() string {
	return fmt.Sprintf("paxos: invalid message %q: %v", e.Line, e.Err)
}

func (e *InvalidMessageError) Unwrap() error { return e.Err }

func (e *InvalidMessageError) Is(target error) bool { return target == ErrInvalidMessage }

// Protocol builds and decodes messages for one node in one group.
type Protocol struct {
	group   string
	sender  string
	version Version
}

func NewProtocol(group, sender string) *Protocol {
	return &Protocol{group: group, sender: sender, version: CurrentVersion}
}

// WithVersion returns a copy of p that speaks version v. Mostly useful for
// exercising compatibility with older nodes.
func (p *Protocol) WithVersion(v Version) *Protocol {
	c := *p
	c.version = v
	return &c
}

func (p *Protocol) Group() string    { return p.group }
func (p *Protocol) Sender() string   { return p.sender }
func (p *Protocol) Version() Version { return p.version }

func (p *Protocol) Header() Header {
	return Header{Version: p.version, Group: p.group, Sender: p.sender}
}

// ReplyHeader addresses a response to req in the requester's version.
func (p *Protocol) ReplyHeader(req Header) Header {
	return Header{Version: req.Version, Group: p.group, Sender: p.sender}
}

func (p *Protocol) NewPropose(pr Proposal) *Propose {
	return &Propose{Header: p.Header(), Proposal: pr}
}

func (p *Protocol) NewAccept(pr Proposal, v Value) *Accept {
	return &Accept{Header: p.Header(), Proposal: pr, Value: v}
}

func (p *Protocol) NewResult(pr Proposal, v Value) *Result {
	return &Result{Header: p.Header(), Proposal: pr, Value: v}
}

func (p *Protocol) NewMasterQuery() *MasterQuery {
	return &MasterQuery{Header: p.Header()}
}

func (p *Protocol) NewShutdown() *Shutdown {
	return &Shutdown{Header: p.Header()}
}

func (p *Protocol) NewInvalid(req Header, reason string) *InvalidMessage {
	return &InvalidMessage{Header: p.ReplyHeader(req), Reason: reason}
}

func esc(s string) string { return url.QueryEscape(s) }

func encodeDTVLSN(v int64) string {
	if v == MinVLSN {
		return ""
	}
	return strconv.FormatInt(v, 10)
}

// Encode renders m as a wire line without the trailing newline. The version
// in m's header decides which optional tokens are written.
func Encode(m Message) string {
	h := m.GetHeader()
	tokens := []string{h.Version.String(), esc(h.Group), esc(h.Sender), string(m.Op())}
	switch m := m.(type) {
	case *Propose:
		tokens = append(tokens, m.Proposal.String())
	case *Accept:
		tokens = append(tokens, m.Proposal.String(), esc(string(m.Value)))
	case *Result:
		tokens = append(tokens, m.Proposal.String(), esc(string(m.Value)))
	case *MasterQuery, *Shutdown:
	case *Reject:
		tokens = append(tokens, m.Higher.String())
	case *Promise:
		tokens = append(tokens,
			m.Highest.String(),
			esc(string(m.AcceptedValue)),
			esc(string(m.SuggestedValue)),
			encodeDTVLSN(m.Ranking.DTVLSN),
			strconv.Itoa(m.Priority),
		)
		if h.Version.Major > 1 {
			tokens = append(tokens,
				strconv.Itoa(m.LogVersion),
				esc(m.SoftwareVersion),
				strconv.FormatInt(m.Ranking.VLSN, 10),
				strconv.FormatInt(m.Ranking.NodeID, 10),
				strconv.FormatInt(m.Ranking.MasterTerm, 10),
			)
		}
	case *Accepted:
		tokens = append(tokens, m.Proposal.String(), esc(string(m.Value)))
	case *MasterQueryResponse:
		tokens = append(tokens, m.Proposal.String(), esc(string(m.Value)))
	case *InvalidMessage:
		tokens = append(tokens, esc(m.Reason))
	}
	return strings.Join(tokens, Separator)
}

// Parse decodes one wire line. Failures are reported as
// *InvalidMessageError, which matches ErrInvalidMessage with errors.Is and
// additionally ErrUnsupportedVersion when the sender is too new.
func (p *Protocol) Parse(line string) (Message, error) {
	line = strings.TrimRight(line, "\r\n")
	tokens := strings.Split(line, Separator)
	fail := func(h Header, err error) (Message, error) {
		return nil, &InvalidMessageError{Line: line, Header: h, Err: err}
	}
	h := p.Header()
	if len(tokens) < 4 {
		return fail(h, fmt.Errorf("expected at least 4 tokens, got %d", len(tokens)))
	}
	v, err := ParseVersion(tokens[0])
	if err != nil {
		return fail(h, err)
	}
	if v.Major > CurrentVersion.Major {
		return fail(h, fmt.Errorf("%w: %s, newest known is %s", ErrUnsupportedVersion, v, CurrentVersion))
	}
	h.Version = v
	group, err := url.QueryUnescape(tokens[1])
	if err != nil {
		return fail(h, fmt.Errorf("group: %w", err))
	}
	sender, err := url.QueryUnescape(tokens[2])
	if err != nil {
		return fail(h, fmt.Errorf("sender: %w", err))
	}
	h = Header{Version: v, Group: group, Sender: sender}
	if group != p.group {
		return fail(h, fmt.Errorf("group %q does not match %q", group, p.group))
	}

	d := decoder{args: tokens[4:]}
	var m Message
	switch Op(tokens[3]) {
	case OpPropose:
		d.want(1)
		m = &Propose{Header: h, Proposal: d.proposal(0)}
	case OpAccept:
		d.want(2)
		m = &Accept{Header: h, Proposal: d.proposal(0), Value: d.value(1)}
	case OpResult:
		d.want(2)
		m = &Result{Header: h, Proposal: d.proposal(0), Value: d.value(1)}
	case OpMasterQuery:
		d.want(0)
		m = &MasterQuery{Header: h}
	case OpShutdown:
		d.want(0)
		m = &Shutdown{Header: h}
	case OpReject:
		d.want(1)
		m = &Reject{Header: h, Higher: d.proposal(0)}
	case OpPromise:
		m = d.promise(h)
	case OpAccepted:
		d.want(2)
		m = &Accepted{Header: h, Proposal: d.proposal(0), Value: d.value(1)}
	case OpMasterQueryResponse:
		d.want(2)
		m = &MasterQueryResponse{Header: h, Proposal: d.proposal(0), Value: d.value(1)}
	case OpInvalid:
		d.want(1)
		m = &InvalidMessage{Header: h, Reason: d.str(0)}
	default:
		return fail(h, fmt.Errorf("unknown op %q", tokens[3]))
	}
	if d.err != nil {
		return fail(h, d.err)
	}
	return m, nil
}

// decoder reads payload tokens, keeping the first error so that field
// extraction reads straight through.
type decoder struct {
	args []string
	err  error
}

func (d *decoder) want(n int) {
	if d.err == nil && len(d.args) != n {
		d.err = fmt.Errorf("expected %d payload tokens, got %d", n, len(d.args))
	}
}

func (d *decoder) str(i int) string {
	if d.err != nil {
		return ""
	}
	s, err := url.QueryUnescape(d.args[i])
	if err != nil {
		d.err = fmt.Errorf("token %d: %w", i, err)
	}
	return s
}

func (d *decoder) value(i int) Value { return Value(d.str(i)) }

func (d *decoder) proposal(i int) Proposal {
	if d.err != nil {
		return Proposal{}
	}
	p, err := ParseProposal(d.args[i])
	if err != nil {
		d.err = err
	}
	return p
}

func (d *decoder) num(i int, def int64) int64 {
	if d.err != nil || i >= len(d.args) || d.args[i] == "" {
		return def
	}
	n, err := strconv.ParseInt(d.args[i], 10, 64)
	if err != nil {
		d.err = fmt.Errorf("token %d: %w", i, err)
	}
	return n
}

func (d *decoder) promise(h Header) *Promise {
	if len(d.args) < 5 {
		d.err = fmt.Errorf("expected at least 5 promise tokens, got %d", len(d.args))
		return nil
	}
	pr := &Promise{
		Header:         h,
		Highest:        d.proposal(0),
		AcceptedValue:  d.value(1),
		SuggestedValue: d.value(2),
		Priority:       int(d.num(4, 0)),
	}
	dtvlsn := d.num(3, MinVLSN)
	if h.Version.Major == 1 {
		pr.Ranking = NewPreTermRanking(dtvlsn, MinVLSN)
		return pr
	}
	pr.LogVersion = int(d.num(5, 0))
	if len(d.args) > 6 {
		pr.SoftwareVersion = d.str(6)
	}
	pr.Ranking = NewRanking(dtvlsn, d.num(7, MinVLSN), d.num(8, NullNodeID), d.num(9, PreTerm))
	return pr
}
