package paxos

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"reflect"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/senutpal/elections/internal/transport"
)

// assert fails the test if the condition is false.
func assert(tb testing.TB, condition bool, msg string, v ...interface{}) {
	if !condition {
		_, file, line, _ := runtime.Caller(1)
		fmt.Printf("\033[31m%s:%d: "+msg+"\033[39m\n\n", append([]interface{}{filepath.Base(file), line}, v...)...)
		tb.FailNow()
	}
}

// ok fails the test if an err is not nil.
func ok(tb testing.TB, err error) {
	if err != nil {
		_, file, line, _ := runtime.Caller(1)
		fmt.Printf("\033[31m%s:%d: unexpected error: %s\033[39m\n\n", filepath.Base(file), line, err.Error())
		tb.FailNow()
	}
}

// equals fails the test if exp is not equal to act.
func equals(tb testing.TB, exp, act interface{}) {
	if !reflect.DeepEqual(exp, act) {
		_, file, line, _ := runtime.Caller(1)
		fmt.Printf("\033[31m%s:%d:\n\n\texp: %#v\n\n\tgot: %#v\033[39m\n\n", filepath.Base(file), line, exp, act)
		tb.FailNow()
	}
}

// eventually polls cond until it holds or the timeout passes.
func eventually(tb testing.TB, timeout time.Duration, cond func() bool, msg string, v ...interface{}) {
	deadline := time.Now().Add(timeout)
	for !cond() {
		if time.Now().After(deadline) {
			_, file, line, _ := runtime.Caller(1)
			fmt.Printf("\033[31m%s:%d: "+msg+"\033[39m\n\n", append([]interface{}{filepath.Base(file), line}, v...)...)
			tb.FailNow()
		}
		time.Sleep(5 * time.Millisecond)
	}
}

var testMachine = uuid.MustParse("6ba7b810-9dad-11d1-80b4-00c04fd430c8")

func proposalAt(ms uint64, local uint32) Proposal {
	return Proposal{TimeMs: ms, MachineID: testMachine, LocalID: local}
}

// memStore is a StateStore that records the order of saved promises.
type memStore struct {
	mu       sync.Mutex
	promised Proposal
	accepted Proposal
	value    Value
	history  []Proposal
	failNext error
}

func (s *memStore) SavePromised(p Proposal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failNext; err != nil {
		s.failNext = nil
		return err
	}
	s.promised = p
	s.history = append(s.history, p)
	return nil
}

func (s *memStore) LoadPromised() (Proposal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.promised, nil
}

func (s *memStore) SaveAccepted(p Proposal, v Value) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failNext; err != nil {
		s.failNext = nil
		return err
	}
	s.accepted, s.value = p, v
	return nil
}

func (s *memStore) LoadAccepted() (Proposal, Value, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.accepted, s.value, nil
}

// retryN allows n retries without backing off.
type retryN struct{ n int }

func (r *retryN) Retry(ctx context.Context) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if r.n <= 0 {
		return false, nil
	}
	r.n--
	return true, nil
}

func (r *retryN) PendingRetries() int { return r.n }

const testGroup = "group"

type testNode struct {
	name     string
	protocol *Protocol
	states   *ElectionStates
	acceptor *Acceptor
	learner  *Learner

	mu      sync.Mutex
	learned []Value
}

func (n *testNode) notified() []Value {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]Value(nil), n.learned...)
}

type testCluster struct {
	network *transport.Network
	pool    *Pool
	nodes   []*testNode
	arbiter bool

	failMu   sync.Mutex
	failures []error
}

type clusterOption func(i int, cfg *AcceptorConfig, s *SuggestionGenerator)

// suggestRanked makes node i suggest itself with replication progress
// 100*i, so the highest numbered node has the best ranking.
func suggestRanked(i int, _ *AcceptorConfig, s *SuggestionGenerator) {
	*s = StaticSuggestion{
		Value: Value(fmt.Sprintf("n%d", i)),
		Rank:  NewRanking(0, int64(100*i), int64(i), 1),
	}
}

func zeroPriority(_ int, cfg *AcceptorConfig, _ *SuggestionGenerator) { cfg.Priority = 0 }

func newTestCluster(t *testing.T, n int, opts ...clusterOption) *testCluster {
	t.Helper()
	c := &testCluster{network: transport.NewNetwork(), pool: NewPool()}
	for i := 0; i < n; i++ {
		name := fmt.Sprintf("n%d", i)
		d := c.network.AddNode(name)
		cfg := AcceptorConfig{
			Priority:    1,
			LogVersion:  3,
			ReadTimeout: time.Second,
			PollTimeout: 20 * time.Millisecond,
		}
		var sg SuggestionGenerator
		suggestRanked(i, &cfg, &sg)
		for _, opt := range opts {
			opt(i, &cfg, &sg)
		}
		protocol := NewProtocol(testGroup, name)
		states, err := NewElectionStates(&memStore{})
		ok(t, err)
		node := &testNode{name: name, protocol: protocol, states: states}
		node.acceptor = NewAcceptor(protocol, d, states, nil, sg, cfg)
		node.learner = NewLearner(protocol, d, c.network.Dialer(name), c.pool, LearnerConfig{
			OpenTimeout: time.Second,
			ReadTimeout: time.Second,
			PollTimeout: 20 * time.Millisecond,
		})
		node.learner.AddListener(ListenerFunc(func(_ Proposal, v Value) {
			node.mu.Lock()
			node.learned = append(node.learned, v)
			node.mu.Unlock()
		}))
		ok(t, node.acceptor.Start(c.fail))
		ok(t, node.learner.Start(c.fail))
		c.nodes = append(c.nodes, node)
	}
	t.Cleanup(func() {
		for _, node := range c.nodes {
			node.acceptor.Shutdown()
			node.learner.Shutdown()
		}
		c.pool.Shutdown()
		equals(t, []error(nil), c.failureList())
	})
	return c
}

func (c *testCluster) fail(err error) {
	c.failMu.Lock()
	defer c.failMu.Unlock()
	c.failures = append(c.failures, err)
}

func (c *testCluster) failureList() []error {
	c.failMu.Lock()
	defer c.failMu.Unlock()
	return c.failures
}

func (c *testCluster) members() []Member {
	ms := make([]Member, 0, len(c.nodes))
	for _, n := range c.nodes {
		ms = append(ms, Member{Name: n.name, Addr: n.name, Arbiter: c.arbiter})
	}
	return ms
}

func (c *testCluster) addrs() []string {
	var out []string
	for _, n := range c.nodes {
		out = append(out, n.name)
	}
	return out
}

func (c *testCluster) proposer(name string, opts ...GeneratorOption) *Proposer {
	return NewProposer(
		NewProtocol(testGroup, name),
		NewProposalGenerator(time.Minute, opts...),
		c.network.Dialer(name),
		c.pool,
		c.members,
		ProposerConfig{
			OpenTimeout: 200 * time.Millisecond,
			ReadTimeout: 200 * time.Millisecond,
			// long enough that phase 1 hears from every reachable acceptor
			MinElectionDuration: time.Second,
		},
	)
}

var errStore = errors.New("disk on fire")
