package elections

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/senutpal/elections/internal/config"
	"github.com/senutpal/elections/internal/paxos"
	"github.com/senutpal/elections/internal/transport"
)

// eventually polls cond until it holds or the timeout passes.
func eventually(tb testing.TB, timeout time.Duration, cond func() bool, msg string, v ...interface{}) {
	tb.Helper()
	deadline := time.Now().Add(timeout)
	for !cond() {
		if time.Now().After(deadline) {
			tb.Fatalf(msg, v...)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func testConfig(name string) config.Config {
	cfg := config.Default()
	cfg.GroupName = "group"
	cfg.NodeName = name
	cfg.ElectionOpenTimeout = 200 * time.Millisecond
	cfg.ElectionReadTimeout = 200 * time.Millisecond
	cfg.RebroadcastPeriod = 20 * time.Millisecond
	cfg.BackoffUnit = 5 * time.Millisecond
	cfg.ServicePollTimeout = 10 * time.Millisecond
	return cfg
}

func selfValue(i int) paxos.Value {
	return paxos.MasterValue{Host: "127.0.0.1", Port: 5000 + i, NodeName: fmt.Sprintf("n%d", i)}.Value()
}

type testNode struct {
	name string
	self paxos.Value
	e    *Elections
}

type testCluster struct {
	network *transport.Network
	group   StaticGroup
	nodes   []*testNode

	mu       sync.Mutex
	failures []error
}

type nodeOption func(i int, cfg *config.Config, deps *Dependencies)

func testMode(_ int, cfg *config.Config, _ *Dependencies) { cfg.TestMode = true }

// newTestCluster builds n voting nodes. Node i suggests itself with
// replication progress 100*i, so the highest numbered reachable node wins.
func newTestCluster(t *testing.T, n int, learnerOnly []string, opts ...nodeOption) *testCluster {
	t.Helper()
	c := &testCluster{network: transport.NewNetwork()}
	for i := 0; i < n; i++ {
		name := fmt.Sprintf("n%d", i)
		c.group.Members = append(c.group.Members, paxos.Member{Name: name, Addr: name})
	}
	if len(learnerOnly) > 0 {
		c.group.LearnerAddrs = append(c.group.Learners(), learnerOnly...)
	}
	for i := 0; i < n; i++ {
		node := c.add(t, i, fmt.Sprintf("n%d", i), opts...)
		ok(t, node.e.Participate())
	}
	for j, name := range learnerOnly {
		node := c.add(t, n+j, name, opts...)
		ok(t, node.e.StartLearner())
	}
	t.Cleanup(func() {
		for _, node := range c.nodes {
			node.e.Shutdown()
		}
	})
	return c
}

func (c *testCluster) add(t *testing.T, i int, name string, opts ...nodeOption) *testNode {
	t.Helper()
	self := selfValue(i)
	cfg := testConfig(name)
	deps := Dependencies{
		Dispatcher:  c.network.AddNode(name),
		Dialer:      c.network.Dialer(name),
		Group:       c.group,
		Suggestions: paxos.StaticSuggestion{Value: self, Rank: paxos.NewRanking(0, int64(100*i), int64(i), 1)},
		Priority:    1,
		SelfValue:   self,
		OnFailure:   c.fail,
	}
	for _, opt := range opts {
		opt(i, &cfg, &deps)
	}
	e, err := New(cfg, deps)
	ok(t, err)
	node := &testNode{name: name, self: self, e: e}
	c.nodes = append(c.nodes, node)
	return node
}

func (c *testCluster) fail(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failures = append(c.failures, err)
}

func (c *testCluster) failureList() []error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]error(nil), c.failures...)
}

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestElections_threeNodes(t *testing.T) {
	c := newTestCluster(t, 3, nil)
	ctx := testContext(t)

	ok(t, c.nodes[0].e.InitiateElection(ctx, paxos.SimpleMajority, 3))
	p, v := c.nodes[0].e.Master()
	equals(t, c.nodes[2].self, v)

	for _, n := range c.nodes {
		n := n
		eventually(t, time.Second, func() bool {
			np, nv := n.e.Master()
			return np.Equal(p) && nv == v
		}, "%s did not learn the result", n.name)
		equals(t, p, n.e.States().Promised)
	}

	qp, qv, err := c.nodes[1].e.QueryMaster(ctx)
	ok(t, err)
	equals(t, p, qp)
	equals(t, v, qv)

	mv, err := paxos.ParseMasterValue(v)
	ok(t, err)
	equals(t, "n2", mv.NodeName)
	equals(t, []error(nil), c.failureList())
}

func TestElections_learnedClearsAcceptedValue(t *testing.T) {
	c := newTestCluster(t, 3, nil)
	ctx := testContext(t)
	ok(t, c.nodes[0].e.InitiateElection(ctx, paxos.SimpleMajority, 3))
	first, _ := c.nodes[0].e.Master()
	for _, n := range c.nodes[:2] {
		n := n
		eventually(t, time.Second, func() bool {
			p, _ := n.e.Master()
			return p.Equal(first) && n.e.States().AcceptedProposal.IsZero()
		}, "%s should retire its accepted value once the result is learned", n.name)
	}

	// n2 is gone: the next election must be free to pick someone else
	c.network.Partition("n2")
	ok(t, c.nodes[0].e.InitiateElection(ctx, paxos.SimpleMajority, 3))
	second, v := c.nodes[0].e.Master()
	assert(t, second.GreaterThan(first), "second result %s should supersede %s", second, first)
	equals(t, c.nodes[1].self, v)
}

func TestElections_concurrentInitiationConverges(t *testing.T) {
	c := newTestCluster(t, 3, nil, testMode)
	ctx := testContext(t)

	errs := make(chan error, len(c.nodes))
	for _, n := range c.nodes {
		n := n
		go func() { errs <- n.e.InitiateElection(ctx, paxos.SimpleMajority, 50) }()
	}
	for range c.nodes {
		ok(t, <-errs)
	}

	eventually(t, 5*time.Second, func() bool {
		p0, v0 := c.nodes[0].e.Master()
		for _, n := range c.nodes[1:] {
			p, v := n.e.Master()
			if !p.Equal(p0) || v != v0 {
				return false
			}
		}
		return !p0.IsZero()
	}, "nodes did not converge on one master")
}

func TestElections_retriesExhausted(t *testing.T) {
	// n1 and n2 are listed but never come up
	c := newTestCluster(t, 1, nil)
	c.group.Members = append(c.group.Members,
		paxos.Member{Name: "n1", Addr: "n1"},
		paxos.Member{Name: "n2", Addr: "n2"})
	node := c.add(t, 5, "n5", func(_ int, _ *config.Config, deps *Dependencies) { deps.Group = c.group })
	ok(t, node.e.Participate())

	err := node.e.InitiateElection(testContext(t), paxos.SimpleMajority, 2)
	var exit *paxos.ExitElectionError
	assert(t, errors.As(err, &exit), "expected ExitElectionError, got %v", err)
	assert(t, errors.Is(err, paxos.ErrNoQuorum), "expected no quorum, got %v", err)
	equals(t, int64(2), exit.Stats.Retries)

	failures := c.failureList()
	equals(t, 1, len(failures))
	equals(t, err, failures[0])
	equals(t, err, node.e.Err())
	equals(t, err, node.e.InitiateElection(testContext(t), paxos.SimpleMajority, 2))
	equals(t, 1, len(c.failureList()))
}

func TestElections_retriesExhaustedInTestMode(t *testing.T) {
	c := newTestCluster(t, 1, nil)
	c.group.Members = append(c.group.Members, paxos.Member{Name: "n1", Addr: "n1"})
	node := c.add(t, 5, "n5", testMode, func(_ int, _ *config.Config, deps *Dependencies) { deps.Group = c.group })
	ok(t, node.e.Participate())

	err := node.e.InitiateElection(testContext(t), paxos.SimpleMajority, 1)
	var exit *paxos.ExitElectionError
	assert(t, errors.As(err, &exit), "expected ExitElectionError, got %v", err)
	ok(t, node.e.Err())
	equals(t, []error(nil), c.failureList())
}

func TestElections_callerCancellation(t *testing.T) {
	c := newTestCluster(t, 1, nil, testMode)
	c.group.Members = append(c.group.Members,
		paxos.Member{Name: "n1", Addr: "n1"},
		paxos.Member{Name: "n2", Addr: "n2"})
	node := c.add(t, 5, "n5", testMode, func(_ int, _ *config.Config, deps *Dependencies) { deps.Group = c.group })
	ok(t, node.e.Participate())

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	err := node.e.InitiateElection(ctx, paxos.SimpleMajority, 1000)
	equals(t, context.DeadlineExceeded, err)

	// the abandoned campaign winds down and does not block the next call
	ctx2, cancel2 := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel2()
	equals(t, context.DeadlineExceeded, node.e.InitiateElection(ctx2, paxos.SimpleMajority, 1000))
	ok(t, node.e.Err())
}

func TestElections_lifecycle(t *testing.T) {
	network := transport.NewNetwork()
	group := StaticGroup{Members: []paxos.Member{{Name: "n0", Addr: "n0"}}}
	e, err := New(testConfig("n0"), Dependencies{
		Dispatcher: network.AddNode("n0"),
		Dialer:     network.Dialer("n0"),
		Group:      group,
	})
	ok(t, err)

	err = e.InitiateElection(testContext(t), paxos.SimpleMajority, 1)
	assert(t, err != nil, "InitiateElection before Participate should fail")

	ok(t, e.StartLearner())
	ok(t, e.StartLearner())
	ok(t, e.Participate())
	ok(t, e.Participate())

	e.Shutdown()
	e.Shutdown()
	equals(t, ErrShutdown, e.InitiateElection(testContext(t), paxos.SimpleMajority, 1))
	equals(t, ErrShutdown, e.StartLearner())
	equals(t, ErrShutdown, e.Participate())
}

func TestElections_rejectsBadConfig(t *testing.T) {
	network := transport.NewNetwork()
	deps := Dependencies{
		Dispatcher: network.AddNode("n0"),
		Dialer:     network.Dialer("n0"),
		Group:      StaticGroup{},
	}
	_, err := New(config.Config{NodeName: "n0"}, deps)
	assert(t, err != nil, "missing group name should be rejected")

	_, err = New(testConfig("n0"), Dependencies{})
	assert(t, err != nil, "missing dependencies should be rejected")
}

func TestElections_rebroadcastReachesHealedLearner(t *testing.T) {
	c := newTestCluster(t, 3, []string{"l0"})
	c.network.Partition("l0")
	ctx := testContext(t)

	ok(t, c.nodes[0].e.InitiateElection(ctx, paxos.SimpleMajority, 3))
	p, v := c.nodes[0].e.Master()
	equals(t, c.nodes[2].self, v)
	learner := c.nodes[3].e
	lp, _ := learner.Master()
	assert(t, lp.IsZero(), "partitioned learner should not know the master yet")
	eventually(t, time.Second, func() bool {
		return c.nodes[0].e.Learner().Stats().Snapshot().InformFailed == 1
	}, "the first broadcast should have missed l0")

	c.network.Heal("l0")
	eventually(t, 2*time.Second, func() bool {
		lp, lv := learner.Master()
		return lp.Equal(p) && lv == v
	}, "rebroadcast never reached the healed learner")
	assert(t, learner.States().Promised.IsZero(), "learner-only node must not vote")
}

type staticActivity []string

func (a staticActivity) ActiveAddrs() []string { return a }

func TestElections_rebroadcastSkipsActiveLearners(t *testing.T) {
	c := newTestCluster(t, 3, []string{"l0"}, func(_ int, _ *config.Config, deps *Dependencies) {
		deps.Activity = staticActivity{"l0"}
	})
	c.network.Partition("l0")
	ok(t, c.nodes[0].e.InitiateElection(testContext(t), paxos.SimpleMajority, 3))
	eventually(t, time.Second, func() bool {
		return c.nodes[0].e.Learner().Stats().Snapshot().InformFailed == 1
	}, "the first broadcast should have missed l0")
	c.network.Heal("l0")

	time.Sleep(100 * time.Millisecond)
	lp, _ := c.nodes[3].e.Master()
	assert(t, lp.IsZero(), "a learner reported active should not be re-informed")
}

func TestElections_shutdownAcceptorsLearners(t *testing.T) {
	c := newTestCluster(t, 3, nil)
	c.nodes[0].e.ShutdownAcceptorsLearners(testContext(t), []string{"n1"}, []string{"n1", "n2"})
	ok(t, c.nodes[1].e.Acceptor().Wait())
	ok(t, c.nodes[1].e.Learner().Wait())
	ok(t, c.nodes[2].e.Learner().Wait())
}

func TestLaggingLearners(t *testing.T) {
	equals(t, []string{"b", "d"}, laggingLearners([]string{"a", "b", "c", "d"}, []string{"c", "a", "x"}))
	equals(t, []string{"a"}, laggingLearners([]string{"a"}, nil))
	equals(t, []string(nil), laggingLearners(nil, []string{"a"}))
}

func TestStaticGroup(t *testing.T) {
	g := StaticGroup{Members: []paxos.Member{{Name: "a", Addr: "a:1"}, {Name: "b", Addr: "b:1", Arbiter: true}}}
	equals(t, []string{"a:1", "b:1"}, g.Learners())
	g.LearnerAddrs = []string{"x:1"}
	equals(t, []string{"x:1"}, g.Learners())
	equals(t, 2, len(g.Acceptors()))
}
