// =============================================================================
// DEMO RUNNER - Master election in one process
// =============================================================================
//
// Starts a small group, has the first node initiate an election and prints
// what every node learned.
//
//   go run ./cmd/demo -nodes 5
//   go run ./cmd/demo -tcp -data /tmp/elections
//
// Each node suggests itself. Node i reports replication progress 100*i, so
// the last node has the best ranking and should win.
//
// =============================================================================

package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"time"

	logging "github.com/ipfs/go-log"

	"github.com/senutpal/elections/internal/config"
	"github.com/senutpal/elections/internal/elections"
	"github.com/senutpal/elections/internal/paxos"
	"github.com/senutpal/elections/internal/storage"
	"github.com/senutpal/elections/internal/transport"
)

var log = logging.Logger("demo")

type node struct {
	name       string
	dispatcher transport.Dispatcher
	dialer     transport.Dialer
	store      storage.Storage
	elections  *elections.Elections
}

func main() {
	numNodes := flag.Int("nodes", 3, "number of nodes in the group")
	useTCP := flag.Bool("tcp", false, "use loopback TCP instead of the in-memory network")
	dataDir := flag.String("data", "", "keep acceptor state in files under this directory")
	level := flag.String("loglevel", "info", "log level for the election packages")
	flag.Parse()

	for _, sys := range []string{"paxos", "elections", "transport", "storage", "demo"} {
		if err := logging.SetLogLevel(sys, *level); err != nil {
			fmt.Fprintf(os.Stderr, "bad log level %q: %v\n", *level, err)
			os.Exit(2)
		}
	}

	if err := run(*numNodes, *useTCP, *dataDir); err != nil {
		log.Error(err)
		os.Exit(1)
	}
}

func run(numNodes int, useTCP bool, dataDir string) error {
	network := transport.NewNetwork()
	nodes := make([]*node, numNodes)
	for i := range nodes {
		n := &node{name: fmt.Sprintf("node-%d", i)}
		if useTCP {
			d, err := transport.ListenTCP("127.0.0.1:0")
			if err != nil {
				return err
			}
			n.dispatcher = d
			n.dialer = transport.TCPDialer{Timeout: time.Second}
		} else {
			n.dispatcher = network.AddNode(n.name)
			n.dialer = network.Dialer(n.name)
		}
		if dataDir != "" {
			fs, err := storage.NewFileStorage(filepath.Join(dataDir, n.name))
			if err != nil {
				return err
			}
			n.store = fs
		} else {
			n.store = storage.NewMemoryStorage()
		}
		nodes[i] = n
	}

	group := elections.StaticGroup{}
	for _, n := range nodes {
		group.Members = append(group.Members, paxos.Member{Name: n.name, Addr: n.dispatcher.Addr()})
	}

	cfg := config.Default()
	cfg.GroupName = "demo"
	cfg.ElectionOpenTimeout = time.Second
	cfg.ElectionReadTimeout = time.Second
	cfg.MinElectionDuration = 100 * time.Millisecond
	cfg.BackoffUnit = 100 * time.Millisecond
	cfg.ServicePollTimeout = 100 * time.Millisecond

	for i, n := range nodes {
		n := n
		self := paxos.MasterValue{Host: "127.0.0.1", Port: 5000 + i, NodeName: n.name}.Value()
		nodeCfg := cfg
		nodeCfg.NodeName = n.name
		e, err := elections.New(nodeCfg, elections.Dependencies{
			Dispatcher:  n.dispatcher,
			Dialer:      n.dialer,
			Group:       group,
			Store:       n.store,
			Suggestions: paxos.StaticSuggestion{Value: self, Rank: paxos.NewRanking(0, int64(100*i), int64(i), 1)},
			Priority:    1,
			SelfValue:   self,
			OnFailure:   func(err error) { log.Errorf("%s failed: %v", n.name, err) },
		})
		if err != nil {
			return err
		}
		if err := e.Participate(); err != nil {
			return err
		}
		n.elections = e
	}
	defer func() {
		for _, n := range nodes {
			n.elections.Shutdown()
			n.store.Close()
			if c, ok := n.dispatcher.(interface{ Close() error }); ok {
				c.Close()
			}
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := nodes[0].elections.InitiateElection(ctx, paxos.SimpleMajority, cfg.MaxProposeRetries); err != nil {
		return fmt.Errorf("election: %w", err)
	}

	// Give the Result broadcast a moment to reach everyone.
	time.Sleep(200 * time.Millisecond)
	for _, n := range nodes {
		p, v := n.elections.Master()
		mv, err := paxos.ParseMasterValue(v)
		if err != nil {
			fmt.Printf("%s: no master learned\n", n.name)
			continue
		}
		fmt.Printf("%s: master is %s at %s (proposal %s)\n", n.name, mv.NodeName, mv.Addr(), p)
	}
	return nil
}
