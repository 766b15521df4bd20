package transport

import (
	"context"
	"fmt"
	"net"
	"sync"
)

const queueSize = 64

// Network connects MemoryDispatchers inside one process. Partition cuts an
// address off in both directions until Heal is called.
type Network struct {
	mu          sync.RWMutex
	nodes       map[string]*MemoryDispatcher
	partitioned map[string]bool
}

func NewNetwork() *Network {
	return &Network{
		nodes:       make(map[string]*MemoryDispatcher),
		partitioned: make(map[string]bool),
	}
}

// AddNode returns the dispatcher for addr, creating it on first use.
func (n *Network) AddNode(addr string) *MemoryDispatcher {
	n.mu.Lock()
	defer n.mu.Unlock()
	if d, ok := n.nodes[addr]; ok {
		return d
	}
	d := &MemoryDispatcher{
		addr:     addr,
		network:  n,
		services: make(map[string]chan net.Conn),
	}
	n.nodes[addr] = d
	return d
}

func (n *Network) Partition(addr string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.partitioned[addr] = true
}

func (n *Network) Heal(addr string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.partitioned, addr)
}

// Dialer returns a Dialer whose connections originate at from. Dials fail
// while either end is partitioned.
func (n *Network) Dialer(from string) Dialer {
	return &memoryDialer{network: n, from: from}
}

type memoryDialer struct {
	network *Network
	from    string
}

func (d *memoryDialer) Dial(ctx context.Context, addr, service string) (net.Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	n := d.network
	n.mu.RLock()
	target, ok := n.nodes[addr]
	cut := n.partitioned[addr] || n.partitioned[d.from]
	n.mu.RUnlock()
	if !ok || cut {
		return nil, fmt.Errorf("%w: %s", ErrUnreachable, addr)
	}
	return target.connect(ctx, service)
}

// MemoryDispatcher is the in-process Dispatcher for one address.
type MemoryDispatcher struct {
	addr    string
	network *Network

	mu       sync.Mutex
	closed   bool
	services map[string]chan net.Conn
}

func (d *MemoryDispatcher) Addr() string { return d.addr }

func (d *MemoryDispatcher) Register(service string) (<-chan net.Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, ErrClosed
	}
	if _, ok := d.services[service]; ok {
		return nil, fmt.Errorf("%w: %s", ErrServiceRegistered, service)
	}
	ch := make(chan net.Conn, queueSize)
	d.services[service] = ch
	return ch, nil
}

// Unregister drops the service. Connections still queued for it are closed.
func (d *MemoryDispatcher) Unregister(service string) {
	d.mu.Lock()
	ch, ok := d.services[service]
	delete(d.services, service)
	d.mu.Unlock()
	if ok {
		drain(ch)
	}
}

func (d *MemoryDispatcher) connect(ctx context.Context, service string) (net.Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, fmt.Errorf("%w: %s", ErrUnreachable, d.addr)
	}
	ch, ok := d.services[service]
	if !ok {
		return nil, fmt.Errorf("%w: %s at %s", ErrServiceNotFound, service, d.addr)
	}
	client, server := net.Pipe()
	select {
	case ch <- server:
		return client, nil
	case <-ctx.Done():
		client.Close()
		server.Close()
		return nil, ctx.Err()
	default:
		client.Close()
		server.Close()
		return nil, fmt.Errorf("%w: %s queue at %s is full", ErrUnreachable, service, d.addr)
	}
}

func (d *MemoryDispatcher) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	services := d.services
	d.services = make(map[string]chan net.Conn)
	d.mu.Unlock()
	for _, ch := range services {
		drain(ch)
	}
	return nil
}

func drain(ch chan net.Conn) {
	for {
		select {
		case c := <-ch:
			c.Close()
		default:
			return
		}
	}
}
