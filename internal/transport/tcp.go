package transport

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"
)

const handshakeTimeout = 5 * time.Second

// TCPDispatcher accepts TCP connections and routes them by the service name
// sent as the first line.
type TCPDispatcher struct {
	ln net.Listener

	mu       sync.Mutex
	closed   bool
	services map[string]chan net.Conn
	wg       sync.WaitGroup
}

func ListenTCP(addr string) (*TCPDispatcher, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("transport: listen %s: %w", addr, err)
	}
	d := &TCPDispatcher{ln: ln, services: make(map[string]chan net.Conn)}
	d.wg.Add(1)
	go d.acceptLoop()
	return d, nil
}

func (d *TCPDispatcher) Addr() string { return d.ln.Addr().String() }

func (d *TCPDispatcher) Register(service string) (<-chan net.Conn, error) {
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

func (d *TCPDispatcher) Unregister(service string) {
	d.mu.Lock()
	ch, ok := d.services[service]
	delete(d.services, service)
	d.mu.Unlock()
	if ok {
		drain(ch)
	}
}

func (d *TCPDispatcher) acceptLoop() {
	defer d.wg.Done()
	for {
		conn, err := d.ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			log.Warnf("[%s] accept: %v", d.Addr(), err)
			continue
		}
		d.wg.Add(1)
		go d.route(conn)
	}
}

func (d *TCPDispatcher) route(conn net.Conn) {
	defer d.wg.Done()
	conn.SetReadDeadline(time.Now().Add(handshakeTimeout))
	r := bufio.NewReader(conn)
	line, err := r.ReadString('\n')
	if err != nil {
		log.Debugf("[%s] handshake from %s: %v", d.Addr(), conn.RemoteAddr(), err)
		conn.Close()
		return
	}
	conn.SetReadDeadline(time.Time{})
	service := strings.TrimSpace(line)

	d.mu.Lock()
	ch, ok := d.services[service]
	d.mu.Unlock()
	if !ok {
		log.Debugf("[%s] connection for unknown service %q", d.Addr(), service)
		conn.Close()
		return
	}
	bc := &bufferedConn{Conn: conn, r: r}
	select {
	case ch <- bc:
	default:
		log.Warnf("[%s] %s queue full, dropping connection", d.Addr(), service)
		conn.Close()
	}
}

func (d *TCPDispatcher) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	services := d.services
	d.services = make(map[string]chan net.Conn)
	d.mu.Unlock()

	err := d.ln.Close()
	d.wg.Wait()
	for _, ch := range services {
		drain(ch)
	}
	return err
}

// bufferedConn keeps bytes the handshake reader buffered past the service
// line.
type bufferedConn struct {
	net.Conn
	r *bufio.Reader
}

func (c *bufferedConn) Read(p []byte) (int, error) { return c.r.Read(p) }

type TCPDialer struct {
	Timeout time.Duration
}

func (t TCPDialer) Dial(ctx context.Context, addr, service string) (net.Conn, error) {
	d := net.Dialer{Timeout: t.Timeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrUnreachable, addr, err)
	}
	if _, err := conn.Write([]byte(service + "\n")); err != nil {
		conn.Close()
		return nil, fmt.Errorf("%w: %s: %v", ErrUnreachable, addr, err)
	}
	return conn, nil
}
