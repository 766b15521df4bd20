package paxos

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	logging "github.com/ipfs/go-log"

	"github.com/senutpal/elections/internal/transport"
)

var log = logging.Logger("paxos")

// Well known service names on a node's dispatcher.
const (
	AcceptorService = "Acceptor"
	LearnerService  = "Learner"
)

// serviceLoop serves one request per connection for a single agent. It
// polls for connections with a bounded timeout so that a stop request is
// always noticed.
type serviceLoop struct {
	service     string
	protocol    *Protocol
	dispatcher  transport.Dispatcher
	process     func(Message) (Message, error)
	readTimeout time.Duration
	pollTimeout time.Duration
	onFailure   func(error)
	onInvalid   func()

	startOnce sync.Once
	stopOnce  sync.Once
	stopCh    chan struct{}
	done      chan struct{}
	err       error
}

func newServiceLoop(service string, protocol *Protocol, d transport.Dispatcher, process func(Message) (Message, error)) *serviceLoop {
	return &serviceLoop{
		service:    service,
		protocol:   protocol,
		dispatcher: d,
		process:    process,
		stopCh:     make(chan struct{}),
		done:       make(chan struct{}),
	}
}

func (s *serviceLoop) start() error {
	var err error
	started := false
	s.startOnce.Do(func() {
		var conns <-chan net.Conn
		conns, err = s.dispatcher.Register(s.service)
		if err != nil {
			close(s.done)
			return
		}
		started = true
		go s.run(conns)
	})
	if err == nil && !started {
		return fmt.Errorf("paxos: %s already started", s.service)
	}
	return err
}

// stop asks the loop to exit and waits for it. Safe to call more than once
// and before start.
func (s *serviceLoop) stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.startOnce.Do(func() { close(s.done) })
	<-s.done
}

// wait blocks until the loop exits and returns the fatal error, if any.
func (s *serviceLoop) wait() error {
	<-s.done
	return s.err
}

func (s *serviceLoop) name() string {
	return "[" + s.protocol.Sender() + "] " + s.service
}

func (s *serviceLoop) run(conns <-chan net.Conn) {
	defer close(s.done)
	defer s.dispatcher.Unregister(s.service)
	defer func() {
		if r := recover(); r != nil {
			s.fail(fmt.Errorf("paxos: %s panicked: %v", s.service, r))
		}
	}()
	log.Debugf("%s started", s.name())
	for {
		select {
		case <-s.stopCh:
			log.Debugf("%s stopped", s.name())
			return
		case conn, ok := <-conns:
			if !ok {
				return
			}
			shutdown, err := s.serve(conn)
			if err != nil {
				s.fail(err)
				return
			}
			if shutdown {
				log.Infof("%s shut down by request", s.name())
				return
			}
		case <-time.After(s.pollTimeout):
		}
	}
}

func (s *serviceLoop) fail(err error) {
	log.Errorf("%s failed: %v", s.name(), err)
	s.err = err
	if s.onFailure != nil {
		s.onFailure(err)
	}
}

// serve handles one connection. Errors local to the connection are logged
// and swallowed; a returned error is fatal to the agent.
func (s *serviceLoop) serve(conn net.Conn) (shutdown bool, err error) {
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(s.readTimeout))
	line, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		log.Debugf("%s read from %s: %v", s.name(), conn.RemoteAddr(), err)
		return false, nil
	}
	req, err := s.protocol.Parse(line)
	if err != nil {
		var ime *InvalidMessageError
		h := s.protocol.Header()
		if errors.As(err, &ime) {
			h = ime.Header
		}
		log.Warnf("%s: %v", s.name(), err)
		if s.onInvalid != nil {
			s.onInvalid()
		}
		s.reply(conn, s.protocol.NewInvalid(h, err.Error()))
		return false, nil
	}
	if _, ok := req.(*Shutdown); ok {
		return true, nil
	}
	resp, err := s.process(req)
	if err != nil {
		return false, err
	}
	if resp != nil {
		s.reply(conn, resp)
	}
	return false, nil
}

func (s *serviceLoop) reply(conn net.Conn, m Message) {
	if _, err := io.WriteString(conn, Encode(m)+"\n"); err != nil {
		log.Debugf("%s reply %s to %s: %v", s.name(), m.Op(), m.GetHeader().Sender, err)
	}
}

// client sends requests to remote agents, one connection per request.
type client struct {
	protocol    *Protocol
	dialer      transport.Dialer
	openTimeout time.Duration
	readTimeout time.Duration
}

// call sends req and waits for one reply. A peer that closes the
// connection without answering yields io.EOF.
func (c *client) call(ctx context.Context, addr, service string, req Message) (Message, error) {
	return c.exchange(ctx, addr, service, req, true)
}

// post sends req without waiting for a reply.
func (c *client) post(ctx context.Context, addr, service string, req Message) error {
	_, err := c.exchange(ctx, addr, service, req, false)
	return err
}

func (c *client) exchange(ctx context.Context, addr, service string, req Message, wantReply bool) (Message, error) {
	dctx, cancel := context.WithTimeout(ctx, c.openTimeout)
	conn, err := c.dialer.Dial(dctx, addr, service)
	cancel()
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	conn.SetDeadline(time.Now().Add(c.readTimeout))
	if _, err := io.WriteString(conn, Encode(req)+"\n"); err != nil {
		return nil, fmt.Errorf("paxos: send %s to %s: %w", req.Op(), addr, err)
	}
	if !wantReply {
		return nil, nil
	}
	line, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, err
	}
	resp, err := c.protocol.Parse(line)
	if err != nil {
		return nil, err
	}
	if inv, ok := resp.(*InvalidMessage); ok {
		return nil, fmt.Errorf("%w: %s refused %s: %s", ErrInvalidMessage, addr, req.Op(), inv.Reason)
	}
	return resp, nil
}

// postAll sends req to service at every address through pool and waits for
// the sends to finish. It returns how many failed.
func postAll(ctx context.Context, pool *Pool, c *client, addrs []string, service string, req Message) int {
	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		failed int
	)
	for _, addr := range addrs {
		addr := addr
		wg.Add(1)
		err := pool.Submit(func() {
			defer wg.Done()
			if err := c.post(ctx, addr, service, req); err != nil {
				log.Debugf("[%s] %s to %s at %s: %v", c.protocol.Sender(), req.Op(), service, addr, err)
				mu.Lock()
				failed++
				mu.Unlock()
			}
		})
		if err != nil {
			wg.Done()
			mu.Lock()
			failed++
			mu.Unlock()
		}
	}
	wg.Wait()
	return failed
}
