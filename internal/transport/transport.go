// =============================================================================
// TRANSPORT - Service keyed duplex connections
// =============================================================================
//
// Election agents do not own sockets. A node exposes one Dispatcher that
// accepts incoming connections and hands each one to the service it names
// ("Acceptor", "Learner"). Outgoing requests use a Dialer that opens a
// connection to a named service at an address.
//
// A connection carries newline-terminated text lines. Request/response pairs
// are one line each way; the paxos package owns the line format.
//
// Two implementations are provided:
//
//   Network / MemoryDispatcher   in-process, built on net.Pipe, with
//                                partition and heal for tests
//   TCPDispatcher / TCPDialer    real sockets, the service name is sent as
//                                the first line of every connection
//
// =============================================================================

package transport

import (
	"context"
	"errors"
	"net"

	logging "github.com/ipfs/go-log"
)

var log = logging.Logger("transport")

var (
	ErrUnreachable       = errors.New("transport: address unreachable")
	ErrServiceNotFound   = errors.New("transport: service not registered")
	ErrServiceRegistered = errors.New("transport: service already registered")
	ErrClosed            = errors.New("transport: closed")
)

type Dialer interface {
	Dial(ctx context.Context, addr, service string) (net.Conn, error)
}

// Dispatcher routes incoming connections to registered services.
type Dispatcher interface {
	Addr() string
	Register(service string) (<-chan net.Conn, error)
	Unregister(service string)
}
