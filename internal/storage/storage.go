// =============================================================================
// STORAGE - Durable acceptor state
// =============================================================================
//
// An acceptor must never forget a promise or an accept across a restart:
// re-promising a lower proposal, or forgetting an accepted value, lets two
// different masters be chosen. ElectionStates writes every transition to a
// Storage before making it visible.
//
//   MemoryStorage  tests and the demo; state dies with the process
//   FileStorage    one JSON document per node, replaced atomically
//
// =============================================================================

package storage

import (
	logging "github.com/ipfs/go-log"

	"github.com/senutpal/elections/internal/paxos"
)

var log = logging.Logger("storage")

type Storage interface {
	paxos.StateStore
	Close() error
}
