package storage

import (
	"sync"

	"github.com/senutpal/elections/internal/paxos"
)

// MemoryStorage keeps acceptor state in memory. Nothing survives a restart.
type MemoryStorage struct {
	highestPromised  paxos.Proposal
	acceptedProposal paxos.Proposal
	acceptedValue    paxos.Value
	mu               sync.RWMutex
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{}
}

func (m *MemoryStorage) SavePromised(proposal paxos.Proposal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.highestPromised = proposal
	return nil
}

func (m *MemoryStorage) LoadPromised() (paxos.Proposal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.highestPromised, nil
}

func (m *MemoryStorage) SaveAccepted(proposal paxos.Proposal, value paxos.Value) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.acceptedProposal = proposal
	m.acceptedValue = value
	return nil
}

func (m *MemoryStorage) LoadAccepted() (paxos.Proposal, paxos.Value, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.acceptedProposal, m.acceptedValue, nil
}

func (m *MemoryStorage) Close() error {
	return nil
}

// Reset forgets everything, as if the node's disk had been wiped.
func (m *MemoryStorage) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.highestPromised = paxos.Proposal{}
	m.acceptedProposal = paxos.Proposal{}
	m.acceptedValue = paxos.NoValue
}
