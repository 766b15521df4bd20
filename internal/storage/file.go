package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"

	"github.com/senutpal/elections/internal/paxos"
)

const stateFile = "election-state.json"

var ErrClosed = errors.New("storage: closed")

type fileState struct {
	Promised         string `json:"promised"`
	AcceptedProposal string `json:"accepted_proposal"`
	AcceptedValue    string `json:"accepted_value"`
}

// FileStorage keeps acceptor state in a single JSON file under dir. Every
// save writes a temporary file, syncs it and renames it over the old one,
// so a crash leaves either the old or the new state.
type FileStorage struct {
	mu     sync.RWMutex
	dir    string
	path   string
	state  fileState
	closed bool
}

func NewFileStorage(dir string) (*FileStorage, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("storage: create %s: %w", dir, err)
	}
	fs := &FileStorage{dir: dir, path: filepath.Join(dir, stateFile)}
	b, err := os.ReadFile(fs.path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		return fs, nil
	case err != nil:
		return nil, fmt.Errorf("storage: read %s: %w", fs.path, err)
	}
	if err := json.Unmarshal(b, &fs.state); err != nil {
		return nil, fmt.Errorf("storage: decode %s: %w", fs.path, err)
	}
	if _, err := paxos.ParseProposal(fs.state.Promised); err != nil {
		return nil, fmt.Errorf("storage: %s: %w", fs.path, err)
	}
	if _, err := paxos.ParseProposal(fs.state.AcceptedProposal); err != nil {
		return nil, fmt.Errorf("storage: %s: %w", fs.path, err)
	}
	log.Debugf("loaded election state from %s", fs.path)
	return fs, nil
}

func (fs *FileStorage) SavePromised(p paxos.Proposal) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	next := fs.state
	next.Promised = p.String()
	return fs.write(next)
}

func (fs *FileStorage) LoadPromised() (paxos.Proposal, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()
	return paxos.ParseProposal(fs.state.Promised)
}

func (fs *FileStorage) SaveAccepted(p paxos.Proposal, v paxos.Value) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	next := fs.state
	next.AcceptedProposal = p.String()
	next.AcceptedValue = string(v)
	return fs.write(next)
}

func (fs *FileStorage) LoadAccepted() (paxos.Proposal, paxos.Value, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()
	p, err := paxos.ParseProposal(fs.state.AcceptedProposal)
	if err != nil {
		return paxos.Proposal{}, paxos.NoValue, err
	}
	return p, paxos.Value(fs.state.AcceptedValue), nil
}

// write must be called with mu held. fs.state changes only once the new
// file is in place.
func (fs *FileStorage) write(next fileState) error {
	if fs.closed {
		return ErrClosed
	}
	b, err := json.Marshal(next)
	if err != nil {
		return err
	}
	tmp := fs.path + "." + uuid.NewString() + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return fmt.Errorf("storage: create %s: %w", tmp, err)
	}
	_, err = f.Write(b)
	if err == nil {
		err = f.Sync()
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err == nil {
		err = os.Rename(tmp, fs.path)
	}
	if err != nil {
		os.Remove(tmp)
		return fmt.Errorf("storage: write %s: %w", fs.path, err)
	}
	fs.state = next
	return nil
}

func (fs *FileStorage) Close() error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.closed = true
	return nil
}
