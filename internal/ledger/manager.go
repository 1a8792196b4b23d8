package ledger

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"sync"
)

var chainIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]{0,63}$`)

// ValidateChainID rejects ids that cannot be used as chain keys.
func ValidateChainID(chainID string) error {
	if !chainIDPattern.MatchString(chainID) {
		return fmt.Errorf("%w: %q", ErrInvalidChainID, chainID)
	}
	return nil
}

// Manager hands out one Ledger per chain id, built lazily from shared
// collaborators. All ledgers share the same store, policy and lock.
type Manager struct {
	params Params

	mu      sync.Mutex
	ledgers map[string]*Ledger
}

// NewManager validates the shared params. params.ChainID is ignored.
func NewManager(params Params) (*Manager, error) {
	probe := params
	probe.ChainID = "probe"
	if _, err := New(probe); err != nil {
		return nil, err
	}
	if params.Lock == nil {
		params.Lock = NewLocalLocks()
	}
	return &Manager{params: params, ledgers: make(map[string]*Ledger)}, nil
}

// Ledger returns the ledger for chainID, creating and caching it on first
// use. Write paths go through here.
func (m *Manager) Ledger(chainID string) (*Ledger, error) {
	if err := ValidateChainID(chainID); err != nil {
		return nil, translate("ledger", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if l, ok := m.ledgers[chainID]; ok {
		return l, nil
	}
	l, err := m.build(chainID)
	if err != nil {
		return nil, err
	}
	m.ledgers[chainID] = l
	return l, nil
}

// Reader returns the cached ledger for chainID or, for a chain not seen yet,
// a throwaway one. Reads of unknown ids never grow the cache.
func (m *Manager) Reader(chainID string) (*Ledger, error) {
	if err := ValidateChainID(chainID); err != nil {
		return nil, translate("ledger", err)
	}
	m.mu.Lock()
	l, ok := m.ledgers[chainID]
	m.mu.Unlock()
	if ok {
		return l, nil
	}
	return m.build(chainID)
}

// build shares the manager's lock, so cached and throwaway ledgers for the
// same chain still serialise against each other.
func (m *Manager) build(chainID string) (*Ledger, error) {
	params := m.params
	params.ChainID = chainID
	return New(params)
}

// Chains lists every chain known to the store, ordered by id.
func (m *Manager) Chains(ctx context.Context) ([]ChainInfo, error) {
	chains, err := m.params.Store.ListChains(ctx)
	if err != nil {
		return nil, translate("list chains", err)
	}
	sort.Slice(chains, func(i, j int) bool { return chains[i].ChainID < chains[j].ChainID })
	return chains, nil
}
