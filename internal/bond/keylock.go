package bond

import (
	"sync"

	"github.com/alanyoungcy/proposalbond/internal/domain"
)

// keyedMutex serialises work per proposal id. Entries are dropped once no
// goroutine holds or waits on them.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[domain.ProposalID]*refMutex
}

type refMutex struct {
	sync.Mutex
	refs int
}

func (k *keyedMutex) Lock(id domain.ProposalID) (unlock func()) {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[domain.ProposalID]*refMutex)
	}
	m, ok := k.locks[id]
	if !ok {
		m = &refMutex{}
		k.locks[id] = m
	}
	m.refs++
	k.mu.Unlock()

	m.Lock()
	return func() {
		m.Unlock()
		k.mu.Lock()
		m.refs--
		if m.refs == 0 {
			delete(k.locks, id)
		}
		k.mu.Unlock()
	}
}
