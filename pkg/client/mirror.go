package client

import "sync"

// Mirror holds the last transaction state the server confirmed. Only
// server responses write to it.
type Mirror struct {
	mu       sync.RWMutex
	txs      map[string]Transaction
	sessions map[string]PaymentSession
}

func NewMirror() *Mirror {
	return &Mirror{
		txs:      make(map[string]Transaction),
		sessions: make(map[string]PaymentSession),
	}
}

// Store keeps tx unless a newer version is already held.
func (m *Mirror) Store(tx *Transaction) {
	if tx == nil || tx.ID == "" {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.txs[tx.ID]; ok && cur.UpdatedAt.After(tx.UpdatedAt) {
		return
	}
	m.txs[tx.ID] = *tx
}

func (m *Mirror) Get(id string) (*Transaction, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	tx, ok := m.txs[id]
	if !ok {
		return nil, false
	}
	return &tx, true
}

func (m *Mirror) storeSession(id string, s PaymentSession) {
	m.mu.Lock()
	m.sessions[id] = s
	m.mu.Unlock()
}

func (m *Mirror) session(id string) (PaymentSession, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	return s, ok
}

func (m *Mirror) dropSession(id string) {
	m.mu.Lock()
	delete(m.sessions, id)
	m.mu.Unlock()
}
