package credential

import (
	"context"
	"net/http"
	"sync"
)

// MemoryStore keeps a single credential in process memory.
// It is used in tests and for local development without cookies.
type MemoryStore struct {
	mu      sync.RWMutex
	present bool
	cur     Credential

	puts   int
	clears int
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore { return &MemoryStore{} }

// Get implements Store.
func (m *MemoryStore) Get(ctx context.Context) (Credential, bool, error) {
	if err := ctx.Err(); err != nil {
		return Credential{}, false, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cur, m.present, nil
}

// Put implements Store.
func (m *MemoryStore) Put(ctx context.Context, c Credential) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cur, m.present = c.Normalize(), true
	m.puts++
	return nil
}

// Clear implements Store.
func (m *MemoryStore) Clear(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cur, m.present = Credential{}, false
	m.clears++
	return nil
}

// Counts returns how many times Put and Clear succeeded.
func (m *MemoryStore) Counts() (puts, clears int) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.puts, m.clears
}

// MemorySubstrate binds every request to one shared MemoryStore.
type MemorySubstrate struct {
	Store *MemoryStore
}

// NewMemorySubstrate returns a substrate over a fresh MemoryStore.
func NewMemorySubstrate() *MemorySubstrate {
	return &MemorySubstrate{Store: NewMemoryStore()}
}

func (s *MemorySubstrate) Name() string { return "memory" }

func (s *MemorySubstrate) Bind(_ http.ResponseWriter, _ *http.Request) Store {
	return bind(memoryBackend{m: s.Store})
}

type memoryBackend struct{ m *MemoryStore }

func (b memoryBackend) load(ctx context.Context) (Credential, bool, error) { return b.m.Get(ctx) }
func (b memoryBackend) save(ctx context.Context, c Credential) error      { return b.m.Put(ctx, c) }
func (b memoryBackend) remove(ctx context.Context) error                  { return b.m.Clear(ctx) }
