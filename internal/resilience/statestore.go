package resilience

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rotisserie/eris"
)

// errNoChange aborts a StateStore update without writing.
var errNoChange = eris.New("resilience: no change")

// Snapshot is the persisted state of one provider's circuit.
type Snapshot struct {
	Provider        string       `json:"provider"`
	State           CircuitState `json:"state"`
	Failures        int          `json:"failures"`
	WindowStartedAt time.Time    `json:"window_started_at"`
	OpenedAt        time.Time    `json:"opened_at"`
	ProbeInFlight   bool         `json:"probe_in_flight"`
	ProbeStartedAt  time.Time    `json:"probe_started_at"`
	Forced          bool         `json:"forced"`
	UpdatedAt       time.Time    `json:"updated_at"`
}

// StateStore holds circuit state shared by every worker. A provider with no
// stored state is closed.
type StateStore interface {
	// Load returns the provider's snapshot.
	Load(ctx context.Context, provider string) (Snapshot, error)
	// Update applies fn atomically with respect to other updates of the same
	// provider. If fn returns an error nothing is written and the error is
	// returned as is.
	Update(ctx context.Context, provider string, fn func(s *Snapshot) error) (Snapshot, error)
	// List returns every stored snapshot.
	List(ctx context.Context) ([]Snapshot, error)
}

// MemoryStateStore is a process-local StateStore.
type MemoryStateStore struct {
	mu    sync.Mutex
	snaps map[string]Snapshot
}

// NewMemoryStateStore returns an empty in-memory store.
func NewMemoryStateStore() *MemoryStateStore {
	return &MemoryStateStore{snaps: make(map[string]Snapshot)}
}

// Load implements StateStore.
func (m *MemoryStateStore) Load(_ context.Context, provider string) (Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.snaps[provider]
	if !ok {
		return Snapshot{Provider: provider}, nil
	}
	return s, nil
}

// Update implements StateStore.
func (m *MemoryStateStore) Update(_ context.Context, provider string, fn func(s *Snapshot) error) (Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.snaps[provider]
	if !ok {
		s = Snapshot{Provider: provider}
	}
	if err := fn(&s); err != nil {
		return Snapshot{}, err
	}
	s.Provider = provider
	s.UpdatedAt = time.Now().UTC()
	m.snaps[provider] = s
	return s, nil
}

// List implements StateStore.
func (m *MemoryStateStore) List(_ context.Context) ([]Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Snapshot, 0, len(m.snaps))
	for _, s := range m.snaps {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Provider < out[j].Provider })
	return out, nil
}
