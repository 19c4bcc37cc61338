package storage

import (
	"sync"

	"github.com/ayush20180/openalgo-options/internal/models"
)

// MockStore is an in-memory Interface implementation for tests.
type MockStore struct {
	mu        sync.Mutex
	state     *models.PositionState
	LoadErr   error
	SaveErr   error
	saveCount int
}

var _ Interface = (*MockStore)(nil)

func NewMockStore() *MockStore {
	return &MockStore{state: models.NewPositionState()}
}

func (m *MockStore) LoadState() (*models.PositionState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.LoadErr != nil {
		return nil, m.LoadErr
	}
	return m.state.Copy(), nil
}

func (m *MockStore) SaveState(state *models.PositionState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.SaveErr != nil {
		return m.SaveErr
	}
	m.state = state.Copy()
	m.saveCount++
	return nil
}

// SetState seeds the stored state directly.
func (m *MockStore) SetState(state *models.PositionState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = state.Copy()
}

// SaveCount reports how many successful saves have happened.
func (m *MockStore) SaveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saveCount
}
