// Package storage persists position state between process restarts.
package storage

import "github.com/ayush20180/openalgo-options/internal/models"

// Interface is the persistence contract for position state. The engine
// reads state once on startup and writes it back after every mutation,
// so implementations must tolerate frequent small writes.
type Interface interface {
	// LoadState returns the persisted position state. A missing or
	// unreadable record yields a fresh empty state, never an error the
	// caller has to handle as fatal.
	LoadState() (*models.PositionState, error)

	// SaveState durably persists the given state.
	SaveState(state *models.PositionState) error
}
