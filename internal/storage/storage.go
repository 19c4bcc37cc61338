package storage

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ayush20180/openalgo-options/internal/models"
)

// JSONStore keeps position state in a single JSON file per strategy.
// Writes go through a temp file and an atomic rename so a crash mid-write
// never leaves a truncated record behind.
type JSONStore struct {
	mu       sync.Mutex
	filePath string
	logger   *log.Logger
	state    *models.PositionState
}

var _ Interface = (*JSONStore)(nil)

// NewJSONStore creates a store rooted at dir for the named strategy.
// The backing file is <dir>/<strategy>_state.json.
func NewJSONStore(dir, strategy string, logger *log.Logger) (*JSONStore, error) {
	if logger == nil {
		logger = log.New(os.Stdout, "", log.LstdFlags)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating state directory %s: %w", dir, err)
	}
	return &JSONStore{
		filePath: filepath.Join(dir, strategy+"_state.json"),
		logger:   logger,
	}, nil
}

// LoadState reads the state file. Missing or corrupt files are not fatal:
// both yield an empty state so the engine can start flat and trade on.
func (s *JSONStore) LoadState() (*models.PositionState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.filePath)
	if err != nil {
		if os.IsNotExist(err) {
			s.logger.Printf("No state file at %s, starting with empty state", s.filePath)
			s.state = models.NewPositionState()
			return s.state.Copy(), nil
		}
		return nil, fmt.Errorf("reading state file: %w", err)
	}

	var state models.PositionState
	if err := json.Unmarshal(data, &state); err != nil {
		s.logger.Printf("WARNING: corrupt state file %s (%v), starting with empty state", s.filePath, err)
		s.state = models.NewPositionState()
		return s.state.Copy(), nil
	}
	if err := state.Validate(); err != nil {
		s.logger.Printf("WARNING: invalid state in %s (%v), starting with empty state", s.filePath, err)
		s.state = models.NewPositionState()
		return s.state.Copy(), nil
	}

	s.state = &state
	return s.state.Copy(), nil
}

// SaveState writes the state atomically. On failure the previous
// in-memory copy is kept so the caller can retry on the next mutation.
func (s *JSONStore) SaveState(state *models.PositionState) error {
	if state == nil {
		return fmt.Errorf("cannot save nil state")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	snapshot := state.Copy()
	snapshot.UpdatedAt = time.Now().UTC()

	data, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling state: %w", err)
	}

	tmpPath := s.filePath + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o644); err != nil {
		return fmt.Errorf("writing temp state file: %w", err)
	}
	if err := os.Rename(tmpPath, s.filePath); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("replacing state file: %w", err)
	}

	s.state = snapshot
	return nil
}

// Path returns the backing file path, mainly for logging at startup.
func (s *JSONStore) Path() string {
	return s.filePath
}
