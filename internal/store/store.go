// Package store persists workflow state as JSON files keyed by objective
// hash, with advisory file locking and atomic replacement so concurrent
// readers never observe a partial write.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/fyrsmithlabs/taskd/internal/model"
	"go.uber.org/zap"
)

// ErrNotFound is returned when no usable state exists for an objective.
// Corrupt state files are reported as not found after a logged warning so
// a fresh run can start over them.
var ErrNotFound = errors.New("workflow state not found")

const stateSuffix = ".state.json"

// Store reads and writes workflow state under a single directory.
type Store struct {
	dir    string
	logger *zap.Logger
}

// New creates a Store rooted at dir, creating it if necessary.
func New(dir string, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}
	return &Store{dir: dir, logger: logger}, nil
}

// Dir returns the directory the store writes into.
func (s *Store) Dir() string { return s.dir }

func (s *Store) path(hash string) string {
	return filepath.Join(s.dir, hash+stateSuffix)
}

// Path returns the on-disk location of the state file for an objective.
func (s *Store) Path(objective string) string {
	return s.path(model.HashObjective(objective))
}

// Save writes the state atomically, refreshing UpdatedAt. Writers hold an
// exclusive advisory lock for the duration of the replacement.
func (s *Store) Save(state *model.WorkflowState) error {
	state.UpdatedAt = time.Now().UTC()
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}
	if err := WriteFileAtomic(s.path(state.ObjectiveHash), data); err != nil {
		return fmt.Errorf("save state %s: %w", state.ObjectiveHash, err)
	}
	s.logger.Debug("state saved",
		zap.String("objective_hash", state.ObjectiveHash),
		zap.Int("tasks", len(state.Tasks)))
	return nil
}

// Load reads the state for an objective. A missing or unparseable file
// yields ErrNotFound; corruption is logged, never fatal.
func (s *Store) Load(objective string) (*model.WorkflowState, error) {
	return s.loadPath(s.path(model.HashObjective(objective)))
}

// LoadByHash reads the state for an objective hash, for CLI use where only
// the hash is known.
func (s *Store) LoadByHash(hash string) (*model.WorkflowState, error) {
	return s.loadPath(s.path(hash))
}

func (s *Store) loadPath(path string) (*model.WorkflowState, error) {
	data, err := ReadFileShared(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("read state: %w", err)
	}
	var state model.WorkflowState
	if err := json.Unmarshal(data, &state); err != nil {
		s.logger.Warn("corrupt state file, treating as absent",
			zap.String("path", path), zap.Error(err))
		return nil, ErrNotFound
	}
	return &state, nil
}

// Exists reports whether a state file is present for the objective.
func (s *Store) Exists(objective string) bool {
	_, err := os.Stat(s.Path(objective))
	return err == nil
}

// Delete removes the state file for an objective. Missing files are not
// an error.
func (s *Store) Delete(objective string) error {
	err := os.Remove(s.Path(objective))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete state: %w", err)
	}
	return nil
}

// Archive moves a completed objective's state file into an archive
// subdirectory, timestamped so repeat runs of the same objective keep
// their history.
func (s *Store) Archive(objective string) error {
	src := s.Path(objective)
	if _, err := os.Stat(src); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("archive state: %w", err)
	}
	archiveDir := filepath.Join(s.dir, "archive")
	if err := os.MkdirAll(archiveDir, 0o755); err != nil {
		return fmt.Errorf("create archive dir: %w", err)
	}
	dst := filepath.Join(archiveDir, fmt.Sprintf("%s.%s%s",
		model.HashObjective(objective),
		time.Now().UTC().Format("20060102T150405"),
		stateSuffix))
	if err := os.Rename(src, dst); err != nil {
		return fmt.Errorf("archive state: %w", err)
	}
	s.logger.Info("state archived", zap.String("dest", dst))
	return nil
}

// List loads every state file in the directory, newest first by UpdatedAt.
// Corrupt entries are skipped with a warning.
func (s *Store) List() ([]*model.WorkflowState, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("list states: %w", err)
	}
	var states []*model.WorkflowState
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), stateSuffix) {
			continue
		}
		state, err := s.loadPath(filepath.Join(s.dir, e.Name()))
		if err != nil {
			continue
		}
		states = append(states, state)
	}
	sort.Slice(states, func(i, j int) bool {
		return states[i].UpdatedAt.After(states[j].UpdatedAt)
	})
	return states, nil
}
