// Package session owns the local session directory (persisted session
// records) and the controller that binds one record to a live agent
// connection: init-on-connect, resume-or-create, and the pass-through
// operations the UI drives.
package session

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/devitools/arandu/planner"
)

// Record is the persisted metadata for one local session.
// RemoteSessionID stays empty until the transport mints a remote session.
type Record struct {
	ID              string        `json:"id"`
	WorkspacePath   string        `json:"workspace_path"`
	RemoteSessionID string        `json:"acp_session_id,omitempty"`
	Name            string        `json:"name"`
	InitialPrompt   string        `json:"initial_prompt,omitempty"`
	PlanPath        string        `json:"plan_path,omitempty"`
	Phase           planner.Phase `json:"phase"`
	CreatedAt       time.Time     `json:"created_at"`
	UpdatedAt       time.Time     `json:"updated_at"`
}

// Store persists session records as JSON files under
// <baseDir>/sessions/<id>.json, with plan files under <baseDir>/plans/.
type Store struct {
	baseDir string
	mu      sync.RWMutex
}

// DefaultStoreDir returns the default data directory (~/.arandu).
func DefaultStoreDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, ".arandu"), nil
}

// NewStore creates a session store rooted at baseDir.
// If baseDir is empty, uses the default (~/.arandu).
func NewStore(baseDir string) (*Store, error) {
	if baseDir == "" {
		var err error
		baseDir, err = DefaultStoreDir()
		if err != nil {
			return nil, err
		}
	}

	if err := os.MkdirAll(filepath.Join(baseDir, "sessions"), 0755); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}

	return &Store{baseDir: baseDir}, nil
}

func (s *Store) recordPath(id string) string {
	return filepath.Join(s.baseDir, "sessions", id+".json")
}

// Create mints and persists a new session record in phase idle.
func (s *Store) Create(workspacePath, name, initialPrompt string) (*Record, error) {
	if workspacePath == "" {
		return nil, fmt.Errorf("workspace path is empty")
	}
	if name == "" {
		name = "Untitled session"
	}

	now := time.Now().UTC()
	rec := &Record{
		ID:            uuid.NewString(),
		WorkspacePath: workspacePath,
		Name:          name,
		InitialPrompt: initialPrompt,
		Phase:         planner.PhaseIdle,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.save(rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// Get loads one record by id.
func (s *Store) Get(id string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.load(id)
}

// List returns the records for a workspace, most recently updated first.
// An empty workspacePath lists everything.
func (s *Store) List(workspacePath string) ([]*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries, err := os.ReadDir(filepath.Join(s.baseDir, "sessions"))
	if err != nil {
		if os.IsNotExist(err) {
			return []*Record{}, nil
		}
		return nil, fmt.Errorf("failed to read session directory: %w", err)
	}

	var records []*Record
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		rec, err := s.load(strings.TrimSuffix(entry.Name(), ".json"))
		if err != nil {
			continue // Skip malformed files
		}
		if workspacePath != "" && rec.WorkspacePath != workspacePath {
			continue
		}
		records = append(records, rec)
	}

	sort.Slice(records, func(i, j int) bool {
		return records[i].UpdatedAt.After(records[j].UpdatedAt)
	})
	return records, nil
}

// Delete removes a record and its plan file, if any.
func (s *Store) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(s.recordPath(id)); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("session not found: %s", id)
		}
		return fmt.Errorf("failed to delete session: %w", err)
	}
	// Best effort; the plan may never have been written.
	_ = os.Remove(s.defaultPlanPath(id))
	return nil
}

// UpdatePhase persists a phase change.
func (s *Store) UpdatePhase(id string, phase planner.Phase) error {
	if !phase.Valid() {
		return fmt.Errorf("unknown plan phase %q", phase)
	}
	return s.update(id, func(rec *Record) {
		rec.Phase = phase
	})
}

// UpdateRemoteID persists the remote session id minted by the transport.
func (s *Store) UpdateRemoteID(id, remoteSessionID string) error {
	return s.update(id, func(rec *Record) {
		rec.RemoteSessionID = remoteSessionID
	})
}

// UpdatePlanPath persists the plan file location.
func (s *Store) UpdatePlanPath(id, path string) error {
	return s.update(id, func(rec *Record) {
		rec.PlanPath = path
	})
}

// UpdateName persists a rename.
func (s *Store) UpdateName(id, name string) error {
	return s.update(id, func(rec *Record) {
		rec.Name = name
	})
}

// DefaultPlanPath returns the computed plan file location for a session
// that has not had one discovered from the agent.
func (s *Store) DefaultPlanPath(id string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, err := s.load(id); err != nil {
		return "", err
	}
	return s.defaultPlanPath(id), nil
}

func (s *Store) defaultPlanPath(id string) string {
	return filepath.Join(s.baseDir, "plans", id+".md")
}

func (s *Store) update(id string, mutate func(*Record)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := s.load(id)
	if err != nil {
		return err
	}
	mutate(rec)
	rec.UpdatedAt = time.Now().UTC()
	return s.save(rec)
}

func (s *Store) load(id string) (*Record, error) {
	data, err := os.ReadFile(s.recordPath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("session not found: %s", id)
		}
		return nil, fmt.Errorf("failed to read session file: %w", err)
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal session: %w", err)
	}
	return &rec, nil
}

// save writes atomically using temp file + rename. Caller holds the lock.
func (s *Store) save(rec *Record) error {
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}

	path := s.recordPath(rec.ID)
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write session file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename session file: %w", err)
	}
	return nil
}
