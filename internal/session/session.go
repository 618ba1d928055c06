// Package session persists per-agent chat sessions keyed by conversation.
package session

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/ikido/herdctl/internal/errs"
	"github.com/ikido/herdctl/internal/logx"
)

// schemaVersion is bumped when the file layout changes; older files are
// migrated forward on first load.
const schemaVersion = 1

// cleanupEvery triggers an opportunistic expiry sweep after this many writes.
const cleanupEvery = 32

// ContextUsage is the last-observed token accounting for a session.
type ContextUsage struct {
	Input  int `yaml:"input" json:"input"`
	Output int `yaml:"output" json:"output"`
	Window int `yaml:"window,omitempty" json:"window,omitempty"`
	Total  int `yaml:"total" json:"total"`
}

// AgentSnapshot records the config a session was started under.
type AgentSnapshot struct {
	Model          string   `yaml:"model,omitempty" json:"model,omitempty"`
	PermissionMode string   `yaml:"permissionMode,omitempty" json:"permissionMode,omitempty"`
	MCPServerNames []string `yaml:"mcpServerNames,omitempty" json:"mcpServerNames,omitempty"`
}

// Record is one conversation's session state. The SessionID is opaque;
// it is supplied by the backend and stored verbatim.
type Record struct {
	SessionID     string         `yaml:"sessionId" json:"sessionId"`
	StartedAt     time.Time      `yaml:"startedAt" json:"startedAt"`
	LastMessageAt time.Time      `yaml:"lastMessageAt" json:"lastMessageAt"`
	MessageCount  int            `yaml:"messageCount" json:"messageCount"`
	ContextUsage  *ContextUsage  `yaml:"contextUsage,omitempty" json:"contextUsage,omitempty"`
	AgentConfig   *AgentSnapshot `yaml:"agentConfig,omitempty" json:"agentConfig,omitempty"`
}

type fileState struct {
	Version  int                `yaml:"version"`
	Agent    string             `yaml:"agent"`
	Sessions map[string]*Record `yaml:"sessions"`
}

// Store is the durable (agentName, conversationKey) -> Record map for one
// agent on one platform. All operations are serialized by the store mutex;
// writes replace the whole file so a crash never leaves partial state.
type Store struct {
	platform string
	agent    string
	path     string
	expiry   time.Duration
	logger   logx.Logger

	mu     sync.Mutex
	state  *fileState
	loaded bool
	writes int
	now    func() time.Time
}

// NewStore creates a session store rooted at dir (the platform sessions
// directory). Expiry is counted from LastMessageAt.
func NewStore(dir, platform, agent string, expiryHours int, logger logx.Logger) *Store {
	if logger == nil {
		logger = logx.Nop()
	}
	if expiryHours <= 0 {
		expiryHours = 24
	}
	return &Store{
		platform: platform,
		agent:    agent,
		path:     filepath.Join(dir, agent+".yaml"),
		expiry:   time.Duration(expiryHours) * time.Hour,
		logger:   logger,
		now:      time.Now,
	}
}

// Path returns the backing file path.
func (s *Store) Path() string { return s.path }

// GetOrCreate returns the existing non-expired session for key, or creates,
// persists, and returns a fresh one with isNew=true.
func (s *Store) GetOrCreate(key string) (Record, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.ensureLoaded(); err != nil {
		return Record{}, false, err
	}
	if rec, ok := s.state.Sessions[key]; ok && !s.expired(rec) {
		return *rec, false, nil
	}

	now := s.now()
	rec := &Record{
		SessionID:     fmt.Sprintf("%s-%s-%s", s.platform, s.agent, uuid.NewString()),
		StartedAt:     now,
		LastMessageAt: now,
	}
	s.state.Sessions[key] = rec
	if err := s.persist(); err != nil {
		return Record{}, false, err
	}
	return *rec, true, nil
}

// Get returns the session for key, or ok=false when missing or expired.
func (s *Store) Get(key string) (Record, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.ensureLoaded(); err != nil {
		return Record{}, false, err
	}
	rec, ok := s.state.Sessions[key]
	if !ok || s.expired(rec) {
		return Record{}, false, nil
	}
	return *rec, true, nil
}

// Set upserts the session id for key and refreshes LastMessageAt.
func (s *Store) Set(key, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.ensureLoaded(); err != nil {
		return err
	}
	now := s.now()
	rec, ok := s.state.Sessions[key]
	if !ok {
		rec = &Record{StartedAt: now}
		s.state.Sessions[key] = rec
	}
	rec.SessionID = sessionID
	rec.LastMessageAt = now
	return s.persist()
}

// Touch refreshes LastMessageAt. No-op when the key is absent.
func (s *Store) Touch(key string) error {
	return s.update(key, func(rec *Record) {
		rec.LastMessageAt = s.now()
	})
}

// IncrementMessageCount bumps the message counter. No-op when absent.
func (s *Store) IncrementMessageCount(key string) error {
	return s.update(key, func(rec *Record) {
		rec.MessageCount++
	})
}

// UpdateContextUsage stores the last-observed token accounting.
func (s *Store) UpdateContextUsage(key string, input, output, window int) error {
	return s.update(key, func(rec *Record) {
		rec.ContextUsage = &ContextUsage{
			Input:  input,
			Output: output,
			Window: window,
			Total:  input + output,
		}
	})
}

// SetAgentConfig snapshots the config the session was started under.
func (s *Store) SetAgentConfig(key string, snap AgentSnapshot) error {
	return s.update(key, func(rec *Record) {
		cp := snap
		rec.AgentConfig = &cp
	})
}

func (s *Store) update(key string, fn func(*Record)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.ensureLoaded(); err != nil {
		return err
	}
	rec, ok := s.state.Sessions[key]
	if !ok {
		return nil
	}
	fn(rec)
	return s.persist()
}

// Clear deletes the session for key and reports whether it was present.
func (s *Store) Clear(key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.ensureLoaded(); err != nil {
		return false, err
	}
	if _, ok := s.state.Sessions[key]; !ok {
		return false, nil
	}
	delete(s.state.Sessions, key)
	return true, s.persist()
}

// CleanupExpired reaps all expired records and returns the number removed.
func (s *Store) CleanupExpired() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.ensureLoaded(); err != nil {
		return 0, err
	}
	removed := s.reapLocked()
	if removed == 0 {
		return 0, nil
	}
	return removed, s.persist()
}

// ActiveCount returns the number of non-expired sessions.
func (s *Store) ActiveCount() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.ensureLoaded(); err != nil {
		return 0, err
	}
	n := 0
	for _, rec := range s.state.Sessions {
		if !s.expired(rec) {
			n++
		}
	}
	return n, nil
}

func (s *Store) expired(rec *Record) bool {
	return s.now().Sub(rec.LastMessageAt) > s.expiry
}

func (s *Store) reapLocked() int {
	removed := 0
	for key, rec := range s.state.Sessions {
		if s.expired(rec) {
			delete(s.state.Sessions, key)
			removed++
		}
	}
	return removed
}

func (s *Store) ensureLoaded() error {
	if s.loaded {
		return nil
	}

	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			s.state = s.emptyState()
			s.loaded = true
			return nil
		}
		return errs.Wrap(errs.CodeSessionStateReadFailed, err, s.path)
	}

	var state fileState
	if uerr := yaml.Unmarshal(data, &state); uerr != nil || state.Version <= 0 || state.Version > schemaVersion {
		s.quarantine(data, uerr)
		s.state = s.emptyState()
		s.loaded = true
		return nil
	}

	if state.Sessions == nil {
		state.Sessions = make(map[string]*Record)
	}
	if state.Version < schemaVersion {
		// Forward migration: rewrite once in the current layout.
		state.Version = schemaVersion
		s.state = &state
		s.loaded = true
		return s.persist()
	}

	s.state = &state
	s.loaded = true
	return nil
}

// quarantine preserves an unreadable file next to the original so the bytes
// survive for inspection.
func (s *Store) quarantine(data []byte, cause error) {
	side := fmt.Sprintf("%s.corrupt-%d", s.path, s.now().Unix())
	if err := os.Rename(s.path, side); err != nil {
		// Rename failed; fall back to copying the bytes out.
		_ = os.WriteFile(side, data, 0o600)
	}
	s.logger.Warn("session file corrupt, starting fresh",
		"agent", s.agent, "platform", s.platform, "file", s.path, "preserved", side, "error", cause)
}

func (s *Store) emptyState() *fileState {
	return &fileState{
		Version:  schemaVersion,
		Agent:    s.agent,
		Sessions: make(map[string]*Record),
	}
}

func (s *Store) persist() error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return errs.Wrap(errs.CodeSessionDirCreateFailed, err, filepath.Dir(s.path))
	}

	data, err := yaml.Marshal(s.state)
	if err != nil {
		return errs.Wrap(errs.CodeSessionStateWriteFailed, err, "marshal sessions")
	}

	// Whole-file replacement via temp + rename.
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return errs.Wrap(errs.CodeSessionStateWriteFailed, err, tmp)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return errs.Wrap(errs.CodeSessionStateWriteFailed, err, s.path)
	}

	s.writes++
	if s.writes%cleanupEvery == 0 {
		if n := s.reapLocked(); n > 0 {
			s.logger.Debug("reaped expired sessions", "agent", s.agent, "count", n)
		}
	}
	return nil
}
