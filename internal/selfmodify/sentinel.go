package selfmodify

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const (
	SentinelKindRestart = "restart"
	ModeSelfModify      = "self-modify"
)

// Sentinel records a pending self-modify restart and its rollback target.
// It lives on disk only between Reload and the next startup.
type Sentinel struct {
	Kind    string        `json:"kind"`
	Status  string        `json:"status"`
	TS      int64         `json:"ts"` // unix millis
	Message string        `json:"message"`
	Stats   SentinelStats `json:"stats"`
}

type SentinelStats struct {
	Mode   string         `json:"mode"`
	Before SentinelBefore `json:"before"`
}

type SentinelBefore struct {
	ModifiedFiles  []string `json:"modifiedFiles"`
	RollbackCommit string   `json:"rollbackCommit"`
}

// IsSelfModify reports whether s describes a rollback-capable self-modify restart.
func (s Sentinel) IsSelfModify() bool {
	return s.Kind == SentinelKindRestart && s.Stats.Mode == ModeSelfModify &&
		len(s.Stats.Before.ModifiedFiles) > 0 && s.Stats.Before.RollbackCommit != ""
}

func (s Sentinel) Time() time.Time { return time.UnixMilli(s.TS) }

// SentinelFile persists a single Sentinel at Path.
type SentinelFile struct {
	Path string
	mu   sync.Mutex
}

func NewSentinelFile(path string) *SentinelFile { return &SentinelFile{Path: path} }

// Write replaces any existing sentinel atomically.
func (f *SentinelFile) Write(s Sentinel) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(f.Path), 0o755); err != nil {
		return err
	}
	tmp := f.Path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, f.Path)
}

// Consume reads and deletes the sentinel. It returns (nil, nil) when none exists.
// A corrupt sentinel is deleted and reported as an error.
func (f *SentinelFile) Consume() (*Sentinel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, err := os.ReadFile(f.Path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	rmErr := os.Remove(f.Path)
	var s Sentinel
	if err := json.Unmarshal(b, &s); err != nil {
		return nil, errors.Join(fmt.Errorf("decode sentinel: %w", err), rmErr)
	}
	if rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
		return &s, fmt.Errorf("remove sentinel: %w", rmErr)
	}
	return &s, nil
}

// Exists reports whether a sentinel is pending.
func (f *SentinelFile) Exists() bool {
	_, err := os.Stat(f.Path)
	return err == nil
}

// Remove deletes a pending sentinel, if any.
func (f *SentinelFile) Remove() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := os.Remove(f.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}
