package fitness

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	logx "missionctl/pkg/logx"
)

type StoreConfig struct {
	// Path, when set, persists records as a JSON snapshot after every change.
	Path string
	Now  func() time.Time
}

// Store owns every module's fitness record. Only the assessor mutates records.
type Store struct {
	log  logx.Logger
	path string
	now  func() time.Time

	mu      sync.RWMutex
	records map[string]*Record
}

// NewStore creates a store and loads the snapshot at cfg.Path if present.
func NewStore(cfg StoreConfig, log logx.Logger) (*Store, error) {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	s := &Store{log: log, path: cfg.Path, now: cfg.Now, records: map[string]*Record{}}
	if s.path != "" {
		if err := s.load(); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
	}
	return s, nil
}

// Register seeds a record. Existing records (and their history) are kept.
func (s *Store) Register(reg Registration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.registerLocked(reg)
	s.persistLocked()
}

func (s *Store) registerLocked(reg Registration) *Record {
	if r, ok := s.records[reg.ModuleName]; ok {
		return r
	}
	if reg.RequiredPasses <= 0 {
		reg.RequiredPasses = DefaultRequiredPasses
	}
	if reg.MaxPromptsPerExecution <= 0 {
		reg.MaxPromptsPerExecution = DefaultMaxPrompts
	}
	if reg.Interval <= 0 {
		reg.Interval = DefaultInterval
	}
	r := &Record{
		ModuleName:             reg.ModuleName,
		Status:                 StatusUnknown,
		RequiredPasses:         reg.RequiredPasses,
		MaxPromptsPerExecution: reg.MaxPromptsPerExecution,
		ReassessmentInterval:   reg.Interval,
		RegisteredAt:           s.now(),
		CorrectnessDescription: reg.CorrectnessDescription,
	}
	s.records[reg.ModuleName] = r
	return r
}

// RegisterCoreModules seeds the modules the orchestration core tracks.
func (s *Store) RegisterCoreModules() {
	const weekly, every3d = 168 * time.Hour, 72 * time.Hour
	mods := []Registration{
		{ModuleName: "scheduler", MaxPromptsPerExecution: 10, Interval: weekly,
			CorrectnessDescription: "Tasks are picked by priority, executed by the owning persona, and marked DONE with a valid outcome"},
		{ModuleName: "self-modify", MaxPromptsPerExecution: 30, Interval: every3d,
			CorrectnessDescription: "Code changes compile, tests pass, rollback works if the health check fails"},
		{ModuleName: "roadmap-observer", MaxPromptsPerExecution: 5, Interval: weekly,
			CorrectnessDescription: "Roadmap parsed, tracks detected with accurate status, sub-tasks created for incomplete tracks"},
		{ModuleName: "continuous-self-modify", MaxPromptsPerExecution: 50, Interval: every3d,
			CorrectnessDescription: "Self-modify cycles create valid tasks and modifications are tracked"},
		{ModuleName: "identity-store", MaxPromptsPerExecution: 5, Interval: weekly,
			CorrectnessDescription: "Identity fragments stored, retrieved and searched with correct relevance ranking"},
		{ModuleName: "smt-throttler", MaxPromptsPerExecution: 1, Interval: weekly,
			CorrectnessDescription: "Prompt usage tracked accurately; canProceed is false when the window is exhausted"},
		{ModuleName: "boundaries", MaxPromptsPerExecution: 1, Interval: weekly,
			CorrectnessDescription: "Forbidden paths blocked, permitted globs allowed, diff ratio enforced"},
		{ModuleName: "rollback", MaxPromptsPerExecution: 5, Interval: every3d,
			CorrectnessDescription: "Health failure triggers rollback; dry-run changes nothing; both strategies work"},
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range mods {
		s.registerLocked(m)
	}
	s.persistLocked()
}

// Record applies one assessment. Unknown modules are auto-registered.
func (s *Store) Record(module string, snap Snapshot) RecordResult {
	if snap.At.IsZero() {
		snap.At = s.now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	r := s.records[module]
	if r == nil {
		r = s.registerLocked(Registration{ModuleName: module, CorrectnessDescription: autoRegistrationDetail})
	}
	wasStable := r.Status == StatusStable
	passed := snap.Passed()
	at := snap.At
	m := snap.Metrics

	r.TotalAssessments++
	r.LastAssessedAt = &at
	r.LastMetrics = &m

	res := RecordResult{Passed: passed}
	if passed {
		r.TotalPasses++
		r.ConsecutivePasses++
		if r.ConsecutivePasses >= r.RequiredPasses {
			if !wasStable {
				r.LastStableAt = &at
				res.BecameStable = true
			}
			r.Status = StatusStable
		} else {
			r.Status = StatusUnstable
		}
	} else {
		r.TotalFailures++
		r.ConsecutivePasses = 0
		r.Status = StatusFailing
		res.Degraded = wasStable
	}
	r.Stable = r.Status == StatusStable

	r.History = append(r.History, snap)
	if over := len(r.History) - MaxHistory; over > 0 {
		r.History = append(r.History[:0], r.History[over:]...)
	}
	s.persistLocked()

	res.Record = r.clone()
	return res
}

// Get returns a copy of the module's record.
func (s *Store) Get(module string) (Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.records[module]
	if !ok {
		return Record{}, false
	}
	return r.clone(), true
}

// All returns copies of every record sorted by module name.
func (s *Store) All() []Record {
	s.mu.RLock()
	out := make([]Record, 0, len(s.records))
	for _, r := range s.records {
		out = append(out, r.clone())
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ModuleName < out[j].ModuleName })
	return out
}

func (s *Store) ByStatus(st Status) []Record {
	var out []Record
	for _, r := range s.All() {
		if r.Status == st {
			out = append(out, r)
		}
	}
	return out
}

func (s *Store) IsStable(module string) bool {
	r, ok := s.Get(module)
	return ok && r.Stable
}

// DueForReassessment lists modules whose interval has elapsed at now.
func (s *Store) DueForReassessment(now time.Time) []Record {
	var out []Record
	for _, r := range s.All() {
		if r.Due(now) {
			out = append(out, r)
		}
	}
	return out
}

func (s *Store) Summary(now time.Time) Summary {
	var sum Summary
	for _, r := range s.All() {
		sum.TotalModules++
		switch r.Status {
		case StatusStable:
			sum.Stable++
		case StatusUnstable:
			sum.Unstable++
		case StatusFailing:
			sum.Failing++
		default:
			sum.Unknown++
		}
		if r.Due(now) {
			sum.Overdue++
		}
	}
	if sum.TotalModules > 0 {
		sum.FitnessRatio = float64(sum.Stable) / float64(sum.TotalModules)
	}
	return sum
}

func (s *Store) load() error {
	b, err := os.ReadFile(s.path)
	if err != nil {
		return err
	}
	var recs []Record
	if err := json.Unmarshal(b, &recs); err != nil {
		return err
	}
	for i := range recs {
		r := recs[i]
		s.records[r.ModuleName] = &r
	}
	return nil
}

// persistLocked writes the snapshot atomically. Failures are logged; the
// in-memory state stays authoritative.
func (s *Store) persistLocked() {
	if s.path == "" {
		return
	}
	recs := make([]Record, 0, len(s.records))
	for _, r := range s.records {
		recs = append(recs, *r)
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].ModuleName < recs[j].ModuleName })
	b, err := json.MarshalIndent(recs, "", "  ")
	if err != nil {
		s.log.Warn("fitness snapshot encode failed", logx.Err(err))
		return
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		s.log.Warn("fitness snapshot dir failed", logx.Err(err))
		return
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		s.log.Warn("fitness snapshot write failed", logx.Err(err))
		return
	}
	if err := os.Rename(tmp, s.path); err != nil {
		s.log.Warn("fitness snapshot rename failed", logx.Err(err))
	}
}
