package storage

import (
	"bufio"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"

	"missionctl/internal/task"
	logx "missionctl/pkg/logx"
)

// fileStore is a dependency-free persistence backend.
//
// Files:
//   - <prefix>.audit.jsonl          (append-only JSON Lines)
//   - <prefix>.tasks.snapshot.json  (periodic snapshot)
//   - <prefix>.tasks.journal.jsonl  (append-only journal of full task records)
//
// The journal is periodically compacted into the snapshot.
type fileStore struct {
	*memStore
	log logx.Logger

	auditFile   *os.File
	journalFile *os.File
	snapPath    string
	writes      int
	compactAt   int
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	auditPath := prefix + ".audit.jsonl"
	snapPath := prefix + ".tasks.snapshot.json"
	journalPath := prefix + ".tasks.journal.jsonl"

	mem := newMemStore(cfg.Now)
	if err := loadTaskSnapshot(snapPath, mem.tasks); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("task snapshot unreadable; starting from journal", logx.String("path", snapPath), logx.Err(err))
	}
	if err := replayTaskJournal(journalPath, mem.tasks); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	if err := loadAudit(auditPath, mem); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("audit log unreadable", logx.String("path", auditPath), logx.Err(err))
	}

	af, err := os.OpenFile(auditPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		_ = af.Close()
		return nil, err
	}

	fs := &fileStore{
		memStore:    mem,
		log:         log,
		auditFile:   af,
		journalFile: jf,
		snapPath:    snapPath,
		compactAt:   500,
	}
	mem.onTask = fs.journalTask
	mem.onAudit = fs.writeAudit
	return fs, nil
}

// journalTask runs with memStore.mu held.
func (s *fileStore) journalTask(t task.Task) error {
	if s.journalFile == nil {
		return ErrClosed
	}
	if err := json.NewEncoder(s.journalFile).Encode(t); err != nil {
		return err
	}
	s.writes++
	if s.writes%s.compactAt == 0 {
		// The record being written is not in the map yet; compaction must include it.
		s.tasks[t.ID] = t
		if err := s.compactLocked(); err != nil {
			s.log.Debug("task journal compact failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) writeAudit(e AuditEntry) error {
	if s.auditFile == nil {
		return ErrClosed
	}
	return json.NewEncoder(s.auditFile).Encode(e)
}

func (s *fileStore) compactLocked() error {
	tmp := s.snapPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(s.tasks); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.snapPath); err != nil {
		return err
	}
	if err := s.journalFile.Truncate(0); err != nil {
		return err
	}
	_, err = s.journalFile.Seek(0, 2)
	return err
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var errs []error
	if s.journalFile != nil {
		errs = append(errs, s.compactLocked(), s.journalFile.Close())
		s.journalFile = nil
	}
	if s.auditFile != nil {
		errs = append(errs, s.auditFile.Close())
		s.auditFile = nil
	}
	return errors.Join(errs...)
}

func loadTaskSnapshot(path string, out map[string]task.Task) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	var m map[string]task.Task
	if err := json.NewDecoder(f).Decode(&m); err != nil {
		return err
	}
	for k, v := range m {
		out[k] = v
	}
	return nil
}

func replayTaskJournal(path string, out map[string]task.Task) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		var t task.Task
		if err := json.Unmarshal(sc.Bytes(), &t); err != nil {
			// A torn final line after a crash is expected; skip it.
			continue
		}
		if t.ID == "" {
			continue
		}
		out[t.ID] = t
	}
	return sc.Err()
}

func loadAudit(path string, mem *memStore) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		var e AuditEntry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			continue
		}
		mem.audit = append(mem.audit, e)
	}
	return sc.Err()
}
