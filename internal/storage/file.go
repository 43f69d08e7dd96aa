package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	logx "newsbot/pkg/logx"
)

// fileStore persists everything as plain files next to cfg.Path.
//
// Files:
//   - <prefix>.audit.jsonl                 (append-only JSON Lines)
//   - <prefix>.<name>.snapshot.json        (tasks, members, dedup: periodic snapshot)
//   - <prefix>.<name>.journal.jsonl        (tasks, members, dedup: append-only journal)
//   - <prefix>.catalog.json                (latest catalog generation)
//
// Journals are compacted into their snapshot every compactEvery writes.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	auditFile   *os.File
	catalogPath string

	tasks   *journal
	members *journal
	dedup   *journal
}

const compactEvery = 1000

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

	af, err := os.OpenFile(prefix+".audit.jsonl", os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	s := &fileStore{log: log, auditFile: af, catalogPath: prefix + ".catalog.json"}

	for _, j := range []struct {
		name string
		dst  **journal
	}{{"tasks", &s.tasks}, {"members", &s.members}, {"dedup", &s.dedup}} {
		jr, err := openJournal(prefix+"."+j.name, log)
		if err != nil {
			_ = s.Close()
			return nil, err
		}
		*j.dst = jr
	}
	s.pruneDedupLocked()
	return s, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var errs []error
	if s.auditFile != nil {
		errs = append(errs, s.auditFile.Close())
		s.auditFile = nil
	}
	for _, j := range []*journal{s.tasks, s.members, s.dedup} {
		if j != nil {
			errs = append(errs, j.close())
		}
	}
	return errors.Join(errs...)
}

func (s *fileStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.auditFile == nil {
		return errors.New("audit file closed")
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}
	return json.NewEncoder(s.auditFile).Encode(e)
}

func (s *fileStore) LoadTasks(ctx context.Context) ([]TaskRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]TaskRecord, 0, len(s.tasks.m))
	for id, raw := range s.tasks.m {
		var r TaskRecord
		if err := json.Unmarshal(raw, &r); err != nil {
			s.log.Warn("skip unreadable task record", logx.String("id", id), logx.Err(err))
			continue
		}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *fileStore) PutTask(ctx context.Context, rec TaskRecord) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tasks.put(rec.ID, raw)
}

func (s *fileStore) DeleteTask(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tasks.delete(id)
}

func (s *fileStore) LoadCatalog(ctx context.Context) (CatalogRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var rec CatalogRecord
	b, err := os.ReadFile(s.catalogPath)
	if errors.Is(err, os.ErrNotExist) {
		return rec, nil
	}
	if err != nil {
		return rec, err
	}
	err = json.Unmarshal(b, &rec)
	return rec, err
}

func (s *fileStore) ReplaceCatalog(ctx context.Context, rec CatalogRecord) error {
	b, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return writeFileAtomic(s.catalogPath, b)
}

func (s *fileStore) GetMember(ctx context.Context, userID int64) (Member, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	raw, ok := s.members.m[memberKey(userID)]
	if !ok {
		return Member{}, false, nil
	}
	var m Member
	if err := json.Unmarshal(raw, &m); err != nil {
		return Member{}, false, err
	}
	return m, true, nil
}

func (s *fileStore) PutMember(ctx context.Context, m Member) error {
	raw, err := json.Marshal(m)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.members.put(memberKey(m.UserID), raw)
}

func (s *fileStore) ListMembers(ctx context.Context) ([]Member, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Member, 0, len(s.members.m))
	for _, raw := range s.members.m {
		var m Member
		if err := json.Unmarshal(raw, &m); err != nil {
			continue
		}
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

func (s *fileStore) PutDedup(ctx context.Context, key string, until time.Time) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dedup.put(key, json.RawMessage(strconv.FormatInt(until.UnixMilli(), 10)))
}

func (s *fileStore) GetDedup(ctx context.Context, key string) (time.Time, bool, error) {
	key = strings.TrimSpace(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	raw, ok := s.dedup.m[key]
	if !ok {
		return time.Time{}, false, nil
	}
	ms, err := strconv.ParseInt(string(raw), 10, 64)
	if err != nil {
		return time.Time{}, false, err
	}
	return time.UnixMilli(ms), true, nil
}

func (s *fileStore) pruneDedupLocked() {
	now := time.Now().UnixMilli()
	for k, raw := range s.dedup.m {
		if ms, err := strconv.ParseInt(string(raw), 10, 64); err != nil || ms < now {
			delete(s.dedup.m, k)
		}
	}
}

func memberKey(userID int64) string { return strconv.FormatInt(userID, 10) }

// journal is a string-keyed map mirrored to a snapshot plus an append-only
// log of put/delete operations.
type journal struct {
	log          logx.Logger
	snapshotPath string
	file         *os.File
	m            map[string]json.RawMessage
	writes       int
}

type journalOp struct {
	Key    string          `json:"key"`
	Value  json.RawMessage `json:"value,omitempty"`
	Delete bool            `json:"delete,omitempty"`
}

func openJournal(prefix string, log logx.Logger) (*journal, error) {
	j := &journal{
		log:          log,
		snapshotPath: prefix + ".snapshot.json",
		m:            map[string]json.RawMessage{},
	}
	journalPath := prefix + ".journal.jsonl"
	if err := j.loadSnapshot(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("snapshot unreadable", logx.String("path", j.snapshotPath), logx.Err(err))
	}
	if j.m == nil {
		j.m = map[string]json.RawMessage{}
	}
	if err := j.replay(journalPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("journal replay failed", logx.String("path", journalPath), logx.Err(err))
	}
	f, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}
	j.file = f
	return j, nil
}

func (j *journal) put(key string, value json.RawMessage) error {
	j.m[key] = value
	return j.append(journalOp{Key: key, Value: value})
}

func (j *journal) delete(key string) error {
	if _, ok := j.m[key]; !ok {
		return nil
	}
	delete(j.m, key)
	return j.append(journalOp{Key: key, Delete: true})
}

func (j *journal) append(op journalOp) error {
	if j.file == nil {
		return errors.New("journal closed")
	}
	if err := json.NewEncoder(j.file).Encode(op); err != nil {
		return err
	}
	j.writes++
	if j.writes%compactEvery == 0 {
		if err := j.compact(); err != nil {
			j.log.Debug("journal compact failed", logx.String("path", j.snapshotPath), logx.Err(err))
		}
	}
	return nil
}

func (j *journal) compact() error {
	b, err := json.Marshal(j.m)
	if err != nil {
		return err
	}
	if err := writeFileAtomic(j.snapshotPath, b); err != nil {
		return err
	}
	if err := j.file.Truncate(0); err != nil {
		return err
	}
	_, err = j.file.Seek(0, 2)
	return err
}

func (j *journal) close() error {
	if j.file == nil {
		return nil
	}
	err := j.file.Close()
	j.file = nil
	return err
}

func (j *journal) loadSnapshot() error {
	b, err := os.ReadFile(j.snapshotPath)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, &j.m)
}

func (j *journal) replay(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for sc.Scan() {
		var op journalOp
		if err := json.Unmarshal(sc.Bytes(), &op); err != nil || op.Key == "" {
			continue
		}
		if op.Delete {
			delete(j.m, op.Key)
		} else {
			j.m[op.Key] = op.Value
		}
	}
	return sc.Err()
}

func writeFileAtomic(path string, b []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
