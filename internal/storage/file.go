package storage

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	yaml "go.yaml.in/yaml/v3"

	logx "taskforge/pkg/logx"
)

// fileStore keeps everything in plain files.
//
// Files:
//   - <path>                  (task snapshot, JSON or YAML by extension)
//   - <prefix>.runs.jsonl     (append-only run journal)
//
// The journal is periodically compacted down to the newest MaxRuns lines.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	snapshotPath string
	yaml         bool

	runsPath  string
	runsFile  *os.File
	runWrites int
	maxRuns   int
}

// snapshotDoc is the on-disk snapshot layout.
type snapshotDoc struct {
	Version int          `json:"version" yaml:"version"`
	SavedAt time.Time    `json:"saved_at" yaml:"saved_at"`
	Tasks   []TaskRecord `json:"tasks" yaml:"tasks"`
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	dir := filepath.Dir(path)
	ext := strings.ToLower(filepath.Ext(path))
	prefix := filepath.Join(dir, strings.TrimSuffix(filepath.Base(path), filepath.Ext(path)))

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	runsPath := prefix + ".runs.jsonl"
	rf, err := os.OpenFile(runsPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}

	return &fileStore{
		log:          log,
		snapshotPath: path,
		yaml:         ext == ".yml" || ext == ".yaml",
		runsPath:     runsPath,
		runsFile:     rf,
		maxRuns:      cfg.MaxRuns,
	}, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.runsFile == nil {
		return nil
	}
	err := s.runsFile.Close()
	s.runsFile = nil
	return err
}

func (s *fileStore) SaveTasks(ctx context.Context, recs []TaskRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	doc := snapshotDoc{Version: 1, SavedAt: time.Now().UTC(), Tasks: recs}
	if doc.Tasks == nil {
		doc.Tasks = []TaskRecord{}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.runsFile == nil {
		return ErrClosed
	}
	return s.writeSnapshotLocked(doc)
}

func (s *fileStore) LoadTasks(ctx context.Context) ([]TaskRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, err := s.readSnapshotLocked()
	if err != nil {
		return nil, err
	}
	kept, dropped := filterExpired(doc.Tasks, time.Now())
	if dropped > 0 {
		s.log.Debug("dropped expired task records", logx.Int("count", dropped))
	}
	return kept, nil
}

func (s *fileStore) PruneExpired(ctx context.Context, now time.Time) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, err := s.readSnapshotLocked()
	if err != nil {
		return 0, err
	}
	kept, dropped := filterExpired(doc.Tasks, now)
	if dropped == 0 {
		return 0, nil
	}
	doc.Tasks = kept
	return dropped, s.writeSnapshotLocked(doc)
}

func (s *fileStore) readSnapshotLocked() (snapshotDoc, error) {
	var doc snapshotDoc
	b, err := os.ReadFile(s.snapshotPath)
	if errors.Is(err, fs.ErrNotExist) {
		return doc, nil
	}
	if err != nil {
		return doc, err
	}
	if len(bytes.TrimSpace(b)) == 0 {
		return doc, nil
	}
	if s.yaml {
		err = yaml.Unmarshal(b, &doc)
	} else {
		err = sonic.Unmarshal(b, &doc)
	}
	return doc, err
}

func (s *fileStore) writeSnapshotLocked(doc snapshotDoc) error {
	var (
		b   []byte
		err error
	)
	if s.yaml {
		b, err = yaml.Marshal(doc)
	} else {
		b, err = json.MarshalIndent(doc, "", "  ")
	}
	if err != nil {
		return err
	}
	return writeAtomic(s.snapshotPath, b)
}

func (s *fileStore) AppendRun(ctx context.Context, r RunRecord) error {
	_ = ctx
	if r.At.IsZero() {
		r.At = time.Now()
	}
	r = r.clipped()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.runsFile == nil {
		return ErrClosed
	}
	if err := json.NewEncoder(s.runsFile).Encode(r); err != nil {
		return err
	}
	s.runWrites++
	if s.runWrites%1000 == 0 {
		// Best-effort compact.
		if err := s.compactLocked(); err != nil {
			s.log.Debug("run journal compact failed", logx.Any("err", err))
		}
	}
	return nil
}

func (s *fileStore) RecentRuns(ctx context.Context, limit int) ([]RunRecord, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	runs, err := readRuns(s.runsPath)
	if err != nil {
		return nil, err
	}
	if limit > 0 && len(runs) > limit {
		runs = runs[len(runs)-limit:]
	}
	return runs, nil
}

func (s *fileStore) compactLocked() error {
	runs, err := readRuns(s.runsPath)
	if err != nil {
		return err
	}
	if len(runs) <= s.maxRuns {
		return nil
	}
	runs = runs[len(runs)-s.maxRuns:]

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, r := range runs {
		if err := enc.Encode(r); err != nil {
			return err
		}
	}
	if err := s.runsFile.Truncate(0); err != nil {
		return err
	}
	if _, err := s.runsFile.Seek(0, 0); err != nil {
		return err
	}
	_, err = s.runsFile.Write(buf.Bytes())
	return err
}

// maxRunLine is the longest journal line readRuns decodes.
const maxRunLine = 256 << 10

func readRuns(path string) ([]RunRecord, error) {
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []RunRecord
	br := bufio.NewReaderSize(f, maxRunLine)
	for {
		line, err := br.ReadSlice('\n')
		if errors.Is(err, bufio.ErrBufferFull) {
			// Lines this long were not written by AppendRun; skip them.
			for errors.Is(err, bufio.ErrBufferFull) {
				_, err = br.ReadSlice('\n')
			}
			line = nil
		}
		if line = bytes.TrimSpace(line); len(line) > 0 {
			var r RunRecord
			if sonic.Unmarshal(bytes.Clone(line), &r) == nil && r.TaskID != "" {
				out = append(out, r)
			}
		}
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return out, err
		}
	}
}

func writeAtomic(path string, b []byte) error {
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if _, err := f.Write(b); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
