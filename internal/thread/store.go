package thread

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Store is the persistence port for tracker state. The tracker owns the
// live maps; the store owns their on-disk representation and is the only
// component that performs file I/O for thread state.
type Store interface {
	SaveSnapshot(threads map[string]*Thread, pending []*PendingMessage) error
	LoadSnapshot() (map[string]*Thread, []*PendingMessage, error)
	Archive(threads []*Thread) error
}

const (
	activeFile  = "active.json"
	pendingFile = "pending.json"
	archiveDir  = "archive"
)

// FileStore persists tracker state as two JSON documents plus a
// date-partitioned JSONL archive of dead threads.
type FileStore struct {
	dir string
}

func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(filepath.Join(dir, archiveDir), 0o755); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

// SaveSnapshot writes active.json and pending.json atomically
// (write-temp-then-rename).
func (s *FileStore) SaveSnapshot(threads map[string]*Thread, pending []*PendingMessage) error {
	if err := s.writeAtomic(activeFile, threads); err != nil {
		return fmt.Errorf("save active threads: %w", err)
	}
	if pending == nil {
		pending = []*PendingMessage{}
	}
	if err := s.writeAtomic(pendingFile, pending); err != nil {
		return fmt.Errorf("save pending messages: %w", err)
	}
	return nil
}

// LoadSnapshot reads a previously saved snapshot. Missing files yield empty
// state, not an error.
func (s *FileStore) LoadSnapshot() (map[string]*Thread, []*PendingMessage, error) {
	threads := make(map[string]*Thread)
	if err := s.readJSON(activeFile, &threads); err != nil {
		return nil, nil, fmt.Errorf("load active threads: %w", err)
	}

	var pending []*PendingMessage
	if err := s.readJSON(pendingFile, &pending); err != nil {
		return nil, nil, fmt.Errorf("load pending messages: %w", err)
	}
	return threads, pending, nil
}

// Archive appends dead threads to the current day's JSONL archive file,
// one line per thread. Archive files are never mutated after writing.
func (s *FileStore) Archive(threads []*Thread) error {
	if len(threads) == 0 {
		return nil
	}

	name := fmt.Sprintf("threads-%s.jsonl", time.Now().UTC().Format("2006-01-02"))
	path := filepath.Join(s.dir, archiveDir, name)

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open archive: %w", err)
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	for _, t := range threads {
		line, err := json.Marshal(t)
		if err != nil {
			return fmt.Errorf("marshal archived thread %s: %w", t.ID, err)
		}
		w.Write(line)
		w.WriteByte('\n')
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("flush archive: %w", err)
	}
	return f.Sync()
}

func (s *FileStore) writeAtomic(name string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}

	tmpFile, err := os.CreateTemp(s.dir, name+"-*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmpFile.Name()
	cleanup := true
	defer func() {
		if cleanup {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmpFile.Write(data); err != nil {
		tmpFile.Close()
		return err
	}
	if err := tmpFile.Sync(); err != nil {
		tmpFile.Close()
		return err
	}
	tmpFile.Close()

	if err := os.Rename(tmpPath, filepath.Join(s.dir, name)); err != nil {
		return err
	}
	cleanup = false
	return nil
}

func (s *FileStore) readJSON(name string, v any) error {
	data, err := os.ReadFile(filepath.Join(s.dir, name))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return json.Unmarshal(data, v)
}
