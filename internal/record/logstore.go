package record

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/chmdznr/minutes-mirror/pkg/models"
)

// LogStore is an append-only text file with one identifier per line.
type LogStore struct {
	path string

	mu  sync.Mutex
	ids map[string]struct{}
}

// OpenLog opens (creating if needed) the record log at path.
func OpenLog(path string) (*LogStore, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create record directory: %w", err)
		}
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDONLY, 0o644)
	if err != nil {
		return nil, &RecordStoreCorruptionError{Path: path, Err: err}
	}
	f.Close()
	return &LogStore{path: path, ids: map[string]struct{}{}}, nil
}

// Path returns the backing file.
func (s *LogStore) Path() string { return s.path }

// Load replaces the in-memory set with the file's contents. Blank lines are
// ignored; any other malformed line marks the store corrupt.
func (s *LogStore) Load(ctx context.Context) error {
	f, err := os.Open(s.path)
	if err != nil {
		return &RecordStoreCorruptionError{Path: s.path, Err: err}
	}
	defer f.Close()

	ids := make(map[string]struct{})
	scanner := bufio.NewScanner(f)
	line := 0
	for scanner.Scan() {
		line++
		id := strings.TrimSuffix(scanner.Text(), "\r")
		if strings.TrimSpace(id) == "" {
			continue
		}
		if err := validateIdentifier(id); err != nil {
			return &RecordStoreCorruptionError{Path: s.path, Line: line, Err: err}
		}
		ids[id] = struct{}{}
	}
	if err := scanner.Err(); err != nil {
		return &RecordStoreCorruptionError{Path: s.path, Line: line + 1, Err: err}
	}

	s.mu.Lock()
	s.ids = ids
	s.mu.Unlock()
	return nil
}

// IsMirrored reports whether id was loaded or marked.
func (s *LogStore) IsMirrored(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.ids[id]
	return ok
}

// Len returns the number of known identifiers.
func (s *LogStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.ids)
}

// MarkMirrored appends the identifier unless already present, and syncs the
// file before returning.
func (s *LogStore) MarkMirrored(ctx context.Context, rec models.MirrorRecord) error {
	id := rec.RemoteIdentifier
	if err := validateIdentifier(id); err != nil {
		return fmt.Errorf("refusing to record %q: %w", id, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.ids[id]; ok {
		return nil
	}

	f, err := os.OpenFile(s.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open record log: %w", err)
	}
	if _, err := f.WriteString(id + "\n"); err != nil {
		f.Close()
		return fmt.Errorf("failed to append record: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("failed to sync record log: %w", err)
	}
	if err := f.Close(); err != nil {
		return err
	}

	s.ids[id] = struct{}{}
	return nil
}

// Close is a no-op; the log is opened per append.
func (s *LogStore) Close() error { return nil }

func validateIdentifier(id string) error {
	if strings.TrimSpace(id) == "" {
		return errors.New("empty identifier")
	}
	// Spaces are legal in object keys; only line framing is off limits.
	if i := strings.IndexAny(id, "\n\r\x00"); i >= 0 {
		return fmt.Errorf("invalid character %q in identifier", id[i])
	}
	return nil
}
