package cursor

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/gofrs/flock"
	"go.yaml.in/yaml/v4"

	"github.com/tracyhatemice/mailotp/internal/otp"
)

// Store persists mailbox cursors so that a cursor recorded before an OTP
// is requested can be compared against by a later process.
// Entries map a key to the last seen message id.
type Store struct {
	mu      sync.Mutex
	file    string
	lock    *flock.Flock
	entries map[string]string
}

// Key identifies the cursor for one provider and subject query.
func Key(provider, subject string) string {
	return provider + "/" + subject
}

// Open loads (or creates) a cursor store backed by filePath.
func Open(filePath string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(filePath), 0o755); err != nil {
		return nil, fmt.Errorf("create cursor dir: %w", err)
	}

	s := &Store{
		file: filePath,
		lock: flock.New(filePath + ".lock"),
	}
	entries, err := readEntries(filePath)
	if err != nil {
		return nil, err
	}
	s.entries = entries
	return s, nil
}

// Get returns the stored cursor for key, unset if there is none.
func (s *Store) Get(key string) otp.Cursor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return otp.NewCursor(s.entries[key])
}

// Put records c under key. An unset cursor removes the entry.
func (s *Store) Put(key string, c otp.Cursor) error {
	if !c.Set {
		return s.Delete(key)
	}
	return s.update(func(m map[string]string) {
		m[key] = c.LastSeen
	})
}

// Delete removes the cursor stored under key.
func (s *Store) Delete(key string) error {
	return s.update(func(m map[string]string) {
		delete(m, key)
	})
}

// Count returns the number of stored cursors.
func (s *Store) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// update applies fn to the on-disk state under an exclusive file lock,
// so concurrent processes do not drop each other's entries.
func (s *Store) update(fn func(map[string]string)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.lock.Lock(); err != nil {
		return fmt.Errorf("lock cursor file: %w", err)
	}
	defer s.lock.Unlock()

	entries, err := readEntries(s.file)
	if err != nil {
		return err
	}
	fn(entries)
	if err := writeEntries(s.file, entries); err != nil {
		return err
	}
	s.entries = entries
	return nil
}

func readEntries(path string) (map[string]string, error) {
	entries := make(map[string]string)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return entries, nil
		}
		return nil, fmt.Errorf("read cursor file: %w", err)
	}
	if err := yaml.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("parse cursor file: %w", err)
	}
	if entries == nil {
		entries = make(map[string]string)
	}
	return entries, nil
}

func writeEntries(path string, entries map[string]string) error {
	data, err := yaml.Marshal(entries)
	if err != nil {
		return fmt.Errorf("encode cursor file: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".cursor-*")
	if err != nil {
		return fmt.Errorf("create cursor temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write cursor file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("write cursor file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("replace cursor file: %w", err)
	}
	return nil
}
