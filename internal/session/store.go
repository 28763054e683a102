package session

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// CredentialStore persists the single credential across restarts.
// Load reports ok=false when nothing is stored.
type CredentialStore interface {
	Load() (credential string, ok bool, err error)
	Save(credential string) error
	Remove() error
}

// FileStore keeps the credential in one file readable only by the owner.
type FileStore struct {
	path string
}

// NewFileStore returns a store backed by path. The file is created on Save.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Path returns the backing file path.
func (s *FileStore) Path() string {
	return s.path
}

func (s *FileStore) Load() (string, bool, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("read credential: %w", err)
	}
	credential := strings.TrimSpace(string(data))
	if credential == "" {
		return "", false, nil
	}
	return credential, true, nil
}

// Save writes the credential atomically with mode 0600.
func (s *FileStore) Save(credential string) error {
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create credential dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".credential-*")
	if err != nil {
		return fmt.Errorf("create temp credential: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if err := tmp.Chmod(0o600); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("chmod credential: %w", err)
	}
	if _, err := tmp.WriteString(credential); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write credential: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("sync credential: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close credential: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		return fmt.Errorf("install credential: %w", err)
	}
	return nil
}

// Remove deletes the credential. A missing file is not an error.
func (s *FileStore) Remove() error {
	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove credential: %w", err)
	}
	return nil
}

// MemoryStore is an in-process CredentialStore.
type MemoryStore struct {
	mu         sync.Mutex
	credential string
	present    bool
}

// NewMemoryStore returns a store preloaded with credential when it is non-empty.
func NewMemoryStore(credential string) *MemoryStore {
	return &MemoryStore{credential: credential, present: credential != ""}
}

func (s *MemoryStore) Load() (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.credential, s.present, nil
}

func (s *MemoryStore) Save(credential string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.credential = credential
	s.present = true
	return nil
}

func (s *MemoryStore) Remove() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.credential = ""
	s.present = false
	return nil
}
