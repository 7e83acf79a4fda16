package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/jonboulle/clockwork"
)

// sessionFile is the on-disk layout. One file can hold sessions for several
// deployments; the key is the auth service URL.
type sessionFile struct {
	Sessions map[string]*Session `json:"sessions"`
}

// FileStore keeps the session in a JSON file, merged with the sessions of
// other deployments stored in the same file.
type FileStore struct {
	path  string
	key   string
	clock clockwork.Clock
}

// NewFileStore returns a store for the deployment whose auth service lives at authURL.
func NewFileStore(path, authURL string) *FileStore {
	return &FileStore{
		path:  path,
		key:   normalizeKey(authURL),
		clock: clockwork.NewRealClock(),
	}
}

// Path returns the session file location.
func (s *FileStore) Path() string {
	return s.path
}

// Get loads the session for this deployment. A missing file is not an error.
func (s *FileStore) Get(_ context.Context) (*Session, error) {
	m, err := s.read()
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	return m.Sessions[s.key], nil
}

// SignIn stores sess, replacing the previous session of this deployment.
func (s *FileStore) SignIn(ctx context.Context, sess *Session) error {
	if sess == nil {
		return errors.New("session is nil")
	}
	stored := *sess
	stored.UpdatedAt = s.clock.Now()
	return s.update(ctx, func(m *sessionFile) {
		m.Sessions[s.key] = &stored
	})
}

// SignOut removes this deployment's session and keeps the others.
func (s *FileStore) SignOut(ctx context.Context) error {
	if _, err := os.Stat(s.path); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return s.update(ctx, func(m *sessionFile) {
		delete(m.Sessions, s.key)
	})
}

func (s *FileStore) read() (*sessionFile, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, err
	}
	var m sessionFile
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse session file: %w", err)
	}
	if m.Sessions == nil {
		m.Sessions = make(map[string]*Session)
	}
	return &m, nil
}

// update applies fn to the file contents under the lock and writes the result
// through a temp file and rename.
func (s *FileStore) update(ctx context.Context, fn func(*sessionFile)) error {
	lock, err := acquireFileLock(ctx, s.path)
	if err != nil {
		return fmt.Errorf("failed to acquire lock: %w", err)
	}
	defer func() {
		if releaseErr := lock.release(); releaseErr != nil {
			fmt.Fprintf(os.Stderr, "failed to release lock: %v\n", releaseErr)
		}
	}()

	m, err := s.read()
	if err != nil {
		// Unreadable or missing: start over rather than refuse to sign in.
		m = &sessionFile{Sessions: make(map[string]*Session)}
	}
	fn(m)

	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}

	tempFile := s.path + ".tmp"
	if err := os.WriteFile(tempFile, data, 0o600); err != nil {
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := os.Rename(tempFile, s.path); err != nil {
		if removeErr := os.Remove(tempFile); removeErr != nil {
			return fmt.Errorf(
				"failed to rename temp file: %v; additionally failed to remove temp file: %w",
				err,
				removeErr,
			)
		}
		return fmt.Errorf("failed to rename temp file: %w", err)
	}
	return nil
}

func normalizeKey(authURL string) string {
	return strings.TrimRight(strings.ToLower(strings.TrimSpace(authURL)), "/")
}
