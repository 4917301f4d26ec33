package quota

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	gateway "github.com/driftgate/gateway/internal"
)

// usersFile is the on-disk shape from spec.md §6: a single object keyed by
// raw API key, pretty-printed with 4-space indent.
type usersFile struct {
	Users map[string]*gateway.User `json:"users"`
}

// Load reads path into the store, replacing any in-memory state. A missing
// file is treated as an empty store (first run).
func (s *Store) Load(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			s.mu.Lock()
			s.path = path
			s.mu.Unlock()
			return nil
		}
		return fmt.Errorf("quota: read %s: %w", path, err)
	}

	var wire usersFile
	if err := json.Unmarshal(data, &wire); err != nil {
		return fmt.Errorf("quota: parse %s: %w", path, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.path = path
	s.users = make(map[string]*gateway.User, len(wire.Users))
	for key, u := range wire.Users {
		u.APIKey = key
		s.users[key] = u
	}
	return nil
}

// Save writes the current state to the store's configured path.
func (s *Store) Save() error {
	s.mu.Lock()
	path := s.path
	snapshot := s.cloneLocked()
	s.mu.Unlock()
	if path == "" {
		return fmt.Errorf("quota: no path configured")
	}
	return writeUsersFile(path, snapshot)
}

// writeUsersFile serializes users as {"users": {...}} with 4-space indent
// and writes it atomically: write to a temp file in the same directory,
// then rename over the target, so a crash mid-write never corrupts it.
func writeUsersFile(path string, users map[string]*gateway.User) error {
	data, err := json.MarshalIndent(usersFile{Users: users}, "", "    ")
	if err != nil {
		return fmt.Errorf("quota: marshal: %w", err)
	}

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".users-*.json.tmp")
	if err != nil {
		return fmt.Errorf("quota: create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("quota: write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("quota: close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("quota: rename temp file: %w", err)
	}
	return nil
}
