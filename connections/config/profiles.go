// Copyright 2025 QueryDock
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"querydock/platform/connections/base"
)

// profilesFile is the on-disk shape of the saved-profile store.
type profilesFile struct {
	Groups   []groupEntry   `yaml:"groups,omitempty"`
	Profiles []profileEntry `yaml:"profiles,omitempty"`
}

type groupEntry struct {
	ID       string `yaml:"id"`
	Name     string `yaml:"name"`
	ParentID string `yaml:"parent_id,omitempty"`
}

type profileEntry struct {
	ID         string            `yaml:"id"`
	GroupID    string            `yaml:"group_id,omitempty"`
	ProviderID string            `yaml:"provider"`
	Server     string            `yaml:"server"`
	Database   string            `yaml:"database,omitempty"`
	AuthType   string            `yaml:"auth_type"`
	Username   string            `yaml:"username,omitempty"`
	TenantID   string            `yaml:"tenant_id,omitempty"`
	Options    map[string]string `yaml:"options,omitempty"`
}

// FileProfileStore implements base.ProfileStore over a YAML file.
// Passwords and tokens are never written to disk; they live in the
// credential store.
type FileProfileStore struct {
	mu   sync.Mutex
	path string
	file profilesFile
}

// NewFileProfileStore opens (or creates) the profile store at path.
func NewFileProfileStore(path string) (*FileProfileStore, error) {
	s := &FileProfileStore{path: path}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, fmt.Errorf("failed to read profiles file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &s.file); err != nil {
		return nil, fmt.Errorf("failed to parse profiles file %s: %w", path, err)
	}
	return s, nil
}

// SaveProfile persists the profile, assigning an identifier on first
// save. Profiles are keyed by id; saving an existing id overwrites it.
func (s *FileProfileStore) SaveProfile(ctx context.Context, profile *base.ConnectionProfile) (*base.ConnectionProfile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	saved := profile.Copy()
	if saved.ProfileID == "" {
		saved.ProfileID = uuid.New().String()
	}

	entry := profileEntry{
		ID:         saved.ProfileID,
		GroupID:    saved.GroupID,
		ProviderID: saved.ProviderID,
		Server:     saved.Server,
		Database:   saved.Database,
		AuthType:   saved.AuthType.String(),
		Username:   saved.Username,
		TenantID:   saved.TenantID,
		Options:    saved.Options,
	}

	replaced := false
	for i, p := range s.file.Profiles {
		if p.ID == entry.ID {
			s.file.Profiles[i] = entry
			replaced = true
			break
		}
	}
	if !replaced {
		s.file.Profiles = append(s.file.Profiles, entry)
	}

	if err := s.flushLocked(); err != nil {
		return nil, err
	}
	return saved, nil
}

// DeleteProfile removes the persisted profile, matched by id when set,
// else by identity.
func (s *FileProfileStore) DeleteProfile(ctx context.Context, profile *base.ConnectionProfile) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.file.Profiles[:0]
	for _, p := range s.file.Profiles {
		if matchesEntry(p, profile) {
			continue
		}
		kept = append(kept, p)
	}
	s.file.Profiles = kept
	return s.flushLocked()
}

func matchesEntry(entry profileEntry, profile *base.ConnectionProfile) bool {
	if profile.ProfileID != "" {
		return entry.ID == profile.ProfileID
	}
	return entry.ProviderID == profile.ProviderID &&
		entry.Server == profile.Server &&
		entry.Username == profile.Username &&
		entry.Database == profile.Database
}

// Groups returns every saved connection group.
func (s *FileProfileStore) Groups(ctx context.Context) ([]base.ConnectionGroup, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	groups := make([]base.ConnectionGroup, 0, len(s.file.Groups))
	for _, g := range s.file.Groups {
		groups = append(groups, base.ConnectionGroup{ID: g.ID, Name: g.Name, ParentID: g.ParentID})
	}
	return groups, nil
}

// SaveGroup persists a connection group, assigning an id on first save.
func (s *FileProfileStore) SaveGroup(ctx context.Context, group base.ConnectionGroup) (base.ConnectionGroup, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if group.ID == "" {
		group.ID = uuid.New().String()
	}
	entry := groupEntry{ID: group.ID, Name: group.Name, ParentID: group.ParentID}

	replaced := false
	for i, g := range s.file.Groups {
		if g.ID == entry.ID {
			s.file.Groups[i] = entry
			replaced = true
			break
		}
	}
	if !replaced {
		s.file.Groups = append(s.file.Groups, entry)
	}

	if err := s.flushLocked(); err != nil {
		return base.ConnectionGroup{}, err
	}
	return group, nil
}

// ProfilesInGroup returns the profiles saved directly under a group.
func (s *FileProfileStore) ProfilesInGroup(ctx context.Context, groupID string) ([]*base.ConnectionProfile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var profiles []*base.ConnectionProfile
	for _, p := range s.file.Profiles {
		if p.GroupID != groupID {
			continue
		}
		profiles = append(profiles, &base.ConnectionProfile{
			ProfileID:  p.ID,
			GroupID:    p.GroupID,
			ProviderID: p.ProviderID,
			Server:     p.Server,
			Database:   p.Database,
			AuthType:   base.AuthType(p.AuthType),
			Username:   p.Username,
			TenantID:   p.TenantID,
			Options:    p.Options,
		})
	}
	return profiles, nil
}

// DeleteGroup removes a group. Profiles and child groups are expected
// to be removed first; the orchestrator's group deletion guarantees the
// ordering.
func (s *FileProfileStore) DeleteGroup(ctx context.Context, groupID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.file.Groups[:0]
	for _, g := range s.file.Groups {
		if g.ID == groupID {
			continue
		}
		kept = append(kept, g)
	}
	s.file.Groups = kept
	return s.flushLocked()
}

// flushLocked writes the store atomically: temp file then rename.
func (s *FileProfileStore) flushLocked() error {
	data, err := yaml.Marshal(&s.file)
	if err != nil {
		return fmt.Errorf("failed to marshal profiles: %w", err)
	}

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, ".profiles-*.yaml")
	if err != nil {
		return fmt.Errorf("failed to create temp profiles file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to write profiles: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to close profiles file: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to replace profiles file: %w", err)
	}
	return nil
}
