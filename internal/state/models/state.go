// Package models defines the opaque state documents exposed through the
// /states surface.
package models

import "github.com/agentmesh/agentmesh/internal/storage"

// State is an opaque named blob persisted through the storage port. The
// /states surface mirrors repository semantics directly, including the
// per-request storage backend override.
type State struct {
	storage.Base `bson:",inline"`

	Name    string         `json:"name,omitempty" db:"name" bson:"name,omitempty"`
	Content map[string]any `json:"content,omitempty" db:"content" bson:"content,omitempty"`
}

// GetName returns the state's name; empty when unnamed.
func (s *State) GetName() string { return s.Name }
