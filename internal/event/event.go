// Package event defines the change records that flow from the directory
// watcher through the cache to the delivery surfaces and the state file.
package event

import (
	"encoding/json"
	"fmt"
)

// ChangeAction classifies a single notification record.
type ChangeAction uint8

const (
	// Unknown is used for any action code the native facility reports that
	// does not map to one of the known kinds.
	Unknown ChangeAction = iota
	// Created indicates an entry was added under the watched root.
	Created
	// Deleted indicates an entry was removed.
	Deleted
	// Modified indicates the content or attributes of an entry changed.
	Modified
	// RenamedFrom carries the old name of a renamed entry.
	RenamedFrom
	// RenamedTo carries the new name of a renamed entry.
	RenamedTo
)

var actionNames = [...]string{
	Unknown:     "Unknown",
	Created:     "Created",
	Deleted:     "Deleted",
	Modified:    "Modified",
	RenamedFrom: "RenamedFrom",
	RenamedTo:   "RenamedTo",
}

// String returns the wire name of the action.
func (a ChangeAction) String() string {
	if int(a) < len(actionNames) {
		return actionNames[a]
	}
	return actionNames[Unknown]
}

// ParseChangeAction maps a wire name back to a ChangeAction. Unrecognised
// names map to Unknown.
func ParseChangeAction(s string) ChangeAction {
	for i, name := range actionNames {
		if name == s {
			return ChangeAction(i)
		}
	}
	return Unknown
}

// MarshalJSON encodes the action as its name.
func (a ChangeAction) MarshalJSON() ([]byte, error) {
	return json.Marshal(a.String())
}

// UnmarshalJSON decodes an action name. Unknown names decode to Unknown
// rather than failing so old state files stay readable.
func (a *ChangeAction) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("event: action must be a string: %w", err)
	}
	*a = ParseChangeAction(s)
	return nil
}

// EntryKind is the filesystem object type reported by the metadata probe.
type EntryKind string

const (
	KindFile      EntryKind = "file"
	KindDirectory EntryKind = "directory"
	KindSymlink   EntryKind = "symlink"
)

// FileMetadata is the normalised result of a successful probe.
//
// Timestamps are RFC3339 strings in the local zone. Permissions is the
// platform-native attribute word rendered in octal and is otherwise opaque.
type FileMetadata struct {
	Kind        EntryKind `json:"file_type"`
	IsDir       bool      `json:"is_dir"`
	IsFile      bool      `json:"is_file"`
	IsSymlink   bool      `json:"is_symlink"`
	Size        uint64    `json:"len_in_bytes"`
	Permissions string    `json:"permissions"`
	Modified    string    `json:"modified"`
	Accessed    string    `json:"accessed"`
	Created     string    `json:"created"`
}

// NewFileMetadata builds a FileMetadata with the kind flags derived from kind.
func NewFileMetadata(kind EntryKind, size uint64, perms, modified, accessed, created string) *FileMetadata {
	return &FileMetadata{
		Kind:        kind,
		IsDir:       kind == KindDirectory,
		IsFile:      kind == KindFile,
		IsSymlink:   kind == KindSymlink,
		Size:        size,
		Permissions: perms,
		Modified:    modified,
		Accessed:    accessed,
		Created:     created,
	}
}

// ChangeEvent is one decoded notification joined with its probe result.
// Metadata is nil when the entry could not be probed, typically because it
// was removed before the probe ran.
type ChangeEvent struct {
	Action   ChangeAction  `json:"action"`
	Metadata *FileMetadata `json:"metadata"`
}

// Change pairs an absolute path with the most recent event for it. This is
// the unit passed between the watcher, the cache and the delivery surfaces.
type Change struct {
	Path  string      `json:"path"`
	Event ChangeEvent `json:"event"`
}

// PushMessage renders c as the single-key object sent to push clients:
// {"<path>": <event>}.
func (c Change) PushMessage() ([]byte, error) {
	b, err := json.Marshal(map[string]ChangeEvent{c.Path: c.Event})
	if err != nil {
		return nil, fmt.Errorf("event: marshal push message: %w", err)
	}
	return b, nil
}

// StatePair is the [path, event] tuple used by the persisted state file.
type StatePair Change

// MarshalJSON encodes the pair as a two-element JSON array.
func (p StatePair) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]any{p.Path, p.Event})
}

// UnmarshalJSON decodes a two-element [path, event] array.
func (p *StatePair) UnmarshalJSON(data []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("event: state pair must be an array: %w", err)
	}
	if len(raw) != 2 {
		return fmt.Errorf("event: state pair must have 2 elements, got %d", len(raw))
	}
	if err := json.Unmarshal(raw[0], &p.Path); err != nil {
		return fmt.Errorf("event: state pair path: %w", err)
	}
	if err := json.Unmarshal(raw[1], &p.Event); err != nil {
		return fmt.Errorf("event: state pair event: %w", err)
	}
	return nil
}

// ToStatePairs converts a snapshot into the state file representation.
func ToStatePairs(changes []Change) []StatePair {
	pairs := make([]StatePair, len(changes))
	for i, c := range changes {
		pairs[i] = StatePair(c)
	}
	return pairs
}

// FromStatePairs is the inverse of ToStatePairs.
func FromStatePairs(pairs []StatePair) []Change {
	changes := make([]Change, len(pairs))
	for i, p := range pairs {
		changes[i] = Change(p)
	}
	return changes
}
