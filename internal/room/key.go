// Package room holds the server-side replicas: one CRDT document per room,
// its connected peers, and when it was last persisted.
//
// Rooms are loaded lazily from a BlobStore and written back only at
// checkpoints (Registry.Flush), never per update.
package room

import (
	"errors"
	"fmt"
	"strings"
)

var ErrInvalidKey = errors.New("invalid room key")

// Key identifies a room: a tenant/workspace pair plus an optional sub-scope.
type Key struct {
	Tenant    string
	Workspace string
	Scope     string
}

// ParseKey accepts "tenant/workspace" or "tenant/workspace/scope".
func ParseKey(raw string) (Key, error) {
	parts := strings.Split(strings.Trim(strings.TrimSpace(raw), "/"), "/")
	if len(parts) < 2 || len(parts) > 3 {
		return Key{}, fmt.Errorf("%w: %q", ErrInvalidKey, raw)
	}
	key := Key{Tenant: parts[0], Workspace: parts[1]}
	if len(parts) == 3 {
		key.Scope = parts[2]
	}
	if err := key.Validate(); err != nil {
		return Key{}, err
	}
	return key, nil
}

func (k Key) Validate() error {
	for _, segment := range []string{k.Tenant, k.Workspace} {
		if !validSegment(segment) {
			return fmt.Errorf("%w: segment %q", ErrInvalidKey, segment)
		}
	}
	if k.Scope != "" && !validSegment(k.Scope) {
		return fmt.Errorf("%w: scope %q", ErrInvalidKey, k.Scope)
	}
	return nil
}

func (k Key) String() string {
	if k.Scope == "" {
		return k.Tenant + "/" + k.Workspace
	}
	return k.Tenant + "/" + k.Workspace + "/" + k.Scope
}

// URI is where the room's snapshot lives in the blob store.
func (k Key) URI() string {
	return "rooms/" + k.String() + ".crdt"
}

func validSegment(segment string) bool {
	if segment == "" || segment == "." || segment == ".." {
		return false
	}
	for _, r := range segment {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '-' || r == '_' || r == '.':
		default:
			return false
		}
	}
	return true
}
