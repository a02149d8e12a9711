package config

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/rectangular-labs/workspacesync/internal/logging"
	"github.com/rectangular-labs/workspacesync/internal/room"
	"github.com/rectangular-labs/workspacesync/internal/schedule"
)

// PolicyFile is the YAML document naming per-room persistence policy and
// publishing cadence. Room entries are matched by full key, then by
// tenant/workspace, then by tenant; fields they leave out fall back to
// the default entry.
//
//	default:
//	  shouldPersist: true
//	  cadence: {period: weekly, frequency: 3, allowedDays: [mon, wed, fri]}
//	rooms:
//	  org_1/proj_1:
//	    allowBackfillWhenAlone: false
type PolicyFile struct {
	Default RoomEntry            `yaml:"default"`
	Rooms   map[string]RoomEntry `yaml:"rooms"`
}

type RoomEntry struct {
	ShouldPersist          *bool         `yaml:"shouldPersist"`
	AllowBackfillWhenAlone *bool         `yaml:"allowBackfillWhenAlone"`
	Cadence                *CadenceEntry `yaml:"cadence"`
}

type CadenceEntry struct {
	Period      string   `yaml:"period"`
	Frequency   int      `yaml:"frequency"`
	AllowedDays []string `yaml:"allowedDays"`
}

type resolved struct {
	policy  room.Policy
	cadence *schedule.Cadence
}

type policySet struct {
	fallback resolved
	rooms    map[string]resolved
}

// ParsePolicyFile decodes and validates a policy document.
func ParsePolicyFile(data []byte) (*PolicyFile, error) {
	var file PolicyFile
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&file); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse policy file: %w", err)
	}
	if _, err := file.compile(); err != nil {
		return nil, err
	}
	return &file, nil
}

func (f *PolicyFile) compile() (*policySet, error) {
	fallback, err := f.Default.resolve(resolved{policy: room.DefaultPolicy()})
	if err != nil {
		return nil, fmt.Errorf("default: %w", err)
	}
	set := &policySet{fallback: fallback, rooms: make(map[string]resolved, len(f.Rooms))}
	for name, entry := range f.Rooms {
		if err := validPattern(name); err != nil {
			return nil, err
		}
		r, err := entry.resolve(fallback)
		if err != nil {
			return nil, fmt.Errorf("room %s: %w", name, err)
		}
		set.rooms[strings.Trim(name, "/")] = r
	}
	return set, nil
}

func validPattern(name string) error {
	trimmed := strings.Trim(name, "/")
	if !strings.Contains(trimmed, "/") {
		if err := (room.Key{Tenant: trimmed, Workspace: "_"}).Validate(); err != nil {
			return fmt.Errorf("room %q: %w", name, err)
		}
		return nil
	}
	if _, err := room.ParseKey(trimmed); err != nil {
		return fmt.Errorf("room %q: %w", name, err)
	}
	return nil
}

func (e RoomEntry) resolve(base resolved) (resolved, error) {
	out := base
	if e.ShouldPersist != nil {
		out.policy.ShouldPersist = *e.ShouldPersist
	}
	if e.AllowBackfillWhenAlone != nil {
		out.policy.AllowBackfillWhenAlone = *e.AllowBackfillWhenAlone
	}
	if e.Cadence != nil {
		cadence, err := schedule.ParseCadence(e.Cadence.Period, e.Cadence.Frequency, e.Cadence.AllowedDays)
		if err != nil {
			return resolved{}, err
		}
		out.cadence = &cadence
	}
	return out, nil
}

func (s *policySet) lookup(key room.Key) resolved {
	candidates := []string{key.String(), key.Tenant + "/" + key.Workspace, key.Tenant}
	for _, name := range candidates {
		if r, ok := s.rooms[name]; ok {
			return r
		}
	}
	return s.fallback
}

// Policies serves room policy and cadence from a policy file. It
// implements room.PolicySource and the workspace cadence source. A
// reload only affects rooms loaded after it.
type Policies struct {
	path string
	set  atomic.Pointer[policySet]
}

// NewPolicies returns a source with the built-in defaults and no file.
func NewPolicies() *Policies {
	p := &Policies{}
	p.set.Store(&policySet{fallback: resolved{policy: room.DefaultPolicy()}})
	return p
}

// LoadPolicies reads path. An empty path yields the built-in defaults.
func LoadPolicies(path string) (*Policies, error) {
	p := NewPolicies()
	if path == "" {
		return p, nil
	}
	p.path = path
	if err := p.Reload(); err != nil {
		return nil, err
	}
	return p, nil
}

// Reload re-reads the file. On error the previous policies stay active.
func (p *Policies) Reload() error {
	data, err := os.ReadFile(p.path)
	if err != nil {
		return fmt.Errorf("read policy file: %w", err)
	}
	file, err := ParsePolicyFile(data)
	if err != nil {
		return err
	}
	set, err := file.compile()
	if err != nil {
		return err
	}
	p.set.Store(set)
	return nil
}

func (p *Policies) Policy(key room.Key) room.Policy {
	return p.set.Load().lookup(key).policy
}

func (p *Policies) Cadence(key room.Key) *schedule.Cadence {
	cadence := p.set.Load().lookup(key).cadence
	if cadence == nil {
		return nil
	}
	out := *cadence
	out.AllowedDays = append([]time.Weekday(nil), cadence.AllowedDays...)
	return &out
}

// Watch reloads the file whenever it changes until ctx is done. The
// parent directory is watched so editors that replace the file by rename
// are picked up.
func (p *Policies) Watch(ctx context.Context) error {
	if p.path == "" {
		<-ctx.Done()
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()
	if err := watcher.Add(filepath.Dir(p.path)); err != nil {
		return err
	}
	target := filepath.Clean(p.path)
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target || event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if err := p.Reload(); err != nil {
				logging.Warn("policy reload failed", logging.Path(p.path), logging.Err(err))
				continue
			}
			logging.Info("policy file reloaded", logging.Path(p.path))
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logging.Warn("policy watcher error", logging.Err(err))
		}
	}
}
