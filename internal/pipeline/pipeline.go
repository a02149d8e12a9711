// Package pipeline runs the ordered checks and stamps applied to a tree
// write before it commits.
//
// Each stage sees the same immutable Input plus a copy of the patch
// accumulated so far, and returns either a patch delta (with any tasks to
// dispatch after commit) or a Failure. Nothing is committed when a stage
// fails.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rectangular-labs/workspacesync/internal/content"
	"github.com/rectangular-labs/workspacesync/internal/schedule"
	"github.com/rectangular-labs/workspacesync/internal/tasks"
	"github.com/rectangular-labs/workspacesync/internal/tfs"
)

var (
	ErrValidation        = errors.New("validation error")
	ErrConfiguration     = errors.New("configuration error")
	ErrCapacityExhausted = errors.New("capacity exhausted")
)

type Code string

const (
	CodeValidation        Code = "ValidationError"
	CodeConfiguration     Code = "ConfigurationError"
	CodeCapacityExhausted Code = "CapacityExhausted"
)

// Failure aborts a write with a machine-readable code.
type Failure struct {
	Code    Code
	Stage   string
	Message string
}

func (f *Failure) Error() string {
	if f.Stage != "" {
		return fmt.Sprintf("%s: %s", f.Stage, f.Message)
	}
	return f.Message
}

func (f *Failure) Is(target error) bool {
	switch f.Code {
	case CodeValidation:
		return target == ErrValidation
	case CodeConfiguration:
		return target == ErrConfiguration
	case CodeCapacityExhausted:
		return target == ErrCapacityExhausted
	}
	return false
}

func failf(code Code, format string, args ...any) *Failure {
	return &Failure{Code: code, Message: fmt.Sprintf(format, args...)}
}

type Entry struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// Context is the caller state a write carries explicitly.
type Context struct {
	OrganizationID string
	ProjectID      string
	UserID         string
	Cadence        *schedule.Cadence
}

type Request struct {
	Path            string
	Content         *string
	CreateIfMissing bool
	ContentKey      string
	Metadata        []Entry
	Context         Context
}

func (r Request) Validate() error {
	if strings.TrimSpace(r.Path) == "" {
		return failf(CodeValidation, "path is required")
	}
	if tfs.Clean(r.Path) == "/" {
		return failf(CodeValidation, "cannot write to the root directory")
	}
	for _, entry := range r.Metadata {
		if !content.IsKnownKey(entry.Key) {
			return failf(CodeValidation, "unknown metadata key %q", entry.Key)
		}
		switch entry.Key {
		case content.KeyStatus:
			if entry.Value != "" && !content.Status(entry.Value).Valid() {
				return failf(CodeValidation, "unknown status %q", entry.Value)
			}
		case content.KeyCreatedAt, content.KeyScheduledFor:
			if entry.Value != "" {
				if _, err := time.Parse(time.RFC3339, entry.Value); err != nil {
					return failf(CodeValidation, "%s must be an RFC 3339 timestamp", entry.Key)
				}
			}
		}
	}
	return nil
}

// Patch holds pending metadata; an empty value removes the key.
type Patch map[string]string

func (p Patch) Clone() Patch {
	out := make(Patch, len(p))
	for key, value := range p {
		out[key] = value
	}
	return out
}

func (p Patch) merge(delta Patch) {
	for key, value := range delta {
		p[key] = value
	}
}

func (r Request) patch() Patch {
	p := Patch{}
	for _, entry := range r.Metadata {
		p[entry.Key] = entry.Value
	}
	return p
}

// Deferred is a task to submit once the write has committed.
type Deferred struct {
	Kind  tasks.Kind
	Token string
}

type Input struct {
	Request  Request
	Exists   bool
	NodeID   string
	Existing map[string]string
	// Tree is a read-only view used for scheduling.
	Tree *tfs.FS
	Now  time.Time
}

// Value returns the effective value of key: pending first, then existing.
func (in Input) Value(pending Patch, key string) string {
	if value, ok := pending[key]; ok {
		return value
	}
	return in.Existing[key]
}

type Step struct {
	Patch    Patch
	Deferred []Deferred
}

type Stage struct {
	Name string
	Run  func(ctx context.Context, in Input, pending Patch) (Step, error)
}

type Plan struct {
	Patch    Patch
	Deferred []Deferred
}

type Pipeline struct {
	stages []Stage
}

func New(stages ...Stage) *Pipeline {
	return &Pipeline{stages: append([]Stage(nil), stages...)}
}

func (p *Pipeline) Stages() []string {
	names := make([]string, 0, len(p.stages))
	for _, stage := range p.stages {
		names = append(names, stage.Name)
	}
	return names
}

// Execute validates the request and runs every stage in order.
func (p *Pipeline) Execute(ctx context.Context, in Input) (Plan, error) {
	if err := in.Request.Validate(); err != nil {
		return Plan{}, err
	}
	pending := in.Request.patch()
	var deferred []Deferred
	for _, stage := range p.stages {
		if err := ctx.Err(); err != nil {
			return Plan{}, err
		}
		step, err := stage.Run(ctx, in, pending.Clone())
		if err != nil {
			var failure *Failure
			if errors.As(err, &failure) && failure.Stage == "" {
				failure.Stage = stage.Name
			}
			return Plan{}, err
		}
		pending.merge(step.Patch)
		deferred = append(deferred, step.Deferred...)
	}
	return Plan{Patch: pending, Deferred: deferred}, nil
}
