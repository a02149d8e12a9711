// Package tasks hands work to the external content workflow engine.
//
// Writes never wait on the engine: a committed write enqueues a Task, and
// dispatcher workers turn it into a typed Input for a Submitter. When a
// task cannot be submitted, the Compensator undoes the idempotency marker
// the write stamped so that a later write can try again.
package tasks

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
)

var (
	ErrInvalidTask    = errors.New("invalid task")
	ErrNotImplemented = errors.New("not implemented")
)

type Kind string

const (
	KindResearch Kind = "research"
	KindWriting  Kind = "writing"
)

// Task is the queued command. It is serialized by the durable queues.
type Task struct {
	ID             string    `json:"id"`
	Kind           Kind      `json:"kind"`
	Room           string    `json:"room"`
	NodeID         string    `json:"nodeId"`
	Path           string    `json:"path"`
	Token          string    `json:"token,omitempty"`
	PrimaryKeyword string    `json:"primaryKeyword,omitempty"`
	OrganizationID string    `json:"organizationId,omitempty"`
	ProjectID      string    `json:"projectId,omitempty"`
	UserID         string    `json:"userId,omitempty"`
	Attempt        int       `json:"attempt"`
	CreatedAt      time.Time `json:"createdAt"`
}

func NewTask(kind Kind) Task {
	return Task{
		ID:        ulid.Make().String(),
		Kind:      kind,
		CreatedAt: time.Now().UTC(),
	}
}

func (t Task) Validate() error {
	if strings.TrimSpace(t.ID) == "" {
		return fmt.Errorf("%w: missing id", ErrInvalidTask)
	}
	if strings.TrimSpace(t.Room) == "" || strings.TrimSpace(t.NodeID) == "" {
		return fmt.Errorf("%w: missing room or node", ErrInvalidTask)
	}
	switch t.Kind {
	case KindResearch:
		if strings.TrimSpace(t.PrimaryKeyword) == "" {
			return fmt.Errorf("%w: research task without keyword", ErrInvalidTask)
		}
	case KindWriting:
		if strings.TrimSpace(t.Token) == "" {
			return fmt.Errorf("%w: writing task without workflow id", ErrInvalidTask)
		}
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidTask, t.Kind)
	}
	return nil
}

// Input converts the task into the typed submission payload.
func (t Task) Input() (Input, error) {
	if err := t.Validate(); err != nil {
		return nil, err
	}
	scope := Scope{
		Room:           t.Room,
		NodeID:         t.NodeID,
		Path:           t.Path,
		OrganizationID: t.OrganizationID,
		ProjectID:      t.ProjectID,
		UserID:         t.UserID,
	}
	if t.Kind == KindResearch {
		return ResearchInput{Scope: scope, PrimaryKeyword: t.PrimaryKeyword}, nil
	}
	return WritingInput{Scope: scope, WorkflowID: t.Token, PrimaryKeyword: t.PrimaryKeyword}, nil
}

type Scope struct {
	Room           string `json:"room"`
	NodeID         string `json:"nodeId"`
	Path           string `json:"path"`
	OrganizationID string `json:"organizationId,omitempty"`
	ProjectID      string `json:"projectId,omitempty"`
	UserID         string `json:"userId,omitempty"`
}

type Input interface {
	TaskKind() Kind
}

type ResearchInput struct {
	Scope
	PrimaryKeyword string `json:"primaryKeyword"`
}

func (ResearchInput) TaskKind() Kind { return KindResearch }

type WritingInput struct {
	Scope
	WorkflowID     string `json:"workflowId"`
	PrimaryKeyword string `json:"primaryKeyword,omitempty"`
}

func (WritingInput) TaskKind() Kind { return KindWriting }

type Result struct {
	RunID  string `json:"runId,omitempty"`
	Status string `json:"status,omitempty"`
}

type Submitter interface {
	Submit(ctx context.Context, input Input) (Result, error)
}

type SubmitterFunc func(ctx context.Context, input Input) (Result, error)

func (f SubmitterFunc) Submit(ctx context.Context, input Input) (Result, error) {
	return f(ctx, input)
}

// Compensator reverts the effects of a write whose task could not be
// submitted.
type Compensator interface {
	Compensate(ctx context.Context, task Task) error
}

type CompensatorFunc func(ctx context.Context, task Task) error

func (f CompensatorFunc) Compensate(ctx context.Context, task Task) error {
	return f(ctx, task)
}
