package pipeline

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/rectangular-labs/workspacesync/internal/content"
	"github.com/rectangular-labs/workspacesync/internal/schedule"
	"github.com/rectangular-labs/workspacesync/internal/tasks"
	"github.com/rectangular-labs/workspacesync/internal/tfs"
)

type Options struct {
	NewToken func() string
}

// Default returns the production stage order.
func Default(opts Options) *Pipeline {
	newToken := opts.NewToken
	if newToken == nil {
		newToken = uuid.NewString
	}
	return New(
		StampCreation(),
		AutoSchedule(),
		TriggerResearch(),
		TriggerWriting(newToken),
	)
}

// StampCreation sets createdAt, and userId when known, on new nodes.
func StampCreation() Stage {
	return Stage{
		Name: "stamp-creation",
		Run: func(_ context.Context, in Input, pending Patch) (Step, error) {
			if in.Exists {
				return Step{}, nil
			}
			patch := Patch{}
			if pending[content.KeyCreatedAt] == "" {
				patch[content.KeyCreatedAt] = in.Now.UTC().Format(time.RFC3339)
			}
			if pending[content.KeyUserID] == "" && in.Request.Context.UserID != "" {
				patch[content.KeyUserID] = in.Request.Context.UserID
			}
			return Step{Patch: patch}, nil
		},
	}
}

// AutoSchedule assigns scheduledFor when an item enters a status that
// needs a publish slot and has no valid one yet.
func AutoSchedule() Stage {
	return Stage{
		Name: "auto-schedule",
		Run: func(_ context.Context, in Input, pending Patch) (Step, error) {
			status, set := pending[content.KeyStatus]
			if !set || !content.Status(status).AwaitsSchedule() {
				return Step{}, nil
			}
			if validTimestamp(in.Value(pending, content.KeyScheduledFor)) {
				return Step{}, nil
			}
			cadence := in.Request.Context.Cadence
			if cadence == nil {
				return Step{}, failf(CodeConfiguration, "no publishing cadence configured")
			}
			slot, err := schedule.NextSlot(scheduledItems(in.Tree, in.NodeID), *cadence, in.Now)
			switch {
			case errors.Is(err, schedule.ErrInvalidCadence):
				return Step{}, failf(CodeConfiguration, "%v", err)
			case errors.Is(err, schedule.ErrNoSlot):
				return Step{}, failf(CodeCapacityExhausted, "no publish slot within %d days", schedule.Horizon)
			case err != nil:
				return Step{}, err
			}
			return Step{Patch: Patch{content.KeyScheduledFor: slot.Format(time.RFC3339)}}, nil
		},
	}
}

// TriggerResearch defers a research task for a new suggestion that names
// a target keyword.
func TriggerResearch() Stage {
	return Stage{
		Name: "trigger-research",
		Run: func(_ context.Context, in Input, pending Patch) (Step, error) {
			if in.Exists || pending[content.KeyStatus] != string(content.StatusSuggested) {
				return Step{}, nil
			}
			if in.Value(pending, content.KeyPrimaryKeyword) == "" {
				return Step{}, nil
			}
			return Step{Deferred: []Deferred{{Kind: tasks.KindResearch}}}, nil
		},
	}
}

// TriggerWriting stamps a fresh workflowId and defers a writing task keyed
// by it. An item that already carries a workflowId is left alone, which
// makes retried writes dispatch nothing.
func TriggerWriting(newToken func() string) Stage {
	return Stage{
		Name: "trigger-writing",
		Run: func(_ context.Context, in Input, pending Patch) (Step, error) {
			if pending[content.KeyStatus] != string(content.StatusQueued) {
				return Step{}, nil
			}
			if in.Value(pending, content.KeyWorkflowID) != "" {
				return Step{}, nil
			}
			token := newToken()
			return Step{
				Patch:    Patch{content.KeyWorkflowID: token},
				Deferred: []Deferred{{Kind: tasks.KindWriting, Token: token}},
			}, nil
		},
	}
}

func validTimestamp(raw string) bool {
	if raw == "" {
		return false
	}
	_, err := time.Parse(time.RFC3339, raw)
	return err == nil
}

func scheduledItems(tree *tfs.FS, skipID string) []schedule.Item {
	if tree == nil {
		return nil
	}
	var items []schedule.Item
	for _, file := range tree.Files() {
		if file.Node.ID == skipID {
			continue
		}
		at, err := time.Parse(time.RFC3339, file.Node.Metadata[content.KeyScheduledFor])
		if err != nil {
			continue
		}
		items = append(items, schedule.Item{
			Status:       content.Status(file.Node.Metadata[content.KeyStatus]),
			ScheduledFor: at,
		})
	}
	return items
}
