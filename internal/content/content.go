// Package content defines the vocabulary shared by the tree, the write
// pipeline and the scheduler: metadata keys and the content item
// lifecycle.
package content

import "sort"

const (
	KeyStatus         = "status"
	KeyCreatedAt      = "createdAt"
	KeyScheduledFor   = "scheduledFor"
	KeyUserID         = "userId"
	KeyPrimaryKeyword = "primaryKeyword"
	KeyNotes          = "notes"
	KeyWorkflowID     = "workflowId"
	KeyError          = "error"
	KeyTitle          = "title"
	KeyDescription    = "description"
	KeyArticleType    = "articleType"
)

var knownKeys = map[string]struct{}{
	KeyStatus:         {},
	KeyCreatedAt:      {},
	KeyScheduledFor:   {},
	KeyUserID:         {},
	KeyPrimaryKeyword: {},
	KeyNotes:          {},
	KeyWorkflowID:     {},
	KeyError:          {},
	KeyTitle:          {},
	KeyDescription:    {},
	KeyArticleType:    {},
}

func IsKnownKey(key string) bool {
	_, ok := knownKeys[key]
	return ok
}

// Keys returns the recognized metadata keys, sorted.
func Keys() []string {
	out := make([]string, 0, len(knownKeys))
	for key := range knownKeys {
		out = append(out, key)
	}
	sort.Strings(out)
	return out
}

type Status string

const (
	StatusSuggested          Status = "suggested"
	StatusQueued             Status = "queued"
	StatusPlanned            Status = "planned"
	StatusGenerating         Status = "generating"
	StatusPendingReview      Status = "pending-review"
	StatusScheduled          Status = "scheduled"
	StatusPublished          Status = "published"
	StatusSuggestionRejected Status = "suggestion-rejected"
	StatusReviewDenied       Status = "review-denied"
	StatusGenerationFailed   Status = "generation-failed"
)

var statuses = []Status{
	StatusSuggested,
	StatusQueued,
	StatusPlanned,
	StatusGenerating,
	StatusPendingReview,
	StatusScheduled,
	StatusPublished,
	StatusSuggestionRejected,
	StatusReviewDenied,
	StatusGenerationFailed,
}

func Statuses() []Status {
	return append([]Status(nil), statuses...)
}

func (s Status) Valid() bool {
	for _, known := range statuses {
		if s == known {
			return true
		}
	}
	return false
}

// OccupiesSlot reports whether an item in this status holds its
// scheduled publish slot.
func (s Status) OccupiesSlot() bool {
	switch s {
	case StatusPlanned, StatusGenerating, StatusPendingReview, StatusScheduled, StatusPublished:
		return true
	}
	return false
}

// AwaitsSchedule reports whether entering this status requires a
// publish slot.
func (s Status) AwaitsSchedule() bool {
	return s == StatusQueued || s == StatusPlanned
}
