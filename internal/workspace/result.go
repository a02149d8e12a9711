package workspace

import (
	"context"
	"errors"

	"github.com/rectangular-labs/workspacesync/internal/logging"
	"github.com/rectangular-labs/workspacesync/internal/pipeline"
	"github.com/rectangular-labs/workspacesync/internal/room"
	"github.com/rectangular-labs/workspacesync/internal/tfs"
)

type Code string

const (
	CodeNotFound          Code = "NotFound"
	CodeNotADirectory     Code = "NotADirectory"
	CodeNotAFile          Code = "NotAFile"
	CodeNotEmpty          Code = "NotEmpty"
	CodeValidation        Code = Code(pipeline.CodeValidation)
	CodeConfiguration     Code = Code(pipeline.CodeConfiguration)
	CodeCapacityExhausted Code = Code(pipeline.CodeCapacityExhausted)
	CodeUnavailable       Code = "Unavailable"
	CodeUnknown           Code = "Unknown"
)

// Result is what every tree operation returns: Data on success, Message
// and Code otherwise.
type Result struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Message string `json:"message,omitempty"`
	Code    Code   `json:"code,omitempty"`
}

func ok(data any) Result {
	return Result{Success: true, Data: data}
}

// failure turns an operation error into a Result. Anything that is not an
// expected tree or pipeline condition is logged.
func failure(op string, key room.Key, path string, err error) Result {
	code := classify(err)
	if code == CodeUnknown || code == CodeUnavailable {
		logging.Error("tree operation failed",
			logging.String("op", op),
			logging.Room(key.String()),
			logging.Path(path),
			logging.Err(err),
		)
	}
	return Result{Success: false, Message: err.Error(), Code: code}
}

func classify(err error) Code {
	var failure *pipeline.Failure
	switch {
	case errors.As(err, &failure):
		return Code(failure.Code)
	case errors.Is(err, tfs.ErrNotFound):
		return CodeNotFound
	case errors.Is(err, tfs.ErrNotADirectory):
		return CodeNotADirectory
	case errors.Is(err, tfs.ErrNotAFile):
		return CodeNotAFile
	case errors.Is(err, tfs.ErrNotEmpty):
		return CodeNotEmpty
	case errors.Is(err, tfs.ErrInvalidPath), errors.Is(err, room.ErrInvalidKey):
		return CodeValidation
	case errors.Is(err, room.ErrClosed), errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return CodeUnavailable
	}
	return CodeUnknown
}
