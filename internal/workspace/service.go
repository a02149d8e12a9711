// Package workspace is the tree API used by tool and task callers. Every
// operation addresses one room and returns a Result; expected failures
// such as a missing path are reported in the Result, never as a Go error.
package workspace

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/rectangular-labs/workspacesync/internal/content"
	"github.com/rectangular-labs/workspacesync/internal/crdt"
	"github.com/rectangular-labs/workspacesync/internal/logging"
	"github.com/rectangular-labs/workspacesync/internal/metrics"
	"github.com/rectangular-labs/workspacesync/internal/pipeline"
	"github.com/rectangular-labs/workspacesync/internal/room"
	"github.com/rectangular-labs/workspacesync/internal/schedule"
	"github.com/rectangular-labs/workspacesync/internal/tasks"
	"github.com/rectangular-labs/workspacesync/internal/tfs"
)

// Enqueuer accepts tasks for asynchronous submission.
type Enqueuer interface {
	Enqueue(task tasks.Task) error
}

// Publisher forwards an update produced by the tree API to connected peers.
type Publisher interface {
	Publish(rm *room.Room, update []byte) int
}

// CadenceSource supplies the publishing cadence for a room when the
// caller does not pass one.
type CadenceSource interface {
	Cadence(key room.Key) *schedule.Cadence
}

type Options struct {
	Registry  *room.Registry
	Pipeline  *pipeline.Pipeline
	Tasks     Enqueuer
	Publisher Publisher
	Cadences  CadenceSource
	Now       func() time.Time
}

type Service struct {
	registry  *room.Registry
	pipeline  *pipeline.Pipeline
	tasks     Enqueuer
	publisher Publisher
	cadences  CadenceSource
	now       func() time.Time
}

func NewService(opts Options) *Service {
	p := opts.Pipeline
	if p == nil {
		p = pipeline.Default(pipeline.Options{})
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Service{
		registry:  opts.Registry,
		pipeline:  p,
		tasks:     opts.Tasks,
		publisher: opts.Publisher,
		cadences:  opts.Cadences,
		now:       now,
	}
}

type WriteData struct {
	Path     string            `json:"path"`
	NodeID   string            `json:"nodeId"`
	Created  bool              `json:"created"`
	Metadata map[string]string `json:"metadata"`
	Tasks    []string          `json:"tasks,omitempty"`
}

type writeOutcome struct {
	data   WriteData
	update []byte
	tasks  []tasks.Task
}

// Write runs the request through the pipeline and commits the resulting
// patch and content in one critical section on the room. Tasks the
// pipeline deferred are enqueued only after the commit.
func (s *Service) Write(ctx context.Context, key room.Key, req pipeline.Request) Result {
	if req.Context.Cadence == nil && s.cadences != nil {
		req.Context.Cadence = s.cadences.Cadence(key)
	}
	if req.ContentKey == "" {
		req.ContentKey = tfs.DefaultContentKey
	}
	var out writeOutcome
	rm, err := s.registry.Mutate(ctx, key, func(doc *crdt.Doc) error {
		var err error
		out, err = s.commitWrite(ctx, key, doc, req)
		return err
	})
	if err != nil {
		result := failure("write", key, req.Path, err)
		metrics.RecordTreeWrite(string(result.Code))
		return result
	}
	metrics.RecordTreeWrite("")
	s.afterMutation(ctx, rm, out.update)
	for _, task := range out.tasks {
		if err := s.enqueue(task); err != nil {
			logging.Error("task enqueue failed",
				logging.Room(key.String()),
				logging.Path(task.Path),
				zap.String("task", task.ID),
				logging.Err(err),
			)
			if err := s.Compensate(ctx, task); err != nil {
				logging.Error("task compensation failed", logging.Room(key.String()), zap.String("task", task.ID), logging.Err(err))
			} else if task.Kind == tasks.KindWriting && out.data.Metadata[content.KeyWorkflowID] == task.Token {
				delete(out.data.Metadata, content.KeyWorkflowID)
			}
			continue
		}
		out.data.Tasks = append(out.data.Tasks, task.ID)
	}
	return ok(out.data)
}

func (s *Service) commitWrite(ctx context.Context, key room.Key, doc *crdt.Doc, req pipeline.Request) (writeOutcome, error) {
	fs := tfs.Open(doc)
	path := tfs.Clean(req.Path)
	in := pipeline.Input{
		Request:  req,
		Existing: map[string]string{},
		Tree:     fs,
		Now:      s.now(),
	}
	if node, err := fs.Resolve(path); err == nil {
		if node.Type != tfs.TypeFile {
			return writeOutcome{}, &tfs.PathError{Op: "write", Path: path, Err: tfs.ErrNotAFile}
		}
		in.Exists = true
		in.NodeID = node.ID
		for k, v := range node.Metadata {
			in.Existing[k] = v
		}
	} else if !req.CreateIfMissing {
		return writeOutcome{}, &tfs.PathError{Op: "write", Path: path, Err: tfs.ErrNotFound}
	}

	plan, err := s.pipeline.Execute(ctx, in)
	if err != nil {
		return writeOutcome{}, err
	}
	res, err := fs.Write(path, tfs.WriteOptions{
		Content:         req.Content,
		CreateIfMissing: req.CreateIfMissing,
		Metadata:        plan.Patch,
		ContentKey:      req.ContentKey,
	})
	if err != nil {
		return writeOutcome{}, err
	}
	update, err := doc.TakeLocalUpdate()
	if err != nil {
		return writeOutcome{}, err
	}

	node, _ := fs.NodeByID(res.NodeID)
	metadata := map[string]string{}
	for k, v := range node.Metadata {
		metadata[k] = v
	}
	out := writeOutcome{
		data:   WriteData{Path: res.Path, NodeID: res.NodeID, Created: res.Created, Metadata: metadata},
		update: update,
	}
	for _, deferred := range plan.Deferred {
		task := tasks.NewTask(deferred.Kind)
		task.Room = key.String()
		task.NodeID = res.NodeID
		task.Path = res.Path
		task.Token = deferred.Token
		task.PrimaryKeyword = metadata[content.KeyPrimaryKeyword]
		task.OrganizationID = req.Context.OrganizationID
		task.ProjectID = req.Context.ProjectID
		task.UserID = req.Context.UserID
		out.tasks = append(out.tasks, task)
	}
	return out, nil
}

func (s *Service) enqueue(task tasks.Task) error {
	if s.tasks == nil {
		return errors.New("no task queue configured")
	}
	return s.tasks.Enqueue(task)
}

// afterMutation forwards the committed update to peers and checkpoints
// the room. A failed flush leaves the room dirty for the next checkpoint.
func (s *Service) afterMutation(ctx context.Context, rm *room.Room, update []byte) {
	if s.publisher != nil && len(update) > 0 {
		s.publisher.Publish(rm, update)
	}
	if err := s.registry.Flush(ctx, rm); err != nil {
		logging.Warn("checkpoint after tree write failed", logging.Room(rm.Key().String()), logging.Err(err))
	}
}

// mutate applies fn to the room's tree and publishes what it changed.
func (s *Service) mutate(ctx context.Context, key room.Key, fn func(fs *tfs.FS) error) error {
	var update []byte
	rm, err := s.registry.Mutate(ctx, key, func(doc *crdt.Doc) error {
		if err := fn(tfs.Open(doc)); err != nil {
			return err
		}
		var err error
		update, err = doc.TakeLocalUpdate()
		return err
	})
	if err != nil {
		return err
	}
	s.afterMutation(ctx, rm, update)
	return nil
}

// snapshot returns a private tree for readers; no lock is held while the
// caller works on it.
func (s *Service) snapshot(ctx context.Context, key room.Key) (*tfs.FS, error) {
	rm, err := s.registry.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	doc, err := rm.Snapshot()
	if err != nil {
		return nil, err
	}
	return tfs.Open(doc), nil
}

func (s *Service) List(ctx context.Context, key room.Key, path string) Result {
	fs, err := s.snapshot(ctx, key)
	if err != nil {
		return failure("list", key, path, err)
	}
	listing, err := fs.List(path)
	if err != nil {
		return failure("list", key, path, err)
	}
	return ok(listing)
}

type File struct {
	Path     string            `json:"path"`
	Content  string            `json:"content"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

func (s *Service) Read(ctx context.Context, key room.Key, path, contentKey string) Result {
	fs, err := s.snapshot(ctx, key)
	if err != nil {
		return failure("read", key, path, err)
	}
	if contentKey == "" {
		contentKey = tfs.DefaultContentKey
	}
	text, err := fs.ReadKey(path, contentKey)
	if err != nil {
		return failure("read", key, path, err)
	}
	node, _ := fs.Resolve(path)
	return ok(File{Path: tfs.Clean(path), Content: text, Metadata: node.Metadata})
}

func (s *Service) Delete(ctx context.Context, key room.Key, path string, recursive bool) Result {
	err := s.mutate(ctx, key, func(fs *tfs.FS) error {
		return fs.Remove(path, recursive)
	})
	if err != nil {
		return failure("delete", key, path, err)
	}
	return ok(map[string]string{"path": tfs.Clean(path)})
}

func (s *Service) Move(ctx context.Context, key room.Key, from, to string) Result {
	var moved string
	err := s.mutate(ctx, key, func(fs *tfs.FS) error {
		var err error
		moved, err = fs.Move(from, to)
		return err
	})
	if err != nil {
		return failure("move", key, from, err)
	}
	return ok(map[string]string{"from": tfs.Clean(from), "path": moved})
}

// Compensate undoes the workflowId stamped for a writing task that could
// not be submitted, so that a later write can trigger the task again. The
// marker is only cleared while it still carries the task's token.
func (s *Service) Compensate(ctx context.Context, task tasks.Task) error {
	if task.Kind != tasks.KindWriting || task.Token == "" {
		return nil
	}
	key, err := room.ParseKey(task.Room)
	if err != nil {
		return err
	}
	cleared := false
	err = s.mutate(ctx, key, func(fs *tfs.FS) error {
		node, ok := fs.NodeByID(task.NodeID)
		if !ok || node.Metadata[content.KeyWorkflowID] != task.Token {
			return nil
		}
		cleared = true
		return fs.SetMetadata(node.ID, map[string]string{content.KeyWorkflowID: ""})
	})
	if err != nil {
		return err
	}
	if cleared {
		logging.Info("workflow marker cleared", logging.Room(key.String()), logging.Path(task.Path), zap.String("task", task.ID))
	}
	return nil
}
