// Package mountsync mounts one room's tree onto a local directory. Server
// changes arrive over the sync relay into a local replica and are written
// out as plain files; local edits are pushed back through the tree API so
// they pass the write pipeline like any other write.
package mountsync

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/zeebo/blake3"
	"go.uber.org/zap"
	"nhooyr.io/websocket"

	"github.com/rectangular-labs/workspacesync/internal/crdt"
	"github.com/rectangular-labs/workspacesync/internal/logging"
	"github.com/rectangular-labs/workspacesync/internal/relay"
	"github.com/rectangular-labs/workspacesync/internal/room"
	"github.com/rectangular-labs/workspacesync/internal/tfs"
)

const (
	DefaultPushInterval      = 2 * time.Second
	DefaultReconnectDelay    = 500 * time.Millisecond
	DefaultMaxReconnectDelay = 30 * time.Second
	defaultMaxFrameBytes     = 4 << 20
	stateFileName            = ".workspacesync-mount.json"
)

// JoinError is the relay refusing the room. It ends Run.
type JoinError struct {
	Room    string
	Code    relay.Code
	Message string
}

func (e *JoinError) Error() string {
	return fmt.Sprintf("join %s refused: %s: %s", e.Room, e.Code, e.Message)
}

type SyncerOptions struct {
	// SyncURL is the relay endpoint, ws://host/v1/sync.
	SyncURL    string
	Token      string
	Room       room.Key
	RemoteRoot string
	LocalRoot  string
	StateFile  string
	ContentKey string

	PushInterval      time.Duration
	IntervalJitter    float64
	ReconnectDelay    time.Duration
	MaxReconnectDelay time.Duration
	MaxFrameBytes     int64
	// Once stops Run after the first full catch-up and push.
	Once bool
}

type Syncer struct {
	remote Remote
	opts   SyncerOptions

	remoteRoot string
	localRoot  string
	stateFile  string
	contentKey string
	rng        *rand.Rand

	doc     *crdt.Doc
	batches map[string]*fragmentBatch
	state   mountState
	loaded  bool
	// target is the server version from the last JoinResponse; nil once
	// the replica has caught up with it.
	target crdt.StateVector
}

type mountState struct {
	Room    string                 `json:"room"`
	Files   map[string]trackedFile `json:"files"`
	Replica []byte                 `json:"replica,omitempty"`
}

// trackedFile is the content hash last agreed with the server.
type trackedFile struct {
	Hash string `json:"hash"`
}

type localSnapshot struct {
	Content string
	Hash    string
}

type fragmentBatch struct {
	parts    [][]byte
	received int
	size     int
}

func NewSyncer(remote Remote, opts SyncerOptions) (*Syncer, error) {
	if remote == nil {
		return nil, fmt.Errorf("remote is required")
	}
	if err := opts.Room.Validate(); err != nil {
		return nil, err
	}
	localRootRaw := strings.TrimSpace(opts.LocalRoot)
	if localRootRaw == "" {
		return nil, fmt.Errorf("local root is required")
	}
	localRoot := filepath.Clean(localRootRaw)
	stateFile := strings.TrimSpace(opts.StateFile)
	if stateFile == "" {
		stateFile = filepath.Join(localRoot, stateFileName)
	}
	contentKey := opts.ContentKey
	if contentKey == "" {
		contentKey = tfs.DefaultContentKey
	}
	if opts.PushInterval <= 0 {
		opts.PushInterval = DefaultPushInterval
	}
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = DefaultReconnectDelay
	}
	if opts.MaxReconnectDelay <= 0 {
		opts.MaxReconnectDelay = DefaultMaxReconnectDelay
	}
	if opts.MaxFrameBytes <= 0 {
		opts.MaxFrameBytes = defaultMaxFrameBytes
	}
	opts.IntervalJitter = clampJitterRatio(opts.IntervalJitter)
	if err := os.MkdirAll(localRoot, 0o755); err != nil {
		return nil, err
	}
	return &Syncer{
		remote:     remote,
		opts:       opts,
		remoteRoot: tfs.Clean(opts.RemoteRoot),
		localRoot:  localRoot,
		stateFile:  stateFile,
		contentKey: contentKey,
		rng:        rand.New(rand.NewSource(time.Now().UnixNano())),
		doc:        crdt.NewDoc(0),
		batches:    map[string]*fragmentBatch{},
		state:      mountState{Files: map[string]trackedFile{}},
	}, nil
}

// Run keeps the mount connected until ctx ends, reconnecting with
// backoff. It returns early on a JoinError, or after one pass in Once
// mode.
func (s *Syncer) Run(ctx context.Context) error {
	if err := s.loadState(); err != nil {
		return err
	}
	attempt := 0
	for {
		done, joined, err := s.session(ctx)
		if done {
			return err
		}
		if ctx.Err() != nil {
			return nil
		}
		var joinErr *JoinError
		if errors.As(err, &joinErr) {
			return err
		}
		if joined {
			attempt = 0
		}
		attempt++
		delay := jitteredIntervalWithSample(backoff(s.opts.ReconnectDelay, s.opts.MaxReconnectDelay, attempt), s.opts.IntervalJitter, s.rng.Float64())
		logging.Warn("mount connection lost", logging.Room(s.opts.Room.String()), logging.Err(err), logging.Duration("retry_in", delay))
		if waitWithContext(ctx, delay) != nil {
			return nil
		}
	}
}

// session serves one connection. done reports a finished Once pass.
func (s *Syncer) session(ctx context.Context) (done, joined bool, err error) {
	sctx, cancel := context.WithCancel(ctx)
	defer cancel()

	header := http.Header{}
	header.Set("Authorization", "Bearer "+s.opts.Token)
	conn, _, err := websocket.Dial(sctx, s.opts.SyncURL, &websocket.DialOptions{HTTPHeader: header})
	if err != nil {
		return false, false, err
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "") }()
	conn.SetReadLimit(s.opts.MaxFrameBytes)

	version, err := s.doc.EncodeStateVector()
	if err != nil {
		return false, false, err
	}
	join := relay.Join{RoomID: s.opts.Room.String(), CRDTType: relay.CRDTType, Version: version}
	if err := send(sctx, conn, join); err != nil {
		return false, false, err
	}

	frames := make(chan []byte)
	readErr := make(chan error, 1)
	go func() {
		for {
			_, data, err := conn.Read(sctx)
			if err != nil {
				readErr <- err
				return
			}
			select {
			case frames <- data:
			case <-sctx.Done():
				return
			}
		}
	}()

	ticker := time.NewTicker(s.opts.PushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return false, joined, ctx.Err()
		case err := <-readErr:
			return false, joined, err
		case frame := <-frames:
			msg, err := relay.Decode(frame)
			if err != nil {
				logging.Warn("mount dropped undecodable frame", logging.Err(err))
				continue
			}
			replies, err := s.receive(msg)
			if err != nil {
				return false, joined, err
			}
			for _, reply := range replies {
				if err := send(sctx, conn, reply); err != nil {
					return false, joined, err
				}
			}
			if _, ok := msg.(relay.JoinResponse); ok {
				joined = true
			}
			if joined && s.CaughtUp() && s.opts.Once {
				return true, joined, s.push(sctx)
			}
		case <-ticker.C:
			if !joined {
				continue
			}
			if err := s.push(sctx); err != nil {
				logging.Warn("mount push failed", logging.Room(s.opts.Room.String()), logging.Err(err))
			}
		}
	}
}

func send(ctx context.Context, conn *websocket.Conn, msg relay.Message) error {
	frame, err := relay.Encode(msg)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageBinary, frame)
}

// CaughtUp reports whether the replica holds everything the server had
// when the mount last joined.
func (s *Syncer) CaughtUp() bool {
	return s.target == nil
}

// receive applies one relay message and returns the messages to send
// back.
func (s *Syncer) receive(msg relay.Message) ([]relay.Message, error) {
	switch m := msg.(type) {
	case relay.JoinResponse:
		serverSV, err := crdt.DecodeStateVector(m.Version)
		if err != nil {
			return nil, err
		}
		s.target = serverSV
		s.checkCaughtUp()
		missing, err := s.doc.EncodeStateAsUpdate(serverSV)
		if err != nil || missing == nil {
			return nil, err
		}
		logging.Info("mount restoring ops the server lacks", logging.Room(m.RoomID), logging.Int("bytes", len(missing)))
		return relay.SplitUpdate(m.RoomID, missing, relay.MaxUpdateBytes), nil
	case relay.JoinError:
		return nil, &JoinError{Room: m.RoomID, Code: m.Code, Message: m.Message}
	case relay.Update:
		return nil, s.applyUpdates(m.Updates)
	case relay.FragmentHeader:
		if m.FragmentCount <= 0 {
			return nil, nil
		}
		s.batches[m.BatchID] = &fragmentBatch{parts: make([][]byte, m.FragmentCount), size: m.TotalSizeBytes}
	case relay.Fragment:
		b, ok := s.batches[m.BatchID]
		if !ok || m.Index < 0 || m.Index >= len(b.parts) {
			return nil, nil
		}
		if b.parts[m.Index] == nil {
			b.parts[m.Index] = m.Bytes
			b.received++
		}
		if b.received < len(b.parts) {
			return nil, nil
		}
		delete(s.batches, m.BatchID)
		update := bytes.Join(b.parts, nil)
		if len(update) != b.size {
			logging.Warn("mount dropped fragmented update", zap.String("batch", m.BatchID), logging.Int("size", len(update)), logging.Int("declared", b.size))
			return nil, nil
		}
		return nil, s.applyUpdates([][]byte{update})
	case relay.UpdateError:
		logging.Warn("relay rejected mount update", logging.Room(m.RoomID), zap.String("code", string(m.Code)), zap.String("message", m.Message))
	}
	return nil, nil
}

func (s *Syncer) applyUpdates(updates [][]byte) error {
	for _, update := range updates {
		if err := s.doc.ApplyUpdate(update); err != nil {
			logging.Warn("mount skipped invalid update", logging.Err(err))
		}
	}
	s.checkCaughtUp()
	return s.materialize()
}

func (s *Syncer) checkCaughtUp() {
	if s.target == nil {
		return
	}
	local := s.doc.StateVector()
	for client, clock := range s.target {
		if local[client] < clock {
			return
		}
	}
	s.target = nil
	logging.Debug("mount caught up", logging.Room(s.opts.Room.String()))
}

// materialize writes the replica's files under the remote root to disk
// and removes files the server no longer has.
func (s *Syncer) materialize() error {
	tree := tfs.Open(s.doc)
	seen := map[string]struct{}{}
	for _, file := range tree.Files() {
		if file.Path == s.remoteRoot || !tfs.Within(s.remoteRoot, file.Path) {
			continue
		}
		text, err := tree.ReadKey(file.Path, s.contentKey)
		if err != nil {
			continue
		}
		seen[file.Path] = struct{}{}
		if err := s.applyRemoteFile(file.Path, text); err != nil {
			return err
		}
	}
	for _, remotePath := range sortedPaths(s.state.Files) {
		if _, ok := seen[remotePath]; !ok {
			s.applyRemoteDelete(remotePath)
		}
	}
	return s.saveState()
}

func (s *Syncer) applyRemoteFile(remotePath, text string) error {
	localPath, err := remoteToLocalPath(s.localRoot, s.remoteRoot, remotePath)
	if err != nil {
		return nil
	}
	remoteHash := hashString(text)
	tracked, isTracked := s.state.Files[remotePath]
	current, err := os.ReadFile(localPath)
	switch {
	case err == nil && hashBytes(current) == remoteHash:
	case err == nil && (!isTracked || hashBytes(current) != tracked.Hash):
		// Unpushed local edit; the next push sends it.
		return nil
	case err != nil && !errors.Is(err, os.ErrNotExist):
		logging.Warn("mount cannot read local file", logging.Path(remotePath), logging.Err(err))
		return nil
	case err != nil && isTracked:
		// Deleted locally; the next push removes it remotely.
		return nil
	default:
		if err := os.MkdirAll(filepath.Dir(localPath), 0o755); err != nil {
			return err
		}
		if err := writeFileAtomic(localPath, []byte(text), 0o644); err != nil {
			return err
		}
	}
	s.state.Files[remotePath] = trackedFile{Hash: remoteHash}
	return nil
}

func (s *Syncer) applyRemoteDelete(remotePath string) {
	tracked := s.state.Files[remotePath]
	delete(s.state.Files, remotePath)
	localPath, err := remoteToLocalPath(s.localRoot, s.remoteRoot, remotePath)
	if err != nil {
		return
	}
	current, err := os.ReadFile(localPath)
	if err != nil || hashBytes(current) != tracked.Hash {
		// Edited since; left in place and pushed again as a new file.
		return
	}
	_ = os.Remove(localPath)
	pruneEmptyDirs(s.localRoot, filepath.Dir(localPath))
}

// push sends local changes since the last agreed state.
func (s *Syncer) push(ctx context.Context) error {
	localFiles, err := s.scanLocalFiles()
	if err != nil {
		return err
	}
	tree := tfs.Open(s.doc)
	for _, remotePath := range sortedPaths(localFiles) {
		snapshot := localFiles[remotePath]
		tracked, isTracked := s.state.Files[remotePath]
		if isTracked && tracked.Hash == snapshot.Hash {
			continue
		}
		if !isTracked {
			if text, err := tree.ReadKey(remotePath, s.contentKey); err == nil && hashString(text) == snapshot.Hash {
				s.state.Files[remotePath] = trackedFile{Hash: snapshot.Hash}
				continue
			}
		}
		err := s.remote.WriteFile(ctx, s.opts.Room, remotePath, s.contentKey, snapshot.Content)
		if rejected(err) {
			logging.Warn("mount write rejected; keeping local content", logging.Path(remotePath), logging.Err(err))
			continue
		}
		if err != nil {
			return err
		}
		s.state.Files[remotePath] = trackedFile{Hash: snapshot.Hash}
	}

	for _, remotePath := range sortedPaths(s.state.Files) {
		if _, ok := localFiles[remotePath]; ok {
			continue
		}
		err := s.remote.DeleteFile(ctx, s.opts.Room, remotePath)
		var httpErr *HTTPError
		switch {
		case err == nil, errors.As(err, &httpErr) && httpErr.StatusCode == http.StatusNotFound:
			delete(s.state.Files, remotePath)
		case rejected(err):
			logging.Warn("mount delete rejected", logging.Path(remotePath), logging.Err(err))
		default:
			return err
		}
	}
	return s.saveState()
}

// rejected reports a refusal that retrying the same request cannot fix.
func rejected(err error) bool {
	if errors.Is(err, ErrConflict) {
		return true
	}
	var httpErr *HTTPError
	return errors.As(err, &httpErr) && httpErr.StatusCode >= 400 && httpErr.StatusCode < 500 &&
		httpErr.StatusCode != http.StatusNotFound && httpErr.StatusCode != http.StatusTooManyRequests &&
		httpErr.StatusCode != http.StatusUnauthorized && httpErr.StatusCode != http.StatusForbidden
}

func (s *Syncer) scanLocalFiles() (map[string]localSnapshot, error) {
	results := map[string]localSnapshot{}
	statePathAbs, err := filepath.Abs(s.stateFile)
	if err != nil {
		return nil, err
	}
	err = filepath.WalkDir(s.localRoot, func(path string, d os.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if path != s.localRoot && strings.HasPrefix(d.Name(), ".") {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			return nil
		}
		if absPath, err := filepath.Abs(path); err == nil && absPath == statePathAbs {
			return nil
		}
		remotePath, err := localToRemotePath(s.localRoot, s.remoteRoot, path)
		if err != nil {
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		results[remotePath] = localSnapshot{Content: string(data), Hash: hashBytes(data)}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return results, nil
}

func (s *Syncer) loadState() error {
	if s.loaded {
		return nil
	}
	s.loaded = true
	data, err := os.ReadFile(s.stateFile)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	var state mountState
	if err := json.Unmarshal(data, &state); err != nil {
		return err
	}
	if state.Room != s.opts.Room.String() {
		return fmt.Errorf("state file %s belongs to room %q", s.stateFile, state.Room)
	}
	if state.Files == nil {
		state.Files = map[string]trackedFile{}
	}
	if len(state.Replica) > 0 {
		if err := s.doc.ApplyUpdate(state.Replica); err != nil {
			return fmt.Errorf("restore replica: %w", err)
		}
	}
	s.state = state
	return nil
}

func (s *Syncer) saveState() error {
	s.state.Room = s.opts.Room.String()
	replica, err := s.doc.EncodeStateAsUpdate(nil)
	if err != nil {
		return err
	}
	s.state.Replica = replica
	data, err := json.Marshal(s.state)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.stateFile), 0o755); err != nil {
		return err
	}
	return writeFileAtomic(s.stateFile, data, 0o644)
}

func sortedPaths[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for p := range m {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

func remoteToLocalPath(localRoot, remoteRoot, remotePath string) (string, error) {
	remotePath = tfs.Clean(remotePath)
	if !tfs.Within(remoteRoot, remotePath) {
		return "", fmt.Errorf("remote path %s is outside root %s", remotePath, remoteRoot)
	}
	rel := strings.TrimPrefix(strings.TrimPrefix(remotePath, remoteRoot), "/")
	if rel == "" {
		return "", fmt.Errorf("remote path %s cannot map to local root", remotePath)
	}
	return filepath.Join(filepath.Clean(localRoot), filepath.FromSlash(rel)), nil
}

func localToRemotePath(localRoot, remoteRoot, localPath string) (string, error) {
	rel, err := filepath.Rel(localRoot, localPath)
	if err != nil {
		return "", err
	}
	if rel == "." {
		return "", fmt.Errorf("local root is not a file")
	}
	rel = filepath.ToSlash(rel)
	if strings.HasPrefix(rel, "../") || rel == ".." {
		return "", fmt.Errorf("path %s escapes local root", localPath)
	}
	return tfs.Join(remoteRoot, rel), nil
}

// pruneEmptyDirs removes dir and its empty parents up to root.
func pruneEmptyDirs(root, dir string) {
	root = filepath.Clean(root)
	for dir = filepath.Clean(dir); dir != root && strings.HasPrefix(dir, root); dir = filepath.Dir(dir) {
		if os.Remove(dir) != nil {
			return
		}
	}
}

func hashBytes(b []byte) string {
	sum := blake3.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func hashString(s string) string {
	return hashBytes([]byte(s))
}

func clampJitterRatio(value float64) float64 {
	return max(0, min(value, 1))
}

// jitteredIntervalWithSample scales base by a factor in
// [1-ratio, 1+ratio] picked by sample in [0, 1].
func jitteredIntervalWithSample(base time.Duration, jitterRatio, sample float64) time.Duration {
	if base <= 0 {
		return 0
	}
	jitterRatio = clampJitterRatio(jitterRatio)
	if jitterRatio == 0 {
		return base
	}
	sample = max(0, min(sample, 1))
	factor := max(0, 1+((sample*2)-1)*jitterRatio)
	return max(time.Duration(float64(base)*factor), time.Millisecond)
}

func writeFileAtomic(path string, data []byte, mode os.FileMode) error {
	dir := filepath.Dir(path)
	tmpFile, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmpFile.Name()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()
	if _, err := tmpFile.Write(data); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Chmod(mode); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return err
	}
	committed = true
	return nil
}
