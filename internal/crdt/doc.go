// Package crdt adapts an automerge document to the register and line
// model the workspace tree is written against.
//
// Registers are string values grouped by object and stored as flat keys of
// the document's root map, so concurrent writers never race to create a
// container. Each object's text is a list of lines under its own root key.
//
// Every local mutation is committed as one automerge change. A change is
// identified by its actor, which encodes the uint64 client id, and its
// per-actor sequence number, so a state vector of per-client maxima is
// enough to compute the changes a peer is missing. Remote changes whose
// dependencies have not arrived wait in a bounded pending index and are
// applied once they can be.
//
// A Doc is not safe for concurrent use; callers serialize access.
package crdt

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/automerge/automerge-go"
)

var (
	ErrInvalidUpdate      = errors.New("invalid update")
	ErrInvalidStateVector = errors.New("invalid state vector")
)

const (
	DefaultMaxPending          = 4096
	DefaultMaxPendingPerClient = 512
	DefaultMaxClockGap         = 1024
)

const (
	registerPrefix = "r\x1f"
	linesPrefix    = "l\x1f"
	keySeparator   = "\x1f"
)

// StateVector maps a client id to the highest contiguous sequence seen.
type StateVector map[uint64]uint64

// ChangeID names one change in an encoded update.
type ChangeID struct {
	Client uint64
	Seq    uint64
}

// Limits bound the remote changes held while their dependencies are
// missing. An update that would exceed them is rejected whole.
type Limits struct {
	MaxPending          int
	MaxPendingPerClient int
	// MaxClockGap is how far past the state vector a change may be.
	MaxClockGap uint64
}

func DefaultLimits() Limits {
	return Limits{
		MaxPending:          DefaultMaxPending,
		MaxPendingPerClient: DefaultMaxPendingPerClient,
		MaxClockGap:         DefaultMaxClockGap,
	}
}

type Doc struct {
	am      *automerge.Doc
	client  uint64
	actor   string
	limits  Limits
	sv      StateVector
	changes int
	pending map[uint64]map[uint64]*automerge.Change
	npend   int
	taken   []automerge.ChangeHash
	// index caches the registers; nil after a remote apply.
	index map[string]map[string]string
}

// NewDoc returns an empty document. A zero client picks a random id.
func NewDoc(client uint64) *Doc {
	for client == 0 {
		client = rand.Uint64()
	}
	am := automerge.New()
	actor := actorID(client)
	if err := am.SetActorID(actor); err != nil {
		panic(fmt.Sprintf("crdt: set actor %s: %v", actor, err))
	}
	return &Doc{
		am:      am,
		client:  client,
		actor:   actor,
		limits:  DefaultLimits(),
		sv:      StateVector{},
		pending: map[uint64]map[uint64]*automerge.Change{},
	}
}

func actorID(client uint64) string {
	return fmt.Sprintf("%016x", client)
}

func parseActor(actor string) (uint64, error) {
	if len(actor) != 16 {
		return 0, fmt.Errorf("actor %q is not a client id", actor)
	}
	client, err := strconv.ParseUint(actor, 16, 64)
	if err != nil || client == 0 {
		return 0, fmt.Errorf("actor %q is not a client id", actor)
	}
	return client, nil
}

func (d *Doc) ClientID() uint64 {
	return d.client
}

// SetLimits replaces the pending limits. Zero fields keep the defaults.
func (d *Doc) SetLimits(l Limits) {
	def := DefaultLimits()
	if l.MaxPending <= 0 {
		l.MaxPending = def.MaxPending
	}
	if l.MaxPendingPerClient <= 0 {
		l.MaxPendingPerClient = def.MaxPendingPerClient
	}
	if l.MaxClockGap == 0 {
		l.MaxClockGap = def.MaxClockGap
	}
	d.limits = l
}

// Empty reports whether no change has been applied yet.
func (d *Doc) Empty() bool {
	return d.changes == 0
}

// PendingCount is the number of received changes still waiting on
// dependencies.
func (d *Doc) PendingCount() int {
	return d.npend
}

// ChangeCount is the number of applied changes. It only grows.
func (d *Doc) ChangeCount() int {
	return d.changes
}

func (d *Doc) StateVector() StateVector {
	out := make(StateVector, len(d.sv))
	for client, seq := range d.sv {
		out[client] = seq
	}
	return out
}

func registerKey(object, key string) string {
	return registerPrefix + object + keySeparator + key
}

func linesKey(object string) string {
	return linesPrefix + object
}

func (d *Doc) registers() map[string]map[string]string {
	if d.index != nil {
		return d.index
	}
	index := map[string]map[string]string{}
	values, err := d.am.RootMap().Values()
	if err != nil {
		return index
	}
	for k, v := range values {
		rest, ok := strings.CutPrefix(k, registerPrefix)
		if !ok || v.Kind() != automerge.KindStr {
			continue
		}
		object, key, ok := strings.Cut(rest, keySeparator)
		if !ok {
			continue
		}
		if index[object] == nil {
			index[object] = map[string]string{}
		}
		index[object][key] = v.Str()
	}
	d.index = index
	return index
}

// Get returns the current value of a register.
func (d *Doc) Get(object, key string) (string, bool) {
	value, ok := d.registers()[object][key]
	return value, ok
}

// Fields returns every present register of an object.
func (d *Doc) Fields(object string) map[string]string {
	out := map[string]string{}
	for key, value := range d.registers()[object] {
		out[key] = value
	}
	return out
}

// Objects lists objects that hold at least one register, sorted.
func (d *Doc) Objects() []string {
	regs := d.registers()
	out := make([]string, 0, len(regs))
	for object, fields := range regs {
		if len(fields) > 0 {
			out = append(out, object)
		}
	}
	sort.Strings(out)
	return out
}

func (d *Doc) list(object string) (*automerge.List, error) {
	v, err := d.am.RootMap().Get(linesKey(object))
	if err != nil {
		return nil, err
	}
	if v.Kind() != automerge.KindList {
		return nil, nil
	}
	return v.List(), nil
}

// Lines returns the lines of an object's text in order.
func (d *Doc) Lines(object string) []string {
	l, err := d.list(object)
	if err != nil || l == nil {
		return nil
	}
	values, err := l.Values()
	if err != nil {
		return nil
	}
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v.Kind() == automerge.KindStr {
			out = append(out, v.Str())
		}
	}
	return out
}

func (d *Doc) Text(object string) string {
	return strings.Join(d.Lines(object), "")
}

// Set writes a register. Writing the value it already holds is a no-op.
// Object names must not contain the unit separator.
func (d *Doc) Set(object, key, value string) error {
	if current, ok := d.Get(object, key); ok && current == value {
		return nil
	}
	if err := d.am.RootMap().Set(registerKey(object, key), value); err != nil {
		return err
	}
	if d.index != nil {
		if d.index[object] == nil {
			d.index[object] = map[string]string{}
		}
		d.index[object][key] = value
	}
	return d.commit()
}

// Unset clears a register.
func (d *Doc) Unset(object, key string) error {
	if _, ok := d.Get(object, key); !ok {
		return nil
	}
	if err := d.am.RootMap().Delete(registerKey(object, key)); err != nil {
		return err
	}
	if d.index != nil {
		delete(d.index[object], key)
	}
	return d.commit()
}

// EnsureLines creates the line list of an object if it has none, so later
// concurrent edits land in the same list.
func (d *Doc) EnsureLines(object string) error {
	_, err := d.ensureList(object)
	return err
}

func (d *Doc) ensureList(object string) (*automerge.List, error) {
	l, err := d.list(object)
	if err != nil || l != nil {
		return l, err
	}
	l = automerge.NewList()
	if err := d.am.RootMap().Set(linesKey(object), l); err != nil {
		return nil, err
	}
	return l, d.commit()
}

// InsertLines inserts lines before the line at pos.
func (d *Doc) InsertLines(object string, pos int, lines []string) error {
	l, err := d.ensureList(object)
	if err != nil {
		return err
	}
	if len(lines) == 0 {
		return nil
	}
	pos = max(0, min(pos, l.Len()))
	values := make([]any, len(lines))
	for i, line := range lines {
		values[i] = line
	}
	if err := l.Insert(pos, values...); err != nil {
		return err
	}
	return d.commit()
}

// DeleteLines removes n lines starting at pos.
func (d *Doc) DeleteLines(object string, pos, n int) error {
	l, err := d.list(object)
	if err != nil || l == nil {
		return err
	}
	length := l.Len()
	if pos < 0 || n <= 0 || pos >= length {
		return nil
	}
	n = min(n, length-pos)
	for i := 0; i < n; i++ {
		if err := l.Delete(pos); err != nil {
			return err
		}
	}
	return d.commit()
}

// commit seals outstanding operations into a change without a timestamp so
// equal edits hash equally.
func (d *Doc) commit() error {
	hash, err := d.am.Commit("", automerge.CommitOptions{Time: &time.Time{}})
	if err != nil {
		return err
	}
	ch, err := d.am.Change(hash)
	if err != nil {
		return err
	}
	d.sv[d.client] = ch.ActorSeq()
	d.changes++
	return nil
}

// TakeLocalUpdate encodes the changes made locally since the previous call.
// It returns nil when nothing changed.
func (d *Doc) TakeLocalUpdate() ([]byte, error) {
	since, err := d.am.Changes(d.taken...)
	if err != nil {
		return nil, err
	}
	var own []*automerge.Change
	for _, ch := range since {
		if ch.ActorID() == d.actor {
			own = append(own, ch)
		}
	}
	d.taken = d.am.Heads()
	if len(own) == 0 {
		return nil, nil
	}
	return automerge.SaveChanges(own), nil
}

// ApplyUpdate applies a remote update. Changes already seen are ignored and
// changes with missing dependencies wait in the pending index. A malformed
// update, or one that would overflow the pending limits, is rejected before
// anything is applied.
func (d *Doc) ApplyUpdate(data []byte) error {
	changes, ids, err := decodeChanges(data)
	if err != nil {
		return err
	}
	if err := d.admit(changes, ids); err != nil {
		return err
	}
	for i, ch := range changes {
		id := ids[i]
		if id.Seq <= d.sv[id.Client] {
			continue
		}
		byClient := d.pending[id.Client]
		if byClient == nil {
			byClient = map[uint64]*automerge.Change{}
			d.pending[id.Client] = byClient
		}
		if _, dup := byClient[id.Seq]; !dup {
			d.npend++
		}
		byClient[id.Seq] = ch
	}
	return d.drain()
}

// admit checks an update against the pending limits by replaying it over a
// copy of the state vector.
func (d *Doc) admit(changes []*automerge.Change, ids []ChangeID) error {
	sim := d.StateVector()
	batch := map[automerge.ChangeHash]bool{}
	waiting := map[uint64]int{}
	total := 0
	for i, ch := range changes {
		id := ids[i]
		seen := sim[id.Client]
		if id.Seq <= seen {
			continue
		}
		if id.Seq > seen+d.limits.MaxClockGap {
			return fmt.Errorf("%w: change %d of client %x is %d past the known sequence", ErrInvalidUpdate, id.Seq, id.Client, id.Seq-seen)
		}
		if id.Seq == seen+1 && d.depsKnown(ch, batch) {
			sim[id.Client] = id.Seq
			batch[ch.Hash()] = true
			continue
		}
		if _, queued := d.pending[id.Client][id.Seq]; queued {
			continue
		}
		waiting[id.Client]++
		total++
	}
	if d.npend+total > d.limits.MaxPending {
		return fmt.Errorf("%w: %d changes already wait on dependencies", ErrInvalidUpdate, d.npend)
	}
	for client, n := range waiting {
		if len(d.pending[client])+n > d.limits.MaxPendingPerClient {
			return fmt.Errorf("%w: too many changes of client %x wait on dependencies", ErrInvalidUpdate, client)
		}
	}
	return nil
}

func (d *Doc) depsKnown(ch *automerge.Change, batch map[automerge.ChangeHash]bool) bool {
	for _, dep := range ch.Dependencies() {
		if batch[dep] {
			continue
		}
		if _, err := d.am.Change(dep); err != nil {
			return false
		}
	}
	return true
}

// drain applies every pending change whose turn has come.
func (d *Doc) drain() error {
	for progress := true; progress; {
		progress = false
		for client, byClient := range d.pending {
			for {
				seen := d.sv[client]
				next := byClient[seen+1]
				if next == nil || !d.depsKnown(next, nil) {
					break
				}
				if err := d.am.Apply(next); err != nil {
					return fmt.Errorf("%w: %v", ErrInvalidUpdate, err)
				}
				delete(byClient, seen+1)
				d.npend--
				d.sv[client] = seen + 1
				d.changes++
				d.index = nil
				progress = true
			}
			if len(byClient) == 0 {
				delete(d.pending, client)
			}
		}
	}
	return nil
}

// EncodeStateAsUpdate returns the applied changes that a holder of sv is
// missing, or nil when there are none. A nil sv yields the full state.
func (d *Doc) EncodeStateAsUpdate(sv StateVector) ([]byte, error) {
	all, err := d.am.Changes()
	if err != nil {
		return nil, err
	}
	var missing []*automerge.Change
	for _, ch := range all {
		client, err := parseActor(ch.ActorID())
		if err != nil {
			return nil, err
		}
		if ch.ActorSeq() > sv[client] {
			missing = append(missing, ch)
		}
	}
	if len(missing) == 0 {
		return nil, nil
	}
	return automerge.SaveChanges(missing), nil
}

// Clone returns an independent copy of the applied state for readers.
// Pending changes are not carried over.
func (d *Doc) Clone() (*Doc, error) {
	forked, err := d.am.Fork()
	if err != nil {
		return nil, err
	}
	if err := forked.SetActorID(d.actor); err != nil {
		return nil, err
	}
	return &Doc{
		am:      forked,
		client:  d.client,
		actor:   d.actor,
		limits:  d.limits,
		sv:      d.StateVector(),
		changes: d.changes,
		pending: map[uint64]map[uint64]*automerge.Change{},
		taken:   append([]automerge.ChangeHash(nil), d.taken...),
	}, nil
}
