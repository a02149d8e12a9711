package tfs

import (
	"sort"
	"strings"

	"github.com/pmezard/go-difflib/difflib"
)

func (fs *FS) Read(p string) (string, error) {
	return fs.ReadKey(p, DefaultContentKey)
}

// ReadKey returns the text stored under contentKey of the file at p.
func (fs *FS) ReadKey(p, contentKey string) (string, error) {
	p = Clean(p)
	node, err := fs.Resolve(p)
	if err != nil {
		return "", pathErr("read", p, ErrNotFound)
	}
	if node.Type != TypeFile {
		return "", pathErr("read", p, ErrNotAFile)
	}
	return fs.doc.Text(contentObject(node.ID, contentKey)), nil
}

// Remove deletes the node at p. A non-empty directory needs recursive;
// descendants are removed children first.
func (fs *FS) Remove(p string, recursive bool) error {
	p = Clean(p)
	if p == "/" {
		return pathErr("remove", p, ErrInvalidPath)
	}
	node, err := fs.Resolve(p)
	if err != nil {
		return pathErr("remove", p, ErrNotFound)
	}
	if node.Type == TypeDir && len(fs.children[node.ID]) > 0 && !recursive {
		return pathErr("remove", p, ErrNotEmpty)
	}
	var order []string
	var collect func(id string)
	collect = func(id string) {
		for _, kid := range fs.children[id] {
			collect(kid)
		}
		order = append(order, id)
	}
	collect(node.ID)
	fs.detach(node.ID)
	for _, id := range order {
		if err := fs.doc.Set(id, fieldDeleted, "1"); err != nil {
			return err
		}
		delete(fs.nodes, id)
		delete(fs.parents, id)
		delete(fs.children, id)
	}
	return nil
}

// Move reparents the node at from into the directory at to, keeping its
// name, metadata and subtree. It returns the node's new path.
func (fs *FS) Move(from, to string) (string, error) {
	from = Clean(from)
	to = Clean(to)
	node, err := fs.Resolve(from)
	if err != nil {
		return "", pathErr("move", from, ErrNotFound)
	}
	target, err := fs.Resolve(to)
	if err != nil {
		return "", pathErr("move", to, ErrNotFound)
	}
	if target.Type != TypeDir {
		return "", pathErr("move", to, ErrNotADirectory)
	}
	if node.ID == RootID || Within(from, to) {
		return "", pathErr("move", from, ErrInvalidPath)
	}
	if fs.parents[node.ID] != target.ID {
		if err := fs.doc.Set(node.ID, fieldParent, target.ID); err != nil {
			return "", err
		}
		fs.detach(node.ID)
		node.Parent = target.ID
		fs.parents[node.ID] = target.ID
		fs.children[target.ID] = append(fs.children[target.ID], node.ID)
		sort.Strings(fs.children[target.ID])
	}
	return Join(to, node.Name), nil
}

type WriteOptions struct {
	// Content replaces the file text when non-nil.
	Content         *string
	CreateIfMissing bool
	// Metadata entries are applied in key order; an empty value removes
	// the key.
	Metadata   map[string]string
	ContentKey string
}

type WriteResult struct {
	NodeID  string
	Path    string
	Created bool
}

// Write updates or creates the file at p. Missing parent directories are
// created along with the file when CreateIfMissing is set.
func (fs *FS) Write(p string, opts WriteOptions) (WriteResult, error) {
	p = Clean(p)
	if p == "/" {
		return WriteResult{}, pathErr("write", p, ErrNotAFile)
	}
	created := false
	node, err := fs.Resolve(p)
	if err == nil {
		if node.Type != TypeFile {
			return WriteResult{}, pathErr("write", p, ErrNotAFile)
		}
	} else {
		if !opts.CreateIfMissing {
			return WriteResult{}, pathErr("write", p, ErrNotFound)
		}
		node, err = fs.createPath(p)
		if err != nil {
			return WriteResult{}, err
		}
		created = true
	}
	object := contentObject(node.ID, opts.ContentKey)
	if created {
		if err := fs.doc.EnsureLines(object); err != nil {
			return WriteResult{}, err
		}
	}
	if opts.Content != nil {
		if err := fs.applyContent(object, *opts.Content); err != nil {
			return WriteResult{}, err
		}
	}
	if err := fs.setMetadata(node, opts.Metadata); err != nil {
		return WriteResult{}, err
	}
	return WriteResult{NodeID: node.ID, Path: p, Created: created}, nil
}

// SetMetadata updates metadata on an existing node by id.
func (fs *FS) SetMetadata(id string, entries map[string]string) error {
	node, ok := fs.nodes[id]
	if !ok {
		return pathErr("write", id, ErrNotFound)
	}
	return fs.setMetadata(node, entries)
}

// setMetadata applies entries in key order; an empty value removes the key.
func (fs *FS) setMetadata(node *Node, entries map[string]string) error {
	keys := make([]string, 0, len(entries))
	for key := range entries {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		value := entries[key]
		if value == "" {
			if err := fs.doc.Unset(node.ID, metaPrefix+key); err != nil {
				return err
			}
			delete(node.Metadata, key)
			continue
		}
		if err := fs.doc.Set(node.ID, metaPrefix+key, value); err != nil {
			return err
		}
		node.Metadata[key] = value
	}
	return nil
}

func (fs *FS) createPath(p string) (*Node, error) {
	segments := Segments(p)
	current := fs.nodes[RootID]
	walked := ""
	for i, segment := range segments {
		walked += "/" + segment
		last := i == len(segments)-1
		next := fs.child(current.ID, segment)
		switch {
		case next == nil && last:
			return fs.create(current.ID, segment, TypeFile)
		case next == nil:
			var err error
			if next, err = fs.create(current.ID, segment, TypeDir); err != nil {
				return nil, err
			}
		case !last && next.Type != TypeDir:
			return nil, pathErr("write", walked, ErrNotADirectory)
		}
		current = next
	}
	return current, nil
}

// applyContent rewrites a line sequence as a line diff so that unchanged
// lines keep their identity in the replicated history.
func (fs *FS) applyContent(object, text string) error {
	before := fs.doc.Lines(object)
	after := splitLines(text)
	opcodes := difflib.NewMatcher(before, after).GetOpCodes()
	for i := len(opcodes) - 1; i >= 0; i-- {
		op := opcodes[i]
		if op.Tag == 'r' || op.Tag == 'd' {
			if err := fs.doc.DeleteLines(object, op.I1, op.I2-op.I1); err != nil {
				return err
			}
		}
		if op.Tag == 'r' || op.Tag == 'i' {
			if err := fs.doc.InsertLines(object, op.I1, after[op.J1:op.J2]); err != nil {
				return err
			}
		}
	}
	return nil
}

// splitLines keeps line terminators so that joining the result gives the
// input back exactly.
func splitLines(text string) []string {
	if text == "" {
		return nil
	}
	lines := strings.SplitAfter(text, "\n")
	if lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	return lines
}
