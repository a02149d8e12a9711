// Package tfs is the tree filesystem stored inside a replicated document.
//
// Nodes live in the document as register objects keyed by an opaque id:
// "type", "name", "parent", "deleted" and one "meta:<key>" register per
// metadata entry. A file's text is a line sequence on object
// "<id>#<contentKey>". The FS type is an arena index over those objects
// with a separate child table and parent lookup; it is rebuilt by Open and
// kept current by the mutating operations.
package tfs

import (
	"sort"
	"strings"

	"github.com/oklog/ulid/v2"

	"github.com/rectangular-labs/workspacesync/internal/crdt"
)

const (
	RootID            = "root"
	DefaultContentKey = "content"

	fieldType    = "type"
	fieldName    = "name"
	fieldParent  = "parent"
	fieldDeleted = "deleted"
	metaPrefix   = "meta:"
)

type NodeType string

const (
	TypeDir  NodeType = "dir"
	TypeFile NodeType = "file"
)

type Node struct {
	ID       string
	Type     NodeType
	Name     string
	Parent   string
	Metadata map[string]string
}

func (n *Node) IsDir() bool {
	return n != nil && n.Type == TypeDir
}

type FS struct {
	doc      *crdt.Doc
	nodes    map[string]*Node
	children map[string][]string
	parents  map[string]string
	newID    func() string
}

// Open indexes the tree held by doc. Nodes whose parent chain does not
// reach the root are left out.
func Open(doc *crdt.Doc) *FS {
	fs := &FS{
		doc:      doc,
		nodes:    map[string]*Node{},
		children: map[string][]string{},
		parents:  map[string]string{},
		newID:    func() string { return ulid.Make().String() },
	}
	all := map[string]*Node{}
	for _, object := range doc.Objects() {
		fields := doc.Fields(object)
		if fields[fieldDeleted] != "" {
			continue
		}
		kind := NodeType(fields[fieldType])
		if kind != TypeDir && kind != TypeFile {
			continue
		}
		node := &Node{
			ID:       object,
			Type:     kind,
			Name:     fields[fieldName],
			Parent:   fields[fieldParent],
			Metadata: map[string]string{},
		}
		for key, value := range fields {
			if strings.HasPrefix(key, metaPrefix) {
				node.Metadata[strings.TrimPrefix(key, metaPrefix)] = value
			}
		}
		all[object] = node
	}
	root, ok := all[RootID]
	if !ok || root.Type != TypeDir {
		root = &Node{ID: RootID, Type: TypeDir, Metadata: map[string]string{}}
	}
	root.Parent = ""
	all[RootID] = root

	byParent := map[string][]string{}
	for id, node := range all {
		if id == RootID {
			continue
		}
		byParent[node.Parent] = append(byParent[node.Parent], id)
	}
	queue := []string{RootID}
	fs.nodes[RootID] = root
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if fs.nodes[id].Type != TypeDir {
			continue
		}
		kids := byParent[id]
		sort.Strings(kids)
		for _, kid := range kids {
			fs.nodes[kid] = all[kid]
			fs.parents[kid] = id
			queue = append(queue, kid)
		}
		if len(kids) > 0 {
			fs.children[id] = kids
		}
	}
	return fs
}

// ensureRoot writes the root sentinel into an empty replica.
func (fs *FS) ensureRoot() error {
	if _, ok := fs.doc.Get(RootID, fieldType); ok {
		return nil
	}
	return fs.doc.Set(RootID, fieldType, string(TypeDir))
}

func (fs *FS) Root() *Node {
	return fs.nodes[RootID]
}

// Resolve walks the path from the root by name. With duplicate sibling
// names the oldest node wins.
func (fs *FS) Resolve(p string) (*Node, error) {
	p = Clean(p)
	current := fs.nodes[RootID]
	for _, segment := range Segments(p) {
		if current.Type != TypeDir {
			return nil, pathErr("resolve", p, ErrNotFound)
		}
		next := fs.child(current.ID, segment)
		if next == nil {
			return nil, pathErr("resolve", p, ErrNotFound)
		}
		current = next
	}
	return current, nil
}

func (fs *FS) NodeByID(id string) (*Node, bool) {
	node, ok := fs.nodes[id]
	return node, ok
}

// PathOf rebuilds the path of a reachable node.
func (fs *FS) PathOf(id string) (string, bool) {
	if _, ok := fs.nodes[id]; !ok {
		return "", false
	}
	var names []string
	for current := id; current != RootID; current = fs.parents[current] {
		names = append(names, fs.nodes[current].Name)
	}
	for i, j := 0, len(names)-1; i < j; i, j = i+1, j-1 {
		names[i], names[j] = names[j], names[i]
	}
	return Clean("/" + strings.Join(names, "/")), true
}

// Children returns the child nodes of a directory in creation order.
func (fs *FS) Children(id string) []*Node {
	ids := fs.children[id]
	out := make([]*Node, 0, len(ids))
	for _, kid := range ids {
		out = append(out, fs.nodes[kid])
	}
	return out
}

type FileInfo struct {
	Path string
	Node *Node
}

// Files walks every reachable file depth first.
func (fs *FS) Files() []FileInfo {
	var out []FileInfo
	var walk func(id, p string)
	walk = func(id, p string) {
		for _, kid := range fs.Children(id) {
			kidPath := Join(p, kid.Name)
			if kid.Type == TypeFile {
				out = append(out, FileInfo{Path: kidPath, Node: kid})
				continue
			}
			walk(kid.ID, kidPath)
		}
	}
	walk(RootID, "/")
	return out
}

func (fs *FS) child(parentID, name string) *Node {
	for _, kid := range fs.children[parentID] {
		if node := fs.nodes[kid]; node.Name == name {
			return node
		}
	}
	return nil
}

func (fs *FS) create(parentID, name string, kind NodeType) (*Node, error) {
	if err := fs.ensureRoot(); err != nil {
		return nil, err
	}
	id := fs.newID()
	for _, field := range [][2]string{{fieldType, string(kind)}, {fieldName, name}, {fieldParent, parentID}} {
		if err := fs.doc.Set(id, field[0], field[1]); err != nil {
			return nil, err
		}
	}
	node := &Node{ID: id, Type: kind, Name: name, Parent: parentID, Metadata: map[string]string{}}
	fs.nodes[id] = node
	fs.parents[id] = parentID
	fs.children[parentID] = append(fs.children[parentID], id)
	sort.Strings(fs.children[parentID])
	return node, nil
}

func (fs *FS) detach(id string) {
	parentID := fs.parents[id]
	kids := fs.children[parentID]
	for i, kid := range kids {
		if kid == id {
			fs.children[parentID] = append(kids[:i:i], kids[i+1:]...)
			break
		}
	}
	if len(fs.children[parentID]) == 0 {
		delete(fs.children, parentID)
	}
}

func contentObject(id, contentKey string) string {
	if contentKey == "" {
		contentKey = DefaultContentKey
	}
	return id + "#" + contentKey
}
