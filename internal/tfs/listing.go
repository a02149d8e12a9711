package tfs

import (
	"fmt"
	"sort"
	"strings"

	"github.com/rectangular-labs/workspacesync/internal/content"
)

type Entry struct {
	Name         string            `json:"name"`
	Path         string            `json:"path"`
	Type         NodeType          `json:"type"`
	Status       string            `json:"status,omitempty"`
	Title        string            `json:"title,omitempty"`
	ScheduledFor string            `json:"scheduledFor,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	Files        int               `json:"files,omitempty"`
	Dirs         int               `json:"dirs,omitempty"`
	ByStatus     map[string]int    `json:"byStatus,omitempty"`
}

type Listing struct {
	Path    string   `json:"path"`
	Type    NodeType `json:"type"`
	Entries []Entry  `json:"entries"`
}

// List describes a directory's children, or the file itself when p names
// a file. Directory entries carry recursive counts of the files below them
// grouped by status.
func (fs *FS) List(p string) (Listing, error) {
	p = Clean(p)
	node, err := fs.Resolve(p)
	if err != nil {
		return Listing{}, pathErr("list", p, ErrNotFound)
	}
	if node.Type == TypeFile {
		return Listing{Path: p, Type: TypeFile, Entries: []Entry{fs.entry(node, p)}}, nil
	}
	listing := Listing{Path: p, Type: TypeDir, Entries: []Entry{}}
	for _, kid := range fs.Children(node.ID) {
		listing.Entries = append(listing.Entries, fs.entry(kid, Join(p, kid.Name)))
	}
	return listing, nil
}

func (fs *FS) entry(node *Node, p string) Entry {
	e := Entry{Name: node.Name, Path: p, Type: node.Type}
	if node.Type == TypeFile {
		e.Status = node.Metadata[content.KeyStatus]
		e.Title = node.Metadata[content.KeyTitle]
		e.ScheduledFor = node.Metadata[content.KeyScheduledFor]
		e.Metadata = copyMetadata(node.Metadata)
		return e
	}
	e.ByStatus = map[string]int{}
	var count func(id string)
	count = func(id string) {
		for _, kid := range fs.Children(id) {
			if kid.Type == TypeDir {
				e.Dirs++
				count(kid.ID)
				continue
			}
			e.Files++
			status := kid.Metadata[content.KeyStatus]
			if status == "" {
				status = "none"
			}
			e.ByStatus[status]++
		}
	}
	count(node.ID)
	return e
}

func (l Listing) String() string {
	if l.Type == TypeFile && len(l.Entries) == 1 {
		return l.Entries[0].String()
	}
	var b strings.Builder
	b.WriteString(l.Path)
	b.WriteString("\n")
	if len(l.Entries) == 0 {
		b.WriteString("  (empty)\n")
		return b.String()
	}
	for _, e := range l.Entries {
		b.WriteString("  ")
		b.WriteString(e.String())
		b.WriteString("\n")
	}
	return b.String()
}

func (e Entry) String() string {
	if e.Type == TypeDir {
		s := fmt.Sprintf("%s/ (%d %s, %d %s)", e.Name, e.Files, plural(e.Files, "file"), e.Dirs, plural(e.Dirs, "dir"))
		if len(e.ByStatus) == 0 {
			return s
		}
		statuses := make([]string, 0, len(e.ByStatus))
		for status := range e.ByStatus {
			statuses = append(statuses, status)
		}
		sort.Strings(statuses)
		parts := make([]string, 0, len(statuses))
		for _, status := range statuses {
			parts = append(parts, fmt.Sprintf("%s: %d", status, e.ByStatus[status]))
		}
		return s + " [" + strings.Join(parts, ", ") + "]"
	}
	status := e.Status
	if status == "" {
		status = "none"
	}
	s := fmt.Sprintf("%s [%s]", e.Name, status)
	if e.Title != "" {
		s += " " + e.Title
	}
	if e.ScheduledFor != "" {
		s += " (scheduled " + e.ScheduledFor + ")"
	}
	return s
}

func plural(n int, word string) string {
	if n == 1 {
		return word
	}
	return word + "s"
}

func copyMetadata(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for key, value := range in {
		out[key] = value
	}
	return out
}
