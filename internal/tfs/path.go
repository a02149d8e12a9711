package tfs

import (
	"path"
	"strings"
)

// Clean normalizes a tree path: always rooted at "/", no empty segments,
// no trailing slash except for the root. "" and "." are the root.
func Clean(p string) string {
	p = strings.TrimSpace(p)
	if p == "" || p == "." {
		return "/"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return path.Clean(p)
}

// Segments splits a path into its names. The root has none.
func Segments(p string) []string {
	p = Clean(p)
	if p == "/" {
		return nil
	}
	return strings.Split(strings.TrimPrefix(p, "/"), "/")
}

func Join(base, child string) string {
	base = Clean(base)
	if base == "/" {
		return Clean("/" + child)
	}
	return Clean(base + "/" + child)
}

func Dir(p string) string {
	return path.Dir(Clean(p))
}

func Base(p string) string {
	p = Clean(p)
	if p == "/" {
		return ""
	}
	return path.Base(p)
}

// Within reports whether candidate is base or one of its descendants.
func Within(base, candidate string) bool {
	base = Clean(base)
	candidate = Clean(candidate)
	if base == "/" {
		return true
	}
	return candidate == base || strings.HasPrefix(candidate, base+"/")
}

// Ancestors returns every directory above p, root first.
func Ancestors(p string) []string {
	segments := Segments(p)
	dirs := []string{"/"}
	current := ""
	for i := 0; i < len(segments)-1; i++ {
		current += "/" + segments[i]
		dirs = append(dirs, current)
	}
	return dirs
}
